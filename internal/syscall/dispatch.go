package syscall

import (
	"ptoscore/internal/defs"
	"ptoscore/internal/freemap"
	"ptoscore/internal/inode"
	"ptoscore/internal/proc"
)

// Dispatcher executes the file-system and fd-table-facing syscalls for
// one thread (spec §4.6, §4.7). Pointer validation and the console/
// stdin fds (0/1) are the caller's responsibility — those require an
// actual user address space and a console device this package does not
// own; Dispatcher covers everything downstream of a validated buffer.
type Dispatcher struct {
	FS *inode.FS
	T  *proc.Thread
}

// Create makes a new zero-length file named name in the thread's cwd
// (spec §4.6 create, via §4.2 directory add over a freshly allocated
// inode sector).
func (d *Dispatcher) Create(name string, free *freemap.Map) defs.Err_t {
	if _, err := d.FS.Lookup(d.T.Cwd, name); err == 0 {
		return -defs.EEXIST
	}
	sector, ok := free.AllocateOne()
	if !ok {
		return -defs.ENOSPC
	}
	if err := d.FS.Create(sector, defs.TypeFile); err != 0 {
		return err
	}
	return d.FS.Link(d.T.Cwd, name, sector)
}

// Remove unlinks name from the thread's cwd and marks the target inode
// for deletion on final close (spec §4.2 inode_remove / inode_close).
func (d *Dispatcher) Remove(name string) defs.Err_t {
	sector, err := d.FS.Lookup(d.T.Cwd, name)
	if err != 0 {
		return err
	}
	if err := d.FS.Unlink(d.T.Cwd, name); err != 0 {
		return err
	}
	ino := d.FS.Open(sector)
	ino.Remove()
	d.FS.Close(ino)
	return 0
}

// Open resolves name against the thread's cwd and installs it in the fd
// table (spec §4.6 open).
func (d *Dispatcher) Open(name string) (int, defs.Err_t) {
	sector, err := d.FS.Lookup(d.T.Cwd, name)
	if err != 0 {
		return -1, err
	}
	ino := d.FS.Open(sector)
	return d.T.FDs.Open(ino), 0
}

// Filesize returns fd's current length (spec §6 SYS_FILESIZE).
func (d *Dispatcher) Filesize(fd int) (int64, defs.Err_t) {
	f, ok := d.T.FDs.Get(fd)
	if !ok {
		return 0, -defs.EINVAL
	}
	return f.Ino.Length(), 0
}

// Read reads into buf from fd at its current position, advancing it
// (spec §4.6 read dispatch for non-stdin fds).
func (d *Dispatcher) Read(fd int, buf []byte) (int, defs.Err_t) {
	f, ok := d.T.FDs.Get(fd)
	if !ok {
		return 0, -defs.EINVAL
	}
	n, err := d.FS.ReadAt(f.Ino, buf, f.Pos)
	if err != 0 {
		return 0, err
	}
	f.Pos += int64(n)
	return n, 0
}

// Write writes buf to fd at its current position, advancing it (spec
// §4.6 write dispatch for non-stdout fds; a deny-write inode returns 0
// bytes written, not an error, per spec §7).
func (d *Dispatcher) Write(fd int, buf []byte) (int, defs.Err_t) {
	f, ok := d.T.FDs.Get(fd)
	if !ok {
		return 0, -defs.EINVAL
	}
	n, err := d.FS.WriteAt(f.Ino, buf, f.Pos)
	if err != 0 {
		if err == -defs.EPERM {
			return 0, 0
		}
		return 0, err
	}
	f.Pos += int64(n)
	return n, 0
}

// Seek repositions fd (spec §6 SYS_SEEK).
func (d *Dispatcher) Seek(fd int, pos int64) defs.Err_t {
	f, ok := d.T.FDs.Get(fd)
	if !ok {
		return -defs.EINVAL
	}
	f.Pos = pos
	return 0
}

// Tell returns fd's current position (spec §6 SYS_TELL).
func (d *Dispatcher) Tell(fd int) (int64, defs.Err_t) {
	f, ok := d.T.FDs.Get(fd)
	if !ok {
		return 0, -defs.EINVAL
	}
	return f.Pos, 0
}

// Close tears down fd (spec §4.6 close).
func (d *Dispatcher) Close(fd int) defs.Err_t {
	return d.T.FDs.Close(fd)
}

// Mkdir creates an empty directory named name in the thread's cwd,
// pre-populated with "." and ".." entries (spec §6 SYS_MKDIR).
func (d *Dispatcher) Mkdir(name string, free *freemap.Map) defs.Err_t {
	if _, err := d.FS.Lookup(d.T.Cwd, name); err == 0 {
		return -defs.EEXIST
	}
	sector, ok := free.AllocateOne()
	if !ok {
		return -defs.ENOSPC
	}
	if err := d.FS.Create(sector, defs.TypeDirectory); err != 0 {
		return err
	}
	dirIno := d.FS.Open(sector)
	defer d.FS.Close(dirIno)
	if err := d.FS.Link(dirIno, ".", sector); err != 0 {
		return err
	}
	if err := d.FS.Link(dirIno, "..", d.T.Cwd.Sector()); err != 0 {
		return err
	}
	return d.FS.Link(d.T.Cwd, name, sector)
}

// Chdir changes the thread's working directory to name, resolved
// against its current cwd (spec §6 SYS_CHDIR).
func (d *Dispatcher) Chdir(name string) defs.Err_t {
	sector, err := d.FS.Lookup(d.T.Cwd, name)
	if err != 0 {
		return err
	}
	ino := d.FS.Open(sector)
	if !ino.IsDir() {
		d.FS.Close(ino)
		return -defs.ENOTDIR
	}
	old := d.T.Cwd
	d.T.Cwd = ino
	d.FS.Close(old)
	return 0
}

// Readdir returns the next live entry name in fd's directory, or
// ok=false at end-of-directory (spec §6 SYS_READDIR).
func (d *Dispatcher) Readdir(fd int) (string, bool, defs.Err_t) {
	f, ok := d.T.FDs.Get(fd)
	if !ok {
		return "", false, -defs.EINVAL
	}
	if !f.Ino.IsDir() {
		return "", false, -defs.ENOTDIR
	}
	names, err := d.FS.List(f.Ino)
	if err != 0 {
		return "", false, err
	}
	idx := int(f.Pos)
	for idx < len(names) {
		name := names[idx]
		idx++
		f.Pos = int64(idx)
		if name == "." || name == ".." {
			continue
		}
		return name, true, 0
	}
	return "", false, 0
}

// Isdir reports whether fd names a directory (spec §6 SYS_ISDIR).
func (d *Dispatcher) Isdir(fd int) (bool, defs.Err_t) {
	f, ok := d.T.FDs.Get(fd)
	if !ok {
		return false, -defs.EINVAL
	}
	return f.Ino.IsDir(), 0
}

// Inumber returns fd's underlying inode sector number (spec §6
// SYS_INUMBER).
func (d *Dispatcher) Inumber(fd int) (uint32, defs.Err_t) {
	f, ok := d.T.FDs.Get(fd)
	if !ok {
		return 0, -defs.EINVAL
	}
	return f.Ino.Sector(), 0
}

// Mmap maps fd's file at addr (spec §4.6 mmap): the file is reopened so
// closing fd afterward does not disturb the mapping.
func (d *Dispatcher) Mmap(fd int, addr uintptr) (int, defs.Err_t) {
	f, ok := d.T.FDs.Get(fd)
	if !ok {
		return -1, -defs.EINVAL
	}
	reopened := d.FS.Open(f.Ino.Sector())
	handle := &inode.Handle{FS: d.FS, Ino: reopened}
	id, err := d.T.FDs.Mmap(addr, f.Ino, handle)
	if err != 0 {
		d.FS.Close(reopened)
		return -1, err
	}
	return id, 0
}

// Munmap tears down mapping id (spec §4.6 munmap).
func (d *Dispatcher) Munmap(id int) defs.Err_t {
	return d.T.FDs.Munmap(id)
}
