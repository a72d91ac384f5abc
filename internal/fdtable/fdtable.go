// Package fdtable implements the per-thread file-descriptor and
// memory-map surface (spec §4.6): an open-fd list starting at descriptor
// 2 (0 and 1 are reserved for console I/O), and the bookkeeping mmap()
// needs to keep a mapping alive independent of its originating fd.
// Grounded on Pintos userprog/syscall.c's fdtable array and open/read/
// write dispatch (fd 0 -> keyboard, fd 1 -> console, otherwise the stored
// struct file), generalized from syscall.c's fixed 10-entry array to a
// map so a thread is not artificially capped at 8 concurrent files.
package fdtable

import (
	"sync"

	"ptoscore/internal/defs"
	"ptoscore/internal/inode"
	"ptoscore/internal/spt"
)

// firstFD is the lowest descriptor number Open hands out; 0 and 1 are
// reserved for stdin/stdout by convention the syscall dispatcher
// enforces (spec §4.6).
const firstFD = 2

// File is one open file descriptor's state (spec §3 "Open file
// handle").
type File struct {
	Ino       *inode.Inode
	Pos       int64
	deniedWrt bool
}

// Mmap is one active memory mapping (spec §3 "Memory-map record" at the
// fd-table level: the mapping id, its reopened file, and the SPT entries
// it installed).
type Mmap struct {
	ID      int
	File    *inode.Handle
	Entries []*spt.Entry
}

// Table is a thread's complete fd/mmap surface.
type Table struct {
	mu      sync.Mutex
	fs      *inode.FS
	spt     *spt.Table
	files   map[int]*File
	nextFD  int
	mmaps   map[int]*Mmap
	nextMap int
}

// New constructs an empty table for one thread.
func New(fs *inode.FS, spt *spt.Table) *Table {
	return &Table{
		fs:     fs,
		spt:    spt,
		files:  make(map[int]*File),
		nextFD: firstFD,
		mmaps:  make(map[int]*Mmap),
	}
}

// Open installs an already-opened inode under the smallest free
// descriptor number (spec §4.6 "picks the smallest free id >= 2").
func (t *Table) Open(ino *inode.Inode) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := firstFD
	for {
		if _, used := t.files[fd]; !used {
			break
		}
		fd++
	}
	t.files[fd] = &File{Ino: ino}
	if fd >= t.nextFD {
		t.nextFD = fd + 1
	}
	return fd
}

// Get returns the handle for fd, if open.
func (t *Table) Get(fd int) (*File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	return f, ok
}

// Close tears down fd, closing its inode through fs (spec §4.6 "close(fd)
// tears down both" the file and, for directories, the directory handle —
// modeled here as the same inode.Close path since a directory fd is just
// an fd over a TypeDirectory inode).
func (t *Table) Close(fd int) defs.Err_t {
	t.mu.Lock()
	f, ok := t.files[fd]
	if !ok {
		t.mu.Unlock()
		return -defs.EINVAL
	}
	delete(t.files, fd)
	t.mu.Unlock()

	if f.deniedWrt {
		f.Ino.AllowWrite()
	}
	t.fs.Close(f.Ino)
	return 0
}

// CloseAll tears down every open fd (spec §4.7 "process exit releases
// every open fd").
func (t *Table) CloseAll() {
	t.mu.Lock()
	fds := make([]int, 0, len(t.files))
	for fd := range t.files {
		fds = append(fds, fd)
	}
	t.mu.Unlock()
	for _, fd := range fds {
		t.Close(fd)
	}
}

// Mmap installs a new mapping over file's contents at addr, one SPT
// entry per page (spec §4.6 mmap). reopened must wrap a fresh Open() of
// the same inode so a later close(fd) does not tear down the mapping.
func (t *Table) Mmap(addr uintptr, ino *inode.Inode, reopened *inode.Handle) (int, defs.Err_t) {
	if addr == 0 || addr%defs.PageSize != 0 || addr < defs.USERBASE {
		return 0, -defs.EINVAL
	}
	length := ino.Length()
	if length == 0 {
		return 0, -defs.EINVAL
	}

	t.mu.Lock()
	id := t.nextMap
	t.nextMap++
	t.mu.Unlock()

	var entries []*spt.Entry
	var off int64
	for off < length {
		readBytes := length - off
		if readBytes > defs.PageSize {
			readBytes = defs.PageSize
		}
		zeroBytes := int(defs.PageSize - readBytes)
		e := t.spt.InsertMmap(id, reopened, off, addr, int(readBytes), zeroBytes)
		entries = append(entries, e)
		addr += defs.PageSize
		off += defs.PageSize
	}

	t.mu.Lock()
	t.mmaps[id] = &Mmap{ID: id, File: reopened, Entries: entries}
	t.mu.Unlock()
	return id, 0
}

// Munmap writes back dirty pages, frees their frames and SPT entries,
// and releases the mapping's reopened file handle (spec §4.6 munmap).
func (t *Table) Munmap(id int) defs.Err_t {
	t.mu.Lock()
	m, ok := t.mmaps[id]
	if !ok {
		t.mu.Unlock()
		return -defs.EINVAL
	}
	delete(t.mmaps, id)
	t.mu.Unlock()

	for _, e := range m.Entries {
		if e.Loaded() && e.Dirty() {
			fr := e.Frame()
			n := e.ReadBytes
			_, _ = e.File.WriteAt(fr.Data[:n], e.Offset)
		}
		t.spt.FreeEntry(e)
	}
	t.fs.Close(m.File.Ino)
	return 0
}

// DenyWriteOn marks fd's underlying inode as write-denied, used when the
// fd was opened to run as the current executable image (spec §4.6 "an
// inode with deny_write_count > 0").
func (t *Table) DenyWriteOn(fd int) defs.Err_t {
	f, ok := t.Get(fd)
	if !ok {
		return -defs.EINVAL
	}
	f.Ino.DenyWrite()
	t.mu.Lock()
	f.deniedWrt = true
	t.mu.Unlock()
	return 0
}
