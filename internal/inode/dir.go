package inode

import (
	"encoding/binary"

	"ptoscore/internal/defs"
)

// dirEntry is one fixed-size record in a directory file's byte stream
// (spec §3 "Directory entry"). A directory is an ordinary inode of type
// TypeDirectory whose contents are a packed array of these records —
// the same entries-as-file-bytes layout inode_read_at/inode_write_at
// already give us, so no separate on-disk directory format is needed.
const (
	dirNameMax   = 60
	dirEntrySize = 4 + 1 + dirNameMax // sector + inUse + name
)

type dirEntry struct {
	sector uint32
	inUse  bool
	name   string
}

func marshalDirEntry(e dirEntry) []byte {
	buf := make([]byte, dirEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], e.sector)
	if e.inUse {
		buf[4] = 1
	}
	copy(buf[5:], e.name)
	return buf
}

func unmarshalDirEntry(buf []byte) dirEntry {
	var e dirEntry
	e.sector = binary.LittleEndian.Uint32(buf[0:4])
	e.inUse = buf[4] != 0
	end := 5
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	e.name = string(buf[5:end])
	return e
}

// Lookup scans dir's entries for name, returning the sector of the
// inode it names (spec §4.2 "directory lookup").
func (fs *FS) Lookup(dir *Inode, name string) (uint32, defs.Err_t) {
	if !dir.IsDir() {
		return 0, -defs.ENOTDIR
	}
	n := dir.Length() / dirEntrySize
	buf := make([]byte, dirEntrySize)
	for i := int64(0); i < n; i++ {
		if _, err := fs.ReadAt(dir, buf, i*dirEntrySize); err != 0 {
			return 0, err
		}
		e := unmarshalDirEntry(buf)
		if e.inUse && e.name == name {
			return e.sector, 0
		}
	}
	return 0, -defs.ENOENT
}

// List returns the names of every live entry in dir (spec §4.2
// "directory listing").
func (fs *FS) List(dir *Inode) ([]string, defs.Err_t) {
	if !dir.IsDir() {
		return nil, -defs.ENOTDIR
	}
	n := dir.Length() / dirEntrySize
	buf := make([]byte, dirEntrySize)
	var names []string
	for i := int64(0); i < n; i++ {
		if _, err := fs.ReadAt(dir, buf, i*dirEntrySize); err != 0 {
			return nil, err
		}
		e := unmarshalDirEntry(buf)
		if e.inUse {
			names = append(names, e.name)
		}
	}
	return names, 0
}

// Link adds an entry named name -> sector into dir, reusing the first
// free (not-in-use) slot if one exists before appending (spec §4.2
// "directory add"). Fails with EEXIST if name is already present.
func (fs *FS) Link(dir *Inode, name string, sector uint32) defs.Err_t {
	if len(name) >= dirNameMax {
		return -defs.EINVAL
	}
	if !dir.IsDir() {
		return -defs.ENOTDIR
	}
	if _, err := fs.Lookup(dir, name); err == 0 {
		return -defs.EEXIST
	}

	n := dir.Length() / dirEntrySize
	buf := make([]byte, dirEntrySize)
	for i := int64(0); i < n; i++ {
		if _, err := fs.ReadAt(dir, buf, i*dirEntrySize); err != 0 {
			return err
		}
		e := unmarshalDirEntry(buf)
		if !e.inUse {
			rec := marshalDirEntry(dirEntry{sector: sector, inUse: true, name: name})
			_, err := fs.WriteAt(dir, rec, i*dirEntrySize)
			return err
		}
	}
	rec := marshalDirEntry(dirEntry{sector: sector, inUse: true, name: name})
	_, err := fs.WriteAt(dir, rec, n*dirEntrySize)
	return err
}

// Unlink marks name's entry not-in-use within dir (spec §4.2 "directory
// remove"); it does not itself close or delete the target inode.
func (fs *FS) Unlink(dir *Inode, name string) defs.Err_t {
	if !dir.IsDir() {
		return -defs.ENOTDIR
	}
	n := dir.Length() / dirEntrySize
	buf := make([]byte, dirEntrySize)
	for i := int64(0); i < n; i++ {
		if _, err := fs.ReadAt(dir, buf, i*dirEntrySize); err != 0 {
			return err
		}
		e := unmarshalDirEntry(buf)
		if e.inUse && e.name == name {
			rec := marshalDirEntry(dirEntry{})
			_, err := fs.WriteAt(dir, rec, i*dirEntrySize)
			return err
		}
	}
	return -defs.ENOENT
}

// IsEmpty reports whether dir has no live entries besides "." and ".."
// (spec §4.2 "rmdir refuses a non-empty directory").
func (fs *FS) IsEmpty(dir *Inode) (bool, defs.Err_t) {
	names, err := fs.List(dir)
	if err != 0 {
		return false, err
	}
	for _, n := range names {
		if n != "." && n != ".." {
			return false, 0
		}
	}
	return true, 0
}
