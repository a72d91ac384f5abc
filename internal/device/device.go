// Package device provides the sector-addressed block device contract the
// rest of the core is built on (spec §1, "raw block device driver" is an
// external collaborator; spec §6 fixes SECTOR_SIZE). The real driver lives
// outside this module's scope; this package supplies the interface every
// other package programs against, plus a file-backed implementation for
// booting from a disk image and for tests, in the style of
// ufs/driver.go's ahci_disk_t: a plain *os.File standing in for a disk.
package device

import (
	"fmt"
	"os"
	"sync"

	"ptoscore/internal/defs"
)

// SectorDevice is synchronous sector I/O: the caller blocks until the
// transfer completes (spec §1).
type SectorDevice interface {
	ReadSector(sector uint32, dst []byte) error
	WriteSector(sector uint32, src []byte) error
	Flush() error
	NumSectors() uint32
}

// FileDevice backs a SectorDevice with a host file, seeking to the right
// offset before each transfer under a single mutex the way ahci_disk_t
// does ("lock to ensure that seek followed by read/write is atomic").
type FileDevice struct {
	mu  sync.Mutex
	f   *os.File
	cnt uint32
}

// Open opens an existing disk image; its sector count is the file size
// divided by SectorSize.
func Open(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{f: f, cnt: uint32(st.Size() / defs.SectorSize)}, nil
}

// Create formats a fresh nsectors-sector disk image at path, zero-filled.
func Create(path string, nsectors uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(nsectors) * defs.SectorSize); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{f: f, cnt: nsectors}, nil
}

func (d *FileDevice) NumSectors() uint32 { return d.cnt }

func (d *FileDevice) seek(sector uint32) error {
	if sector >= d.cnt {
		return fmt.Errorf("device: sector %d out of range (%d sectors)", sector, d.cnt)
	}
	_, err := d.f.Seek(int64(sector)*defs.SectorSize, 0)
	return err
}

// ReadSector reads exactly one sector into dst, which must be SectorSize
// bytes or larger.
func (d *FileDevice) ReadSector(sector uint32, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.seek(sector); err != nil {
		return err
	}
	n, err := d.f.Read(dst[:defs.SectorSize])
	if err != nil {
		return err
	}
	if n != defs.SectorSize {
		return fmt.Errorf("device: short read of sector %d (%d bytes)", sector, n)
	}
	return nil
}

// WriteSector writes exactly one sector from src.
func (d *FileDevice) WriteSector(sector uint32, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.seek(sector); err != nil {
		return err
	}
	n, err := d.f.Write(src[:defs.SectorSize])
	if err != nil {
		return err
	}
	if n != defs.SectorSize {
		return fmt.Errorf("device: short write of sector %d (%d bytes)", sector, n)
	}
	return nil
}

// Flush forces buffered writes to stable storage.
func (d *FileDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

// Close releases the underlying file.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

// MemDevice is an in-memory SectorDevice, used by tests that want to
// exercise the cache/inode/vm layers without touching the filesystem (spec
// §8 end-to-end scenarios run against this).
type MemDevice struct {
	mu   sync.Mutex
	data [][defs.SectorSize]byte
}

// NewMemDevice allocates a zeroed in-memory device of nsectors sectors.
func NewMemDevice(nsectors uint32) *MemDevice {
	return &MemDevice{data: make([][defs.SectorSize]byte, nsectors)}
}

func (d *MemDevice) NumSectors() uint32 { return uint32(len(d.data)) }

func (d *MemDevice) ReadSector(sector uint32, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector >= uint32(len(d.data)) {
		return fmt.Errorf("memdevice: sector %d out of range", sector)
	}
	copy(dst, d.data[sector][:])
	return nil
}

func (d *MemDevice) WriteSector(sector uint32, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector >= uint32(len(d.data)) {
		return fmt.Errorf("memdevice: sector %d out of range", sector)
	}
	copy(d.data[sector][:], src)
	return nil
}

func (d *MemDevice) Flush() error { return nil }
