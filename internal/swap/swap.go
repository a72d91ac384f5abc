// Package swap implements the swap area (spec §4.2): a bitmap of
// page-sized slots over a dedicated block device. Grounded closely on
// Pintos vm/swap.c (swap_read's read-and-release contract, swap_write's
// first-fit bitmap scan, SECTORS_PER_PAGE-contiguous transfers), with the
// bitmap itself packed the way internal/freemap packs its free-sector
// bitmap rather than one bool per slot.
package swap

import (
	"sync"

	"ptoscore/internal/defs"
	"ptoscore/internal/device"
	"ptoscore/internal/metrics"
)

// Swap is the process-wide swap singleton.
type Swap struct {
	mu     sync.Mutex
	dev    device.SectorDevice
	used   []uint64 // bit set == slot in use, packed like freemap.Map
	nslots uint32
	m      *metrics.Set
}

func (s *Swap) isUsed(i uint32) bool { return s.used[i/64]&(1<<(i%64)) != 0 }
func (s *Swap) setUsed(i uint32)     { s.used[i/64] |= 1 << (i % 64) }
func (s *Swap) clearUsed(i uint32)   { s.used[i/64] &^= 1 << (i % 64) }

// New creates a Swap area over dev, whose capacity in slots is
// dev.NumSectors() / SectorsPerPage, all initially free.
func New(dev device.SectorDevice, m *metrics.Set) *Swap {
	nslots := dev.NumSectors() / defs.SectorsPerPage
	return &Swap{
		dev:    dev,
		used:   make([]uint64, (nslots+63)/64),
		nslots: nslots,
		m:      m,
	}
}

// Write picks the first free slot, writes the page (exactly
// SectorsPerPage*SectorSize bytes) into it, marks it used, and returns its
// index. Swap exhaustion is unrecoverable in this system (spec §4.2, §7):
// there is no free slot to retry onto, so this panics.
func (s *Swap) Write(page []byte) (slot uint32) {
	if len(page) != defs.PageSize {
		panic("swap: page must be exactly PageSize bytes")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := uint32(0)
	found := false
	for ; idx < s.nslots; idx++ {
		if !s.isUsed(idx) {
			found = true
			break
		}
	}
	if !found {
		panic("swap: exhausted")
	}
	base := idx * defs.SectorsPerPage
	for i := 0; i < defs.SectorsPerPage; i++ {
		off := i * defs.SectorSize
		if err := s.dev.WriteSector(base+uint32(i), page[off:off+defs.SectorSize]); err != nil {
			panic(err)
		}
	}
	s.setUsed(idx)
	s.m.SwapWrites.Inc()
	s.m.SwapSlotsUsed.Inc()
	return idx
}

// Read fills page from the given slot and releases the slot (spec §4.2:
// "callers that restore a swapped page own the page thereafter").
func (s *Swap) Read(slot uint32, page []byte) {
	if len(page) != defs.PageSize {
		panic("swap: page must be exactly PageSize bytes")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot >= s.nslots || !s.isUsed(slot) {
		panic("swap: read of a free slot")
	}
	base := slot * defs.SectorsPerPage
	for i := 0; i < defs.SectorsPerPage; i++ {
		off := i * defs.SectorSize
		if err := s.dev.ReadSector(base+uint32(i), page[off:off+defs.SectorSize]); err != nil {
			panic(err)
		}
	}
	s.clearUsed(slot)
	s.m.SwapReads.Inc()
	s.m.SwapSlotsUsed.Dec()
}

// Release marks slot free without reading it back.
func (s *Swap) Release(slot uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot >= s.nslots {
		return
	}
	if s.isUsed(slot) {
		s.clearUsed(slot)
		s.m.SwapSlotsUsed.Dec()
	}
}
