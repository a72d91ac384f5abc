// Package frame implements the frame table (spec §4.3): the process-wide
// record of every physical page handed to user processes, with
// second-chance eviction and targeted free-on-exit. Grounded on Pintos
// vm/frame.c (frame_table, vm_frame_alloc/vm_frame_evict/vm_frame_free),
// generalized to the two-pass second-chance scan spec §4.3 specifies in
// place of frame.c's "pick the first frame in the list" placeholder
// policy, and to mem/mem.go's refcounted-allocator shape for the
// underlying physical page source.
package frame

import (
	"sync"

	"ptoscore/internal/defs"
	"ptoscore/internal/metrics"
)

// Page is a physical, page-sized buffer (spec §1: "provides page-sized
// physical allocations" — the allocator itself is out of scope; this is
// the shape its output takes).
type Page struct {
	Data [defs.PageSize]byte
}

// Allocator is the out-of-scope physical-page allocator's contract (spec
// §1 component: "bootloader and physical-page allocator").
type Allocator interface {
	TryAlloc() (*Page, bool)
	Free(*Page)
}

// PageRef is implemented by the supplemental-page-table entry a frame is
// bound to (spec §9 "Raw back-pointer from frame to SPT entry... resolve
// as non-owning back-references"). The frame table never reaches into an
// SPT entry's internals directly; it only asks these four questions and,
// on eviction, tells the entry to materialize itself out of the frame.
type PageRef interface {
	Pinned() bool
	Accessed() bool
	ClearAccessed()
	Dirty() bool

	// Evict writes the page's current contents back to its backing store
	// as spec §4.3 prescribes (MMAP+dirty -> write-back to file; FILE+dirty
	// -> promote to swap; SWAP -> write to a swap slot; FILE+clean ->
	// discard) and clears the entry's loaded flag.
	Evict(data []byte)
}

// entry is one frame-table record (spec §3 "Frame entry").
type entry struct {
	page *Page
	tid  defs.Tid_t
	ref  PageRef
}

// Table is the process-wide frame table singleton.
type Table struct {
	mu    sync.Mutex
	order []*entry // iteration order matters for the clock (spec §4.3)
	alloc Allocator
	m     *metrics.Set
}

// New constructs a frame table backed by alloc.
func New(alloc Allocator, m *metrics.Set) *Table {
	return &Table{alloc: alloc, m: m}
}

// Alloc hands the calling thread a physical page bound to ref, evicting a
// victim if the allocator is exhausted (spec §4.3).
func (t *Table) Alloc(tid defs.Tid_t, ref PageRef) *Page {
	t.m.FrameAllocs.Inc()
	page, ok := t.alloc.TryAlloc()
	if !ok {
		page = t.evict()
	}
	t.mu.Lock()
	t.order = append(t.order, &entry{page: page, tid: tid, ref: ref})
	t.m.FramesInUse.Inc()
	t.mu.Unlock()
	return page
}

// evict runs the two-pass second-chance algorithm (spec §4.3):
//
//	Pass A - pick any unpinned frame whose accessed and dirty bits are
//	         both clear (the cheapest victim).
//	Pass B - pick any unpinned frame whose accessed bit is clear
//	         (dirty allowed), clearing the accessed bit on every unpinned
//	         frame visited before selecting so a subsequent pass finds
//	         candidates.
//
// Repeats until a victim is found.
func (t *Table) evict() *Page {
	for {
		t.mu.Lock()
		if len(t.order) == 0 {
			t.mu.Unlock()
			panic("frame: out of memory and no frame to evict")
		}
		var victim *entry
		var victimIdx int

		for i, e := range t.order {
			if e.ref.Pinned() {
				continue
			}
			if !e.ref.Accessed() && !e.ref.Dirty() {
				victim, victimIdx = e, i
				t.m.FrameEvictionsA.Inc()
				break
			}
		}
		if victim == nil {
			for i, e := range t.order {
				if e.ref.Pinned() {
					continue
				}
				if e.ref.Accessed() {
					e.ref.ClearAccessed()
					continue
				}
				victim, victimIdx = e, i
				t.m.FrameEvictionsB.Inc()
				break
			}
		}
		if victim == nil {
			t.mu.Unlock()
			continue
		}

		t.order = append(t.order[:victimIdx], t.order[victimIdx+1:]...)
		t.m.FramesInUse.Dec()
		t.mu.Unlock()

		victim.ref.Evict(victim.page.Data[:])
		t.alloc.Free(victim.page)

		page, ok := t.alloc.TryAlloc()
		if !ok {
			panic("frame: allocator exhausted immediately after a free")
		}
		return page
	}
}

// Free releases the single frame bound to ref, if any is currently
// loaded, without running the eviction write-back path — used when the
// caller (e.g. munmap) has already handled any writeback the entry's
// contents require.
func (t *Table) Free(ref PageRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.order {
		if e.ref == ref {
			t.alloc.Free(e.page)
			t.order = append(t.order[:i], t.order[i+1:]...)
			t.m.FramesInUse.Dec()
			return
		}
	}
}

// FreeOwned releases every frame tagged with tid without running the
// eviction write-back path (spec §4.3 "Targeted free on thread exit"); the
// caller is responsible for any writeback its own teardown requires first
// (see internal/spt's destroy-on-exit, which writes back dirty mmap pages
// before calling this).
func (t *Table) FreeOwned(tid defs.Tid_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.order[:0]
	for _, e := range t.order {
		if e.tid == tid {
			t.alloc.Free(e.page)
			t.m.FramesInUse.Dec()
			continue
		}
		kept = append(kept, e)
	}
	t.order = kept
}

// Count reports the number of frames currently allocated, for tests.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// SimpleAllocator is a bounded pool of pages, used to boot the frame table
// in tests and in the CLI without a real physical-memory manager backing
// it (that manager is out of scope per spec §1).
type SimpleAllocator struct {
	mu    sync.Mutex
	free  []*Page
}

// NewSimpleAllocator preallocates n pages.
func NewSimpleAllocator(n int) *SimpleAllocator {
	a := &SimpleAllocator{free: make([]*Page, 0, n)}
	for i := 0; i < n; i++ {
		a.free = append(a.free, &Page{})
	}
	return a
}

func (a *SimpleAllocator) TryAlloc() (*Page, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return nil, false
	}
	p := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	*p = Page{}
	return p, true
}

func (a *SimpleAllocator) Free(p *Page) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, p)
}
