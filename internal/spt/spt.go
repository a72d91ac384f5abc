// Package spt implements the per-thread supplemental page table (spec
// §4.4): a hash set keyed by page-aligned user virtual address whose
// entries tell the fault handler how to materialize a page on demand.
// Grounded nearly line-for-line on Pintos vm/page.c
// (insert_file_spte/insert_mmap_spte/spte_lookup/grow_stack/load_page/
// load_swap/load_file), translated from a C struct hash to a Go map
// guarded by the owning thread's Table, and from raw frame/file pointers
// to this module's frame.Table and FileStore contracts.
package spt

import (
	"sync"

	"ptoscore/internal/defs"
	"ptoscore/internal/frame"
	"ptoscore/internal/swap"
)

// Kind is the source a page is materialized from (spec §3 "source type").
type Kind int

const (
	KindFile Kind = iota
	KindSwap
	KindMmap
)

// FileStore is the minimal file contract an SPT entry needs to fault a
// page in from, or write an mmap'd page back to. internal/inode's open
// file handle satisfies this.
type FileStore interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Entry is one supplemental-page-table record (spec §3 "SPT entry").
// Exported fields mirror the spec's data model directly; Entry implements
// frame.PageRef so the frame table can drive eviction without importing
// this package.
type Entry struct {
	mu sync.Mutex

	UAddr    uintptr
	Writable bool
	loaded   bool
	pinned   bool
	accessed bool
	dirty    bool
	kind     Kind

	// FILE / MMAP source data.
	File       FileStore
	Offset     int64
	ReadBytes  int
	ZeroBytes  int

	// SWAP source data.
	SwapSlot uint32

	frame *frame.Page
	sw    *swap.Swap
}

var _ frame.PageRef = (*Entry)(nil)

func (e *Entry) Pinned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pinned
}

func (e *Entry) Accessed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accessed
}

func (e *Entry) ClearAccessed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accessed = false
}

func (e *Entry) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

// Loaded reports whether a frame currently backs this entry.
func (e *Entry) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// MarkAccess records a user access to this page; write records a store,
// which sets the dirty bit since this system has no hardware dirty bit to
// consult (spec §4.3's "page-table accessed and dirty bits" are simulated
// here at the point of syscall/fault-driven access).
func (e *Entry) MarkAccess(write bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accessed = true
	if write {
		e.dirty = true
	}
}

// Frame returns the physical page currently backing this entry, or nil if
// not loaded.
func (e *Entry) Frame() *frame.Page {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frame
}

// Evict implements frame.PageRef (spec §4.3 "On eviction, consult the
// victim's SPT entry"):
//
//	MMAP + dirty  -> write the affected range back to its underlying file
//	FILE + dirty  -> promote to SWAP (allocate a slot, write it, rewrite type)
//	SWAP          -> write to a swap slot and record the index
//	FILE + clean  -> discard
func (e *Entry) Evict(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.kind {
	case KindMmap:
		if e.dirty {
			n := e.ReadBytes
			if n > len(data) {
				n = len(data)
			}
			_, _ = e.File.WriteAt(data[:n], e.Offset)
		}
	case KindFile:
		if e.dirty {
			e.kind = KindSwap
			e.SwapSlot = e.sw.Write(data)
		}
	case KindSwap:
		e.SwapSlot = e.sw.Write(data)
	}
	e.loaded = false
	e.accessed = false
	e.dirty = false
	e.frame = nil
}

// Table is a per-thread supplemental page table plus its mmap record
// list (spec §3 "Memory-map record"). One Table belongs to exactly one
// thread.
type Table struct {
	mu      sync.Mutex
	tid     defs.Tid_t
	entries map[uintptr]*Entry
	mmaps   []*MmapRecord

	frames *frame.Table
	sw     *swap.Swap

	stackTop uintptr // current lowest stack address mapped
}

// MmapRecord ties one page of a logical mmap() call to its SPT entry
// (spec §3 "Memory-map record"; a single mmap may own several records).
type MmapRecord struct {
	ID    int
	Entry *Entry
}

// New constructs a Table for thread tid, backed by the given frame table
// and swap area.
func New(tid defs.Tid_t, frames *frame.Table, sw *swap.Swap) *Table {
	return &Table{
		tid:     tid,
		entries: make(map[uintptr]*Entry),
		frames:  frames,
		sw:      sw,
	}
}

func pageRoundDown(uaddr uintptr) uintptr {
	return uaddr &^ (defs.PageSize - 1)
}

// Lookup finds the entry covering uaddr, if any.
func (t *Table) Lookup(uaddr uintptr) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[pageRoundDown(uaddr)]
	return e, ok
}

// InsertFile records that the page at uaddr should be faulted in from
// file at offset, reading readBytes bytes and zero-filling the rest (spec
// §4.4 insert_file).
func (t *Table) InsertFile(file FileStore, offset int64, uaddr uintptr, readBytes, zeroBytes int, writable bool) *Entry {
	e := &Entry{
		UAddr: pageRoundDown(uaddr), Writable: writable, kind: KindFile,
		File: file, Offset: offset, ReadBytes: readBytes, ZeroBytes: zeroBytes,
		sw: t.sw,
	}
	t.mu.Lock()
	t.entries[e.UAddr] = e
	t.mu.Unlock()
	return e
}

// InsertMmap is like InsertFile but additionally appends a record to the
// thread's mmap list (spec §4.4 insert_mmap).
func (t *Table) InsertMmap(mmid int, file FileStore, offset int64, uaddr uintptr, readBytes, zeroBytes int) *Entry {
	e := &Entry{
		UAddr: pageRoundDown(uaddr), Writable: true, kind: KindMmap,
		File: file, Offset: offset, ReadBytes: readBytes, ZeroBytes: zeroBytes,
		sw: t.sw,
	}
	t.mu.Lock()
	t.entries[e.UAddr] = e
	t.mmaps = append(t.mmaps, &MmapRecord{ID: mmid, Entry: e})
	t.mu.Unlock()
	return e
}

// Remove deletes uaddr's entry without any writeback (used once a frame
// holding it has already been handled by the caller).
func (t *Table) Remove(uaddr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, pageRoundDown(uaddr))
}

// FreeEntry removes e from the table and, if a frame currently backs it,
// releases that frame back to the allocator (spec §4.6 munmap "frees
// frames and page-table entries"). The caller is responsible for any
// writeback e's contents require before calling this.
func (t *Table) FreeEntry(e *Entry) {
	t.mu.Lock()
	delete(t.entries, e.UAddr)
	t.mu.Unlock()
	if e.Loaded() {
		t.frames.Free(e)
	}
}

// MmapRecords returns every record for the given mmap id.
func (t *Table) MmapRecords(mmid int) []*MmapRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*MmapRecord
	for _, r := range t.mmaps {
		if r.ID == mmid {
			out = append(out, r)
		}
	}
	return out
}

// Load is the fault-time materialiser (spec §4.4 load(spte)): allocate a
// frame (which may evict), populate it, mark loaded, clear pinned.
func (t *Table) Load(e *Entry) {
	e.mu.Lock()
	if e.loaded {
		e.mu.Unlock()
		return
	}
	e.pinned = true
	kind := e.kind
	e.mu.Unlock()

	page := t.frames.Alloc(t.tid, e)

	switch kind {
	case KindFile, KindMmap:
		e.mu.Lock()
		n, _ := e.File.ReadAt(page.Data[:e.ReadBytes], e.Offset)
		for i := n; i < e.ReadBytes; i++ {
			page.Data[i] = 0
		}
		for i := e.ReadBytes; i < e.ReadBytes+e.ZeroBytes && i < len(page.Data); i++ {
			page.Data[i] = 0
		}
		e.mu.Unlock()
	case KindSwap:
		t.sw.Read(e.SwapSlot, page.Data[:])
	}

	e.mu.Lock()
	e.frame = page
	e.loaded = true
	e.pinned = false
	e.accessed = true
	e.mu.Unlock()
}

// GrowStack installs a zeroed writable page at uaddr via a fresh
// SWAP-typed entry (spec §4.4 grow_stack), provided the fault address is
// within StackFaultSlack bytes below the stack pointer and the resulting
// stack size would still be within MaxStackSize. userStackBase is the
// fixed top-of-stack address for this thread.
func (t *Table) GrowStack(uaddr, stackPointer, userStackBase uintptr) (*Entry, bool) {
	if uaddr+defs.StackFaultSlack < stackPointer {
		return nil, false
	}
	page := pageRoundDown(uaddr)
	if userStackBase-page > defs.MaxStackSize {
		return nil, false
	}

	e := &Entry{
		UAddr: page, Writable: true, kind: KindSwap, pinned: true, sw: t.sw,
	}
	t.mu.Lock()
	t.entries[page] = e
	if t.stackTop == 0 || page < t.stackTop {
		t.stackTop = page
	}
	t.mu.Unlock()

	fr := t.frames.Alloc(t.tid, e)
	for i := range fr.Data {
		fr.Data[i] = 0
	}
	e.mu.Lock()
	e.frame = fr
	e.loaded = true
	e.pinned = false
	e.mu.Unlock()
	return e, true
}

// DestroyAll walks every entry belonging to this thread: loaded mmap
// entries write back dirty pages to their source file first; all loaded
// entries then have their frames released via frames.FreeOwned (spec §4.4
// "Destroy-on-exit").
func (t *Table) DestroyAll() {
	t.mu.Lock()
	entries := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.entries = make(map[uintptr]*Entry)
	t.mmaps = nil
	t.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		loaded := e.loaded
		kind := e.kind
		dirty := e.dirty
		var data []byte
		if loaded && kind == KindMmap && dirty {
			data = append([]byte(nil), e.frame.Data[:e.ReadBytes]...)
			off := e.Offset
			e.mu.Unlock()
			_, _ = e.File.WriteAt(data, off)
		} else {
			e.mu.Unlock()
		}
	}
	t.frames.FreeOwned(t.tid)
}
