package spt

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ptoscore/internal/defs"
	"ptoscore/internal/device"
	"ptoscore/internal/frame"
	"ptoscore/internal/metrics"
	"ptoscore/internal/swap"
)

// memFile is a minimal FileStore backed by an in-memory byte slice, for
// exercising SPT loads/writebacks without the full inode layer.
type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.data)) {
		return 0, nil
	}
	n := copy(p, f.data[off:])
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:end], p)
	return len(p), nil
}

func newTestTable(t *testing.T, nframes int) *Table {
	t.Helper()
	m := metrics.New()
	frames := frame.New(frame.NewSimpleAllocator(nframes), m)
	sw := swap.New(device.NewMemDevice(defs.SectorsPerPage*8), m)
	return New(defs.Tid_t(1), frames, sw)
}

func TestInsertFileAndLoad(t *testing.T) {
	tbl := newTestTable(t, 4)
	file := &memFile{data: []byte("hello world")}

	e := tbl.InsertFile(file, 0, 0x1000, 11, defs.PageSize-11, false)
	require.False(t, e.Loaded())

	got, ok := tbl.Lookup(0x1000)
	require.True(t, ok)
	require.Same(t, e, got)

	tbl.Load(e)
	require.True(t, e.Loaded())
	require.False(t, e.Pinned())
	require.Equal(t, []byte("hello world"), e.Frame().Data[:11])
	for _, b := range e.Frame().Data[11:] {
		require.Equal(t, byte(0), b)
	}
}

func TestGrowStackRespectsSlackAndMax(t *testing.T) {
	tbl := newTestTable(t, 4)
	stackPointer := uintptr(0xC0000000 - 4)
	stackBase := uintptr(0xC0000000)

	// Within slack: should succeed.
	_, ok := tbl.GrowStack(stackPointer-defs.StackFaultSlack, stackPointer, stackBase)
	require.True(t, ok)

	// Far below the stack pointer: should be refused.
	_, ok = tbl.GrowStack(stackPointer-1000, stackPointer, stackBase)
	require.False(t, ok)

	// Beyond MaxStackSize from the base: refused regardless of slack.
	tooFar := stackBase - defs.MaxStackSize - defs.PageSize
	_, ok = tbl.GrowStack(tooFar, tooFar+defs.StackFaultSlack, stackBase)
	require.False(t, ok)
}

func TestEvictPromotesFileToSwapThenRestores(t *testing.T) {
	tbl := newTestTable(t, 1)
	file := &memFile{data: []byte("persisted bytes")}
	e := tbl.InsertFile(file, 0, 0x2000, 15, defs.PageSize-15, true)
	tbl.Load(e)
	e.MarkAccess(true) // simulate a store, setting dirty

	// Loading a second page forces eviction of e's frame (pool size 1).
	other := &memFile{data: []byte("other")}
	e2 := tbl.InsertFile(other, 0, 0x3000, 5, defs.PageSize-5, false)
	tbl.Load(e2)

	require.False(t, e.Loaded())

	// Faulting e back in should pull its contents from swap, not the file.
	tbl.Load(e)
	require.True(t, e.Loaded())
	require.Equal(t, []byte("persisted bytes"), e.Frame().Data[:15])
}

func TestMmapEvictionWritesBackDirtyPage(t *testing.T) {
	tbl := newTestTable(t, 1)
	file := &memFile{data: make([]byte, defs.PageSize)}
	e := tbl.InsertMmap(7, file, 0, 0x4000, defs.PageSize, 0)
	tbl.Load(e)
	e.Frame().Data[0] = 0x9
	e.MarkAccess(true)

	other := &memFile{}
	e2 := tbl.InsertFile(other, 0, 0x5000, 0, defs.PageSize, false)
	tbl.Load(e2)

	require.False(t, e.Loaded())
	require.Equal(t, byte(0x9), file.data[0])
}

func TestDestroyAllFreesFramesAndWritesBackMmap(t *testing.T) {
	tbl := newTestTable(t, 4)
	file := &memFile{data: make([]byte, defs.PageSize)}
	e := tbl.InsertMmap(1, file, 0, 0x6000, defs.PageSize, 0)
	tbl.Load(e)
	e.Frame().Data[5] = 0x77
	e.MarkAccess(true)

	tbl.InsertFile(&memFile{}, 0, 0x7000, 0, defs.PageSize, false)

	tbl.DestroyAll()
	require.Equal(t, byte(0x77), file.data[5])
	require.Equal(t, 0, tbl.frames.Count())
}

func TestMmapRecordsTracksByID(t *testing.T) {
	tbl := newTestTable(t, 4)
	file := &memFile{data: make([]byte, defs.PageSize*2)}
	tbl.InsertMmap(42, file, 0, 0x8000, defs.PageSize, 0)
	tbl.InsertMmap(42, file, defs.PageSize, 0x9000, defs.PageSize, 0)
	tbl.InsertMmap(99, file, 0, 0xA000, defs.PageSize, 0)

	recs := tbl.MmapRecords(42)
	require.Len(t, recs, 2)
}
