package proc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ptoscore/internal/cache"
	"ptoscore/internal/defs"
	"ptoscore/internal/device"
	"ptoscore/internal/fdtable"
	"ptoscore/internal/frame"
	"ptoscore/internal/freemap"
	"ptoscore/internal/inode"
	"ptoscore/internal/metrics"
	"ptoscore/internal/spt"
	"ptoscore/internal/swap"
)

func newTestThread(t *testing.T, name string, parent defs.Tid_t) *Thread {
	t.Helper()
	m := metrics.New()
	dev := device.NewMemDevice(64)
	c := cache.New(dev, m)
	t.Cleanup(c.Shutdown)
	free := freemap.New(64, 2)
	fs := inode.New(c, free)
	fs.Create(defs.RootDirSector, defs.TypeDirectory)
	cwd := fs.Open(defs.RootDirSector)

	frames := frame.New(frame.NewSimpleAllocator(4), m)
	sw := swap.New(device.NewMemDevice(defs.SectorsPerPage*4), m)
	sptTable := spt.New(0, frames, sw)
	fds := fdtable.New(fs, sptTable)
	return NewThread(name, cwd, sptTable, fds, parent)
}

func TestNewThreadAllocatesDistinctTids(t *testing.T) {
	a := newTestThread(t, "a", 0)
	b := newTestThread(t, "b", 0)
	require.NotEqual(t, a.Tid, b.Tid)
}

func TestWaitOnUnknownChildReturnsNegativeOne(t *testing.T) {
	parent := newTestThread(t, "parent", 0)
	require.Equal(t, int32(-1), parent.Wait(defs.Tid_t(99999)))
}

func TestForkThenExitUnblocksWait(t *testing.T) {
	parent := newTestThread(t, "parent", 0)
	child := newTestThread(t, "child", parent.Tid)
	parent.Fork(child)

	waitDone := make(chan int32)
	go func() {
		waitDone <- parent.Wait(child.Tid)
	}()

	select {
	case <-waitDone:
		t.Fatal("wait returned before child exited")
	case <-time.After(50 * time.Millisecond):
	}

	child.Exit(7)
	select {
	case status := <-waitDone:
		require.Equal(t, int32(7), status)
	case <-time.After(time.Second):
		t.Fatal("wait never unblocked after child exit")
	}
}

func TestWaitOnSameChildTwiceReturnsNegativeOneSecondTime(t *testing.T) {
	parent := newTestThread(t, "parent", 0)
	child := newTestThread(t, "child", parent.Tid)
	parent.Fork(child)
	child.Exit(3)

	require.Equal(t, int32(3), parent.Wait(child.Tid))
	require.Equal(t, int32(-1), parent.Wait(child.Tid))
}

func TestExitClosesFDsAndDestroysSPT(t *testing.T) {
	th := newTestThread(t, "solo", 0)
	fd := th.FDs.Open(th.Cwd)
	_, grew := th.SPT.GrowStack(0xBFFFF000, 0xBFFFF000, 0xC0000000)
	require.True(t, grew)
	th.Exit(0)
	require.Equal(t, int32(0), th.Status().Wait())
	_, open := th.FDs.Get(fd)
	require.False(t, open, "exit must close every fd")
	_, mapped := th.SPT.Lookup(0xBFFFF000)
	require.False(t, mapped, "exit must destroy every SPT entry")
}
