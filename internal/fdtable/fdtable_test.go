package fdtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ptoscore/internal/cache"
	"ptoscore/internal/defs"
	"ptoscore/internal/device"
	"ptoscore/internal/frame"
	"ptoscore/internal/freemap"
	"ptoscore/internal/inode"
	"ptoscore/internal/metrics"
	"ptoscore/internal/spt"
	"ptoscore/internal/swap"
)

type testEnv struct {
	fs  *inode.FS
	spt *spt.Table
}

func newTestEnv(t *testing.T, nsectors uint32, nframes int) *testEnv {
	t.Helper()
	m := metrics.New()
	dev := device.NewMemDevice(nsectors)
	c := cache.New(dev, m)
	t.Cleanup(c.Shutdown)
	free := freemap.New(nsectors, 2)
	fs := inode.New(c, free)

	frames := frame.New(frame.NewSimpleAllocator(nframes), m)
	sw := swap.New(device.NewMemDevice(defs.SectorsPerPage*8), m)
	sptTable := spt.New(defs.Tid_t(1), frames, sw)
	return &testEnv{fs: fs, spt: sptTable}
}

func TestOpenAssignsSmallestFreeFD(t *testing.T) {
	env := newTestEnv(t, 64, 4)
	env.fs.Create(10, defs.TypeFile)
	ino := env.fs.Open(10)
	defer env.fs.Close(ino)

	tbl := New(env.fs, env.spt)
	fd1 := tbl.Open(ino)
	fd2 := tbl.Open(ino)
	require.Equal(t, firstFD, fd1)
	require.Equal(t, firstFD+1, fd2)

	tbl.Close(fd1)
	fd3 := tbl.Open(ino)
	require.Equal(t, fd1, fd3, "closed fd should be reused as the smallest free slot")
}

func TestGetReturnsOpenFile(t *testing.T) {
	env := newTestEnv(t, 64, 4)
	env.fs.Create(10, defs.TypeFile)
	ino := env.fs.Open(10)
	defer env.fs.Close(ino)

	tbl := New(env.fs, env.spt)
	fd := tbl.Open(ino)

	f, ok := tbl.Get(fd)
	require.True(t, ok)
	require.Same(t, ino, f.Ino)

	_, ok = tbl.Get(fd + 100)
	require.False(t, ok)
}

func TestCloseUnknownFDFails(t *testing.T) {
	env := newTestEnv(t, 64, 4)
	tbl := New(env.fs, env.spt)
	require.Equal(t, -defs.EINVAL, tbl.Close(99))
}

func TestCloseAllTearsDownEveryFD(t *testing.T) {
	env := newTestEnv(t, 64, 4)
	env.fs.Create(10, defs.TypeFile)
	env.fs.Create(11, defs.TypeFile)
	a := env.fs.Open(10)
	b := env.fs.Open(11)

	tbl := New(env.fs, env.spt)
	tbl.Open(a)
	tbl.Open(b)
	tbl.CloseAll()

	_, ok := tbl.Get(firstFD)
	require.False(t, ok)
	_, ok = tbl.Get(firstFD + 1)
	require.False(t, ok)
}

func TestDenyWriteOnMarksInodeAndFD(t *testing.T) {
	env := newTestEnv(t, 64, 4)
	env.fs.Create(10, defs.TypeFile)
	ino := env.fs.Open(10)
	defer env.fs.Close(ino)

	tbl := New(env.fs, env.spt)
	fd := tbl.Open(ino)
	require.Equal(t, defs.Err_t(0), tbl.DenyWriteOn(fd))

	_, err := env.fs.WriteAt(ino, []byte("x"), 0)
	require.Equal(t, -defs.EPERM, err)

	// Closing the fd must release the deny-write hold it took.
	tbl.Close(fd)
	_, err = env.fs.WriteAt(ino, []byte("x"), 0)
	require.Equal(t, defs.Err_t(0), err)
}

func TestMmapRejectsMisalignedOrBelowUserbaseAddr(t *testing.T) {
	env := newTestEnv(t, 64, 4)
	env.fs.Create(10, defs.TypeFile)
	ino := env.fs.Open(10)
	defer env.fs.Close(ino)
	env.fs.WriteAt(ino, []byte("some file contents"), 0)

	tbl := New(env.fs, env.spt)
	h := &inode.Handle{FS: env.fs, Ino: ino}

	_, err := tbl.Mmap(defs.USERBASE+1, ino, h)
	require.Equal(t, -defs.EINVAL, err)

	_, err = tbl.Mmap(0, ino, h)
	require.Equal(t, -defs.EINVAL, err)
}

func TestMmapRejectsEmptyFile(t *testing.T) {
	env := newTestEnv(t, 64, 4)
	env.fs.Create(10, defs.TypeFile)
	ino := env.fs.Open(10)
	defer env.fs.Close(ino)

	tbl := New(env.fs, env.spt)
	h := &inode.Handle{FS: env.fs, Ino: ino}

	_, err := tbl.Mmap(defs.USERBASE, ino, h)
	require.Equal(t, -defs.EINVAL, err)
}

func TestMmapInstallsOnePageEntryPerPage(t *testing.T) {
	env := newTestEnv(t, 64, 8)
	env.fs.Create(10, defs.TypeFile)
	ino := env.fs.Open(10)
	defer env.fs.Close(ino)
	env.fs.WriteAt(ino, make([]byte, defs.PageSize+10), 0)

	tbl := New(env.fs, env.spt)
	h := &inode.Handle{FS: env.fs, Ino: ino}

	id, err := tbl.Mmap(defs.USERBASE, ino, h)
	require.Equal(t, defs.Err_t(0), err)

	recs := env.spt.MmapRecords(id)
	require.Len(t, recs, 2)
}

func TestMunmapWritesBackDirtyPagesAndFreesFrames(t *testing.T) {
	env := newTestEnv(t, 64, 8)
	env.fs.Create(10, defs.TypeFile)
	ino := env.fs.Open(10)
	defer env.fs.Close(ino)
	env.fs.WriteAt(ino, make([]byte, defs.PageSize), 0)

	tbl := New(env.fs, env.spt)
	reopened := env.fs.Open(10)
	h := &inode.Handle{FS: env.fs, Ino: reopened}

	id, err := tbl.Mmap(defs.USERBASE, ino, h)
	require.Equal(t, defs.Err_t(0), err)

	recs := env.spt.MmapRecords(id)
	require.Len(t, recs, 1)
	entry := recs[0].Entry
	env.spt.Load(entry)
	entry.Frame().Data[0] = 0xAB
	entry.MarkAccess(true)

	require.Equal(t, defs.Err_t(0), tbl.Munmap(id))

	got := make([]byte, 1)
	env.fs.ReadAt(ino, got, 0)
	require.Equal(t, byte(0xAB), got[0])

	_, ok := tbl.mmaps[id]
	require.False(t, ok)
}

func TestMunmapUnknownIDFails(t *testing.T) {
	env := newTestEnv(t, 64, 4)
	tbl := New(env.fs, env.spt)
	require.Equal(t, -defs.EINVAL, tbl.Munmap(123))
}
