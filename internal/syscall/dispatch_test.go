package syscall

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ptoscore/internal/cache"
	"ptoscore/internal/defs"
	"ptoscore/internal/device"
	"ptoscore/internal/fdtable"
	"ptoscore/internal/frame"
	"ptoscore/internal/freemap"
	"ptoscore/internal/inode"
	"ptoscore/internal/metrics"
	"ptoscore/internal/proc"
	"ptoscore/internal/spt"
	"ptoscore/internal/swap"
)

type dispatchEnv struct {
	d    *Dispatcher
	free *freemap.Map
}

func newDispatchEnv(t *testing.T) *dispatchEnv {
	t.Helper()
	m := metrics.New()
	dev := device.NewMemDevice(256)
	c := cache.New(dev, m)
	t.Cleanup(c.Shutdown)
	free := freemap.New(256, defs.RootDirSector+1)
	fs := inode.New(c, free)
	require.Equal(t, defs.Err_t(0), fs.Create(defs.RootDirSector, defs.TypeDirectory))

	root := fs.Open(defs.RootDirSector)
	require.Equal(t, defs.Err_t(0), fs.Link(root, ".", defs.RootDirSector))
	require.Equal(t, defs.Err_t(0), fs.Link(root, "..", defs.RootDirSector))

	frames := frame.New(frame.NewSimpleAllocator(8), m)
	sw := swap.New(device.NewMemDevice(defs.SectorsPerPage*8), m)
	sptTable := spt.New(1, frames, sw)
	fds := fdtable.New(fs, sptTable)
	th := proc.NewThread("t", root, sptTable, fds, 0)

	return &dispatchEnv{d: &Dispatcher{FS: fs, T: th}, free: free}
}

func TestDispatcherCreateOpenReadWrite(t *testing.T) {
	env := newDispatchEnv(t)

	require.Equal(t, defs.Err_t(0), env.d.Create("a.txt", env.free))
	require.Equal(t, -defs.EEXIST, env.d.Create("a.txt", env.free))

	fd, err := env.d.Open("a.txt")
	require.Equal(t, defs.Err_t(0), err)

	n, err := env.d.Write(fd, []byte("hello"))
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 5, n)

	require.Equal(t, defs.Err_t(0), env.d.Seek(fd, 0))
	pos, err := env.d.Tell(fd)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, int64(0), pos)

	buf := make([]byte, 5)
	n, err = env.d.Read(fd, buf)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))

	size, err := env.d.Filesize(fd)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, int64(5), size)

	require.Equal(t, defs.Err_t(0), env.d.Close(fd))
}

func TestDispatcherReadWriteOnUnknownFDFails(t *testing.T) {
	env := newDispatchEnv(t)
	_, err := env.d.Read(77, make([]byte, 4))
	require.Equal(t, -defs.EINVAL, err)
	_, err = env.d.Write(77, []byte("x"))
	require.Equal(t, -defs.EINVAL, err)
}

func TestDispatcherRemoveDeferredUntilClose(t *testing.T) {
	env := newDispatchEnv(t)
	require.Equal(t, defs.Err_t(0), env.d.Create("a.txt", env.free))
	fd, _ := env.d.Open("a.txt")

	require.Equal(t, defs.Err_t(0), env.d.Remove("a.txt"))
	// The name is gone but the fd opened before removal still accepts writes.
	_, err := env.d.Open("a.txt")
	require.Equal(t, -defs.ENOENT, err)

	n, err := env.d.Write(fd, []byte("still writable"))
	require.Equal(t, defs.Err_t(0), err)
	require.Greater(t, n, 0)
	require.Equal(t, defs.Err_t(0), env.d.Close(fd))
}

func TestDispatcherMkdirChdirReaddir(t *testing.T) {
	env := newDispatchEnv(t)
	require.Equal(t, defs.Err_t(0), env.d.Mkdir("sub", env.free))
	require.Equal(t, defs.Err_t(0), env.d.Create("top.txt", env.free))

	fd, err := env.d.Open(".")
	require.Equal(t, defs.Err_t(0), err)
	seen := map[string]bool{}
	for {
		name, ok, err := env.d.Readdir(fd)
		require.Equal(t, defs.Err_t(0), err)
		if !ok {
			break
		}
		seen[name] = true
	}
	require.True(t, seen["sub"])
	require.True(t, seen["top.txt"])
	env.d.Close(fd)

	require.Equal(t, defs.Err_t(0), env.d.Chdir("sub"))
	require.Equal(t, -defs.EEXIST, env.d.Create(".", env.free)) // "." already linked in the new cwd
}

func TestDispatcherChdirRefusesNonDirectory(t *testing.T) {
	env := newDispatchEnv(t)
	env.d.Create("a.txt", env.free)
	require.Equal(t, -defs.ENOTDIR, env.d.Chdir("a.txt"))
}

func TestDispatcherIsdirAndInumber(t *testing.T) {
	env := newDispatchEnv(t)
	env.d.Mkdir("sub", env.free)
	fd, _ := env.d.Open("sub")

	isDir, err := env.d.Isdir(fd)
	require.Equal(t, defs.Err_t(0), err)
	require.True(t, isDir)

	_, err = env.d.Inumber(fd)
	require.Equal(t, defs.Err_t(0), err)
}

func TestDispatcherMmapMunmapRoundTrip(t *testing.T) {
	env := newDispatchEnv(t)
	env.d.Create("m.txt", env.free)
	fd, _ := env.d.Open("m.txt")
	env.d.Write(fd, make([]byte, defs.PageSize))

	id, err := env.d.Mmap(fd, defs.USERBASE)
	require.Equal(t, defs.Err_t(0), err)

	require.Equal(t, defs.Err_t(0), env.d.Munmap(id))
	require.Equal(t, -defs.EINVAL, env.d.Munmap(id))
}
