// Package fuseadapter mounts the indexed file system as a real
// filesystem via go-fuse's in-process fs.InodeEmbedder API. Grounded on
// hanwen-go-fuse's fs/loopback.go (Lookup/Readdir/Mkdir/Unlink/Create
// dispatch shape, NewInode/StableAttr wiring) and fs/mem.go (the
// Open/Read/Getattr NodeXer interface split), generalized from their
// passthrough-to-host-filesystem bodies to calls into this module's own
// internal/inode.
package fuseadapter

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"ptoscore/internal/defs"
	"ptoscore/internal/freemap"
	"ptoscore/internal/inode"
	"ptoscore/internal/proc"
)

func errnoFor(e defs.Err_t) syscall.Errno {
	switch e {
	case 0:
		return fs.OK
	case -defs.ENOENT:
		return syscall.ENOENT
	case -defs.EEXIST:
		return syscall.EEXIST
	case -defs.ENOSPC:
		return syscall.ENOSPC
	case -defs.ENOTDIR:
		return syscall.ENOTDIR
	case -defs.EISDIR:
		return syscall.EISDIR
	case -defs.ENOTEMPTY:
		return syscall.ENOTEMPTY
	case -defs.EMFILE:
		return syscall.EMFILE
	case -defs.EFAULT:
		return syscall.EFAULT
	case -defs.ENOMEM:
		return syscall.ENOMEM
	case -defs.EPERM:
		return syscall.EPERM
	default:
		return syscall.EINVAL
	}
}

// shared is the filesystem plumbing every Node in the tree references
// (spec §5 "single processor" — one thread handle services every
// operation, matching this system's cooperative-scheduling model rather
// than spawning a goroutine-per-request that would need its own thread
// identity).
type shared struct {
	fs     *inode.FS
	free   *freemap.Map
	thread *proc.Thread
}

var _ = (fs.NodeLookuper)((*Node)(nil))
var _ = (fs.NodeReaddirer)((*Node)(nil))
var _ = (fs.NodeGetattrer)((*Node)(nil))
var _ = (fs.NodeOpener)((*Node)(nil))
var _ = (fs.NodeReader)((*Node)(nil))
var _ = (fs.NodeWriter)((*Node)(nil))
var _ = (fs.NodeMkdirer)((*Node)(nil))
var _ = (fs.NodeCreater)((*Node)(nil))
var _ = (fs.NodeUnlinker)((*Node)(nil))
var _ = (fs.NodeRmdirer)((*Node)(nil))

// Node wraps one inode.Inode as a FUSE tree node.
type Node struct {
	fs.Inode
	root *shared
	ino  *inode.Inode
}

// NewRoot constructs the root node to pass to fs.Mount, backed by the
// thread's current working directory inode.
func NewRoot(fsys *inode.FS, free *freemap.Map, thread *proc.Thread) *Node {
	return &Node{root: &shared{fs: fsys, free: free, thread: thread}, ino: thread.Cwd}
}

func (n *Node) newChild(ctx context.Context, ino *inode.Inode) *fs.Inode {
	mode := uint32(syscall.S_IFREG)
	if ino.IsDir() {
		mode = syscall.S_IFDIR
	}
	child := &Node{root: n.root, ino: ino}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode, Ino: uint64(ino.Sector())})
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	sector, err := n.root.fs.Lookup(n.ino, name)
	if err != 0 {
		return nil, errnoFor(err)
	}
	child := n.root.fs.Open(sector)
	return n.newChild(ctx, child), fs.OK
}

type dirStream struct {
	names []string
	idx   int
}

func (d *dirStream) HasNext() bool { return d.idx < len(d.names) }
func (d *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	name := d.names[d.idx]
	d.idx++
	return fuse.DirEntry{Name: name}, fs.OK
}
func (d *dirStream) Close() {}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names, err := n.root.fs.List(n.ino)
	if err != 0 {
		return nil, errnoFor(err)
	}
	return &dirStream{names: names}, fs.OK
}

func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Size = uint64(n.ino.Length())
	if n.ino.IsDir() {
		out.Mode = syscall.S_IFDIR | 0755
	} else {
		out.Mode = syscall.S_IFREG | 0644
	}
	return fs.OK
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, 0, fs.OK
}

func (n *Node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	got, err := n.root.fs.ReadAt(n.ino, dest, off)
	if err != 0 {
		return nil, errnoFor(err)
	}
	return fuse.ReadResultData(dest[:got]), fs.OK
}

func (n *Node) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	got, err := n.root.fs.WriteAt(n.ino, data, off)
	if err != 0 {
		return 0, errnoFor(err)
	}
	return uint32(got), fs.OK
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	sector, ok := allocSector(n)
	if !ok {
		return nil, syscall.ENOSPC
	}
	if err := n.root.fs.Create(sector, defs.TypeDirectory); err != 0 {
		return nil, errnoFor(err)
	}
	child := n.root.fs.Open(sector)
	if err := n.root.fs.Link(child, ".", sector); err != 0 {
		return nil, errnoFor(err)
	}
	if err := n.root.fs.Link(child, "..", n.ino.Sector()); err != 0 {
		return nil, errnoFor(err)
	}
	if err := n.root.fs.Link(n.ino, name, sector); err != 0 {
		return nil, errnoFor(err)
	}
	return n.newChild(ctx, child), fs.OK
}

func (n *Node) Create(ctx context.Context, name string, flags, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	sector, ok := allocSector(n)
	if !ok {
		return nil, nil, 0, syscall.ENOSPC
	}
	if err := n.root.fs.Create(sector, defs.TypeFile); err != 0 {
		return nil, nil, 0, errnoFor(err)
	}
	if err := n.root.fs.Link(n.ino, name, sector); err != 0 {
		return nil, nil, 0, errnoFor(err)
	}
	child := n.root.fs.Open(sector)
	return n.newChild(ctx, child), nil, 0, fs.OK
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	sector, err := n.root.fs.Lookup(n.ino, name)
	if err != 0 {
		return errnoFor(err)
	}
	if err := n.root.fs.Unlink(n.ino, name); err != 0 {
		return errnoFor(err)
	}
	target := n.root.fs.Open(sector)
	target.Remove()
	n.root.fs.Close(target)
	return fs.OK
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	sector, err := n.root.fs.Lookup(n.ino, name)
	if err != 0 {
		return errnoFor(err)
	}
	target := n.root.fs.Open(sector)
	empty, err := n.root.fs.IsEmpty(target)
	if err != 0 {
		n.root.fs.Close(target)
		return errnoFor(err)
	}
	if !empty {
		n.root.fs.Close(target)
		return syscall.ENOTEMPTY
	}
	if err := n.root.fs.Unlink(n.ino, name); err != 0 {
		n.root.fs.Close(target)
		return errnoFor(err)
	}
	target.Remove()
	n.root.fs.Close(target)
	return fs.OK
}

// allocSector allocates one sector from the process's free map. FUSE
// callbacks have no Err_t-propagation path for "out of sectors" besides
// an errno, so this returns ok=false rather than panicking, in keeping
// with spec §7's treatment of free-sector exhaustion as a reportable
// error rather than a fatal one.
func allocSector(n *Node) (uint32, bool) {
	return n.root.free.AllocateOne()
}
