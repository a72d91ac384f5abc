// Package proc models one thread/process's identity and the handles it
// owns: its supplemental page table, fd table, and current working
// directory, plus the parent/child exit-status protocol (spec §6 "Exit
// protocol"). Grounded on Pintos threads/thread.c's thread_create, which
// allocates a tid, links a struct process onto the parent's children
// list, and arms a semaphore the parent's wait() blocks on — translated
// here from a binary semaphore to a channel closed exactly once.
package proc

import (
	"sync"
	"sync/atomic"

	"ptoscore/internal/defs"
	"ptoscore/internal/fdtable"
	"ptoscore/internal/inode"
	"ptoscore/internal/spt"
)

var nextTid uint64 = 1

func allocateTid() defs.Tid_t {
	return defs.Tid_t(atomic.AddUint64(&nextTid, 1) - 1)
}

// ExitRecord is the shared wait_status-equivalent a parent consults once
// its child has exited (spec §6 "Parent WAIT returns the child's status
// once exactly; subsequent waits return -1").
type ExitRecord struct {
	Tid      defs.Tid_t
	ParentID defs.Tid_t

	done   chan struct{}
	once   sync.Once
	status int32
}

func newExitRecord(tid, parent defs.Tid_t) *ExitRecord {
	return &ExitRecord{Tid: tid, ParentID: parent, done: make(chan struct{})}
}

// Finish records status and wakes anyone blocked in Wait. Only the
// first call has effect.
func (r *ExitRecord) Finish(status int32) {
	r.once.Do(func() {
		r.status = status
		close(r.done)
	})
}

// Wait blocks until the child exits, then returns its status; every call
// returns the same status. The rule that a second wait returns -1 is
// enforced by Thread.Wait, not here.
func (r *ExitRecord) Wait() int32 {
	<-r.done
	return r.status
}

// Thread is the per-thread handle tying SPT, fd table, and cwd together
// (spec §6 "process model"; spec §5 "The SPT, fd list, and mmap list are
// per-thread").
type Thread struct {
	mu sync.Mutex

	Tid  defs.Tid_t
	Name string

	SPT *spt.Table
	FDs *fdtable.Table
	Cwd *inode.Inode

	self     *ExitRecord
	children map[defs.Tid_t]*ExitRecord
	waited   map[defs.Tid_t]bool
}

// NewThread allocates a fresh tid and handle set, rooting the thread's
// SPT and fd table on the given frame table / fs / swap plumbing that
// the caller (the mount/serve entry point) already constructed.
func NewThread(name string, cwd *inode.Inode, sp *spt.Table, fds *fdtable.Table, parent defs.Tid_t) *Thread {
	t := &Thread{
		Tid:      allocateTid(),
		Name:     name,
		SPT:      sp,
		FDs:      fds,
		Cwd:      cwd,
		children: make(map[defs.Tid_t]*ExitRecord),
		waited:   make(map[defs.Tid_t]bool),
	}
	t.self = newExitRecord(t.Tid, parent)
	return t
}

// Fork registers child under t so t can later Wait on the child's
// ExitRecord (spec: thread_create links a process struct onto the
// parent's children list).
func (t *Thread) Fork(child *Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.children[child.Tid] = child.self
}

// Wait blocks for the given child tid's exit status, returning -1 if tid
// is not a known child or has already been waited on once (spec §6).
func (t *Thread) Wait(tid defs.Tid_t) int32 {
	t.mu.Lock()
	rec, ok := t.children[tid]
	if !ok || t.waited[tid] {
		t.mu.Unlock()
		return -1
	}
	t.waited[tid] = true
	t.mu.Unlock()
	return rec.Wait()
}

// Exit tears down every resource this thread owns and posts status to
// its own ExitRecord so a waiting parent unblocks (spec §4.7 "Process
// exit releases: every open fd ... every mmap record").
func (t *Thread) Exit(status int32) {
	t.FDs.CloseAll()
	t.SPT.DestroyAll()
	t.self.Finish(status)
}

// Status returns this thread's own ExitRecord, handed to the parent at
// Fork time.
func (t *Thread) Status() *ExitRecord { return t.self }
