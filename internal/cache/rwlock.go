package cache

import "sync"

// writerPriorityLock is the per-slot reader/writer primitive spec §4.1 and
// §9 call for: not a plain sync.RWMutex, because Go (like some Pintos
// submissions' target platforms) does not guarantee writer priority, and
// the spec explicitly names the waiter counts that must be tracked. Built
// from a mutex and two condition variables exactly as spec §9 prescribes
// ("Not satisfiable by a default shared/exclusive primitive... implement
// explicitly with a mutex and two condition variables").
//
// Contract: multiple concurrent readers are allowed; a single writer
// excludes all readers; a reader arriving while a writer is active OR
// merely waiting must itself wait, so writers cannot be starved by a
// stream of readers (spec §5 "Writer priority on the per-slot primitive
// prevents indefinite writer postponement").
type writerPriorityLock struct {
	mu sync.Mutex

	readCond  *sync.Cond
	writeCond *sync.Cond

	readers      int
	writers      int
	readWaiters  int
	writeWaiters int
}

func newWriterPriorityLock() *writerPriorityLock {
	l := &writerPriorityLock{}
	l.readCond = sync.NewCond(&l.mu)
	l.writeCond = sync.NewCond(&l.mu)
	return l
}

// RLock blocks while any writer is active or waiting.
func (l *writerPriorityLock) RLock() {
	l.mu.Lock()
	l.readWaiters++
	for l.writers > 0 || l.writeWaiters > 0 {
		l.readCond.Wait()
	}
	l.readWaiters--
	l.readers++
	l.mu.Unlock()
}

// RUnlock releases a reader's hold. Each RLock must be matched by exactly
// one RUnlock (spec §9 open question (a)).
func (l *writerPriorityLock) RUnlock() {
	l.mu.Lock()
	l.readers--
	if l.readers < 0 {
		panic("writerPriorityLock: RUnlock without matching RLock")
	}
	if l.readers == 0 {
		l.writeCond.Signal()
	}
	l.mu.Unlock()
}

// Lock blocks until no reader or writer holds the slot, then takes it
// exclusively.
func (l *writerPriorityLock) Lock() {
	l.mu.Lock()
	l.writeWaiters++
	for l.writers > 0 || l.readers > 0 {
		l.writeCond.Wait()
	}
	l.writeWaiters--
	l.writers = 1
	l.mu.Unlock()
}

// Unlock releases the exclusive hold, waking any writer waiting (writer
// priority) or, absent one, all waiting readers.
func (l *writerPriorityLock) Unlock() {
	l.mu.Lock()
	if l.writers != 1 {
		panic("writerPriorityLock: Unlock without matching Lock")
	}
	l.writers = 0
	if l.writeWaiters > 0 {
		l.writeCond.Signal()
	} else {
		l.readCond.Broadcast()
	}
	l.mu.Unlock()
}

// busy reports whether the slot currently has any reader, writer, or
// waiter, matching spec §4.1's eviction-scan skip condition. It is a
// point-in-time, non-blocking peek.
func (l *writerPriorityLock) busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers != 0 || l.writers != 0 || l.readWaiters != 0 || l.writeWaiters != 0
}
