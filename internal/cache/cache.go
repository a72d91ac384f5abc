// Package cache implements the fixed-capacity write-back buffer cache
// that mediates every sector access the file system makes (spec §4.1).
// It is the idiomatic-Go generalization of Pintos's filesys/cache.c
// (cache_find_block/cache_evict/flush_daemon/read_ahead_daemon) onto the
// richer concurrency contract spec §3-§5 demand: per-slot writer-priority
// rwlocks plus a separate data lock, not cache.c's single global lock
// around every byte copy.
package cache

import (
	"log"
	"runtime"
	"sync"
	"time"

	"ptoscore/internal/defs"
	"ptoscore/internal/device"
	"ptoscore/internal/metrics"
)

// slot is one cache slot (spec §3 "Cache slot"). Fields named after the
// spec's data model; fs/blk.go's Bdev_block_t donates the in-use/accessed/
// dirty shape, generalized with the explicit rw/data lock split spec §4.1
// requires.
type slot struct {
	rw      *writerPriorityLock
	dataMu  sync.Mutex
	sector  uint32
	inUse   bool
	dirty   bool
	accessed bool
	data    [defs.SectorSize]byte
}

// Cache is the process-wide buffer cache singleton (spec §9 "process-wide
// mutable state... Provide explicit init() and shutdown() entry points").
type Cache struct {
	globalMu sync.Mutex
	slots    [defs.CacheCapacity]*slot
	turn     int

	dev device.SectorDevice
	m   *metrics.Set

	raMu    sync.Mutex
	raCond  *sync.Cond
	raQueue []uint32
	raStop  bool

	flushStop chan struct{}
	wg        sync.WaitGroup
}

// New constructs and initializes the buffer cache over dev, starting the
// background flush daemon and the read-ahead consumer (spec §4.1
// "Background flush", "Background read-ahead"). Callers must call
// Shutdown() to stop the daemons and release resources (spec §9).
func New(dev device.SectorDevice, m *metrics.Set) *Cache {
	c := &Cache{dev: dev, m: m, flushStop: make(chan struct{})}
	for i := range c.slots {
		c.slots[i] = &slot{rw: newWriterPriorityLock()}
	}
	c.raCond = sync.NewCond(&c.raMu)

	c.wg.Add(2)
	go c.flushDaemon()
	go c.readAheadDaemon()
	return c
}

// Shutdown stops the background daemons and performs a final flush.
func (c *Cache) Shutdown() {
	close(c.flushStop)
	c.raMu.Lock()
	c.raStop = true
	c.raCond.Broadcast()
	c.raMu.Unlock()
	c.wg.Wait()
	c.Flush()
}

// lookup resolves sector to a slot index, populating a fresh slot's
// identity (but not its bytes - see spec §4.1 "The slot contents for the
// new sector are only populated under the per-slot data lock by the
// caller that obtained the index"). The bool result reports whether the
// slot was freshly claimed (a cache miss) and therefore needs its bytes
// materialized by the caller.
func (c *Cache) lookup(sector uint32) (idx int, fresh bool) {
	for {
		c.globalMu.Lock()
		for i, s := range c.slots {
			if s.inUse && s.sector == sector {
				c.globalMu.Unlock()
				c.m.CacheHits.Inc()
				return i, false
			}
		}
		for i, s := range c.slots {
			if !s.inUse {
				s.sector = sector
				s.inUse = true
				s.dirty = false
				s.accessed = false
				c.globalMu.Unlock()
				c.m.CacheMisses.Inc()
				return i, true
			}
		}
		idx, ok := c.evictLocked()
		if !ok {
			// Every slot is pinned (busy). Spec §4.1/§7: loop until
			// progress is possible rather than failing.
			c.globalMu.Unlock()
			runtime.Gosched()
			continue
		}
		s := c.slots[idx]
		s.sector = sector
		s.inUse = true
		s.dirty = false
		s.accessed = false
		c.globalMu.Unlock()
		c.m.CacheMisses.Inc()
		c.m.CacheEvictions.Inc()
		return idx, true
	}
}

// evictLocked runs the clock/second-chance scan (spec §4.1 "Eviction").
// Caller must hold globalMu. Spec §9(b): the clock pointer is
// advance-then-inspect.
func (c *Cache) evictLocked() (int, bool) {
	n := len(c.slots)
	for pass := 0; pass < 2*n+1; pass++ {
		c.turn = (c.turn + 1) % n
		s := c.slots[c.turn]
		if s.rw.busy() {
			continue
		}
		if s.accessed {
			s.accessed = false
			continue
		}
		if s.inUse && s.dirty {
			c.writebackLocked(s)
		}
		s.inUse = false
		s.dirty = false
		return c.turn, true
	}
	return 0, false
}

func (c *Cache) writebackLocked(s *slot) {
	s.dataMu.Lock()
	if err := c.dev.WriteSector(s.sector, s.data[:]); err != nil {
		log.Printf("cache: writeback of sector %d failed: %v", s.sector, err)
	}
	s.dataMu.Unlock()
}

// Read copies one full sector into dst, loading it from the device on a
// miss (spec §4.1).
func (c *Cache) Read(sector uint32, dst []byte) {
	c.ReadPartial(sector, dst, 0, defs.SectorSize)
}

// ReadPartial copies length bytes at offset within sector into dst.
func (c *Cache) ReadPartial(sector uint32, dst []byte, offset, length int) {
	idx, fresh := c.lookup(sector)
	s := c.slots[idx]
	s.rw.RLock()
	defer s.rw.RUnlock()

	s.dataMu.Lock()
	if fresh {
		if err := c.dev.ReadSector(sector, s.data[:]); err != nil {
			log.Printf("cache: read of sector %d failed: %v", sector, err)
		}
	}
	s.accessed = true
	copy(dst, s.data[offset:offset+length])
	s.dataMu.Unlock()
}

// Write copies one full sector from src into the cache, marking it dirty.
// A nil src zero-fills the sector (spec §4.1).
func (c *Cache) Write(sector uint32, src []byte) {
	c.WritePartial(sector, src, 0, defs.SectorSize)
}

// WritePartial copies length bytes of src at offset within sector into the
// cache. No device write is issued inline (spec §4.1 "Device I/O policy").
func (c *Cache) WritePartial(sector uint32, src []byte, offset, length int) {
	idx, _ := c.lookup(sector)
	s := c.slots[idx]
	s.rw.Lock()
	defer s.rw.Unlock()

	s.dataMu.Lock()
	if src == nil {
		for i := offset; i < offset+length; i++ {
			s.data[i] = 0
		}
	} else {
		copy(s.data[offset:offset+length], src)
	}
	s.dirty = true
	s.accessed = true
	s.dataMu.Unlock()
}

// Flush writes back every dirty slot (spec §4.1).
func (c *Cache) Flush() {
	c.m.CacheFlushes.Inc()
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	for _, s := range c.slots {
		if s.inUse && s.dirty {
			c.writebackLocked(s)
			s.dirty = false
			c.m.CacheFlushedBlk.Inc()
		}
	}
	if err := c.dev.Flush(); err != nil {
		log.Printf("cache: device flush failed: %v", err)
	}
}

func (c *Cache) flushDaemon() {
	defer c.wg.Done()
	t := time.NewTicker(defs.FlushIntervalMS * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-c.flushStop:
			return
		case <-t.C:
			c.Flush()
		}
	}
}

// RequestReadAhead enqueues sector for background prefetch without
// blocking the caller (spec §4.1 "Background read-ahead").
func (c *Cache) RequestReadAhead(sector uint32) {
	c.raMu.Lock()
	c.raQueue = append(c.raQueue, sector)
	c.raCond.Signal()
	c.raMu.Unlock()
	c.m.ReadAheadQueued.Inc()
}

func (c *Cache) readAheadDaemon() {
	defer c.wg.Done()
	for {
		c.raMu.Lock()
		for len(c.raQueue) == 0 && !c.raStop {
			c.raCond.Wait()
		}
		if c.raStop && len(c.raQueue) == 0 {
			c.raMu.Unlock()
			return
		}
		sector := c.raQueue[0]
		c.raQueue = c.raQueue[1:]
		c.raMu.Unlock()

		var discard [defs.SectorSize]byte
		c.Read(sector, discard[:])
	}
}
