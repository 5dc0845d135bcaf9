// Package pagecache is an in-memory dirty page table standing in for the
// buffer pool.
//
// Pages are not stored; the cache only tracks which pages are dirty and
// the LSNs that constrain writing them back. A page is dirtied under its
// latch by Fix/MarkDirty/Unfix. Writing a page back first forces the log
// up to the page's last LSN, then forgets the page.
//
// At most NumPages pages are dirty at once. A Fix that needs a new frame
// while the cache is full writes back everything first.
package pagecache

import (
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/mit-pdos/go-wal/chkpt"
	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/util"
)

// Log is what write-back needs from the log.
type Log interface {
	Flush(target lsn.LSN) error
}

type frame struct {
	recLSN  lsn.LSN // first update since the last write-back
	pageLSN lsn.LSN // latest update
}

type shard struct {
	mu    *sync.RWMutex
	dirty map[uint64]*frame
}

const NSHARD uint64 = 64

type Cache struct {
	shards  []*shard
	latches *latchMap
	npages  int64
	frames  *atomic.Int64 // dirty pages plus frames reserved by Fix
	written *atomic.Uint64
	log     Log

	// background write-back
	mu       *sync.Mutex
	condWork *sync.Cond
	condShut *sync.Cond
	pending  bool
	shutdown bool
	nthread  uint64
}

func mkCache(npages int, log Log) *Cache {
	var shards []*shard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, &shard{
			mu:    new(sync.RWMutex),
			dirty: make(map[uint64]*frame),
		})
	}
	mu := new(sync.Mutex)
	return &Cache{
		shards:   shards,
		latches:  mkLatchMap(),
		npages:   int64(npages),
		frames:   atomic.NewInt64(0),
		written:  atomic.NewUint64(0),
		log:      log,
		mu:       mu,
		condWork: sync.NewCond(mu),
		condShut: sync.NewCond(mu),
	}
}

// MkCache starts a cache of npages frames whose write-backs force log.
func MkCache(npages int, log Log) *Cache {
	if npages <= 0 {
		panic("pagecache: no frames")
	}
	c := mkCache(npages, log)
	c.nthread = 1
	go c.writer()
	return c
}

func (c *Cache) shard(page uint64) *shard {
	return c.shards[page%NSHARD]
}

func (c *Cache) NumPages() int {
	return int(c.npages)
}

// NumDirty counts dirty pages.
func (c *Cache) NumDirty() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.dirty)
		s.mu.RUnlock()
	}
	return n
}

// Written is the number of page write-backs so far.
func (c *Cache) Written() uint64 {
	return c.written.Load()
}

// IsDirty returns the recovery LSN of page if it is dirty.
func (c *Cache) IsDirty(page uint64) (lsn.LSN, bool) {
	s := c.shard(page)
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.dirty[page]
	if !ok {
		return lsn.Null, false
	}
	return f.recLSN, true
}

// DirtyPages lists every dirty page with its recovery LSN, by page
// number.
func (c *Cache) DirtyPages() []chkpt.DirtyPage {
	var out []chkpt.DirtyPage
	for _, s := range c.shards {
		s.mu.RLock()
		for p, f := range s.dirty {
			out = append(out, chkpt.DirtyPage{Page: p, RecLSN: f.recLSN})
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Page < out[j].Page })
	return out
}

// Fixed is a latched page.
type Fixed struct {
	c        *Cache
	page     uint64
	reserved bool
}

func (c *Cache) tryReserve() bool {
	for {
		n := c.frames.Load()
		if n >= c.npages {
			return false
		}
		if c.frames.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Fix latches page for update, making sure it has a frame.
func (c *Cache) Fix(page uint64) (*Fixed, error) {
	for {
		c.latches.acquire(page)
		if _, ok := c.IsDirty(page); ok {
			return &Fixed{c: c, page: page}, nil
		}
		if c.tryReserve() {
			return &Fixed{c: c, page: page, reserved: true}, nil
		}
		c.latches.release(page)
		util.DPrintf(3, "pagecache: full, writing back for page %d\n", page)
		if _, err := c.WriteBackAll(); err != nil {
			return nil, err
		}
	}
}

func (f *Fixed) Page() uint64 {
	return f.page
}

// MarkDirty records an update of the page logged at at.
func (f *Fixed) MarkDirty(at lsn.LSN) {
	s := f.c.shard(f.page)
	s.mu.Lock()
	fr, ok := s.dirty[f.page]
	if !ok {
		if !f.reserved {
			s.mu.Unlock()
			panic("pagecache: dirtying a page without a frame")
		}
		fr = &frame{recLSN: at}
		s.dirty[f.page] = fr
		f.reserved = false
	}
	if fr.pageLSN.Less(at) {
		fr.pageLSN = at
	}
	s.mu.Unlock()
}

// Unfix releases the latch and any frame that was not used.
func (f *Fixed) Unfix() {
	if f.reserved {
		f.c.frames.Dec()
		f.reserved = false
	}
	f.c.latches.release(f.page)
}

// writeBack writes page out if it is dirty.
//
// Assumes caller holds page's latch
func (c *Cache) writeBack(page uint64) (bool, error) {
	s := c.shard(page)
	s.mu.RLock()
	f, ok := s.dirty[page]
	var target lsn.LSN
	if ok {
		target = f.pageLSN
	}
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	// the log must reach the page before the page reaches the disk
	if err := c.log.Flush(target); err != nil {
		return false, err
	}
	s.mu.Lock()
	delete(s.dirty, page)
	s.mu.Unlock()
	c.frames.Dec()
	c.written.Inc()
	return true, nil
}

// WriteBack writes page out if it is dirty.
func (c *Cache) WriteBack(page uint64) (bool, error) {
	c.latches.acquire(page)
	defer c.latches.release(page)
	return c.writeBack(page)
}

// WriteBackAll writes out every page that was dirty when it started.
func (c *Cache) WriteBackAll() (int, error) {
	n := 0
	for _, p := range c.DirtyPages() {
		ok, err := c.WriteBack(p.Page)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// ActivateBackgroundFlushing asks the writer to write back the dirty
// pages so that the oldest recovery LSN moves forward.
func (c *Cache) ActivateBackgroundFlushing() {
	c.mu.Lock()
	c.pending = true
	c.condWork.Signal()
	c.mu.Unlock()
}

func (c *Cache) writer() {
	c.mu.Lock()
	for !c.shutdown {
		if !c.pending {
			c.condWork.Wait()
			continue
		}
		c.pending = false
		c.mu.Unlock()
		n, err := c.WriteBackAll()
		if err != nil {
			util.DPrintf(1, "pagecache: write-back: %v\n", err)
		} else {
			util.DPrintf(3, "pagecache: wrote back %d pages\n", n)
		}
		c.mu.Lock()
	}
	c.nthread -= 1
	c.condShut.Signal()
	c.mu.Unlock()
}

// Shutdown stops the background writer. Dirty pages stay dirty.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
	c.condWork.Broadcast()
	for c.nthread > 0 {
		c.condShut.Wait()
	}
}
