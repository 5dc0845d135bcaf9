package pagecache

import (
	"sync"
)

// latchMap behaves as if every page number had its own exclusive latch.
// Only latches that are held or waited on have state; page p lives in
// shard p % nLatchShard.
type latch struct {
	held    bool
	cond    *sync.Cond
	waiters uint64
}

type latchShard struct {
	mu      *sync.Mutex
	latches map[uint64]*latch
}

const nLatchShard uint64 = 43

type latchMap struct {
	shards []*latchShard
}

func mkLatchMap() *latchMap {
	var shards []*latchShard
	for i := uint64(0); i < nLatchShard; i++ {
		shards = append(shards, &latchShard{
			mu:      new(sync.Mutex),
			latches: make(map[uint64]*latch),
		})
	}
	return &latchMap{shards: shards}
}

func (s *latchShard) acquire(page uint64) {
	s.mu.Lock()
	for {
		l, ok := s.latches[page]
		if !ok {
			l = &latch{cond: sync.NewCond(s.mu)}
			s.latches[page] = l
		}
		if !l.held {
			l.held = true
			break
		}
		l.waiters += 1
		l.cond.Wait()
		l.waiters -= 1
	}
	s.mu.Unlock()
}

func (s *latchShard) release(page uint64) {
	s.mu.Lock()
	l, ok := s.latches[page]
	if !ok || !l.held {
		s.mu.Unlock()
		panic("pagecache: release of unlatched page")
	}
	l.held = false
	if l.waiters > 0 {
		l.cond.Signal()
	} else {
		delete(s.latches, page)
	}
	s.mu.Unlock()
}

func (m *latchMap) acquire(page uint64) {
	m.shards[page%nLatchShard].acquire(page)
}

func (m *latchMap) release(page uint64) {
	m.shards[page%nLatchShard].release(page)
}
