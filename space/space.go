// Package space is the log's space reservation ledger.
//
// Every byte a producer inserts is first reserved from the available pool;
// bytes written by checkpoints come from a separate reservation that is
// topped up from the pool so that a checkpoint can always run, and
// partitions destroyed by scavenging are credited back to the pool.
package space

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/mit-pdos/go-wal/metrics"
	"github.com/mit-pdos/go-wal/util"
)

type Ledger struct {
	available *atomic.Int64
	chkpt     *atomic.Int64 // reserved for checkpoints
	total     int64

	// maxChkpt bounds the bytes one checkpoint may write; it depends on
	// the current page cache and transaction table sizes.
	maxChkpt func() int64

	waitTimeout time.Duration
	waiters     *atomic.Int32
	mu          *sync.Mutex // protects wake
	wake        chan struct{}
}

// MkLedger builds a ledger over total bytes of partition capacity of
// which inUse bytes are held by live partitions.
func MkLedger(total int64, inUse int64, maxChkpt func() int64, waitTimeout time.Duration) *Ledger {
	if inUse < 0 || inUse > total {
		util.Fatalf("space math: %d bytes in use of %d", inUse, total)
	}
	l := &Ledger{
		available:   atomic.NewInt64(total - inUse),
		chkpt:       atomic.NewInt64(0),
		total:       total,
		maxChkpt:    maxChkpt,
		waitTimeout: waitTimeout,
		waiters:     atomic.NewInt32(0),
		mu:          new(sync.Mutex),
		wake:        make(chan struct{}),
	}
	l.publish()
	return l
}

func (l *Ledger) publish() {
	metrics.SpaceAvailable.Set(float64(l.available.Load()))
	metrics.SpaceReservedForChkpt.Set(float64(l.chkpt.Load()))
}

func (l *Ledger) Total() int64 {
	return l.total
}

func (l *Ledger) Available() int64 {
	return l.available.Load()
}

func (l *Ledger) ReservedForChkpt() int64 {
	return l.chkpt.Load()
}

func (l *Ledger) MaxChkptSize() int64 {
	return l.maxChkpt()
}

// ReserveSpace takes n bytes from the pool. It never blocks: it returns n
// on success and 0 if fewer than n bytes are available.
func (l *Ledger) ReserveSpace(n int64) int64 {
	if n < 0 {
		util.Fatalf("space math: reserve %d", n)
	}
	for {
		avail := l.available.Load()
		if avail < n {
			return 0
		}
		if l.available.CompareAndSwap(avail, avail-n) {
			util.DPrintf(10, "ReserveSpace: %d -> %d\n", avail, avail-n)
			l.publish()
			return n
		}
	}
}

// ReleaseSpace returns n bytes to the pool and wakes producers parked in
// WaitForSpace.
func (l *Ledger) ReleaseSpace(n int64) {
	if n < 0 {
		util.Fatalf("space math: release %d", n)
	}
	avail := l.available.Add(n)
	if avail+l.chkpt.Load() > l.total {
		util.Fatalf("space math: %d available + %d reserved exceeds capacity %d",
			avail, l.chkpt.Load(), l.total)
	}
	l.publish()
	// Racy check; a waiter that misses this wakes on its timeout.
	if l.waiters.Load() > 0 {
		l.mu.Lock()
		close(l.wake)
		l.wake = make(chan struct{})
		l.mu.Unlock()
	}
}

// WaitForSpace parks the caller until space is released or the wait
// timeout passes. It reports whether it was woken by a release.
func (l *Ledger) WaitForSpace() bool {
	l.mu.Lock()
	ch := l.wake
	l.waiters.Inc()
	l.mu.Unlock()
	defer l.waiters.Dec()
	t := time.NewTimer(l.waitTimeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// VerifyChkptReservation tops the checkpoint reservation up to twice the
// worst-case checkpoint size. It returns false when the reservation is
// still short, which means a partition must be reclaimed rather than only
// a new checkpoint taken. A log that cannot hold even one checkpoint is
// fatal.
func (l *Ledger) VerifyChkptReservation() bool {
	max := l.maxChkpt()
	for {
		rsvd := l.chkpt.Load()
		if rsvd >= 2*max {
			return true
		}
		want := 2*max - rsvd
		got := l.ReserveSpace(want)
		if got == 0 {
			// take what is left so the margin shrinks as little as possible
			avail := l.available.Load()
			if avail > 0 && l.ReserveSpace(avail) == avail {
				l.chkpt.Add(avail)
			}
			if l.chkpt.Load() < max {
				util.Fatalf("log too small: %d bytes reserved for a checkpoint of up to %d",
					l.chkpt.Load(), max)
			}
			l.publish()
			util.DPrintf(1, "VerifyChkptReservation: short, %d of %d\n", l.chkpt.Load(), 2*max)
			return false
		}
		l.chkpt.Add(got)
		l.publish()
	}
}

// ConsumeChkptReservation charges n bytes of a checkpoint record against
// the checkpoint reservation.
func (l *Ledger) ConsumeChkptReservation(n int64) {
	for {
		rsvd := l.chkpt.Load()
		if rsvd < n {
			util.Fatalf("space math: checkpoint record of %d bytes, %d reserved", n, rsvd)
		}
		if l.chkpt.CompareAndSwap(rsvd, rsvd-n) {
			l.publish()
			return
		}
	}
}
