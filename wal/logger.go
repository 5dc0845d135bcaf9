package wal

import (
	"sync"
	"time"

	"github.com/mit-pdos/go-wal/common"
	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/metrics"
	"github.com/mit-pdos/go-wal/util"
)

// logAppend writes the pending epochs to the partition manager and makes
// them durable. It returns false if there was nothing to write.
//
// Assumes caller holds memLock; it is dropped during the write.
func (l *Log) logAppend() bool {
	old := l.old
	cur := l.cur
	var epochs []lsn.Epoch
	cross := false
	switch {
	case old.Pending() && old.BaseLSN.File != cur.BaseLSN.File:
		cross = true
		// the next partition is written by a later round, after rotation
		epochs = []lsn.Epoch{old}
	case old.Pending():
		epochs = []lsn.Epoch{old, cur}
	case cur.Pending():
		epochs = []lsn.Epoch{cur}
	default:
		return false
	}
	gate := l.gate
	l.gate = new(sync.WaitGroup)
	l.memLock.Unlock()

	// every claimed range in the epochs has been copied once gate drains
	gate.Wait()

	first := epochs[0]
	last := epochs[len(epochs)-1]
	startLSN := first.StartLSN()
	endLSN := last.EndLSN()

	l.compLock.Lock()
	l.flushLSN = endLSN
	l.compLock.Unlock()

	// Rewrite the partially durable first block from its beginning; its
	// durable bytes are still in the buffer.
	delta := int64(startLSN.Offset) % common.BlockSize
	at := lsn.New(startLSN.File, startLSN.Offset-uint64(delta))
	chunks := make([][]byte, 0, 2)
	chunks = append(chunks, l.buf[first.Start-delta:first.End])
	if len(epochs) == 2 {
		chunks = append(chunks, l.buf[last.Start:last.End])
	}
	var nbytes int64
	for _, c := range chunks {
		nbytes += int64(len(c))
	}

	t := time.Now()
	util.DPrintf(5, "logAppend: [%v, %v) at %v\n", startLSN, endLSN, at)
	l.parts.Append(at, chunks, endLSN)
	metrics.FlushDuration.Observe(time.Since(t).Seconds())
	metrics.FlushesTotal.Inc()
	metrics.FlushedBytesTotal.Add(float64(nbytes))

	l.memLock.Lock()
	for _, e := range epochs {
		l.markFlushed(e)
	}
	if cross {
		// old was the tail of a partition; the rest of its lap is unused
		l.start = l.cur.Base + l.cur.Start
	} else {
		l.start = last.Base + last.End
	}
	if l.durable.Less(endLSN) {
		l.durable = endLSN
		l.durablePacked.Store(endLSN.Pack())
		metrics.DurableLSN.Set(float64(endLSN.Pack()))
	}
	l.condFlush.Broadcast()
	l.condSpace.Broadcast()
	return true
}

// markFlushed moves the start of whichever live epoch e was snapshotted
// from. Assumes caller holds memLock.
func (l *Log) markFlushed(e lsn.Epoch) {
	switch e.Base {
	case l.cur.Base:
		l.cur.Start = e.End
	case l.old.Base:
		l.old.Start = e.End
	default:
		util.Fatalf("flushed epoch %v is neither old %v nor cur %v", e, l.old, l.cur)
	}
}

// logger writes the buffer to the partitions
//
// Operates by continuously polling for pending epochs, driven by
// condLogger for scheduling. On shutdown it drains the buffer before
// exiting.
func (l *Log) logger() {
	l.memLock.Lock()
	for !l.shutdown {
		progress := l.logAppend()
		if !progress {
			l.condLogger.Wait()
		}
	}
	for l.logAppend() {
	}
	util.DPrintf(1, "logger: shutdown\n")
	l.nthread -= 1
	l.condShut.Signal()
	l.memLock.Unlock()
}

// ticker wakes the logger every flush interval so that records reach the
// disk even if nobody waits for them.
func (l *Log) ticker() {
	t := time.NewTicker(l.flushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.memLock.Lock()
			l.condLogger.Signal()
			l.memLock.Unlock()
		case <-l.done:
			l.memLock.Lock()
			l.nthread -= 1
			l.condShut.Signal()
			l.memLock.Unlock()
			return
		}
	}
}
