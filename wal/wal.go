//  wal implements the in-memory half of the write-ahead log
//
//  Producers copy records into a ring buffer of segSize bytes. The bytes
//  not yet durable form at most two epochs:
//
//  [ durable | old (frozen by a wrap) | cur (receiving inserts) | free ]
//              ^                        ^                        ^
//              start                    cur.Start                cur.End
//
//  A producer claims its byte range under memLock and copies outside it.
//  The flush daemon (logger.go) hands the epochs to the partition manager,
//  advances the durable LSN and frees the buffer behind it. A record that
//  does not fit in the rest of a partition moves the log to the first LSN
//  of the next partition; the unused tail of the old one is charged to the
//  space ledger so that scavenging can later credit the partition back in
//  full.
package wal

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/mit-pdos/go-wal/common"
	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/metrics"
	"github.com/mit-pdos/go-wal/partition"
	"github.com/mit-pdos/go-wal/record"
	"github.com/mit-pdos/go-wal/space"
	"github.com/mit-pdos/go-wal/util"
)

func (opts Options) validate(dataSize int64) {
	if opts.BufferSize%common.BlockSize != 0 ||
		opts.BufferSize < 2*int64(record.MaxSize)+2*common.BlockSize {
		panic(fmt.Sprintf("wal: buffer size %d", opts.BufferSize))
	}
	if dataSize < int64(record.MaxSize) {
		panic(fmt.Sprintf("wal: partition data size %d", dataSize))
	}
	if opts.FlushInterval <= 0 {
		panic(fmt.Sprintf("wal: flush interval %v", opts.FlushInterval))
	}
}

func mkLog(parts *partition.Manager, ledger *space.Ledger, opts Options) *Log {
	opts.validate(parts.DataSize())
	ml := new(sync.Mutex)
	seg := opts.BufferSize
	end := parts.End()

	// Resume in the same block alignment as the partition: the buffer
	// lap begins at a segSize boundary of the partition and the durable
	// part of the last block is read back so the first flush can
	// rewrite that block whole.
	pos := int64(end.Offset) % seg
	base := lsn.New(end.File, end.Offset-uint64(pos))
	buf := make([]byte, seg)
	tail := parts.ReadTail(end)
	copy(buf[pos-int64(len(tail)):pos], tail)

	l := &Log{
		memLock:       ml,
		buf:           buf,
		segSize:       seg,
		cur:           lsn.MkEpoch(base, 0, pos, pos),
		old:           lsn.MkEpoch(base, 0, pos, pos),
		curr:          end,
		start:         pos,
		durable:       end,
		durablePacked: atomic.NewUint64(end.Pack()),
		gate:          new(sync.WaitGroup),
		compLock:      new(sync.Mutex),
		flushLSN:      end,
		condLogger:    sync.NewCond(ml),
		condFlush:     sync.NewCond(ml),
		condSpace:     sync.NewCond(ml),
		condShut:      sync.NewCond(ml),
		parts:         parts,
		ledger:        ledger,
		kick:          func() {},
		flushInterval: opts.FlushInterval,
		done:          make(chan struct{}),
	}
	metrics.DurableLSN.Set(float64(end.Pack()))
	util.DPrintf(1, "mkLog: buffer %d, resume at %v\n", seg, end)
	return l
}

func (l *Log) startBackgroundThreads() {
	l.memLock.Lock()
	l.nthread = 2
	l.memLock.Unlock()
	go func() { l.logger() }()
	go func() { l.ticker() }()
}

// MkLog starts a log that appends after the durable end found by parts.
func MkLog(parts *partition.Manager, ledger *space.Ledger, opts Options) *Log {
	l := mkLog(parts, ledger, opts)
	l.startBackgroundThreads()
	return l
}

// SetKick installs the hook run when an insert finds no log space; the
// log manager wires it to the checkpoint coordinator.
func (l *Log) SetKick(kick func()) {
	l.memLock.Lock()
	l.kick = kick
	l.memLock.Unlock()
}

func (l *Log) kickAll() {
	l.memLock.Lock()
	kick := l.kick
	l.condLogger.Signal()
	l.memLock.Unlock()
	kick()
}

// CurrLSN is the LSN the next insert will receive.
func (l *Log) CurrLSN() lsn.LSN {
	l.memLock.Lock()
	defer l.memLock.Unlock()
	return l.curr
}

// DurableLSN is the end of the durable log; every record that starts
// below it survives a crash.
func (l *Log) DurableLSN() lsn.LSN {
	return lsn.Unpack(l.durablePacked.Load())
}

func (l *Log) BufferSize() int64 {
	return l.segSize
}

// bufferFull reports whether claiming up to absolute position end would
// overwrite bytes the flush daemon still needs. Assumes caller holds
// memLock.
func (l *Log) bufferFull(end int64) bool {
	return end-util.Floor2(l.start, common.BlockSize) > l.segSize
}

func (l *Log) reserve(n int64, chkpt bool) error {
	if chkpt {
		l.ledger.ConsumeChkptReservation(n)
		return nil
	}
	for l.ledger.ReserveSpace(n) != n {
		if l.isShutdown() {
			return ErrShutdown
		}
		metrics.BufferWaitsTotal.WithLabelValues("space").Inc()
		util.DPrintf(5, "insert: no log space for %d bytes\n", n)
		l.kickAll()
		l.ledger.WaitForSpace()
	}
	return nil
}

func (l *Log) isShutdown() bool {
	l.memLock.Lock()
	defer l.memLock.Unlock()
	return l.shutdown
}

// Insert copies r into the log and returns its LSN, which is also stamped
// into r as its self-check LSN. It waits while the log or the buffer is
// full.
func (l *Log) Insert(r *record.Record) (lsn.LSN, error) {
	return l.insert(r, false, true)
}

// TryInsert is Insert without waiting for log space.
func (l *Log) TryInsert(r *record.Record) (lsn.LSN, error) {
	return l.insert(r, false, false)
}

// InsertChkpt inserts a checkpoint record, charging it to the space set
// aside for checkpoints.
func (l *Log) InsertChkpt(r *record.Record) (lsn.LSN, error) {
	return l.insert(r, true, true)
}

func (l *Log) insert(r *record.Record, chkpt bool, wait bool) (lsn.LSN, error) {
	n := int64(r.Len())
	if uint64(n) > record.MaxSize || n < int64(record.HeaderSize) {
		return lsn.Null, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, n)
	}
	if !wait {
		if l.ledger.ReserveSpace(n) != n {
			return lsn.Null, ErrOutOfLogSpace
		}
	} else if err := l.reserve(n, chkpt); err != nil {
		return lsn.Null, err
	}

	l.memLock.Lock()
	var at lsn.LSN
	var dst [2][]byte
	var prepaid int64 // leftover reserved while memLock was dropped
	for {
		if l.shutdown {
			l.memLock.Unlock()
			if !chkpt {
				l.ledger.ReleaseSpace(n + prepaid)
			}
			return lsn.Null, ErrShutdown
		}
		pos := l.cur.End
		newPart := int64(l.curr.Offset)+n > l.parts.DataSize()
		endAbs := l.cur.Base + pos + n
		if newPart {
			endAbs = l.cur.Base + l.segSize + n
		}
		if l.bufferFull(endAbs) {
			metrics.BufferWaitsTotal.WithLabelValues("buffer").Inc()
			util.DPrintf(5, "insert: buffer full at %d\n", endAbs)
			l.condLogger.Signal()
			l.condSpace.Wait()
			continue
		}

		if !newPart {
			if prepaid > 0 {
				l.ledger.ReleaseSpace(prepaid)
				prepaid = 0
			}
			at = l.curr
			if pos+n > l.segSize {
				if l.old.Pending() {
					util.Fatalf("insert: old epoch %v still pending at wrap", l.old)
				}
				spill := pos + n - l.segSize
				l.old = l.cur
				l.old.End = l.segSize
				l.cur = lsn.MkEpoch(l.cur.BaseLSN.Advance(l.segSize), l.cur.Base+l.segSize, 0, spill)
				dst[0] = l.buf[pos:l.segSize]
				dst[1] = l.buf[0:spill]
			} else {
				l.cur.End = pos + n
				dst[0] = l.buf[pos : pos+n]
			}
			break
		}

		// reserve-then-discard the rest of the partition
		leftover := l.parts.DataSize() - int64(l.curr.Offset)
		if chkpt {
			l.ledger.ConsumeChkptReservation(leftover)
		} else if prepaid != leftover {
			if prepaid > 0 {
				l.ledger.ReleaseSpace(prepaid)
				prepaid = 0
			}
			if l.ledger.ReserveSpace(leftover) != leftover {
				l.memLock.Unlock()
				if !wait {
					l.ledger.ReleaseSpace(n)
					return lsn.Null, ErrOutOfLogSpace
				}
				if err := l.reserve(leftover, false); err != nil {
					l.ledger.ReleaseSpace(n)
					return lsn.Null, err
				}
				prepaid = leftover
				l.memLock.Lock()
				continue
			}
		}
		if l.old.Pending() {
			util.Fatalf("insert: old epoch %v still pending at partition switch", l.old)
		}
		util.DPrintf(3, "insert: partition %d full, %d bytes discarded\n",
			l.curr.File, leftover)
		first := lsn.First(l.curr.File + 1)
		l.old = l.cur
		l.cur = lsn.MkEpoch(first, l.cur.Base+l.segSize, 0, n)
		at = first
		dst[0] = l.buf[0:n]
		break
	}
	l.curr = at.Advance(n)
	gate := l.gate
	gate.Add(1)
	if l.cur.Base+l.cur.End-l.start > l.segSize/2 {
		l.condLogger.Signal()
	}
	l.memLock.Unlock()

	record.PutSelf(r.Bytes(), at)
	b := r.Bytes()
	k := copy(dst[0], b)
	copy(dst[1], b[k:])
	gate.Done()

	metrics.InsertsTotal.Inc()
	metrics.InsertedBytesTotal.Add(float64(n))
	util.DPrintf(10, "insert: %v at %v\n", r.Type(), at)
	return at, nil
}

// Flush waits until the record at target is durable. A target at or past
// the current end of the log waits for everything inserted so far.
func (l *Log) Flush(target lsn.LSN) error {
	l.memLock.Lock()
	defer l.memLock.Unlock()
	for {
		if target.Less(l.curr) {
			if target.Less(l.durable) {
				return nil
			}
		} else if l.curr.LessEq(l.durable) {
			return nil
		}
		if l.shutdown && l.nthread == 0 {
			return ErrShutdown
		}
		l.condLogger.Signal()
		l.condFlush.Wait()
	}
}

// FlushAll waits until everything inserted before the call is durable;
// records inserted meanwhile are not waited for.
func (l *Log) FlushAll() error {
	return l.flushTo(l.CurrLSN())
}

// flushTo waits until the log is durable up to end.
func (l *Log) flushTo(end lsn.LSN) error {
	l.memLock.Lock()
	defer l.memLock.Unlock()
	for l.durable.Less(end) {
		if l.shutdown && l.nthread == 0 {
			return ErrShutdown
		}
		l.condLogger.Signal()
		l.condFlush.Wait()
	}
	return nil
}

// Compensate rewrites, in place, the undo-next LSN of the record at orig.
// Only records still in the unflushed part of the buffer can be
// rewritten; otherwise the caller gets ErrBadCompensation and must treat
// the record as having nothing to compensate.
func (l *Log) Compensate(orig lsn.LSN, undoNext lsn.LSN) error {
	if orig == undoNext {
		panic(fmt.Sprintf("wal: compensate %v to itself", orig))
	}
	l.compLock.Lock()
	defer l.compLock.Unlock()
	err := l.compensate(orig, undoNext)
	if err != nil {
		metrics.CompensationsTotal.WithLabelValues("rejected").Inc()
		util.DPrintf(5, "compensate %v -> %v: %v\n", orig, undoNext, err)
		return err
	}
	metrics.CompensationsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Assumes caller holds compLock.
func (l *Log) compensate(orig lsn.LSN, undoNext lsn.LSN) error {
	if orig.Less(l.flushLSN) {
		return fmt.Errorf("%w: %v already flushed", ErrBadCompensation, orig)
	}
	l.memLock.Lock()
	var e lsn.Epoch
	switch {
	case l.cur.Holds(orig):
		e = l.cur
	case l.old.Holds(orig):
		e = l.old
	default:
		l.memLock.Unlock()
		return fmt.Errorf("%w: %v not in buffer", ErrBadCompensation, orig)
	}
	l.memLock.Unlock()

	pos := e.Pos(orig)
	if pos+int64(record.HeaderSize) > l.segSize {
		return fmt.Errorf("%w: %v header straddles the buffer wrap", ErrBadCompensation, orig)
	}
	hdr := l.buf[pos : pos+int64(record.HeaderSize)]
	h, err := record.DecodeHeader(hdr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadCompensation, err)
	}
	if h.Self != orig {
		return fmt.Errorf("%w: self-check %v at %v", ErrBadCompensation, h.Self, orig)
	}
	if !h.Compensable() {
		return fmt.Errorf("%w: %v record", ErrBadCompensation, h.Type)
	}
	if h.Prev.Less(undoNext) {
		return fmt.Errorf("%w: prev %v below undo-next %v", ErrBadCompensation, h.Prev, undoNext)
	}
	record.PutUndoNext(hdr, undoNext)
	return nil
}

// Fetch reads the durable record at at.
func (l *Log) Fetch(at lsn.LSN) (*record.Record, error) {
	return l.parts.Fetch(at, l.DurableLSN())
}

// Shutdown drains the buffer and stops the flush daemon.
func (l *Log) Shutdown() {
	util.DPrintf(1, "shutdown wal\n")
	l.memLock.Lock()
	if l.shutdown {
		l.memLock.Unlock()
		return
	}
	l.shutdown = true
	close(l.done)
	l.condLogger.Broadcast()
	l.condSpace.Broadcast()
	l.condFlush.Broadcast()
	for l.nthread > 0 {
		util.DPrintf(1, "wait for logger")
		l.condShut.Wait()
	}
	l.condFlush.Broadcast()
	l.memLock.Unlock()
	util.DPrintf(1, "wal done\n")
}
