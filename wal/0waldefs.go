package wal

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/partition"
	"github.com/mit-pdos/go-wal/space"
)

var (
	ErrOutOfLogSpace   = errors.New("wal: out of log space")
	ErrBadCompensation = errors.New("wal: record cannot be compensated")
	ErrRecordTooLarge  = errors.New("wal: record too large")
	ErrShutdown        = errors.New("wal: log is shut down")
	ErrEndOfLog        = partition.ErrEndOfLog
)

type Options struct {
	// BufferSize is the size of the ring buffer, a multiple of the block
	// size.
	BufferSize    int64
	FlushInterval time.Duration
}

type Log struct {
	// memLock protects the buffer epochs and the durability state below;
	// it is the insert lock producers take to claim buffer space.
	memLock *sync.Mutex
	buf     []byte
	segSize int64

	cur  lsn.Epoch // receiving inserts
	old  lsn.Epoch // frozen by a wrap, waiting to be flushed
	curr lsn.LSN   // next LSN to hand out

	// start is the absolute buffer position of the first byte that is
	// not yet durable; bytes from its block onwards must stay in the
	// buffer.
	start   int64
	durable lsn.LSN
	// packed durable LSN for readers that do not take memLock
	durablePacked *atomic.Uint64

	// gate counts inserts that claimed buffer space but have not finished
	// copying; the flush daemon swaps it and waits on the old one.
	gate *sync.WaitGroup

	// compLock orders compensation against the flush daemon handing a
	// range of the buffer to the disk. Records below flushLSN are being
	// written or are durable.
	compLock *sync.Mutex
	flushLSN lsn.LSN

	condLogger *sync.Cond // wakes the flush daemon
	condFlush  *sync.Cond // durable advanced
	condSpace  *sync.Cond // buffer space freed

	parts  *partition.Manager
	ledger *space.Ledger
	kick   func()

	flushInterval time.Duration
	done          chan struct{}

	// For shutdown:
	shutdown bool
	nthread  uint64
	condShut *sync.Cond
}
