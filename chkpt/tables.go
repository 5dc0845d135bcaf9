package chkpt

import (
	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/record"
)

// DirtyPage is one entry of the page cache's dirty page table. RecLSN is
// the LSN of the first update since the page was last written back.
type DirtyPage struct {
	Page   uint64
	RecLSN lsn.LSN
}

type Mount struct {
	Vol uint32
	Dev string
}

type XctState uint8

const (
	XctActive XctState = iota
	XctPreparing
	XctPrepared
	XctAborting
	XctCommitting
	XctEnded
)

var xctStateNames = [...]string{"active", "preparing", "prepared", "aborting", "committing", "ended"}

func (s XctState) String() string {
	if int(s) < len(xctStateNames) {
		return xctStateNames[s]
	}
	return "unknown"
}

type XctInfo struct {
	Tid      uint64
	State    XctState
	FirstLSN lsn.LSN
	LastLSN  lsn.LSN
	UndoNext lsn.LSN
}

// PageCache is the buffer pool as seen by a checkpoint.
type PageCache interface {
	DirtyPages() []DirtyPage
	// ActivateBackgroundFlushing starts writing dirty pages back so that
	// the recovery horizon can move.
	ActivateBackgroundFlushing()
	NumPages() int
}

type MountTable interface {
	Mounts() []Mount
}

// XctTable is the transaction table as seen by a checkpoint.
type XctTable interface {
	LockList()
	UnlockList()
	// Xcts lists the live transactions; callers hold the list lock.
	Xcts() []XctInfo
	// Attach, LogPrepared and Detach re-log the prepare record of a
	// prepared transaction through its normal logging path.
	Attach(tid uint64) bool
	LogPrepared(tid uint64) error
	Detach(tid uint64)
	MaxActive() int
}

// Log is the part of the write-ahead log a checkpoint writes through.
type Log interface {
	InsertChkpt(r *record.Record) (lsn.LSN, error)
	FlushAll() error
}
