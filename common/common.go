package common

import (
	"time"

	"github.com/tchajed/goose/machine/disk"
)

const (
	// BlockSize is the physical write unit of a partition; every flush
	// starts and ends on a block boundary.
	BlockSize int64 = int64(disk.BlockSize)

	PARTITIONCOUNT    = 8 // default number of partition slots
	CLOSEMINATTEMPTS  = 8 // slot-recycling retries before the log is declared wedged
	SPACEWAITTIMEOUT  = 100 * time.Millisecond
	CLOSEMINBACKOFF   = 10 * time.Millisecond
	FLUSHINTERVAL     = 50 * time.Millisecond
	CHKPTINTERVAL     = 30 * time.Second
	DEFAULTBUFSIZE    = 1 << 20
	DEFAULTPARTSIZE   = 64 << 20
	DEFAULTPOOLPAGES  = 1024
	DEFAULTMAXXCTS    = 256
	MASTERBLOCKS      = 2
	MASTERFILENAME    = "master"
	PARTITIONFILEBASE = "log."
)

// Version of the on-disk format; a major mismatch is fatal at startup.
const (
	VersionMajor uint64 = 1
	VersionMinor uint64 = 0
)

type PartNum = uint32

const NULLPART PartNum = 0
