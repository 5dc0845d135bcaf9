// Package lsn defines log sequence numbers and buffer epochs.
//
// An LSN names a byte of the log as (partition number, byte offset within
// the partition). LSNs are totally ordered by (File, Offset) and only grow
// for the life of a log.
package lsn

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mit-pdos/go-wal/common"
)

const (
	offsetBits = 40

	// MaxOffset bounds the per-partition data capacity so that an LSN packs
	// into a single uint64 on disk.
	MaxOffset uint64 = 1<<offsetBits - 1
	maxFile   uint64 = 1<<(64-offsetBits) - 1
)

type LSN struct {
	File   common.PartNum
	Offset uint64
}

// Null is "no LSN". Where an LSN is used as a recovery bound, Null means
// the bound is in the unbounded future.
var Null = LSN{}

var Max = LSN{File: math.MaxUint32, Offset: math.MaxUint64}

func New(file common.PartNum, offset uint64) LSN {
	return LSN{File: file, Offset: offset}
}

// First returns the first LSN of partition file.
func First(file common.PartNum) LSN {
	return LSN{File: file}
}

func (l LSN) IsNull() bool {
	return l == Null
}

func (l LSN) Compare(o LSN) int {
	switch {
	case l.File < o.File:
		return -1
	case l.File > o.File:
		return 1
	case l.Offset < o.Offset:
		return -1
	case l.Offset > o.Offset:
		return 1
	}
	return 0
}

func (l LSN) Less(o LSN) bool {
	return l.Compare(o) < 0
}

func (l LSN) LessEq(o LSN) bool {
	return l.Compare(o) <= 0
}

// Advance returns the LSN n bytes further into the same partition.
func (l LSN) Advance(n int64) LSN {
	if n < 0 && uint64(-n) > l.Offset {
		panic(fmt.Sprintf("lsn: advance %v by %d", l, n))
	}
	return LSN{File: l.File, Offset: uint64(int64(l.Offset) + n)}
}

// Diff is the byte distance from o to l; both must be in the same partition.
func (l LSN) Diff(o LSN) int64 {
	if l.File != o.File {
		panic(fmt.Sprintf("lsn: diff across partitions %v %v", l, o))
	}
	return int64(l.Offset) - int64(o.Offset)
}

func (l LSN) Pack() uint64 {
	if l == Max {
		return math.MaxUint64
	}
	if uint64(l.File) > maxFile || l.Offset > MaxOffset {
		panic(fmt.Sprintf("lsn: %v does not pack", l))
	}
	return uint64(l.File)<<offsetBits | l.Offset
}

func Unpack(v uint64) LSN {
	if v == math.MaxUint64 {
		return Max
	}
	return LSN{File: common.PartNum(v >> offsetBits), Offset: v & MaxOffset}
}

func (l LSN) String() string {
	if l == Max {
		return "max"
	}
	return fmt.Sprintf("%d.%d", l.File, l.Offset)
}

// Min returns the smaller bound, treating Null as unbounded.
func Min(a LSN, b LSN) LSN {
	if a.IsNull() {
		return b
	}
	if b.IsNull() {
		return a
	}
	if a.Less(b) {
		return a
	}
	return b
}

func MaxOf(a LSN, b LSN) LSN {
	if a.Less(b) {
		return b
	}
	return a
}

// Parse reads an LSN in the file.offset form String prints.
func Parse(s string) (LSN, error) {
	f, o, ok := strings.Cut(s, ".")
	if !ok {
		return Null, fmt.Errorf("lsn: %q is not file.offset", s)
	}
	file, err := strconv.ParseUint(f, 10, 32)
	if err != nil {
		return Null, fmt.Errorf("lsn: file of %q: %w", s, err)
	}
	off, err := strconv.ParseUint(o, 10, 64)
	if err != nil || off > MaxOffset {
		return Null, fmt.Errorf("lsn: offset of %q out of range", s)
	}
	return New(common.PartNum(file), off), nil
}
