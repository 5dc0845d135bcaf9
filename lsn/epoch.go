package lsn

import "fmt"

// Epoch is a contiguous run of buffered log bytes that are not yet known
// to be durable.
//
// Start and End are offsets into the ring buffer, BaseLSN is the LSN of
// buffer offset 0 in this lap of the ring and Base is the absolute
// position (bytes ever passed through the ring) of that same offset.
// 0 <= Start <= End <= buffer size; Start == End means nothing is pending.
type Epoch struct {
	BaseLSN LSN
	Base    int64
	Start   int64
	End     int64
}

func MkEpoch(base LSN, baseAbs int64, start int64, end int64) Epoch {
	return Epoch{BaseLSN: base, Base: baseAbs, Start: start, End: end}
}

func (e Epoch) Pending() bool {
	return e.Start != e.End
}

// At is the LSN stored at buffer offset pos of this epoch's lap.
func (e Epoch) At(pos int64) LSN {
	return e.BaseLSN.Advance(pos)
}

func (e Epoch) StartLSN() LSN {
	return e.At(e.Start)
}

func (e Epoch) EndLSN() LSN {
	return e.At(e.End)
}

// Holds reports whether l lies in [Start, End) of this epoch.
func (e Epoch) Holds(l LSN) bool {
	if !e.Pending() || l.File != e.BaseLSN.File {
		return false
	}
	return e.StartLSN().LessEq(l) && l.Less(e.EndLSN())
}

// Pos maps an LSN in this epoch back to a buffer offset.
func (e Epoch) Pos(l LSN) int64 {
	return l.Diff(e.BaseLSN)
}

func (e Epoch) String() string {
	return fmt.Sprintf("epoch{%v@%d [%d,%d)}", e.BaseLSN, e.Base, e.Start, e.End)
}
