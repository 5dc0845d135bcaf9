package chkpt

import (
	"fmt"

	"github.com/vmihailenco/msgpack"

	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/record"
)

// Wire forms of the checkpoint tables. LSNs travel packed.
type dirtyEntry struct {
	_msgpack struct{} `msgpack:",asArray"`
	Page     uint64
	RecLSN   uint64
}

type mountEntry struct {
	_msgpack struct{} `msgpack:",asArray"`
	Vol      uint32
	Dev      string
}

type xctEntry struct {
	_msgpack struct{} `msgpack:",asArray"`
	Tid      uint64
	State    uint8
	FirstLSN uint64
	LastLSN  uint64
	UndoNext uint64
}

type beginPayload struct {
	_msgpack struct{} `msgpack:",asArray"`
	Seq      uint64
	UnixNano int64
}

type endPayload struct {
	_msgpack struct{} `msgpack:",asArray"`
	Master   uint64
	MinRec   uint64
}

// Upper bounds on one encoded entry, array header included.
const (
	dirtyEntryMax = 1 + 9 + 9
	xctEntryMax   = 1 + 9 + 2 + 9 + 9 + 9
	mountEntryMax = 1 + 5 + 2 + MaxDevName
	chunkHdrMax   = 5

	MaxDevName = 255
	MaxMounts  = 64

	// MaxPreparedPayload bounds the payload of a re-logged prepare record.
	MaxPreparedPayload = 64
)

func mustMarshal(v interface{}) []byte {
	b, err := msgpack.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("chkpt: encode %T: %v", v, err))
	}
	return b
}

// perChunk is how many entries of at most entryMax bytes one record
// payload holds.
func perChunk(entryMax int64) int {
	return int((int64(record.MaxPayload) - chunkHdrMax) / entryMax)
}

// chunks encodes entries into payloads of perChunk(entryMax) entries, the
// last one possibly shorter.
func chunks[T any](entries []T, entryMax int64) [][]byte {
	per := perChunk(entryMax)
	var out [][]byte
	for len(entries) > 0 {
		n := per
		if n > len(entries) {
			n = len(entries)
		}
		b := mustMarshal(entries[:n])
		if uint64(len(b)) > record.MaxPayload {
			panic(fmt.Sprintf("chkpt: chunk of %d entries is %d bytes", n, len(b)))
		}
		out = append(out, b)
		entries = entries[n:]
	}
	return out
}

// chunkCount is the number of records chunks produces for n entries.
func chunkCount(n int, entryMax int64) int {
	per := perChunk(entryMax)
	return (n + per - 1) / per
}

// chunkBytes bounds what chunks spends on n entries, headers included.
func chunkBytes(n int, entryMax int64) int64 {
	return int64(n)*entryMax +
		int64(chunkCount(n, entryMax))*(int64(record.HeaderSize)+chunkHdrMax)
}

// MaxSize is the worst-case number of log bytes one checkpoint consumes
// for a buffer pool of pages pages and at most xcts live transactions.
func MaxSize(pages int, xcts int) int64 {
	small := int64(record.HeaderSize) + 32
	sz := 2 * small // begin, end
	sz += chunkBytes(pages, dirtyEntryMax)
	sz += chunkBytes(MaxMounts, mountEntryMax)
	sz += chunkBytes(xcts, xctEntryMax)
	sz += int64(xcts) * int64(record.HeaderSize+MaxPreparedPayload)
	// leftover of a partition discarded when a checkpoint record rotates
	sz += int64(record.MaxSize)
	return sz
}

func decodeEntries[T any](r *record.Record, want record.Type) ([]T, error) {
	if r.Type() != want {
		return nil, fmt.Errorf("chkpt: record %v is not %v", r.Type(), want)
	}
	var out []T
	if err := msgpack.Unmarshal(r.Payload(), &out); err != nil {
		return nil, fmt.Errorf("chkpt: decode %v: %w", want, err)
	}
	return out, nil
}

func DecodeDirtyPages(r *record.Record) ([]DirtyPage, error) {
	es, err := decodeEntries[dirtyEntry](r, record.TypeChkptDirtyPages)
	if err != nil {
		return nil, err
	}
	out := make([]DirtyPage, len(es))
	for i, e := range es {
		out[i] = DirtyPage{Page: e.Page, RecLSN: lsn.Unpack(e.RecLSN)}
	}
	return out, nil
}

func DecodeMounts(r *record.Record) ([]Mount, error) {
	es, err := decodeEntries[mountEntry](r, record.TypeChkptMounts)
	if err != nil {
		return nil, err
	}
	out := make([]Mount, len(es))
	for i, e := range es {
		out[i] = Mount{Vol: e.Vol, Dev: e.Dev}
	}
	return out, nil
}

func DecodeXcts(r *record.Record) ([]XctInfo, error) {
	es, err := decodeEntries[xctEntry](r, record.TypeChkptXcts)
	if err != nil {
		return nil, err
	}
	out := make([]XctInfo, len(es))
	for i, e := range es {
		out[i] = XctInfo{
			Tid:      e.Tid,
			State:    XctState(e.State),
			FirstLSN: lsn.Unpack(e.FirstLSN),
			LastLSN:  lsn.Unpack(e.LastLSN),
			UndoNext: lsn.Unpack(e.UndoNext),
		}
	}
	return out, nil
}

// DecodeEnd returns the (master, minRec) pair of a checkpoint end record.
func DecodeEnd(r *record.Record) (lsn.LSN, lsn.LSN, error) {
	if r.Type() != record.TypeChkptEnd {
		return lsn.Null, lsn.Null, fmt.Errorf("chkpt: record %v is not %v", r.Type(), record.TypeChkptEnd)
	}
	var p endPayload
	if err := msgpack.Unmarshal(r.Payload(), &p); err != nil {
		return lsn.Null, lsn.Null, fmt.Errorf("chkpt: decode end: %w", err)
	}
	return lsn.Unpack(p.Master), lsn.Unpack(p.MinRec), nil
}

// Describe renders the payload of a checkpoint record for dumps.
func Describe(r *record.Record) string {
	switch r.Type() {
	case record.TypeChkptBegin:
		var p beginPayload
		if err := msgpack.Unmarshal(r.Payload(), &p); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("seq=%d", p.Seq)
	case record.TypeChkptDirtyPages:
		ps, err := DecodeDirtyPages(r)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("%d dirty pages", len(ps))
	case record.TypeChkptMounts:
		ms, err := DecodeMounts(r)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("mounts %v", ms)
	case record.TypeChkptXcts:
		xs, err := DecodeXcts(r)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("%d xcts", len(xs))
	case record.TypeChkptEnd:
		m, minRec, err := DecodeEnd(r)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("master=%v minrec=%v", m, minRec)
	}
	return ""
}
