// Package record is the log record header codec.
//
// The log core treats records as opaque blobs except for a fixed header:
//
//	[0:8)   length of the whole record, header included
//	[8:16)  type | flags<<8 | checksum<<32
//	[16:24) self-check LSN (where the record was written)
//	[24:32) prev LSN of the same transaction
//	[32:40) undo-next LSN (rewritten in place by compensation)
//	[40:48) transaction id
//
// All fields are little-endian uint64s encoded with marshal. The checksum
// is a CRC32C over the whole record except the checksum itself and the
// undo-next field, which compensation rewrites in place. A record whose
// tail never reached disk fails it.
package record

import (
	"errors"
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-wal/common"
	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/util"
)

const (
	HeaderSize uint64 = 48

	// MaxSize bounds a whole record; payloads larger than MaxPayload must
	// be split by the caller (checkpoints chunk their tables for this).
	MaxSize    uint64 = 3 * uint64(common.BlockSize)
	MaxPayload        = MaxSize - HeaderSize

	offLen      uint64 = 0
	offKind     uint64 = 8
	offSelf     uint64 = 16
	offPrev     uint64 = 24
	offUndoNext uint64 = 32
	offTid      uint64 = 40
)

var ErrCorrupt = errors.New("corrupt log record")

type Type uint8

const (
	TypeInvalid Type = iota
	TypeSkip
	TypeComment
	TypeUpdate
	TypeCompensate
	TypeXctPrepare
	TypeXctCommit
	TypeXctAbort
	TypeXctEnd
	TypeChkptBegin
	TypeChkptDirtyPages
	TypeChkptMounts
	TypeChkptXcts
	TypeChkptEnd
	typeLimit
)

var typeNames = [...]string{
	"invalid", "skip", "comment", "update", "compensate",
	"xct_prepare", "xct_commit", "xct_abort", "xct_end",
	"chkpt_begin", "chkpt_dirty_pages", "chkpt_mounts", "chkpt_xcts", "chkpt_end",
}

func (t Type) String() string {
	if t < typeLimit {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

type Flags uint8

const (
	FlagUndo Flags = 1 << iota
	FlagRedo
	FlagCLR
	// FlagSystem marks records whose undo chain must never be rewritten.
	FlagSystem
)

// Header is the decoded fixed part of a record.
type Header struct {
	Len      uint64
	Type     Type
	Flags    Flags
	Self     lsn.LSN
	Prev     lsn.LSN
	UndoNext lsn.LSN
	Tid      uint64
}

// Compensable reports whether the undo-next pointer of this record may be
// rewritten in place.
func (h Header) Compensable() bool {
	switch h.Type {
	case TypeInvalid, TypeSkip, TypeChkptBegin, TypeChkptDirtyPages,
		TypeChkptMounts, TypeChkptXcts, TypeChkptEnd:
		return false
	}
	return h.Flags&FlagSystem == 0
}

func (h Header) encode() []byte {
	enc := marshal.NewEnc(HeaderSize)
	enc.PutInt(h.Len)
	enc.PutInt(uint64(h.Type) | uint64(h.Flags)<<8)
	enc.PutInt(h.Self.Pack())
	enc.PutInt(h.Prev.Pack())
	enc.PutInt(h.UndoNext.Pack())
	enc.PutInt(h.Tid)
	return enc.Finish()
}

// DecodeHeader parses and sanity-checks the header at the front of b.
func DecodeHeader(b []byte) (Header, error) {
	if uint64(len(b)) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupt, len(b))
	}
	dec := marshal.NewDec(b[:HeaderSize])
	var h Header
	h.Len = dec.GetInt()
	kind := dec.GetInt()
	h.Type = Type(kind & 0xff)
	h.Flags = Flags(kind >> 8 & 0xff)
	h.Self = lsn.Unpack(dec.GetInt())
	h.Prev = lsn.Unpack(dec.GetInt())
	h.UndoNext = lsn.Unpack(dec.GetInt())
	h.Tid = dec.GetInt()
	if h.Len < HeaderSize || h.Len > MaxSize {
		return Header{}, fmt.Errorf("%w: length %d", ErrCorrupt, h.Len)
	}
	if h.Type == TypeInvalid || h.Type >= typeLimit || kind>>16&0xffff != 0 {
		return Header{}, fmt.Errorf("%w: kind %#x", ErrCorrupt, kind)
	}
	return h, nil
}

func putField(b []byte, off uint64, v uint64) {
	enc := marshal.NewEnc(8)
	enc.PutInt(v)
	copy(b[off:off+8], enc.Finish())
}

func getField(b []byte, off uint64) uint64 {
	dec := marshal.NewDec(b[off : off+8])
	return dec.GetInt()
}

// sum checksums b, a whole encoded record.
func sum(b []byte) uint32 {
	crc := util.UpdateCRC32C(0, b[offLen:offKind+4])
	crc = util.UpdateCRC32C(crc, b[offSelf:offUndoNext])
	return util.UpdateCRC32C(crc, b[offTid:])
}

func seal(b []byte) {
	kind := getField(b, offKind) & 0xffffffff
	putField(b, offKind, kind|uint64(sum(b))<<32)
}

func verify(b []byte) bool {
	return uint32(getField(b, offKind)>>32) == sum(b)
}

// PutSelf stamps the self-check LSN into raw record bytes and reseals
// the checksum.
func PutSelf(b []byte, l lsn.LSN) {
	putField(b, offSelf, l.Pack())
	seal(b)
}

// PutUndoNext rewrites the undo-next field of raw record bytes.
func PutUndoNext(b []byte, l lsn.LSN) {
	putField(b, offUndoNext, l.Pack())
}

// Record is one encoded log record.
type Record struct {
	data []byte
}

// New builds a record; the self-check LSN is assigned when it is inserted.
func New(t Type, flags Flags, tid uint64, prev lsn.LSN, payload []byte) *Record {
	if uint64(len(payload)) > MaxPayload {
		panic(fmt.Sprintf("record: payload of %d bytes exceeds %d", len(payload), MaxPayload))
	}
	h := Header{
		Len:      HeaderSize + uint64(len(payload)),
		Type:     t,
		Flags:    flags,
		Prev:     prev,
		UndoNext: prev,
		Tid:      tid,
	}
	data := make([]byte, h.Len)
	copy(data, h.encode())
	copy(data[HeaderSize:], payload)
	seal(data)
	return &Record{data: data}
}

// FromBytes wraps and validates bytes read back from the log.
func FromBytes(b []byte) (*Record, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	if uint64(len(b)) != h.Len {
		return nil, fmt.Errorf("%w: have %d bytes, header says %d", ErrCorrupt, len(b), h.Len)
	}
	if !verify(b) {
		return nil, fmt.Errorf("%w: checksum mismatch at %v", ErrCorrupt, h.Self)
	}
	return &Record{data: b}, nil
}

// Skip encodes the terminator written after the last valid record of a
// flush; at is the LSN it occupies.
func Skip(at lsn.LSN) []byte {
	h := Header{Len: HeaderSize, Type: TypeSkip, Self: at}
	b := h.encode()
	seal(b)
	return b
}

func (r *Record) Header() Header {
	h, err := DecodeHeader(r.data)
	if err != nil {
		panic(err)
	}
	return h
}

func (r *Record) Len() uint64 {
	return uint64(len(r.data))
}

func (r *Record) Type() Type {
	return r.Header().Type
}

func (r *Record) Self() lsn.LSN {
	return lsn.Unpack(getField(r.data, offSelf))
}

func (r *Record) Prev() lsn.LSN {
	return lsn.Unpack(getField(r.data, offPrev))
}

func (r *Record) UndoNext() lsn.LSN {
	return lsn.Unpack(getField(r.data, offUndoNext))
}

func (r *Record) Tid() uint64 {
	return getField(r.data, offTid)
}

func (r *Record) Payload() []byte {
	return r.data[HeaderSize:]
}

// Bytes exposes the encoded record; the log copies it on insert.
func (r *Record) Bytes() []byte {
	return r.data
}

func (r *Record) String() string {
	h := r.Header()
	return fmt.Sprintf("%v %v len=%d tid=%d prev=%v undo=%v",
		h.Self, h.Type, h.Len, h.Tid, h.Prev, h.UndoNext)
}
