// Package master persists the master record: the begin LSN of the last
// completed checkpoint, the oldest LSN that recovery still needs, and the
// known end of every live partition.
//
// The record lives on a two-block disk. Writes alternate between the
// blocks and are followed by a barrier; on open the valid block with the
// highest sequence number wins, so a torn write leaves the previous
// record in place.
package master

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-wal/common"
	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/util"
)

const (
	magic uint64 = 0x7361_6d6c_6177 // "walmas"

	// magic, major, minor, seq, master, minRec, count
	hdrFields = 7
	// MaxPartEnds is how many partition ends fit in one block next to the
	// header fields and the checksum.
	MaxPartEnds = (disk.BlockSize - (hdrFields+1)*8) / 8
)

var (
	ErrVersionMismatch = errors.New("master: incompatible log version")
	ErrCorrupt         = errors.New("master: corrupt master record")
)

type Master struct {
	Seq            uint64
	MasterLSN      lsn.LSN
	MinChkptRecLSN lsn.LSN
	PartEnds       []lsn.LSN
}

// GlobalMin is the oldest LSN any future recovery may need.
func (m Master) GlobalMin() lsn.LSN {
	return lsn.Min(m.MasterLSN, m.MinChkptRecLSN)
}

func (m Master) String() string {
	return fmt.Sprintf("master{seq %d chkpt %v minrec %v ends %v}",
		m.Seq, m.MasterLSN, m.MinChkptRecLSN, m.PartEnds)
}

type Store struct {
	mu  *sync.Mutex
	d   disk.Disk
	cur Master
}

func encode(m Master) disk.Block {
	if uint64(len(m.PartEnds)) > MaxPartEnds {
		panic(fmt.Sprintf("master: %d partition ends", len(m.PartEnds)))
	}
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(magic)
	enc.PutInt(common.VersionMajor)
	enc.PutInt(common.VersionMinor)
	enc.PutInt(m.Seq)
	enc.PutInt(m.MasterLSN.Pack())
	enc.PutInt(m.MinChkptRecLSN.Pack())
	enc.PutInt(uint64(len(m.PartEnds)))
	ends := make([]uint64, len(m.PartEnds))
	for i, e := range m.PartEnds {
		ends[i] = e.Pack()
	}
	enc.PutInts(ends)
	blk := enc.Finish()
	sum := util.ChecksumCRC32C(blk[:disk.BlockSize-8])
	putSum(blk, sum)
	return blk
}

func putSum(blk disk.Block, sum uint32) {
	enc := marshal.NewEnc(8)
	enc.PutInt(uint64(sum))
	copy(blk[disk.BlockSize-8:], enc.Finish())
}

func getSum(blk disk.Block) uint32 {
	dec := marshal.NewDec(blk[disk.BlockSize-8:])
	return uint32(dec.GetInt())
}

func isZero(blk disk.Block) bool {
	for _, b := range blk {
		if b != 0 {
			return false
		}
	}
	return true
}

// decode returns ok=false for a block that was never written.
func decode(blk disk.Block) (Master, bool, error) {
	if isZero(blk) {
		return Master{}, false, nil
	}
	if util.ChecksumCRC32C(blk[:disk.BlockSize-8]) != getSum(blk) {
		return Master{}, false, ErrCorrupt
	}
	dec := marshal.NewDec(blk)
	if dec.GetInt() != magic {
		return Master{}, false, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	major := dec.GetInt()
	minor := dec.GetInt()
	if major != common.VersionMajor {
		return Master{}, false, fmt.Errorf("%w: on-disk %d.%d, supported %d.%d",
			ErrVersionMismatch, major, minor, common.VersionMajor, common.VersionMinor)
	}
	var m Master
	m.Seq = dec.GetInt()
	m.MasterLSN = lsn.Unpack(dec.GetInt())
	m.MinChkptRecLSN = lsn.Unpack(dec.GetInt())
	n := dec.GetInt()
	if n > MaxPartEnds {
		return Master{}, false, fmt.Errorf("%w: %d partition ends", ErrCorrupt, n)
	}
	for _, e := range dec.GetInts(n) {
		m.PartEnds = append(m.PartEnds, lsn.Unpack(e))
	}
	return m, true, nil
}

// Open reads the current master record from d. A disk on which no master
// was ever written yields an empty record.
func Open(d disk.Disk) (*Store, error) {
	if d.Size() < common.MASTERBLOCKS {
		return nil, fmt.Errorf("master: disk of %d blocks", d.Size())
	}
	var best Master
	var found bool
	var corrupt error
	for a := uint64(0); a < common.MASTERBLOCKS; a++ {
		m, ok, err := decode(d.Read(a))
		if errors.Is(err, ErrVersionMismatch) {
			return nil, err
		}
		if err != nil {
			util.DPrintf(1, "master: block %d: %v\n", a, err)
			corrupt = err
			continue
		}
		if ok && (!found || m.Seq > best.Seq) {
			best = m
			found = true
		}
	}
	if !found && corrupt != nil {
		return nil, corrupt
	}
	util.DPrintf(1, "master: open %v\n", best)
	return &Store{mu: new(sync.Mutex), d: d, cur: best}, nil
}

func (s *Store) Current() Master {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.cur
	m.PartEnds = append([]lsn.LSN(nil), s.cur.PartEnds...)
	return m
}

func (s *Store) GlobalMin() lsn.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.GlobalMin()
}

// Write durably installs a new master record, replacing the older of the
// two copies on disk.
func (s *Store) Write(masterLSN lsn.LSN, minRec lsn.LSN, ends []lsn.LSN) Master {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Master{
		Seq:            s.cur.Seq + 1,
		MasterLSN:      masterLSN,
		MinChkptRecLSN: minRec,
		PartEnds:       append([]lsn.LSN(nil), ends...),
	}
	s.d.Write(m.Seq%common.MASTERBLOCKS, encode(m))
	s.d.Barrier()
	s.cur = m
	util.DPrintf(1, "master: wrote %v\n", m)
	return m
}

func (s *Store) Close() {
	s.d.Close()
}
