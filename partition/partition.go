// Package partition manages the fixed ring of partition files that hold
// the log on disk.
//
// Partition number n lives in slot (n-1) % count and in file "log.<n>".
// Records start at file offset 0; the data capacity of a partition is one
// block less than its file size so that the skip record and pad that end
// every flush always fit.
package partition

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mit-pdos/go-wal/common"
	"github.com/mit-pdos/go-wal/disk"
	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/master"
	"github.com/mit-pdos/go-wal/metrics"
	"github.com/mit-pdos/go-wal/record"
	"github.com/mit-pdos/go-wal/space"
	"github.com/mit-pdos/go-wal/util"
)

var (
	ErrEndOfLog = errors.New("end of log")
	ErrNotLive  = errors.New("partition is not live")
	ErrCorrupt  = errors.New("corrupt partition")
)

type Options struct {
	Count            int
	PartitionSize    int64
	CloseMinAttempts int
	CloseMinBackoff  time.Duration
}

// State flags of a partition slot.
type State uint8

const (
	StateExists State = 1 << iota
	StateOpenForRead
	StateOpenForAppend
	StateFlushed
)

// Partition is one slot of the ring.
type Partition struct {
	num      common.PartNum // NULLPART when the slot is free
	f        disk.File      // nil while the partition is not resident
	size     int64          // end of valid data
	state    State
	lastSkip lsn.LSN // skip record that ends the durable data
	refs     int
}

func (p *Partition) Num() common.PartNum {
	return p.num
}

func (p *Partition) Size() int64 {
	return p.size
}

func (p *Partition) State() State {
	return p.state
}

func (p *Partition) LastSkip() lsn.LSN {
	return p.lastSkip
}

func FileName(num common.PartNum) string {
	return common.PARTITIONFILEBASE + strconv.FormatUint(uint64(num), 10)
}

func parseName(name string) (common.PartNum, bool) {
	if !strings.HasPrefix(name, common.PARTITIONFILEBASE) {
		return common.NULLPART, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(name, common.PARTITIONFILEBASE), 10, 32)
	if err != nil || n == 0 {
		return common.NULLPART, false
	}
	return common.PartNum(n), true
}

type Manager struct {
	mu      *sync.Mutex // the partition lock
	refCond *sync.Cond
	parts   []*Partition
	curr    *Partition

	backend  disk.Backend
	master   *master.Store
	ledger   *space.Ledger
	kick     func()
	opts     Options
	dataSize int64

	end   lsn.LSN // durable end found at open
	inUse int64
}

func (opts Options) DataSize() int64 {
	return opts.PartitionSize - common.BlockSize
}

// Open recovers the partitions in backend: partitions below the recovery
// horizon of ms are removed, the rest are placed in their slots and the
// newest is scanned for the end of valid data.
func Open(backend disk.Backend, ms *master.Store, opts Options) (*Manager, error) {
	if opts.Count < 2 || opts.PartitionSize%common.BlockSize != 0 ||
		opts.PartitionSize < 2*common.BlockSize ||
		uint64(opts.DataSize()) > lsn.MaxOffset {
		panic(fmt.Sprintf("partition: bad options %+v", opts))
	}
	m := &Manager{
		mu:       new(sync.Mutex),
		parts:    make([]*Partition, opts.Count),
		backend:  backend,
		master:   ms,
		kick:     func() {},
		opts:     opts,
		dataSize: opts.DataSize(),
	}
	m.refCond = sync.NewCond(m.mu)
	for i := range m.parts {
		m.parts[i] = &Partition{}
	}
	if err := m.recover(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) recover() error {
	names, err := m.backend.List()
	if err != nil {
		return err
	}
	gm := m.master.GlobalMin()
	var live []common.PartNum
	for _, name := range names {
		num, ok := parseName(name)
		if !ok {
			continue
		}
		if !gm.IsNull() && num < gm.File {
			util.DPrintf(1, "partition: remove stale %s below %v\n", name, gm)
			if err := m.backend.Remove(name); err != nil {
				return err
			}
			continue
		}
		live = append(live, num)
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })
	if len(live) > m.opts.Count {
		return fmt.Errorf("%w: %d live partitions for %d slots", ErrCorrupt, len(live), m.opts.Count)
	}
	for i := 1; i < len(live); i++ {
		if live[i] != live[i-1]+1 {
			return fmt.Errorf("%w: partition %d missing", ErrCorrupt, live[i-1]+1)
		}
	}

	hints := make(map[common.PartNum]int64)
	for _, e := range m.master.Current().PartEnds {
		hints[e.File] = int64(e.Offset)
	}
	for i, num := range live {
		hint, ok := hints[num]
		if !ok {
			hint = -1
		}
		last := i == len(live)-1
		p, err := m.open(num, hint, true, last, true)
		if err != nil {
			return err
		}
		if last {
			m.inUse += p.size
		} else {
			m.inUse += m.dataSize
		}
	}

	switch {
	case m.curr != nil:
		m.end = lsn.New(m.curr.num, uint64(m.curr.size))
	case !gm.IsNull():
		m.end = lsn.First(gm.File)
	default:
		m.end = lsn.First(1)
	}
	util.Logger().Info("partitions recovered",
		zap.Int("live", len(live)), zap.Stringer("end", m.end), zap.Int64("inUse", m.inUse))
	return nil
}

func (m *Manager) slot(num common.PartNum) *Partition {
	return m.parts[int((num-1)%common.PartNum(m.opts.Count))]
}

// open makes partition num resident in its slot. existing opens a file
// already on disk, forAppend makes it the partition being appended to,
// and duringRecovery scans it for the end of valid data; otherwise a
// cached endHint (>= 0) is trusted and peek runs only without one.
// Creating a partition is only done for append, and resuming append on an
// existing partition only at recovery. Assumes caller holds mu; mu may be
// dropped while closeMin waits for the slot.
func (m *Manager) open(num common.PartNum, endHint int64, existing, forAppend, duringRecovery bool) (*Partition, error) {
	if !existing && (!forAppend || duringRecovery) ||
		existing && forAppend && !duringRecovery {
		panic(fmt.Sprintf("partition: open %d existing=%v forAppend=%v recovery=%v",
			num, existing, forAppend, duringRecovery))
	}
	p := m.slot(num)
	if p.num == num && p.f != nil && !forAppend {
		return p, nil
	}
	if p.num != num {
		if !forAppend && p.num != common.NULLPART {
			return nil, fmt.Errorf("%w: slot of %d holds %d", ErrNotLive, num, p.num)
		}
		p = m.closeMin(num)
	}
	f, err := m.backend.Open(FileName(num), !existing)
	if err != nil {
		if existing && !duringRecovery {
			return nil, fmt.Errorf("%w: %d: %v", ErrNotLive, num, err)
		}
		return nil, err
	}
	p.num = num
	p.f = f
	p.state = StateOpenForRead
	if existing {
		p.state |= StateExists | StateFlushed
		size := endHint
		if duringRecovery || size < 0 {
			from := endHint
			if from < 0 {
				from = 0
			}
			if size, err = m.peek(p, from); err != nil {
				f.Close()
				p.num, p.f, p.state = common.NULLPART, nil, 0
				return nil, err
			}
		}
		p.size = size
		p.lastSkip = lsn.New(num, uint64(size))
	} else {
		if err := f.Truncate(0); err != nil {
			util.Fatalf("create partition %d: %v", num, err)
		}
		p.state |= StateExists
		p.size = 0
		p.lastSkip = lsn.Null
	}
	if forAppend {
		p.state |= StateOpenForAppend
		m.curr = p
	}
	util.DPrintf(3, "open: partition %d state %#x size %d\n", num, p.state, p.size)
	return p, nil
}

// peek scans p from offset from (a known record boundary) to the end of
// valid data. A torn tail is cut off and terminated with a skip record.
func (m *Manager) peek(p *Partition, from int64) (int64, error) {
	off := from
	hdr := make([]byte, record.HeaderSize)
	torn := false
	for {
		if off > m.dataSize {
			torn = true
			break
		}
		n, _ := p.f.ReadAt(hdr, off)
		if n < len(hdr) {
			torn = true
			break
		}
		h, err := record.DecodeHeader(hdr)
		if err != nil {
			torn = true
			break
		}
		at := lsn.New(p.num, uint64(off))
		if h.Self != at {
			if h.Self.File == p.num && h.Type != record.TypeSkip {
				return 0, fmt.Errorf("%w: record at %v claims %v", ErrCorrupt, at, h.Self)
			}
			torn = true
			break
		}
		if h.Type == record.TypeSkip {
			break
		}
		if off+int64(h.Len) > m.dataSize {
			torn = true
			break
		}
		body := make([]byte, h.Len)
		if n, _ := p.f.ReadAt(body, off); n < len(body) {
			torn = true
			break
		}
		// the header reached disk but some later block of the record
		// did not
		if _, err := record.FromBytes(body); err != nil {
			torn = true
			break
		}
		off += int64(h.Len)
	}
	if torn {
		util.Logger().Warn("truncating torn partition tail",
			zap.Uint32("partition", p.num), zap.Int64("offset", off))
		m.terminate(p, off)
	}
	util.DPrintf(3, "peek: partition %d ends at %d\n", p.num, off)
	return off, nil
}

// terminate writes a skip record at off, pads to the next block and cuts
// the file there.
func (m *Manager) terminate(p *Partition, off int64) {
	pad := util.Ceil2(off+int64(record.HeaderSize), common.BlockSize)
	tail := make([]byte, pad-off)
	copy(tail, record.Skip(lsn.New(p.num, uint64(off))))
	if _, err := p.f.WriteAt(tail, off); err != nil {
		util.Fatalf("terminate partition %d: %v", p.num, err)
	}
	if err := p.f.Truncate(pad); err != nil {
		util.Fatalf("truncate partition %d: %v", p.num, err)
	}
	if err := p.f.Sync(); err != nil {
		util.Fatalf("sync partition %d: %v", p.num, err)
	}
}

// SetLedger attaches the space ledger credited by scavenging.
func (m *Manager) SetLedger(l *space.Ledger) {
	m.mu.Lock()
	m.ledger = l
	m.mu.Unlock()
}

// SetKick installs the hook run when a slot cannot be recycled yet; the
// log wires it to flushing and checkpointing.
func (m *Manager) SetKick(kick func()) {
	m.mu.Lock()
	m.kick = kick
	m.mu.Unlock()
}

func (m *Manager) DataSize() int64 {
	return m.dataSize
}

func (m *Manager) Count() int {
	return m.opts.Count
}

// End is the durable end of the log found at open.
func (m *Manager) End() lsn.LSN {
	return m.end
}

// InUse is the partition capacity held by live partitions at open:
// sealed partitions count in full, the newest by its size.
func (m *Manager) InUse() int64 {
	return m.inUse
}

func (m *Manager) Live() []common.PartNum {
	m.mu.Lock()
	defer m.mu.Unlock()
	var nums []common.PartNum
	for _, p := range m.parts {
		if p.num != common.NULLPART {
			nums = append(nums, p.num)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// Ends lists the end of every sealed live partition, for the master
// record.
func (m *Manager) Ends() []lsn.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ends []lsn.LSN
	for _, p := range m.parts {
		if p.state&StateFlushed != 0 && p.state&StateOpenForAppend == 0 {
			ends = append(ends, p.lastSkip)
		}
	}
	sort.Slice(ends, func(i, j int) bool { return ends[i].Less(ends[j]) })
	return ends
}

// destroy removes p's file and frees its slot. Assumes caller holds mu.
func (m *Manager) destroy(p *Partition) {
	for p.refs > 0 {
		m.refCond.Wait()
	}
	num := p.num
	if p.f != nil {
		if err := p.f.Close(); err != nil {
			util.Fatalf("close partition %d: %v", num, err)
		}
	}
	if err := m.backend.Remove(FileName(num)); err != nil {
		util.Fatalf("remove partition %d: %v", num, err)
	}
	p.num = common.NULLPART
	p.f = nil
	p.size = 0
	p.state = 0
	p.lastSkip = lsn.Null
	if m.ledger != nil {
		m.ledger.ReleaseSpace(m.dataSize)
	}
	metrics.PartitionsScavengedTotal.Inc()
	util.Logger().Info("partition destroyed", zap.Uint32("partition", num))
}

func (m *Manager) recyclable(p *Partition, gm lsn.LSN) bool {
	if p.num == common.NULLPART {
		return true
	}
	return !gm.IsNull() && p.num < gm.File && p != m.curr
}

// closeMin frees the slot for partition num. If the slot still holds a
// partition recovery may need, it kicks flushing and checkpointing and
// retries with backoff; when the attempts run out the log is wedged.
// Assumes caller holds mu; mu is dropped while waiting.
func (m *Manager) closeMin(num common.PartNum) *Partition {
	p := m.slot(num)
	backoff := m.opts.CloseMinBackoff
	for attempt := 1; ; attempt++ {
		gm := m.master.GlobalMin()
		if m.recyclable(p, gm) {
			if p.num != common.NULLPART {
				m.destroy(p)
			}
			return p
		}
		if attempt >= m.opts.CloseMinAttempts {
			util.Fatalf("out of partitions: slot for %d still holds %d, recovery needs %v",
				num, p.num, gm)
		}
		metrics.CloseMinRetriesTotal.Inc()
		util.DPrintf(1, "closeMin: slot for %d holds %d (min %v), attempt %d\n",
			num, p.num, gm, attempt)
		kick := m.kick
		m.mu.Unlock()
		kick()
		time.Sleep(backoff)
		if backoff < 16*m.opts.CloseMinBackoff {
			backoff *= 2
		}
		m.mu.Lock()
	}
}

// openForAppend seals the current partition and makes num the one being
// appended to. Assumes caller holds mu.
func (m *Manager) openForAppend(num common.PartNum) *Partition {
	if m.curr != nil && num != m.curr.num+1 {
		util.Fatalf("rotate from partition %d to %d", m.curr.num, num)
	}
	if old := m.curr; old != nil {
		m.seal(old)
	}
	p, err := m.open(num, 0, false, true, false)
	if err != nil {
		util.Fatalf("create partition %d: %v", num, err)
	}
	util.Logger().Info("partition opened", zap.Uint32("partition", num))
	return p
}

// seal ends appending to p and releases its file; readers reopen it on
// demand. Assumes caller holds mu.
func (m *Manager) seal(p *Partition) {
	for p.refs > 0 {
		m.refCond.Wait()
	}
	p.state &^= StateOpenForAppend | StateOpenForRead
	if err := p.f.Close(); err != nil {
		util.Fatalf("close partition %d: %v", p.num, err)
	}
	p.f = nil
	if m.curr == p {
		m.curr = nil
	}
}

// Append writes one flush worth of log bytes. at is the block-aligned LSN
// of the first byte of chunks and end the LSN just past the last record;
// a skip record is written at end and the block is padded with zeros.
// Moving to a new partition number rotates first, which may wait for
// scavenging to vacate the slot.
func (m *Manager) Append(at lsn.LSN, chunks [][]byte, end lsn.LSN) {
	if at.File != end.File || at.Offset%uint64(common.BlockSize) != 0 ||
		int64(end.Offset) > m.dataSize {
		util.Fatalf("append [%v, %v)", at, end)
	}
	m.mu.Lock()
	p := m.curr
	if p == nil || p.num != at.File {
		p = m.openForAppend(at.File)
	}
	p.refs++
	m.mu.Unlock()

	off := int64(at.Offset)
	for _, c := range chunks {
		if _, err := p.f.WriteAt(c, off); err != nil {
			util.Fatalf("write partition %d at %d: %v", p.num, off, err)
		}
		off += int64(len(c))
	}
	if off != int64(end.Offset) {
		util.Fatalf("append [%v, %v) with %d bytes", at, end, off-int64(at.Offset))
	}
	pad := util.Ceil2(off+int64(record.HeaderSize), common.BlockSize)
	tail := make([]byte, pad-off)
	copy(tail, record.Skip(end))
	if _, err := p.f.WriteAt(tail, off); err != nil {
		util.Fatalf("write partition %d at %d: %v", p.num, off, err)
	}
	if err := p.f.Sync(); err != nil {
		util.Fatalf("sync partition %d: %v", p.num, err)
	}

	m.mu.Lock()
	p.size = int64(end.Offset)
	p.lastSkip = end
	p.state |= StateFlushed
	p.refs--
	m.refCond.Broadcast()
	m.mu.Unlock()
}

// Scavenge destroys every partition that no future recovery can need:
// those below the oldest of the master's horizon, minRec and minXct.
// Each is credited back to the ledger in full.
func (m *Manager) Scavenge(minRec lsn.LSN, minXct lsn.LSN) int {
	gm := m.master.GlobalMin()
	if gm.IsNull() {
		return 0
	}
	bound := lsn.Min(gm, lsn.Min(minRec, minXct))
	m.mu.Lock()
	n := 0
	for _, p := range m.parts {
		if p.num != common.NULLPART && p.num < bound.File && p != m.curr {
			m.destroy(p)
			n++
		}
	}
	ledger := m.ledger
	m.mu.Unlock()
	if n > 0 {
		util.Logger().Info("scavenged partitions", zap.Int("count", n), zap.Stringer("bound", bound))
	}
	if ledger != nil {
		ledger.VerifyChkptReservation()
	}
	return n
}

// acquire pins partition num for a read, reopening it if it is not
// resident.
func (m *Manager) acquire(num common.PartNum) (*Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if num == common.NULLPART || m.curr != nil && num > m.curr.num {
		return nil, fmt.Errorf("%w: %d", ErrNotLive, num)
	}
	p := m.slot(num)
	if p.num != num || p.f == nil {
		hint := int64(-1)
		if p.num == num {
			hint = p.size
		}
		var err error
		if p, err = m.open(num, hint, true, false, false); err != nil {
			return nil, err
		}
	}
	p.refs++
	return p, nil
}

func (m *Manager) release(p *Partition) {
	m.mu.Lock()
	p.refs--
	m.refCond.Broadcast()
	m.mu.Unlock()
}

func (m *Manager) readAt(num common.PartNum, b []byte, off int64) error {
	p, err := m.acquire(num)
	if err != nil {
		return err
	}
	defer m.release(p)
	n, err := p.f.ReadAt(b, off)
	if n < len(b) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read partition %d at %d: %w", num, off, err)
	}
	return nil
}

// Fetch reads the record at l from disk. Only the durable part of the log
// is read: l at or past durable is the end of the log. Skip records are
// followed into the next partition.
func (m *Manager) Fetch(l lsn.LSN, durable lsn.LSN) (*record.Record, error) {
	for {
		if !l.Less(durable) {
			return nil, ErrEndOfLog
		}
		hdr := make([]byte, record.HeaderSize)
		if err := m.readAt(l.File, hdr, int64(l.Offset)); err != nil {
			return nil, err
		}
		h, err := record.DecodeHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("fetch %v: %w", l, err)
		}
		if h.Self != l {
			return nil, fmt.Errorf("fetch %v: %w: self-check %v", l, record.ErrCorrupt, h.Self)
		}
		if h.Type == record.TypeSkip {
			l = lsn.First(l.File + 1)
			continue
		}
		b := make([]byte, h.Len)
		if err := m.readAt(l.File, b, int64(l.Offset)); err != nil {
			return nil, err
		}
		return record.FromBytes(b)
	}
}

// ReadTail returns the bytes of the block holding end, up to end. The
// log primes its buffer with them so the first flush rewrites the block
// whole.
func (m *Manager) ReadTail(end lsn.LSN) []byte {
	start := util.Floor2(int64(end.Offset), common.BlockSize)
	b := make([]byte, int64(end.Offset)-start)
	if len(b) == 0 {
		return b
	}
	if err := m.readAt(end.File, b, start); err != nil {
		util.Fatalf("read tail of partition %d: %v", end.File, err)
	}
	return b
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.parts {
		if p.f != nil {
			p.f.Close()
			p.f = nil
		}
	}
}
