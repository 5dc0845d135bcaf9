package chkpt

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-wal/common"
	"github.com/mit-pdos/go-wal/disk"
	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/master"
	"github.com/mit-pdos/go-wal/metrics"
	"github.com/mit-pdos/go-wal/partition"
	"github.com/mit-pdos/go-wal/record"
	"github.com/mit-pdos/go-wal/space"
	"github.com/mit-pdos/go-wal/wal"
)

const (
	testPartSize = 16 * common.BlockSize
	testCount    = 4
	testPages    = 8
	testXcts     = 4
)

type fakePages struct {
	mu        sync.Mutex
	dirty     []DirtyPage
	activated int
}

func (p *fakePages) DirtyPages() []DirtyPage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DirtyPage(nil), p.dirty...)
}

func (p *fakePages) ActivateBackgroundFlushing() {
	p.mu.Lock()
	p.activated++
	p.mu.Unlock()
}

func (p *fakePages) NumPages() int {
	return testPages
}

type fakeMounts []Mount

func (m fakeMounts) Mounts() []Mount {
	return m
}

type fakeXcts struct {
	mu       sync.Mutex
	log      *wal.Log
	xcts     []XctInfo
	attached map[uint64]bool
	relogged []lsn.LSN
}

func (x *fakeXcts) LockList()   { x.mu.Lock() }
func (x *fakeXcts) UnlockList() { x.mu.Unlock() }

func (x *fakeXcts) Xcts() []XctInfo {
	return x.xcts
}

func (x *fakeXcts) Attach(tid uint64) bool {
	x.attached[tid] = true
	return true
}

func (x *fakeXcts) LogPrepared(tid uint64) error {
	if !x.attached[tid] {
		panic("LogPrepared without Attach")
	}
	at, err := x.log.InsertChkpt(record.New(record.TypeXctPrepare, 0, tid, lsn.Null, []byte("prepared")))
	x.relogged = append(x.relogged, at)
	return err
}

func (x *fakeXcts) Detach(tid uint64) {
	delete(x.attached, tid)
}

func (x *fakeXcts) MaxActive() int {
	return testXcts
}

type ChkptSuite struct {
	suite.Suite
	backend *disk.MemBackend
	ms      *master.Store
	parts   *partition.Manager
	ledger  *space.Ledger
	log     *wal.Log
	pages   *fakePages
	xcts    *fakeXcts
	c       *Coordinator
}

func (suite *ChkptSuite) SetupTest() {
	suite.backend = disk.NewMemBackend()
	d, err := suite.backend.MasterDisk(common.MASTERFILENAME, common.MASTERBLOCKS)
	suite.Require().NoError(err)
	suite.ms, err = master.Open(d)
	suite.Require().NoError(err)
	suite.parts, err = partition.Open(suite.backend, suite.ms, partition.Options{
		Count:            testCount,
		PartitionSize:    testPartSize,
		CloseMinAttempts: 8,
		CloseMinBackoff:  time.Millisecond,
	})
	suite.Require().NoError(err)
	suite.ledger = space.MkLedger(testCount*suite.parts.DataSize(), suite.parts.InUse(),
		func() int64 { return MaxSize(testPages, testXcts) }, 10*time.Millisecond)
	suite.parts.SetLedger(suite.ledger)
	suite.Require().True(suite.ledger.VerifyChkptReservation())
	suite.log = wal.MkLog(suite.parts, suite.ledger, wal.Options{
		BufferSize:    8 * common.BlockSize,
		FlushInterval: 5 * time.Millisecond,
	})
	suite.pages = &fakePages{}
	suite.xcts = &fakeXcts{log: suite.log, attached: make(map[uint64]bool)}
	suite.c = mkCoordinator(suite.log, suite.ms, suite.parts, suite.ledger, Tables{
		Pages:  suite.pages,
		Mounts: fakeMounts{{Vol: 1, Dev: "/dev/test"}},
		Xcts:   suite.xcts,
	}, 0)
}

func (suite *ChkptSuite) TearDownTest() {
	suite.c.Retire()
	suite.log.Shutdown()
	suite.parts.Close()
}

func TestChkpt(t *testing.T) {
	suite.Run(t, new(ChkptSuite))
}

func (suite *ChkptSuite) insert(n int) lsn.LSN {
	r := record.New(record.TypeComment, 0, 1, lsn.Null, make([]byte, n-int(record.HeaderSize)))
	at, err := suite.log.Insert(r)
	suite.Require().NoError(err)
	return at
}

// records reads the durable log from at up to and including the next
// checkpoint end record.
func (suite *ChkptSuite) records(at lsn.LSN) []*record.Record {
	var out []*record.Record
	for {
		r, err := suite.log.Fetch(at)
		suite.Require().NoError(err, "fetch %v", at)
		out = append(out, r)
		if r.Type() == record.TypeChkptEnd {
			return out
		}
		at = at.Advance(int64(r.Len()))
	}
}

func (suite *ChkptSuite) TestProtocol() {
	a := suite.insert(100)
	b := suite.insert(100)
	suite.pages.dirty = []DirtyPage{{Page: 7, RecLSN: b}, {Page: 3, RecLSN: a}}
	suite.xcts.xcts = []XctInfo{
		{Tid: 10, State: XctPreparing, FirstLSN: b, LastLSN: b, UndoNext: b},
		{Tid: 11, State: XctPrepared, FirstLSN: b, LastLSN: b, UndoNext: b},
		{Tid: 12, State: XctEnded, FirstLSN: a},
		{Tid: 13, State: XctAborting, FirstLSN: b, LastLSN: b, UndoNext: a},
	}

	suite.Require().NoError(suite.c.Take())
	suite.Equal(uint64(1), suite.c.Taken())
	suite.Equal(Idle, suite.c.State())

	m := suite.ms.Current()
	suite.Equal(uint64(1), m.Seq)
	suite.Equal(a, m.MinChkptRecLSN, "oldest dirty page bounds recovery")
	suite.True(b.Less(m.MasterLSN))

	rs := suite.records(m.MasterLSN)
	var types []record.Type
	for _, r := range rs {
		types = append(types, r.Type())
	}
	suite.Equal([]record.Type{
		record.TypeChkptBegin,
		record.TypeChkptDirtyPages,
		record.TypeChkptMounts,
		record.TypeChkptXcts,
		record.TypeXctPrepare,
		record.TypeChkptEnd,
	}, types)

	pages, err := DecodeDirtyPages(rs[1])
	suite.Require().NoError(err)
	suite.Equal(suite.pages.dirty, pages)

	mounts, err := DecodeMounts(rs[2])
	suite.Require().NoError(err)
	suite.Equal([]Mount{{Vol: 1, Dev: "/dev/test"}}, mounts)

	xcts, err := DecodeXcts(rs[3])
	suite.Require().NoError(err)
	suite.Len(xcts, 3, "ended transactions are not logged")
	suite.Equal(XctActive, xcts[0].State, "preparing is logged as active")
	suite.Equal(XctPrepared, xcts[1].State)
	suite.Equal(XctActive, xcts[2].State, "aborting is logged as active")
	suite.Equal(a, xcts[2].UndoNext)

	suite.Equal([]lsn.LSN{rs[4].Self()}, suite.xcts.relogged)
	suite.Empty(suite.xcts.attached, "detached after logging")

	begin, minRec, err := DecodeEnd(rs[5])
	suite.Require().NoError(err)
	suite.Equal(m.MasterLSN, begin)
	suite.Equal(a, minRec)
	suite.True(rs[5].Self().Less(suite.log.DurableLSN()), "end record is durable")
}

func (suite *ChkptSuite) TestXctBoundsRecovery() {
	a := suite.insert(100)
	suite.insert(100)
	suite.xcts.xcts = []XctInfo{{Tid: 5, State: XctActive, FirstLSN: a, LastLSN: a}}
	suite.Require().NoError(suite.c.Take())
	suite.Equal(a, suite.ms.Current().MinChkptRecLSN)
}

func (suite *ChkptSuite) TestScavengeAfterCheckpoint() {
	data := suite.parts.DataSize()
	n := int(record.MaxSize)
	for i := int64(0); i < 2*data/int64(n)+1; i++ {
		suite.insert(n)
	}
	suite.Require().NoError(suite.log.FlushAll())
	suite.Equal([]common.PartNum{1, 2, 3}, suite.parts.Live())

	// a dirty page in partition 1 pins it
	suite.pages.dirty = []DirtyPage{{Page: 1, RecLSN: lsn.First(1)}}
	suite.Require().NoError(suite.c.Take())
	suite.Equal([]common.PartNum{1, 2, 3}, suite.parts.Live())

	avail := suite.ledger.Available() + suite.ledger.ReservedForChkpt()
	scavenged := testutil.ToFloat64(metrics.PartitionsScavengedTotal)
	suite.pages.dirty = nil
	suite.Require().NoError(suite.c.Take())
	suite.Equal([]common.PartNum{3}, suite.parts.Live())
	suite.Equal(scavenged+2, testutil.ToFloat64(metrics.PartitionsScavengedTotal),
		"each partition counted once")
	suite.Equal(lsn.Null, suite.ms.Current().MinChkptRecLSN)
	suite.Less(avail, suite.ledger.Available()+suite.ledger.ReservedForChkpt(),
		"scavenged partitions are credited back")
	suite.GreaterOrEqual(suite.ledger.ReservedForChkpt(), 2*MaxSize(testPages, testXcts))
}

func (suite *ChkptSuite) TestTakeAfterShutdown() {
	suite.log.Shutdown()
	err := suite.c.Take()
	suite.ErrorIs(err, wal.ErrShutdown)
	suite.Equal(uint64(0), suite.ms.Current().Seq, "master untouched")
}

func (suite *ChkptSuite) TestRetired() {
	suite.c.Retire()
	suite.Equal(Retiring, suite.c.State())
	suite.ErrorIs(suite.c.Take(), ErrRetired)
	suite.ErrorIs(suite.c.WakeupAndTake(), ErrRetired)
	suite.c.Wakeup()
	suite.c.Retire()
}

func (suite *ChkptSuite) TestDaemon() {
	suite.c = MkCoordinator(suite.log, suite.ms, suite.parts, suite.ledger,
		Tables{Pages: suite.pages}, 0)
	suite.Require().NoError(suite.c.WakeupAndTake())
	suite.Equal(uint64(1), suite.c.Taken())
	suite.Require().NoError(suite.c.WakeupAndTake())
	suite.Equal(uint64(2), suite.ms.Current().Seq)
}

func (suite *ChkptSuite) TestPeriodic() {
	suite.c = MkCoordinator(suite.log, suite.ms, suite.parts, suite.ledger, Tables{}, 2*time.Millisecond)
	suite.Eventually(func() bool { return suite.c.Taken() >= 2 }, 5*time.Second, time.Millisecond)
}

func (suite *ChkptSuite) TestPrepareLockHoldsOffCheckpoint() {
	suite.c = MkCoordinator(suite.log, suite.ms, suite.parts, suite.ledger, Tables{}, 0)
	suite.c.PrepareLock()
	suite.c.PrepareLock()
	done := make(chan error)
	go func() {
		done <- suite.c.WakeupAndTake()
	}()
	time.Sleep(20 * time.Millisecond)
	suite.Equal(uint64(0), suite.c.Taken())
	suite.c.PrepareUnlock()
	suite.c.PrepareUnlock()
	suite.NoError(<-done)
}

func (suite *ChkptSuite) TestRetireWakesWaiters() {
	suite.c = MkCoordinator(suite.log, suite.ms, suite.parts, suite.ledger, Tables{}, 0)
	suite.c.PrepareLock()
	done := make(chan error)
	go func() {
		done <- suite.c.WakeupAndTake()
	}()
	time.Sleep(10 * time.Millisecond)
	go suite.c.Retire()
	suite.ErrorIs(<-done, ErrRetired)
	suite.c.PrepareUnlock()
}

func TestChunks(t *testing.T) {
	var es []dirtyEntry
	for i := 0; i < 3000; i++ {
		es = append(es, dirtyEntry{Page: uint64(i) * 1e12, RecLSN: lsn.New(9, uint64(i)).Pack()})
	}
	payloads := chunks(es, dirtyEntryMax)
	per := perChunk(dirtyEntryMax)
	assert.Equal(t, chunkCount(len(es), dirtyEntryMax), len(payloads))
	assert.Equal(t, (len(es)+per-1)/per, len(payloads))

	var total int64
	var got []DirtyPage
	for i, p := range payloads {
		assert.LessOrEqual(t, uint64(len(p)), record.MaxPayload)
		total += int64(len(p)) + int64(record.HeaderSize)
		r := record.New(record.TypeChkptDirtyPages, record.FlagSystem, 0, lsn.Null, p)
		ps, err := DecodeDirtyPages(r)
		require.NoError(t, err)
		if i < len(payloads)-1 {
			assert.Len(t, ps, per, "every chunk but the last is full")
		}
		got = append(got, ps...)
	}
	require.Len(t, got, len(es))
	assert.Equal(t, lsn.New(9, 2999), got[2999].RecLSN)
	assert.LessOrEqual(t, total, chunkBytes(len(es), dirtyEntryMax))

	assert.Nil(t, chunks([]dirtyEntry(nil), dirtyEntryMax))
	assert.Equal(t, 0, chunkCount(0, dirtyEntryMax))
	assert.Equal(t, int64(0), chunkBytes(0, dirtyEntryMax))
}

func TestMountChunksHoldLongNames(t *testing.T) {
	var ms []mountEntry
	for i := 0; i < MaxMounts; i++ {
		ms = append(ms, mountEntry{Vol: uint32(i), Dev: strings.Repeat("d", MaxDevName)})
	}
	payloads := chunks(ms, mountEntryMax)
	assert.Equal(t, chunkCount(MaxMounts, mountEntryMax), len(payloads))
	for _, p := range payloads {
		assert.LessOrEqual(t, uint64(len(p)), record.MaxPayload)
	}
}

func TestMaxSizeGrows(t *testing.T) {
	assert.Less(t, MaxSize(10, 10), MaxSize(1000, 10))
	assert.Less(t, MaxSize(10, 10), MaxSize(10, 1000))
	assert.Greater(t, MaxSize(0, 0), int64(record.MaxSize))
}

func TestDecodeWrongType(t *testing.T) {
	r := record.New(record.TypeComment, 0, 0, lsn.Null, nil)
	_, err := DecodeDirtyPages(r)
	assert.Error(t, err)
	_, _, err = DecodeEnd(r)
	assert.Error(t, err)
	assert.Equal(t, "", Describe(r))
}
