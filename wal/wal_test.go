package wal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/mit-pdos/go-wal/common"
	"github.com/mit-pdos/go-wal/disk"
	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/master"
	"github.com/mit-pdos/go-wal/partition"
	"github.com/mit-pdos/go-wal/record"
	"github.com/mit-pdos/go-wal/space"
)

const (
	testPartSize = 16 * common.BlockSize
	testBufSize  = 8 * common.BlockSize
	testCount    = 4
)

type logWrapper struct {
	assert *assert.Assertions
	*Log
}

func (l logWrapper) Insert(r *record.Record) lsn.LSN {
	at, err := l.Log.Insert(r)
	l.assert.NoError(err, "insert of %d bytes", r.Len())
	return at
}

// logOnce runs one round of the flush daemon by hand.
func (l logWrapper) logOnce() {
	l.Log.memLock.Lock()
	defer l.Log.memLock.Unlock()
	l.assert.True(l.logAppend(), "expected to make progress")
}

func (l logWrapper) fetch(at lsn.LSN) *record.Record {
	r, err := l.Log.Fetch(at)
	l.assert.NoError(err, "fetch %v", at)
	return r
}

type WalSuite struct {
	suite.Suite
	backend *disk.MemBackend
	ms      *master.Store
	parts   *partition.Manager
	ledger  *space.Ledger
	l       logWrapper
	threads bool
}

func (suite *WalSuite) openParts() {
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
		func() int64 { return common.BlockSize }, 10*time.Millisecond)
	suite.parts.SetLedger(suite.ledger)
}

func (suite *WalSuite) openLog() {
	opts := Options{BufferSize: testBufSize, FlushInterval: 5 * time.Millisecond}
	var l *Log
	if suite.threads {
		l = MkLog(suite.parts, suite.ledger, opts)
	} else {
		l = mkLog(suite.parts, suite.ledger, opts)
	}
	suite.l = logWrapper{assert: suite.Assert(), Log: l}
}

func (suite *WalSuite) SetupTest() {
	suite.backend = disk.NewMemBackend()
	suite.threads = true
	suite.openParts()
	suite.openLog()
}

func (suite *WalSuite) TearDownTest() {
	if suite.threads {
		suite.l.Shutdown()
	}
}

// background threads off, for tests that drive the daemon by hand
func (suite *WalSuite) manual() {
	suite.l.Shutdown()
	suite.backend = disk.NewMemBackend()
	suite.threads = false
	suite.openParts()
	suite.openLog()
}

func (suite *WalSuite) restart() {
	suite.l.Shutdown()
	suite.parts.Close()
	suite.openParts()
	suite.openLog()
}

func TestWal(t *testing.T) {
	suite.Run(t, new(WalSuite))
}

func comment(payload string) *record.Record {
	return record.New(record.TypeComment, 0, 1, lsn.Null, []byte(payload))
}

func sized(n int) *record.Record {
	return record.New(record.TypeComment, 0, 2, lsn.Null, make([]byte, n-int(record.HeaderSize)))
}

func (suite *WalSuite) TestInsertFlushFetch() {
	l := suite.l
	a := comment("AAAAAAAAAA")
	b := comment("BBBBBBBBBB")
	la := l.Insert(a)
	lb := l.Insert(b)
	suite.Equal(lsn.First(1), la)
	suite.Equal(la.Advance(int64(a.Len())), lb)
	suite.Equal(lb, b.Self(), "insert stamps the self-check LSN")

	suite.NoError(l.FlushAll())
	suite.Equal(lb.Advance(int64(b.Len())), l.DurableLSN())
	suite.Equal(a.Bytes(), l.fetch(la).Bytes())
	suite.Equal([]byte("BBBBBBBBBB"), l.fetch(lb).Payload())

	_, err := l.Log.Fetch(l.DurableLSN())
	suite.ErrorIs(err, ErrEndOfLog)
}

func (suite *WalSuite) TestFlushTarget() {
	l := suite.l
	la := l.Insert(comment("first"))
	l.Insert(comment("second"))
	suite.NoError(l.Flush(la))
	suite.True(la.Less(l.DurableLSN()))
	suite.NoError(l.Flush(lsn.New(1, 1<<30)), "target past the end waits for everything")
	suite.Equal(l.CurrLSN(), l.DurableLSN())
}

func (suite *WalSuite) TestPartitionSwitch() {
	l := suite.l
	size := 4048
	var lsns []lsn.LSN
	before := suite.ledger.Available()
	for {
		at := l.Insert(sized(size))
		lsns = append(lsns, at)
		if at.File != 1 {
			break
		}
	}
	n := len(lsns)
	last := lsns[n-1]
	suite.Equal(lsn.First(2), last, "record lands whole in the next partition")
	suite.NoError(l.FlushAll())

	prevEnd := lsns[n-2].Advance(int64(size))
	consumed := before - suite.ledger.Available()
	suite.Equal(suite.parts.DataSize()+int64(size), consumed,
		"the unused tail of partition 1 is charged to the ledger")

	f, err := suite.backend.Open(partition.FileName(1), false)
	suite.Require().NoError(err)
	hdr := make([]byte, record.HeaderSize)
	f.ReadAt(hdr, int64(prevEnd.Offset))
	h, err := record.DecodeHeader(hdr)
	suite.Require().NoError(err)
	suite.Equal(record.TypeSkip, h.Type)

	r, err := l.Log.Fetch(prevEnd)
	suite.Require().NoError(err)
	suite.Equal(last, r.Self(), "fetch follows the skip record")
}

func (suite *WalSuite) TestCompensateBeforeFlush() {
	suite.manual()
	l := suite.l
	la := l.Insert(comment("A"))
	x := record.New(record.TypeUpdate, record.FlagUndo, 7, la, []byte("X"))
	lx := l.Insert(x)

	suite.NoError(l.Compensate(lx, la))
	l.logOnce()
	suite.Equal(la, l.fetch(lx).UndoNext())
}

func (suite *WalSuite) TestCompensateAfterFlush() {
	suite.manual()
	l := suite.l
	la := l.Insert(comment("A"))
	ly := l.Insert(record.New(record.TypeUpdate, record.FlagUndo, 7, la, []byte("Y")))
	l.logOnce()
	suite.ErrorIs(l.Compensate(ly, la), ErrBadCompensation)
	suite.Equal(la, l.fetch(ly).UndoNext(), "durable bytes are untouched")
}

func (suite *WalSuite) TestCompensateSanity() {
	suite.manual()
	l := suite.l
	la := l.Insert(comment("A"))
	lu := l.Insert(record.New(record.TypeUpdate, record.FlagUndo, 7, la, nil))
	lc := l.Insert(record.New(record.TypeChkptBegin, 0, 0, lsn.Null, nil))
	ls := l.Insert(record.New(record.TypeUpdate, record.FlagSystem, 7, la, nil))

	suite.Panics(func() { l.Compensate(lu, lu) })
	suite.ErrorIs(l.Compensate(lu, lu.Advance(1)), ErrBadCompensation, "prev below undo-next")
	suite.ErrorIs(l.Compensate(lc, la), ErrBadCompensation, "checkpoint records")
	suite.ErrorIs(l.Compensate(ls, la), ErrBadCompensation, "system records")
	suite.ErrorIs(l.Compensate(l.CurrLSN(), la), ErrBadCompensation, "nothing there yet")
	suite.ErrorIs(l.Compensate(lu.Advance(8), la), ErrBadCompensation, "not a record boundary")
	suite.NoError(l.Compensate(lu, la))
}

func (suite *WalSuite) TestWrapSameFile() {
	suite.manual()
	l := suite.l
	max := int(record.MaxSize)
	l.Insert(sized(max))
	l.Insert(sized(max))
	l.Insert(sized(int(testBufSize) - 2*max - 20))
	suite.Equal(lsn.New(1, uint64(testBufSize-20)), l.CurrLSN())
	l.logOnce()

	x := record.New(record.TypeUpdate, record.FlagUndo, 3, lsn.New(1, 0), []byte("straddles the wrap"))
	lx := l.Insert(x)
	suite.True(l.old.Pending(), "wrap froze the old epoch")
	suite.ErrorIs(l.Compensate(lx, lsn.New(1, 0)), ErrBadCompensation)

	l.logOnce()
	suite.Equal(x.Bytes(), l.fetch(lx).Bytes())
	suite.Equal(l.CurrLSN(), l.DurableLSN())
	suite.False(l.old.Pending())
}

func (suite *WalSuite) TestBufferFullWaitsForDaemon() {
	l := suite.l
	var lsns []lsn.LSN
	// three partitions worth, so no slot has to be recycled
	for i := 0; i < 12; i++ {
		lsns = append(lsns, l.Insert(sized(int(record.MaxSize))))
	}
	suite.NoError(l.FlushAll())
	for _, at := range lsns {
		suite.Equal(at, l.fetch(at).Self())
	}
}

func (suite *WalSuite) TestOutOfSpaceWaits() {
	l := suite.l
	kicked := atomic.NewInt32(0)
	l.SetKick(func() { kicked.Inc() })

	var err error
	for err == nil {
		_, err = l.TryInsert(sized(1000))
	}
	suite.ErrorIs(err, ErrOutOfLogSpace)
	suite.True(suite.ledger.Available() < 1000)

	done := make(chan lsn.LSN)
	go func() {
		done <- l.Insert(sized(1000))
	}()
	select {
	case <-done:
		suite.FailNow("insert did not wait for space")
	case <-time.After(30 * time.Millisecond):
	}
	suite.True(kicked.Load() > 0, "waiting insert kicks the checkpoint")

	// a checkpoint moves the horizon and scavenging credits the space
	suite.NoError(l.FlushAll())
	cur := l.CurrLSN()
	suite.ms.Write(cur, cur, suite.parts.Ends())
	suite.Equal(testCount-1, suite.parts.Scavenge(lsn.Null, lsn.Null))
	select {
	case at := <-done:
		suite.NoError(l.FlushAll())
		suite.Equal(at, l.fetch(at).Self())
	case <-time.After(5 * time.Second):
		suite.FailNow("insert still blocked after release")
	}
}

func (suite *WalSuite) TestConcurrentInserts() {
	l := suite.l
	const nthread = 8
	const nrec = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := make(map[lsn.LSN]int)
	for i := 0; i < nthread; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			last := lsn.Null
			for j := 0; j < nrec; j++ {
				r := sized(int(record.HeaderSize) + (i*31+j*17)%200)
				at, err := l.Log.Insert(r)
				if !assert.NoError(suite.T(), err) {
					return
				}
				assert.True(suite.T(), last.Less(at), "lsns grow per thread")
				last = at
				if j%10 == 0 {
					assert.NoError(suite.T(), l.Flush(at))
					assert.True(suite.T(), at.Less(l.DurableLSN()))
				}
				mu.Lock()
				inserted[at] = int(r.Len())
				mu.Unlock()
			}
		}(i)
	}
	durables := make(chan lsn.LSN, 1000)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				close(durables)
				return
			default:
				durables <- l.DurableLSN()
				time.Sleep(time.Millisecond)
			}
		}
	}()
	wg.Wait()
	suite.NoError(l.FlushAll())
	close(stop)
	prev := lsn.Null
	for d := range durables {
		suite.True(prev.LessEq(d), "durable lsn never goes back")
		prev = d
	}

	suite.Equal(l.CurrLSN(), l.DurableLSN())
	at := lsn.First(1)
	count := 0
	for {
		r, err := l.Log.Fetch(at)
		if err == ErrEndOfLog {
			break
		}
		suite.Require().NoError(err)
		suite.Equal(inserted[r.Self()], int(r.Len()))
		count++
		at = r.Self().Advance(int64(r.Len()))
	}
	suite.Equal(nthread*nrec, count)
	suite.Equal(l.CurrLSN(), at)
}

func (suite *WalSuite) TestRestart() {
	l := suite.l
	la := l.Insert(comment("before restart"))
	suite.NoError(l.FlushAll())
	end := l.CurrLSN()

	suite.restart()
	l = suite.l
	suite.Equal(end, l.CurrLSN())
	suite.Equal(end, l.DurableLSN())
	lb := l.Insert(comment("after restart"))
	suite.Equal(end, lb)
	suite.NoError(l.FlushAll())
	suite.Equal([]byte("before restart"), l.fetch(la).Payload())
	suite.Equal([]byte("after restart"), l.fetch(lb).Payload())
}

func (suite *WalSuite) TestUnflushedLostOnCrash() {
	suite.manual()
	l := suite.l
	la := l.Insert(comment("durable"))
	l.logOnce()
	l.Insert(comment("lost"))
	suite.backend.Crash()

	suite.parts.Close()
	suite.openParts()
	suite.openLog()
	suite.Equal(la.Advance(int64(comment("durable").Len())), suite.l.CurrLSN())
}

func (suite *WalSuite) TestShutdown() {
	l := suite.l
	l.Insert(comment("drained on shutdown"))
	l.Shutdown()
	suite.Equal(l.CurrLSN(), l.DurableLSN())
	_, err := l.Log.Insert(comment("late"))
	suite.ErrorIs(err, ErrShutdown)
	suite.NoError(l.FlushAll())
}

// A flush of everything inserted so far is satisfied once that prefix is
// durable, even if later inserts are still buffered.
func (suite *WalSuite) TestFlushAllIgnoresLaterInserts() {
	suite.manual()
	l := suite.l
	for i := 0; i < 4; i++ {
		l.Insert(sized(int(record.MaxSize)))
		l.logOnce()
	}
	a := l.Insert(sized(10000))
	end := l.CurrLSN()
	suite.Equal(a.File, end.File)

	done := make(chan error, 1)
	go func() { done <- l.flushTo(end) }()

	// does not fit in the rest of partition 1
	b := l.Insert(sized(4000))
	suite.Equal(lsn.First(a.File+1), b)

	// the first round writes only the tail of partition 1
	l.logOnce()
	select {
	case err := <-done:
		suite.NoError(err)
	case <-time.After(5 * time.Second):
		suite.FailNow("flush waited for a later insert")
	}
	suite.Equal(end, l.DurableLSN())

	l.logOnce()
	suite.NoError(l.FlushAll())
	suite.Equal(b.Advance(4000), l.DurableLSN())
}
