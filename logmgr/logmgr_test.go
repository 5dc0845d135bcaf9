package logmgr

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-wal/chkpt"
	"github.com/mit-pdos/go-wal/common"
	"github.com/mit-pdos/go-wal/config"
	"github.com/mit-pdos/go-wal/disk"
	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/record"
)

func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.Dir = dir
	cfg.PartitionCount = 4
	cfg.PartitionSize = 16 * common.BlockSize
	cfg.BufferSize = 8 * common.BlockSize
	cfg.FlushInterval = 5 * time.Millisecond
	cfg.CheckpointInterval = 0
	cfg.CloseMinBackoff = time.Millisecond
	cfg.SpaceWaitTimeout = 10 * time.Millisecond
	cfg.BufferPoolPages = 8
	cfg.MaxActiveXcts = 4
	return cfg
}

func comment(s string) *record.Record {
	return record.New(record.TypeComment, 0, 1, lsn.Null, []byte(s))
}

type LogmgrSuite struct {
	suite.Suite
	backend *disk.MemBackend
	h       *Handle
}

func (suite *LogmgrSuite) open() {
	h, err := OpenBackend(suite.backend, testConfig("mem"))
	suite.Require().NoError(err)
	suite.h = h
}

func (suite *LogmgrSuite) SetupTest() {
	suite.backend = disk.NewMemBackend()
	suite.open()
}

func (suite *LogmgrSuite) TearDownTest() {
	suite.h.Close()
}

func (suite *LogmgrSuite) reopen() {
	suite.Require().NoError(suite.h.Close())
	suite.open()
}

func TestLogmgr(t *testing.T) {
	suite.Run(t, new(LogmgrSuite))
}

func (suite *LogmgrSuite) insert(r *record.Record) lsn.LSN {
	at, err := suite.h.Insert(r)
	suite.Require().NoError(err)
	return at
}

func (suite *LogmgrSuite) scan(from lsn.LSN) []*record.Record {
	var rs []*record.Record
	suite.Require().NoError(suite.h.Scan(from, func(r *record.Record) error {
		rs = append(rs, r)
		return nil
	}))
	return rs
}

func (suite *LogmgrSuite) TestReopenKeepsRecords() {
	var ats []lsn.LSN
	for i := 0; i < 10; i++ {
		ats = append(ats, suite.insert(comment(fmt.Sprintf("record %d", i))))
	}
	end := suite.h.CurrLSN()
	suite.reopen()

	suite.Equal(end, suite.h.CurrLSN(), "log resumes at the durable end")
	rs := suite.scan(lsn.Null)
	suite.Require().Len(rs, 10)
	for i, r := range rs {
		suite.Equal(ats[i], r.Self())
		suite.Equal([]byte(fmt.Sprintf("record %d", i)), r.Payload())
	}

	at := suite.insert(comment("after"))
	suite.Equal(end, at)
	suite.Require().NoError(suite.h.Flush(at))
	r, err := suite.h.Fetch(at)
	suite.Require().NoError(err)
	suite.Equal([]byte("after"), r.Payload())
}

func (suite *LogmgrSuite) TestScanStops() {
	suite.insert(comment("a"))
	suite.insert(comment("b"))
	suite.Require().NoError(suite.h.FlushAll())
	n := 0
	err := suite.h.Scan(lsn.Null, func(r *record.Record) error {
		n++
		return fmt.Errorf("stop")
	})
	suite.EqualError(err, "stop")
	suite.Equal(1, n)
}

func (suite *LogmgrSuite) TestCheckpointTracksHorizon() {
	suite.Require().NoError(suite.h.Mount(1, "/dev/vol1"))
	x, err := suite.h.Begin()
	suite.Require().NoError(err)
	u, err := x.Update(42, []byte("data"))
	suite.Require().NoError(err)

	suite.Require().NoError(suite.h.Checkpoint())
	m := suite.h.Master()
	suite.Equal(u, m.MinChkptRecLSN)
	suite.Equal(u, m.GlobalMin())

	var mounts []chkpt.Mount
	for _, r := range suite.scan(m.MasterLSN) {
		if r.Type() == record.TypeChkptMounts {
			ms, err := chkpt.DecodeMounts(r)
			suite.Require().NoError(err)
			mounts = append(mounts, ms...)
		}
	}
	suite.Equal([]chkpt.Mount{{Vol: 1, Dev: "/dev/vol1"}}, mounts)

	suite.Require().NoError(x.Commit(true))
	_, err = suite.h.Pages().WriteBackAll()
	suite.Require().NoError(err)
	suite.Require().NoError(suite.h.Checkpoint())
	m2 := suite.h.Master()
	suite.Equal(m.Seq+1, m2.Seq)
	suite.Equal(lsn.Null, m2.MinChkptRecLSN)
	suite.Equal(m2.MasterLSN, m2.GlobalMin())
}

func (suite *LogmgrSuite) TestFullLogCheckpointsItself() {
	total := int64(suite.h.Config().PartitionCount) * suite.h.Config().DataSize()
	var last lsn.LSN
	for written := int64(0); written < 3*total; written += 1000 {
		last = suite.insert(record.New(record.TypeComment, 0, 1, lsn.Null,
			make([]byte, 1000-record.HeaderSize)))
	}
	suite.Require().NoError(suite.h.Flush(last))
	suite.Greater(last.File, common.PartNum(suite.h.Config().PartitionCount),
		"partition slots were recycled")
	suite.LessOrEqual(len(suite.h.Live()), suite.h.Config().PartitionCount)
	suite.Positive(suite.h.Master().Seq, "the full log asked for checkpoints")
	suite.GreaterOrEqual(suite.h.SpaceAvailable(), int64(0))

	found := false
	prev := lsn.Null
	for _, r := range suite.scan(lsn.Null) {
		suite.True(prev.Less(r.Self()), "scan is in log order")
		prev = r.Self()
		found = found || r.Self() == last
	}
	suite.True(found, "scan reaches the last insert")
}

func (suite *LogmgrSuite) TestTryInsert() {
	at, err := suite.h.TryInsert(comment("x"))
	suite.Require().NoError(err)
	suite.Require().NoError(suite.h.FlushAll())
	r, err := suite.h.Fetch(at)
	suite.Require().NoError(err)
	suite.Equal(at, r.Self())
}

func (suite *LogmgrSuite) TestCompensate() {
	a := suite.insert(record.New(record.TypeUpdate, record.FlagUndo, 3, lsn.Null, nil))
	b := suite.insert(record.New(record.TypeUpdate, record.FlagUndo, 3, a, nil))
	err := suite.h.Compensate(b, lsn.Null)
	if err == nil {
		suite.Require().NoError(suite.h.FlushAll())
		r, err := suite.h.Fetch(b)
		suite.Require().NoError(err)
		suite.Equal(lsn.Null, r.UndoNext())
	} else {
		// the flush daemon got there first
		suite.Require().NoError(suite.h.FlushAll())
	}
}

func (suite *LogmgrSuite) TestCloseTwice() {
	suite.Require().NoError(suite.h.Close())
	suite.ErrorIs(suite.h.Close(), ErrClosed)
	suite.open()
}

func (suite *LogmgrSuite) TestMountLimits() {
	long := make([]byte, chkpt.MaxDevName+1)
	suite.Error(suite.h.Mount(1, string(long)))
	for i := 0; i < chkpt.MaxMounts; i++ {
		suite.Require().NoError(suite.h.Mount(uint32(i), "d"))
	}
	suite.Error(suite.h.Mount(chkpt.MaxMounts, "d"))
	suite.h.Unmount(0)
	suite.NoError(suite.h.Mount(chkpt.MaxMounts, "d"))
}

func TestFileBackend(t *testing.T) {
	cfg := testConfig(t.TempDir())
	h, err := Open(cfg)
	require.NoError(t, err)

	_, err = Open(cfg)
	assert.Error(t, err, "log directory is locked")

	at, err := h.Insert(comment("on disk"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h, err = Open(cfg)
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Flush(at))
	r, err := h.Fetch(at)
	require.NoError(t, err)
	assert.Equal(t, []byte("on disk"), r.Payload())
}

func TestOpenRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.PartitionCount = 1
	_, err := Open(cfg)
	assert.ErrorIs(t, err, config.ErrInvalid)
}
