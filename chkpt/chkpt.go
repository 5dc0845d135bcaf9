// Package chkpt takes checkpoints of the log.
//
// A checkpoint is a run of records written through the log:
//
//	begin  dirty-pages*  mounts*  xcts*  prepared*  end{master, minRec}
//
// Once the end record is durable the master record is rewritten to point
// at the begin record, and partitions older than the new recovery horizon
// are scavenged.
//
// A single coordinator goroutine takes checkpoints, woken by a ticker or
// by explicit requests. Checkpoints are serialized with each other and
// with transaction prepare records by a dedicated lock.
package chkpt

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/master"
	"github.com/mit-pdos/go-wal/metrics"
	"github.com/mit-pdos/go-wal/partition"
	"github.com/mit-pdos/go-wal/record"
	"github.com/mit-pdos/go-wal/space"
	"github.com/mit-pdos/go-wal/util"
)

var ErrRetired = errors.New("chkpt: coordinator retired")

type State int

const (
	Idle State = iota
	Taking
	Retiring
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Taking:
		return "taking"
	case Retiring:
		return "retiring"
	}
	return "unknown"
}

// Tables are the collaborators a checkpoint enumerates.
type Tables struct {
	Pages  PageCache
	Mounts MountTable
	Xcts   XctTable
}

type Coordinator struct {
	// mu protects the fields below it
	mu       *sync.Mutex
	condWake *sync.Cond
	condDone *sync.Cond
	condShut *sync.Cond
	state    State
	target   uint64
	taken    uint64
	lastErr  error
	nthread  uint64

	// serial orders checkpoints (writers) against prepares (readers)
	serial *sync.RWMutex

	log    Log
	ms     *master.Store
	parts  *partition.Manager
	ledger *space.Ledger
	tables Tables

	interval time.Duration
	done     chan struct{}
}

func mkCoordinator(log Log, ms *master.Store, parts *partition.Manager, ledger *space.Ledger,
	tables Tables, interval time.Duration) *Coordinator {
	mu := new(sync.Mutex)
	c := &Coordinator{
		mu:       mu,
		condWake: sync.NewCond(mu),
		condDone: sync.NewCond(mu),
		condShut: sync.NewCond(mu),
		serial:   new(sync.RWMutex),
		log:      log,
		ms:       ms,
		parts:    parts,
		ledger:   ledger,
		tables:   tables,
		interval: interval,
		done:     make(chan struct{}),
	}
	return c
}

// MkCoordinator starts the checkpoint daemon. A zero interval disables
// periodic checkpoints.
func MkCoordinator(log Log, ms *master.Store, parts *partition.Manager, ledger *space.Ledger,
	tables Tables, interval time.Duration) *Coordinator {
	c := mkCoordinator(log, ms, parts, ledger, tables, interval)
	c.nthread = 1
	go c.daemon()
	if interval > 0 {
		c.nthread++
		go c.ticker()
	}
	return c
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Taken is the number of checkpoints completed so far.
func (c *Coordinator) Taken() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taken
}

// request asks for one more checkpoint that starts after now and
// returns the count that will satisfy it. A checkpoint already in
// progress may have read the tables before the request.
//
// Requires c.mu
func (c *Coordinator) request() uint64 {
	t := c.taken + 1
	if c.state == Taking {
		t++
	}
	if t > c.target {
		c.target = t
	}
	c.condWake.Signal()
	return t
}

// Wakeup asks for a checkpoint without waiting for it.
func (c *Coordinator) Wakeup() {
	c.mu.Lock()
	if c.state != Retiring {
		c.request()
	}
	c.mu.Unlock()
}

// WakeupAndTake asks for a checkpoint and waits until one that started
// after the call has completed.
func (c *Coordinator) WakeupAndTake() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Retiring {
		return ErrRetired
	}
	t := c.request()
	for c.taken < t && c.state != Retiring {
		c.condDone.Wait()
	}
	if c.taken < t {
		return ErrRetired
	}
	return c.lastErr
}

// PrepareLock keeps checkpoints out while a transaction writes its
// prepare record. Any number of prepares may hold it at once.
func (c *Coordinator) PrepareLock() {
	c.serial.RLock()
}

func (c *Coordinator) PrepareUnlock() {
	c.serial.RUnlock()
}

// Take runs one checkpoint synchronously in the calling goroutine.
func (c *Coordinator) Take() error {
	c.serial.Lock()
	defer c.serial.Unlock()
	c.mu.Lock()
	if c.state == Retiring {
		c.mu.Unlock()
		return ErrRetired
	}
	c.state = Taking
	c.mu.Unlock()

	start := time.Now()
	m, err := c.take()

	c.mu.Lock()
	c.taken++
	c.lastErr = err
	if c.state == Taking {
		c.state = Idle
	}
	c.condDone.Broadcast()
	c.mu.Unlock()
	if err != nil {
		util.Logger().Warn("checkpoint failed", zap.Error(err))
		return err
	}
	metrics.CheckpointsTotal.Inc()
	metrics.CheckpointDuration.Observe(time.Since(start).Seconds())
	util.Logger().Info("checkpoint",
		zap.Stringer("master", m.MasterLSN),
		zap.Stringer("minRec", m.MinChkptRecLSN),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (c *Coordinator) insert(t record.Type, payload []byte) (lsn.LSN, error) {
	return c.log.InsertChkpt(record.New(t, record.FlagSystem, 0, lsn.Null, payload))
}

func (c *Coordinator) insertChunks(t record.Type, payloads [][]byte) error {
	for _, p := range payloads {
		if _, err := c.insert(t, p); err != nil {
			return err
		}
	}
	return nil
}

// take writes one checkpoint.
//
// Requires the serial lock
func (c *Coordinator) take() (master.Master, error) {
	seq := c.ms.Current().Seq + 1
	masterLSN, err := c.insert(record.TypeChkptBegin,
		mustMarshal(&beginPayload{Seq: seq, UnixNano: time.Now().UnixNano()}))
	if err != nil {
		return master.Master{}, err
	}

	// Dirty pages only get younger, so their minimum read before the
	// transaction table is still a safe bound.
	minRec := lsn.Null
	var dirty []dirtyEntry
	if c.tables.Pages != nil {
		for _, p := range c.tables.Pages.DirtyPages() {
			minRec = lsn.Min(minRec, p.RecLSN)
			dirty = append(dirty, dirtyEntry{Page: p.Page, RecLSN: p.RecLSN.Pack()})
		}
	}
	if err := c.insertChunks(record.TypeChkptDirtyPages, chunks(dirty, dirtyEntryMax)); err != nil {
		return master.Master{}, err
	}

	var mounts []mountEntry
	if c.tables.Mounts != nil {
		for _, m := range c.tables.Mounts.Mounts() {
			mounts = append(mounts, mountEntry{Vol: m.Vol, Dev: m.Dev})
		}
	}
	if err := c.insertChunks(record.TypeChkptMounts, chunks(mounts, mountEntryMax)); err != nil {
		return master.Master{}, err
	}

	minXct := lsn.Null
	var prepared []uint64
	if c.tables.Xcts != nil {
		xt := c.tables.Xcts
		xt.LockList()
		var xcts []xctEntry
		for _, x := range xt.Xcts() {
			st := x.State
			switch st {
			case XctEnded:
				continue
			case XctPreparing, XctAborting:
				st = XctActive
			case XctPrepared:
				prepared = append(prepared, x.Tid)
			}
			minXct = lsn.Min(minXct, x.FirstLSN)
			xcts = append(xcts, xctEntry{
				Tid:      x.Tid,
				State:    uint8(st),
				FirstLSN: x.FirstLSN.Pack(),
				LastLSN:  x.LastLSN.Pack(),
				UndoNext: x.UndoNext.Pack(),
			})
		}
		err := c.insertChunks(record.TypeChkptXcts, chunks(xcts, xctEntryMax))
		xt.UnlockList()
		if err != nil {
			return master.Master{}, err
		}

		for _, tid := range prepared {
			if !xt.Attach(tid) {
				continue
			}
			err := xt.LogPrepared(tid)
			xt.Detach(tid)
			if err != nil {
				return master.Master{}, err
			}
		}
	}

	_, err = c.insert(record.TypeChkptEnd,
		mustMarshal(&endPayload{Master: masterLSN.Pack(), MinRec: minRec.Pack()}))
	if err != nil {
		return master.Master{}, err
	}
	if err := c.log.FlushAll(); err != nil {
		return master.Master{}, err
	}

	m := c.ms.Write(masterLSN, lsn.Min(minRec, minXct), c.parts.Ends())

	n := c.parts.Scavenge(minRec, minXct)
	if !c.ledger.VerifyChkptReservation() {
		util.Logger().Warn("checkpoint reservation short after scavenge",
			zap.Int64("reserved", c.ledger.ReservedForChkpt()),
			zap.Int64("max", c.ledger.MaxChkptSize()))
		if c.tables.Pages != nil {
			c.tables.Pages.ActivateBackgroundFlushing()
		}
	}
	util.DPrintf(1, "chkpt: %d partitions scavenged, %d prepared xcts\n", n, len(prepared))
	return m, nil
}

// daemon takes a checkpoint each time the target passes the number
// taken, until retired.
func (c *Coordinator) daemon() {
	c.mu.Lock()
	for c.state != Retiring {
		if c.taken >= c.target {
			c.condWake.Wait()
			continue
		}
		c.mu.Unlock()
		c.Take()
		c.mu.Lock()
	}
	util.DPrintf(1, "chkpt: retired\n")
	c.nthread -= 1
	c.condShut.Signal()
	c.mu.Unlock()
}

func (c *Coordinator) ticker() {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.Wakeup()
		case <-c.done:
			c.mu.Lock()
			c.nthread -= 1
			c.condShut.Signal()
			c.mu.Unlock()
			return
		}
	}
}

// Retire stops the daemon after any checkpoint in progress and wakes
// everyone waiting for a checkpoint.
func (c *Coordinator) Retire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Retiring {
		return
	}
	c.state = Retiring
	close(c.done)
	c.condWake.Broadcast()
	c.condDone.Broadcast()
	for c.nthread > 0 {
		c.condShut.Wait()
	}
}
