// Package logmgr opens, recovers and closes a log instance and is its
// public entry point.
//
// Open brings the pieces up in dependency order: the master record, the
// partitions (finding the durable end and cutting a torn tail), the space
// ledger, the in-memory log and its flush daemon, the page and
// transaction tables, and the checkpoint coordinator. Close takes them
// down in reverse.
package logmgr

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mit-pdos/go-wal/chkpt"
	"github.com/mit-pdos/go-wal/common"
	"github.com/mit-pdos/go-wal/config"
	"github.com/mit-pdos/go-wal/disk"
	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/master"
	"github.com/mit-pdos/go-wal/pagecache"
	"github.com/mit-pdos/go-wal/partition"
	"github.com/mit-pdos/go-wal/record"
	"github.com/mit-pdos/go-wal/space"
	"github.com/mit-pdos/go-wal/util"
	"github.com/mit-pdos/go-wal/wal"
	"github.com/mit-pdos/go-wal/xct"
)

var ErrClosed = errors.New("logmgr: log is closed")

// Handle is an open log.
type Handle struct {
	mu     *sync.Mutex
	closed bool

	cfg     config.Config
	backend disk.Backend
	ms      *master.Store
	parts   *partition.Manager
	ledger  *space.Ledger
	log     *wal.Log
	pages   *pagecache.Cache
	xcts    *xct.Table
	mounts  *mountTable
	coord   *chkpt.Coordinator
}

// Open opens the log in cfg.Dir, creating it if needed.
func Open(cfg config.Config) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := disk.NewFileBackend(cfg.Dir)
	if err != nil {
		return nil, err
	}
	h, err := OpenBackend(backend, cfg)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return h, nil
}

// OpenBackend opens the log stored in backend. The handle owns backend
// from then on.
func OpenBackend(backend disk.Backend, cfg config.Config) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, err := backend.MasterDisk(common.MASTERFILENAME, common.MASTERBLOCKS)
	if err != nil {
		return nil, fmt.Errorf("open master: %w", err)
	}
	ms, err := master.Open(d)
	if err != nil {
		d.Close()
		return nil, err
	}
	parts, err := partition.Open(backend, ms, partition.Options{
		Count:            cfg.PartitionCount,
		PartitionSize:    cfg.PartitionSize,
		CloseMinAttempts: cfg.CloseMinAttempts,
		CloseMinBackoff:  cfg.CloseMinBackoff,
	})
	if err != nil {
		ms.Close()
		return nil, err
	}

	maxChkpt := cfg.MaxChkptSize()
	ledger := space.MkLedger(int64(cfg.PartitionCount)*parts.DataSize(), parts.InUse(),
		func() int64 { return maxChkpt }, cfg.SpaceWaitTimeout)
	parts.SetLedger(ledger)
	if !ledger.VerifyChkptReservation() {
		util.Logger().Warn("checkpoint reservation short at open",
			zap.Int64("reserved", ledger.ReservedForChkpt()), zap.Int64("max", maxChkpt))
	}

	log := wal.MkLog(parts, ledger, wal.Options{
		BufferSize:    cfg.BufferSize,
		FlushInterval: cfg.FlushInterval,
	})
	pages := pagecache.MkCache(cfg.BufferPoolPages, log)
	xcts := xct.MkTable(log, pages, cfg.MaxActiveXcts)
	mounts := mkMountTable()
	coord := chkpt.MkCoordinator(log, ms, parts, ledger, chkpt.Tables{
		Pages:  pages,
		Mounts: mounts,
		Xcts:   xcts,
	}, cfg.CheckpointInterval)
	xcts.SetSerializer(coord)

	// a producer or a rotation that finds the log full asks for the
	// recovery horizon to move
	kick := func() {
		pages.ActivateBackgroundFlushing()
		coord.Wakeup()
	}
	parts.SetKick(kick)
	log.SetKick(kick)

	h := &Handle{
		mu:      new(sync.Mutex),
		cfg:     cfg,
		backend: backend,
		ms:      ms,
		parts:   parts,
		ledger:  ledger,
		log:     log,
		pages:   pages,
		xcts:    xcts,
		mounts:  mounts,
		coord:   coord,
	}
	util.Logger().Info("log open",
		zap.Stringer("end", parts.End()),
		zap.Stringer("master", ms.Current()),
		zap.Int64("available", ledger.Available()))
	return h, nil
}

func (h *Handle) Config() config.Config {
	return h.cfg
}

func (h *Handle) Insert(r *record.Record) (lsn.LSN, error) {
	return h.log.Insert(r)
}

// TryInsert fails with wal.ErrOutOfLogSpace instead of waiting for space.
func (h *Handle) TryInsert(r *record.Record) (lsn.LSN, error) {
	return h.log.TryInsert(r)
}

func (h *Handle) Flush(target lsn.LSN) error {
	return h.log.Flush(target)
}

func (h *Handle) FlushAll() error {
	return h.log.FlushAll()
}

func (h *Handle) Fetch(at lsn.LSN) (*record.Record, error) {
	return h.log.Fetch(at)
}

func (h *Handle) Compensate(orig lsn.LSN, undoNext lsn.LSN) error {
	return h.log.Compensate(orig, undoNext)
}

func (h *Handle) CurrLSN() lsn.LSN {
	return h.log.CurrLSN()
}

func (h *Handle) DurableLSN() lsn.LSN {
	return h.log.DurableLSN()
}

// Begin starts a transaction.
func (h *Handle) Begin() (*xct.Xct, error) {
	return h.xcts.Begin()
}

func (h *Handle) Pages() *pagecache.Cache {
	return h.pages
}

func (h *Handle) Master() master.Master {
	return h.ms.Current()
}

// Live lists the partitions that still hold log.
func (h *Handle) Live() []common.PartNum {
	return h.parts.Live()
}

func (h *Handle) SpaceAvailable() int64 {
	return h.ledger.Available()
}

func (h *Handle) SpaceReservedForChkpt() int64 {
	return h.ledger.ReservedForChkpt()
}

// RequestCheckpoint asks for a checkpoint without waiting.
func (h *Handle) RequestCheckpoint() {
	h.coord.Wakeup()
}

// Checkpoint takes a checkpoint and waits for it.
func (h *Handle) Checkpoint() error {
	return h.coord.WakeupAndTake()
}

func (h *Handle) Mount(vol uint32, dev string) error {
	return h.mounts.mount(vol, dev)
}

func (h *Handle) Unmount(vol uint32) {
	h.mounts.unmount(vol)
}

// Scan calls fn on every durable record from from on, in log order. A
// null from starts at the oldest live partition. fn returning an error
// stops the scan with that error.
func (h *Handle) Scan(from lsn.LSN, fn func(r *record.Record) error) error {
	at := from
	if at.IsNull() {
		live := h.parts.Live()
		if len(live) == 0 {
			return nil
		}
		at = lsn.First(live[0])
	}
	for {
		r, err := h.log.Fetch(at)
		if errors.Is(err, wal.ErrEndOfLog) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		at = r.Self().Advance(int64(r.Len()))
	}
}

// Close retires the checkpoint coordinator, drains the log and releases
// the backend. Records inserted before Close are durable after it.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.closed = true
	h.mu.Unlock()

	h.coord.Retire()
	h.xcts.Shutdown()
	h.pages.Shutdown()
	h.log.Shutdown()
	h.parts.Close()
	h.ms.Close()
	util.Logger().Info("log closed", zap.Stringer("durable", h.log.DurableLSN()))
	return h.backend.Close()
}

type mountTable struct {
	mu     *sync.Mutex
	mounts map[uint32]string
}

func mkMountTable() *mountTable {
	return &mountTable{mu: new(sync.Mutex), mounts: make(map[uint32]string)}
}

func (m *mountTable) mount(vol uint32, dev string) error {
	if len(dev) > chkpt.MaxDevName {
		return fmt.Errorf("logmgr: device name of %d bytes", len(dev))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mounts[vol]; !ok && len(m.mounts) >= chkpt.MaxMounts {
		return fmt.Errorf("logmgr: more than %d mounts", chkpt.MaxMounts)
	}
	m.mounts[vol] = dev
	return nil
}

func (m *mountTable) unmount(vol uint32) {
	m.mu.Lock()
	delete(m.mounts, vol)
	m.mu.Unlock()
}

func (m *mountTable) Mounts() []chkpt.Mount {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chkpt.Mount
	for vol, dev := range m.mounts {
		out = append(out, chkpt.Mount{Vol: vol, Dev: dev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Vol < out[j].Vol })
	return out
}
