// Package xct is an in-memory transaction table standing in for the
// transaction manager.
//
// A transaction logs page updates through the log, chaining its records
// by prev LSN, and can roll back to a savepoint, prepare, commit or
// abort. Rolling back logs a compensation record per undone update and
// then points the transaction's undo chain at the savepoint, rewriting
// the last record in place when it is still buffered.
//
// An Xct is owned by one goroutine; the table may be read concurrently
// by a checkpoint.
package xct

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-wal/chkpt"
	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/pagecache"
	"github.com/mit-pdos/go-wal/record"
	"github.com/mit-pdos/go-wal/util"
	"github.com/mit-pdos/go-wal/wal"
)

type TransId = uint64

var (
	ErrNotActive = errors.New("xct: transaction not active")
	ErrShutdown  = errors.New("xct: table shut down")
)

// Log is the part of the log transactions write through.
type Log interface {
	Insert(r *record.Record) (lsn.LSN, error)
	InsertChkpt(r *record.Record) (lsn.LSN, error)
	Flush(target lsn.LSN) error
	Compensate(orig lsn.LSN, undoNext lsn.LSN) error
}

// Serializer orders prepare records against checkpoints.
type Serializer interface {
	PrepareLock()
	PrepareUnlock()
}

type Table struct {
	// mu is the list lock; it protects the fields below it
	mu       *sync.Mutex
	condSlot *sync.Cond
	nextId   TransId
	xcts     map[TransId]*Xct
	shutdown bool

	maxActive int
	log       Log
	pages     *pagecache.Cache
	serial    Serializer
}

func MkTable(log Log, pages *pagecache.Cache, maxActive int) *Table {
	if maxActive <= 0 {
		panic("xct: maxActive must be positive")
	}
	mu := new(sync.Mutex)
	return &Table{
		mu:        mu,
		condSlot:  sync.NewCond(mu),
		xcts:      make(map[TransId]*Xct),
		maxActive: maxActive,
		log:       log,
		pages:     pages,
	}
}

// SetSerializer installs the lock prepares take; it is set once the
// checkpoint coordinator exists.
func (t *Table) SetSerializer(s Serializer) {
	t.mu.Lock()
	t.serial = s
	t.mu.Unlock()
}

// GetTransId returns a unique id for a transaction; 0 is never used.
//
// Requires t.mu
func (t *Table) GetTransId() TransId {
	var id = t.nextId
	if id == 0 { // skip 0
		t.nextId += 1
		id = 1
	}
	t.nextId += 1
	return id
}

func (t *Table) MaxActive() int {
	return t.maxActive
}

func (t *Table) NumActive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.xcts)
}

// Begin starts a transaction, waiting while the table is full.
func (t *Table) Begin() (*Xct, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.xcts) >= t.maxActive && !t.shutdown {
		t.condSlot.Wait()
	}
	if t.shutdown {
		return nil, ErrShutdown
	}
	xmu := new(sync.Mutex)
	x := &Xct{
		t:          t,
		mu:         xmu,
		condAttach: sync.NewCond(xmu),
		tid:        t.GetTransId(),
		state:      chkpt.XctActive,
	}
	t.xcts[x.tid] = x
	util.DPrintf(3, "xct: begin %d\n", x.tid)
	return x, nil
}

func (t *Table) remove(x *Xct) {
	t.mu.Lock()
	delete(t.xcts, x.tid)
	t.condSlot.Signal()
	t.mu.Unlock()
}

// Shutdown fails waiting and future Begins.
func (t *Table) Shutdown() {
	t.mu.Lock()
	t.shutdown = true
	t.condSlot.Broadcast()
	t.mu.Unlock()
}

func (t *Table) LockList() {
	t.mu.Lock()
}

func (t *Table) UnlockList() {
	t.mu.Unlock()
}

// Xcts lists the live transactions.
//
// Requires the list lock
func (t *Table) Xcts() []chkpt.XctInfo {
	var out []chkpt.XctInfo
	for _, x := range t.xcts {
		out = append(out, x.info())
	}
	return out
}

func (t *Table) lookup(tid TransId) *Xct {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.xcts[tid]
}

// Attach claims a prepared transaction so a checkpoint can log it.
func (t *Table) Attach(tid TransId) bool {
	x := t.lookup(tid)
	if x == nil {
		return false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != chkpt.XctPrepared || x.attached {
		return false
	}
	x.attached = true
	return true
}

func (t *Table) Detach(tid TransId) {
	x := t.lookup(tid)
	if x == nil {
		return
	}
	x.mu.Lock()
	x.attached = false
	x.condAttach.Broadcast()
	x.mu.Unlock()
}

// LogPrepared re-logs the prepare record of an attached transaction as
// part of a checkpoint.
func (t *Table) LogPrepared(tid TransId) error {
	x := t.lookup(tid)
	if x == nil {
		return fmt.Errorf("xct %d: %w", tid, ErrNotActive)
	}
	_, err := t.log.InsertChkpt(x.prepareRecord())
	return err
}

type undoEntry struct {
	at   lsn.LSN
	page uint64
}

type Xct struct {
	t   *Table
	tid TransId

	// mu protects the fields below; the owner holds it only briefly
	mu         *sync.Mutex
	condAttach *sync.Cond
	state      chkpt.XctState
	first      lsn.LSN
	last       lsn.LSN
	undoNext   lsn.LSN
	attached   bool

	undo []undoEntry // owner only
}

func (x *Xct) Tid() TransId {
	return x.tid
}

func (x *Xct) info() chkpt.XctInfo {
	x.mu.Lock()
	defer x.mu.Unlock()
	return chkpt.XctInfo{
		Tid:      x.tid,
		State:    x.state,
		FirstLSN: x.first,
		LastLSN:  x.last,
		UndoNext: x.undoNext,
	}
}

func (x *Xct) State() chkpt.XctState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

func (x *Xct) setState(s chkpt.XctState) {
	x.mu.Lock()
	x.state = s
	x.mu.Unlock()
}

func (x *Xct) LastLSN() lsn.LSN {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.last
}

func (x *Xct) UndoNext() lsn.LSN {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.undoNext
}

// logged records the newest record of x and what undo resumes from.
func (x *Xct) logged(at lsn.LSN, undoNext lsn.LSN) {
	x.mu.Lock()
	if x.first.IsNull() {
		x.first = at
	}
	x.last = at
	x.undoNext = undoNext
	x.mu.Unlock()
}

func (x *Xct) insert(t record.Type, flags record.Flags, payload []byte) (lsn.LSN, error) {
	return x.t.log.Insert(record.New(t, flags, x.tid, x.LastLSN(), payload))
}

func encodeUpdate(page uint64, data []byte) []byte {
	enc := marshal.NewEnc(8 + 8 + uint64(len(data)))
	enc.PutInt(page)
	enc.PutInt(uint64(len(data)))
	enc.PutBytes(data)
	return enc.Finish()
}

// DecodeUpdate splits the payload of an update or compensation record
// into its page number and data.
func DecodeUpdate(payload []byte) (uint64, []byte, error) {
	if len(payload) < 16 {
		return 0, nil, fmt.Errorf("%w: update payload of %d bytes", record.ErrCorrupt, len(payload))
	}
	dec := marshal.NewDec(payload)
	page := dec.GetInt()
	n := dec.GetInt()
	if n != uint64(len(payload)-16) {
		return 0, nil, fmt.Errorf("%w: update data length %d", record.ErrCorrupt, n)
	}
	return page, dec.GetBytes(n), nil
}

func (x *Xct) checkActive() error {
	if s := x.State(); s != chkpt.XctActive {
		return fmt.Errorf("xct %d is %v: %w", x.tid, s, ErrNotActive)
	}
	return nil
}

// logPage logs a record against page under its latch and dirties it.
// Compensation records carry undoNext; updates chain to prev.
func (x *Xct) logPage(t record.Type, flags record.Flags, page uint64, data []byte, undoNext lsn.LSN) (lsn.LSN, error) {
	f, err := x.t.pages.Fix(page)
	if err != nil {
		return lsn.Null, err
	}
	defer f.Unfix()
	r := record.New(t, flags, x.tid, x.LastLSN(), encodeUpdate(page, data))
	if flags&record.FlagCLR != 0 {
		record.PutUndoNext(r.Bytes(), undoNext)
	}
	at, err := x.t.log.Insert(r)
	if err != nil {
		return lsn.Null, err
	}
	f.MarkDirty(at)
	if flags&record.FlagCLR == 0 {
		undoNext = at
	}
	x.logged(at, undoNext)
	return at, nil
}

// Update logs an update of page and returns its LSN.
func (x *Xct) Update(page uint64, data []byte) (lsn.LSN, error) {
	if err := x.checkActive(); err != nil {
		return lsn.Null, err
	}
	at, err := x.logPage(record.TypeUpdate, record.FlagUndo|record.FlagRedo, page, data, lsn.Null)
	if err != nil {
		return lsn.Null, err
	}
	x.undo = append(x.undo, undoEntry{at: at, page: page})
	return at, nil
}

// Savepoint names the current end of the transaction for RollbackTo.
func (x *Xct) Savepoint() lsn.LSN {
	return x.LastLSN()
}

// RollbackTo undoes every update logged after save.
func (x *Xct) RollbackTo(save lsn.LSN) error {
	for len(x.undo) > 0 {
		e := x.undo[len(x.undo)-1]
		if !save.Less(e.at) {
			break
		}
		next := save
		if len(x.undo) > 1 && save.Less(x.undo[len(x.undo)-2].at) {
			next = x.undo[len(x.undo)-2].at
		}
		enc := marshal.NewEnc(8)
		enc.PutInt(e.at.Pack())
		if _, err := x.logPage(record.TypeCompensate, record.FlagRedo|record.FlagCLR, e.page, enc.Finish(), next); err != nil {
			return err
		}
		x.undo = x.undo[:len(x.undo)-1]
	}
	return x.Compensate(save)
}

// Compensate points the undo chain of x at undoNext, so that undo after
// a crash skips everything logged since. The newest record is rewritten
// in place when the log still buffers it; otherwise a compensation
// record carries the new undo-next.
func (x *Xct) Compensate(undoNext lsn.LSN) error {
	last := x.LastLSN()
	if last.IsNull() || last == undoNext || x.UndoNext() == undoNext {
		return nil
	}
	err := x.t.log.Compensate(last, undoNext)
	if err == nil {
		x.mu.Lock()
		x.undoNext = undoNext
		x.mu.Unlock()
		return nil
	}
	if !errors.Is(err, wal.ErrBadCompensation) {
		return err
	}
	util.DPrintf(5, "xct %d: compensate %v: %v\n", x.tid, last, err)
	r := record.New(record.TypeCompensate, record.FlagCLR, x.tid, last, nil)
	record.PutUndoNext(r.Bytes(), undoNext)
	at, err := x.t.log.Insert(r)
	if err != nil {
		return err
	}
	x.logged(at, undoNext)
	return nil
}

func (x *Xct) prepareRecord() *record.Record {
	info := x.info()
	enc := marshal.NewEnc(16)
	enc.PutInt(info.FirstLSN.Pack())
	enc.PutInt(info.UndoNext.Pack())
	if uint64(len(enc.Finish())) > chkpt.MaxPreparedPayload {
		panic("xct: prepare payload too large")
	}
	return record.New(record.TypeXctPrepare, 0, x.tid, info.LastLSN, enc.Finish())
}

// Prepare makes x durable in the prepared state.
func (x *Xct) Prepare() error {
	if err := x.checkActive(); err != nil {
		return err
	}
	if s := x.t.serializer(); s != nil {
		s.PrepareLock()
		defer s.PrepareUnlock()
	}
	x.setState(chkpt.XctPreparing)
	at, err := x.t.log.Insert(x.prepareRecord())
	if err != nil {
		x.setState(chkpt.XctActive)
		return err
	}
	x.logged(at, x.UndoNext())
	if err := x.t.log.Flush(at); err != nil {
		return err
	}
	x.setState(chkpt.XctPrepared)
	return nil
}

func (t *Table) serializer() Serializer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.serial
}

// end logs the end record and removes x, waiting out a checkpoint that
// has x attached.
func (x *Xct) end() error {
	x.mu.Lock()
	for x.attached {
		x.condAttach.Wait()
	}
	x.mu.Unlock()
	at, err := x.insert(record.TypeXctEnd, 0, nil)
	if err != nil {
		return err
	}
	x.logged(at, lsn.Null)
	x.setState(chkpt.XctEnded)
	x.t.remove(x)
	util.DPrintf(3, "xct: end %d at %v\n", x.tid, at)
	return nil
}

// Commit logs the commit record and, if wait, waits for it to be
// durable.
func (x *Xct) Commit(wait bool) error {
	s := x.State()
	if s != chkpt.XctActive && s != chkpt.XctPrepared {
		return fmt.Errorf("xct %d is %v: %w", x.tid, s, ErrNotActive)
	}
	x.setState(chkpt.XctCommitting)
	at, err := x.insert(record.TypeXctCommit, 0, nil)
	if err != nil {
		return err
	}
	x.logged(at, lsn.Null)
	if wait {
		if err := x.t.log.Flush(at); err != nil {
			return err
		}
	}
	x.undo = nil
	return x.end()
}

// Abort rolls back every update and ends x.
func (x *Xct) Abort() error {
	s := x.State()
	if s != chkpt.XctActive && s != chkpt.XctPrepared {
		return fmt.Errorf("xct %d is %v: %w", x.tid, s, ErrNotActive)
	}
	x.setState(chkpt.XctAborting)
	if err := x.RollbackTo(lsn.Null); err != nil {
		return err
	}
	at, err := x.insert(record.TypeXctAbort, 0, nil)
	if err != nil {
		return err
	}
	x.logged(at, lsn.Null)
	return x.end()
}
