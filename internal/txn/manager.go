package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/colstore/internal/buffer"
	"github.com/hupe1980/colstore/internal/catalog"
	"github.com/hupe1980/colstore/internal/delta"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/model"
)

var (
	// ErrTxnClosed is returned for operations on a committed or rolled back transaction.
	ErrTxnClosed = errors.New("transaction is closed")

	// ErrHalted is returned by commits and checkpoints after a commit hit an
	// unrecoverable error. The catalog must be reloaded.
	ErrHalted = errors.New("transaction manager halted")
)

// DeltaLog persists encoded catalog delta entries before they are published.
type DeltaLog interface {
	Append(txnID model.TxnID, commitTS model.TxnTimeStamp, payload []byte) error
}

// Options configures a TxnManager.
type Options struct {
	Logger *slog.Logger
	// DeltaLog receives every non-empty commit. Nil disables durability.
	DeltaLog DeltaLog
	// BlockCapacity and SegmentBlocks are the defaults of CreateTable.
	BlockCapacity uint32
	SegmentBlocks uint32
}

// CommitHook is called after every finished commit or rollback.
type CommitHook func(t *Txn, err error)

// TxnManager hands out transactions and runs the commit pipeline.
type TxnManager struct {
	cat    *catalog.Catalog
	bufMgr *buffer.Manager
	log    DeltaLog
	logger *slog.Logger
	opts   Options

	// commitMu serializes commits and checkpoints.
	commitMu sync.Mutex
	ts       model.TxnTimeStamp

	lastCommitTS atomic.Uint64
	nextTxnID    atomic.Uint64

	activeMu sync.Mutex
	active   map[model.TxnID]*Txn

	hooks []CommitHook

	// fatal is the unrecoverable error that halted the manager.
	fatal atomic.Pointer[status.UnrecoverableError]
}

// NewTxnManager creates a manager over cat. Timestamps and txn ids continue
// after the newest ones the catalog knows.
func NewTxnManager(cat *catalog.Catalog, bufMgr *buffer.Manager, opts Options) *TxnManager {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.BlockCapacity == 0 {
		opts.BlockCapacity = model.DefaultBlockCapacity
	}
	if opts.SegmentBlocks == 0 {
		opts.SegmentBlocks = model.DefaultSegmentBlocks
	}
	m := &TxnManager{
		cat:    cat,
		bufMgr: bufMgr,
		log:    opts.DeltaLog,
		logger: opts.Logger,
		opts:   opts,
		ts:     cat.MaxCommitTS(),
		active: make(map[model.TxnID]*Txn),
	}
	m.lastCommitTS.Store(uint64(m.ts))
	m.nextTxnID.Store(max(uint64(cat.MaxTxnID()), uint64(m.ts)))
	return m
}

// OnFinish registers a hook run after each commit or rollback.
func (m *TxnManager) OnFinish(h CommitHook) {
	m.hooks = append(m.hooks, h)
}

// Catalog returns the managed catalog.
func (m *TxnManager) Catalog() *catalog.Catalog { return m.cat }

// Begin starts a transaction reading at the newest fully committed timestamp.
func (m *TxnManager) Begin() *Txn {
	id := model.TxnID(m.nextTxnID.Add(1))
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	// Read under activeMu so MinActiveTS never misses a reader.
	beginTS := m.LastCommitTS()
	t := &Txn{
		mgr:     m,
		id:      id,
		beginTS: beginTS,
		store:   NewTxnStore(id, beginTS, m.cat, m.bufMgr),
	}
	m.active[id] = t
	m.logger.Debug("Txn begin", "txn", id, "begin_ts", beginTS)
	return t
}

// LastCommitTS returns the newest published commit timestamp.
func (m *TxnManager) LastCommitTS() model.TxnTimeStamp {
	return model.TxnTimeStamp(m.lastCommitTS.Load())
}

// ActiveCount returns the number of running transactions.
func (m *TxnManager) ActiveCount() int {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	return len(m.active)
}

// MinActiveTS returns the oldest begin timestamp still in use.
func (m *TxnManager) MinActiveTS() model.TxnTimeStamp {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	minTS := m.LastCommitTS()
	for _, t := range m.active {
		minTS = min(minTS, t.beginTS)
	}
	return minTS
}

// GarbageCollect drops catalog versions no running transaction can see.
func (m *TxnManager) GarbageCollect() int {
	return m.cat.GarbageCollect(m.MinActiveTS(), m.bufMgr)
}

// Exclusive runs fn while no commit is in flight.
func (m *TxnManager) Exclusive(fn func(lastCommitTS model.TxnTimeStamp) error) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	if err := m.halted(); err != nil {
		return err
	}
	return fn(m.LastCommitTS())
}

// halted returns ErrHalted wrapping the cause once the manager is halted.
func (m *TxnManager) halted() error {
	if ue := m.fatal.Load(); ue != nil {
		return fmt.Errorf("%w: %w", ErrHalted, ue)
	}
	return nil
}

func (m *TxnManager) finish(t *Txn, state TxnState, err error) {
	t.state = state
	m.activeMu.Lock()
	delete(m.active, t.id)
	m.activeMu.Unlock()
	for _, h := range m.hooks {
		h(t, err)
	}
}

// commit runs the pipeline for t: conflict check, prepare, delta log,
// publish. Any failure after the conflict check rolls t back.
func (m *TxnManager) commit(ctx context.Context, t *Txn) error {
	if t.state != TxnActive {
		return ErrTxnClosed
	}
	if t.store.Empty() {
		m.finish(t, TxnCommitted, nil)
		return nil
	}
	t.state = TxnCommitting

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if err := m.halted(); err != nil {
		return m.abort(t, err)
	}

	// Rows prepared under commitTS are already in shared segments. An
	// unrecoverable error must not leave them for the next commit to
	// publish: undo them unless the delta log has them, and halt.
	logged := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if ue, ok := r.(*status.UnrecoverableError); ok {
			m.fatal.CompareAndSwap(nil, ue)
			m.logger.Error("Commit hit unrecoverable error", "txn", t.id, "logged", logged, "error", ue)
			if logged {
				m.finish(t, TxnCommitting, ue)
			} else {
				m.discard(t, ue)
			}
		}
		panic(r)
	}()

	if table, conflict := t.store.CheckConflict(); conflict {
		err := fmt.Errorf("%w: txn %d on table %s", status.ErrTxnConflict, t.id, table)
		m.logger.Debug("Txn conflict", "txn", t.id, "table", table)
		return m.abort(t, err)
	}

	m.ts++
	commitTS := m.ts

	t.store.PrepareCommit1(commitTS)
	if err := t.store.PrepareCommit(commitTS); err != nil {
		return m.abort(t, fmt.Errorf("prepare commit of txn %d: %w", t.id, err))
	}

	e := delta.NewCatalogDeltaEntry(t.id, commitTS)
	if err := t.store.AddDeltaOp(ctx, e, commitTS); err != nil {
		return m.abort(t, fmt.Errorf("delta ops of txn %d: %w", t.id, err))
	}
	if m.log != nil && e.Len() > 0 {
		payload, err := e.Encode()
		if err != nil {
			return m.abort(t, err)
		}
		if err := m.log.Append(t.id, commitTS, payload); err != nil {
			return m.abort(t, fmt.Errorf("%w: delta log append: %v", status.ErrDataIO, err))
		}
	}
	logged = true

	t.store.CommitBottom(commitTS)
	t.commitTS = commitTS
	m.lastCommitTS.Store(uint64(commitTS))
	m.cat.AdvanceCommitTS(commitTS)
	m.cat.ObserveTxnID(t.id)
	t.store.MaintainCompactionAlg()

	m.logger.Debug("Txn committed", "txn", t.id, "commit_ts", commitTS, "ops", e.Len())
	m.finish(t, TxnCommitted, nil)
	return nil
}

func (m *TxnManager) abort(t *Txn, cause error) error {
	err := cause
	if rbErr := t.store.Rollback(); rbErr != nil {
		err = errors.Join(cause, rbErr)
	}
	m.finish(t, TxnRolledBack, err)
	return err
}

// discard rolls t back after an unrecoverable error during its commit.
func (m *TxnManager) discard(t *Txn, cause error) {
	var err error
	func() {
		defer status.Recover(&err)
		err = t.store.Rollback()
	}()
	if err != nil {
		m.logger.Error("Rollback after unrecoverable error failed", "txn", t.id, "error", err)
	}
	m.finish(t, TxnRolledBack, cause)
}

func (m *TxnManager) rollback(t *Txn) error {
	if t.state != TxnActive {
		return ErrTxnClosed
	}
	err := t.store.Rollback()
	m.logger.Debug("Txn rolled back", "txn", t.id)
	m.finish(t, TxnRolledBack, err)
	return err
}
