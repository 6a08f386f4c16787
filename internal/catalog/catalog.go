package catalog

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/colstore/internal/buffer"
	"github.com/hupe1980/colstore/internal/fs"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/model"
)

// Options configures a Catalog.
type Options struct {
	FS     fs.FileSystem
	Logger *slog.Logger
	// FilterWorkers bounds the goroutines building block filters of one segment.
	FilterWorkers int
	// CompactionThreshold is the number of similar sealed segments that
	// makes a table a compaction candidate.
	CompactionThreshold int
}

// Catalog is the root of the metadata tree.
type Catalog struct {
	dataDir string
	fsys    fs.FileSystem
	logger  *slog.Logger
	workers int
	policy  CompactionPolicy

	mu  sync.RWMutex
	dbs map[string][]*DBEntry

	seq         atomic.Uint64
	maxCommitTS atomic.Uint64
	maxTxnID    atomic.Uint64
}

// New creates an empty catalog whose data files live under dir.
func New(dir string, opts Options) *Catalog {
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.FilterWorkers <= 0 {
		opts.FilterWorkers = 4
	}
	if opts.CompactionThreshold <= 0 {
		opts.CompactionThreshold = 4
	}
	return &Catalog{
		dataDir: filepath.Join(dir, "data"),
		fsys:    opts.FS,
		logger:  opts.Logger,
		workers: opts.FilterWorkers,
		policy:  &BoundedSizeTieredPolicy{Threshold: opts.CompactionThreshold},
		dbs:     make(map[string][]*DBEntry),
	}
}

func (c *Catalog) nextSeq() uint64 { return c.seq.Add(1) }

// FilterWorkers returns the parallelism of filter builds.
func (c *Catalog) FilterWorkers() int { return c.workers }

// MaxCommitTS returns the newest commit applied to the catalog.
func (c *Catalog) MaxCommitTS() model.TxnTimeStamp {
	return model.TxnTimeStamp(c.maxCommitTS.Load())
}

// AdvanceCommitTS records that commitTS was applied.
func (c *Catalog) AdvanceCommitTS(commitTS model.TxnTimeStamp) {
	for {
		cur := c.maxCommitTS.Load()
		if uint64(commitTS) <= cur || c.maxCommitTS.CompareAndSwap(cur, uint64(commitTS)) {
			return
		}
	}
}

// MaxTxnID returns the newest transaction id that committed to the catalog.
func (c *Catalog) MaxTxnID() model.TxnID { return model.TxnID(c.maxTxnID.Load()) }

// ObserveTxnID records a committed transaction id. Entry directories are
// named after txn ids, so ids must not repeat across restarts.
func (c *Catalog) ObserveTxnID(id model.TxnID) {
	for {
		cur := c.maxTxnID.Load()
		if uint64(id) <= cur || c.maxTxnID.CompareAndSwap(cur, uint64(id)) {
			return
		}
	}
}

// CreateDatabase adds an uncommitted database version owned by txnID.
func (c *Catalog) CreateDatabase(name string, txnID model.TxnID, beginTS model.TxnTimeStamp) (*DBEntry, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty database name", status.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	chain := c.dbs[name]
	if len(chain) > 0 && chain[0].writeConflict(txnID, beginTS) {
		return nil, fmt.Errorf("%w: database %s is being changed", status.ErrTxnConflict, name)
	}
	if _, ok := chainVisible(chain, txnID, beginTS); ok {
		return nil, fmt.Errorf("%w: database %s", status.ErrDuplicate, name)
	}
	db := newDBEntry(c, name, txnID, beginTS, false)
	db.seq = c.nextSeq()
	c.dbs[name] = append([]*DBEntry{db}, chain...)
	return db, nil
}

// DropDatabase drops the database txnID sees. Dropping a database created by
// the same transaction removes the creation and returns it; otherwise a
// tombstone version is returned.
func (c *Catalog) DropDatabase(name string, txnID model.TxnID, beginTS model.TxnTimeStamp) (*DBEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chain := c.dbs[name]
	if len(chain) > 0 && chain[0].writeConflict(txnID, beginTS) {
		return nil, fmt.Errorf("%w: database %s is being changed", status.ErrTxnConflict, name)
	}
	cur, ok := chainVisible(chain, txnID, beginTS)
	if !ok {
		return nil, fmt.Errorf("%w: database %s", status.ErrNotFound, name)
	}
	if cur.TxnID() == txnID && !cur.Committed() {
		c.dbs[name], _ = chainRemove(chain, cur)
		return cur, nil
	}
	db := newDBEntry(c, name, txnID, beginTS, true)
	db.Dir = cur.Dir
	db.seq = c.nextSeq()
	c.dbs[name] = append([]*DBEntry{db}, chain...)
	return db, nil
}

// GetDatabase returns the database version txnID sees.
func (c *Catalog) GetDatabase(name string, txnID model.TxnID, beginTS model.TxnTimeStamp) (*DBEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if db, ok := chainVisible(c.dbs[name], txnID, beginTS); ok {
		return db, nil
	}
	return nil, fmt.Errorf("%w: database %s", status.ErrNotFound, name)
}

// Databases returns the database versions txnID sees, in creation order.
func (c *Catalog) Databases(txnID model.TxnID, beginTS model.TxnTimeStamp) []*DBEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*DBEntry
	for _, chain := range c.dbs {
		if db, ok := chainVisible(chain, txnID, beginTS); ok {
			out = append(out, db)
		}
	}
	slices.SortFunc(out, func(a, b *DBEntry) int { return compareUint64(a.seq, b.seq) })
	return out
}

// CreateTable adds an uncommitted table version owned by txnID.
func (c *Catalog) CreateTable(dbName, tableName string, columns []ColumnDef, blockCapacity, segmentBlocks uint32, txnID model.TxnID, beginTS model.TxnTimeStamp) (*TableEntry, error) {
	if tableName == "" {
		return nil, fmt.Errorf("%w: empty table name", status.ErrInvalidArgument)
	}
	if blockCapacity == 0 || blockCapacity > 1<<16 || segmentBlocks == 0 || segmentBlocks > 1<<16 {
		return nil, fmt.Errorf("%w: block capacity %d, segment blocks %d", status.ErrInvalidArgument, blockCapacity, segmentBlocks)
	}
	db, err := c.GetDatabase(dbName, txnID, beginTS)
	if err != nil {
		return nil, err
	}
	return db.createTable(tableName, columns, blockCapacity, segmentBlocks, txnID, beginTS)
}

// DropTable drops the table txnID sees, with the semantics of DropDatabase.
func (c *Catalog) DropTable(dbName, tableName string, txnID model.TxnID, beginTS model.TxnTimeStamp) (*TableEntry, error) {
	db, err := c.GetDatabase(dbName, txnID, beginTS)
	if err != nil {
		return nil, err
	}
	return db.dropTable(tableName, txnID, beginTS)
}

// GetTable returns the table version txnID sees.
func (c *Catalog) GetTable(dbName, tableName string, txnID model.TxnID, beginTS model.TxnTimeStamp) (*TableEntry, error) {
	db, err := c.GetDatabase(dbName, txnID, beginTS)
	if err != nil {
		return nil, err
	}
	return db.Table(tableName, txnID, beginTS)
}

// CheckTableConflict reports whether a transaction that began at beginTS
// may not commit writes to the table. It also returns the newest table
// version that is committed or owned by txnID.
func (c *Catalog) CheckTableConflict(dbName, tableName string, txnID model.TxnID, beginTS model.TxnTimeStamp) (bool, *TableEntry) {
	c.mu.RLock()
	db, ok := chainLatest(c.dbs[dbName], txnID)
	c.mu.RUnlock()
	if !ok {
		return true, nil
	}
	if db.Deleted() {
		return db.Committed() && db.CommitTS() > beginTS, nil
	}
	db.mu.RLock()
	t, ok := chainLatest(db.tables[tableName], txnID)
	db.mu.RUnlock()
	if !ok {
		return true, nil
	}
	if t.Committed() && t.CommitTS() > beginTS {
		return true, t
	}
	if t.Deleted() {
		return false, t
	}
	return t.LastWriteTS() > beginTS, t
}

// RemoveDBEntry unlinks a database version written by a rolled back
// transaction. A removed creation also loses its files.
func (c *Catalog) RemoveDBEntry(db *DBEntry, bufMgr *buffer.Manager) error {
	c.mu.Lock()
	chain, _ := chainRemove(c.dbs[db.Name], db)
	if len(chain) == 0 {
		delete(c.dbs, db.Name)
	} else {
		c.dbs[db.Name] = chain
	}
	c.mu.Unlock()
	if db.Deleted() {
		return nil
	}
	return db.Cleanup(bufMgr)
}

// RemoveTableEntry unlinks a table version written by a rolled back
// transaction. A removed creation also loses its files.
func (c *Catalog) RemoveTableEntry(t *TableEntry, bufMgr *buffer.Manager) error {
	t.db.removeTable(t)
	if t.Deleted() {
		return nil
	}
	return t.Cleanup(bufMgr)
}

// GarbageCollect drops versions no transaction at or after minTS can see
// and releases the files of databases and tables dropped before minTS.
func (c *Catalog) GarbageCollect(minTS model.TxnTimeStamp, bufMgr *buffer.Manager) int {
	c.mu.Lock()
	var dropped []*DBEntry
	for name, chain := range c.dbs {
		kept, gone := pruneChain(chain, minTS)
		dropped = append(dropped, gone...)
		if len(kept) == 0 {
			delete(c.dbs, name)
		} else {
			c.dbs[name] = kept
		}
	}
	live := make([]*DBEntry, 0, len(c.dbs))
	for _, chain := range c.dbs {
		live = append(live, chain...)
	}
	c.mu.Unlock()

	n := 0
	for _, db := range dropped {
		if !db.Deleted() {
			_ = db.Cleanup(bufMgr)
		}
		n++
	}
	for _, db := range live {
		db.mu.Lock()
		var tables []*TableEntry
		for name, chain := range db.tables {
			kept, gone := pruneChain(chain, minTS)
			tables = append(tables, gone...)
			if len(kept) == 0 {
				delete(db.tables, name)
			} else {
				db.tables[name] = kept
			}
		}
		db.mu.Unlock()
		for _, t := range tables {
			if !t.Deleted() && t.Dir != "" && !db.hasTableDir(t.Dir) {
				_ = t.Cleanup(bufMgr)
			}
			n++
		}
	}
	if n > 0 {
		c.logger.Debug("Catalog versions collected", "count", n, "min_ts", minTS)
	}
	return n
}

func (db *DBEntry) hasTableDir(dir string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, chain := range db.tables {
		for _, t := range chain {
			if t.Dir == dir {
				return true
			}
		}
	}
	return false
}

// pruneChain keeps the versions newer than the first version committed at
// or before minTS, plus that version unless it is a tombstone.
func pruneChain[E interface {
	comparable
	Committed() bool
	CommitTS() model.TxnTimeStamp
	Deleted() bool
}](chain []E, minTS model.TxnTimeStamp) (kept, gone []E) {
	for i, e := range chain {
		if e.Committed() && e.CommitTS() <= minTS {
			kept = chain[:i]
			if !e.Deleted() {
				kept = chain[:i+1]
			}
			gone = append(gone, chain[len(kept):]...)
			return kept, gone
		}
	}
	return chain, nil
}
