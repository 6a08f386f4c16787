package catalog

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/hupe1980/colstore/internal/buffer"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/model"
)

// DBEntry is one version of a database.
type DBEntry struct {
	version
	catalog *Catalog
	Name    string
	Dir     string

	seq uint64

	mu     sync.RWMutex
	tables map[string][]*TableEntry
}

func newDBEntry(c *Catalog, name string, txnID model.TxnID, beginTS model.TxnTimeStamp, deleted bool) *DBEntry {
	db := &DBEntry{
		catalog: c,
		Name:    name,
		Dir:     filepath.Join(c.dataDir, fmt.Sprintf("%s_%d", name, txnID)),
		tables:  make(map[string][]*TableEntry),
	}
	db.init(txnID, beginTS, deleted)
	return db
}

// Seq orders databases by creation.
func (db *DBEntry) Seq() uint64 { return db.seq }

// Table returns the table version txnID sees.
func (db *DBEntry) Table(name string, txnID model.TxnID, beginTS model.TxnTimeStamp) (*TableEntry, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if t, ok := chainVisible(db.tables[name], txnID, beginTS); ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: table %s.%s", status.ErrNotFound, db.Name, name)
}

// Tables returns the table versions txnID sees, ordered by name.
func (db *DBEntry) Tables(txnID model.TxnID, beginTS model.TxnTimeStamp) []*TableEntry {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []*TableEntry
	for _, chain := range db.tables {
		if t, ok := chainVisible(chain, txnID, beginTS); ok {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b *TableEntry) int { return compareUint64(a.seq, b.seq) })
	return out
}

func (db *DBEntry) createTable(name string, columns []ColumnDef, blockCapacity, segmentBlocks uint32, txnID model.TxnID, beginTS model.TxnTimeStamp) (*TableEntry, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: table %s without columns", status.ErrInvalidArgument, name)
	}
	for _, c := range columns {
		if _, err := c.Type.Size(); err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	chain := db.tables[name]
	if len(chain) > 0 && chain[0].writeConflict(txnID, beginTS) {
		return nil, fmt.Errorf("%w: table %s.%s is being changed", status.ErrTxnConflict, db.Name, name)
	}
	if _, ok := chainVisible(chain, txnID, beginTS); ok {
		return nil, fmt.Errorf("%w: table %s.%s", status.ErrDuplicate, db.Name, name)
	}
	t := newTableEntry(db, name, columns, blockCapacity, segmentBlocks, txnID, beginTS, false)
	t.seq = db.catalog.nextSeq()
	db.tables[name] = append([]*TableEntry{t}, chain...)
	return t, nil
}

func (db *DBEntry) dropTable(name string, txnID model.TxnID, beginTS model.TxnTimeStamp) (*TableEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	chain := db.tables[name]
	if len(chain) > 0 && chain[0].writeConflict(txnID, beginTS) {
		return nil, fmt.Errorf("%w: table %s.%s is being changed", status.ErrTxnConflict, db.Name, name)
	}
	cur, ok := chainVisible(chain, txnID, beginTS)
	if !ok {
		return nil, fmt.Errorf("%w: table %s.%s", status.ErrNotFound, db.Name, name)
	}
	if cur.TxnID() == txnID && !cur.Committed() {
		db.tables[name], _ = chainRemove(chain, cur)
		return cur, nil
	}
	t := newTableEntry(db, name, cur.Columns, cur.BlockCapacity, cur.SegmentBlocks, txnID, beginTS, true)
	t.Dir = cur.Dir
	t.seq = db.catalog.nextSeq()
	db.tables[name] = append([]*TableEntry{t}, chain...)
	return t, nil
}

func (db *DBEntry) removeTable(t *TableEntry) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	chain, ok := chainRemove(db.tables[t.Name], t)
	if len(chain) == 0 {
		delete(db.tables, t.Name)
	} else {
		db.tables[t.Name] = chain
	}
	return ok
}

// Cleanup releases the files of every table of the database.
func (db *DBEntry) Cleanup(bufMgr *buffer.Manager) error {
	db.mu.Lock()
	chains := make([][]*TableEntry, 0, len(db.tables))
	for _, chain := range db.tables {
		chains = append(chains, chain)
	}
	clear(db.tables)
	db.mu.Unlock()
	for _, chain := range chains {
		for _, t := range chain {
			if !t.Deleted() {
				_ = t.Cleanup(bufMgr)
			}
		}
	}
	return db.catalog.fsys.RemoveAll(db.Dir)
}
