package txn

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/hupe1980/colstore/internal/buffer"
	"github.com/hupe1980/colstore/internal/catalog"
	"github.com/hupe1980/colstore/internal/delta"
	"github.com/hupe1980/colstore/model"
)

// TxnStore holds all local state of one transaction: the database and table
// versions it wrote and one TxnTableStore per table it touched.
type TxnStore struct {
	txnID   model.TxnID
	beginTS model.TxnTimeStamp
	cat     *catalog.Catalog
	bufMgr  *buffer.Manager

	dbs    []*catalog.DBEntry
	tables []*catalog.TableEntry

	tableStores map[*catalog.TableEntry]*TxnTableStore
	tableSeq    uint64
}

// NewTxnStore creates the store of txnID.
func NewTxnStore(txnID model.TxnID, beginTS model.TxnTimeStamp, cat *catalog.Catalog, bufMgr *buffer.Manager) *TxnStore {
	return &TxnStore{
		txnID:       txnID,
		beginTS:     beginTS,
		cat:         cat,
		bufMgr:      bufMgr,
		tableStores: make(map[*catalog.TableEntry]*TxnTableStore),
	}
}

// AddDBStore records a database version written by the transaction.
func (s *TxnStore) AddDBStore(db *catalog.DBEntry) {
	s.dbs = append(s.dbs, db)
}

// DropDBStore records the result of DropDatabase. Local writes to tables
// of the database are discarded. A database created by this transaction is
// forgotten together with its tables.
func (s *TxnStore) DropDBStore(db *catalog.DBEntry) error {
	errs := []error{s.discardTableStores(func(t *catalog.TableEntry) bool { return t.DB().Name == db.Name })}
	if db.Deleted() {
		s.AddDBStore(db)
		return errors.Join(errs...)
	}
	s.dbs, _ = removeEntry(s.dbs, db)
	s.tables = slices.DeleteFunc(s.tables, func(t *catalog.TableEntry) bool { return t.DB() == db })
	errs = append(errs, db.Cleanup(s.bufMgr))
	return errors.Join(errs...)
}

// AddTableStore records a table version written by the transaction.
func (s *TxnStore) AddTableStore(t *catalog.TableEntry) {
	s.tables = append(s.tables, t)
}

// DropTableStore records the result of DropTable and discards local writes
// to the table. A table created by this transaction is forgotten.
func (s *TxnStore) DropTableStore(t *catalog.TableEntry) error {
	errs := []error{s.discardTableStores(func(ts *catalog.TableEntry) bool {
		return ts.DB() == t.DB() && ts.Name == t.Name
	})}
	if t.Deleted() {
		s.AddTableStore(t)
		return errors.Join(errs...)
	}
	s.tables, _ = removeEntry(s.tables, t)
	errs = append(errs, t.Cleanup(s.bufMgr))
	return errors.Join(errs...)
}

func (s *TxnStore) discardTableStores(match func(*catalog.TableEntry) bool) error {
	var errs []error
	for t, ts := range s.tableStores {
		if match(t) {
			errs = append(errs, ts.Rollback())
			delete(s.tableStores, t)
		}
	}
	return errors.Join(errs...)
}

// GetTxnTableStore returns the store of t, creating it on first touch.
func (s *TxnStore) GetTxnTableStore(t *catalog.TableEntry) *TxnTableStore {
	if ts, ok := s.tableStores[t]; ok {
		return ts
	}
	s.tableSeq++
	ts := NewTxnTableStore(s.txnID, s.beginTS, t, s.cat, s.bufMgr, s.tableSeq)
	s.tableStores[t] = ts
	return ts
}

// LookupTableStore returns the store of t or nil.
func (s *TxnStore) LookupTableStore(t *catalog.TableEntry) *TxnTableStore {
	return s.tableStores[t]
}

func (s *TxnStore) tableStoresInOrder() []*TxnTableStore {
	out := make([]*TxnTableStore, 0, len(s.tableStores))
	for _, ts := range s.tableStores {
		if !ts.Empty() {
			out = append(out, ts)
		}
	}
	slices.SortFunc(out, func(a, b *TxnTableStore) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// Empty reports whether the transaction wrote nothing.
func (s *TxnStore) Empty() bool {
	return len(s.dbs) == 0 && len(s.tables) == 0 && len(s.tableStoresInOrder()) == 0
}

// CheckConflict reports the first table whose store conflicts with a
// transaction committed after this one began.
func (s *TxnStore) CheckConflict() (string, bool) {
	for _, ts := range s.tableStoresInOrder() {
		if ts.CheckConflict() {
			return fmt.Sprintf("%s.%s", ts.table.DB().Name, ts.table.Name), true
		}
	}
	return "", false
}

// PrepareCommit1 runs the first prepare phase on every table store.
func (s *TxnStore) PrepareCommit1(commitTS model.TxnTimeStamp) {
	for _, ts := range s.tableStoresInOrder() {
		ts.PrepareCommit1(commitTS)
	}
}

// PrepareCommit applies the table stores to the catalog.
func (s *TxnStore) PrepareCommit(commitTS model.TxnTimeStamp) error {
	for _, ts := range s.tableStoresInOrder() {
		if err := ts.PrepareCommit(commitTS); err != nil {
			return err
		}
	}
	return nil
}

// AddDeltaOp describes the commit in e: databases, tables, then the table
// stores in the order the transaction touched them.
func (s *TxnStore) AddDeltaOp(ctx context.Context, e *delta.CatalogDeltaEntry, commitTS model.TxnTimeStamp) error {
	dbs := slices.Clone(s.dbs)
	slices.SortFunc(dbs, func(a, b *catalog.DBEntry) int { return cmp.Compare(a.Seq(), b.Seq()) })
	for _, db := range dbs {
		e.AddOperation(&delta.AddDBEntryOp{
			CommitTS: commitTS,
			TxnID:    s.txnID,
			DBName:   db.Name,
			Dir:      db.Dir,
			Deleted:  db.Deleted(),
		})
	}
	tables := slices.Clone(s.tables)
	slices.SortFunc(tables, func(a, b *catalog.TableEntry) int { return cmp.Compare(a.Seq(), b.Seq()) })
	for _, t := range tables {
		e.AddOperation(&delta.AddTableEntryOp{
			CommitTS:      commitTS,
			TxnID:         s.txnID,
			DBName:        t.DB().Name,
			TableName:     t.Name,
			Dir:           t.Dir,
			Columns:       t.Columns,
			BlockCapacity: t.BlockCapacity,
			SegmentBlocks: t.SegmentBlocks,
			Deleted:       t.Deleted(),
		})
	}
	for _, ts := range s.tableStoresInOrder() {
		if err := ts.AddDeltaOp(ctx, e, commitTS); err != nil {
			return err
		}
	}
	return nil
}

// CommitBottom publishes the transaction: table data first, then the
// database and table versions.
func (s *TxnStore) CommitBottom(commitTS model.TxnTimeStamp) {
	for _, ts := range s.tableStoresInOrder() {
		ts.Commit(commitTS)
	}
	for _, db := range s.dbs {
		db.Commit(commitTS)
	}
	for _, t := range s.tables {
		t.Commit(commitTS)
	}
}

// Rollback undoes the table stores and unlinks every version the
// transaction wrote.
func (s *TxnStore) Rollback() error {
	var errs []error
	for _, ts := range s.tableStores {
		if err := ts.Rollback(); err != nil {
			errs = append(errs, err)
		}
	}
	clear(s.tableStores)
	for _, t := range slices.Backward(s.tables) {
		if err := s.cat.RemoveTableEntry(t, s.bufMgr); err != nil {
			errs = append(errs, err)
		}
	}
	for _, db := range slices.Backward(s.dbs) {
		if err := s.cat.RemoveDBEntry(db, s.bufMgr); err != nil {
			errs = append(errs, err)
		}
	}
	s.tables, s.dbs = nil, nil
	return errors.Join(errs...)
}

// MaintainCompactionAlg refreshes the compaction candidates of every
// table the commit wrote.
func (s *TxnStore) MaintainCompactionAlg() {
	for _, ts := range s.tableStoresInOrder() {
		ts.MaintainCompactionAlg()
	}
}

func removeEntry[E comparable](list []E, e E) ([]E, bool) {
	if i := slices.Index(list, e); i >= 0 {
		return slices.Delete(list, i, i+1), true
	}
	return list, false
}
