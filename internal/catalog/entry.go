package catalog

import (
	"sync/atomic"

	"github.com/hupe1980/colstore/model"
)

// version is the MVCC header shared by database, table and index entries.
type version struct {
	txnID    atomic.Uint64
	beginTS  model.TxnTimeStamp
	commitTS atomic.Uint64
	deleted  bool
}

func (v *version) init(txnID model.TxnID, beginTS model.TxnTimeStamp, deleted bool) {
	v.txnID.Store(uint64(txnID))
	v.beginTS = beginTS
	v.commitTS.Store(uint64(model.UncommittedTS))
	v.deleted = deleted
}

// TxnID returns the id of the transaction that created this version.
func (v *version) TxnID() model.TxnID { return model.TxnID(v.txnID.Load()) }

// BeginTS returns the begin timestamp of the creating transaction.
func (v *version) BeginTS() model.TxnTimeStamp { return v.beginTS }

// CommitTS returns the commit timestamp, or model.UncommittedTS.
func (v *version) CommitTS() model.TxnTimeStamp { return model.TxnTimeStamp(v.commitTS.Load()) }

// Committed reports whether the creating transaction committed.
func (v *version) Committed() bool { return v.CommitTS() != model.UncommittedTS }

// Deleted reports whether this version is a tombstone.
func (v *version) Deleted() bool { return v.deleted }

// Commit stamps the version with commitTS.
func (v *version) Commit(commitTS model.TxnTimeStamp) {
	v.commitTS.Store(uint64(commitTS))
}

// visible reports whether the version is readable by txnID at beginTS.
func (v *version) visible(txnID model.TxnID, beginTS model.TxnTimeStamp) bool {
	if v.TxnID() == txnID && !v.Committed() {
		return true
	}
	return v.Committed() && v.CommitTS() <= beginTS
}

// latest reports whether the version counts as the newest one for txnID:
// either committed or written by txnID itself.
func (v *version) latest(txnID model.TxnID) bool {
	return v.Committed() || v.TxnID() == txnID
}

// writeConflict reports whether a new version written by txnID on top of v
// would conflict.
func (v *version) writeConflict(txnID model.TxnID, beginTS model.TxnTimeStamp) bool {
	if !v.Committed() {
		return v.TxnID() != txnID
	}
	return v.CommitTS() > beginTS
}

type versioned interface {
	visible(model.TxnID, model.TxnTimeStamp) bool
	latest(model.TxnID) bool
	writeConflict(model.TxnID, model.TxnTimeStamp) bool
	Deleted() bool
}

// chainVisible returns the version of a newest-first chain that txnID sees.
func chainVisible[E versioned](chain []E, txnID model.TxnID, beginTS model.TxnTimeStamp) (E, bool) {
	for _, e := range chain {
		if e.visible(txnID, beginTS) {
			if e.Deleted() {
				break
			}
			return e, true
		}
	}
	var zero E
	return zero, false
}

// chainLatest returns the first version that is committed or owned by txnID.
func chainLatest[E versioned](chain []E, txnID model.TxnID) (E, bool) {
	for _, e := range chain {
		if e.latest(txnID) {
			return e, true
		}
	}
	var zero E
	return zero, false
}

// chainRemove drops e from the chain.
func chainRemove[E comparable](chain []E, e E) ([]E, bool) {
	for i, c := range chain {
		if c == e {
			return append(chain[:i:i], chain[i+1:]...), true
		}
	}
	return chain, false
}
