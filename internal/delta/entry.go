package delta

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hupe1980/colstore/internal/compress"
	"github.com/hupe1980/colstore/model"
)

// ErrUnknownOp is returned when decoding an operation of unknown type.
var ErrUnknownOp = errors.New("delta: unknown operation type")

// CatalogDeltaEntry is the ordered set of operations of one commit.
type CatalogDeltaEntry struct {
	TxnID      model.TxnID
	CommitTS   model.TxnTimeStamp
	operations []Operation
}

// NewCatalogDeltaEntry creates an empty entry.
func NewCatalogDeltaEntry(txnID model.TxnID, commitTS model.TxnTimeStamp) *CatalogDeltaEntry {
	return &CatalogDeltaEntry{TxnID: txnID, CommitTS: commitTS}
}

// AddOperation appends op.
func (e *CatalogDeltaEntry) AddOperation(op Operation) {
	e.operations = append(e.operations, op)
}

// Operations returns the operations in insertion order.
func (e *CatalogDeltaEntry) Operations() []Operation { return e.operations }

// Len returns the number of operations.
func (e *CatalogDeltaEntry) Len() int { return len(e.operations) }

type envelope struct {
	Type OpType          `json:"type"`
	Op   json.RawMessage `json:"op"`
}

type wireEntry struct {
	TxnID    model.TxnID        `json:"txn_id"`
	CommitTS model.TxnTimeStamp `json:"commit_ts"`
	Ops      []envelope         `json:"ops"`
}

// Encode serializes the entry to JSON and frames it with LZ4.
func (e *CatalogDeltaEntry) Encode() ([]byte, error) {
	w := wireEntry{TxnID: e.TxnID, CommitTS: e.CommitTS, Ops: make([]envelope, len(e.operations))}
	for i, op := range e.operations {
		raw, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("delta: encode %s: %w", op.Type(), err)
		}
		w.Ops[i] = envelope{Type: op.Type(), Op: raw}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return compress.Encode(b, compress.LZ4)
}

// Decode parses an entry produced by Encode.
func Decode(b []byte) (*CatalogDeltaEntry, error) {
	raw, err := compress.Decode(b)
	if err != nil {
		return nil, err
	}
	var w wireEntry
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("delta: decode entry: %w", err)
	}
	e := NewCatalogDeltaEntry(w.TxnID, w.CommitTS)
	for _, env := range w.Ops {
		op, err := newOp(env.Type)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(env.Op, op); err != nil {
			return nil, fmt.Errorf("delta: decode %s: %w", env.Type, err)
		}
		e.AddOperation(op)
	}
	return e, nil
}

func newOp(t OpType) (Operation, error) {
	switch t {
	case OpAddDBEntry:
		return &AddDBEntryOp{}, nil
	case OpAddTableEntry:
		return &AddTableEntryOp{}, nil
	case OpAddTableIndexEntry:
		return &AddTableIndexEntryOp{}, nil
	case OpAddSegmentIndexEntry:
		return &AddSegmentIndexEntryOp{}, nil
	case OpAddChunkIndexEntry:
		return &AddChunkIndexEntryOp{}, nil
	case OpAddSegmentEntry:
		return &AddSegmentEntryOp{}, nil
	case OpAddBlockEntry:
		return &AddBlockEntryOp{}, nil
	case OpAddColumnEntry:
		return &AddColumnEntryOp{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownOp, t)
}
