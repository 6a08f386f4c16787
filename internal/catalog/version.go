package catalog

import (
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/colstore/model"
)

type blockVersion struct {
	created []atomic.Uint64
	deleted []atomic.Uint64
	txn     []atomic.Uint64
}

// SegmentVersion holds the created and deleted timestamps and the writing
// transaction of every row of a segment, indexed by segment offset. Arrays
// are allocated a block at a time as rows arrive.
type SegmentVersion struct {
	blockCapacity uint32
	mu            sync.RWMutex
	blocks        []*blockVersion
}

func newSegmentVersion(blockCapacity, blocks uint32) *SegmentVersion {
	return &SegmentVersion{
		blockCapacity: blockCapacity,
		blocks:        make([]*blockVersion, blocks),
	}
}

func (v *SegmentVersion) block(offset uint32, alloc bool) (*blockVersion, uint32) {
	b, i := offset/v.blockCapacity, offset%v.blockCapacity
	if int(b) >= len(v.blocks) {
		return nil, 0
	}
	v.mu.RLock()
	bv := v.blocks[b]
	v.mu.RUnlock()
	if bv == nil && alloc {
		v.mu.Lock()
		if bv = v.blocks[b]; bv == nil {
			bv = &blockVersion{
				created: make([]atomic.Uint64, v.blockCapacity),
				deleted: make([]atomic.Uint64, v.blockCapacity),
				txn:     make([]atomic.Uint64, v.blockCapacity),
			}
			v.blocks[b] = bv
		}
		v.mu.Unlock()
	}
	return bv, i
}

// Append marks count rows from start as written by txnID. A createdTS of 0
// leaves them invisible to other transactions until Commit.
func (v *SegmentVersion) Append(start, count uint32, txnID model.TxnID, createdTS model.TxnTimeStamp) {
	for off := start; off < start+count; off++ {
		bv, i := v.block(off, true)
		bv.txn[i].Store(uint64(txnID))
		bv.created[i].Store(uint64(createdTS))
	}
}

// Commit stamps count rows from start with commitTS.
func (v *SegmentVersion) Commit(start, count uint32, commitTS model.TxnTimeStamp) {
	for off := start; off < start+count; off++ {
		bv, i := v.block(off, true)
		bv.created[i].Store(uint64(commitTS))
	}
}

// Reset clears count rows from start.
func (v *SegmentVersion) Reset(start, count uint32) {
	for off := start; off < start+count; off++ {
		bv, i := v.block(off, false)
		if bv == nil {
			continue
		}
		bv.txn[i].Store(0)
		bv.created[i].Store(0)
		bv.deleted[i].Store(0)
	}
}

// Created returns the created timestamp of a row.
func (v *SegmentVersion) Created(offset uint32) model.TxnTimeStamp {
	bv, i := v.block(offset, false)
	if bv == nil {
		return 0
	}
	return model.TxnTimeStamp(bv.created[i].Load())
}

// Deleted returns the deleted timestamp of a row, 0 if live.
func (v *SegmentVersion) Deleted(offset uint32) model.TxnTimeStamp {
	bv, i := v.block(offset, false)
	if bv == nil {
		return 0
	}
	return model.TxnTimeStamp(bv.deleted[i].Load())
}

// Delete marks a row deleted at commitTS. It returns the previous deleted
// timestamp; the row is only changed when that was 0.
func (v *SegmentVersion) Delete(offset uint32, commitTS model.TxnTimeStamp) model.TxnTimeStamp {
	bv, i := v.block(offset, true)
	if bv.deleted[i].CompareAndSwap(0, uint64(commitTS)) {
		return 0
	}
	return model.TxnTimeStamp(bv.deleted[i].Load())
}

// Undelete clears a delete made at commitTS.
func (v *SegmentVersion) Undelete(offset uint32, commitTS model.TxnTimeStamp) {
	bv, i := v.block(offset, false)
	if bv != nil {
		bv.deleted[i].CompareAndSwap(uint64(commitTS), 0)
	}
}

// Visible reports whether row offset is readable by txnID at readTS.
func (v *SegmentVersion) Visible(offset uint32, txnID model.TxnID, readTS model.TxnTimeStamp) bool {
	bv, i := v.block(offset, false)
	if bv == nil {
		return false
	}
	created := model.TxnTimeStamp(bv.created[i].Load())
	if model.TxnID(bv.txn[i].Load()) != txnID || txnID == model.InvalidTxnID {
		if created == 0 || created > readTS {
			return false
		}
	}
	deleted := model.TxnTimeStamp(bv.deleted[i].Load())
	return deleted == 0 || deleted > readTS
}

// VisibleRows returns the offsets in [0, rowCount) readable by txnID at readTS.
func (v *SegmentVersion) VisibleRows(rowCount uint32, txnID model.TxnID, readTS model.TxnTimeStamp) *roaring.Bitmap {
	bm := roaring.New()
	for off := uint32(0); off < rowCount; off++ {
		if v.Visible(off, txnID, readTS) {
			bm.Add(off)
		}
	}
	return bm
}

// Run is a run of consecutive rows created at the same timestamp.
type Run struct {
	TS    model.TxnTimeStamp `json:"ts"`
	Count uint32             `json:"count"`
}

// createdRuns run-length encodes the created timestamps of [0, rowCount).
func (v *SegmentVersion) createdRuns(rowCount uint32) []Run {
	var runs []Run
	for off := uint32(0); off < rowCount; off++ {
		ts := v.Created(off)
		if n := len(runs); n > 0 && runs[n-1].TS == ts {
			runs[n-1].Count++
			continue
		}
		runs = append(runs, Run{TS: ts, Count: 1})
	}
	return runs
}

func (v *SegmentVersion) restoreRuns(runs []Run) {
	off := uint32(0)
	for _, r := range runs {
		v.Append(off, r.Count, model.InvalidTxnID, r.TS)
		off += r.Count
	}
}
