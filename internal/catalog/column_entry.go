package catalog

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/hupe1980/colstore/internal/buffer"
	"github.com/hupe1980/colstore/internal/datatype"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/internal/vector"
	"github.com/hupe1980/colstore/model"
)

// ColumnDataEntry is one column of one block, backed by "<id>.col".
type ColumnDataEntry struct {
	ColumnID    model.ColumnID
	Type        datatype.DataType
	RowCapacity uint32
	BaseDir     string
	FileName    string
	BeginTS     model.TxnTimeStamp
	Deleted     bool

	commitTS atomic.Uint64
	txnID    atomic.Uint64

	handle  *buffer.Handle
	flushed bool
}

func columnFileName(id model.ColumnID) string {
	return fmt.Sprintf("%d.col", id)
}

// MakeNewColumnDataEntry creates the column entry of block and allocates its
// buffer of type.Size() * rowCapacity bytes.
func MakeNewColumnDataEntry(block *BlockEntry, columnID model.ColumnID, rowCapacity uint32, dt datatype.DataType, bufMgr *buffer.Manager) (*ColumnDataEntry, error) {
	width, err := dt.Size()
	if err != nil {
		return nil, fmt.Errorf("column %d: %w", columnID, err)
	}
	e := &ColumnDataEntry{
		ColumnID:    columnID,
		Type:        dt,
		RowCapacity: rowCapacity,
		BaseDir:     block.Dir,
		FileName:    columnFileName(columnID),
		BeginTS:     block.beginTS,
	}
	e.commitTS.Store(uint64(model.UncommittedTS))
	e.txnID.Store(uint64(block.txnID))
	e.handle = bufMgr.AllocateBufferHandle(e.BaseDir, e.FileName, width*int(rowCapacity))
	return e, nil
}

// CommitTS returns the commit timestamp of the column data.
func (e *ColumnDataEntry) CommitTS() model.TxnTimeStamp { return model.TxnTimeStamp(e.commitTS.Load()) }

// TxnID returns the id of the transaction that created the column.
func (e *ColumnDataEntry) TxnID() model.TxnID { return model.TxnID(e.txnID.Load()) }

// Commit stamps the column with commitTS.
func (e *ColumnDataEntry) Commit(commitTS model.TxnTimeStamp) {
	e.commitTS.Store(uint64(commitTS))
}

func (e *ColumnDataEntry) committed() bool { return e.CommitTS() != model.UncommittedTS }

// Flushed reports whether Flush succeeded.
func (e *ColumnDataEntry) Flushed() bool { return e.flushed }

// Bound reports whether a buffer handle is attached.
func (e *ColumnDataEntry) Bound() bool { return e.handle != nil }

func (e *ColumnDataEntry) bufferSize() int {
	width, err := e.Type.Size()
	if err != nil {
		return 0
	}
	return width * int(e.RowCapacity)
}

// GetColumnData pins the column bytes. An unbound entry is resolved through
// bufMgr by its stored path.
func (e *ColumnDataEntry) GetColumnData(bufMgr *buffer.Manager) (*buffer.Object, error) {
	e.bind(bufMgr)
	return e.handle.Load()
}

// Append copies rows values of src starting at blockStart into the column
// starting at columnStart.
func (e *ColumnDataEntry) Append(src *vector.ColumnVector, blockStart, columnStart, rows int) error {
	if e.handle == nil {
		status.Unrecoverable("append to column %d of %s without buffer handle", e.ColumnID, e.BaseDir)
	}
	width, err := e.Type.Size()
	if err != nil {
		return err
	}
	if !src.Type().Equal(e.Type) {
		return fmt.Errorf("%w: column %d is %s, got %s", status.ErrDataTypeMismatch, e.ColumnID, e.Type, src.Type())
	}
	if columnStart+rows > int(e.RowCapacity) {
		status.Unrecoverable("append of %d rows at %d overflows column %d capacity %d", rows, columnStart, e.ColumnID, e.RowCapacity)
	}
	obj, err := e.handle.Load()
	if err != nil {
		return err
	}
	defer obj.Release()
	copy(obj.Data()[columnStart*width:], src.Data()[blockStart*width:(blockStart+rows)*width])
	obj.MarkDirty()
	return nil
}

// Flush writes, syncs and closes the first rowCount values. It may succeed
// only once per entry.
func (e *ColumnDataEntry) Flush(rowCount uint32) error {
	if e.flushed {
		status.Unrecoverable("column %d of %s is already flushed", e.ColumnID, e.BaseDir)
	}
	width, err := e.Type.Size()
	if err != nil {
		return err
	}
	if e.handle != nil {
		if err := e.persist(width * int(rowCount)); err != nil {
			return err
		}
		if err := e.handle.CloseFile(); err != nil {
			return err
		}
	}
	e.flushed = true
	return nil
}

// Checkpoint writes and syncs the first rowCount values, keeping the column
// open for further appends.
func (e *ColumnDataEntry) Checkpoint(rowCount uint32) error {
	width, err := e.Type.Size()
	if err != nil {
		return err
	}
	return e.persist(width * int(rowCount))
}

// persist writes and syncs size bytes. An unbound entry was never loaded
// since it was last persisted, so its data file is current.
func (e *ColumnDataEntry) persist(size int) error {
	if e.handle == nil || size == 0 {
		return nil
	}
	if err := e.handle.WriteFile(size); err != nil {
		return err
	}
	return e.handle.SyncFile()
}

// bind attaches the buffer handle of an entry restored from a snapshot.
func (e *ColumnDataEntry) bind(bufMgr *buffer.Manager) {
	if e.handle == nil {
		e.handle = bufMgr.GetBufferHandle(e.BaseDir, e.FileName, buffer.KindData, e.bufferSize())
	}
}

// readRange returns a copy of count values starting at row start.
func (e *ColumnDataEntry) readRange(bufMgr *buffer.Manager, start, count uint32) ([]byte, error) {
	width, err := e.Type.Size()
	if err != nil {
		return nil, err
	}
	obj, err := e.GetColumnData(bufMgr)
	if err != nil {
		return nil, err
	}
	defer obj.Release()
	out := make([]byte, int(count)*width)
	copy(out, obj.Data()[int(start)*width:])
	return out, nil
}

// writeRange stores raw values at row start. Used by delta replay.
func (e *ColumnDataEntry) writeRange(bufMgr *buffer.Manager, start uint32, data []byte) error {
	width, err := e.Type.Size()
	if err != nil {
		return err
	}
	obj, err := e.GetColumnData(bufMgr)
	if err != nil {
		return err
	}
	defer obj.Release()
	if int(start)*width+len(data) > len(obj.Data()) {
		return fmt.Errorf("%w: replay of %d bytes at row %d overflows %s", status.ErrDataIO, len(data), start, e.FileName)
	}
	copy(obj.Data()[int(start)*width:], data)
	obj.MarkDirty()
	return nil
}

func (e *ColumnDataEntry) remove(bufMgr *buffer.Manager) error {
	e.handle = nil
	return bufMgr.RemoveBufferHandle(e.BaseDir, e.FileName)
}

type columnRecord struct {
	ColumnType  datatype.DataType  `json:"column_type"`
	BaseDir     string             `json:"base_dir"`
	FileName    string             `json:"file_name"`
	ColumnID    model.ColumnID     `json:"column_id"`
	RowCapacity uint32             `json:"row_capacity"`
	BeginTS     model.TxnTimeStamp `json:"begin_ts"`
	CommitTS    model.TxnTimeStamp `json:"commit_ts"`
	TxnID       model.TxnID        `json:"txn_id"`
	Deleted     bool               `json:"deleted"`
}

// Serialize returns the JSON record of the entry.
func (e *ColumnDataEntry) Serialize() ([]byte, error) {
	return json.Marshal(e.record())
}

func (e *ColumnDataEntry) record() columnRecord {
	return columnRecord{
		ColumnType:  e.Type,
		BaseDir:     e.BaseDir,
		FileName:    e.FileName,
		ColumnID:    e.ColumnID,
		RowCapacity: e.RowCapacity,
		BeginTS:     e.BeginTS,
		CommitTS:    e.CommitTS(),
		TxnID:       e.TxnID(),
		Deleted:     e.Deleted,
	}
}

// DeserializeColumnDataEntry rebuilds an entry from its JSON record. The
// buffer handle stays unbound until GetColumnData.
func DeserializeColumnDataEntry(data []byte) (*ColumnDataEntry, error) {
	var r columnRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: column record: %v", status.ErrDataIO, err)
	}
	return columnFromRecord(r), nil
}

func columnFromRecord(r columnRecord) *ColumnDataEntry {
	e := &ColumnDataEntry{
		ColumnID:    r.ColumnID,
		Type:        r.ColumnType,
		RowCapacity: r.RowCapacity,
		BaseDir:     r.BaseDir,
		FileName:    r.FileName,
		BeginTS:     r.BeginTS,
		Deleted:     r.Deleted,
	}
	e.commitTS.Store(uint64(r.CommitTS))
	e.txnID.Store(uint64(r.TxnID))
	return e
}
