package wal

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/hupe1980/colstore/internal/hash"
	"github.com/hupe1980/colstore/model"
)

const (
	recordHeaderSize = 4 + 8 + 8 + 4
	maxRecordSize    = 256 * 1024 * 1024
)

var (
	ErrInvalidCRC     = errors.New("invalid WAL record checksum")
	ErrShortRead      = errors.New("short read in WAL record")
	ErrRecordTooLarge = errors.New("WAL record too large")
)

// Record is one committed transaction: its encoded delta entry and the
// timestamps needed to skip it when it is already checkpointed.
type Record struct {
	TxnID    model.TxnID
	CommitTS model.TxnTimeStamp
	Payload  []byte
}

// Size returns the encoded size of the record.
func (r *Record) Size() int {
	return recordHeaderSize + len(r.Payload)
}

// Encode writes the record to w.
// Format:
// [CRC32C: 4 bytes] [TxnID: 8 bytes] [CommitTS: 8 bytes] [Length: 4 bytes] [Payload: Length bytes]
// The checksum covers everything after itself.
func (r *Record) Encode(w io.Writer) error {
	if len(r.Payload) > maxRecordSize {
		return ErrRecordTooLarge
	}
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint64(header[4:], uint64(r.TxnID))
	binary.LittleEndian.PutUint64(header[12:], uint64(r.CommitTS))
	binary.LittleEndian.PutUint32(header[20:], uint32(len(r.Payload)))

	crc := hash.UpdateCRC32C(hash.CRC32C(header[4:]), r.Payload)
	binary.LittleEndian.PutUint32(header[0:], crc)

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(r.Payload)
	return err
}

// Decode reads a record from r and returns the bytes consumed. A clean end
// of input is io.EOF; a record cut short is ErrShortRead.
func Decode(r io.Reader) (*Record, int64, error) {
	var header [recordHeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, int64(n), ErrShortRead
	}

	length := binary.LittleEndian.Uint32(header[20:])
	if length > maxRecordSize {
		return nil, recordHeaderSize, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	if m, err := io.ReadFull(r, payload); err != nil {
		return nil, recordHeaderSize + int64(m), ErrShortRead
	}

	size := int64(recordHeaderSize) + int64(length)
	crc := hash.UpdateCRC32C(hash.CRC32C(header[4:]), payload)
	if crc != binary.LittleEndian.Uint32(header[0:]) {
		return nil, size, ErrInvalidCRC
	}

	return &Record{
		TxnID:    model.TxnID(binary.LittleEndian.Uint64(header[4:])),
		CommitTS: model.TxnTimeStamp(binary.LittleEndian.Uint64(header[12:])),
		Payload:  payload,
	}, size, nil
}
