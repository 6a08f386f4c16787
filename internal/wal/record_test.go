package wal

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_RoundTrip(t *testing.T) {
	r := &Record{TxnID: 7, CommitTS: 42, Payload: []byte("delta")}
	assert.Equal(t, 24+5, r.Size())

	var buf bytes.Buffer
	require.NoError(t, r.Encode(&buf))
	assert.Equal(t, r.Size(), buf.Len())

	got, n, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(r.Size()), n)
	assert.Equal(t, r, got)

	_, _, err = Decode(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestRecord_DecodeErrors(t *testing.T) {
	_, _, err := Decode(bytes.NewReader([]byte{0x00, 0x01}))
	assert.ErrorIs(t, err, ErrShortRead)

	var buf bytes.Buffer
	require.NoError(t, (&Record{TxnID: 1, CommitTS: 1, Payload: []byte("abc")}).Encode(&buf))
	data := buf.Bytes()

	_, _, err = Decode(bytes.NewReader(data[:len(data)-1]))
	assert.ErrorIs(t, err, ErrShortRead)

	corrupt := append([]byte(nil), data...)
	corrupt[0]++
	_, _, err = Decode(bytes.NewReader(corrupt))
	assert.ErrorIs(t, err, ErrInvalidCRC)

	// A changed commit timestamp is covered by the checksum too.
	corrupt = append([]byte(nil), data...)
	corrupt[12]++
	_, _, err = Decode(bytes.NewReader(corrupt))
	assert.ErrorIs(t, err, ErrInvalidCRC)

	huge := append([]byte(nil), data...)
	huge[23] = 0xff
	_, _, err = Decode(bytes.NewReader(huge))
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

type failWriter struct {
	failAt int
	count  int
}

func (fw *failWriter) Write(p []byte) (int, error) {
	if fw.count+len(p) > fw.failAt {
		return 0, errors.New("write error")
	}
	fw.count += len(p)
	return len(p), nil
}

func TestRecord_EncodeErrors(t *testing.T) {
	r := &Record{TxnID: 1, CommitTS: 2, Payload: []byte("payload")}
	assert.Error(t, r.Encode(&failWriter{failAt: 0}))
	assert.Error(t, r.Encode(&failWriter{failAt: 24}))
	assert.NoError(t, r.Encode(&failWriter{failAt: r.Size()}))
}
