package manifest

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colstore/model"
)

func TestBinaryRoundTrip(t *testing.T) {
	m := &Manifest{
		Version:     CurrentVersion,
		ID:          7,
		CreatedAt:   time.Unix(0, 1700000000123456789),
		MaxCommitTS: 42,
		MaxTxnID:    40,
		Snapshot: SnapshotInfo{
			Path:     "SNAPSHOT-000007.bin",
			Size:     1024,
			Checksum: 0xdeadbeef,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, m.WriteBinary(&buf))

	m2, err := ReadBinary(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.ID, m2.ID)
	assert.True(t, m.CreatedAt.Equal(m2.CreatedAt))
	assert.Equal(t, model.TxnTimeStamp(42), m2.MaxCommitTS)
	assert.Equal(t, model.TxnID(40), m2.MaxTxnID)
	assert.Equal(t, m.Snapshot, m2.Snapshot)
}

func TestReadBinaryErrors(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&Manifest{ID: 1, Snapshot: SnapshotInfo{Path: "s"}}).WriteBinary(&buf))
	valid := buf.Bytes()

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{
			name:   "short header",
			mutate: func(b []byte) []byte { return b[:8] },
			want:   ErrCorrupt,
		},
		{
			name: "bad magic",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[0:4], 0x56454347)
				return b
			},
			want: ErrCorrupt,
		},
		{
			name: "future version",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[4:8], 99)
				return b
			},
			want: ErrIncompatibleVersion,
		},
		{
			name: "flipped payload bit",
			mutate: func(b []byte) []byte {
				b[binaryHeaderSize] ^= 0x01
				return b
			},
			want: ErrCorrupt,
		},
		{
			name:   "truncated payload",
			mutate: func(b []byte) []byte { return b[:len(b)-3] },
			want:   ErrCorrupt,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(bytes.Clone(valid))
			_, err := ReadBinary(bytes.NewReader(data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestWriteBinaryLongPath(t *testing.T) {
	m := &Manifest{Snapshot: SnapshotInfo{Path: string(make([]byte, 70000))}}
	var buf bytes.Buffer
	assert.Error(t, m.WriteBinary(&buf))
	assert.Zero(t, buf.Len())
}
