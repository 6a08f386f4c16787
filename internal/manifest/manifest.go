package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/colstore/blobstore"
	"github.com/hupe1980/colstore/internal/hash"
	"github.com/hupe1980/colstore/model"
)

const (
	ManifestFileName = "MANIFEST"
	SnapshotFileName = "SNAPSHOT"
	CurrentFileName  = "CURRENT"
	// CurrentVersion is the version of the manifest format.
	CurrentVersion = 1
)

// Manifest describes one published checkpoint.
type Manifest struct {
	Version     int
	ID          uint64
	CreatedAt   time.Time
	MaxCommitTS model.TxnTimeStamp
	MaxTxnID    model.TxnID
	Snapshot    SnapshotInfo
}

// SnapshotInfo locates the serialized catalog of a checkpoint.
type SnapshotInfo struct {
	Path     string
	Size     int64
	Checksum uint32
}

// New creates an empty manifest. Its ID is 0 until the first Save.
func New() *Manifest {
	return &Manifest{Version: CurrentVersion, CreatedAt: time.Now()}
}

// ManifestName returns the blob name of the manifest for checkpoint id.
func ManifestName(id uint64) string {
	return fmt.Sprintf("%s-%06d.bin", ManifestFileName, id)
}

// ParseManifestName returns the checkpoint id encoded in a manifest blob name.
func ParseManifestName(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, ManifestFileName+"-")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".bin")
	if !ok || rest == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// SnapshotName returns the blob name of the catalog snapshot for checkpoint id.
func SnapshotName(id uint64) string {
	return fmt.Sprintf("%s-%06d.bin", SnapshotFileName, id)
}

// Store manages manifests and snapshots in a blob store.
type Store struct {
	store blobstore.BlobStore
	mu    sync.Mutex
}

// NewStore creates a new manifest store.
func NewStore(store blobstore.BlobStore) *Store {
	return &Store{store: store}
}

// Load loads the current manifest. It returns ErrNotFound before the first
// checkpoint.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	return s.LoadVersion(ctx, 0)
}

// LoadVersion loads a specific version ID. 0 means latest.
func (s *Store) LoadVersion(ctx context.Context, versionID uint64) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := ManifestName(versionID)
	if versionID == 0 {
		content, err := s.readBlob(ctx, CurrentFileName)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		name = string(content)
	}

	content, err := s.readBlob(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest %s: %w", name, err)
	}
	return ReadBinary(bytes.NewReader(content))
}

// ListVersions returns all readable manifests ordered by ID. Corrupted or
// unreadable manifests are skipped.
func (s *Store) ListVersions(ctx context.Context) ([]*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.store.List(ctx, ManifestFileName)
	if err != nil {
		return nil, err
	}
	var manifests []*Manifest
	for _, f := range files {
		if !strings.HasSuffix(f, ".bin") {
			continue
		}
		content, err := s.readBlob(ctx, f)
		if err != nil {
			continue
		}
		m, err := ReadBinary(bytes.NewReader(content))
		if err != nil {
			continue
		}
		manifests = append(manifests, m)
	}
	slices.SortFunc(manifests, func(a, b *Manifest) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return manifests, nil
}

// WriteSnapshot stores a catalog snapshot for the next version of m and
// records its location in m.Snapshot. The snapshot is not in effect until m
// is saved.
func (s *Store) WriteSnapshot(ctx context.Context, m *Manifest, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := SnapshotName(m.ID + 1)
	if err := s.store.Put(ctx, name, data); err != nil {
		return err
	}
	m.Snapshot = SnapshotInfo{
		Path:     name,
		Size:     int64(len(data)),
		Checksum: hash.CRC32C(data),
	}
	return nil
}

// ReadSnapshot returns the catalog snapshot referenced by m after verifying
// its size and checksum.
func (s *Store) ReadSnapshot(ctx context.Context, m *Manifest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readBlob(ctx, m.Snapshot.Path)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != m.Snapshot.Size {
		return nil, fmt.Errorf("%w: snapshot %s has %d bytes, expected %d", ErrCorrupt, m.Snapshot.Path, len(data), m.Snapshot.Size)
	}
	if hash.CRC32C(data) != m.Snapshot.Checksum {
		return nil, fmt.Errorf("%w: snapshot %s checksum mismatch", ErrCorrupt, m.Snapshot.Path)
	}
	return data, nil
}

// Save atomically saves a new manifest.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = CurrentVersion
	m.ID++
	m.CreatedAt = time.Now()

	var buf bytes.Buffer
	if err := m.WriteBinary(&buf); err != nil {
		return err
	}

	filename := ManifestName(m.ID)
	if err := s.store.Put(ctx, filename, buf.Bytes()); err != nil {
		return err
	}
	return s.store.Put(ctx, CurrentFileName, []byte(filename))
}

// DeleteVersion deletes the manifest file for the given version.
func (s *Store) DeleteVersion(ctx context.Context, versionID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(ctx, ManifestName(versionID))
}

// Prune deletes manifests and snapshots older than the newest keep versions,
// including snapshots that no manifest references.
func (s *Store) Prune(ctx context.Context, keep int) error {
	if keep < 1 {
		keep = 1
	}
	versions, err := s.ListVersions(ctx)
	if err != nil {
		return err
	}
	if len(versions) <= keep {
		return s.pruneSnapshots(ctx, versions)
	}

	for _, m := range versions[:len(versions)-keep] {
		if err := s.DeleteVersion(ctx, m.ID); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			return err
		}
	}
	return s.pruneSnapshots(ctx, versions[len(versions)-keep:])
}

func (s *Store) pruneSnapshots(ctx context.Context, live []*Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	referenced := make(map[string]struct{}, len(live))
	var newest uint64
	for _, m := range live {
		referenced[m.Snapshot.Path] = struct{}{}
		newest = max(newest, m.ID)
	}

	files, err := s.store.List(ctx, SnapshotFileName)
	if err != nil {
		return err
	}
	for _, f := range files {
		if _, ok := referenced[f]; ok {
			continue
		}
		// A snapshot newer than every manifest may belong to a checkpoint
		// in progress.
		var id uint64
		if _, err := fmt.Sscanf(f, SnapshotFileName+"-%d.bin", &id); err == nil && id > newest {
			continue
		}
		if err := s.store.Delete(ctx, f); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *Store) readBlob(ctx context.Context, name string) ([]byte, error) {
	b, err := s.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = b.Close() }()

	rc, err := b.ReadRange(ctx, 0, b.Size())
	if err != nil {
		if errors.Is(err, io.EOF) && b.Size() == 0 {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}
