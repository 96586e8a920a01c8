// Package store provides the ref-counted handle to a shard's on-disk index
// files that the replication engine shares with its external owner.
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/Ripolin/segrep/core"
	"github.com/Ripolin/segrep/manifest"
)

// Store is a ref-counted handle over a shard directory. The engine holds one
// reference for its lifetime; the external owner holds another. The directory
// is considered released once the count drops to zero.
type Store struct {
	dir       string
	refs      atomic.Int64
	manifests *manifest.Store
	logger    *slog.Logger
}

// Open creates a store handle over an existing shard directory. The caller
// owns the initial reference.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat store directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store path %s is not a directory", dir)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dir:       dir,
		manifests: manifest.NewStore(dir),
		logger:    logger.With("component", "Store"),
	}
	s.refs.Store(1)
	return s, nil
}

// TryIncRef attempts to take a reference, failing if the store is already
// fully released.
func (s *Store) TryIncRef() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// IncRef takes a reference. It panics if the store is already fully
// released; holding a live reference is a precondition for calling it.
func (s *Store) IncRef() {
	if !s.TryIncRef() {
		panic(fmt.Sprintf("store %s used after release", s.dir))
	}
}

// DecRef drops a reference. The last drop releases the store.
func (s *Store) DecRef() {
	n := s.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("store %s ref count went negative", s.dir))
	}
	if n == 0 {
		s.logger.Info("Store released.", "dir", s.dir)
	}
}

// RefCount returns the current reference count.
func (s *Store) RefCount() int64 {
	return s.refs.Load()
}

// Directory returns the shard directory path.
func (s *Store) Directory() string {
	return s.dir
}

// SegmentPath resolves a segment file name inside the shard directory.
func (s *Store) SegmentPath(name string) string {
	return filepath.Join(s.dir, name)
}

// ReadLastCommittedManifest loads the last committed manifest from disk.
func (s *Store) ReadLastCommittedManifest() (*manifest.Manifest, error) {
	m, err := s.manifests.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to read last committed manifest from %s: %w", s.dir, err)
	}
	return m, nil
}

// CommitManifest durably persists a manifest as the new commit point.
func (s *Store) CommitManifest(m *manifest.Manifest) error {
	return s.manifests.Save(m)
}

// VerifySegments checks that every file the manifest references is present
// in the shard directory.
func (s *Store) VerifySegments(m *manifest.Manifest) error {
	for _, seg := range m.Segments {
		if _, err := os.Stat(s.SegmentPath(seg.Name)); err != nil {
			return fmt.Errorf("manifest generation %d references missing segment %s: %w", m.Generation, seg.Name, err)
		}
	}
	return nil
}

// Bootstrap seeds a fresh shard directory with an empty generation-1 commit
// bound to the given WAL identity. It is intended for tooling and tests; a
// real replica receives its initial state from the replication source.
func Bootstrap(dir, walUUID string) error {
	if walUUID == "" {
		return fmt.Errorf("bootstrap requires a WAL identity token")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}
	m := &manifest.Manifest{
		Generation: 1,
		Segments:   nil,
		Metadata: map[string]string{
			core.WALIdentityKey:     walUUID,
			core.MaxSeqNoKey:        manifest.FormatSeqNo(core.NoOpsPerformed),
			core.LocalCheckpointKey: manifest.FormatSeqNo(core.NoOpsPerformed),
		},
	}
	if err := manifest.NewStore(dir).Save(m); err != nil {
		return fmt.Errorf("failed to write bootstrap manifest: %w", err)
	}
	return nil
}
