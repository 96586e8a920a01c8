package wal

import (
	"fmt"
	"sync"

	"github.com/Ripolin/segrep/core"
)

// RecoveryFunc is a caller-supplied replay function invoked with a snapshot
// of the operations to recover.
type RecoveryFunc func(snapshot Snapshot) error

// FailureCallback reports an append or sync failure to whoever owns
// shard-level failure handling.
type FailureCallback func(reason string, err error)

// Manager is the capability interface the replication engine drives the WAL
// through. Keeping the log behind this interface lets the engine stay
// agnostic to whether durability is performed locally, remotely, or not at
// all: every variant honors the same call protocol, recovery included, so
// callers cannot tell which variant is active except through return values.
type Manager interface {
	// Append records the operation and returns its durable location.
	Append(op core.Operation) (core.WALLocation, error)
	// Sync flushes outstanding records, reporting whether work was done.
	Sync() (bool, error)
	// EnsureSynced makes the given location durable if it is not already.
	EnsureSynced(loc core.WALLocation) (bool, error)
	// IsSyncNeeded reports whether unsynced records exist.
	IsSyncNeeded() bool
	// RollGeneration closes the active generation and starts a new one.
	RollGeneration() error
	// Recover replays recorded operations in [fromCheckpoint+1, toSeqNo]
	// through the given function and returns how many were replayed.
	Recover(fn RecoveryFunc, fromCheckpoint, toSeqNo uint64) (int, error)
	// SafeGeneration returns the highest generation prefix whose operations
	// all carry sequence numbers at or below maxSeqNo, or 0 if none.
	SafeGeneration(maxSeqNo uint64) (uint64, error)
	// SetMinReferencedGeneration marks generations below the given index as
	// no longer needed for recovery.
	SetMinReferencedGeneration(gen uint64)
	// TrimUnreferenced removes generations no longer needed for recovery.
	TrimUnreferenced() error
	// Stats returns a point-in-time summary of the log.
	Stats() Stats
	// LastWriteLocation returns the location of the latest appended record.
	LastWriteLocation() core.WALLocation
	// WAL exposes the underlying log handle. Variants without a local log
	// return nil; callers must not dereference it in that case.
	WAL() *WAL
	Close() error
}

// AppendOnlyManager manages a durable log for an engine that has no local
// index to recover into: appends, syncs, rolls and trims behave as on any
// durable log, but Recover replays an empty snapshot. It still runs the
// recovery under the engine's read lock and open check, so external callers
// cannot distinguish it from a recovery that found zero operations.
type AppendOnlyManager struct {
	wal        *WAL
	readLock   *sync.RWMutex
	ensureOpen func() error
	onFailure  FailureCallback

	mu               sync.Mutex
	minReferencedGen uint64
}

// AppendOnlyConfig bundles the collaborators an AppendOnlyManager needs.
type AppendOnlyConfig struct {
	WAL        *WAL
	ReadLock   *sync.RWMutex
	EnsureOpen func() error
	OnFailure  FailureCallback
}

var _ Manager = (*AppendOnlyManager)(nil)

// NewAppendOnlyManager wraps a durable log in the append-only manager.
func NewAppendOnlyManager(cfg AppendOnlyConfig) *AppendOnlyManager {
	return &AppendOnlyManager{
		wal:        cfg.WAL,
		readLock:   cfg.ReadLock,
		ensureOpen: cfg.EnsureOpen,
		onFailure:  cfg.OnFailure,
	}
}

func (m *AppendOnlyManager) Append(op core.Operation) (core.WALLocation, error) {
	loc, err := m.wal.Append(op)
	if err != nil {
		m.reportFailure("wal append failed", err)
		return core.WALLocation{}, err
	}
	return loc, nil
}

func (m *AppendOnlyManager) Sync() (bool, error) {
	did, err := m.wal.Sync()
	if err != nil {
		m.reportFailure("wal sync failed", err)
		return false, err
	}
	return did, nil
}

func (m *AppendOnlyManager) EnsureSynced(loc core.WALLocation) (bool, error) {
	did, err := m.wal.EnsureSynced(loc)
	if err != nil {
		m.reportFailure("wal sync failed", err)
		return false, err
	}
	return did, nil
}

func (m *AppendOnlyManager) IsSyncNeeded() bool {
	return m.wal.IsSyncNeeded()
}

func (m *AppendOnlyManager) RollGeneration() error {
	return m.wal.Rotate()
}

// Recover replays an empty snapshot: there is no local index to recover
// into. The lock and open-check discipline of a real recovery still applies.
func (m *AppendOnlyManager) Recover(fn RecoveryFunc, fromCheckpoint, toSeqNo uint64) (int, error) {
	m.readLock.RLock()
	defer m.readLock.RUnlock()
	if err := m.ensureOpen(); err != nil {
		return 0, err
	}
	snapshot := EmptySnapshot
	defer snapshot.Close()
	if err := fn(snapshot); err != nil {
		return 0, fmt.Errorf("failed to recover from empty wal snapshot: %w", err)
	}
	return snapshot.TotalOperations(), nil
}

func (m *AppendOnlyManager) SafeGeneration(maxSeqNo uint64) (uint64, error) {
	return m.wal.SafeGeneration(maxSeqNo)
}

func (m *AppendOnlyManager) SetMinReferencedGeneration(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen > m.minReferencedGen {
		m.minReferencedGen = gen
	}
}

func (m *AppendOnlyManager) TrimUnreferenced() error {
	m.mu.Lock()
	minRef := m.minReferencedGen
	m.mu.Unlock()
	if minRef == 0 {
		return nil
	}
	return m.wal.Purge(minRef - 1)
}

func (m *AppendOnlyManager) Stats() Stats {
	return m.wal.Stats()
}

func (m *AppendOnlyManager) LastWriteLocation() core.WALLocation {
	return m.wal.LastWriteLocation()
}

func (m *AppendOnlyManager) WAL() *WAL {
	return m.wal
}

func (m *AppendOnlyManager) Close() error {
	return m.wal.Close()
}

func (m *AppendOnlyManager) reportFailure(reason string, err error) {
	if m.onFailure != nil {
		m.onFailure(reason, err)
	}
}

// NoopManager is the inert variant, for configurations where durability is
// intentionally delegated elsewhere. Every mutating call is a deliberate
// no-op. Recover still acquires the read lock, runs the open check and
// invokes the caller's replay function with the empty snapshot, preserving
// call-contract symmetry with real managers.
type NoopManager struct {
	readLock   *sync.RWMutex
	ensureOpen func() error
}

var _ Manager = (*NoopManager)(nil)

// NewNoopManager creates the inert manager bound to the engine's read lock
// and open check.
func NewNoopManager(readLock *sync.RWMutex, ensureOpen func() error) *NoopManager {
	return &NoopManager{readLock: readLock, ensureOpen: ensureOpen}
}

func (m *NoopManager) Append(op core.Operation) (core.WALLocation, error) {
	return core.WALLocation{}, nil
}

func (m *NoopManager) Sync() (bool, error) {
	return false, nil
}

func (m *NoopManager) EnsureSynced(loc core.WALLocation) (bool, error) {
	return false, nil
}

func (m *NoopManager) IsSyncNeeded() bool {
	return false
}

func (m *NoopManager) RollGeneration() error {
	return nil
}

func (m *NoopManager) Recover(fn RecoveryFunc, fromCheckpoint, toSeqNo uint64) (int, error) {
	m.readLock.RLock()
	defer m.readLock.RUnlock()
	if err := m.ensureOpen(); err != nil {
		return 0, err
	}
	snapshot := EmptySnapshot
	defer snapshot.Close()
	if err := fn(snapshot); err != nil {
		return 0, fmt.Errorf("failed to recover from empty wal snapshot: %w", err)
	}
	return snapshot.TotalOperations(), nil
}

func (m *NoopManager) SafeGeneration(maxSeqNo uint64) (uint64, error) {
	return 0, nil
}

func (m *NoopManager) SetMinReferencedGeneration(gen uint64) {}

func (m *NoopManager) TrimUnreferenced() error {
	return nil
}

func (m *NoopManager) Stats() Stats {
	return Stats{}
}

func (m *NoopManager) LastWriteLocation() core.WALLocation {
	return core.WALLocation{}
}

func (m *NoopManager) WAL() *WAL {
	return nil
}

func (m *NoopManager) Close() error {
	return nil
}
