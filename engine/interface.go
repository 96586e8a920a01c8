package engine

import (
	"context"
	"io"

	"github.com/Ripolin/segrep/core"
	"github.com/Ripolin/segrep/manifest"
	"github.com/Ripolin/segrep/wal"
)

// Engine is the public contract of a replica-side storage engine. The only
// implementation in this package is ReplicationEngine; the interface exists
// so callers and tests can substitute fakes.
type Engine interface {
	// Replication path.
	UpdateSegments(ctx context.Context, m *manifest.Manifest, seqNo uint64) error

	// Write path. Operations carry upstream-assigned sequence numbers.
	Index(req IndexRequest) (*WriteResult, error)
	Delete(req DeleteRequest) (*WriteResult, error)
	NoOp(req NoOpRequest) (*WriteResult, error)

	// Read path.
	Get(ctx context.Context, req GetRequest, factory SearcherFactory) (*GetResult, error)

	// Accessors.
	LastCommittedManifest() *manifest.Manifest
	LatestManifest() *manifest.Manifest
	MaxSeqNo() uint64
	ProcessedCheckpoint() uint64
	PersistedCheckpoint() uint64
	SeqNoStats() core.SeqNoStats
	SafeCommitInfo() core.SafeCommitInfo
	SegmentStats() (SegmentStats, error)
	WALStats() wal.Stats

	// History operations this variant cannot serve.
	AcquireHistoryRetentionLock() (io.Closer, error)
	NewChangesSnapshot(fromSeqNo, toSeqNo uint64) (wal.Snapshot, error)
	CountHistoryOperations(source string, fromSeqNo, toSeqNo uint64) (int, error)

	// Local-writer operations that are deliberate no-ops here.
	Refresh(source string) error
	MaybeRefresh(source string) (bool, error)
	Flush(force, waitIfOngoing bool) error
	ForceMerge(maxSegments int) error
	WriteIndexingBuffer() error
	ShouldPeriodicallyFlush() bool
	ActivateThrottling()
	DeactivateThrottling()
	IsThrottled() bool

	Close() error
}

var _ Engine = (*ReplicationEngine)(nil)
