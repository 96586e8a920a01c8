// Package engine implements the replica-side segment-replication storage
// engine. The engine keeps an on-disk index consistent with segment manifests
// pushed from an external replication source: it never builds segments
// locally, but independently guarantees write-ahead durability and
// sequence-number accounting for the operations it is handed.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Ripolin/segrep/checkpoint"
	"github.com/Ripolin/segrep/compressors"
	"github.com/Ripolin/segrep/core"
	"github.com/Ripolin/segrep/hooks"
	"github.com/Ripolin/segrep/manifest"
	"github.com/Ripolin/segrep/reader"
	"github.com/Ripolin/segrep/store"
	"github.com/Ripolin/segrep/wal"
)

// Engine lifecycle states.
const (
	stateInitializing int32 = iota
	stateOpen
	stateFailed
	stateClosing
	stateClosed
)

// FailureCallback is invoked when the engine marks itself failed. The
// receiver owns shard-level failure handling; the engine itself only stops
// accepting mutations.
type FailureCallback func(shard, reason string, err error)

// Config bundles everything a ReplicationEngine needs. Store is required and
// must hold at least one live reference; the engine takes its own reference
// on construction and drops it exactly once on close.
type Config struct {
	Shard  string
	Store  *store.Store
	WALDir string

	SyncMode          wal.SyncMode
	MaxGenerationSize int64
	Compression       core.CompressionType

	// DisableWAL selects the inert log variant: durability is delegated
	// elsewhere and every WAL-mutating call becomes a deliberate no-op.
	DisableWAL bool

	// GlobalCheckpoint supplies the cluster-wide checkpoint for stats
	// snapshots. Optional; defaults to the local processed checkpoint.
	GlobalCheckpoint func() uint64

	Logger         *slog.Logger
	Metrics        *EngineMetrics
	TracerProvider trace.TracerProvider
	HookManager    hooks.HookManager
	OnFailure      FailureCallback
}

// ReplicationEngine receives externally built segment manifests and exposes
// atomic read views over them, while appending replicated operations to a
// local WAL for durability. State machine:
// Initializing -> Open -> (Failed | Closing -> Closed).
type ReplicationEngine struct {
	shard  string
	walDir string

	st      *store.Store
	readers *reader.Manager
	walMgr  wal.Manager
	tracker *checkpoint.Tracker

	// rwl is the engine-wide read lock: operations hold it shared, Close
	// holds it exclusively to drain in-flight calls. The WAL manager runs
	// its recovery protocol under the same lock.
	rwl   sync.RWMutex
	state atomic.Int32

	// updateMu serializes UpdateSegments against itself.
	updateMu sync.Mutex

	// mu guards lastCommitted.
	mu            sync.Mutex
	lastCommitted *manifest.Manifest

	closing  atomic.Bool
	closedCh chan struct{}

	globalCheckpoint func() uint64
	onFailure        FailureCallback
	segmentStats     *segmentStatsCache

	logger      *slog.Logger
	metrics     *EngineMetrics
	tracer      trace.Tracer
	hookManager hooks.HookManager
}

// NewReplicationEngine constructs and opens an engine over the store's last
// committed manifest. Construction is a sequence of scoped resource
// acquisitions; on any failure every resource acquired so far is released in
// reverse order before a CreationError is returned, so no half-initialized
// engine ever escapes.
func NewReplicationEngine(cfg Config) (*ReplicationEngine, error) {
	if cfg.Store == nil {
		return nil, &CreationError{Shard: cfg.Shard, Err: fmt.Errorf("store must be provided")}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewEngineMetrics(false, "")
	}
	e := &ReplicationEngine{
		shard:            cfg.Shard,
		walDir:           cfg.WALDir,
		closedCh:         make(chan struct{}),
		globalCheckpoint: cfg.GlobalCheckpoint,
		onFailure:        cfg.OnFailure,
		logger:           cfg.Logger.With("component", "ReplicationEngine", "shard", cfg.Shard),
		metrics:          cfg.Metrics,
		hookManager:      cfg.HookManager,
	}
	if cfg.TracerProvider != nil {
		e.tracer = cfg.TracerProvider.Tracer("github.com/Ripolin/segrep/engine")
	} else {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}
	e.state.Store(stateInitializing)

	// Resources released in reverse order if any later step fails.
	var cleanups []func()
	fail := func(err error) (*ReplicationEngine, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		return nil, &CreationError{Shard: cfg.Shard, Err: err}
	}

	if !cfg.Store.TryIncRef() {
		return nil, &CreationError{Shard: cfg.Shard, Err: fmt.Errorf("store %s is already released", cfg.Store.Directory())}
	}
	e.st = cfg.Store
	cleanups = append(cleanups, e.st.DecRef)

	committed, err := e.st.ReadLastCommittedManifest()
	if err != nil {
		return fail(fmt.Errorf("failed to read last committed manifest: %w", err))
	}
	walUUID, err := committed.WALIdentity()
	if err != nil {
		return fail(err)
	}
	seqNos, err := committed.SeqNos()
	if err != nil {
		return fail(fmt.Errorf("manifest generation %d carries no usable checkpoint metadata: %w", committed.Generation, err))
	}
	e.lastCommitted = committed
	e.tracker = checkpoint.NewTracker(seqNos.MaxSeqNo, seqNos.LocalCheckpoint)

	e.readers, err = reader.NewManager(e.st, committed, cfg.Logger)
	if err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, func() {
		if cerr := e.readers.Close(); cerr != nil {
			e.logger.Warn("Failed to close reader manager during cleanup", "error", cerr)
		}
	})

	e.segmentStats = newSegmentStatsCache(e.readers)
	e.readers.AddListener(e.segmentStats)

	if cfg.DisableWAL {
		e.walMgr = wal.NewNoopManager(&e.rwl, e.ensureOpen)
	} else {
		compressor, cerr := compressors.ForType(cfg.Compression)
		if cerr != nil {
			return fail(fmt.Errorf("invalid WAL compression: %w", cerr))
		}
		w, werr := wal.Open(wal.Options{
			Dir:            cfg.WALDir,
			UUID:           walUUID,
			SyncMode:       cfg.SyncMode,
			MaxGenSize:     cfg.MaxGenerationSize,
			Compressor:     compressor,
			Logger:         cfg.Logger,
			BytesWritten:   cfg.Metrics.WALBytesWrittenTotal,
			EntriesWritten: cfg.Metrics.WALEntriesWrittenTotal,
			HookManager:    cfg.HookManager,
			OnPersisted:    e.tracker.FastForwardPersisted,
		})
		if werr != nil {
			return fail(fmt.Errorf("failed to open WAL: %w", werr))
		}
		cleanups = append(cleanups, func() {
			if cerr := w.Close(); cerr != nil {
				e.logger.Warn("Failed to close WAL during cleanup", "error", cerr)
			}
		})
		e.walMgr = wal.NewAppendOnlyManager(wal.AppendOnlyConfig{
			WAL:        w,
			ReadLock:   &e.rwl,
			EnsureOpen: e.ensureOpen,
			OnFailure:  e.walFailure,
		})

		// Generations at or below the last safe commit point are not needed
		// for recovery and can go now.
		if cp, ok, cperr := checkpoint.Read(cfg.WALDir); cperr != nil {
			e.logger.Warn("Failed to read WAL checkpoint file, retaining all generations", "error", cperr)
		} else if ok {
			e.walMgr.SetMinReferencedGeneration(cp.LastSafeGeneration + 1)
			if terr := e.walMgr.TrimUnreferenced(); terr != nil {
				e.logger.Warn("Failed to trim WAL generations at startup", "error", terr)
			}
		}
	}

	e.state.Store(stateOpen)
	e.logger.Info("Replication engine opened",
		"generation", committed.Generation,
		"max_seq_no", seqNos.MaxSeqNo,
		"local_checkpoint", seqNos.LocalCheckpoint)
	e.triggerHook(hooks.NewPostEngineOpenEvent(hooks.EngineLifecyclePayload{Shard: e.shard}))
	return e, nil
}

// ensureOpen reports the state-dependent error for mutating calls. Callers
// hold at least the shared engine lock.
func (e *ReplicationEngine) ensureOpen() error {
	switch e.state.Load() {
	case stateOpen:
		return nil
	case stateFailed:
		return ErrEngineFailed
	default:
		return ErrEngineClosed
	}
}

// failEngine transitions the engine to Failed and notifies the failure
// collaborator. Only the first failure wins; later calls are ignored.
func (e *ReplicationEngine) failEngine(reason string, err error) {
	if !e.state.CompareAndSwap(stateOpen, stateFailed) {
		return
	}
	e.metrics.EngineFailuresTotal.Add(1)
	e.logger.Error("Engine marked failed", "reason", reason, "error", err)
	e.triggerHook(hooks.NewOnEngineFailureEvent(hooks.EngineFailurePayload{
		Shard:  e.shard,
		Reason: reason,
		Err:    err,
	}))
	if e.onFailure != nil {
		e.onFailure(e.shard, reason, err)
	}
}

// walFailure adapts the WAL manager's failure callback onto the engine's
// failure path.
func (e *ReplicationEngine) walFailure(reason string, err error) {
	e.failEngine(reason, err)
}

// Close releases the engine's resources: the reader manager, the WAL, then
// the store reference, in that order. It is idempotent and safe to call
// concurrently; the release sequence runs exactly once, errors during close
// are logged and suppressed, and every caller returns only after the
// sequence has completed.
func (e *ReplicationEngine) Close() error {
	if !e.closing.CompareAndSwap(false, true) {
		<-e.closedCh
		return nil
	}
	defer close(e.closedCh)

	e.triggerHook(hooks.NewPreEngineCloseEvent(hooks.EngineLifecyclePayload{Shard: e.shard}))

	// Drain in-flight operations before tearing anything down.
	e.rwl.Lock()
	e.state.Store(stateClosing)
	e.rwl.Unlock()

	if err := e.readers.Close(); err != nil {
		e.logger.Warn("Error closing reader manager", "error", err)
	}
	if err := e.walMgr.Close(); err != nil {
		e.logger.Warn("Error closing WAL", "error", err)
	}
	e.st.DecRef()

	e.state.Store(stateClosed)
	e.logger.Info("Replication engine closed")
	e.triggerHook(hooks.NewPostEngineCloseEvent(hooks.EngineLifecyclePayload{Shard: e.shard}))
	return nil
}

func (e *ReplicationEngine) triggerHook(event hooks.HookEvent) {
	if e.hookManager == nil {
		return
	}
	if err := e.hookManager.Trigger(context.Background(), event); err != nil {
		e.logger.Warn("Hook listener rejected engine event", "event", event.Type(), "error", err)
	}
}

// Shard returns the shard identity this engine serves.
func (e *ReplicationEngine) Shard() string {
	return e.shard
}

// LastCommittedManifest returns the manifest most recently adopted as a
// commit point. The returned manifest must not be mutated.
func (e *ReplicationEngine) LastCommittedManifest() *manifest.Manifest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCommitted
}

// LatestManifest returns the manifest currently installed in the reader
// manager, which may be a refresh-only manifest newer than the last commit.
func (e *ReplicationEngine) LatestManifest() *manifest.Manifest {
	return e.readers.Current()
}

// MaxSeqNo returns the highest sequence number this engine has observed.
func (e *ReplicationEngine) MaxSeqNo() uint64 {
	return e.tracker.MaxSeqNo()
}

// ProcessedCheckpoint returns the highest sequence number below which all
// operations are known processed.
func (e *ReplicationEngine) ProcessedCheckpoint() uint64 {
	return e.tracker.ProcessedCheckpoint()
}

// PersistedCheckpoint returns the highest sequence number below which all
// operations are durably on the WAL.
func (e *ReplicationEngine) PersistedCheckpoint() uint64 {
	return e.tracker.PersistedCheckpoint()
}

// SeqNoStats snapshots the tracker's watermarks together with the global
// checkpoint supplied at construction time.
func (e *ReplicationEngine) SeqNoStats() core.SeqNoStats {
	global := e.tracker.ProcessedCheckpoint()
	if e.globalCheckpoint != nil {
		global = e.globalCheckpoint()
	}
	return e.tracker.Stats(global)
}

// SafeCommitInfo describes the last commit point for recovery-safety
// decisions: its local checkpoint and a document count estimate.
func (e *ReplicationEngine) SafeCommitInfo() core.SafeCommitInfo {
	e.mu.Lock()
	committed := e.lastCommitted
	e.mu.Unlock()

	info := core.SafeCommitInfo{DocCount: committed.TotalDocs()}
	if seqNos, err := committed.SeqNos(); err == nil {
		info.LocalCheckpoint = seqNos.LocalCheckpoint
	} else {
		info.LocalCheckpoint = e.tracker.ProcessedCheckpoint()
	}
	return info
}

// WALStats returns a point-in-time summary of the WAL.
func (e *ReplicationEngine) WALStats() wal.Stats {
	return e.walMgr.Stats()
}

// LastWriteLocation returns the WAL location of the latest appended record.
func (e *ReplicationEngine) LastWriteLocation() core.WALLocation {
	return e.walMgr.LastWriteLocation()
}

// IsClosed reports whether the engine has fully closed.
func (e *ReplicationEngine) IsClosed() bool {
	return e.state.Load() == stateClosed
}

// RecoverFromWAL runs the WAL manager's recovery protocol. This engine has
// no local index to replay into, so the replay function always observes an
// empty operation sequence, but the call contract is identical to a recovery
// that found zero operations.
func (e *ReplicationEngine) RecoverFromWAL(fn wal.RecoveryFunc, fromCheckpoint, toSeqNo uint64) (int, error) {
	return e.walMgr.Recover(fn, fromCheckpoint, toSeqNo)
}
