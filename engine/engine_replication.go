package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ripolin/segrep/checkpoint"
	"github.com/Ripolin/segrep/core"
	"github.com/Ripolin/segrep/hooks"
	"github.com/Ripolin/segrep/manifest"
)

// UpdateSegments installs a manifest delivered by the replication source and
// fast-forwards the processed checkpoint to seqNo, the batch's inclusive
// high-watermark. At most one invocation runs at a time per engine.
//
// If the manifest's generation is newer than the last committed one, the
// manifest is adopted as the new commit point and the WAL rolls to a fresh
// generation, tying WAL generation boundaries to segment commit points so
// older generations become trimmable. A manifest whose generation is not
// newer is a refresh-only update and never an error.
//
// The caller must have made the manifest's files durably present in the
// store's directory before calling; if they cannot be opened, nothing is
// installed and the previous view stays active.
func (e *ReplicationEngine) UpdateSegments(ctx context.Context, m *manifest.Manifest, seqNo uint64) error {
	_, span := e.tracer.Start(ctx, "ReplicationEngine.UpdateSegments")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("manifest.generation", int64(m.Generation)),
		attribute.Int64("batch.seq_no", int64(seqNo)),
	)
	start := time.Now()

	e.rwl.RLock()
	defer e.rwl.RUnlock()
	if err := e.ensureOpen(); err != nil {
		e.metrics.SegmentUpdateErrorsTotal.Add(1)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	e.updateMu.Lock()
	defer e.updateMu.Unlock()

	// The caller must have made every referenced file durably present
	// before calling; a missing file fails the update with nothing installed.
	if err := e.st.VerifySegments(m); err != nil {
		e.metrics.SegmentUpdateErrorsTotal.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "segment verification failed")
		return err
	}

	// Opening the new manifest's files happens inside UpdateManifest but
	// before the reader swap, so concurrent Acquire calls never wait on it.
	if err := e.readers.UpdateManifest(m); err != nil {
		e.metrics.SegmentUpdateErrorsTotal.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "manifest open failed")
		return err
	}

	e.mu.Lock()
	lastGen := e.lastCommitted.Generation
	e.mu.Unlock()

	if m.Generation > lastGen {
		if err := e.commitManifest(m, seqNo); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "commit failed")
			return err
		}
	}

	e.tracker.FastForwardProcessed(seqNo)
	e.triggerHook(hooks.NewPostManifestSwapEvent(hooks.ManifestSwapPayload{
		Shard:         e.shard,
		OldGeneration: lastGen,
		NewGeneration: m.Generation,
	}))

	e.metrics.SegmentUpdatesTotal.Add(1)
	observeLatency(e.metrics.SegmentUpdateLatencyHist, time.Since(start).Seconds())
	e.logger.Debug("Segment update applied",
		"generation", m.Generation,
		"seq_no", seqNo,
		"committed", m.Generation > lastGen)
	return nil
}

// commitManifest adopts m as the new last-committed manifest and rolls the
// WAL so operations already represented in committed segments stop pinning
// old generations. seqNo is the batch's inclusive high-watermark. Runs with
// updateMu held.
func (e *ReplicationEngine) commitManifest(m *manifest.Manifest, seqNo uint64) error {
	e.mu.Lock()
	e.lastCommitted = m.Clone()
	e.mu.Unlock()

	if err := e.walMgr.RollGeneration(); err != nil {
		e.failEngine("wal roll failed after manifest commit", err)
		return err
	}
	e.metrics.ManifestCommitsTotal.Add(1)
	e.metrics.WALGenerationsRolledTotal.Add(1)

	// Writes run ahead of segment batches, so the pre-roll generation may
	// still hold operations above the batch watermark. Only the generation
	// prefix fully covered by seqNo is represented in committed segments;
	// everything above it must survive for recovery.
	safe, err := e.walMgr.SafeGeneration(seqNo)
	if err != nil {
		e.logger.Warn("Failed to determine safe WAL generation, retaining all", "error", err)
	} else if safe > 0 {
		if err := checkpoint.Write(e.walDir, core.Checkpoint{LastSafeGeneration: safe}); err != nil {
			e.logger.Warn("Failed to persist WAL checkpoint file", "error", err)
		}
		e.walMgr.SetMinReferencedGeneration(safe + 1)
		if err := e.walMgr.TrimUnreferenced(); err != nil {
			e.logger.Warn("Failed to trim WAL generations after commit", "error", err)
		} else {
			e.metrics.WALGenerationsTrimmed.Add(1)
		}
	}

	commitSeqNo := e.tracker.ProcessedCheckpoint()
	if seqNos, err := m.SeqNos(); err == nil {
		commitSeqNo = seqNos.MaxSeqNo
	}
	e.triggerHook(hooks.NewPostCommitEvent(hooks.CommitPayload{
		Shard:      e.shard,
		Generation: m.Generation,
		SeqNo:      commitSeqNo,
	}))
	return nil
}
