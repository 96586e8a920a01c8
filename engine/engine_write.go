package engine

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/Ripolin/segrep/core"
	"github.com/Ripolin/segrep/reader"
	"github.com/Ripolin/segrep/wal"
)

// IndexRequest is a replicated write. Sequence numbers and primary terms are
// assigned upstream, never by this engine.
type IndexRequest struct {
	SeqNo       uint64
	PrimaryTerm uint64
	DocID       string
	Payload     []byte
}

// DeleteRequest is a replicated delete.
type DeleteRequest struct {
	SeqNo       uint64
	PrimaryTerm uint64
	DocID       string
}

// NoOpRequest fills a sequence-number gap without carrying a document.
type NoOpRequest struct {
	SeqNo       uint64
	PrimaryTerm uint64
	Reason      string
}

// WriteResult is the frozen outcome of one write-style call. Fields never
// change after the call returns.
type WriteResult struct {
	Type     core.OpType
	SeqNo    uint64
	Location core.WALLocation
	Took     time.Duration
}

// Index appends a tagged write operation to the WAL and advances the max
// sequence number. It never touches the segment manifest; document contents
// become visible only when the replication source later delivers segments
// containing them.
func (e *ReplicationEngine) Index(req IndexRequest) (*WriteResult, error) {
	start := time.Now()
	result, err := e.appendOperation(core.Operation{
		Type:        core.OpWrite,
		SeqNo:       req.SeqNo,
		PrimaryTerm: req.PrimaryTerm,
		DocID:       req.DocID,
		Payload:     req.Payload,
	}, start)
	if err != nil {
		e.metrics.IndexErrorsTotal.Add(1)
		return nil, err
	}
	e.metrics.IndexTotal.Add(1)
	observeLatency(e.metrics.IndexLatencyHist, time.Since(start).Seconds())
	return result, nil
}

// Delete appends a tagged delete operation to the WAL.
func (e *ReplicationEngine) Delete(req DeleteRequest) (*WriteResult, error) {
	start := time.Now()
	result, err := e.appendOperation(core.Operation{
		Type:        core.OpDelete,
		SeqNo:       req.SeqNo,
		PrimaryTerm: req.PrimaryTerm,
		DocID:       req.DocID,
	}, start)
	if err != nil {
		e.metrics.DeleteErrorsTotal.Add(1)
		return nil, err
	}
	e.metrics.DeleteTotal.Add(1)
	return result, nil
}

// NoOp appends a gap-filling no-op operation to the WAL.
func (e *ReplicationEngine) NoOp(req NoOpRequest) (*WriteResult, error) {
	start := time.Now()
	result, err := e.appendOperation(core.Operation{
		Type:        core.OpNoOp,
		SeqNo:       req.SeqNo,
		PrimaryTerm: req.PrimaryTerm,
		Reason:      req.Reason,
	}, start)
	if err != nil {
		return nil, err
	}
	e.metrics.NoOpTotal.Add(1)
	return result, nil
}

func (e *ReplicationEngine) appendOperation(op core.Operation, start time.Time) (*WriteResult, error) {
	e.rwl.RLock()
	defer e.rwl.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}

	// The WAL manager reports append failures through the engine's failure
	// callback; here the error only needs propagating to the caller.
	loc, err := e.walMgr.Append(op)
	if err != nil {
		return nil, err
	}
	e.tracker.AdvanceMaxSeqNo(op.SeqNo)

	return &WriteResult{
		Type:     op.Type,
		SeqNo:    op.SeqNo,
		Location: loc,
		Took:     time.Since(start),
	}, nil
}

// GetRequest asks for one document by identifier.
type GetRequest struct {
	DocID string
}

// GetResult carries a lookup outcome together with the manifest generation
// it was resolved against.
type GetResult struct {
	Found      bool
	Payload    []byte
	Generation uint64
}

// Searcher resolves document lookups against one reader snapshot.
type Searcher interface {
	Get(docID string) (payload []byte, found bool, err error)
}

// SearcherFactory builds a Searcher over an acquired snapshot. The snapshot
// stays valid for the factory's Searcher until Get returns.
type SearcherFactory func(snapshot *reader.Snapshot) (Searcher, error)

// Get resolves a lookup against the externally visible view. There is no
// internal or uncommitted scope in this engine variant: no local writer
// exists, so the committed view is the only view.
func (e *ReplicationEngine) Get(ctx context.Context, req GetRequest, factory SearcherFactory) (*GetResult, error) {
	_, span := e.tracer.Start(ctx, "ReplicationEngine.Get")
	defer span.End()
	start := time.Now()

	e.rwl.RLock()
	defer e.rwl.RUnlock()
	if err := e.ensureOpen(); err != nil {
		e.metrics.GetErrorsTotal.Add(1)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	snapshot, err := e.readers.Acquire()
	if err != nil {
		e.metrics.GetErrorsTotal.Add(1)
		return nil, err
	}
	defer snapshot.Close()

	searcher, err := factory(snapshot)
	if err != nil {
		e.metrics.GetErrorsTotal.Add(1)
		span.RecordError(err)
		return nil, err
	}
	payload, found, err := searcher.Get(req.DocID)
	if err != nil {
		e.metrics.GetErrorsTotal.Add(1)
		span.RecordError(err)
		return nil, err
	}

	e.metrics.GetTotal.Add(1)
	observeLatency(e.metrics.GetLatencyHist, time.Since(start).Seconds())
	return &GetResult{
		Found:      found,
		Payload:    payload,
		Generation: snapshot.Manifest().Generation,
	}, nil
}

// AcquireHistoryRetentionLock is not supported: this engine retains no
// operation history beyond the WAL's current retention window.
func (e *ReplicationEngine) AcquireHistoryRetentionLock() (io.Closer, error) {
	return nil, ErrUnsupported
}

// NewChangesSnapshot is not supported for the same reason.
func (e *ReplicationEngine) NewChangesSnapshot(fromSeqNo, toSeqNo uint64) (wal.Snapshot, error) {
	return nil, ErrUnsupported
}

// CountHistoryOperations is not supported. It fails rather than reporting a
// count of zero, so callers cannot mistake "no history kept" for "no
// operations happened".
func (e *ReplicationEngine) CountHistoryOperations(source string, fromSeqNo, toSeqNo uint64) (int, error) {
	return 0, ErrUnsupported
}

// The operations below are meaningful only for engines that build segments
// locally. Here they must not fail and must not perform work.

// Refresh is a no-op: visibility changes arrive only via UpdateSegments.
func (e *ReplicationEngine) Refresh(source string) error {
	return nil
}

// MaybeRefresh is a no-op and reports that no refresh happened.
func (e *ReplicationEngine) MaybeRefresh(source string) (bool, error) {
	return false, nil
}

// Flush is a no-op: there is no local writer to flush.
func (e *ReplicationEngine) Flush(force, waitIfOngoing bool) error {
	return nil
}

// ForceMerge is a no-op: segment merging happens on the primary.
func (e *ReplicationEngine) ForceMerge(maxSegments int) error {
	return nil
}

// WriteIndexingBuffer is a no-op: no indexing buffer exists.
func (e *ReplicationEngine) WriteIndexingBuffer() error {
	return nil
}

// ShouldPeriodicallyFlush always reports false.
func (e *ReplicationEngine) ShouldPeriodicallyFlush() bool {
	return false
}

// ActivateThrottling is a no-op.
func (e *ReplicationEngine) ActivateThrottling() {}

// DeactivateThrottling is a no-op.
func (e *ReplicationEngine) DeactivateThrottling() {}

// IsThrottled always reports false.
func (e *ReplicationEngine) IsThrottled() bool {
	return false
}
