package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ripolin/segrep/core"
	"github.com/Ripolin/segrep/manifest"
	"github.com/Ripolin/segrep/reader"
	"github.com/Ripolin/segrep/store"
	"github.com/Ripolin/segrep/wal"
)

const testWALIdentity = "abc"

func seededManifest(gen, maxSeqNo, localCheckpoint uint64, segments ...string) *manifest.Manifest {
	m := &manifest.Manifest{
		Generation: gen,
		Metadata: map[string]string{
			core.WALIdentityKey:     testWALIdentity,
			core.MaxSeqNoKey:        manifest.FormatSeqNo(maxSeqNo),
			core.LocalCheckpointKey: manifest.FormatSeqNo(localCheckpoint),
		},
	}
	for _, name := range segments {
		m.Segments = append(m.Segments, manifest.SegmentInfo{Name: name, SizeBytes: 16, DocCount: 2})
	}
	return m
}

// newTestStore seeds a store whose last committed manifest has generation 1,
// the test WAL identity, and checkpoint metadata (maxSeqNo=10, localCheckpoint=10).
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, store.Bootstrap(dir, testWALIdentity))
	st, err := store.Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if st.RefCount() > 0 {
			st.DecRef()
		}
	})

	writeSegment(t, st, "_1_0.seg")
	require.NoError(t, st.CommitManifest(seededManifest(1, 10, 10, "_1_0.seg")))
	return st
}

func writeSegment(t *testing.T, st *store.Store, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(st.SegmentPath(name), []byte("segment contents"), 0644))
}

func newTestEngine(t *testing.T, st *store.Store) *ReplicationEngine {
	t.Helper()
	e, err := NewReplicationEngine(Config{
		Shard:    "shard-0",
		Store:    st,
		WALDir:   t.TempDir(),
		SyncMode: wal.SyncAlways,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_OpenDerivesCheckpointState(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	assert.Equal(t, uint64(10), e.MaxSeqNo())
	assert.Equal(t, uint64(10), e.ProcessedCheckpoint())
	assert.Equal(t, uint64(10), e.PersistedCheckpoint())
	assert.Equal(t, uint64(1), e.LastCommittedManifest().Generation)
	assert.Equal(t, int64(2), st.RefCount(), "engine holds its own store reference")
}

func TestEngine_UpdateSegmentsCommitsNewerGeneration(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	genBefore := e.WALStats().ActiveGeneration
	writeSegment(t, st, "_2_0.seg")

	err := e.UpdateSegments(context.Background(), seededManifest(2, 15, 15, "_2_0.seg"), 15)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), e.LastCommittedManifest().Generation)
	assert.Equal(t, uint64(15), e.ProcessedCheckpoint())
	assert.Greater(t, e.WALStats().ActiveGeneration, genBefore, "WAL must roll on commit")
}

func TestEngine_CommitRetainsOperationsAboveWatermark(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	_, err := e.Index(IndexRequest{SeqNo: 20, PrimaryTerm: 1, DocID: "doc-1", Payload: []byte("body")})
	require.NoError(t, err)

	// Writes run ahead of segment batches: the pre-roll generation still
	// holds seqNo 20 and must survive the commit-time trim.
	writeSegment(t, st, "_2_0.seg")
	require.NoError(t, e.UpdateSegments(context.Background(), seededManifest(2, 15, 15, "_2_0.seg"), 15))

	snapshot, err := e.walMgr.WAL().NewSnapshot(20, 20)
	require.NoError(t, err)
	require.Equal(t, 1, snapshot.TotalOperations(), "an operation above the watermark must stay recoverable")
	op, err := snapshot.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(20), op.SeqNo)
	require.NoError(t, snapshot.Close())

	// Once a batch covers seqNo 20 the older generations become trimmable.
	writeSegment(t, st, "_3_0.seg")
	require.NoError(t, e.UpdateSegments(context.Background(), seededManifest(3, 25, 25, "_3_0.seg"), 25))
	assert.Equal(t, 1, e.WALStats().GenerationCount)
}

func TestEngine_CommittedManifestDetachedFromCaller(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	writeSegment(t, st, "_2_0.seg")
	m := seededManifest(2, 15, 15, "_2_0.seg")
	require.NoError(t, e.UpdateSegments(context.Background(), m, 15))

	m.Generation = 99
	m.Segments[0].Name = "_mutated.seg"

	assert.Equal(t, uint64(2), e.LastCommittedManifest().Generation)
	assert.Equal(t, "_2_0.seg", e.LastCommittedManifest().Segments[0].Name)
}

func TestEngine_UpdateSegmentsRefreshOnly(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	genBefore := e.WALStats().ActiveGeneration
	writeSegment(t, st, "_1_1.seg")

	// Same generation: installed into the reader but not adopted as a new
	// commit point, and never an error.
	err := e.UpdateSegments(context.Background(), seededManifest(1, 12, 12, "_1_1.seg"), 12)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e.LastCommittedManifest().Generation)
	assert.Equal(t, uint64(12), e.ProcessedCheckpoint())
	assert.Equal(t, genBefore, e.WALStats().ActiveGeneration, "refresh-only update must not roll the WAL")
	assert.Equal(t, "_1_1.seg", e.LatestManifest().Segments[0].Name)
}

func TestEngine_UpdateSegmentsSequence(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	var lastCommittedGens []uint64
	for gen := uint64(2); gen <= 5; gen++ {
		name := fmt.Sprintf("_%d_0.seg", gen)
		writeSegment(t, st, name)
		require.NoError(t, e.UpdateSegments(context.Background(), seededManifest(gen, gen*10, gen*10, name), gen*10))
		lastCommittedGens = append(lastCommittedGens, e.LastCommittedManifest().Generation)
	}

	assert.Equal(t, uint64(5), e.LatestManifest().Generation)
	assert.Equal(t, uint64(5), e.LastCommittedManifest().Generation)
	assert.IsIncreasing(t, lastCommittedGens)
}

func TestEngine_UpdateSegmentsMissingSegmentInstallsNothing(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	err := e.UpdateSegments(context.Background(), seededManifest(2, 15, 15, "_missing.seg"), 15)
	require.Error(t, err)
	assert.ErrorContains(t, err, "missing segment")

	assert.Equal(t, uint64(1), e.LatestManifest().Generation)
	assert.Equal(t, uint64(1), e.LastCommittedManifest().Generation)
	assert.Equal(t, uint64(10), e.ProcessedCheckpoint(), "failed update must not fast-forward")
}

func TestEngine_IndexAppendsAndAdvances(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	result, err := e.Index(IndexRequest{SeqNo: 20, PrimaryTerm: 1, DocID: "doc-1", Payload: []byte("body")})
	require.NoError(t, err)

	assert.Equal(t, core.OpWrite, result.Type)
	assert.Equal(t, uint64(20), result.SeqNo)
	assert.Greater(t, result.Location.Size, int64(0), "result must carry a real WAL location")
	assert.GreaterOrEqual(t, e.MaxSeqNo(), uint64(20))
	assert.Equal(t, uint64(1), e.LatestManifest().Generation, "writes never touch the manifest")
	// Durability is reported, but the persisted checkpoint stays clamped to
	// the processed one until a replication batch fast-forwards it.
	assert.Equal(t, uint64(10), e.PersistedCheckpoint())
}

func TestEngine_DeleteAndNoOp(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	del, err := e.Delete(DeleteRequest{SeqNo: 11, PrimaryTerm: 1, DocID: "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, core.OpDelete, del.Type)

	noop, err := e.NoOp(NoOpRequest{SeqNo: 12, PrimaryTerm: 1, Reason: "primary term bump"})
	require.NoError(t, err)
	assert.Equal(t, core.OpNoOp, noop.Type)
	assert.Equal(t, uint64(12), e.MaxSeqNo())
}

type mapSearcher map[string][]byte

func (s mapSearcher) Get(docID string) ([]byte, bool, error) {
	payload, ok := s[docID]
	return payload, ok, nil
}

func TestEngine_GetResolvesAgainstCommittedView(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	result, err := e.Get(context.Background(), GetRequest{DocID: "doc-1"}, func(snapshot *reader.Snapshot) (Searcher, error) {
		return mapSearcher{"doc-1": []byte("value")}, nil
	})
	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.Equal(t, []byte("value"), result.Payload)
	assert.Equal(t, uint64(1), result.Generation)
}

func TestEngine_UnsupportedHistoryOperations(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	_, err := e.AcquireHistoryRetentionLock()
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = e.NewChangesSnapshot(0, 100)
	assert.ErrorIs(t, err, ErrUnsupported)

	count, err := e.CountHistoryOperations("test", 0, 100)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Zero(t, count)
}

func TestEngine_LocalWriterOperationsAreNoOps(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	assert.NoError(t, e.Refresh("test"))
	refreshed, err := e.MaybeRefresh("test")
	assert.NoError(t, err)
	assert.False(t, refreshed)
	assert.NoError(t, e.Flush(true, true))
	assert.NoError(t, e.ForceMerge(1))
	assert.NoError(t, e.WriteIndexingBuffer())
	assert.False(t, e.ShouldPeriodicallyFlush())
	e.ActivateThrottling()
	assert.False(t, e.IsThrottled())
	e.DeactivateThrottling()
}

func TestEngine_ConcurrentCloseRunsOnce(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.Close()
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.True(t, e.IsClosed())
	assert.Equal(t, int64(1), st.RefCount(), "store reference dropped exactly once")
}

func TestEngine_OperationsAfterCloseFailFast(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	require.NoError(t, e.Close())

	_, err := e.Index(IndexRequest{SeqNo: 30, PrimaryTerm: 1, DocID: "doc"})
	assert.ErrorIs(t, err, ErrEngineClosed)

	err = e.UpdateSegments(context.Background(), seededManifest(3, 30, 30), 30)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngine_FailureStopsMutations(t *testing.T) {
	st := newTestStore(t)

	var failedShard, failedReason string
	e, err := NewReplicationEngine(Config{
		Shard:    "shard-0",
		Store:    st,
		WALDir:   t.TempDir(),
		SyncMode: wal.SyncAlways,
		OnFailure: func(shard, reason string, failure error) {
			failedShard, failedReason = shard, reason
		},
	})
	require.NoError(t, err)
	defer e.Close()

	e.failEngine("simulated wal failure", os.ErrInvalid)

	assert.Equal(t, "shard-0", failedShard)
	assert.Equal(t, "simulated wal failure", failedReason)

	_, err = e.Index(IndexRequest{SeqNo: 40, PrimaryTerm: 1, DocID: "doc"})
	assert.ErrorIs(t, err, ErrEngineFailed)

	// A second failure must not fire the callback again.
	failedReason = ""
	e.failEngine("second failure", os.ErrInvalid)
	assert.Empty(t, failedReason)
}

func TestEngine_CreationFailureReleasesResources(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, store.Bootstrap(dir, testWALIdentity))
	st, err := store.Open(dir, nil)
	require.NoError(t, err)
	defer st.DecRef()

	// A commit point without a WAL identity is a fatal initialization error.
	broken := seededManifest(2, 10, 10)
	delete(broken.Metadata, core.WALIdentityKey)
	require.NoError(t, st.CommitManifest(broken))

	_, err = NewReplicationEngine(Config{Shard: "shard-0", Store: st, WALDir: t.TempDir()})
	require.Error(t, err)

	var creationErr *CreationError
	require.ErrorAs(t, err, &creationErr)
	assert.Equal(t, "shard-0", creationErr.Shard)
	assert.Equal(t, int64(1), st.RefCount(), "partial construction must release the store reference")
}

func TestEngine_DisableWALVariant(t *testing.T) {
	st := newTestStore(t)
	e, err := NewReplicationEngine(Config{
		Shard:      "shard-0",
		Store:      st,
		DisableWAL: true,
	})
	require.NoError(t, err)
	defer e.Close()

	result, err := e.Index(IndexRequest{SeqNo: 50, PrimaryTerm: 1, DocID: "doc"})
	require.NoError(t, err)
	assert.Equal(t, core.WALLocation{}, result.Location)
	assert.Equal(t, uint64(50), e.MaxSeqNo())

	calls := 0
	replayed, err := e.RecoverFromWAL(func(snapshot wal.Snapshot) error {
		calls++
		_, nerr := snapshot.Next()
		assert.ErrorIs(t, nerr, io.EOF)
		return nil
	}, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Zero(t, replayed)
}

func TestEngine_SafeCommitInfo(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	info := e.SafeCommitInfo()
	assert.Equal(t, uint64(10), info.LocalCheckpoint)
	assert.Equal(t, int64(2), info.DocCount)
}

func TestEngine_SegmentStatsInvalidatedOnSwap(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	stats, err := e.SegmentStats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Generation)
	assert.Equal(t, 1, stats.SegmentCount)

	writeSegment(t, st, "_2_0.seg")
	writeSegment(t, st, "_2_1.seg")
	require.NoError(t, e.UpdateSegments(context.Background(), seededManifest(2, 15, 15, "_2_0.seg", "_2_1.seg"), 15))

	stats, err = e.SegmentStats()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Generation)
	assert.Equal(t, 2, stats.SegmentCount)
	assert.Equal(t, int64(4), stats.TotalDocs)
}

func TestEngine_SeqNoStats(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)

	stats := e.SeqNoStats()
	assert.Equal(t, uint64(10), stats.MaxSeqNo)
	assert.Equal(t, uint64(10), stats.ProcessedCheckpoint)
	assert.Equal(t, uint64(10), stats.GlobalCheckpoint)
}
