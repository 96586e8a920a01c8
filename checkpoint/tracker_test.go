package checkpoint

import (
	"sync"
	"testing"

	"github.com/Ripolin/segrep/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_AdvanceMaxSeqNo_Ratchet(t *testing.T) {
	tr := NewTracker(core.NoOpsPerformed, core.NoOpsPerformed)

	for _, n := range []uint64{5, 3, 5, 2} {
		tr.AdvanceMaxSeqNo(n)
	}
	assert.Equal(t, uint64(5), tr.MaxSeqNo(), "maxSeqNo must never decrease")
	assert.Equal(t, uint64(0), tr.ProcessedCheckpoint(), "advancing maxSeqNo must not move the processed checkpoint")
}

func TestTracker_FastForwardProcessed_NeverDecreases(t *testing.T) {
	tr := NewTracker(0, 0)

	tr.FastForwardProcessed(15)
	assert.Equal(t, uint64(15), tr.ProcessedCheckpoint())

	tr.FastForwardProcessed(7)
	assert.Equal(t, uint64(15), tr.ProcessedCheckpoint(), "fast-forward with a smaller value is a no-op")
	assert.Equal(t, uint64(15), tr.MaxSeqNo(), "fast-forward raises maxSeqNo along with processed")
}

func TestTracker_PersistedClampedToProcessed(t *testing.T) {
	tr := NewTracker(0, 0)

	tr.FastForwardProcessed(10)
	tr.FastForwardPersisted(25)
	assert.Equal(t, uint64(10), tr.PersistedCheckpoint(), "persisted must never exceed processed")

	tr.FastForwardProcessed(30)
	tr.FastForwardPersisted(25)
	assert.Equal(t, uint64(25), tr.PersistedCheckpoint())
}

func TestTracker_SeededFromCommitMetadata(t *testing.T) {
	tr := NewTracker(10, 10)
	assert.Equal(t, uint64(10), tr.MaxSeqNo())
	assert.Equal(t, uint64(10), tr.ProcessedCheckpoint())
	assert.Equal(t, uint64(10), tr.PersistedCheckpoint())

	// A local checkpoint above maxSeqNo lifts maxSeqNo up to it.
	tr = NewTracker(4, 9)
	assert.Equal(t, uint64(9), tr.MaxSeqNo())
}

func TestTracker_Stats(t *testing.T) {
	tr := NewTracker(10, 10)
	tr.AdvanceMaxSeqNo(20)
	tr.FastForwardProcessed(15)

	stats := tr.Stats(12)
	assert.Equal(t, core.SeqNoStats{
		MaxSeqNo:            20,
		ProcessedCheckpoint: 15,
		PersistedCheckpoint: 10,
		GlobalCheckpoint:    12,
	}, stats)
}

func TestTracker_UnassignedSeqNoPanics(t *testing.T) {
	tr := NewTracker(0, 0)
	assert.Panics(t, func() { tr.AdvanceMaxSeqNo(core.UnassignedSeqNo) })
	assert.Panics(t, func() { tr.FastForwardProcessed(core.UnassignedSeqNo) })
}

func TestTracker_ConcurrentRatchets(t *testing.T) {
	tr := NewTracker(0, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			for n := uint64(1); n <= 1000; n++ {
				tr.AdvanceMaxSeqNo(base + n)
				tr.FastForwardProcessed(base + n)
				tr.FastForwardPersisted(base + n)
			}
		}(uint64(i * 100))
	}
	wg.Wait()

	stats := tr.Stats(0)
	require.Equal(t, uint64(1700), stats.MaxSeqNo)
	require.Equal(t, uint64(1700), stats.ProcessedCheckpoint)
	// Invariant: persisted <= processed <= maxSeqNo in every observable state.
	require.LessOrEqual(t, stats.PersistedCheckpoint, stats.ProcessedCheckpoint)
	require.LessOrEqual(t, stats.ProcessedCheckpoint, stats.MaxSeqNo)
}
