package checkpoint

import (
	"fmt"
	"sync"

	"github.com/Ripolin/segrep/core"
)

// Tracker maintains the three sequence-number watermarks of one shard:
//
//	maxSeqNo  - highest sequence number ever observed
//	processed - highest N such that every operation <= N is known processed
//	persisted - highest N such that every operation <= N is durable on the WAL
//
// All three are guarded by one mutex so no caller can ever observe
// persisted > processed or processed > maxSeqNo.
//
// Unlike a primary-side tracker there is no per-number bitmap: the processed
// checkpoint is fast-forwarded wholesale on each replication batch. That the
// replication source has actually delivered every operation below the batch
// watermark is a trust assumption on the source, not something this tracker
// verifies.
type Tracker struct {
	mu        sync.Mutex
	maxSeqNo  uint64
	processed uint64
	persisted uint64
}

// NewTracker creates a tracker seeded from the checkpoint state recorded in
// the last committed manifest.
func NewTracker(maxSeqNo, localCheckpoint uint64) *Tracker {
	if maxSeqNo == core.UnassignedSeqNo || localCheckpoint == core.UnassignedSeqNo {
		panic("checkpoint: tracker seeded with unassigned sequence number")
	}
	if localCheckpoint > maxSeqNo {
		maxSeqNo = localCheckpoint
	}
	return &Tracker{
		maxSeqNo:  maxSeqNo,
		processed: localCheckpoint,
		persisted: localCheckpoint,
	}
}

// AdvanceMaxSeqNo raises maxSeqNo to n if n is larger, otherwise does nothing.
func (t *Tracker) AdvanceMaxSeqNo(n uint64) {
	if n == core.UnassignedSeqNo {
		panic("checkpoint: AdvanceMaxSeqNo called with unassigned sequence number")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > t.maxSeqNo {
		t.maxSeqNo = n
	}
}

// FastForwardProcessed raises the processed checkpoint to max(current, n)
// without requiring that every intermediate sequence number was individually
// marked. It also raises maxSeqNo so the maxSeqNo >= processed invariant holds.
func (t *Tracker) FastForwardProcessed(n uint64) {
	if n == core.UnassignedSeqNo {
		panic("checkpoint: FastForwardProcessed called with unassigned sequence number")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > t.maxSeqNo {
		t.maxSeqNo = n
	}
	if n > t.processed {
		t.processed = n
	}
}

// FastForwardPersisted raises the persisted checkpoint to max(current, n),
// clamped to the processed checkpoint so the persisted <= processed invariant
// is preserved even if the WAL reports durability ahead of processing.
func (t *Tracker) FastForwardPersisted(n uint64) {
	if n == core.UnassignedSeqNo {
		panic("checkpoint: FastForwardPersisted called with unassigned sequence number")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > t.processed {
		n = t.processed
	}
	if n > t.persisted {
		t.persisted = n
	}
}

// MaxSeqNo returns the highest sequence number ever observed.
func (t *Tracker) MaxSeqNo() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxSeqNo
}

// ProcessedCheckpoint returns the processed watermark.
func (t *Tracker) ProcessedCheckpoint() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processed
}

// PersistedCheckpoint returns the persisted watermark.
func (t *Tracker) PersistedCheckpoint() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persisted
}

// Stats combines the local watermarks with an externally supplied global
// checkpoint in one consistent read.
func (t *Tracker) Stats(globalCheckpoint uint64) core.SeqNoStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return core.SeqNoStats{
		MaxSeqNo:            t.maxSeqNo,
		ProcessedCheckpoint: t.processed,
		PersistedCheckpoint: t.persisted,
		GlobalCheckpoint:    globalCheckpoint,
	}
}

func (t *Tracker) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("tracker[max=%d, processed=%d, persisted=%d]", t.maxSeqNo, t.processed, t.persisted)
}
