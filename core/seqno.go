package core

import "math"

// UnassignedSeqNo is the sentinel for an operation that has not been assigned
// a sequence number upstream. It must never reach the checkpoint tracker.
const UnassignedSeqNo uint64 = math.MaxUint64

// NoOpsPerformed is the watermark value of a shard that has never processed
// an operation.
const NoOpsPerformed uint64 = 0
