package core

import (
	"fmt"
	"io"
)

// CompressionType identifies the compression algorithm used.
// This is stored on disk so readers know how to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor defines the interface for compression and decompression algorithms.
type Compressor interface {
	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)
	// Decompress decompresses the input data.
	Decompress(data []byte) (io.ReadCloser, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// OpType identifies the kind of operation recorded in the WAL.
type OpType uint8

const (
	OpWrite  OpType = 1
	OpDelete OpType = 2
	OpNoOp   OpType = 3
)

func (t OpType) String() string {
	switch t {
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	case OpNoOp:
		return "noop"
	default:
		return "unknown"
	}
}

// Operation is a single tagged record destined for the write-ahead log.
// Sequence numbers are assigned upstream by the primary; this engine never
// assigns them. An Operation is immutable once appended.
type Operation struct {
	Type        OpType
	SeqNo       uint64
	PrimaryTerm uint64
	DocID       string
	Payload     []byte
	// Reason is only meaningful for OpNoOp entries.
	Reason string
}

// WALLocation identifies a durably appended record within the log:
// the generation it was written to, its byte offset and its length.
type WALLocation struct {
	Generation uint64
	Offset     int64
	Size       int64
}

// Compare orders two locations: first by generation, then by offset.
func (l WALLocation) Compare(o WALLocation) int {
	if l.Generation != o.Generation {
		if l.Generation < o.Generation {
			return -1
		}
		return 1
	}
	if l.Offset != o.Offset {
		if l.Offset < o.Offset {
			return -1
		}
		return 1
	}
	return 0
}

func (l WALLocation) String() string {
	return fmt.Sprintf("wal[gen=%d, offset=%d, size=%d]", l.Generation, l.Offset, l.Size)
}

// SeqNoStats combines the tracker's local watermarks with an externally
// supplied global checkpoint.
type SeqNoStats struct {
	MaxSeqNo            uint64
	ProcessedCheckpoint uint64
	PersistedCheckpoint uint64
	GlobalCheckpoint    uint64
}

// SafeCommitInfo describes the last committed manifest from a recovery-safety
// point of view: the local checkpoint at commit time and a document count
// estimate. Consumers use it to reason about recovery without inspecting
// engine internals.
type SafeCommitInfo struct {
	LocalCheckpoint uint64
	DocCount        int64
}

// Checkpoint holds the durably persisted trim watermark for the WAL:
// generations at or below LastSafeGeneration are fully represented in
// committed segments and may be purged.
type Checkpoint struct {
	LastSafeGeneration uint64
}
