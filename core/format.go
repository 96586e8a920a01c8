package core

// This file centralizes constants related to file formats, magic numbers,
// and other protocol-level identifiers used across the engine.

// --- Magic Numbers ---
const (
	// WALMagicNumber identifies a Write-Ahead Log generation file.
	WALMagicNumber uint32 = 0xBAADF00D
	// CheckpointMagicNumber identifies the persisted checkpoint file.
	CheckpointMagicNumber uint32 = 0x54504B43
)

// --- File Names & Prefixes ---
const (
	// CurrentFileName is the name of the file that points to the latest MANIFEST file.
	CurrentFileName = "CURRENT"
	// ManifestFilePrefix is the prefix for manifest files, e.g. MANIFEST-000042.json.
	ManifestFilePrefix = "MANIFEST"
	// WALFileSuffix is the suffix for WAL generation files.
	WALFileSuffix = ".wal"
	// CheckpointFileName is the name of the file storing the WAL trim watermark.
	CheckpointFileName = "CHECKPOINT"
)

// --- Manifest metadata keys ---
const (
	// WALIdentityKey carries the identity token of the WAL this commit is bound
	// to. A manifest without it cannot be used to open an engine.
	WALIdentityKey = "wal_uuid"
	// MaxSeqNoKey carries the highest sequence number observed at commit time.
	MaxSeqNoKey = "max_seq_no"
	// LocalCheckpointKey carries the processed checkpoint at commit time.
	LocalCheckpointKey = "local_checkpoint"
)

// FormatVersion is the current version for all persistent file formats.
const FormatVersion uint8 = 1
