// Package manifest defines the immutable, versioned description of the
// segment set backing the index at a point in time, plus the on-disk store
// that persists the last committed manifest.
package manifest

import (
	"fmt"
	"strconv"

	"github.com/Ripolin/segrep/core"
)

// SegmentInfo describes one immutable segment data file.
type SegmentInfo struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	DocCount  int64  `json:"doc_count"`
}

// Manifest is an immutable, versioned description of the full segment set.
// Generation is monotonically non-decreasing across commits. Metadata carries
// at minimum the WAL identity token and the sequence-number state at
// manifest-creation time. Manifests are replaced wholesale, never mutated.
type Manifest struct {
	Generation uint64            `json:"generation"`
	Segments   []SegmentInfo     `json:"segments"`
	Metadata   map[string]string `json:"metadata"`
}

// SeqNoInfo is the checkpoint state recorded in a manifest's metadata.
type SeqNoInfo struct {
	MaxSeqNo        uint64
	LocalCheckpoint uint64
}

// WALIdentity returns the WAL identity token recorded in the manifest
// metadata, or an error if it is absent. An engine must refuse to open over a
// manifest without one.
func (m *Manifest) WALIdentity() (string, error) {
	id, ok := m.Metadata[core.WALIdentityKey]
	if !ok || id == "" {
		return "", fmt.Errorf("manifest generation %d carries no %s metadata", m.Generation, core.WALIdentityKey)
	}
	return id, nil
}

// SeqNos parses the sequence-number state recorded at manifest-creation time.
func (m *Manifest) SeqNos() (SeqNoInfo, error) {
	maxSeqNo, err := parseSeqNo(m.Metadata, core.MaxSeqNoKey)
	if err != nil {
		return SeqNoInfo{}, err
	}
	localCheckpoint, err := parseSeqNo(m.Metadata, core.LocalCheckpointKey)
	if err != nil {
		return SeqNoInfo{}, err
	}
	return SeqNoInfo{MaxSeqNo: maxSeqNo, LocalCheckpoint: localCheckpoint}, nil
}

// TotalDocs returns the summed document count estimate across all segments.
func (m *Manifest) TotalDocs() int64 {
	var total int64
	for _, seg := range m.Segments {
		total += seg.DocCount
	}
	return total
}

// Clone returns a deep copy. Callers that need to derive a new manifest do so
// on a clone; the original is never touched.
func (m *Manifest) Clone() *Manifest {
	segments := make([]SegmentInfo, len(m.Segments))
	copy(segments, m.Segments)
	metadata := make(map[string]string, len(m.Metadata))
	for k, v := range m.Metadata {
		metadata[k] = v
	}
	return &Manifest{
		Generation: m.Generation,
		Segments:   segments,
		Metadata:   metadata,
	}
}

func parseSeqNo(metadata map[string]string, key string) (uint64, error) {
	raw, ok := metadata[key]
	if !ok {
		return 0, fmt.Errorf("manifest metadata is missing %s", key)
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("manifest metadata %s is not a sequence number: %w", key, err)
	}
	return n, nil
}

// FormatSeqNo renders a sequence number the way manifest metadata stores it.
func FormatSeqNo(n uint64) string {
	return strconv.FormatUint(n, 10)
}
