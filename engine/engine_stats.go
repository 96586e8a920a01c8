package engine

import (
	"sync"

	"github.com/Ripolin/segrep/manifest"
	"github.com/Ripolin/segrep/reader"
)

// SegmentStats summarizes the segment set behind the current read view.
type SegmentStats struct {
	Generation   uint64
	SegmentCount int
	TotalBytes   int64
	TotalDocs    int64
}

// segmentStatsCache caches derived segment statistics. It registers as a
// reader listener so a manifest swap invalidates it synchronously on the
// swapping goroutine; the next request recomputes from a fresh snapshot.
type segmentStatsCache struct {
	readers *reader.Manager

	mu    sync.Mutex
	valid bool
	stats SegmentStats
}

var _ reader.Listener = (*segmentStatsCache)(nil)

func newSegmentStatsCache(readers *reader.Manager) *segmentStatsCache {
	return &segmentStatsCache{readers: readers}
}

// OnManifestSwap invalidates the cache.
func (c *segmentStatsCache) OnManifestSwap(old, new *manifest.Manifest) {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// Get returns the cached statistics, recomputing them from a freshly
// acquired snapshot if a swap invalidated the cache.
func (c *segmentStatsCache) Get() (SegmentStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid {
		return c.stats, nil
	}

	snapshot, err := c.readers.Acquire()
	if err != nil {
		return SegmentStats{}, err
	}
	defer snapshot.Close()

	m := snapshot.Manifest()
	stats := SegmentStats{
		Generation:   m.Generation,
		SegmentCount: len(m.Segments),
		TotalDocs:    m.TotalDocs(),
	}
	for _, seg := range m.Segments {
		stats.TotalBytes += seg.SizeBytes
	}
	c.stats = stats
	c.valid = true
	return stats, nil
}

// SegmentStats exposes cached statistics about the active segment set.
func (e *ReplicationEngine) SegmentStats() (SegmentStats, error) {
	return e.segmentStats.Get()
}
