package engine

import (
	"expvar"
	"fmt"
)

// latencyBuckets defines the buckets for latency histograms (in seconds).
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// EngineMetrics holds all expvar variables for a ReplicationEngine instance.
type EngineMetrics struct {
	PublishedGlobally bool // Indicates if the metrics are published to the global expvar namespace.

	IndexTotal        *expvar.Int
	IndexErrorsTotal  *expvar.Int
	DeleteTotal       *expvar.Int
	DeleteErrorsTotal *expvar.Int
	NoOpTotal         *expvar.Int
	GetTotal          *expvar.Int
	GetErrorsTotal    *expvar.Int

	SegmentUpdatesTotal       *expvar.Int
	SegmentUpdateErrorsTotal  *expvar.Int
	ManifestCommitsTotal      *expvar.Int
	WALGenerationsRolledTotal *expvar.Int
	WALGenerationsTrimmed     *expvar.Int

	WALBytesWrittenTotal   *expvar.Int
	WALEntriesWrittenTotal *expvar.Int

	IndexLatencyHist         *expvar.Map
	GetLatencyHist           *expvar.Map
	SegmentUpdateLatencyHist *expvar.Map

	EngineFailuresTotal *expvar.Int
}

// NewEngineMetrics creates and initializes a new EngineMetrics struct with
// expvar variables. When publishGlobally is false the variables live only in
// the returned struct, which keeps tests isolated from each other.
func NewEngineMetrics(publishGlobally bool, prefix string) *EngineMetrics {
	var newIntFunc func(string) *expvar.Int
	var newMapFunc func(string) *expvar.Map

	if publishGlobally {
		newIntFunc = publishExpvarInt
		newMapFunc = publishExpvarMap
	} else {
		newIntFunc = func(_ string) *expvar.Int { return new(expvar.Int) }
		newMapFunc = func(_ string) *expvar.Map {
			m := new(expvar.Map)
			m.Init()
			return m
		}
	}

	em := &EngineMetrics{
		PublishedGlobally: publishGlobally,

		IndexTotal:        newIntFunc(prefix + "index_total"),
		IndexErrorsTotal:  newIntFunc(prefix + "index_errors_total"),
		DeleteTotal:       newIntFunc(prefix + "delete_total"),
		DeleteErrorsTotal: newIntFunc(prefix + "delete_errors_total"),
		NoOpTotal:         newIntFunc(prefix + "noop_total"),
		GetTotal:          newIntFunc(prefix + "get_total"),
		GetErrorsTotal:    newIntFunc(prefix + "get_errors_total"),

		SegmentUpdatesTotal:       newIntFunc(prefix + "segment_updates_total"),
		SegmentUpdateErrorsTotal:  newIntFunc(prefix + "segment_update_errors_total"),
		ManifestCommitsTotal:      newIntFunc(prefix + "manifest_commits_total"),
		WALGenerationsRolledTotal: newIntFunc(prefix + "wal_generations_rolled_total"),
		WALGenerationsTrimmed:     newIntFunc(prefix + "wal_generations_trimmed_total"),

		WALBytesWrittenTotal:   newIntFunc(prefix + "wal_bytes_written_total"),
		WALEntriesWrittenTotal: newIntFunc(prefix + "wal_entries_written_total"),

		IndexLatencyHist:         newMapFunc(prefix + "index_latency_seconds"),
		GetLatencyHist:           newMapFunc(prefix + "get_latency_seconds"),
		SegmentUpdateLatencyHist: newMapFunc(prefix + "segment_update_latency_seconds"),

		EngineFailuresTotal: newIntFunc(prefix + "engine_failures_total"),
	}

	histMaps := []*expvar.Map{
		em.IndexLatencyHist, em.GetLatencyHist, em.SegmentUpdateLatencyHist,
	}
	for _, m := range histMaps {
		m.Set("count", new(expvar.Int))
		m.Set("sum", new(expvar.Float))
		for _, b := range latencyBuckets {
			m.Set(fmt.Sprintf("le_%.3f", b), new(expvar.Int))
		}
		m.Set("le_inf", new(expvar.Int))
	}
	return em
}

// observeLatency records the duration in the provided histogram map.
func observeLatency(histMap *expvar.Map, durationSeconds float64) {
	if histMap == nil {
		return
	}
	if countVar := histMap.Get("count"); countVar != nil {
		if countInt, ok := countVar.(*expvar.Int); ok {
			countInt.Add(1)
		}
	}
	if sumVar := histMap.Get("sum"); sumVar != nil {
		if sumFloat, ok := sumVar.(*expvar.Float); ok {
			sumFloat.Add(durationSeconds)
		}
	}

	// For a cumulative histogram, a value that fits in a smaller bucket
	// must also be counted in all larger buckets.
	for _, b := range latencyBuckets {
		bucketName := fmt.Sprintf("le_%.3f", b)
		if durationSeconds <= b {
			if bucketVar := histMap.Get(bucketName); bucketVar != nil {
				if bucketInt, ok := bucketVar.(*expvar.Int); ok {
					bucketInt.Add(1)
				}
			}
		}
	}
	// All finite observations are less than +Inf.
	if infVar := histMap.Get("le_inf"); infVar != nil {
		if infInt, ok := infVar.(*expvar.Int); ok {
			infInt.Add(1)
		}
	}
}

// publishExpvarInt safely publishes an expvar.Int.
// If the name already exists and is an *expvar.Int, it resets it and returns it.
// If the name exists but is not an *expvar.Int, it panics.
// If the name does not exist, it creates and returns a new one.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0) // Reset existing
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarMap safely publishes an expvar.Map.
// If the name already exists and is an *expvar.Map, it returns it.
// If the name exists but is not an *expvar.Map, it panics.
// If the name does not exist, it creates and returns a new one.
func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}
