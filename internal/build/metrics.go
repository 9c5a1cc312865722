package build

import (
	"math"
	"slices"
	"sync"
	"time"
)

// durationWindow is the number of recent build durations kept for
// percentiles.
const durationWindow = 1024

// BuildResult is the outcome of building one file in a production build.
type BuildResult struct {
	File     string
	URLs     []string
	Static   bool
	Duration time.Duration
	Error    error
}

// BuildMetrics tracks build performance
type BuildMetrics struct {
	TotalBuilds      int64
	SuccessfulBuilds int64
	FailedBuilds     int64
	StaticFiles      int64
	AverageDuration  time.Duration
	TotalDuration    time.Duration
	mutex            sync.RWMutex

	// recent is a ring buffer of the last durationWindow durations.
	recent   []time.Duration
	writePos int
}

// NewBuildMetrics creates a new build metrics tracker
func NewBuildMetrics() *BuildMetrics {
	return &BuildMetrics{}
}

// RecordBuild records a build result in the metrics
func (bm *BuildMetrics) RecordBuild(result BuildResult) {
	bm.mutex.Lock()
	defer bm.mutex.Unlock()

	bm.TotalBuilds++
	bm.TotalDuration += result.Duration

	if result.Static {
		bm.StaticFiles++
	}
	if result.Error != nil {
		bm.FailedBuilds++
	} else {
		bm.SuccessfulBuilds++
	}

	if bm.TotalBuilds > 0 {
		bm.AverageDuration = bm.TotalDuration / time.Duration(bm.TotalBuilds)
	}

	if len(bm.recent) < durationWindow {
		bm.recent = append(bm.recent, result.Duration)
	} else {
		bm.recent[bm.writePos] = result.Duration
		bm.writePos = (bm.writePos + 1) % durationWindow
	}
}

// Snapshot is a copy of the counters.
type Snapshot struct {
	TotalBuilds      int64
	SuccessfulBuilds int64
	FailedBuilds     int64
	StaticFiles      int64
	AverageDuration  time.Duration
	TotalDuration    time.Duration
	// P50Duration and P95Duration cover the most recent builds only.
	P50Duration time.Duration
	P95Duration time.Duration
}

// GetSnapshot returns a snapshot of current metrics
func (bm *BuildMetrics) GetSnapshot() Snapshot {
	bm.mutex.RLock()
	defer bm.mutex.RUnlock()
	return Snapshot{
		TotalBuilds:      bm.TotalBuilds,
		SuccessfulBuilds: bm.SuccessfulBuilds,
		FailedBuilds:     bm.FailedBuilds,
		StaticFiles:      bm.StaticFiles,
		AverageDuration:  bm.AverageDuration,
		TotalDuration:    bm.TotalDuration,
		P50Duration:      percentile(bm.recent, 50),
		P95Duration:      percentile(bm.recent, 95),
	}
}

// percentile returns the nearest-rank percentile p of durations.
func percentile(durations []time.Duration, p float64) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// GetSuccessRate returns the success rate as a percentage
func (bm *BuildMetrics) GetSuccessRate() float64 {
	bm.mutex.RLock()
	defer bm.mutex.RUnlock()

	if bm.TotalBuilds == 0 {
		return 0.0
	}

	return float64(bm.SuccessfulBuilds) / float64(bm.TotalBuilds) * 100.0
}
