package coordinator

import (
	"math"
	"sort"
	"sync"
	"time"
)

// ClusterStats summarizes the cluster's hash-rate distribution, grounded
// on calculate_cluster_stats from
// _examples/original_source/dist/services/hash_coordinator/main.py.
type ClusterStats struct {
	AvgSpeed    float64
	MedianSpeed float64
	TotalSpeed  float64
	MinSpeed    float64
	MaxSpeed    float64
	StdDev      float64
}

type perfSample struct {
	chunkSize int64
	timeTaken float64
	hashRate  float64
	at        time.Time
}

// PerformanceAnalyzer tracks each worker's observed hash rate and derives
// an adaptive chunk size from it (spec §4.7.2). No statistics library
// appears anywhere in the example pack, so mean/median/stdev are
// hand-rolled here rather than reached for a third-party import (noted in
// DESIGN.md).
type PerformanceAnalyzer struct {
	mu            sync.Mutex
	baseChunkSize int64
	speeds        map[string]float64
	history       map[string][]perfSample
}

func NewPerformanceAnalyzer(baseChunkSize int64) *PerformanceAnalyzer {
	return &PerformanceAnalyzer{
		baseChunkSize: baseChunkSize,
		speeds:        make(map[string]float64),
		history:       make(map[string][]perfSample),
	}
}

// UpdateWorkerPerformance records one completed chunk's throughput.
func (p *PerformanceAnalyzer) UpdateWorkerPerformance(workerID string, chunkSize int64, timeTaken float64) {
	if timeTaken <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rate := float64(chunkSize) / timeTaken
	p.speeds[workerID] = rate

	hist := append(p.history[workerID], perfSample{chunkSize: chunkSize, timeTaken: timeTaken, hashRate: rate, at: time.Now()})
	if len(hist) > 10 {
		hist = hist[len(hist)-10:]
	}
	p.history[workerID] = hist
}

// ClusterStats returns the current cluster-wide speed distribution.
func (p *PerformanceAnalyzer) ClusterStats() ClusterStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clusterStatsLocked()
}

func (p *PerformanceAnalyzer) clusterStatsLocked() ClusterStats {
	if len(p.speeds) == 0 {
		return ClusterStats{}
	}
	speeds := make([]float64, 0, len(p.speeds))
	for _, s := range p.speeds {
		speeds = append(speeds, s)
	}
	return ClusterStats{
		AvgSpeed:    mean(speeds),
		MedianSpeed: median(speeds),
		TotalSpeed:  sum(speeds),
		MinSpeed:    minOf(speeds),
		MaxSpeed:    maxOf(speeds),
		StdDev:      stdev(speeds),
	}
}

// WorkerSpeeds returns a copy of the worker_id -> hashes/sec map.
func (p *PerformanceAnalyzer) WorkerSpeeds() map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]float64, len(p.speeds))
	for k, v := range p.speeds {
		out[k] = v
	}
	return out
}

// AdaptiveChunkSize computes the chunk size this worker should be assigned
// next, clamped to [0.5x, 2.0x] of the cluster average and rounded down to
// the nearest 100k, per spec §4.7.2.
func (p *PerformanceAnalyzer) AdaptiveChunkSize(workerID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	speed, known := p.speeds[workerID]
	if !known || speed == 0 {
		return p.baseChunkSize
	}

	stats := p.clusterStatsLocked()
	if stats.AvgSpeed == 0 {
		return p.baseChunkSize
	}

	ratio := speed / stats.AvgSpeed
	if ratio < 0.5 {
		ratio = 0.5
	}
	if ratio > 2.0 {
		ratio = 2.0
	}

	adaptive := int64(float64(p.baseChunkSize) * ratio)
	adaptive = (adaptive / 100_000) * 100_000
	if adaptive < 100_000 {
		adaptive = 100_000
	}
	return adaptive
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return sum(xs) / float64(len(xs))
}

func sum(xs []float64) float64 {
	var total float64
	for _, x := range xs {
		total += x
	}
	return total
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sq float64
	for _, x := range xs {
		d := x - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)-1))
}

func minOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}
