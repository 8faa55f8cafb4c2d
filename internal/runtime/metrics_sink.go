package runtime

import (
	"sync"
	"time"

	"github.com/meshforge/fabricd/internal/fabric"
)

// pushedMetric is one call to MetricsSink.Push, forwarded to the Runtime so
// it can fold the change into the owning service's gossip descriptor.
type pushedMetric struct {
	Name  string
	Value float64
	Type  string
}

// MetricsSink is the handle a Service receives (spec §4.4: services push
// tuples (name, value, type, timestamp)). It enforces per-metric
// throttling — at most one push per metric per second unless force_push —
// and keeps a bounded history of 100 points per metric, grounded on
// internal/core/eventbus.go's MaxHistorySize/historyCleanup pattern
// repurposed from generic events to (value, timestamp) metric points.
type MetricsSink struct {
	mu        sync.Mutex
	lastPush  map[string]time.Time
	history   map[string][]fabric.MetricPoint
	maxPoints int
	onPush    func(pushedMetric)
}

func newMetricsSink(maxPoints int) *MetricsSink {
	return &MetricsSink{
		lastPush:  make(map[string]time.Time),
		history:   make(map[string][]fabric.MetricPoint),
		maxPoints: maxPoints,
	}
}

// Push records a metric sample. Unless force is true, a push within one
// second of the previous push for the same name is dropped (throttled).
func (s *MetricsSink) Push(name string, value float64, kind string, force bool) {
	now := time.Now()
	s.mu.Lock()
	if !force {
		if last, ok := s.lastPush[name]; ok && now.Sub(last) < time.Second {
			s.mu.Unlock()
			return
		}
	}
	s.lastPush[name] = now
	points := append(s.history[name], fabric.MetricPoint{Value: value, Type: kind, Timestamp: now})
	if len(points) > s.maxPoints {
		points = points[len(points)-s.maxPoints:]
	}
	s.history[name] = points
	onPush := s.onPush
	s.mu.Unlock()

	if onPush != nil {
		onPush(pushedMetric{Name: name, Value: value, Type: kind})
	}
}

// Snapshot returns the most recent point for every metric name, the shape
// folded into services[name].metrics_summary.
func (s *MetricsSink) Snapshot() map[string]fabric.MetricPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]fabric.MetricPoint, len(s.history))
	for name, points := range s.history {
		if len(points) == 0 {
			continue
		}
		out[name] = points[len(points)-1]
	}
	return out
}

// History returns the bounded point history for one metric name.
func (s *MetricsSink) History(name string) []fabric.MetricPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	points := s.history[name]
	out := make([]fabric.MetricPoint, len(points))
	copy(out, points)
	return out
}
