package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsSinkThrottlesPushesWithinOneSecond(t *testing.T) {
	s := newMetricsSink(100)

	s.Push("queue_depth", 1, "gauge", false)
	s.Push("queue_depth", 2, "gauge", false) // within the same second, dropped

	history := s.History("queue_depth")
	require.Len(t, history, 1)
	assert.Equal(t, 1.0, history[0].Value)
}

func TestMetricsSinkForcePushBypassesThrottle(t *testing.T) {
	s := newMetricsSink(100)

	s.Push("queue_depth", 1, "gauge", false)
	s.Push("queue_depth", 2, "gauge", true)

	history := s.History("queue_depth")
	require.Len(t, history, 2)
	assert.Equal(t, 2.0, history[1].Value)
}

func TestMetricsSinkHistoryIsBoundedToMaxPoints(t *testing.T) {
	s := newMetricsSink(3)

	for i := 0; i < 5; i++ {
		s.Push("speed", float64(i), "gauge", true)
	}

	history := s.History("speed")
	require.Len(t, history, 3)
	assert.Equal(t, 2.0, history[0].Value)
	assert.Equal(t, 4.0, history[2].Value)
}

func TestMetricsSinkSnapshotReturnsMostRecentPointPerMetric(t *testing.T) {
	s := newMetricsSink(100)
	s.Push("a", 1, "counter", true)
	s.Push("b", 2, "gauge", true)
	s.Push("a", 3, "counter", true)

	snap := s.Snapshot()
	require.Contains(t, snap, "a")
	require.Contains(t, snap, "b")
	assert.Equal(t, 3.0, snap["a"].Value)
	assert.Equal(t, 2.0, snap["b"].Value)
}

func TestMetricsSinkOnPushFiresAfterUnlock(t *testing.T) {
	s := newMetricsSink(100)
	fired := make(chan pushedMetric, 1)
	s.onPush = func(p pushedMetric) { fired <- p }

	s.Push("calls", 7, "counter", true)

	select {
	case p := <-fired:
		assert.Equal(t, "calls", p.Name)
		assert.Equal(t, 7.0, p.Value)
	case <-time.After(time.Second):
		t.Fatal("onPush was not invoked")
	}
}
