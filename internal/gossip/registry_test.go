package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meshforge/fabricd/internal/fabric"
)

func newTestRegistry(t *testing.T, nodeID string) *Registry {
	t.Helper()
	self := fabric.NodeRecord{NodeID: nodeID, Role: fabric.RoleWorker, Endpoint: "http://" + nodeID}
	return NewRegistry(self, DefaultConfig(), nil, nil, zaptest.NewLogger(t))
}

func TestMergeTakesHigherHeartbeatVersion(t *testing.T) {
	r := newTestRegistry(t, "self")

	low := fabric.NodeRecord{NodeID: "n1", HeartbeatVersion: 1, Metadata: map[string]any{"k": "old"}}
	changed := r.Merge(map[string]fabric.NodeRecord{"n1": low})
	require.Equal(t, []string{"n1"}, changed)

	stale := fabric.NodeRecord{NodeID: "n1", HeartbeatVersion: 1, Metadata: map[string]any{"k": "stale-should-not-apply"}}
	changed = r.Merge(map[string]fabric.NodeRecord{"n1": stale})
	assert.Empty(t, changed, "equal heartbeat_version must not replace the held record")

	rec, ok := r.Get("n1")
	require.True(t, ok)
	assert.Equal(t, "old", rec.Metadata["k"])

	higher := fabric.NodeRecord{NodeID: "n1", HeartbeatVersion: 2, Metadata: map[string]any{"k": "new"}}
	changed = r.Merge(map[string]fabric.NodeRecord{"n1": higher})
	assert.Equal(t, []string{"n1"}, changed)

	rec, ok = r.Get("n1")
	require.True(t, ok)
	assert.Equal(t, "new", rec.Metadata["k"])
}

func TestMergeIsCommutativeAndAssociative(t *testing.T) {
	// P4: merging any two node records for the same node_id yields the
	// one with higher heartbeat_version, regardless of application order.
	a := fabric.NodeRecord{NodeID: "n1", HeartbeatVersion: 5}
	b := fabric.NodeRecord{NodeID: "n1", HeartbeatVersion: 9}

	r1 := newTestRegistry(t, "self1")
	r1.Merge(map[string]fabric.NodeRecord{"n1": a})
	r1.Merge(map[string]fabric.NodeRecord{"n1": b})

	r2 := newTestRegistry(t, "self2")
	r2.Merge(map[string]fabric.NodeRecord{"n1": b})
	r2.Merge(map[string]fabric.NodeRecord{"n1": a})

	got1, _ := r1.Get("n1")
	got2, _ := r2.Get("n1")
	assert.Equal(t, got1.HeartbeatVersion, got2.HeartbeatVersion)
	assert.Equal(t, uint64(9), got1.HeartbeatVersion)
}

func TestSetSelfMetadataIncrementsHeartbeatVersion(t *testing.T) {
	r := newTestRegistry(t, "self")
	before := r.SelfRecord().HeartbeatVersion

	r.SetSelfMetadata("hash_worker_status", map[string]any{"status": "working"})

	after := r.SelfRecord()
	assert.Greater(t, after.HeartbeatVersion, before)
	assert.Equal(t, map[string]any{"status": "working"}, after.Metadata["hash_worker_status"])
}

func TestLivenessClassification(t *testing.T) {
	r := newTestRegistry(t, "self")
	cfg := r.cfg

	r.Merge(map[string]fabric.NodeRecord{
		"alive":   {NodeID: "alive", HeartbeatVersion: 1, LastSeen: time.Now()},
		"suspect": {NodeID: "suspect", HeartbeatVersion: 1, LastSeen: time.Now().Add(-cfg.AliveThreshold - time.Second)},
		"dead":    {NodeID: "dead", HeartbeatVersion: 1, LastSeen: time.Now().Add(-cfg.DeadThreshold - time.Second)},
	})
	// Merge stamps last_seen with the local clock, so the stale values are
	// set on the stored records directly.
	backdate(r, "suspect", time.Now().Add(-cfg.AliveThreshold-time.Second))
	backdate(r, "dead", time.Now().Add(-cfg.DeadThreshold-time.Second))

	assert.Equal(t, fabric.Alive, r.Liveness("alive"))
	assert.Equal(t, fabric.Suspect, r.Liveness("suspect"))
	assert.Equal(t, fabric.Dead, r.Liveness("dead"))
	assert.Equal(t, fabric.Dead, r.Liveness("unknown-node"))
}

func TestNeighborsWithServiceFiltersByAliveAndRunning(t *testing.T) {
	r := newTestRegistry(t, "self")

	r.Merge(map[string]fabric.NodeRecord{
		"running-alive": {
			NodeID: "running-alive", HeartbeatVersion: 1, LastSeen: time.Now(),
			Services: map[string]fabric.ServiceDescriptor{"hash_worker": {Status: fabric.StatusRunning}},
		},
		"stopped-alive": {
			NodeID: "stopped-alive", HeartbeatVersion: 1, LastSeen: time.Now(),
			Services: map[string]fabric.ServiceDescriptor{"hash_worker": {Status: fabric.StatusStopped}},
		},
		"running-dead": {
			NodeID: "running-dead", HeartbeatVersion: 1, LastSeen: time.Now().Add(-time.Hour),
			Services: map[string]fabric.ServiceDescriptor{"hash_worker": {Status: fabric.StatusRunning}},
		},
	})
	backdate(r, "running-dead", time.Now().Add(-time.Hour))

	got := r.NeighborsWithService("hash_worker")
	assert.ElementsMatch(t, []string{"running-alive"}, got)
}

// backdate overwrites one stored record's last_seen.
func backdate(r *Registry, nodeID string, lastSeen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.nodes[nodeID]
	rec.LastSeen = lastSeen
	r.nodes[nodeID] = rec
}

type fakeTransport struct {
	pullResult *PullResult
	pullErr    error
	pushed     map[string]fabric.NodeRecord
}

func (f *fakeTransport) Pull(ctx context.Context, endpoint string, summary map[string]uint64) (*PullResult, error) {
	return f.pullResult, f.pullErr
}

func (f *fakeTransport) Push(ctx context.Context, endpoint string, records map[string]fabric.NodeRecord) error {
	f.pushed = records
	return nil
}

func TestGossipWithMergesPullResultAndPushesBack(t *testing.T) {
	r := newTestRegistry(t, "self")
	r.Merge(map[string]fabric.NodeRecord{
		"peer": {NodeID: "peer", HeartbeatVersion: 1, Endpoint: "http://peer", LastSeen: time.Now()},
	})

	transport := &fakeTransport{
		pullResult: &PullResult{
			Records: map[string]fabric.NodeRecord{"peer": {NodeID: "peer", HeartbeatVersion: 2}},
			Summary: map[string]uint64{}, // peer knows nothing about self -> should push self back
		},
	}
	r.transport = transport

	r.gossipWith("peer", "http://peer")

	rec, ok := r.Get("peer")
	require.True(t, ok)
	assert.Equal(t, uint64(2), rec.HeartbeatVersion)

	require.NotNil(t, transport.pushed)
	_, pushedSelf := transport.pushed["self"]
	assert.True(t, pushedSelf)
}

func TestJoinSeedsViewFromPeerAndPushesSelfBack(t *testing.T) {
	r := newTestRegistry(t, "self")
	transport := &fakeTransport{
		pullResult: &PullResult{
			Records: map[string]fabric.NodeRecord{
				"coord-1": {NodeID: "coord-1", Role: fabric.RoleCoordinator, Endpoint: "http://coord-1", HeartbeatVersion: 7},
			},
			Summary: map[string]uint64{"coord-1": 7},
		},
	}
	r.transport = transport

	require.NoError(t, r.Join(context.Background(), "http://coord-1"))

	rec, ok := r.Get("coord-1")
	require.True(t, ok)
	assert.Equal(t, uint64(7), rec.HeartbeatVersion)

	require.NotNil(t, transport.pushed)
	_, pushedSelf := transport.pushed["self"]
	assert.True(t, pushedSelf, "the seed peer must immediately learn the joining node")
}

func TestJoinSurfacesTransportFailure(t *testing.T) {
	r := newTestRegistry(t, "self")
	r.transport = &fakeTransport{pullErr: context.DeadlineExceeded}
	assert.Error(t, r.Join(context.Background(), "http://unreachable"))
}
