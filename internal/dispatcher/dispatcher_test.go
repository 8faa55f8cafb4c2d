package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/meshforge/fabricd/internal/errors"
	"github.com/meshforge/fabricd/internal/fabric"
	"github.com/meshforge/fabricd/internal/runtime"
)

type fakeLocalRuntime struct {
	services map[string]map[string]runtime.Method
}

func newFakeLocalRuntime() *fakeLocalRuntime {
	return &fakeLocalRuntime{services: make(map[string]map[string]runtime.Method)}
}

func (f *fakeLocalRuntime) addMethod(service, method string, meta runtime.MethodMeta, handler runtime.Handler) {
	m, ok := f.services[service]
	if !ok {
		m = make(map[string]runtime.Method)
		f.services[service] = m
	}
	m[method] = runtime.Method{Meta: meta, Handler: handler}
}

func (f *fakeLocalRuntime) Has(service string) bool {
	_, ok := f.services[service]
	return ok
}

func (f *fakeLocalRuntime) Lookup(service, method string) (runtime.Method, bool) {
	m, ok := f.services[service]
	if !ok {
		return runtime.Method{}, false
	}
	meth, ok := m[method]
	return meth, ok
}

func (f *fakeLocalRuntime) Invoke(ctx context.Context, service, method string, params []byte) (any, error) {
	meth, ok := f.Lookup(service, method)
	if !ok {
		return nil, ferrors.NewMethodNotFound(service, method)
	}
	return meth.Handler(ctx, params)
}

type fakeGossipView struct{}

func (fakeGossipView) Get(nodeID string) (fabric.NodeRecord, bool) { return fabric.NodeRecord{}, false }
func (fakeGossipView) NeighborsWithService(name string) []string  { return nil }
func (fakeGossipView) SelfRecord() fabric.NodeRecord               { return fabric.NodeRecord{} }

func TestDispatchRejectsCoordinatorOnlyMethodForWorkerCaller(t *testing.T) {
	local := newFakeLocalRuntime()
	local.addMethod("hash_coordinator", "create_job",
		runtime.MethodMeta{CoordinatorOnly: true},
		func(ctx context.Context, params []byte) (any, error) { return "ok", nil })

	d := New(DefaultConfig(), local, fakeGossipView{}, nil, nil)

	_, err := d.Dispatch(context.Background(), fabric.RoleWorker, "hash_coordinator/create_job", json.RawMessage(`{}`))
	require.Error(t, err)
	fe, ok := ferrors.As(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.AuthForbidden, fe.Code)
}

func TestDispatchAllowsCoordinatorOnlyMethodForCoordinatorCaller(t *testing.T) {
	local := newFakeLocalRuntime()
	local.addMethod("hash_coordinator", "create_job",
		runtime.MethodMeta{CoordinatorOnly: true},
		func(ctx context.Context, params []byte) (any, error) { return "ok", nil })

	d := New(DefaultConfig(), local, fakeGossipView{}, nil, nil)

	result, err := d.Dispatch(context.Background(), fabric.RoleCoordinator, "hash_coordinator/create_job", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestDispatchEnforcesPerMethodRateLimit(t *testing.T) {
	local := newFakeLocalRuntime()
	local.addMethod("hash_coordinator", "job_ids",
		runtime.MethodMeta{RateLimitPerMinute: 1},
		func(ctx context.Context, params []byte) (any, error) { return "ok", nil })

	d := New(DefaultConfig(), local, fakeGossipView{}, nil, nil)

	_, err := d.Dispatch(context.Background(), fabric.RoleWorker, "hash_coordinator/job_ids", json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), fabric.RoleWorker, "hash_coordinator/job_ids", json.RawMessage(`{}`))
	require.Error(t, err)
	fe, ok := ferrors.As(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.RateLimited, fe.Code)
}

type broadcastGossipView struct {
	nodes map[string]fabric.NodeRecord
}

func (v broadcastGossipView) Get(nodeID string) (fabric.NodeRecord, bool) {
	n, ok := v.nodes[nodeID]
	return n, ok
}

func (v broadcastGossipView) NeighborsWithService(name string) []string {
	var out []string
	for id, n := range v.nodes {
		if desc, ok := n.Services[name]; ok && desc.Status == fabric.StatusRunning {
			out = append(out, id)
		}
	}
	return out
}

func (v broadcastGossipView) SelfRecord() fabric.NodeRecord { return fabric.NodeRecord{} }

// blockingRemote answers instantly for every endpoint except the ones in
// hang, which park until the call's context expires.
type blockingRemote struct {
	hang map[string]bool
}

func (r blockingRemote) CallRPC(ctx context.Context, endpoint, method string, params any) (json.RawMessage, error) {
	if r.hang[endpoint] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return json.RawMessage(`{"ok":true}`), nil
}

// TestBroadcastReturnsPerLegResultsOnPartialFailure covers scenario S4: a
// broadcast where one worker times out must still return one entry per
// node with the laggard tagged timeout, never an error for the whole call.
func TestBroadcastReturnsPerLegResultsOnPartialFailure(t *testing.T) {
	workerRecord := func(id string) fabric.NodeRecord {
		return fabric.NodeRecord{
			NodeID: id, Role: fabric.RoleWorker, Endpoint: "http://" + id,
			Services: map[string]fabric.ServiceDescriptor{
				"ping": {Status: fabric.StatusRunning, Methods: []string{"ping"}},
			},
		}
	}
	view := broadcastGossipView{nodes: map[string]fabric.NodeRecord{
		"worker-a": workerRecord("worker-a"),
		"worker-b": workerRecord("worker-b"),
		"worker-c": workerRecord("worker-c"),
	}}
	remote := blockingRemote{hang: map[string]bool{"http://worker-b": true}}

	cfg := DefaultConfig()
	cfg.BroadcastTimeout = 100 * time.Millisecond
	cfg.RPCTimeout = 100 * time.Millisecond
	d := New(cfg, newFakeLocalRuntime(), view, remote, nil)

	result, err := d.Dispatch(context.Background(), fabric.RoleCoordinator, "ping/ping", json.RawMessage(`{}`))
	require.NoError(t, err)

	legs, ok := result.([]LegResult)
	require.True(t, ok)
	require.Len(t, legs, 3)

	outcomes := make(map[string]LegResult, len(legs))
	for _, leg := range legs {
		outcomes[leg.NodeID] = leg
	}
	assert.True(t, outcomes["worker-a"].Success)
	assert.True(t, outcomes["worker-c"].Success)
	require.False(t, outcomes["worker-b"].Success)
	assert.Equal(t, string(ferrors.Timeout), outcomes["worker-b"].Error)
}

func TestDispatchAllowsNonCoordinatorOnlyMethodForWorkerCaller(t *testing.T) {
	local := newFakeLocalRuntime()
	local.addMethod("hash_coordinator", "get_job_status",
		runtime.MethodMeta{Idempotent: true},
		func(ctx context.Context, params []byte) (any, error) { return "ok", nil })

	d := New(DefaultConfig(), local, fakeGossipView{}, nil, nil)

	result, err := d.Dispatch(context.Background(), fabric.RoleWorker, "hash_coordinator/get_job_status", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}
