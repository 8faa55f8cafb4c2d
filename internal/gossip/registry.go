// Package gossip implements the eventually-consistent node/service
// directory (C3): a fanout-based pull/push protocol merging NodeRecords by
// heartbeat_version, liveness classification, and periodic snapshotting to
// the archive. Grounded on internal/consensus/gossip/protocol.go's
// gossip-tick/fanout/vector-clock-merge shape, generalized from the
// teacher's Raft-flavored membership to the specification's pure
// last-writer-wins NodeRecord merge.
package gossip

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshforge/fabricd/internal/archive"
	"github.com/meshforge/fabricd/internal/fabric"
)

// PullResult is what a peer returns in response to a pull summary: full
// records for anything newer than the caller knew, plus the peer's own
// summary so the caller can push back anything it has that the peer
// lacks.
type PullResult struct {
	Records map[string]fabric.NodeRecord
	Summary map[string]uint64
}

// Transport is the network half of gossip exchange, satisfied by the
// Transport (C1) layer's HTTP client.
type Transport interface {
	Pull(ctx context.Context, peerEndpoint string, summary map[string]uint64) (*PullResult, error)
	Push(ctx context.Context, peerEndpoint string, records map[string]fabric.NodeRecord) error
}

// Metrics is the slice of pkg/metrics.Metrics the registry records gossip
// activity through; nil skips recording entirely.
type Metrics interface {
	ObserveGossipRound(d time.Duration)
	IncGossipMerges(n int)
	SetNodesAlive(n int)
}

// Config tunes the gossip loop; defaults match spec §4.3.
type Config struct {
	Period         time.Duration
	Fanout         int
	AliveThreshold time.Duration
	DeadThreshold  time.Duration
	SnapshotPeriod time.Duration
	DeadGrace      time.Duration // grace period dead nodes are retained before eviction
}

func DefaultConfig() Config {
	return Config{
		Period:         time.Second,
		Fanout:         3,
		AliveThreshold: 30 * time.Second,
		DeadThreshold:  90 * time.Second,
		SnapshotPeriod: 60 * time.Second,
		DeadGrace:      5 * time.Minute,
	}
}

// Registry holds the local view of the cluster and drives the gossip
// loop. All mutation goes through merge/update paths that bump
// heartbeat_version on the self record.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]fabric.NodeRecord
	selfID string
	cfg    Config

	transport Transport
	store     archive.Store
	logger    *zap.Logger
	metrics   Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a registry for the local node, seeding its self
// record. If store is non-nil, a warm-start snapshot is attempted.
func NewRegistry(self fabric.NodeRecord, cfg Config, transport Transport, store archive.Store, logger *zap.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		nodes:     make(map[string]fabric.NodeRecord),
		selfID:    self.NodeID,
		cfg:       cfg,
		transport: transport,
		store:     store,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	if self.Services == nil {
		self.Services = make(map[string]fabric.ServiceDescriptor)
	}
	if self.Metadata == nil {
		self.Metadata = make(map[string]any)
	}
	if self.HeartbeatVersion == 0 {
		// Coming into existence is itself a locally originated change:
		// version 0 would never beat a peer's zero-valued summary entry,
		// leaving a fresh node invisible to push-back.
		self.HeartbeatVersion = 1
	}
	self.LastSeen = time.Now()
	r.nodes[self.NodeID] = self

	if store != nil {
		r.loadSnapshot()
	}
	return r
}

// WithMetrics attaches the Prometheus gossip counters; nil-safe to skip in
// tests.
func (r *Registry) WithMetrics(m Metrics) *Registry {
	r.metrics = m
	return r
}

// Join performs one synchronous pull/push exchange with a seed peer,
// warm-starting the registry with the peer's view (and handing the peer
// this node's self record) before the periodic gossip loop takes over. A
// worker joining through --coord uses this so the coordinator's record is
// known from the first tick.
func (r *Registry) Join(ctx context.Context, endpoint string) error {
	if r.transport == nil {
		return nil
	}
	result, err := r.transport.Pull(ctx, endpoint, r.Summary())
	if err != nil {
		return err
	}
	r.Merge(result.Records)
	if toPush := r.RecordsNewerThan(result.Summary); len(toPush) > 0 {
		return r.transport.Push(ctx, endpoint, toPush)
	}
	return nil
}

// Start launches the gossip tick, membership check, cleanup, and snapshot
// goroutines.
func (r *Registry) Start() {
	r.wg.Add(4)
	go r.gossipLoop()
	go r.membershipLoop()
	go r.cleanupLoop()
	if r.store != nil {
		go r.snapshotLoop()
	} else {
		r.wg.Done()
	}
}

// Stop cancels all background goroutines and, if a store is configured,
// flushes a final snapshot.
func (r *Registry) Stop() {
	r.cancel()
	r.wg.Wait()
	if r.store != nil {
		r.saveSnapshot()
	}
}

// ---- self-record mutation ----

// bumpSelf must be called with mu held; it increments heartbeat_version and
// timestamps last_seen on the self record.
func (r *Registry) bumpSelf(mutate func(*fabric.NodeRecord)) {
	self := r.nodes[r.selfID]
	mutate(&self)
	self.HeartbeatVersion++
	self.LastSeen = time.Now()
	r.nodes[r.selfID] = self
}

// SetSelfMetadata bumps heartbeat_version and writes metadata[key]=value.
func (r *Registry) SetSelfMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bumpSelf(func(n *fabric.NodeRecord) {
		if n.Metadata == nil {
			n.Metadata = make(map[string]any)
		}
		n.Metadata[key] = value
	})
}

// GetMetadata returns the last merged value of metadata[key] for nodeID.
func (r *Registry) GetMetadata(nodeID, key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := n.Metadata[key]
	return v, ok
}

// SetServiceDescriptor bumps heartbeat_version and updates one service
// entry on the self record (used by the Service Runtime on lifecycle
// transitions).
func (r *Registry) SetServiceDescriptor(name string, desc fabric.ServiceDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bumpSelf(func(n *fabric.NodeRecord) {
		if n.Services == nil {
			n.Services = make(map[string]fabric.ServiceDescriptor)
		}
		n.Services[name] = desc
	})
}

// RemoveService removes a service entry (on shutdown).
func (r *Registry) RemoveService(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bumpSelf(func(n *fabric.NodeRecord) {
		delete(n.Services, name)
	})
}

// SelfRecord returns a copy of the local node's own record.
func (r *Registry) SelfRecord() fabric.NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[r.selfID].Clone()
}

// Get returns a copy of one node's record.
func (r *Registry) Get(nodeID string) (fabric.NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return fabric.NodeRecord{}, false
	}
	return n.Clone(), true
}

// AllNodeIDs returns every known node id, regardless of liveness.
func (r *Registry) AllNodeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	return ids
}

// Liveness classifies a node relative to now.
func (r *Registry) Liveness(nodeID string) fabric.Liveness {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.livenessLocked(nodeID, time.Now())
}

func (r *Registry) livenessLocked(nodeID string, now time.Time) fabric.Liveness {
	n, ok := r.nodes[nodeID]
	if !ok {
		return fabric.Dead
	}
	age := now.Sub(n.LastSeen)
	switch {
	case age < r.cfg.AliveThreshold:
		return fabric.Alive
	case age < r.cfg.DeadThreshold:
		return fabric.Suspect
	default:
		return fabric.Dead
	}
}

// NeighborsWithService returns the node ids of alive nodes advertising
// name as running.
func (r *Registry) NeighborsWithService(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	var out []string
	for id, n := range r.nodes {
		if r.livenessLocked(id, now) != fabric.Alive {
			continue
		}
		if desc, ok := n.Services[name]; ok && desc.Status == fabric.StatusRunning {
			out = append(out, id)
		}
	}
	return out
}

// NeighborsWithRole returns alive node ids of the given role.
func (r *Registry) NeighborsWithRole(role fabric.Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	var out []string
	for id, n := range r.nodes {
		if n.Role == role && r.livenessLocked(id, now) == fabric.Alive {
			out = append(out, id)
		}
	}
	return out
}

// ---- merge ----

// Merge folds incoming records into the local view. A record replaces the
// local one only if its heartbeat_version is strictly higher; ties keep
// the locally later-received (i.e. already-held) record. Returns the set
// of node ids that changed. Satisfies P4: merge is commutative,
// associative, and monotonic in heartbeat_version.
func (r *Registry) Merge(incoming map[string]fabric.NodeRecord) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mergeLocked(incoming)
}

func (r *Registry) mergeLocked(incoming map[string]fabric.NodeRecord) []string {
	var changed []string
	now := time.Now()
	for id, rec := range incoming {
		cur, exists := r.nodes[id]
		if !exists || rec.HeartbeatVersion > cur.HeartbeatVersion {
			rec.LastSeen = now
			r.nodes[id] = rec
			changed = append(changed, id)
		}
	}
	if r.metrics != nil && len(changed) > 0 {
		r.metrics.IncGossipMerges(len(changed))
	}
	return changed
}

// Summary returns node_id -> heartbeat_version for every known node.
func (r *Registry) Summary() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.nodes))
	for id, n := range r.nodes {
		out[id] = n.HeartbeatVersion
	}
	return out
}

// RecordsNewerThan returns full records for every node whose
// heartbeat_version exceeds the caller's known version (0 if absent from
// their summary).
func (r *Registry) RecordsNewerThan(theirSummary map[string]uint64) map[string]fabric.NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]fabric.NodeRecord)
	for id, n := range r.nodes {
		if n.HeartbeatVersion > theirSummary[id] {
			out[id] = n.Clone()
		}
	}
	return out
}

// ---- gossip loop ----

func (r *Registry) gossipLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.doGossipRound()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Registry) selectGossipTargets() []string {
	r.mu.RLock()
	now := time.Now()
	var alive []string
	for id := range r.nodes {
		if id == r.selfID {
			continue
		}
		if r.livenessLocked(id, now) != fabric.Dead {
			alive = append(alive, id)
		}
	}
	r.mu.RUnlock()

	rand.Shuffle(len(alive), func(i, j int) { alive[i], alive[j] = alive[j], alive[i] })
	if len(alive) > r.cfg.Fanout {
		alive = alive[:r.cfg.Fanout]
	}
	return alive
}

func (r *Registry) doGossipRound() {
	if r.transport == nil {
		return
	}
	targets := r.selectGossipTargets()
	for _, id := range targets {
		r.mu.RLock()
		peer, ok := r.nodes[id]
		r.mu.RUnlock()
		if !ok || peer.Endpoint == "" {
			continue
		}
		go r.gossipWith(id, peer.Endpoint)
	}
}

func (r *Registry) gossipWith(peerID, endpoint string) {
	ctx, cancel := context.WithTimeout(r.ctx, 2*time.Second)
	defer cancel()

	if r.metrics != nil {
		start := time.Now()
		defer func() { r.metrics.ObserveGossipRound(time.Since(start)) }()
	}

	summary := r.Summary()
	result, err := r.transport.Pull(ctx, endpoint, summary)
	if err != nil {
		if r.logger != nil {
			r.logger.Debug("gossip pull failed", zap.String("peer", peerID), zap.Error(err))
		}
		return
	}

	r.Merge(result.Records)

	// Push back anything we have that the peer lacks.
	toPush := r.RecordsNewerThan(result.Summary)
	if len(toPush) == 0 {
		return
	}
	if err := r.transport.Push(ctx, endpoint, toPush); err != nil {
		if r.logger != nil {
			r.logger.Debug("gossip push failed", zap.String("peer", peerID), zap.Error(err))
		}
	}
}

func (r *Registry) membershipLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Period * 5)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.bumpSelfHeartbeatOnly()
		case <-r.ctx.Done():
			return
		}
	}
}

// bumpSelfHeartbeatOnly advances last_seen without changing
// heartbeat_version semantics beyond what a real heartbeat needs; it
// still needs a version bump so peers observe the node is alive.
func (r *Registry) bumpSelfHeartbeatOnly() {
	r.mu.Lock()
	r.bumpSelf(func(n *fabric.NodeRecord) {})
	var alive int
	if r.metrics != nil {
		now := time.Now()
		for id := range r.nodes {
			if r.livenessLocked(id, now) == fabric.Alive {
				alive++
			}
		}
	}
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.SetNodesAlive(alive)
	}
}

func (r *Registry) cleanupLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.DeadThreshold)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.evictExpiredDead()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Registry) evictExpiredDead() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, n := range r.nodes {
		if id == r.selfID {
			continue
		}
		if now.Sub(n.LastSeen) > r.cfg.DeadThreshold+r.cfg.DeadGrace {
			delete(r.nodes, id)
		}
	}
}

// ---- snapshot persistence ----

const snapshotKey = "gossip_state"

type snapshotEnvelope struct {
	Nodes map[string]fabric.NodeRecord `json:"nodes"`
}

func (r *Registry) snapshotLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SnapshotPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.saveSnapshot()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Registry) saveSnapshot() {
	r.mu.RLock()
	env := snapshotEnvelope{Nodes: make(map[string]fabric.NodeRecord, len(r.nodes))}
	for id, n := range r.nodes {
		env.Nodes[id] = n.Clone()
	}
	r.mu.RUnlock()

	data, err := json.Marshal(env)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("gossip snapshot marshal failed", zap.Error(err))
		}
		return
	}
	if err := r.store.Put(snapshotKey, data); err != nil {
		if r.logger != nil {
			r.logger.Warn("gossip snapshot write failed", zap.Error(err))
		}
	}
}

func (r *Registry) loadSnapshot() {
	data, err := r.store.Get(snapshotKey)
	if err != nil {
		return // no warm-start snapshot available, start cold
	}
	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		if r.logger != nil {
			r.logger.Warn("gossip snapshot corrupt, ignoring", zap.Error(err))
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, n := range env.Nodes {
		if id == r.selfID {
			continue // never overwrite our own freshly-initialized record
		}
		// dead-threshold is re-evaluated against current wall clock: a
		// snapshot loaded long after it was written should not make a
		// long-dead node look alive.
		if now.Sub(n.LastSeen) > r.cfg.DeadThreshold+r.cfg.DeadGrace {
			continue
		}
		r.nodes[id] = n
	}
}
