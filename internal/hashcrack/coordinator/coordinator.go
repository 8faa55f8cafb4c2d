// Package coordinator implements the Hash Coordinator (C7): job creation,
// dynamic batch generation with performance-adaptive chunk sizing,
// gossip-driven progress ingestion, orphaned-chunk recovery, and job
// status reporting. Grounded on
// _examples/original_source/dist/services/hash_coordinator/main.py's Run
// service, translated from its asyncio task loop into goroutines over the
// same gossip metadata contract.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshforge/fabricd/internal/fabric"
)

// View is the slice of the gossip registry the coordinator needs: discovering
// active hash workers, reading their published status, and publishing job
// manifests and batches into its own record.
type View interface {
	Get(nodeID string) (fabric.NodeRecord, bool)
	AllNodeIDs() []string
	NeighborsWithRole(role fabric.Role) []string
	SetSelfMetadata(key string, value any)
}

// Metrics is the slice of pkg/metrics.Metrics the coordinator records its
// chunk/orphan/solution counters through; interface-typed so tests can run
// without the process-wide Prometheus registry.
type Metrics interface {
	IncHashChunksCompleted()
	IncHashOrphansRecovered(n int)
	IncHashSolutionsFound(n int)
}

// Config tunes the coordinator's background loops; defaults match spec
// §5's timeouts and the Implementation Config's fabric section.
type Config struct {
	ProgressTick     time.Duration
	OrphanScanPeriod time.Duration
	OrphanTimeout    time.Duration
	LookaheadBatches int
	RetentionBatches int
}

func DefaultConfig() Config {
	return Config{
		ProgressTick:     10 * time.Second,
		OrphanScanPeriod: 60 * time.Second,
		OrphanTimeout:    300 * time.Second,
		LookaheadBatches: 3,
		RetentionBatches: 20,
	}
}

var ErrJobExists = errors.New("job already exists")
var ErrJobNotFound = errors.New("job not found")

// Coordinator is the hash-cracking job supervisor.
type Coordinator struct {
	cfg         Config
	view        View
	logger      *zap.Logger
	metrics     Metrics
	onCompleted func(jobID string, solutions []fabric.Solution)

	mu                 sync.Mutex
	jobs               map[string]*ChunkGenerator
	completedJobs      map[string]struct{}
	processedHeartbeat map[string]uint64 // node_id -> last heartbeat_version whose worker status we ingested

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, view View, logger *zap.Logger) *Coordinator {
	if cfg.LookaheadBatches <= 0 {
		cfg.LookaheadBatches = 3
	}
	if cfg.RetentionBatches <= 0 {
		cfg.RetentionBatches = 20
	}
	if cfg.ProgressTick <= 0 {
		cfg.ProgressTick = 10 * time.Second
	}
	if cfg.OrphanScanPeriod <= 0 {
		cfg.OrphanScanPeriod = 60 * time.Second
	}
	if cfg.OrphanTimeout <= 0 {
		cfg.OrphanTimeout = 300 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:                cfg,
		view:               view,
		logger:             logger,
		jobs:               make(map[string]*ChunkGenerator),
		completedJobs:      make(map[string]struct{}),
		processedHeartbeat: make(map[string]uint64),
		ctx:                ctx,
		cancel:             cancel,
	}
}

// WithMetrics attaches the Prometheus counters; nil-safe to skip in tests.
func (c *Coordinator) WithMetrics(m Metrics) *Coordinator {
	c.metrics = m
	return c
}

// OnCompleted registers a hook fired once per job when it finishes, after
// the job_completed gossip write. Must be set before Start.
func (c *Coordinator) OnCompleted(fn func(jobID string, solutions []fabric.Solution)) {
	c.onCompleted = fn
}

// Start launches the progress-ingestion and orphan-detection loops.
func (c *Coordinator) Start() {
	c.wg.Add(2)
	go c.progressLoop()
	go c.orphanLoop()
}

func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// activeWorkers returns node ids of alive workers advertising the
// hash_worker service.
func (c *Coordinator) activeWorkers() []string {
	var out []string
	for _, id := range c.view.NeighborsWithRole(fabric.RoleWorker) {
		rec, ok := c.view.Get(id)
		if !ok {
			continue
		}
		if desc, ok := rec.Services["hash_worker"]; ok && desc.Status == fabric.StatusRunning {
			out = append(out, id)
		}
	}
	return out
}

// CreateJob creates and publishes a new hash-cracking job, per
// create_job. Validation of mode-specific required fields is the caller's
// responsibility (the RPC/dispatch boundary does bad_request validation).
func (c *Coordinator) CreateJob(job fabric.HashJob) (Progress, error) {
	c.mu.Lock()
	if _, exists := c.jobs[job.JobID]; exists {
		c.mu.Unlock()
		return Progress{}, ErrJobExists
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	gen := NewChunkGenerator(job, c.cfg.LookaheadBatches, c.cfg.RetentionBatches)
	c.jobs[job.JobID] = gen
	c.mu.Unlock()

	workers := c.activeWorkers()
	gen.EnsureLookaheadBatches(workers)
	c.publish(job.JobID, job, gen)

	return gen.Progress(), nil
}

// GetJobStatus returns the progress snapshot and cluster stats for one job.
func (c *Coordinator) GetJobStatus(jobID string) (Progress, ClusterStats, map[string]float64, error) {
	gen, ok := c.jobByID(jobID)
	if !ok {
		return Progress{}, ClusterStats{}, nil, ErrJobNotFound
	}
	return gen.Progress(), gen.performance.ClusterStats(), gen.performance.WorkerSpeeds(), nil
}

// JobIDs lists every active job id.
func (c *Coordinator) JobIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.jobs))
	for id := range c.jobs {
		ids = append(ids, id)
	}
	return ids
}

func (c *Coordinator) jobByID(jobID string) (*ChunkGenerator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen, ok := c.jobs[jobID]
	return gen, ok
}

// publish writes the job manifest and every active batch into the
// coordinator's own gossip record, per _publish_job_metadata_v2 and
// _publish_batches.
func (c *Coordinator) publish(jobID string, job fabric.HashJob, gen *ChunkGenerator) {
	c.view.SetSelfMetadata(fabric.GossipKeyJob(jobID), job)
	c.view.SetSelfMetadata(fabric.GossipKeyBatches(jobID), gen.ActiveBatches())
}

// ---- progress ingestion (§4.7.4) ----

func (c *Coordinator) progressLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ProgressTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.ingestWorkerStatuses()
		case <-c.ctx.Done():
			return
		}
	}
}

// ingestWorkerStatuses scans every known node's hash_worker_status
// metadata, folding solved chunks into the owning job's generator and
// feeding the performance analyzer, grounded on _update_worker_states /
// _process_worker_chunk_status.
func (c *Coordinator) ingestWorkerStatuses() {
	for _, nodeID := range c.view.AllNodeIDs() {
		rec, ok := c.view.Get(nodeID)
		if !ok {
			continue
		}
		raw, ok := rec.Metadata[fabric.GossipKeyWorkerStatus]
		if !ok {
			continue
		}
		if c.alreadyProcessed(nodeID, rec.HeartbeatVersion) {
			continue
		}

		status, err := fabric.DecodeMetadata[fabric.WorkerStatus](raw)
		if err != nil {
			continue
		}
		c.processWorkerStatus(nodeID, status)
		c.markProcessed(nodeID, rec.HeartbeatVersion)
	}
}

func (c *Coordinator) alreadyProcessed(nodeID string, version uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processedHeartbeat[nodeID] >= version
}

func (c *Coordinator) markProcessed(nodeID string, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processedHeartbeat[nodeID] = version
}

func (c *Coordinator) processWorkerStatus(workerID string, status fabric.WorkerStatus) {
	gen, ok := c.jobByID(status.JobID)
	if !ok {
		return
	}

	switch status.Status {
	case fabric.ChunkSolved:
		chunk, _, found := gen.FindChunk(status.ChunkID)
		if !found {
			if c.logger != nil {
				c.logger.Warn("worker reported solved for unknown chunk",
					zap.String("job_id", status.JobID), zap.Int64("chunk_id", status.ChunkID))
			}
			return
		}
		if chunk.Status == fabric.ChunkSolved {
			return // re-delivered completion report, already folded in
		}
		chunkSize := chunk.ChunkSize()
		gen.ChunkCompleted(status.ChunkID)
		if c.metrics != nil {
			c.metrics.IncHashChunksCompleted()
		}

		if status.TimeTaken > 0 {
			gen.performance.UpdateWorkerPerformance(workerID, chunkSize, status.TimeTaken)
		}
		if len(status.Solutions) > 0 {
			gen.AddSolutions(status.Solutions)
			if c.metrics != nil {
				c.metrics.IncHashSolutionsFound(len(status.Solutions))
			}
			if c.logger != nil {
				c.logger.Warn("worker found solutions",
					zap.String("worker", workerID), zap.String("job_id", status.JobID), zap.Int("count", len(status.Solutions)))
			}
		}

		workers := c.activeWorkers()
		gen.EnsureLookaheadBatches(workers)
		c.publish(status.JobID, jobOf(gen), gen)
		c.maybeCompleteJob(status.JobID, gen)

	case fabric.ChunkWorking:
		gen.UpdateChunkProgress(status.ChunkID, status.Progress)

	default:
		// Any other terminal report flips the chunk to timeout so the
		// orphan loop re-issues its range (§4.7.4).
		gen.ChunkFailed(status.ChunkID)
	}
}

// maybeCompleteJob emits the job_completed event once the whole key space
// has been assigned and every chunk solved (§4.7.6): the collected
// solutions set is published into the coordinator's gossip record and
// logged prominently, flagging whether a preimage was discovered.
func (c *Coordinator) maybeCompleteJob(jobID string, gen *ChunkGenerator) {
	if !gen.IsComplete() {
		return
	}
	c.mu.Lock()
	if _, done := c.completedJobs[jobID]; done {
		c.mu.Unlock()
		return
	}
	c.completedJobs[jobID] = struct{}{}
	c.mu.Unlock()

	solutions := gen.Solutions()
	c.view.SetSelfMetadata(fabric.GossipKeyJobCompleted(jobID), fabric.JobCompleted{
		JobID:       jobID,
		Solutions:   solutions,
		CompletedAt: time.Now(),
	})
	if c.logger != nil {
		c.logger.Warn("job completed",
			zap.String("job_id", jobID),
			zap.Int("solutions", len(solutions)),
			zap.Bool("preimage_found", len(solutions) > 0))
	}
	if c.onCompleted != nil {
		c.onCompleted(jobID, solutions)
	}
}

func jobOf(gen *ChunkGenerator) fabric.HashJob {
	gen.mu.Lock()
	defer gen.mu.Unlock()
	return gen.job
}

// ---- orphan detection and recovery (§4.7.5) ----

func (c *Coordinator) orphanLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.OrphanScanPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.scanOrphans()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) scanOrphans() {
	for _, jobID := range c.JobIDs() {
		gen, ok := c.jobByID(jobID)
		if !ok {
			continue
		}

		orphaned := c.detectOrphans(gen)
		if len(orphaned) == 0 {
			continue
		}
		if c.logger != nil {
			c.logger.Warn("detected orphaned chunks", zap.String("job_id", jobID), zap.Int("count", len(orphaned)))
		}

		workers := c.activeWorkers()
		batch := gen.RecoverOrphanedChunks(orphaned, workers)
		if batch != nil {
			if c.metrics != nil {
				c.metrics.IncHashOrphansRecovered(len(batch.Chunks))
			}
			c.publish(jobID, jobOf(gen), gen)
		}
	}
}

// detectOrphans flags working chunks older than OrphanTimeout whose
// worker has already solved a newer chunk — the original's signal that
// the worker moved on (or died) without reporting this one.
func (c *Coordinator) detectOrphans(gen *ChunkGenerator) []OrphanChunk {
	now := time.Now()
	var orphaned []OrphanChunk
	for _, chunk := range gen.WorkingChunks() {
		age := now.Sub(chunk.CreatedAt)
		if age <= c.cfg.OrphanTimeout {
			continue
		}
		if gen.HasNewerSolvedForWorker(chunk.ChunkID, chunk.AssignedWorker) {
			orphaned = append(orphaned, OrphanChunk{
				ChunkID:     chunk.ChunkID,
				StartIndex:  chunk.StartIndex,
				EndIndex:    chunk.EndIndex,
				Progress:    chunk.Progress,
				StuckWorker: chunk.AssignedWorker,
				Age:         age,
			})
		}
	}
	// Chunks a worker explicitly gave up on skip the age/newer-solved
	// heuristic: the failure report is authoritative.
	for _, chunk := range gen.FailedChunks() {
		orphaned = append(orphaned, OrphanChunk{
			ChunkID:     chunk.ChunkID,
			StartIndex:  chunk.StartIndex,
			EndIndex:    chunk.EndIndex,
			Progress:    chunk.Progress,
			StuckWorker: chunk.AssignedWorker,
			Age:         now.Sub(chunk.CreatedAt),
		})
	}
	return orphaned
}

// ReportSolution is the RPC-facing counterpart to the gossip completion
// write (spec §4.8.4): best-effort, logged, never required for
// correctness since the gossip write already closes the transaction.
func (c *Coordinator) ReportSolution(jobID string, chunkID int64, workerID string, solutions []fabric.Solution) error {
	gen, ok := c.jobByID(jobID)
	if !ok {
		return ErrJobNotFound
	}
	gen.AddSolutions(solutions)
	if c.logger != nil {
		c.logger.Warn("worker reported solutions via RPC",
			zap.String("worker", workerID), zap.String("job_id", jobID), zap.Int64("chunk_id", chunkID), zap.Int("count", len(solutions)))
	}
	return nil
}
