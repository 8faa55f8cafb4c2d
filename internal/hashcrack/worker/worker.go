package worker

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshforge/fabricd/internal/fabric"
	"github.com/meshforge/fabricd/internal/hashcrack/algorithms"
)

// View is the slice of the gossip registry (C3) the worker needs: reading
// coordinator-published job/batch metadata and publishing its own status.
type View interface {
	SelfRecord() fabric.NodeRecord
	Get(nodeID string) (fabric.NodeRecord, bool)
	NeighborsWithRole(role fabric.Role) []string
	SetSelfMetadata(key string, value any)
}

// SolutionReporter makes the best-effort named-node RPC described in spec
// §4.8.4. A nil reporter (or any error it returns) is non-fatal.
type SolutionReporter interface {
	ReportSolution(ctx context.Context, jobID string, chunkID int64, solutions []fabric.Solution) error
}

// Config tunes the worker loop; defaults match spec §5's timeouts and
// §4.8.3's CPU-count-minus-one parallelism.
type Config struct {
	NodeID       string
	PollInterval time.Duration
	ProgressTick time.Duration
	Parallelism  int
}

func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:       nodeID,
		PollInterval: time.Second,
		ProgressTick: time.Second,
		Parallelism:  parallelism(),
	}
}

func parallelism() int {
	if n := runtime.NumCPU() - 1; n > 0 {
		return n
	}
	return 1
}

// candidate is one chunk this worker could start working on, found via
// work discovery (§4.8.1).
type candidate struct {
	job   fabric.HashJob
	chunk fabric.Chunk
}

// assignment tracks the chunk currently being computed, so the poll loop
// can detect reassignment (§4.8.5) and the caller can cancel cleanly on
// shutdown.
type assignment struct {
	jobID   string
	chunkID int64
	cancel  context.CancelFunc
	done    chan struct{}
}

// Worker is the Hash Worker supervisor: it discovers assigned chunks via
// gossip, fans each one out across a parallel sub-chunk executor pool, and
// reports completion, grounded on spec §4.8.1–§4.8.5.
type Worker struct {
	cfg      Config
	view     View
	reporter SolutionReporter
	logger   *zap.Logger

	mu       sync.Mutex
	current  *assignment
	solved   map[string]struct{} // "jobID/chunkID" already reported solved this process lifetime

	lastProgressMu sync.Mutex
	lastProgressAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, view View, reporter SolutionReporter, logger *zap.Logger) *Worker {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = parallelism()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ProgressTick <= 0 {
		cfg.ProgressTick = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:      cfg,
		view:     view,
		reporter: reporter,
		logger:   logger,
		solved:   make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the poll loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.pollLoop()
}

// Stop cancels the poll loop and any in-flight chunk computation.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *Worker) pollLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.tick()
		case <-w.ctx.Done():
			return
		}
	}
}

// tick is one work-discovery pass (§4.8.1), plus reassignment detection
// (§4.8.5) for whatever chunk is currently in flight.
func (w *Worker) tick() {
	w.checkInterruption()

	w.mu.Lock()
	busy := w.current != nil
	w.mu.Unlock()
	if busy {
		return
	}

	c, ok := w.selectChunk()
	if !ok {
		return
	}
	w.startChunk(c)
}

// checkInterruption discards the in-flight chunk if its assigned_worker no
// longer names this node (the coordinator reissued it via recovery).
func (w *Worker) checkInterruption() {
	w.mu.Lock()
	cur := w.current
	w.mu.Unlock()
	if cur == nil {
		return
	}

	chunk, ok := w.lookupChunk(cur.jobID, cur.chunkID)
	if !ok || chunk.AssignedWorker != w.cfg.NodeID {
		if w.logger != nil {
			w.logger.Info("chunk reassigned away, discarding partial results",
				zap.String("job_id", cur.jobID), zap.Int64("chunk_id", cur.chunkID))
		}
		cur.cancel()
	}
}

// lookupChunk re-reads one chunk's current record from gossip metadata.
func (w *Worker) lookupChunk(jobID string, chunkID int64) (fabric.Chunk, bool) {
	for _, coordID := range w.view.NeighborsWithRole(fabric.RoleCoordinator) {
		rec, ok := w.view.Get(coordID)
		if !ok {
			continue
		}
		raw, ok := rec.Metadata[fabric.GossipKeyBatches(jobID)]
		if !ok {
			continue
		}
		batches, err := fabric.DecodeMetadata[map[uint64]fabric.Batch](raw)
		if err != nil {
			continue
		}
		for _, batch := range batches {
			if chunk, ok := batch.Chunks[chunkID]; ok {
				return *chunk, true
			}
		}
	}
	return fabric.Chunk{}, false
}

// selectChunk implements §4.8.1's selection rule: among every chunk across
// every coordinator-published job assigned to self and not yet reported
// solved, pick the lowest chunk_id among the highest priority.
func (w *Worker) selectChunk() (candidate, bool) {
	var best candidate
	found := false

	for _, coordID := range w.view.NeighborsWithRole(fabric.RoleCoordinator) {
		rec, ok := w.view.Get(coordID)
		if !ok {
			continue
		}
		for key, raw := range rec.Metadata {
			jobID, ok := jobIDFromBatchesKey(key)
			if !ok {
				continue
			}
			batches, err := fabric.DecodeMetadata[map[uint64]fabric.Batch](raw)
			if err != nil {
				continue
			}
			jobRaw, ok := rec.Metadata[fabric.GossipKeyJob(jobID)]
			if !ok {
				continue
			}
			job, err := fabric.DecodeMetadata[fabric.HashJob](jobRaw)
			if err != nil {
				continue
			}

			for _, batch := range batches {
				for _, chunk := range batch.Chunks {
					if chunk.AssignedWorker != w.cfg.NodeID {
						continue
					}
					if w.alreadySolved(jobID, chunk.ChunkID) {
						continue
					}
					if chunk.Status == fabric.ChunkSolved {
						continue
					}
					cnd := candidate{job: job, chunk: *chunk}
					if !found {
						best, found = cnd, true
						continue
					}
					if cnd.chunk.Priority > best.chunk.Priority ||
						(cnd.chunk.Priority == best.chunk.Priority && cnd.chunk.ChunkID < best.chunk.ChunkID) {
						best = cnd
					}
				}
			}
		}
	}

	return best, found
}

func jobIDFromBatchesKey(key string) (string, bool) {
	const prefix = "hash_batches_"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", false
	}
	return key[len(prefix):], true
}

func (w *Worker) alreadySolved(jobID string, chunkID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.solved[solvedKey(jobID, chunkID)]
	return ok
}

func solvedKey(jobID string, chunkID int64) string {
	return jobID + "/" + itoa(chunkID)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// startChunk transitions a selected chunk to working and launches the
// parallel executor pool for it in the background.
func (w *Worker) startChunk(c candidate) {
	ctx, cancel := context.WithCancel(w.ctx)
	asn := &assignment{jobID: c.job.JobID, chunkID: c.chunk.ChunkID, cancel: cancel, done: make(chan struct{})}

	w.mu.Lock()
	w.current = asn
	w.mu.Unlock()

	w.view.SetSelfMetadata(fabric.GossipKeyWorkerStatus, fabric.WorkerStatus{
		JobID:    c.job.JobID,
		ChunkID:  c.chunk.ChunkID,
		Status:   fabric.ChunkWorking,
		Progress: c.chunk.StartIndex,
	})

	go w.runChunk(ctx, asn, c)
}

// runChunk decomposes the chunk into sub-chunks, dispatches them across a
// parallelism-sized pool, and reports completion (§4.8.3, §4.8.4).
func (w *Worker) runChunk(ctx context.Context, asn *assignment, c candidate) {
	defer close(asn.done)
	defer func() {
		w.mu.Lock()
		if w.current == asn {
			w.current = nil
		}
		w.mu.Unlock()
	}()

	start := time.Now()
	target, err := NewTargetSet(c.job.TargetHashesHex)
	if err != nil {
		if w.logger != nil {
			w.logger.Error("failed to build target set", zap.Error(err))
		}
		return
	}

	ranges := splitRange(c.chunk.StartIndex, c.chunk.EndIndex, w.cfg.Parallelism)

	type subResult struct {
		res SubchunkResult
		err error
	}
	results := make(chan subResult, len(ranges))
	var wg sync.WaitGroup
	var progressed int64
	var progressMu sync.Mutex

	for _, rng := range ranges {
		wg.Add(1)
		go func(rngStart, rngEnd int64) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				results <- subResult{err: ctx.Err()}
				return
			default:
			}

			var res SubchunkResult
			var err error
			if c.job.Mode == fabric.ModeDictionary {
				words := c.job.Wordlist[rngStart:rngEnd]
				res, err = ComputeDictSubchunk(words, c.job.Mutations, algorithms.Name(c.job.HashAlgo), c.job.SSID, target, rngStart)
			} else {
				res, err = ComputeBruteSubchunk(rngStart, rngEnd, c.job.Charset, c.job.Length, algorithms.Name(c.job.HashAlgo), c.job.SSID, target)
			}

			progressMu.Lock()
			progressed += rngEnd - rngStart
			w.maybeReportProgress(c.job.JobID, c.chunk.ChunkID, c.chunk.StartIndex+progressed)
			progressMu.Unlock()

			results <- subResult{res: res, err: err}
		}(rng[0], rng[1])
	}

	wg.Wait()
	close(results)

	select {
	case <-ctx.Done():
		// Interrupted between ticks: discard partial results entirely,
		// per §4.8.5.
		return
	default:
	}

	var all SubchunkResult
	for r := range results {
		if r.err != nil {
			if w.logger != nil {
				w.logger.Error("sub-chunk execution failed", zap.Error(r.err))
			}
			continue
		}
		all.Solutions = append(all.Solutions, r.res.Solutions...)
		all.HashCount += r.res.HashCount
	}

	w.mu.Lock()
	w.solved[solvedKey(c.job.JobID, c.chunk.ChunkID)] = struct{}{}
	w.mu.Unlock()

	w.view.SetSelfMetadata(fabric.GossipKeyWorkerStatus, fabric.WorkerStatus{
		JobID:     c.job.JobID,
		ChunkID:   c.chunk.ChunkID,
		Status:    fabric.ChunkSolved,
		HashCount: all.HashCount,
		TimeTaken: time.Since(start).Seconds(),
		Solutions: all.Solutions,
	})

	if len(all.Solutions) > 0 && w.reporter != nil {
		reportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := w.reporter.ReportSolution(reportCtx, c.job.JobID, c.chunk.ChunkID, all.Solutions); err != nil {
			if w.logger != nil {
				w.logger.Debug("best-effort solution RPC failed, coordinator will still observe the gossip write",
					zap.Error(err))
			}
		}
	}
}

// maybeReportProgress throttles gossip progress writes to at most once per
// second, per §4.8.3.
func (w *Worker) maybeReportProgress(jobID string, chunkID, progress int64) {
	w.lastProgressMu.Lock()
	defer w.lastProgressMu.Unlock()
	now := time.Now()
	if now.Sub(w.lastProgressAt) < time.Second {
		return
	}
	w.lastProgressAt = now
	w.view.SetSelfMetadata(fabric.GossipKeyWorkerStatus, fabric.WorkerStatus{
		JobID:    jobID,
		ChunkID:  chunkID,
		Status:   fabric.ChunkWorking,
		Progress: progress,
	})
}

// splitRange divides [start, end) into at most n contiguous, roughly
// equal sub-ranges, each safe to submit independently to the executor
// pool.
func splitRange(start, end int64, n int) [][2]int64 {
	total := end - start
	if total <= 0 {
		return nil
	}
	if int64(n) > total {
		n = int(total)
	}
	if n <= 0 {
		n = 1
	}
	size := total / int64(n)
	remainder := total % int64(n)

	out := make([][2]int64, 0, n)
	cur := start
	for i := 0; i < n; i++ {
		span := size
		if int64(i) < remainder {
			span++
		}
		if span == 0 {
			continue
		}
		out = append(out, [2]int64{cur, cur + span})
		cur += span
	}
	return out
}
