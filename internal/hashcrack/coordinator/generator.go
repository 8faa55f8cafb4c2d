package coordinator

import (
	"sort"
	"sync"
	"time"

	"github.com/meshforge/fabricd/internal/fabric"
)

// OrphanChunk is a working chunk whose worker has gone quiet long enough
// that a newer chunk from the same worker has already solved, per the
// orphan-detection heuristic in spec §4.7.5.
type OrphanChunk struct {
	ChunkID      int64
	StartIndex   int64
	EndIndex     int64
	Progress     int64
	StuckWorker  string
	Age          time.Duration
}

// Progress is the snapshot returned by a job-status query.
type Progress struct {
	TotalCombinations int64
	Processed         int64
	InProgress        int64
	Pending           int64
	ProgressPercent   float64
	ETASeconds        float64
	CurrentVersion    uint64
	CompletedBatches  int
	ActiveBatches     int
}

// ChunkGenerator is the per-job dynamic batch generator (C7), grounded on
// DynamicChunkGenerator from
// _examples/original_source/dist/services/hash_coordinator/main.py: it
// owns chunk_id numbering (version*10000 + offset), lookahead batch
// sizing via the PerformanceAnalyzer, orphan recovery batches, and
// progress accounting.
type ChunkGenerator struct {
	mu sync.Mutex

	job               fabric.HashJob
	totalCombinations int64
	lookaheadBatches  int

	currentVersion     uint64
	currentGlobalIndex int64
	batches            map[uint64]*fabric.Batch
	completedVersions  map[uint64]struct{}
	retentionBatches   int

	solutions    []fabric.Solution
	solutionKeys map[string]struct{}
	recovered    map[int64]struct{} // chunk ids whose unfinished tail was re-issued in a recovery batch

	performance *PerformanceAnalyzer
}

func NewChunkGenerator(job fabric.HashJob, lookaheadBatches, retentionBatches int) *ChunkGenerator {
	return &ChunkGenerator{
		job:               job,
		totalCombinations: job.TotalCombinations(),
		lookaheadBatches:  lookaheadBatches,
		batches:           make(map[uint64]*fabric.Batch),
		completedVersions: make(map[uint64]struct{}),
		retentionBatches:  retentionBatches,
		solutionKeys:      make(map[string]struct{}),
		recovered:         make(map[int64]struct{}),
		performance:       NewPerformanceAnalyzer(job.BaseChunkSize),
	}
}

// EnsureLookaheadBatches generates as many new batches as needed to keep
// lookaheadBatches worth of pending (uncompleted) batches in flight.
func (g *ChunkGenerator) EnsureLookaheadBatches(activeWorkers []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pending := len(g.batches) - len(g.completedVersions)
	needed := g.lookaheadBatches - pending
	for needed > 0 && g.currentGlobalIndex < g.totalCombinations {
		if !g.generateNextBatchLocked(activeWorkers) {
			break
		}
		needed--
	}
}

func (g *ChunkGenerator) generateNextBatchLocked(activeWorkers []string) bool {
	if len(activeWorkers) == 0 {
		return false
	}

	version := g.currentVersion + 1
	chunks := make(map[int64]*fabric.Chunk)

	for _, workerID := range activeWorkers {
		if g.currentGlobalIndex >= g.totalCombinations {
			break
		}

		size := g.performance.AdaptiveChunkSize(workerID)
		remaining := g.totalCombinations - g.currentGlobalIndex
		if size > remaining {
			size = remaining
		}

		chunk := &fabric.Chunk{
			ChunkID:        int64(version)*10000 + int64(len(chunks)),
			StartIndex:     g.currentGlobalIndex,
			EndIndex:       g.currentGlobalIndex + size,
			AssignedWorker: workerID,
			Status:         fabric.ChunkAssigned,
			Priority:       1,
			CreatedAt:      time.Now(),
		}
		chunks[chunk.ChunkID] = chunk
		g.currentGlobalIndex += size
	}

	if len(chunks) == 0 {
		return false
	}

	g.currentVersion = version
	g.batches[version] = &fabric.Batch{
		Version:   version,
		Chunks:    chunks,
		CreatedAt: time.Now(),
	}
	return true
}

// RecoverOrphanedChunks issues a high-priority recovery batch that
// continues each orphaned chunk from its last reported progress.
func (g *ChunkGenerator) RecoverOrphanedChunks(orphaned []OrphanChunk, activeWorkers []string) *fabric.Batch {
	if len(orphaned) == 0 || len(activeWorkers) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	version := g.currentVersion + 1
	chunks := make(map[int64]*fabric.Chunk)

	for i, orphan := range orphaned {
		start := orphan.Progress + 1
		if orphan.Progress == 0 {
			start = orphan.StartIndex
		}
		if start >= orphan.EndIndex {
			// The stuck worker had in fact finished the range; close the
			// chunk instead of re-issuing an empty interval.
			if c := g.chunkByIDLocked(orphan.ChunkID); c != nil {
				c.Status = fabric.ChunkSolved
			}
			continue
		}
		if c := g.chunkByIDLocked(orphan.ChunkID); c != nil {
			c.Status = fabric.ChunkTimeout
		}
		g.recovered[orphan.ChunkID] = struct{}{}

		chunk := &fabric.Chunk{
			ChunkID:        int64(version)*10000 + int64(len(chunks)),
			StartIndex:     start,
			EndIndex:       orphan.EndIndex,
			AssignedWorker: activeWorkers[i%len(activeWorkers)],
			Status:         fabric.ChunkRecovery,
			Priority:       5,
			CreatedAt:      time.Now(),
		}
		chunks[chunk.ChunkID] = chunk
	}

	if len(chunks) == 0 {
		return nil
	}

	g.currentVersion = version
	batch := &fabric.Batch{
		Version:    version,
		Chunks:     chunks,
		IsRecovery: true,
		CreatedAt:  time.Now(),
	}
	g.batches[version] = batch
	return batch
}

// markBatchCompletedLocked records a batch as fully solved and prunes old
// completed batches beyond retentionBatches, per the original's
// completed_batches trimming.
func (g *ChunkGenerator) markBatchCompletedLocked(version uint64) {
	g.completedVersions[version] = struct{}{}

	if len(g.completedVersions) <= g.retentionBatches {
		return
	}
	versions := make([]uint64, 0, len(g.completedVersions))
	for v := range g.completedVersions {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	toDrop := len(versions) - g.retentionBatches
	for _, v := range versions[:toDrop] {
		delete(g.batches, v)
		delete(g.completedVersions, v)
	}
}

func (g *ChunkGenerator) chunkByIDLocked(chunkID int64) *fabric.Chunk {
	for _, batch := range g.batches {
		if c, ok := batch.Chunks[chunkID]; ok {
			return c
		}
	}
	return nil
}

// FindChunk locates a chunk and the version of the batch containing it.
func (g *ChunkGenerator) FindChunk(chunkID int64) (*fabric.Chunk, uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for version, batch := range g.batches {
		if c, ok := batch.Chunks[chunkID]; ok {
			return c, version, true
		}
	}
	return nil, 0, false
}

// ChunkCompleted transitions a chunk to solved. When the containing batch
// has no unsolved chunks left it is marked completed, shrinking the active
// pipeline so lookahead replenishment can issue the next version. Returns
// false if the chunk id is unknown.
func (g *ChunkGenerator) ChunkCompleted(chunkID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for version, batch := range g.batches {
		c, ok := batch.Chunks[chunkID]
		if !ok {
			continue
		}
		c.Status = fabric.ChunkSolved

		allSolved := true
		for _, other := range batch.Chunks {
			if other.Status != fabric.ChunkSolved {
				allSolved = false
				break
			}
		}
		if allSolved {
			g.markBatchCompletedLocked(version)
		}
		return true
	}
	return false
}

// AddSolutions folds newly reported solutions into the job's collected
// set, deduplicating repeats of the same (combination, digest) pair so
// re-delivered completion reports stay idempotent.
func (g *ChunkGenerator) AddSolutions(found []fabric.Solution) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range found {
		key := s.Combination + "\x00" + s.HashHex
		if _, seen := g.solutionKeys[key]; seen {
			continue
		}
		g.solutionKeys[key] = struct{}{}
		g.solutions = append(g.solutions, s)
	}
}

// Solutions returns a copy of every solution collected for this job.
func (g *ChunkGenerator) Solutions() []fabric.Solution {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]fabric.Solution, len(g.solutions))
	copy(out, g.solutions)
	return out
}

// UpdateChunkProgress records a worker's latest self-reported progress
// index against its assigned chunk, flipping it to the working state on
// its first report. This is the value orphan recovery resumes from
// (spec §4.7.5's "reported_progress").
func (g *ChunkGenerator) UpdateChunkProgress(chunkID, progress int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, batch := range g.batches {
		if c, ok := batch.Chunks[chunkID]; ok {
			if c.Status == fabric.ChunkAssigned {
				c.Status = fabric.ChunkWorking
			}
			if progress > c.Progress {
				c.Progress = progress
			}
			return true
		}
	}
	return false
}

// ChunkFailed marks a chunk timeout, making it eligible for recovery.
func (g *ChunkGenerator) ChunkFailed(chunkID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, batch := range g.batches {
		if c, ok := batch.Chunks[chunkID]; ok {
			c.Status = fabric.ChunkTimeout
			return
		}
	}
}

// WorkingChunks returns every chunk across every batch currently in the
// working state, for orphan-detection scanning.
func (g *ChunkGenerator) WorkingChunks() []fabric.Chunk {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []fabric.Chunk
	for _, batch := range g.batches {
		for _, c := range batch.Chunks {
			if c.Status == fabric.ChunkWorking {
				out = append(out, *c)
			}
		}
	}
	return out
}

// FailedChunks returns chunks a worker explicitly reported as failed
// (status timeout) that no recovery batch has picked up yet.
func (g *ChunkGenerator) FailedChunks() []fabric.Chunk {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []fabric.Chunk
	for _, batch := range g.batches {
		for _, c := range batch.Chunks {
			if c.Status != fabric.ChunkTimeout {
				continue
			}
			if _, done := g.recovered[c.ChunkID]; done {
				continue
			}
			out = append(out, *c)
		}
	}
	return out
}

// HasNewerSolvedForWorker reports whether a chunk with a higher chunk_id
// assigned to the same worker has already solved — the original's signal
// that an older working chunk has likely stalled.
func (g *ChunkGenerator) HasNewerSolvedForWorker(chunkID int64, workerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, batch := range g.batches {
		for _, c := range batch.Chunks {
			if c.ChunkID > chunkID && c.AssignedWorker == workerID && c.Status == fabric.ChunkSolved {
				return true
			}
		}
	}
	return false
}

// IsComplete reports whether every combination has been assigned and no
// chunk remains pending or in progress. A timed-out chunk counts as done
// only once its unfinished tail has been re-issued in a recovery batch,
// so coverage of the key space is never silently dropped.
func (g *ChunkGenerator) IsComplete() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.currentGlobalIndex < g.totalCombinations {
		return false
	}
	for _, batch := range g.batches {
		for _, c := range batch.Chunks {
			switch c.Status {
			case fabric.ChunkSolved:
			case fabric.ChunkTimeout:
				if _, reissued := g.recovered[c.ChunkID]; !reissued {
					return false
				}
			default:
				return false
			}
		}
	}
	return true
}

// Progress summarizes completion state for a job-status query.
func (g *ChunkGenerator) Progress() Progress {
	g.mu.Lock()
	var processed, inProgress int64
	for _, batch := range g.batches {
		for _, c := range batch.Chunks {
			switch c.Status {
			case fabric.ChunkSolved:
				processed += c.ChunkSize()
			case fabric.ChunkWorking, fabric.ChunkAssigned:
				inProgress += c.ChunkSize()
			}
		}
	}
	total := g.totalCombinations
	version := g.currentVersion
	completed := len(g.completedVersions)
	active := len(g.batches) - completed
	g.mu.Unlock()

	var pct float64
	if total > 0 {
		pct = float64(processed) / float64(total) * 100
	}
	remaining := total - processed

	stats := g.performance.ClusterStats()
	var eta float64
	if stats.TotalSpeed > 0 {
		eta = float64(remaining) / stats.TotalSpeed
	}

	return Progress{
		TotalCombinations: total,
		Processed:         processed,
		InProgress:        inProgress,
		Pending:           remaining,
		ProgressPercent:   pct,
		ETASeconds:        eta,
		CurrentVersion:    version,
		CompletedBatches:  completed,
		ActiveBatches:     active,
	}
}

// ActiveBatches returns a deep copy of every batch not yet marked
// completed, ready for gossip publication.
func (g *ChunkGenerator) ActiveBatches() map[uint64]fabric.Batch {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[uint64]fabric.Batch)
	for version, batch := range g.batches {
		if _, done := g.completedVersions[version]; done {
			continue
		}
		chunks := make(map[int64]*fabric.Chunk, len(batch.Chunks))
		for id, c := range batch.Chunks {
			cc := *c
			chunks[id] = &cc
		}
		out[version] = fabric.Batch{Version: batch.Version, Chunks: chunks, IsRecovery: batch.IsRecovery, CreatedAt: batch.CreatedAt}
	}
	return out
}
