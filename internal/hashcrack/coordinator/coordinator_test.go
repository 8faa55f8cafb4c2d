package coordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshforge/fabricd/internal/fabric"
)

type fakeView struct {
	mu    sync.Mutex
	nodes map[string]fabric.NodeRecord
	self  fabric.NodeRecord
}

func newFakeView() *fakeView {
	return &fakeView{
		nodes: make(map[string]fabric.NodeRecord),
		self:  fabric.NodeRecord{NodeID: "coord-1", Role: fabric.RoleCoordinator, Metadata: map[string]any{}},
	}
}

func (f *fakeView) Get(nodeID string) (fabric.NodeRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if nodeID == f.self.NodeID {
		return f.self, true
	}
	n, ok := f.nodes[nodeID]
	return n, ok
}

func (f *fakeView) AllNodeIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := []string{f.self.NodeID}
	for id := range f.nodes {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeView) NeighborsWithRole(role fabric.Role) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, n := range f.nodes {
		if n.Role == role {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeView) SetSelfMetadata(key string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.self.Metadata == nil {
		f.self.Metadata = make(map[string]any)
	}
	f.self.Metadata[key] = value
	f.self.HeartbeatVersion++
}

func (f *fakeView) addWorker(id string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := fabric.StatusRunning
	if !running {
		status = fabric.StatusStopped
	}
	f.nodes[id] = fabric.NodeRecord{
		NodeID: id,
		Role:   fabric.RoleWorker,
		Services: map[string]fabric.ServiceDescriptor{
			"hash_worker": {Status: status},
		},
		Metadata: map[string]any{},
	}
}

func (f *fakeView) setWorkerStatus(id string, status fabric.WorkerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.nodes[id]
	if n.Metadata == nil {
		n.Metadata = make(map[string]any)
	}
	n.Metadata[fabric.GossipKeyWorkerStatus] = status
	n.HeartbeatVersion++
	f.nodes[id] = n
}

func testJob(id string, total int) fabric.HashJob {
	return fabric.HashJob{
		JobID:         id,
		Mode:          fabric.ModeBrute,
		HashAlgo:      "sha256",
		Charset:       "ab",
		Length:        3, // 8 combinations
		BaseChunkSize: int64(total),
	}
}

func TestCreateJobWithNoWorkersGeneratesNoBatches(t *testing.T) {
	view := newFakeView()
	c := New(DefaultConfig(), view, nil)

	progress, err := c.CreateJob(testJob("job-1", 1000))
	require.NoError(t, err)
	assert.Equal(t, int64(8), progress.TotalCombinations)
	assert.Equal(t, int64(0), progress.Processed)
}

func TestCreateJobRejectsDuplicateID(t *testing.T) {
	view := newFakeView()
	c := New(DefaultConfig(), view, nil)
	_, err := c.CreateJob(testJob("job-1", 1000))
	require.NoError(t, err)
	_, err = c.CreateJob(testJob("job-1", 1000))
	assert.ErrorIs(t, err, ErrJobExists)
}

func TestCreateJobWithActiveWorkerGeneratesFullCoverageBatch(t *testing.T) {
	view := newFakeView()
	view.addWorker("worker-1", true)
	c := New(DefaultConfig(), view, nil)

	_, err := c.CreateJob(testJob("job-1", 1000))
	require.NoError(t, err)

	gen, ok := c.jobByID("job-1")
	require.True(t, ok)
	batches := gen.ActiveBatches()
	require.Len(t, batches, 1)
	batch := batches[1]
	require.Len(t, batch.Chunks, 1)
	chunk := batch.Chunks[10000]
	assert.Equal(t, int64(0), chunk.StartIndex)
	assert.Equal(t, int64(8), chunk.EndIndex)
	assert.Equal(t, "worker-1", chunk.AssignedWorker)
}

func TestIngestWorkerStatusesMarksChunkSolvedAndUpdatesPerformance(t *testing.T) {
	view := newFakeView()
	view.addWorker("worker-1", true)
	c := New(DefaultConfig(), view, nil)

	_, err := c.CreateJob(testJob("job-1", 1000))
	require.NoError(t, err)

	view.setWorkerStatus("worker-1", fabric.WorkerStatus{
		JobID:     "job-1",
		ChunkID:   10000,
		Status:    fabric.ChunkSolved,
		HashCount: 8,
		TimeTaken: 2.0,
	})

	c.ingestWorkerStatuses()

	gen, _ := c.jobByID("job-1")
	progress := gen.Progress()
	assert.Equal(t, int64(8), progress.Processed)

	speeds := gen.performance.WorkerSpeeds()
	assert.Equal(t, 4.0, speeds["worker-1"])
}

func TestIngestWorkerStatusesIsIdempotentPerHeartbeatVersion(t *testing.T) {
	view := newFakeView()
	view.addWorker("worker-1", true)
	c := New(DefaultConfig(), view, nil)
	_, err := c.CreateJob(testJob("job-1", 1000))
	require.NoError(t, err)

	view.setWorkerStatus("worker-1", fabric.WorkerStatus{JobID: "job-1", ChunkID: 10000, Status: fabric.ChunkSolved, TimeTaken: 1.0})
	c.ingestWorkerStatuses()
	c.ingestWorkerStatuses() // second pass with the same heartbeat_version must not reprocess

	gen, _ := c.jobByID("job-1")
	speeds := gen.performance.WorkerSpeeds()
	// history length indirectly checked via no panic/duplication; direct
	// assertion on history length requires exporting it, so assert the
	// chunk stays solved and speed unchanged across repeats.
	assert.Equal(t, 8.0, speeds["worker-1"])
}

func TestDetectOrphansFlagsStaleWorkingChunkWithNewerSolvedSibling(t *testing.T) {
	gen := NewChunkGenerator(testJob("job-1", 1000), 3, 20)
	batch := fabricBatchWithChunks(map[int64]*fabric.Chunk{
		10000: {ChunkID: 10000, StartIndex: 0, EndIndex: 4, AssignedWorker: "worker-1", Status: fabric.ChunkWorking, CreatedAt: time.Now().Add(-10 * time.Minute)},
		10001: {ChunkID: 10001, StartIndex: 4, EndIndex: 8, AssignedWorker: "worker-1", Status: fabric.ChunkSolved, CreatedAt: time.Now()},
	})
	gen.mu.Lock()
	gen.batches[1] = &batch
	gen.mu.Unlock()

	view := newFakeView()
	c := New(Config{OrphanTimeout: time.Minute, ProgressTick: time.Hour, OrphanScanPeriod: time.Hour, LookaheadBatches: 3, RetentionBatches: 20}, view, nil)

	orphaned := c.detectOrphans(gen)
	require.Len(t, orphaned, 1)
	assert.Equal(t, int64(10000), orphaned[0].ChunkID)
}

// TestOrphanRecoveryResumesFromReportedProgress exercises scenario S3: a
// chunk stalled at a worker-reported progress mark must recover only the
// unfinished tail, not the whole interval.
func TestOrphanRecoveryResumesFromReportedProgress(t *testing.T) {
	job := fabric.HashJob{JobID: "job-1", Mode: fabric.ModeBrute, Charset: "ab", Length: 20, BaseChunkSize: 1_000_000}
	gen := NewChunkGenerator(job, 3, 20)
	batch := fabricBatchWithChunks(map[int64]*fabric.Chunk{
		10000: {ChunkID: 10000, StartIndex: 0, EndIndex: 1_000_000, AssignedWorker: "worker-x", Status: fabric.ChunkWorking, CreatedAt: time.Now().Add(-10 * time.Minute)},
		10001: {ChunkID: 10001, StartIndex: 1_000_000, EndIndex: 2_000_000, AssignedWorker: "worker-x", Status: fabric.ChunkSolved, CreatedAt: time.Now()},
	})
	gen.mu.Lock()
	gen.batches[1] = &batch
	gen.mu.Unlock()
	require.True(t, gen.UpdateChunkProgress(10000, 400_000))

	view := newFakeView()
	c := New(Config{OrphanTimeout: time.Minute, ProgressTick: time.Hour, OrphanScanPeriod: time.Hour, LookaheadBatches: 3, RetentionBatches: 20}, view, nil)

	orphaned := c.detectOrphans(gen)
	require.Len(t, orphaned, 1)
	assert.Equal(t, int64(400_000), orphaned[0].Progress)

	recovered := gen.RecoverOrphanedChunks(orphaned, []string{"worker-y"})
	require.NotNil(t, recovered)
	require.Len(t, recovered.Chunks, 1)
	for _, c := range recovered.Chunks {
		assert.Equal(t, int64(400_001), c.StartIndex)
		assert.Equal(t, int64(1_000_000), c.EndIndex)
		assert.Equal(t, "worker-y", c.AssignedWorker)
		assert.Equal(t, 5, c.Priority)
	}
}

func fabricBatchWithChunks(chunks map[int64]*fabric.Chunk) fabric.Batch {
	return fabric.Batch{Version: 1, Chunks: chunks, CreatedAt: time.Now()}
}

func TestSolvedBatchCompletesAndLookaheadReplenishes(t *testing.T) {
	view := newFakeView()
	view.addWorker("worker-1", true)
	c := New(DefaultConfig(), view, nil)

	// 2^20 combinations with 100-index chunks: the pipeline can never
	// cover the space in its 3-batch lookahead, so replenishment must
	// kick in as batches complete.
	job := fabric.HashJob{JobID: "job-1", Mode: fabric.ModeBrute, HashAlgo: "sha256", Charset: "ab", Length: 20, BaseChunkSize: 100}
	_, err := c.CreateJob(job)
	require.NoError(t, err)

	gen, ok := c.jobByID("job-1")
	require.True(t, ok)
	require.Len(t, gen.ActiveBatches(), 3)

	view.setWorkerStatus("worker-1", fabric.WorkerStatus{JobID: "job-1", ChunkID: 10000, Status: fabric.ChunkSolved, TimeTaken: 1.0})
	c.ingestWorkerStatuses()

	// Batch 1 is fully solved, so it leaves the active pipeline and a
	// fourth version takes its place.
	batches := gen.ActiveBatches()
	require.Len(t, batches, 3)
	_, gone := batches[1]
	assert.False(t, gone)
	_, replenished := batches[4]
	assert.True(t, replenished)
}

func TestDuplicateSolvedReportIsNoOp(t *testing.T) {
	view := newFakeView()
	view.addWorker("worker-1", true)
	c := New(DefaultConfig(), view, nil)
	_, err := c.CreateJob(testJob("job-1", 1000))
	require.NoError(t, err)

	c.processWorkerStatus("worker-1", fabric.WorkerStatus{JobID: "job-1", ChunkID: 10000, Status: fabric.ChunkSolved, TimeTaken: 2.0})
	// A re-delivered report with a different time_taken must not re-feed
	// the speed sampler or touch any other state.
	c.processWorkerStatus("worker-1", fabric.WorkerStatus{JobID: "job-1", ChunkID: 10000, Status: fabric.ChunkSolved, TimeTaken: 1.0})

	gen, _ := c.jobByID("job-1")
	speeds := gen.performance.WorkerSpeeds()
	assert.Equal(t, 4.0, speeds["worker-1"])
}

func TestJobCompletionPublishesCollectedSolutions(t *testing.T) {
	view := newFakeView()
	view.addWorker("worker-1", true)
	c := New(DefaultConfig(), view, nil)
	_, err := c.CreateJob(testJob("job-1", 1000))
	require.NoError(t, err)

	solution := fabric.Solution{Combination: "bab", HashHex: "feed", Index: 5, Mode: string(fabric.ModeBrute)}
	view.setWorkerStatus("worker-1", fabric.WorkerStatus{
		JobID: "job-1", ChunkID: 10000, Status: fabric.ChunkSolved, TimeTaken: 1.0,
		Solutions: []fabric.Solution{solution},
	})
	c.ingestWorkerStatuses()

	raw, ok := view.Get("coord-1")
	require.True(t, ok)
	event, exists := raw.Metadata[fabric.GossipKeyJobCompleted("job-1")]
	require.True(t, exists)
	completed := event.(fabric.JobCompleted)
	assert.Equal(t, "job-1", completed.JobID)
	require.Len(t, completed.Solutions, 1)
	assert.Equal(t, "bab", completed.Solutions[0].Combination)
}

func TestWorkerReportedFailureIsRecoveredWithoutAgeHeuristic(t *testing.T) {
	view := newFakeView()
	view.addWorker("worker-1", true)
	c := New(DefaultConfig(), view, nil)
	job := fabric.HashJob{JobID: "job-1", Mode: fabric.ModeBrute, HashAlgo: "sha256", Charset: "ab", Length: 20, BaseChunkSize: 100}
	_, err := c.CreateJob(job)
	require.NoError(t, err)

	c.processWorkerStatus("worker-1", fabric.WorkerStatus{JobID: "job-1", ChunkID: 10000, Status: fabric.ChunkTimeout})

	gen, _ := c.jobByID("job-1")
	orphaned := c.detectOrphans(gen)
	require.Len(t, orphaned, 1)
	assert.Equal(t, int64(10000), orphaned[0].ChunkID)

	recovered := gen.RecoverOrphanedChunks(orphaned, []string{"worker-1"})
	require.NotNil(t, recovered)
	assert.True(t, recovered.IsRecovery)
	// Once re-issued, the failed chunk stops being reported as pending
	// recovery work.
	assert.Empty(t, gen.FailedChunks())
}
