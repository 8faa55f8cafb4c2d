// Package fabric holds the data model shared by every layer of the
// administration and compute fabric: node identity, gossip records, service
// descriptors and the hash-cracking job/chunk/batch types that ride on top
// of them.
package fabric

import (
	"encoding/json"
	"time"
)

// Role partitions nodes into the two kinds the fabric knows about.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorker      Role = "worker"
)

// ServiceStatus mirrors the lifecycle a Service Runtime instance moves
// through.
type ServiceStatus string

const (
	StatusStarting ServiceStatus = "starting"
	StatusRunning  ServiceStatus = "running"
	StatusStopping ServiceStatus = "stopping"
	StatusStopped  ServiceStatus = "stopped"
	StatusError    ServiceStatus = "error"
)

// ServiceDescriptor is the gossip-visible summary of one local service.
type ServiceDescriptor struct {
	Version        string                 `json:"version"`
	Status         ServiceStatus          `json:"status"`
	Methods        []string               `json:"methods"`
	Description    string                 `json:"description,omitempty"`
	MetricsSummary map[string]MetricPoint `json:"metrics_summary,omitempty"`
}

// MetricPoint is the last reported value for one metric name.
type MetricPoint struct {
	Value     float64   `json:"value"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeRecord is the complete, versioned view of one node as carried by the
// gossip registry. heartbeat_version increases monotonically with every
// locally originated change to Services or Metadata.
type NodeRecord struct {
	NodeID            string                       `json:"node_id"`
	Role              Role                         `json:"role"`
	Endpoint          string                       `json:"endpoint"`
	Services          map[string]ServiceDescriptor `json:"services"`
	Metadata          map[string]any               `json:"metadata"`
	HeartbeatVersion  uint64                       `json:"heartbeat_version"`
	LastSeen          time.Time                    `json:"last_seen"`
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// registry's lock.
func (n NodeRecord) Clone() NodeRecord {
	out := n
	out.Services = make(map[string]ServiceDescriptor, len(n.Services))
	for k, v := range n.Services {
		methods := make([]string, len(v.Methods))
		copy(methods, v.Methods)
		v.Methods = methods
		out.Services[k] = v
	}
	out.Metadata = make(map[string]any, len(n.Metadata))
	for k, v := range n.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// Liveness classifies a node relative to the caller's wall clock.
type Liveness string

const (
	Alive   Liveness = "alive"
	Suspect Liveness = "suspect"
	Dead    Liveness = "dead"
)

// ---- Hash-cracking data model ----

// JobMode selects between brute-force keyspace enumeration and dictionary
// expansion.
type JobMode string

const (
	ModeBrute      JobMode = "brute"
	ModeDictionary JobMode = "dictionary"
)

// ChunkStatus is the lifecycle of one assigned index range.
type ChunkStatus string

const (
	ChunkAssigned ChunkStatus = "assigned"
	ChunkWorking  ChunkStatus = "working"
	ChunkSolved   ChunkStatus = "solved"
	ChunkRecovery ChunkStatus = "recovery"
	ChunkTimeout  ChunkStatus = "timeout"
)

// HashJob is the immutable manifest for one cracking job.
type HashJob struct {
	JobID           string   `json:"job_id"`
	Mode            JobMode  `json:"mode"`
	HashAlgo        string   `json:"hash_algo"`
	TargetHashesHex []string `json:"target_hashes"`
	SSID            string   `json:"ssid,omitempty"`
	Charset         string   `json:"charset,omitempty"`
	Length          int      `json:"length,omitempty"`
	Wordlist        []string `json:"wordlist,omitempty"`
	Mutations       []string `json:"mutations,omitempty"`
	BaseChunkSize   int64    `json:"base_chunk_size"`
	CreatedAt       time.Time `json:"created_at"`
}

// TotalCombinations returns the size of the job's key space.
func (j HashJob) TotalCombinations() int64 {
	switch j.Mode {
	case ModeDictionary:
		return int64(len(j.Wordlist))
	default:
		base := int64(len(j.Charset))
		if base == 0 || j.Length <= 0 {
			return 0
		}
		total := int64(1)
		for i := 0; i < j.Length; i++ {
			total *= base
		}
		return total
	}
}

// Chunk is a contiguous half-open index interval assigned to one worker.
type Chunk struct {
	ChunkID         int64       `json:"chunk_id"`
	StartIndex      int64       `json:"start_index"`
	EndIndex        int64       `json:"end_index"`
	AssignedWorker  string      `json:"assigned_worker"`
	Status          ChunkStatus `json:"status"`
	Priority        int         `json:"priority"`
	Progress        int64       `json:"progress,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// ChunkSize returns end-start.
func (c Chunk) ChunkSize() int64 { return c.EndIndex - c.StartIndex }

// Batch is a versioned set of chunks emitted together by the generator.
type Batch struct {
	Version    uint64           `json:"version"`
	Chunks     map[int64]*Chunk `json:"chunks"`
	IsRecovery bool             `json:"is_recovery"`
	CreatedAt  time.Time        `json:"created_at"`
}

// WorkerStatus is what a worker publishes into its own gossip record under
// the `hash_worker_status` metadata key.
type WorkerStatus struct {
	JobID     string       `json:"job_id"`
	ChunkID   int64        `json:"chunk_id"`
	Status    ChunkStatus  `json:"status"`
	Progress  int64        `json:"progress,omitempty"`
	TimeTaken float64      `json:"time_taken,omitempty"`
	HashCount int64        `json:"hash_count,omitempty"`
	Solutions []Solution   `json:"solutions,omitempty"`
}

// Solution is a (candidate, digest, index) triple whose digest matched a
// job's target set.
type Solution struct {
	Combination string `json:"combination"`
	HashHex     string `json:"hash"`
	Index       int64  `json:"index"`
	BaseWord    string `json:"base_word,omitempty"`
	Mode        string `json:"mode"`
}

// GossipKeyJob returns the metadata key a coordinator publishes a job
// manifest under.
func GossipKeyJob(jobID string) string { return "hash_job_" + jobID }

// GossipKeyBatches returns the metadata key a coordinator publishes its
// version->batch map under.
func GossipKeyBatches(jobID string) string { return "hash_batches_" + jobID }

// GossipKeyJobCompleted returns the metadata key a coordinator publishes
// the job_completed event under once a job's whole key space is covered.
func GossipKeyJobCompleted(jobID string) string { return "hash_job_completed_" + jobID }

// GossipKeyWorkerStatus is the metadata key every hash worker publishes its
// last chunk report under.
const GossipKeyWorkerStatus = "hash_worker_status"

// JobCompleted is the completion event payload carrying the collected
// solutions set for one finished job.
type JobCompleted struct {
	JobID       string     `json:"job_id"`
	Solutions   []Solution `json:"solutions"`
	CompletedAt time.Time  `json:"completed_at"`
}

// DecodeMetadata normalizes a gossip metadata value into a concrete type.
// A value written locally by this process is already the typed Go value;
// a value that arrived over the wire from a peer has been through
// encoding/json and is a generic map[string]any. Round-tripping through
// json.Marshal/Unmarshal handles both cases identically.
func DecodeMetadata[T any](raw any) (T, error) {
	var out T
	buf, err := json.Marshal(raw)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(buf, &out); err != nil {
		return out, err
	}
	return out, nil
}
