package coordinator

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/meshforge/fabricd/internal/errors"
	"github.com/meshforge/fabricd/internal/fabric"
	"github.com/meshforge/fabricd/internal/hashcrack/algorithms"
	"github.com/meshforge/fabricd/internal/runtime"
	"github.com/meshforge/fabricd/internal/solutions"
)

// Service adapts a Coordinator to the Service Runtime (C4) contract, giving
// job submission, status lookup, and the worker completion report a
// "hash_coordinator/<method>" home on the dispatcher's method table. repo is
// optional: a node running without Postgres configured keeps the
// coordinator's in-memory view of a job but never persists solutions.
type Service struct {
	coord  *Coordinator
	repo   solutions.Repository
	logger *zap.Logger
}

// NewService wraps coord for loading into the Runtime.
func NewService(coord *Coordinator) *Service { return &Service{coord: coord} }

// WithRepository attaches the Solutions Repository (C9), persisting every
// job manifest and reported solution alongside the in-memory job state,
// and stamping the job's completion row when the coordinator finishes it.
func (s *Service) WithRepository(repo solutions.Repository, logger *zap.Logger) *Service {
	s.repo = repo
	s.logger = logger
	s.coord.OnCompleted(func(jobID string, sols []fabric.Solution) {
		if err := repo.MarkJobComplete(jobID); err != nil && logger != nil {
			logger.Warn("failed to mark job complete", zap.String("job_id", jobID), zap.Error(err))
		}
	})
	return s
}

func (s *Service) Name() string    { return "hash_coordinator" }
func (s *Service) Version() string { return "1.0.0" }

func (s *Service) Initialize(ctx context.Context, deps runtime.Deps) error {
	s.coord.Start()
	return nil
}

func (s *Service) Cleanup(ctx context.Context) error {
	s.coord.Stop()
	return nil
}

func (s *Service) Methods() map[string]runtime.Method {
	return map[string]runtime.Method{
		"create_job": {
			Meta:    runtime.MethodMeta{Description: "submit a hash-cracking job", Public: true, CoordinatorOnly: true},
			Handler: s.handleCreateJob,
		},
		"get_job_status": {
			Meta:    runtime.MethodMeta{Description: "read a job's progress and cluster stats", Public: true, Idempotent: true, CacheTTLSeconds: 2},
			Handler: s.handleGetJobStatus,
		},
		"job_ids": {
			Meta:    runtime.MethodMeta{Description: "list active job ids", Public: true, Idempotent: true},
			Handler: s.handleJobIDs,
		},
		"report_solution": {
			Meta:    runtime.MethodMeta{Description: "worker best-effort solution notification", Public: true},
			Handler: s.handleReportSolution,
		},
		"list_solutions": {
			Meta:    runtime.MethodMeta{Description: "read the persisted solutions ledger for a job", Public: true, Idempotent: true},
			Handler: s.handleListSolutions,
		},
	}
}

func (s *Service) handleCreateJob(ctx context.Context, params []byte) (any, error) {
	var job fabric.HashJob
	if err := json.Unmarshal(params, &job); err != nil {
		return nil, errors.NewBadRequest("malformed job manifest")
	}
	if job.JobID == "" {
		return nil, errors.NewBadRequest("job_id is required")
	}
	if err := validateJob(job); err != nil {
		return nil, err
	}
	progress, err := s.coord.CreateJob(job)
	if err != nil {
		if err == ErrJobExists {
			return nil, errors.NewBadRequest("job already exists")
		}
		return nil, errors.Wrap(err, errors.Internal)
	}
	if s.repo != nil {
		if err := s.repo.RecordJob(job); err != nil && s.logger != nil {
			s.logger.Warn("failed to persist job manifest", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}
	return progress, nil
}

// validateJob checks the mode-specific required fields before any
// generator state is built for the job.
func validateJob(job fabric.HashJob) error {
	algo := algorithms.Name(job.HashAlgo)
	if !algorithms.IsPlainDigest(algo) {
		switch algo {
		case algorithms.Shake128, algorithms.Shake256, algorithms.NTLM, algorithms.NTLMv2:
		case algorithms.WPA, algorithms.WPA2:
			if job.SSID == "" {
				return errors.NewBadRequest("ssid is required for wpa/wpa2")
			}
		default:
			return errors.NewBadRequest("unsupported hash_algo: " + job.HashAlgo)
		}
	}
	switch job.Mode {
	case fabric.ModeBrute:
		if len(job.Charset) < 2 || job.Length < 1 {
			return errors.NewBadRequest("brute mode requires a charset of at least 2 characters and length >= 1")
		}
	case fabric.ModeDictionary:
		if len(job.Wordlist) == 0 {
			return errors.NewBadRequest("dictionary mode requires a non-empty wordlist")
		}
	default:
		return errors.NewBadRequest("mode must be brute or dictionary")
	}
	return nil
}

func (s *Service) handleGetJobStatus(ctx context.Context, params []byte) (any, error) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errors.NewBadRequest("malformed request")
	}
	progress, stats, speeds, err := s.coord.GetJobStatus(req.JobID)
	if err != nil {
		if err == ErrJobNotFound {
			return nil, errors.New(errors.BadRequest, "job not found")
		}
		return nil, errors.Wrap(err, errors.Internal)
	}
	return map[string]any{
		"progress":      progress,
		"cluster_stats": stats,
		"worker_speeds": speeds,
	}, nil
}

func (s *Service) handleJobIDs(ctx context.Context, params []byte) (any, error) {
	return s.coord.JobIDs(), nil
}

func (s *Service) handleReportSolution(ctx context.Context, params []byte) (any, error) {
	var req struct {
		JobID     string            `json:"job_id"`
		ChunkID   int64             `json:"chunk_id"`
		WorkerID  string            `json:"worker_id"`
		Solutions []fabric.Solution `json:"solutions"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errors.NewBadRequest("malformed solution report")
	}
	if err := s.coord.ReportSolution(req.JobID, req.ChunkID, req.WorkerID, req.Solutions); err != nil {
		if err == ErrJobNotFound {
			return nil, errors.New(errors.BadRequest, "job not found")
		}
		return nil, errors.Wrap(err, errors.Internal)
	}
	if s.repo != nil {
		if err := s.repo.RecordSolutions(req.JobID, req.ChunkID, req.WorkerID, req.Solutions); err != nil && s.logger != nil {
			s.logger.Warn("failed to persist solutions", zap.String("job_id", req.JobID), zap.Error(err))
		}
	}
	return map[string]bool{"accepted": true}, nil
}

func (s *Service) handleListSolutions(ctx context.Context, params []byte) (any, error) {
	if s.repo == nil {
		return nil, errors.NewServiceUnavailable("no solutions repository configured")
	}
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.JobID == "" {
		return nil, errors.NewBadRequest("job_id is required")
	}
	rows, err := s.repo.ListSolutions(req.JobID)
	if err != nil {
		return nil, errors.Wrap(err, errors.Internal)
	}
	return map[string]any{"solutions": rows}, nil
}
