// Package solutions implements the Solutions Repository (C9): a durable
// Postgres ledger of cracked hash solutions and job completion records,
// supplementing the fabric's best-effort in-memory coordinator state.
// Grounded on internal/repository/repository.go's postgresRepository
// shape (method-per-query struct wrapping *sql.DB, database/sql +
// github.com/lib/pq), generalized from anomaly-detection rows to
// solution_artifacts/job_artifacts tables.
package solutions

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/meshforge/fabricd/internal/config"
	"github.com/meshforge/fabricd/internal/fabric"
)

// Repository is the data access contract the hash coordinator's job
// submission and completion path depends on.
type Repository interface {
	RecordJob(job fabric.HashJob) error
	RecordSolutions(jobID string, chunkID int64, workerID string, solutions []fabric.Solution) error
	ListSolutions(jobID string) ([]SolutionRow, error)
	MarkJobComplete(jobID string) error
	HealthCheck() error
	Close() error
}

// SolutionRow is one persisted cracked solution.
type SolutionRow struct {
	JobID       string
	ChunkID     int64
	WorkerID    string
	Combination string
	HashHex     string
	Mode        string
	FoundAt     time.Time
}

type postgresRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRepository opens the Postgres connection described by cfg.Database
// and ensures the solutions schema exists.
func NewRepository(cfg *config.Config, logger *zap.Logger) (Repository, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User,
		cfg.Database.Password, cfg.Database.DBName, cfg.Database.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	repo := &postgresRepository{db: db, logger: logger}
	if err := repo.createTables(); err != nil {
		return nil, fmt.Errorf("create solutions schema: %w", err)
	}
	return repo, nil
}

func (r *postgresRepository) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS job_artifacts (
			job_id VARCHAR(128) PRIMARY KEY,
			mode VARCHAR(32) NOT NULL,
			hash_algo VARCHAR(32) NOT NULL,
			base_chunk_size BIGINT NOT NULL,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS solution_artifacts (
			job_id VARCHAR(128) NOT NULL REFERENCES job_artifacts(job_id),
			chunk_id BIGINT NOT NULL,
			worker_id VARCHAR(128) NOT NULL,
			combination TEXT NOT NULL,
			hash_hex VARCHAR(256) NOT NULL,
			mode VARCHAR(32) NOT NULL,
			found_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (job_id, chunk_id, hash_hex)
		);`,
	}
	for _, q := range queries {
		if _, err := r.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// RecordJob inserts a job manifest row, ignoring duplicates (a coordinator
// restarted mid-job re-announces the same job_id).
func (r *postgresRepository) RecordJob(job fabric.HashJob) error {
	_, err := r.db.Exec(
		`INSERT INTO job_artifacts (job_id, mode, hash_algo, base_chunk_size)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job_id) DO NOTHING`,
		job.JobID, string(job.Mode), job.HashAlgo, job.BaseChunkSize,
	)
	return err
}

// RecordSolutions persists every solution a worker reported for one chunk.
// ON CONFLICT DO NOTHING makes re-reporting the same solved chunk a no-op
// (P: a duplicate completion report must not duplicate rows).
func (r *postgresRepository) RecordSolutions(jobID string, chunkID int64, workerID string, sols []fabric.Solution) error {
	if len(sols) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	for _, s := range sols {
		if _, err := tx.Exec(
			`INSERT INTO solution_artifacts (job_id, chunk_id, worker_id, combination, hash_hex, mode)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (job_id, chunk_id, hash_hex) DO NOTHING`,
			jobID, chunkID, workerID, s.Combination, s.HashHex, s.Mode,
		); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (r *postgresRepository) ListSolutions(jobID string) ([]SolutionRow, error) {
	rows, err := r.db.Query(
		`SELECT job_id, chunk_id, worker_id, combination, hash_hex, mode, found_at
		 FROM solution_artifacts WHERE job_id = $1 ORDER BY found_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SolutionRow
	for rows.Next() {
		var row SolutionRow
		if err := rows.Scan(&row.JobID, &row.ChunkID, &row.WorkerID, &row.Combination, &row.HashHex, &row.Mode, &row.FoundAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *postgresRepository) MarkJobComplete(jobID string) error {
	_, err := r.db.Exec(`UPDATE job_artifacts SET completed_at = now() WHERE job_id = $1`, jobID)
	return err
}

func (r *postgresRepository) HealthCheck() error {
	return r.db.Ping()
}

func (r *postgresRepository) Close() error {
	return r.db.Close()
}
