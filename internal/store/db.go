package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"go-pixel-quality/internal/model"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// DB persists traversal jobs and their outcome in sqlite.
type DB struct {
	db *sql.DB
}

// Job is a stored traversal job.
type Job struct {
	ID        string                 `json:"id"`
	Spec      model.TraversalSpec    `json:"spec"`
	Status    string                 `json:"status"`
	Result    *model.TraversalResult `json:"result,omitempty"`
	Errors    []string               `json:"errors,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// JobSummary is the list view of a job.
type JobSummary struct {
	ID        string    `json:"id"`
	Tag       string    `json:"tag"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// InitDB opens the sqlite database at dbPath and creates tables if needed.
func InitDB(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	tables := []string{`
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		tag TEXT,
		spec TEXT,
		status TEXT,
		created_at DATETIME,
		updated_at DATETIME
	);`, `
	CREATE TABLE IF NOT EXISTS job_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT,
		error_message TEXT,
		created_at DATETIME
	);`, `
	CREATE TABLE IF NOT EXISTS job_results (
		job_id TEXT PRIMARY KEY,
		result TEXT
	);`, `
	CREATE TABLE IF NOT EXISTS job_warnings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT,
		kind TEXT,
		run INTEGER,
		message TEXT
	);`, `
	CREATE TABLE IF NOT EXISTS job_bins (
		job_id TEXT,
		run INTEGER,
		subdetector TEXT,
		blocks INTEGER,
		total_modules INTEGER,
		bad_modules INTEGER,
		luminosity REAL,
		bad_luminosity REAL,
		module_luminosity REAL,
		PRIMARY KEY (job_id, run, subdetector)
	);`, `
	CREATE TABLE IF NOT EXISTS job_artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT,
		name TEXT,
		path TEXT,
		format TEXT,
		subdetector TEXT,
		bytes INTEGER,
		sha256 TEXT,
		rotated TEXT,
		remote_uri TEXT
	);`,
	}
	for _, t := range tables {
		if _, err := db.Exec(t); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (s *DB) Close() error { return s.db.Close() }

// SaveJob stores a new traversal job as pending.
func (s *DB) SaveJob(ctx context.Context, jobID string, spec model.TraversalSpec) error {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (id, tag, spec, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, spec.Tag, string(specJSON), "pending", now, now)
	return err
}

// UpdateJobStatus updates job status
func (s *DB) UpdateJobStatus(ctx context.Context, jobID string, status string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, status, now, jobID)
	return err
}

// SaveJobError records an error for a job
func (s *DB) SaveJobError(ctx context.Context, jobID string, err error) error {
	if err == nil {
		return nil
	}
	now := time.Now().UTC()
	_, e := s.db.ExecContext(ctx, `INSERT INTO job_errors (job_id, error_message, created_at) VALUES (?, ?, ?)`,
		jobID, err.Error(), now)
	return e
}

// SaveResult stores the result document together with its warnings, bins
// and artifacts in one transaction.
func (s *DB) SaveResult(ctx context.Context, result *model.TraversalResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO job_results (job_id, result) VALUES (?, ?)`,
		result.JobID, string(data)); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	for _, w := range result.Warnings {
		if _, err := tx.ExecContext(ctx, `INSERT INTO job_warnings (job_id, kind, run, message) VALUES (?, ?, ?, ?)`,
			result.JobID, w.Kind, int64(w.Run), w.Message); err != nil {
			return fmt.Errorf("save warning: %w", err)
		}
	}
	for _, b := range result.Snapshot.Bins {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO job_bins
			(job_id, run, subdetector, blocks, total_modules, bad_modules, luminosity, bad_luminosity, module_luminosity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			result.JobID, int64(b.Run), string(b.Partition), b.Blocks, b.TotalModules, b.BadModules,
			b.Luminosity, b.BadLuminosity, b.ModuleLuminosity); err != nil {
			return fmt.Errorf("save bin: %w", err)
		}
	}
	for _, a := range result.Artifacts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO job_artifacts
			(job_id, name, path, format, subdetector, bytes, sha256, rotated, remote_uri)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			result.JobID, a.Name, a.Path, a.Format, string(a.Partition), a.Bytes, a.SHA256, a.Rotated, a.RemoteURI); err != nil {
			return fmt.Errorf("save artifact: %w", err)
		}
	}
	return tx.Commit()
}

// ListJobs returns all jobs, newest first.
func (s *DB) ListJobs(ctx context.Context) ([]JobSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tag, status, created_at, updated_at FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []JobSummary{}
	for rows.Next() {
		var j JobSummary
		if err := rows.Scan(&j.ID, &j.Tag, &j.Status, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetJob fetches the full job, including its result and errors when present.
func (s *DB) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var specJSON string
	job := &Job{ID: jobID}
	err := s.db.QueryRowContext(ctx, `SELECT spec, status, created_at, updated_at FROM jobs WHERE id = ?`, jobID).
		Scan(&specJSON, &job.Status, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(specJSON), &job.Spec); err != nil {
		return nil, err
	}

	var resultJSON string
	err = s.db.QueryRowContext(ctx, `SELECT result FROM job_results WHERE job_id = ?`, jobID).Scan(&resultJSON)
	switch {
	case err == nil:
		job.Result = &model.TraversalResult{}
		if err := json.Unmarshal([]byte(resultJSON), job.Result); err != nil {
			return nil, err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT error_message FROM job_errors WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, err
		}
		job.Errors = append(job.Errors, msg)
	}
	return job, rows.Err()
}

// GetWarnings returns the warnings recorded for a job.
func (s *DB) GetWarnings(ctx context.Context, jobID string) ([]model.Warning, error) {
	if err := s.exists(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT kind, run, message FROM job_warnings WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	warnings := []model.Warning{}
	for rows.Next() {
		var w model.Warning
		var run int64
		if err := rows.Scan(&w.Kind, &run, &w.Message); err != nil {
			return nil, err
		}
		w.Run = model.Run(run)
		warnings = append(warnings, w)
	}
	return warnings, rows.Err()
}

// GetBins returns the aggregate bins of a job, optionally restricted to one partition.
func (s *DB) GetBins(ctx context.Context, jobID string, partition model.Partition) ([]model.AggregateBin, error) {
	if err := s.exists(ctx, jobID); err != nil {
		return nil, err
	}
	query := `SELECT run, subdetector, blocks, total_modules, bad_modules, luminosity, bad_luminosity, module_luminosity
		FROM job_bins WHERE job_id = ?`
	args := []any{jobID}
	if partition != "" {
		query += ` AND subdetector = ?`
		args = append(args, string(partition))
	}
	query += ` ORDER BY run, subdetector`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bins := []model.AggregateBin{}
	for rows.Next() {
		var b model.AggregateBin
		var run int64
		var part string
		if err := rows.Scan(&run, &part, &b.Blocks, &b.TotalModules, &b.BadModules,
			&b.Luminosity, &b.BadLuminosity, &b.ModuleLuminosity); err != nil {
			return nil, err
		}
		b.Run = model.Run(run)
		b.Partition = model.Partition(part)
		bins = append(bins, b)
	}
	return bins, rows.Err()
}

// GetArtifacts returns the artifacts emitted by a job.
func (s *DB) GetArtifacts(ctx context.Context, jobID string) ([]model.OutputArtifact, error) {
	if err := s.exists(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT j.tag, a.name, a.path, a.format, a.subdetector, a.bytes, a.sha256, a.rotated, a.remote_uri
		FROM job_artifacts a JOIN jobs j ON j.id = a.job_id WHERE a.job_id = ? ORDER BY a.id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	artifacts := []model.OutputArtifact{}
	for rows.Next() {
		var a model.OutputArtifact
		var part string
		if err := rows.Scan(&a.Tag, &a.Name, &a.Path, &a.Format, &part, &a.Bytes, &a.SHA256, &a.Rotated, &a.RemoteURI); err != nil {
			return nil, err
		}
		a.Partition = model.Partition(part)
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func (s *DB) exists(ctx context.Context, jobID string) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE id = ?`, jobID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	return nil
}
