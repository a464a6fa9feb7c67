// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/autobrr/sweeparr/internal/dbinterface"
)

var ErrJobRunNotFound = errors.New("job run not found")

// JobType names the scheduled pass a run belongs to.
type JobType string

const (
	JobTypeQueueClean JobType = "queue_clean"
	JobTypeSeedClean  JobType = "seed_clean"
)

// JobRunStatus is the terminal state of a run; a running job has none.
type JobRunStatus string

const (
	JobRunCompleted JobRunStatus = "completed"
	JobRunFailed    JobRunStatus = "failed"
)

// JobRun is one scheduled pass. Strikes reference the run that created them,
// giving an audit trail across passes.
type JobRun struct {
	ID          int64         `json:"id"`
	JobType     JobType       `json:"jobType"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Status      *JobRunStatus `json:"status,omitempty"`
}

// JobRunStore manages job run lifecycle rows.
type JobRunStore struct {
	db dbinterface.Querier
}

func NewJobRunStore(db dbinterface.Querier) *JobRunStore {
	return &JobRunStore{db: db}
}

// Start records a new run of the given type and returns its id.
func (s *JobRunStore) Start(ctx context.Context, jobType JobType) (*JobRun, error) {
	var run JobRun
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO job_runs (job_type) VALUES (?)
		RETURNING id, job_type, started_at`,
		string(jobType),
	).Scan(&run.ID, (*string)(&run.JobType), &run.StartedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Finish marks the run completed or failed.
func (s *JobRunStore) Finish(ctx context.Context, id int64, status JobRunStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE job_runs SET completed_at = CURRENT_TIMESTAMP, status = ? WHERE id = ?`,
		string(status), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobRunNotFound
	}
	return nil
}

func (s *JobRunStore) Get(ctx context.Context, id int64) (*JobRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_type, started_at, completed_at, status
		FROM job_runs WHERE id = ?`, id)
	return scanJobRun(row)
}

// List returns the most recent runs, newest first.
func (s *JobRunStore) List(ctx context.Context, limit int) ([]*JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_type, started_at, completed_at, status
		FROM job_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*JobRun
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

func scanJobRun(scanner interface{ Scan(dest ...any) error }) (*JobRun, error) {
	var (
		run         JobRun
		jobType     string
		completedAt sql.NullTime
		status      sql.NullString
	)
	err := scanner.Scan(&run.ID, &jobType, &run.StartedAt, &completedAt, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobRunNotFound
		}
		return nil, err
	}
	run.JobType = JobType(jobType)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if status.Valid {
		st := JobRunStatus(status.String)
		run.Status = &st
	}
	return &run, nil
}
