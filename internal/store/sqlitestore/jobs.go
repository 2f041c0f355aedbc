package sqlitestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/optimode/mailverify/internal/jobs"
	"github.com/optimode/mailverify/types"
)

func (s *Store) CreateJob(ctx context.Context, job types.ValidationJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO jobs (id, version, status, body, updated_at) VALUES (?, ?, ?, ?, ?)`,
			job.ID, job.Version, string(job.Status), string(body), unixNano(job.UpdatedAt))
		return err
	})
}

func (s *Store) LoadJob(ctx context.Context, id string) (types.ValidationJob, error) {
	var body string
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT body FROM jobs WHERE id = ?`, id).Scan(&body)
	})
	if isNoRows(err) {
		return types.ValidationJob{}, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	}
	if err != nil {
		return types.ValidationJob{}, fmt.Errorf("sqlitestore: load job %s: %w", id, err)
	}
	var job types.ValidationJob
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return types.ValidationJob{}, fmt.Errorf("sqlitestore: decode job %s: %w", id, err)
	}
	return job, nil
}

// SwapJob writes job only if the stored version still equals expected.
func (s *Store) SwapJob(ctx context.Context, job types.ValidationJob, expected int64) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	var affected int64
	err = s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET version = ?, status = ?, body = ?, updated_at = ? WHERE id = ? AND version = ?`,
			job.Version, string(job.Status), string(body), unixNano(job.UpdatedAt), job.ID, expected)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return jobs.ErrVersionConflict
	}
	return nil
}

func (s *Store) ActiveJobs(ctx context.Context) ([]types.ValidationJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM jobs WHERE status NOT IN (?, ?) ORDER BY updated_at`,
		string(types.StatusCompleted), string(types.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: active jobs: %w", err)
	}
	defer rows.Close()

	var out []types.ValidationJob
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var job types.ValidationJob
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			return nil, fmt.Errorf("sqlitestore: decode job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
