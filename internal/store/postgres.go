package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/models"
)

const jobColumns = "id, status, source_repo, target_repo, created_at, started_at, finished_at"

// Postgres persists jobs in a Postgres table via pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Insert(ctx context.Context, job models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, status, source_repo, target_repo, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.ID, string(job.Status), job.SourceRepo, job.TargetRepo, job.CreatedAt, job.StartedAt, job.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Postgres) GetByID(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1
	`, id)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// PromoteIfFront is a single guarded UPDATE: the row must still be
// waiting, no running row may exist, and no older waiting row may exist
// by (created_at, id). At most one concurrent caller sees RowsAffected=1.
func (s *Postgres) PromoteIfFront(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, started_at = $2
		WHERE id = $1
		  AND status = $4
		  AND NOT EXISTS (SELECT 1 FROM jobs r WHERE r.status = $3)
		  AND NOT EXISTS (
		      SELECT 1 FROM jobs w
		      WHERE w.status = $4
		        AND (w.created_at, w.id) < (jobs.created_at, jobs.id)
		  )
	`, id, startedAt, string(models.StatusRunning), string(models.StatusWaiting))
	if err != nil {
		return false, fmt.Errorf("promote job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) Finish(ctx context.Context, id string, status models.Status, finishedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, finished_at = $3
		WHERE id = $1 AND status IN ($4, $5)
	`, id, string(status), finishedAt, string(models.StatusWaiting), string(models.StatusRunning))
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) CountNotBehind(ctx context.Context, createdAt time.Time, id string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status IN ($3, $4)
		  AND (created_at, id) <= ($1, $2)
	`, createdAt, id, string(models.StatusWaiting), string(models.StatusRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue position: %w", err)
	}
	return n, nil
}

func (s *Postgres) CountByStatus(ctx context.Context, status models.Status) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1
	`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by status: %w", err)
	}
	return n, nil
}

func (s *Postgres) RunningJob(ctx context.Context) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 LIMIT 1
	`, string(models.StatusRunning))
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("get running job: %w", err)
	}
	return job, true, nil
}

func (s *Postgres) ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Postgres) DeleteStale(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM jobs
		WHERE (status = $2 AND created_at <= $1)
		   OR (status = $3 AND COALESCE(started_at, created_at) <= $1)
		RETURNING `+jobColumns+`
	`, cutoff, string(models.StatusWaiting), string(models.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("delete stale jobs: %w", err)
	}
	defer rows.Close()
	return collectPgJobs(rows)
}

func (s *Postgres) DeleteFinished(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM jobs
		WHERE status IN ($2, $3)
		  AND COALESCE(finished_at, created_at) <= $1
		RETURNING `+jobColumns+`
	`, cutoff, string(models.StatusDone), string(models.StatusError))
	if err != nil {
		return nil, fmt.Errorf("delete finished jobs: %w", err)
	}
	defer rows.Close()
	return collectPgJobs(rows)
}

func scanPgJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var status string
	var started, finished pgtype.Timestamptz
	if err := row.Scan(&job.ID, &status, &job.SourceRepo, &job.TargetRepo, &job.CreatedAt, &started, &finished); err != nil {
		return models.Job{}, err
	}
	job.Status = models.Status(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.StartedAt = timestamptzPtr(started)
	job.FinishedAt = timestamptzPtr(finished)
	return job, nil
}

func collectPgJobs(rows pgx.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func timestamptzPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		utc := t.Time.UTC()
		return &utc
	}
	return nil
}
