package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/models"
)

// SQLite is the embedded-engine implementation of Store. It backs tests
// and single-node deployments that do not want a Postgres dependency.
// Timestamps are stored as unix microseconds so (created_at, id)
// ordering survives the round-trip exactly.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL CHECK (status IN ('waiting', 'running', 'done', 'error')),
    source_repo TEXT NOT NULL,
    target_repo TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    started_at  INTEGER,
    finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at);
`

// OpenSQLite opens (or creates) a SQLite store at path. ":memory:" gives
// a throwaway in-memory store. Writes are serialized through a single
// connection, which is what makes the guarded promotion UPDATE atomic.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *SQLite) Insert(ctx context.Context, job models.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, source_repo, target_repo, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, job.ID, string(job.Status), job.SourceRepo, job.TargetRepo,
		job.CreatedAt.UnixMicro(), microsOrNil(job.StartedAt), microsOrNil(job.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLite) GetByID(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = ?
	`, id)
	job, err := scanLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// PromoteIfFront mirrors the Postgres guarded UPDATE; SQLite serializes
// writers, so the read-check-write inside one statement is atomic.
func (s *SQLite) PromoteIfFront(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ?
		WHERE id = ?
		  AND status = ?
		  AND NOT EXISTS (SELECT 1 FROM jobs r WHERE r.status = ?)
		  AND NOT EXISTS (
		      SELECT 1 FROM jobs w
		      WHERE w.status = ?
		        AND (w.created_at, w.id) < (jobs.created_at, jobs.id)
		  )
	`, string(models.StatusRunning), startedAt.UnixMicro(), id,
		string(models.StatusWaiting), string(models.StatusRunning), string(models.StatusWaiting))
	if err != nil {
		return false, fmt.Errorf("promote job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("promote rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLite) Finish(ctx context.Context, id string, status models.Status, finishedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(status), finishedAt.UnixMicro(), id,
		string(models.StatusWaiting), string(models.StatusRunning))
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLite) CountNotBehind(ctx context.Context, createdAt time.Time, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status IN (?, ?)
		  AND (created_at, id) <= (?, ?)
	`, string(models.StatusWaiting), string(models.StatusRunning), createdAt.UnixMicro(), id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue position: %w", err)
	}
	return n, nil
}

func (s *SQLite) CountByStatus(ctx context.Context, status models.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = ?
	`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by status: %w", err)
	}
	return n, nil
}

func (s *SQLite) RunningJob(ctx context.Context) (models.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = ? LIMIT 1
	`, string(models.StatusRunning))
	job, err := scanLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("get running job: %w", err)
	}
	return job, true, nil
}

func (s *SQLite) ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer rows.Close()
	return collectLiteJobs(rows)
}

func (s *SQLite) DeleteStale(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	cond := `(status = ? AND created_at <= ?) OR (status = ? AND COALESCE(started_at, created_at) <= ?)`
	args := []any{
		string(models.StatusWaiting), cutoff.UnixMicro(),
		string(models.StatusRunning), cutoff.UnixMicro(),
	}
	return s.deleteWhere(ctx, cond, args)
}

func (s *SQLite) DeleteFinished(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	cond := `status IN (?, ?) AND COALESCE(finished_at, created_at) <= ?`
	args := []any{string(models.StatusDone), string(models.StatusError), cutoff.UnixMicro()}
	return s.deleteWhere(ctx, cond, args)
}

// deleteWhere selects the doomed rows and deletes them in one
// transaction so the returned set matches what was removed.
func (s *SQLite) deleteWhere(ctx context.Context, cond string, args []any) ([]models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE `+cond, args...)
	if err != nil {
		return nil, fmt.Errorf("select doomed jobs: %w", err)
	}
	jobs, err := collectLiteJobs(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+cond, args...); err != nil {
		return nil, fmt.Errorf("delete jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return jobs, nil
}

type liteRow interface {
	Scan(dest ...any) error
}

func scanLiteJob(row liteRow) (models.Job, error) {
	var job models.Job
	var status string
	var created int64
	var started, finished sql.NullInt64
	if err := row.Scan(&job.ID, &status, &job.SourceRepo, &job.TargetRepo, &created, &started, &finished); err != nil {
		return models.Job{}, err
	}
	job.Status = models.Status(status)
	job.CreatedAt = time.UnixMicro(created).UTC()
	job.StartedAt = timeFromMicros(started)
	job.FinishedAt = timeFromMicros(finished)
	return job, nil
}

func collectLiteJobs(rows *sql.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func microsOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func timeFromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}
