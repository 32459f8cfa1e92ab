package store

import (
	"context"
	"errors"
	"time"

	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/models"
)

// ErrNotFound is returned when a job id is unknown to the store. The row
// may have been swept or never existed; callers treat it as data, not as
// a fatal error.
var ErrNotFound = errors.New("job not found")

// Store is the durable record of remix jobs. Both the Postgres and the
// SQLite implementations satisfy it; the queue and sweeper only see this
// interface.
//
// PromoteIfFront is the single lock point of the whole system: it must be
// one atomic conditional write that succeeds for at most one caller, even
// under concurrent attempts (see the implementations' guarded UPDATE).
type Store interface {
	// Insert writes a new job row. The job's CreatedAt is taken as-is;
	// callers are expected to pass UTC truncated to microseconds so the
	// value round-trips identically through both engines.
	Insert(ctx context.Context, job models.Job) error

	// GetByID fetches one row, ErrNotFound when absent.
	GetByID(ctx context.Context, id string) (models.Job, error)

	// PromoteIfFront atomically moves the job to running iff it is still
	// waiting, no job is running, and no older waiting job exists by
	// (created_at, id). Returns true only for the single winning caller.
	PromoteIfFront(ctx context.Context, id string, startedAt time.Time) (bool, error)

	// Finish moves a waiting or running job to the given terminal status
	// and sets finished_at. Terminal rows are never overwritten, so the
	// first finished_at always wins; returns false when no row changed.
	Finish(ctx context.Context, id string, status models.Status, finishedAt time.Time) (bool, error)

	// CountNotBehind counts jobs in {waiting, running} whose
	// (created_at, id) is not after the given key. With the job's own
	// key this yields its 1-based FIFO position.
	CountNotBehind(ctx context.Context, createdAt time.Time, id string) (int, error)

	// CountByStatus counts rows with the given status.
	CountByStatus(ctx context.Context, status models.Status) (int, error)

	// RunningJob returns the running job, if any.
	RunningJob(ctx context.Context) (models.Job, bool, error)

	// ListByStatus returns rows with the given status ordered by
	// (created_at, id) ascending, up to limit.
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.Job, error)

	// DeleteStale removes abandoned rows: waiting jobs created at or
	// before the cutoff, and running jobs whose started_at is at or
	// before the cutoff. Measuring running staleness from started_at
	// keeps a legitimately in-progress job alive and means a
	// just-promoted row can never be swept out from under its winner.
	// Returns the deleted rows for archiving.
	DeleteStale(ctx context.Context, cutoff time.Time) ([]models.Job, error)

	// DeleteFinished removes done/error rows whose finished_at (or
	// created_at when unset) is at or before the cutoff.
	DeleteFinished(ctx context.Context, cutoff time.Time) ([]models.Job, error)

	Close()
}
