// Package queue implements the single-slot admission controller that
// serializes remix jobs. At most one job holds the running slot at any
// instant; everyone else waits in FIFO order by (created_at, id).
//
//	waiting ──poll──> running ──done/error──> done | error
//
// No background scheduler owns the queue. Promotion happens as a side
// effect of whichever poll, from any client, first observes "nothing
// running and I am the oldest waiting job". A job whose owner stops
// polling never self-promotes; the retention sweeper reclaims it.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/models"
	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/store"
	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/telemetry"
)

// Controller decides which remix job may run. It keeps no state of its
// own between calls; every answer is derived from the store, and the
// store's guarded promotion UPDATE is the only lock point.
type Controller struct {
	store store.Store
	log   *zap.Logger
}

func New(st store.Store, log *zap.Logger) *Controller {
	return &Controller{store: st, log: log}
}

// Enqueue inserts a new waiting job and returns it with its position at
// insertion time. The position is an advisory snapshot for the UI; later
// polls recompute it from scratch.
func (c *Controller) Enqueue(ctx context.Context, sourceRepo, targetRepo string) (models.Job, int, error) {
	job := models.Job{
		ID:         uuid.NewString(),
		Status:     models.StatusWaiting,
		SourceRepo: sourceRepo,
		TargetRepo: targetRepo,
		// Microsecond resolution keeps the FIFO key identical across
		// storage engines; id breaks the rare same-microsecond tie.
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := c.store.Insert(ctx, job); err != nil {
		return models.Job{}, 0, err
	}
	position, err := c.store.CountNotBehind(ctx, job.CreatedAt, job.ID)
	if err != nil {
		return models.Job{}, 0, err
	}
	telemetry.JobsEnqueued.Inc()
	c.refreshGauges(ctx)
	c.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("source_repo", sourceRepo),
		zap.String("target_repo", targetRepo),
		zap.Int("position", position))
	return job, position, nil
}

// Poll reports the job's current standing and, when the job is the
// oldest waiting one with the slot free, promotes it to running. The
// promotion is a single conditional UPDATE at the store, so concurrent
// polls for the same front job resolve to exactly one winner; losers
// simply fall through to reporting their position.
func (c *Controller) Poll(ctx context.Context, id string) (models.PollResult, error) {
	telemetry.Polls.Inc()

	job, err := c.store.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// Swept or never existed. Terminal-unknown, not an error.
		return models.PollResult{Status: models.StatusNotFound, Position: 0, CanStart: false}, nil
	}
	if err != nil {
		return models.PollResult{}, err
	}

	switch job.Status {
	case models.StatusRunning:
		// This caller (or a previous poll of its own) already holds the
		// slot; tell it to proceed.
		return models.PollResult{Status: models.StatusRunning, Position: 0, CanStart: true}, nil
	case models.StatusDone, models.StatusError:
		return models.PollResult{Status: job.Status, Position: 0, CanStart: false}, nil
	}

	// While someone else holds the slot there is nothing to win; report
	// the FIFO position and let the client keep polling.
	if _, busy, err := c.store.RunningJob(ctx); err != nil {
		return models.PollResult{}, err
	} else if busy {
		position, err := c.store.CountNotBehind(ctx, job.CreatedAt, job.ID)
		if err != nil {
			return models.PollResult{}, err
		}
		return models.PollResult{Status: models.StatusWaiting, Position: position, CanStart: false}, nil
	}

	won, err := c.store.PromoteIfFront(ctx, job.ID, time.Now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return models.PollResult{}, err
	}
	if won {
		telemetry.JobsPromoted.Inc()
		c.refreshGauges(ctx)
		c.log.Info("job promoted to running", zap.String("job_id", job.ID))
		return models.PollResult{Status: models.StatusRunning, Position: 0, CanStart: true}, nil
	}

	// Lost the race, or an older waiting job exists. Either way the
	// honest answer is the current position.
	position, err := c.store.CountNotBehind(ctx, job.CreatedAt, job.ID)
	if err != nil {
		return models.PollResult{}, err
	}
	return models.PollResult{Status: models.StatusWaiting, Position: position, CanStart: false}, nil
}

// MarkDone records that the job's executor finished successfully and
// releases the slot. Returns false when the id is unknown.
func (c *Controller) MarkDone(ctx context.Context, id string) (bool, error) {
	return c.finish(ctx, id, models.StatusDone)
}

// MarkError records an executor failure. Always terminal; a retry is a
// fresh Enqueue by the caller.
func (c *Controller) MarkError(ctx context.Context, id string) (bool, error) {
	return c.finish(ctx, id, models.StatusError)
}

func (c *Controller) finish(ctx context.Context, id string, status models.Status) (bool, error) {
	job, err := c.store.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if job.Status != models.StatusRunning {
		c.log.Warn("terminal mark on non-running job",
			zap.String("job_id", id),
			zap.String("current_status", string(job.Status)),
			zap.String("requested_status", string(status)))
	}

	changed, err := c.store.Finish(ctx, id, status, time.Now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return false, err
	}
	if changed {
		switch status {
		case models.StatusDone:
			telemetry.JobsDone.Inc()
		case models.StatusError:
			telemetry.JobsErrored.Inc()
		}
		c.refreshGauges(ctx)
		c.log.Info("job finished",
			zap.String("job_id", id),
			zap.String("status", string(status)))
	}
	// A repeat mark on an already-terminal row changes nothing; the
	// first finished_at stands and the call still reports ok.
	return true, nil
}

func (c *Controller) refreshGauges(ctx context.Context) {
	if waiting, err := c.store.CountByStatus(ctx, models.StatusWaiting); err == nil {
		telemetry.QueueDepth.Set(float64(waiting))
	}
	if running, err := c.store.CountByStatus(ctx, models.StatusRunning); err == nil {
		telemetry.JobsRunning.Set(float64(running))
	}
}
