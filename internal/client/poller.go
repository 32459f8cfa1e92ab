package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/models"
)

// ErrExpired means the queue no longer knows the job: the row was swept
// while the client waited. Callers surface "expired" to the user and do
// not retry the poll.
var ErrExpired = errors.New("queue entry expired")

// RemixJob carries what the executor needs to perform the actual copy.
type RemixJob struct {
	QueueID    string
	SourceRepo string
	TargetRepo string
}

// Executor performs the repository copy once the job is admitted. The
// queue treats it as an opaque unit of work with a success/failure
// outcome.
type Executor interface {
	Execute(ctx context.Context, job RemixJob) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job RemixJob) error

func (f ExecutorFunc) Execute(ctx context.Context, job RemixJob) error {
	return f(ctx, job)
}

// Poller joins the queue, polls until admitted, runs the executor
// exactly once, and reports the outcome exactly once.
type Poller struct {
	client   *Client
	interval time.Duration
	log      *zap.Logger
}

func NewPoller(c *Client, interval time.Duration, log *zap.Logger) *Poller {
	return &Poller{client: c, interval: interval, log: log}
}

// Run drives one job through the full contract. Transport failures and
// 5xx answers are transient: the poller logs them and keeps its normal
// interval rather than giving up or treating them as a position change.
func (p *Poller) Run(ctx context.Context, sourceRepo, targetRepo string, exec Executor) error {
	joined, err := p.client.Join(ctx, sourceRepo, targetRepo)
	if err != nil {
		return fmt.Errorf("join queue: %w", err)
	}
	p.log.Info("joined queue",
		zap.String("queue_id", joined.QueueID),
		zap.Int("position", joined.Position))

	job := RemixJob{QueueID: joined.QueueID, SourceRepo: sourceRepo, TargetRepo: targetRepo}

	for {
		res, err := p.client.Position(ctx, joined.QueueID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn("poll failed, will retry", zap.Error(err))
			if err := p.wait(ctx); err != nil {
				return err
			}
			continue
		}

		switch res.Status {
		case models.StatusNotFound:
			return ErrExpired
		case models.StatusDone:
			// Someone already reported completion for this id.
			return nil
		case models.StatusError:
			return errors.New("job already marked as failed")
		case models.StatusRunning:
			if res.CanStart {
				return p.execute(ctx, job, exec)
			}
		}

		p.log.Info("still waiting",
			zap.String("queue_id", joined.QueueID),
			zap.Int("position", res.Position))
		if err := p.wait(ctx); err != nil {
			return err
		}
	}
}

func (p *Poller) execute(ctx context.Context, job RemixJob, exec Executor) error {
	p.log.Info("admitted, starting executor", zap.String("queue_id", job.QueueID))
	execErr := exec.Execute(ctx, job)

	// Release the slot exactly once, win or lose. Reporting uses a
	// fresh context so a cancelled run still frees the queue.
	reportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if execErr != nil {
		if _, err := p.client.Error(reportCtx, job.QueueID); err != nil {
			p.log.Warn("report error failed", zap.Error(err))
		}
		return fmt.Errorf("execute remix: %w", execErr)
	}
	if _, err := p.client.Done(reportCtx, job.QueueID); err != nil {
		p.log.Warn("report done failed", zap.Error(err))
	}
	return nil
}

func (p *Poller) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.interval):
		return nil
	}
}
