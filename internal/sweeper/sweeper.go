// Package sweeper bounds job-table growth. Abandoned jobs (owners that
// stopped polling or crashed mid-execution) and finished history are
// deleted on a timer; deleting a stranded running row is also what frees
// the slot after a crash, so the sweeper doubles as the queue's safety
// net.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/archive"
	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/models"
	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/store"
	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/telemetry"
)

// Sweeper deletes stale and finished job rows. All failures are logged
// and swallowed; retention must never block admission.
type Sweeper struct {
	store             store.Store
	archiver          archive.Archiver // nil disables archiving
	log               *zap.Logger
	staleAfter        time.Duration
	retainFinishedFor time.Duration
}

func New(st store.Store, arch archive.Archiver, log *zap.Logger, staleAfter, retainFinishedFor time.Duration) *Sweeper {
	return &Sweeper{
		store:             st,
		archiver:          arch,
		log:               log,
		staleAfter:        staleAfter,
		retainFinishedFor: retainFinishedFor,
	}
}

// Sweep performs one pass at the given instant. Waiting jobs older than
// staleAfter and running jobs whose started_at is older than staleAfter
// are treated as abandoned; done/error rows older than retainFinishedFor
// are routine cleanup. A running job younger than the stale threshold is
// never touched.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	stale, err := s.store.DeleteStale(ctx, now.Add(-s.staleAfter))
	if err != nil {
		s.log.Warn("stale sweep failed", zap.Error(err))
	} else if len(stale) > 0 {
		telemetry.SweptStale.Add(float64(len(stale)))
		s.log.Info("swept stale jobs", zap.Int("count", len(stale)))
		s.archiveAll(ctx, stale)
	}

	finished, err := s.store.DeleteFinished(ctx, now.Add(-s.retainFinishedFor))
	if err != nil {
		s.log.Warn("retention sweep failed", zap.Error(err))
	} else if len(finished) > 0 {
		telemetry.SweptFinished.Add(float64(len(finished)))
		s.log.Info("swept finished jobs", zap.Int("count", len(finished)))
		s.archiveAll(ctx, finished)
	}
}

// Run sweeps on the given interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now().UTC())
		}
	}
}

func (s *Sweeper) archiveAll(ctx context.Context, jobs []models.Job) {
	if s.archiver == nil {
		return
	}
	for _, job := range jobs {
		if err := s.archiver.Archive(ctx, job); err != nil {
			s.log.Warn("archive swept job failed",
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
	}
}
