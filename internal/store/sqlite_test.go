package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/models"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func baseTime(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func insertJob(t *testing.T, s *SQLite, ctx context.Context, id string, status models.Status, created time.Time) models.Job {
	t.Helper()
	job := models.Job{
		ID:         id,
		Status:     status,
		SourceRepo: "acme/source",
		TargetRepo: "acme/target",
		CreatedAt:  created.Truncate(time.Microsecond),
	}
	if status == models.StatusRunning {
		started := created.Add(time.Second)
		job.StartedAt = &started
	}
	if status.Terminal() {
		finished := created.Add(2 * time.Second)
		job.FinishedAt = &finished
	}
	if err := s.Insert(ctx, job); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
	return job
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	want := insertJob(t, s, ctx, "job-1", models.StatusWaiting, baseTime(t))

	got, err := s.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.ID != want.ID || got.Status != models.StatusWaiting {
		t.Fatalf("unexpected job %+v", got)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("created_at changed in round trip: want %s got %s", want.CreatedAt, got.CreatedAt)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Fatalf("waiting job should have nil started_at/finished_at, got %+v", got)
	}
	if got.SourceRepo != "acme/source" || got.TargetRepo != "acme/target" {
		t.Fatalf("repo refs not preserved: %+v", got)
	}
}

func TestGetByIDUnknownReturnsErrNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.GetByID(ctx, "no-such-id"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPromoteIfFrontOnlyPromotesOldestWaiting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	t0 := baseTime(t)

	insertJob(t, s, ctx, "job-a", models.StatusWaiting, t0)
	insertJob(t, s, ctx, "job-b", models.StatusWaiting, t0.Add(time.Second))

	// The younger job must not win while an older waiting job exists.
	won, err := s.PromoteIfFront(ctx, "job-b", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("promote job-b: %v", err)
	}
	if won {
		t.Fatalf("job-b promoted ahead of job-a")
	}

	won, err = s.PromoteIfFront(ctx, "job-a", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("promote job-a: %v", err)
	}
	if !won {
		t.Fatalf("front job should have been promoted")
	}

	got, err := s.GetByID(ctx, "job-a")
	if err != nil {
		t.Fatalf("get job-a: %v", err)
	}
	if got.Status != models.StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Fatalf("promotion must set started_at")
	}
}

func TestPromoteIfFrontBlockedWhileAnotherJobRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	t0 := baseTime(t)

	insertJob(t, s, ctx, "job-running", models.StatusRunning, t0)
	insertJob(t, s, ctx, "job-next", models.StatusWaiting, t0.Add(time.Second))

	won, err := s.PromoteIfFront(ctx, "job-next", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if won {
		t.Fatalf("promotion must be blocked while a job is running")
	}
}

func TestPromoteIfFrontTiebreaksOnID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	t0 := baseTime(t)

	insertJob(t, s, ctx, "job-zz", models.StatusWaiting, t0)
	insertJob(t, s, ctx, "job-aa", models.StatusWaiting, t0)

	won, err := s.PromoteIfFront(ctx, "job-zz", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("promote job-zz: %v", err)
	}
	if won {
		t.Fatalf("with equal created_at the smaller id must win")
	}
	won, err = s.PromoteIfFront(ctx, "job-aa", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("promote job-aa: %v", err)
	}
	if !won {
		t.Fatalf("job-aa should win the tie")
	}
}

func TestConcurrentPromoteHasSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	t0 := baseTime(t)

	for i := 0; i < 5; i++ {
		insertJob(t, s, ctx, fmt.Sprintf("job-%d", i), models.StatusWaiting, t0.Add(time.Duration(i)*time.Second))
	}

	const attempts = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.PromoteIfFront(ctx, "job-0", time.Now().UTC())
			if err != nil {
				t.Errorf("promote: %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	running, err := s.CountByStatus(ctx, models.StatusRunning)
	if err != nil {
		t.Fatalf("count running: %v", err)
	}
	if running != 1 {
		t.Fatalf("expected one running row, got %d", running)
	}
}

func TestRunningJobReportsSlotHolder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	t0 := baseTime(t)

	if _, found, err := s.RunningJob(ctx); err != nil || found {
		t.Fatalf("empty store should have no running job: found=%v err=%v", found, err)
	}

	insertJob(t, s, ctx, "job-waiting", models.StatusWaiting, t0)
	insertJob(t, s, ctx, "job-running", models.StatusRunning, t0.Add(time.Second))

	job, found, err := s.RunningJob(ctx)
	if err != nil {
		t.Fatalf("running job: %v", err)
	}
	if !found || job.ID != "job-running" {
		t.Fatalf("expected job-running as slot holder, got found=%v job=%+v", found, job)
	}
}

func TestFinishGuardsTerminalStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	t0 := baseTime(t)

	insertJob(t, s, ctx, "job-1", models.StatusRunning, t0)

	firstFinish := t0.Add(time.Minute)
	changed, err := s.Finish(ctx, "job-1", models.StatusDone, firstFinish)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !changed {
		t.Fatalf("first finish should change the row")
	}

	// A second terminal write must not overwrite the first finished_at.
	changed, err = s.Finish(ctx, "job-1", models.StatusError, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("second finish: %v", err)
	}
	if changed {
		t.Fatalf("terminal row must not be rewritten")
	}

	got, err := s.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusDone {
		t.Fatalf("status should remain done, got %s", got.Status)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(firstFinish) {
		t.Fatalf("first finished_at must stand, got %v", got.FinishedAt)
	}
}

func TestFinishUnknownIDChangesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	changed, err := s.Finish(ctx, "no-such-id", models.StatusDone, baseTime(t))
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if changed {
		t.Fatalf("finish on unknown id must affect zero rows")
	}
}

func TestCountNotBehindGivesFIFOPosition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	t0 := baseTime(t)

	running := insertJob(t, s, ctx, "job-running", models.StatusRunning, t0)
	second := insertJob(t, s, ctx, "job-second", models.StatusWaiting, t0.Add(time.Second))
	third := insertJob(t, s, ctx, "job-third", models.StatusWaiting, t0.Add(2*time.Second))
	// Terminal rows never count toward position.
	insertJob(t, s, ctx, "job-done", models.StatusDone, t0.Add(500*time.Millisecond))

	for _, tc := range []struct {
		job  models.Job
		want int
	}{
		{running, 1},
		{second, 2},
		{third, 3},
	} {
		got, err := s.CountNotBehind(ctx, tc.job.CreatedAt, tc.job.ID)
		if err != nil {
			t.Fatalf("count for %s: %v", tc.job.ID, err)
		}
		if got != tc.want {
			t.Fatalf("position of %s: want %d got %d", tc.job.ID, tc.want, got)
		}
	}
}

func TestListByStatusOrdersByCreation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	t0 := baseTime(t)

	insertJob(t, s, ctx, "job-c", models.StatusWaiting, t0.Add(2*time.Second))
	insertJob(t, s, ctx, "job-a", models.StatusWaiting, t0)
	insertJob(t, s, ctx, "job-b", models.StatusWaiting, t0.Add(time.Second))

	jobs, err := s.ListByStatus(ctx, models.StatusWaiting, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	for i, want := range []string{"job-a", "job-b", "job-c"} {
		if jobs[i].ID != want {
			t.Fatalf("order mismatch at %d: want %s got %s", i, want, jobs[i].ID)
		}
	}

	jobs, err = s.ListByStatus(ctx, models.StatusWaiting, 2)
	if err != nil {
		t.Fatalf("list with limit: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("limit not applied, got %d rows", len(jobs))
	}
}

func TestDeleteStaleReclaimsAbandonedRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	t0 := baseTime(t)
	cutoff := t0.Add(30 * time.Minute)

	insertJob(t, s, ctx, "old-waiting", models.StatusWaiting, t0)
	insertJob(t, s, ctx, "fresh-waiting", models.StatusWaiting, cutoff.Add(time.Minute))

	// Stranded running job: started long before the cutoff.
	insertJob(t, s, ctx, "stranded-running", models.StatusRunning, t0.Add(time.Second))

	// Fresh running job: created long ago but promoted recently. Its
	// started_at is young, so it must survive the sweep.
	fresh := models.Job{
		ID:         "fresh-running",
		Status:     models.StatusRunning,
		SourceRepo: "acme/source",
		TargetRepo: "acme/target",
		CreatedAt:  t0.Add(2 * time.Second),
	}
	startedRecently := cutoff.Add(time.Minute)
	fresh.StartedAt = &startedRecently
	if err := s.Insert(ctx, fresh); err != nil {
		t.Fatalf("insert fresh-running: %v", err)
	}

	deleted, err := s.DeleteStale(ctx, cutoff)
	if err != nil {
		t.Fatalf("delete stale: %v", err)
	}
	ids := map[string]bool{}
	for _, j := range deleted {
		ids[j.ID] = true
	}
	if len(deleted) != 2 || !ids["old-waiting"] || !ids["stranded-running"] {
		t.Fatalf("unexpected stale set: %v", ids)
	}
	if _, err := s.GetByID(ctx, "fresh-waiting"); err != nil {
		t.Fatalf("fresh waiting job should survive: %v", err)
	}
	if _, err := s.GetByID(ctx, "fresh-running"); err != nil {
		t.Fatalf("recently promoted job should survive: %v", err)
	}
}

func TestDeleteFinishedHonorsRetentionCutoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	t0 := baseTime(t)
	cutoff := t0.Add(time.Hour)

	insertJob(t, s, ctx, "old-done", models.StatusDone, t0)
	insertJob(t, s, ctx, "old-error", models.StatusError, t0.Add(time.Second))
	insertJob(t, s, ctx, "waiting", models.StatusWaiting, t0)

	recent := models.Job{
		ID:         "recent-done",
		Status:     models.StatusDone,
		SourceRepo: "acme/source",
		TargetRepo: "acme/target",
		CreatedAt:  t0,
	}
	finishedRecently := cutoff.Add(time.Minute)
	recent.FinishedAt = &finishedRecently
	if err := s.Insert(ctx, recent); err != nil {
		t.Fatalf("insert recent-done: %v", err)
	}

	deleted, err := s.DeleteFinished(ctx, cutoff)
	if err != nil {
		t.Fatalf("delete finished: %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("expected 2 deletions, got %d", len(deleted))
	}
	if _, err := s.GetByID(ctx, "waiting"); err != nil {
		t.Fatalf("waiting job must never be touched by retention: %v", err)
	}
	if _, err := s.GetByID(ctx, "recent-done"); err != nil {
		t.Fatalf("recently finished job should survive: %v", err)
	}
}
