// Package queue implements the polling job queue: orphan reclaim, compare-and-swap
// claim and outcome recording over a relational jobs table.
package queue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"leadgen/internal/models"
	"leadgen/internal/telemetry"
)

const (
	DefaultBatchSize   = 3
	DefaultMaxAttempts = 3
	DefaultStaleAfter  = 5 * time.Minute
)

// Store is the persistence the queue needs.
type Store interface {
	EnqueueJob(ctx context.Context, p models.Payload, runAfter time.Time) (models.Job, error)
	ReclaimOrphans(ctx context.Context, staleBefore time.Time) (int64, error)
	ListClaimable(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	ClaimJob(ctx context.Context, id string, now time.Time) (bool, error)
	ReleaseJob(ctx context.Context, id string) (bool, error)
	MarkDone(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id, status, lastErr string, runAfter time.Time) error
	CountQueued(ctx context.Context) (int64, error)
}

// Options tune batch size, retry budget and backoff. Zero values take defaults,
// except BackoffInitial where zero means retries are eligible immediately.
type Options struct {
	BatchSize      int
	MaxAttempts    int
	StaleAfter     time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Now            func() time.Time
}

// Queue drives job state transitions against a Store.
type Queue struct {
	store Store
	opts  Options
}

// New constructs a queue.
func New(st Store, opts Options) *Queue {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Queue{store: st, opts: opts}
}

// MaxAttempts is the retry budget per job.
func (q *Queue) MaxAttempts() int { return q.opts.MaxAttempts }

// Enqueue inserts a queued job eligible immediately.
func (q *Queue) Enqueue(ctx context.Context, p models.Payload) (models.Job, error) {
	job, err := q.store.EnqueueJob(ctx, p, q.opts.Now())
	if err != nil {
		return models.Job{}, fmt.Errorf("enqueue %s: %w", p.JobType(), err)
	}
	telemetry.JobsEnqueued.WithLabelValues(string(job.Type)).Inc()
	return job, nil
}

// Reclaim resets running jobs whose lock is older than the staleness threshold.
func (q *Queue) Reclaim(ctx context.Context) (int64, error) {
	n, err := q.store.ReclaimOrphans(ctx, q.opts.Now().Add(-q.opts.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("reclaim orphans: %w", err)
	}
	if n > 0 {
		telemetry.OrphansReclaimed.Add(float64(n))
	}
	return n, nil
}

// Claimed is the outcome of one claim pass.
type Claimed struct {
	Jobs []models.Job
	// Skipped holds candidates a concurrent runner locked first.
	Skipped []string
}

// Claim selects up to BatchSize eligible jobs, oldest first, and claims each with a
// conditional update. Jobs taken by a concurrent runner in between are skipped.
func (q *Queue) Claim(ctx context.Context) ([]models.Job, error) {
	c, err := q.ClaimBatch(ctx)
	return c.Jobs, err
}

// ClaimBatch is Claim that also reports the ids lost to another runner.
func (q *Queue) ClaimBatch(ctx context.Context) (Claimed, error) {
	now := q.opts.Now()
	candidates, err := q.store.ListClaimable(ctx, now, q.opts.BatchSize)
	if err != nil {
		return Claimed{}, fmt.Errorf("list claimable: %w", err)
	}
	out := Claimed{Jobs: make([]models.Job, 0, len(candidates))}
	for _, job := range candidates {
		ok, err := q.store.ClaimJob(ctx, job.ID, now)
		if err != nil {
			return out, fmt.Errorf("claim %s: %w", job.ID, err)
		}
		if !ok {
			telemetry.ClaimConflicts.Inc()
			out.Skipped = append(out.Skipped, job.ID)
			continue
		}
		job.Status = models.StatusRunning
		locked := now
		job.LockedAt = &locked
		out.Jobs = append(out.Jobs, job)
		telemetry.JobsClaimed.Inc()
	}
	return out, nil
}

// Release hands a claimed job back to the queue without charging an attempt.
// It is used when the runner is interrupted before the job could run to an
// outcome. A job that is no longer running is left alone.
func (q *Queue) Release(ctx context.Context, job models.Job) error {
	if _, err := q.store.ReleaseJob(ctx, job.ID); err != nil {
		return fmt.Errorf("release %s: %w", job.ID, err)
	}
	return nil
}

// Complete marks a claimed job done.
func (q *Queue) Complete(ctx context.Context, job models.Job) error {
	if err := q.store.MarkDone(ctx, job.ID); err != nil {
		return fmt.Errorf("mark done %s: %w", job.ID, err)
	}
	telemetry.JobsSucceeded.WithLabelValues(string(job.Type)).Inc()
	return nil
}

// Fail records a handler error. The job returns to queued unless this attempt
// exhausts the budget or permanent is set, in which case it becomes failed.
// It returns the status the job was moved to.
func (q *Queue) Fail(ctx context.Context, job models.Job, cause error, permanent bool) (string, error) {
	attempts := job.Attempts + 1
	status := models.StatusQueued
	if permanent || attempts >= q.opts.MaxAttempts {
		status = models.StatusFailed
	}
	runAfter := q.opts.Now().Add(backoffWithJitter(q.opts.BackoffInitial, q.opts.BackoffMax, attempts))
	if err := q.store.RecordFailure(ctx, job.ID, status, cause.Error(), runAfter); err != nil {
		return "", fmt.Errorf("record failure %s: %w", job.ID, err)
	}
	if status == models.StatusFailed {
		telemetry.JobsFailed.WithLabelValues(string(job.Type)).Inc()
	} else {
		telemetry.JobsRetried.WithLabelValues(string(job.Type)).Inc()
	}
	return status, nil
}

// Depth reports queued jobs and updates the depth gauge.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.store.CountQueued(ctx)
	if err != nil {
		return 0, err
	}
	telemetry.QueueDepthGauge.Set(float64(n))
	return n, nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
