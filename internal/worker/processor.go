package worker

import (
	"context"
	"errors"
	"fmt"

	"leadgen/internal/logger"
	"leadgen/internal/models"
	"leadgen/internal/queue"
	"leadgen/internal/store"
)

// Outcome is what a handler reports back: trace lines for the runner log and
// any jobs it enqueued as a side effect.
type Outcome struct {
	Lines    []string
	Enqueued []models.Job
}

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) (Outcome, error)

// Typed adapts a handler that takes its decoded payload variant.
func Typed[P models.Payload](fn func(ctx context.Context, job models.Job, p P) (Outcome, error)) Handler {
	return func(ctx context.Context, job models.Job) (Outcome, error) {
		p, ok := job.Payload.(P)
		if !ok {
			return Outcome{}, Permanent(fmt.Errorf("payload %T does not match job type %s", job.Payload, job.Type))
		}
		return fn(ctx, job, p)
	}
}

// Summary is the result of one runner invocation.
type Summary struct {
	Processed int      `json:"processed"`
	Claimed   int      `json:"claimed"`
	Log       []string `json:"log"`
	Message   string   `json:"message"`
}

// Processor runs claimed batches through registered handlers.
type Processor struct {
	queue    *queue.Queue
	handlers map[models.JobType]Handler
}

// NewProcessor constructs a processor over q.
func NewProcessor(q *queue.Queue) *Processor {
	return &Processor{
		queue:    q,
		handlers: make(map[models.JobType]Handler),
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType models.JobType, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// RunBatch reclaims orphans, claims one batch and runs it sequentially. A
// returned error is fatal to the invocation; per-job failures are recorded on
// the job and reported in the summary log.
func (p *Processor) RunBatch(ctx context.Context) (Summary, error) {
	sum := Summary{Log: []string{}}

	reclaimed, err := p.queue.Reclaim(ctx)
	if err != nil {
		return sum, err
	}
	if reclaimed > 0 {
		sum.Log = append(sum.Log, fmt.Sprintf("Reclaimed %d orphaned job(s)", reclaimed))
		logger.Warnf("reclaimed %d orphaned jobs", reclaimed)
	}

	claimed, err := p.queue.ClaimBatch(ctx)
	if err != nil {
		if relErr := p.release(context.WithoutCancel(ctx), &sum, claimed.Jobs); relErr != nil {
			logger.Errorf("release after failed claim: %v", relErr)
		}
		return sum, err
	}
	for _, id := range claimed.Skipped {
		sum.Log = append(sum.Log, fmt.Sprintf("Job %s already locked, skipping", id))
	}
	jobs := claimed.Jobs
	sum.Claimed = len(jobs)
	if len(jobs) == 0 {
		sum.Message = "No jobs pending"
		return sum, nil
	}

	// Outcomes are recorded even if the caller goes away mid-batch.
	recordCtx := context.WithoutCancel(ctx)
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			return sum, p.interrupted(recordCtx, &sum, jobs[i:], err)
		}
		sum.Log = append(sum.Log, fmt.Sprintf("Starting %s ID: %s", job.Type, job.ID))
		fields := map[string]interface{}{"job_id": job.ID, "job_type": job.Type, "attempt": job.Attempts + 1}
		logger.InfoWithFields("job started", fields)

		out, runErr := p.runJob(ctx, job)
		sum.Log = append(sum.Log, out.Lines...)

		if runErr == nil {
			if err := p.queue.Complete(recordCtx, job); err != nil {
				return sum, err
			}
			sum.Processed++
			sum.Log = append(sum.Log, fmt.Sprintf("Job %s done", job.ID))
			logger.InfoWithFields("job done", fields)
			continue
		}

		if cause := ctx.Err(); cause != nil {
			// The handler saw the runner's cancellation, not a failure of its own.
			return sum, p.interrupted(recordCtx, &sum, jobs[i:], cause)
		}

		status, err := p.queue.Fail(recordCtx, job, runErr, IsPermanent(runErr))
		if err != nil {
			return sum, err
		}
		line := fmt.Sprintf("Job %s failed (attempt %d/%d): %s", job.ID, job.Attempts+1, p.queue.MaxAttempts(), store.TruncateError(runErr.Error()))
		if status == models.StatusFailed {
			line += " [failed]"
		}
		sum.Log = append(sum.Log, line)
		fields["status"] = status
		fields["error"] = runErr.Error()
		logger.WarnWithFields("job failed", fields)
	}

	if depth, err := p.queue.Depth(recordCtx); err == nil {
		logger.Debugf("queue depth after batch: %d", depth)
	}
	sum.Message = "Jobs run complete"
	return sum, nil
}

// interrupted releases the jobs an interrupted batch never finished and
// reports the interruption as fatal to the invocation.
func (p *Processor) interrupted(ctx context.Context, sum *Summary, jobs []models.Job, cause error) error {
	if err := p.release(ctx, sum, jobs); err != nil {
		return err
	}
	return fmt.Errorf("batch interrupted: %w", cause)
}

// release returns claimed jobs to the queue with their attempt counts unchanged.
func (p *Processor) release(ctx context.Context, sum *Summary, jobs []models.Job) error {
	for _, job := range jobs {
		if err := p.queue.Release(ctx, job); err != nil {
			return err
		}
		sum.Log = append(sum.Log, fmt.Sprintf("Job %s released (runner interrupted)", job.ID))
		logger.WarnWithFields("job released", map[string]interface{}{"job_id": job.ID, "job_type": job.Type, "attempt": job.Attempts + 1})
	}
	return nil
}

// Drain runs batches until one finds no eligible jobs or maxBatches have run.
// maxBatches <= 0 means no cap.
func (p *Processor) Drain(ctx context.Context, maxBatches int) ([]Summary, error) {
	var out []Summary
	for i := 0; maxBatches <= 0 || i < maxBatches; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		sum, err := p.RunBatch(ctx)
		out = append(out, sum)
		if err != nil {
			return out, err
		}
		if sum.Claimed == 0 {
			break
		}
	}
	return out, nil
}

// runJob decodes the payload against the job type and dispatches it.
func (p *Processor) runJob(ctx context.Context, job models.Job) (Outcome, error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return Outcome{}, Permanent(fmt.Errorf("%w: %s", models.ErrUnknownJobType, job.Type))
	}
	if job.Payload == nil {
		payload, err := models.DecodePayload(job.Type, job.RawPayload)
		if err != nil {
			return Outcome{}, Permanent(err)
		}
		job.Payload = payload
	}
	if err := job.Payload.Validate(); err != nil {
		return Outcome{}, Permanent(err)
	}
	return handler(ctx, job)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying: the job fails on this attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
