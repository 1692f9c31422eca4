package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadgen/internal/logger"
	"leadgen/internal/models"
	"leadgen/internal/queue"
	"leadgen/internal/store/memstore"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func newTestProcessor(st *memstore.Store) *Processor {
	return NewProcessor(queue.New(st, queue.Options{}))
}

func auditJobPayload() models.AuditPayload {
	return models.AuditPayload{LeadID: "lead-1", Website: "https://example.com"}
}

func TestRunBatchEmpty(t *testing.T) {
	p := newTestProcessor(memstore.New())
	sum, err := p.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Processed)
	assert.Equal(t, 0, sum.Claimed)
	assert.Equal(t, "No jobs pending", sum.Message)
	assert.NotNil(t, sum.Log)
}

func TestRunBatchSuccess(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	p := newTestProcessor(st)

	var seen []models.AuditPayload
	p.RegisterHandler(models.JobTypeAudit, Typed(func(_ context.Context, _ models.Job, ap models.AuditPayload) (Outcome, error) {
		seen = append(seen, ap)
		return Outcome{Lines: []string{"audited"}}, nil
	}))

	job, err := st.EnqueueJob(ctx, auditJobPayload(), time.Time{})
	require.NoError(t, err)

	sum, err := p.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, "Jobs run complete", sum.Message)
	assert.Equal(t, []string{"Starting AUDIT ID: " + job.ID, "audited", "Job " + job.ID + " done"}, sum.Log)
	require.Len(t, seen, 1)
	assert.Equal(t, "https://example.com", seen[0].Website)

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, stored.Status)
	assert.Nil(t, stored.LockedAt)
}

func TestRunBatchRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	p := newTestProcessor(st)

	calls := 0
	p.RegisterHandler(models.JobTypeAudit, func(context.Context, models.Job) (Outcome, error) {
		calls++
		return Outcome{}, errors.New("site unreachable")
	})
	job, err := st.EnqueueJob(ctx, auditJobPayload(), time.Time{})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		sum, err := p.RunBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, sum.Processed)
		assert.Contains(t, strings.Join(sum.Log, "\n"), "failed (attempt "+string(rune('0'+i))+"/3): site unreachable")
	}

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)

	sum, err := p.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Claimed)
	assert.Equal(t, 3, calls)
}

func TestRunBatchUnknownTypeFailsFast(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	p := newTestProcessor(st)
	st.InsertRawJob(models.Job{ID: "raw-1", Type: "EMAIL", RawPayload: []byte(`{}`)})

	sum, err := p.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Claimed)
	assert.Contains(t, sum.Log[len(sum.Log)-1], "unknown job type: EMAIL")

	stored, err := st.GetJob(ctx, "raw-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestRunBatchInvalidPayloadFailsFast(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	p := newTestProcessor(st)
	called := false
	p.RegisterHandler(models.JobTypeDiscovery, func(context.Context, models.Job) (Outcome, error) {
		called = true
		return Outcome{}, nil
	})
	st.InsertRawJob(models.Job{ID: "bad-1", Type: models.JobTypeDiscovery, RawPayload: []byte(`{"campaign_id":"c1","city":"Guelph, ON"}`)})
	st.InsertRawJob(models.Job{ID: "bad-2", Type: models.JobTypeDiscovery, RawPayload: []byte(`not json`)})

	_, err := p.RunBatch(ctx)
	require.NoError(t, err)
	assert.False(t, called)

	first, err := st.GetJob(ctx, "bad-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, first.Status)
	assert.Contains(t, *first.LastError, "missing niche, radius_km")

	second, err := st.GetJob(ctx, "bad-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, second.Status)
}

func TestRunBatchPermanentHandlerError(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	p := newTestProcessor(st)
	p.RegisterHandler(models.JobTypeAudit, func(context.Context, models.Job) (Outcome, error) {
		return Outcome{}, Permanent(errors.New("lead vanished"))
	})
	job, err := st.EnqueueJob(ctx, auditJobPayload(), time.Time{})
	require.NoError(t, err)

	_, err = p.RunBatch(ctx)
	require.NoError(t, err)

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestRunBatchReclaimsOrphans(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	p := newTestProcessor(st)
	p.RegisterHandler(models.JobTypeAudit, func(context.Context, models.Job) (Outcome, error) {
		return Outcome{}, nil
	})

	job, err := st.EnqueueJob(ctx, auditJobPayload(), time.Time{})
	require.NoError(t, err)
	stale := time.Now().UTC().Add(-10 * time.Minute)
	job.Status = models.StatusRunning
	job.LockedAt = &stale
	st.SetJob(job)

	sum, err := p.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Reclaimed 1 orphaned job(s)", sum.Log[0])
	assert.Equal(t, 1, sum.Processed)
}

func TestRunBatchProcessesAtMostThree(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	p := newTestProcessor(st)
	p.RegisterHandler(models.JobTypeAudit, func(context.Context, models.Job) (Outcome, error) {
		return Outcome{}, nil
	})
	for i := 0; i < 5; i++ {
		_, err := st.EnqueueJob(ctx, auditJobPayload(), time.Time{})
		require.NoError(t, err)
	}

	sum, err := p.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Processed)

	summaries, err := p.Drain(ctx, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, 2, summaries[0].Processed)
	assert.Equal(t, 0, summaries[1].Claimed)
}

func TestRunBatchCancelledMidBatchReleasesJobs(t *testing.T) {
	st := memstore.New()
	p := newTestProcessor(st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	p.RegisterHandler(models.JobTypeAudit, func(ctx context.Context, _ models.Job) (Outcome, error) {
		calls++
		cancel()
		return Outcome{}, ctx.Err()
	})
	var ids []string
	for i := 0; i < 3; i++ {
		job, err := st.EnqueueJob(context.Background(), auditJobPayload(), time.Time{})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	sum, err := p.RunBatch(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "no job is dispatched after cancellation")
	assert.Equal(t, 0, sum.Processed)

	for _, id := range ids {
		job, err := st.GetJob(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, job.Status, id)
		assert.Equal(t, 0, job.Attempts, id)
		assert.Nil(t, job.LastError, id)
		assert.Nil(t, job.LockedAt, id)
	}
	released := 0
	for _, line := range sum.Log {
		if strings.HasSuffix(line, "released (runner interrupted)") {
			released++
		}
	}
	assert.Equal(t, 3, released)
}

func TestRunBatchCancelledAfterSuccessKeepsOutcome(t *testing.T) {
	st := memstore.New()
	p := newTestProcessor(st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.RegisterHandler(models.JobTypeAudit, func(context.Context, models.Job) (Outcome, error) {
		cancel()
		return Outcome{}, nil
	})
	for i := 0; i < 2; i++ {
		_, err := st.EnqueueJob(context.Background(), auditJobPayload(), time.Time{})
		require.NoError(t, err)
	}

	sum, err := p.RunBatch(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Processed)

	jobs := st.JobsByType(models.JobTypeAudit)
	require.Len(t, jobs, 2)
	statuses := map[string]int{}
	for _, j := range jobs {
		statuses[j.Status]++
		assert.Equal(t, 0, j.Attempts)
	}
	assert.Equal(t, map[string]int{models.StatusDone: 1, models.StatusQueued: 1}, statuses)
}

// racingStore loses the claim on one job to a simulated concurrent runner.
type racingStore struct {
	*memstore.Store
	stolen string
}

func (s *racingStore) ClaimJob(ctx context.Context, id string, now time.Time) (bool, error) {
	if id == s.stolen {
		if _, err := s.Store.ClaimJob(ctx, id, now); err != nil {
			return false, err
		}
	}
	return s.Store.ClaimJob(ctx, id, now)
}

func TestRunBatchLogsLostClaims(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	first, err := st.EnqueueJob(ctx, auditJobPayload(), time.Time{})
	require.NoError(t, err)
	second, err := st.EnqueueJob(ctx, auditJobPayload(), time.Time{})
	require.NoError(t, err)

	p := NewProcessor(queue.New(&racingStore{Store: st, stolen: first.ID}, queue.Options{}))
	p.RegisterHandler(models.JobTypeAudit, func(context.Context, models.Job) (Outcome, error) {
		return Outcome{}, nil
	})

	sum, err := p.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Claimed)
	assert.Contains(t, sum.Log, "Job "+first.ID+" already locked, skipping")
	assert.Contains(t, sum.Log, "Job "+second.ID+" done")
}

func TestDrainRespectsBatchCap(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	p := newTestProcessor(st)
	p.RegisterHandler(models.JobTypeAudit, func(context.Context, models.Job) (Outcome, error) {
		return Outcome{}, nil
	})
	for i := 0; i < 7; i++ {
		_, err := st.EnqueueJob(ctx, auditJobPayload(), time.Time{})
		require.NoError(t, err)
	}

	summaries, err := p.Drain(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
	queued, err := st.CountQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), queued)
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("bad")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}
