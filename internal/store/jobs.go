package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"leadgen/internal/models"
)

const jobColumns = `id, type, payload_json, status, attempts, last_error, locked_at, campaign_id, lead_id, run_after, created_at, updated_at`

// EnqueueJob inserts a queued job for the given payload variant.
func (s *Store) EnqueueJob(ctx context.Context, p models.Payload, runAfter time.Time) (models.Job, error) {
	return enqueueJob(ctx, s.pool, p, runAfter)
}

func enqueueJob(ctx context.Context, db execer, p models.Payload, runAfter time.Time) (models.Job, error) {
	raw, err := models.EncodePayload(p)
	if err != nil {
		return models.Job{}, err
	}
	now := time.Now().UTC()
	if runAfter.IsZero() {
		runAfter = now
	}
	job := models.Job{
		ID:         uuid.New().String(),
		Type:       p.JobType(),
		RawPayload: raw,
		Payload:    p,
		Status:     models.StatusQueued,
		CampaignID: emptyToNil(models.CampaignOf(p)),
		LeadID:     emptyToNil(models.LeadOf(p)),
		RunAfter:   runAfter,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = db.Exec(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, campaign_id, lead_id, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $8)
	`, job.ID, string(job.Type), string(raw), job.Status, job.CampaignID, job.LeadID, job.RunAfter, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ReclaimOrphans resets running jobs locked before staleBefore back to queued.
func (s *Store) ReclaimOrphans(ctx context.Context, staleBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, locked_at = NULL, updated_at = NOW()
		WHERE status = $2 AND locked_at < $3
	`, models.StatusQueued, models.StatusRunning, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("reclaim orphans: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListClaimable returns up to limit queued jobs whose run_after has passed, oldest first.
func (s *Store) ListClaimable(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1 AND run_after <= $2
		ORDER BY created_at ASC
		LIMIT $3
	`, models.StatusQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query claimable jobs: %w", err)
	}
	return collectJobs(rows)
}

// ClaimJob flips a job from queued to running. It returns false when the row
// was no longer queued, which means another runner won the race.
func (s *Store) ClaimJob(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, locked_at = $3, updated_at = $3
		WHERE id = $1 AND status = $4
	`, id, models.StatusRunning, now, models.StatusQueued)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseJob flips a running job back to queued, clearing the lock and
// leaving attempts untouched. It returns false when the job was not running.
func (s *Store) ReleaseJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusQueued, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("release job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDone transitions a job to done.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, locked_at = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.StatusDone)
	if err != nil {
		return fmt.Errorf("mark job %s done: %w", id, err)
	}
	return nil
}

// RecordFailure increments attempts, stores the error and moves the job to
// status (queued for a retry, failed when exhausted). The lock is cleared.
func (s *Store) RecordFailure(ctx context.Context, id, status, lastErr string, runAfter time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = attempts + 1, last_error = $3, locked_at = NULL, run_after = $4, updated_at = NOW()
		WHERE id = $1
	`, id, status, TruncateError(lastErr), runAfter)
	if err != nil {
		return fmt.Errorf("record failure for job %s: %w", id, err)
	}
	return nil
}

// ListJobs returns the newest jobs first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return collectJobs(rows)
}

// JobStats counts jobs by status.
func (s *Store) JobStats(ctx context.Context) ([]models.StatusCount, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, fmt.Errorf("query job stats: %w", err)
	}
	defer rows.Close()
	var out []models.StatusCount
	for rows.Next() {
		var sc models.StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// CountQueued returns the number of jobs waiting in queued state.
func (s *Store) CountQueued(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, models.StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var jobType, payload string
	var lastErr, campaignID, leadID pgtype.Text
	var lockedAt pgtype.Timestamptz
	if err := row.Scan(&job.ID, &jobType, &payload, &job.Status, &job.Attempts, &lastErr, &lockedAt,
		&campaignID, &leadID, &job.RunAfter, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Type = models.JobType(jobType)
	job.RawPayload = []byte(payload)
	job.LastError = textPtr(lastErr)
	job.CampaignID = textPtr(campaignID)
	job.LeadID = textPtr(leadID)
	if lockedAt.Valid {
		t := lockedAt.Time
		job.LockedAt = &t
	}
	return job, nil
}
