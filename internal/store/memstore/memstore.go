// Package memstore is an in-memory implementation of the store contracts. It
// honors the same conditional-update semantics as the Postgres store and backs
// tests and --memory dry runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"leadgen/internal/models"
	"leadgen/internal/store"
)

// Store keeps every table in maps guarded by a single mutex.
type Store struct {
	mu         sync.Mutex
	seq        int64
	jobs       map[string]*models.Job
	jobSeq     map[string]int64
	campaigns  map[string]*models.Campaign
	businesses map[string]*models.Business
	leads      map[string]*models.Lead
	audits     map[string]*models.Audit
	auditSeq   map[string]int64
	scores     map[string]*models.Score
	summaries  map[string]*models.Summary
	geocode    map[string]models.GeocodeCacheEntry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		jobs:       make(map[string]*models.Job),
		jobSeq:     make(map[string]int64),
		campaigns:  make(map[string]*models.Campaign),
		businesses: make(map[string]*models.Business),
		leads:      make(map[string]*models.Lead),
		audits:     make(map[string]*models.Audit),
		auditSeq:   make(map[string]int64),
		scores:     make(map[string]*models.Score),
		summaries:  make(map[string]*models.Summary),
		geocode:    make(map[string]models.GeocodeCacheEntry),
	}
}

// RunMigrations is a no-op kept for parity with the Postgres store.
func (s *Store) RunMigrations(context.Context) error { return nil }

func (s *Store) next() int64 {
	s.seq++
	return s.seq
}

// EnqueueJob inserts a queued job for the given payload variant.
func (s *Store) EnqueueJob(_ context.Context, p models.Payload, runAfter time.Time) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(p, runAfter)
}

func (s *Store) enqueueLocked(p models.Payload, runAfter time.Time) (models.Job, error) {
	raw, err := models.EncodePayload(p)
	if err != nil {
		return models.Job{}, err
	}
	now := time.Now().UTC()
	if runAfter.IsZero() {
		runAfter = now
	}
	job := &models.Job{
		ID:         uuid.New().String(),
		Type:       p.JobType(),
		RawPayload: raw,
		Status:     models.StatusQueued,
		CampaignID: strPtr(models.CampaignOf(p)),
		LeadID:     strPtr(models.LeadOf(p)),
		RunAfter:   runAfter,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.jobs[job.ID] = job
	s.jobSeq[job.ID] = s.next()
	out := *job
	out.Payload = p
	return out, nil
}

// InsertRawJob stores a job row as-is, for payloads that cannot be built
// through the typed enqueue path.
func (s *Store) InsertRawJob(job models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	j := job
	s.jobs[j.ID] = &j
	s.jobSeq[j.ID] = s.next()
}

// SetJob overwrites a stored job row. Tests use it to fabricate stale locks.
func (s *Store) SetJob(job models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		s.jobSeq[job.ID] = s.next()
	}
	j := job
	s.jobs[j.ID] = &j
}

// GetJob fetches a job by id.
func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return *j, nil
}

// ReclaimOrphans resets running jobs locked before staleBefore back to queued.
func (s *Store) ReclaimOrphans(_ context.Context, staleBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status == models.StatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = models.StatusQueued
			j.LockedAt = nil
			j.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

// ListClaimable returns up to limit queued jobs whose run_after has passed, oldest first.
func (s *Store) ListClaimable(_ context.Context, now time.Time, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.sortedJobsLocked(false) {
		if j.Status != models.StatusQueued || j.RunAfter.After(now) {
			continue
		}
		out = append(out, *j)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ClaimJob flips a job from queued to running, reporting false if it was not queued.
func (s *Store) ClaimJob(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.StatusQueued {
		return false, nil
	}
	j.Status = models.StatusRunning
	t := now
	j.LockedAt = &t
	j.UpdatedAt = now
	return true, nil
}

// ReleaseJob flips a running job back to queued without charging an attempt.
func (s *Store) ReleaseJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.StatusRunning {
		return false, nil
	}
	j.Status = models.StatusQueued
	j.LockedAt = nil
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

// MarkDone transitions a job to done.
func (s *Store) MarkDone(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	j.Status = models.StatusDone
	j.LockedAt = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordFailure increments attempts and moves the job to status.
func (s *Store) RecordFailure(_ context.Context, id, status, lastErr string, runAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	msg := store.TruncateError(lastErr)
	j.Status = status
	j.Attempts++
	j.LastError = &msg
	j.LockedAt = nil
	j.RunAfter = runAfter
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// ListJobs returns the newest jobs first.
func (s *Store) ListJobs(_ context.Context, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.sortedJobsLocked(true) {
		out = append(out, *j)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// JobStats counts jobs by status.
func (s *Store) JobStats(context.Context) ([]models.StatusCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[string]int{}
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	out := make([]models.StatusCount, 0, len(counts))
	for status, c := range counts {
		out = append(out, models.StatusCount{Status: status, Count: c})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Status < out[k].Status })
	return out, nil
}

// CountQueued returns the number of queued jobs.
func (s *Store) CountQueued(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status == models.StatusQueued {
			n++
		}
	}
	return n, nil
}

// JobsByType returns every job of type t in creation order.
func (s *Store) JobsByType(t models.JobType) []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.sortedJobsLocked(false) {
		if j.Type == t {
			out = append(out, *j)
		}
	}
	return out
}

func (s *Store) sortedJobsLocked(desc bool) []*models.Job {
	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		a, b := s.jobSeq[jobs[i].ID], s.jobSeq[jobs[k].ID]
		if desc {
			return a > b
		}
		return a < b
	})
	return jobs
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
