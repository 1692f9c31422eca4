package models

import (
	"encoding/json"
	"time"
)

// JobType selects the handler a job is dispatched to.
type JobType string

const (
	JobTypeDiscovery JobType = "DISCOVERY"
	JobTypeAudit     JobType = "AUDIT"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Job is one unit of asynchronous work tracked through the queue state machine.
// RawPayload is what the jobs table stores; Payload is filled once the runner
// has decoded it against Type.
type Job struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	RawPayload json.RawMessage `json:"payload"`
	Payload    Payload         `json:"-"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	LastError  *string         `json:"last_error,omitempty"`
	LockedAt   *time.Time      `json:"locked_at,omitempty"`
	CampaignID *string         `json:"campaign_id,omitempty"`
	LeadID     *string         `json:"lead_id,omitempty"`
	RunAfter   time.Time       `json:"run_after"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Terminal reports whether the job has left the queue for good.
func (j Job) Terminal() bool {
	return j.Status == StatusDone || j.Status == StatusFailed
}

// StatusCount is one row of the aggregate job view.
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"c"`
}
