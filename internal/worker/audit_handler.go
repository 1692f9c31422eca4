package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"leadgen/internal/archive"
	"leadgen/internal/logger"
	"leadgen/internal/models"
	"leadgen/internal/scoring"
	"leadgen/internal/siteaudit"
	"leadgen/internal/store"
	"leadgen/internal/telemetry"
)

// AuditStore persists an audit with its score and summary.
type AuditStore interface {
	SaveAuditResult(ctx context.Context, a *models.Audit, sc *models.Score, sum *models.Summary) error
}

// SiteAuditor fetches and classifies a website.
type SiteAuditor interface {
	Audit(ctx context.Context, rawURL string) (siteaudit.Result, error)
}

// AuditHandler audits a lead's website and scores it.
type AuditHandler struct {
	store    AuditStore
	auditor  SiteAuditor
	snapshot archive.Uploader
}

// NewAuditHandler constructs the handler. snapshot may be nil to disable archiving.
func NewAuditHandler(st AuditStore, a SiteAuditor, snapshot archive.Uploader) *AuditHandler {
	return &AuditHandler{store: st, auditor: a, snapshot: snapshot}
}

// Handle fetches the site, archives the HTML, and writes audit, score and summary.
func (h *AuditHandler) Handle(ctx context.Context, job models.Job, p models.AuditPayload) (Outcome, error) {
	var out Outcome

	res, err := h.auditor.Audit(ctx, p.Website)
	if err != nil {
		out.Lines = append(out.Lines, "Audit time: err")
		return out, err
	}
	ms := res.ResponseTime.Milliseconds()
	out.Lines = append(out.Lines, fmt.Sprintf("Audit time: %dms", ms))
	telemetry.AuditResponseTime.Observe(res.ResponseTime.Seconds())

	audit := &models.Audit{
		ID:             uuid.New().String(),
		LeadID:         p.LeadID,
		FinalURL:       res.FinalURL,
		HTTPSSupported: res.HTTPSSupported,
		HTTPToHTTPS:    res.HTTPToHTTPS,
		ResponseTimeMS: ms,
		HTMLBytes:      res.HTMLBytes,
		HasForm:        res.HasForm,
		HasBooking:     res.HasBooking,
		HasChat:        res.HasChat,
		HasTelLink:     res.HasTelLink,
		MailtoOnly:     res.MailtoOnly,
		Evidence:       res.Evidence,
	}
	if h.snapshot != nil {
		loc, err := h.snapshot.Upload(ctx, archive.SnapshotKey(p.LeadID, audit.ID), res.Body, "text/html; charset=utf-8")
		if err != nil {
			logger.WarnWithFields("snapshot upload failed", map[string]interface{}{
				"job_id": job.ID, "lead_id": p.LeadID, "error": err.Error(),
			})
		} else {
			audit.SnapshotURL = &loc
		}
	}

	scored := scoring.Score(scoring.Signals{
		HTTPSSupported: audit.HTTPSSupported,
		ResponseTimeMS: audit.ResponseTimeMS,
		HasBooking:     audit.HasBooking,
		HasForm:        audit.HasForm,
		HasChat:        audit.HasChat,
	})
	score := &models.Score{Total: scored.Total, Reasons: scored.Reasons}
	summary := &models.Summary{LeadID: p.LeadID, Bullets: scored.Bullets}

	if err := h.store.SaveAuditResult(ctx, audit, score, summary); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return out, Permanent(err)
		}
		return out, fmt.Errorf("save audit: %w", err)
	}
	telemetry.AuditsCompleted.Inc()
	out.Lines = append(out.Lines, fmt.Sprintf("Scored %s at %d (%d reasons)", res.FinalURL, score.Total, len(score.Reasons)))
	return out, nil
}
