package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"leadgen/internal/models"
)

// UpsertBusiness inserts a business if its OSM id is not already present.
// It reports whether a row was created.
func (s *Store) UpsertBusiness(ctx context.Context, b models.Business) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO businesses (osm_id, name, lat, lon, address, phone, website_raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (osm_id) DO NOTHING
	`, b.OSMID, b.Name, b.Lat, b.Lon, b.Address, b.Phone, b.WebsiteRaw)
	if err != nil {
		return false, fmt.Errorf("insert business %s: %w", b.OSMID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// EnsureLead returns the lead for (campaignID, business), creating it if absent.
func (s *Store) EnsureLead(ctx context.Context, campaignID string, b models.Business) (string, bool, error) {
	var id string
	var created bool
	err := s.pool.QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO leads (id, campaign_id, business_id, canonical_url, status)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (campaign_id, business_id) DO NOTHING
			RETURNING id
		)
		SELECT id, TRUE FROM ins
		UNION ALL
		SELECT id, FALSE FROM leads WHERE campaign_id = $2 AND business_id = $3
		LIMIT 1
	`, uuid.New().String(), campaignID, b.OSMID, b.WebsiteRaw, string(models.LeadStatusNew)).Scan(&id, &created)
	if err != nil {
		return "", false, fmt.Errorf("ensure lead for business %s: %w", b.OSMID, err)
	}
	return id, created, nil
}

// EnqueueAuditIfAbsent enqueues an AUDIT job unless the lead already has an
// audit or a queued, running or completed audit job.
func (s *Store) EnqueueAuditIfAbsent(ctx context.Context, p models.AuditPayload) (models.Job, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM audits WHERE lead_id = $1)
		    OR EXISTS (SELECT 1 FROM jobs WHERE type = $2 AND lead_id = $1 AND status IN ($3, $4, $5))
	`, p.LeadID, string(models.JobTypeAudit), models.StatusQueued, models.StatusRunning, models.StatusDone).Scan(&exists)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("check existing audit: %w", err)
	}
	if exists {
		return models.Job{}, false, nil
	}

	job, err := enqueueJob(ctx, tx, p, time.Time{})
	if err != nil {
		return models.Job{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}
	return job, true, nil
}

// SaveAuditResult persists an audit with its score and summary and stamps the
// lead's last_audit_at, all in one transaction. Empty ids are generated.
func (s *Store) SaveAuditResult(ctx context.Context, a *models.Audit, sc *models.Score, sum *models.Summary) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	if sum.ID == "" {
		sum.ID = uuid.New().String()
	}
	sc.AuditID = a.ID
	sum.AuditID = a.ID
	sum.LeadID = a.LeadID

	evidence, err := json.Marshal(a.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	reasons, err := json.Marshal(nonNil(sc.Reasons))
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	bullets, err := json.Marshal(nonNil(sum.Bullets))
	if err != nil {
		return fmt.Errorf("marshal bullets: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO audits (id, lead_id, final_url, https_supported, http_to_https, response_time_ms, html_bytes,
			has_form, has_booking, has_chat, has_tel_link, mailto_only, evidence_json, snapshot_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, a.ID, a.LeadID, a.FinalURL, a.HTTPSSupported, a.HTTPToHTTPS, a.ResponseTimeMS, a.HTMLBytes,
		a.HasForm, a.HasBooking, a.HasChat, a.HasTelLink, a.MailtoOnly, string(evidence), a.SnapshotURL, a.CreatedAt); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO scores (id, audit_id, total, reasons_json) VALUES ($1, $2, $3, $4)
	`, sc.ID, sc.AuditID, sc.Total, string(reasons)); err != nil {
		return fmt.Errorf("insert score: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO summaries (id, lead_id, audit_id, bullets_json) VALUES ($1, $2, $3, $4)
	`, sum.ID, sum.LeadID, sum.AuditID, string(bullets)); err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	tag, err := tx.Exec(ctx, `UPDATE leads SET last_audit_at = $2 WHERE id = $1`, a.LeadID, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("touch lead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lead %s: %w", a.LeadID, ErrNotFound)
	}
	return tx.Commit(ctx)
}

// ListLeads returns leads joined with their business and latest audit/score,
// best scores first.
func (s *Store) ListLeads(ctx context.Context, f models.LeadFilter) ([]models.LeadView, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+leadColumns+`,
		       a.id, a.final_url, a.https_supported, a.response_time_ms, a.has_form, a.has_booking, a.has_chat, a.created_at,
		       sc.id, sc.total, sc.reasons_json
		FROM leads l
		JOIN businesses b ON b.osm_id = l.business_id
		LEFT JOIN LATERAL (
			SELECT * FROM audits WHERE lead_id = l.id ORDER BY created_at DESC LIMIT 1
		) a ON TRUE
		LEFT JOIN scores sc ON sc.audit_id = a.id
		WHERE ($1 = '' OR l.campaign_id = $1) AND ($2 = '' OR l.status = $2)
		ORDER BY sc.total DESC NULLS LAST, l.last_audit_at DESC NULLS LAST
		LIMIT $3
	`, f.CampaignID, string(f.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}
	defer rows.Close()

	var out []models.LeadView
	for rows.Next() {
		var v models.LeadView
		var (
			auditID, finalURL, scoreID pgtype.Text
			https, hasForm, hasBooking pgtype.Bool
			hasChat                    pgtype.Bool
			respMS                     pgtype.Int8
			auditAt                    pgtype.Timestamptz
			total                      pgtype.Int4
			reasons                    []byte
		)
		dest := append(leadDest(&v), &auditID, &finalURL, &https, &respMS, &hasForm, &hasBooking, &hasChat, &auditAt,
			&scoreID, &total, &reasons)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		if auditID.Valid {
			v.Audit = &models.Audit{
				ID:             auditID.String,
				LeadID:         v.ID,
				FinalURL:       finalURL.String,
				HTTPSSupported: https.Bool,
				ResponseTimeMS: respMS.Int64,
				HasForm:        hasForm.Bool,
				HasBooking:     hasBooking.Bool,
				HasChat:        hasChat.Bool,
				CreatedAt:      auditAt.Time,
			}
		}
		if scoreID.Valid {
			v.Score = &models.Score{ID: scoreID.String, AuditID: auditID.String, Total: int(total.Int32)}
			if err := json.Unmarshal(reasons, &v.Score.Reasons); err != nil {
				return nil, fmt.Errorf("decode reasons: %w", err)
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetLead returns a lead with its business and most recent audit, score and summary.
func (s *Store) GetLead(ctx context.Context, id string) (models.LeadView, error) {
	var v models.LeadView
	err := s.pool.QueryRow(ctx, `
		SELECT `+leadColumns+`
		FROM leads l JOIN businesses b ON b.osm_id = l.business_id
		WHERE l.id = $1
	`, id).Scan(leadDest(&v)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LeadView{}, fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.LeadView{}, fmt.Errorf("get lead: %w", err)
	}

	audit, err := s.latestAudit(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return v, nil
	}
	if err != nil {
		return models.LeadView{}, err
	}
	v.Audit = &audit

	var reasons []byte
	var sc models.Score
	err = s.pool.QueryRow(ctx, `SELECT id, audit_id, total, reasons_json FROM scores WHERE audit_id = $1`, audit.ID).
		Scan(&sc.ID, &sc.AuditID, &sc.Total, &reasons)
	if err == nil {
		if err := json.Unmarshal(reasons, &sc.Reasons); err != nil {
			return models.LeadView{}, fmt.Errorf("decode reasons: %w", err)
		}
		v.Score = &sc
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return models.LeadView{}, fmt.Errorf("get score: %w", err)
	}

	var bullets []byte
	var sum models.Summary
	err = s.pool.QueryRow(ctx, `SELECT id, lead_id, audit_id, bullets_json FROM summaries WHERE audit_id = $1`, audit.ID).
		Scan(&sum.ID, &sum.LeadID, &sum.AuditID, &bullets)
	if err == nil {
		if err := json.Unmarshal(bullets, &sum.Bullets); err != nil {
			return models.LeadView{}, fmt.Errorf("decode bullets: %w", err)
		}
		v.Summary = &sum
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return models.LeadView{}, fmt.Errorf("get summary: %w", err)
	}
	return v, nil
}

// UpdateLead applies operator edits to status and notes.
func (s *Store) UpdateLead(ctx context.Context, id string, u models.LeadUpdate) error {
	sets := []string{}
	args := []any{id}
	if u.Status != nil {
		args = append(args, string(*u.Status))
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if u.Notes != nil {
		args = append(args, *u.Notes)
		sets = append(sets, fmt.Sprintf("notes = $%d", len(args)))
	}
	if len(sets) == 0 {
		// Nothing to change, but a missing lead is still reported.
		sets = append(sets, "id = id")
	}
	tag, err := s.pool.Exec(ctx, `UPDATE leads SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update lead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	return nil
}

// AuditCount returns how many audits a lead has accumulated.
func (s *Store) AuditCount(ctx context.Context, leadID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audits WHERE lead_id = $1`, leadID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audits: %w", err)
	}
	return n, nil
}

func (s *Store) latestAudit(ctx context.Context, leadID string) (models.Audit, error) {
	var a models.Audit
	var evidence []byte
	var snapshot pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, lead_id, final_url, https_supported, http_to_https, response_time_ms, html_bytes,
		       has_form, has_booking, has_chat, has_tel_link, mailto_only, evidence_json, snapshot_url, created_at
		FROM audits WHERE lead_id = $1 ORDER BY created_at DESC LIMIT 1
	`, leadID).Scan(&a.ID, &a.LeadID, &a.FinalURL, &a.HTTPSSupported, &a.HTTPToHTTPS, &a.ResponseTimeMS, &a.HTMLBytes,
		&a.HasForm, &a.HasBooking, &a.HasChat, &a.HasTelLink, &a.MailtoOnly, &evidence, &snapshot, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Audit{}, ErrNotFound
	}
	if err != nil {
		return models.Audit{}, fmt.Errorf("get audit: %w", err)
	}
	if err := json.Unmarshal(evidence, &a.Evidence); err != nil {
		return models.Audit{}, fmt.Errorf("decode evidence: %w", err)
	}
	a.SnapshotURL = textPtr(snapshot)
	return a, nil
}

const leadColumns = `l.id, l.campaign_id, l.business_id, l.canonical_url, l.status, l.notes, l.last_audit_at, l.created_at,
		       b.osm_id, b.name, b.lat, b.lon, b.address, b.phone, b.website_raw`

func leadDest(v *models.LeadView) []any {
	return []any{
		&v.ID, &v.CampaignID, &v.BusinessID, &v.CanonicalURL, &v.Status, &v.Notes, &v.LastAuditAt, &v.CreatedAt,
		&v.Business.OSMID, &v.Business.Name, &v.Business.Lat, &v.Business.Lon,
		&v.Business.Address, &v.Business.Phone, &v.Business.WebsiteRaw,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
