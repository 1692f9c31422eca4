package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"leadgen/internal/models"
)

// CreateCampaign inserts a campaign and its DISCOVERY job in one transaction.
func (s *Store) CreateCampaign(ctx context.Context, niche, city string, radiusKM float64) (models.Campaign, models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Campaign{}, models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	c := models.Campaign{
		ID:        uuid.New().String(),
		Niche:     niche,
		City:      city,
		RadiusKM:  radiusKM,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO campaigns (id, niche, city, radius_km, created_at) VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.Niche, c.City, c.RadiusKM, c.CreatedAt); err != nil {
		return models.Campaign{}, models.Job{}, fmt.Errorf("insert campaign: %w", err)
	}

	job, err := enqueueJob(ctx, tx, models.DiscoveryPayload{
		CampaignID: c.ID,
		Niche:      niche,
		City:       city,
		RadiusKM:   radiusKM,
	}, c.CreatedAt)
	if err != nil {
		return models.Campaign{}, models.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Campaign{}, models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return c, job, nil
}

// ListCampaigns returns campaigns newest first with their lead counts.
func (s *Store) ListCampaigns(ctx context.Context) ([]models.Campaign, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.niche, c.city, c.radius_km, c.created_at, COUNT(l.id)
		FROM campaigns c
		LEFT JOIN leads l ON l.campaign_id = c.id
		GROUP BY c.id
		ORDER BY c.created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()
	var out []models.Campaign
	for rows.Next() {
		var c models.Campaign
		if err := rows.Scan(&c.ID, &c.Niche, &c.City, &c.RadiusKM, &c.CreatedAt, &c.LeadCount); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCampaign fetches a campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id string) (models.Campaign, error) {
	var c models.Campaign
	err := s.pool.QueryRow(ctx, `
		SELECT id, niche, city, radius_km, created_at FROM campaigns WHERE id = $1
	`, id).Scan(&c.ID, &c.Niche, &c.City, &c.RadiusKM, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Campaign{}, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// DeleteCampaign removes a campaign, its leads with their audits, scores and
// summaries, and every job tagged with the campaign id.
func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	steps := []struct {
		name string
		sql  string
	}{
		{"jobs", `DELETE FROM jobs WHERE campaign_id = $1`},
		{"scores", `DELETE FROM scores WHERE audit_id IN (SELECT a.id FROM audits a JOIN leads l ON l.id = a.lead_id WHERE l.campaign_id = $1)`},
		{"summaries", `DELETE FROM summaries WHERE lead_id IN (SELECT id FROM leads WHERE campaign_id = $1)`},
		{"audits", `DELETE FROM audits WHERE lead_id IN (SELECT id FROM leads WHERE campaign_id = $1)`},
		{"leads", `DELETE FROM leads WHERE campaign_id = $1`},
	}
	for _, step := range steps {
		if _, err := tx.Exec(ctx, step.sql, id); err != nil {
			return fmt.Errorf("delete campaign %s: %w", step.name, err)
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return tx.Commit(ctx)
}
