package worker

import (
	"context"
	"errors"
	"fmt"

	"leadgen/internal/geocode"
	"leadgen/internal/logger"
	"leadgen/internal/models"
	"leadgen/internal/places"
	"leadgen/internal/telemetry"
)

// minWebsiteLength is the shortest website value worth auditing.
const minWebsiteLength = 5

// DiscoveryStore is the persistence the discovery fan-out needs.
type DiscoveryStore interface {
	UpsertBusiness(ctx context.Context, b models.Business) (bool, error)
	EnsureLead(ctx context.Context, campaignID string, b models.Business) (string, bool, error)
	EnqueueAuditIfAbsent(ctx context.Context, p models.AuditPayload) (models.Job, bool, error)
}

// Geocoder resolves a city to a point.
type Geocoder interface {
	Geocode(ctx context.Context, city string) (geocode.Result, error)
}

// BusinessFinder searches for businesses around a point.
type BusinessFinder interface {
	Search(ctx context.Context, category string, lat, lon, radiusKM float64) ([]models.Business, error)
}

// DiscoveryHandler turns a campaign into businesses, leads and AUDIT jobs.
type DiscoveryHandler struct {
	store       DiscoveryStore
	geocoder    Geocoder
	finder      BusinessFinder
	maxRadiusKM float64
}

// NewDiscoveryHandler constructs the handler. maxRadiusKM <= 0 uses the finder default.
func NewDiscoveryHandler(st DiscoveryStore, g Geocoder, f BusinessFinder, maxRadiusKM float64) *DiscoveryHandler {
	if maxRadiusKM <= 0 {
		maxRadiusKM = places.DefaultMaxRadiusKM
	}
	return &DiscoveryHandler{store: st, geocoder: g, finder: f, maxRadiusKM: maxRadiusKM}
}

// Handle is safe to re-run: every write is insert-if-absent.
func (h *DiscoveryHandler) Handle(ctx context.Context, job models.Job, p models.DiscoveryPayload) (Outcome, error) {
	var out Outcome

	category := places.CategoryForNiche(p.Niche)
	if category == "" {
		return out, Permanent(fmt.Errorf("invalid DISCOVERY payload: niche %q has no usable category", p.Niche))
	}
	radius := p.RadiusKM
	if radius > h.maxRadiusKM {
		radius = h.maxRadiusKM
	}

	point, err := h.geocoder.Geocode(ctx, p.City)
	if err != nil {
		return out, fmt.Errorf("geocode %q: %w", p.City, err)
	}
	source := "upstream"
	if point.CacheHit {
		source = "cache"
	}
	out.Lines = append(out.Lines, fmt.Sprintf("Geocoded %q to %.5f,%.5f (%s)", point.Query, point.Lat, point.Lon, source))

	businesses, err := h.finder.Search(ctx, category, point.Lat, point.Lon, radius)
	if err != nil {
		return out, err
	}
	out.Lines = append(out.Lines, fmt.Sprintf("Found %d businesses for %s within %.0fkm", len(businesses), category, radius))

	var newBusinesses, newLeads int
	for _, b := range businesses {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		createdBiz, createdLead, audit, err := h.ingest(ctx, p.CampaignID, b)
		if err != nil {
			out.Lines = append(out.Lines, fmt.Sprintf("Skipped %s (%s): %v", b.Name, b.OSMID, err))
			logger.WarnWithFields("discovery item skipped", map[string]interface{}{
				"job_id": job.ID, "osm_id": b.OSMID, "error": err.Error(),
			})
			continue
		}
		if createdBiz {
			newBusinesses++
		}
		if createdLead {
			newLeads++
		}
		if audit != nil {
			out.Enqueued = append(out.Enqueued, *audit)
			out.Lines = append(out.Lines, fmt.Sprintf("Enqueued AUDIT %s for %s", audit.ID, b.Website()))
			telemetry.JobsEnqueued.WithLabelValues(string(models.JobTypeAudit)).Inc()
		}
	}

	out.Lines = append(out.Lines, fmt.Sprintf("Discovery saved %d new businesses, %d new leads, %d audits enqueued",
		newBusinesses, newLeads, len(out.Enqueued)))
	return out, nil
}

// ingest writes one business and its lead and enqueues its audit when warranted.
func (h *DiscoveryHandler) ingest(ctx context.Context, campaignID string, b models.Business) (bool, bool, *models.Job, error) {
	if b.OSMID == "" {
		return false, false, nil, errors.New("missing external id")
	}
	createdBiz, err := h.store.UpsertBusiness(ctx, b)
	if err != nil {
		return false, false, nil, fmt.Errorf("upsert business: %w", err)
	}
	leadID, createdLead, err := h.store.EnsureLead(ctx, campaignID, b)
	if err != nil {
		return createdBiz, false, nil, fmt.Errorf("ensure lead: %w", err)
	}

	website := b.Website()
	if len(website) <= minWebsiteLength || len(website) > models.MaxWebsiteLength {
		return createdBiz, createdLead, nil, nil
	}
	job, enqueued, err := h.store.EnqueueAuditIfAbsent(ctx, models.AuditPayload{
		LeadID:     leadID,
		Website:    website,
		CampaignID: campaignID,
	})
	if err != nil {
		return createdBiz, createdLead, nil, fmt.Errorf("enqueue audit: %w", err)
	}
	if !enqueued {
		return createdBiz, createdLead, nil, nil
	}
	return createdBiz, createdLead, &job, nil
}
