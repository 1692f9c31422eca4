package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadgen/internal/geocode"
	"leadgen/internal/models"
	"leadgen/internal/store/memstore"
)

type fakeGeocoder struct {
	calls int
	err   error
}

func (g *fakeGeocoder) Geocode(_ context.Context, city string) (geocode.Result, error) {
	g.calls++
	if g.err != nil {
		return geocode.Result{}, g.err
	}
	return geocode.Result{Lat: 43.5448, Lon: -80.2482, Query: city}, nil
}

type fakeFinder struct {
	businesses []models.Business
	category   string
	radius     float64
	err        error
}

func (f *fakeFinder) Search(_ context.Context, category string, _, _, radiusKM float64) ([]models.Business, error) {
	f.category = category
	f.radius = radiusKM
	return f.businesses, f.err
}

// flakyStore fails lead creation for one business.
type flakyStore struct {
	*memstore.Store
	failOSMID string
}

func (s *flakyStore) EnsureLead(ctx context.Context, campaignID string, b models.Business) (string, bool, error) {
	if b.OSMID == s.failOSMID {
		return "", false, errors.New("constraint violation")
	}
	return s.Store.EnsureLead(ctx, campaignID, b)
}

func str(v string) *string { return &v }

func sampleBusinesses() []models.Business {
	return []models.Business{
		{OSMID: "node/1", Name: "Royal City Plumbing", WebsiteRaw: str("royalcityplumbing.ca")},
		{OSMID: "node/2", Name: "Speed River Plumbing", WebsiteRaw: str("https://speedriver.example")},
		{OSMID: "node/3", Name: "No Site Plumbing"},
		{OSMID: "node/4", Name: "Tiny Site", WebsiteRaw: str("a.ca")},
	}
}

func discoveryJob(t *testing.T, st *memstore.Store) (models.Campaign, models.Job) {
	t.Helper()
	c, job, err := st.CreateCampaign(context.Background(), "plumbing", "Guelph, ON", 15)
	require.NoError(t, err)
	return c, job
}

func TestDiscoveryFansOutAudits(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	finder := &fakeFinder{businesses: sampleBusinesses()}
	h := NewDiscoveryHandler(st, &fakeGeocoder{}, finder, 100)
	c, job := discoveryJob(t, st)

	out, err := h.Handle(ctx, job, job.Payload.(models.DiscoveryPayload))
	require.NoError(t, err)
	assert.Equal(t, "plumber", finder.category)
	assert.Equal(t, 15.0, finder.radius)

	assert.Len(t, st.Businesses(), 4)
	assert.Len(t, st.Leads(), 4)
	require.Len(t, out.Enqueued, 2)
	for _, j := range out.Enqueued {
		assert.Equal(t, models.JobTypeAudit, j.Type)
		require.NotNil(t, j.CampaignID)
		assert.Equal(t, c.ID, *j.CampaignID)
	}
	assert.Len(t, st.JobsByType(models.JobTypeAudit), 2)
	assert.Contains(t, out.Lines, "Found 4 businesses for plumber within 15km")
}

func TestDiscoveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	h := NewDiscoveryHandler(st, &fakeGeocoder{}, &fakeFinder{businesses: sampleBusinesses()}, 100)
	_, job := discoveryJob(t, st)
	payload := job.Payload.(models.DiscoveryPayload)

	_, err := h.Handle(ctx, job, payload)
	require.NoError(t, err)
	second, err := h.Handle(ctx, job, payload)
	require.NoError(t, err)

	assert.Empty(t, second.Enqueued)
	assert.Len(t, st.Businesses(), 4)
	assert.Len(t, st.Leads(), 4)
	assert.Len(t, st.JobsByType(models.JobTypeAudit), 2)
}

func TestDiscoverySkipsAuditWhenLeadAlreadyAudited(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	h := NewDiscoveryHandler(st, &fakeGeocoder{}, &fakeFinder{businesses: sampleBusinesses()[:1]}, 100)
	_, job := discoveryJob(t, st)
	payload := job.Payload.(models.DiscoveryPayload)

	first, err := h.Handle(ctx, job, payload)
	require.NoError(t, err)
	require.Len(t, first.Enqueued, 1)

	// Simulate the audit job finishing and then being pruned.
	auditJob := first.Enqueued[0]
	ap := auditJob.Payload.(models.AuditPayload)
	require.NoError(t, st.SaveAuditResult(ctx, &models.Audit{LeadID: ap.LeadID, FinalURL: "https://royalcityplumbing.ca"}, &models.Score{Total: 50}, &models.Summary{}))
	auditJob.Status = models.StatusFailed
	st.SetJob(auditJob)

	second, err := h.Handle(ctx, job, payload)
	require.NoError(t, err)
	assert.Empty(t, second.Enqueued)
}

func TestDiscoveryReenqueuesAfterFailedAudit(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	h := NewDiscoveryHandler(st, &fakeGeocoder{}, &fakeFinder{businesses: sampleBusinesses()[:1]}, 100)
	_, job := discoveryJob(t, st)
	payload := job.Payload.(models.DiscoveryPayload)

	first, err := h.Handle(ctx, job, payload)
	require.NoError(t, err)
	failed := first.Enqueued[0]
	failed.Status = models.StatusFailed
	st.SetJob(failed)

	second, err := h.Handle(ctx, job, payload)
	require.NoError(t, err)
	assert.Len(t, second.Enqueued, 1)
}

func TestDiscoveryIsolatesItemFailures(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Store: memstore.New(), failOSMID: "node/2"}
	h := NewDiscoveryHandler(st, &fakeGeocoder{}, &fakeFinder{businesses: sampleBusinesses()}, 100)
	_, job := discoveryJob(t, st.Store)

	out, err := h.Handle(ctx, job, job.Payload.(models.DiscoveryPayload))
	require.NoError(t, err)
	assert.Len(t, st.Leads(), 3)
	assert.Len(t, out.Enqueued, 1)
	assert.Contains(t, out.Lines, "Skipped Speed River Plumbing (node/2): ensure lead: constraint violation")
}

func TestDiscoveryClampsRadius(t *testing.T) {
	st := memstore.New()
	finder := &fakeFinder{}
	h := NewDiscoveryHandler(st, &fakeGeocoder{}, finder, 100)
	payload := models.DiscoveryPayload{CampaignID: "c1", Niche: "roofing", City: "Austin, TX", RadiusKM: 500}

	_, err := h.Handle(context.Background(), models.Job{ID: "j1"}, payload)
	require.NoError(t, err)
	assert.Equal(t, 100.0, finder.radius)
	assert.Equal(t, "roofer", finder.category)
}

func TestDiscoveryPropagatesUpstreamErrors(t *testing.T) {
	payload := models.DiscoveryPayload{CampaignID: "c1", Niche: "hvac", City: "Guelph, ON", RadiusKM: 10}

	h := NewDiscoveryHandler(memstore.New(), &fakeGeocoder{err: errors.New("no results")}, &fakeFinder{}, 100)
	_, err := h.Handle(context.Background(), models.Job{}, payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `geocode "Guelph, ON": no results`)
	assert.False(t, IsPermanent(err))

	h = NewDiscoveryHandler(memstore.New(), &fakeGeocoder{}, &fakeFinder{err: errors.New("overpass query failed: overpass timeout")}, 100)
	_, err = h.Handle(context.Background(), models.Job{}, payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overpass timeout")
}

func TestDiscoveryRejectsUnusableNiche(t *testing.T) {
	payload := models.DiscoveryPayload{CampaignID: "c1", Niche: "123 !!", City: "Guelph, ON", RadiusKM: 10}
	geo := &fakeGeocoder{}
	h := NewDiscoveryHandler(memstore.New(), geo, &fakeFinder{}, 100)

	_, err := h.Handle(context.Background(), models.Job{}, payload)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Zero(t, geo.calls)
}
