package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadgen/internal/archive"
	"leadgen/internal/models"
	"leadgen/internal/scoring"
	"leadgen/internal/siteaudit"
	"leadgen/internal/store/memstore"
)

type failingUploader struct{}

func (failingUploader) Upload(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("bucket unavailable")
}

func seedLead(t *testing.T, st *memstore.Store, website string) string {
	t.Helper()
	ctx := context.Background()
	c, _, err := st.CreateCampaign(ctx, "plumbing", "Guelph, ON", 15)
	require.NoError(t, err)
	b := models.Business{OSMID: "node/42", Name: "Royal City Plumbing", WebsiteRaw: &website}
	_, err = st.UpsertBusiness(ctx, b)
	require.NoError(t, err)
	leadID, _, err := st.EnsureLead(ctx, c.ID, b)
	require.NoError(t, err)
	return leadID
}

func TestAuditHandlerScoresAndArchives(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Royal City</title></head><body><a href="tel:5195550100">call</a><script src="//code.tidio.co/x.js"></script></body></html>`))
	}))
	defer site.Close()

	ctx := context.Background()
	st := memstore.New()
	leadID := seedLead(t, st, site.URL)
	dir := t.TempDir()
	h := NewAuditHandler(st, siteaudit.New(siteaudit.WithTimeout(2*time.Second)), &archive.LocalUploader{BaseDir: dir})

	out, err := h.Handle(ctx, models.Job{ID: "job-1"}, models.AuditPayload{LeadID: leadID, Website: site.URL})
	require.NoError(t, err)
	assert.Len(t, out.Lines, 2)

	view, err := st.GetLead(ctx, leadID)
	require.NoError(t, err)
	require.NotNil(t, view.Audit)
	require.NotNil(t, view.Score)
	require.NotNil(t, view.Summary)
	require.NotNil(t, view.LastAuditAt)

	assert.False(t, view.Audit.HTTPSSupported)
	assert.True(t, view.Audit.HasChat)
	assert.True(t, view.Audit.HasTelLink)
	assert.Equal(t, []string{"tidio"}, view.Audit.Evidence.DetectedKeywords)
	// no https, no booking, no form, chat bonus
	assert.Equal(t, 100-15-15-20+5, view.Score.Total)
	assert.Equal(t, []string{scoring.ReasonNoHTTPS, scoring.ReasonNoBooking, scoring.ReasonNoForm, scoring.ReasonLiveChat}, view.Score.Reasons)
	assert.Equal(t, []string{scoring.BulletNoHTTPS, scoring.BulletNoBooking, scoring.BulletNoForm}, view.Summary.Bullets)

	require.NotNil(t, view.Audit.SnapshotURL)
	data, err := os.ReadFile(*view.Audit.SnapshotURL)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Royal City")
}

func TestAuditHandlerSnapshotFailureIsNotFatal(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<form></form>`))
	}))
	defer site.Close()

	ctx := context.Background()
	st := memstore.New()
	leadID := seedLead(t, st, site.URL)
	h := NewAuditHandler(st, siteaudit.New(), failingUploader{})

	_, err := h.Handle(ctx, models.Job{}, models.AuditPayload{LeadID: leadID, Website: site.URL})
	require.NoError(t, err)

	view, err := st.GetLead(ctx, leadID)
	require.NoError(t, err)
	require.NotNil(t, view.Audit)
	assert.Nil(t, view.Audit.SnapshotURL)
}

func TestAuditHandlerSurfacesFetchErrors(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer site.Close()

	st := memstore.New()
	leadID := seedLead(t, st, site.URL)
	h := NewAuditHandler(st, siteaudit.New(), nil)

	out, err := h.Handle(context.Background(), models.Job{}, models.AuditPayload{LeadID: leadID, Website: site.URL})
	require.Error(t, err)
	assert.Equal(t, "HTTP 503", err.Error())
	assert.False(t, IsPermanent(err))
	assert.Equal(t, []string{"Audit time: err"}, out.Lines)

	n, err := st.AuditCount(context.Background(), leadID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAuditHandlerMissingLeadIsPermanent(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`ok`))
	}))
	defer site.Close()

	h := NewAuditHandler(memstore.New(), siteaudit.New(), nil)
	_, err := h.Handle(context.Background(), models.Job{}, models.AuditPayload{LeadID: "gone", Website: site.URL})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestAuditsAccumulate(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<form></form> calendly`))
	}))
	defer site.Close()

	ctx := context.Background()
	st := memstore.New()
	leadID := seedLead(t, st, site.URL)
	h := NewAuditHandler(st, siteaudit.New(), nil)

	for i := 0; i < 2; i++ {
		_, err := h.Handle(ctx, models.Job{}, models.AuditPayload{LeadID: leadID, Website: site.URL})
		require.NoError(t, err)
	}
	n, err := st.AuditCount(ctx, leadID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
