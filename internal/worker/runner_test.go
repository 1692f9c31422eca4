package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadgen/internal/geocode"
	"leadgen/internal/models"
	"leadgen/internal/places"
	"leadgen/internal/queue"
	"leadgen/internal/siteaudit"
	"leadgen/internal/store/memstore"
)

// TestCampaignEndToEnd covers campaign creation through discovery fan-out and audits.
func TestCampaignEndToEnd(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/royal":
			_, _ = w.Write([]byte(`<html><title>Royal</title><form></form>calendly</html>`))
		default:
			_, _ = w.Write([]byte(`<html><title>Speed River</title></html>`))
		}
	}))
	defer site.Close()

	var geocodeHits int32
	nominatim := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&geocodeHits, 1)
		assert.Equal(t, "ca", r.URL.Query().Get("countrycodes"))
		_, _ = w.Write([]byte(`[{"lat":"43.5448","lon":"-80.2482","boundingbox":["43.47","43.59","-80.33","-80.15"]}]`))
	}))
	defer nominatim.Close()

	overpass := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Contains(t, r.PostForm.Get("data"), `"craft"="plumber"`)
		assert.Contains(t, r.PostForm.Get("data"), "around:15000,")
		fmt.Fprintf(w, `{"elements":[
			{"type":"node","id":1,"lat":43.55,"lon":-80.25,"tags":{"name":"Royal City Plumbing","website":"%[1]s/royal"}},
			{"type":"way","id":2,"center":{"lat":43.56,"lon":-80.26},"tags":{"name":"Speed River Plumbing","contact:website":"%[1]s/speed"}},
			{"type":"node","id":3,"lat":43.57,"lon":-80.27,"tags":{"name":"ROYAL CITY PLUMBING"}},
			{"type":"node","id":4,"lat":43.58,"lon":-80.28,"tags":{"shop":"plumber"}},
			{"type":"node","id":5,"lat":43.59,"lon":-80.29,"tags":{"name":"Drain Pros","phone":"519-555-0199"}}
		]}`, site.URL)
	}))
	defer overpass.Close()

	ctx := context.Background()
	st := memstore.New()
	q := queue.New(st, queue.Options{})
	runner := NewRunner(Deps{
		Queue:    q,
		Store:    st,
		Geocoder: geocode.New(nominatim.URL, "leadgen-test", st),
		Finder:   places.New([]string{overpass.URL}, places.WithTimeout(2*time.Second)),
		Auditor:  siteaudit.New(siteaudit.WithTimeout(2 * time.Second)),
	})

	campaign, discoveryJob, err := st.CreateCampaign(ctx, "plumbing", "Guelph, ON", 15)
	require.NoError(t, err)

	sum, err := runner.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)

	stored, err := st.GetJob(ctx, discoveryJob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, stored.Status)

	assert.Len(t, st.Businesses(), 3)
	leads, err := st.ListLeads(ctx, models.LeadFilter{CampaignID: campaign.ID})
	require.NoError(t, err)
	assert.Len(t, leads, 3)
	audits := st.JobsByType(models.JobTypeAudit)
	require.Len(t, audits, 2)

	summaries, err := runner.Drain(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, summaries)
	assert.Equal(t, 2, summaries[0].Processed)

	for _, j := range st.JobsByType(models.JobTypeAudit) {
		assert.Equal(t, models.StatusDone, j.Status)
	}

	leads, err = st.ListLeads(ctx, models.LeadFilter{CampaignID: campaign.ID})
	require.NoError(t, err)
	require.Len(t, leads, 3)
	require.NotNil(t, leads[0].Score)
	assert.Equal(t, "Royal City Plumbing", leads[0].Business.Name)
	assert.Equal(t, 85, leads[0].Score.Total)
	require.NotNil(t, leads[1].Score)
	assert.Equal(t, 50, leads[1].Score.Total)
	assert.Nil(t, leads[2].Score)

	// A second campaign for the same city reuses the cached geocode.
	_, _, err = st.CreateCampaign(ctx, "plumbing", "Guelph, ON", 15)
	require.NoError(t, err)
	_, err = runner.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&geocodeHits))
	assert.Len(t, st.Businesses(), 3)
	assert.Len(t, st.Leads(), 6)
}
