package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"leadgen/internal/models"
	"leadgen/internal/store"
)

// CreateCampaign inserts a campaign and its DISCOVERY job.
func (s *Store) CreateCampaign(_ context.Context, niche, city string, radiusKM float64) (models.Campaign, models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &models.Campaign{
		ID:        uuid.New().String(),
		Niche:     niche,
		City:      city,
		RadiusKM:  radiusKM,
		CreatedAt: time.Now().UTC(),
	}
	s.campaigns[c.ID] = c
	job, err := s.enqueueLocked(models.DiscoveryPayload{CampaignID: c.ID, Niche: niche, City: city, RadiusKM: radiusKM}, c.CreatedAt)
	if err != nil {
		delete(s.campaigns, c.ID)
		return models.Campaign{}, models.Job{}, err
	}
	return *c, job, nil
}

// ListCampaigns returns campaigns newest first with lead counts.
func (s *Store) ListCampaigns(context.Context) ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		cc := *c
		for _, l := range s.leads {
			if l.CampaignID == c.ID {
				cc.LeadCount++
			}
		}
		out = append(out, cc)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

// GetCampaign fetches a campaign by id.
func (s *Store) GetCampaign(_ context.Context, id string) (models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return models.Campaign{}, fmt.Errorf("campaign %s: %w", id, store.ErrNotFound)
	}
	return *c, nil
}

// DeleteCampaign removes the campaign graph and its tagged jobs.
func (s *Store) DeleteCampaign(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[id]; !ok {
		return fmt.Errorf("campaign %s: %w", id, store.ErrNotFound)
	}
	for jid, j := range s.jobs {
		if j.CampaignID != nil && *j.CampaignID == id {
			delete(s.jobs, jid)
			delete(s.jobSeq, jid)
		}
	}
	for lid, l := range s.leads {
		if l.CampaignID != id {
			continue
		}
		for aid, a := range s.audits {
			if a.LeadID == lid {
				delete(s.scores, aid)
				delete(s.summaries, aid)
				delete(s.audits, aid)
				delete(s.auditSeq, aid)
			}
		}
		delete(s.leads, lid)
	}
	delete(s.campaigns, id)
	return nil
}

// UpsertBusiness inserts a business if absent.
func (s *Store) UpsertBusiness(_ context.Context, b models.Business) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.businesses[b.OSMID]; ok {
		return false, nil
	}
	bb := b
	s.businesses[b.OSMID] = &bb
	return true, nil
}

// EnsureLead returns the lead for (campaignID, business), creating it if absent.
func (s *Store) EnsureLead(_ context.Context, campaignID string, b models.Business) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.businesses[b.OSMID]; !ok {
		return "", false, fmt.Errorf("ensure lead: business %s: %w", b.OSMID, store.ErrNotFound)
	}
	for _, l := range s.leads {
		if l.CampaignID == campaignID && l.BusinessID == b.OSMID {
			return l.ID, false, nil
		}
	}
	l := &models.Lead{
		ID:           uuid.New().String(),
		CampaignID:   campaignID,
		BusinessID:   b.OSMID,
		CanonicalURL: b.WebsiteRaw,
		Status:       models.LeadStatusNew,
		CreatedAt:    time.Now().UTC(),
	}
	s.leads[l.ID] = l
	return l.ID, true, nil
}

// EnqueueAuditIfAbsent enqueues an AUDIT job unless one is live or an audit exists.
func (s *Store) EnqueueAuditIfAbsent(_ context.Context, p models.AuditPayload) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.audits {
		if a.LeadID == p.LeadID {
			return models.Job{}, false, nil
		}
	}
	for _, j := range s.jobs {
		if j.Type == models.JobTypeAudit && j.LeadID != nil && *j.LeadID == p.LeadID && j.Status != models.StatusFailed {
			return models.Job{}, false, nil
		}
	}
	job, err := s.enqueueLocked(p, time.Time{})
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// SaveAuditResult persists an audit with its score and summary and stamps the lead.
func (s *Store) SaveAuditResult(_ context.Context, a *models.Audit, sc *models.Score, sum *models.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[a.LeadID]
	if !ok {
		return fmt.Errorf("lead %s: %w", a.LeadID, store.ErrNotFound)
	}
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

	aa, scc, summ := *a, *sc, *sum
	s.audits[a.ID] = &aa
	s.auditSeq[a.ID] = s.next()
	s.scores[a.ID] = &scc
	s.summaries[a.ID] = &summ
	t := a.CreatedAt
	l.LastAuditAt = &t
	return nil
}

// ListLeads returns leads joined with their business and latest audit/score.
func (s *Store) ListLeads(_ context.Context, f models.LeadFilter) ([]models.LeadView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LeadView
	for _, l := range s.leads {
		if f.CampaignID != "" && l.CampaignID != f.CampaignID {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		out = append(out, s.viewLocked(l))
	}
	sort.SliceStable(out, func(i, k int) bool {
		a, b := out[i], out[k]
		if (a.Score == nil) != (b.Score == nil) {
			return a.Score != nil
		}
		if a.Score != nil && a.Score.Total != b.Score.Total {
			return a.Score.Total > b.Score.Total
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetLead returns a lead with its most recent audit, score and summary.
func (s *Store) GetLead(_ context.Context, id string) (models.LeadView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return models.LeadView{}, fmt.Errorf("lead %s: %w", id, store.ErrNotFound)
	}
	return s.viewLocked(l), nil
}

// UpdateLead applies operator edits.
func (s *Store) UpdateLead(_ context.Context, id string, u models.LeadUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return fmt.Errorf("lead %s: %w", id, store.ErrNotFound)
	}
	if u.Status != nil {
		l.Status = *u.Status
	}
	if u.Notes != nil {
		n := *u.Notes
		l.Notes = &n
	}
	return nil
}

// AuditCount returns how many audits a lead has accumulated.
func (s *Store) AuditCount(_ context.Context, leadID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.audits {
		if a.LeadID == leadID {
			n++
		}
	}
	return n, nil
}

// Businesses returns every stored business.
func (s *Store) Businesses() []models.Business {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Business, 0, len(s.businesses))
	for _, b := range s.businesses {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].OSMID < out[k].OSMID })
	return out
}

// Leads returns every stored lead.
func (s *Store) Leads() []models.Lead {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Lead, 0, len(s.leads))
	for _, l := range s.leads {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].BusinessID < out[k].BusinessID })
	return out
}

// GetGeocode looks up a cached geocoder answer.
func (s *Store) GetGeocode(_ context.Context, key string) (models.GeocodeCacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.geocode[key]
	return e, ok, nil
}

// PutGeocode stores or refreshes a geocoder answer.
func (s *Store) PutGeocode(_ context.Context, e models.GeocodeCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.geocode[e.Key] = e
	return nil
}

func (s *Store) viewLocked(l *models.Lead) models.LeadView {
	v := models.LeadView{Lead: *l}
	if b, ok := s.businesses[l.BusinessID]; ok {
		v.Business = *b
	}
	var latest *models.Audit
	for id, a := range s.audits {
		if a.LeadID != l.ID {
			continue
		}
		if latest == nil || s.auditSeq[id] > s.auditSeq[latest.ID] {
			latest = a
		}
	}
	if latest != nil {
		a := *latest
		v.Audit = &a
		if sc, ok := s.scores[a.ID]; ok {
			scc := *sc
			v.Score = &scc
		}
		if sum, ok := s.summaries[a.ID]; ok {
			summ := *sum
			v.Summary = &summ
		}
	}
	return v
}
