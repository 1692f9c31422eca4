package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"leadgen/internal/logger"
	"leadgen/internal/models"
	"leadgen/internal/store"
	"leadgen/internal/telemetry"
	"leadgen/internal/worker"
)

const (
	runnerLimiterKey = "runner:trigger"
	jobListLimit     = 100
	leadListLimit    = 500
)

// Store is the persistence the API reads and writes.
type Store interface {
	CreateCampaign(ctx context.Context, niche, city string, radiusKM float64) (models.Campaign, models.Job, error)
	ListCampaigns(ctx context.Context) ([]models.Campaign, error)
	DeleteCampaign(ctx context.Context, id string) error
	ListJobs(ctx context.Context, limit int) ([]models.Job, error)
	JobStats(ctx context.Context) ([]models.StatusCount, error)
	ListLeads(ctx context.Context, f models.LeadFilter) ([]models.LeadView, error)
	GetLead(ctx context.Context, id string) (models.LeadView, error)
	UpdateLead(ctx context.Context, id string, u models.LeadUpdate) error
}

// BatchRunner runs one queue batch.
type BatchRunner interface {
	RunBatch(ctx context.Context) (worker.Summary, error)
}

// Limiter throttles runner triggers.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

type retryAfterer interface {
	RetryAfter(tokens float64) time.Duration
}

// Server wires HTTP handlers for the operator API.
type Server struct {
	store   Store
	runner  BatchRunner
	limiter Limiter
}

// New constructs the API server. limiter may be nil.
func New(st Store, runner BatchRunner, limiter Limiter) *Server {
	return &Server{
		store:   st,
		runner:  runner,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)

		r.Post("/campaigns", s.handleCreateCampaign)
		r.Get("/campaigns", s.handleListCampaigns)
		r.Delete("/campaigns/{id}", s.handleDeleteCampaign)

		r.Post("/jobs/run", s.handleRunJobs)
		r.Get("/jobs", s.handleListJobs)

		r.Get("/leads", s.handleListLeads)
		r.Get("/leads/{id}", s.handleGetLead)
		r.Patch("/leads/{id}", s.handleUpdateLead)
	})
	return r
}

type createCampaignRequest struct {
	Niche    string  `json:"niche"`
	City     string  `json:"city"`
	RadiusKM float64 `json:"radius_km"`
}

type createCampaignResponse struct {
	CampaignID string `json:"campaign_id"`
	JobID      string `json:"job_id"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Niche = strings.TrimSpace(req.Niche)
	req.City = strings.TrimSpace(req.City)
	if req.Niche == "" || req.City == "" || req.RadiusKM <= 0 {
		writeError(w, http.StatusBadRequest, "niche, city and a positive radius_km are required")
		return
	}

	campaign, job, err := s.store.CreateCampaign(r.Context(), req.Niche, req.City, req.RadiusKM)
	if err != nil {
		logger.Errorf("create campaign: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create campaign")
		return
	}
	telemetry.JobsEnqueued.WithLabelValues(string(job.Type)).Inc()
	writeJSON(w, http.StatusCreated, createCampaignResponse{CampaignID: campaign.ID, JobID: job.ID})
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.store.ListCampaigns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list campaigns")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": campaigns})
}

func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteCampaign(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		logger.Errorf("delete campaign %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to delete campaign")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRunJobs(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, tokens, err := s.limiter.Allow(r.Context(), runnerLimiterKey)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			if ra, ok := s.limiter.(retryAfterer); ok {
				secs := int(math.Ceil(ra.RetryAfter(tokens).Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	sum, err := s.runner.RunBatch(r.Context())
	if err != nil {
		logger.Errorf("runner batch: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Fatal runner error",
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context(), jobListLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	stats, err := s.store.JobStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read job stats")
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "stats": stats})
}

func (s *Server) handleListLeads(w http.ResponseWriter, r *http.Request) {
	filter := models.LeadFilter{
		CampaignID: r.URL.Query().Get("campaign_id"),
		Limit:      leadListLimit,
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseLeadStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}
	leads, err := s.store.ListLeads(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list leads")
		return
	}
	if leads == nil {
		leads = []models.LeadView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"leads": leads})
}

func (s *Server) handleGetLead(w http.ResponseWriter, r *http.Request) {
	lead, err := s.store.GetLead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "lead not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load lead")
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

type updateLeadRequest struct {
	Status *string `json:"status"`
	Notes  *string `json:"notes"`
}

func (s *Server) handleUpdateLead(w http.ResponseWriter, r *http.Request) {
	var req updateLeadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	var upd models.LeadUpdate
	if req.Status != nil {
		status, err := models.ParseLeadStatus(*req.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		upd.Status = &status
	}
	upd.Notes = req.Notes

	id := chi.URLParam(r, "id")
	if err := s.store.UpdateLead(r.Context(), id, upd); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "lead not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update lead")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
