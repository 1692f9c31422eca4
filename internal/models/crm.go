package models

import (
	"fmt"
	"time"
)

// LeadStatus tracks a lead through the sales pipeline.
type LeadStatus string

const (
	LeadStatusNew          LeadStatus = "new"
	LeadStatusContacted    LeadStatus = "contacted"
	LeadStatusQualified    LeadStatus = "qualified"
	LeadStatusClosed       LeadStatus = "closed"
	LeadStatusDisqualified LeadStatus = "disqualified"
)

// ParseLeadStatus converts a string to a LeadStatus.
func ParseLeadStatus(s string) (LeadStatus, error) {
	switch LeadStatus(s) {
	case LeadStatusNew, LeadStatusContacted, LeadStatusQualified, LeadStatusClosed, LeadStatusDisqualified:
		return LeadStatus(s), nil
	default:
		return "", fmt.Errorf("invalid lead status: %q", s)
	}
}

// Campaign is an operator's request to prospect one trade in one area.
type Campaign struct {
	ID        string    `json:"id"`
	Niche     string    `json:"niche"`
	City      string    `json:"city"`
	RadiusKM  float64   `json:"radius_km"`
	CreatedAt time.Time `json:"created_at"`
	LeadCount int       `json:"lead_count"`
}

// Business is a place found on the map, keyed by its OpenStreetMap id.
type Business struct {
	OSMID      string  `json:"osm_id"`
	Name       string  `json:"name"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Address    *string `json:"address,omitempty"`
	Phone      *string `json:"phone,omitempty"`
	WebsiteRaw *string `json:"website_raw,omitempty"`
}

// Website returns the raw website or an empty string.
func (b Business) Website() string {
	if b.WebsiteRaw == nil {
		return ""
	}
	return *b.WebsiteRaw
}

// Lead pairs a campaign with a business.
type Lead struct {
	ID           string     `json:"id"`
	CampaignID   string     `json:"campaign_id"`
	BusinessID   string     `json:"business_id"`
	CanonicalURL *string    `json:"canonical_url,omitempty"`
	Status       LeadStatus `json:"status"`
	Notes        *string    `json:"notes,omitempty"`
	LastAuditAt  *time.Time `json:"last_audit_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Evidence is the keyword and title capture kept with every audit.
type Evidence struct {
	DetectedKeywords []string `json:"detected_kws"`
	Title            *string  `json:"title_match"`
	RedirectChain    []string `json:"redirect_chain,omitempty"`
}

// Audit is one fetch-and-inspect pass over a lead's website. Audits are append-only.
type Audit struct {
	ID             string    `json:"id"`
	LeadID         string    `json:"lead_id"`
	FinalURL       string    `json:"final_url"`
	HTTPSSupported bool      `json:"https_supported"`
	HTTPToHTTPS    bool      `json:"http_to_https"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	HTMLBytes      int       `json:"html_bytes"`
	HasForm        bool      `json:"has_form"`
	HasBooking     bool      `json:"has_booking"`
	HasChat        bool      `json:"has_chat"`
	HasTelLink     bool      `json:"has_tel_link"`
	MailtoOnly     bool      `json:"mailto_only"`
	Evidence       Evidence  `json:"evidence"`
	SnapshotURL    *string   `json:"snapshot_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Score is the deterministic rating computed from one audit.
type Score struct {
	ID      string   `json:"id"`
	AuditID string   `json:"audit_id"`
	Total   int      `json:"total"`
	Reasons []string `json:"reasons"`
}

// Summary holds the outreach talking points derived alongside a Score.
type Summary struct {
	ID      string   `json:"id"`
	LeadID  string   `json:"lead_id"`
	AuditID string   `json:"audit_id"`
	Bullets []string `json:"bullets"`
}

// GeocodeCacheEntry is a cached geocoder answer.
type GeocodeCacheEntry struct {
	Key         string    `json:"key"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	BoundingBox []string  `json:"bbox,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LeadView is a lead joined with its business and most recent audit results.
type LeadView struct {
	Lead
	Business Business `json:"business"`
	Audit    *Audit   `json:"audit,omitempty"`
	Score    *Score   `json:"score,omitempty"`
	Summary  *Summary `json:"summary,omitempty"`
}

// LeadFilter narrows lead list reads.
type LeadFilter struct {
	CampaignID string
	Status     LeadStatus
	Limit      int
}

// LeadUpdate carries operator edits; nil fields are left untouched.
type LeadUpdate struct {
	Status *LeadStatus
	Notes  *string
}
