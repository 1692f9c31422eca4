package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxWebsiteLength bounds the URL an audit job may carry.
const MaxWebsiteLength = 2048

// ErrUnknownJobType is returned when a stored job type has no payload variant.
var ErrUnknownJobType = errors.New("unknown job type")

// Payload is the closed set of job payload variants, one per JobType.
type Payload interface {
	JobType() JobType
	Validate() error
}

// DiscoveryPayload is enqueued by campaign creation.
type DiscoveryPayload struct {
	CampaignID string  `json:"campaign_id"`
	Niche      string  `json:"niche"`
	City       string  `json:"city"`
	RadiusKM   float64 `json:"radius_km"`
}

func (DiscoveryPayload) JobType() JobType { return JobTypeDiscovery }

// Validate checks that all four discovery fields are present.
func (p DiscoveryPayload) Validate() error {
	var missing []string
	if strings.TrimSpace(p.CampaignID) == "" {
		missing = append(missing, "campaign_id")
	}
	if strings.TrimSpace(p.Niche) == "" {
		missing = append(missing, "niche")
	}
	if strings.TrimSpace(p.City) == "" {
		missing = append(missing, "city")
	}
	if p.RadiusKM <= 0 {
		missing = append(missing, "radius_km")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid DISCOVERY payload: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// AuditPayload is produced by the discovery fan-out, one per lead with a website.
type AuditPayload struct {
	LeadID     string `json:"lead_id"`
	Website    string `json:"website"`
	CampaignID string `json:"campaign_id,omitempty"`
}

func (AuditPayload) JobType() JobType { return JobTypeAudit }

// Validate checks presence and the maximum URL length.
func (p AuditPayload) Validate() error {
	if strings.TrimSpace(p.LeadID) == "" || strings.TrimSpace(p.Website) == "" {
		return errors.New("invalid AUDIT payload: lead_id and website are required")
	}
	if len(p.Website) > MaxWebsiteLength {
		return fmt.Errorf("invalid website URL: longer than %d characters", MaxWebsiteLength)
	}
	return nil
}

// EncodePayload serializes a payload for the jobs table.
func EncodePayload(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.JobType(), err)
	}
	return raw, nil
}

// DecodePayload parses raw payload JSON into the variant matching t.
func DecodePayload(t JobType, raw []byte) (Payload, error) {
	switch t {
	case JobTypeDiscovery:
		var p DiscoveryPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode DISCOVERY payload: %w", err)
		}
		return p, nil
	case JobTypeAudit:
		var p AuditPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode AUDIT payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, t)
	}
}

// CampaignOf returns the campaign a payload belongs to, if any.
func CampaignOf(p Payload) string {
	switch v := p.(type) {
	case DiscoveryPayload:
		return v.CampaignID
	case AuditPayload:
		return v.CampaignID
	}
	return ""
}

// LeadOf returns the lead a payload targets, if any.
func LeadOf(p Payload) string {
	if v, ok := p.(AuditPayload); ok {
		return v.LeadID
	}
	return ""
}
