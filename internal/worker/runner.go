package worker

import (
	"leadgen/internal/archive"
	"leadgen/internal/models"
	"leadgen/internal/queue"
)

// Store is everything both handlers persist through.
type Store interface {
	DiscoveryStore
	AuditStore
}

// Deps are the collaborators of a fully wired runner.
type Deps struct {
	Queue       *queue.Queue
	Store       Store
	Geocoder    Geocoder
	Finder      BusinessFinder
	Auditor     SiteAuditor
	Snapshots   archive.Uploader
	MaxRadiusKM float64
}

// NewRunner returns a processor with the DISCOVERY and AUDIT handlers registered.
func NewRunner(d Deps) *Processor {
	p := NewProcessor(d.Queue)
	discovery := NewDiscoveryHandler(d.Store, d.Geocoder, d.Finder, d.MaxRadiusKM)
	audit := NewAuditHandler(d.Store, d.Auditor, d.Snapshots)
	p.RegisterHandler(models.JobTypeDiscovery, Typed(discovery.Handle))
	p.RegisterHandler(models.JobTypeAudit, Typed(audit.Handle))
	return p
}
