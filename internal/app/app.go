// Package app assembles the store, queue, upstream clients and runner from
// configuration. Both binaries start here.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"leadgen/internal/api"
	"leadgen/internal/archive"
	"leadgen/internal/config"
	"leadgen/internal/geocode"
	"leadgen/internal/logger"
	"leadgen/internal/places"
	"leadgen/internal/queue"
	"leadgen/internal/ratelimit"
	"leadgen/internal/siteaudit"
	"leadgen/internal/store"
	"leadgen/internal/store/memstore"
	"leadgen/internal/worker"
)

// Store is the union of every persistence contract the binaries use.
type Store interface {
	queue.Store
	worker.Store
	api.Store
	geocode.Cache
	RunMigrations(ctx context.Context) error
}

// Options select optional behavior.
type Options struct {
	// Memory swaps Postgres for the in-memory store.
	Memory bool
}

// App is a wired runtime.
type App struct {
	Config        config.Config
	Store         Store
	Queue         *queue.Queue
	Runner        *worker.Processor
	RunnerLimiter api.Limiter

	closers []func()
}

// New connects to storage, ensures the schema and wires the runner.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}

	if opts.Memory {
		a.Store = memstore.New()
	} else {
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.Store = pg
	}
	if err := a.Store.RunMigrations(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	var geoOpts []geocode.Option
	placeOpts := []places.Option{
		places.WithTimeout(cfg.OverpassTimeout),
		places.WithMaxResults(cfg.MaxDiscoveryHits),
		places.WithUserAgent(cfg.UserAgent),
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })

		upstream := ratelimit.NewTokenBucket(client, cfg.UpstreamRateCapacity, cfg.UpstreamRateRefill, time.Hour)
		geoOpts = append(geoOpts, geocode.WithLimiter(upstream))
		placeOpts = append(placeOpts, places.WithLimiter(upstream))
		a.RunnerLimiter = ratelimit.NewTokenBucket(client, cfg.RunnerRateCapacity, cfg.RunnerRateRefill, time.Hour)
	} else {
		logger.Info("REDIS_ADDR not set; upstream throttling disabled")
	}
	geoOpts = append(geoOpts, geocode.WithCacheTTL(cfg.GeocodeCacheTTL))

	snapshots, err := archive.New(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("snapshot archive: %w", err)
	}

	a.Queue = queue.New(a.Store, queue.Options{
		BatchSize:      cfg.BatchSize,
		MaxAttempts:    cfg.MaxAttempts,
		StaleAfter:     cfg.StaleAfter,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	})
	a.Runner = worker.NewRunner(worker.Deps{
		Queue:    a.Queue,
		Store:    a.Store,
		Geocoder: geocode.New(cfg.GeocoderURL, cfg.UserAgent, a.Store, geoOpts...),
		Finder:   places.New(cfg.OverpassURLs, placeOpts...),
		Auditor: siteaudit.New(
			siteaudit.WithTimeout(cfg.AuditTimeout),
			siteaudit.WithMaxBytes(cfg.AuditMaxBytes),
			siteaudit.WithUserAgent(cfg.UserAgent),
		),
		Snapshots:   snapshots,
		MaxRadiusKM: cfg.MaxRadiusKM,
	})
	return a, nil
}

// API returns the HTTP server over this runtime.
func (a *App) API() *api.Server {
	return api.New(a.Store, a.Runner, a.RunnerLimiter)
}

// Close releases connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
