// Package geocode resolves free-text city strings to coordinates through a
// Nominatim-compatible service, with a persistent cache in front of it.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"leadgen/internal/logger"
	"leadgen/internal/models"
	"leadgen/internal/telemetry"
)

const (
	maxAttempts     = 3
	defaultCacheTTL = 30 * 24 * time.Hour
	limiterKey      = "upstream:nominatim"
)

// Cache persists geocoder answers.
type Cache interface {
	GetGeocode(ctx context.Context, key string) (models.GeocodeCacheEntry, bool, error)
	PutGeocode(ctx context.Context, e models.GeocodeCacheEntry) error
}

// Limiter throttles upstream requests across runners.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// RateLimitedError is returned when the upstream answers 403 or 429. It is never retried.
type RateLimitedError struct {
	Status     int
	RetryAfter string
}

func (e *RateLimitedError) Error() string {
	retry := e.RetryAfter
	if retry == "" {
		retry = "n/a"
	}
	return fmt.Sprintf("geocode blocked/rate-limited: status=%d, retry_after=%s", e.Status, retry)
}

// Result is a resolved point.
type Result struct {
	Lat         float64
	Lon         float64
	BoundingBox []string
	CountryCode string
	Query       string
	CacheHit    bool
}

// Client is a caching geocoder.
type Client struct {
	baseURL     string
	userAgent   string
	httpClient  *http.Client
	cache       Cache
	limiter     Limiter
	ttl         time.Duration
	baseTimeout time.Duration
	stepTimeout time.Duration
	backoffUnit time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithLimiter throttles upstream calls through l.
func WithLimiter(l Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithCacheTTL overrides how long cached answers stay fresh.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeouts sets the per-attempt timeout to base + step*attempt.
func WithTimeouts(base, step time.Duration) Option {
	return func(c *Client) {
		c.baseTimeout = base
		c.stepTimeout = step
	}
}

// WithBackoffUnit sets the 5xx backoff unit; attempt n waits unit*(n+1).
func WithBackoffUnit(d time.Duration) Option {
	return func(c *Client) { c.backoffUnit = d }
}

// WithClock overrides the clock used for cache freshness.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithSleep overrides how backoff waits are performed.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// New constructs a geocoder against baseURL (the search endpoint).
func New(baseURL, userAgent string, cache Cache, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		userAgent:   userAgent,
		httpClient:  &http.Client{},
		cache:       cache,
		ttl:         defaultCacheTTL,
		baseTimeout: 8 * time.Second,
		stepTimeout: 2 * time.Second,
		backoffUnit: 400 * time.Millisecond,
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Geocode resolves city, serving fresh cache hits without touching the upstream.
func (c *Client) Geocode(ctx context.Context, city string) (Result, error) {
	query, country, key := InferCountry(city)
	if query == "" {
		return Result{}, errors.New("geocode: empty city")
	}

	if c.cache != nil {
		entry, ok, err := c.cache.GetGeocode(ctx, key)
		if err != nil {
			logger.Warnf("geocode cache read %q: %v", key, err)
		} else if ok && c.now().Sub(entry.UpdatedAt) < c.ttl {
			telemetry.GeocodeCacheHits.Inc()
			return Result{
				Lat:         entry.Lat,
				Lon:         entry.Lon,
				BoundingBox: entry.BoundingBox,
				CountryCode: country,
				Query:       query,
				CacheHit:    true,
			}, nil
		}
	}
	telemetry.GeocodeCacheMisses.Inc()

	res, err := c.lookup(ctx, query, country)
	if err != nil {
		return Result{}, err
	}
	res.CountryCode = country
	res.Query = query

	if c.cache != nil {
		entry := models.GeocodeCacheEntry{Key: key, Lat: res.Lat, Lon: res.Lon, BoundingBox: res.BoundingBox, UpdatedAt: c.now()}
		if err := c.cache.PutGeocode(ctx, entry); err != nil {
			logger.Warnf("geocode cache write %q: %v", key, err)
		}
	}
	return res, nil
}

func (c *Client) lookup(ctx context.Context, query, country string) (Result, error) {
	params := url.Values{}
	params.Set("format", "jsonv2")
	params.Set("q", query)
	params.Set("limit", "1")
	params.Set("addressdetails", "1")
	if country != "" {
		params.Set("countrycodes", country)
	}
	endpoint := c.baseURL + "?" + params.Encode()

	lastErr := errors.New("geocode request failed")
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, limiterKey); err != nil {
				return Result{}, fmt.Errorf("geocode throttle: %w", err)
			}
		}

		res, retry, err := c.attempt(ctx, endpoint, attempt, query, country)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			return Result{}, err
		}
		if attempt < maxAttempts-1 {
			logger.Warnf("geocode attempt %d for %q failed: %v", attempt+1, query, err)
			if wait := c.backoffFor(err, attempt); wait > 0 {
				if err := c.sleep(ctx, wait); err != nil {
					return Result{}, err
				}
			}
		}
	}
	return Result{}, lastErr
}

type upstreamError struct{ status int }

func (e *upstreamError) Error() string {
	return fmt.Sprintf("geocode upstream error: status=%d", e.status)
}

var errTimeout = errors.New("geocoding failed: request timed out")

// attempt performs one upstream request and reports whether a failure may be retried.
func (c *Client) attempt(ctx context.Context, endpoint string, attempt int, query, country string) (Result, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.baseTimeout+time.Duration(attempt)*c.stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, false, fmt.Errorf("build geocode request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			return Result{}, true, errTimeout
		}
		return Result{}, false, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, false, &RateLimitedError{Status: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}
	case resp.StatusCode >= 500:
		return Result{}, true, &upstreamError{status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Result{}, false, fmt.Errorf("geocoding failed: status=%d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			return Result{}, true, errTimeout
		}
		return Result{}, false, fmt.Errorf("read geocode response: %w", err)
	}
	var places []nominatimPlace
	if err := json.Unmarshal(body, &places); err != nil {
		return Result{}, false, fmt.Errorf("decode geocode response: %w", err)
	}
	if len(places) == 0 {
		cc := country
		if cc == "" {
			cc = "none"
		}
		return Result{}, false, fmt.Errorf("geocode returned no results for q=%s, country=%s", query, cc)
	}
	lat, errLat := strconv.ParseFloat(string(places[0].Lat), 64)
	lon, errLon := strconv.ParseFloat(string(places[0].Lon), 64)
	if errLat != nil || errLon != nil {
		return Result{}, false, errors.New("geocoding failed: invalid coordinates returned")
	}
	return Result{Lat: lat, Lon: lon, BoundingBox: places[0].BoundingBox}, false, nil
}

func (c *Client) backoffFor(err error, attempt int) time.Duration {
	var up *upstreamError
	if errors.As(err, &up) {
		return c.backoffUnit * time.Duration(attempt+1)
	}
	return 0
}

type nominatimPlace struct {
	Lat         flexString `json:"lat"`
	Lon         flexString `json:"lon"`
	BoundingBox []string   `json:"boundingbox"`
}

// flexString accepts both quoted and bare JSON scalars.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if s, err := strconv.Unquote(string(b)); err == nil {
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsRateLimited reports whether err came from an upstream 403/429.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// NormalizeCity collapses whitespace runs and trims.
func NormalizeCity(input string) string {
	return strings.Join(strings.Fields(input), " ")
}
