// Package places finds businesses of a trade category around a point using the
// Overpass API.
package places

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"leadgen/internal/logger"
	"leadgen/internal/models"
)

const (
	DefaultMaxResults  = 200
	DefaultMaxRadiusKM = 100
	limiterKey         = "upstream:overpass"
)

// DefaultEndpoints are tried in order until one answers.
var DefaultEndpoints = []string{
	"https://overpass-api.de/api/interpreter",
	"https://overpass.kumi.systems/api/interpreter",
}

// Limiter throttles upstream requests across runners.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Finder queries Overpass endpoints with fallback.
type Finder struct {
	endpoints  []string
	httpClient *http.Client
	timeout    time.Duration
	maxResults int
	userAgent  string
	limiter    Limiter
}

// Option customizes a Finder.
type Option func(*Finder)

// WithLimiter throttles every endpoint attempt through l.
func WithLimiter(l Limiter) Option {
	return func(f *Finder) { f.limiter = l }
}

// WithTimeout sets the per-endpoint timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Finder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithMaxResults caps how many businesses a search returns.
func WithMaxResults(n int) Option {
	return func(f *Finder) {
		if n > 0 {
			f.maxResults = n
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Finder) { f.userAgent = ua }
}

// New constructs a Finder. Empty endpoints fall back to DefaultEndpoints.
func New(endpoints []string, opts ...Option) *Finder {
	if len(endpoints) == 0 {
		endpoints = DefaultEndpoints
	}
	f := &Finder{
		endpoints:  endpoints,
		httpClient: &http.Client{},
		timeout:    25 * time.Second,
		maxResults: DefaultMaxResults,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Search returns named businesses tagged with category within radiusKM of (lat, lon),
// deduplicated by normalized name, first occurrence winning.
func (f *Finder) Search(ctx context.Context, category string, lat, lon, radiusKM float64) ([]models.Business, error) {
	query := BuildQuery(category, lat, lon, radiusKM)

	var (
		resp    *overpassResponse
		lastErr = errors.New("unknown error")
	)
	for _, endpoint := range f.endpoints {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, limiterKey); err != nil {
				return nil, fmt.Errorf("overpass throttle: %w", err)
			}
		}
		r, err := f.post(ctx, endpoint, query)
		if err == nil {
			resp = r
			break
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("overpass query failed: %w", ctx.Err())
		}
		logger.Warnf("overpass endpoint %s failed: %v", endpoint, err)
		lastErr = err
	}
	if resp == nil {
		return nil, fmt.Errorf("overpass query failed: %w", lastErr)
	}
	return f.collect(resp.Elements, lat, lon), nil
}

func (f *Finder) post(ctx context.Context, endpoint, query string) (*overpassResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("data", query)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build overpass request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	res, err := f.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, errors.New("overpass timeout")
		}
		return nil, fmt.Errorf("overpass network error: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("overpass error %d", res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 32<<20))
	if err != nil {
		if isTimeout(err) {
			return nil, errors.New("overpass timeout")
		}
		return nil, fmt.Errorf("read overpass response: %w", err)
	}
	var out overpassResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode overpass response: %w", err)
	}
	return &out, nil
}

func (f *Finder) collect(elements []element, lat, lon float64) []models.Business {
	seen := make(map[string]bool)
	out := make([]models.Business, 0)
	for _, el := range elements {
		if len(out) >= f.maxResults {
			break
		}
		name := strings.TrimSpace(el.Tags["name"])
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true

		b := models.Business{
			OSMID: el.osmID(),
			Name:  name,
			Lat:   lat,
			Lon:   lon,
		}
		switch {
		case el.Lat != nil && el.Lon != nil:
			b.Lat, b.Lon = *el.Lat, *el.Lon
		case el.Center != nil:
			b.Lat, b.Lon = el.Center.Lat, el.Center.Lon
		}
		b.Phone = firstTag(el.Tags, "phone", "contact:phone")
		b.WebsiteRaw = firstTag(el.Tags, "website", "contact:website")
		if street := strings.TrimSpace(el.Tags["addr:street"]); street != "" {
			addr := strings.TrimSpace(strings.TrimSpace(el.Tags["addr:housenumber"]) + " " + street)
			b.Address = &addr
		}
		out = append(out, b)
	}
	return out
}

// BuildQuery renders the Overpass QL for craft nodes/ways and shop nodes tagged category.
func BuildQuery(category string, lat, lon, radiusKM float64) string {
	if radiusKM > DefaultMaxRadiusKM {
		radiusKM = DefaultMaxRadiusKM
	}
	around := fmt.Sprintf("(around:%.0f,%f,%f)", radiusKM*1000, lat, lon)
	return fmt.Sprintf(`[out:json][timeout:20];
(
  node["craft"="%[1]s"]%[2]s;
  way["craft"="%[1]s"]%[2]s;
  node["shop"="%[1]s"]%[2]s;
);
out center tags;`, category, around)
}

type overpassResponse struct {
	Elements []element `json:"elements"`
}

type element struct {
	Type   string            `json:"type"`
	ID     int64             `json:"id"`
	Lat    *float64          `json:"lat"`
	Lon    *float64          `json:"lon"`
	Center *center           `json:"center"`
	Tags   map[string]string `json:"tags"`
}

type center struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// osmID prefixes the element type so node and way ids never collide.
func (e element) osmID() string {
	t := e.Type
	if t == "" {
		t = "node"
	}
	return fmt.Sprintf("%s/%d", t, e.ID)
}

func firstTag(tags map[string]string, keys ...string) *string {
	for _, k := range keys {
		if v := strings.TrimSpace(tags[k]); v != "" {
			return &v
		}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
