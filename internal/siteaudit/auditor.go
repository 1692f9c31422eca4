// Package siteaudit fetches a business website and extracts the signals the
// scorer consumes.
package siteaudit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"leadgen/internal/models"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultMaxBytes = 5 << 20
	DefaultUA       = "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0.0.0 Safari/537.36 leadgen-audit/1.0"
)

// Keyword vocabularies, in the order they are reported as evidence.
var (
	BookingKeywords = []string{"calendly", "acuity", "jobber", "housecallpro", "servicetitan"}
	ChatKeywords    = []string{"tawk", "intercom", "drift", "crisp", "tidio"}
)

// Result is the outcome of one website fetch.
type Result struct {
	RequestedURL   string
	FinalURL       string
	HTTPSSupported bool
	HTTPToHTTPS    bool
	ResponseTime   time.Duration
	HTMLBytes      int
	HasForm        bool
	HasBooking     bool
	HasChat        bool
	HasTelLink     bool
	MailtoOnly     bool
	Evidence       models.Evidence
	Body           []byte
}

// Auditor fetches and classifies websites.
type Auditor struct {
	httpClient *http.Client
	timeout    time.Duration
	maxBytes   int64
	userAgent  string
	now        func() time.Time
}

// Option customizes an Auditor.
type Option func(*Auditor)

// WithTimeout bounds each fetch.
func WithTimeout(d time.Duration) Option {
	return func(a *Auditor) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithMaxBytes caps how much of the body is read.
func WithMaxBytes(n int64) Option {
	return func(a *Auditor) {
		if n > 0 {
			a.maxBytes = n
		}
	}
}

// WithUserAgent overrides the browser-like User-Agent.
func WithUserAgent(ua string) Option {
	return func(a *Auditor) {
		if ua != "" {
			a.userAgent = ua
		}
	}
}

// WithHTTPClient replaces the HTTP client. Tests use it to reach TLS test servers.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *Auditor) { a.httpClient = hc }
}

// New constructs an Auditor.
func New(opts ...Option) *Auditor {
	a := &Auditor{
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		maxBytes:   DefaultMaxBytes,
		userAgent:  DefaultUA,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NormalizeURL trims the input and defaults the scheme to https.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	lower := strings.ToLower(u)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return u
	}
	return "https://" + u
}

// Audit fetches rawURL and classifies the page. A non-timeout network failure
// over https is retried once over plain http.
func (a *Auditor) Audit(ctx context.Context, rawURL string) (Result, error) {
	target := NormalizeURL(rawURL)

	page, err := a.fetch(ctx, target)
	if err != nil {
		var ne *networkError
		if !errors.As(err, &ne) {
			return Result{}, err
		}
		if ne.timeout || !strings.HasPrefix(strings.ToLower(target), "https://") || ctx.Err() != nil {
			return Result{}, err
		}
		fallback := "http://" + target[len("https://"):]
		page, err = a.fetch(ctx, fallback)
		if err != nil {
			return Result{}, fmt.Errorf("failed to connect (fallback): %w", err)
		}
	}

	res := Classify(page.body)
	res.RequestedURL = target
	res.FinalURL = page.finalURL
	res.ResponseTime = page.elapsed
	res.HTTPSSupported = strings.HasPrefix(strings.ToLower(page.finalURL), "https://")
	res.HTTPToHTTPS = strings.HasPrefix(strings.ToLower(target), "http://") && res.HTTPSSupported
	res.Evidence.RedirectChain = page.chain
	res.Body = page.body
	return res, nil
}

type fetched struct {
	finalURL string
	chain    []string
	elapsed  time.Duration
	body     []byte
}

// networkError marks failures before any HTTP response arrived.
type networkError struct {
	timeout bool
	err     error
}

func (e *networkError) Error() string {
	if e.timeout {
		return "request timed out"
	}
	return e.err.Error()
}

func (e *networkError) Unwrap() error { return e.err }

func (a *Auditor) fetch(ctx context.Context, target string) (fetched, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return fetched{}, fmt.Errorf("invalid website URL: %w", err)
	}
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	start := a.now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fetched{}, &networkError{timeout: isTimeout(err), err: err}
	}
	defer resp.Body.Close()
	elapsed := a.now().Sub(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fetched{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBytes))
	if err != nil {
		if isTimeout(err) {
			return fetched{}, errors.New("request timed out")
		}
		return fetched{}, fmt.Errorf("read body: %w", err)
	}

	return fetched{
		finalURL: resp.Request.URL.String(),
		chain:    redirectChain(resp),
		elapsed:  elapsed,
		body:     body,
	}, nil
}

// redirectChain lists every URL visited, original request first.
func redirectChain(resp *http.Response) []string {
	var chain []string
	for req := resp.Request; req != nil; {
		chain = append([]string{req.URL.String()}, chain...)
		if req.Response == nil {
			break
		}
		req = req.Response.Request
	}
	return chain
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
