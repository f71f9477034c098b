// Package web is a platform.Client for cookie-session web platforms.
//
// It logs in with a form POST, keeps the session in a cookie jar, probes
// liveness against an authenticated endpoint, scrapes public post metrics
// from HTML and asks a JSON endpoint whether an account engaged with a post.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/raidline/internal/executor"
	"github.com/ashita-ai/raidline/internal/model"
	"github.com/ashita-ai/raidline/internal/platform"
)

// Config describes the endpoints of the target platform.
type Config struct {
	BaseURL        string
	LoginPath      string // form POST
	ProbePath      string // authenticated GET, 2xx when the session is live
	PostPath       string // public post page; %s is replaced by the target ID
	EngagementPath string // JSON GET with actor, action and target query params
	UserAgent      string
	Timeout        time.Duration
}

// DefaultConfig returns path defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		LoginPath:      "/login",
		ProbePath:      "/api/account/verify",
		PostPath:       "/i/status/%s",
		EngagementPath: "/api/engagements",
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Timeout:        15 * time.Second,
	}
}

// Client implements platform.Client over net/http.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	jar    *cookiejar.Jar
	logger *slog.Logger
}

var _ platform.Client = (*Client)(nil)

// New returns a Client with an empty cookie jar.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("web: invalid base URL %q", cfg.BaseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("web: create cookie jar: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:    cfg,
		base:   base,
		jar:    jar,
		http:   &http.Client{Jar: jar, Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Factory returns a platform.Factory producing fresh clients for cfg.
func Factory(cfg Config, logger *slog.Logger) platform.Factory {
	return func() (platform.Client, error) {
		return New(cfg, logger)
	}
}

// Login posts credentials to the login form.
func (c *Client) Login(ctx context.Context, creds platform.Credentials) error {
	form := url.Values{}
	form.Set("username", creds.Username)
	form.Set("password", creds.Password)
	if creds.Email != "" {
		form.Set("email", creds.Email)
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.cfg.LoginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp)
	return checkStatus(resp)
}

// ApplyArtifact installs cookies into the jar for the platform's domain.
func (c *Client) ApplyArtifact(_ context.Context, cookies []*http.Cookie) error {
	if len(cookies) == 0 {
		return executor.Permanent(errors.New("web: empty artifact"))
	}
	// Host-only copies: the jar rejects explicit domains for IP hosts.
	scoped := make([]*http.Cookie, 0, len(cookies))
	for _, ck := range cookies {
		scoped = append(scoped, &http.Cookie{Name: ck.Name, Value: ck.Value, Path: "/"})
	}
	c.jar.SetCookies(c.base, scoped)
	return nil
}

// ExportArtifact returns the jar's cookies for the platform, scoped to its domain.
func (c *Client) ExportArtifact(_ context.Context) ([]*http.Cookie, error) {
	jarCookies := c.jar.Cookies(c.base)
	if len(jarCookies) == 0 {
		return nil, errors.New("web: no session cookies")
	}
	out := make([]*http.Cookie, 0, len(jarCookies))
	for _, ck := range jarCookies {
		out = append(out, &http.Cookie{
			Name:   ck.Name,
			Value:  ck.Value,
			Domain: "." + c.base.Hostname(),
			Path:   "/",
		})
	}
	return out, nil
}

// Probe issues the authenticated liveness request.
func (c *Client) Probe(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.cfg.ProbePath, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp)
	return checkStatus(resp)
}

// FetchMetrics scrapes the public counters from a post page.
func (c *Client) FetchMetrics(ctx context.Context, targetID string) (model.Metrics, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf(c.cfg.PostPath, url.PathEscape(targetID)), http.NoBody)
	if err != nil {
		return model.Metrics{}, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := c.do(req)
	if err != nil {
		return model.Metrics{}, err
	}
	defer c.closeBody(resp)
	if err := checkStatus(resp); err != nil {
		return model.Metrics{}, err
	}
	m, err := parseMetrics(resp.Body)
	if err != nil {
		return model.Metrics{}, executor.Permanent(err)
	}
	return m, nil
}

// HasEngaged asks the engagement endpoint whether actorID performed action on targetID.
func (c *Client) HasEngaged(ctx context.Context, actorID string, action model.ActionType, targetID string) (bool, error) {
	q := url.Values{}
	q.Set("actor", actorID)
	q.Set("action", string(action))
	q.Set("target", targetID)
	req, err := c.newRequest(ctx, http.MethodGet, c.cfg.EngagementPath+"?"+q.Encode(), http.NoBody)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return false, err
	}
	defer c.closeBody(resp)
	if err := checkStatus(resp); err != nil {
		return false, err
	}
	var body struct {
		Engaged bool `json:"engaged"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, executor.Permanent(fmt.Errorf("web: decode engagement: %w", err))
	}
	return body.Engaged, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, executor.Permanent(fmt.Errorf("web: parse path %q: %w", path, err))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(ref).String(), body)
	if err != nil {
		return nil, executor.Permanent(fmt.Errorf("web: create request: %w", err))
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("web: request failed", "method", req.Method, "path", req.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(), "error", err)
		return nil, fmt.Errorf("web: %s %s: %w", req.Method, req.URL.Path, err)
	}
	c.logger.Debug("web: request completed", "method", req.Method, "path", req.URL.Path,
		"status_code", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

func (c *Client) closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if err := resp.Body.Close(); err != nil {
		c.logger.Warn("web: close response body", "error", err)
	}
}

// checkStatus classifies a response for the executor.
func checkStatus(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 400:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return executor.Permanent(fmt.Errorf("web: HTTP %d: %w", code, platform.ErrUnauthorized))
	case code == http.StatusTooManyRequests:
		return &executor.RateLimitedError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        fmt.Errorf("web: HTTP %d", code),
		}
	case code >= 500 || code == http.StatusRequestTimeout:
		return fmt.Errorf("web: HTTP %d", code)
	default:
		return executor.Permanent(fmt.Errorf("web: HTTP %d", code))
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Zero means absent.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
