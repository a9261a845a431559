// Package github is a thin GitHub REST client with retry and rate-limit
// awareness. It exposes only the operations the pipeline needs.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL  = "https://api.github.com"
	apiVersion      = "2022-11-28"
	userAgent       = "archon-pipeline"
	defaultAttempts = 3

	backoffBase = 1 * time.Second
	backoffCap  = 60 * time.Second
)

// retryableStatus lists response codes worth another attempt.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusTooManyRequests:     true, // 429 (handled as rate limit first)
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// Client talks to the GitHub REST API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	token       string
	maxAttempts int
	log         *slog.Logger

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a non-default API host.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithMaxAttempts sets the per-request retry budget.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// NewClient creates a Client authenticated with token.
func NewClient(token string, log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		baseURL:     defaultBaseURL,
		token:       token,
		maxAttempts: defaultAttempts,
		log:         log,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue is the subset of issue fields the pipeline reads.
type Issue struct {
	Number int     `json:"number"`
	Title  string  `json:"title"`
	Body   string  `json:"body"`
	State  string  `json:"state"`
	Labels []Label `json:"labels"`
	User   User    `json:"user"`
}

// Label is a GitHub label.
type Label struct {
	Name string `json:"name"`
}

// User is a GitHub account reference.
type User struct {
	Login string `json:"login"`
}

// PullRequest is the subset of PR fields the pipeline reads.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// PRRequest holds the fields for opening a pull request.
type PRRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

// GetIssue fetches one issue.
func (c *Client) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	var issue Issue
	path := fmt.Sprintf("/repos/%s/issues/%d", repo, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, fmt.Errorf("get issue %s#%d: %w", repo, number, err)
	}
	return &issue, nil
}

// CreateComment posts a comment on an issue or pull request.
func (c *Client) CreateComment(ctx context.Context, repo string, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
	payload := map[string]string{"body": body}
	if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("create comment on %s#%d: %w", repo, number, err)
	}
	return nil
}

// AddLabels attaches labels to an issue or pull request.
func (c *Client) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	path := fmt.Sprintf("/repos/%s/issues/%d/labels", repo, number)
	payload := map[string][]string{"labels": labels}
	if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("add labels to %s#%d: %w", repo, number, err)
	}
	return nil
}

// RemoveLabel detaches a label. A 404 (label or issue without it) is treated
// as success so removal is idempotent.
func (c *Client) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/labels/%s", repo, number, url.PathEscape(label))
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("remove label %q from %s#%d: %w", label, repo, number, err)
	}
	return nil
}

// CreatePR opens a pull request.
func (c *Client) CreatePR(ctx context.Context, repo string, req PRRequest) (*PullRequest, error) {
	var pr PullRequest
	path := fmt.Sprintf("/repos/%s/pulls", repo)
	if err := c.do(ctx, http.MethodPost, path, req, &pr); err != nil {
		return nil, fmt.Errorf("create PR on %s: %w", repo, err)
	}
	return &pr, nil
}

// RequestReviewers asks reviewers onto a pull request.
func (c *Client) RequestReviewers(ctx context.Context, repo string, prNumber int, reviewers []string) error {
	if len(reviewers) == 0 {
		return nil
	}
	path := fmt.Sprintf("/repos/%s/pulls/%d/requested_reviewers", repo, prNumber)
	payload := map[string][]string{"reviewers": reviewers}
	if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("request reviewers on %s#%d: %w", repo, prNumber, err)
	}
	return nil
}

// HealthCheck verifies the token with a single authenticated round trip.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/user", nil, nil); err != nil {
		return fmt.Errorf("github health check: %w", err)
	}
	return nil
}

// do runs one API call with retries. Retryable statuses and transport errors
// back off with full jitter; rate limits surface immediately as
// RateLimitError so the caller owns the wait decision.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = b
	}

	fullURL := c.baseURL + path
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := fullJitter(attempt)
			c.log.Warn("retrying github request",
				slog.String("method", method),
				slog.String("url", fullURL),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay))
			c.sleep(delay)
		}

		done, err := c.doOnce(ctx, method, fullURL, body, out)
		if done {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("after %d attempts: %w", c.maxAttempts, lastErr)
}

// doOnce returns done=false only for outcomes worth another attempt.
func (c *Client) doOnce(ctx context.Context, method, fullURL string, body []byte, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return true, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		return false, fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if rl := rateLimitFrom(resp); rl != nil {
		return true, rl
	}
	if retryableStatus[resp.StatusCode] {
		return false, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody)), URL: fullURL}
	}
	if resp.StatusCode >= 400 {
		return true, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody)), URL: fullURL}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return true, fmt.Errorf("decode response: %w", err)
		}
	}
	return true, nil
}

// rateLimitFrom detects an exhausted rate limit: a 429, or a 403 with zero
// remaining quota. The reset instant comes from x-ratelimit-reset (unix
// seconds) or Retry-After (delta seconds).
func rateLimitFrom(resp *http.Response) *RateLimitError {
	limited := resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Header.Get("x-ratelimit-remaining") == "0")
	if !limited {
		return nil
	}

	reset := time.Now().Add(time.Minute)
	if v := resp.Header.Get("x-ratelimit-reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			reset = time.Unix(unix, 0)
		}
	} else if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			reset = time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return &RateLimitError{Reset: reset}
}

// fullJitter returns a uniformly random delay in [0, min(cap, base*2^attempt)].
func fullJitter(attempt int) time.Duration {
	ceil := float64(backoffBase) * math.Pow(2, float64(attempt))
	if ceil > float64(backoffCap) {
		ceil = float64(backoffCap)
	}
	return time.Duration(rand.Float64() * ceil)
}
