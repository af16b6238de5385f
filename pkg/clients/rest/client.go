// Package rest implements the pull side of the server API: timeline pages,
// notifications and notification groups.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/Wesbrine/hydra-social/internal/metrics"
	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
	"github.com/Wesbrine/hydra-social/pkg/clients"
	"github.com/Wesbrine/hydra-social/pkg/logging"
)

// Operation labels used in metrics.
const (
	OpTimeline           = "timeline"
	OpNotifications      = "notifications"
	OpNotificationGroups = "notification_groups"
)

// GroupedNotificationsPath is the grouped notifications endpoint.
const GroupedNotificationsPath = "/api/v2/notifications"

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s returned status %d: %s", e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s returned status %d", e.Path, e.StatusCode)
}

// Client fetches pages from the server REST API.
type Client struct {
	baseURL      string
	token        string
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
	logger       logging.Logger
	metrics      *metrics.Metrics
}

type Option func(*Client)

// BreakerName labels the REST source circuit breaker in logs and metrics.
const BreakerName = "rest-source"

// NewClient creates a client with retries and a circuit breaker in front of
// baseURL.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second, Transport: clients.SourceTransport()},
		logger:  logging.NewDiscardLogger(),
		metrics: metrics.NewDetached(),
	}
	cfg := clients.DefaultHTTPExecutorConfig()
	cfg.CircuitBreaker = &clients.CircuitBreakerConfig{Name: BreakerName}
	WithHTTPExecutorConfig(cfg)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// observeBreaker exports circuit breaker state changes. It reads the logger
// and metrics at call time so options applied after the executor see them.
func (c *Client) observeBreaker(name string, from, to clients.CircuitBreakerState) {
	c.metrics.SourceBreakerState.WithLabelValues(name).Set(float64(to))
	c.metrics.SourceBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
	c.logger.WithFields(logging.Fields{
		"breaker": name,
		"from":    from.String(),
		"to":      to.String(),
	}).Warn("REST source circuit breaker changed state")
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

// WithHTTPExecutorConfig replaces the retry and breaker settings. A breaker
// without OnStateChange reports through the client's logger and metrics.
func WithHTTPExecutorConfig(cfg clients.HTTPExecutorConfig) Option {
	return func(c *Client) {
		if cfg.CircuitBreaker != nil && cfg.CircuitBreaker.OnStateChange == nil {
			cb := *cfg.CircuitBreaker
			cb.OnStateChange = c.observeBreaker
			cfg.CircuitBreaker = &cb
		}
		c.httpExecutor = clients.NewHTTPExecutor(cfg)
		c.shouldRetry = cfg.ShouldRetry
	}
}

// WithoutRetries sends every request exactly once.
func WithoutRetries() Option {
	return func(c *Client) {
		c.httpExecutor = nil
		c.shouldRetry = nil
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		c.logger = logging.OrDiscard(logger)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = metrics.OrDetached(m)
	}
}

func (c *Client) doRequest(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	if c.httpExecutor == nil {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return c.client.Do(req)
	}

	return clients.ExecuteHTTP(ctx, c.httpExecutor, func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if c.shouldRetry != nil && c.shouldRetry(resp, err) {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		return resp, err
	})
}

// get fetches path with query into out and records metrics for op.
func (c *Client) get(ctx context.Context, op string, req streaming.FetchRequest, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.SourceRequests.WithLabelValues(op, metrics.StatusLabel(err)).Inc()
		c.metrics.SourceDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			c.logger.WithError(err).WithFields(logging.Fields{
				"operation": op,
				"path":      req.Path,
			}).Debug("Source request failed")
		}
	}()

	target := c.baseURL + req.Path
	if q := req.Values().Encode(); q != "" {
		target += "?" + q
	}

	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		r.Header.Set("Accept", "application/json")
		if c.token != "" {
			r.Header.Set("Authorization", "Bearer "+c.token)
		}
		return r, nil
	})
	if err != nil {
		return fmt.Errorf("GET %s: %w", req.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Path: req.Path, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.Path, err)
	}
	return nil
}

// FetchLatest returns one timeline page, newest first.
func (c *Client) FetchLatest(ctx context.Context, req streaming.FetchRequest) ([]streaming.Status, error) {
	var page []streaming.Status
	if err := c.get(ctx, OpTimeline, req, &page); err != nil {
		return nil, err
	}
	return page, nil
}

// FetchNotifications returns one page of ungrouped notifications.
func (c *Client) FetchNotifications(ctx context.Context, req streaming.FetchRequest) ([]streaming.Notification, error) {
	var page []streaming.Notification
	if err := c.get(ctx, OpNotifications, req, &page); err != nil {
		return nil, err
	}
	return page, nil
}

type groupedNotifications struct {
	Groups []streaming.NotificationGroup `json:"notification_groups"`
}

// FetchNotificationGroups returns the newest page of notification groups.
func (c *Client) FetchNotificationGroups(ctx context.Context) ([]streaming.NotificationGroup, error) {
	var body groupedNotifications
	req := streaming.FetchRequest{Path: GroupedNotificationsPath, Limit: 40}
	if err := c.get(ctx, OpNotificationGroups, req, &body); err != nil {
		return nil, err
	}
	return body.Groups, nil
}

// Ping checks the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var out json.RawMessage
	return c.get(ctx, "ping", streaming.FetchRequest{Path: "/api/v1/instance"}, &out)
}
