// Package busapi is the HTTP client for the ticketing backend's XML API.
// Every call is rate limited per dealer login, retried on transport failures
// and returns classified *domain.ReserveError values instead of raw errors.
package busapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-querystring/query"

	"github.com/diagnosis/bus-reserve/internal/classify"
	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/internal/ratelimit"
	"github.com/diagnosis/bus-reserve/internal/retry"
	"github.com/diagnosis/bus-reserve/internal/xmlnorm"
	"github.com/diagnosis/bus-reserve/pkg/config"
	"github.com/diagnosis/bus-reserve/pkg/logger"
	"github.com/diagnosis/bus-reserve/pkg/metrics"
)

const (
	endpointValidation  = "reserve_validation"
	endpointReservation = "reserve_ticket"

	maxBodyBytes = 4 << 20
)

type Client struct {
	baseURL string
	cfg     config.BackendConfig
	client  *http.Client

	validationLimiter  ratelimit.Limiter
	reservationLimiter ratelimit.Limiter

	validationErrors  *classify.Classifier
	reservationErrors *classify.Classifier

	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. The per-attempt timeout
// is still enforced by the retry policy.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func WithLimiters(validation, reservation ratelimit.Limiter) Option {
	return func(c *Client) {
		c.validationLimiter = validation
		c.reservationLimiter = reservation
	}
}

// WithSleep replaces the wait between retries. Used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

func NewClient(cfg config.BackendConfig, rl config.RateLimitConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:            strings.TrimRight(cfg.BaseURL, "/"),
		cfg:                cfg,
		client:             &http.Client{},
		validationLimiter:  ratelimit.NewSlidingWindow(rl.ValidationMax, rl.Window),
		reservationLimiter: ratelimit.NewSlidingWindow(rl.ReservationMax, rl.Window),
		validationErrors:   classify.ForValidation(),
		reservationErrors:  classify.ForReservation(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) policy(endpoint string) retry.Policy {
	return retry.Policy{
		Timeout:    c.cfg.Timeout,
		MaxRetries: c.cfg.MaxRetries,
		RetryDelay: c.cfg.RetryDelay,
		Sleep:      c.sleep,
		OnRetry: func(attempt int, last *domain.ReserveError) {
			logger.Warn("Retrying backend call",
				"endpoint", endpoint,
				"attempt", attempt,
				"last_code", last.Code,
			)
		},
	}
}

func (c *Client) language(lang string) string {
	if lang != "" {
		return lang
	}
	return c.cfg.Language
}

func (c *Client) version() string {
	if c.cfg.Version != "" {
		return c.cfg.Version
	}
	return "1.1"
}

// call runs one rate-limited, retried backend call. parse receives the
// normalized success document.
func call[T any](ctx context.Context, c *Client, endpoint, path string, limiter ratelimit.Limiter, classifier *classify.Classifier, form any, parse func(*xmlnorm.Document) (T, error)) (T, int, error) {
	var zero T
	if !limiter.Allow(ctx, c.cfg.Login) {
		metrics.RateLimitedTotal.WithLabelValues(endpoint).Inc()
		logger.WarnContext(ctx, "Backend call rate limited", "endpoint", endpoint)
		return zero, 0, domain.NewError(domain.CodeRateLimitExceeded, "", nil)
	}

	values, err := query.Values(form)
	if err != nil {
		return zero, 0, fmt.Errorf("encode %s form: %w", endpoint, err)
	}
	body := values.Encode()

	start := time.Now()
	v, attempts, err := retry.Do(ctx, c.policy(endpoint), func(ctx context.Context) (T, error) {
		metrics.BackendAttemptsTotal.WithLabelValues(endpoint).Inc()
		doc, err := c.post(ctx, path, body)
		if err != nil {
			return zero, err
		}
		if raw, failed := errorText(doc); failed {
			return zero, classifier.Error(raw)
		}
		return parse(doc)
	})
	metrics.BackendRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	if err != nil {
		re := retry.Classify(err)
		metrics.BackendRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		metrics.ClassifiedErrorsTotal.WithLabelValues(endpoint, string(re.Code)).Inc()
		logger.WarnContext(ctx, "Backend call failed",
			"endpoint", endpoint,
			"attempts", attempts,
			"code", re.Code,
			"raw", re.Raw,
		)
		return zero, attempts, re
	}
	metrics.BackendRequestsTotal.WithLabelValues(endpoint, "success").Inc()
	return v, attempts, nil
}

// post sends one form-encoded request and normalizes the XML body.
func (c *Client) post(ctx context.Context, path, body string) (*xmlnorm.Document, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/xml")

	// Add request ID for tracing
	if requestID := logger.RequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	logger.DebugContext(ctx, "Calling ticketing backend", "url", url)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.CodeNetworkError, "", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.NewError(domain.CodeNetworkError, "", fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.NewError(domain.CodeNetworkError, fmt.Sprintf("backend returned HTTP %d", resp.StatusCode), nil)
	}

	doc, err := xmlnorm.Normalize(data)
	if err != nil {
		return nil, domain.NewError(domain.CodeParseError, "", err)
	}
	return doc, nil
}
