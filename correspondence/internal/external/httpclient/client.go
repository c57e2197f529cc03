// Package httpclient is the JSON-over-HTTP client shared by the live
// collaborator adapters. Every call goes through a per-service circuit
// breaker.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/metrics"
	"github.com/sony/gobreaker"
)

// Config configures one collaborator endpoint.
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Token is sent as a bearer token when set.
	Token   string        `mapstructure:"token"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32 `mapstructure:"max_requests"`
	// Interval after which closed-state counts reset.
	Interval time.Duration `mapstructure:"interval"`
	// Timeout spent open before probing again.
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	MinRequests         uint32        `mapstructure:"min_requests"`
	FailureRatio        float64       `mapstructure:"failure_ratio"`
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		MinRequests:         10,
		FailureRatio:        0.5,
	}
}

// StatusError is returned for responses outside 2xx.
type StatusError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s responded %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s responded %d: %s", e.Service, e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsClientError reports whether the collaborator refused the request itself
// rather than failing to serve it.
func IsClientError(err error) bool {
	code := StatusCode(err)
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

// Client calls one collaborator.
type Client struct {
	service    string
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *logging.Logger
}

// New builds a client for service. Zero breaker settings take the defaults.
func New(service string, cfg Config, logger *logging.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	bc := cfg.Breaker
	def := DefaultBreakerConfig()
	if bc.ConsecutiveFailures == 0 {
		bc.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if bc.MinRequests == 0 {
		bc.MinRequests = def.MinRequests
	}
	if bc.FailureRatio <= 0 {
		bc.FailureRatio = def.FailureRatio
	}
	if bc.MaxRequests == 0 {
		bc.MaxRequests = def.MaxRequests
	}
	if bc.Timeout <= 0 {
		bc.Timeout = def.Timeout
	}

	c := &Client{
		service:    service,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.WithComponent("client." + service),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "service-" + service,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= bc.ConsecutiveFailures ||
				(counts.Requests >= bc.MinRequests && failureRatio >= bc.FailureRatio)
		},
		// A refused request says nothing about the collaborator's health.
		IsSuccessful: func(err error) bool {
			return err == nil || IsClientError(err)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(service).Set(float64(to))
			c.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	metrics.BreakerState.WithLabelValues(service).Set(float64(gobreaker.StateClosed))
	return c
}

// Service returns the collaborator name.
func (c *Client) Service() string {
	return c.service
}

// State returns the breaker state.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// Do sends body as JSON and decodes a 2xx response into out. Either may be
// nil. operation labels the call in metrics.
func (c *Client) Do(ctx context.Context, operation, method, path string, body, out any) error {
	if c == nil {
		return fmt.Errorf("client not configured")
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.do(ctx, method, path, body, out)
	})
	switch {
	case err == nil:
		metrics.ExternalCalls.WithLabelValues(c.service, operation, "ok").Inc()
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.ExternalCalls.WithLabelValues(c.service, operation, "rejected_by_breaker").Inc()
		return apperr.External(err, "%s is currently unavailable", c.service)
	case IsClientError(err):
		metrics.ExternalCalls.WithLabelValues(c.service, operation, strconv.Itoa(StatusCode(err))).Inc()
		return err
	default:
		metrics.ExternalCalls.WithLabelValues(c.service, operation, "error").Inc()
		return apperr.External(err, "%s %s", c.service, operation)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&errBody)
		msg := errBody.Message
		if msg == "" {
			msg = errBody.Error
		}
		return &StatusError{Service: c.service, StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
