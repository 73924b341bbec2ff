package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

// ClientConfig configures the prefetch REST client.
type ClientConfig struct {
	// BaseURL is used when a hook request carries no fhirServer.
	BaseURL      string
	Attempts     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Timeout      time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	URL        string
	Outcome    *OperationOutcome
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
	if e.Outcome != nil && e.Outcome.Diagnostics() != "" {
		msg += ": " + e.Outcome.Diagnostics()
	}
	return msg
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client performs read and search GETs against a FHIR server.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Read GETs query ("Patient/123" or "Observation?patient=123") relative to
// serverURL, or the configured base URL when serverURL is empty. Transient
// failures are retried with backoff.
func (c *Client) Read(ctx context.Context, serverURL, query, bearer string) (json.RawMessage, error) {
	base := serverURL
	if base == "" {
		base = c.cfg.BaseURL
	}
	if base == "" {
		return nil, fmt.Errorf("no fhir server for prefetch query %q", query)
	}
	url := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(query, "/")

	var body json.RawMessage
	err := retry.Do(
		func() error {
			var err error
			body, err = c.get(ctx, url, bearer)
			return err
		},
		retry.RetryIf(isRetryable),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.InitialDelay),
		retry.MaxDelay(c.cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn().Err(err).Uint("attempt", n+1).Str("url", url).Msg("retrying fhir prefetch read")
		}),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, url, bearer string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/fhir+json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{StatusCode: resp.StatusCode, URL: url}
		var oo OperationOutcome
		if json.Unmarshal(data, &oo) == nil && oo.ResourceType == "OperationOutcome" {
			serr.Outcome = &oo
		}
		return nil, serr
	}
	if !json.Valid(data) {
		return nil, retry.Unrecoverable(fmt.Errorf("GET %s: response is not valid JSON", url))
	}
	return json.RawMessage(data), nil
}

func isRetryable(err error) bool {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.retryable()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
