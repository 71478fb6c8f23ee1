package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goodtune/playgate/internal/access"
	"github.com/goodtune/playgate/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when an external service answers 404.
var ErrNotFound = errors.New("client: not found")

// maxBody bounds how much of a response is read.
const maxBody = 4 << 20

// Config configures one external service client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// StatusError is an unexpected non-success response that is not retryable.
type StatusError struct {
	Service    string
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Service, e.Operation, e.StatusCode, e.Body)
}

// base holds the transport shared by every service client.
type base struct {
	service string
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

func newBase(service string, cfg Config, logger zerolog.Logger) (base, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return base{}, fmt.Errorf("invalid %s base URL %q: %w", service, cfg.BaseURL, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return base{
		service: service,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "client").Str("service", service).Logger(),
	}, nil
}

// do sends a JSON request and decodes a JSON response into out.
// Transport failures and 5xx responses are returned as transient errors;
// the response status code is returned alongside any decoding.
func (b *base) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) (int, error) {
	start := time.Now()
	defer func() {
		metrics.UpstreamRequestDuration.WithLabelValues(b.service, op).Observe(time.Since(start).Seconds())
	}()

	target := b.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return 0, fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(b.service, op).Inc()
		b.logger.Warn().Err(err).Str("operation", op).Msg("Request failed")
		return 0, access.NewTransient(fmt.Errorf("%s %s: %w", b.service, op, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(b.service, op).Inc()
		return resp.StatusCode, access.NewTransient(fmt.Errorf("%s %s: reading response: %w", b.service, op, err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, ErrNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		metrics.UpstreamErrors.WithLabelValues(b.service, op).Inc()
		b.logger.Warn().Int("status", resp.StatusCode).Str("operation", op).Msg("Server error")
		return resp.StatusCode, access.NewTransient(fmt.Errorf("%s %s: status %d", b.service, op, resp.StatusCode))
	case resp.StatusCode == http.StatusConflict:
		// Conflicts carry a body the caller interprets
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		metrics.UpstreamErrors.WithLabelValues(b.service, op).Inc()
		return resp.StatusCode, &StatusError{
			Service:    b.service,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(data), 200),
		}
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode != http.StatusConflict {
			metrics.UpstreamErrors.WithLabelValues(b.service, op).Inc()
			return resp.StatusCode, access.NewTransient(fmt.Errorf("%s %s: malformed response: %w", b.service, op, err))
		}
	}

	return resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
