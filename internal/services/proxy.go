package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kickoffdata/api-gateway/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const maxUpstreamBody = 10 << 20

// ErrUpstreamUnavailable is returned while a provider's breaker is open
var ErrUpstreamUnavailable = errors.New("upstream provider unavailable")

// UpstreamError reports a failed call to a provider
type UpstreamError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s returned status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

type provider struct {
	name    string
	baseURL string
	headers map[string]string
	breaker *gobreaker.CircuitBreaker
}

// UpstreamClient fetches JSON from the providers of the catalog, each behind its own circuit breaker
type UpstreamClient struct {
	client    *http.Client
	providers map[string]*provider
	metrics   *Metrics
	logger    *logrus.Logger
}

func NewUpstreamClient(catalog *config.Catalog, metrics *Metrics, logger *logrus.Logger) *UpstreamClient {
	u := &UpstreamClient{
		client:    &http.Client{},
		providers: make(map[string]*provider),
		metrics:   metrics,
		logger:    logger,
	}

	for name, p := range catalog.Providers {
		maxFailures := p.Breaker.Failures()
		u.providers[name] = &provider{
			name:    name,
			baseURL: p.BaseURL,
			headers: p.Headers,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        name,
				MaxRequests: 1,
				Timeout:     p.Breaker.Timeout(),
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= maxFailures
				},
				IsSuccessful: func(err error) bool {
					// the caller went away; says nothing about the provider
					if errors.Is(err, context.Canceled) {
						return true
					}
					var upErr *UpstreamError
					if errors.As(err, &upErr) && upErr.StatusCode >= 400 && upErr.StatusCode < 500 {
						return true
					}
					return err == nil
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					logger.WithFields(logrus.Fields{
						"provider": name,
						"from":     from.String(),
						"to":       to.String(),
					}).Warn("upstream breaker state changed")
				},
			}),
		}
	}

	return u
}

// WithHTTPClient replaces the client used for provider calls
func (u *UpstreamClient) WithHTTPClient(c *http.Client) *UpstreamClient {
	u.client = c
	return u
}

// Fetch calls the endpoint's provider with query and returns the JSON body
func (u *UpstreamClient) Fetch(ctx context.Context, ep config.Endpoint, query url.Values) (json.RawMessage, error) {
	p, ok := u.providers[ep.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", ep.Provider)
	}

	start := time.Now()
	body, err := p.breaker.Execute(func() (interface{}, error) {
		return u.forward(ctx, p, ep.Path, query)
	})
	duration := time.Since(start)

	if err != nil {
		u.metrics.ObserveUpstream(p.name, "error", duration)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, p.name)
		}
		return nil, err
	}

	u.metrics.ObserveUpstream(p.name, "ok", duration)
	return body.(json.RawMessage), nil
}

func (u *UpstreamClient) forward(ctx context.Context, p *provider, path string, query url.Values) (json.RawMessage, error) {
	targetURL, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, &UpstreamError{Provider: p.name, Err: err}
	}

	targetURL.Path = strings.TrimSuffix(targetURL.Path, "/") + path
	targetURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL.String(), nil)
	if err != nil {
		return nil, &UpstreamError{Provider: p.name, Err: err}
	}

	req.Header.Set("Accept", "application/json")
	for key, value := range p.headers {
		req.Header.Set(key, value)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &UpstreamError{Provider: p.name, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, &UpstreamError{Provider: p.name, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		u.logger.WithFields(logrus.Fields{
			"provider": p.name,
			"status":   resp.StatusCode,
			"path":     path,
		}).Warn("upstream returned error status")
		return nil, &UpstreamError{Provider: p.name, StatusCode: resp.StatusCode}
	}

	if !json.Valid(data) {
		return nil, &UpstreamError{Provider: p.name, Err: errors.New("response is not valid JSON")}
	}

	return json.RawMessage(data), nil
}
