package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"secureops/internal/config"
	"secureops/internal/schema"
)

// ErrNotFound is returned when a provider has no record for the key.
var ErrNotFound = errors.New("providers: record not found")

// StatusError is returned for a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Code, e.Body)
}

// httpClient performs GET requests against one provider endpoint with
// bounded retries.
type httpClient struct {
	endpoint   string
	apiKey     string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
}

func newHTTPClient(cfg config.HTTPProviderConfig) (*httpClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("providers: url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("providers: invalid url %q: %w", cfg.URL, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 400 * time.Millisecond
	}
	return &httpClient{
		endpoint:   cfg.URL,
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: timeout},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
	}, nil
}

// get decodes the JSON response for query into out. Transport errors and
// 5xx responses are retried; 404 maps to ErrNotFound.
func (c *httpClient) get(ctx context.Context, query url.Values, out any) error {
	target := c.endpoint + "?" + query.Encode()
	backoff := c.backoff

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		retry, err := c.do(ctx, target, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

func (c *httpClient) do(ctx context.Context, target string, out any) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, ErrNotFound
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return true, &StatusError{Code: resp.StatusCode, Body: string(body)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return false, fmt.Errorf("providers: decode response: %w", err)
	}
	return false, nil
}

// HTTPThreatIntel queries a reputation service: GET {url}?ip=<ip>.
type HTTPThreatIntel struct {
	c *httpClient
}

// NewHTTPThreatIntel creates a reputation client.
func NewHTTPThreatIntel(cfg config.HTTPProviderConfig) (*HTTPThreatIntel, error) {
	c, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPThreatIntel{c: c}, nil
}

// LookupReputation fetches the reputation for ip.
func (h *HTTPThreatIntel) LookupReputation(ctx context.Context, ip string) (*schema.ThreatIntel, error) {
	var ti schema.ThreatIntel
	if err := h.c.get(ctx, url.Values{"ip": {ip}}, &ti); err != nil {
		return nil, err
	}
	return &ti, nil
}

// HTTPGeo queries a geolocation service: GET {url}?ip=<ip>.
type HTTPGeo struct {
	c *httpClient
}

// NewHTTPGeo creates a geolocation client.
func NewHTTPGeo(cfg config.HTTPProviderConfig) (*HTTPGeo, error) {
	c, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPGeo{c: c}, nil
}

// LookupLocation fetches the location for ip.
func (h *HTTPGeo) LookupLocation(ctx context.Context, ip string) (*schema.Geo, error) {
	var g schema.Geo
	if err := h.c.get(ctx, url.Values{"ip": {ip}}, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// HTTPAsset queries an asset inventory: GET {url}?id=<id>&type=<type>.
type HTTPAsset struct {
	c *httpClient
}

// NewHTTPAsset creates an asset inventory client.
func NewHTTPAsset(cfg config.HTTPProviderConfig) (*HTTPAsset, error) {
	c, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPAsset{c: c}, nil
}

// LookupContext fetches context for the resource.
func (h *HTTPAsset) LookupContext(ctx context.Context, resourceID, resourceType string) (*schema.AssetContext, error) {
	var ac schema.AssetContext
	if err := h.c.get(ctx, url.Values{"id": {resourceID}, "type": {resourceType}}, &ac); err != nil {
		return nil, err
	}
	return &ac, nil
}
