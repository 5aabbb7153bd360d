// Package relay implements the SyncRemote port over the relay's HTTP API.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gregjones/httpcache"
	"github.com/sony/gobreaker"

	"github.com/ericfisherdev/credsync/internal/domain/model"
	"github.com/ericfisherdev/credsync/internal/domain/port/driven"
)

const (
	// RequestIDHeader carries a per-request correlation id.
	RequestIDHeader = "X-Request-ID"

	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 8 << 20
	breakerFailures  = 5
	breakerCooldown  = 30 * time.Second
)

// Compile-time interface satisfaction check.
var _ driven.SyncRemote = (*Client)(nil)

// Client talks to one relay. Requests pass through an in-memory HTTP cache so
// repeated downloads revalidate with ETags, and a circuit breaker fails fast
// after consecutive transport or server errors.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	timeout    time.Duration
}

// WithHTTPClient replaces the cached transport stack. Intended for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

// NewClient creates a Client for the relay at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if err := model.ValidateServerURL(baseURL); err != nil {
		return nil, err
	}

	o := clientOptions{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: httpcache.NewMemoryCacheTransport(),
			Timeout:   o.timeout,
		}
	}

	base := strings.TrimRight(baseURL, "/")

	return &Client{
		baseURL:    base,
		httpClient: httpClient,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "relay " + base,
			Timeout: breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
			IsSuccessful: func(err error) bool {
				// A caller that gave up says nothing about the relay.
				if errors.Is(err, context.Canceled) {
					return true
				}
				// The relay answered; only transport and 5xx failures trip the breaker.
				var netErr *driven.NetworkError
				if errors.As(err, &netErr) {
					return netErr.StatusCode != 0 && netErr.StatusCode < 500
				}
				return err == nil || errors.Is(err, driven.ErrRemoteNotFound)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("relay circuit breaker state changed", "relay", name, "from", from.String(), "to", to.String())
			},
		}),
	}, nil
}

// Factory returns a SyncRemoteFactory building cached clients with timeout.
func Factory(timeout time.Duration) driven.SyncRemoteFactory {
	return func(serverURL string) (driven.SyncRemote, error) {
		return NewClient(serverURL, WithTimeout(timeout))
	}
}

// envelope is the relay's response wrapper.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Upload posts a domain group.
func (c *Client) Upload(ctx context.Context, domain string, payload model.SyncPayload) (model.UploadResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return model.UploadResult{}, fmt.Errorf("marshal payload for %q: %w", domain, err)
	}

	resp, err := c.do(ctx, "upload", domain, http.MethodPost, domainPath(domain), body)
	if err != nil {
		return model.UploadResult{}, err
	}

	result := model.UploadResult{Status: model.UploadStatus(resp.Status)}
	switch result.Status {
	case model.UploadStatusSuccess:
	case model.UploadStatusConflictResolved:
		var rec model.RemoteRecord
		if err := json.Unmarshal(resp.Data, &rec); err != nil {
			return model.UploadResult{}, &driven.NetworkError{Op: "upload", Domain: domain, StatusCode: http.StatusOK, Err: fmt.Errorf("decode conflict data: %w", err)}
		}
		result.Data = &rec
	default:
		return model.UploadResult{}, &driven.NetworkError{Op: "upload", Domain: domain, StatusCode: http.StatusOK, Err: fmt.Errorf("unexpected status %q", resp.Status)}
	}

	return result, nil
}

// Download fetches a domain group. Returns driven.ErrRemoteNotFound on 404.
func (c *Client) Download(ctx context.Context, domain string) (model.RemoteRecord, error) {
	resp, err := c.do(ctx, "download", domain, http.MethodGet, domainPath(domain), nil)
	if err != nil {
		return model.RemoteRecord{}, err
	}

	var rec model.RemoteRecord
	if err := json.Unmarshal(resp.Data, &rec); err != nil {
		return model.RemoteRecord{}, &driven.NetworkError{Op: "download", Domain: domain, StatusCode: http.StatusOK, Err: fmt.Errorf("decode record: %w", err)}
	}
	return rec, nil
}

// ListDomains lists every domain group on the relay.
func (c *Client) ListDomains(ctx context.Context) ([]model.RemoteDomain, error) {
	resp, err := c.do(ctx, "list", "", http.MethodGet, "/api/sync", nil)
	if err != nil {
		return nil, err
	}

	domains := []model.RemoteDomain{}
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &domains); err != nil {
			return nil, &driven.NetworkError{Op: "list", StatusCode: http.StatusOK, Err: fmt.Errorf("decode listing: %w", err)}
		}
	}
	return domains, nil
}

// Ping checks that the listing endpoint answers successfully.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, "ping", "", http.MethodGet, "/api/sync", nil)
	return err
}

func (c *Client) do(ctx context.Context, op, domain, method, path string, body []byte) (envelope, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, op, domain, method, path, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return envelope{}, &driven.NetworkError{Op: op, Domain: domain, Err: err}
	}
	if err != nil {
		return envelope{}, err
	}
	return out.(envelope), nil
}

func (c *Client) roundTrip(ctx context.Context, op, domain, method, path string, body []byte) (envelope, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return envelope{}, &driven.NetworkError{Op: op, Domain: domain, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope{}, &driven.NetworkError{Op: op, Domain: domain, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return envelope{}, &driven.NetworkError{Op: op, Domain: domain, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode == http.StatusNotFound && domain != "" {
		return envelope{}, driven.ErrRemoteNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return envelope{}, &driven.NetworkError{Op: op, Domain: domain, StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(raw)))}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, &driven.NetworkError{Op: op, Domain: domain, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	slog.Debug("relay request complete",
		"op", op,
		"domain", domain,
		"status", resp.StatusCode,
		"cached", resp.Header.Get(httpcache.XFromCache) != "",
	)

	return env, nil
}

func domainPath(domain string) string {
	return "/api/sync/" + url.PathEscape(domain)
}
