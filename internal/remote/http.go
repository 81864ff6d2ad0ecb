package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pocketledger/budget/internal/identity"
	"github.com/pocketledger/budget/internal/record"
)

// DefaultTimeout bounds a single request to the remote store.
const DefaultTimeout = 10 * time.Second

// HTTPClient is a Client for the store served by "budget serve".
type HTTPClient struct {
	base *url.URL
	http *http.Client
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.http.Timeout = d }
}

// NewHTTPClient returns a client for the store at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("remote url cannot be empty")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote url %q: scheme must be http or https", baseURL)
	}

	c := &HTTPClient{
		base: u,
		http: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the store address.
func (c *HTTPClient) BaseURL() string { return c.base.String() }

func (c *HTTPClient) recordsPath(owner string, recordID ...string) string {
	p := c.base.String() + "/api/v1/owners/" + url.PathEscape(owner) + "/records"
	if len(recordID) > 0 {
		p += "/" + url.PathEscape(recordID[0])
	}
	return p
}

// Create implements Client.
func (c *HTTPClient) Create(ctx context.Context, id identity.Identity, f record.Fields, idempotencyKey string) (Stored, error) {
	if err := id.Validate(); err != nil {
		return Stored{}, err
	}
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers[IdempotencyHeader] = idempotencyKey
	}

	var out WireRecord
	if err := c.do(ctx, http.MethodPost, c.recordsPath(id.Owner), id.Token, ToWire(f), &out, headers); err != nil {
		return Stored{}, fmt.Errorf("create record: %w", err)
	}
	stored, err := out.Stored()
	if err != nil {
		return Stored{}, fmt.Errorf("create record: %w", err)
	}
	return stored, nil
}

// List implements Client. Records that fail validation are an error: the
// remote store never accepts invalid data, so they indicate a broken peer.
func (c *HTTPClient) List(ctx context.Context, id identity.Identity) ([]Stored, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	var out ListResponse
	if err := c.do(ctx, http.MethodGet, c.recordsPath(id.Owner), id.Token, nil, &out, nil); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	recs := make([]Stored, 0, len(out.Records))
	for _, w := range out.Records {
		s, err := w.Stored()
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		recs = append(recs, s)
	}
	return recs, nil
}

// Update implements Client.
func (c *HTTPClient) Update(ctx context.Context, id identity.Identity, recordID string, f record.Fields) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodPut, c.recordsPath(id.Owner, recordID), id.Token, ToWire(f), nil, nil); err != nil {
		return fmt.Errorf("update record %s: %w", recordID, err)
	}
	return nil
}

// Delete implements Client.
func (c *HTTPClient) Delete(ctx context.Context, id identity.Identity, recordID string) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodDelete, c.recordsPath(id.Owner, recordID), id.Token, nil, nil, nil); err != nil {
		return fmt.Errorf("delete record %s: %w", recordID, err)
	}
	return nil
}

// Ping implements Client.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.base.String()+"/health", "", nil, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, target, token string, body, out any, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", record.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", record.ErrUnreachable, err)
	}
	return nil
}

// statusError maps a response status to the record error kinds.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := http.StatusText(resp.StatusCode)
	var e ErrorResponse
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", msg, record.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, record.ErrNotFound)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("status %d %s: %w", resp.StatusCode, msg, record.ErrUnreachable)
	default:
		return fmt.Errorf("remote rejected request (%d): %s: %w", resp.StatusCode, msg, record.ErrValidation)
	}
}
