// Package remote is the HTTP client for the sync server.
//
// The server exposes two endpoints:
//
//	GET  /sync/pull?last_pulled_at=<ms>&schema_version=<n>
//	POST /sync/push   {"changes": {...}, "last_pulled_at": <ms>}
//
// Pull bodies are checked against a JSON Schema before they are decoded, so
// a malformed payload fails the pull before anything reaches the store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/qri-io/jsonschema"

	"github.com/agrios/offline/internal/protocol"
)

const (
	// DefaultTimeout bounds each request when Config.Timeout is zero.
	DefaultTimeout = 30 * time.Second

	pullPath = "/sync/pull"
	pushPath = "/sync/push"

	maxPullBody  = 64 << 20
	maxErrorBody = 64 << 10
)

// Config holds sync server connection configuration.
type Config struct {
	BaseURL string
	Token   string // sent as a bearer token when set
	Timeout time.Duration

	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to the sync server.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	pullSchema *jsonschema.Schema
}

// New creates a Client for cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("sync base URL is empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid sync base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid sync base URL %q: scheme must be http or https", cfg.BaseURL)
	}

	rs := &jsonschema.Schema{}
	if err := json.Unmarshal([]byte(pullResponseSchema), rs); err != nil {
		return nil, fmt.Errorf("compile pull response schema: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxIdleConns:    4,
				IdleConnTimeout: 30 * time.Second,
			},
		}
	}

	return &Client{
		baseURL:    base,
		token:      cfg.Token,
		httpClient: httpClient,
		pullSchema: rs,
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Pull fetches the changes accepted by the server after lastPulledAt.
func (c *Client) Pull(ctx context.Context, lastPulledAt int64, schemaVersion int) (*protocol.PullResponse, error) {
	q := url.Values{}
	q.Set("last_pulled_at", strconv.FormatInt(lastPulledAt, 10))
	q.Set("schema_version", strconv.Itoa(schemaVersion))

	req, err := c.newRequest(ctx, http.MethodGet, pullPath, q, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newHTTPError(req, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPullBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read pull response: %w", err)
	}
	if len(body) > maxPullBody {
		return nil, &PayloadError{Problems: []string{fmt.Sprintf("body exceeds %d bytes", maxPullBody)}}
	}

	return c.decodePull(ctx, body)
}

// decodePull validates body against the pull response schema, then decodes it.
func (c *Client) decodePull(ctx context.Context, body []byte) (*protocol.PullResponse, error) {
	keyErrs, err := c.pullSchema.ValidateBytes(ctx, body)
	if err != nil {
		return nil, &PayloadError{Err: err}
	}
	if len(keyErrs) > 0 {
		problems := make([]string, 0, len(keyErrs))
		for _, ke := range keyErrs {
			problems = append(problems, ke.Error())
		}
		return nil, &PayloadError{Problems: problems}
	}

	var out protocol.PullResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &PayloadError{Err: err}
	}
	if out.Changes == nil {
		out.Changes = protocol.ChangeSet{}
	}
	return &out, nil
}

// Push uploads changes made since lastPulledAt. A 409 means the server has
// newer changes and the client must pull first.
func (c *Client) Push(ctx context.Context, changes protocol.ChangeSet, lastPulledAt int64) error {
	if changes == nil {
		changes = protocol.ChangeSet{}
	}
	body, err := json.Marshal(protocol.PushRequest{Changes: changes, LastPulledAt: lastPulledAt})
	if err != nil {
		return fmt.Errorf("failed to encode push body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, pushPath, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newHTTPError(req, resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}
