package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yairfalse/vigil/internal/api"
	"github.com/yairfalse/vigil/internal/processors"
)

// Client talks to a running daemon's HTTP API
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for server, a host:port or URL
func NewClient(server string) *Client {
	if server == "" {
		server = DefaultServer
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	return &Client{
		baseURL: strings.TrimRight(server, "/"),
		// no overall timeout, streams are long-lived; requests carry contexts
		http: &http.Client{},
	}
}

// Status fetches GET /status
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var status api.StatusResponse
	if err := c.getJSON(ctx, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Query fetches GET /events
func (c *Client) Query(ctx context.Context, params url.Values) (*api.QueryResponse, error) {
	var resp api.QueryResponse
	if err := c.getJSON(ctx, "/events", params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stream reads GET /events/stream and calls fn for every line until the
// stream ends, ctx is cancelled or fn fails
func (c *Client) Stream(ctx context.Context, params url.Values, fn func(line []byte) error) error {
	resp, err := c.get(ctx, "/events/stream", params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := c.get(ctx, path, params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// Rules fetches the daemon's active rules from GET /rules
func (c *Client) Rules(ctx context.Context) ([]processors.Rule, error) {
	var resp api.RulesResponse
	if err := c.getJSON(ctx, "/rules", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rules, nil
}

// LoadRules sends a YAML rules document to POST /rules
func (c *Client) LoadRules(ctx context.Context, document []byte, dryRun bool) (*api.LoadRulesResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	params := url.Values{}
	if dryRun {
		params.Set("dry_run", "true")
	}
	resp, err := c.do(ctx, http.MethodPost, "/rules", params, bytes.NewReader(document))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out api.LoadRulesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode /rules response: %w", err)
	}
	return &out, nil
}

// Shutdown asks the daemon to stop through POST /shutdown
func (c *Client) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, "/shutdown", nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, params, nil)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body io.Reader) (*http.Response, error) {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/yaml")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach vigil daemon at %s: %w", c.baseURL, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		defer resp.Body.Close()
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	return resp, nil
}
