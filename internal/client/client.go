// Package client is the HTTP client for the historian API, used by the
// histql shell and by other programs that talk to historiand.
package client

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

	"github.com/historio/historian/internal/storage"
	"github.com/historio/historian/internal/storage/query"
)

// Client talks to a historiand HTTP endpoint.
type Client struct {
	baseURL string
	hc      *http.Client
}

// New creates a client for the given base URL, e.g. "http://localhost:8086".
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
}

// RotateResult is the server's response to a rotate request.
type RotateResult struct {
	Group   string `json:"group"`
	Path    string `json:"path"`
	Rows    int64  `json:"rows"`
	MinTs   int64  `json:"min_ts"`
	MaxTs   int64  `json:"max_ts"`
	Sealed  bool   `json:"sealed"`
	Message string `json:"message"`
}

// Sample is the wire form of one ingested measurement.
type Sample struct {
	TagID       string  `json:"tag_id"`
	TimestampMs int64   `json:"timestamp_ms"`
	Value       float64 `json:"value"`
	Quality     string  `json:"quality,omitempty"`
}

// IngestResult reports per-sample acceptance.
type IngestResult struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// Query executes a historical query.
func (c *Client) Query(ctx context.Context, req query.Request) (query.Result, error) {
	var res query.Result
	err := c.postJSON(ctx, "/api/v1/query", req, &res)
	return res, err
}

// Ingest sends a batch of samples.
func (c *Client) Ingest(ctx context.Context, samples []Sample) (IngestResult, error) {
	var res IngestResult
	err := c.postJSON(ctx, "/api/v1/samples", map[string]any{"samples": samples}, &res)
	return res, err
}

// Rotate seals a group's active segment.
func (c *Client) Rotate(ctx context.Context, groupID string) (RotateResult, error) {
	var res RotateResult
	err := c.postJSON(ctx, "/api/v1/rotate?group="+url.QueryEscape(groupID), nil, &res)
	return res, err
}

// Stats fetches the server's combined counters.
func (c *Client) Stats(ctx context.Context) (storage.Stats, error) {
	var stats storage.Stats
	err := c.getJSON(ctx, "/api/v1/stats", &stats)
	return stats, err
}

// Health checks the liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	var res map[string]string
	return c.getJSON(ctx, "/healthz", &res)
}

// Export streams a raw range as CSV into w.
func (c *Client) Export(ctx context.Context, w io.Writer, groupID string, tagIDs []string, fromMs, toMs int64) error {
	params := url.Values{}
	params.Set("group", groupID)
	params.Set("tags", strings.Join(tagIDs, ","))
	params.Set("from", strconv.FormatInt(fromMs, 10))
	params.Set("to", strconv.FormatInt(toMs, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/export?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// ============================================================================
// Transport helpers
// ============================================================================

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func decodeError(resp *http.Response) error {
	var apiErr apiError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("%s (%d): %s", apiErr.Error, resp.StatusCode, apiErr.Message)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}
