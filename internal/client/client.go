// Package client is a typed HTTP client for the lookoutd REST API.
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

	"github.com/gorilla/websocket"

	"github.com/tripwire/lookout/internal/agent"
	"github.com/tripwire/lookout/internal/baseline"
	"github.com/tripwire/lookout/internal/containment"
	"github.com/tripwire/lookout/internal/diff"
	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/server/rest"
	"github.com/tripwire/lookout/internal/server/stream"
	"github.com/tripwire/lookout/internal/store"
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lookoutd: %s (HTTP %d)", e.Message, e.Status)
}

// Client talks to one lookoutd instance.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New returns a Client for the daemon at baseURL, e.g.
// "http://127.0.0.1:9400". A bare host:port is accepted.
func New(baseURL string, opts ...Option) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		// Scans are answered synchronously.
		http: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s response: %w", path, err)
	}
	return nil
}

// Health returns the daemon's health. A degraded daemon answers 503, which
// is reported as an *APIError.
func (c *Client) Health(ctx context.Context) (agent.HealthStatus, error) {
	var h agent.HealthStatus
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &h)
	return h, err
}

// Scan runs a scan of cats, or of every registered category when empty.
func (c *Client) Scan(ctx context.Context, cats []item.Category) (agent.ScanReport, error) {
	req := rest.ScanRequest{}
	for _, cat := range cats {
		req.Categories = append(req.Categories, string(cat))
	}
	var r agent.ScanReport
	err := c.do(ctx, http.MethodPost, "/api/v1/scans", nil, req, &r)
	return r, err
}

// Snapshots lists up to limit snapshots, newest first.
func (c *Client) Snapshots(ctx context.Context, limit int) ([]store.SnapshotSummary, error) {
	var out []store.SnapshotSummary
	err := c.do(ctx, http.MethodGet, "/api/v1/snapshots", limitQuery(limit), nil, &out)
	return out, err
}

// Snapshot returns one snapshot with its items.
func (c *Client) Snapshot(ctx context.Context, id string) (store.Snapshot, error) {
	var s store.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/snapshots/"+url.PathEscape(id), nil, nil, &s)
	return s, err
}

// Diff compares two snapshots; an empty to means the latest.
func (c *Client) Diff(ctx context.Context, from, to string) (diff.SnapshotDiff, error) {
	q := url.Values{"from": {from}}
	if to != "" {
		q.Set("to", to)
	}
	var d diff.SnapshotDiff
	err := c.do(ctx, http.MethodGet, "/api/v1/diff", q, nil, &d)
	return d, err
}

// Prune applies the retention policy now.
func (c *Client) Prune(ctx context.Context) (changes, snapshots int, err error) {
	var out map[string]int
	if err := c.do(ctx, http.MethodPost, "/api/v1/prune", nil, nil, &out); err != nil {
		return 0, 0, err
	}
	return out["changes"], out["snapshots"], nil
}

// Changes queries the change history.
func (c *Client) Changes(ctx context.Context, q baseline.HistoryQuery) ([]baseline.ChangeHistoryEntry, error) {
	v := limitQuery(q.Limit)
	if q.Category != "" {
		v.Set("category", string(q.Category))
	}
	if q.Identifier != "" {
		v.Set("identifier", q.Identifier)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.MinRelevance > 0 {
		v.Set("min_relevance", strconv.Itoa(q.MinRelevance))
	}
	if q.UnacknowledgedOnly {
		v.Set("unacknowledged", "true")
	}
	var out []baseline.ChangeHistoryEntry
	err := c.do(ctx, http.MethodGet, "/api/v1/changes", v, nil, &out)
	return out, err
}

// Acknowledge marks one change as seen.
func (c *Client) Acknowledge(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/changes/"+url.PathEscape(id)+"/ack", nil, nil, nil)
}

// AcknowledgeAll marks every change as seen and returns how many changed.
func (c *Client) AcknowledgeAll(ctx context.Context) (int, error) {
	var out map[string]int
	if err := c.do(ctx, http.MethodPost, "/api/v1/changes/ack", nil, nil, &out); err != nil {
		return 0, err
	}
	return out["acknowledged"], nil
}

// ResetBaseline discards the stored baseline of cat.
func (c *Client) ResetBaseline(ctx context.Context, cat item.Category) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/baselines/"+url.PathEscape(string(cat)), nil, nil, nil)
}

// Containment operations accepted by Apply.
const (
	OpContain = "contain"
	OpDisable = "disable"
	OpBlock   = "block"
	OpRelease = "release"
)

// Apply runs a containment operation on the item with key.
func (c *Client) Apply(ctx context.Context, op string, key item.Key) (containment.Result, error) {
	var r containment.Result
	err := c.do(ctx, http.MethodPost, "/api/v1/containment/"+op, nil, containRequest(key, 0), &r)
	return r, err
}

// Extend pushes out the expiry of an active containment. A zero by uses the
// daemon's TTL.
func (c *Client) Extend(ctx context.Context, key item.Key, by time.Duration) (containment.Result, error) {
	var r containment.Result
	err := c.do(ctx, http.MethodPost, "/api/v1/containment/extend", nil, containRequest(key, by), &r)
	return r, err
}

// State returns the containment state and history of one item.
func (c *Client) State(ctx context.Context, key item.Key) (containment.Result, error) {
	q := url.Values{"category": {string(key.Category)}, "identifier": {key.Identifier}}
	var r containment.Result
	err := c.do(ctx, http.MethodGet, "/api/v1/containment/state", q, nil, &r)
	return r, err
}

// Actions lists recent containment actions, newest first.
func (c *Client) Actions(ctx context.Context, limit int) ([]containment.Action, error) {
	var out []containment.Action
	err := c.do(ctx, http.MethodGet, "/api/v1/containment/actions", limitQuery(limit), nil, &out)
	return out, err
}

// Rules lists the installed network rules.
func (c *Client) Rules(ctx context.Context) ([]containment.NetworkRule, error) {
	var out []containment.NetworkRule
	err := c.do(ctx, http.MethodGet, "/api/v1/containment/rules", nil, nil, &out)
	return out, err
}

// Audit verifies the daemon's audit log and returns its newest entries.
func (c *Client) Audit(ctx context.Context, limit int) (rest.AuditTail, error) {
	var out rest.AuditTail
	err := c.do(ctx, http.MethodGet, "/api/v1/audit", limitQuery(limit), nil, &out)
	return out, err
}

// Watch subscribes to the daemon's event stream and calls fn for each event
// until ctx is done, the daemon closes the stream, or fn returns an error.
// A stream ended by ctx or by the daemon returns nil.
func (c *Client) Watch(ctx context.Context, fn func(stream.Event) error) error {
	u := "ws" + strings.TrimPrefix(c.base, "http") + "/api/v1/events"
	hdr := http.Header{}
	if c.token != "" {
		hdr.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, hdr)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			var e struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&e)
			if e.Error == "" {
				e.Error = http.StatusText(resp.StatusCode)
			}
			return &APIError{Status: resp.StatusCode, Message: e.Error}
		}
		return fmt.Errorf("client: dial event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev stream.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("client: read event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func containRequest(key item.Key, by time.Duration) rest.ContainRequest {
	req := rest.ContainRequest{Category: string(key.Category), Identifier: key.Identifier}
	if by > 0 {
		req.Duration = by.String()
	}
	return req
}

func limitQuery(limit int) url.Values {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	return v
}
