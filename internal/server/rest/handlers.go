package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/lookout/internal/audit"
	"github.com/tripwire/lookout/internal/baseline"
	"github.com/tripwire/lookout/internal/containment"
	"github.com/tripwire/lookout/internal/diff"
	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/scan"
	"github.com/tripwire/lookout/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodyBytes     = 1 << 20
)

// writeError writes an HTTP error response with a JSON body containing an
// "error" field. It is a thin wrapper around writeJSONError for use in handler
// functions.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	engine    Engine
	changes   ChangeMonitor
	contain   Containment
	auditPath string
	metrics   http.Handler
	events    http.Handler
	logger    *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuditLog enables GET /api/v1/audit over the log at path.
func WithAuditLog(path string) ServerOption {
	return func(s *Server) { s.auditPath = path }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// WithEventStream mounts h at /api/v1/events.
func WithEventStream(h http.Handler) ServerOption {
	return func(s *Server) { s.events = h }
}

// WithLogger sets the logger used for internal errors.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new Server. contain may be nil, in which case the
// containment routes answer 503.
func NewServer(engine Engine, changes ChangeMonitor, contain Containment, opts ...ServerOption) *Server {
	s := &Server{engine: engine, changes: changes, contain: contain, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// fail maps a service error to a status code. Unknown errors are logged and
// reported as 500 without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, baseline.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, scan.ErrScanInProgress):
		writeError(w, http.StatusConflict, "a scan is already in progress")
	case errors.Is(err, containment.ErrNotContained):
		writeError(w, http.StatusConflict, "item is not contained")
	case errors.Is(err, containment.ErrExpired):
		writeError(w, http.StatusGone, "containment has expired; release or contain again")
	default:
		s.logger.Error("rest: request failed",
			slog.String("op", op),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// queryLimit parses the optional "limit" parameter, clamped to maxListLimit.
func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("'limit' must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// ─── Scans and snapshots ─────────────────────────────────────────────────────

// ScanRequest is the body of POST /api/v1/scans.
type ScanRequest struct {
	Categories []string `json:"categories"`
}

// handleScan responds to POST /api/v1/scans. It runs a scan synchronously
// and returns the stored snapshot with the changes it produced. An empty
// body scans every registered category.
//
// Returns 409 when another scan is running. Per-category collector failures
// are part of the snapshot statistics, not request errors.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	var cats []item.Category
	for _, name := range req.Categories {
		c, err := item.ParseCategory(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		cats = append(cats, c)
	}

	report, err := s.engine.Scan(r.Context(), cats, nil)
	if err != nil && report.Snapshot.ID == "" {
		s.fail(w, r, "run scan", err)
		return
	}
	if err != nil {
		// The snapshot was stored; some baseline comparisons failed.
		s.logger.Warn("rest: scan completed with errors", slog.Any("error", err))
	}
	if report.Changes == nil {
		report.Changes = []baseline.ChangeHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, report)
}

// handleListSnapshots responds to GET /api/v1/snapshots, newest first.
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snaps, err := s.engine.Snapshots(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "list snapshots", err)
		return
	}
	if snaps == nil {
		snaps = []store.SnapshotSummary{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// handleGetSnapshot responds to GET /api/v1/snapshots/{id}.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "get snapshot", err)
		return
	}
	if snap.Items == nil {
		snap.Items = []item.PersistenceItem{}
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleDiff responds to GET /api/v1/diff?from=ID[&to=ID]. An omitted "to"
// compares against the latest snapshot.
func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	if from == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'from' is required")
		return
	}
	d, err := s.engine.DiffSnapshots(r.Context(), from, r.URL.Query().Get("to"))
	if err != nil {
		s.fail(w, r, "diff snapshots", err)
		return
	}
	if d.Added == nil {
		d.Added = []item.PersistenceItem{}
	}
	if d.Removed == nil {
		d.Removed = []item.PersistenceItem{}
	}
	if d.Changed == nil {
		d.Changed = []diff.ItemChange{}
	}
	writeJSON(w, http.StatusOK, d)
}

// handlePrune responds to POST /api/v1/prune by applying the retention
// policy immediately.
func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	changes, snaps, err := s.engine.Prune(r.Context())
	if err != nil {
		s.fail(w, r, "prune history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"changes": changes, "snapshots": snaps})
}

// ─── Change history ──────────────────────────────────────────────────────────

// handleListChanges responds to GET /api/v1/changes.
//
// Supported query parameters:
//
//	category       – exact category (optional)
//	identifier     – exact item identifier (optional)
//	since          – RFC3339 lower bound on detected_at (optional)
//	min_relevance  – minimum relevance score 0-100 (optional)
//	unacknowledged – "true" to hide acknowledged entries (optional)
//	limit          – maximum number of results (default 100, max 1000)
func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var hq baseline.HistoryQuery

	if v := q.Get("category"); v != "" {
		c, err := item.ParseCategory(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		hq.Category = c
	}
	hq.Identifier = q.Get("identifier")

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'since' must be a valid RFC3339 timestamp")
			return
		}
		hq.Since = t
	}
	if v := q.Get("min_relevance"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "'min_relevance' must be an integer between 0 and 100")
			return
		}
		hq.MinRelevance = n
	}
	if v := q.Get("unacknowledged"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'unacknowledged' must be a boolean")
			return
		}
		hq.UnacknowledgedOnly = b
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hq.Limit = limit

	entries, err := s.changes.History(r.Context(), hq)
	if err != nil {
		s.fail(w, r, "query change history", err)
		return
	}
	if entries == nil {
		entries = []baseline.ChangeHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleAckChange responds to POST /api/v1/changes/{id}/ack.
func (s *Server) handleAckChange(w http.ResponseWriter, r *http.Request) {
	if err := s.changes.Acknowledge(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, "acknowledge change", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAckAll responds to POST /api/v1/changes/ack.
func (s *Server) handleAckAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.changes.AcknowledgeAll(r.Context())
	if err != nil {
		s.fail(w, r, "acknowledge changes", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"acknowledged": n})
}

// handleResetBaseline responds to DELETE /api/v1/baselines/{category}. The
// next scan of the category establishes a fresh baseline.
func (s *Server) handleResetBaseline(w http.ResponseWriter, r *http.Request) {
	c, err := item.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.changes.Reset(r.Context(), c); err != nil {
		s.fail(w, r, "reset baseline", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Containment ─────────────────────────────────────────────────────────────

// ContainRequest is the body of the POST /api/v1/containment routes.
type ContainRequest struct {
	Category   string `json:"category"`
	Identifier string `json:"identifier"`
	// Duration applies to extend only, e.g. "30m". Empty means the TTL.
	Duration string `json:"duration,omitempty"`
}

func (s *Server) containmentEnabled(w http.ResponseWriter) bool {
	if s.contain == nil {
		writeError(w, http.StatusServiceUnavailable, "containment is not enabled")
		return false
	}
	return true
}

// parseKey reads and validates the item key from the request body.
func parseKey(w http.ResponseWriter, r *http.Request) (item.Key, ContainRequest, bool) {
	var req ContainRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return item.Key{}, req, false
	}
	c, err := item.ParseCategory(req.Category)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return item.Key{}, req, false
	}
	if req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "'identifier' is required")
		return item.Key{}, req, false
	}
	return item.Key{Category: c, Identifier: req.Identifier}, req, true
}

type applyFunc func(*Server, *http.Request, item.PersistenceItem) (containment.Result, error)

// handleApply returns a handler that looks the item up in the latest scan
// data and applies fn to it. Items lookout has never seen answer 404.
func (s *Server) handleApply(op string, fn applyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.containmentEnabled(w) {
			return
		}
		key, _, ok := parseKey(w, r)
		if !ok {
			return
		}
		it, err := s.engine.FindItem(r.Context(), key)
		if err != nil {
			s.fail(w, r, "find item", err)
			return
		}
		res, err := fn(s, r, it)
		if err != nil {
			s.fail(w, r, op, err)
			return
		}
		writeResult(w, res)
	}
}

func applyContain(s *Server, r *http.Request, it item.PersistenceItem) (containment.Result, error) {
	return s.contain.Contain(r.Context(), it)
}

func applyDisable(s *Server, r *http.Request, it item.PersistenceItem) (containment.Result, error) {
	return s.contain.DisablePersistence(r.Context(), it)
}

func applyBlock(s *Server, r *http.Request, it item.PersistenceItem) (containment.Result, error) {
	return s.contain.BlockNetwork(r.Context(), it)
}

// handleExtend responds to POST /api/v1/containment/extend. Only the key is
// needed; the controller reads the episode from its own records.
func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	if !s.containmentEnabled(w) {
		return
	}
	key, req, ok := parseKey(w, r)
	if !ok {
		return
	}
	var by time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "'duration' must be a positive Go duration such as 30m")
			return
		}
		by = d
	}
	res, err := s.contain.ExtendTimeout(r.Context(), keyItem(key), by)
	if err != nil {
		s.fail(w, r, "extend containment", err)
		return
	}
	writeResult(w, res)
}

// handleRelease responds to POST /api/v1/containment/release. Releasing an
// uncontained item succeeds with no actions.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if !s.containmentEnabled(w) {
		return
	}
	key, _, ok := parseKey(w, r)
	if !ok {
		return
	}
	res, err := s.contain.Release(r.Context(), keyItem(key))
	if err != nil {
		s.fail(w, r, "release containment", err)
		return
	}
	writeResult(w, res)
}

// handleContainmentState responds to
// GET /api/v1/containment/state?category=&identifier= with the derived state
// and the item's full action history.
func (s *Server) handleContainmentState(w http.ResponseWriter, r *http.Request) {
	if !s.containmentEnabled(w) {
		return
	}
	q := r.URL.Query()
	c, err := item.ParseCategory(q.Get("category"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := q.Get("identifier")
	if id == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'identifier' is required")
		return
	}
	key := item.Key{Category: c, Identifier: id}

	res, err := s.contain.State(r.Context(), key)
	if err != nil {
		s.fail(w, r, "read containment state", err)
		return
	}
	hist, err := s.contain.History(r.Context(), key)
	if err != nil {
		s.fail(w, r, "read containment history", err)
		return
	}
	if hist == nil {
		hist = []containment.Action{}
	}
	res.Actions = hist
	writeJSON(w, http.StatusOK, res)
}

// handleRecentActions responds to GET /api/v1/containment/actions, newest
// first.
func (s *Server) handleRecentActions(w http.ResponseWriter, r *http.Request) {
	if !s.containmentEnabled(w) {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acts, err := s.contain.Recent(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "list containment actions", err)
		return
	}
	if acts == nil {
		acts = []containment.Action{}
	}
	writeJSON(w, http.StatusOK, acts)
}

// handleNetworkRules responds to GET /api/v1/containment/rules.
func (s *Server) handleNetworkRules(w http.ResponseWriter, r *http.Request) {
	if !s.containmentEnabled(w) {
		return
	}
	rules, err := s.contain.NetworkRules(r.Context())
	if err != nil {
		s.fail(w, r, "list network rules", err)
		return
	}
	if rules == nil {
		rules = []containment.NetworkRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func keyItem(k item.Key) item.PersistenceItem {
	return item.PersistenceItem{Category: k.Category, Identifier: k.Identifier}
}

func writeResult(w http.ResponseWriter, res containment.Result) {
	if res.Actions == nil {
		res.Actions = []containment.Action{}
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Audit ───────────────────────────────────────────────────────────────────

// AuditTail is the body of GET /api/v1/audit.
type AuditTail struct {
	Verified bool          `json:"verified"`
	Error    string        `json:"error,omitempty"`
	Entries  []audit.Entry `json:"entries"`
}

// handleGetAudit responds to GET /api/v1/audit. It verifies the hash chain
// and returns the newest entries. A broken chain is reported with
// verified=false and no entries.
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditPath == "" {
		writeError(w, http.StatusServiceUnavailable, "audit log is not enabled")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, verr := audit.Verify(s.auditPath)
	resp := AuditTail{Verified: verr == nil}
	if verr != nil {
		resp.Error = verr.Error()
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	resp.Entries = entries
	writeJSON(w, http.StatusOK, resp)
}
