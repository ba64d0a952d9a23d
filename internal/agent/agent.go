// Package agent contains the lookout orchestrator. It runs scans, persists
// each result as a snapshot, feeds the per-category baseline monitor, and
// supervises the background loops of the daemon: scheduled scans,
// watcher-triggered rescans, the containment sweeper and history pruning.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/lookout/internal/baseline"
	"github.com/tripwire/lookout/internal/config"
	"github.com/tripwire/lookout/internal/containment"
	"github.com/tripwire/lookout/internal/diff"
	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/metrics"
	"github.com/tripwire/lookout/internal/scan"
	"github.com/tripwire/lookout/internal/store"
)

// persistTimeout bounds the write of a cancelled scan's partial snapshot.
const persistTimeout = 10 * time.Second

// WatchEvent is emitted by a watcher when persistence sources changed on
// disk.
type WatchEvent struct {
	// Paths are the changed paths coalesced into this event.
	Paths []string
	// Timestamp is when the event was emitted.
	Timestamp time.Time
}

// Watcher is implemented by filesystem watchers. Implementations must be
// safe for concurrent use.
type Watcher interface {
	// Start begins monitoring. It returns an error if initialisation fails.
	Start(ctx context.Context) error
	// Stop ceases monitoring and blocks until internal goroutines exit.
	Stop()
	// Events returns the event channel. It is closed when the watcher stops.
	Events() <-chan WatchEvent
}

// Scanner runs scans. *scan.Orchestrator implements it.
type Scanner interface {
	RunWithProgress(ctx context.Context, cats []item.Category, progress scan.ProgressFunc) (scan.Result, error)
	Running() bool
}

// SnapshotStore persists scan snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s store.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (store.Snapshot, error)
	LatestSnapshot(ctx context.Context) (store.Snapshot, error)
	ListSnapshots(ctx context.Context, limit int) ([]store.SnapshotSummary, error)
	PruneSnapshots(ctx context.Context, before time.Time, keep int) (int, error)
}

// Publisher receives every recorded scan and its change events.
type Publisher interface {
	PublishScan(snap store.SnapshotSummary, changes []baseline.ChangeHistoryEntry)
}

// pinger is satisfied by both store backends.
type pinger interface {
	Ping(ctx context.Context) error
}

// ScanReport is what one agent scan produced.
type ScanReport struct {
	Snapshot store.Snapshot               `json:"snapshot"`
	Changes  []baseline.ChangeHistoryEntry `json:"changes"`
}

// Agent is the central orchestrator of lookout.
type Agent struct {
	cfg        *config.Config
	logger     *slog.Logger
	scanner    Scanner
	snapshots  SnapshotStore
	monitor    *baseline.Monitor
	controller *containment.Controller
	metrics    *metrics.Metrics
	publisher  Publisher
	watchers   []Watcher
	now        func() time.Time

	startTime time.Time
	cancel    context.CancelFunc

	// scanning spans the whole of Scan: collection, the snapshot write and
	// the baseline comparisons.
	scanning atomic.Bool

	mu       sync.RWMutex
	lastScan *item.ScanStatistics
	running  bool
	wg       sync.WaitGroup
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithWatchers registers watchers whose events trigger rescans.
func WithWatchers(ws ...Watcher) Option {
	return func(a *Agent) {
		a.watchers = append(a.watchers, ws...)
	}
}

// WithController registers the containment controller whose sweeper the
// agent supervises.
func WithController(c *containment.Controller) Option {
	return func(a *Agent) { a.controller = c }
}

// WithMetrics registers the Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithPublisher forwards recorded scans and their changes to p.
func WithPublisher(p Publisher) Option {
	return func(a *Agent) { a.publisher = p }
}

// WithClock injects the time source used for pruning cut-offs.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// New creates an Agent.
func New(cfg *config.Config, logger *slog.Logger, scanner Scanner, snapshots SnapshotStore, monitor *baseline.Monitor, opts ...Option) *Agent {
	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		scanner:   scanner,
		snapshots: snapshots,
		monitor:   monitor,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ---------------------------------------------------------------------------
// Scans and snapshots
// ---------------------------------------------------------------------------

// Scan runs one scan, persists it as a snapshot and compares every category
// whose collector succeeded against its baseline. A failed collector never
// reports its items as removed.
//
// Only one Scan runs at a time; a concurrent call returns
// scan.ErrScanInProgress without touching the store.
//
// A cancelled scan is persisted as a cancelled snapshot but leaves baselines
// untouched; its partial report is returned with the context error.
func (a *Agent) Scan(ctx context.Context, cats []item.Category, progress scan.ProgressFunc) (ScanReport, error) {
	if !a.scanning.CompareAndSwap(false, true) {
		return ScanReport{}, scan.ErrScanInProgress
	}
	defer a.scanning.Store(false)

	res, scanErr := a.scanner.RunWithProgress(ctx, cats, progress)
	if errors.Is(scanErr, scan.ErrScanInProgress) {
		return ScanReport{}, scanErr
	}
	a.metrics.ObserveScan(res)

	pctx := ctx
	if scanErr != nil {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
	}
	if err := a.carryFirstSeen(pctx, res.Items); err != nil {
		return ScanReport{}, errors.Join(scanErr, err)
	}

	snap := store.Snapshot{
		ID:        res.Stats.ID,
		CreatedAt: res.Stats.FinishedAt,
		Stats:     res.Stats,
		Items:     res.Items,
	}
	report := ScanReport{Snapshot: snap}

	if scanErr != nil {
		if err := a.snapshots.SaveSnapshot(pctx, snap); err != nil {
			return report, errors.Join(scanErr, fmt.Errorf("agent: save snapshot: %w", err))
		}
		a.recordScan(res.Stats)
		return report, scanErr
	}

	if err := a.snapshots.SaveSnapshot(ctx, snap); err != nil {
		return report, fmt.Errorf("agent: save snapshot: %w", err)
	}
	a.recordScan(res.Stats)

	var errs []error
	for _, cat := range comparableCategories(res.Stats) {
		entries, err := a.monitor.CompareAndRecord(ctx, cat, res.Items)
		if err != nil {
			errs = append(errs, fmt.Errorf("agent: compare %s: %w", cat, err))
			continue
		}
		report.Changes = append(report.Changes, entries...)
	}
	a.metrics.ObserveChanges(report.Changes)
	if a.publisher != nil {
		a.publisher.PublishScan(snap.Summary(), report.Changes)
	}

	a.logger.Info("agent: scan recorded",
		slog.String("snapshot_id", snap.ID),
		slog.Int("items", len(snap.Items)),
		slog.Int("changes", len(report.Changes)),
		slog.Int("collector_errors", len(res.Stats.Errors)),
	)
	return report, errors.Join(errs...)
}

// carryFirstSeen sets each item's DiscoveredAt to the earliest time it was
// recorded in the latest snapshot or in its category baseline.
func (a *Agent) carryFirstSeen(ctx context.Context, items []item.PersistenceItem) error {
	seen := make(map[item.Key]time.Time)
	note := func(known []item.PersistenceItem) {
		for _, it := range known {
			if it.DiscoveredAt.IsZero() {
				continue
			}
			if t, ok := seen[it.Key()]; !ok || it.DiscoveredAt.Before(t) {
				seen[it.Key()] = it.DiscoveredAt
			}
		}
	}

	latest, err := a.snapshots.LatestSnapshot(ctx)
	switch {
	case err == nil:
		note(latest.Items)
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("agent: load latest snapshot: %w", err)
	}

	cats := make(map[item.Category]bool)
	for _, it := range items {
		cats[it.Category] = true
	}
	for _, cat := range item.AllCategories {
		if !cats[cat] {
			continue
		}
		base, _, err := a.monitor.Baseline(ctx, cat)
		if err != nil {
			return fmt.Errorf("agent: load baseline %s: %w", cat, err)
		}
		note(base)
	}

	for i := range items {
		t, ok := seen[items[i].Key()]
		if ok && (items[i].DiscoveredAt.IsZero() || t.Before(items[i].DiscoveredAt)) {
			items[i].DiscoveredAt = t
		}
	}
	return nil
}

// comparableCategories lists the categories that ran and did not fail, in
// category order.
func comparableCategories(st item.ScanStatistics) []item.Category {
	var out []item.Category
	for _, cat := range item.AllCategories {
		if _, ran := st.ItemCounts[cat]; ran && !st.Failed(cat) {
			out = append(out, cat)
		}
	}
	return out
}

func (a *Agent) recordScan(st item.ScanStatistics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastScan = &st
}

// Snapshot returns the stored snapshot with the given id.
func (a *Agent) Snapshot(ctx context.Context, id string) (store.Snapshot, error) {
	s, err := a.snapshots.GetSnapshot(ctx, id)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("agent: get snapshot %s: %w", id, err)
	}
	return s, nil
}

// Snapshots lists stored snapshots, newest first. limit <= 0 lists all.
func (a *Agent) Snapshots(ctx context.Context, limit int) ([]store.SnapshotSummary, error) {
	out, err := a.snapshots.ListSnapshots(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("agent: list snapshots: %w", err)
	}
	return out, nil
}

// DiffSnapshots compares two stored snapshots. An empty toID selects the
// latest snapshot.
func (a *Agent) DiffSnapshots(ctx context.Context, fromID, toID string) (diff.SnapshotDiff, error) {
	from, err := a.snapshots.GetSnapshot(ctx, fromID)
	if err != nil {
		return diff.SnapshotDiff{}, fmt.Errorf("agent: get snapshot %s: %w", fromID, err)
	}
	var to store.Snapshot
	if toID == "" {
		to, err = a.snapshots.LatestSnapshot(ctx)
	} else {
		to, err = a.snapshots.GetSnapshot(ctx, toID)
	}
	if err != nil {
		return diff.SnapshotDiff{}, fmt.Errorf("agent: get snapshot %s: %w", toID, err)
	}
	return diff.Compare(from.Items, to.Items), nil
}

// FindItem looks key up in the latest snapshot, falling back to the
// category baseline. It returns store.ErrNotFound when neither has it.
func (a *Agent) FindItem(ctx context.Context, key item.Key) (item.PersistenceItem, error) {
	latest, err := a.snapshots.LatestSnapshot(ctx)
	switch {
	case err == nil:
		for _, it := range latest.Items {
			if it.Key() == key {
				return it, nil
			}
		}
	case !errors.Is(err, store.ErrNotFound):
		return item.PersistenceItem{}, fmt.Errorf("agent: find %s: %w", key, err)
	}

	base, _, err := a.monitor.Baseline(ctx, key.Category)
	if err != nil {
		return item.PersistenceItem{}, fmt.Errorf("agent: find %s: %w", key, err)
	}
	for _, it := range base {
		if it.Key() == key {
			return it, nil
		}
	}
	return item.PersistenceItem{}, fmt.Errorf("agent: find %s: %w", key, store.ErrNotFound)
}

// Prune removes change history and snapshots older than the configured
// retention, keeping the newest snapshots configured in history.keep_snapshots.
func (a *Agent) Prune(ctx context.Context) (changes, snapshots int, err error) {
	retention := a.cfg.History.Retention
	changes, err = a.monitor.Prune(ctx, retention)
	if err != nil {
		return 0, 0, fmt.Errorf("agent: prune: %w", err)
	}
	snapshots, err = a.snapshots.PruneSnapshots(ctx, a.now().Add(-retention), a.cfg.History.KeepSnapshots)
	if err != nil {
		return changes, 0, fmt.Errorf("agent: prune snapshots: %w", err)
	}
	if snapshots > 0 {
		a.logger.Info("agent: pruned snapshots", slog.Int("removed", snapshots))
	}
	return changes, snapshots, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start starts the watchers and the background loops. It returns a non-nil
// error if any watcher fails to initialise. The loops run until Stop is
// called or ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting lookout agent",
		slog.String("log_level", a.cfg.LogLevel),
		slog.String("store", a.cfg.Store.Driver),
		slog.Duration("scan_interval", a.cfg.Scan.Interval),
		slog.Int("num_watchers", len(a.watchers)),
	)

	for i, w := range a.watchers {
		if err := w.Start(ctx); err != nil {
			cancel()
			for _, started := range a.watchers[:i] {
				started.Stop()
			}
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			return fmt.Errorf("agent: watcher[%d] failed to start: %w", i, err)
		}
		a.wg.Add(1)
		go a.processEvents(ctx, w)
	}

	if a.controller != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.controller.Run(ctx)
		}()
	}

	if a.cfg.Scan.Interval > 0 {
		a.wg.Add(1)
		go a.every(ctx, a.cfg.Scan.Interval, true, a.scheduledScan)
	}
	if a.cfg.History.PruneInterval > 0 {
		a.wg.Add(1)
		go a.every(ctx, a.cfg.History.PruneInterval, false, a.scheduledPrune)
	}

	a.logger.Info("lookout agent started")
	return nil
}

// Stop signals all components to shut down and waits for internal goroutines
// to exit. It is safe to call Stop multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	for _, w := range a.watchers {
		w.Stop()
	}
	a.wg.Wait()

	a.logger.Info("lookout agent stopped")
}

// every runs fn on a ticker until ctx is done, optionally once at start.
func (a *Agent) every(ctx context.Context, interval time.Duration, immediate bool, fn func(context.Context)) {
	defer a.wg.Done()
	if immediate {
		fn(ctx)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}

func (a *Agent) scheduledScan(ctx context.Context) {
	a.backgroundScan(ctx, "schedule")
}

func (a *Agent) scheduledPrune(ctx context.Context) {
	if _, _, err := a.Prune(ctx); err != nil && ctx.Err() == nil {
		a.logger.Warn("agent: scheduled prune failed", slog.Any("error", err))
	}
}

// processEvents triggers a rescan for every event from w. It exits when the
// watcher's event channel is closed or ctx is cancelled.
func (a *Agent) processEvents(ctx context.Context, w Watcher) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-w.Events():
			if !ok {
				return
			}
			a.logger.Info("agent: persistence sources changed",
				slog.Int("paths", len(evt.Paths)),
				slog.Time("at", evt.Timestamp),
			)
			a.metrics.WatchTriggered()
			a.backgroundScan(ctx, "watch")
		}
	}
}

// backgroundScan runs a scan whose errors are logged rather than returned.
func (a *Agent) backgroundScan(ctx context.Context, trigger string) {
	_, err := a.Scan(ctx, a.cfg.ScanCategories(), nil)
	switch {
	case err == nil:
	case errors.Is(err, scan.ErrScanInProgress):
		a.logger.Debug("agent: scan already running, trigger skipped", slog.String("trigger", trigger))
	case ctx.Err() != nil:
	default:
		a.logger.Warn("agent: background scan failed",
			slog.String("trigger", trigger),
			slog.Any("error", err),
		)
	}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status       string  `json:"status"`
	UptimeS      float64 `json:"uptime_s"`
	ScanRunning  bool    `json:"scan_running"`
	LastScanID   string  `json:"last_scan_id,omitempty"`
	LastScanAt   string  `json:"last_scan_at,omitempty"`
	LastScanErrs int     `json:"last_scan_errors"`
	StoreError   string  `json:"store_error,omitempty"`
}

// Health returns a snapshot of the current agent health state. The status
// is "degraded" when the store does not answer a ping.
func (a *Agent) Health(ctx context.Context) HealthStatus {
	a.mu.RLock()
	h := HealthStatus{
		Status:      "ok",
		ScanRunning: a.scanning.Load() || a.scanner.Running(),
	}
	if !a.startTime.IsZero() {
		h.UptimeS = time.Since(a.startTime).Seconds()
	}
	if a.lastScan != nil {
		h.LastScanID = a.lastScan.ID
		h.LastScanAt = a.lastScan.FinishedAt.UTC().Format(time.RFC3339)
		h.LastScanErrs = len(a.lastScan.Errors)
	}
	a.mu.RUnlock()

	if p, ok := a.snapshots.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			h.Status = "degraded"
			h.StoreError = err.Error()
		}
	}
	return h
}

// HealthzHandler responds with the agent's health status as JSON: HTTP 200
// when healthy and 503 when degraded.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health(r.Context())
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
