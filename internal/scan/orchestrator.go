// Package scan runs a full persistence scan: every selected collector runs
// concurrently, the collected items are trust-classified (first-party items
// on a fast path, the rest through a Verifier), and every item is then risk
// scored.
//
// Collectors and verifiers are untrusted with respect to time and panics.
// Each call runs on its own goroutine with a timeout; a call that overruns is
// abandoned and recorded as an error, and the scan carries on. Cancelling a
// run stops new calls from starting but leaves calls already in flight to
// their own deadline.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tripwire/lookout/internal/collector"
	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/risk"
	"github.com/tripwire/lookout/internal/trust"
)

const (
	DefaultConcurrency      = 4
	DefaultCollectorTimeout = 30 * time.Second
	DefaultVerifyTimeout    = 10 * time.Second
)

// ErrScanInProgress is returned by Run while another run is in flight.
var ErrScanInProgress = errors.New("scan: a scan is already in progress")

// Phase names the stage a Progress report belongs to.
type Phase string

const (
	PhaseCollect Phase = "collect"
	PhaseVerify  Phase = "verify"
	PhaseDone    Phase = "done"
)

// Progress is one progress report. Fraction covers the whole run: the
// collect phase maps to [0, 0.5] and the verify phase to [0.5, 1].
type Progress struct {
	Phase     Phase   `json:"phase"`
	Fraction  float64 `json:"fraction"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
}

// ProgressFunc receives progress reports. Calls are serialised and the
// reported fractions never decrease.
type ProgressFunc func(Progress)

// Result is the outcome of one run.
type Result struct {
	Items []item.PersistenceItem `json:"items"`
	Stats item.ScanStatistics    `json:"stats"`
}

// Orchestrator runs scans. It is safe for concurrent use, but only one scan
// runs at a time.
type Orchestrator struct {
	registry   *collector.Registry
	classifier *trust.Classifier
	verifier   trust.Verifier
	scorer     *risk.Scorer
	logger     *slog.Logger

	concurrency      int
	collectorTimeout time.Duration
	verifyTimeout    time.Duration
	now              func() time.Time
	newID            func() string

	running atomic.Bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClassifier replaces the default first-party classifier.
func WithClassifier(c *trust.Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithScorer replaces the default risk scorer.
func WithScorer(s *risk.Scorer) Option {
	return func(o *Orchestrator) { o.scorer = s }
}

// WithConcurrency bounds how many collectors or verifications run at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithCollectorTimeout sets the per-collector deadline.
func WithCollectorTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.collectorTimeout = d
		}
	}
}

// WithVerifyTimeout sets the per-item verification deadline.
func WithVerifyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.verifyTimeout = d
		}
	}
}

// WithClock injects the time source used for scan statistics.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator injects the scan ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// New returns an Orchestrator over the collectors in reg.
func New(reg *collector.Registry, verifier trust.Verifier, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		registry:         reg,
		verifier:         verifier,
		logger:           logger,
		concurrency:      DefaultConcurrency,
		collectorTimeout: DefaultCollectorTimeout,
		verifyTimeout:    DefaultVerifyTimeout,
		now:              func() time.Time { return time.Now().UTC() },
		newID:            uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.classifier == nil {
		o.classifier = trust.NewClassifier(nil, nil)
	}
	if o.scorer == nil {
		o.scorer = risk.New(risk.WithClock(o.now))
	}
	return o
}

// Running reports whether a scan is in flight.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Categories lists the categories the orchestrator can scan.
func (o *Orchestrator) Categories() []item.Category {
	return o.registry.Categories()
}

// Run scans cats, or every registered category when cats is empty.
func (o *Orchestrator) Run(ctx context.Context, cats []item.Category) (Result, error) {
	return o.RunWithProgress(ctx, cats, nil)
}

// RunWithProgress is Run with progress reporting. When ctx is cancelled the
// in-flight units finish within their per-call timeout, the remaining ones
// are skipped, and the partial result is returned together with ctx.Err().
func (o *Orchestrator) RunWithProgress(ctx context.Context, cats []item.Category, progress ProgressFunc) (Result, error) {
	if !o.running.CompareAndSwap(false, true) {
		return Result{}, ErrScanInProgress
	}
	defer o.running.Store(false)

	stats := item.NewScanStatistics(o.newID(), o.now())
	rep := &reporter{fn: progress}

	collectors, missing := o.registry.Select(cats)
	for _, c := range missing {
		stats.Errors[c] = "no collector registered"
	}

	collected := o.collect(ctx, collectors, &stats, rep)
	items := o.verify(ctx, collected, &stats, rep)
	o.scorer.Apply(items)

	stats.FinishedAt = o.now()
	if err := ctx.Err(); err != nil {
		stats.Cancelled = true
		o.logger.Warn("scan cancelled",
			"scan_id", stats.ID,
			"items", len(items),
			"error", err,
		)
		return Result{Items: items, Stats: stats}, err
	}
	rep.done()

	o.logger.Info("scan finished",
		"scan_id", stats.ID,
		"items", len(items),
		"fast_path", stats.FastPathCount,
		"verified", stats.VerifiedCount,
		"verification_failures", stats.VerificationFailures,
		"collector_errors", len(stats.Errors),
		"duration", stats.Duration(),
	)
	return Result{Items: items, Stats: stats}, nil
}

// ---------------------------------------------------------------------------
// Collect phase
// ---------------------------------------------------------------------------

func (o *Orchestrator) collect(ctx context.Context, collectors []collector.Collector, stats *item.ScanStatistics, rep *reporter) []item.PersistenceItem {
	var (
		mu        sync.Mutex
		results   = make([][]item.PersistenceItem, len(collectors))
		completed int
	)
	rep.report(PhaseCollect, 0, len(collectors))

	record := func(i int, cat item.Category, items []item.PersistenceItem, err error) {
		mu.Lock()
		defer mu.Unlock()
		results[i] = items
		stats.ItemCounts[cat] = len(items)
		if err != nil {
			stats.Errors[cat] = err.Error()
		}
		completed++
		rep.report(PhaseCollect, completed, len(collectors))
	}

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, c := range collectors {
		if err := ctx.Err(); err != nil {
			record(i, c.Category(), nil, fmt.Errorf("skipped: %w", err))
			continue
		}
		g.Go(func() error {
			cat := c.Category()
			if err := ctx.Err(); err != nil {
				record(i, cat, nil, fmt.Errorf("skipped: %w", err))
				return nil
			}
			items, err := o.callCollector(ctx, c)
			if err != nil {
				o.logger.Warn("collector failed", "category", cat, "items", len(items), "error", err)
			}
			record(i, cat, items, err)
			return nil
		})
	}
	// Collector errors are recorded in stats, never returned.
	_ = g.Wait()

	var out []item.PersistenceItem
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

type collectOutcome struct {
	items []item.PersistenceItem
	err   error
}

func (o *Orchestrator) callCollector(ctx context.Context, c collector.Collector) ([]item.PersistenceItem, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.collectorTimeout)
	defer cancel()

	ch := make(chan collectOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- collectOutcome{err: fmt.Errorf("collector panicked: %v", r)}
			}
		}()
		items, err := c.Scan(cctx)
		ch <- collectOutcome{items: items, err: err}
	}()

	select {
	case out := <-ch:
		return out.items, out.err
	case <-cctx.Done():
		return nil, fmt.Errorf("collector abandoned: %w", cctx.Err())
	}
}

// ---------------------------------------------------------------------------
// Verify phase
// ---------------------------------------------------------------------------

func (o *Orchestrator) verify(ctx context.Context, collected []item.PersistenceItem, stats *item.ScanStatistics, rep *reporter) []item.PersistenceItem {
	out := make([]item.PersistenceItem, 0, len(collected))
	var slow []item.PersistenceItem
	for _, it := range collected {
		if o.classifier.IsObviouslyTrusted(it) {
			it.Signature = trust.FirstPartySignature()
			it.TrustLevel = item.TrustApple
			out = append(out, it)
			stats.FastPathCount++
			continue
		}
		slow = append(slow, it)
	}

	var (
		mu        sync.Mutex
		completed int
	)
	rep.report(PhaseVerify, 0, len(slow))

	record := func(it item.PersistenceItem, verified bool) {
		mu.Lock()
		defer mu.Unlock()
		out = append(out, it)
		if verified {
			stats.VerifiedCount++
		} else {
			stats.VerificationFailures++
		}
		completed++
		rep.report(PhaseVerify, completed, len(slow))
	}

	var (
		g       errgroup.Group
		skipped []item.PersistenceItem
	)
	g.SetLimit(o.concurrency)
	for _, it := range slow {
		if ctx.Err() != nil {
			skipped = append(skipped, unverified(it))
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				skipped = append(skipped, unverified(it))
				mu.Unlock()
				return nil
			}
			v, err := o.callVerifier(ctx, it)
			if err != nil {
				o.logger.Debug("verification failed", "item", it.Key().String(), "error", err)
				record(unverified(it), false)
				return nil
			}
			record(v, true)
			return nil
		})
	}
	_ = g.Wait()

	return append(out, skipped...)
}

func unverified(it item.PersistenceItem) item.PersistenceItem {
	it.Signature = nil
	it.TrustLevel = item.TrustUnknown
	it.VerificationFailed = true
	return it
}

type verifyOutcome struct {
	it  item.PersistenceItem
	err error
}

func (o *Orchestrator) callVerifier(ctx context.Context, it item.PersistenceItem) (item.PersistenceItem, error) {
	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.verifyTimeout)
	defer cancel()

	ch := make(chan verifyOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- verifyOutcome{err: fmt.Errorf("verifier panicked: %v", r)}
			}
		}()
		v, err := o.verifier.Verify(vctx, it.Clone())
		ch <- verifyOutcome{it: v, err: err}
	}()

	select {
	case out := <-ch:
		return out.it, out.err
	case <-vctx.Done():
		return it, fmt.Errorf("verifier abandoned: %w", vctx.Err())
	}
}

// ---------------------------------------------------------------------------
// Progress
// ---------------------------------------------------------------------------

type reporter struct {
	mu   sync.Mutex
	fn   ProgressFunc
	last float64
}

func (r *reporter) report(phase Phase, completed, total int) {
	if r.fn == nil {
		return
	}
	base := 0.0
	if phase == PhaseVerify {
		base = 0.5
	}
	frac := base + 0.5
	if total > 0 {
		frac = base + 0.5*float64(completed)/float64(total)
	}
	r.emit(Progress{Phase: phase, Fraction: frac, Completed: completed, Total: total})
}

func (r *reporter) done() {
	if r.fn == nil {
		return
	}
	r.emit(Progress{Phase: PhaseDone, Fraction: 1})
}

func (r *reporter) emit(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Fraction < r.last {
		p.Fraction = r.last
	}
	r.last = p.Fraction
	r.fn(p)
}
