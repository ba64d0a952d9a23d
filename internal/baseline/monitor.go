// Package baseline tracks how the persistence inventory drifts from a stored
// per-category baseline. Every comparison yields scored change-history
// entries, persisted together with the new baseline in one transaction.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/lookout/internal/diff"
	"github.com/tripwire/lookout/internal/item"
)

// ErrNotFound is returned when a change-history entry does not exist.
var ErrNotFound = errors.New("baseline: not found")

// ChangeHistoryEntry records one detected change.
type ChangeHistoryEntry struct {
	ID             string              `json:"id"`
	DetectedAt     time.Time           `json:"detected_at"`
	ChangeType     diff.ChangeType     `json:"change_type"`
	Category       item.Category       `json:"category"`
	Identifier     string              `json:"identifier"`
	Name           string              `json:"name"`
	Details        []diff.ChangeDetail `json:"details,omitempty"`
	RelevanceScore int                 `json:"relevance_score"`
	Acknowledged   bool                `json:"acknowledged"`
	AcknowledgedAt *time.Time          `json:"acknowledged_at,omitempty"`
}

// HistoryQuery filters ListChanges. Zero values do not filter.
type HistoryQuery struct {
	Category           item.Category
	Identifier         string
	Since              time.Time
	UnacknowledgedOnly bool
	MinRelevance       int
	Limit              int
}

// Store persists baselines and change history.
type Store interface {
	// LoadBaseline distinguishes "never stored" (found=false) from a stored
	// but empty baseline.
	LoadBaseline(ctx context.Context, cat item.Category) (items []item.PersistenceItem, found bool, err error)
	// CommitComparison appends entries and replaces the category baseline
	// atomically.
	CommitComparison(ctx context.Context, cat item.Category, baseline []item.PersistenceItem, entries []ChangeHistoryEntry) error
	DeleteBaseline(ctx context.Context, cat item.Category) error
	ListChanges(ctx context.Context, q HistoryQuery) ([]ChangeHistoryEntry, error)
	// AcknowledgeChange returns false when id does not exist. Already
	// acknowledged entries keep their original timestamp.
	AcknowledgeChange(ctx context.Context, id string, at time.Time) (bool, error)
	AcknowledgeAllChanges(ctx context.Context, at time.Time) (int, error)
	PruneChanges(ctx context.Context, before time.Time) (int, error)
}

// Monitor compares scans against the stored baseline.
type Monitor struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithIDGenerator overrides the UUID generator for entry IDs.
func WithIDGenerator(fn func() string) Option {
	return func(m *Monitor) { m.newID = fn }
}

// NewMonitor returns a Monitor backed by store.
func NewMonitor(store Store, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		store:  store,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CompareAndRecord diffs current against the stored baseline for cat,
// persists the resulting entries and makes current the new baseline. The
// first call for a category only stores the baseline and reports nothing.
// Items of other categories in current are ignored.
func (m *Monitor) CompareAndRecord(ctx context.Context, cat item.Category, current []item.PersistenceItem) ([]ChangeHistoryEntry, error) {
	cur := make([]item.PersistenceItem, 0, len(current))
	for _, it := range current {
		if it.Category == cat {
			cur = append(cur, it.Clone())
		}
	}

	base, found, err := m.store.LoadBaseline(ctx, cat)
	if err != nil {
		return nil, fmt.Errorf("baseline: load %s: %w", cat, err)
	}
	if !found {
		if err := m.store.CommitComparison(ctx, cat, cur, nil); err != nil {
			return nil, fmt.Errorf("baseline: establish %s: %w", cat, err)
		}
		m.logger.Info("baseline: established",
			slog.String("category", string(cat)),
			slog.Int("items", len(cur)),
		)
		return nil, nil
	}

	carryForward(base, cur)

	now := m.now().UTC()
	d := diff.Compare(base, cur)
	entries := make([]ChangeHistoryEntry, 0, d.Count())
	for _, it := range d.Added {
		entries = append(entries, m.entry(now, diff.ChangeAdded, it, nil))
	}
	for _, ch := range d.Changed {
		entries = append(entries, m.entry(now, ch.ChangeType, ch.Item, ch.Details))
	}
	for _, it := range d.Removed {
		entries = append(entries, m.entry(now, diff.ChangeRemoved, it, nil))
	}
	slices.SortStableFunc(entries, func(a, b ChangeHistoryEntry) int {
		ka := item.Key{Category: a.Category, Identifier: a.Identifier}
		kb := item.Key{Category: b.Category, Identifier: b.Identifier}
		switch {
		case ka.Less(kb):
			return -1
		case kb.Less(ka):
			return 1
		}
		return 0
	})

	if err := m.store.CommitComparison(ctx, cat, cur, entries); err != nil {
		return nil, fmt.Errorf("baseline: commit %s: %w", cat, err)
	}

	if len(entries) > 0 {
		high := 0
		for _, e := range entries {
			if e.RelevanceScore >= HighRelevance {
				high++
			}
		}
		m.logger.Info("baseline: changes detected",
			slog.String("category", string(cat)),
			slog.Int("changes", len(entries)),
			slog.Int("high_relevance", high),
		)
	}
	return entries, nil
}

func (m *Monitor) entry(now time.Time, ct diff.ChangeType, it item.PersistenceItem, details []diff.ChangeDetail) ChangeHistoryEntry {
	return ChangeHistoryEntry{
		ID:             m.newID(),
		DetectedAt:     now,
		ChangeType:     ct,
		Category:       it.Category,
		Identifier:     it.Identifier,
		Name:           it.Name,
		Details:        details,
		RelevanceScore: Score(ct, it, details),
	}
}

// carryForward keeps the first-seen time of items already known. An item
// whose verification failed in this scan keeps its last known trust, so a
// verifier timeout is not reported as a trust change.
func carryForward(base, cur []item.PersistenceItem) {
	known := make(map[item.Key]item.PersistenceItem, len(base))
	for _, it := range base {
		known[it.Key()] = it
	}
	for i := range cur {
		prev, ok := known[cur[i].Key()]
		if !ok {
			continue
		}
		if !prev.DiscoveredAt.IsZero() {
			cur[i].DiscoveredAt = prev.DiscoveredAt
		}
		if cur[i].VerificationFailed {
			cur[i].TrustLevel = prev.TrustLevel
			cur[i].Signature = prev.Clone().Signature
		}
	}
}

// Baseline returns the stored baseline for cat.
func (m *Monitor) Baseline(ctx context.Context, cat item.Category) ([]item.PersistenceItem, bool, error) {
	items, found, err := m.store.LoadBaseline(ctx, cat)
	if err != nil {
		return nil, false, fmt.Errorf("baseline: load %s: %w", cat, err)
	}
	return items, found, nil
}

// Reset drops the baseline for cat; the next comparison re-establishes it.
func (m *Monitor) Reset(ctx context.Context, cat item.Category) error {
	if err := m.store.DeleteBaseline(ctx, cat); err != nil {
		return fmt.Errorf("baseline: reset %s: %w", cat, err)
	}
	m.logger.Info("baseline: reset", slog.String("category", string(cat)))
	return nil
}

// History lists change-history entries, newest first.
func (m *Monitor) History(ctx context.Context, q HistoryQuery) ([]ChangeHistoryEntry, error) {
	out, err := m.store.ListChanges(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("baseline: list changes: %w", err)
	}
	return out, nil
}

// Acknowledge marks one entry as seen. Acknowledging twice is a no-op.
func (m *Monitor) Acknowledge(ctx context.Context, id string) error {
	ok, err := m.store.AcknowledgeChange(ctx, id, m.now().UTC())
	if err != nil {
		return fmt.Errorf("baseline: acknowledge %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("baseline: acknowledge %s: %w", id, ErrNotFound)
	}
	return nil
}

// AcknowledgeAll marks every unacknowledged entry as seen and returns how
// many changed state.
func (m *Monitor) AcknowledgeAll(ctx context.Context) (int, error) {
	n, err := m.store.AcknowledgeAllChanges(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("baseline: acknowledge all: %w", err)
	}
	return n, nil
}

// Prune deletes history entries detected more than olderThan ago.
func (m *Monitor) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := m.store.PruneChanges(ctx, m.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("baseline: prune: %w", err)
	}
	if n > 0 {
		m.logger.Info("baseline: pruned change history", slog.Int("removed", n))
	}
	return n, nil
}
