package baseline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripwire/lookout/internal/baseline"
	"github.com/tripwire/lookout/internal/diff"
	"github.com/tripwire/lookout/internal/item"
)

// ---------------------------------------------------------------------------
// In-memory store fake
// ---------------------------------------------------------------------------

type memStore struct {
	mu        sync.Mutex
	baselines map[item.Category][]item.PersistenceItem
	changes   []baseline.ChangeHistoryEntry
	commitErr error
}

func newMemStore() *memStore {
	return &memStore{baselines: make(map[item.Category][]item.PersistenceItem)}
}

func (s *memStore) LoadBaseline(_ context.Context, cat item.Category) ([]item.PersistenceItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.baselines[cat]
	return item.CloneAll(b), ok, nil
}

func (s *memStore) CommitComparison(_ context.Context, cat item.Category, b []item.PersistenceItem, entries []baseline.ChangeHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	if b == nil {
		b = []item.PersistenceItem{}
	}
	s.baselines[cat] = item.CloneAll(b)
	s.changes = append(s.changes, entries...)
	return nil
}

func (s *memStore) DeleteBaseline(_ context.Context, cat item.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.baselines, cat)
	return nil
}

func (s *memStore) ListChanges(_ context.Context, q baseline.HistoryQuery) ([]baseline.ChangeHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []baseline.ChangeHistoryEntry
	for _, e := range s.changes {
		if q.UnacknowledgedOnly && e.Acknowledged {
			continue
		}
		if q.Category != "" && e.Category != q.Category {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}

func (s *memStore) AcknowledgeChange(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.changes {
		if s.changes[i].ID != id {
			continue
		}
		if !s.changes[i].Acknowledged {
			s.changes[i].Acknowledged = true
			s.changes[i].AcknowledgedAt = &at
		}
		return true, nil
	}
	return false, nil
}

func (s *memStore) AcknowledgeAllChanges(_ context.Context, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.changes {
		if !s.changes[i].Acknowledged {
			s.changes[i].Acknowledged = true
			s.changes[i].AcknowledgedAt = &at
			n++
		}
	}
	return n, nil
}

func (s *memStore) PruneChanges(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.changes[:0]
	n := 0
	for _, e := range s.changes {
		if e.DetectedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.changes = kept
	return n, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newMonitor(s baseline.Store, clk *fakeClock) *baseline.Monitor {
	n := 0
	return baseline.NewMonitor(s, discardLogger(),
		baseline.WithClock(clk.Now),
		baseline.WithIDGenerator(func() string { n++; return fmt.Sprintf("chg-%d", n) }),
	)
}

func daemon(id string, discovered time.Time) item.PersistenceItem {
	return item.PersistenceItem{
		Identifier:     id,
		Category:       item.CategoryLaunchDaemon,
		Name:           id,
		ExecutablePath: "/usr/local/bin/" + id,
		IsEnabled:      true,
		IsLoaded:       true,
		TrustLevel:     item.TrustSigned,
		DiscoveredAt:   discovered,
	}
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// CompareAndRecord
// ---------------------------------------------------------------------------

func TestCompareAndRecord_FirstRunEstablishesBaseline(t *testing.T) {
	s := newMemStore()
	m := newMonitor(s, &fakeClock{t: t0})

	entries, err := m.CompareAndRecord(context.Background(), item.CategoryLaunchDaemon,
		[]item.PersistenceItem{daemon("a", t0), daemon("b", t0)})
	require.NoError(t, err)
	assert.Empty(t, entries)

	b, found, err := m.Baseline(context.Background(), item.CategoryLaunchDaemon)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Len(t, b, 2)
	assert.Empty(t, s.changes)
}

func TestCompareAndRecord_EmptyBaselineIsStillABaseline(t *testing.T) {
	s := newMemStore()
	m := newMonitor(s, &fakeClock{t: t0})
	ctx := context.Background()

	_, err := m.CompareAndRecord(ctx, item.CategoryLaunchDaemon, nil)
	require.NoError(t, err)

	entries, err := m.CompareAndRecord(ctx, item.CategoryLaunchDaemon, []item.PersistenceItem{daemon("new", t0)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, diff.ChangeAdded, entries[0].ChangeType)
}

func TestCompareAndRecord_DetectsAndScoresChanges(t *testing.T) {
	s := newMemStore()
	clk := &fakeClock{t: t0}
	m := newMonitor(s, clk)
	ctx := context.Background()

	_, err := m.CompareAndRecord(ctx, item.CategoryLaunchDaemon, []item.PersistenceItem{
		daemon("keep", t0), daemon("gone", t0), daemon("toggle", t0), daemon("resign", t0),
	})
	require.NoError(t, err)

	later := t0.Add(time.Hour)
	clk.t = later
	toggle := daemon("toggle", later)
	toggle.IsEnabled = false
	resign := daemon("resign", later)
	resign.TrustLevel = item.TrustUnsigned
	added := daemon("added", later)
	added.TrustLevel = item.TrustUnsigned

	entries, err := m.CompareAndRecord(ctx, item.CategoryLaunchDaemon, []item.PersistenceItem{
		daemon("keep", later), toggle, resign, added,
	})
	require.NoError(t, err)

	byID := map[string]baseline.ChangeHistoryEntry{}
	for _, e := range entries {
		byID[e.Identifier] = e
		assert.Equal(t, later, e.DetectedAt)
		assert.False(t, e.Acknowledged)
		assert.NotEmpty(t, e.ID)
	}
	require.Len(t, byID, 4)
	assert.Equal(t, diff.ChangeAdded, byID["added"].ChangeType)
	assert.Equal(t, 85, byID["added"].RelevanceScore)
	assert.Equal(t, diff.ChangeRemoved, byID["gone"].ChangeType)
	assert.Equal(t, diff.ChangeDisabled, byID["toggle"].ChangeType)
	assert.Equal(t, diff.ChangeTrustLevelChanged, byID["resign"].ChangeType)
	assert.Equal(t, 80, byID["resign"].RelevanceScore)

	// entries come back sorted by key
	assert.Equal(t, []string{"added", "gone", "resign", "toggle"},
		[]string{entries[0].Identifier, entries[1].Identifier, entries[2].Identifier, entries[3].Identifier})

	// DiscoveredAt is carried forward from the baseline
	b, _, err := m.Baseline(ctx, item.CategoryLaunchDaemon)
	require.NoError(t, err)
	for _, it := range b {
		if it.Identifier == "added" {
			assert.Equal(t, later, it.DiscoveredAt)
		} else {
			assert.Equal(t, t0, it.DiscoveredAt, it.Identifier)
		}
	}

	// a second identical scan reports nothing
	again, err := m.CompareAndRecord(ctx, item.CategoryLaunchDaemon, []item.PersistenceItem{
		daemon("keep", later), toggle, resign, added,
	})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestCompareAndRecord_EnabledAndTrustChangeIsModified(t *testing.T) {
	s := newMemStore()
	m := newMonitor(s, &fakeClock{t: t0})
	ctx := context.Background()

	_, err := m.CompareAndRecord(ctx, item.CategoryLaunchDaemon, []item.PersistenceItem{daemon("x", t0)})
	require.NoError(t, err)

	x := daemon("x", t0)
	x.IsEnabled = false
	x.TrustLevel = item.TrustUnsigned
	entries, err := m.CompareAndRecord(ctx, item.CategoryLaunchDaemon, []item.PersistenceItem{x})
	require.NoError(t, err)

	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, diff.ChangeModified, e.ChangeType)
	assert.ElementsMatch(t, []diff.ChangeDetail{
		{Field: diff.FieldIsEnabled, OldValue: "true", NewValue: "false"},
		{Field: diff.FieldTrustLevel, OldValue: "signed", NewValue: "unsigned"},
	}, e.Details)
	assert.GreaterOrEqual(t, e.RelevanceScore, baseline.HighRelevance)
}

func TestCompareAndRecord_FailedVerificationKeepsKnownTrust(t *testing.T) {
	s := newMemStore()
	clk := &fakeClock{t: t0}
	m := newMonitor(s, clk)
	ctx := context.Background()

	signed := daemon("x", t0)
	signed.Signature = &item.SignatureInfo{IsSigned: true, IsValid: true, TeamID: "TEAM"}
	_, err := m.CompareAndRecord(ctx, item.CategoryLaunchDaemon, []item.PersistenceItem{signed, daemon("y", t0)})
	require.NoError(t, err)

	timedOut := daemon("x", t0)
	timedOut.TrustLevel = item.TrustUnknown
	timedOut.VerificationFailed = true
	moved := daemon("y", t0)
	moved.TrustLevel = item.TrustUnknown
	moved.VerificationFailed = true
	moved.ExecutablePath = "/tmp/y"
	clk.t = t0.Add(time.Hour)
	entries, err := m.CompareAndRecord(ctx, item.CategoryLaunchDaemon, []item.PersistenceItem{timedOut, moved})
	require.NoError(t, err)

	require.Len(t, entries, 1)
	assert.Equal(t, "y", entries[0].Identifier)
	assert.Equal(t, []diff.ChangeDetail{
		{Field: diff.FieldExecutablePath, OldValue: "/usr/local/bin/y", NewValue: "/tmp/y"},
	}, entries[0].Details)

	b, _, err := m.Baseline(ctx, item.CategoryLaunchDaemon)
	require.NoError(t, err)
	for _, it := range b {
		assert.Equal(t, item.TrustSigned, it.TrustLevel, it.Identifier)
	}

	// the next successful verification is not an upgrade either
	clk.t = t0.Add(2 * time.Hour)
	recovered := daemon("y", t0)
	recovered.ExecutablePath = "/tmp/y"
	entries, err = m.CompareAndRecord(ctx, item.CategoryLaunchDaemon, []item.PersistenceItem{signed, recovered})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCompareAndRecord_IgnoresOtherCategories(t *testing.T) {
	s := newMemStore()
	m := newMonitor(s, &fakeClock{t: t0})

	cron := daemon("c", t0)
	cron.Category = item.CategoryCronJob
	_, err := m.CompareAndRecord(context.Background(), item.CategoryLaunchDaemon, []item.PersistenceItem{daemon("d", t0), cron})
	require.NoError(t, err)
	assert.Len(t, s.baselines[item.CategoryLaunchDaemon], 1)
	_, hasCron := s.baselines[item.CategoryCronJob]
	assert.False(t, hasCron)
}

func TestCompareAndRecord_StoreFailurePropagates(t *testing.T) {
	s := newMemStore()
	s.commitErr = errors.New("disk full")
	m := newMonitor(s, &fakeClock{t: t0})

	_, err := m.CompareAndRecord(context.Background(), item.CategoryLaunchDaemon, []item.PersistenceItem{daemon("a", t0)})
	require.Error(t, err)
	assert.ErrorIs(t, err, s.commitErr)
}

func TestReset_ReestablishesBaseline(t *testing.T) {
	s := newMemStore()
	m := newMonitor(s, &fakeClock{t: t0})
	ctx := context.Background()

	_, err := m.CompareAndRecord(ctx, item.CategoryLaunchDaemon, []item.PersistenceItem{daemon("a", t0)})
	require.NoError(t, err)
	require.NoError(t, m.Reset(ctx, item.CategoryLaunchDaemon))

	entries, err := m.CompareAndRecord(ctx, item.CategoryLaunchDaemon, []item.PersistenceItem{daemon("b", t0)})
	require.NoError(t, err)
	assert.Empty(t, entries, "after reset the next scan only re-establishes the baseline")
}

// ---------------------------------------------------------------------------
// Acknowledge / Prune
// ---------------------------------------------------------------------------

func seedChanges(t *testing.T, m *baseline.Monitor) {
	t.Helper()
	ctx := context.Background()
	_, err := m.CompareAndRecord(ctx, item.CategoryLaunchDaemon, nil)
	require.NoError(t, err)
	_, err = m.CompareAndRecord(ctx, item.CategoryLaunchDaemon, []item.PersistenceItem{daemon("a", t0), daemon("b", t0)})
	require.NoError(t, err)
}

func TestAcknowledge_Idempotent(t *testing.T) {
	s := newMemStore()
	clk := &fakeClock{t: t0}
	m := newMonitor(s, clk)
	seedChanges(t, m)

	require.NoError(t, m.Acknowledge(context.Background(), "chg-1"))
	first := *s.changes[0].AcknowledgedAt

	clk.t = t0.Add(time.Hour)
	require.NoError(t, m.Acknowledge(context.Background(), "chg-1"))
	assert.Equal(t, first, *s.changes[0].AcknowledgedAt, "re-acknowledging keeps the original timestamp")
	assert.Equal(t, 70, s.changes[0].RelevanceScore, "acknowledgement never touches the score")

	err := m.Acknowledge(context.Background(), "missing")
	assert.ErrorIs(t, err, baseline.ErrNotFound)
}

func TestAcknowledgeAll(t *testing.T) {
	s := newMemStore()
	m := newMonitor(s, &fakeClock{t: t0})
	seedChanges(t, m)
	require.NoError(t, m.Acknowledge(context.Background(), "chg-1"))

	n, err := m.AcknowledgeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.AcknowledgeAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	open, err := m.History(context.Background(), baseline.HistoryQuery{UnacknowledgedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPrune(t *testing.T) {
	s := newMemStore()
	clk := &fakeClock{t: t0}
	m := newMonitor(s, clk)
	seedChanges(t, m)

	clk.t = t0.Add(48 * time.Hour)
	n, err := m.Prune(context.Background(), 72*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = m.Prune(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// ---------------------------------------------------------------------------
// Score
// ---------------------------------------------------------------------------

func TestScore_TrustDowngradeOutranksCosmeticChanges(t *testing.T) {
	downgrade := baseline.Score(diff.ChangeTrustLevelChanged, item.PersistenceItem{},
		[]diff.ChangeDetail{{Field: diff.FieldTrustLevel, OldValue: "apple", NewValue: "signed"}})

	cosmetic := [][]diff.ChangeDetail{
		{{Field: diff.FieldPlistModifiedAt}},
		{{Field: diff.FieldBinaryModifiedAt}},
		{{Field: diff.FieldVersion}},
		{{Field: diff.FieldPlistModifiedAt}, {Field: diff.FieldBinaryModifiedAt}, {Field: diff.FieldVersion}},
	}
	for _, d := range cosmetic {
		assert.GreaterOrEqual(t, downgrade, baseline.Score(diff.ChangeModified, item.PersistenceItem{}, d))
	}

	upgrade := baseline.Score(diff.ChangeTrustLevelChanged, item.PersistenceItem{},
		[]diff.ChangeDetail{{Field: diff.FieldTrustLevel, OldValue: "unsigned", NewValue: "signed"}})
	assert.Greater(t, downgrade, upgrade)
}

func TestScore_CappedAt100(t *testing.T) {
	var details []diff.ChangeDetail
	for _, f := range diff.ComparedFields() {
		details = append(details, diff.ChangeDetail{Field: f, OldValue: "a", NewValue: "b"})
	}
	assert.Equal(t, 100, baseline.Score(diff.ChangeModified, item.PersistenceItem{}, details))
}

func TestScore_AddedUntrustedRanksHigher(t *testing.T) {
	signed := baseline.Score(diff.ChangeAdded, item.PersistenceItem{TrustLevel: item.TrustSigned}, nil)
	unsigned := baseline.Score(diff.ChangeAdded, item.PersistenceItem{TrustLevel: item.TrustUnsigned}, nil)
	assert.Greater(t, unsigned, signed)
	assert.GreaterOrEqual(t, signed, baseline.HighRelevance)
}
