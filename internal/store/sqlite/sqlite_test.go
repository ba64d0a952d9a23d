package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/tripwire/lookout/internal/baseline"
	"github.com/tripwire/lookout/internal/containment"
	"github.com/tripwire/lookout/internal/diff"
	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/store"
	"github.com/tripwire/lookout/internal/store/sqlite"
)

// Compile-time checks that Store satisfies the consumer interfaces.
var (
	_ baseline.Store    = (*sqlite.Store)(nil)
	_ containment.Store = (*sqlite.Store)(nil)
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var t0 = time.Date(2026, 4, 1, 9, 30, 0, 123456789, time.UTC)

func openMem(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("sqlite.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeItem(cat item.Category, id string) item.PersistenceItem {
	mod := t0.Add(-time.Hour)
	return item.PersistenceItem{
		Identifier:       id,
		Category:         cat,
		Name:             id,
		PlistPath:        "/Library/LaunchAgents/" + id + ".plist",
		ExecutablePath:   "/usr/local/bin/" + id,
		ProgramArguments: []string{"/usr/local/bin/" + id, "--daemon"},
		RunAtLoad:        true,
		IsEnabled:        true,
		TrustLevel:       item.TrustSigned,
		Signature:        &item.SignatureInfo{IsSigned: true, IsValid: true, TeamID: "ABCDE12345"},
		RiskScore:        15,
		RiskDetails:      []item.RiskFactor{{Name: "user_location", Score: 15}},
		DiscoveredAt:     t0,
		PlistModifiedAt:  &mod,
	}
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestOpen_FileDB_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lookout.db")
	ctx := context.Background()

	s, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveSnapshot(ctx, store.Snapshot{ID: "s1", CreatedAt: t0}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if _, err := s.AppendAction(ctx, containment.Action{ID: "a1", Identifier: "x", Category: item.CategoryCronJob,
		Type: containment.ActionFull, Status: containment.StatusFailed, CreatedAt: t0}); err != nil {
		t.Fatalf("AppendAction: %v", err)
	}
	_ = s.Close()

	s, err = sqlite.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if snaps, acts := s.Counts(); snaps != 1 || acts != 1 {
		t.Errorf("Counts = (%d, %d), want (1, 1)", snaps, acts)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

func TestSnapshot_RoundTrip(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	stats := item.NewScanStatistics("scan-1", t0)
	stats.FinishedAt = t0.Add(3 * time.Second)
	stats.ItemCounts[item.CategoryLaunchAgent] = 2
	stats.Errors[item.CategoryCronJob] = "permission denied"
	snap := store.Snapshot{
		ID:        "snap-1",
		CreatedAt: t0,
		Stats:     stats,
		Items: []item.PersistenceItem{
			makeItem(item.CategoryLaunchAgent, "com.b"),
			makeItem(item.CategoryLaunchAgent, "com.a"),
		},
	}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := s.GetSnapshot(ctx, "snap-1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, t0)
	}
	if !reflect.DeepEqual(got.Items, snap.Items) {
		t.Errorf("items differ:\n got %+v\nwant %+v", got.Items, snap.Items)
	}
	if got.Stats.Errors[item.CategoryCronJob] != "permission denied" {
		t.Errorf("stats errors = %v", got.Stats.Errors)
	}
	if got.Stats.ItemCounts[item.CategoryLaunchAgent] != 2 {
		t.Errorf("stats counts = %v", got.Stats.ItemCounts)
	}
}

func TestSnapshot_NotFound(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	if _, err := s.GetSnapshot(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetSnapshot err = %v, want ErrNotFound", err)
	}
	if _, err := s.LatestSnapshot(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LatestSnapshot err = %v, want ErrNotFound", err)
	}
}

func TestSnapshot_DuplicateIDRollsBack(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	first := store.Snapshot{ID: "dup", CreatedAt: t0, Items: []item.PersistenceItem{makeItem(item.CategoryCronJob, "a")}}
	if err := s.SaveSnapshot(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := store.Snapshot{ID: "dup", CreatedAt: t0.Add(time.Minute), Items: []item.PersistenceItem{
		makeItem(item.CategoryCronJob, "b"), makeItem(item.CategoryCronJob, "c"),
	}}
	if err := s.SaveSnapshot(ctx, second); err == nil {
		t.Fatal("expected duplicate snapshot id to fail")
	}
	got, err := s.GetSnapshot(ctx, "dup")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Items) != 1 || got.Items[0].Identifier != "a" {
		t.Errorf("items = %+v, want only the first snapshot's item", got.Items)
	}
}

func TestSnapshot_ListLatestPrune(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		snap := store.Snapshot{
			ID:        fmt.Sprintf("s%d", i),
			CreatedAt: t0.Add(time.Duration(i) * time.Hour),
			Items:     []item.PersistenceItem{makeItem(item.CategoryShellStartup, fmt.Sprintf("rc%d", i))},
		}
		if err := s.SaveSnapshot(ctx, snap); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListSnapshots(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].ID != "s4" || list[2].ID != "s2" {
		t.Errorf("ListSnapshots = %+v, want s4..s2", list)
	}
	if list[0].ItemCount != 1 {
		t.Errorf("ItemCount = %d, want 1", list[0].ItemCount)
	}

	latest, err := s.LatestSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != "s4" {
		t.Errorf("LatestSnapshot = %s, want s4", latest.ID)
	}

	// everything is older than the cutoff, but the newest two are kept
	n, err := s.PruneSnapshots(ctx, t0.Add(24*time.Hour), 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("pruned %d, want 3", n)
	}
	all, err := s.ListSnapshots(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("remaining = %d, want 2", len(all))
	}
	if snaps, _ := s.Counts(); snaps != 2 {
		t.Errorf("Counts snapshots = %d, want 2", snaps)
	}
	if _, err := s.GetSnapshot(ctx, "s0"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("pruned snapshot still readable: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Baselines and change history
// ---------------------------------------------------------------------------

func TestBaseline_FoundVersusEmpty(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	_, found, err := s.LoadBaseline(ctx, item.CategoryCronJob)
	if err != nil || found {
		t.Fatalf("LoadBaseline before commit = found %v, err %v", found, err)
	}

	if err := s.CommitComparison(ctx, item.CategoryCronJob, nil, nil); err != nil {
		t.Fatal(err)
	}
	items, found, err := s.LoadBaseline(ctx, item.CategoryCronJob)
	if err != nil || !found {
		t.Fatalf("LoadBaseline after empty commit = found %v, err %v", found, err)
	}
	if len(items) != 0 {
		t.Errorf("items = %d, want 0", len(items))
	}

	if err := s.DeleteBaseline(ctx, item.CategoryCronJob); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := s.LoadBaseline(ctx, item.CategoryCronJob); found {
		t.Error("baseline still found after delete")
	}
}

func TestCommitComparison_ReplacesBaselineAndAppendsHistory(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	cat := item.CategoryLaunchDaemon

	a, b := makeItem(cat, "com.a"), makeItem(cat, "com.b")
	if err := s.CommitComparison(ctx, cat, []item.PersistenceItem{a, b}, nil); err != nil {
		t.Fatal(err)
	}

	entries := []baseline.ChangeHistoryEntry{
		{ID: "c1", DetectedAt: t0, ChangeType: diff.ChangeRemoved, Category: cat, Identifier: "com.a", Name: "com.a", RelevanceScore: 40},
		{ID: "c2", DetectedAt: t0, ChangeType: diff.ChangeModified, Category: cat, Identifier: "com.b", Name: "com.b", RelevanceScore: 80,
			Details: []diff.ChangeDetail{{Field: diff.FieldTrustLevel, OldValue: "signed", NewValue: "suspicious"}}},
	}
	b.TrustLevel = item.TrustSuspicious
	if err := s.CommitComparison(ctx, cat, []item.PersistenceItem{b}, entries); err != nil {
		t.Fatal(err)
	}

	items, _, err := s.LoadBaseline(ctx, cat)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].TrustLevel != item.TrustSuspicious {
		t.Errorf("baseline = %+v, want only the updated com.b", items)
	}

	got, err := s.ListChanges(ctx, baseline.HistoryQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c1" || got[1].ID != "c2" {
		t.Fatalf("ListChanges = %+v", got)
	}
	if !reflect.DeepEqual(got[1].Details, entries[1].Details) {
		t.Errorf("details = %+v, want %+v", got[1].Details, entries[1].Details)
	}
	if got[0].Details != nil {
		t.Errorf("empty details should decode as nil, got %+v", got[0].Details)
	}
}

func TestCommitComparison_AtomicOnFailure(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	cat := item.CategorySystemdUnit

	if err := s.CommitComparison(ctx, cat, []item.PersistenceItem{makeItem(cat, "a.service")}, nil); err != nil {
		t.Fatal(err)
	}
	dup := []baseline.ChangeHistoryEntry{
		{ID: "same", DetectedAt: t0, ChangeType: diff.ChangeAdded, Category: cat, Identifier: "b.service"},
		{ID: "same", DetectedAt: t0, ChangeType: diff.ChangeAdded, Category: cat, Identifier: "c.service"},
	}
	err := s.CommitComparison(ctx, cat, []item.PersistenceItem{makeItem(cat, "b.service")}, dup)
	if err == nil {
		t.Fatal("expected duplicate change id to fail")
	}

	items, _, err := s.LoadBaseline(ctx, cat)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Identifier != "a.service" {
		t.Errorf("baseline changed despite failed commit: %+v", items)
	}
	changes, _ := s.ListChanges(ctx, baseline.HistoryQuery{})
	if len(changes) != 0 {
		t.Errorf("changes = %d, want 0", len(changes))
	}
}

func TestListChanges_Filters(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	var entries []baseline.ChangeHistoryEntry
	for i := 0; i < 6; i++ {
		cat := item.CategoryCronJob
		if i%2 == 1 {
			cat = item.CategoryShellStartup
		}
		entries = append(entries, baseline.ChangeHistoryEntry{
			ID:             fmt.Sprintf("e%d", i),
			DetectedAt:     t0.Add(time.Duration(i) * time.Minute),
			ChangeType:     diff.ChangeAdded,
			Category:       cat,
			Identifier:     fmt.Sprintf("id%d", i%3),
			RelevanceScore: i * 20,
		})
	}
	if err := s.CommitComparison(ctx, item.CategoryCronJob, nil, entries); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.AcknowledgeChange(ctx, "e5", t0); err != nil || !ok {
		t.Fatalf("AcknowledgeChange = %v, %v", ok, err)
	}

	tests := []struct {
		name string
		q    baseline.HistoryQuery
		want []string
	}{
		{"all newest first", baseline.HistoryQuery{}, []string{"e5", "e4", "e3", "e2", "e1", "e0"}},
		{"category", baseline.HistoryQuery{Category: item.CategoryShellStartup}, []string{"e5", "e3", "e1"}},
		{"identifier", baseline.HistoryQuery{Identifier: "id1"}, []string{"e4", "e1"}},
		{"since", baseline.HistoryQuery{Since: t0.Add(4 * time.Minute)}, []string{"e5", "e4"}},
		{"unacknowledged", baseline.HistoryQuery{UnacknowledgedOnly: true, Limit: 2}, []string{"e4", "e3"}},
		{"min relevance", baseline.HistoryQuery{MinRelevance: 60}, []string{"e5", "e4", "e3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListChanges(ctx, tt.q)
			if err != nil {
				t.Fatal(err)
			}
			ids := make([]string, len(got))
			for i, e := range got {
				ids[i] = e.ID
			}
			if !reflect.DeepEqual(ids, tt.want) {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestAcknowledge(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	entries := []baseline.ChangeHistoryEntry{
		{ID: "a", DetectedAt: t0, ChangeType: diff.ChangeAdded, Category: item.CategoryCronJob, Identifier: "x"},
		{ID: "b", DetectedAt: t0, ChangeType: diff.ChangeAdded, Category: item.CategoryCronJob, Identifier: "y"},
		{ID: "c", DetectedAt: t0, ChangeType: diff.ChangeAdded, Category: item.CategoryCronJob, Identifier: "z"},
	}
	if err := s.CommitComparison(ctx, item.CategoryCronJob, nil, entries); err != nil {
		t.Fatal(err)
	}

	if ok, err := s.AcknowledgeChange(ctx, "nope", t0); err != nil || ok {
		t.Errorf("AcknowledgeChange(missing) = %v, %v; want false, nil", ok, err)
	}
	first := t0.Add(time.Minute)
	if ok, err := s.AcknowledgeChange(ctx, "a", first); err != nil || !ok {
		t.Fatalf("AcknowledgeChange(a) = %v, %v", ok, err)
	}
	// a second acknowledgement keeps the original timestamp
	if ok, err := s.AcknowledgeChange(ctx, "a", t0.Add(time.Hour)); err != nil || !ok {
		t.Fatalf("AcknowledgeChange(a) again = %v, %v", ok, err)
	}

	n, err := s.AcknowledgeAllChanges(ctx, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("AcknowledgeAllChanges = %d, want 2", n)
	}

	got, err := s.ListChanges(ctx, baseline.HistoryQuery{Identifier: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got[0].Acknowledged || got[0].AcknowledgedAt == nil || !got[0].AcknowledgedAt.Equal(first) {
		t.Errorf("entry a = %+v, want acknowledged at %v", got, first)
	}
}

func TestPruneChanges(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	entries := []baseline.ChangeHistoryEntry{
		{ID: "old", DetectedAt: t0.Add(-48 * time.Hour), ChangeType: diff.ChangeAdded, Category: item.CategoryCronJob, Identifier: "x"},
		{ID: "new", DetectedAt: t0, ChangeType: diff.ChangeAdded, Category: item.CategoryCronJob, Identifier: "y"},
	}
	if err := s.CommitComparison(ctx, item.CategoryCronJob, nil, entries); err != nil {
		t.Fatal(err)
	}
	n, err := s.PruneChanges(ctx, t0.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	got, _ := s.ListChanges(ctx, baseline.HistoryQuery{})
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("remaining = %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Containment
// ---------------------------------------------------------------------------

func TestActions_AppendOrderAndOpenKeys(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	x := item.Key{Category: item.CategoryLaunchAgent, Identifier: "com.x"}
	y := item.Key{Category: item.CategoryLaunchAgent, Identifier: "com.y"}
	rows := []containment.Action{
		{ID: "1", Identifier: x.Identifier, Category: x.Category, Type: containment.ActionDisablePersistence,
			Status: containment.StatusActive, PersistenceApplied: true, PlistPath: "/p", PlistHash: "abc",
			CreatedAt: t0, ExpiresAt: t0.Add(time.Hour), Details: map[string]string{"plist_mode": "644"}},
		{ID: "2", Identifier: y.Identifier, Category: y.Category, Type: containment.ActionBlockNetwork,
			Status: containment.StatusActive, NetworkApplied: true, NetworkRuleID: "r1", CreatedAt: t0},
		{ID: "3", Identifier: y.Identifier, Category: y.Category, Type: containment.ActionRelease,
			Status: containment.StatusReleased, NetworkReverted: true, CreatedAt: t0.Add(time.Minute)},
	}
	var last containment.Action
	for _, a := range rows {
		saved, err := s.AppendAction(ctx, a)
		if err != nil {
			t.Fatalf("AppendAction %s: %v", a.ID, err)
		}
		if saved.Seq <= last.Seq {
			t.Errorf("seq %d not increasing after %d", saved.Seq, last.Seq)
		}
		last = saved
	}

	got, err := s.ListActions(ctx, x)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("ListActions(x) = %d rows", len(got))
	}
	if !got[0].ExpiresAt.Equal(t0.Add(time.Hour)) || got[0].Details["plist_mode"] != "644" || !got[0].PersistenceApplied {
		t.Errorf("action did not round-trip: %+v", got[0])
	}

	open, err := s.ListOpenKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(open, []item.Key{x}) {
		t.Errorf("ListOpenKeys = %v, want [%v]", open, x)
	}

	recent, err := s.ListRecentActions(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ID != "3" || recent[1].ID != "2" {
		t.Errorf("ListRecentActions = %+v", recent)
	}
}

func TestNetworkRules_UpsertDelete(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	r := containment.NetworkRule{
		ID: "r1", Identifier: "com.x", Category: item.CategoryLaunchAgent, Anchor: "lookout/r1",
		BinaryPath: "/bin/x", Method: "pf", RuleText: "block drop out quick", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour),
	}
	if err := s.UpsertNetworkRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.ExpiresAt = t0.Add(3 * time.Hour)
	if err := s.UpsertNetworkRule(ctx, r); err != nil {
		t.Fatal(err)
	}

	rules, err := s.ListNetworkRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 || !rules[0].ExpiresAt.Equal(r.ExpiresAt) || rules[0].Anchor != "lookout/r1" {
		t.Errorf("rules = %+v", rules)
	}

	if err := s.DeleteNetworkRule(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	rules, _ = s.ListNetworkRules(ctx)
	if len(rules) != 0 {
		t.Errorf("rules after delete = %+v", rules)
	}
}

// TestController_OnSQLite runs a contain/release cycle against the real store.
func TestController_OnSQLite(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	ctrl := containment.NewController(s, nil, containment.WithClock(func() time.Time { return t0 }))
	it := makeItem(item.CategoryLaunchAgent, "com.nodisabler")

	res, err := ctrl.Contain(ctx, it)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != containment.StateFailed {
		t.Errorf("state = %s, want failed without a disabler or blocker", res.State)
	}
	res, err = ctrl.Release(ctx, it)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != containment.StateUncontained {
		t.Errorf("state after release = %s", res.State)
	}
	hist, err := ctrl.History(ctx, it.Key())
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].Seq >= hist[1].Seq {
		t.Errorf("history = %+v", hist)
	}
}
