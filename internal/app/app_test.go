package app_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/lookout/internal/app"
	"github.com/tripwire/lookout/internal/audit"
	"github.com/tripwire/lookout/internal/config"
	"github.com/tripwire/lookout/internal/containment"
	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/store/sqlite"
)

type staticCollector struct {
	items []item.PersistenceItem
}

func (c *staticCollector) Category() item.Category      { return item.CategoryLaunchAgent }
func (c *staticCollector) RequiresElevatedAccess() bool { return false }
func (c *staticCollector) Scan(context.Context) ([]item.PersistenceItem, error) {
	return item.CloneAll(c.items), nil
}

// okRunner accepts every command and records what was run.
type okRunner struct {
	mu   sync.Mutex
	cmds []string
}

func (r *okRunner) Run(_ context.Context, name string, _ []string, _ []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, name)
	return nil, nil
}

func (r *okRunner) ran(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.cmds {
		if c == name {
			return true
		}
	}
	return false
}

func newApp(t *testing.T, it item.PersistenceItem) (*app.App, *okRunner) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.AuditLog = filepath.Join(dir, "audit.log")
	cfg.Containment.BackupDir = filepath.Join(dir, "disabled")

	st, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	runner := &okRunner{}
	a, err := app.Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		app.WithBackend(st),
		app.WithRunner(runner),
		app.WithHome(dir),
		app.WithCollectors(&staticCollector{items: []item.PersistenceItem{it}}),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, runner
}

func TestBuild_ScanContainAndRelease(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	plist := filepath.Join(dir, "com.example.helper.plist")
	if err := os.WriteFile(plist, []byte("<plist/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	it := item.PersistenceItem{
		Identifier:     "com.example.helper",
		Category:       item.CategoryLaunchAgent,
		Name:           "helper",
		PlistPath:      plist,
		ExecutablePath: filepath.Join(dir, "helper"),
	}
	a, runner := newApp(t, it)

	report, err := a.Agent.Scan(ctx, nil, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Snapshot.Items) != 1 {
		t.Fatalf("snapshot items = %d, want 1", len(report.Snapshot.Items))
	}
	if len(report.Changes) != 0 {
		t.Errorf("first scan produced %d changes, want baseline only", len(report.Changes))
	}

	found, err := a.Agent.FindItem(ctx, it.Key())
	if err != nil {
		t.Fatalf("FindItem: %v", err)
	}
	res, err := a.Controller.DisablePersistence(ctx, found)
	if err != nil {
		t.Fatalf("DisablePersistence: %v", err)
	}
	if res.State != containment.StateActive {
		t.Fatalf("state = %s, want active; actions %+v", res.State, res.Actions)
	}
	if _, err := os.Stat(plist); !os.IsNotExist(err) {
		t.Errorf("definition still present after disable: %v", err)
	}
	if !runner.ran("launchctl") {
		t.Error("launchctl was not invoked")
	}

	if _, err := a.Controller.Release(ctx, found); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(plist); err != nil {
		t.Errorf("definition not restored: %v", err)
	}

	entries, err := audit.Verify(a.Config.AuditLog)
	if err != nil {
		t.Fatalf("audit.Verify: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("audit entries = %d, want disable and release", len(entries))
	}

	families, err := a.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"lookout_scan_runs_total":           false,
		"lookout_containment_actions_total": false,
	}
	for _, mf := range families {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %s not exported", name)
		}
	}
}

func TestBuild_SecondScanDetectsChange(t *testing.T) {
	ctx := context.Background()
	it := item.PersistenceItem{
		Identifier:       "com.example.agent",
		Category:         item.CategoryLaunchAgent,
		ProgramArguments: []string{"/usr/local/bin/agent"},
	}
	a, _ := newApp(t, it)

	if _, err := a.Agent.Scan(ctx, nil, nil); err != nil {
		t.Fatalf("first Scan: %v", err)
	}

	col, ok := a.Collectors.Get(item.CategoryLaunchAgent)
	if !ok {
		t.Fatal("collector not registered")
	}
	col.(*staticCollector).items[0].ProgramArguments = []string{"/tmp/evil"}

	report, err := a.Agent.Scan(ctx, nil, nil)
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if len(report.Changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(report.Changes))
	}
	if report.Changes[0].Identifier != it.Identifier {
		t.Errorf("changed %q", report.Changes[0].Identifier)
	}
}

func TestBuild_DaemonStartsOnFreshDataDir(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.AuditLog = filepath.Join(dir, "audit.log")
	cfg.Store.Path = filepath.Join(dir, "data", "lookout.db")
	cfg.Watch.Enabled = true
	cfg.API.Addr = "-"

	a, err := app.Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		app.WithRunner(&okRunner{}),
		app.WithHome(dir),
		app.WithCollectors(&staticCollector{}),
		app.WithWatcher(),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Agent.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := os.Stat(cfg.Store.Path); err != nil {
		t.Errorf("sqlite file not created under a fresh data dir: %v", err)
	}
}
