package collector

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"

	"github.com/tripwire/lookout/internal/fsutil"
	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/sysexec"
)

// launchdJob is the subset of a launchd.plist(5) we care about.
type launchdJob struct {
	Label            string   `plist:"Label"`
	Program          string   `plist:"Program"`
	ProgramArguments []string `plist:"ProgramArguments"`
	WorkingDirectory string   `plist:"WorkingDirectory"`
	RunAtLoad        bool     `plist:"RunAtLoad"`
	KeepAlive        any      `plist:"KeepAlive"`
	Disabled         bool     `plist:"Disabled"`
	BundleProgram    string   `plist:"BundleProgram"`
}

type bundleInfo struct {
	Identifier string `plist:"CFBundleIdentifier"`
	Version    string `plist:"CFBundleShortVersionString"`
	Name       string `plist:"CFBundleName"`
}

// LaunchdCollector enumerates launch agents or launch daemons from their
// plist directories. Load state comes from `launchctl list`.
type LaunchdCollector struct {
	category item.Category
	dirs     []string
	runner   sysexec.Runner
	clock    Clock
}

// NewLaunchAgents returns a collector for per-user and global launch agents.
func NewLaunchAgents(home string, r sysexec.Runner, clock Clock) *LaunchdCollector {
	dirs := []string{"/Library/LaunchAgents", "/System/Library/LaunchAgents"}
	if home != "" {
		dirs = append([]string{filepath.Join(home, "Library/LaunchAgents")}, dirs...)
	}
	return NewLaunchd(item.CategoryLaunchAgent, dirs, r, clock)
}

// NewLaunchDaemons returns a collector for system launch daemons.
func NewLaunchDaemons(r sysexec.Runner, clock Clock) *LaunchdCollector {
	return NewLaunchd(item.CategoryLaunchDaemon, []string{"/Library/LaunchDaemons", "/System/Library/LaunchDaemons"}, r, clock)
}

// NewLaunchd returns a launchd collector over arbitrary directories. A nil
// runner skips load-state detection.
func NewLaunchd(cat item.Category, dirs []string, r sysexec.Runner, clock Clock) *LaunchdCollector {
	return &LaunchdCollector{category: cat, dirs: dirs, runner: r, clock: clock}
}

func (c *LaunchdCollector) Category() item.Category { return c.category }

func (c *LaunchdCollector) RequiresElevatedAccess() bool {
	return c.category == item.CategoryLaunchDaemon
}

func (c *LaunchdCollector) WatchPaths() []string { return c.dirs }

// Scan implements Collector. Unreadable plists are skipped and reported in
// the returned error alongside the items that did parse.
func (c *LaunchdCollector) Scan(ctx context.Context) ([]item.PersistenceItem, error) {
	loaded, lerr := c.loadedLabels(ctx)

	var (
		items []item.PersistenceItem
		errs  []error
		seen  = make(map[string]bool)
	)
	if lerr != nil {
		errs = append(errs, lerr)
	}
	for _, dir := range c.dirs {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("collector: read %s: %w", dir, err))
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".plist") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			it, err := c.parse(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			// earlier directories shadow later ones
			if seen[it.Identifier] {
				continue
			}
			seen[it.Identifier] = true
			it.IsLoaded = loaded[it.Identifier]
			items = append(items, it)
		}
	}
	return items, errors.Join(errs...)
}

func (c *LaunchdCollector) parse(path string) (item.PersistenceItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return item.PersistenceItem{}, fmt.Errorf("collector: read %s: %w", path, err)
	}
	var job launchdJob
	if _, err := plist.Unmarshal(data, &job); err != nil {
		return item.PersistenceItem{}, fmt.Errorf("collector: parse %s: %w", path, err)
	}
	label := job.Label
	if label == "" {
		label = strings.TrimSuffix(filepath.Base(path), ".plist")
	}

	exe := job.Program
	if exe == "" && len(job.ProgramArguments) > 0 {
		exe = job.ProgramArguments[0]
	}
	if exe == "" {
		exe = job.BundleProgram
	}

	it := item.PersistenceItem{
		Identifier:       label,
		Category:         c.category,
		Name:             label,
		PlistPath:        path,
		ExecutablePath:   exe,
		ProgramArguments: job.ProgramArguments,
		WorkingDirectory: job.WorkingDirectory,
		RunAtLoad:        job.RunAtLoad,
		KeepAlive:        keepAlive(job.KeepAlive),
		IsEnabled:        !job.Disabled,
		DiscoveredAt:     c.clock.now(),
		PlistModifiedAt:  fsutil.ModTime(path),
		BinaryModifiedAt: fsutil.ModTime(exe),
	}
	if fi, err := os.Stat(path); err == nil {
		if bt := birthTime(fi); bt != nil {
			it.CreatedAt = bt
		}
	}
	if b, ok := readBundle(exe); ok {
		it.BundleIdentifier = b.Identifier
		it.Version = b.Version
		if b.Name != "" {
			it.Name = b.Name
		}
	}
	return it, nil
}

// keepAlive is true for `<true/>` and for any conditional dictionary.
func keepAlive(v any) bool {
	switch k := v.(type) {
	case bool:
		return k
	case map[string]any:
		return len(k) > 0
	}
	return false
}

// readBundle finds the Info.plist of the .app bundle containing exe.
func readBundle(exe string) (bundleInfo, bool) {
	i := strings.Index(exe, ".app/")
	if i < 0 {
		return bundleInfo{}, false
	}
	data, err := os.ReadFile(filepath.Join(exe[:i+4], "Contents", "Info.plist"))
	if err != nil {
		return bundleInfo{}, false
	}
	var b bundleInfo
	if _, err := plist.Unmarshal(data, &b); err != nil {
		return bundleInfo{}, false
	}
	return b, true
}

// loadedLabels parses `launchctl list`: "PID\tStatus\tLabel" per line.
func (c *LaunchdCollector) loadedLabels(ctx context.Context) (map[string]bool, error) {
	loaded := make(map[string]bool)
	if c.runner == nil {
		return loaded, nil
	}
	out, err := c.runner.Run(ctx, "launchctl", []string{"list"}, nil)
	if err != nil {
		return loaded, fmt.Errorf("collector: launchctl list: %w", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) != 3 || fields[0] == "PID" {
			continue
		}
		loaded[strings.TrimSpace(fields[2])] = true
	}
	return loaded, nil
}
