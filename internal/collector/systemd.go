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

	"github.com/tripwire/lookout/internal/fsutil"
	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/sysexec"
)

// DefaultSystemdDirs are searched in precedence order; a unit found in an
// earlier directory shadows later ones, matching systemd's own lookup.
var DefaultSystemdDirs = []string{
	"/etc/systemd/system",
	"/run/systemd/system",
	"/usr/local/lib/systemd/system",
	"/usr/lib/systemd/system",
	"/lib/systemd/system",
}

// SystemdCollector enumerates .service units. A unit is enabled when a
// symlink to it exists in any *.wants directory of the first search dir.
type SystemdCollector struct {
	dirs   []string
	runner sysexec.Runner
	clock  Clock
}

// NewSystemd returns a systemd collector. Nil dirs selects the defaults and a
// nil runner skips active-state detection.
func NewSystemd(dirs []string, r sysexec.Runner, clock Clock) *SystemdCollector {
	if dirs == nil {
		dirs = DefaultSystemdDirs
	}
	return &SystemdCollector{dirs: dirs, runner: r, clock: clock}
}

func (c *SystemdCollector) Category() item.Category { return item.CategorySystemdUnit }

func (c *SystemdCollector) RequiresElevatedAccess() bool { return false }

func (c *SystemdCollector) WatchPaths() []string { return c.dirs }

// Scan implements Collector.
func (c *SystemdCollector) Scan(ctx context.Context) ([]item.PersistenceItem, error) {
	active, aerr := c.activeUnits(ctx)

	var (
		items []item.PersistenceItem
		errs  []error
		seen  = make(map[string]bool)
	)
	if aerr != nil {
		errs = append(errs, aerr)
	}
	enabled := c.enabledUnits()

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
			name := e.Name()
			if !strings.HasSuffix(name, ".service") || e.IsDir() || seen[name] {
				continue
			}
			seen[name] = true
			path := filepath.Join(dir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				// dangling symlinks (masked units) land here
				continue
			}
			u := parseUnit(data)
			args := strings.Fields(strings.TrimLeft(u.get("Service", "ExecStart"), "-@+!:"))
			exe := ""
			if len(args) > 0 {
				exe = args[0]
			}
			desc := u.get("Unit", "Description")
			if desc == "" {
				desc = name
			}
			restart := u.get("Service", "Restart")
			wantedBy := u.get("Install", "WantedBy")
			items = append(items, item.PersistenceItem{
				Identifier:       name,
				Category:         item.CategorySystemdUnit,
				Name:             desc,
				PlistPath:        path,
				ExecutablePath:   exe,
				ProgramArguments: args,
				WorkingDirectory: u.get("Service", "WorkingDirectory"),
				RunAtLoad:        enabled[name] && wantedBy != "",
				KeepAlive:        restart == "always" || restart == "on-failure",
				IsEnabled:        enabled[name],
				IsLoaded:         active[name],
				DiscoveredAt:     c.clock.now(),
				PlistModifiedAt:  fsutil.ModTime(path),
				BinaryModifiedAt: fsutil.ModTime(exe),
			})
		}
	}
	return items, errors.Join(errs...)
}

func (c *SystemdCollector) enabledUnits() map[string]bool {
	enabled := make(map[string]bool)
	if len(c.dirs) == 0 {
		return enabled
	}
	wants, _ := filepath.Glob(filepath.Join(c.dirs[0], "*.wants", "*.service"))
	for _, w := range wants {
		enabled[filepath.Base(w)] = true
	}
	return enabled
}

// activeUnits parses `systemctl list-units --type=service --all --no-legend --plain`.
func (c *SystemdCollector) activeUnits(ctx context.Context) (map[string]bool, error) {
	active := make(map[string]bool)
	if c.runner == nil {
		return active, nil
	}
	out, err := c.runner.Run(ctx, "systemctl", []string{"list-units", "--type=service", "--all", "--no-legend", "--plain"}, nil)
	if err != nil {
		return active, fmt.Errorf("collector: systemctl list-units: %w", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) >= 3 && f[2] == "active" {
			active[f[0]] = true
		}
	}
	return active, nil
}

// unitFile is a parsed systemd unit: section -> key -> last value.
type unitFile map[string]map[string]string

func (u unitFile) get(section, key string) string {
	return u[section][key]
}

// parseUnit reads the INI dialect of systemd.unit(5). Continuation lines
// ending in a backslash are joined.
func parseUnit(data []byte) unitFile {
	u := make(unitFile)
	section := ""
	var pending string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if pending != "" {
			line = pending + " " + line
			pending = ""
		}
		if strings.HasSuffix(line, "\\") {
			pending = strings.TrimSuffix(line, "\\")
			continue
		}
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		if line[0] == '[' && line[len(line)-1] == ']' {
			section = line[1 : len(line)-1]
			if u[section] == nil {
				u[section] = make(map[string]string)
			}
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || section == "" {
			continue
		}
		u[section][strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return u
}
