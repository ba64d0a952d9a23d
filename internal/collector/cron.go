package collector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tripwire/lookout/internal/fsutil"
	"github.com/tripwire/lookout/internal/item"
)

// CronSource is a crontab file or a directory of crontabs. System crontabs
// carry a user column between the schedule and the command.
type CronSource struct {
	Path   string
	System bool
}

// DefaultCronSources covers the Linux and macOS spool locations.
var DefaultCronSources = []CronSource{
	{Path: "/etc/crontab", System: true},
	{Path: "/etc/cron.d", System: true},
	{Path: "/var/spool/cron/crontabs"},
	{Path: "/var/spool/cron"},
	{Path: "/usr/lib/cron/tabs"},
	{Path: "/var/at/tabs"},
}

// CronCollector enumerates cron entries. Each scheduled line is an item whose
// identifier is derived from the file and the line content, so editing a line
// shows up as a removal plus an addition.
type CronCollector struct {
	sources []CronSource
	clock   Clock
}

// NewCron returns a cron collector. Nil sources selects DefaultCronSources.
func NewCron(sources []CronSource, clock Clock) *CronCollector {
	if sources == nil {
		sources = DefaultCronSources
	}
	return &CronCollector{sources: sources, clock: clock}
}

func (c *CronCollector) Category() item.Category { return item.CategoryCronJob }

func (c *CronCollector) RequiresElevatedAccess() bool { return true }

func (c *CronCollector) WatchPaths() []string {
	out := make([]string, 0, len(c.sources))
	for _, s := range c.sources {
		out = append(out, s.Path)
	}
	return out
}

// Scan implements Collector.
func (c *CronCollector) Scan(ctx context.Context) ([]item.PersistenceItem, error) {
	var (
		items []item.PersistenceItem
		errs  []error
	)
	for _, src := range c.sources {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		fi, err := os.Stat(src.Path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("collector: stat %s: %w", src.Path, err))
			continue
		}
		files := []string{src.Path}
		if fi.IsDir() {
			entries, err := os.ReadDir(src.Path)
			if err != nil {
				errs = append(errs, fmt.Errorf("collector: read %s: %w", src.Path, err))
				continue
			}
			files = files[:0]
			for _, e := range entries {
				if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
					files = append(files, filepath.Join(src.Path, e.Name()))
				}
			}
		}
		for _, f := range files {
			got, err := c.parseFile(f, src.System)
			if err != nil {
				errs = append(errs, err)
			}
			items = append(items, got...)
		}
	}
	return items, errors.Join(errs...)
}

func (c *CronCollector) parseFile(path string, system bool) ([]item.PersistenceItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("collector: open %s: %w", path, err)
	}
	defer f.Close()

	mod := fsutil.ModTime(path)
	owner := filepath.Base(path)
	var items []item.PersistenceItem
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		entry, ok := parseCronLine(sc.Text(), system)
		if !ok {
			continue
		}
		user := entry.user
		if user == "" {
			user = owner
		}
		args := strings.Fields(entry.command)
		exe := ""
		if len(args) > 0 && filepath.IsAbs(args[0]) {
			exe = args[0]
		}
		items = append(items, item.PersistenceItem{
			Identifier:       path + ":" + fsutil.HashBytes([]byte(entry.schedule + " " + entry.command))[:12],
			Category:         item.CategoryCronJob,
			Name:             user + ": " + entry.schedule,
			PlistPath:        path,
			ExecutablePath:   exe,
			ProgramArguments: args,
			RunAtLoad:        entry.schedule == "@reboot",
			IsEnabled:        true,
			IsLoaded:         true,
			DiscoveredAt:     c.clock.now(),
			PlistModifiedAt:  mod,
			BinaryModifiedAt: fsutil.ModTime(exe),
		})
	}
	if err := sc.Err(); err != nil {
		return items, fmt.Errorf("collector: scan %s: %w", path, err)
	}
	return items, nil
}

type cronEntry struct {
	schedule string
	user     string
	command  string
}

// parseCronLine returns false for blanks, comments and environment lines.
func parseCronLine(line string, system bool) (cronEntry, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return cronEntry{}, false
	}
	fields := strings.Fields(line)
	if !strings.HasPrefix(fields[0], "@") && strings.Contains(fields[0], "=") {
		return cronEntry{}, false
	}

	schedLen := 5
	if strings.HasPrefix(fields[0], "@") {
		schedLen = 1
	}
	need := schedLen + 1
	if system {
		need++
	}
	if len(fields) < need {
		return cronEntry{}, false
	}
	e := cronEntry{schedule: strings.Join(fields[:schedLen], " ")}
	rest := fields[schedLen:]
	if system {
		e.user, rest = rest[0], rest[1:]
	}
	e.command = strings.Join(rest, " ")
	return e, true
}
