package collector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tripwire/lookout/internal/fsutil"
	"github.com/tripwire/lookout/internal/item"
)

// ScriptDirCollector reports every executable file in a set of directories,
// e.g. the periodic(8) daily/weekly/monthly trees.
type ScriptDirCollector struct {
	category item.Category
	dirs     []string
	clock    Clock
}

// DefaultPeriodicDirs are the BSD periodic script directories.
var DefaultPeriodicDirs = []string{"/etc/periodic/daily", "/etc/periodic/weekly", "/etc/periodic/monthly"}

// NewScriptDir returns a collector for cat over dirs.
func NewScriptDir(cat item.Category, dirs []string, clock Clock) *ScriptDirCollector {
	return &ScriptDirCollector{category: cat, dirs: dirs, clock: clock}
}

func (c *ScriptDirCollector) Category() item.Category { return c.category }

func (c *ScriptDirCollector) RequiresElevatedAccess() bool { return false }

func (c *ScriptDirCollector) WatchPaths() []string { return c.dirs }

// Scan implements Collector.
func (c *ScriptDirCollector) Scan(ctx context.Context) ([]item.PersistenceItem, error) {
	var (
		items []item.PersistenceItem
		errs  []error
	)
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
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			path := filepath.Join(dir, e.Name())
			items = append(items, item.PersistenceItem{
				Identifier:       path,
				Category:         c.category,
				Name:             e.Name(),
				PlistPath:        path,
				ExecutablePath:   path,
				ProgramArguments: []string{path},
				IsEnabled:        info.Mode().Perm()&0o111 != 0,
				IsLoaded:         false,
				DiscoveredAt:     c.clock.now(),
				PlistModifiedAt:  fsutil.ModTime(path),
				BinaryModifiedAt: fsutil.ModTime(path),
			})
		}
	}
	return items, errors.Join(errs...)
}
