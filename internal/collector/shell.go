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
)

// ShellStartupCollector reports shell startup files. Each existing file is
// one item and its effective lines become ProgramArguments, so any edit to
// the file surfaces as a programArguments change.
type ShellStartupCollector struct {
	files []string
	clock Clock
}

// DefaultShellFiles lists system and per-user startup files under home.
func DefaultShellFiles(home string) []string {
	files := []string{"/etc/profile", "/etc/bashrc", "/etc/zshrc", "/etc/zprofile", "/etc/zshenv", "/etc/bash.bashrc"}
	if home != "" {
		for _, f := range []string{".profile", ".bashrc", ".bash_profile", ".bash_login", ".zshrc", ".zprofile", ".zshenv", ".zlogin"} {
			files = append(files, filepath.Join(home, f))
		}
	}
	return files
}

// NewShellStartup returns a shell startup collector over files.
func NewShellStartup(files []string, clock Clock) *ShellStartupCollector {
	return &ShellStartupCollector{files: files, clock: clock}
}

func (c *ShellStartupCollector) Category() item.Category { return item.CategoryShellStartup }

func (c *ShellStartupCollector) RequiresElevatedAccess() bool { return false }

func (c *ShellStartupCollector) WatchPaths() []string {
	dirs := make(map[string]bool)
	var out []string
	for _, f := range c.files {
		d := filepath.Dir(f)
		if !dirs[d] {
			dirs[d] = true
			out = append(out, d)
		}
	}
	return out
}

// Scan implements Collector.
func (c *ShellStartupCollector) Scan(ctx context.Context) ([]item.PersistenceItem, error) {
	var (
		items []item.PersistenceItem
		errs  []error
	)
	for _, path := range c.files {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("collector: read %s: %w", path, err))
			continue
		}
		items = append(items, item.PersistenceItem{
			Identifier:       path,
			Category:         item.CategoryShellStartup,
			Name:             filepath.Base(path),
			PlistPath:        path,
			ProgramArguments: effectiveLines(data),
			IsEnabled:        true,
			DiscoveredAt:     c.clock.now(),
			PlistModifiedAt:  fsutil.ModTime(path),
		})
	}
	return items, errors.Join(errs...)
}

func effectiveLines(data []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
