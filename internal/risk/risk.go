// Package risk assigns a behavioural risk score to persistence items. The
// score looks only at where an item lives and how it launches. Signature
// trust is classified by the trust package.
package risk

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tripwire/lookout/internal/item"
)

// MaxScore is the ceiling for an item's summed risk.
const MaxScore = 100

// RecentWindow is how new an item must be to earn the recently-created factor.
const RecentWindow = 7 * 24 * time.Hour

var tempRoots = []string{"/tmp/", "/private/tmp/", "/var/tmp/", "/private/var/tmp/", "/Users/Shared/", "/dev/shm/"}

var userRoots = []string{"/Users/", "/home/"}

var interpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true,
	"python": true, "python3": true, "perl": true, "ruby": true,
	"osascript": true, "node": true,
}

// Scorer computes risk scores. The zero value is not usable; use New.
type Scorer struct {
	stat func(string) (os.FileInfo, error)
	now  func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithStat replaces os.Stat, mainly for tests.
func WithStat(fn func(string) (os.FileInfo, error)) Option {
	return func(s *Scorer) { s.stat = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// New returns a Scorer backed by the real filesystem and clock.
func New(opts ...Option) *Scorer {
	s := &Scorer{stat: os.Stat, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score returns the item's risk score and the factors that produced it.
func (s *Scorer) Score(it item.PersistenceItem) (int, []item.RiskFactor) {
	var factors []item.RiskFactor
	add := func(name, desc string, score int) {
		factors = append(factors, item.RiskFactor{Name: name, Description: desc, Score: score})
	}

	exe := it.ExecutablePath
	if exe != "" {
		fi, err := s.stat(exe)
		switch {
		case err != nil:
			add("missing_binary", "executable "+exe+" does not exist", 25)
		case fi.Mode().Perm()&0o002 != 0:
			add("world_writable", "executable is world-writable", 30)
		}
		if hasAnyPrefix(exe, tempRoots) {
			add("temp_location", "executable lives in a temporary or shared directory", 30)
		} else if hasAnyPrefix(exe, userRoots) {
			add("user_location", "executable lives in a user home directory", 15)
		}
		if hiddenComponent(exe) {
			add("hidden_path", "executable path contains a hidden directory or file", 20)
		}
	}

	if inlineScript(it.ProgramArguments) {
		add("inline_script", "launches an interpreter with an inline script", 35)
	}
	joined := strings.ToLower(strings.Join(it.ProgramArguments, " "))
	if (strings.Contains(joined, "curl ") || strings.Contains(joined, "wget ")) && strings.Contains(joined, "http") {
		add("network_fetch", "arguments download content from the network", 25)
	}
	if strings.Contains(joined, "base64") {
		add("encoded_payload", "arguments decode base64 content", 20)
	}
	if it.RunAtLoad && it.KeepAlive {
		add("persistent_relaunch", "starts at load and is relaunched when it exits", 10)
	}

	created := it.CreatedAt
	if created == nil {
		created = it.PlistModifiedAt
	}
	if created != nil && s.now().Sub(*created) < RecentWindow {
		add("recently_created", "definition was created or modified in the last week", 10)
	}

	total := 0
	for _, f := range factors {
		total += f.Score
	}
	return min(total, MaxScore), factors
}

// Apply scores every item in place.
func (s *Scorer) Apply(items []item.PersistenceItem) {
	for i := range items {
		items[i].RiskScore, items[i].RiskDetails = s.Score(items[i])
	}
}

func hasAnyPrefix(p string, roots []string) bool {
	for _, r := range roots {
		if strings.HasPrefix(p, r) {
			return true
		}
	}
	return false
}

func hiddenComponent(p string) bool {
	for _, part := range strings.Split(filepath.Clean(p), "/") {
		if len(part) > 1 && part[0] == '.' && part != ".." {
			return true
		}
	}
	return false
}

func inlineScript(args []string) bool {
	for i := 0; i+1 < len(args); i++ {
		if !interpreters[filepath.Base(args[i])] {
			continue
		}
		switch args[i+1] {
		case "-c", "-e", "--eval":
			return true
		}
	}
	return false
}
