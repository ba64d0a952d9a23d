package collector

import (
	"runtime"

	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/sysexec"
)

// Defaults returns the collectors appropriate for goos, rooted at the user's
// home directory.
func Defaults(goos, home string, r sysexec.Runner, clock Clock) []Collector {
	cs := []Collector{
		NewCron(nil, clock),
		NewShellStartup(DefaultShellFiles(home), clock),
	}
	switch goos {
	case "darwin":
		cs = append(cs,
			NewLaunchAgents(home, r, clock),
			NewLaunchDaemons(r, clock),
			NewScriptDir(item.CategoryPeriodicScript, DefaultPeriodicDirs, clock),
		)
	case "linux":
		cs = append(cs, NewSystemd(nil, r, clock))
	}
	return cs
}

// DefaultsForHost is Defaults for the running OS.
func DefaultsForHost(home string, r sysexec.Runner) []Collector {
	return Defaults(runtime.GOOS, home, r, nil)
}
