//go:build !darwin

package collector

import (
	"io/fs"
	"time"
)

// birthTime is unavailable through os.Stat outside darwin.
func birthTime(fs.FileInfo) *time.Time { return nil }
