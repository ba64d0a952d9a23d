//go:build darwin

package collector

import (
	"io/fs"
	"syscall"
	"time"
)

func birthTime(fi fs.FileInfo) *time.Time {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	t := time.Unix(st.Birthtimespec.Sec, st.Birthtimespec.Nsec).UTC()
	return &t
}
