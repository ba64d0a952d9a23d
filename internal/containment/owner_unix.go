//go:build unix

package containment

import (
	"fmt"
	"os"
	"syscall"
)

// FileOwner returns the uid owning path.
func FileOwner(path string) (int, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("no owner information for %s", path)
	}
	return int(st.Uid), nil
}
