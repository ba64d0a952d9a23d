//go:build !unix

package containment

import "errors"

// FileOwner is unsupported off unix; network blocking is unavailable there.
func FileOwner(string) (int, error) {
	return 0, errors.New("file ownership lookup not supported on this platform")
}
