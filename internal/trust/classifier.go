// Package trust classifies persistence items by code-signing trust. The
// Classifier is a cheap, pure fast path for items that are obviously first
// party; everything else goes through a Verifier, which is expensive and may
// shell out to platform tools.
package trust

import (
	"path/filepath"
	"strings"

	"github.com/tripwire/lookout/internal/item"
)

// DefaultFirstPartyPrefixes are identifier prefixes owned by the OS vendor.
var DefaultFirstPartyPrefixes = []string{"com.apple."}

// DefaultFirstPartyRoots are directories only the OS vendor writes to.
var DefaultFirstPartyRoots = []string{
	"/System/",
	"/usr/libexec/",
	"/usr/bin/",
	"/usr/sbin/",
	"/bin/",
	"/sbin/",
	"/Library/Apple/",
}

// Classifier decides whether an item can skip full verification. A negative
// answer only means "verify it"; it never lowers trust.
type Classifier struct {
	prefixes []string
	roots    []string
}

// NewClassifier returns a Classifier. Nil slices select the defaults.
func NewClassifier(prefixes, roots []string) *Classifier {
	if prefixes == nil {
		prefixes = DefaultFirstPartyPrefixes
	}
	if roots == nil {
		roots = DefaultFirstPartyRoots
	}
	c := &Classifier{prefixes: prefixes}
	for _, r := range roots {
		r = filepath.Clean(r)
		if !strings.HasSuffix(r, "/") {
			r += "/"
		}
		c.roots = append(c.roots, r)
	}
	return c
}

// IsObviouslyTrusted reports whether it is safe to skip verification for it.
//
// An identifier with a first-party prefix qualifies only when its executable
// (if any) also lives under a first-party root; otherwise anyone could name
// a plist com.apple.foo and skip verification. Without a first-party
// identifier, every non-empty path on the item must be under a first-party
// root.
func (c *Classifier) IsObviouslyTrusted(it item.PersistenceItem) bool {
	paths := make([]string, 0, 2)
	if it.ExecutablePath != "" {
		paths = append(paths, it.ExecutablePath)
	}
	if it.PlistPath != "" {
		paths = append(paths, it.PlistPath)
	}

	if c.hasFirstPartyPrefix(it.Identifier) {
		return it.ExecutablePath == "" || c.underRoot(it.ExecutablePath)
	}
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if !c.underRoot(p) {
			return false
		}
	}
	return true
}

func (c *Classifier) hasFirstPartyPrefix(id string) bool {
	for _, p := range c.prefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

func (c *Classifier) underRoot(p string) bool {
	if !filepath.IsAbs(p) || strings.Contains(p, "..") {
		return false
	}
	clean := filepath.Clean(p)
	for _, r := range c.roots {
		if strings.HasPrefix(clean+"/", r) && clean+"/" != r {
			return true
		}
	}
	return false
}

// FirstPartySignature is the signature synthesised for fast-path items.
func FirstPartySignature() *item.SignatureInfo {
	return &item.SignatureInfo{
		IsSigned:           true,
		IsValid:            true,
		IsNotarized:        true,
		HasHardenedRuntime: true,
		Organization:       "Apple Inc.",
		Authorities:        []string{"Software Signing", "Apple Code Signing Certification Authority", "Apple Root CA"},
		IsFirstParty:       true,
	}
}
