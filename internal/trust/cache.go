package trust

import (
	"context"
	"fmt"
	"os"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tripwire/lookout/internal/item"
)

// DefaultCacheSize bounds the number of cached verification results.
const DefaultCacheSize = 2048

type verdict struct {
	sig   *item.SignatureInfo
	level item.TrustLevel
}

// CachingVerifier memoises a Verifier's results per executable. Entries are
// keyed on path, size and modification time so a replaced binary is always
// re-verified. Failed verifications are not cached.
type CachingVerifier struct {
	next  Verifier
	cache *lru.Cache[string, verdict]
}

// NewCachingVerifier wraps next with an LRU cache of the given size.
func NewCachingVerifier(next Verifier, size int) (*CachingVerifier, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, verdict](size)
	if err != nil {
		return nil, fmt.Errorf("trust: new cache: %w", err)
	}
	return &CachingVerifier{next: next, cache: c}, nil
}

// Verify implements Verifier.
func (c *CachingVerifier) Verify(ctx context.Context, it item.PersistenceItem) (item.PersistenceItem, error) {
	key, ok := cacheKey(it.ExecutablePath)
	if ok {
		if v, hit := c.cache.Get(key); hit {
			out := it.Clone()
			out.TrustLevel = v.level
			out.Signature = cloneSignature(v.sig)
			return out, nil
		}
	}

	out, err := c.next.Verify(ctx, it)
	if err != nil {
		return out, err
	}
	if ok {
		c.cache.Add(key, verdict{sig: cloneSignature(out.Signature), level: out.TrustLevel})
	}
	return out, nil
}

// Len reports the number of cached verdicts.
func (c *CachingVerifier) Len() int {
	return c.cache.Len()
}

// Purge drops every cached verdict.
func (c *CachingVerifier) Purge() {
	c.cache.Purge()
}

func cloneSignature(sig *item.SignatureInfo) *item.SignatureInfo {
	if sig == nil {
		return nil
	}
	s := *sig
	s.Authorities = slices.Clone(sig.Authorities)
	return &s
}

func cacheKey(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	fi, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%s|%d|%d", path, fi.Size(), fi.ModTime().UnixNano()), true
}
