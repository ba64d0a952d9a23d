// Package item defines the persistence inventory data model shared by the
// collectors, the scan orchestrator, the diff engine, the baseline monitor
// and the containment controller.
package item

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Category identifies the kind of autostart mechanism an item belongs to.
type Category string

const (
	CategoryLaunchAgent         Category = "launchAgent"
	CategoryLaunchDaemon        Category = "launchDaemon"
	CategoryLoginItem           Category = "loginItem"
	CategoryKernelExtension     Category = "kernelExtension"
	CategorySystemExtension     Category = "systemExtension"
	CategoryCronJob             Category = "cronJob"
	CategoryShellStartup        Category = "shellStartup"
	CategoryPeriodicScript      Category = "periodicScript"
	CategoryLoginHook           Category = "loginHook"
	CategoryAuthorizationPlugin Category = "authorizationPlugin"
	CategorySystemdUnit         Category = "systemdUnit"
)

// AllCategories lists every known category in display order.
var AllCategories = []Category{
	CategoryLaunchAgent,
	CategoryLaunchDaemon,
	CategoryLoginItem,
	CategoryKernelExtension,
	CategorySystemExtension,
	CategoryCronJob,
	CategoryShellStartup,
	CategoryPeriodicScript,
	CategoryLoginHook,
	CategoryAuthorizationPlugin,
	CategorySystemdUnit,
}

// ParseCategory returns the Category named by s. Matching is
// case-insensitive.
func ParseCategory(s string) (Category, error) {
	for _, c := range AllCategories {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("item: unknown category %q", s)
}

// TrustLevel is an ordered classification of how much an item's code can be
// trusted. Higher values are more trusted.
type TrustLevel int

const (
	TrustUnsigned TrustLevel = iota
	TrustSuspicious
	TrustUnknown
	TrustSigned
	TrustKnownVendor
	TrustApple
)

var trustNames = [...]string{
	TrustUnsigned:    "unsigned",
	TrustSuspicious:  "suspicious",
	TrustUnknown:     "unknown",
	TrustSigned:      "signed",
	TrustKnownVendor: "knownVendor",
	TrustApple:       "apple",
}

func (t TrustLevel) String() string {
	if t < 0 || int(t) >= len(trustNames) {
		return "unknown"
	}
	return trustNames[t]
}

// ParseTrustLevel is the inverse of TrustLevel.String.
func ParseTrustLevel(s string) (TrustLevel, error) {
	for i, name := range trustNames {
		if strings.EqualFold(name, s) {
			return TrustLevel(i), nil
		}
	}
	return TrustUnknown, fmt.Errorf("item: unknown trust level %q", s)
}

// MarshalText encodes the level by name so stored JSON stays readable.
func (t TrustLevel) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TrustLevel) UnmarshalText(b []byte) error {
	lvl, err := ParseTrustLevel(string(b))
	if err != nil {
		return err
	}
	*t = lvl
	return nil
}

// SignatureInfo is the result of code signature verification.
type SignatureInfo struct {
	IsSigned           bool     `json:"is_signed"`
	IsValid            bool     `json:"is_valid"`
	IsNotarized        bool     `json:"is_notarized"`
	HasHardenedRuntime bool     `json:"has_hardened_runtime"`
	TeamID             string   `json:"team_id,omitempty"`
	Organization       string   `json:"organization,omitempty"`
	Authorities        []string `json:"authorities,omitempty"`
	IsFirstParty       bool     `json:"is_first_party"`
}

// RiskFactor is one contribution to an item's heuristic risk score.
type RiskFactor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Score       int    `json:"score"`
}

// Key uniquely identifies an item within an inventory.
type Key struct {
	Category   Category `json:"category"`
	Identifier string   `json:"identifier"`
}

func (k Key) String() string {
	return string(k.Category) + "/" + k.Identifier
}

// Less orders keys by category, then identifier.
func (k Key) Less(o Key) bool {
	if k.Category != o.Category {
		return k.Category < o.Category
	}
	return k.Identifier < o.Identifier
}

// PersistenceItem is one autostart entry observed on the host.
type PersistenceItem struct {
	Identifier string   `json:"identifier"`
	Category   Category `json:"category"`
	Name       string   `json:"name"`

	PlistPath        string   `json:"plist_path,omitempty"`
	ExecutablePath   string   `json:"executable_path,omitempty"`
	BundleIdentifier string   `json:"bundle_identifier,omitempty"`
	Version          string   `json:"version,omitempty"`
	ProgramArguments []string `json:"program_arguments,omitempty"`
	WorkingDirectory string   `json:"working_directory,omitempty"`
	RunAtLoad        bool     `json:"run_at_load"`
	KeepAlive        bool     `json:"keep_alive"`

	IsEnabled   bool           `json:"is_enabled"`
	IsLoaded    bool           `json:"is_loaded"`
	TrustLevel  TrustLevel     `json:"trust_level"`
	Signature   *SignatureInfo `json:"signature,omitempty"`
	RiskScore   int            `json:"risk_score"`
	RiskDetails []RiskFactor   `json:"risk_details,omitempty"`

	// VerificationFailed marks a TrustLevel that fell back to unknown because
	// verification errored or timed out in this scan.
	VerificationFailed bool `json:"verification_failed,omitempty"`

	DiscoveredAt     time.Time  `json:"discovered_at"`
	PlistModifiedAt  *time.Time `json:"plist_modified_at,omitempty"`
	BinaryModifiedAt *time.Time `json:"binary_modified_at,omitempty"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	LastExecutedAt   *time.Time `json:"last_executed_at,omitempty"`
	NetworkSeenAt    *time.Time `json:"network_seen_at,omitempty"`
}

// Key returns the item's (category, identifier) pair.
func (p PersistenceItem) Key() Key {
	return Key{Category: p.Category, Identifier: p.Identifier}
}

// Clone returns a deep copy of p.
func (p PersistenceItem) Clone() PersistenceItem {
	c := p
	c.ProgramArguments = slices.Clone(p.ProgramArguments)
	c.RiskDetails = slices.Clone(p.RiskDetails)
	if p.Signature != nil {
		sig := *p.Signature
		sig.Authorities = slices.Clone(p.Signature.Authorities)
		c.Signature = &sig
	}
	c.PlistModifiedAt = cloneTime(p.PlistModifiedAt)
	c.BinaryModifiedAt = cloneTime(p.BinaryModifiedAt)
	c.CreatedAt = cloneTime(p.CreatedAt)
	c.LastExecutedAt = cloneTime(p.LastExecutedAt)
	c.NetworkSeenAt = cloneTime(p.NetworkSeenAt)
	return c
}

// CloneAll deep-copies every element of items.
func CloneAll(items []PersistenceItem) []PersistenceItem {
	if items == nil {
		return nil
	}
	out := make([]PersistenceItem, len(items))
	for i := range items {
		out[i] = items[i].Clone()
	}
	return out
}

// Sort orders items by key in place.
func Sort(items []PersistenceItem) {
	slices.SortStableFunc(items, func(a, b PersistenceItem) int {
		ka, kb := a.Key(), b.Key()
		switch {
		case ka.Less(kb):
			return -1
		case kb.Less(ka):
			return 1
		}
		return 0
	})
}

// TimePtr returns a pointer to t, or nil for the zero time.
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
