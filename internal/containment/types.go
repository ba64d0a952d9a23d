// Package containment reversibly neutralises a persistence item by
// disabling its autostart definition, blocking its network access, or both,
// for a bounded time.
//
// Every operation appends an Action row; nothing is updated in place. The
// state of an item is derived from the rows of its current episode, which
// starts after the most recent release or expiry row.
package containment

import (
	"context"
	"errors"
	"time"

	"github.com/tripwire/lookout/internal/item"
)

var (
	// ErrNotContained is returned by ExtendTimeout when nothing is in effect.
	ErrNotContained = errors.New("containment: item is not contained")
	// ErrExpired is returned by ExtendTimeout once the TTL has elapsed; the
	// item must be released or re-contained instead.
	ErrExpired = errors.New("containment: containment has expired")
)

// ActionType names what an Action row did.
type ActionType string

const (
	ActionDisablePersistence ActionType = "disable_persistence"
	ActionBlockNetwork       ActionType = "block_network"
	ActionFull               ActionType = "full"
	ActionExtend             ActionType = "extend"
	ActionRelease            ActionType = "release"
	ActionExpire             ActionType = "expire"
)

// Status is the outcome recorded on an Action row.
type Status string

const (
	StatusActive   Status = "active"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
	StatusReleased Status = "released"
	StatusExpired  Status = "expired"
)

// State is the derived containment state of an item.
type State string

const (
	StateUncontained State = "uncontained"
	StateActive      State = "active"
	StatePartial     State = "partial"
	StateFailed      State = "failed"
	StateReleased    State = "released"
	StateExpired     State = "expired"
)

// Action is one append-only containment record.
type Action struct {
	ID         string        `json:"id"`
	Seq        int64         `json:"seq"`
	Identifier string        `json:"identifier"`
	Category   item.Category `json:"category"`
	Type       ActionType    `json:"type"`
	Status     Status        `json:"status"`

	BinaryPath          string `json:"binary_path,omitempty"`
	BinaryHash          string `json:"binary_hash,omitempty"`
	PlistPath           string `json:"plist_path,omitempty"`
	PlistBackupPath     string `json:"plist_backup_path,omitempty"`
	PlistHash           string `json:"plist_hash,omitempty"`
	PersistenceApplied  bool   `json:"persistence_applied"`
	PersistenceReverted bool   `json:"persistence_reverted"`

	NetworkRuleID   string `json:"network_rule_id,omitempty"`
	FirewallAnchor  string `json:"firewall_anchor,omitempty"`
	Method          string `json:"method,omitempty"`
	NetworkApplied  bool   `json:"network_applied"`
	NetworkReverted bool   `json:"network_reverted"`

	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Key returns the item key the action belongs to.
func (a Action) Key() item.Key {
	return item.Key{Category: a.Category, Identifier: a.Identifier}
}

// NetworkRule is a firewall rule currently installed for an item.
type NetworkRule struct {
	ID         string        `json:"id"`
	Identifier string        `json:"identifier"`
	Category   item.Category `json:"category"`
	Anchor     string        `json:"anchor"`
	BinaryPath string        `json:"binary_path"`
	Method     string        `json:"method"`
	RuleText   string        `json:"rule_text"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// Result describes the outcome of a controller operation. Sub-action
// failures are reported here, never as a Go error.
type Result struct {
	Key       item.Key  `json:"key"`
	State     State     `json:"state"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	// Actions holds the rows appended by this operation; empty for no-ops.
	Actions []Action `json:"actions"`
}

// Store persists containment actions and installed network rules.
type Store interface {
	// AppendAction stores a and returns it with Seq assigned.
	AppendAction(ctx context.Context, a Action) (Action, error)
	// ListActions returns every action for key in append order.
	ListActions(ctx context.Context, key item.Key) ([]Action, error)
	// ListRecentActions returns the newest actions across all items.
	ListRecentActions(ctx context.Context, limit int) ([]Action, error)
	// ListOpenKeys returns items whose latest action is not a release or
	// expiry.
	ListOpenKeys(ctx context.Context) ([]item.Key, error)

	UpsertNetworkRule(ctx context.Context, r NetworkRule) error
	DeleteNetworkRule(ctx context.Context, id string) error
	ListNetworkRules(ctx context.Context) ([]NetworkRule, error)
}

// Auditor receives every appended action. *audit.Logger satisfies it.
type Auditor interface {
	Append(kind string, v any) error
}
