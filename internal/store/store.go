// Package store holds the types shared by the sqlite and postgres
// persistence backends.
package store

import (
	"errors"
	"time"

	"github.com/tripwire/lookout/internal/item"
)

// ErrNotFound is returned for point lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// Snapshot is one persisted scan.
type Snapshot struct {
	ID        string                 `json:"id"`
	CreatedAt time.Time              `json:"created_at"`
	Stats     item.ScanStatistics    `json:"stats"`
	Items     []item.PersistenceItem `json:"items"`
}

// SnapshotSummary describes a snapshot without its items.
type SnapshotSummary struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	ItemCount  int       `json:"item_count"`
	ErrorCount int       `json:"error_count"`
	Cancelled  bool      `json:"cancelled"`
}

// Summary returns the summary view of s.
func (s Snapshot) Summary() SnapshotSummary {
	return SnapshotSummary{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		ItemCount:  len(s.Items),
		ErrorCount: len(s.Stats.Errors),
		Cancelled:  s.Stats.Cancelled,
	}
}
