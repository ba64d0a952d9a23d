package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/tripwire/lookout/internal/agent"
	"github.com/tripwire/lookout/internal/baseline"
	"github.com/tripwire/lookout/internal/containment"
	"github.com/tripwire/lookout/internal/diff"
	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/scan"
	"github.com/tripwire/lookout/internal/store"
)

// Engine is the scan and snapshot surface used by the handlers.
// *agent.Agent satisfies it.
type Engine interface {
	Scan(ctx context.Context, cats []item.Category, progress scan.ProgressFunc) (agent.ScanReport, error)
	Snapshots(ctx context.Context, limit int) ([]store.SnapshotSummary, error)
	Snapshot(ctx context.Context, id string) (store.Snapshot, error)
	DiffSnapshots(ctx context.Context, fromID, toID string) (diff.SnapshotDiff, error)
	FindItem(ctx context.Context, key item.Key) (item.PersistenceItem, error)
	Prune(ctx context.Context) (changes, snapshots int, err error)
	HealthzHandler(w http.ResponseWriter, r *http.Request)
}

// ChangeMonitor exposes baselines and change history. *baseline.Monitor
// satisfies it.
type ChangeMonitor interface {
	History(ctx context.Context, q baseline.HistoryQuery) ([]baseline.ChangeHistoryEntry, error)
	Acknowledge(ctx context.Context, id string) error
	AcknowledgeAll(ctx context.Context) (int, error)
	Reset(ctx context.Context, cat item.Category) error
}

// Containment is the containment surface. *containment.Controller
// satisfies it.
type Containment interface {
	Contain(ctx context.Context, it item.PersistenceItem) (containment.Result, error)
	DisablePersistence(ctx context.Context, it item.PersistenceItem) (containment.Result, error)
	BlockNetwork(ctx context.Context, it item.PersistenceItem) (containment.Result, error)
	ExtendTimeout(ctx context.Context, it item.PersistenceItem, by time.Duration) (containment.Result, error)
	Release(ctx context.Context, it item.PersistenceItem) (containment.Result, error)
	State(ctx context.Context, key item.Key) (containment.Result, error)
	History(ctx context.Context, key item.Key) ([]containment.Action, error)
	Recent(ctx context.Context, limit int) ([]containment.Action, error)
	NetworkRules(ctx context.Context) ([]containment.NetworkRule, error)
}

var (
	_ Engine        = (*agent.Agent)(nil)
	_ ChangeMonitor = (*baseline.Monitor)(nil)
	_ Containment   = (*containment.Controller)(nil)
)
