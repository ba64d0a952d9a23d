// Package postgres is the shared persistence backend for fleets that keep
// inventory history centrally. It stores the same records as the sqlite
// package in PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/lookout/internal/baseline"
	"github.com/tripwire/lookout/internal/containment"
	"github.com/tripwire/lookout/internal/diff"
	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/store"
)

//go:embed schema.sql
var schema string

// DefaultConnectRetries bounds the ping attempts made by New.
const DefaultConnectRetries = 5

// Store implements baseline.Store, containment.Store and agent.SnapshotStore
// on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to connStr, retrying the initial ping with exponential
// backoff, and applies the schema.
func New(ctx context.Context, connStr string, retries uint64) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: pgxpool.New: %w", err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
	if err := backoff.Retry(func() error { return pool.Ping(ctx) }, b); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the idempotent schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- Snapshots ---

// SaveSnapshot stores snap and its items in one transaction. Items are sent
// as a single pgx.Batch round-trip.
func (s *Store) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	stats, err := json.Marshal(snap.Stats)
	if err != nil {
		return fmt.Errorf("postgres: marshal stats: %w", err)
	}
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO snapshots (id, created_at, stats, item_count, error_count, cancelled)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			snap.ID, snap.CreatedAt.UTC(), stats, len(snap.Items), len(snap.Stats.Errors), snap.Stats.Cancelled,
		); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		return insertItems(ctx, tx,
			`INSERT INTO snapshot_items (snapshot_id, ord, category, identifier, data) VALUES ($1, $2, $3, $4, $5)`,
			snap.ID, snap.Items, true)
	})
	if err != nil {
		return fmt.Errorf("postgres: save snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// insertItems queues one insert per item. withCategory selects the
// (owner, ord, category, identifier, data) column shape over
// (owner, ord, identifier, data).
func insertItems(ctx context.Context, tx pgx.Tx, query, owner string, items []item.PersistenceItem, withCategory bool) error {
	if len(items) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for i, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("marshal item %s: %w", it.Key(), err)
		}
		if withCategory {
			b.Queue(query, owner, i, string(it.Category), it.Identifier, data)
		} else {
			b.Queue(query, owner, i, it.Identifier, data)
		}
	}
	br := tx.SendBatch(ctx, b)
	for range items {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("batch insert item: %w", err)
		}
	}
	return br.Close()
}

// GetSnapshot returns the snapshot with id, or store.ErrNotFound.
func (s *Store) GetSnapshot(ctx context.Context, id string) (store.Snapshot, error) {
	snap, err := s.loadSnapshot(ctx, s.pool.QueryRow(ctx,
		`SELECT id, created_at, stats FROM snapshots WHERE id = $1`, id))
	if err != nil {
		return snap, fmt.Errorf("postgres: get snapshot %s: %w", id, err)
	}
	return snap, nil
}

// LatestSnapshot returns the most recent snapshot, or store.ErrNotFound.
func (s *Store) LatestSnapshot(ctx context.Context) (store.Snapshot, error) {
	snap, err := s.loadSnapshot(ctx, s.pool.QueryRow(ctx,
		`SELECT id, created_at, stats FROM snapshots ORDER BY created_at DESC, id DESC LIMIT 1`))
	if err != nil {
		return snap, fmt.Errorf("postgres: latest snapshot: %w", err)
	}
	return snap, nil
}

func (s *Store) loadSnapshot(ctx context.Context, row pgx.Row) (store.Snapshot, error) {
	var (
		snap  store.Snapshot
		stats []byte
	)
	if err := row.Scan(&snap.ID, &snap.CreatedAt, &stats); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return snap, store.ErrNotFound
		}
		return snap, err
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	if err := json.Unmarshal(stats, &snap.Stats); err != nil {
		return snap, fmt.Errorf("decode stats: %w", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT data FROM snapshot_items WHERE snapshot_id = $1 ORDER BY ord`, snap.ID)
	if err != nil {
		return snap, fmt.Errorf("query items: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return snap, err
	}
	snap.Items = items
	return snap, nil
}

// ListSnapshots returns summaries newest first. limit <= 0 means no limit.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]store.SnapshotSummary, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, created_at, item_count, error_count, cancelled
		FROM   snapshots
		ORDER  BY created_at DESC, id DESC
		LIMIT  $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots: %w", err)
	}
	defer rows.Close()

	out := []store.SnapshotSummary{}
	for rows.Next() {
		var sum store.SnapshotSummary
		if err := rows.Scan(&sum.ID, &sum.CreatedAt, &sum.ItemCount, &sum.ErrorCount, &sum.Cancelled); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		sum.CreatedAt = sum.CreatedAt.UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

// PruneSnapshots deletes snapshots created before cutoff, keeping the newest
// keep snapshots.
func (s *Store) PruneSnapshots(ctx context.Context, before time.Time, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM snapshots
		WHERE  created_at < $1
		  AND  id NOT IN (SELECT id FROM snapshots ORDER BY created_at DESC, id DESC LIMIT $2)`,
		before.UTC(), keep)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune snapshots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanItems(rows pgx.Rows) ([]item.PersistenceItem, error) {
	defer rows.Close()
	items := []item.PersistenceItem{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		var it item.PersistenceItem
		if err := json.Unmarshal(data, &it); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// --- Baselines and change history ---

// LoadBaseline implements baseline.Store.
func (s *Store) LoadBaseline(ctx context.Context, cat item.Category) ([]item.PersistenceItem, bool, error) {
	var updated time.Time
	err := s.pool.QueryRow(ctx, `SELECT updated_at FROM baselines WHERE category = $1`, string(cat)).Scan(&updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: load baseline %s: %w", cat, err)
	}
	rows, err := s.pool.Query(ctx, `SELECT data FROM baseline_items WHERE category = $1 ORDER BY ord`, string(cat))
	if err != nil {
		return nil, false, fmt.Errorf("postgres: load baseline %s items: %w", cat, err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: load baseline %s: %w", cat, err)
	}
	return items, true, nil
}

// CommitComparison implements baseline.Store.
func (s *Store) CommitComparison(ctx context.Context, cat item.Category, items []item.PersistenceItem, entries []baseline.ChangeHistoryEntry) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO baselines (category, updated_at) VALUES ($1, now())
			ON CONFLICT (category) DO UPDATE SET updated_at = EXCLUDED.updated_at`, string(cat)); err != nil {
			return fmt.Errorf("upsert baseline: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM baseline_items WHERE category = $1`, string(cat)); err != nil {
			return fmt.Errorf("clear baseline items: %w", err)
		}
		if err := insertItems(ctx, tx,
			`INSERT INTO baseline_items (category, ord, identifier, data) VALUES ($1, $2, $3, $4)`,
			string(cat), items, false); err != nil {
			return err
		}
		for _, e := range entries {
			details, err := json.Marshal(e.Details)
			if err != nil {
				return fmt.Errorf("marshal details: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO change_history
					(id, detected_at, change_type, category, identifier, name, details, relevance, acknowledged, acknowledged_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				e.ID, e.DetectedAt.UTC(), string(e.ChangeType), string(e.Category), e.Identifier, e.Name,
				details, e.RelevanceScore, e.Acknowledged, e.AcknowledgedAt,
			); err != nil {
				return fmt.Errorf("insert change %s: %w", e.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: commit comparison %s: %w", cat, err)
	}
	return nil
}

// DeleteBaseline implements baseline.Store.
func (s *Store) DeleteBaseline(ctx context.Context, cat item.Category) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM baselines WHERE category = $1`, string(cat)); err != nil {
		return fmt.Errorf("postgres: delete baseline %s: %w", cat, err)
	}
	return nil
}

// ListChanges implements baseline.Store. Results are newest first.
func (s *Store) ListChanges(ctx context.Context, q baseline.HistoryQuery) ([]baseline.ChangeHistoryEntry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Category != "" {
		where = append(where, "category = "+arg(string(q.Category)))
	}
	if q.Identifier != "" {
		where = append(where, "identifier = "+arg(q.Identifier))
	}
	if !q.Since.IsZero() {
		where = append(where, "detected_at >= "+arg(q.Since.UTC()))
	}
	if q.UnacknowledgedOnly {
		where = append(where, "NOT acknowledged")
	}
	if q.MinRelevance > 0 {
		where = append(where, "relevance >= "+arg(q.MinRelevance))
	}

	sql := `SELECT id, detected_at, change_type, category, identifier, name, details, relevance, acknowledged, acknowledged_at
	        FROM change_history`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY detected_at DESC, seq ASC"
	if q.Limit > 0 {
		sql += " LIMIT " + arg(q.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list changes: %w", err)
	}
	defer rows.Close()

	out := []baseline.ChangeHistoryEntry{}
	for rows.Next() {
		var (
			e                    baseline.ChangeHistoryEntry
			changeType, category string
			details              []byte
		)
		if err := rows.Scan(&e.ID, &e.DetectedAt, &changeType, &category, &e.Identifier, &e.Name,
			&details, &e.RelevanceScore, &e.Acknowledged, &e.AcknowledgedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan change: %w", err)
		}
		e.ChangeType = diff.ChangeType(changeType)
		e.Category = item.Category(category)
		e.DetectedAt = e.DetectedAt.UTC()
		if e.AcknowledgedAt != nil {
			t := e.AcknowledgedAt.UTC()
			e.AcknowledgedAt = &t
		}
		var d []diff.ChangeDetail
		if err := json.Unmarshal(details, &d); err == nil && len(d) > 0 {
			e.Details = d
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AcknowledgeChange implements baseline.Store.
func (s *Store) AcknowledgeChange(ctx context.Context, id string, at time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		WITH upd AS (
			UPDATE change_history SET acknowledged = TRUE, acknowledged_at = $2
			WHERE  id = $1 AND NOT acknowledged
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM change_history WHERE id = $1)`, id, at.UTC()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: acknowledge change %s: %w", id, err)
	}
	return exists, nil
}

// AcknowledgeAllChanges implements baseline.Store.
func (s *Store) AcknowledgeAllChanges(ctx context.Context, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE change_history SET acknowledged = TRUE, acknowledged_at = $1 WHERE NOT acknowledged`, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: acknowledge all changes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PruneChanges implements baseline.Store.
func (s *Store) PruneChanges(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM change_history WHERE detected_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: prune changes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Containment ---

// AppendAction implements containment.Store.
func (s *Store) AppendAction(ctx context.Context, a containment.Action) (containment.Action, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return a, fmt.Errorf("postgres: marshal action: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO containment_actions (id, category, identifier, type, status, created_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`,
		a.ID, string(a.Category), a.Identifier, string(a.Type), string(a.Status), a.CreatedAt.UTC(), data,
	).Scan(&a.Seq)
	if err != nil {
		return a, fmt.Errorf("postgres: append action: %w", err)
	}
	return a, nil
}

// ListActions implements containment.Store.
func (s *Store) ListActions(ctx context.Context, key item.Key) ([]containment.Action, error) {
	return s.queryActions(ctx,
		`SELECT seq, data FROM containment_actions WHERE category = $1 AND identifier = $2 ORDER BY seq`,
		string(key.Category), key.Identifier)
}

// ListRecentActions implements containment.Store.
func (s *Store) ListRecentActions(ctx context.Context, limit int) ([]containment.Action, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	return s.queryActions(ctx, `SELECT seq, data FROM containment_actions ORDER BY seq DESC LIMIT $1`, lim)
}

func (s *Store) queryActions(ctx context.Context, sql string, args ...any) ([]containment.Action, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list actions: %w", err)
	}
	defer rows.Close()

	out := []containment.Action{}
	for rows.Next() {
		var (
			seq  int64
			data []byte
		)
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, fmt.Errorf("postgres: scan action: %w", err)
		}
		var a containment.Action
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("postgres: decode action %d: %w", seq, err)
		}
		a.Seq = seq
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListOpenKeys implements containment.Store.
func (s *Store) ListOpenKeys(ctx context.Context) ([]item.Key, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT category, identifier FROM (
			SELECT DISTINCT ON (category, identifier) category, identifier, status
			FROM   containment_actions
			ORDER  BY category, identifier, seq DESC
		) latest
		WHERE status NOT IN ($1, $2)
		ORDER BY category, identifier`,
		string(containment.StatusReleased), string(containment.StatusExpired))
	if err != nil {
		return nil, fmt.Errorf("postgres: list open keys: %w", err)
	}
	defer rows.Close()

	var keys []item.Key
	for rows.Next() {
		var cat, id string
		if err := rows.Scan(&cat, &id); err != nil {
			return nil, fmt.Errorf("postgres: scan open key: %w", err)
		}
		keys = append(keys, item.Key{Category: item.Category(cat), Identifier: id})
	}
	return keys, rows.Err()
}

// UpsertNetworkRule implements containment.Store.
func (s *Store) UpsertNetworkRule(ctx context.Context, r containment.NetworkRule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO network_rules (id, category, identifier, anchor, binary_path, method, rule_text, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			anchor      = EXCLUDED.anchor,
			binary_path = EXCLUDED.binary_path,
			method      = EXCLUDED.method,
			rule_text   = EXCLUDED.rule_text,
			expires_at  = EXCLUDED.expires_at`,
		r.ID, string(r.Category), r.Identifier, r.Anchor, r.BinaryPath, r.Method, r.RuleText,
		r.CreatedAt.UTC(), r.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: upsert network rule %s: %w", r.ID, err)
	}
	return nil
}

// DeleteNetworkRule implements containment.Store.
func (s *Store) DeleteNetworkRule(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM network_rules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete network rule %s: %w", id, err)
	}
	return nil
}

// ListNetworkRules implements containment.Store.
func (s *Store) ListNetworkRules(ctx context.Context) ([]containment.NetworkRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, category, identifier, anchor, binary_path, method, rule_text, created_at, expires_at
		FROM   network_rules
		ORDER  BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list network rules: %w", err)
	}
	defer rows.Close()

	out := []containment.NetworkRule{}
	for rows.Next() {
		var (
			r   containment.NetworkRule
			cat string
		)
		if err := rows.Scan(&r.ID, &cat, &r.Identifier, &r.Anchor, &r.BinaryPath, &r.Method, &r.RuleText,
			&r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("postgres: scan network rule: %w", err)
		}
		r.Category = item.Category(cat)
		r.CreatedAt = r.CreatedAt.UTC()
		r.ExpiresAt = r.ExpiresAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
