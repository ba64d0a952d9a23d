package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/store"
)

// SaveSnapshot stores snap and all of its items in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	stats, err := json.Marshal(snap.Stats)
	if err != nil {
		return fmt.Errorf("sqlite: marshal stats: %w", err)
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (id, created_at, stats, item_count, error_count, cancelled)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			snap.ID, formatTime(snap.CreatedAt), string(stats),
			len(snap.Items), len(snap.Stats.Errors), snap.Stats.Cancelled,
		); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO snapshot_items (snapshot_id, ord, category, identifier, data) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare items: %w", err)
		}
		defer stmt.Close()
		for i, it := range snap.Items {
			data, err := json.Marshal(it)
			if err != nil {
				return fmt.Errorf("marshal item %s: %w", it.Key(), err)
			}
			if _, err := stmt.ExecContext(ctx, snap.ID, i, string(it.Category), it.Identifier, string(data)); err != nil {
				return fmt.Errorf("insert item %s: %w", it.Key(), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite: save snapshot %s: %w", snap.ID, err)
	}
	s.snapshots.Add(1)
	return nil
}

// GetSnapshot returns the snapshot with id, or store.ErrNotFound.
func (s *Store) GetSnapshot(ctx context.Context, id string) (store.Snapshot, error) {
	snap, err := s.loadSnapshot(ctx, s.db.QueryRowContext(ctx,
		`SELECT id, created_at, stats FROM snapshots WHERE id = ?`, id))
	if err != nil {
		return snap, fmt.Errorf("sqlite: get snapshot %s: %w", id, err)
	}
	return snap, nil
}

// LatestSnapshot returns the most recent snapshot, or store.ErrNotFound.
func (s *Store) LatestSnapshot(ctx context.Context) (store.Snapshot, error) {
	snap, err := s.loadSnapshot(ctx, s.db.QueryRowContext(ctx,
		`SELECT id, created_at, stats FROM snapshots ORDER BY created_at DESC, rowid DESC LIMIT 1`))
	if err != nil {
		return snap, fmt.Errorf("sqlite: latest snapshot: %w", err)
	}
	return snap, nil
}

func (s *Store) loadSnapshot(ctx context.Context, row *sql.Row) (store.Snapshot, error) {
	var (
		snap    store.Snapshot
		created string
		stats   string
	)
	if err := row.Scan(&snap.ID, &created, &stats); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snap, store.ErrNotFound
		}
		return snap, err
	}
	snap.CreatedAt = parseTime(created)
	if err := json.Unmarshal([]byte(stats), &snap.Stats); err != nil {
		return snap, fmt.Errorf("decode stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM snapshot_items WHERE snapshot_id = ? ORDER BY ord`, snap.ID)
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
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, item_count, error_count, cancelled
		 FROM   snapshots
		 ORDER  BY created_at DESC, rowid DESC
		 LIMIT  ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list snapshots: %w", err)
	}
	defer rows.Close()

	out := []store.SnapshotSummary{}
	for rows.Next() {
		var (
			sum     store.SnapshotSummary
			created string
		)
		if err := rows.Scan(&sum.ID, &created, &sum.ItemCount, &sum.ErrorCount, &sum.Cancelled); err != nil {
			return nil, fmt.Errorf("sqlite: list snapshots scan: %w", err)
		}
		sum.CreatedAt = parseTime(created)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list snapshots rows: %w", err)
	}
	return out, nil
}

// PruneSnapshots deletes snapshots created before cutoff, always keeping
// the newest keep snapshots.
func (s *Store) PruneSnapshots(ctx context.Context, before time.Time, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots
		 WHERE created_at < ?
		   AND id NOT IN (SELECT id FROM snapshots ORDER BY created_at DESC, rowid DESC LIMIT ?)`,
		formatTime(before), keep)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	s.snapshots.Add(-n)
	return int(n), nil
}

// scanItems decodes a single data column of item JSON and closes rows.
func scanItems(rows *sql.Rows) ([]item.PersistenceItem, error) {
	defer rows.Close()
	items := []item.PersistenceItem{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		var it item.PersistenceItem
		if err := json.Unmarshal([]byte(data), &it); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("item rows: %w", err)
	}
	return items, nil
}
