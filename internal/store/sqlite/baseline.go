package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tripwire/lookout/internal/baseline"
	"github.com/tripwire/lookout/internal/diff"
	"github.com/tripwire/lookout/internal/item"
)

// LoadBaseline implements baseline.Store.
func (s *Store) LoadBaseline(ctx context.Context, cat item.Category) ([]item.PersistenceItem, bool, error) {
	var updated string
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM baselines WHERE category = ?`, string(cat)).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: load baseline %s: %w", cat, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM baseline_items WHERE category = ? ORDER BY ord`, string(cat))
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: load baseline %s items: %w", cat, err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: load baseline %s: %w", cat, err)
	}
	return items, true, nil
}

// CommitComparison implements baseline.Store: the category baseline is
// replaced and entries appended in one transaction.
func (s *Store) CommitComparison(ctx context.Context, cat item.Category, items []item.PersistenceItem, entries []baseline.ChangeHistoryEntry) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO baselines (category, updated_at) VALUES (?, ?)
			 ON CONFLICT (category) DO UPDATE SET updated_at = excluded.updated_at`,
			string(cat), formatTime(time.Now())); err != nil {
			return fmt.Errorf("upsert baseline: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM baseline_items WHERE category = ?`, string(cat)); err != nil {
			return fmt.Errorf("clear baseline items: %w", err)
		}
		for i, it := range items {
			data, err := json.Marshal(it)
			if err != nil {
				return fmt.Errorf("marshal item %s: %w", it.Key(), err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO baseline_items (category, ord, identifier, data) VALUES (?, ?, ?, ?)`,
				string(cat), i, it.Identifier, string(data)); err != nil {
				return fmt.Errorf("insert baseline item %s: %w", it.Key(), err)
			}
		}
		for _, e := range entries {
			details, err := json.Marshal(e.Details)
			if err != nil {
				return fmt.Errorf("marshal details: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO change_history
				   (id, detected_at, change_type, category, identifier, name, details, relevance, acknowledged, acknowledged_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.ID, formatTime(e.DetectedAt), string(e.ChangeType), string(e.Category), e.Identifier, e.Name,
				string(details), e.RelevanceScore, e.Acknowledged, nullableTime(e.AcknowledgedAt),
			); err != nil {
				return fmt.Errorf("insert change %s: %w", e.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite: commit comparison %s: %w", cat, err)
	}
	return nil
}

// DeleteBaseline implements baseline.Store.
func (s *Store) DeleteBaseline(ctx context.Context, cat item.Category) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM baselines WHERE category = ?`, string(cat)); err != nil {
		return fmt.Errorf("sqlite: delete baseline %s: %w", cat, err)
	}
	return nil
}

// ListChanges implements baseline.Store. Results are newest first.
func (s *Store) ListChanges(ctx context.Context, q baseline.HistoryQuery) ([]baseline.ChangeHistoryEntry, error) {
	var (
		where []string
		args  []any
	)
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(q.Category))
	}
	if q.Identifier != "" {
		where = append(where, "identifier = ?")
		args = append(args, q.Identifier)
	}
	if !q.Since.IsZero() {
		where = append(where, "detected_at >= ?")
		args = append(args, formatTime(q.Since))
	}
	if q.UnacknowledgedOnly {
		where = append(where, "acknowledged = 0")
	}
	if q.MinRelevance > 0 {
		where = append(where, "relevance >= ?")
		args = append(args, q.MinRelevance)
	}

	query := `SELECT id, detected_at, change_type, category, identifier, name, details, relevance, acknowledged, acknowledged_at
	          FROM change_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC, seq ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list changes: %w", err)
	}
	defer rows.Close()

	out := []baseline.ChangeHistoryEntry{}
	for rows.Next() {
		var (
			e        baseline.ChangeHistoryEntry
			detected string
			details  string
			ackAt    sql.NullString
		)
		if err := rows.Scan(&e.ID, &detected, &e.ChangeType, &e.Category, &e.Identifier, &e.Name,
			&details, &e.RelevanceScore, &e.Acknowledged, &ackAt); err != nil {
			return nil, fmt.Errorf("sqlite: list changes scan: %w", err)
		}
		e.DetectedAt = parseTime(detected)
		if ackAt.Valid {
			t := parseTime(ackAt.String)
			e.AcknowledgedAt = &t
		}
		var d []diff.ChangeDetail
		if err := json.Unmarshal([]byte(details), &d); err == nil && len(d) > 0 {
			e.Details = d
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list changes rows: %w", err)
	}
	return out, nil
}

// AcknowledgeChange implements baseline.Store.
func (s *Store) AcknowledgeChange(ctx context.Context, id string, at time.Time) (bool, error) {
	var found bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var acked bool
		err := tx.QueryRowContext(ctx, `SELECT acknowledged FROM change_history WHERE id = ?`, id).Scan(&acked)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if acked {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE change_history SET acknowledged = 1, acknowledged_at = ? WHERE id = ?`, formatTime(at), id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("sqlite: acknowledge change %s: %w", id, err)
	}
	return found, nil
}

// AcknowledgeAllChanges implements baseline.Store.
func (s *Store) AcknowledgeAllChanges(ctx context.Context, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE change_history SET acknowledged = 1, acknowledged_at = ? WHERE acknowledged = 0`, formatTime(at))
	if err != nil {
		return 0, fmt.Errorf("sqlite: acknowledge all changes: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneChanges implements baseline.Store.
func (s *Store) PruneChanges(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM change_history WHERE detected_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune changes: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
