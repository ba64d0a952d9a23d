package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tripwire/lookout/internal/containment"
	"github.com/tripwire/lookout/internal/item"
)

// AppendAction implements containment.Store.
func (s *Store) AppendAction(ctx context.Context, a containment.Action) (containment.Action, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return a, fmt.Errorf("sqlite: marshal action: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO containment_actions (id, category, identifier, type, status, created_at, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Category), a.Identifier, string(a.Type), string(a.Status), formatTime(a.CreatedAt), string(data))
	if err != nil {
		return a, fmt.Errorf("sqlite: append action: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return a, fmt.Errorf("sqlite: append action id: %w", err)
	}
	a.Seq = seq
	s.actions.Add(1)
	return a, nil
}

// ListActions implements containment.Store.
func (s *Store) ListActions(ctx context.Context, key item.Key) ([]containment.Action, error) {
	return s.queryActions(ctx,
		`SELECT seq, data FROM containment_actions WHERE category = ? AND identifier = ? ORDER BY seq`,
		string(key.Category), key.Identifier)
}

// ListRecentActions implements containment.Store.
func (s *Store) ListRecentActions(ctx context.Context, limit int) ([]containment.Action, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryActions(ctx, `SELECT seq, data FROM containment_actions ORDER BY seq DESC LIMIT ?`, limit)
}

func (s *Store) queryActions(ctx context.Context, query string, args ...any) ([]containment.Action, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list actions: %w", err)
	}
	defer rows.Close()

	out := []containment.Action{}
	for rows.Next() {
		var (
			seq  int64
			data string
		)
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, fmt.Errorf("sqlite: list actions scan: %w", err)
		}
		var a containment.Action
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("sqlite: decode action %d: %w", seq, err)
		}
		a.Seq = seq
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list actions rows: %w", err)
	}
	return out, nil
}

// ListOpenKeys implements containment.Store.
func (s *Store) ListOpenKeys(ctx context.Context) ([]item.Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.category, a.identifier
		 FROM   containment_actions a
		 JOIN  (SELECT category, identifier, MAX(seq) AS seq
		        FROM containment_actions GROUP BY category, identifier) latest
		   ON   a.seq = latest.seq
		 WHERE  a.status NOT IN (?, ?)
		 ORDER  BY a.category, a.identifier`,
		string(containment.StatusReleased), string(containment.StatusExpired))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list open keys: %w", err)
	}
	defer rows.Close()

	var keys []item.Key
	for rows.Next() {
		var k item.Key
		if err := rows.Scan(&k.Category, &k.Identifier); err != nil {
			return nil, fmt.Errorf("sqlite: list open keys scan: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list open keys rows: %w", err)
	}
	return keys, nil
}

// UpsertNetworkRule implements containment.Store.
func (s *Store) UpsertNetworkRule(ctx context.Context, r containment.NetworkRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO network_rules (id, category, identifier, anchor, binary_path, method, rule_text, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   anchor = excluded.anchor,
		   binary_path = excluded.binary_path,
		   method = excluded.method,
		   rule_text = excluded.rule_text,
		   expires_at = excluded.expires_at`,
		r.ID, string(r.Category), r.Identifier, r.Anchor, r.BinaryPath, r.Method, r.RuleText,
		formatTime(r.CreatedAt), formatTime(r.ExpiresAt))
	if err != nil {
		return fmt.Errorf("sqlite: upsert network rule %s: %w", r.ID, err)
	}
	return nil
}

// DeleteNetworkRule implements containment.Store.
func (s *Store) DeleteNetworkRule(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM network_rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete network rule %s: %w", id, err)
	}
	return nil
}

// ListNetworkRules implements containment.Store.
func (s *Store) ListNetworkRules(ctx context.Context) ([]containment.NetworkRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, identifier, anchor, binary_path, method, rule_text, created_at, expires_at
		 FROM network_rules ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list network rules: %w", err)
	}
	defer rows.Close()

	out := []containment.NetworkRule{}
	for rows.Next() {
		var (
			r                  containment.NetworkRule
			created, expiresAt string
		)
		if err := rows.Scan(&r.ID, &r.Category, &r.Identifier, &r.Anchor, &r.BinaryPath, &r.Method, &r.RuleText,
			&created, &expiresAt); err != nil {
			return nil, fmt.Errorf("sqlite: list network rules scan: %w", err)
		}
		r.CreatedAt = parseTime(created)
		r.ExpiresAt = parseTime(expiresAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list network rules rows: %w", err)
	}
	return out, nil
}
