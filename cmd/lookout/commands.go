package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/lookout/internal/baseline"
	"github.com/tripwire/lookout/internal/containment"
	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/server/stream"
)

func newHealthCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := g.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if g.json {
				return writeJSON(w, h)
			}
			fmt.Fprintf(w, "status:     %s\n", h.Status)
			fmt.Fprintf(w, "uptime:     %s\n", (time.Duration(h.UptimeS) * time.Second).String())
			fmt.Fprintf(w, "scanning:   %t\n", h.ScanRunning)
			fmt.Fprintf(w, "last scan:  %s %s (%d errors)\n", orDash(h.LastScanID), orDash(h.LastScanAt), h.LastScanErrs)
			if h.StoreError != "" {
				fmt.Fprintf(w, "store:      %s\n", styleError.Render(h.StoreError))
			}
			return nil
		},
	}
}

func newScanCmd(g *globals) *cobra.Command {
	var categories []string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a scan now and report changes against the baseline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cats, err := parseCategories(categories)
			if err != nil {
				return err
			}
			r, err := g.client().Scan(cmd.Context(), cats)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if g.json {
				return writeJSON(w, r)
			}
			title(w, "Snapshot %s: %d items", r.Snapshot.ID, len(r.Snapshot.Items))
			for cat, msg := range r.Snapshot.Stats.Errors {
				fmt.Fprintf(w, "  %s: %s\n", cat, styleError.Render(msg))
			}
			if r.Snapshot.Stats.Cancelled {
				fmt.Fprintln(w, styleWarning.Render("  scan was cancelled; baselines unchanged"))
			}
			fmt.Fprintln(w)
			title(w, "Changes")
			return writeChanges(w, r.Changes)
		},
	}
	cmd.Flags().StringSliceVar(&categories, "category", nil,
		"Category to scan; repeatable (default all)")
	return cmd
}

func newSnapshotsCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List stored snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snaps, err := g.client().Snapshots(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if g.json {
				return writeJSON(w, snaps)
			}
			if len(snaps) == 0 {
				muted(w, "no snapshots")
				return nil
			}
			t := newTable(w, "ID", "CREATED", "ITEMS", "ERRORS", "CANCELLED")
			for _, s := range snaps {
				t.row(s.ID, ts(s.CreatedAt), fmt.Sprint(s.ItemCount), fmt.Sprint(s.ErrorCount), fmt.Sprint(s.Cancelled))
			}
			return t.flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum snapshots to list")
	return cmd
}

func newSnapshotCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot ID",
		Short: "Show the items of one snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.client().Snapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if g.json {
				return writeJSON(w, s)
			}
			title(w, "Snapshot %s taken %s", s.ID, ts(s.CreatedAt))
			return writeItems(w, s.Items)
		},
	}
}

func newDiffCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "diff FROM [TO]",
		Short: "Compare two snapshots; TO defaults to the latest",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to := ""
			if len(args) == 2 {
				to = args[1]
			}
			d, err := g.client().Diff(cmd.Context(), args[0], to)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if g.json {
				return writeJSON(w, d)
			}
			title(w, "%s -> %s", d.FromSnapshotID, d.ToSnapshotID)
			if d.Empty() {
				muted(w, "no differences")
				return nil
			}
			for _, it := range d.Added {
				fmt.Fprintf(w, "%s %s\n", styleWarning.Render("+"), it.Key())
			}
			for _, it := range d.Removed {
				fmt.Fprintf(w, "%s %s\n", styleMuted.Render("-"), it.Key())
			}
			for _, c := range d.Changed {
				fmt.Fprintf(w, "~ %s\n", c.Item.Key())
				for _, det := range c.Details {
					fmt.Fprintf(w, "    %s: %q -> %q\n", det.Field, det.OldValue, det.NewValue)
				}
			}
			return nil
		},
	}
}

func newPruneCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			changes, snaps, err := g.client().Prune(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if g.json {
				return writeJSON(w, map[string]int{"changes": changes, "snapshots": snaps})
			}
			fmt.Fprintf(w, "pruned %d changes and %d snapshots\n", changes, snaps)
			return nil
		},
	}
}

func newChangesCmd(g *globals) *cobra.Command {
	var (
		category     string
		identifier   string
		since        string
		minRelevance int
		unacked      bool
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Query the change history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := baseline.HistoryQuery{
				Identifier:         identifier,
				MinRelevance:       minRelevance,
				UnacknowledgedOnly: unacked,
				Limit:              limit,
			}
			if category != "" {
				cat, err := item.ParseCategory(category)
				if err != nil {
					return err
				}
				q.Category = cat
			}
			if since != "" {
				t, err := parseSince(since, time.Now())
				if err != nil {
					return err
				}
				q.Since = t
			}
			changes, err := g.client().Changes(cmd.Context(), q)
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), changes)
			}
			return writeChanges(cmd.OutOrStdout(), changes)
		},
	}
	f := cmd.Flags()
	f.StringVar(&category, "category", "", "Only changes in this category")
	f.StringVar(&identifier, "identifier", "", "Only changes of this identifier")
	f.StringVar(&since, "since", "", "Only changes after this time (RFC3339 or a duration such as 24h)")
	f.IntVar(&minRelevance, "min-relevance", 0, "Minimum relevance score (0-100)")
	f.BoolVar(&unacked, "unacknowledged", false, "Only changes not yet acknowledged")
	f.IntVar(&limit, "limit", 0, "Maximum changes to list")
	return cmd
}

func newAckCmd(g *globals) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ack [ID]",
		Short: "Acknowledge one change, or every change with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			switch {
			case all && len(args) == 0:
				n, err := g.client().AcknowledgeAll(cmd.Context())
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(w, map[string]int{"acknowledged": n})
				}
				fmt.Fprintf(w, "acknowledged %d changes\n", n)
				return nil
			case !all && len(args) == 1:
				if err := g.client().Acknowledge(cmd.Context(), args[0]); err != nil {
					return err
				}
				if !g.json {
					fmt.Fprintf(w, "acknowledged %s\n", args[0])
				}
				return nil
			default:
				return errors.New("ack: pass either a change ID or --all")
			}
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Acknowledge every change")
	return cmd
}

func newBaselineCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Manage category baselines",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset CATEGORY",
		Short: "Discard a category's baseline; the next scan re-establishes it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := item.ParseCategory(args[0])
			if err != nil {
				return err
			}
			if err := g.client().ResetBaseline(cmd.Context(), cat); err != nil {
				return err
			}
			if !g.json {
				fmt.Fprintf(cmd.OutOrStdout(), "baseline of %s reset\n", cat)
			}
			return nil
		},
	})
	return cmd
}

func newApplyCmd(g *globals, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " CATEGORY IDENTIFIER",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args)
			if err != nil {
				return err
			}
			r, err := g.client().Apply(cmd.Context(), op, key)
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), r)
			}
			return writeResult(cmd.OutOrStdout(), r)
		},
	}
}

func newExtendCmd(g *globals) *cobra.Command {
	var by time.Duration
	cmd := &cobra.Command{
		Use:   "extend CATEGORY IDENTIFIER",
		Short: "Push out the expiry of an active containment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args)
			if err != nil {
				return err
			}
			if by < 0 {
				return fmt.Errorf("extend: --by must be positive, got %s", by)
			}
			r, err := g.client().Extend(cmd.Context(), key, by)
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), r)
			}
			return writeResult(cmd.OutOrStdout(), r)
		},
	}
	cmd.Flags().DurationVar(&by, "by", 0, "How long to extend by (default the daemon's TTL)")
	return cmd
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status CATEGORY IDENTIFIER",
		Short: "Show the containment state and history of an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args)
			if err != nil {
				return err
			}
			r, err := g.client().State(cmd.Context(), key)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if g.json {
				return writeJSON(w, r)
			}
			fmt.Fprintf(w, "%s: %s", r.Key, stateLabel(r.State))
			if !r.ExpiresAt.IsZero() {
				fmt.Fprintf(w, " until %s", ts(r.ExpiresAt))
			}
			fmt.Fprintln(w)
			return writeActions(w, r.Actions)
		},
	}
}

func newActionsCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List recent containment actions across all items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			acts, err := g.client().Actions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), acts)
			}
			return writeActions(cmd.OutOrStdout(), acts)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum actions to list")
	return cmd
}

func newRulesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List installed network block rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rules, err := g.client().Rules(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if g.json {
				return writeJSON(w, rules)
			}
			if len(rules) == 0 {
				muted(w, "no rules installed")
				return nil
			}
			t := newTable(w, "ITEM", "METHOD", "ANCHOR", "EXPIRES", "BINARY")
			for _, r := range rules {
				key := item.Key{Category: r.Category, Identifier: r.Identifier}
				t.row(key.String(), r.Method, r.Anchor, ts(r.ExpiresAt), r.BinaryPath)
			}
			return t.flush()
		},
	}
}

func newAuditCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Verify the audit log and show its newest entries",
		Long: `Verify the hash chain of the daemon's audit log and print its newest
entries. Exits non-zero when the chain does not verify.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tail, err := g.client().Audit(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if g.json {
				if err := writeJSON(w, tail); err != nil {
					return err
				}
			} else {
				if tail.Verified {
					fmt.Fprintln(w, styleOK.Render("chain verified"))
				}
				t := newTable(w, "SEQ", "TIME", "KIND", "HASH")
				for _, e := range tail.Entries {
					t.row(fmt.Sprint(e.Seq), ts(e.Timestamp), e.Kind, shortHash(e.EventHash))
				}
				if err := t.flush(); err != nil {
					return err
				}
			}
			if !tail.Verified {
				return fmt.Errorf("audit chain broken: %s", tail.Error)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of entries to show")
	return cmd
}

func newWatchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream scans, changes and containment actions as they happen",
		Long: `Subscribe to the daemon's event stream and print each event until
interrupted. With --json every event is printed as one JSON line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			return g.client().Watch(cmd.Context(), func(ev stream.Event) error {
				if g.json {
					return json.NewEncoder(w).Encode(ev)
				}
				return writeEvent(w, ev)
			})
		},
	}
}

func writeEvent(w io.Writer, ev stream.Event) error {
	at := ts(ev.Time)
	switch ev.Type {
	case stream.TypeScan:
		var s stream.ScanEvent
		if err := json.Unmarshal(ev.Data, &s); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s scan      %s: %d items, %d changes\n", at, s.Snapshot.ID, s.Snapshot.ItemCount, s.Changes)
	case stream.TypeChange:
		var c baseline.ChangeHistoryEntry
		if err := json.Unmarshal(ev.Data, &c); err != nil {
			return err
		}
		key := item.Key{Category: c.Category, Identifier: c.Identifier}
		fmt.Fprintf(w, "%s change    %s %s relevance %s\n", at, c.ChangeType, key, riskLabel(c.RelevanceScore))
	case stream.TypeContainment:
		var a containment.Action
		if err := json.Unmarshal(ev.Data, &a); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s contain   %s %s %s\n", at, a.Type, a.Key(), stateLabel(containment.State(a.Status)))
	default:
		fmt.Fprintf(w, "%s %s\n", at, ev.Type)
	}
	return nil
}

func parseCategories(raw []string) ([]item.Category, error) {
	var out []item.Category
	for _, r := range raw {
		for _, s := range strings.Split(r, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			cat, err := item.ParseCategory(s)
			if err != nil {
				return nil, err
			}
			out = append(out, cat)
		}
	}
	return out, nil
}

func parseKey(args []string) (item.Key, error) {
	cat, err := item.ParseCategory(args[0])
	if err != nil {
		return item.Key{}, err
	}
	if strings.TrimSpace(args[1]) == "" {
		return item.Key{}, errors.New("identifier must not be empty")
	}
	return item.Key{Category: cat, Identifier: args[1]}, nil
}

// parseSince accepts an RFC3339 timestamp or a duration counted back from
// now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid --since %q: want RFC3339 or a positive duration", s)
	}
	return now.Add(-d), nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
