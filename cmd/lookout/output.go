package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/tripwire/lookout/internal/baseline"
	"github.com/tripwire/lookout/internal/containment"
	"github.com/tripwire/lookout/internal/item"
)

var (
	colorOK      = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#6C7A89")

	styleTitle   = lipgloss.NewStyle().Bold(true)
	styleOK      = lipgloss.NewStyle().Foreground(colorOK)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes tab-separated rows aligned into columns. Styled text must
// stay in the last column so escape sequences do not skew the padding.
type table struct {
	tw *tabwriter.Writer
}

func newTable(w io.Writer, header ...string) *table {
	t := &table{tw: tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)}
	t.row(header...)
	return t
}

func (t *table) row(cols ...string) {
	fmt.Fprintln(t.tw, strings.Join(cols, "\t"))
}

func (t *table) flush() error { return t.tw.Flush() }

func title(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, styleTitle.Render(fmt.Sprintf(format, args...)))
}

func muted(w io.Writer, s string) {
	fmt.Fprintln(w, styleMuted.Render(s))
}

// riskLabel renders a score with its band.
func riskLabel(score int) string {
	s := fmt.Sprintf("%d", score)
	switch {
	case score >= 70:
		return styleError.Render(s + " high")
	case score >= 40:
		return styleWarning.Render(s + " medium")
	default:
		return s + " low"
	}
}

func stateLabel(s containment.State) string {
	switch s {
	case containment.StateActive:
		return styleOK.Render(string(s))
	case containment.StatePartial:
		return styleWarning.Render(string(s))
	case containment.StateFailed:
		return styleError.Render(string(s))
	default:
		return string(s)
	}
}

func ts(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func writeItems(w io.Writer, items []item.PersistenceItem) error {
	if len(items) == 0 {
		muted(w, "no items")
		return nil
	}
	t := newTable(w, "CATEGORY", "IDENTIFIER", "TRUST", "EXECUTABLE", "RISK")
	for _, it := range items {
		t.row(string(it.Category), it.Identifier, it.TrustLevel.String(), orDash(it.ExecutablePath), riskLabel(it.RiskScore))
	}
	return t.flush()
}

func writeChanges(w io.Writer, changes []baseline.ChangeHistoryEntry) error {
	if len(changes) == 0 {
		muted(w, "no changes")
		return nil
	}
	t := newTable(w, "ID", "DETECTED", "TYPE", "ITEM", "ACK", "RELEVANCE")
	for _, c := range changes {
		ack := "no"
		if c.Acknowledged {
			ack = "yes"
		}
		key := item.Key{Category: c.Category, Identifier: c.Identifier}
		t.row(c.ID, ts(c.DetectedAt), string(c.ChangeType), key.String(), ack, riskLabel(c.RelevanceScore))
	}
	if err := t.flush(); err != nil {
		return err
	}
	for _, c := range changes {
		for _, d := range c.Details {
			fmt.Fprintf(w, "  %s %s: %q -> %q\n", c.ID, d.Field, d.OldValue, d.NewValue)
		}
	}
	return nil
}

func writeActions(w io.Writer, actions []containment.Action) error {
	if len(actions) == 0 {
		muted(w, "no actions")
		return nil
	}
	t := newTable(w, "SEQ", "CREATED", "ITEM", "TYPE", "EXPIRES", "STATUS")
	for _, a := range actions {
		t.row(fmt.Sprintf("%d", a.Seq), ts(a.CreatedAt), a.Key().String(), string(a.Type), ts(a.ExpiresAt),
			stateLabel(containment.State(a.Status)))
	}
	return t.flush()
}

func writeResult(w io.Writer, r containment.Result) error {
	fmt.Fprintf(w, "%s: %s", r.Key, stateLabel(r.State))
	if !r.ExpiresAt.IsZero() && (r.State == containment.StateActive || r.State == containment.StatePartial) {
		fmt.Fprintf(w, " until %s", ts(r.ExpiresAt))
	}
	fmt.Fprintln(w)
	for _, a := range r.Actions {
		for _, k := range []string{"persistence_error", "network_error"} {
			if v, ok := a.Details[k]; ok {
				fmt.Fprintf(w, "  %s: %s\n", k, styleError.Render(v))
			}
		}
	}
	return nil
}
