// Package diff compares two persistence inventories. Compare is pure: the
// result depends only on the contents of its inputs, never on their order.
package diff

import (
	"bytes"
	"encoding/json"
	"slices"
	"strconv"
	"time"

	"github.com/tripwire/lookout/internal/item"
)

// ChangeType classifies a change between two observations of the inventory.
type ChangeType string

const (
	ChangeAdded             ChangeType = "added"
	ChangeRemoved           ChangeType = "removed"
	ChangeModified          ChangeType = "modified"
	ChangeEnabled           ChangeType = "enabled"
	ChangeDisabled          ChangeType = "disabled"
	ChangeTrustLevelChanged ChangeType = "trustLevelChanged"
)

// Field names reported in ChangeDetail.Field.
const (
	FieldExecutablePath   = "executablePath"
	FieldIsEnabled        = "isEnabled"
	FieldIsLoaded         = "isLoaded"
	FieldTrustLevel       = "trustLevel"
	FieldProgramArguments = "programArguments"
	FieldRunAtLoad        = "runAtLoad"
	FieldKeepAlive        = "keepAlive"
	FieldBundleIdentifier = "bundleIdentifier"
	FieldVersion          = "version"
	FieldWorkingDirectory = "workingDirectory"
	FieldPlistModifiedAt  = "plistModifiedAt"
	FieldBinaryModifiedAt = "binaryModifiedAt"
)

// ChangeDetail is one differing field, rendered as strings.
type ChangeDetail struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// ItemChange is an item present on both sides with at least one differing
// compared field. Item is the newer observation.
type ItemChange struct {
	Item       item.PersistenceItem `json:"item"`
	Previous   item.PersistenceItem `json:"previous"`
	ChangeType ChangeType           `json:"change_type"`
	Details    []ChangeDetail       `json:"details"`
}

// SnapshotDiff is the result of Compare. All slices are sorted by item key.
type SnapshotDiff struct {
	FromSnapshotID string                 `json:"from_snapshot_id,omitempty"`
	ToSnapshotID   string                 `json:"to_snapshot_id,omitempty"`
	Added          []item.PersistenceItem `json:"added"`
	Removed        []item.PersistenceItem `json:"removed"`
	Changed        []ItemChange           `json:"changed"`
}

// Empty reports whether the two sides were equivalent.
func (d SnapshotDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Count is the total number of differences.
func (d SnapshotDiff) Count() int {
	return len(d.Added) + len(d.Removed) + len(d.Changed)
}

type field struct {
	name string
	get  func(item.PersistenceItem) string
}

// compared is the fixed list of fields a change is detected on.
var compared = []field{
	{FieldExecutablePath, func(p item.PersistenceItem) string { return p.ExecutablePath }},
	{FieldIsEnabled, func(p item.PersistenceItem) string { return strconv.FormatBool(p.IsEnabled) }},
	{FieldIsLoaded, func(p item.PersistenceItem) string { return strconv.FormatBool(p.IsLoaded) }},
	{FieldTrustLevel, func(p item.PersistenceItem) string { return p.TrustLevel.String() }},
	{FieldProgramArguments, func(p item.PersistenceItem) string { return renderArgs(p.ProgramArguments) }},
	{FieldRunAtLoad, func(p item.PersistenceItem) string { return strconv.FormatBool(p.RunAtLoad) }},
	{FieldKeepAlive, func(p item.PersistenceItem) string { return strconv.FormatBool(p.KeepAlive) }},
	{FieldBundleIdentifier, func(p item.PersistenceItem) string { return p.BundleIdentifier }},
	{FieldVersion, func(p item.PersistenceItem) string { return p.Version }},
	{FieldWorkingDirectory, func(p item.PersistenceItem) string { return p.WorkingDirectory }},
	{FieldPlistModifiedAt, func(p item.PersistenceItem) string { return renderTime(p.PlistModifiedAt) }},
	{FieldBinaryModifiedAt, func(p item.PersistenceItem) string { return renderTime(p.BinaryModifiedAt) }},
}

// ComparedFields lists the field names Compare inspects, in report order.
func ComparedFields() []string {
	out := make([]string, len(compared))
	for i, f := range compared {
		out[i] = f.name
	}
	return out
}

// Compare diffs from (older) against to (newer), keyed by (category,
// identifier).
func Compare(from, to []item.PersistenceItem) SnapshotDiff {
	old := index(from)
	cur := index(to)

	d := SnapshotDiff{
		Added:   []item.PersistenceItem{},
		Removed: []item.PersistenceItem{},
		Changed: []ItemChange{},
	}
	for _, k := range sortedKeys(cur) {
		now := cur[k]
		prev, ok := old[k]
		if !ok {
			d.Added = append(d.Added, now.Clone())
			continue
		}
		details := Fields(prev, now)
		if len(details) == 0 {
			continue
		}
		d.Changed = append(d.Changed, ItemChange{
			Item:       now.Clone(),
			Previous:   prev.Clone(),
			ChangeType: Classify(details),
			Details:    details,
		})
	}
	for _, k := range sortedKeys(old) {
		if _, ok := cur[k]; !ok {
			d.Removed = append(d.Removed, old[k].Clone())
		}
	}
	return d
}

// Fields returns the compared fields that differ between prev and now.
func Fields(prev, now item.PersistenceItem) []ChangeDetail {
	var out []ChangeDetail
	for _, f := range compared {
		a, b := f.get(prev), f.get(now)
		if a != b {
			out = append(out, ChangeDetail{Field: f.name, OldValue: a, NewValue: b})
		}
	}
	return out
}

// Classify maps the differing fields of a changed item to a change type. A
// change touching only isEnabled is enabled/disabled and one touching only
// trustLevel is trustLevelChanged; anything else is modified.
func Classify(details []ChangeDetail) ChangeType {
	if len(details) != 1 {
		return ChangeModified
	}
	switch details[0].Field {
	case FieldIsEnabled:
		if details[0].NewValue == "true" {
			return ChangeEnabled
		}
		return ChangeDisabled
	case FieldTrustLevel:
		return ChangeTrustLevelChanged
	}
	return ChangeModified
}

// index keys items. If a key appears more than once the copy with the
// greatest JSON encoding wins, so the outcome is independent of input order.
func index(items []item.PersistenceItem) map[item.Key]item.PersistenceItem {
	m := make(map[item.Key]item.PersistenceItem, len(items))
	var enc map[item.Key][]byte
	for _, it := range items {
		k := it.Key()
		prev, dup := m[k]
		if !dup {
			m[k] = it
			continue
		}
		if enc == nil {
			enc = make(map[item.Key][]byte)
		}
		pb, ok := enc[k]
		if !ok {
			pb, _ = json.Marshal(prev)
		}
		nb, _ := json.Marshal(it)
		if bytes.Compare(nb, pb) > 0 {
			m[k] = it
			enc[k] = nb
		} else {
			enc[k] = pb
		}
	}
	return m
}

func sortedKeys(m map[item.Key]item.PersistenceItem) []item.Key {
	keys := make([]item.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b item.Key) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	return keys
}

func renderArgs(args []string) string {
	if len(args) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(args)
	return string(b)
}

func renderTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
