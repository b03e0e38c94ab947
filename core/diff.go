package core

import (
	"encoding/json"
	"reflect"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Diff describes one field change. Scalar diffs carry OldValue/NewValue; list diffs
// carry AddedToList/RemovedFromList. A Diff is never both.
type Diff struct {
	OldValue        any
	NewValue        any
	AddedToList     []string
	RemovedFromList []string
	list            bool
}

type scalarDiffJSON struct {
	OldValue any `json:"old_value"`
	NewValue any `json:"new_value"`
}

type listDiffJSON struct {
	AddedToList     []string `json:"added_to_list"`
	RemovedFromList []string `json:"removed_from_list"`
}

// IsList reports whether the diff is a list diff.
func (d Diff) IsList() bool { return d.list }

// MarshalJSON renders only the keys of the diff's shape.
func (d Diff) MarshalJSON() ([]byte, error) {
	if d.list {
		return json.Marshal(listDiffJSON{
			AddedToList:     nonNil(d.AddedToList),
			RemovedFromList: nonNil(d.RemovedFromList),
		})
	}
	return json.Marshal(scalarDiffJSON{OldValue: d.OldValue, NewValue: d.NewValue})
}

// UnmarshalJSON picks the shape from the keys present.
func (d *Diff) UnmarshalJSON(data []byte) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	_, added := keys["added_to_list"]
	_, removed := keys["removed_from_list"]
	if added || removed {
		var l listDiffJSON
		if err := json.Unmarshal(data, &l); err != nil {
			return err
		}
		*d = Diff{AddedToList: nonNil(l.AddedToList), RemovedFromList: nonNil(l.RemovedFromList), list: true}
		return nil
	}
	var s scalarDiffJSON
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*d = Diff{OldValue: s.OldValue, NewValue: s.NewValue}
	return nil
}

// FieldDiff pairs a field name with its Diff.
type FieldDiff struct {
	Field string
	Diff  Diff
}

// ScalarDiff compares the serialized forms of old and new and returns the diff
// when they differ.
func ScalarDiff(field string, oldValue, newValue any) (FieldDiff, bool) {
	o, n := DiffValue(oldValue), DiffValue(newValue)
	if reflect.DeepEqual(o, n) {
		return FieldDiff{}, false
	}
	return FieldDiff{Field: field, Diff: Diff{OldValue: o, NewValue: n}}, true
}

// ListDiff compares two value lists with set semantics. Added values are sorted
// ascending, removed values keep their original order.
func ListDiff(field string, oldValues, newValues []string) (FieldDiff, bool) {
	newValues = DedupeValues(newValues)
	oldSet := make(map[string]struct{}, len(oldValues))
	for _, v := range oldValues {
		oldSet[v] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(newValues))
	for _, v := range newValues {
		newSet[v] = struct{}{}
	}

	added := []string{}
	for _, v := range newValues {
		if _, ok := oldSet[v]; !ok {
			added = append(added, v)
		}
	}
	slices.Sort(added)

	removed := []string{}
	seen := make(map[string]struct{}, len(oldValues))
	for _, v := range oldValues {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		if _, ok := newSet[v]; !ok {
			removed = append(removed, v)
		}
	}

	if len(added) == 0 && len(removed) == 0 {
		return FieldDiff{}, false
	}
	return FieldDiff{Field: field, Diff: Diff{AddedToList: added, RemovedFromList: removed, list: true}}, true
}

// AddedToList is a list diff with a single added value, used for membership changes
// recorded on an owning node.
func AddedToList(field string, values ...string) FieldDiff {
	added := slices.Clone(values)
	slices.Sort(added)
	return FieldDiff{Field: field, Diff: Diff{AddedToList: added, RemovedFromList: []string{}, list: true}}
}

// RemovedFromList is a list diff with removed values only.
func RemovedFromList(field string, values ...string) FieldDiff {
	return FieldDiff{Field: field, Diff: Diff{AddedToList: []string{}, RemovedFromList: slices.Clone(values), list: true}}
}

// DedupeValues drops repeated values, keeping first occurrences in order.
func DedupeValues(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// DiffValue converts a field value into the form stored in a diff: pointers are
// dereferenced (nil becomes null), timestamps become RFC3339Nano UTC strings and
// uuids become strings.
func DiffValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case *string:
		if val == nil {
			return nil
		}
		return *val
	case *bool:
		if val == nil {
			return nil
		}
		return *val
	case *int:
		if val == nil {
			return nil
		}
		return *val
	case time.Time:
		return FormatTime(val)
	case *time.Time:
		if val == nil {
			return nil
		}
		return FormatTime(*val)
	case uuid.UUID:
		return val.String()
	case *uuid.UUID:
		if val == nil {
			return nil
		}
		return val.String()
	case json.RawMessage:
		if len(val) == 0 {
			return nil
		}
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return string(val)
		}
		return decoded
	default:
		return v
	}
}

// FormatTime renders a timestamp the way history diffs and snapshots store it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
