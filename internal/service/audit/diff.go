package audit

import (
	"reflect"
	"sort"

	"procgate/internal/domain"
)

// GetChangedFields diffs two snapshots of a row. Fields present in both maps
// with equal values are omitted; additions carry a nil old value and
// removals a nil new value. The result is sorted by field name.
func GetChangedFields(oldValues, newValues map[string]any) []domain.FieldChange {
	names := make(map[string]struct{}, len(oldValues)+len(newValues))
	for k := range oldValues {
		names[k] = struct{}{}
	}
	for k := range newValues {
		names[k] = struct{}{}
	}

	changes := make([]domain.FieldChange, 0, len(names))
	for name := range names {
		oldV, inOld := oldValues[name]
		newV, inNew := newValues[name]
		if inOld && inNew && reflect.DeepEqual(oldV, newV) {
			continue
		}
		changes = append(changes, domain.FieldChange{
			Field:    name,
			OldValue: oldV,
			NewValue: newV,
		})
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
	return changes
}
