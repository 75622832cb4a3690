package settings

import (
	"reflect"
)

// ValuesEqual compares two values by content. Date times compare by instant
// and a nil list equals an empty one of the same type.
func ValuesEqual(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Type() != b.Type() {
		return false
	}

	switch av := a.(type) {
	case StringValue, IntValue, DoubleValue, BoolValue, TimeSpanValue:
		return a == b
	case DateTimeValue:
		return av.Time.Equal(b.(DateTimeValue).Time)
	case StringListValue:
		bv := b.(StringListValue)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case KeyValueListValue:
		bv := b.(KeyValueListValue)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case ObjectListValue:
		bv := b.(ObjectListValue)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !reflect.DeepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case DataGridValue:
		bv := b.(DataGridValue)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if len(av[i]) != len(bv[i]) {
				return false
			}
			for column, cell := range av[i] {
				other, ok := bv[i][column]
				if !ok || !ValuesEqual(cell, other) {
					return false
				}
			}
		}
		return true
	}
	return false
}

// CloneValue returns a copy of v that shares no mutable state with it.
func CloneValue(v Value) Value {
	switch v := v.(type) {
	case nil:
		return nil
	case StringListValue:
		if v == nil {
			return v
		}
		return append(StringListValue{}, v...)
	case KeyValueListValue:
		if v == nil {
			return v
		}
		return append(KeyValueListValue{}, v...)
	case ObjectListValue:
		if v == nil {
			return v
		}
		out := make(ObjectListValue, len(v))
		for i, record := range v {
			out[i] = cloneJSON(record).(map[string]any)
		}
		return out
	case DataGridValue:
		if v == nil {
			return v
		}
		out := make(DataGridValue, len(v))
		for i, row := range v {
			cp := make(DataGridRow, len(row))
			for column, cell := range row {
				cp[column] = CloneValue(cell)
			}
			out[i] = cp
		}
		return out
	default:
		return v
	}
}

func cloneJSON(v any) any {
	switch v := v.(type) {
	case map[string]any:
		if v == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = cloneJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneJSON(item)
		}
		return out
	default:
		return v
	}
}
