package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var nullPayload = json.RawMessage("null")

// WireValue is the transport-neutral form of a Value. Encrypted is always
// explicit; a payload is never treated as ciphertext because of its shape.
type WireValue struct {
	Type      ValueType       `json:"type,omitempty"`
	Value     json.RawMessage `json:"value"`
	Encrypted bool            `json:"encrypted,omitempty"`
}

// IsNull reports whether the wire value carries no value.
func (w WireValue) IsNull() bool {
	trimmed := bytes.TrimSpace(w.Value)
	return len(trimmed) == 0 || bytes.Equal(trimmed, nullPayload)
}

// Encode converts v to its wire form. A nil v encodes as null.
func Encode(v Value) (WireValue, error) {
	if v == nil {
		return WireValue{Value: nullPayload}, nil
	}
	payload, err := encodePayload(v, nil)
	if err != nil {
		return WireValue{}, err
	}
	return WireValue{Type: v.Type(), Value: payload}, nil
}

// cellTransform rewrites an encoded grid cell, for example to encrypt it.
type cellTransform func(column string, cell WireValue) (WireValue, error)

func encodePayload(v Value, transform cellTransform) (json.RawMessage, error) {
	var raw any
	switch v := v.(type) {
	case StringValue:
		raw = string(v)
	case IntValue:
		raw = int64(v)
	case DoubleValue:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, &MalformedValueError{Expected: TypeDouble, Err: errors.New("not a finite number")}
		}
		raw = f
	case BoolValue:
		raw = bool(v)
	case DateTimeValue:
		raw = v.Time.UTC().Format(time.RFC3339Nano)
	case TimeSpanValue:
		raw = time.Duration(v).String()
	case StringListValue:
		if v == nil {
			v = StringListValue{}
		}
		raw = []string(v)
	case KeyValueListValue:
		if v == nil {
			v = KeyValueListValue{}
		}
		raw = []KeyValuePair(v)
	case ObjectListValue:
		if v == nil {
			v = ObjectListValue{}
		}
		raw = []map[string]any(v)
	case DataGridValue:
		rows, err := encodeGrid(v, transform)
		if err != nil {
			return nil, err
		}
		raw = rows
	default:
		return nil, fmt.Errorf("%w: unsupported value %T", ErrMalformedValue, v)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, &MalformedValueError{Expected: v.Type(), Err: err}
	}
	return data, nil
}

func encodeGrid(grid DataGridValue, transform cellTransform) ([]map[string]WireValue, error) {
	rows := make([]map[string]WireValue, 0, len(grid))
	for _, row := range grid {
		encoded := make(map[string]WireValue, len(row))
		for column, cell := range row {
			if cell != nil && !cell.Type().scalar() {
				return nil, &MalformedValueError{Expected: TypeDataGrid,
					Err: fmt.Errorf("column %s holds non-scalar %s", column, cell.Type())}
			}
			w, err := Encode(cell)
			if err != nil {
				return nil, err
			}
			if transform != nil {
				if w, err = transform(column, w); err != nil {
					return nil, err
				}
			}
			encoded[column] = w
		}
		rows = append(rows, encoded)
	}
	return rows, nil
}

// Decode converts w back into a Value of type t. A null payload yields nil.
func Decode(w WireValue, t ValueType) (Value, error) {
	return decode(w, t, nil)
}

func decode(w WireValue, t ValueType, cellDecoder func(column string, cell WireValue) (Value, error)) (Value, error) {
	if !t.Valid() {
		return nil, &MalformedValueError{Expected: t, Err: errors.New("unknown value type")}
	}
	if w.Type != "" && w.Type != t {
		return nil, &MalformedValueError{Expected: t, Err: fmt.Errorf("payload is tagged %s", w.Type)}
	}
	if w.Encrypted {
		return nil, &MalformedValueError{Expected: t, Err: errors.New("payload is encrypted")}
	}
	if w.IsNull() {
		return nil, nil
	}

	malformed := func(err error) (Value, error) {
		return nil, &MalformedValueError{Expected: t, Err: err}
	}

	switch t {
	case TypeString:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return malformed(err)
		}
		return StringValue(s), nil
	case TypeInt:
		var i int64
		if err := json.Unmarshal(w.Value, &i); err != nil {
			return malformed(err)
		}
		return IntValue(i), nil
	case TypeDouble:
		var f float64
		if err := json.Unmarshal(w.Value, &f); err != nil {
			return malformed(err)
		}
		return DoubleValue(f), nil
	case TypeBool:
		var b bool
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return malformed(err)
		}
		return BoolValue(b), nil
	case TypeDateTime:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return malformed(err)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return malformed(err)
		}
		return NewDateTime(ts), nil
	case TypeTimeSpan:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return malformed(err)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return malformed(err)
		}
		return TimeSpanValue(d), nil
	case TypeStringList:
		var list []string
		if err := json.Unmarshal(w.Value, &list); err != nil {
			return malformed(err)
		}
		if list == nil {
			list = []string{}
		}
		return StringListValue(list), nil
	case TypeKeyValueList:
		var list []KeyValuePair
		if err := json.Unmarshal(w.Value, &list); err != nil {
			return malformed(err)
		}
		if list == nil {
			list = []KeyValuePair{}
		}
		return KeyValueListValue(list), nil
	case TypeObjectList:
		var list []map[string]any
		if err := json.Unmarshal(w.Value, &list); err != nil {
			return malformed(err)
		}
		if list == nil {
			list = []map[string]any{}
		}
		return ObjectListValue(list), nil
	case TypeDataGrid:
		var rows []map[string]WireValue
		if err := json.Unmarshal(w.Value, &rows); err != nil {
			return malformed(err)
		}
		if cellDecoder == nil {
			cellDecoder = decodeCell
		}
		grid := make(DataGridValue, 0, len(rows))
		for _, row := range rows {
			decoded := make(DataGridRow, len(row))
			for column, cell := range row {
				v, err := cellDecoder(column, cell)
				if err != nil {
					return nil, err
				}
				decoded[column] = v
			}
			grid = append(grid, decoded)
		}
		return grid, nil
	}
	return malformed(errors.New("unhandled value type"))
}

func decodeCell(column string, cell WireValue) (Value, error) {
	if cell.IsNull() && !cell.Encrypted {
		return nil, nil
	}
	if !cell.Type.scalar() {
		return nil, &MalformedValueError{Expected: TypeDataGrid,
			Err: fmt.Errorf("column %s has unsupported cell type %q", column, cell.Type)}
	}
	return Decode(cell, cell.Type)
}
