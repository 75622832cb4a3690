package settings

import (
	"time"
)

// ValueType tags a setting value shape.
type ValueType string

const (
	TypeString       ValueType = "string"
	TypeInt          ValueType = "int"
	TypeDouble       ValueType = "double"
	TypeBool         ValueType = "bool"
	TypeDateTime     ValueType = "datetime"
	TypeTimeSpan     ValueType = "timespan"
	TypeStringList   ValueType = "stringlist"
	TypeKeyValueList ValueType = "keyvaluelist"
	TypeObjectList   ValueType = "objectlist"
	TypeDataGrid     ValueType = "datagrid"
)

// AllValueTypes returns every supported value shape. Adding a Value
// implementation without listing it here breaks the codec tests.
func AllValueTypes() []ValueType {
	return []ValueType{
		TypeString, TypeInt, TypeDouble, TypeBool, TypeDateTime, TypeTimeSpan,
		TypeStringList, TypeKeyValueList, TypeObjectList, TypeDataGrid,
	}
}

// Valid reports whether t is a known value type.
func (t ValueType) Valid() bool {
	for _, known := range AllValueTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// scalar reports whether t can appear as a data grid cell.
func (t ValueType) scalar() bool {
	switch t {
	case TypeString, TypeInt, TypeDouble, TypeBool, TypeDateTime, TypeTimeSpan:
		return true
	}
	return false
}

// Value is a setting value. The set of implementations is closed; a nil
// Value means the setting is unset.
type Value interface {
	Type() ValueType
	sealed()
}

type StringValue string

type IntValue int64

type DoubleValue float64

type BoolValue bool

type DateTimeValue struct {
	Time time.Time
}

type TimeSpanValue time.Duration

type StringListValue []string

// KeyValuePair is one entry of a KeyValueListValue. Keys may repeat.
type KeyValuePair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type KeyValueListValue []KeyValuePair

// ObjectListValue holds heterogeneous records. Leaves must be JSON native:
// string, float64, bool, nil, []any or map[string]any.
type ObjectListValue []map[string]any

// DataGridRow maps column name to a scalar cell value.
type DataGridRow map[string]Value

type DataGridValue []DataGridRow

func (StringValue) Type() ValueType       { return TypeString }
func (IntValue) Type() ValueType          { return TypeInt }
func (DoubleValue) Type() ValueType       { return TypeDouble }
func (BoolValue) Type() ValueType         { return TypeBool }
func (DateTimeValue) Type() ValueType     { return TypeDateTime }
func (TimeSpanValue) Type() ValueType     { return TypeTimeSpan }
func (StringListValue) Type() ValueType   { return TypeStringList }
func (KeyValueListValue) Type() ValueType { return TypeKeyValueList }
func (ObjectListValue) Type() ValueType   { return TypeObjectList }
func (DataGridValue) Type() ValueType     { return TypeDataGrid }

func (StringValue) sealed()       {}
func (IntValue) sealed()          {}
func (DoubleValue) sealed()       {}
func (BoolValue) sealed()         {}
func (DateTimeValue) sealed()     {}
func (TimeSpanValue) sealed()     {}
func (StringListValue) sealed()   {}
func (KeyValueListValue) sealed() {}
func (ObjectListValue) sealed()   {}
func (DataGridValue) sealed()     {}

// NewDateTime returns a DateTimeValue normalized to UTC.
func NewDateTime(t time.Time) DateTimeValue {
	return DateTimeValue{Time: t.UTC()}
}
