package settings

import (
	"fmt"
	"regexp"
	"time"
)

// Schema declares the settings a client registers. It replaces discovering
// settings by reflection: every definition is added explicitly, in order.
type Schema struct {
	defs []*Definition
}

func NewSchema() *Schema {
	return &Schema{}
}

// SettingBuilder refines the definition most recently added to a Schema.
type SettingBuilder struct {
	def *Definition
}

func (s *Schema) add(name, description string, t ValueType, def Value) *SettingBuilder {
	d := &Definition{
		Name:         name,
		Description:  description,
		ValueType:    t,
		DefaultValue: def,
		DisplayOrder: len(s.defs) + 1,
	}
	s.defs = append(s.defs, d)
	return &SettingBuilder{def: d}
}

func (s *Schema) String(name, description, def string) *SettingBuilder {
	return s.add(name, description, TypeString, StringValue(def))
}

func (s *Schema) Int(name, description string, def int64) *SettingBuilder {
	return s.add(name, description, TypeInt, IntValue(def))
}

func (s *Schema) Double(name, description string, def float64) *SettingBuilder {
	return s.add(name, description, TypeDouble, DoubleValue(def))
}

func (s *Schema) Bool(name, description string, def bool) *SettingBuilder {
	return s.add(name, description, TypeBool, BoolValue(def))
}

func (s *Schema) DateTime(name, description string, def time.Time) *SettingBuilder {
	var v Value
	if !def.IsZero() {
		v = NewDateTime(def)
	}
	return s.add(name, description, TypeDateTime, v)
}

func (s *Schema) TimeSpan(name, description string, def time.Duration) *SettingBuilder {
	return s.add(name, description, TypeTimeSpan, TimeSpanValue(def))
}

func (s *Schema) StringList(name, description string, def ...string) *SettingBuilder {
	var v Value
	if def != nil {
		v = StringListValue(def)
	}
	return s.add(name, description, TypeStringList, v)
}

func (s *Schema) KeyValueList(name, description string, def ...KeyValuePair) *SettingBuilder {
	var v Value
	if def != nil {
		v = KeyValueListValue(def)
	}
	return s.add(name, description, TypeKeyValueList, v)
}

func (s *Schema) ObjectList(name, description string, def ...map[string]any) *SettingBuilder {
	var v Value
	if def != nil {
		v = ObjectListValue(def)
	}
	return s.add(name, description, TypeObjectList, v)
}

func (s *Schema) DataGrid(name, description string, columns ...DataGridColumn) *SettingBuilder {
	b := s.add(name, description, TypeDataGrid, nil)
	b.def.DataGrid = &DataGridDefinition{Columns: columns}
	return b
}

func (b *SettingBuilder) Secret() *SettingBuilder {
	b.def.IsSecret = true
	return b
}

func (b *SettingBuilder) Group(group string) *SettingBuilder {
	b.def.Group = group
	return b
}

func (b *SettingBuilder) Advanced() *SettingBuilder {
	b.def.Advanced = true
	return b
}

func (b *SettingBuilder) LiveUpdate() *SettingBuilder {
	b.def.SupportsLiveUpdate = true
	return b
}

func (b *SettingBuilder) Validation(regex, explanation string) *SettingBuilder {
	b.def.ValidationRegex = regex
	b.def.ValidationExplanation = explanation
	return b
}

func (b *SettingBuilder) ValidValues(values ...string) *SettingBuilder {
	b.def.ValidValues = values
	return b
}

func (b *SettingBuilder) Category(name, color string) *SettingBuilder {
	b.def.CategoryName = name
	b.def.CategoryColor = color
	return b
}

func (b *SettingBuilder) Enables(settings ...string) *SettingBuilder {
	b.def.EnablesSettings = settings
	return b
}

// Build validates the schema and returns copies of its definitions.
func (s *Schema) Build() ([]*Definition, error) {
	seen := make(map[string]bool, len(s.defs))
	out := make([]*Definition, 0, len(s.defs))
	for _, d := range s.defs {
		if d.Name == "" {
			return nil, fmt.Errorf("setting #%d has no name", d.DisplayOrder)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate setting %s", d.Name)
		}
		seen[d.Name] = true

		if d.ValidationRegex != "" {
			if _, err := regexp.Compile(d.ValidationRegex); err != nil {
				return nil, fmt.Errorf("setting %s: invalid validation regex: %w", d.Name, err)
			}
		}
		if d.ValueType == TypeDataGrid {
			if d.DataGrid == nil || len(d.DataGrid.Columns) == 0 {
				return nil, fmt.Errorf("data grid setting %s has no columns", d.Name)
			}
			for _, col := range d.DataGrid.Columns {
				if !col.ValueType.scalar() {
					return nil, fmt.Errorf("data grid setting %s column %s has non-scalar type %s", d.Name, col.Name, col.ValueType)
				}
			}
		}
		if err := d.Validate(d.DefaultValue); err != nil {
			return nil, fmt.Errorf("default value: %w", err)
		}
		out = append(out, d.Clone())
	}
	return out, nil
}
