package convert

import (
	"reflect"

	"github.com/itskum47/SettingsForge/control_plane/settings"
)

// Equal compares two clients by value. Registration timestamps and ids are
// ignored.
func Equal(a, b *settings.Client) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Name != b.Name || a.Instance != b.Instance || a.ClientSecret != b.ClientSecret || a.Description != b.Description {
		return false
	}
	if len(a.Settings) != len(b.Settings) || len(a.Verifications) != len(b.Verifications) {
		return false
	}
	for i := range a.Settings {
		if !definitionsEqual(a.Settings[i], b.Settings[i]) {
			return false
		}
	}
	for i := range a.Verifications {
		va, vb := a.Verifications[i], b.Verifications[i]
		if va.Name != vb.Name || !stringsEqual(va.PropertyArguments, vb.PropertyArguments) {
			return false
		}
	}
	return true
}

func definitionsEqual(a, b *settings.Definition) bool {
	return SchemaEqual(a, b) && settings.ValuesEqual(a.Value, b.Value)
}

// SchemaEqual compares everything a registration declares about a setting,
// which is all of it except the current value.
func SchemaEqual(a, b *settings.Definition) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		a.ValueType == b.ValueType &&
		a.IsSecret == b.IsSecret &&
		a.ValidationRegex == b.ValidationRegex &&
		a.ValidationExplanation == b.ValidationExplanation &&
		a.Group == b.Group &&
		a.DisplayOrder == b.DisplayOrder &&
		a.Advanced == b.Advanced &&
		a.SupportsLiveUpdate == b.SupportsLiveUpdate &&
		a.CategoryName == b.CategoryName &&
		a.CategoryColor == b.CategoryColor &&
		stringsEqual(a.ValidValues, b.ValidValues) &&
		stringsEqual(a.EnablesSettings, b.EnablesSettings) &&
		gridsEqual(a.DataGrid, b.DataGrid) &&
		settings.ValuesEqual(a.DefaultValue, b.DefaultValue)
}

func gridsEqual(a, b *settings.DataGridDefinition) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		ca, cb := a.Columns[i], b.Columns[i]
		if ca.Name != cb.Name || ca.ValueType != cb.ValueType || ca.IsSecret != cb.IsSecret ||
			ca.IsReadOnly != cb.IsReadOnly || !stringsEqual(ca.ValidValues, cb.ValidValues) {
			return false
		}
	}
	return true
}

// stringsEqual treats nil and empty as equal.
func stringsEqual(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
