package registry

import (
	"fmt"
	"strings"

	"github.com/itskum47/SettingsForge/control_plane/convert"
	"github.com/itskum47/SettingsForge/control_plane/settings"
)

// diffSchema lists settings added, removed and redefined by incoming.
func diffSchema(existing, incoming *settings.Client) (added, removed, changed []string) {
	for _, def := range incoming.Settings {
		old := existing.Setting(def.Name)
		switch {
		case old == nil:
			added = append(added, def.Name)
		case !convert.SchemaEqual(old, def):
			changed = append(changed, def.Name)
		}
	}
	for _, def := range existing.Settings {
		if incoming.Setting(def.Name) == nil {
			removed = append(removed, def.Name)
		}
	}
	return added, removed, changed
}

// mergeRegistration takes the schema from incoming and the identity and
// values from existing. A value survives only if its setting keeps its type.
func mergeRegistration(existing, incoming *settings.Client) *settings.Client {
	merged := incoming.Clone()
	merged.ID = existing.ID
	merged.Instance = existing.Instance
	merged.ClientSecret = existing.ClientSecret
	merged.LastRegistration = existing.LastRegistration
	merged.LastSettingValueUpdate = existing.LastSettingValueUpdate

	for _, def := range merged.Settings {
		old := existing.Setting(def.Name)
		if old == nil || old.ValueType != def.ValueType {
			def.Value = nil
			continue
		}
		def.Value = settings.CloneValue(old.Value)
		def.LastChanged = old.LastChanged
	}
	return merged
}

func describeSchemaChange(added, removed, changed []string) string {
	var parts []string
	if len(added) > 0 {
		parts = append(parts, fmt.Sprintf("added: %s", strings.Join(added, ", ")))
	}
	if len(removed) > 0 {
		parts = append(parts, fmt.Sprintf("removed: %s", strings.Join(removed, ", ")))
	}
	if len(changed) > 0 {
		parts = append(parts, fmt.Sprintf("changed: %s", strings.Join(changed, ", ")))
	}
	if len(parts) == 0 {
		return "description or verifications changed"
	}
	return strings.Join(parts, "; ")
}

func verificationsEqual(a, b []settings.Verification) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || len(a[i].PropertyArguments) != len(b[i].PropertyArguments) {
			return false
		}
		for j := range a[i].PropertyArguments {
			if a[i].PropertyArguments[j] != b[i].PropertyArguments[j] {
				return false
			}
		}
	}
	return true
}
