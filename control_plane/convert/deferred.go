package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/itskum47/SettingsForge/control_plane/store"
)

// UnknownUser is recorded when a deferred import has no authenticated user.
const UnknownUser = "Unknown"

var ErrInvalidDeferredImport = errors.New("invalid deferred import")

// DeferredConverter captures value-only exports for clients that have not
// registered yet. The captured values stay opaque until Restore.
type DeferredConverter struct {
	now func() time.Time
}

func NewDeferredConverter() *DeferredConverter {
	return &DeferredConverter{now: time.Now}
}

// Convert serializes export verbatim. The blob is not validated here.
func (d *DeferredConverter) Convert(export *ClientValueExport, user string) (*store.DeferredImport, error) {
	blob, err := json.Marshal(export.Settings)
	if err != nil {
		return nil, err
	}
	if user == "" {
		user = UnknownUser
	}
	return &store.DeferredImport{
		Name:              export.Name,
		Instance:          export.Instance,
		SettingValuesJSON: string(blob),
		SettingCount:      len(export.Settings),
		AuthenticatedUser: user,
		ImportTime:        d.now().UTC(),
	}, nil
}

// Restore parses the stored blob back into a value-only export.
func (d *DeferredConverter) Restore(imp *store.DeferredImport) (*ClientValueExport, error) {
	out := &ClientValueExport{Name: imp.Name, Instance: imp.Instance}
	if err := json.Unmarshal([]byte(imp.SettingValuesJSON), &out.Settings); err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrInvalidDeferredImport, imp.Name, err)
	}
	if out.Settings == nil {
		out.Settings = []SettingValueExport{}
	}
	return out, nil
}
