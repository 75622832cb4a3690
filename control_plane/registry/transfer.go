package registry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/itskum47/SettingsForge/control_plane/convert"
	"github.com/itskum47/SettingsForge/control_plane/eventlog"
	"github.com/itskum47/SettingsForge/control_plane/logger"
	"github.com/itskum47/SettingsForge/control_plane/observability"
	"github.com/itskum47/SettingsForge/control_plane/settings"
	"github.com/itskum47/SettingsForge/control_plane/store"
)

type ImportMode string

const (
	// ClearAndImport deletes every client before importing.
	ClearAndImport ImportMode = "ClearAndImport"
	// ReplaceExisting overwrites clients present in the import.
	ReplaceExisting ImportMode = "ReplaceExisting"
	// AddNew imports only clients that do not exist yet.
	AddNew ImportMode = "AddNew"
)

var ErrInvalidImportMode = errors.New("invalid import mode")

func ParseImportMode(s string) (ImportMode, error) {
	switch m := ImportMode(s); m {
	case ClearAndImport, ReplaceExisting, AddNew:
		return m, nil
	case "":
		return ReplaceExisting, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidImportMode, s)
}

// ImportResult summarizes an import.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Deferred int `json:"deferred"`
}

// ExportAll produces the full export of every client, secrets encrypted.
func (r *Registry) ExportAll(ctx context.Context) (*convert.DataExport, error) {
	clients, err := r.deps.Clients.ListClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	out := &convert.DataExport{
		ExportedAt: r.now().UTC(),
		Version:    convert.ExportVersion,
		Clients:    make([]*convert.ClientExport, 0, len(clients)),
	}
	for _, c := range clients {
		export, err := r.deps.Converter.Convert(c)
		if err != nil {
			return nil, err
		}
		out.Clients = append(out.Clients, export)
	}
	return out, nil
}

// Import restores a full export. Every client is decoded before anything is
// written, so a bad entry leaves the registry untouched.
func (r *Registry) Import(ctx context.Context, data *convert.DataExport, mode ImportMode, user string) (*ImportResult, error) {
	clients := make([]*settings.Client, 0, len(data.Clients))
	for _, export := range data.Clients {
		c, err := r.deps.Converter.Import(export)
		if err != nil {
			observability.ImportsTotal.WithLabelValues("full", "rejected").Inc()
			return nil, err
		}
		clients = append(clients, c)
	}

	result, err := r.writeImport(ctx, clients, mode)
	if err != nil {
		observability.ImportsTotal.WithLabelValues("full", "error").Inc()
		return result, err
	}
	observability.ImportsTotal.WithLabelValues("full", "ok").Inc()
	r.deps.Events.Record(ctx, eventlog.Imported(string(mode), result.Imported, user))
	logger.FromContext(ctx).Info("data imported",
		zap.String("mode", string(mode)),
		zap.Int("imported", result.Imported),
		zap.Int("skipped", result.Skipped),
		zap.String("user", user))
	return result, nil
}

func (r *Registry) writeImport(ctx context.Context, clients []*settings.Client, mode ImportMode) (*ImportResult, error) {
	result := &ImportResult{}
	if mode == ClearAndImport {
		existing, err := r.deps.Clients.ListClients(ctx)
		if err != nil {
			return result, fmt.Errorf("list clients: %w", err)
		}
		for _, c := range existing {
			if err := r.remove(ctx, c.Name, c.Instance); err != nil {
				return result, err
			}
		}
	}

	for _, c := range clients {
		err := func() error {
			unlock := r.locks.Lock(lockKey(c.Name, c.Instance))
			defer unlock()

			existing, err := r.deps.Clients.GetClient(ctx, c.Name, c.Instance)
			if err != nil {
				return err
			}
			if existing != nil {
				if mode == AddNew {
					result.Skipped++
					return nil
				}
				c.ID = existing.ID
			}
			if err := r.deps.Clients.UpsertClient(ctx, c); err != nil {
				return err
			}
			result.Imported++
			return nil
		}()
		if err != nil {
			return result, fmt.Errorf("import client %s: %w", c.DisplayName(), err)
		}
		if r.deps.Sessions != nil {
			if err := r.deps.Sessions.SyncIdentity(ctx, c); err != nil {
				logger.FromContext(ctx).Warn("failed to sync session identity",
					zap.String("client", c.DisplayName()), zap.Error(err))
			}
		}
	}
	return result, nil
}

// ExportValues produces the value-only export of every client.
func (r *Registry) ExportValues(ctx context.Context) (*convert.ValueOnlyDataExport, error) {
	clients, err := r.deps.Clients.ListClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	out := &convert.ValueOnlyDataExport{
		ExportedAt: r.now().UTC(),
		Version:    convert.ExportVersion,
		Clients:    make([]*convert.ClientValueExport, 0, len(clients)),
	}
	for _, c := range clients {
		export, err := r.deps.Converter.ConvertValueOnly(c)
		if err != nil {
			return nil, err
		}
		out.Clients = append(out.Clients, export)
	}
	return out, nil
}

// ImportValues applies value-only exports. Values for a client that is not
// registered yet are kept as a deferred import until it registers.
func (r *Registry) ImportValues(ctx context.Context, data *convert.ValueOnlyDataExport, user string) (*ImportResult, error) {
	type pendingValues struct {
		export *convert.ClientValueExport
		values map[string]settings.Value
	}
	var (
		apply []pendingValues
		later []*convert.ClientValueExport
	)
	for _, export := range data.Clients {
		base, err := r.deps.Clients.GetClient(ctx, export.Name, "")
		if err != nil {
			return nil, fmt.Errorf("load client %s: %w", export.Name, err)
		}
		if base == nil {
			later = append(later, export)
			continue
		}
		values, err := r.deps.Converter.ImportValues(export)
		if err != nil {
			observability.ImportsTotal.WithLabelValues("values", "rejected").Inc()
			return nil, err
		}
		if values, err = r.knownValues(ctx, export.Name, export.Instance, values); err != nil {
			observability.ImportsTotal.WithLabelValues("values", "rejected").Inc()
			return nil, fmt.Errorf("import values of %s: %w", export.Name, err)
		}
		apply = append(apply, pendingValues{export: export, values: values})
	}

	result := &ImportResult{}
	for _, p := range apply {
		if _, err := r.SaveValues(ctx, p.export.Name, p.export.Instance, p.values, user); err != nil {
			observability.ImportsTotal.WithLabelValues("values", "error").Inc()
			return result, err
		}
		result.Imported++
	}
	for _, export := range later {
		imp, err := r.deps.Deferrals.Convert(export, user)
		if err != nil {
			return result, fmt.Errorf("defer values of %s: %w", export.Name, err)
		}
		if err := r.deps.Deferred.AddDeferredImport(ctx, imp); err != nil {
			return result, fmt.Errorf("defer values of %s: %w", export.Name, err)
		}
		r.deps.Events.Record(ctx, eventlog.DeferredRegistered(imp))
		result.Deferred++
	}

	observability.ImportsTotal.WithLabelValues("values", "ok").Inc()
	r.deps.Events.Record(ctx, eventlog.Imported("value only", result.Imported+result.Deferred, user))
	logger.FromContext(ctx).Info("values imported",
		zap.Int("applied", result.Imported),
		zap.Int("deferred", result.Deferred),
		zap.String("user", user))
	return result, nil
}

// Delete removes a registration together with its sessions.
func (r *Registry) Delete(ctx context.Context, name, instance, user string) error {
	existing, err := r.deps.Clients.GetClient(ctx, name, instance)
	if err != nil {
		return fmt.Errorf("load client %s: %w", name, err)
	}
	if existing == nil {
		return fmt.Errorf("client %s: %w", displayName(name, instance), ErrNotFound)
	}
	if err := r.remove(ctx, name, instance); err != nil {
		return err
	}
	r.deps.Events.Record(ctx, eventlog.Deleted(name, instance, user))
	logger.FromContext(ctx).Info("client deleted",
		zap.String("client", displayName(name, instance)), zap.String("user", user))
	return nil
}

func (r *Registry) remove(ctx context.Context, name, instance string) error {
	unlock := r.locks.Lock(lockKey(name, instance))
	err := r.deps.Clients.DeleteClient(ctx, name, instance)
	unlock()
	if err != nil {
		return fmt.Errorf("delete client %s: %w", displayName(name, instance), err)
	}
	if r.deps.Sessions != nil {
		if err := r.deps.Sessions.RemoveClient(ctx, name, instance); err != nil {
			return fmt.Errorf("remove sessions of %s: %w", displayName(name, instance), err)
		}
	}
	return nil
}

// DeferredImports lists imports waiting for their client to register.
func (r *Registry) DeferredImports(ctx context.Context) ([]*store.DeferredImport, error) {
	return r.deps.Deferred.ListDeferredImports(ctx)
}
