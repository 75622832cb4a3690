package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/SettingsForge/control_plane/convert"
	"github.com/itskum47/SettingsForge/control_plane/eventlog"
	"github.com/itskum47/SettingsForge/control_plane/logger"
	"github.com/itskum47/SettingsForge/control_plane/secrets"
	"github.com/itskum47/SettingsForge/control_plane/settings"
	"github.com/itskum47/SettingsForge/control_plane/store"
)

// SaveValues stores new values for (name, instance). Saving for an instance
// without an override first creates one from the default registration.
// Either every value is valid and saved, or nothing changes.
func (r *Registry) SaveValues(ctx context.Context, name, instance string, values map[string]settings.Value, user string) (*settings.Client, error) {
	unlock := r.locks.Lock(lockKey(name, instance))
	client, changed, err := r.saveLocked(ctx, name, instance, values, user)
	unlock()
	if err != nil {
		return nil, err
	}
	r.afterValuesChanged(ctx, client, changed, user)
	return client, nil
}

func (r *Registry) saveLocked(ctx context.Context, name, instance string, values map[string]settings.Value, user string) (*settings.Client, []string, error) {
	client, err := r.deps.Clients.GetClient(ctx, name, instance)
	if err != nil {
		return nil, nil, fmt.Errorf("load client %s: %w", displayName(name, instance), err)
	}
	if client == nil {
		if instance == "" {
			return nil, nil, fmt.Errorf("client %s: %w", name, ErrNotFound)
		}
		base, err := r.deps.Clients.GetClient(ctx, name, "")
		if err != nil {
			return nil, nil, fmt.Errorf("load client %s: %w", name, err)
		}
		if base == nil {
			return nil, nil, fmt.Errorf("client %s: %w", name, ErrNotFound)
		}
		client = base.CreateOverride(instance)
		logger.FromContext(ctx).Info("creating instance override",
			zap.String("client", name), zap.String("instance", instance))
	}

	changed, entries, err := applyValues(client, values, user, r.now().UTC())
	if err != nil {
		return nil, nil, err
	}
	if len(changed) == 0 && client.ID != "" {
		return client, nil, nil
	}
	if err := r.deps.Clients.UpsertClient(ctx, client); err != nil {
		return nil, nil, fmt.Errorf("save client %s: %w", client.DisplayName(), err)
	}
	r.deps.Events.Record(ctx, entries...)
	return client, changed, nil
}

// applyValues validates every value before setting any of them. It returns
// the names whose value actually changed.
func applyValues(client *settings.Client, values map[string]settings.Value, user string, now time.Time) ([]string, []*store.EventLogEntry, error) {
	for name, v := range values {
		def := client.Setting(name)
		if def == nil {
			return nil, nil, fmt.Errorf("%w: %s has no setting %s", ErrUnknownSetting, client.DisplayName(), name)
		}
		if err := def.Validate(v); err != nil {
			return nil, nil, err
		}
	}

	var (
		changed []string
		entries []*store.EventLogEntry
	)
	// Iterate definitions so changes come out in registration order.
	for _, def := range client.Settings {
		v, ok := values[def.Name]
		if !ok || settings.ValuesEqual(def.Value, v) {
			continue
		}
		entries = append(entries, eventlog.ValueUpdated(client.Name, client.Instance, def, def.Value, v, user))
		def.Value = settings.CloneValue(v)
		def.LastChanged = now
		changed = append(changed, def.Name)
	}
	if len(changed) > 0 {
		client.LastSettingValueUpdate = now
	}
	return changed, entries, nil
}

func (r *Registry) afterValuesChanged(ctx context.Context, client *settings.Client, changed []string, user string) {
	if len(changed) == 0 {
		return
	}
	log := logger.FromContext(ctx).With(zap.String("client", client.DisplayName()))
	log.Info("setting values updated", zap.Strings("settings", changed), zap.String("user", user))
	if r.deps.Sessions != nil {
		if err := r.deps.Sessions.SyncIdentity(ctx, client); err != nil {
			log.Warn("failed to sync session identity", zap.Error(err))
		}
	}
	if r.deps.Notifier != nil {
		r.deps.Notifier.SettingValueChanged(ctx, changed, client, client.Instance, user)
	}
}

// ValuesFor returns the effective values a client runs with. Secret leaves
// are encrypted under a key derived from the client's own secret. An
// instance without its own override gets the default registration.
func (r *Registry) ValuesFor(ctx context.Context, name, instance, secret string) (*convert.ClientValueExport, error) {
	client, err := r.deps.Clients.GetClient(ctx, name, instance)
	if err != nil {
		return nil, fmt.Errorf("load client %s: %w", name, err)
	}
	if client == nil && instance != "" {
		if client, err = r.deps.Clients.GetClient(ctx, name, ""); err != nil {
			return nil, fmt.Errorf("load client %s: %w", name, err)
		}
	}
	if client == nil {
		return nil, fmt.Errorf("client %s: %w", name, ErrNotFound)
	}
	if !secrets.VerifySecret(secret, client.ClientSecret) {
		return nil, fmt.Errorf("client %s: %w", name, ErrUnauthorized)
	}
	enc, err := secrets.NewClientEncryptor(secret)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", name, err)
	}
	return convert.ConvertForClient(client, settings.NewCodec(enc))
}

// applyDeferred applies values imported before the client registered,
// oldest first. A broken import is logged and left in place.
func (r *Registry) applyDeferred(ctx context.Context, log *zap.Logger, name string) {
	if r.deps.Deferred == nil {
		return
	}
	pending, err := r.deps.Deferred.ListDeferredImports(ctx)
	if err != nil {
		log.Warn("failed to list deferred imports", zap.Error(err))
		return
	}
	for _, imp := range pending {
		if imp.Name != name {
			continue
		}
		if err := r.applyDeferredImport(ctx, imp); err != nil {
			log.Warn("failed to apply deferred import",
				zap.String("deferred_import", imp.ID),
				zap.String("instance", imp.Instance),
				zap.Error(err))
			continue
		}
		log.Info("deferred import applied",
			zap.String("deferred_import", imp.ID),
			zap.String("instance", imp.Instance),
			zap.Int("settings", imp.SettingCount))
	}
}

func (r *Registry) applyDeferredImport(ctx context.Context, imp *store.DeferredImport) error {
	export, err := r.deps.Deferrals.Restore(imp)
	if err != nil {
		return err
	}
	values, err := r.deps.Converter.ImportValues(export)
	if err != nil {
		return err
	}
	values, err = r.knownValues(ctx, imp.Name, imp.Instance, values)
	if err != nil {
		return err
	}
	if _, err := r.SaveValues(ctx, imp.Name, imp.Instance, values, imp.AuthenticatedUser); err != nil {
		return err
	}
	if err := r.deps.Deferred.DeleteDeferredImport(ctx, imp.ID); err != nil {
		return fmt.Errorf("delete deferred import: %w", err)
	}
	r.deps.Events.Record(ctx, eventlog.DeferredApplied(imp))
	return nil
}

// knownValues drops values for settings the registration no longer has, so
// an old export still applies after the schema moved on.
func (r *Registry) knownValues(ctx context.Context, name, instance string, values map[string]settings.Value) (map[string]settings.Value, error) {
	client, err := r.deps.Clients.GetClient(ctx, name, instance)
	if err != nil {
		return nil, err
	}
	if client == nil {
		if client, err = r.deps.Clients.GetClient(ctx, name, ""); err != nil {
			return nil, err
		}
	}
	if client == nil {
		return nil, fmt.Errorf("client %s: %w", name, ErrNotFound)
	}
	out := make(map[string]settings.Value, len(values))
	for k, v := range values {
		def := client.Setting(k)
		if def == nil {
			continue
		}
		if v != nil && v.Type() != def.ValueType {
			return nil, &settings.MalformedValueError{Setting: k, Expected: def.ValueType,
				Err: errors.New("imported value has a different type")}
		}
		out[k] = v
	}
	return out, nil
}
