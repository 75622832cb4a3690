// Package registry manages client registrations and their setting values.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/SettingsForge/control_plane/convert"
	"github.com/itskum47/SettingsForge/control_plane/eventlog"
	"github.com/itskum47/SettingsForge/control_plane/logger"
	"github.com/itskum47/SettingsForge/control_plane/secrets"
	"github.com/itskum47/SettingsForge/control_plane/settings"
	"github.com/itskum47/SettingsForge/control_plane/status"
	"github.com/itskum47/SettingsForge/control_plane/store"
)

var (
	// ErrNotFound and ErrUnauthorized are shared with the status package so
	// callers map both the same way.
	ErrNotFound     = status.ErrNotFound
	ErrUnauthorized = status.ErrUnauthorized

	ErrInvalidRegistration = errors.New("invalid registration")
	ErrUnknownSetting      = errors.New("unknown setting")
)

// Notifier receives registration and value change events.
type Notifier interface {
	NewClientRegistration(ctx context.Context, client *settings.Client)
	UpdatedClientRegistration(ctx context.Context, client *settings.Client)
	SettingValueChanged(ctx context.Context, changes []string, client *settings.Client, instance, username string)
}

// SessionSync keeps session records in step with registrations.
type SessionSync interface {
	SyncIdentity(ctx context.Context, client *settings.Client) error
	RemoveClient(ctx context.Context, name, instance string) error
}

type Dependencies struct {
	Clients   store.ClientRepository
	Deferred  store.DeferredImportRepository
	Converter *convert.Converter
	Deferrals *convert.DeferredConverter
	Events    *eventlog.Log

	// Optional.
	Sessions SessionSync
	Notifier Notifier
}

// Registry serializes all writes to one client registration.
type Registry struct {
	deps  Dependencies
	locks *status.KeyedMutex
	now   func() time.Time
}

func New(deps Dependencies) *Registry {
	if deps.Deferrals == nil {
		deps.Deferrals = convert.NewDeferredConverter()
	}
	return &Registry{deps: deps, locks: status.NewKeyedMutex(), now: time.Now}
}

func lockKey(name, instance string) string {
	return name + "\x00" + instance
}

// Registration is what a client sends when it starts. Settings carry
// plain default values; ClientSecret is the plain secret.
type Registration struct {
	convert.ClientExport
	// OldClientSecret authorizes a secret rotation.
	OldClientSecret string `json:"old_client_secret,omitempty"`
}

// Client returns the registration for (name, instance) without fallback.
func (r *Registry) Client(ctx context.Context, name, instance string) (*settings.Client, error) {
	c, err := r.deps.Clients.GetClient(ctx, name, instance)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("client %s: %w", displayName(name, instance), ErrNotFound)
	}
	return c, nil
}

func (r *Registry) Clients(ctx context.Context) ([]*settings.Client, error) {
	return r.deps.Clients.ListClients(ctx)
}

func displayName(name, instance string) string {
	return (&settings.Client{Name: name, Instance: instance}).DisplayName()
}

// Register creates or updates the default registration of a client and
// applies any values imported for it in advance.
func (r *Registry) Register(ctx context.Context, reg *Registration) (*settings.Client, error) {
	if strings.TrimSpace(reg.Name) == "" {
		return nil, fmt.Errorf("%w: client name is required", ErrInvalidRegistration)
	}
	if len(reg.ClientSecret) < secrets.MinSecretLength {
		return nil, fmt.Errorf("%w: client secret must be at least %d characters", ErrInvalidRegistration, secrets.MinSecretLength)
	}

	export := reg.ClientExport
	export.Instance = ""
	export.ClientSecret = ""
	incoming, err := r.deps.Converter.Import(&export)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRegistration, err)
	}
	// A registration declares the schema; values only come from saves and
	// imports.
	for _, def := range incoming.Settings {
		def.Value = nil
	}

	log := logger.FromContext(ctx).With(zap.String("client", reg.Name))

	unlock := r.locks.Lock(lockKey(reg.Name, ""))
	client, created, overrides, err := r.register(ctx, log, reg, incoming)
	unlock()
	if err != nil {
		return nil, err
	}

	if r.deps.Sessions != nil {
		for _, c := range append([]*settings.Client{client}, overrides...) {
			if err := r.deps.Sessions.SyncIdentity(ctx, c); err != nil {
				log.Warn("failed to sync session identity", zap.String("instance", c.Instance), zap.Error(err))
			}
		}
	}
	if r.deps.Notifier != nil && created != registrationUnchanged {
		if created == registrationNew {
			r.deps.Notifier.NewClientRegistration(ctx, client)
		} else {
			r.deps.Notifier.UpdatedClientRegistration(ctx, client)
		}
	}

	r.applyDeferred(ctx, log, reg.Name)
	return client, nil
}

type registrationOutcome int

const (
	registrationNew registrationOutcome = iota
	registrationUpdated
	registrationUnchanged
)

// register runs under the lock of the default registration. It returns the
// instance overrides it rewrote.
func (r *Registry) register(ctx context.Context, log *zap.Logger, reg *Registration, incoming *settings.Client) (*settings.Client, registrationOutcome, []*settings.Client, error) {
	now := r.now().UTC()
	existing, err := r.deps.Clients.GetClient(ctx, reg.Name, "")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("load client %s: %w", reg.Name, err)
	}

	if existing == nil {
		hash, err := secrets.HashSecret(reg.ClientSecret)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("%w: %w", ErrInvalidRegistration, err)
		}
		incoming.ClientSecret = hash
		incoming.LastRegistration = now
		if err := r.deps.Clients.UpsertClient(ctx, incoming); err != nil {
			return nil, 0, nil, fmt.Errorf("save client %s: %w", reg.Name, err)
		}
		r.deps.Events.Record(ctx, eventlog.Registered(reg.Name, ""))
		log.Info("client registered", zap.Int("settings", len(incoming.Settings)))
		return incoming, registrationNew, nil, nil
	}

	rotated := false
	if !secrets.VerifySecret(reg.ClientSecret, existing.ClientSecret) {
		if reg.OldClientSecret == "" || !secrets.VerifySecret(reg.OldClientSecret, existing.ClientSecret) {
			return nil, 0, nil, fmt.Errorf("client %s: %w", reg.Name, ErrUnauthorized)
		}
		hash, err := secrets.HashSecret(reg.ClientSecret)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("%w: %w", ErrInvalidRegistration, err)
		}
		existing.ClientSecret = hash
		rotated = true
		log.Info("client secret rotated")
	}

	added, removed, changed := diffSchema(existing, incoming)
	existing.LastRegistration = now
	schemaChanged := len(added)+len(removed)+len(changed) > 0 ||
		existing.Description != incoming.Description ||
		!verificationsEqual(existing.Verifications, incoming.Verifications)

	if !schemaChanged {
		if err := r.deps.Clients.UpsertClient(ctx, existing); err != nil {
			return nil, 0, nil, fmt.Errorf("save client %s: %w", reg.Name, err)
		}
		if !rotated {
			r.deps.Events.Record(ctx, eventlog.RegistrationUnchanged(reg.Name, ""))
			return existing, registrationUnchanged, nil, nil
		}
		r.deps.Events.Record(ctx, eventlog.RegistrationChanged(reg.Name, "", "client secret rotated"))
		overrides, err := r.rewriteOverrides(ctx, existing, func(c *settings.Client) *settings.Client {
			c.ClientSecret = existing.ClientSecret
			return c
		}, "client secret rotated")
		if err != nil {
			log.Warn("failed to rotate secret of instance overrides", zap.Error(err))
		}
		return existing, registrationUnchanged, overrides, nil
	}

	merged := mergeRegistration(existing, incoming)
	if err := r.deps.Clients.UpsertClient(ctx, merged); err != nil {
		return nil, 0, nil, fmt.Errorf("save client %s: %w", reg.Name, err)
	}
	message := describeSchemaChange(added, removed, changed)
	r.deps.Events.Record(ctx, eventlog.RegistrationChanged(reg.Name, "", message))
	log.Info("client registration updated", zap.String("change", message))

	overrides, err := r.rewriteOverrides(ctx, merged, func(c *settings.Client) *settings.Client {
		m := mergeRegistration(c, merged)
		m.ClientSecret = merged.ClientSecret
		m.LastRegistration = merged.LastRegistration
		return m
	}, "schema updated from default registration")
	if err != nil {
		log.Warn("failed to update instance overrides", zap.Error(err))
	}
	return merged, registrationUpdated, overrides, nil
}

// rewriteOverrides applies update to every instance override of base under
// that override's lock and returns the overrides it saved.
func (r *Registry) rewriteOverrides(ctx context.Context, base *settings.Client, update func(*settings.Client) *settings.Client, message string) ([]*settings.Client, error) {
	all, err := r.deps.Clients.ListClients(ctx)
	if err != nil {
		return nil, err
	}
	var (
		saved []*settings.Client
		errs  []error
	)
	for _, c := range all {
		if c.Name != base.Name || c.Instance == "" {
			continue
		}
		updated, err := func() (*settings.Client, error) {
			unlock := r.locks.Lock(lockKey(c.Name, c.Instance))
			defer unlock()
			// Re-read under the lock so a concurrent save is not lost.
			current, err := r.deps.Clients.GetClient(ctx, c.Name, c.Instance)
			if err != nil || current == nil {
				return nil, err
			}
			updated := update(current)
			if err := r.deps.Clients.UpsertClient(ctx, updated); err != nil {
				return nil, err
			}
			r.deps.Events.Record(ctx, eventlog.RegistrationChanged(c.Name, c.Instance, message))
			return updated, nil
		}()
		if err != nil {
			errs = append(errs, fmt.Errorf("override %s: %w", c.DisplayName(), err))
			continue
		}
		if updated != nil {
			saved = append(saved, updated)
		}
	}
	return saved, errors.Join(errs...)
}
