package store

import (
	"context"
	"time"

	"github.com/itskum47/SettingsForge/control_plane/settings"
)

// Lookups return (nil, nil) when the record does not exist.

// ClientRepository persists settings clients and their definitions.
type ClientRepository interface {
	GetClient(ctx context.Context, name, instance string) (*settings.Client, error)
	ListClients(ctx context.Context) ([]*settings.Client, error)
	UpsertClient(ctx context.Context, client *settings.Client) error
	DeleteClient(ctx context.Context, name, instance string) error
}

// StatusRepository persists client run-session state.
type StatusRepository interface {
	GetClientStatus(ctx context.Context, name, instance string) (*ClientStatus, error)
	ListClientStatuses(ctx context.Context) ([]*ClientStatus, error)
	UpdateClientStatus(ctx context.Context, status *ClientStatus) error
	DeleteClientStatus(ctx context.Context, name, instance string) error
}

// EventLogRepository is append-only from the point of view of the core.
type EventLogRepository interface {
	AddEvent(ctx context.Context, entry *EventLogEntry) error
	ListEvents(ctx context.Context, since, until time.Time) ([]*EventLogEntry, error)
}

type ConfigurationRepository interface {
	GetConfiguration(ctx context.Context) (*ServerConfiguration, error)
	UpdateConfiguration(ctx context.Context, cfg *ServerConfiguration) error
}

type WebHookRepository interface {
	ListWebHooks(ctx context.Context) ([]*WebHook, error)
	GetWebHook(ctx context.Context, id string) (*WebHook, error)
	UpsertWebHook(ctx context.Context, hook *WebHook) error
	DeleteWebHook(ctx context.Context, id string) error

	ListWebHookClients(ctx context.Context) ([]*WebHookClient, error)
	GetWebHookClient(ctx context.Context, id string) (*WebHookClient, error)
	UpsertWebHookClient(ctx context.Context, client *WebHookClient) error
	DeleteWebHookClient(ctx context.Context, id string) error
}

type DeferredImportRepository interface {
	AddDeferredImport(ctx context.Context, imp *DeferredImport) error
	GetDeferredImports(ctx context.Context, name, instance string) ([]*DeferredImport, error)
	ListDeferredImports(ctx context.Context) ([]*DeferredImport, error)
	DeleteDeferredImport(ctx context.Context, id string) error
}

// Store bundles every repository. MemoryStore implements all of it; the
// durable backends implement subsets and are combined by the caller.
type Store interface {
	ClientRepository
	StatusRepository
	EventLogRepository
	ConfigurationRepository
	WebHookRepository
	DeferredImportRepository
}

// ClientCodec serializes clients for backends that store them as documents.
type ClientCodec interface {
	MarshalClient(client *settings.Client) ([]byte, error)
	UnmarshalClient(data []byte) (*settings.Client, error)
}
