package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/SettingsForge/control_plane/settings"
)

type memoryLock struct {
	owner   string
	expires time.Time
}

// MemoryStore holds all state in process memory.
// It implements Store and Coordinator.
type MemoryStore struct {
	mu             sync.RWMutex
	clients        map[string]*settings.Client
	statuses       map[string]*ClientStatus
	events         []*EventLogEntry
	config         *ServerConfiguration
	webhooks       map[string]*WebHook
	webhookClients map[string]*WebHookClient
	deferred       map[string]*DeferredImport
	locks          map[string]memoryLock
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:        make(map[string]*settings.Client),
		statuses:       make(map[string]*ClientStatus),
		webhooks:       make(map[string]*WebHook),
		webhookClients: make(map[string]*WebHookClient),
		deferred:       make(map[string]*DeferredImport),
		locks:          make(map[string]memoryLock),
	}
}

// --- Client Operations ---

func (s *MemoryStore) GetClient(ctx context.Context, name, instance string) (*settings.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[identity(name, instance)]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListClients(ctx context.Context) ([]*settings.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*settings.Client, 0, len(s.clients))
	for _, c := range s.clients {
		result = append(result, c.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].Instance < result[j].Instance
	})
	return result, nil
}

func (s *MemoryStore) UpsertClient(ctx context.Context, client *settings.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if client.ID == "" {
		client.ID = uuid.NewString()
	}
	s.clients[identity(client.Name, client.Instance)] = client.Clone()
	return nil
}

func (s *MemoryStore) DeleteClient(ctx context.Context, name, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, identity(name, instance))
	return nil
}

// --- Status Operations ---

func (s *MemoryStore) GetClientStatus(ctx context.Context, name, instance string) (*ClientStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.statuses[identity(name, instance)]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (s *MemoryStore) ListClientStatuses(ctx context.Context) ([]*ClientStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*ClientStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		result = append(result, st.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].Instance < result[j].Instance
	})
	return result, nil
}

func (s *MemoryStore) UpdateClientStatus(ctx context.Context, status *ClientStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[identity(status.Name, status.Instance)] = status.Clone()
	return nil
}

func (s *MemoryStore) DeleteClientStatus(ctx context.Context, name, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, identity(name, instance))
	return nil
}

// --- Event Log Operations ---

func (s *MemoryStore) AddEvent(ctx context.Context, entry *EventLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	e := *entry
	s.events = append(s.events, &e)
	return nil
}

// ListEvents returns events in [since, until]. A zero bound is open.
func (s *MemoryStore) ListEvents(ctx context.Context, since, until time.Time) ([]*EventLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*EventLogEntry, 0)
	for _, e := range s.events {
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && e.Timestamp.After(until) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// --- Configuration Operations ---

func (s *MemoryStore) GetConfiguration(ctx context.Context) (*ServerConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.config == nil {
		return DefaultConfiguration(), nil
	}
	cp := *s.config
	return &cp, nil
}

func (s *MemoryStore) UpdateConfiguration(ctx context.Context, cfg *ServerConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.config = &cp
	return nil
}

// --- WebHook Operations ---

func (s *MemoryStore) ListWebHooks(ctx context.Context) ([]*WebHook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*WebHook, 0, len(s.webhooks))
	for _, h := range s.webhooks {
		cp := *h
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) GetWebHook(ctx context.Context, id string) (*WebHook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.webhooks[id]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) UpsertWebHook(ctx context.Context, hook *WebHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hook.ID == "" {
		hook.ID = uuid.NewString()
	}
	cp := *hook
	s.webhooks[hook.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteWebHook(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.webhooks, id)
	return nil
}

func (s *MemoryStore) ListWebHookClients(ctx context.Context) ([]*WebHookClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*WebHookClient, 0, len(s.webhookClients))
	for _, c := range s.webhookClients {
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) GetWebHookClient(ctx context.Context, id string) (*WebHookClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.webhookClients[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpsertWebHookClient(ctx context.Context, client *WebHookClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if client.ID == "" {
		client.ID = uuid.NewString()
	}
	cp := *client
	s.webhookClients[client.ID] = &cp
	return nil
}

// DeleteWebHookClient also removes the hooks that target the client.
func (s *MemoryStore) DeleteWebHookClient(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.webhookClients, id)
	for hid, h := range s.webhooks {
		if h.WebHookClientID == id {
			delete(s.webhooks, hid)
		}
	}
	return nil
}

// --- Deferred Import Operations ---

func (s *MemoryStore) AddDeferredImport(ctx context.Context, imp *DeferredImport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if imp.ID == "" {
		imp.ID = uuid.NewString()
	}
	cp := *imp
	s.deferred[imp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDeferredImports(ctx context.Context, name, instance string) ([]*DeferredImport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*DeferredImport, 0)
	for _, d := range s.deferred {
		if d.Name == name && d.Instance == instance {
			cp := *d
			result = append(result, &cp)
		}
	}
	sortDeferred(result)
	return result, nil
}

func (s *MemoryStore) ListDeferredImports(ctx context.Context) ([]*DeferredImport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*DeferredImport, 0, len(s.deferred))
	for _, d := range s.deferred {
		cp := *d
		result = append(result, &cp)
	}
	sortDeferred(result)
	return result, nil
}

func (s *MemoryStore) DeleteDeferredImport(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deferred, id)
	return nil
}

// Deferred imports are applied oldest first.
func sortDeferred(d []*DeferredImport) {
	sort.Slice(d, func(i, j int) bool { return d[i].ImportTime.Before(d[j].ImportTime) })
}

// --- Coordination Operations ---

func (s *MemoryStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if l, ok := s.locks[key]; ok && l.owner != ownerID && now.Before(l.expires) {
		return false, nil
	}
	s.locks[key] = memoryLock{owner: ownerID, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[key]
	if !ok || l.owner != ownerID {
		return false, nil
	}
	l.expires = time.Now().Add(ttl)
	s.locks[key] = l
	return true, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.locks[key]; ok && l.owner == ownerID {
		delete(s.locks, key)
	}
	return nil
}

func (s *MemoryStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.locks[key]
	if !ok || time.Now().After(l.expires) {
		return "", nil
	}
	return l.owner, nil
}
