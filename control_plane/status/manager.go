// Package status tracks the run sessions of registered clients.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/SettingsForge/control_plane/eventlog"
	"github.com/itskum47/SettingsForge/control_plane/logger"
	"github.com/itskum47/SettingsForge/control_plane/observability"
	"github.com/itskum47/SettingsForge/control_plane/secrets"
	"github.com/itskum47/SettingsForge/control_plane/settings"
	"github.com/itskum47/SettingsForge/control_plane/store"
)

const defaultMemorySampleLimit = 120

type Options struct {
	// ExpiryFallback is the minimum time a session stays live after its
	// last heartbeat.
	ExpiryFallback    time.Duration
	MemorySampleLimit int
}

type Dependencies struct {
	Clients       store.ClientRepository
	Statuses      store.StatusRepository
	Configuration store.ConfigurationRepository
	Events        *eventlog.Log

	// Optional.
	Notifier Notifier
	Analyzer *MemoryAnalyzer
}

// Manager owns the session state machine. All mutations of one client's
// status happen under that client's lock; notifications are sent after the
// lock is released.
type Manager struct {
	deps  Dependencies
	opts  Options
	locks *KeyedMutex
	now   func() time.Time
}

func NewManager(deps Dependencies, opts Options) *Manager {
	if opts.MemorySampleLimit <= 0 {
		opts.MemorySampleLimit = defaultMemorySampleLimit
	}
	return &Manager{
		deps:  deps,
		opts:  opts,
		locks: NewKeyedMutex(),
		now:   time.Now,
	}
}

// change is what a locked section hands to the post-unlock dispatch.
type change struct {
	snapshot *store.ClientStatus
	started  *store.RunSession
	leaked   *store.RunSession
	ended    []*store.RunSession
}

func (m *Manager) dispatch(ctx context.Context, c change) {
	n := m.deps.Notifier
	if n == nil {
		return
	}
	if c.started != nil {
		n.ClientConnected(ctx, c.started, c.snapshot)
	}
	for _, s := range c.ended {
		n.ClientDisconnected(ctx, s, c.snapshot)
	}
	if c.leaked != nil {
		n.MemoryLeakDetected(ctx, c.snapshot, c.leaked)
	}
}

// resolveClient finds the registration serving (name, instance), falling
// back to the instance-less registration.
func (m *Manager) resolveClient(ctx context.Context, name, instance string) (*settings.Client, error) {
	client, err := m.deps.Clients.GetClient(ctx, name, instance)
	if err != nil {
		return nil, fmt.Errorf("load client %s: %w", name, err)
	}
	if client == nil && instance != "" {
		client, err = m.deps.Clients.GetClient(ctx, name, "")
		if err != nil {
			return nil, fmt.Errorf("load client %s: %w", name, err)
		}
	}
	if client == nil {
		return nil, fmt.Errorf("client %s: %w", name, ErrNotFound)
	}
	return client, nil
}

func (m *Manager) authenticate(ctx context.Context, name, instance, secret string) (*settings.Client, error) {
	client, err := m.resolveClient(ctx, name, instance)
	if err != nil {
		return nil, err
	}
	if !secrets.VerifySecret(secret, client.ClientSecret) {
		return nil, fmt.Errorf("client %s: %w", name, ErrUnauthorized)
	}
	return client, nil
}

// loadStatus returns the stored status of client, or a fresh one.
func (m *Manager) loadStatus(ctx context.Context, client *settings.Client) (*store.ClientStatus, error) {
	st, err := m.deps.Statuses.GetClientStatus(ctx, client.Name, client.Instance)
	if err != nil {
		return nil, fmt.Errorf("load status of %s: %w", client.Name, err)
	}
	if st == nil {
		st = &store.ClientStatus{Name: client.Name, Instance: client.Instance}
	}
	st.ClientSecret = client.ClientSecret
	if client.LastSettingValueUpdate.After(st.LastSettingValueUpdate) {
		st.LastSettingValueUpdate = client.LastSettingValueUpdate
	}
	return st, nil
}

// SyncStatus records a heartbeat and tells the client whether it should
// reload settings.
func (m *Manager) SyncStatus(ctx context.Context, clientName, instance, secret string, hb Heartbeat, req RequesterDetails) (*StatusResponse, error) {
	client, err := m.authenticate(ctx, clientName, instance, secret)
	if err != nil {
		observability.HeartbeatsTotal.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}
	if hb.RunSessionID == "" {
		observability.HeartbeatsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("client %s: %w", clientName, ErrMissingRunSession)
	}

	log := logger.FromContext(ctx).With(
		zap.String("client", client.Name),
		zap.String("instance", client.Instance),
		zap.String("run_session_id", hb.RunSessionID))
	now := m.now()

	resp, c, err := m.syncLocked(ctx, log, client, hb, req, now)
	if err != nil {
		observability.HeartbeatsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if c.started != nil {
		observability.SessionsCreated.Inc()
		observability.LiveSessions.Inc()
		log.Info("run session started", zap.String("hostname", c.started.Hostname))
	}
	if len(c.ended) > 0 {
		observability.SessionsExpired.WithLabelValues("heartbeat").Add(float64(len(c.ended)))
		observability.LiveSessions.Sub(float64(len(c.ended)))
	}
	if c.leaked != nil {
		observability.MemoryLeaksDetected.Inc()
		log.Warn("possible memory leak detected")
	}
	m.dispatch(ctx, c)

	cfg := m.configuration(ctx, log)
	resp.AllowOfflineSettings = cfg.AllowOfflineSettings
	observability.HeartbeatsTotal.WithLabelValues("ok").Inc()
	return resp, nil
}

func (m *Manager) syncLocked(ctx context.Context, log *zap.Logger, client *settings.Client, hb Heartbeat, req RequesterDetails, now time.Time) (*StatusResponse, change, error) {
	unlock := m.locks.Lock(clientKey(client.Name, client.Instance))
	defer unlock()

	status, err := m.loadStatus(ctx, client)
	if err != nil {
		return nil, change{}, err
	}

	var entries []*store.EventLogEntry
	session := status.Session(hb.RunSessionID)
	created := session == nil
	if created {
		session = &store.RunSession{
			RunSessionID:          hb.RunSessionID,
			StartTime:             now,
			HasConfigurationError: hb.HasConfigurationError,
		}
		applyRequester(session, req)
		status.RunSessions = append(status.RunSessions, session)
		entries = append(entries, eventlog.NewSession(status.Name, status.Instance, session))
		entries = configurationErrors(entries, status, session, hb.ConfigurationErrors)
	} else if session.HasConfigurationError != hb.HasConfigurationError {
		entries = append(entries, eventlog.ConfigurationErrorStatus(status.Name, status.Instance, session, hb.HasConfigurationError))
		entries = configurationErrors(entries, status, session, hb.ConfigurationErrors)
	}

	applyHeartbeat(session, hb, req, now)

	leaked := m.trackMemory(log, session, hb.MemoryUsageBytes, now)
	if leaked {
		entries = append(entries, eventlog.MemoryLeak(status.Name, status.Instance, session))
	}

	expired := prune(status, session.RunSessionID, now, m.opts.ExpiryFallback)
	for _, s := range expired {
		log.Info("run session expired", zap.String("expired_session", s.RunSessionID))
		entries = append(entries, eventlog.ExpiredSession(status.Name, status.Instance, s))
	}

	restart := session.RestartRequested
	session.RestartRequested = false

	if err := m.deps.Statuses.UpdateClientStatus(ctx, status); err != nil {
		return nil, change{}, fmt.Errorf("save status of %s: %w", client.Name, err)
	}
	m.deps.Events.Record(ctx, entries...)

	snapshot := status.Clone()
	current := snapshot.Session(session.RunSessionID)
	c := change{snapshot: snapshot, ended: expired}
	if created {
		c.started = current
	}
	if leaked {
		c.leaked = current
	}
	return &StatusResponse{
		SettingUpdateAvailable: status.LastSettingValueUpdate.After(hb.LastSettingUpdate),
		PollIntervalMs:         current.PollIntervalMs.Ptr(),
		LiveReload:             current.LiveReload.Or(true),
		RestartRequested:       restart,
	}, c, nil
}

func configurationErrors(entries []*store.EventLogEntry, st *store.ClientStatus, s *store.RunSession, messages []string) []*store.EventLogEntry {
	for _, msg := range messages {
		entries = append(entries, eventlog.ConfigurationErrorReported(st.Name, st.Instance, s, msg))
	}
	return entries
}

func applyRequester(s *store.RunSession, req RequesterDetails) {
	if req.Hostname != "" {
		s.Hostname = req.Hostname
	}
	if req.IPAddress != "" {
		s.IPAddress = req.IPAddress
	}
}

// applyHeartbeat copies reported fields onto s. Poll interval and live
// reload are negotiated once per session.
func applyHeartbeat(s *store.RunSession, hb Heartbeat, req RequesterDetails, now time.Time) {
	applyRequester(s, req)
	s.LastSeen = now
	s.UptimeSeconds = hb.UptimeSeconds
	s.HasConfigurationError = hb.HasConfigurationError
	if hb.ApplicationVersion != "" {
		s.ApplicationVersion = hb.ApplicationVersion
	}
	if hb.AgentVersion != "" {
		s.AgentVersion = hb.AgentVersion
	}
	if hb.RunningUser != "" {
		s.RunningUser = hb.RunningUser
	}
	s.PollIntervalMs.Negotiate(hb.PollIntervalMs)
	s.LiveReload.Negotiate(hb.LiveReload)
}

// trackMemory records a sample and reports whether the session crossed into
// a leak verdict for the first time. Analyzer panics are logged and ignored.
func (m *Manager) trackMemory(log *zap.Logger, s *store.RunSession, bytes int64, now time.Time) (leaked bool) {
	if bytes > 0 {
		s.MemorySamples = append(s.MemorySamples, store.MemorySample{At: now, Bytes: bytes})
		if over := len(s.MemorySamples) - m.opts.MemorySampleLimit; over > 0 {
			s.MemorySamples = append([]store.MemorySample(nil), s.MemorySamples[over:]...)
		}
	}
	if m.deps.Analyzer == nil {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("memory analysis panicked", zap.Any("panic", r))
			leaked = false
		}
	}()
	analysis := m.deps.Analyzer.AnalyzeMemoryUsage(s, now)
	if analysis == nil {
		return false
	}
	s.MemoryAnalysis = analysis
	if analysis.PossibleMemoryLeakDetected && !s.LeakReported {
		s.LeakReported = true
		return true
	}
	return false
}

func (m *Manager) configuration(ctx context.Context, log *zap.Logger) *store.ServerConfiguration {
	if m.deps.Configuration == nil {
		return store.DefaultConfiguration()
	}
	cfg, err := m.deps.Configuration.GetConfiguration(ctx)
	if err != nil || cfg == nil {
		if err != nil {
			log.Warn("failed to load server configuration", zap.Error(err))
		}
		return store.DefaultConfiguration()
	}
	return cfg
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}

// UpdateConfiguration changes the live configuration of one run session.
func (m *Manager) UpdateConfiguration(ctx context.Context, clientName, instance string, cfg ClientConfiguration, user string) (*ClientConfiguration, error) {
	client, err := m.resolveClient(ctx, clientName, instance)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(clientKey(client.Name, client.Instance))
	defer unlock()

	status, err := m.deps.Statuses.GetClientStatus(ctx, client.Name, client.Instance)
	if err != nil {
		return nil, fmt.Errorf("load status of %s: %w", client.Name, err)
	}
	if status == nil {
		return nil, fmt.Errorf("client %s has no sessions: %w", clientName, ErrNotFound)
	}
	session := status.Session(cfg.RunSessionID)
	if session == nil {
		return nil, fmt.Errorf("run session %s: %w", cfg.RunSessionID, ErrNotFound)
	}

	if cfg.LiveReload == nil {
		session.LiveReload.Reset()
	} else {
		session.LiveReload.Override(*cfg.LiveReload)
	}
	if cfg.PollIntervalMs != nil {
		session.PollIntervalMs.Override(*cfg.PollIntervalMs)
	}
	session.RestartRequested = cfg.RestartRequested

	if err := m.deps.Statuses.UpdateClientStatus(ctx, status); err != nil {
		return nil, fmt.Errorf("save status of %s: %w", client.Name, err)
	}
	m.deps.Events.Record(ctx, eventlog.LiveConfigurationChanged(status.Name, status.Instance, session, user))
	logger.FromContext(ctx).Info("live configuration updated",
		zap.String("client", client.Name),
		zap.String("run_session_id", session.RunSessionID),
		zap.String("user", user))

	return &ClientConfiguration{
		RunSessionID:     session.RunSessionID,
		LiveReload:       session.LiveReload.Ptr(),
		PollIntervalMs:   session.PollIntervalMs.Ptr(),
		RestartRequested: session.RestartRequested,
	}, nil
}

// Disconnect ends a run session at the client's request.
func (m *Manager) Disconnect(ctx context.Context, clientName, instance, secret, runSessionID string) error {
	client, err := m.authenticate(ctx, clientName, instance, secret)
	if err != nil {
		return err
	}

	c, err := func() (change, error) {
		unlock := m.locks.Lock(clientKey(client.Name, client.Instance))
		defer unlock()

		status, err := m.deps.Statuses.GetClientStatus(ctx, client.Name, client.Instance)
		if err != nil {
			return change{}, fmt.Errorf("load status of %s: %w", client.Name, err)
		}
		if status == nil || status.Session(runSessionID) == nil {
			return change{}, fmt.Errorf("run session %s: %w", runSessionID, ErrNotFound)
		}
		ended := removeSession(status, runSessionID)
		if err := m.deps.Statuses.UpdateClientStatus(ctx, status); err != nil {
			return change{}, fmt.Errorf("save status of %s: %w", client.Name, err)
		}
		m.deps.Events.Record(ctx, eventlog.EndedSession(status.Name, status.Instance, ended))
		return change{snapshot: status.Clone(), ended: []*store.RunSession{ended}}, nil
	}()
	if err != nil {
		return err
	}

	observability.SessionsExpired.WithLabelValues("disconnect").Inc()
	observability.LiveSessions.Dec()
	logger.FromContext(ctx).Info("run session ended",
		zap.String("client", client.Name),
		zap.String("run_session_id", runSessionID))
	m.dispatch(ctx, c)
	return nil
}

func removeSession(status *store.ClientStatus, id string) *store.RunSession {
	for i, s := range status.RunSessions {
		if s.RunSessionID == id {
			status.RunSessions = append(status.RunSessions[:i], status.RunSessions[i+1:]...)
			return s
		}
	}
	return nil
}

// GetAll returns every client with at least one live session. Sessions that
// have expired but were not pruned yet are left out.
func (m *Manager) GetAll(ctx context.Context) ([]*store.ClientStatus, error) {
	statuses, err := m.deps.Statuses.ListClientStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	now := m.now()
	result := make([]*store.ClientStatus, 0, len(statuses))
	for _, st := range statuses {
		prune(st, "", now, m.opts.ExpiryFallback)
		if len(st.RunSessions) > 0 {
			result = append(result, st)
		}
	}
	return result, nil
}

// LiveSessions counts the unexpired sessions of (name, instance), falling
// back to the instance-less registration.
func (m *Manager) LiveSessions(ctx context.Context, name, instance string) (int, error) {
	st, err := m.deps.Statuses.GetClientStatus(ctx, name, instance)
	if err != nil {
		return 0, err
	}
	if st == nil && instance != "" {
		if st, err = m.deps.Statuses.GetClientStatus(ctx, name, ""); err != nil {
			return 0, err
		}
	}
	if st == nil {
		return 0, nil
	}
	now := m.now()
	n := 0
	for _, s := range st.RunSessions {
		if !IsExpired(s, now, m.opts.ExpiryFallback) {
			n++
		}
	}
	return n, nil
}

// SyncIdentity copies the secret hash and last update time of a changed
// registration into its status record.
func (m *Manager) SyncIdentity(ctx context.Context, client *settings.Client) error {
	unlock := m.locks.Lock(clientKey(client.Name, client.Instance))
	defer unlock()

	st, err := m.deps.Statuses.GetClientStatus(ctx, client.Name, client.Instance)
	if err != nil {
		return fmt.Errorf("load status of %s: %w", client.Name, err)
	}
	if st == nil {
		return nil
	}
	st.ClientSecret = client.ClientSecret
	st.LastSettingValueUpdate = client.LastSettingValueUpdate
	return m.deps.Statuses.UpdateClientStatus(ctx, st)
}

// RemoveClient drops the status record of a deleted client and reports its
// sessions as disconnected.
func (m *Manager) RemoveClient(ctx context.Context, name, instance string) error {
	c, err := func() (change, error) {
		unlock := m.locks.Lock(clientKey(name, instance))
		defer unlock()

		st, err := m.deps.Statuses.GetClientStatus(ctx, name, instance)
		if err != nil {
			return change{}, fmt.Errorf("load status of %s: %w", name, err)
		}
		if st == nil {
			return change{}, nil
		}
		if err := m.deps.Statuses.DeleteClientStatus(ctx, name, instance); err != nil {
			return change{}, fmt.Errorf("delete status of %s: %w", name, err)
		}
		ended := st.RunSessions
		st.RunSessions = nil
		return change{snapshot: st, ended: ended}, nil
	}()
	if err != nil {
		return err
	}
	if n := len(c.ended); n > 0 {
		observability.SessionsExpired.WithLabelValues("delete").Add(float64(n))
		observability.LiveSessions.Sub(float64(n))
	}
	m.dispatch(ctx, c)
	return nil
}

// Sweep prunes expired sessions of every client and returns how many were
// removed. A failure on one client does not stop the others.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (int, error) {
	statuses, err := m.deps.Statuses.ListClientStatuses(ctx)
	if err != nil {
		return 0, fmt.Errorf("list statuses: %w", err)
	}

	log := logger.FromContext(ctx)
	removed, live := 0, 0
	var errs []error
	for _, listed := range statuses {
		if len(listed.RunSessions) == 0 {
			continue
		}
		c, n, err := m.sweepClient(ctx, listed.Name, listed.Instance, now)
		if err != nil {
			log.Warn("sweep failed", zap.String("client", listed.Name), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		live += n
		if len(c.ended) == 0 {
			continue
		}
		removed += len(c.ended)
		m.dispatch(ctx, c)
	}

	if removed > 0 {
		observability.SessionsExpired.WithLabelValues("sweep").Add(float64(removed))
	}
	observability.LiveSessions.Set(float64(live))
	return removed, errors.Join(errs...)
}

func (m *Manager) sweepClient(ctx context.Context, name, instance string, now time.Time) (change, int, error) {
	unlock := m.locks.Lock(clientKey(name, instance))
	defer unlock()

	st, err := m.deps.Statuses.GetClientStatus(ctx, name, instance)
	if err != nil || st == nil {
		return change{}, 0, err
	}
	expired := prune(st, "", now, m.opts.ExpiryFallback)
	if len(expired) == 0 {
		return change{}, len(st.RunSessions), nil
	}
	if err := m.deps.Statuses.UpdateClientStatus(ctx, st); err != nil {
		return change{}, 0, fmt.Errorf("save status of %s: %w", name, err)
	}
	entries := make([]*store.EventLogEntry, 0, len(expired))
	for _, s := range expired {
		entries = append(entries, eventlog.ExpiredSession(st.Name, st.Instance, s))
	}
	m.deps.Events.Record(ctx, entries...)
	return change{snapshot: st.Clone(), ended: expired}, len(st.RunSessions), nil
}
