// Package eventlog records the audit trail of sessions, registrations and
// setting changes.
package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/SettingsForge/control_plane/logger"
	"github.com/itskum47/SettingsForge/control_plane/settings"
	"github.com/itskum47/SettingsForge/control_plane/store"
)

const (
	RunSessionStarted               = "Run Session Started"
	RunSessionExpired               = "Run Session Expired"
	RunSessionEnded                 = "Run Session Ended"
	ConfigurationErrorStatusChanged = "Configuration Error Status Changed"
	ConfigurationError              = "Configuration Error"
	SettingValueUpdated             = "Setting Value Updated"
	InitialRegistration             = "Initial Registration"
	RegistrationUpdatedSettings     = "Registration - Updated Settings"
	RegistrationNoChange            = "Registration - No Change"
	ClientDeleted                   = "Client Deleted"
	DataImported                    = "Data Imported"
	DeferredImportRegistered        = "Deferred Import Registered"
	DeferredImportApplied           = "Deferred Import Applied"
	MemoryLeakDetected              = "Memory Leak Detected"
	LiveConfigurationUpdated        = "Live Configuration Updated"
)

// SecretMask replaces secret values in the log.
const SecretMask = "<SECRET>"

// Log writes entries to the repository. Writes are best effort: a failure is
// logged and never returned to the operation that produced the entry.
type Log struct {
	repo store.EventLogRepository
	now  func() time.Time

	mu     sync.RWMutex
	mirror func(*store.EventLogEntry)
}

func New(repo store.EventLogRepository) *Log {
	return &Log{repo: repo, now: time.Now}
}

// OnRecord registers a callback run after each successful write.
func (l *Log) OnRecord(fn func(*store.EventLogEntry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirror = fn
}

func (l *Log) Record(ctx context.Context, entries ...*store.EventLogEntry) {
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = l.now().UTC()
		}
		if err := l.repo.AddEvent(ctx, e); err != nil {
			logger.FromContext(ctx).Warn("failed to record event",
				zap.String("event_type", e.EventType),
				zap.String("client", e.ClientName),
				zap.Error(err))
			continue
		}
		l.mu.RLock()
		mirror := l.mirror
		l.mu.RUnlock()
		if mirror != nil {
			mirror(e)
		}
	}
}

// List returns entries in [since, until]. Zero bounds are open.
func (l *Log) List(ctx context.Context, since, until time.Time) ([]*store.EventLogEntry, error) {
	return l.repo.ListEvents(ctx, since, until)
}

func sessionEntry(eventType, name, instance string, s *store.RunSession) *store.EventLogEntry {
	return &store.EventLogEntry{
		EventType:    eventType,
		ClientName:   name,
		Instance:     instance,
		RunSessionID: s.RunSessionID,
		Hostname:     s.Hostname,
		IPAddress:    s.IPAddress,
	}
}

func NewSession(name, instance string, s *store.RunSession) *store.EventLogEntry {
	return sessionEntry(RunSessionStarted, name, instance, s)
}

func ExpiredSession(name, instance string, s *store.RunSession) *store.EventLogEntry {
	e := sessionEntry(RunSessionExpired, name, instance, s)
	e.Message = fmt.Sprintf("last seen %s", s.LastSeen.UTC().Format(time.RFC3339))
	return e
}

func EndedSession(name, instance string, s *store.RunSession) *store.EventLogEntry {
	return sessionEntry(RunSessionEnded, name, instance, s)
}

func ConfigurationErrorStatus(name, instance string, s *store.RunSession, hasError bool) *store.EventLogEntry {
	e := sessionEntry(ConfigurationErrorStatusChanged, name, instance, s)
	e.OriginalValue = fmt.Sprint(!hasError)
	e.NewValue = fmt.Sprint(hasError)
	return e
}

func ConfigurationErrorReported(name, instance string, s *store.RunSession, message string) *store.EventLogEntry {
	e := sessionEntry(ConfigurationError, name, instance, s)
	e.Message = message
	return e
}

func LiveConfigurationChanged(name, instance string, s *store.RunSession, user string) *store.EventLogEntry {
	e := sessionEntry(LiveConfigurationUpdated, name, instance, s)
	e.AuthenticatedUser = user
	e.Message = fmt.Sprintf("poll interval %d ms, live reload %t, restart requested %t",
		s.PollIntervalMs.Or(0), s.LiveReload.Or(true), s.RestartRequested)
	return e
}

func MemoryLeak(name, instance string, s *store.RunSession) *store.EventLogEntry {
	e := sessionEntry(MemoryLeakDetected, name, instance, s)
	if a := s.MemoryAnalysis; a != nil {
		e.Message = fmt.Sprintf("memory grew from %.0f to %.0f bytes (slope %.2f B/s) over %.0f s",
			a.StartBytesAverage, a.EndBytesAverage, a.TrendLineSlope, a.SecondsAnalyzed)
	}
	return e
}

func ValueUpdated(name, instance string, def *settings.Definition, original, updated settings.Value, user string) *store.EventLogEntry {
	return &store.EventLogEntry{
		EventType:         SettingValueUpdated,
		ClientName:        name,
		Instance:          instance,
		SettingName:       def.Name,
		OriginalValue:     FormatValue(original, def.IsSecret),
		NewValue:          FormatValue(updated, def.IsSecret),
		AuthenticatedUser: user,
	}
}

func Registered(name, instance string) *store.EventLogEntry {
	return &store.EventLogEntry{EventType: InitialRegistration, ClientName: name, Instance: instance}
}

func RegistrationChanged(name, instance, message string) *store.EventLogEntry {
	return &store.EventLogEntry{EventType: RegistrationUpdatedSettings, ClientName: name, Instance: instance, Message: message}
}

func RegistrationUnchanged(name, instance string) *store.EventLogEntry {
	return &store.EventLogEntry{EventType: RegistrationNoChange, ClientName: name, Instance: instance}
}

func Deleted(name, instance, user string) *store.EventLogEntry {
	return &store.EventLogEntry{EventType: ClientDeleted, ClientName: name, Instance: instance, AuthenticatedUser: user}
}

func Imported(kind string, clients int, user string) *store.EventLogEntry {
	return &store.EventLogEntry{
		EventType:         DataImported,
		AuthenticatedUser: user,
		Message:           fmt.Sprintf("%s import of %d client(s)", kind, clients),
	}
}

func DeferredRegistered(imp *store.DeferredImport) *store.EventLogEntry {
	return &store.EventLogEntry{
		EventType:         DeferredImportRegistered,
		ClientName:        imp.Name,
		Instance:          imp.Instance,
		AuthenticatedUser: imp.AuthenticatedUser,
		Message:           fmt.Sprintf("%d setting(s) waiting for registration", imp.SettingCount),
	}
}

func DeferredApplied(imp *store.DeferredImport) *store.EventLogEntry {
	return &store.EventLogEntry{
		EventType:         DeferredImportApplied,
		ClientName:        imp.Name,
		Instance:          imp.Instance,
		AuthenticatedUser: imp.AuthenticatedUser,
		Message:           fmt.Sprintf("%d setting(s) applied", imp.SettingCount),
	}
}

// FormatValue renders v for the audit trail.
func FormatValue(v settings.Value, secret bool) string {
	if v == nil {
		return ""
	}
	if secret {
		return SecretMask
	}
	switch v := v.(type) {
	case settings.StringValue:
		return string(v)
	case settings.DateTimeValue:
		return v.Time.UTC().Format(time.RFC3339)
	case settings.TimeSpanValue:
		return time.Duration(v).String()
	}
	w, err := settings.Encode(v)
	if err != nil {
		return fmt.Sprintf("<%s>", v.Type())
	}
	return string(w.Value)
}
