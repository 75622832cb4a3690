package store

import (
	"time"
)

// Negotiated holds a value a client sets once per session. Later heartbeats
// cannot change it; only an explicit configuration update can.
type Negotiated[T any] struct {
	Value T    `json:"value"`
	Set   bool `json:"set"`
}

// Negotiate stores *v if nothing was negotiated yet. It reports whether the
// value changed.
func (n *Negotiated[T]) Negotiate(v *T) bool {
	if n.Set || v == nil {
		return false
	}
	n.Value = *v
	n.Set = true
	return true
}

// Override replaces the value unconditionally.
func (n *Negotiated[T]) Override(v T) {
	n.Value = v
	n.Set = true
}

// Reset returns the value to the unnegotiated state.
func (n *Negotiated[T]) Reset() {
	var zero T
	n.Value = zero
	n.Set = false
}

// Ptr returns a pointer to a copy of the value, or nil when unset.
func (n Negotiated[T]) Ptr() *T {
	if !n.Set {
		return nil
	}
	v := n.Value
	return &v
}

// Or returns the value, or def when unset.
func (n Negotiated[T]) Or(def T) T {
	if !n.Set {
		return def
	}
	return n.Value
}

// MemorySample is one heartbeat memory reading.
type MemorySample struct {
	At    time.Time `json:"at"`
	Bytes int64     `json:"bytes"`
}

// MemoryAnalysis is the advisory verdict attached to a run session.
type MemoryAnalysis struct {
	TimeOfAnalysis             time.Time `json:"time_of_analysis"`
	PossibleMemoryLeakDetected bool      `json:"possible_memory_leak_detected"`
	TrendLineSlope             float64   `json:"trend_line_slope"` // bytes per second
	StartBytesAverage          float64   `json:"start_bytes_average"`
	EndBytesAverage            float64   `json:"end_bytes_average"`
	StandardDeviation          float64   `json:"standard_deviation"`
	SecondsAnalyzed            float64   `json:"seconds_analyzed"`
	DataPointsAnalyzed         int       `json:"data_points_analyzed"`
}

// RunSession is one live process of a registered client.
type RunSession struct {
	RunSessionID          string           `json:"run_session_id"`
	Hostname              string           `json:"hostname"`
	IPAddress             string           `json:"ip_address"`
	StartTime             time.Time        `json:"start_time"`
	LastSeen              time.Time        `json:"last_seen"`
	PollIntervalMs        Negotiated[int]  `json:"poll_interval_ms"`
	LiveReload            Negotiated[bool] `json:"live_reload"`
	UptimeSeconds         float64          `json:"uptime_seconds"`
	HasConfigurationError bool             `json:"has_configuration_error"`
	RestartRequested      bool             `json:"restart_requested"`
	ApplicationVersion    string           `json:"application_version"`
	AgentVersion          string           `json:"agent_version"`
	RunningUser           string           `json:"running_user"`
	MemorySamples         []MemorySample   `json:"memory_samples,omitempty"`
	MemoryAnalysis        *MemoryAnalysis  `json:"memory_analysis,omitempty"`
	LeakReported          bool             `json:"leak_reported,omitempty"`
}

func (s *RunSession) Clone() *RunSession {
	if s == nil {
		return nil
	}
	c := *s
	c.MemorySamples = append([]MemorySample(nil), s.MemorySamples...)
	if s.MemoryAnalysis != nil {
		a := *s.MemoryAnalysis
		c.MemoryAnalysis = &a
	}
	return &c
}

// ClientStatus is the session-owning view of a registered client.
type ClientStatus struct {
	Name                   string        `json:"name"`
	Instance               string        `json:"instance"`
	ClientSecret           string        `json:"client_secret"` // bcrypt hash
	LastSettingValueUpdate time.Time     `json:"last_setting_value_update"`
	RunSessions            []*RunSession `json:"run_sessions"`
}

func (c *ClientStatus) Clone() *ClientStatus {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RunSessions = make([]*RunSession, len(c.RunSessions))
	for i, s := range c.RunSessions {
		cp.RunSessions[i] = s.Clone()
	}
	return &cp
}

// Session returns the session with the given id or nil.
func (c *ClientStatus) Session(runSessionID string) *RunSession {
	for _, s := range c.RunSessions {
		if s.RunSessionID == runSessionID {
			return s
		}
	}
	return nil
}

// EventLogEntry is an append-only audit record.
type EventLogEntry struct {
	ID                string    `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	EventType         string    `json:"event_type"`
	ClientName        string    `json:"client_name,omitempty"`
	Instance          string    `json:"instance,omitempty"`
	SettingName       string    `json:"setting_name,omitempty"`
	RunSessionID      string    `json:"run_session_id,omitempty"`
	OriginalValue     string    `json:"original_value,omitempty"`
	NewValue          string    `json:"new_value,omitempty"`
	AuthenticatedUser string    `json:"authenticated_user,omitempty"`
	Message           string    `json:"message,omitempty"`
	Hostname          string    `json:"hostname,omitempty"`
	IPAddress         string    `json:"ip_address,omitempty"`
}

// ServerConfiguration holds global policy edited by administrators.
type ServerConfiguration struct {
	AllowOfflineSettings      bool   `json:"allow_offline_settings"`
	AllowFileImports          bool   `json:"allow_file_imports"`
	AllowClientOverrides      bool   `json:"allow_client_overrides"`
	ClientOverridesRegex      string `json:"client_overrides_regex,omitempty"`
	WebApplicationBaseAddress string `json:"web_application_base_address,omitempty"`
}

// DefaultConfiguration is used until an administrator saves one.
func DefaultConfiguration() *ServerConfiguration {
	return &ServerConfiguration{
		AllowOfflineSettings: true,
		AllowFileImports:     true,
	}
}

type WebHookType string

const (
	WebHookNewClientRegistration     WebHookType = "NewClientRegistration"
	WebHookUpdatedClientRegistration WebHookType = "UpdatedClientRegistration"
	WebHookSettingValueChanged       WebHookType = "SettingValueChanged"
	WebHookMemoryLeakDetected        WebHookType = "MemoryLeakDetected"
	WebHookClientStatusChanged       WebHookType = "ClientStatusChanged"
)

func (t WebHookType) Valid() bool {
	switch t {
	case WebHookNewClientRegistration, WebHookUpdatedClientRegistration, WebHookSettingValueChanged,
		WebHookMemoryLeakDetected, WebHookClientStatusChanged:
		return true
	}
	return false
}

// WebHookClient is an outbound endpoint and the hash of its shared secret.
type WebHookClient struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	BaseURI      string `json:"base_uri"`
	HashedSecret string `json:"-"`
}

// WebHook subscribes a WebHookClient to one kind of event.
type WebHook struct {
	ID               string      `json:"id"`
	WebHookClientID  string      `json:"client_id"`
	WebHookType      WebHookType `json:"webhook_type"`
	ClientNameRegex  string      `json:"client_name_regex,omitempty"`
	SettingNameRegex string      `json:"setting_name_regex,omitempty"`
	MinSessions      int         `json:"min_sessions"`
}

// DeferredImport holds a value-only export for a client that has not
// registered yet. SettingValuesJSON is opaque until it is applied.
type DeferredImport struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Instance          string    `json:"instance,omitempty"`
	SettingValuesJSON string    `json:"setting_values_json"`
	SettingCount      int       `json:"setting_count"`
	AuthenticatedUser string    `json:"authenticated_user"`
	ImportTime        time.Time `json:"import_time"`
}
