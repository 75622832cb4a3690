package status

import (
	"context"
	"time"

	"github.com/itskum47/SettingsForge/control_plane/store"
)

// Heartbeat is what a running client reports on every poll.
type Heartbeat struct {
	RunSessionID          string    `json:"run_session_id" binding:"required"`
	UptimeSeconds         float64   `json:"uptime_seconds"`
	PollIntervalMs        *int      `json:"poll_interval_ms,omitempty"`
	LiveReload            *bool     `json:"live_reload,omitempty"`
	HasConfigurationError bool      `json:"has_configuration_error"`
	ConfigurationErrors   []string  `json:"configuration_errors,omitempty"`
	MemoryUsageBytes      int64     `json:"memory_usage_bytes"`
	ApplicationVersion    string    `json:"application_version,omitempty"`
	AgentVersion          string    `json:"agent_version,omitempty"`
	RunningUser           string    `json:"running_user,omitempty"`
	LastSettingUpdate     time.Time `json:"last_setting_update"`
}

// RequesterDetails identifies the host a heartbeat came from.
type RequesterDetails struct {
	Hostname  string
	IPAddress string
}

// StatusResponse tells the client what to do next.
type StatusResponse struct {
	SettingUpdateAvailable bool `json:"setting_update_available"`
	PollIntervalMs         *int `json:"poll_interval_ms,omitempty"`
	LiveReload             bool `json:"live_reload"`
	AllowOfflineSettings   bool `json:"allow_offline_settings"`
	RestartRequested       bool `json:"restart_requested"`
}

// ClientConfiguration is an administrator's change to one run session.
// A nil LiveReload resets it to unset; a nil PollIntervalMs keeps the
// current value.
type ClientConfiguration struct {
	RunSessionID     string `json:"run_session_id" binding:"required"`
	LiveReload       *bool  `json:"live_reload"`
	PollIntervalMs   *int   `json:"poll_interval_ms,omitempty"`
	RestartRequested bool   `json:"restart_requested"`
}

// Notifier receives session events after the client lock is released.
type Notifier interface {
	ClientConnected(ctx context.Context, session *store.RunSession, status *store.ClientStatus)
	ClientDisconnected(ctx context.Context, session *store.RunSession, status *store.ClientStatus)
	MemoryLeakDetected(ctx context.Context, status *store.ClientStatus, session *store.RunSession)
}
