package webhook

import (
	"time"

	"github.com/itskum47/SettingsForge/control_plane/store"
)

// ClientStatusChanged payloads say which transition happened.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

type ClientRegistrationPayload struct {
	ClientName string   `json:"client_name"`
	Instance   string   `json:"instance,omitempty"`
	Settings   []string `json:"settings"`
	Link       string   `json:"link,omitempty"`
}

type SettingValueChangedPayload struct {
	ClientName      string   `json:"client_name"`
	Instance        string   `json:"instance,omitempty"`
	UpdatedSettings []string `json:"updated_settings"`
	Username        string   `json:"username,omitempty"`
	Link            string   `json:"link,omitempty"`
}

type ClientStatusChangedPayload struct {
	Event              string    `json:"event"`
	ClientName         string    `json:"client_name"`
	Instance           string    `json:"instance,omitempty"`
	RunSessionID       string    `json:"run_session_id"`
	Hostname           string    `json:"hostname,omitempty"`
	IPAddress          string    `json:"ip_address,omitempty"`
	ApplicationVersion string    `json:"application_version,omitempty"`
	AgentVersion       string    `json:"agent_version,omitempty"`
	StartTime          time.Time `json:"start_time"`
	LiveSessions       int       `json:"live_sessions"`
	Link               string    `json:"link,omitempty"`
}

type MemoryLeakDetectedPayload struct {
	ClientName   string               `json:"client_name"`
	Instance     string               `json:"instance,omitempty"`
	RunSessionID string               `json:"run_session_id"`
	Hostname     string               `json:"hostname,omitempty"`
	Analysis     store.MemoryAnalysis `json:"analysis"`
	Link         string               `json:"link,omitempty"`
}
