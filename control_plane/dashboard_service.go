package main

import (
	"context"
	"sort"
	"time"

	"github.com/itskum47/SettingsForge/control_plane/registry"
	"github.com/itskum47/SettingsForge/control_plane/status"
	"github.com/itskum47/SettingsForge/control_plane/store"
)

// SessionSummary is one live run session as shown on the dashboard.
type SessionSummary struct {
	Client                string    `json:"client"`
	Instance              string    `json:"instance,omitempty"`
	RunSessionID          string    `json:"run_session_id"`
	Hostname              string    `json:"hostname"`
	IPAddress             string    `json:"ip_address"`
	ApplicationVersion    string    `json:"application_version,omitempty"`
	StartTime             time.Time `json:"start_time"`
	LastSeen              time.Time `json:"last_seen"`
	PollIntervalMs        *int      `json:"poll_interval_ms,omitempty"`
	LiveReload            bool      `json:"live_reload"`
	HasConfigurationError bool      `json:"has_configuration_error"`
	PossibleMemoryLeak    bool      `json:"possible_memory_leak"`
	MemoryUsageBytes      int64     `json:"memory_usage_bytes"`
}

// DashboardSnapshot aggregates registrations and live sessions.
type DashboardSnapshot struct {
	RegisteredClients   int              `json:"registered_clients"`
	ConnectedClients    int              `json:"connected_clients"`
	LiveSessions        int              `json:"live_sessions"`
	ConfigurationErrors int              `json:"configuration_errors"`
	SuspectedLeaks      int              `json:"suspected_leaks"`
	DeferredImports     int              `json:"deferred_imports"`
	Sessions            []SessionSummary `json:"sessions"`
	Timestamp           int64            `json:"timestamp"`
}

// DashboardService builds the status view shared by the REST endpoint and
// the websocket stream.
type DashboardService struct {
	registry *registry.Registry
	sessions *status.Manager
}

func NewDashboardService(reg *registry.Registry, sessions *status.Manager) *DashboardService {
	return &DashboardService{registry: reg, sessions: sessions}
}

func (s *DashboardService) Snapshot(ctx context.Context) (DashboardSnapshot, error) {
	statuses, err := s.sessions.GetAll(ctx)
	if err != nil {
		return DashboardSnapshot{}, err
	}
	clients, err := s.registry.Clients(ctx)
	if err != nil {
		return DashboardSnapshot{}, err
	}
	deferred, err := s.registry.DeferredImports(ctx)
	if err != nil {
		return DashboardSnapshot{}, err
	}

	snap := DashboardSnapshot{
		RegisteredClients: len(clients),
		ConnectedClients:  len(statuses),
		DeferredImports:   len(deferred),
		Sessions:          []SessionSummary{},
		Timestamp:         time.Now().Unix(),
	}
	for _, st := range statuses {
		for _, rs := range st.RunSessions {
			summary := summarize(st, rs)
			if summary.HasConfigurationError {
				snap.ConfigurationErrors++
			}
			if summary.PossibleMemoryLeak {
				snap.SuspectedLeaks++
			}
			snap.Sessions = append(snap.Sessions, summary)
		}
	}
	snap.LiveSessions = len(snap.Sessions)
	sort.Slice(snap.Sessions, func(i, j int) bool {
		a, b := snap.Sessions[i], snap.Sessions[j]
		if a.Client != b.Client {
			return a.Client < b.Client
		}
		if a.Instance != b.Instance {
			return a.Instance < b.Instance
		}
		return a.StartTime.Before(b.StartTime)
	})
	return snap, nil
}

func summarize(st *store.ClientStatus, rs *store.RunSession) SessionSummary {
	summary := SessionSummary{
		Client:                st.Name,
		Instance:              st.Instance,
		RunSessionID:          rs.RunSessionID,
		Hostname:              rs.Hostname,
		IPAddress:             rs.IPAddress,
		ApplicationVersion:    rs.ApplicationVersion,
		StartTime:             rs.StartTime,
		LastSeen:              rs.LastSeen,
		PollIntervalMs:        rs.PollIntervalMs.Ptr(),
		LiveReload:            rs.LiveReload.Or(true),
		HasConfigurationError: rs.HasConfigurationError,
		PossibleMemoryLeak:    rs.MemoryAnalysis != nil && rs.MemoryAnalysis.PossibleMemoryLeakDetected,
	}
	if n := len(rs.MemorySamples); n > 0 {
		summary.MemoryUsageBytes = rs.MemorySamples[n-1].Bytes
	}
	return summary
}
