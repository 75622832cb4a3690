// Package agent is the client side of SettingsForge. It registers a settings
// schema, fetches the values the server holds for it and keeps a run session
// alive with periodic status reports.
package agent

import (
	"errors"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/SettingsForge/control_plane/settings"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultTimeout      = 10 * time.Second
	maxBackoff          = 30 * time.Second
)

// Config describes the client and where its server lives.
type Config struct {
	ServerURL    string
	ClientName   string
	Description  string
	Instance     string
	ClientSecret string
	// OldClientSecret is sent once to rotate ClientSecret.
	OldClientSecret string

	// PollInterval is proposed to the server on the first status report.
	// The server may answer with a different one.
	PollInterval time.Duration
	// LiveReload is proposed the same way. Nil leaves the choice to the server.
	LiveReload *bool

	ApplicationVersion string
	Hostname           string

	// Overrides replace server values locally. Defaults to environment
	// variables named "{client}:{setting}".
	Overrides settings.OverrideReader

	// OnChange receives the names of settings whose value changed after a
	// live reload, together with the complete new value set.
	OnChange func(changed []string, values map[string]settings.Value)
	// OnRestartRequested is called when an administrator asks the process
	// to restart.
	OnRestartRequested func()

	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return errors.New("agent: server url is required")
	}
	if c.ClientName == "" {
		return errors.New("agent: client name is required")
	}
	if c.ClientSecret == "" {
		return errors.New("agent: client secret is required")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			c.Hostname = h
		} else {
			c.Hostname = "unknown"
		}
	}
	if c.Overrides == nil {
		c.Overrides = settings.NewEnvOverrideReader()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
