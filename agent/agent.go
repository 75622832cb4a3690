package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itskum47/SettingsForge/control_plane/convert"
	"github.com/itskum47/SettingsForge/control_plane/secrets"
	"github.com/itskum47/SettingsForge/control_plane/settings"
	"github.com/itskum47/SettingsForge/control_plane/status"
)

const agentVersion = "1.0.0"

// Agent keeps one run session of a client alive.
type Agent struct {
	cfg          Config
	defs         []*settings.Definition
	http         *client
	codec        *settings.Codec
	log          *zap.Logger
	runSessionID string
	started      time.Time

	mu                sync.RWMutex
	values            map[string]settings.Value
	lastSettingUpdate time.Time
	pollInterval      time.Duration
	liveReload        bool
	configErrors      []string

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// New prepares an agent for the schema defs. Nothing is sent until Start.
func New(cfg Config, defs []*settings.Definition) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	enc, err := secrets.NewClientEncryptor(cfg.ClientSecret)
	if err != nil {
		return nil, err
	}
	runSessionID := uuid.NewString()
	return &Agent{
		cfg:          cfg,
		defs:         defs,
		http:         &client{cfg: &cfg},
		codec:        settings.NewCodec(enc),
		log:          cfg.Logger.With(zap.String("client", cfg.ClientName), zap.String("run_session", runSessionID)),
		runSessionID: runSessionID,
		started:      time.Now(),
		pollInterval: cfg.PollInterval,
		done:         make(chan struct{}),
	}, nil
}

// RunSessionID identifies this process to the server.
func (a *Agent) RunSessionID() string { return a.runSessionID }

// Start registers the schema, loads the initial values and starts the
// status loop. Registration is retried with backoff until it succeeds or
// ctx is cancelled; a rejected secret is not retried.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.registerWithBackoff(ctx); err != nil {
		return err
	}
	if _, err := a.refresh(ctx); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.loop(loopCtx)
	return nil
}

func (a *Agent) registerWithBackoff(ctx context.Context) error {
	export, err := convert.Declare(a.cfg.ClientName, a.cfg.Description, a.defs)
	if err != nil {
		return err
	}
	export.Instance = a.cfg.Instance
	export.ClientSecret = a.cfg.ClientSecret
	body := registration{ClientExport: *export, OldClientSecret: a.cfg.OldClientSecret}

	backoff := time.Second
	for {
		err := a.http.register(ctx, body)
		if err == nil {
			a.log.Info("registered", zap.Int("settings", len(a.defs)))
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		a.log.Warn("registration failed", zap.Error(err), zap.Duration("retry_in", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// refresh fetches values from the server and applies local overrides. It
// returns the names whose value changed.
func (a *Agent) refresh(ctx context.Context) ([]string, error) {
	export, err := a.http.values(ctx)
	if err != nil {
		return nil, err
	}
	fetched := time.Now()

	values, err := convert.ReadClientValues(export, a.defs, a.codec)
	if err != nil {
		return nil, err
	}
	overrides, err := a.cfg.Overrides.ReadOverrides(a.cfg.ClientName, a.defs)
	if err != nil {
		a.ReportConfigurationError(err.Error())
	}
	for _, o := range overrides {
		values[o.Name] = o.Value
	}

	a.mu.Lock()
	var changed []string
	for _, def := range a.defs {
		if old, ok := a.values[def.Name]; !ok || !settings.ValuesEqual(old, values[def.Name]) {
			changed = append(changed, def.Name)
		}
	}
	a.values = values
	a.lastSettingUpdate = fetched
	a.mu.Unlock()
	return changed, nil
}

// Values returns a copy of the current values.
func (a *Agent) Values() map[string]settings.Value {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]settings.Value, len(a.values))
	for k, v := range a.values {
		out[k] = settings.CloneValue(v)
	}
	return out
}

// Value returns the current value of one setting.
func (a *Agent) Value(name string) (settings.Value, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.values[name]
	return settings.CloneValue(v), ok
}

// LiveReload reports whether the server lets this session reload settings
// without a restart.
func (a *Agent) LiveReload() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.liveReload
}

// ReportConfigurationError is sent with the next status report.
func (a *Agent) ReportConfigurationError(msg string) {
	a.mu.Lock()
	a.configErrors = append(a.configErrors, msg)
	a.mu.Unlock()
	a.log.Warn("configuration error", zap.String("error", msg))
}

func (a *Agent) loop(ctx context.Context) {
	defer close(a.done)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(a.tick(ctx))
	}
}

// tick sends one status report and returns the delay until the next.
func (a *Agent) tick(ctx context.Context) time.Duration {
	resp, err := a.http.status(ctx, a.heartbeat())
	var throttled *ThrottledError
	switch {
	case err == nil:
	case errors.As(err, &throttled):
		a.log.Debug("status report throttled", zap.Duration("retry_after", throttled.RetryAfter))
		return throttled.RetryAfter
	case errors.Is(err, ErrNotFound):
		a.log.Warn("client no longer registered, registering again")
		if err := a.registerWithBackoff(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("re-registration failed", zap.Error(err))
		}
		return a.interval()
	default:
		if ctx.Err() == nil {
			a.log.Warn("status report failed", zap.Error(err))
		}
		return a.interval()
	}

	a.mu.Lock()
	if resp.PollIntervalMs != nil && *resp.PollIntervalMs > 0 {
		a.pollInterval = time.Duration(*resp.PollIntervalMs) * time.Millisecond
	}
	a.liveReload = resp.LiveReload
	a.configErrors = nil
	a.mu.Unlock()

	if resp.RestartRequested {
		a.log.Info("restart requested by administrator")
		if a.cfg.OnRestartRequested != nil {
			a.cfg.OnRestartRequested()
		}
	}
	if resp.SettingUpdateAvailable && resp.LiveReload {
		a.reload(ctx)
	}
	return a.interval()
}

func (a *Agent) reload(ctx context.Context) {
	changed, err := a.refresh(ctx)
	if err != nil {
		a.log.Warn("failed to reload settings", zap.Error(err))
		return
	}
	if len(changed) == 0 {
		return
	}
	a.log.Info("settings reloaded", zap.Strings("settings", changed))
	if a.cfg.OnChange != nil {
		a.cfg.OnChange(changed, a.Values())
	}
}

func (a *Agent) interval() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pollInterval
}

func (a *Agent) heartbeat() *status.Heartbeat {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	a.mu.RLock()
	defer a.mu.RUnlock()
	pollMs := int(a.cfg.PollInterval / time.Millisecond)
	return &status.Heartbeat{
		RunSessionID:          a.runSessionID,
		UptimeSeconds:         time.Since(a.started).Seconds(),
		PollIntervalMs:        &pollMs,
		LiveReload:            a.cfg.LiveReload,
		HasConfigurationError: len(a.configErrors) > 0,
		ConfigurationErrors:   append([]string(nil), a.configErrors...),
		MemoryUsageBytes:      int64(mem.HeapAlloc),
		ApplicationVersion:    a.cfg.ApplicationVersion,
		AgentVersion:          agentVersion,
		LastSettingUpdate:     a.lastSettingUpdate,
	}
}

// Stop ends the status loop and closes the run session on the server.
func (a *Agent) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.cancel == nil {
			return
		}
		a.cancel()
		select {
		case <-a.done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		if err = a.http.disconnect(ctx, a.runSessionID); err != nil {
			a.log.Warn("failed to close run session", zap.Error(err))
			return
		}
		a.log.Info("run session closed")
	})
	return err
}
