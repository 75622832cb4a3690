// Package webhook routes domain events to subscribed HTTP endpoints.
package webhook

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/itskum47/SettingsForge/control_plane/logger"
	"github.com/itskum47/SettingsForge/control_plane/observability"
	"github.com/itskum47/SettingsForge/control_plane/settings"
	"github.com/itskum47/SettingsForge/control_plane/store"
	"github.com/itskum47/SettingsForge/control_plane/streaming"
)

// SessionCounter reports the live sessions of a client.
type SessionCounter interface {
	LiveSessions(ctx context.Context, name, instance string) (int, error)
}

type Options struct {
	MaxConcurrent    int
	RatePerSecond    float64
	Burst            int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type Dependencies struct {
	Hooks     store.WebHookRepository
	Transport Transport

	// Optional.
	Sessions      SessionCounter
	Configuration store.ConfigurationRepository
	Publisher     streaming.Publisher
}

// Service fans events out to matching webhooks. Every public method returns
// immediately; delivery happens on background goroutines that Close waits
// for.
type Service struct {
	deps     Dependencies
	patterns patterns
	breakers *breakers
	limiter  *rate.Limiter
	sem      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders wg.Add in fire against Close.
	mu     sync.RWMutex
	closed bool
}

func NewService(deps Dependencies, opts Options) *Service {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = opts.MaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:     deps,
		breakers: newBreakers(opts.BreakerThreshold, opts.BreakerCooldown),
		limiter:  rate.NewLimiter(limit, opts.Burst),
		sem:      make(chan struct{}, opts.MaxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close stops accepting events and waits for in-flight deliveries.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	s.cancel()
}

// Flush waits for deliveries started so far.
func (s *Service) Flush() {
	s.wg.Wait()
}

type event struct {
	hookType   store.WebHookType
	topic      string
	clientName string
	instance   string
	// settings is set for value change events only.
	settings []string
	// sessions is the live-session count, or -1 to look it up.
	sessions int
	payload  func(settings []string, link string) interface{}
}

func (s *Service) NewClientRegistration(ctx context.Context, client *settings.Client) {
	s.fire(ctx, s.registrationEvent(store.WebHookNewClientRegistration, client))
}

func (s *Service) UpdatedClientRegistration(ctx context.Context, client *settings.Client) {
	s.fire(ctx, s.registrationEvent(store.WebHookUpdatedClientRegistration, client))
}

func (s *Service) registrationEvent(t store.WebHookType, client *settings.Client) event {
	names := make([]string, 0, len(client.Settings))
	for _, def := range client.Settings {
		names = append(names, def.Name)
	}
	name, instance := client.Name, client.Instance
	return event{
		hookType:   t,
		topic:      streaming.TopicClientPrefix + string(t),
		clientName: name,
		instance:   instance,
		sessions:   -1,
		payload: func(_ []string, link string) interface{} {
			return ClientRegistrationPayload{ClientName: name, Instance: instance, Settings: names, Link: link}
		},
	}
}

// SettingValueChanged notifies about changed setting names of client. Hooks
// with a SettingNameRegex receive only the names it matches.
func (s *Service) SettingValueChanged(ctx context.Context, changes []string, client *settings.Client, instance, username string) {
	if len(changes) == 0 {
		return
	}
	name := client.Name
	s.fire(ctx, event{
		hookType:   store.WebHookSettingValueChanged,
		topic:      streaming.TopicSettingsChanged,
		clientName: name,
		instance:   instance,
		settings:   append([]string(nil), changes...),
		sessions:   -1,
		payload: func(matched []string, link string) interface{} {
			return SettingValueChangedPayload{ClientName: name, Instance: instance, UpdatedSettings: matched, Username: username, Link: link}
		},
	})
}

func (s *Service) MemoryLeakDetected(ctx context.Context, status *store.ClientStatus, session *store.RunSession) {
	if session.MemoryAnalysis == nil {
		return
	}
	p := MemoryLeakDetectedPayload{
		ClientName:   status.Name,
		Instance:     status.Instance,
		RunSessionID: session.RunSessionID,
		Hostname:     session.Hostname,
		Analysis:     *session.MemoryAnalysis,
	}
	s.fire(ctx, event{
		hookType:   store.WebHookMemoryLeakDetected,
		topic:      streaming.TopicMemoryLeak,
		clientName: status.Name,
		instance:   status.Instance,
		sessions:   len(status.RunSessions),
		payload: func(_ []string, link string) interface{} {
			p.Link = link
			return p
		},
	})
}

// ClientConnected and ClientDisconnected take the status snapshot the
// caller held while changing sessions so MinSessions sees a consistent count.
func (s *Service) ClientConnected(ctx context.Context, session *store.RunSession, status *store.ClientStatus) {
	s.fire(ctx, s.statusEvent(EventConnected, session, status))
}

func (s *Service) ClientDisconnected(ctx context.Context, session *store.RunSession, status *store.ClientStatus) {
	s.fire(ctx, s.statusEvent(EventDisconnected, session, status))
}

func (s *Service) statusEvent(kind string, session *store.RunSession, status *store.ClientStatus) event {
	p := ClientStatusChangedPayload{
		Event:              kind,
		ClientName:         status.Name,
		Instance:           status.Instance,
		RunSessionID:       session.RunSessionID,
		Hostname:           session.Hostname,
		IPAddress:          session.IPAddress,
		ApplicationVersion: session.ApplicationVersion,
		AgentVersion:       session.AgentVersion,
		StartTime:          session.StartTime,
		LiveSessions:       len(status.RunSessions),
	}
	return event{
		hookType:   store.WebHookClientStatusChanged,
		topic:      streaming.TopicSessionPrefix + kind,
		clientName: status.Name,
		instance:   status.Instance,
		sessions:   len(status.RunSessions),
		payload: func(_ []string, link string) interface{} {
			p.Link = link
			return p
		},
	}
}

func (s *Service) fire(ctx context.Context, ev event) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	log := logger.FromContext(ctx).With(
		zap.String("webhook_type", string(ev.hookType)),
		zap.String("client", ev.clientName))
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("webhook dispatch panicked", zap.Any("panic", r))
			}
		}()
		s.dispatch(log, ev)
	}()
}

func (s *Service) dispatch(log *zap.Logger, ev event) {
	ctx := s.ctx
	link := s.link(ctx, ev.clientName)

	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.Publish(ctx, ev.topic, ev.payload(ev.settings, link)); err != nil {
			observability.EventPublishFailures.WithLabelValues(ev.topic, "publish_error").Inc()
			log.Warn("failed to mirror event", zap.String("topic", ev.topic), zap.Error(err))
		}
	}

	hooks, err := s.deps.Hooks.ListWebHooks(ctx)
	if err != nil {
		log.Warn("failed to load webhooks", zap.Error(err))
		return
	}

	sessions := ev.sessions
	clients := make(map[string]*store.WebHookClient)
	for _, h := range hooks {
		if h.WebHookType != ev.hookType {
			continue
		}
		ok, err := s.patterns.matchClient(h, ev.clientName)
		if err != nil {
			log.Warn("invalid client name pattern", zap.String("webhook", h.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		var matched []string
		if ev.hookType == store.WebHookSettingValueChanged {
			matched, err = s.patterns.matchSettings(h, ev.settings)
			if err != nil {
				log.Warn("invalid setting name pattern", zap.String("webhook", h.ID), zap.Error(err))
				continue
			}
			if len(matched) == 0 {
				continue
			}
		}

		if h.MinSessions > 0 {
			if sessions < 0 {
				sessions = s.liveSessions(ctx, log, ev)
			}
			if sessions < h.MinSessions {
				continue
			}
		}

		target, ok := clients[h.WebHookClientID]
		if !ok {
			target, err = s.deps.Hooks.GetWebHookClient(ctx, h.WebHookClientID)
			if err != nil {
				log.Warn("failed to load webhook client", zap.String("webhook", h.ID), zap.Error(err))
				continue
			}
			clients[h.WebHookClientID] = target
		}
		if target == nil {
			log.Warn("webhook references missing client", zap.String("webhook", h.ID))
			continue
		}

		body, err := json.Marshal(ev.payload(matched, link))
		if err != nil {
			log.Error("failed to encode webhook payload", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func(target *store.WebHookClient, body []byte) {
			defer s.wg.Done()
			s.send(log, target, ev.hookType, body)
		}(target, body)
	}
}

func (s *Service) liveSessions(ctx context.Context, log *zap.Logger, ev event) int {
	if s.deps.Sessions == nil {
		return 0
	}
	n, err := s.deps.Sessions.LiveSessions(ctx, ev.clientName, ev.instance)
	if err != nil {
		log.Warn("failed to count sessions", zap.Error(err))
		return 0
	}
	return n
}

func (s *Service) send(log *zap.Logger, target *store.WebHookClient, hookType store.WebHookType, body []byte) {
	label := string(hookType)
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-s.ctx.Done():
		observability.WebHookDispatches.WithLabelValues(label, "cancelled").Inc()
		return
	}

	if err := s.limiter.Wait(s.ctx); err != nil {
		observability.WebHookDispatches.WithLabelValues(label, "cancelled").Inc()
		return
	}

	breaker := s.breakers.get(target.ID)
	if !breaker.Allow() {
		observability.WebHookDispatches.WithLabelValues(label, "circuit_open").Inc()
		log.Debug("webhook client circuit open", zap.String("webhook_client", target.Name))
		return
	}

	start := time.Now()
	err := s.deps.Transport.Send(s.ctx, target, hookType, body)
	observability.WebHookDispatchDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		breaker.RecordFailure()
		observability.WebHookDispatches.WithLabelValues(label, "failed").Inc()
		log.Warn("webhook delivery failed",
			zap.String("webhook_client", target.Name),
			zap.String("base_uri", target.BaseURI),
			zap.Error(err))
		return
	}
	breaker.RecordSuccess()
	observability.WebHookDispatches.WithLabelValues(label, "delivered").Inc()
}

func (s *Service) link(ctx context.Context, clientName string) string {
	if s.deps.Configuration == nil {
		return ""
	}
	cfg, err := s.deps.Configuration.GetConfiguration(ctx)
	if err != nil || cfg == nil || cfg.WebApplicationBaseAddress == "" {
		return ""
	}
	return strings.TrimRight(cfg.WebApplicationBaseAddress, "/") + "/clients/" + url.PathEscape(clientName)
}
