package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/itskum47/SettingsForge/control_plane/auth"
	"github.com/itskum47/SettingsForge/control_plane/config"
	"github.com/itskum47/SettingsForge/control_plane/convert"
	"github.com/itskum47/SettingsForge/control_plane/coordination"
	"github.com/itskum47/SettingsForge/control_plane/eventlog"
	"github.com/itskum47/SettingsForge/control_plane/idempotency"
	"github.com/itskum47/SettingsForge/control_plane/logger"
	"github.com/itskum47/SettingsForge/control_plane/middleware"
	"github.com/itskum47/SettingsForge/control_plane/ratelimit"
	"github.com/itskum47/SettingsForge/control_plane/registry"
	"github.com/itskum47/SettingsForge/control_plane/secrets"
	"github.com/itskum47/SettingsForge/control_plane/settings"
	"github.com/itskum47/SettingsForge/control_plane/status"
	"github.com/itskum47/SettingsForge/control_plane/store"
	"github.com/itskum47/SettingsForge/control_plane/streaming"
	"github.com/itskum47/SettingsForge/control_plane/webhook"
)

// limiterIdle is how long an unused per-client heartbeat bucket is kept.
const limiterIdle = 10 * time.Minute

// repositories is the storage selected by configuration.
type repositories struct {
	clients       store.ClientRepository
	statuses      store.StatusRepository
	events        store.EventLogRepository
	configuration store.ConfigurationRepository
	webhooks      store.WebHookRepository
	deferred      store.DeferredImportRepository
	coordinator   store.Coordinator
	idempotency   idempotency.Store
	closers       []func()
}

func (r *repositories) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// Server owns every long-lived component of a running node.
type Server struct {
	cfg       *config.Config
	nodeID    string
	repos     *repositories
	publisher streaming.Publisher
	webhooks  *webhook.Service
	sweeper   *coordination.SessionSweeper
	hub       *StatusHub
	engine    *gin.Engine
}

func newEncryptor(cfg *config.SecurityConfig) (*secrets.AESEncryptor, error) {
	if cfg.EncryptionKey == "" {
		key, err := secrets.GenerateKey()
		if err != nil {
			return nil, err
		}
		logger.Warn("no encryption key configured; exports are only readable by this process")
		return secrets.NewAESEncryptorFromBase64(key)
	}
	return secrets.NewAESEncryptorFromBase64(cfg.EncryptionKey, cfg.PreviousEncryptionKeys...)
}

func openRepositories(ctx context.Context, cfg *config.Config, codec store.ClientCodec) (*repositories, error) {
	mem := store.NewMemoryStore()
	repos := &repositories{
		clients:       mem,
		statuses:      mem,
		events:        mem,
		configuration: mem,
		webhooks:      mem,
		deferred:      mem,
		coordinator:   mem,
		idempotency:   idempotency.NewMemoryStore(idempotency.DefaultTTL),
	}

	if cfg.Storage.Backend == "postgres" {
		pg, err := store.NewPostgresStore(ctx, cfg.Storage.PostgresDSN, codec)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		repos.clients, repos.statuses, repos.events = pg, pg, pg
		repos.configuration, repos.webhooks, repos.deferred = pg, pg, pg
		repos.closers = append(repos.closers, pg.Close)
		logger.Info("using postgres storage")
	}

	if cfg.Storage.RedisAddr != "" {
		rs, err := store.NewRedisStore(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
		if err != nil {
			repos.close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		repos.statuses = rs
		repos.coordinator = rs
		repos.idempotency = idempotency.NewRedisStore(rs.Client(), idempotency.DefaultTTL)
		repos.closers = append(repos.closers, func() { _ = rs.Close() })
		logger.Info("using redis for sessions, locks and idempotency", zap.String("addr", cfg.Storage.RedisAddr))
	}
	return repos, nil
}

func newPublisher(cfg *config.StreamingConfig) streaming.Publisher {
	if cfg.NATSURL == "" {
		return streaming.NewLogPublisher(logger.Logger)
	}
	p, err := streaming.NewNATSPublisher(cfg.NATSURL, cfg.SubjectPrefix, logger.Logger)
	if err != nil {
		logger.Warn("NATS unavailable, mirroring events to the log instead", zap.Error(err))
		return streaming.NewLogPublisher(logger.Logger)
	}
	return p
}

func nodeID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "node"
	}
	return hostname + "-" + uuid.NewString()[:8]
}

// NewServer wires storage, the domain services and the HTTP API.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	signer, err := auth.NewSigner(cfg.Security.JWTSecret, time.Duration(cfg.Security.TokenTTLMinutes)*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("admin authentication: %w", err)
	}
	enc, err := newEncryptor(cfg.Security)
	if err != nil {
		return nil, fmt.Errorf("encryption: %w", err)
	}
	converter := convert.NewConverter(settings.NewCodec(enc))

	repos, err := openRepositories(ctx, cfg, converter)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, nodeID: nodeID(), repos: repos}
	s.publisher = newPublisher(cfg.Streaming)
	events := eventlog.New(repos.events)

	// The webhook service counts sessions through the manager, and the
	// manager notifies through the webhook service.
	counter := &sessionCounter{}
	s.webhooks = webhook.NewService(webhook.Dependencies{
		Hooks:         repos.webhooks,
		Transport:     webhook.NewHTTPTransport(time.Duration(cfg.WebHooks.TimeoutSeconds) * time.Second),
		Sessions:      counter,
		Configuration: repos.configuration,
		Publisher:     s.publisher,
	}, webhook.Options{
		MaxConcurrent:    cfg.WebHooks.MaxConcurrent,
		RatePerSecond:    cfg.WebHooks.RatePerSecond,
		Burst:            cfg.WebHooks.Burst,
		BreakerThreshold: cfg.WebHooks.BreakerThreshold,
		BreakerCooldown:  time.Duration(cfg.WebHooks.BreakerCooldownS) * time.Second,
	})

	sessions := status.NewManager(status.Dependencies{
		Clients:       repos.clients,
		Statuses:      repos.statuses,
		Configuration: repos.configuration,
		Events:        events,
		Notifier:      s.webhooks,
		Analyzer: status.NewMemoryAnalyzer(cfg.Memory.MinDataPoints,
			time.Duration(cfg.Memory.DelayBeforeCheckSec)*time.Second),
	}, status.Options{
		ExpiryFallback:    cfg.Sessions.ExpiryFallback(),
		MemorySampleLimit: cfg.Sessions.MemorySampleLimit,
	})
	counter.Manager = sessions

	reg := registry.New(registry.Dependencies{
		Clients:   repos.clients,
		Deferred:  repos.deferred,
		Converter: converter,
		Events:    events,
		Sessions:  sessions,
		Notifier:  s.webhooks,
	})

	var heartbeatLimiter *rate.Limiter
	if cfg.Sessions.HeartbeatRate > 0 {
		heartbeatLimiter = rate.NewLimiter(rate.Limit(cfg.Sessions.HeartbeatRate), cfg.Sessions.HeartbeatBurst)
	}
	clientLimiter := ratelimit.NewKeyedLimiter(float64(cfg.Sessions.PerClientRate), cfg.Sessions.PerClientBurst)

	if cfg.Sessions.SweepSchedule != "" {
		s.sweeper, err = coordination.NewSessionSweeper(sessions, repos.coordinator, s.nodeID, cfg.Sessions.SweepSchedule)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.sweeper.AfterSweep(func() { clientLimiter.Prune(limiterIdle) })
	}

	dashboard := NewDashboardService(reg, sessions)
	s.hub = NewStatusHub(dashboard, 2*time.Second)
	events.OnRecord(s.hub.PublishEvent)

	api := NewAPI(APIDependencies{
		Registry:         reg,
		Sessions:         sessions,
		Events:           events,
		Configuration:    repos.configuration,
		WebHooks:         repos.webhooks,
		Idempotency:      repos.idempotency,
		Signer:           signer,
		Hub:              s.hub,
		Dashboard:        dashboard,
		HeartbeatLimiter: heartbeatLimiter,
		ClientLimiter:    clientLimiter,
	})

	gin.SetMode(cfg.Server.Mode)
	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.GinZapLogger(logger.Logger),
		middleware.Recovery(logger.Logger),
		middleware.CORS(cfg.Server.AllowedOrigins),
	)
	api.Routes(engine)
	s.engine = engine
	return s, nil
}

// sessionCounter breaks the construction cycle between the webhook service
// and the session manager.
type sessionCounter struct {
	*status.Manager
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)
	if s.sweeper != nil {
		s.sweeper.Start()
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Address, s.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(s.cfg.Server.ReadTimeoutSeconds) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("SettingsForge listening", zap.String("addr", addr), zap.String("node_id", s.nodeID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if s.sweeper != nil {
		s.sweeper.Stop(shutdownCtx)
	}
	s.Close()
	return err
}

// Close drains webhook deliveries and releases storage.
func (s *Server) Close() {
	if s.webhooks != nil {
		s.webhooks.Close()
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			logger.Warn("failed to close event publisher", zap.Error(err))
		}
	}
	s.repos.close()
}
