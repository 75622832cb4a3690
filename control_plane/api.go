package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/itskum47/SettingsForge/control_plane/auth"
	"github.com/itskum47/SettingsForge/control_plane/eventlog"
	"github.com/itskum47/SettingsForge/control_plane/idempotency"
	"github.com/itskum47/SettingsForge/control_plane/logger"
	"github.com/itskum47/SettingsForge/control_plane/middleware"
	"github.com/itskum47/SettingsForge/control_plane/ratelimit"
	"github.com/itskum47/SettingsForge/control_plane/registry"
	"github.com/itskum47/SettingsForge/control_plane/settings"
	"github.com/itskum47/SettingsForge/control_plane/status"
	"github.com/itskum47/SettingsForge/control_plane/store"
)

type APIDependencies struct {
	Registry      *registry.Registry
	Sessions      *status.Manager
	Events        *eventlog.Log
	Configuration store.ConfigurationRepository
	WebHooks      store.WebHookRepository
	Idempotency   idempotency.Store
	Signer        *auth.Signer
	Hub           *StatusHub
	Dashboard     *DashboardService

	// Heartbeat storm protection. Either may be nil.
	HeartbeatLimiter *rate.Limiter
	ClientLimiter    *ratelimit.KeyedLimiter
}

type API struct {
	APIDependencies
}

func NewAPI(deps APIDependencies) *API {
	return &API{APIDependencies: deps}
}

// Routes mounts the client-facing and the admin API on r.
func (a *API) Routes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")

	clients := v1.Group("/clients")
	clients.POST("", a.handleRegister)
	clients.GET("/:name/settings", a.handleClientSettings)
	clients.PUT("/:name/status",
		middleware.RateLimit("heartbeat", a.HeartbeatLimiter, a.ClientLimiter, heartbeatKey),
		a.handleHeartbeat)
	clients.DELETE("/:name/status/:runSessionId", a.handleDisconnect)

	admin := v1.Group("/admin", middleware.AdminAuth(a.Signer))
	write := middleware.RequireWrite()

	admin.GET("/clients", a.handleListClients)
	admin.GET("/clients/:name", a.handleGetClient)
	admin.PUT("/clients/:name/settings", write, a.handleSaveValues)
	admin.DELETE("/clients/:name", write, a.handleDeleteClient)

	admin.GET("/statuses", a.handleListStatuses)
	admin.PUT("/statuses/:name/configuration", write, a.handleUpdateConfiguration)
	admin.GET("/dashboard", a.handleDashboard)
	admin.GET("/dashboard/stream", a.handleDashboardStream)
	admin.GET("/events", a.handleListEvents)

	admin.GET("/data", a.handleExport)
	admin.POST("/data", write, a.idempotent(), a.handleImport)
	admin.GET("/valueonlydata", a.handleExportValues)
	admin.POST("/valueonlydata", write, a.idempotent(), a.handleImportValues)
	admin.GET("/deferredimports", a.handleListDeferred)

	admin.GET("/configuration", a.handleGetConfiguration)
	admin.PUT("/configuration", write, a.handleUpdateServerConfiguration)

	admin.GET("/webhookclients", a.handleListWebHookClients)
	admin.POST("/webhookclients", write, a.handleCreateWebHookClient)
	admin.PUT("/webhookclients/:id", write, a.handleUpdateWebHookClient)
	admin.DELETE("/webhookclients/:id", write, a.handleDeleteWebHookClient)
	admin.GET("/webhooks", a.handleListWebHooks)
	admin.POST("/webhooks", write, a.handleCreateWebHook)
	admin.PUT("/webhooks/:id", write, a.handleUpdateWebHook)
	admin.DELETE("/webhooks/:id", write, a.handleDeleteWebHook)
}

func heartbeatKey(c *gin.Context) string {
	return c.Param("name") + "\x00" + c.Query("instance")
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, status.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, status.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, status.ErrMissingRunSession),
		errors.Is(err, registry.ErrInvalidImportMode):
		return http.StatusBadRequest
	case errors.Is(err, settings.ErrMalformedValue),
		errors.Is(err, settings.ErrDecryptionFailed),
		errors.Is(err, settings.ErrValidation),
		errors.Is(err, registry.ErrInvalidRegistration),
		errors.Is(err, registry.ErrUnknownSetting):
		return http.StatusUnprocessableEntity
	case errors.Is(err, idempotency.ErrInFlight):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// fail writes err as a JSON error. Internal errors are logged and their
// message is not exposed.
func (a *API) fail(c *gin.Context, err error) {
	code := statusFor(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Error("request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
		message = "internal server error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, gin.H{
		"error":      message,
		"request_id": c.GetString(middleware.RequestIDKey),
	})
}

func badRequest(c *gin.Context, message string, err error) {
	body := gin.H{"error": message, "request_id": c.GetString(middleware.RequestIDKey)}
	if err != nil {
		body["details"] = err.Error()
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, body)
}

// parseTimeRange reads the since/until query parameters. The default range
// is the last hour.
func parseTimeRange(c *gin.Context, now time.Time) (time.Time, time.Time, error) {
	since, until := now.Add(-time.Hour), now
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return since, until, err
		}
		since = t
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return since, until, err
		}
		until = t
	}
	return since, until, nil
}
