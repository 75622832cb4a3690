package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/itskum47/SettingsForge/control_plane/convert"
	"github.com/itskum47/SettingsForge/control_plane/logger"
	"github.com/itskum47/SettingsForge/control_plane/middleware"
	"github.com/itskum47/SettingsForge/control_plane/registry"
	"github.com/itskum47/SettingsForge/control_plane/settings"
	"github.com/itskum47/SettingsForge/control_plane/status"
	"github.com/itskum47/SettingsForge/control_plane/store"
)

// SettingView is a setting as shown to administrators. Secret values are
// never returned; HasValue tells whether one is stored.
type SettingView struct {
	Name               string              `json:"name"`
	Description        string              `json:"description"`
	ValueType          settings.ValueType  `json:"value_type"`
	Value              *settings.WireValue `json:"value,omitempty"`
	IsSecret           bool                `json:"is_secret"`
	HasValue           bool                `json:"has_value"`
	Group              string              `json:"group,omitempty"`
	SupportsLiveUpdate bool                `json:"supports_live_update"`
	LastChanged        time.Time           `json:"last_changed,omitempty"`
}

type ClientView struct {
	Name                   string        `json:"name"`
	Instance               string        `json:"instance,omitempty"`
	Description            string        `json:"description"`
	LastRegistration       time.Time     `json:"last_registration"`
	LastSettingValueUpdate time.Time     `json:"last_setting_value_update"`
	Settings               []SettingView `json:"settings"`
}

func clientView(client *settings.Client) (ClientView, error) {
	view := ClientView{
		Name:                   client.Name,
		Instance:               client.Instance,
		Description:            client.Description,
		LastRegistration:       client.LastRegistration,
		LastSettingValueUpdate: client.LastSettingValueUpdate,
		Settings:               make([]SettingView, 0, len(client.Settings)),
	}
	for _, def := range client.Settings {
		sv := SettingView{
			Name:               def.Name,
			Description:        def.Description,
			ValueType:          def.ValueType,
			IsSecret:           def.IsSecret,
			HasValue:           def.Value != nil,
			Group:              def.Group,
			SupportsLiveUpdate: def.SupportsLiveUpdate,
			LastChanged:        def.LastChanged,
		}
		if !def.IsSecret {
			w, err := settings.Encode(def.Effective())
			if err != nil {
				return view, fmt.Errorf("setting %s: %w", def.Name, err)
			}
			sv.Value = &w
		}
		view.Settings = append(view.Settings, sv)
	}
	return view, nil
}

func (a *API) handleListClients(c *gin.Context) {
	clients, err := a.Registry.Clients(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	views := make([]ClientView, 0, len(clients))
	for _, client := range clients {
		view, err := clientView(client)
		if err != nil {
			a.fail(c, err)
			return
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, views)
}

func (a *API) handleGetClient(c *gin.Context) {
	client, err := a.Registry.Client(c.Request.Context(), c.Param("name"), c.Query("instance"))
	if err != nil {
		a.fail(c, err)
		return
	}
	view, err := clientView(client)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type saveValuesRequest struct {
	Values map[string]settings.WireValue `json:"values" binding:"required"`
}

// handleSaveValues stores new values. Saving for an instance without an
// override creates one.
func (a *API) handleSaveValues(c *gin.Context) {
	var req saveValuesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid values body", err)
		return
	}
	name, instance := c.Param("name"), c.Query("instance")
	ctx := logger.WithClient(c.Request.Context(), name)

	schema, err := a.Registry.Client(ctx, name, instance)
	if errors.Is(err, registry.ErrNotFound) && instance != "" {
		schema, err = a.Registry.Client(ctx, name, "")
	}
	if err != nil {
		a.fail(c, err)
		return
	}

	values := make(map[string]settings.Value, len(req.Values))
	for settingName, w := range req.Values {
		def := schema.Setting(settingName)
		if def == nil {
			a.fail(c, fmt.Errorf("%w: %s has no setting %s", registry.ErrUnknownSetting, name, settingName))
			return
		}
		v, err := settings.Decode(w, def.ValueType)
		if err != nil {
			var malformed *settings.MalformedValueError
			if errors.As(err, &malformed) {
				malformed.Setting = settingName
			}
			a.fail(c, err)
			return
		}
		values[settingName] = v
	}

	client, err := a.Registry.SaveValues(ctx, name, instance, values, middleware.Username(c))
	if err != nil {
		a.fail(c, err)
		return
	}
	view, err := clientView(client)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *API) handleDeleteClient(c *gin.Context) {
	name := c.Param("name")
	ctx := logger.WithClient(c.Request.Context(), name)
	if err := a.Registry.Delete(ctx, name, c.Query("instance"), middleware.Username(c)); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleListStatuses(c *gin.Context) {
	statuses, err := a.Sessions.GetAll(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	for _, st := range statuses {
		st.ClientSecret = ""
	}
	c.JSON(http.StatusOK, statuses)
}

// handleUpdateConfiguration changes the live configuration of one run
// session.
func (a *API) handleUpdateConfiguration(c *gin.Context) {
	var cfg status.ClientConfiguration
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, "invalid configuration body", err)
		return
	}
	name := c.Param("name")
	ctx := logger.WithClient(c.Request.Context(), name)

	updated, err := a.Sessions.UpdateConfiguration(ctx, name, c.Query("instance"), cfg, middleware.Username(c))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (a *API) handleDashboard(c *gin.Context) {
	snap, err := a.Dashboard.Snapshot(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleDashboardStream upgrades to a websocket and subscribes it to the
// status hub until the peer goes away.
func (a *API) handleDashboardStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.FromContext(c.Request.Context()).Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	a.Hub.Register(conn)
	defer a.Hub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.FromContext(c.Request.Context()).Debug("status stream closed", zap.Error(err))
			}
			return
		}
	}
}

func (a *API) handleListEvents(c *gin.Context) {
	since, until, err := parseTimeRange(c, time.Now().UTC())
	if err != nil {
		badRequest(c, "since and until must be RFC3339 timestamps", err)
		return
	}
	if until.Before(since) {
		badRequest(c, "until is before since", nil)
		return
	}
	events, err := a.Events.List(c.Request.Context(), since, until)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": since, "until": until, "events": events})
}

func (a *API) handleExport(c *gin.Context) {
	data, err := a.Registry.ExportAll(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

func (a *API) handleImport(c *gin.Context) {
	mode, err := registry.ParseImportMode(c.Query("mode"))
	if err != nil {
		a.fail(c, err)
		return
	}
	var data convert.DataExport
	if err := c.ShouldBindJSON(&data); err != nil {
		badRequest(c, "invalid export body", err)
		return
	}
	result, err := a.Registry.Import(c.Request.Context(), &data, mode, middleware.Username(c))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *API) handleExportValues(c *gin.Context) {
	data, err := a.Registry.ExportValues(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

func (a *API) handleImportValues(c *gin.Context) {
	var data convert.ValueOnlyDataExport
	if err := c.ShouldBindJSON(&data); err != nil {
		badRequest(c, "invalid value export body", err)
		return
	}
	result, err := a.Registry.ImportValues(c.Request.Context(), &data, middleware.Username(c))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *API) handleListDeferred(c *gin.Context) {
	pending, err := a.Registry.DeferredImports(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pending)
}

func (a *API) handleGetConfiguration(c *gin.Context) {
	cfg, err := a.Configuration.GetConfiguration(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	if cfg == nil {
		cfg = store.DefaultConfiguration()
	}
	c.JSON(http.StatusOK, cfg)
}

func (a *API) handleUpdateServerConfiguration(c *gin.Context) {
	var cfg store.ServerConfiguration
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, "invalid configuration body", err)
		return
	}
	if err := a.Configuration.UpdateConfiguration(c.Request.Context(), &cfg); err != nil {
		a.fail(c, err)
		return
	}
	logger.FromContext(c.Request.Context()).Info("server configuration updated",
		zap.Bool("allow_offline_settings", cfg.AllowOfflineSettings),
		zap.String("user", middleware.Username(c)))
	c.JSON(http.StatusOK, cfg)
}
