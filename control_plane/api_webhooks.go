package main

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itskum47/SettingsForge/control_plane/logger"
	"github.com/itskum47/SettingsForge/control_plane/middleware"
	"github.com/itskum47/SettingsForge/control_plane/secrets"
	"github.com/itskum47/SettingsForge/control_plane/store"
	"github.com/itskum47/SettingsForge/control_plane/webhook"
)

type webHookClientRequest struct {
	Name    string `json:"name" binding:"required"`
	BaseURI string `json:"base_uri" binding:"required"`
	// Secret is the plain shared secret. It is stored hashed and may be
	// omitted on update to keep the current one.
	Secret string `json:"secret"`
}

func (r *webHookClientRequest) validate(requireSecret bool) string {
	u, err := url.Parse(r.BaseURI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "base_uri must be an absolute http(s) URL"
	}
	if r.Secret == "" && requireSecret {
		return "secret is required"
	}
	if r.Secret != "" && len(r.Secret) < secrets.MinSecretLength {
		return "secret is too short"
	}
	return ""
}

func (a *API) handleListWebHookClients(c *gin.Context) {
	clients, err := a.WebHooks.ListWebHookClients(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, clients)
}

func (a *API) handleCreateWebHookClient(c *gin.Context) {
	var req webHookClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid webhook client body", err)
		return
	}
	if msg := req.validate(true); msg != "" {
		badRequest(c, msg, nil)
		return
	}
	hash, err := secrets.HashSecret(req.Secret)
	if err != nil {
		a.fail(c, err)
		return
	}
	client := &store.WebHookClient{
		ID:           uuid.NewString(),
		Name:         req.Name,
		BaseURI:      req.BaseURI,
		HashedSecret: hash,
	}
	if err := a.WebHooks.UpsertWebHookClient(c.Request.Context(), client); err != nil {
		a.fail(c, err)
		return
	}
	logger.FromContext(c.Request.Context()).Info("webhook client created",
		zap.String("webhook_client", client.ID), zap.String("user", middleware.Username(c)))
	c.JSON(http.StatusCreated, client)
}

func (a *API) handleUpdateWebHookClient(c *gin.Context) {
	var req webHookClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid webhook client body", err)
		return
	}
	if msg := req.validate(false); msg != "" {
		badRequest(c, msg, nil)
		return
	}
	ctx := c.Request.Context()
	client, err := a.WebHooks.GetWebHookClient(ctx, c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	if client == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "webhook client not found"})
		return
	}
	client.Name = req.Name
	client.BaseURI = req.BaseURI
	if req.Secret != "" {
		if client.HashedSecret, err = secrets.HashSecret(req.Secret); err != nil {
			a.fail(c, err)
			return
		}
	}
	if err := a.WebHooks.UpsertWebHookClient(ctx, client); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, client)
}

// handleDeleteWebHookClient refuses to orphan webhooks that still point at
// the client.
func (a *API) handleDeleteWebHookClient(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	hooks, err := a.WebHooks.ListWebHooks(ctx)
	if err != nil {
		a.fail(c, err)
		return
	}
	for _, h := range hooks {
		if h.WebHookClientID == id {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "webhook client is still used by webhook " + h.ID})
			return
		}
	}
	if err := a.WebHooks.DeleteWebHookClient(ctx, id); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleListWebHooks(c *gin.Context) {
	hooks, err := a.WebHooks.ListWebHooks(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, hooks)
}

func (a *API) handleCreateWebHook(c *gin.Context) {
	var hook store.WebHook
	if err := c.ShouldBindJSON(&hook); err != nil {
		badRequest(c, "invalid webhook body", err)
		return
	}
	hook.ID = uuid.NewString()
	if !a.saveWebHook(c, &hook) {
		return
	}
	c.JSON(http.StatusCreated, hook)
}

func (a *API) handleUpdateWebHook(c *gin.Context) {
	var hook store.WebHook
	if err := c.ShouldBindJSON(&hook); err != nil {
		badRequest(c, "invalid webhook body", err)
		return
	}
	existing, err := a.WebHooks.GetWebHook(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	if existing == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
		return
	}
	hook.ID = existing.ID
	if !a.saveWebHook(c, &hook) {
		return
	}
	c.JSON(http.StatusOK, hook)
}

func (a *API) saveWebHook(c *gin.Context, hook *store.WebHook) bool {
	if err := webhook.ValidateWebHook(hook); err != nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return false
	}
	ctx := c.Request.Context()
	target, err := a.WebHooks.GetWebHookClient(ctx, hook.WebHookClientID)
	if err != nil {
		a.fail(c, err)
		return false
	}
	if target == nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown webhook client " + hook.WebHookClientID})
		return false
	}
	if err := a.WebHooks.UpsertWebHook(ctx, hook); err != nil {
		a.fail(c, err)
		return false
	}
	logger.FromContext(ctx).Info("webhook saved",
		zap.String("webhook", hook.ID),
		zap.String("type", string(hook.WebHookType)),
		zap.String("user", middleware.Username(c)))
	return true
}

func (a *API) handleDeleteWebHook(c *gin.Context) {
	if err := a.WebHooks.DeleteWebHook(c.Request.Context(), c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
