package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/itskum47/SettingsForge/control_plane/logger"
	"github.com/itskum47/SettingsForge/control_plane/middleware"
	"github.com/itskum47/SettingsForge/control_plane/registry"
	"github.com/itskum47/SettingsForge/control_plane/status"
)

// HostnameHeader carries the machine name of a polling client.
const HostnameHeader = "X-Client-Hostname"

// handleRegister creates or updates a client registration.
func (a *API) handleRegister(c *gin.Context) {
	var reg registry.Registration
	if err := c.ShouldBindJSON(&reg); err != nil {
		badRequest(c, "invalid registration body", err)
		return
	}
	ctx := logger.WithClient(c.Request.Context(), reg.Name)

	client, err := a.Registry.Register(ctx, &reg)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":              client.Name,
		"settings":          len(client.Settings),
		"last_registration": client.LastRegistration,
	})
}

// handleClientSettings returns the values a client should run with.
func (a *API) handleClientSettings(c *gin.Context) {
	name := c.Param("name")
	ctx := logger.WithClient(c.Request.Context(), name)

	values, err := a.Registry.ValuesFor(ctx, name, c.Query("instance"), c.GetHeader(middleware.ClientSecretHeader))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, values)
}

// handleHeartbeat records a poll from a running client.
func (a *API) handleHeartbeat(c *gin.Context) {
	var hb status.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		badRequest(c, "invalid heartbeat body", err)
		return
	}
	name := c.Param("name")
	ctx := logger.WithClient(c.Request.Context(), name)

	req := status.RequesterDetails{
		Hostname:  c.GetHeader(HostnameHeader),
		IPAddress: c.ClientIP(),
	}
	resp, err := a.Sessions.SyncStatus(ctx, name, c.Query("instance"), c.GetHeader(middleware.ClientSecretHeader), hb, req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleDisconnect ends a run session when the client shuts down cleanly.
func (a *API) handleDisconnect(c *gin.Context) {
	name := c.Param("name")
	ctx := logger.WithClient(c.Request.Context(), name)

	err := a.Sessions.Disconnect(ctx, name, c.Query("instance"),
		c.GetHeader(middleware.ClientSecretHeader), c.Param("runSessionId"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
