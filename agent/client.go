package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/itskum47/SettingsForge/control_plane/convert"
	"github.com/itskum47/SettingsForge/control_plane/status"
)

const (
	secretHeader   = "ClientSecret"
	hostnameHeader = "X-Client-Hostname"
)

var (
	ErrUnauthorized = errors.New("agent: client secret rejected")
	ErrNotFound     = errors.New("agent: client not registered")
)

// ThrottledError is returned when the server rate limits a request.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("agent: throttled, retry after %s", e.RetryAfter)
}

type registration struct {
	convert.ClientExport
	OldClientSecret string `json:"old_client_secret,omitempty"`
}

// client speaks the client-facing HTTP API.
type client struct {
	cfg *Config
}

func (c *client) endpoint(path string) string {
	u := c.cfg.ServerURL + "/api/v1/clients" + path
	if c.cfg.Instance != "" {
		u += "?instance=" + url.QueryEscape(c.cfg.Instance)
	}
	return u
}

func (c *client) register(ctx context.Context, body registration) error {
	return c.do(ctx, http.MethodPost, c.cfg.ServerURL+"/api/v1/clients", body, nil)
}

func (c *client) values(ctx context.Context) (*convert.ClientValueExport, error) {
	var out convert.ClientValueExport
	path := "/" + url.PathEscape(c.cfg.ClientName) + "/settings"
	if err := c.do(ctx, http.MethodGet, c.endpoint(path), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) status(ctx context.Context, hb *status.Heartbeat) (*status.StatusResponse, error) {
	var out status.StatusResponse
	path := "/" + url.PathEscape(c.cfg.ClientName) + "/status"
	if err := c.do(ctx, http.MethodPut, c.endpoint(path), hb, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) disconnect(ctx context.Context, runSessionID string) error {
	path := "/" + url.PathEscape(c.cfg.ClientName) + "/status/" + url.PathEscape(runSessionID)
	return c.do(ctx, http.MethodDelete, c.endpoint(path), nil, nil)
}

func (c *client) do(ctx context.Context, method, u string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, c.cfg.ClientSecret)
	req.Header.Set(hostnameHeader, c.cfg.Hostname)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		seconds, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		if seconds < 1 {
			seconds = 1
		}
		return &ThrottledError{RetryAfter: time.Duration(seconds) * time.Second}
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
