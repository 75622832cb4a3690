package main

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/itskum47/SettingsForge/control_plane/logger"
	"github.com/itskum47/SettingsForge/control_plane/observability"
	"github.com/itskum47/SettingsForge/control_plane/store"
)

const (
	maxWSConnections = 200
	wsWriteTimeout   = 5 * time.Second
	eventBuffer      = 64
)

// streamMessage is the envelope written to dashboard websockets.
type streamMessage struct {
	Type string      `json:"type"` // snapshot or event
	Data interface{} `json:"data"`
}

// StatusHub pushes the dashboard snapshot to every connected admin, on a
// ticker and whenever an audit event is recorded. A single broadcaster
// serves all connections.
type StatusHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan *store.EventLogEntry
	done       chan struct{}
	mu         sync.RWMutex
	dashboard  *DashboardService
	interval   time.Duration
}

func NewStatusHub(dashboard *DashboardService, interval time.Duration) *StatusHub {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &StatusHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan *store.EventLogEntry, eventBuffer),
		done:       make(chan struct{}),
		dashboard:  dashboard,
		interval:   interval,
	}
}

// Run is the hub's main loop.
func (h *StatusHub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				logger.Warn("status stream connection rejected", zap.Int("max_connections", maxWSConnections))
				continue
			}
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			observability.ConnectedDashboards.Set(float64(count))
			logger.Debug("status stream subscriber added", zap.Int("subscribers", count))
			h.sendSnapshot(ctx, []*websocket.Conn{conn})

		case conn := <-h.unregister:
			h.mu.Lock()
			if h.clients[conn] {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			observability.ConnectedDashboards.Set(float64(count))

		case entry := <-h.events:
			h.writeAll(streamMessage{Type: "event", Data: entry})

		case <-ticker.C:
			h.sendSnapshot(ctx, h.connections())
		}
	}
}

func (h *StatusHub) connections() []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	return conns
}

func (h *StatusHub) sendSnapshot(ctx context.Context, conns []*websocket.Conn) {
	if len(conns) == 0 {
		return
	}
	snap, err := h.dashboard.Snapshot(ctx)
	if err != nil {
		logger.Warn("failed to build dashboard snapshot", zap.Error(err))
		return
	}
	h.write(conns, streamMessage{Type: "snapshot", Data: snap})
}

func (h *StatusHub) writeAll(msg streamMessage) {
	h.write(h.connections(), msg)
}

func (h *StatusHub) write(conns []*websocket.Conn, msg streamMessage) {
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			logger.Debug("status stream write failed", zap.Error(err))
			go h.Unregister(conn)
		}
	}
}

// PublishEvent forwards a recorded audit event to subscribers. It never
// blocks; events are dropped while the hub is backed up.
func (h *StatusHub) PublishEvent(entry *store.EventLogEntry) {
	select {
	case h.events <- entry:
	default:
	}
}

func (h *StatusHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	logger.Info("shutting down status stream", zap.Int("subscribers", len(h.clients)))
	close(h.done)
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	observability.ConnectedDashboards.Set(0)
}

// Register adds a subscriber. After shutdown the connection is closed.
func (h *StatusHub) Register(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
	}
}

func (h *StatusHub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

func (h *StatusHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
