// Package hub holds the dispatch server's realtime connections, keyed by driver.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalix/driver/internal/realtime"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	sendBuffer   = 32
	maxFrameSize = 64 << 10
)

// MessageHandler receives inbound frames from a driver's connection
type MessageHandler func(ctx context.Context, driverID uuid.UUID, env realtime.Envelope)

// Hub fans server events out to every connection of a driver
type Hub struct {
	log       *slog.Logger
	upgrader  websocket.Upgrader
	onMessage MessageHandler
	conns     prometheus.Gauge

	mu      sync.RWMutex
	clients map[uuid.UUID]map[*client]struct{}
	closed  bool
}

type client struct {
	driverID uuid.UUID
	ws       *websocket.Conn
	send     chan []byte
	once     sync.Once
	done     chan struct{}
}

// New creates a hub. reg may be nil.
func New(log *slog.Logger, reg prometheus.Registerer) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Drivers are native clients, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_realtime_connections",
			Help: "Open realtime connections",
		}),
		clients: make(map[uuid.UUID]map[*client]struct{}),
	}
	if reg != nil {
		reg.MustRegister(h.conns)
	}
	return h
}

// OnMessage sets the inbound frame handler. Call before serving.
func (h *Hub) OnMessage(fn MessageHandler) {
	h.onMessage = fn
}

// ServeWS upgrades the request and serves it for driverID until the socket closes
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, driverID uuid.UUID) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws_upgrade_failed", slog.String("err", err.Error()))
		return
	}
	c := &client{
		driverID: driverID,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
	if !h.register(c) {
		_ = ws.Close()
		return
	}
	h.log.Debug("ws_connected", slog.String("driver_id", driverID.String()))

	go h.writePump(c)
	h.readPump(c)
}

// Push sends event to every connection of driverID and reports how many got it
func (h *Hub) Push(driverID uuid.UUID, event string, payload any) (int, error) {
	env, err := realtime.NewEnvelope(event, payload)
	if err != nil {
		return 0, err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[driverID]))
	for c := range h.clients[driverID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		select {
		case c.send <- frame:
			sent++
		case <-c.done:
		default:
			h.log.Warn("ws_slow_consumer", slog.String("driver_id", driverID.String()), slog.String("event", event))
			h.drop(c)
		}
	}
	return sent, nil
}

// Connected reports whether driverID has at least one open connection
func (h *Hub) Connected(driverID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[driverID]) > 0
}

// Close disconnects everyone and refuses new connections
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		h.drop(c)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.driverID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.driverID] = set
	}
	set[c] = struct{}{}
	h.conns.Inc()
	return true
}

func (h *Hub) drop(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		if set, ok := h.clients[c.driverID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.clients, c.driverID)
			}
		}
		h.mu.Unlock()
		h.conns.Dec()
		close(c.done)
		_ = c.ws.Close()
	})
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env realtime.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("ws_read_failed", slog.String("driver_id", c.driverID.String()), slog.String("err", err.Error()))
			}
			return
		}
		if h.onMessage != nil {
			h.onMessage(context.Background(), c.driverID, env)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer h.drop(c)

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				return
			}
		}
	}
}
