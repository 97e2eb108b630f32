package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

var (
	wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fremen_ws_clients",
		Help: "Connected WebSocket clients.",
	})
	wsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fremen_ws_messages_dropped_total",
		Help: "Messages dropped because a client's send buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(wsClients, wsDropped)
}

// Client represents a connected WebSocket client. A non-empty device set
// restricts the client to messages about those devices.
type Client struct {
	conn    *websocket.Conn
	id      string
	devices map[string]bool
	send    chan Message
	logger  *zap.Logger
}

func newClient(conn *websocket.Conn, id string, devices []string, logger *zap.Logger) *Client {
	c := &Client{
		conn:   conn,
		id:     id,
		send:   make(chan Message, sendBuffer),
		logger: logger,
	}
	if len(devices) > 0 {
		c.devices = make(map[string]bool, len(devices))
		for _, d := range devices {
			c.devices[d] = true
		}
	}
	return c
}

func (c *Client) wants(deviceID string) bool {
	return c.devices == nil || c.devices[deviceID]
}

// Hub manages active WebSocket connections and broadcasts messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	wsClients.Set(float64(len(h.clients)))
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", zap.String("client_id", c.id))
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	wsClients.Set(float64(len(h.clients)))
	h.mu.Unlock()
	h.logger.Debug("websocket client disconnected", zap.String("client_id", c.id))
}

// Broadcast queues msg for every client interested in its device. Slow
// clients lose messages rather than block the bus.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.wants(msg.DeviceID) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			wsDropped.Inc()
			h.logger.Warn("client send buffer full, dropping message",
				zap.String("client_id", c.id),
				zap.String("device_id", msg.DeviceID))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client, used on server shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	}
}

// run delivers queued messages and pings the peer every pingEvery until
// ctx ends, the hub closes the send channel, or a write fails. ctx should
// come from conn.CloseRead so a peer close cancels it.
func (c *Client) run(ctx context.Context, pingEvery time.Duration) error {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.send:
			if !ok {
				return nil
			}
			if err := c.write(ctx, func(ctx context.Context) error { return wsjson.Write(ctx, c.conn, msg) }); err != nil {
				return err
			}
		case <-ping.C:
			if err := c.write(ctx, c.conn.Ping); err != nil {
				return err
			}
		}
	}
}

func (c *Client) write(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return fn(ctx)
}
