package ws

import (
	"context"
	"net/http"

	"github.com/HerbHall/fremen/internal/auth"
	"github.com/HerbHall/fremen/pkg/analytics"
	"github.com/HerbHall/fremen/pkg/plugin"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler streams presence model changes to WebSocket clients.
type Handler struct {
	hub     *Hub
	origins []string
	unsubs  []func()
	logger  *zap.Logger
}

var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a WebSocket handler fed by presence bus events.
// origins lists extra host patterns allowed to connect cross-origin.
func NewHandler(bus plugin.EventBus, origins []string, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:     NewHub(logger),
		origins: origins,
		logger:  logger,
	}
	h.subscribeToEvents(bus)
	return h
}

// RegisterRoutes registers WebSocket routes on the server mux. Token
// checks happen in the auth middleware, which accepts access_token as a
// query parameter on these paths.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws/presence", h.handlePresenceStream)
}

// Close unsubscribes from the bus and disconnects all clients.
func (h *Handler) Close() {
	for _, unsub := range h.unsubs {
		unsub()
	}
	h.unsubs = nil
	h.hub.CloseAll()
}

// handlePresenceStream upgrades the connection and streams model updates.
// Repeated device_id parameters restrict the stream to those devices.
func (h *Handler) handlePresenceStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil && claims.Subject != "" {
		id = claims.Subject + "/" + id
	}
	client := newClient(conn, id, r.URL.Query()["device_id"], h.logger)

	// Clients only listen; CloseRead discards their frames and cancels ctx
	// when they disconnect.
	ctx := conn.CloseRead(r.Context())
	h.hub.Register(client)
	err = client.run(ctx, pingInterval)
	h.hub.Unregister(client)

	if err != nil && ctx.Err() == nil {
		h.logger.Debug("websocket write failed", zap.String("client_id", id), zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "write failed")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) subscribeToEvents(bus plugin.EventBus) {
	if bus == nil {
		return
	}

	h.unsubs = append(h.unsubs, bus.Subscribe(analytics.TopicModelUpdated, func(_ context.Context, event plugin.Event) {
		summary, ok := event.Payload.(analytics.ModelSummary)
		if !ok {
			return
		}
		h.hub.Broadcast(modelUpdated(summary, event.Timestamp))
	}))

	h.unsubs = append(h.unsubs, bus.Subscribe(analytics.TopicModelDeleted, func(_ context.Context, event plugin.Event) {
		deviceID, ok := event.Payload.(string)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{Type: MessageModelDeleted, DeviceID: deviceID, Timestamp: event.Timestamp})
	}))

	h.logger.Debug("subscribed to presence events for WebSocket broadcasting")
}
