// Package hub is the session engine: it authenticates and upgrades
// connections, attaches them to the presence registry, and services the
// inbound frame vocabulary (join, message, set_name, typing) against the
// history store and the admission controller.
package hub

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/v1/auth"
	"github.com/parlorhq/parlor/internal/v1/config"
	"github.com/parlorhq/parlor/internal/v1/logging"
	"github.com/parlorhq/parlor/internal/v1/metrics"
	"github.com/parlorhq/parlor/internal/v1/presence"
	"github.com/parlorhq/parlor/internal/v1/protocol"
	"github.com/parlorhq/parlor/internal/v1/ratelimit"
	"github.com/parlorhq/parlor/internal/v1/types"
)

// Hub coordinates every live connection against the shared presence
// registry, history store, and admission controller.
type Hub struct {
	validator   types.TokenValidator
	store       types.HistoryStore
	admission   types.Admitter
	connLimiter *ratelimit.ConnLimiter // nil disables the per-IP upgrade gate
	registry    *presence.Registry

	cookieName          string
	initialHistoryLimit int
	limits              protocol.Limits

	mu      sync.Mutex // Protects the clients set
	clients map[*Client]struct{}

	// messageMu serializes append+fan-out with join+replay so that every
	// connection observes messages in persistence order, with no duplicate
	// and no gap around a history reply.
	messageMu sync.Mutex
}

// New creates a Hub and configures it with its dependencies.
func New(validator types.TokenValidator, store types.HistoryStore, admission types.Admitter, connLimiter *ratelimit.ConnLimiter, cfg *config.Config) *Hub {
	h := &Hub{
		validator:           validator,
		store:               store,
		admission:           admission,
		connLimiter:         connLimiter,
		cookieName:          cfg.SessionCookieName,
		initialHistoryLimit: cfg.InitialHistoryLimit,
		limits: protocol.Limits{
			MessageMaxChars:     cfg.MessageMaxChars,
			DisplayNameMaxChars: cfg.DisplayNameMaxChars,
		},
		clients: make(map[*Client]struct{}),
	}
	h.registry = presence.NewRegistry(cfg.TypingIdleTimeout, h.typingExpired)
	return h
}

// ServeWS authenticates the user and upgrades to a WebSocket connection.
func (h *Hub) ServeWS(c *gin.Context) {
	// 0. Rate limiting check (IP based), before anything else to save resources
	if h.connLimiter != nil && !h.connLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	// 1-3. Validation (pure logic + Gin bridge)
	tokenResult, err := h.extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "credential not provided"})
		return
	}

	claims, err := h.authenticateUser(tokenResult.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
		return
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	if err := validateOrigin(c.Request, allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	// 4-5. Upgrade to WebSocket (isolated I/O glue)
	conn, err := h.upgradeWebSocket(c, allowedOrigins, tokenResult)
	if err != nil {
		return
	}

	// 6-8. Attach and start (orchestration logic)
	h.HandleConnection(conn, claims)
}

// HandleConnection takes an established WebSocket connection, attaches it to
// the registry with the hello sequence, and starts the message pumps.
func (h *Hub) HandleConnection(conn wsConnection, claims *auth.SessionClaims) {
	client := &Client{
		conn: conn,
		hub:  h,
		ID:   types.UserIDType(claims.Subject),
		send: make(chan []byte, sendQueueFrames),
	}

	metrics.IncConnection()

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.attach(client, h.displayNameFromClaims(claims))

	go client.writePump()
	go client.readPump()
}

// attach registers the connection, superseding any prior one for the same
// user, auto-joins the default room, and emits the hello sequence: hello
// snapshot, initial history, then presence to the rest of the room (the
// newcomer already has the member list from hello).
func (h *Hub) attach(client *Client, name types.DisplayNameType) {
	ctx := logging.WithUserID(context.Background(), string(client.ID))

	prior := h.registry.Attach(client.ID, name, client)
	if prior != nil {
		prior.TrySend(protocol.ErrorFrame(protocol.CodeUnauth, "superseded"))
		prior.Disconnect(protocol.CloseSuperseded, "superseded")
		logging.Info(ctx, "Superseded prior connection")
	}

	h.messageMu.Lock()
	members, _ := h.registry.Join(client.ID, types.DefaultRoomID)
	client.TrySend(protocol.Hello(client.ID, members))
	frame, err := h.historyFrame(ctx, types.DefaultRoomID, &protocol.Inbound{})
	if err == nil {
		client.TrySend(frame)
	}
	h.messageMu.Unlock()
	if err != nil {
		logging.Error(ctx, "Initial history load failed", zap.Error(err))
		client.TrySend(protocol.ErrorFrame(protocol.CodeServerError, "history unavailable"))
	}

	h.registry.Broadcast(types.DefaultRoomID, protocol.Presence(types.DefaultRoomID, members), client.ID)
}

// handleDisconnect unwinds a connection when its read loop exits. The detach
// is sink-guarded, so a superseded connection unwinding late does not touch
// the presence its replacement now owns.
func (h *Hub) handleDisconnect(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	rooms, ok := h.registry.Detach(client.ID, client)
	if !ok {
		return
	}
	for _, roomID := range rooms {
		h.registry.Broadcast(roomID, protocol.Presence(roomID, h.registry.Members(roomID)), "")
	}
	logging.Info(logging.WithUserID(context.Background(), string(client.ID)),
		"Client disconnected", zap.Int("rooms", len(rooms)))
}

// typingExpired is the registry's expiry callback: a mark that lapsed
// without an explicit stop still produces the stop frame for observers.
func (h *Hub) typingExpired(roomID types.RoomIDType, userID types.UserIDType) {
	h.registry.Broadcast(roomID, protocol.UserTypingStop(roomID, userID), userID)
}

// Shutdown closes every live connection with a clean close frame.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub - closing all connections...")

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.Disconnect(websocket.CloseNormalClosure, "server shutting down")
	}

	logging.Info(ctx, "All connections closed", zap.Int("count", len(clients)))
	return nil
}
