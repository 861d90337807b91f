package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teampulse/teampulse/internal/rooms"
	apperrors "github.com/teampulse/teampulse/pkg/errors"
	"github.com/teampulse/teampulse/pkg/logger"
	"github.com/teampulse/teampulse/pkg/metrics"
	"github.com/teampulse/teampulse/pkg/validator"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16 // 64 KiB

	defaultBufferSize = 64
)

// Inbound lifecycle event names accepted from clients.
const (
	actionRegister    = "register"
	actionJoinRoom    = "join_room"
	actionLeaveRoom   = "leave_room"
	actionSendMessage = "send_message"
	actionTyping      = "typing"
	actionStopTyping  = "stop_typing"
	actionPing        = "ping"
)

type inboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type registerPayload struct {
	UserID string `json:"user_id" validate:"required"`
}

type roomPayload struct {
	RoomID string `json:"room_id" validate:"required"`
}

type messagePayload struct {
	RoomID   string         `json:"room_id"`
	Content  string         `json:"content" validate:"required,max=4000"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type typingPayload struct {
	RoomID string `json:"room_id"`
}

// Hub owns every live websocket connection. It keeps the transport-level
// room groups and the per-user connection index the broadcast coordinator
// fans out through, and drives each connection's session state machine from
// its read loop. One event at a time is processed per connection, in arrival
// order.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*connection
	byUser   map[string]map[*connection]struct{}
	roomSubs map[string]map[*connection]struct{}

	deps     SessionDeps
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub constructs a hub. Bind must be called with session dependencies
// before Serve accepts connections; the split exists because the coordinator
// that belongs in those dependencies is itself built on top of the hub.
func NewHub() *Hub {
	return &Hub{
		conns:    make(map[string]*connection),
		byUser:   make(map[string]map[*connection]struct{}),
		roomSubs: make(map[string]map[*connection]struct{}),
		log:      logger.WithModule("realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
	}
}

// Bind supplies the session dependencies and installs the hub's own index
// hooks into them.
func (h *Hub) Bind(deps SessionDeps) {
	deps.BindUser = h.bindUser
	deps.UnbindUser = h.unbindUser
	h.deps = deps
}

// Serve upgrades the HTTP request to a websocket and runs the connection
// until it closes. authUserID pins register events to the authenticated user.
func (h *Hub) Serve(authUserID string, w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &connection{
		id:     uuid.NewString(),
		hub:    h,
		socket: socket,
		send:   make(chan rooms.Event, defaultBufferSize),
	}
	conn.session = NewSession(conn.id, authUserID, h.deps)

	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()
	metrics.ActiveConnections.Inc()

	go conn.writeLoop()
	conn.readLoop()
}

// ConnectionCount reports the number of open connections; used by health checks.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Subscribe adds a connection to a room's transport group.
func (h *Hub) Subscribe(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	if h.roomSubs[roomID] == nil {
		h.roomSubs[roomID] = make(map[*connection]struct{})
	}
	h.roomSubs[roomID][conn] = struct{}{}
}

// Unsubscribe removes a connection from a room's transport group.
func (h *Hub) Unsubscribe(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	subs := h.roomSubs[roomID]
	delete(subs, conn)
	if len(subs) == 0 {
		delete(h.roomSubs, roomID)
	}
}

// SendToRoom fans an event out to every connection subscribed to the room.
func (h *Hub) SendToRoom(roomID string, event rooms.Event, excludeConnID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.roomSubs[roomID] {
		if conn.id == excludeConnID {
			continue
		}
		h.enqueue(conn, event)
	}
}

// SendToUser delivers an event to every connection of the user.
func (h *Hub) SendToUser(userID string, event rooms.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.byUser[userID] {
		h.enqueue(conn, event)
	}
}

// SendToConn delivers an event to one connection.
func (h *Hub) SendToConn(connID string, event rooms.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if conn, ok := h.conns[connID]; ok {
		h.enqueue(conn, event)
	}
}

func (h *Hub) bindUser(connID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*connection]struct{})
	}
	h.byUser[userID][conn] = struct{}{}
}

func (h *Hub) unbindUser(connID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	conns := h.byUser[userID]
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.byUser, userID)
	}
}

func (h *Hub) remove(conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns, conn.id)
	for roomID, subs := range h.roomSubs {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(h.roomSubs, roomID)
		}
	}
	for userID, conns := range h.byUser {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.byUser, userID)
		}
	}

	// Closing under the hub lock excludes every Send* path, which enqueues
	// while holding the read lock; nothing can send on the channel after this.
	close(conn.send)
}

func (h *Hub) enqueue(conn *connection, event rooms.Event) {
	select {
	case conn.send <- event:
	default:
		h.log.Warn("dropping backpressured connection", zap.String("conn_id", conn.id))
		go conn.close()
	}
}

type connection struct {
	id      string
	hub     *Hub
	socket  *websocket.Conn
	session *Session
	send    chan rooms.Event
	once    sync.Once
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		c.session.Heartbeat(context.Background())
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("unexpected close", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}

		if len(payload) == 0 {
			continue
		}

		var event inboundEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			c.hub.log.Warn("invalid event payload", zap.String("conn_id", c.id), zap.Error(err))
			continue
		}

		c.dispatch(event)
	}
}

func (c *connection) dispatch(event inboundEvent) {
	ctx := context.Background()

	switch strings.ToLower(strings.TrimSpace(event.Event)) {
	case actionRegister:
		var payload registerPayload
		if !c.decode(event.Data, &payload) {
			return
		}
		c.report(c.session.Register(ctx, payload.UserID))
	case actionJoinRoom:
		var payload roomPayload
		if !c.decode(event.Data, &payload) {
			return
		}
		c.report(c.session.JoinRoom(ctx, payload.RoomID))
	case actionLeaveRoom:
		c.report(c.session.LeaveRoom(ctx))
	case actionSendMessage:
		var payload messagePayload
		if !c.decode(event.Data, &payload) {
			return
		}
		c.report(c.session.SendMessage(ctx, payload.RoomID, payload.Content, payload.Metadata))
	case actionTyping:
		var payload typingPayload
		_ = json.Unmarshal(event.Data, &payload)
		c.session.Typing(ctx, payload.RoomID, false)
	case actionStopTyping:
		var payload typingPayload
		_ = json.Unmarshal(event.Data, &payload)
		c.session.Typing(ctx, payload.RoomID, true)
	case actionPing:
		c.session.Heartbeat(ctx)
		c.hub.SendToConn(c.id, rooms.Event{Event: "pong"})
	default:
		c.hub.log.Warn("unsupported event", zap.String("conn_id", c.id), zap.String("event", event.Event))
	}
}

// report pushes a structured rejection back to the client. The AppError wire
// form carries only the code and message; internals stay in the server log.
func (c *connection) report(err error) {
	if err == nil {
		return
	}
	c.hub.SendToConn(c.id, rooms.Event{
		Event: rooms.EventError,
		Data:  apperrors.FromError(err),
	})
}

func (c *connection) decode(raw json.RawMessage, out any) bool {
	if len(raw) == 0 {
		c.hub.log.Warn("event missing payload", zap.String("conn_id", c.id))
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.hub.log.Warn("malformed event payload", zap.String("conn_id", c.id), zap.Error(err))
		return false
	}
	if err := validator.ValidateStruct(out); err != nil {
		c.hub.log.Warn("event payload rejected", zap.String("conn_id", c.id), zap.Error(err))
		return false
	}
	return true
}

func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		c.session.Disconnect(context.Background())
		c.hub.remove(c)
		_ = c.socket.Close()
		metrics.ActiveConnections.Dec()
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
