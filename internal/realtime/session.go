package realtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teampulse/teampulse/internal/chatcache"
	"github.com/teampulse/teampulse/internal/models"
	"github.com/teampulse/teampulse/internal/presence"
	"github.com/teampulse/teampulse/internal/rooms"
	apperrors "github.com/teampulse/teampulse/pkg/errors"
	"github.com/teampulse/teampulse/pkg/logger"
)

// UserFinder is the slice of the user directory the session consumes.
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	TouchLastSeen(ctx context.Context, id string)
}

// TeamAuthorizer validates room membership before a join is honoured.
type TeamAuthorizer interface {
	IsMember(ctx context.Context, userID, teamID string) (bool, error)
	TeamsOf(ctx context.Context, userID string) ([]models.Team, error)
}

// HistoryStore is the durable message store behind the ring cache.
type HistoryStore interface {
	Append(ctx context.Context, msg chatcache.Message) error
	Recent(ctx context.Context, roomID string, limit int) ([]chatcache.Message, error)
}

// SessionDeps bundles the collaborators a connection session mediates between.
type SessionDeps struct {
	Presence *presence.Registry
	Rooms    *rooms.Coordinator
	Users    UserFinder
	Teams    TeamAuthorizer
	History  HistoryStore
	Cache    *chatcache.Cache

	// BindUser/UnbindUser keep the transport's per-user connection index in
	// step with registration; the hub supplies them.
	BindUser   func(connID, userID string)
	UnbindUser func(connID, userID string)

	ReplayLimit int
}

// Session is the per-connection state machine: Anonymous until register binds
// a user id, InRoom while occupying exactly one room, Terminated after
// disconnect. Rejected events return a structured error for the transport to
// report back; they never mutate state. A mutex serialises the handlers
// because disconnect can arrive from the write side while the read side is
// still dispatching events.
type Session struct {
	mu sync.Mutex

	connID string
	userID string
	room   string

	// authUserID, when set, pins register events to the authenticated user.
	authUserID string

	terminated bool

	deps SessionDeps
	log  *zap.Logger
}

// NewSession creates a session for a freshly connected transport.
func NewSession(connID, authUserID string, deps SessionDeps) *Session {
	if deps.ReplayLimit <= 0 {
		deps.ReplayLimit = chatcache.DefaultCapacity
	}
	return &Session{
		connID:     connID,
		authUserID: strings.TrimSpace(authUserID),
		deps:       deps,
		log:        logger.WithModule("session").With(zap.String("conn_id", connID)),
	}
}

// ConnID returns the transport connection identifier.
func (s *Session) ConnID() string { return s.connID }

// UserID returns the bound user id, empty while anonymous.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Room returns the currently occupied room, empty when not in one.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Register binds a user id to the connection and records presence.
// Re-registering the same id is idempotent. Registering a different id first
// deregisters the old one: presence entry, user index, and any occupied room
// are released under the old identity before the new one is bound.
func (s *Session) Register(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		s.log.Warn("register ignored: blank user id")
		return apperrors.NewBadRequest("user id is required")
	}
	if s.authUserID != "" && userID != s.authUserID {
		s.log.Warn("register rejected: user id does not match socket credentials",
			zap.String("user_id", userID))
		return apperrors.ErrForbidden
	}

	user, err := s.deps.Users.FindByID(ctx, userID)
	if err != nil {
		s.log.Warn("register rejected: user lookup failed", zap.String("user_id", userID), zap.Error(err))
		return apperrors.Wrap(err, "user lookup failed")
	}
	if user == nil || !user.IsActive {
		s.log.Warn("register rejected: unknown or inactive user", zap.String("user_id", userID))
		return apperrors.NewBadRequest("unknown or inactive user")
	}

	if s.userID != "" && s.userID != userID {
		// Deregister the previous identity before binding the new one so the
		// old presence entry cannot leak.
		if s.room != "" {
			s.deps.Rooms.LeaveRoom(ctx, s.room, s.userID, s.connID)
			s.room = ""
		}
		s.deps.Presence.RemoveConnection(ctx, s.userID, s.connID)
		s.unbindUser(s.userID)
	}

	s.deps.Presence.AddConnection(ctx, userID, s.connID)
	s.bindUser(userID)
	s.userID = userID
	s.deps.Users.TouchLastSeen(ctx, userID)

	s.deps.Rooms.SendToConnection(s.connID, rooms.Event{
		Event: rooms.EventRegistered,
		Data:  map[string]string{"user_id": userID},
	})
	s.pushSnapshot(ctx)
	return nil
}

// JoinRoom moves the session into a room, leaving any previously occupied
// room first so a connection never double-subscribes. Unauthorised joins are
// rejected with no state mutation and no broadcast.
func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return nil
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		s.log.Warn("join ignored: blank room id")
		return apperrors.NewBadRequest("room id is required")
	}
	if s.userID == "" {
		s.log.Warn("join ignored: connection not registered", zap.String("room_id", roomID))
		return apperrors.ErrInvalidRoomTransition
	}

	allowed, err := s.deps.Teams.IsMember(ctx, s.userID, roomID)
	if err != nil {
		s.log.Warn("join rejected: membership check failed",
			zap.String("room_id", roomID), zap.Error(err))
		return apperrors.Wrap(err, "room membership check failed")
	}
	if !allowed {
		s.log.Warn("join rejected: user is not a member of the room",
			zap.String("user_id", s.userID), zap.String("room_id", roomID))
		return apperrors.ErrUnauthorizedRoomJoin
	}

	if s.room != "" && s.room != roomID {
		s.deps.Rooms.LeaveRoom(ctx, s.room, s.userID, s.connID)
	}

	s.deps.Rooms.JoinRoom(ctx, roomID, s.userID, s.connID)
	s.room = roomID

	s.replayRecent(ctx, roomID)
	s.deps.Users.TouchLastSeen(ctx, s.userID)
	return nil
}

// LeaveRoom returns the session to the registered state.
func (s *Session) LeaveRoom(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return nil
	}
	if s.room == "" {
		s.log.Warn("leave ignored: connection is not in a room")
		return apperrors.ErrInvalidRoomTransition
	}

	s.deps.Rooms.LeaveRoom(ctx, s.room, s.userID, s.connID)
	s.room = ""
	return nil
}

// SendMessage appends a chat message to the durable store and the ring cache,
// then fans it out to the room, excluding the sender's own connection.
// Persistence failures are logged and do not block delivery.
func (s *Session) SendMessage(ctx context.Context, roomID, content string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return nil
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return apperrors.NewBadRequest("message content is required")
	}
	roomID = s.resolveRoom(roomID)
	if roomID == "" {
		s.log.Warn("message ignored: connection is not in the addressed room")
		return apperrors.ErrInvalidRoomTransition
	}

	msg := chatcache.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		AuthorID:  s.userID,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	if err := s.deps.History.Append(ctx, msg); err != nil {
		s.log.Warn("durable message write failed", zap.String("room_id", roomID), zap.Error(err))
	}
	s.deps.Cache.Append(roomID, msg)

	s.deps.Rooms.BroadcastToRoom(roomID, rooms.Event{
		Event: rooms.EventNewMessage,
		Data:  msg,
	}, s.connID)
	return nil
}

// Typing broadcasts an ephemeral typing indicator; nothing is cached.
func (s *Session) Typing(ctx context.Context, roomID string, stopped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return
	}
	roomID = s.resolveRoom(roomID)
	if roomID == "" {
		return
	}

	event := rooms.EventUserTyping
	if stopped {
		event = rooms.EventUserStoppedTyping
	}
	s.deps.Rooms.BroadcastToRoom(roomID, rooms.Event{
		Event: event,
		Data:  map[string]string{"room_id": roomID, "user_id": s.userID},
	}, s.connID)
}

// Heartbeat re-stamps the TTL on everything the live connection holds in the
// shared store: its presence entry and, when in a room, the room mirror.
// Driven by the transport's keepalive so an idle socket is never reported
// offline by entry expiry.
func (s *Session) Heartbeat(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated || s.userID == "" {
		return
	}
	s.deps.Presence.Refresh(ctx, s.userID, s.connID)
	if s.room != "" {
		s.deps.Rooms.RefreshMirror(ctx, s.room, s.userID)
	}
}

// Disconnect releases everything the connection holds: its room membership
// (with a fresh occupancy broadcast) and its presence entry. Safe to invoke
// more than once; records already removed by a concurrent cleanup are treated
// as success.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return
	}
	s.terminated = true

	if s.room != "" {
		s.deps.Rooms.LeaveRoom(ctx, s.room, s.userID, s.connID)
		s.room = ""
	}
	if s.userID != "" {
		s.deps.Presence.RemoveConnection(ctx, s.userID, s.connID)
		s.unbindUser(s.userID)
		s.deps.Users.TouchLastSeen(ctx, s.userID)
	}
}

func (s *Session) replayRecent(ctx context.Context, roomID string) {
	messages := s.deps.Cache.Recent(roomID, s.deps.ReplayLimit)
	if len(messages) == 0 && s.deps.History != nil {
		var err error
		messages, err = s.deps.History.Recent(ctx, roomID, s.deps.ReplayLimit)
		if err != nil {
			// a missed replay is cosmetic; full history stays queryable
			s.log.Warn("recent message replay skipped", zap.String("room_id", roomID), zap.Error(err))
			return
		}
	}
	if len(messages) == 0 {
		return
	}

	s.deps.Rooms.SendToConnection(s.connID, rooms.Event{
		Event: rooms.EventRecentMessages,
		Data:  map[string]any{"room_id": roomID, "messages": messages},
	})
}

func (s *Session) pushSnapshot(ctx context.Context) {
	teams, err := s.deps.Teams.TeamsOf(ctx, s.userID)
	if err != nil {
		s.log.Warn("snapshot skipped", zap.Error(err))
		return
	}

	type teamSummary struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Occupancy int    `json:"occupancy"`
	}
	summaries := make([]teamSummary, len(teams))
	for i, team := range teams {
		summaries[i] = teamSummary{
			ID:        team.ID,
			Name:      team.Name,
			Occupancy: len(s.deps.Rooms.Occupants(team.ID)),
		}
	}

	s.deps.Rooms.SendToConnection(s.connID, rooms.Event{
		Event: rooms.EventSnapshot,
		Data:  map[string]any{"teams": summaries},
	})
}

// resolveRoom maps an addressed room onto the session's current room. The
// single-room model means a payload naming another room indicates a briefly
// desynced client; the event is dropped rather than misrouted.
func (s *Session) resolveRoom(roomID string) string {
	if s.userID == "" || s.room == "" {
		return ""
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" || roomID == s.room {
		return s.room
	}
	return ""
}

func (s *Session) bindUser(userID string) {
	if s.deps.BindUser != nil {
		s.deps.BindUser(s.connID, userID)
	}
}

func (s *Session) unbindUser(userID string) {
	if s.deps.UnbindUser != nil {
		s.deps.UnbindUser(s.connID, userID)
	}
}
