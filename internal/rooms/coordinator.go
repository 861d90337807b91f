package rooms

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teampulse/teampulse/internal/cache"
	"github.com/teampulse/teampulse/pkg/logger"
	"github.com/teampulse/teampulse/pkg/metrics"
)

const roomKeyPrefix = "presence:room:"

// Coordinator binds the membership table to the transport layer: it keeps the
// two in step on join/leave, recomputes occupancy before every broadcast, and
// routes point-to-point notifications. A shared-store mirror of each room's
// user set is maintained best-effort so operators can inspect occupancy out
// of process; it is never read back for counts.
type Coordinator struct {
	membership *Membership
	transport  Transport
	store      cache.Store
	ttl        time.Duration
	log        *zap.Logger
}

// NewCoordinator wires a coordinator to the membership table and transport.
// The store may be nil to disable mirroring.
func NewCoordinator(membership *Membership, transport Transport, store cache.Store, ttl time.Duration) *Coordinator {
	c := &Coordinator{
		membership: membership,
		transport:  transport,
		store:      store,
		ttl:        ttl,
		log:        logger.WithModule("rooms"),
	}

	// Membership mutations drive occupancy broadcasts; the table fires this
	// only when a room's user set actually changed.
	membership.OnChange(func(roomID string, _ int) {
		c.BroadcastOccupancy(roomID)
		metrics.OccupiedRooms.Set(float64(len(membership.Rooms())))
	})

	return c
}

// JoinRoom subscribes the connection to the room's broadcast channel and
// records the user in the membership table. The transport subscription is
// added even when the user already occupies the room through another
// connection, so every tab receives broadcasts. An occupancy broadcast always
// follows, recomputed fresh.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID, userID, connID string) {
	if roomID == "" || userID == "" || connID == "" {
		return
	}

	c.transport.Subscribe(roomID, connID)
	changed := c.membership.Join(roomID, userID, connID)

	if changed {
		c.mirrorJoin(ctx, roomID, userID)
	} else {
		// set unchanged, so OnChange did not fire; broadcast regardless
		c.BroadcastOccupancy(roomID)
	}
}

// LeaveRoom removes the connection's transport subscription and drops the
// user from membership only when no other connection of theirs remains
// subscribed to the room.
func (c *Coordinator) LeaveRoom(ctx context.Context, roomID, userID, connID string) {
	if roomID == "" || userID == "" || connID == "" {
		return
	}

	c.transport.Unsubscribe(roomID, connID)
	removed := c.membership.Leave(roomID, userID, connID)

	if removed {
		c.mirrorLeave(ctx, roomID, userID)
	} else {
		c.BroadcastOccupancy(roomID)
	}
}

// BroadcastOccupancy recomputes the room's occupancy and pushes it to every
// subscribed connection. The count is read fresh from the table at call time,
// never carried over from an earlier event.
func (c *Coordinator) BroadcastOccupancy(roomID string) {
	count := c.membership.Occupancy(roomID)
	c.transport.SendToRoom(roomID, Event{
		Event: EventOccupancyChanged,
		Data:  OccupancyData{RoomID: roomID, Count: count},
	}, "")
	metrics.Broadcasts.WithLabelValues("occupancy").Inc()
}

// BroadcastToRoom fans a domain event out to every subscriber, optionally
// skipping the sender's own connection to avoid echo.
func (c *Coordinator) BroadcastToRoom(roomID string, event Event, excludeConnID string) {
	c.transport.SendToRoom(roomID, event, excludeConnID)
	metrics.Broadcasts.WithLabelValues(broadcastKind(event.Event)).Inc()
}

// NotifyUser delivers an event to every connection of the user across all
// rooms; used for personal notifications such as invitations.
func (c *Coordinator) NotifyUser(userID string, event Event) {
	c.transport.SendToUser(userID, event)
	metrics.Broadcasts.WithLabelValues("notify").Inc()
}

// SendToConnection delivers an event to a single connection, e.g. a
// recent-message replay for a freshly joined socket.
func (c *Coordinator) SendToConnection(connID string, event Event) {
	c.transport.SendToConn(connID, event)
}

// RefreshMirror re-stamps the TTL on the room mirror entry for a user whose
// connection is still alive; without the renewal an idle occupant's mirror
// record would expire under them.
func (c *Coordinator) RefreshMirror(ctx context.Context, roomID, userID string) {
	if c.store == nil || roomID == "" || userID == "" {
		return
	}
	if err := c.store.SAdd(ctx, roomKeyPrefix+roomID, userID, c.ttl); err != nil {
		c.log.Debug("room mirror refresh skipped", zap.String("room_id", roomID), zap.Error(err))
	}
}

// Occupants exposes the membership user list for snapshots.
func (c *Coordinator) Occupants(roomID string) []string {
	return c.membership.Users(roomID)
}

func (c *Coordinator) mirrorJoin(ctx context.Context, roomID, userID string) {
	if c.store == nil {
		return
	}
	if err := c.store.SAdd(ctx, roomKeyPrefix+roomID, userID, c.ttl); err != nil {
		c.log.Debug("room mirror add skipped", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (c *Coordinator) mirrorLeave(ctx context.Context, roomID, userID string) {
	if c.store == nil {
		return
	}
	remaining, err := c.store.SRem(ctx, roomKeyPrefix+roomID, userID)
	if err != nil {
		c.log.Debug("room mirror remove skipped", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if remaining == 0 {
		_ = c.store.Delete(ctx, roomKeyPrefix+roomID)
	}
}

func broadcastKind(event string) string {
	switch event {
	case EventNewMessage:
		return "message"
	case EventUserTyping, EventUserStoppedTyping:
		return "typing"
	default:
		return "other"
	}
}
