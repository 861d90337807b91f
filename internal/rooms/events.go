package rooms

// Outbound event names pushed to realtime subscribers.
const (
	EventOccupancyChanged     = "occupancy_changed"
	EventNewMessage           = "new_message"
	EventUserTyping           = "user_typing"
	EventUserStoppedTyping    = "user_stopped_typing"
	EventPersonalNotification = "personal_notification"
	EventRecentMessages       = "recent_messages"
	EventRegistered           = "registered"
	EventSnapshot             = "snapshot"
	EventError                = "error"
)

// Event is the JSON payload delivered to realtime subscribers.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// OccupancyData carries a recomputed room occupancy count.
type OccupancyData struct {
	RoomID string `json:"room_id"`
	Count  int    `json:"count"`
}

// Transport is the connection-level fan-out surface the coordinator drives.
// The websocket hub implements it; tests substitute a recording fake.
type Transport interface {
	Subscribe(roomID, connID string)
	Unsubscribe(roomID, connID string)
	SendToRoom(roomID string, event Event, excludeConnID string)
	SendToUser(userID string, event Event)
	SendToConn(connID string, event Event)
}
