package models

import (
	"gorm.io/datatypes"
)

// ChatMessage is the durable record of a room message. The per-room ring cache
// replays recent rows cheaply; this table remains the source of truth.
type ChatMessage struct {
	BaseModel

	RoomID   string         `gorm:"index;not null" json:"room_id"`
	AuthorID string         `gorm:"index;not null" json:"author_id"`
	Content  string         `gorm:"not null" json:"content"`
	Metadata datatypes.JSON `json:"metadata,omitempty"`
}
