package history

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/teampulse/teampulse/internal/chatcache"
	"github.com/teampulse/teampulse/internal/models"
)

const defaultRecentLimit = 50

// Store persists room messages. It is the source of truth for chat history;
// the ring cache in front of it only accelerates the replay-on-join path.
type Store struct {
	db      *gorm.DB
	timeNow func() time.Time
}

// NewStore constructs a history store once a database is supplied.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("history store: db is required")
	}
	return &Store{db: db, timeNow: time.Now}, nil
}

// Append durably records a message. Conflicting ids are ignored so redelivery
// cannot duplicate rows.
func (s *Store) Append(ctx context.Context, msg chatcache.Message) error {
	if strings.TrimSpace(msg.RoomID) == "" {
		return errors.New("history store: room id is required")
	}
	if strings.TrimSpace(msg.AuthorID) == "" {
		return errors.New("history store: author id is required")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return errors.New("history store: content is required")
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.timeNow()
	}

	record := models.ChatMessage{
		BaseModel: models.BaseModel{ID: strings.TrimSpace(msg.ID), CreatedAt: createdAt},
		RoomID:    msg.RoomID,
		AuthorID:  msg.AuthorID,
		Content:   msg.Content,
	}
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return errors.New("history store: metadata is not serialisable")
		}
		record.Metadata = datatypes.JSON(raw)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

// Recent returns up to limit of the newest messages for the room in
// chronological order.
func (s *Store) Recent(ctx context.Context, roomID string, limit int) ([]chatcache.Message, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, errors.New("history store: room id is required")
	}
	if limit <= 0 || limit > 200 {
		limit = defaultRecentLimit
	}

	var rows []models.ChatMessage
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	// Reverse to chronological order
	messages := make([]chatcache.Message, len(rows))
	for i, row := range rows {
		msg := chatcache.Message{
			ID:        row.ID,
			RoomID:    row.RoomID,
			AuthorID:  row.AuthorID,
			Content:   row.Content,
			CreatedAt: row.CreatedAt,
		}
		if len(row.Metadata) > 0 {
			_ = json.Unmarshal([]byte(row.Metadata), &msg.Metadata)
		}
		messages[len(rows)-1-i] = msg
	}
	return messages, nil
}

// PruneBefore deletes messages older than the cutoff; invoked by the
// maintenance sweeper when retention is configured.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.ChatMessage{})
	return result.RowsAffected, result.Error
}
