package directory

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/teampulse/teampulse/internal/models"
	"github.com/teampulse/teampulse/pkg/logger"
)

// UserDirectory exposes the narrow user lookups the realtime core consumes.
type UserDirectory struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewUserDirectory constructs a user directory once a database is supplied.
func NewUserDirectory(db *gorm.DB) (*UserDirectory, error) {
	if db == nil {
		return nil, errors.New("user directory: db is required")
	}
	return &UserDirectory{db: db, log: logger.WithModule("directory")}, nil
}

// FindByID returns the user or (nil, nil) when absent.
func (d *UserDirectory) FindByID(ctx context.Context, id string) (*models.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}

	var user models.User
	err := d.db.WithContext(ctx).Take(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// TouchLastSeen stamps the user's last-seen marker. Best-effort: the durable
// audit trail never blocks a realtime operation, so failures are only logged.
func (d *UserDirectory) TouchLastSeen(ctx context.Context, id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}

	now := time.Now()
	err := d.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", id).
		Update("last_seen_at", now).Error
	if err != nil {
		d.log.Warn("last-seen update skipped", zap.String("user_id", id), zap.Error(err))
	}
}
