package directory

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/teampulse/teampulse/internal/models"
)

// TeamDirectory exposes the team lookups used to authorise room joins.
type TeamDirectory struct {
	db *gorm.DB
}

// NewTeamDirectory constructs a team directory once a database is supplied.
func NewTeamDirectory(db *gorm.DB) (*TeamDirectory, error) {
	if db == nil {
		return nil, errors.New("team directory: db is required")
	}
	return &TeamDirectory{db: db}, nil
}

// FindByID returns the team or (nil, nil) when absent.
func (d *TeamDirectory) FindByID(ctx context.Context, id string) (*models.Team, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}

	var team models.Team
	err := d.db.WithContext(ctx).Take(&team, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &team, nil
}

// IsMember reports whether the user belongs to the team. A join for a room
// the user is not a member of is rejected with no state mutation.
func (d *TeamDirectory) IsMember(ctx context.Context, userID, teamID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	teamID = strings.TrimSpace(teamID)
	if userID == "" || teamID == "" {
		return false, nil
	}

	var count int64
	err := d.db.WithContext(ctx).
		Table("user_teams").
		Where("user_id = ? AND team_id = ?", userID, teamID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// TeamsOf lists the teams a user belongs to; used for the register snapshot.
func (d *TeamDirectory) TeamsOf(ctx context.Context, userID string) ([]models.Team, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}

	var teams []models.Team
	err := d.db.WithContext(ctx).
		Joins("JOIN user_teams ON user_teams.team_id = teams.id").
		Where("user_teams.user_id = ?", userID).
		Order("teams.name").
		Find(&teams).Error
	if err != nil {
		return nil, err
	}
	return teams, nil
}
