package hunts

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/unearth/internal/drops"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Membership links an identity to a hunt code it joined.
type Membership struct {
	Identity   string `gorm:"column:identity;primaryKey;size:190;not null"`
	HuntCode   string `gorm:"column:hunt_code;primaryKey;size:64;not null;index"`
	JoinedAtMs int64  `gorm:"column:joined_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "hunt_memberships"
}

// MembershipStore persists hunt memberships in the document database.
type MembershipStore struct {
	db *gorm.DB
}

// NewMembershipStore constructs a MembershipStore.
func NewMembershipStore(db *gorm.DB) (*MembershipStore, error) {
	if db == nil {
		return nil, errors.New("hunts: database handle is required")
	}
	return &MembershipStore{db: db}, nil
}

// Join records membership; joining twice keeps the first join time.
func (s *MembershipStore) Join(ctx context.Context, identity, code string, at time.Time) error {
	membership := Membership{
		Identity:   identity,
		HuntCode:   drops.NormalizeHuntCode(code),
		JoinedAtMs: at.UnixMilli(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&membership).Error
}

// HasJoined reports whether identity joined code.
func (s *MembershipStore) HasJoined(ctx context.Context, identity, code string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Membership{}).
		Where("identity = ? AND hunt_code = ?", identity, drops.NormalizeHuntCode(code)).
		Count(&count).Error
	return count > 0, err
}
