package accounts

import (
	"strings"
	"time"
)

// Account is the canonical record of a user seen through a verified session.
type Account struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Provider    string    `gorm:"column:provider;size:32;not null;default:'default'"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	Tier        string    `gorm:"column:tier;size:32;not null;default:'free'"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
