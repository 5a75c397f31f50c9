package ratelimit

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxStoreRounds = 4

// Record is the persisted fixed-window counter. Records outside their window
// are logically reset on the next check rather than deleted.
type Record struct {
	Key           string `gorm:"column:rate_key;primaryKey;size:190;not null"`
	Attempts      int    `gorm:"column:attempts;not null"`
	WindowStartMs int64  `gorm:"column:window_start_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "rate_limits"
}

// GormStore persists counters in the document database. Every transition is a
// single conditional statement so concurrent callers never lose an attempt.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a GormStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("ratelimit: database handle is required")
	}
	return &GormStore{db: db}, nil
}

// CheckAndRecord implements Store.
func (s *GormStore) CheckAndRecord(ctx context.Context, key string, maxAttempts int, window time.Duration, now time.Time) (Decision, error) {
	db := s.db.WithContext(ctx)
	nowMs := now.UnixMilli()
	cutoffMs := nowMs - window.Milliseconds()

	for round := 0; round < maxStoreRounds; round++ {
		created := db.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Record{Key: key, Attempts: 1, WindowStartMs: nowMs})
		if created.Error != nil {
			return Decision{}, created.Error
		}
		if created.RowsAffected == 1 {
			return Decision{Allowed: true, Attempts: 1}, nil
		}

		reset := db.Model(&Record{}).
			Where("rate_key = ? AND window_start_ms <= ?", key, cutoffMs).
			Updates(map[string]interface{}{"attempts": 1, "window_start_ms": nowMs})
		if reset.Error != nil {
			return Decision{}, reset.Error
		}
		if reset.RowsAffected == 1 {
			return Decision{Allowed: true, Attempts: 1}, nil
		}

		incremented := db.Model(&Record{}).
			Where("rate_key = ? AND window_start_ms > ? AND attempts < ?", key, cutoffMs, maxAttempts).
			Update("attempts", gorm.Expr("attempts + ?", 1))
		if incremented.Error != nil {
			return Decision{}, incremented.Error
		}

		var record Record
		err := db.Where("rate_key = ?", key).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return Decision{}, err
		}
		if incremented.RowsAffected == 1 {
			return Decision{Allowed: true, Attempts: record.Attempts}, nil
		}

		elapsed := time.Duration(nowMs-record.WindowStartMs) * time.Millisecond
		if elapsed >= window || record.Attempts < maxAttempts {
			continue
		}
		return Decision{Allowed: false, Attempts: record.Attempts, RetryAfter: window - elapsed}, nil
	}
	return Decision{}, ErrContention
}
