package accesslog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Result is the outcome of an access attempt.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Mode names the unlock entry point that produced the attempt.
type Mode string

const (
	ModeLocation Mode = "location"
	ModeID       Mode = "id"
)

// Entry is an append-only audit record. Raw client addresses are never
// stored, only their salted digest.
type Entry struct {
	ID          string   `gorm:"column:id;primaryKey;size:64;not null"`
	DropID      string   `gorm:"column:drop_id;size:190;not null;default:'';index:idx_access_log_drop_time,priority:1"`
	Identity    string   `gorm:"column:identity;size:190;not null;default:''"`
	IPHash      string   `gorm:"column:ip_hash;size:128;not null;default:''"`
	Result      Result   `gorm:"column:result;size:16;not null"`
	DistanceM   *float64 `gorm:"column:distance_m"`
	Mode        Mode     `gorm:"column:mode;size:16;not null"`
	CreatedAtMs int64    `gorm:"column:created_at_ms;not null;index:idx_access_log_drop_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "access_log"
}

// CreatedAt returns the entry timestamp.
func (e Entry) CreatedAt() time.Time {
	return time.UnixMilli(e.CreatedAtMs).UTC()
}

// Writer appends entries.
type Writer interface {
	Append(ctx context.Context, entry Entry) error
}

// GormWriter appends entries to the document database.
type GormWriter struct {
	db *gorm.DB
}

// NewGormWriter constructs a GormWriter.
func NewGormWriter(db *gorm.DB) (*GormWriter, error) {
	if db == nil {
		return nil, errors.New("accesslog: database handle is required")
	}
	return &GormWriter{db: db}, nil
}

// Append implements Writer. Entries without an id get a UUIDv7.
func (w *GormWriter) Append(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		entry.ID = id.String()
	}
	return w.db.WithContext(ctx).Create(&entry).Error
}

// ListForDrop returns the entries recorded for dropID, oldest first.
func (w *GormWriter) ListForDrop(ctx context.Context, dropID string) ([]Entry, error) {
	var entries []Entry
	err := w.db.WithContext(ctx).
		Where("drop_id = ?", dropID).
		Order("created_at_ms ASC").
		Find(&entries).Error
	return entries, err
}
