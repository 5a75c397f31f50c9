package drops

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/unearth/internal/geo"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

const (
	maxQuotaRounds = 3
	// postgres SQLSTATE for a serializable transaction that lost a conflict
	serializationFailureCode = "40001"
)

// Repository persists drops in the document database.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *gorm.DB) (*Repository, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Repository{db: db}, nil
}

// Create inserts a new drop.
func (r *Repository) Create(ctx context.Context, drop Drop) error {
	record := NewRecord(drop)
	return r.db.WithContext(ctx).Create(&record).Error
}

// CreateWithinQuota inserts drop unless its owner already holds limit drops.
// The count and the insert share one transaction; on postgres it runs
// serializable and is retried when a concurrent create wins the conflict.
func (r *Repository) CreateWithinQuota(ctx context.Context, drop Drop, limit int) error {
	record := NewRecord(drop)
	var err error
	for round := 0; round < maxQuotaRounds; round++ {
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var owned int64
			if err := tx.Model(&Record{}).Where("owner_id = ?", drop.OwnerID).Count(&owned).Error; err != nil {
				return err
			}
			if owned >= int64(limit) {
				return ErrQuotaExceeded
			}
			return tx.Create(&record).Error
		}, r.quotaTxOptions())
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (r *Repository) quotaTxOptions() *sql.TxOptions {
	if r.db.Dialector.Name() == "postgres" {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	// sqlite runs with a single writer connection, so transactions already serialize
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == serializationFailureCode
}

// Get loads a drop by id.
func (r *Repository) Get(ctx context.Context, id string) (Drop, error) {
	var record Record
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Drop{}, ErrDropNotFound
	}
	if err != nil {
		return Drop{}, err
	}
	return record.Drop()
}

// FindWithin returns every drop whose anchor lies inside bounds.
func (r *Repository) FindWithin(ctx context.Context, bounds geo.Bounds) ([]Drop, error) {
	var records []Record
	err := r.db.WithContext(ctx).
		Where("latitude BETWEEN ? AND ?", bounds.MinLatitude, bounds.MaxLatitude).
		Where("longitude BETWEEN ? AND ?", bounds.MinLongitude, bounds.MaxLongitude).
		Order("created_at_ms ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return toDrops(records)
}

// HuntCodeExists reports whether any hunt drop uses code.
func (r *Repository) HuntCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Record{}).
		Where("visibility_class = ? AND hunt_code = ?", string(VisibilityHunt), NormalizeHuntCode(code)).
		Count(&count).Error
	return count > 0, err
}

// CountByOwner returns the number of drops owned by ownerID.
func (r *Repository) CountByOwner(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Record{}).Where("owner_id = ?", ownerID).Count(&count).Error
	return count, err
}

// ListByOwner returns the drops owned by ownerID, newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]Drop, error) {
	var records []Record
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at_ms DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return toDrops(records)
}

// Update writes the mutable owner-editable fields of drop.
func (r *Repository) Update(ctx context.Context, drop Drop) error {
	result := r.db.WithContext(ctx).Model(&Record{}).
		Where("id = ?", drop.ID).
		Updates(map[string]interface{}{
			"title":             drop.Title,
			"description":       drop.Description,
			"secret_digest":     drop.SecretDigest,
			"geofence_radius_m": drop.GeofenceRadiusM,
			"updated_at_ms":     drop.UpdatedAt.UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDropNotFound
	}
	return nil
}

// Delete removes a drop record.
func (r *Repository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Record{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDropNotFound
	}
	return nil
}

// RecordUnlock atomically counts a successful unlock.
func (r *Repository) RecordUnlock(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&Record{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"unlock_count":        gorm.Expr("unlock_count + ?", 1),
			"last_accessed_at_ms": at.UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDropNotFound
	}
	return nil
}

// RecordView atomically counts a summary read.
func (r *Repository) RecordView(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&Record{}).
		Where("id = ?", id).
		Update("view_count", gorm.Expr("view_count + ?", 1))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDropNotFound
	}
	return nil
}

func toDrops(records []Record) ([]Drop, error) {
	result := make([]Drop, 0, len(records))
	for _, record := range records {
		drop, err := record.Drop()
		if err != nil {
			return nil, err
		}
		result = append(result, drop)
	}
	return result, nil
}
