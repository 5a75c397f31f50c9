package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/unearth/internal/drops"
	"github.com/MarcoPoloResearchLab/unearth/internal/geo"
	"github.com/MarcoPoloResearchLab/unearth/internal/hunts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillDropIndexTokens = "2026-09-01_backfill_drop_index_tokens"
	migrationNormalizeHuntCodes      = "2026-09-20_normalize_hunt_codes"

	backfillBatchSize = 500
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillDropIndexTokens, apply: backfillDropIndexTokens},
		{name: migrationNormalizeHuntCodes, apply: normalizeHuntCodes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillDropIndexTokens derives geohash tokens for rows written before the
// index token column existed.
func backfillDropIndexTokens(db *gorm.DB) error {
	var records []drops.Record
	return db.Select("id", "latitude", "longitude").
		Where("index_token = ''").
		FindInBatches(&records, backfillBatchSize, func(tx *gorm.DB, _ int) error {
			for _, record := range records {
				token := geo.IndexToken(geo.Coordinate{Latitude: record.Latitude, Longitude: record.Longitude})
				if err := tx.Model(&drops.Record{}).Where("id = ?", record.ID).Update("index_token", token).Error; err != nil {
					return err
				}
			}
			return nil
		}).Error
}

func normalizeHuntCodes(db *gorm.DB) error {
	if err := db.Model(&drops.Record{}).
		Where("hunt_code IS NOT NULL").
		Update("hunt_code", gorm.Expr("UPPER(TRIM(hunt_code))")).Error; err != nil {
		return err
	}
	return db.Model(&hunts.Membership{}).
		Where("hunt_code <> UPPER(TRIM(hunt_code))").
		Update("hunt_code", gorm.Expr("UPPER(TRIM(hunt_code))")).Error
}
