package drops

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/unearth/internal/geo"
	"github.com/MarcoPoloResearchLab/unearth/internal/tiers"
)

// Record is the persisted, flat form of a Drop.
type Record struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerID          string  `gorm:"column:owner_id;size:190;not null;index"`
	Title            string  `gorm:"column:title;size:200;not null"`
	Description      string  `gorm:"column:description;type:text;not null;default:''"`
	SecretDigest     string  `gorm:"column:secret_digest;size:255;not null"`
	Latitude         float64 `gorm:"column:latitude;not null;index:idx_drops_location,priority:1"`
	Longitude        float64 `gorm:"column:longitude;not null;index:idx_drops_location,priority:2"`
	IndexToken       string  `gorm:"column:index_token;size:16;not null;default:'';index"`
	GeofenceRadiusM  int     `gorm:"column:geofence_radius_m;not null"`
	VisibilityClass  string  `gorm:"column:visibility_class;size:16;not null"`
	AccessScope      string  `gorm:"column:access_scope;size:16;not null"`
	RetrievalMode    string  `gorm:"column:retrieval_mode;size:16;not null"`
	HuntCode         *string `gorm:"column:hunt_code;size:64;index"`
	HuntDifficulty   *string `gorm:"column:hunt_difficulty;size:16"`
	Tier             string  `gorm:"column:tier;size:32;not null"`
	ExpiresAtMs      *int64  `gorm:"column:expires_at_ms"`
	ViewCount        int64   `gorm:"column:view_count;not null;default:0"`
	UnlockCount      int64   `gorm:"column:unlock_count;not null;default:0"`
	LastAccessedAtMs *int64  `gorm:"column:last_accessed_at_ms"`
	StoragePrefix    string  `gorm:"column:storage_prefix;size:255;not null"`
	CreatedAtMs      int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs      int64   `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "drops"
}

// NewRecord flattens a Drop for storage.
func NewRecord(drop Drop) Record {
	record := Record{
		ID:               drop.ID,
		OwnerID:          drop.OwnerID,
		Title:            drop.Title,
		Description:      drop.Description,
		SecretDigest:     drop.SecretDigest,
		Latitude:         drop.Location.Latitude,
		Longitude:        drop.Location.Longitude,
		IndexToken:       drop.IndexToken,
		GeofenceRadiusM:  drop.GeofenceRadiusM,
		AccessScope:      string(drop.AccessScope),
		RetrievalMode:    string(drop.RetrievalMode),
		Tier:             string(drop.Tier),
		ExpiresAtMs:      millisPtr(drop.ExpiresAt),
		ViewCount:        drop.Stats.ViewCount,
		UnlockCount:      drop.Stats.UnlockCount,
		LastAccessedAtMs: millisPtr(drop.Stats.LastAccessedAt),
		StoragePrefix:    drop.StoragePrefix,
		CreatedAtMs:      drop.CreatedAt.UnixMilli(),
		UpdatedAtMs:      drop.UpdatedAt.UnixMilli(),
	}
	if drop.Visibility != nil {
		record.VisibilityClass = string(drop.Visibility.Class())
	}
	if hunt, ok := drop.Hunt(); ok {
		code := hunt.Code()
		difficulty := string(hunt.Difficulty())
		record.HuntCode = &code
		record.HuntDifficulty = &difficulty
	}
	return record
}

// Drop rebuilds the domain form, rejecting rows whose hunt fields disagree
// with their visibility class.
func (r Record) Drop() (Drop, error) {
	class, err := ParseVisibilityClass(r.VisibilityClass)
	if err != nil {
		return Drop{}, err
	}
	var visibility Visibility
	switch class {
	case VisibilityHunt:
		if r.HuntCode == nil || r.HuntDifficulty == nil {
			return Drop{}, fmt.Errorf("%w: hunt drop %s missing hunt fields", ErrInvalidDrop, r.ID)
		}
		difficulty, err := ParseDifficulty(*r.HuntDifficulty)
		if err != nil {
			return Drop{}, err
		}
		hunt, err := NewHuntVisibility(*r.HuntCode, difficulty)
		if err != nil {
			return Drop{}, err
		}
		visibility = hunt
	case VisibilityHidden, VisibilityDiscoverable:
		if r.HuntCode != nil || r.HuntDifficulty != nil {
			return Drop{}, fmt.Errorf("%w: %s drop %s carries hunt fields", ErrInvalidDrop, class, r.ID)
		}
		if class == VisibilityHidden {
			visibility = HiddenVisibility{}
		} else {
			visibility = DiscoverableVisibility{}
		}
	}

	scope, err := ParseAccessScope(r.AccessScope)
	if err != nil {
		return Drop{}, err
	}
	mode, err := ParseRetrievalMode(r.RetrievalMode)
	if err != nil {
		return Drop{}, err
	}

	return Drop{
		ID:              r.ID,
		OwnerID:         r.OwnerID,
		Title:           r.Title,
		Description:     r.Description,
		SecretDigest:    r.SecretDigest,
		Location:        geo.Coordinate{Latitude: r.Latitude, Longitude: r.Longitude},
		IndexToken:      r.IndexToken,
		GeofenceRadiusM: r.GeofenceRadiusM,
		Visibility:      visibility,
		AccessScope:     scope,
		RetrievalMode:   mode,
		Tier:            tiers.Tier(r.Tier),
		ExpiresAt:       timePtr(r.ExpiresAtMs),
		Stats: Stats{
			ViewCount:      r.ViewCount,
			UnlockCount:    r.UnlockCount,
			LastAccessedAt: timePtr(r.LastAccessedAtMs),
		},
		StoragePrefix: r.StoragePrefix,
		CreatedAt:     time.UnixMilli(r.CreatedAtMs).UTC(),
		UpdatedAt:     time.UnixMilli(r.UpdatedAtMs).UTC(),
	}, nil
}

func millisPtr(value *time.Time) *int64 {
	if value == nil {
		return nil
	}
	millis := value.UnixMilli()
	return &millis
}

func timePtr(millis *int64) *time.Time {
	if millis == nil {
		return nil
	}
	value := time.UnixMilli(*millis).UTC()
	return &value
}
