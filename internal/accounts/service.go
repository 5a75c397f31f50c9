package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/unearth/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("accounts: invalid identity")

// touchInterval limits how often last_seen_at is rewritten for one user.
const touchInterval = time.Minute

// ServiceConfig describes the dependencies required for account resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service keeps accounts in sync with verified session claims.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

type cachedAccount struct {
	displayName string
	tier        string
	touchedAt   time.Time
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("accounts: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Resolve returns the caller identity with a canonical user id and records
// the account. A provider prefix such as `google:` is stripped from the id.
func (s *Service) Resolve(ctx context.Context, claims auth.SessionClaims) (auth.Identity, error) {
	identity := claims.Identity()
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return auth.Identity{}, ErrInvalidIdentity
	}
	identity.UserID = subject

	now := s.now().UTC()
	if cached, ok := s.cache.Load(subject); ok {
		entry := cached.(cachedAccount)
		if entry.displayName == identity.DisplayName && entry.tier == string(identity.Tier) && now.Sub(entry.touchedAt) < touchInterval {
			return identity, nil
		}
	}

	account := Account{
		UserID:      subject,
		Provider:    provider,
		DisplayName: identity.DisplayName,
		Tier:        string(identity.Tier),
		LastSeenAt:  now,
	}
	updates := []string{"tier", "last_seen_at", "updated_at"}
	if identity.DisplayName != "" {
		updates = append(updates, "display_name")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&account).Error
	if err != nil {
		return auth.Identity{}, err
	}

	s.cache.Store(subject, cachedAccount{
		displayName: identity.DisplayName,
		tier:        string(identity.Tier),
		touchedAt:   now,
	})
	return identity, nil
}

// DisplayNames maps user ids to their last known display names. Unknown ids
// and blank names are omitted.
func (s *Service) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	result := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}
	var rows []Account
	err := s.db.WithContext(ctx).
		Select("user_id", "display_name").
		Where("user_id IN ?", userIDs).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.DisplayName != "" {
			result[row.UserID] = row.DisplayName
		}
	}
	return result, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else {
			subject = raw
		}
	}

	return provider, subject
}
