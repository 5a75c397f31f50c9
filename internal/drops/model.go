package drops

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/unearth/internal/geo"
	"github.com/MarcoPoloResearchLab/unearth/internal/tiers"
)

// VisibilityClass controls map visibility and whether proximity hints exist.
type VisibilityClass string

const (
	VisibilityHidden       VisibilityClass = "hidden"
	VisibilityDiscoverable VisibilityClass = "discoverable"
	VisibilityHunt         VisibilityClass = "hunt"
)

// AccessScope controls who may ever succeed at unlocking a drop.
type AccessScope string

const (
	ScopeOwnerOnly AccessScope = "owner-only"
	ScopeShared    AccessScope = "shared"
)

// RetrievalMode controls whether physical presence is required.
type RetrievalMode string

const (
	RetrievalRemote   RetrievalMode = "remote"
	RetrievalPhysical RetrievalMode = "physical"
)

// Difficulty grades a hunt and selects its hint strength.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyExpert       Difficulty = "expert"
	DifficultyMaster       Difficulty = "master"
)

var (
	// ErrInvalidDrop indicates a drop field failed validation.
	ErrInvalidDrop = errors.New("drops: invalid drop")
	// ErrDropNotFound indicates no drop exists with the requested id.
	ErrDropNotFound = errors.New("drops: drop not found")
)

// ParseVisibilityClass validates raw input.
func ParseVisibilityClass(raw string) (VisibilityClass, error) {
	switch value := VisibilityClass(strings.ToLower(strings.TrimSpace(raw))); value {
	case VisibilityHidden, VisibilityDiscoverable, VisibilityHunt:
		return value, nil
	default:
		return "", fmt.Errorf("%w: visibility %q", ErrInvalidDrop, raw)
	}
}

// ParseAccessScope validates raw input. Blank input maps to shared.
func ParseAccessScope(raw string) (AccessScope, error) {
	switch value := AccessScope(strings.ToLower(strings.TrimSpace(raw))); value {
	case "":
		return ScopeShared, nil
	case ScopeOwnerOnly, ScopeShared:
		return value, nil
	default:
		return "", fmt.Errorf("%w: access scope %q", ErrInvalidDrop, raw)
	}
}

// ParseRetrievalMode validates raw input. Blank input maps to remote.
func ParseRetrievalMode(raw string) (RetrievalMode, error) {
	switch value := RetrievalMode(strings.ToLower(strings.TrimSpace(raw))); value {
	case "":
		return RetrievalRemote, nil
	case RetrievalRemote, RetrievalPhysical:
		return value, nil
	default:
		return "", fmt.Errorf("%w: retrieval mode %q", ErrInvalidDrop, raw)
	}
}

// ParseDifficulty validates raw input.
func ParseDifficulty(raw string) (Difficulty, error) {
	switch value := Difficulty(strings.ToLower(strings.TrimSpace(raw))); value {
	case DifficultyBeginner, DifficultyIntermediate, DifficultyExpert, DifficultyMaster:
		return value, nil
	default:
		return "", fmt.Errorf("%w: hunt difficulty %q", ErrInvalidDrop, raw)
	}
}

// Visibility is the closed set of visibility variants. Only the hunt variant
// carries a hunt code and difficulty.
type Visibility interface {
	Class() VisibilityClass
	isVisibility()
}

// HiddenVisibility keeps a drop off the map.
type HiddenVisibility struct{}

// Class implements Visibility.
func (HiddenVisibility) Class() VisibilityClass { return VisibilityHidden }
func (HiddenVisibility) isVisibility()          {}

// DiscoverableVisibility shows a drop on the map without hints.
type DiscoverableVisibility struct{}

// Class implements Visibility.
func (DiscoverableVisibility) Class() VisibilityClass { return VisibilityDiscoverable }
func (DiscoverableVisibility) isVisibility()          {}

// HuntVisibility marks a drop as part of a hunt joined through a shared code.
type HuntVisibility struct {
	code       string
	difficulty Difficulty
}

// NewHuntVisibility validates the hunt code and difficulty.
func NewHuntVisibility(code string, difficulty Difficulty) (HuntVisibility, error) {
	normalized := NormalizeHuntCode(code)
	if normalized == "" {
		return HuntVisibility{}, fmt.Errorf("%w: hunt code required", ErrInvalidDrop)
	}
	if len(normalized) > maxHuntCodeLength {
		return HuntVisibility{}, fmt.Errorf("%w: hunt code exceeds %d characters", ErrInvalidDrop, maxHuntCodeLength)
	}
	if _, err := ParseDifficulty(string(difficulty)); err != nil {
		return HuntVisibility{}, err
	}
	return HuntVisibility{code: normalized, difficulty: difficulty}, nil
}

// Class implements Visibility.
func (HuntVisibility) Class() VisibilityClass { return VisibilityHunt }
func (HuntVisibility) isVisibility()          {}

// Code returns the normalized hunt code.
func (h HuntVisibility) Code() string { return h.code }

// Difficulty returns the hunt difficulty.
func (h HuntVisibility) Difficulty() Difficulty { return h.difficulty }

const maxHuntCodeLength = 64

// NormalizeHuntCode trims and upper-cases a hunt code.
func NormalizeHuntCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Stats are monotonically non-decreasing counters.
type Stats struct {
	ViewCount      int64      `json:"view_count"`
	UnlockCount    int64      `json:"unlock_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

// Drop is a set of files anchored to a coordinate and a secret phrase.
type Drop struct {
	ID              string
	OwnerID         string
	Title           string
	Description     string
	SecretDigest    string
	Location        geo.Coordinate
	IndexToken      string
	GeofenceRadiusM int
	Visibility      Visibility
	AccessScope     AccessScope
	RetrievalMode   RetrievalMode
	Tier            tiers.Tier
	ExpiresAt       *time.Time
	Stats           Stats
	StoragePrefix   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Expired reports whether the drop's expiry has elapsed at now.
func (d Drop) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)
}

// Hunt returns the hunt variant when the drop is a hunt drop.
func (d Drop) Hunt() (HuntVisibility, bool) {
	hunt, ok := d.Visibility.(HuntVisibility)
	return hunt, ok
}

// StoragePrefixFor returns the blob prefix holding a drop's files.
func StoragePrefixFor(dropID string) string {
	return "drops/" + dropID + "/"
}
