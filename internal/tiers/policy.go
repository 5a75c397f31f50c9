package tiers

import (
	"errors"
	"fmt"
	"strings"
)

// Tier names an account subscription level.
type Tier string

const (
	// TierFree is the default tier for every account.
	TierFree Tier = "free"
	// TierExplorer unlocks physical retrieval and hunts.
	TierExplorer Tier = "explorer"
	// TierPro raises every ceiling.
	TierPro Tier = "pro"
)

// ErrUnknownTier indicates a tier name outside the known set.
var ErrUnknownTier = errors.New("tiers: unknown tier")

// Limits captures what a tier may create. A DefaultExpiryDays of zero means
// drops never expire unless the owner sets an expiry.
type Limits struct {
	MaxFileSizeMB      int  `json:"max_file_size_mb"`
	MinRadiusM         int  `json:"min_radius_m"`
	MaxRadiusM         int  `json:"max_radius_m"`
	CanUsePhysicalMode bool `json:"can_use_physical_mode"`
	CanUseHunts        bool `json:"can_use_hunts"`
	DefaultExpiryDays  int  `json:"default_expiry_days"`
	MaxDropsPerOwner   int  `json:"max_drops_per_owner"`
}

var limitsByTier = map[Tier]Limits{
	TierFree: {
		MaxFileSizeMB:      25,
		MinRadiusM:         10,
		MaxRadiusM:         500,
		CanUsePhysicalMode: false,
		CanUseHunts:        false,
		DefaultExpiryDays:  30,
		MaxDropsPerOwner:   10,
	},
	TierExplorer: {
		MaxFileSizeMB:      250,
		MinRadiusM:         5,
		MaxRadiusM:         2000,
		CanUsePhysicalMode: true,
		CanUseHunts:        true,
		DefaultExpiryDays:  180,
		MaxDropsPerOwner:   100,
	},
	TierPro: {
		MaxFileSizeMB:      2048,
		MinRadiusM:         1,
		MaxRadiusM:         10000,
		CanUsePhysicalMode: true,
		CanUseHunts:        true,
		DefaultExpiryDays:  0,
		MaxDropsPerOwner:   1000,
	},
}

// ParseTier normalizes raw input into a known Tier. Blank input maps to free.
func ParseTier(raw string) (Tier, error) {
	normalized := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if normalized == "" {
		return TierFree, nil
	}
	if _, ok := limitsByTier[normalized]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, raw)
	}
	return normalized, nil
}

// LimitsFor returns the limits of tier; unknown tiers get free limits.
func LimitsFor(tier Tier) Limits {
	if limits, ok := limitsByTier[tier]; ok {
		return limits
	}
	return limitsByTier[TierFree]
}

// MaxRadiusM is the largest geofence any tier may configure.
func MaxRadiusM() int {
	largest := 0
	for _, limits := range limitsByTier {
		if limits.MaxRadiusM > largest {
			largest = limits.MaxRadiusM
		}
	}
	return largest
}

// Proposal describes a drop an owner wants to create or reshape.
type Proposal struct {
	SizeMB        float64
	RadiusM       int
	WantsPhysical bool
	WantsHunt     bool
}

// Validation lists every violation found in a proposal.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ValidateDropProposal checks a proposal against the tier limits and reports
// all violations at once.
func ValidateDropProposal(tier Tier, proposal Proposal) Validation {
	limits := LimitsFor(tier)
	violations := make([]string, 0, 4)

	if proposal.SizeMB > float64(limits.MaxFileSizeMB) {
		violations = append(violations, fmt.Sprintf("file size %.1fMB exceeds the %dMB limit of the %s tier", proposal.SizeMB, limits.MaxFileSizeMB, tier))
	}
	if !RadiusWithin(limits, proposal.RadiusM) {
		violations = append(violations, fmt.Sprintf("radius %dm out of range: must be between %dm and %dm", proposal.RadiusM, limits.MinRadiusM, limits.MaxRadiusM))
	}
	if proposal.WantsPhysical && !limits.CanUsePhysicalMode {
		violations = append(violations, fmt.Sprintf("physical retrieval mode is not available on the %s tier", tier))
	}
	if proposal.WantsHunt && !limits.CanUseHunts {
		violations = append(violations, fmt.Sprintf("hunts are not available on the %s tier", tier))
	}

	return Validation{Valid: len(violations) == 0, Errors: violations}
}

// RadiusWithin reports whether radius lies inside the inclusive tier bounds.
func RadiusWithin(limits Limits, radius int) bool {
	return radius >= limits.MinRadiusM && radius <= limits.MaxRadiusM
}
