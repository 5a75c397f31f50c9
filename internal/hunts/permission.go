package hunts

import (
	"github.com/MarcoPoloResearchLab/unearth/internal/drops"
)

// DetailLevel grades how much a proximity hint reveals.
type DetailLevel string

const (
	DetailStrong   DetailLevel = "strong"
	DetailModerate DetailLevel = "moderate"
	DetailMinimal  DetailLevel = "minimal"
	DetailNone     DetailLevel = "none"
)

// Band is the coarse proximity bucket surfaced to a searcher.
type Band string

const (
	BandVeryClose Band = "very-close"
	BandWarm      Band = "warm"
	BandSearching Band = "searching"
	BandInRange   Band = "in-range"
)

const (
	veryCloseMeters = 10.0
	warmMeters      = 25.0
)

// Strength caps how far and how precisely hints are surfaced.
type Strength struct {
	MaxHintRadiusM float64     `json:"max_hint_radius_m"`
	DetailLevel    DetailLevel `json:"detail_level"`
}

var strengthByDifficulty = map[drops.Difficulty]Strength{
	drops.DifficultyBeginner:     {MaxHintRadiusM: 100, DetailLevel: DetailStrong},
	drops.DifficultyIntermediate: {MaxHintRadiusM: 50, DetailLevel: DetailModerate},
	drops.DifficultyExpert:       {MaxHintRadiusM: 25, DetailLevel: DetailMinimal},
	drops.DifficultyMaster:       {MaxHintRadiusM: 10, DetailLevel: DetailNone},
}

// HintStrengthFor maps a hunt difficulty to its hint strength. Unknown
// difficulties get no hints at all.
func HintStrengthFor(difficulty drops.Difficulty) Strength {
	if strength, ok := strengthByDifficulty[difficulty]; ok {
		return strength
	}
	return Strength{MaxHintRadiusM: 0, DetailLevel: DetailNone}
}

// CanShowProximityHints decides whether identity may see hints for drop.
// Hidden and discoverable drops never emit hints, whoever asks. Hunt drops
// emit hints only to identities that joined the drop's hunt code.
func CanShowProximityHints(drop drops.Drop, identity string, joined bool) bool {
	hunt, ok := drop.Visibility.(drops.HuntVisibility)
	if !ok {
		return false
	}
	if identity == "" || hunt.Code() == "" {
		return false
	}
	return joined
}

// Hint is the advisory message shown while searching.
type Hint struct {
	Band        Band        `json:"band"`
	DetailLevel DetailLevel `json:"detail_level"`
	Message     string      `json:"message"`
}

// ProximityHint bands distanceM under strength. Outside the maximum hint
// radius no hint is returned.
func ProximityHint(strength Strength, distanceM float64) (Hint, bool) {
	if strength.MaxHintRadiusM <= 0 || distanceM > strength.MaxHintRadiusM {
		return Hint{}, false
	}
	if strength.DetailLevel == DetailNone {
		return Hint{Band: BandInRange, DetailLevel: DetailNone, Message: "You are within range."}, true
	}

	switch {
	case distanceM <= veryCloseMeters:
		return Hint{Band: BandVeryClose, DetailLevel: strength.DetailLevel, Message: "Very close!"}, true
	case distanceM <= warmMeters:
		return Hint{Band: BandWarm, DetailLevel: strength.DetailLevel, Message: "Getting warm."}, true
	default:
		return Hint{Band: BandSearching, DetailLevel: strength.DetailLevel, Message: "Keep searching nearby."}, true
	}
}
