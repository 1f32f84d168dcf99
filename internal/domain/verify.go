package domain

import (
	"fmt"
	"time"
)

// DefaultIntegrityFloor is the minimum pattern integrity for a verification to count.
const DefaultIntegrityFloor = 0.8

// ColorState is the marker colour reported by the camera pattern recognizer.
type ColorState string

const (
	ColorRed         ColorState = "RED"
	ColorGreen       ColorState = "GREEN"
	ColorTransparent ColorState = "TRANSPARENT"
	ColorBlack       ColorState = "BLACK"
)

// Verification is an independent physical observation for a location.
// RED means the hazard marker is visibly affected, e.g. submerged.
type Verification struct {
	Source     string     `json:"source"`
	Recognized bool       `json:"recognized"`
	ColorState ColorState `json:"color_state"`
	Integrity  float64    `json:"pattern_integrity"`
	ObservedBy string     `json:"last_seen_by,omitempty"`
	ObservedAt time.Time  `json:"observed_at"`
}

// Validate checks the colour state and integrity range.
func (v Verification) Validate() error {
	switch v.ColorState {
	case ColorRed, ColorGreen, ColorTransparent, ColorBlack:
	default:
		return fmt.Errorf("%w: unknown color_state %q", ErrInvalidInput, v.ColorState)
	}
	if !inUnitInterval(v.Integrity) {
		return fmt.Errorf("%w: pattern_integrity must be in [0,1], got %g", ErrInvalidInput, v.Integrity)
	}
	return nil
}

// Confirms reports whether v is a recognized hazard confirmation at or above floor.
func (v Verification) Confirms(floor float64) bool {
	return v.Recognized && v.ColorState == ColorRed && v.Integrity >= floor
}

// ApplyVerification blends a physical verification into a. A confirming
// verification lifts the statistical category exactly one level (capped at
// Severe) and sets trust to the larger of statistical confidence and
// integrity. Otherwise the category is left alone and trust equals the
// statistical confidence. The category never drops below the statistical one.
func ApplyVerification(a RiskAssessment, v *Verification, floor float64) RiskAssessment {
	if a.StatisticalCategory == "" {
		a.StatisticalCategory = a.Category
	}
	a.Category = a.StatisticalCategory
	trust := a.Confidence

	if v != nil {
		vc := *v
		a.Verification = &vc
		if vc.Confirms(floor) {
			a.Category = MaxCategory(a.StatisticalCategory, a.StatisticalCategory.Next())
			if vc.Integrity > trust {
				trust = vc.Integrity
			}
		}
	}

	a.TrustScore = &trust
	return a
}

// Verified reports whether a's category was lifted by a verification.
func (a RiskAssessment) Verified() bool {
	return a.Category.Level() > a.StatisticalCategory.Level()
}
