package domain

import (
	"fmt"
	"math"
)

// Settings is the operator-tunable part of the engine configuration.
type Settings struct {
	Weights           WeightConfig    `json:"weights" yaml:"weights"`
	Thresholds        ThresholdConfig `json:"thresholds" yaml:"thresholds"`
	ContributionFloor float64         `json:"contribution_floor" yaml:"contribution_floor"`
	IntegrityFloor    float64         `json:"integrity_floor" yaml:"integrity_floor"`
}

// DefaultSettings returns the shipped weights, thresholds and floors.
func DefaultSettings() Settings {
	return Settings{
		Weights:           DefaultWeights(),
		Thresholds:        DefaultThresholds(),
		ContributionFloor: DefaultContributionFloor,
		IntegrityFloor:    DefaultIntegrityFloor,
	}
}

// Validate returns a *ConfigurationError describing the first invalid field.
func (s Settings) Validate() error {
	if err := s.Weights.Validate(); err != nil {
		return err
	}
	if err := s.Thresholds.Validate(); err != nil {
		return err
	}
	if !inUnitInterval(s.ContributionFloor) {
		return &ConfigurationError{Reason: fmt.Sprintf("contribution_floor must be in [0,1], got %g", s.ContributionFloor)}
	}
	if !inUnitInterval(s.IntegrityFloor) {
		return &ConfigurationError{Reason: fmt.Sprintf("integrity_floor must be in [0,1], got %g", s.IntegrityFloor)}
	}
	return nil
}

// Clone returns a copy that shares no maps with s.
func (s Settings) Clone() Settings {
	s.Weights = s.Weights.Clone()
	return s
}

func inUnitInterval(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
