package scoring

import (
	"context"
	"math"
	"sort"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
)

// PairWeight expresses how strongly joint elevation of two sensor types
// indicates a compound hazard, e.g. heavy rain with a rising river.
type PairWeight struct {
	A, B   domain.SensorType
	Weight float64
}

// DefaultCriticalLevels are the canonical values treated as full elevation.
func DefaultCriticalLevels() map[domain.SensorType]float64 {
	return map[domain.SensorType]float64{
		domain.SensorRain:       50,
		domain.SensorWind:       25,
		domain.SensorRiverLevel: 6,
		domain.SensorSeismic:    0.1,
		domain.SensorCamera:     1,
		domain.SensorAcoustic:   100,
	}
}

// DefaultPairs lists the compound-hazard pairings.
func DefaultPairs() []PairWeight {
	return []PairWeight{
		{domain.SensorRain, domain.SensorRiverLevel, 1.0},
		{domain.SensorCamera, domain.SensorRiverLevel, 0.9},
		{domain.SensorRain, domain.SensorWind, 0.8},
		{domain.SensorRiverLevel, domain.SensorSeismic, 0.7},
		{domain.SensorAcoustic, domain.SensorSeismic, 0.6},
	}
}

// FusionScorer scores agreement between different sensor types. A single
// elevated type is discounted by SingleWeight; corroborated pairs score by
// the geometric mean of their elevations.
type FusionScorer struct {
	Critical     map[domain.SensorType]float64
	Pairs        []PairWeight
	SingleWeight float64
}

// NewFusionScorer uses the default critical levels and pairs with a 0.5 single-type weight.
func NewFusionScorer() *FusionScorer {
	return &FusionScorer{Critical: DefaultCriticalLevels(), Pairs: DefaultPairs(), SingleWeight: 0.5}
}

func (s *FusionScorer) Component() domain.Component { return domain.ComponentFusion }

func (s *FusionScorer) Score(_ context.Context, w Window) domain.ComponentScore {
	levels := currentLevels(w.Readings)
	if len(levels) < 2 {
		return domain.ComponentScore{Component: domain.ComponentFusion}
	}

	elevation := make(map[domain.SensorType]float64, len(levels))
	var sensors []string
	var maxElevation float64
	for t, lvl := range levels {
		critical := s.Critical[t]
		if critical <= 0 {
			continue
		}
		e := clamp01(lvl.value / critical)
		elevation[t] = e
		maxElevation = math.Max(maxElevation, e)
		sensors = append(sensors, lvl.sensors...)
	}
	if len(elevation) < 2 {
		return domain.ComponentScore{Component: domain.ComponentFusion}
	}

	best := s.SingleWeight * maxElevation
	for _, p := range s.Pairs {
		ea, okA := elevation[p.A]
		eb, okB := elevation[p.B]
		if !okA || !okB {
			continue
		}
		best = math.Max(best, p.Weight*math.Sqrt(ea*eb))
	}

	confidence := 0.7
	if len(elevation) >= 3 {
		confidence = 1
	}
	sort.Strings(sensors)
	return domain.ComponentScore{
		Component:  domain.ComponentFusion,
		SubScore:   100 * clamp01(best),
		Confidence: confidence,
		SensorIDs:  sensors,
	}
}
