package scoring

import (
	"context"
	"math"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
)

// DefaultHalfSlopes is the rise per hour, in canonical units, at which a
// sensor's trend sub-score reaches 50.
func DefaultHalfSlopes() map[domain.SensorType]float64 {
	return map[domain.SensorType]float64{
		domain.SensorRain:       10,
		domain.SensorWind:       5,
		domain.SensorRiverLevel: 0.5,
		domain.SensorSeismic:    0.02,
		domain.SensorCamera:     0.5,
		domain.SensorAcoustic:   20,
	}
}

// TrendScorer fits a least-squares line to each sensor's most recent points
// and scores the steepest rising slope. Falling or flat series score 0.
type TrendScorer struct {
	MinPoints  int
	MaxPoints  int
	HalfSlopes map[domain.SensorType]float64
}

// NewTrendScorer uses 3 to 12 points per sensor and DefaultHalfSlopes.
func NewTrendScorer() *TrendScorer {
	return &TrendScorer{MinPoints: 3, MaxPoints: 12, HalfSlopes: DefaultHalfSlopes()}
}

func (s *TrendScorer) Component() domain.Component { return domain.ComponentTrend }

func (s *TrendScorer) Score(ctx context.Context, w Window) domain.ComponentScore {
	out := domain.ComponentScore{Component: domain.ComponentTrend}
	series := seriesBySensor(w.Readings)

	bestPoints := 0
	for _, id := range sortedKeys(series) {
		if ctx.Err() != nil {
			return domain.ComponentScore{Component: domain.ComponentTrend}
		}
		points := series[id]
		if len(points) > s.MaxPoints && s.MaxPoints > 0 {
			points = points[len(points)-s.MaxPoints:]
		}
		if len(points) < s.MinPoints {
			continue
		}
		slope, ok := slopePerHour(points)
		if !ok {
			continue
		}
		if len(points) > bestPoints {
			bestPoints = len(points)
		}

		half := s.HalfSlopes[points[0].Type]
		if half <= 0 || slope <= 0 {
			continue
		}
		x := slope / half
		sub := 100 * x / (1 + x)
		out.SensorIDs = append(out.SensorIDs, id)
		if sub > out.SubScore {
			out.SubScore = sub
		}
	}

	if bestPoints == 0 {
		return domain.ComponentScore{Component: domain.ComponentTrend}
	}
	ramp := float64(bestPoints-s.MinPoints) / float64(max(s.MinPoints, 1))
	out.Confidence = 0.5 + 0.5*clamp01(ramp)
	return out
}

// slopePerHour is the ordinary least-squares slope of value against time in hours.
func slopePerHour(points []domain.SensorReading) (float64, bool) {
	t0 := points[0].Timestamp
	n := float64(len(points))
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range points {
		x := p.Timestamp.Sub(t0).Hours()
		sumX += x
		sumY += p.Value
		sumXY += x * p.Value
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if math.Abs(denom) < 1e-12 {
		return 0, false
	}
	return (n*sumXY - sumX*sumY) / denom, true
}
