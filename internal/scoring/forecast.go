package scoring

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
)

// ErrInsufficientHistory is returned by forecasters that lack enough points.
var ErrInsufficientHistory = errors.New("insufficient history for forecast")

// Point is one observation in a forecast history.
type Point struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// ForecastRequest asks for the expected value of a sensor type at a time.
type ForecastRequest struct {
	ClusterID string            `json:"cluster_id"`
	Type      domain.SensorType `json:"type"`
	At        time.Time         `json:"at"`
	History   []Point           `json:"history"`
}

// Forecast is a point prediction with a one-sigma uncertainty.
type Forecast struct {
	Expected    float64 `json:"expected"`
	Uncertainty float64 `json:"uncertainty"`
	Model       string  `json:"model,omitempty"`
}

// Forecaster predicts sensor values.
type Forecaster interface {
	Forecast(ctx context.Context, req ForecastRequest) (Forecast, error)
}

// ForecastScorer scores how far current levels exceed their forecast.
// Readings below forecast score 0; ZCeiling standard deviations above scores 100.
type ForecastScorer struct {
	Forecaster Forecaster
	ZCeiling   float64
}

// NewForecastScorer scores against f with a ceiling of 3 sigma.
func NewForecastScorer(f Forecaster) *ForecastScorer {
	return &ForecastScorer{Forecaster: f, ZCeiling: 3}
}

func (s *ForecastScorer) Component() domain.Component { return domain.ComponentForecast }

func (s *ForecastScorer) Score(ctx context.Context, w Window) domain.ComponentScore {
	out := domain.ComponentScore{Component: domain.ComponentForecast}
	if s.Forecaster == nil {
		return out
	}

	current := currentLevels(w.Readings)
	history := historyByType(append(append([]domain.SensorReading(nil), w.Baseline...), w.Readings...))

	var attempted, succeeded int
	for _, t := range domain.SensorTypes {
		lvl, ok := current[t]
		if !ok {
			continue
		}
		attempted++

		points := pointsBefore(history[t], lvl.at)
		f, err := s.Forecaster.Forecast(ctx, ForecastRequest{
			ClusterID: w.ClusterID,
			Type:      t,
			At:        lvl.at,
			History:   points,
		})
		if err != nil || math.IsNaN(f.Expected) || math.IsInf(f.Expected, 0) {
			continue
		}
		succeeded++

		sigma := math.Max(f.Uncertainty, 1e-6)
		z := math.Max(0, lvl.value-f.Expected) / sigma
		sub := 100 * clamp01(z/s.ZCeiling)
		if sub > 0 {
			out.SensorIDs = append(out.SensorIDs, lvl.sensors...)
		}
		out.SubScore = math.Max(out.SubScore, sub)
	}

	if succeeded == 0 {
		return domain.ComponentScore{Component: domain.ComponentForecast}
	}
	sort.Strings(out.SensorIDs)
	out.Confidence = float64(succeeded) / float64(attempted)
	return out
}

// historyByType averages readings of each type sharing a timestamp, oldest first.
func historyByType(readings []domain.SensorReading) map[domain.SensorType][]Point {
	type acc struct{ sum, n float64 }
	grouped := make(map[domain.SensorType]map[time.Time]*acc)
	for _, r := range readings {
		g, ok := grouped[r.Type]
		if !ok {
			g = make(map[time.Time]*acc)
			grouped[r.Type] = g
		}
		a, ok := g[r.Timestamp]
		if !ok {
			a = &acc{}
			g[r.Timestamp] = a
		}
		a.sum += r.Value
		a.n++
	}

	out := make(map[domain.SensorType][]Point, len(grouped))
	for t, g := range grouped {
		points := make([]Point, 0, len(g))
		for at, a := range g {
			points = append(points, Point{At: at, Value: a.sum / a.n})
		}
		sort.Slice(points, func(i, j int) bool { return points[i].At.Before(points[j].At) })
		out[t] = points
	}
	return out
}

func pointsBefore(points []Point, at time.Time) []Point {
	i := sort.Search(len(points), func(i int) bool { return !points[i].At.Before(at) })
	return points[:i]
}
