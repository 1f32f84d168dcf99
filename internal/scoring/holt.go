package scoring

import (
	"context"
	"math"
	"time"
)

// HoltForecaster is a local double exponential smoothing forecaster. It
// assumes roughly even spacing and projects the fitted level and trend to the
// requested time. Uncertainty is the RMS of its one-step-ahead residuals.
type HoltForecaster struct {
	Alpha      float64
	Beta       float64
	MinHistory int
}

// NewHoltForecaster uses alpha 0.5, beta 0.3 and at least 4 points.
func NewHoltForecaster() *HoltForecaster {
	return &HoltForecaster{Alpha: 0.5, Beta: 0.3, MinHistory: 4}
}

func (h *HoltForecaster) Forecast(_ context.Context, req ForecastRequest) (Forecast, error) {
	pts := req.History
	if len(pts) < h.MinHistory || len(pts) < 2 {
		return Forecast{}, ErrInsufficientHistory
	}

	level := pts[0].Value
	trend := pts[1].Value - pts[0].Value
	var sqErr float64
	for i := 1; i < len(pts); i++ {
		predicted := level + trend
		residual := pts[i].Value - predicted
		sqErr += residual * residual

		prevLevel := level
		level = h.Alpha*pts[i].Value + (1-h.Alpha)*(level+trend)
		trend = h.Beta*(level-prevLevel) + (1-h.Beta)*trend
	}

	last := pts[len(pts)-1]
	spacing := last.At.Sub(pts[0].At) / time.Duration(len(pts)-1)
	steps := 1.0
	if spacing > 0 {
		steps = math.Max(0, float64(req.At.Sub(last.At))/float64(spacing))
	}

	rmse := math.Sqrt(sqErr / float64(len(pts)-1))
	floor := 0.05 * math.Max(math.Abs(level), 0.02)
	return Forecast{
		Expected:    level + trend*steps,
		Uncertainty: math.Max(rmse*math.Sqrt(math.Max(steps, 1)), floor),
		Model:       "holt",
	}, nil
}
