package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/observability"
)

// DefaultScorerTimeout bounds each scorer invocation.
const DefaultScorerTimeout = 2 * time.Second

var tracer = otel.Tracer("hazard-risk-engine/scoring")

// Runner invokes every scorer concurrently for a window. A scorer that misses
// its deadline or panics is reported with zero confidence; the others are
// unaffected.
type Runner struct {
	scorers []Scorer
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRunner creates a Runner. A non-positive timeout uses DefaultScorerTimeout.
func NewRunner(scorers []Scorer, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Runner {
	if timeout <= 0 {
		timeout = DefaultScorerTimeout
	}
	return &Runner{scorers: scorers, timeout: timeout, logger: logger, metrics: metrics}
}

// DefaultScorers returns the four standard scorers, forecasting with f.
func DefaultScorers(f Forecaster) []Scorer {
	return []Scorer{
		NewTrendScorer(),
		NewFusionScorer(),
		NewOutlierScorer(),
		NewForecastScorer(f),
	}
}

// Run returns one score per scorer, in scorer order.
func (r *Runner) Run(ctx context.Context, w Window) []domain.ComponentScore {
	results := make([]domain.ComponentScore, len(r.scorers))

	var g errgroup.Group
	for i, s := range r.scorers {
		g.Go(func() error {
			results[i] = r.runOne(ctx, s, w)
			return nil
		})
	}
	_ = g.Wait() // scorers never return errors

	return results
}

func (r *Runner) runOne(ctx context.Context, s Scorer, w Window) domain.ComponentScore {
	component := s.Component()
	ctx, span := tracer.Start(ctx, "scorer."+string(component))
	span.SetAttributes(attribute.String("cluster_id", w.ClusterID))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan domain.ComponentScore, 1)
	panicked := make(chan any, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				panicked <- p
			}
		}()
		done <- s.Score(ctx, w)
	}()

	zero := domain.ComponentScore{Component: component}
	select {
	case score := <-done:
		r.metrics.ScorerDuration.WithLabelValues(string(component)).Observe(time.Since(start).Seconds())
		if ctx.Err() != nil {
			return r.timedOut(span, w, component)
		}
		score.Component = component
		if score.Confidence <= 0 {
			r.metrics.ScorerUnavailable.WithLabelValues(string(component), "no_data").Inc()
		}
		span.SetAttributes(
			attribute.Float64("sub_score", score.SubScore),
			attribute.Float64("confidence", score.Confidence),
		)
		return score
	case p := <-panicked:
		err := fmt.Errorf("scorer %s panicked: %v", component, p)
		span.RecordError(err)
		r.logger.Error("scorer panicked", "component", component, "cluster_id", w.ClusterID, "error", err)
		r.metrics.ScorerUnavailable.WithLabelValues(string(component), "panic").Inc()
		return zero
	case <-ctx.Done():
		return r.timedOut(span, w, component)
	}
}

func (r *Runner) timedOut(span trace.Span, w Window, component domain.Component) domain.ComponentScore {
	err := &domain.ScorerTimeoutError{Component: component, Timeout: r.timeout}
	span.RecordError(err)
	r.logger.Warn("scorer unavailable", "component", component, "cluster_id", w.ClusterID, "error", err)
	r.metrics.ScorerUnavailable.WithLabelValues(string(component), "timeout").Inc()
	return domain.ComponentScore{Component: component}
}
