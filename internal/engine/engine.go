// Package engine turns raw sensor readings into risk assessments and alert
// events. It owns the per-cluster reading windows, the active settings and the
// latest physical verifications, and delegates scoring, aggregation and the
// alert lifecycle to their packages.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/lifecycle"
	"github.com/couchcryptid/hazard-risk-engine/internal/observability"
	"github.com/couchcryptid/hazard-risk-engine/internal/scoring"
)

// ErrUnknownCluster is returned when assessing a cluster with no readings.
var ErrUnknownCluster = errors.New("unknown cluster")

var tracer = otel.Tracer("hazard-risk-engine/engine")

// Archiver stores every normalized reading, including stale ones.
type Archiver interface {
	Archive(ctx context.Context, clusterID string, r domain.SensorReading) error
}

// Narrator attaches generated text to assessments after they are stored.
type Narrator interface {
	Enqueue(a domain.RiskAssessment)
}

// Options are the structural engine parameters that are not hot-reloadable.
type Options struct {
	CellDegrees        float64
	WindowSpan         time.Duration
	BaselineSpan       time.Duration
	VerificationMaxAge time.Duration
	ClusterConcurrency int
}

// DefaultOptions uses ~1 km cells, a 1 h window, a 24 h baseline and a 30 m verification lifetime.
func DefaultOptions() Options {
	return Options{
		CellDegrees:        domain.DefaultCellDegrees,
		WindowSpan:         time.Hour,
		BaselineSpan:       24 * time.Hour,
		VerificationMaxAge: 30 * time.Minute,
		ClusterConcurrency: 8,
	}
}

// Deps are the collaborators of an Engine. Geocoder, Archiver and Narrator are optional.
type Deps struct {
	Runner    *scoring.Runner
	Config    *ConfigStore
	Lifecycle *lifecycle.Manager
	Store     lifecycle.Store
	Geocoder  domain.Geocoder
	Archiver  Archiver
	Narrator  Narrator
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// Result is the outcome of assessing one cluster.
type Result struct {
	Assessment domain.RiskAssessment
	Events     []lifecycle.Event
}

// Engine is the risk aggregation engine.
type Engine struct {
	normalizer    *domain.Normalizer
	windows       *WindowStore
	verifications *VerificationRegistry
	deps          Deps
	opts          Options
}

// New creates an Engine.
func New(deps Deps, opts Options) *Engine {
	if opts.ClusterConcurrency <= 0 {
		opts.ClusterConcurrency = 1
	}
	normalizer := domain.NewNormalizer()
	return &Engine{
		normalizer:    normalizer,
		windows:       NewWindowStore(opts.WindowSpan, opts.BaselineSpan, normalizer.Freshness),
		verifications: NewVerificationRegistry(opts.VerificationMaxAge),
		deps:          deps,
		opts:          opts,
	}
}

// Normalizer exposes the reading normalizer for tuning freshness and skew.
func (e *Engine) Normalizer() *domain.Normalizer { return e.normalizer }

// Sensors reports the latest reading of every known sensor as of now.
func (e *Engine) Sensors() []SensorState { return e.windows.Sensors(domain.Now()) }

// Sensor reports one sensor's latest reading.
func (e *Engine) Sensor(id string) (SensorState, bool) {
	for _, st := range e.Sensors() {
		if st.Latest.SensorID == id {
			return st, true
		}
	}
	return SensorState{}, false
}

// Config returns the settings store.
func (e *Engine) Config() *ConfigStore { return e.deps.Config }

// Ingest normalizes raw and adds it to its cluster's window. It returns the
// cluster the reading was assigned to.
func (e *Engine) Ingest(ctx context.Context, raw domain.RawReading) (domain.SensorReading, string, error) {
	r, err := e.normalizer.Normalize(raw)
	if err != nil {
		var nerr *domain.NormalizationError
		if errors.As(err, &nerr) {
			e.deps.Metrics.ReadingsRejected.WithLabelValues(nerr.Field).Inc()
		}
		return domain.SensorReading{}, "", err
	}

	clusterID := domain.ClusterKey(r.Location, e.opts.CellDegrees)
	e.windows.Add(clusterID, r)
	e.deps.Metrics.ReadingsAccepted.WithLabelValues(string(r.Type)).Inc()
	if r.Stale {
		e.deps.Metrics.ReadingsStale.Inc()
		e.deps.Logger.Debug("stale reading retained for audit", "sensor_id", r.SensorID, "timestamp", r.Timestamp)
	}

	if e.deps.Archiver != nil {
		if err := e.deps.Archiver.Archive(ctx, clusterID, r); err != nil {
			e.deps.Metrics.ArchiveErrors.Inc()
			e.deps.Logger.Warn("archive reading failed", "sensor_id", r.SensorID, "error", err)
		}
	}
	return r, clusterID, nil
}

// Assess scores a cluster now, stores the assessment and applies it to the
// alert lifecycle.
func (e *Engine) Assess(ctx context.Context, clusterID string) (Result, error) {
	ctx, span := tracer.Start(ctx, "engine.assess")
	span.SetAttributes(attribute.String("cluster_id", clusterID))
	defer span.End()

	res, err := e.assess(ctx, clusterID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.deps.Metrics.AssessmentErrors.Inc()
		return Result{}, err
	}
	span.SetAttributes(
		attribute.Int("risk_score", res.Assessment.RiskScore),
		attribute.String("category", string(res.Assessment.Category)),
	)
	return res, nil
}

func (e *Engine) assess(ctx context.Context, clusterID string) (Result, error) {
	settings := e.deps.Config.Current()
	now := domain.Now()

	w, ok := e.windows.Window(clusterID, now)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownCluster, clusterID)
	}

	scores := e.deps.Runner.Run(ctx, w)
	agg := domain.Aggregator{ContributionFloor: settings.ContributionFloor}
	a, err := agg.Aggregate(scores, settings.Weights, settings.Thresholds)
	if err != nil {
		return Result{}, fmt.Errorf("aggregate cluster %s: %w", clusterID, err)
	}

	a.ID = uuid.NewString()
	a.ClusterID = clusterID
	a.Time = now
	a.Location = domain.NameLocation(ctx, domain.Location{Geo: e.windows.Centroid(clusterID)}, e.deps.Geocoder, e.deps.Logger)
	a = domain.ApplyVerification(a, e.verifications.Get(clusterID, now), settings.IntegrityFloor)
	if a.Verified() {
		e.deps.Metrics.VerificationOverrides.Inc()
	}

	if err := e.deps.Store.SaveAssessment(ctx, a); err != nil {
		return Result{}, fmt.Errorf("save assessment: %w", err)
	}
	e.deps.Metrics.Assessments.WithLabelValues(string(a.Category)).Inc()

	events, err := e.deps.Lifecycle.Apply(ctx, a)
	if err != nil {
		// The assessment is stored; the lifecycle catches up on the next round.
		e.deps.Logger.Error("apply assessment to alerts failed", "cluster_id", clusterID, "assessment_id", a.ID, "error", err)
	}

	if e.deps.Narrator != nil {
		e.deps.Narrator.Enqueue(a)
	}

	e.deps.Logger.Debug("cluster assessed",
		"cluster_id", clusterID,
		"risk_score", a.RiskScore,
		"category", a.Category,
		"confidence", a.Confidence,
	)
	return Result{Assessment: a, Events: events}, nil
}

// AssessClusters assesses clusters in parallel, bounded by ClusterConcurrency.
// Clusters that cannot be assessed are logged and omitted; results keep the
// order of ids.
func (e *Engine) AssessClusters(ctx context.Context, ids []string) []Result {
	results := make([]*Result, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.ClusterConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			res, err := e.Assess(gctx, id)
			if err != nil {
				level := slog.LevelWarn
				if errors.Is(err, domain.ErrNoConfidentScores) {
					level = slog.LevelDebug
				}
				e.deps.Logger.Log(gctx, level, "cluster not assessed", "cluster_id", id, "error", err)
				return nil
			}
			results[i] = &res
			return nil
		})
	}
	_ = g.Wait() // per-cluster failures are logged, never returned

	out := make([]Result, 0, len(ids))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// RecordVerification stores v for the cluster containing at and returns that cluster.
func (e *Engine) RecordVerification(at domain.Geo, v domain.Verification) (string, error) {
	if !at.Valid() {
		return "", fmt.Errorf("%w: verification location out of range", domain.ErrInvalidInput)
	}
	if err := v.Validate(); err != nil {
		return "", err
	}
	if v.ObservedAt.IsZero() {
		v.ObservedAt = domain.Now()
	}
	clusterID := domain.ClusterKey(at, e.opts.CellDegrees)
	e.verifications.Put(clusterID, v)
	return clusterID, nil
}

// Corroborate links an external incident to a nearby alert.
func (e *Engine) Corroborate(ctx context.Context, inc domain.Incident) (*lifecycle.Event, error) {
	if err := inc.Validate(); err != nil {
		return nil, err
	}
	return e.deps.Lifecycle.Corroborate(ctx, inc)
}

// Transition applies an operator action to an alert.
func (e *Engine) Transition(ctx context.Context, alertID string, action lifecycle.Action, actor, reason string) (lifecycle.Event, error) {
	return e.deps.Lifecycle.Transition(ctx, alertID, action, actor, reason)
}
