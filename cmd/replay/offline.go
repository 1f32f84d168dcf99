package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/hazard-risk-engine/internal/config"
	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/engine"
	"github.com/couchcryptid/hazard-risk-engine/internal/lifecycle"
	"github.com/couchcryptid/hazard-risk-engine/internal/observability"
	"github.com/couchcryptid/hazard-risk-engine/internal/scoring"
)

// offlinePublisher feeds each timestamp group to an in-process engine with
// the clock frozen at that timestamp and writes every result as a JSON line.
type offlinePublisher struct {
	clock  *clockwork.FakeClock
	engine *engine.Engine
	logger *slog.Logger
	out    *json.Encoder
}

type offlineResult struct {
	Assessment domain.RiskAssessment `json:"assessment"`
	Events     []lifecycle.Event     `json:"events,omitempty"`
}

func newOfflinePublisher(tuningPath string, start time.Time, w io.Writer) (*offlinePublisher, error) {
	settings := domain.DefaultSettings()
	if tuningPath != "" {
		var err error
		if settings, err = config.LoadTuning(tuningPath); err != nil {
			return nil, err
		}
	}

	clock := clockwork.NewFakeClockAt(start)
	domain.SetClock(clock)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	metrics := observability.NewMetricsForTesting()
	cfg, err := engine.NewConfigStore(settings, logger, metrics)
	if err != nil {
		return nil, err
	}
	store := lifecycle.NewMemoryStore()
	eng := engine.New(engine.Deps{
		Runner:    scoring.NewRunner(scoring.DefaultScorers(scoring.NewHoltForecaster()), time.Second, logger, metrics),
		Config:    cfg,
		Lifecycle: lifecycle.NewManager(store, lifecycle.DefaultOptions(), logger, metrics),
		Store:     store,
		Logger:    logger,
		Metrics:   metrics,
	}, engine.DefaultOptions())

	return &offlinePublisher{clock: clock, engine: eng, logger: logger, out: json.NewEncoder(w)}, nil
}

func (p *offlinePublisher) publish(ctx context.Context, readings []domain.RawReading) error {
	if ts := readings[0].Timestamp; ts.After(p.clock.Now()) {
		p.clock.Advance(ts.Sub(p.clock.Now()))
	}

	var clusters []string
	seen := map[string]bool{}
	for _, r := range readings {
		_, id, err := p.engine.Ingest(ctx, r)
		if err != nil {
			p.logger.Warn("reading rejected", "sensor_id", r.SensorID, "error", err)
			continue
		}
		if !seen[id] {
			seen[id] = true
			clusters = append(clusters, id)
		}
	}

	for _, res := range p.engine.AssessClusters(ctx, clusters) {
		if err := p.out.Encode(offlineResult{Assessment: res.Assessment, Events: res.Events}); err != nil {
			return err
		}
	}
	return nil
}

func (p *offlinePublisher) close() error {
	domain.SetClock(nil)
	return nil
}
