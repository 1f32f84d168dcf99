// Command riskengine consumes sensor readings, scores hazard risk per
// location cluster, manages the alert lifecycle and serves the query API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"

	"github.com/couchcryptid/hazard-risk-engine/internal/adapter/forecast"
	httpadapter "github.com/couchcryptid/hazard-risk-engine/internal/adapter/http"
	"github.com/couchcryptid/hazard-risk-engine/internal/adapter/influx"
	kafkaadapter "github.com/couchcryptid/hazard-risk-engine/internal/adapter/kafka"
	"github.com/couchcryptid/hazard-risk-engine/internal/adapter/mapbox"
	mqttadapter "github.com/couchcryptid/hazard-risk-engine/internal/adapter/mqtt"
	openaiadapter "github.com/couchcryptid/hazard-risk-engine/internal/adapter/openai"
	"github.com/couchcryptid/hazard-risk-engine/internal/adapter/sqlite"
	"github.com/couchcryptid/hazard-risk-engine/internal/config"
	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/engine"
	"github.com/couchcryptid/hazard-risk-engine/internal/lifecycle"
	"github.com/couchcryptid/hazard-risk-engine/internal/observability"
	"github.com/couchcryptid/hazard-risk-engine/internal/pipeline"
	"github.com/couchcryptid/hazard-risk-engine/internal/scoring"
	"github.com/couchcryptid/hazard-risk-engine/internal/textgen"
)

// backend is the alert and assessment store shared by the engine, the
// narrator and the query API.
type backend interface {
	lifecycle.Store
	textgen.NarrativeStore
	httpadapter.Queries
}

// extractor is an ingestion transport.
type extractor interface {
	pipeline.BatchExtractor
	Close() error
}

func main() {
	if err := run(); err != nil {
		slog.Error("riskengine failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg)
	if err != nil {
		return err
	}

	settings := domain.DefaultSettings()
	if cfg.TuningFile != "" {
		if settings, err = config.LoadTuning(cfg.TuningFile); err != nil {
			return err
		}
	}
	settingsStore, err := engine.NewConfigStore(settings, logger, metrics)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	deps := engine.Deps{
		Runner:    scoring.NewRunner(scoring.DefaultScorers(newForecaster(cfg, logger)), cfg.ScorerTimeout, logger, metrics),
		Config:    settingsStore,
		Lifecycle: lifecycle.NewManager(store, lifecycleOptions(cfg), logger, metrics),
		Store:     store,
		Logger:    logger,
		Metrics:   metrics,
	}

	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, metrics, logger)
		deps.Geocoder = mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
		metrics.GeocodeEnabled.Set(1)
		logger.Info("mapbox geocoding enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout)
	} else {
		logger.Info("mapbox geocoding disabled")
	}

	if cfg.InfluxURL != "" {
		archiver := influx.NewArchiver(cfg, logger)
		defer archiver.Close()
		if err := archiver.Ping(ctx); err != nil {
			logger.Warn("influx not reachable at startup", "error", err)
		}
		deps.Archiver = archiver
		logger.Info("reading archive enabled", "bucket", cfg.InfluxBucket)
	}

	var text httpadapter.TextService
	if cfg.OpenAIAPIKey != "" {
		gen := openaiadapter.NewGenerator(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL, logger)
		svc := textgen.NewService(gen, cfg.GenerationTimeout, logger, metrics)
		narrator := textgen.NewNarrator(svc, store, textgen.DefaultNarratorOptions(), logger, metrics)
		narrator.Start(ctx)
		defer narrator.Close()
		deps.Narrator = narrator
		text = svc
		logger.Info("text generation enabled", "model", cfg.OpenAIModel)
	} else {
		logger.Info("text generation disabled")
	}

	eng := engine.New(deps, engineOptions(cfg))
	eng.Normalizer().MaxFutureSkew = cfg.MaxFutureSkew

	if cfg.TuningFile != "" {
		go func() {
			if err := config.WatchTuning(ctx, cfg.TuningFile, settingsStore.Update, logger); err != nil {
				logger.Error("tuning watcher stopped", "error", err)
			}
		}()
	}

	source, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	writer := kafkaadapter.NewWriter(cfg, logger)

	p := pipeline.New(source, eng, writer, logger, metrics, cfg.BatchSize)

	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.API{
		Operator:    eng,
		Settings:    settingsStore,
		Queries:     store,
		Publisher:   writer,
		Text:        text,
		Sensors:     eng,
		CORSOrigins: cfg.CORSOrigins,
	}, p, logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := source.Close(); err != nil {
		logger.Error("source close error", "error", err)
	}
	if err := writer.Close(); err != nil {
		logger.Error("kafka writer close error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend, func(), error) {
	if cfg.StoreDriver != config.StoreSQLite {
		return lifecycle.NewMemoryStore(), func() {}, nil
	}
	s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("sqlite store opened", "path", cfg.SQLitePath)
	return s, func() {
		if err := s.Close(); err != nil {
			logger.Error("sqlite close error", "error", err)
		}
	}, nil
}

func openSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (extractor, error) {
	if cfg.IngestTransport == config.TransportMQTT {
		sub := mqttadapter.NewSubscriber(cfg, logger)
		if err := sub.Connect(ctx); err != nil {
			return nil, err
		}
		logger.Info("ingesting from mqtt", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
		return sub, nil
	}
	logger.Info("ingesting from kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaSourceTopic)
	return kafkaadapter.NewReader(cfg, logger), nil
}

func newForecaster(cfg *config.Config, logger *slog.Logger) scoring.Forecaster {
	local := scoring.NewHoltForecaster()
	if cfg.ForecastURL == "" {
		return local
	}
	logger.Info("remote forecasting enabled", "url", cfg.ForecastURL)
	return forecast.Fallback{
		Primary:      forecast.NewClient(cfg.ForecastURL, cfg.ScorerTimeout/2, logger),
		Secondary:    local,
		PrimaryShare: 0.5,
		Logger:       logger,
	}
}

func lifecycleOptions(cfg *config.Config) lifecycle.Options {
	opts := lifecycle.DefaultOptions()
	opts.RadiusM = cfg.DedupRadiusM
	opts.Window = cfg.DedupWindow
	return opts
}

func engineOptions(cfg *config.Config) engine.Options {
	opts := engine.DefaultOptions()
	opts.CellDegrees = cfg.ClusterCellDeg
	opts.WindowSpan = cfg.WindowSpan
	opts.BaselineSpan = cfg.BaselineSpan
	opts.VerificationMaxAge = cfg.VerificationMaxAge
	opts.ClusterConcurrency = cfg.ClusterConcurrency
	return opts
}
