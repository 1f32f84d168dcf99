package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/storm-data-shared/retry"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/engine"
	"github.com/couchcryptid/hazard-risk-engine/internal/observability"
)

// BatchExtractor reads up to batchSize raw messages from the ingestion transport.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawMessage, error)
}

// Assessor ingests readings into cluster windows and scores clusters.
// *engine.Engine implements it.
type Assessor interface {
	Ingest(ctx context.Context, raw domain.RawReading) (domain.SensorReading, string, error)
	AssessClusters(ctx context.Context, clusterIDs []string) []engine.Result
}

// BatchLoader publishes the assessments and alert events of one batch.
type BatchLoader interface {
	LoadBatch(ctx context.Context, results []engine.Result) error
}

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Pipeline runs the ingest-assess-publish loop. Messages are committed only
// after the assessments they contributed to are published. A failed publish
// is retried with backoff before any further messages are fetched; if the
// pipeline stops first the batch stays uncommitted and is redelivered to the
// next consumer, where re-ingested duplicates replace the earlier copies.
type Pipeline struct {
	extractor BatchExtractor
	assessor  Assessor
	loader    BatchLoader
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
	batchSize int
}

// New creates a Pipeline with the given stages and observability.
func New(e BatchExtractor, a Assessor, l BatchLoader, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		extractor: e,
		assessor:  a,
		loader:    l,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// CheckReadiness returns nil once a batch has been processed end to end.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not processed any readings yet")
	}
	return nil
}

// Run executes the batch loop until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.batchSize)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !p.processBatch(ctx, &backoff) {
			return nil
		}
	}
}

// processBatch runs one cycle. Returns false if the pipeline should stop.
func (p *Pipeline) processBatch(ctx context.Context, backoff *time.Duration) bool {
	start := time.Now()

	rawBatch, err := p.extractor.ExtractBatch(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Error("extract batch failed", "error", err)
		return p.backoffOrStop(ctx, backoff)
	}
	if len(rawBatch) == 0 {
		return ctx.Err() == nil
	}

	p.metrics.MessagesConsumed.Add(float64(len(rawBatch)))
	p.metrics.BatchSize.Observe(float64(len(rawBatch)))
	*backoff = initialBackoff

	ingested, clusters := p.ingest(ctx, rawBatch)
	if len(ingested) == 0 {
		return true
	}

	results := p.assessor.AssessClusters(ctx, clusters)
	if len(results) > 0 {
		if !p.load(ctx, results, backoff) {
			return false
		}
		p.metrics.MessagesProduced.Add(float64(len(results)))
	}

	for _, raw := range ingested {
		p.commit(ctx, raw)
	}
	p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
	p.ready.Store(true)
	return true
}

// ingest decodes each message and feeds its readings to the assessor.
// Messages that cannot be decoded, or whose readings are all rejected, are
// committed immediately so they are not redelivered. It returns the
// messages that contributed readings and the clusters they touched, in
// first-seen order.
func (p *Pipeline) ingest(ctx context.Context, rawBatch []domain.RawMessage) ([]domain.RawMessage, []string) {
	var (
		ingested []domain.RawMessage
		clusters []string
		seen     = make(map[string]bool)
	)
	for _, raw := range rawBatch {
		readings, err := DecodeReadings(raw.Value)
		if err != nil {
			p.logger.Warn("undecodable message, skipping",
				"error", err,
				"topic", raw.Topic,
				"partition", raw.Partition,
				"offset", raw.Offset,
			)
			p.metrics.DecodeErrors.Inc()
			p.commit(ctx, raw)
			continue
		}

		accepted := 0
		for _, r := range readings {
			_, clusterID, err := p.assessor.Ingest(ctx, r)
			if err != nil {
				p.logger.Warn("reading rejected",
					"error", err,
					"sensor_id", r.SensorID,
					"offset", raw.Offset,
				)
				continue
			}
			accepted++
			if !seen[clusterID] {
				seen[clusterID] = true
				clusters = append(clusters, clusterID)
			}
		}
		if accepted == 0 {
			p.commit(ctx, raw)
			continue
		}
		ingested = append(ingested, raw)
	}
	return ingested, clusters
}

// load publishes results, retrying with backoff until it succeeds. Returns
// false if the pipeline stopped first.
func (p *Pipeline) load(ctx context.Context, results []engine.Result, backoff *time.Duration) bool {
	for attempt := 1; ; attempt++ {
		err := p.loader.LoadBatch(ctx, results)
		if err == nil {
			*backoff = initialBackoff
			return true
		}
		p.logger.Error("load batch failed", "error", err, "assessments", len(results), "attempt", attempt)
		if !p.backoffOrStop(ctx, backoff) {
			return false
		}
	}
}

// backoffOrStop sleeps with the current backoff and advances it. Returns
// false if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !retry.SleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = retry.NextBackoff(*backoff, maxBackoff)
	return true
}

func (p *Pipeline) commit(ctx context.Context, raw domain.RawMessage) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		p.logger.Warn("commit failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}
