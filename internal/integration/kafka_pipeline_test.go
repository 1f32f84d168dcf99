//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/hazard-risk-engine/internal/adapter/kafka"
	"github.com/couchcryptid/hazard-risk-engine/internal/config"
	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/engine"
	"github.com/couchcryptid/hazard-risk-engine/internal/lifecycle"
	"github.com/couchcryptid/hazard-risk-engine/internal/observability"
	"github.com/couchcryptid/hazard-risk-engine/internal/pipeline"
	"github.com/couchcryptid/hazard-risk-engine/internal/scoring"
)

const (
	testSourceTopic     = "test-readings"
	testAssessmentTopic = "test-assessments"
	testAlertTopic      = "test-alert-events"
)

var sumidaCluster = domain.ClusterKey(domain.Geo{Lat: 35.7105, Lon: 139.8015}, domain.DefaultCellDegrees)

type sinkMessage struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

func readSink(ctx context.Context, t *testing.T, consumer *kafkago.Reader) sinkMessage {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from sink topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return sinkMessage{Key: string(msg.Key), Value: msg.Value, Headers: headers}
}

func newConsumer(t *testing.T, broker, topic string) *kafkago.Reader {
	t.Helper()
	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       topic,
		GroupID:     fmt.Sprintf("test-sink-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })
	return consumer
}

func setupTopics(t *testing.T, broker, group string) *config.Config {
	t.Helper()
	for _, topic := range []string{testSourceTopic, testAssessmentTopic, testAlertTopic} {
		createTopic(t, broker, topic)
	}
	return &config.Config{
		KafkaBrokers:         []string{broker},
		KafkaSourceTopic:     testSourceTopic,
		KafkaAssessmentTopic: testAssessmentTopic,
		KafkaAlertTopic:      testAlertTopic,
		KafkaGroupID:         fmt.Sprintf("%s-%d", group, time.Now().UnixNano()),
		BatchFlushInterval:   2 * time.Second,
	}
}

func newEngine(t *testing.T, metrics *observability.Metrics) *engine.Engine {
	t.Helper()
	logger := discardLogger()
	cfg, err := engine.NewConfigStore(domain.DefaultSettings(), logger, metrics)
	require.NoError(t, err)
	store := lifecycle.NewMemoryStore()
	return engine.New(engine.Deps{
		Runner:    scoring.NewRunner(scoring.DefaultScorers(scoring.NewHoltForecaster()), time.Second, logger, metrics),
		Config:    cfg,
		Lifecycle: lifecycle.NewManager(store, lifecycle.DefaultOptions(), logger, metrics),
		Store:     store,
		Logger:    logger,
		Metrics:   metrics,
	}, engine.DefaultOptions())
}

func publishReadings(ctx context.Context, t *testing.T, broker string, payloads ...[]byte) {
	t.Helper()
	producer := &kafkago.Writer{Addr: kafkago.TCP(broker), Topic: testSourceTopic}
	t.Cleanup(func() { _ = producer.Close() })

	msgs := make([]kafkago.Message, 0, len(payloads))
	for i, p := range payloads {
		msgs = append(msgs, kafkago.Message{Key: []byte(fmt.Sprintf("reading-%d", i)), Value: p})
	}
	require.NoError(t, producer.WriteMessages(ctx, msgs...))
}

// TestKafkaReaderWriter round-trips a reading through kafka.Reader and an
// assessment plus alert event through kafka.Writer.
func TestKafkaReaderWriter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	cfg := setupTopics(t, broker, "test-reader")

	reading := loadMockData(t)[0]
	payload, err := json.Marshal(reading)
	require.NoError(t, err)
	publishReadings(ctx, t, broker, payload)

	// Retry because the consumer group may need time to rebalance before
	// partitions are assigned and messages become available.
	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })

	var batch []domain.RawMessage
	for len(batch) == 0 {
		batch, err = reader.ExtractBatch(ctx, 1)
		require.NoError(t, err)
		if ctx.Err() != nil {
			t.Fatal("timed out waiting for message from source topic")
		}
	}
	require.Len(t, batch, 1)
	raw := batch[0]
	assert.Equal(t, payload, raw.Value)
	assert.Equal(t, testSourceTopic, raw.Topic)
	require.NotNil(t, raw.Commit, "commit callback should be set")
	require.NoError(t, raw.Commit(ctx))

	decoded, err := pipeline.DecodeReadings(raw.Value)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, reading.SensorID, decoded[0].SensorID)

	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	assessment := domain.RiskAssessment{
		ID:        "as-1",
		ClusterID: sumidaCluster,
		Time:      time.Now().UTC(),
		RiskScore: 72,
		Category:  domain.CategoryModerate,
	}
	event := lifecycle.Event{
		Kind:  lifecycle.EventOpened,
		Alert: lifecycle.Alert{ID: "alert-1", ClusterID: sumidaCluster, State: lifecycle.StateOpen},
		At:    assessment.Time,
	}
	require.NoError(t, writer.LoadBatch(ctx, []engine.Result{{Assessment: assessment, Events: []lifecycle.Event{event}}}))

	am := readSink(ctx, t, newConsumer(t, broker, testAssessmentTopic))
	assert.Equal(t, sumidaCluster, am.Key)
	assert.Equal(t, string(domain.CategoryModerate), am.Headers["category"])
	_, err = time.Parse(time.RFC3339, am.Headers["assessed_at"])
	require.NoError(t, err)
	var got domain.RiskAssessment
	require.NoError(t, json.Unmarshal(am.Value, &got))
	assert.Equal(t, 72, got.RiskScore)

	em := readSink(ctx, t, newConsumer(t, broker, testAlertTopic))
	assert.Equal(t, "alert-1", em.Key)
	assert.Equal(t, string(lifecycle.EventOpened), em.Headers["event_kind"])
}

// TestPipelineEndToEnd runs the fixture through Reader, Engine and Writer
// against a real broker.
func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	cfg := setupTopics(t, broker, "test-pipeline")

	readings := loadMockData(t)
	payloads := make([][]byte, 0, len(readings))
	for _, r := range readings {
		p, err := json.Marshal(r)
		require.NoError(t, err)
		payloads = append(payloads, p)
	}
	publishReadings(ctx, t, broker, payloads...)

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	metrics := observability.NewMetricsForTesting()
	p := pipeline.New(reader, newEngine(t, metrics), writer, discardLogger(), metrics, 200)

	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(pipelineCtx) }()

	consumer := newConsumer(t, broker, testAssessmentTopic)
	var sumida domain.RiskAssessment
	for sumida.ID == "" {
		msg := readSink(ctx, t, consumer)
		var a domain.RiskAssessment
		require.NoError(t, json.Unmarshal(msg.Value, &a))
		assert.Equal(t, a.ClusterID, msg.Key)
		assert.NotEmpty(t, msg.Headers["category"])
		if a.ClusterID == sumidaCluster {
			sumida = a
		}
	}

	pipelineCancel()
	require.NoError(t, <-errCh)

	assert.GreaterOrEqual(t, sumida.RiskScore, 0)
	assert.LessOrEqual(t, sumida.RiskScore, 100)
	assert.NotEmpty(t, sumida.ContributingSensors)
	assert.NotContains(t, sumida.ContributingSensors, "sumida-rain-99")
	require.NoError(t, p.CheckReadiness(ctx))
}

// TestPipelinePoisonMessage verifies that an undecodable message is skipped
// and the pipeline keeps assessing the valid readings behind it.
func TestPipelinePoisonMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	cfg := setupTopics(t, broker, "test-poison")

	payloads := [][]byte{[]byte("not-json{{{")}
	now := time.Now().UTC()
	for i := range 5 {
		v := 5 + float64(i*i)*4
		r := domain.RawReading{
			SensorID:  "sumida-rain-01",
			Type:      "rain",
			Value:     &v,
			Lat:       35.7101,
			Lon:       139.8011,
			Timestamp: now.Add(time.Duration(i-5) * time.Minute),
		}
		p, err := json.Marshal(r)
		require.NoError(t, err)
		payloads = append(payloads, p)
	}
	publishReadings(ctx, t, broker, payloads...)

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	metrics := observability.NewMetricsForTesting()
	p := pipeline.New(reader, newEngine(t, metrics), writer, discardLogger(), metrics, 50)

	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(pipelineCtx) }()

	msg := readSink(ctx, t, newConsumer(t, broker, testAssessmentTopic))
	assert.Equal(t, sumidaCluster, msg.Key)

	pipelineCancel()
	require.NoError(t, <-errCh)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.DecodeErrors), 0)
}
