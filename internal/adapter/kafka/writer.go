package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/hazard-risk-engine/internal/config"
	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/engine"
	"github.com/couchcryptid/hazard-risk-engine/internal/lifecycle"
)

// messageWriter is the subset of *kafkago.Writer used by Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes assessments and alert events. Each message names its own
// topic so one producer serves both sinks.
// It implements pipeline.BatchLoader.
type Writer struct {
	writer          messageWriter
	assessmentTopic string
	alertTopic      string
	logger          *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topics.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return newWriter(w, cfg.KafkaAssessmentTopic, cfg.KafkaAlertTopic, logger)
}

func newWriter(w messageWriter, assessmentTopic, alertTopic string, logger *slog.Logger) *Writer {
	return &Writer{writer: w, assessmentTopic: assessmentTopic, alertTopic: alertTopic, logger: logger}
}

// LoadBatch publishes every assessment and alert event in results in a
// single WriteMessages call. Assessments are keyed by cluster so a cluster's
// history stays ordered within one partition.
func (w *Writer) LoadBatch(ctx context.Context, results []engine.Result) error {
	msgs := make([]kafkago.Message, 0, len(results)*2)
	for _, res := range results {
		msg, err := serializeAssessment(res.Assessment)
		if err != nil {
			return err
		}
		msg.Topic = w.assessmentTopic
		msgs = append(msgs, msg)

		for _, ev := range res.Events {
			msg, err := serializeEvent(ev)
			if err != nil {
				return err
			}
			msg.Topic = w.alertTopic
			msgs = append(msgs, msg)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

// PublishEvents publishes alert events raised outside the pipeline, such as
// operator transitions and incident corroboration.
func (w *Writer) PublishEvents(ctx context.Context, events []lifecycle.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(events))
	for i, ev := range events {
		msg, err := serializeEvent(ev)
		if err != nil {
			return err
		}
		msg.Topic = w.alertTopic
		msgs[i] = msg
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeAssessment marshals a RiskAssessment into a Kafka message.
func serializeAssessment(a domain.RiskAssessment) (kafkago.Message, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize risk assessment: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(a.ClusterID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "category", Value: []byte(a.Category)},
			{Key: "assessed_at", Value: []byte(a.Time.Format(time.RFC3339))},
		},
	}, nil
}

// serializeEvent marshals an alert Event into a Kafka message keyed by alert.
func serializeEvent(ev lifecycle.Event) (kafkago.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize alert event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(ev.Alert.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_kind", Value: []byte(ev.Kind)},
		},
	}, nil
}
