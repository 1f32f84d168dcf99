// Package mqtt ingests sensor readings published directly by field gateways
// over MQTT, as an alternative to the Kafka source topic.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/couchcryptid/hazard-risk-engine/internal/config"
	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
)

// ErrClosed is returned by ExtractBatch after Close.
var ErrClosed = errors.New("mqtt subscriber closed")

const (
	qosAtLeastOnce = 1
	bufferSize     = 1024
	connectTimeout = 10 * time.Second
)

// Subscriber buffers MQTT messages for batch extraction. Messages are
// acknowledged to the broker only when committed, so a reading that is never
// processed is redelivered after reconnect.
// It implements pipeline.BatchExtractor.
type Subscriber struct {
	client        pahomqtt.Client
	topic         string
	flushInterval time.Duration
	logger        *slog.Logger

	messages  chan domain.RawMessage
	done      chan struct{}
	closeOnce sync.Once
}

// NewSubscriber creates a subscriber for cfg.MQTTTopic. Call Connect before extracting.
func NewSubscriber(cfg *config.Config, logger *slog.Logger) *Subscriber {
	s := newSubscriber(nil, cfg.MQTTTopic, cfg.BatchFlushInterval, logger)
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetAutoAckDisabled(true).
		SetOrderMatters(false).
		SetOnConnectHandler(s.subscribe).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		})
	s.client = pahomqtt.NewClient(opts)
	return s
}

func newSubscriber(client pahomqtt.Client, topic string, flushInterval time.Duration, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		client:        client,
		topic:         topic,
		flushInterval: flushInterval,
		logger:        logger,
		messages:      make(chan domain.RawMessage, bufferSize),
		done:          make(chan struct{}),
	}
}

// Connect opens the broker connection. The subscription is (re)established
// on every successful connect.
func (s *Subscriber) Connect(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connect: timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (s *Subscriber) subscribe(c pahomqtt.Client) {
	token := c.Subscribe(s.topic, qosAtLeastOnce, s.handle)
	token.Wait()
	if err := token.Error(); err != nil {
		s.logger.Error("mqtt subscribe failed", "topic", s.topic, "error", err)
		return
	}
	s.logger.Info("mqtt subscribed", "topic", s.topic)
}

// handle blocks when the buffer is full, which applies backpressure to the broker.
func (s *Subscriber) handle(_ pahomqtt.Client, msg pahomqtt.Message) {
	raw := domain.RawMessage{
		Key:       []byte(msg.Topic()),
		Value:     msg.Payload(),
		Topic:     msg.Topic(),
		Offset:    int64(msg.MessageID()),
		Timestamp: domain.Now(),
		Commit: func(context.Context) error {
			msg.Ack()
			return nil
		},
	}
	select {
	case s.messages <- raw:
	case <-s.done:
	}
}

// ExtractBatch waits for the first message, then collects up to batchSize
// messages or whatever arrives within the flush interval.
func (s *Subscriber) ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawMessage, error) {
	var batch []domain.RawMessage
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	case raw := <-s.messages:
		batch = append(make([]domain.RawMessage, 0, batchSize), raw)
	}

	timer := time.NewTimer(s.flushInterval)
	defer timer.Stop()
	for len(batch) < batchSize {
		select {
		case raw := <-s.messages:
			batch = append(batch, raw)
		case <-timer.C:
			return batch, nil
		case <-ctx.Done():
			return batch, nil
		}
	}
	return batch, nil
}

func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}
