// Command replay publishes a reading fixture to the ingestion transport,
// shifting timestamps so the scenario ends at the current time. Readings
// sharing a timestamp are published together, paced by -interval.
//
// With -offline the fixture instead runs through an in-process engine on a
// frozen clock and the assessments and alert events are printed as JSON lines.
//
// Usage:
//
//	go run ./cmd/replay -file data/mock/sensor_readings.json -brokers localhost:9092
//	go run ./cmd/replay -transport mqtt -mqtt-broker tcp://localhost:1883
//	go run ./cmd/replay -offline -tuning deploy/tuning.yaml > assessments.jsonl
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
)

type publisher interface {
	publish(ctx context.Context, readings []domain.RawReading) error
	close() error
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	file := flag.String("file", "data/mock/sensor_readings.json", "reading fixture to replay")
	transport := flag.String("transport", "kafka", "kafka or mqtt")
	brokers := flag.String("brokers", "localhost:9092", "comma-separated Kafka brokers")
	topic := flag.String("topic", "sensor-readings", "Kafka topic")
	mqttBroker := flag.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker URL")
	interval := flag.Duration("interval", time.Second, "delay between timestamp groups")
	offline := flag.Bool("offline", false, "assess in-process on a frozen clock and print results")
	tuning := flag.String("tuning", "", "tuning YAML for -offline (optional)")
	flag.Parse()

	readings, err := loadReadings(*file)
	if err != nil {
		return err
	}

	var (
		pub    publisher
		groups [][]domain.RawReading
	)
	switch {
	case *offline:
		groups = groupByTime(readings)
		if pub, err = newOfflinePublisher(*tuning, groups[0][0].Timestamp, os.Stdout); err != nil {
			return err
		}
		*interval = 0
	default:
		groups = groupByTime(shiftToNow(readings, time.Now().UTC()))
	}

	switch {
	case pub != nil:
	case *transport == "kafka":
		pub = newKafkaPublisher(sharedcfg.ParseBrokers(*brokers), *topic)
	case *transport == "mqtt":
		if pub, err = newMQTTPublisher(*mqttBroker); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown transport %q", *transport)
	}
	defer func() {
		if err := pub.close(); err != nil {
			log.Printf("close publisher: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for i, g := range groups {
		if err := pub.publish(ctx, g); err != nil {
			return fmt.Errorf("publish group %d: %w", i, err)
		}
		log.Printf("published %d readings stamped %s", len(g), g[0].Timestamp.Format(time.RFC3339))
		if i == len(groups)-1 || *interval == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(*interval):
		}
	}
	log.Printf("replayed %d readings in %d groups", len(readings), len(groups))
	return nil
}

func loadReadings(path string) ([]domain.RawReading, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var readings []domain.RawReading
	if err := json.Unmarshal(data, &readings); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(readings) == 0 {
		return nil, errors.New("fixture has no readings")
	}
	return readings, nil
}

// shiftToNow moves every timestamp by the same offset so the latest reading
// is stamped now.
func shiftToNow(readings []domain.RawReading, now time.Time) []domain.RawReading {
	var latest time.Time
	for _, r := range readings {
		if r.Timestamp.After(latest) {
			latest = r.Timestamp
		}
	}
	offset := now.Sub(latest)
	out := make([]domain.RawReading, len(readings))
	for i, r := range readings {
		r.Timestamp = r.Timestamp.Add(offset)
		out[i] = r
	}
	return out
}

func groupByTime(readings []domain.RawReading) [][]domain.RawReading {
	byTime := map[time.Time][]domain.RawReading{}
	for _, r := range readings {
		byTime[r.Timestamp] = append(byTime[r.Timestamp], r)
	}
	times := make([]time.Time, 0, len(byTime))
	for ts := range byTime {
		times = append(times, ts)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	groups := make([][]domain.RawReading, len(times))
	for i, ts := range times {
		groups[i] = byTime[ts]
	}
	return groups
}

type kafkaPublisher struct {
	w *kafkago.Writer
}

func newKafkaPublisher(brokers []string, topic string) *kafkaPublisher {
	return &kafkaPublisher{w: &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (p *kafkaPublisher) publish(ctx context.Context, readings []domain.RawReading) error {
	msgs := make([]kafkago.Message, 0, len(readings))
	for _, r := range readings {
		value, err := json.Marshal(r)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafkago.Message{Key: []byte(r.SensorID), Value: value, Time: r.Timestamp})
	}
	return p.w.WriteMessages(ctx, msgs...)
}

func (p *kafkaPublisher) close() error { return p.w.Close() }

type mqttPublisher struct {
	client pahomqtt.Client
}

func newMQTTPublisher(broker string) (*mqttPublisher, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("replay-%d", time.Now().UnixNano()))
	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, errors.New("mqtt connect: timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &mqttPublisher{client: client}, nil
}

func (p *mqttPublisher) publish(ctx context.Context, readings []domain.RawReading) error {
	for _, r := range readings {
		payload, err := json.Marshal(r)
		if err != nil {
			return err
		}
		token := p.client.Publish("sensors/"+r.SensorID+"/readings", 1, false, payload)
		select {
		case <-token.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := token.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (p *mqttPublisher) close() error {
	p.client.Disconnect(250)
	return nil
}
