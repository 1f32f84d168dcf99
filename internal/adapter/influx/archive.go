// Package influx archives every normalized sensor reading to InfluxDB,
// including stale and offline readings, so scoring inputs can be audited.
package influx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/couchcryptid/hazard-risk-engine/internal/config"
	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
)

const measurement = "sensor_reading"

// pointWriter is the subset of api.WriteAPIBlocking used by Archiver.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Archiver writes readings as points tagged by cluster, sensor and type.
// It implements engine.Archiver.
type Archiver struct {
	client influxdb2.Client
	writer pointWriter
	logger *slog.Logger
}

// NewArchiver connects to the configured InfluxDB bucket.
func NewArchiver(cfg *config.Config, logger *slog.Logger) *Archiver {
	client := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
	return &Archiver{
		client: client,
		writer: client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket),
		logger: logger,
	}
}

// Ping reports whether the InfluxDB server is healthy.
func (a *Archiver) Ping(ctx context.Context) error {
	health, err := a.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influx health: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("influx health: status %s", health.Status)
	}
	return nil
}

// Archive writes r with the reading's own timestamp.
func (a *Archiver) Archive(ctx context.Context, clusterID string, r domain.SensorReading) error {
	if err := a.writer.WritePoint(ctx, toPoint(clusterID, r)); err != nil {
		return fmt.Errorf("archive reading %s: %w", r.SensorID, err)
	}
	return nil
}

func (a *Archiver) Close() {
	if a.client != nil {
		a.client.Close()
	}
}

func toPoint(clusterID string, r domain.SensorReading) *write.Point {
	return influxdb2.NewPoint(
		measurement,
		map[string]string{
			"cluster_id": clusterID,
			"sensor_id":  r.SensorID,
			"type":       string(r.Type),
			"status":     string(r.Status),
		},
		map[string]any{
			"value":       r.Value,
			"unit":        r.Unit,
			"lat":         r.Location.Lat,
			"lon":         r.Location.Lon,
			"accuracy":    r.Accuracy,
			"stale":       r.Stale,
			"received_at": r.ReceivedAt.Format(time.RFC3339Nano),
		},
		r.Timestamp,
	)
}
