package domain

import (
	"context"
	"strings"
	"time"
)

// SensorType identifies the physical quantity a sensor measures.
type SensorType string

const (
	SensorRain       SensorType = "rain"
	SensorWind       SensorType = "wind"
	SensorRiverLevel SensorType = "river_level"
	SensorSeismic    SensorType = "seismic"
	SensorCamera     SensorType = "camera"
	SensorAcoustic   SensorType = "acoustic"
)

// SensorTypes lists every supported sensor type in a stable order.
var SensorTypes = []SensorType{
	SensorRain, SensorWind, SensorRiverLevel, SensorSeismic, SensorCamera, SensorAcoustic,
}

// ParseSensorType folds the spellings used by field devices into a SensorType.
func ParseSensorType(s string) (SensorType, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(key)
	switch key {
	case "rain", "rainfall":
		return SensorRain, true
	case "wind":
		return SensorWind, true
	case "riverlevel", "river":
		return SensorRiverLevel, true
	case "seismic":
		return SensorSeismic, true
	case "camera":
		return SensorCamera, true
	case "acoustic":
		return SensorAcoustic, true
	default:
		return "", false
	}
}

// SensorStatus is the device-reported health of a sensor.
type SensorStatus string

const (
	StatusOnline  SensorStatus = "online"
	StatusOffline SensorStatus = "offline"
	StatusError   SensorStatus = "error"
)

// Geo is a WGS84 coordinate.
type Geo struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RawReading is the wire shape of a reading as published by ingestion sources.
type RawReading struct {
	SensorID  string    `json:"sensorId" validate:"required"`
	Name      string    `json:"name"`
	Type      string    `json:"type" validate:"required"`
	Value     *float64  `json:"value" validate:"required"`
	Unit      string    `json:"unit"`
	Lat       float64   `json:"lat" validate:"latitude"`
	Lon       float64   `json:"lon" validate:"longitude"`
	Accuracy  float64   `json:"accuracy" validate:"gte=0"`
	Status    string    `json:"status" validate:"omitempty,oneof=online offline error"`
	Timestamp time.Time `json:"timestamp"`
}

// SensorReading is a validated reading in canonical units. Readings are
// immutable; a newer reading from the same sensor supersedes it for scoring.
type SensorReading struct {
	SensorID   string       `json:"sensor_id"`
	Name       string       `json:"name,omitempty"`
	Type       SensorType   `json:"type"`
	Timestamp  time.Time    `json:"timestamp"`
	Value      float64      `json:"value"`
	Unit       string       `json:"unit"`
	Location   Geo          `json:"location"`
	Accuracy   float64      `json:"accuracy"`
	Status     SensorStatus `json:"status"`
	Stale      bool         `json:"stale"`
	ReceivedAt time.Time    `json:"received_at"`
}

// Usable reports whether the reading may feed a scorer.
func (r SensorReading) Usable() bool {
	return !r.Stale && r.Status == StatusOnline
}

// RawMessage is a message consumed from an ingestion transport.
type RawMessage struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Headers   map[string]string
	Commit    func(ctx context.Context) error
}

// OutboundMessage is a message to publish on an output topic.
type OutboundMessage struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}
