package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultMaxFutureSkew bounds how far ahead of the ingestion clock a reading may be stamped.
const DefaultMaxFutureSkew = 5 * time.Minute

// NormalizationError describes why a raw reading was rejected.
type NormalizationError struct {
	SensorID string
	Field    string
	Reason   string
}

func (e *NormalizationError) Error() string {
	if e.SensorID == "" {
		return fmt.Sprintf("normalize reading: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("normalize reading %s: %s: %s", e.SensorID, e.Field, e.Reason)
}

type valueRange struct {
	min, max float64
}

// canonicalUnits maps each type to the unit its values are stored in.
var canonicalUnits = map[SensorType]string{
	SensorRain:       "mm/h",
	SensorWind:       "m/s",
	SensorRiverLevel: "m",
	SensorSeismic:    "g",
	SensorCamera:     "state",
	SensorAcoustic:   "dB",
}

// unitFactors converts an accepted unit (lower-cased) to the canonical unit.
var unitFactors = map[SensorType]map[string]float64{
	SensorRain:       {"mm/h": 1, "mm/hr": 1, "in/h": 25.4, "in/hr": 25.4},
	SensorWind:       {"m/s": 1, "km/h": 1 / 3.6, "kmh": 1 / 3.6, "mph": 0.44704, "kt": 0.514444, "kn": 0.514444},
	SensorRiverLevel: {"m": 1, "cm": 0.01, "ft": 0.3048},
	SensorSeismic:    {"g": 1, "gal": 1 / 980.665},
	SensorCamera:     {"state": 1},
	SensorAcoustic:   {"db": 1},
}

var valueRanges = map[SensorType]valueRange{
	SensorRain:       {0, 500},
	SensorWind:       {0, 120},
	SensorRiverLevel: {-20, 100},
	SensorSeismic:    {0, 10},
	SensorCamera:     {0, 1},
	SensorAcoustic:   {0, 200},
}

// DefaultFreshness returns the per-type freshness windows.
func DefaultFreshness() map[SensorType]time.Duration {
	return map[SensorType]time.Duration{
		SensorRain:       15 * time.Minute,
		SensorWind:       15 * time.Minute,
		SensorRiverLevel: 15 * time.Minute,
		SensorSeismic:    60 * time.Minute,
		SensorCamera:     10 * time.Minute,
		SensorAcoustic:   10 * time.Minute,
	}
}

// Normalizer validates raw readings and converts them to canonical units.
// It is safe for concurrent use.
type Normalizer struct {
	MaxFutureSkew time.Duration
	Freshness     map[SensorType]time.Duration

	validate *validator.Validate
}

// NewNormalizer creates a Normalizer with default skew and freshness windows.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		MaxFutureSkew: DefaultMaxFutureSkew,
		Freshness:     DefaultFreshness(),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Normalize validates raw and returns the canonical reading. Readings outside
// their freshness window are returned with Stale set rather than rejected.
func (n *Normalizer) Normalize(raw RawReading) (SensorReading, error) {
	if err := n.checkStructure(raw); err != nil {
		return SensorReading{}, err
	}

	reject := func(field, reason string) (SensorReading, error) {
		return SensorReading{}, &NormalizationError{SensorID: raw.SensorID, Field: field, Reason: reason}
	}

	sensorType, ok := ParseSensorType(raw.Type)
	if !ok {
		return reject("type", fmt.Sprintf("unknown sensor type %q", raw.Type))
	}

	value := *raw.Value
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return reject("value", "not a finite number")
	}

	unit := strings.ToLower(strings.TrimSpace(raw.Unit))
	factor := 1.0
	if unit != "" {
		f, ok := unitFactors[sensorType][unit]
		if !ok {
			return reject("unit", fmt.Sprintf("unit %q not accepted for %s", raw.Unit, sensorType))
		}
		factor = f
	}
	value *= factor

	r := valueRanges[sensorType]
	if value < r.min || value > r.max {
		return reject("value", fmt.Sprintf("%g %s outside [%g, %g]", value, canonicalUnits[sensorType], r.min, r.max))
	}

	if raw.Timestamp.IsZero() {
		return reject("timestamp", "required")
	}
	now := Now()
	ts := raw.Timestamp.UTC()
	if ts.After(now.Add(n.MaxFutureSkew)) {
		return reject("timestamp", fmt.Sprintf("%s is ahead of ingestion clock", ts.Format(time.RFC3339)))
	}

	status := SensorStatus(raw.Status)
	if status == "" {
		status = StatusOnline
	}

	return SensorReading{
		SensorID:   raw.SensorID,
		Name:       raw.Name,
		Type:       sensorType,
		Timestamp:  ts,
		Value:      value,
		Unit:       canonicalUnits[sensorType],
		Location:   Geo{Lat: raw.Lat, Lon: raw.Lon},
		Accuracy:   raw.Accuracy,
		Status:     status,
		Stale:      n.isStale(sensorType, ts, now),
		ReceivedAt: now,
	}, nil
}

func (n *Normalizer) isStale(t SensorType, ts, now time.Time) bool {
	window, ok := n.Freshness[t]
	if !ok {
		return false
	}
	return now.Sub(ts) > window
}

func (n *Normalizer) checkStructure(raw RawReading) error {
	for field, v := range map[string]float64{"lat": raw.Lat, "lon": raw.Lon, "accuracy": raw.Accuracy} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &NormalizationError{SensorID: raw.SensorID, Field: field, Reason: "not a finite number"}
		}
	}

	err := n.validate.Struct(raw)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &NormalizationError{
			SensorID: raw.SensorID,
			Field:    jsonFieldName(fe.Field()),
			Reason:   fmt.Sprintf("failed %q validation", fe.Tag()),
		}
	}
	return &NormalizationError{SensorID: raw.SensorID, Field: "reading", Reason: err.Error()}
}

func jsonFieldName(structField string) string {
	switch structField {
	case "SensorID":
		return "sensorId"
	default:
		return strings.ToLower(structField)
	}
}
