// Package scoring computes the per-component risk sub-scores for a cluster of
// co-located sensors. Scorers never fail: missing or insufficient data is
// reported as zero confidence.
package scoring

import (
	"context"
	"sort"
	"time"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
)

// Window is the data a scorer sees for one cluster at one instant.
type Window struct {
	ClusterID string
	AsOf      time.Time
	// Readings are usable readings inside the evaluation span, oldest first.
	Readings []domain.SensorReading
	// Baseline are usable readings preceding the evaluation span, oldest first.
	Baseline []domain.SensorReading
}

// Scorer produces one component score. Implementations must be safe for
// concurrent use and should return promptly once ctx is done.
type Scorer interface {
	Component() domain.Component
	Score(ctx context.Context, w Window) domain.ComponentScore
}

// latestBySensor returns the newest reading of each sensor in readings.
func latestBySensor(readings []domain.SensorReading) map[string]domain.SensorReading {
	out := make(map[string]domain.SensorReading)
	for _, r := range readings {
		if cur, ok := out[r.SensorID]; !ok || !r.Timestamp.Before(cur.Timestamp) {
			out[r.SensorID] = r
		}
	}
	return out
}

// typeLevel is the current level of one sensor type within a cluster.
type typeLevel struct {
	value   float64
	at      time.Time
	sensors []string
}

// currentLevels reduces the latest reading of each sensor to the maximum per
// type, which is the conservative reading for hazard scoring.
func currentLevels(readings []domain.SensorReading) map[domain.SensorType]typeLevel {
	out := make(map[domain.SensorType]typeLevel)
	for _, r := range latestBySensor(readings) {
		lvl, ok := out[r.Type]
		if !ok || r.Value > lvl.value {
			lvl.value = r.Value
			lvl.at = r.Timestamp
		}
		lvl.sensors = append(lvl.sensors, r.SensorID)
		out[r.Type] = lvl
	}
	for t, lvl := range out {
		sort.Strings(lvl.sensors)
		out[t] = lvl
	}
	return out
}

// seriesBySensor groups readings per sensor, each series oldest first.
func seriesBySensor(readings []domain.SensorReading) map[string][]domain.SensorReading {
	out := make(map[string][]domain.SensorReading)
	for _, r := range readings {
		out[r.SensorID] = append(out[r.SensorID], r)
	}
	for id, s := range out {
		sort.SliceStable(s, func(i, j int) bool { return s[i].Timestamp.Before(s[j].Timestamp) })
		out[id] = s
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
