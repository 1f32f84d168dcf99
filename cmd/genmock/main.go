// Command genmock generates the sensor-reading fixture used by the pipeline
// tests and the replay tool: a storm building over Sumida alongside a quiet
// Osaka cluster, plus readings the normalizer must reject. Every reading is
// run through the real normalizer so the printed stats match pipeline
// behavior.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock/sensor_readings.json
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
)

var scenarioStart = time.Date(2025, time.July, 14, 8, 20, 0, 0, time.UTC)

const (
	steps    = 21
	interval = 2 * time.Minute
)

// sensorDef describes one simulated sensor. value returns the reading at
// step i in the sensor's own unit.
type sensorDef struct {
	id, name, typ, unit string
	lat, lon            float64
	value               func(i float64) float64
}

var sensors = []sensorDef{
	{"sumida-rain-01", "Sumida Rain Gauge 1", "rain", "mm/h", 35.7101, 139.8011, func(i float64) float64 { return 2 + i*i*0.25 }},
	{"sumida-rain-02", "Sumida Rain Gauge 2", "rain", "in/h", 35.7109, 139.8019, func(i float64) float64 { return (3 + i*i*0.22) / 25.4 }},
	{"sumida-river-01", "Sumida River Level", "river_level", "cm", 35.7104, 139.8021, func(i float64) float64 { return 150 + i*i*1.6 }},
	{"sumida-wind-01", "Sumida Anemometer", "wind", "km/h", 35.7112, 139.8008, func(i float64) float64 { return 18 + i*2.5 }},
	{"osaka-rain-01", "Osaka Rain Gauge", "rain", "mm/h", 34.6937, 135.5023, func(i float64) float64 { return 1 + math.Mod(i, 3)*0.1 }},
	{"osaka-wind-01", "Osaka Anemometer", "wind", "m/s", 34.6941, 135.5019, func(i float64) float64 { return 4 + math.Mod(i, 2)*0.2 }},
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "output path for the reading fixture")
	flag.Parse()

	if *out == "" {
		flag.Usage()
		return errors.New("missing required flag: -out")
	}

	readings := generate()
	if err := writeJSON(*out, readings); err != nil {
		return fmt.Errorf("writing fixture: %w", err)
	}
	log.Printf("wrote fixture: %s (%d readings)", *out, len(readings))

	printStats(readings)
	return nil
}

func generate() []domain.RawReading {
	out := make([]domain.RawReading, 0, steps*len(sensors)+2)
	for i := range steps {
		ts := scenarioStart.Add(time.Duration(i) * interval)
		for _, s := range sensors {
			out = append(out, reading(s.id, s.name, s.typ, s.unit, s.lat, s.lon, round3(s.value(float64(i))), "online", ts))
		}
	}

	// One faulty gauge and one unsupported sensor type, both rejected.
	last := scenarioStart.Add((steps - 1) * interval)
	out = append(out,
		reading("sumida-rain-99", "Faulty Gauge", "rain", "mm/h", 35.7101, 139.8011, 9999, "error", last),
		reading("sumida-uv-01", "UV Meter", "uv", "index", 35.7101, 139.8011, 7, "online", last),
	)
	return out
}

func reading(id, name, typ, unit string, lat, lon, value float64, status string, ts time.Time) domain.RawReading {
	return domain.RawReading{
		SensorID:  id,
		Name:      name,
		Type:      typ,
		Value:     &value,
		Unit:      unit,
		Lat:       lat,
		Lon:       lon,
		Accuracy:  5,
		Status:    status,
		Timestamp: ts,
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}

func printStats(readings []domain.RawReading) {
	n := domain.NewNormalizer()
	clock := clockwork.NewFakeClockAt(scenarioStart)
	domain.SetClock(clock)
	defer domain.SetClock(nil)

	accepted := map[domain.SensorType]int{}
	rejected := map[string]int{}
	for _, r := range readings {
		clock.Advance(r.Timestamp.Sub(clock.Now()))
		norm, err := n.Normalize(r)
		if err != nil {
			var nerr *domain.NormalizationError
			if errors.As(err, &nerr) {
				rejected[nerr.Field]++
			} else {
				rejected["structure"]++
			}
			continue
		}
		accepted[norm.Type]++
	}

	fmt.Println("\n=== Stats for updating test assertions ===")
	fmt.Printf("Total: %d\n", len(readings))
	for _, t := range domain.SensorTypes {
		if accepted[t] > 0 {
			fmt.Printf("Accepted %s: %d\n", t, accepted[t])
		}
	}
	fields := make([]string, 0, len(rejected))
	for f := range rejected {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		fmt.Printf("Rejected on %s: %d\n", f, rejected[f])
	}
}
