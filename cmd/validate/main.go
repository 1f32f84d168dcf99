// Command validate checks a tuning file and a reading fixture before they
// are deployed or committed. It runs the fixture through the normalizer and
// the full engine under a replayed clock and verifies the resulting
// assessments.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -readings data/mock/sensor_readings.json \
//	  -tuning deploy/tuning.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/hazard-risk-engine/internal/config"
	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/engine"
	"github.com/couchcryptid/hazard-risk-engine/internal/lifecycle"
	"github.com/couchcryptid/hazard-risk-engine/internal/observability"
	"github.com/couchcryptid/hazard-risk-engine/internal/scoring"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	readingsPath := flag.String("readings", "", "path to a reading fixture (JSON array)")
	tuningPath := flag.String("tuning", "", "path to a tuning YAML file (optional)")
	flag.Parse()

	if *readingsPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	os.Exit(run(*readingsPath, *tuningPath))
}

func run(readingsPath, tuningPath string) int {
	fmt.Println("=== Risk Engine Fixture Validation ===")
	fmt.Println()

	readings, err := loadJSON[domain.RawReading](readingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load readings: %v\n", err)
		return 1
	}
	sort.SliceStable(readings, func(i, j int) bool { return readings[i].Timestamp.Before(readings[j].Timestamp) })

	tuning, settings := validateTuning(tuningPath)
	normalized, accepted := validateNormalization(readings)
	phases := []*phase{
		tuning,
		normalized,
		validateSensorConsistency(readings),
		validateAssessments(readings, accepted, settings),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Readings: %d total, %d accepted\n", len(readings), len(accepted))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

func loadJSON[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.New("no records")
	}
	return items, nil
}

// ── Phase 1: Tuning ──

func validateTuning(path string) (*phase, domain.Settings) {
	p := &phase{name: "Phase 1: Tuning file"}
	if path == "" {
		return p, domain.DefaultSettings()
	}
	s, err := config.LoadTuning(path)
	if err != nil {
		p.errorf("%v", err)
		return p, domain.DefaultSettings()
	}
	return p, s
}

// ── Phase 2: Normalization ──
// Every reading is normalized with the clock set to its own timestamp.
// Rejections are reported but only structural failures fail the phase.

func validateNormalization(readings []domain.RawReading) (*phase, map[string]bool) {
	p := &phase{name: "Phase 2: Normalization"}
	accepted := map[string]bool{}

	n := domain.NewNormalizer()
	clock := clockwork.NewFakeClockAt(readings[0].Timestamp)
	domain.SetClock(clock)
	defer domain.SetClock(nil)

	for i, r := range readings {
		if r.Timestamp.After(clock.Now()) {
			clock.Advance(r.Timestamp.Sub(clock.Now()))
		}
		if _, err := n.Normalize(r); err != nil {
			var nerr *domain.NormalizationError
			if !errors.As(err, &nerr) {
				p.errorf("reading %d (%s): %v", i, r.SensorID, err)
				continue
			}
			fmt.Printf("  Note: reading %d (%s) rejected on %s: %s\n", i, r.SensorID, nerr.Field, nerr.Reason)
			continue
		}
		accepted[r.SensorID] = true
	}
	if len(accepted) == 0 {
		p.errorf("no reading was accepted")
	}
	return p, accepted
}

// ── Phase 3: Sensor consistency ──
// A sensor keeps one type and one cluster for the whole fixture.

func validateSensorConsistency(readings []domain.RawReading) *phase {
	p := &phase{name: "Phase 3: Sensor consistency"}
	type identity struct{ typ, cluster string }
	seen := map[string]identity{}
	for i, r := range readings {
		id := identity{r.Type, domain.ClusterKey(domain.Geo{Lat: r.Lat, Lon: r.Lon}, domain.DefaultCellDegrees)}
		prev, ok := seen[r.SensorID]
		if !ok {
			seen[r.SensorID] = id
			continue
		}
		if prev.typ != id.typ {
			p.errorf("reading %d: sensor %s changes type %q -> %q", i, r.SensorID, prev.typ, id.typ)
		}
		if prev.cluster != id.cluster {
			p.errorf("reading %d: sensor %s moves cluster %s -> %s", i, r.SensorID, prev.cluster, id.cluster)
		}
	}
	return p
}

// ── Phase 4: Assessments ──
// Replays the fixture through the engine one timestamp at a time.

func validateAssessments(readings []domain.RawReading, accepted map[string]bool, settings domain.Settings) *phase {
	p := &phase{name: "Phase 4: Engine assessments"}

	clock := clockwork.NewFakeClockAt(readings[0].Timestamp)
	domain.SetClock(clock)
	defer domain.SetClock(nil)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()
	cfg, err := engine.NewConfigStore(settings, logger, metrics)
	if err != nil {
		p.errorf("settings: %v", err)
		return p
	}
	store := lifecycle.NewMemoryStore()
	eng := engine.New(engine.Deps{
		Runner:    scoring.NewRunner(scoring.DefaultScorers(scoring.NewHoltForecaster()), time.Second, logger, metrics),
		Config:    cfg,
		Lifecycle: lifecycle.NewManager(store, lifecycle.DefaultOptions(), logger, metrics),
		Store:     store,
		Logger:    logger,
		Metrics:   metrics,
	}, engine.DefaultOptions())

	ctx := context.Background()
	var results []engine.Result
	for start := 0; start < len(readings); {
		ts := readings[start].Timestamp
		end := start
		touched := map[string]bool{}
		var clusters []string
		for end < len(readings) && readings[end].Timestamp.Equal(ts) {
			if ts.After(clock.Now()) {
				clock.Advance(ts.Sub(clock.Now()))
			}
			if _, id, err := eng.Ingest(ctx, readings[end]); err == nil && !touched[id] {
				touched[id] = true
				clusters = append(clusters, id)
			}
			end++
		}
		results = append(results, eng.AssessClusters(ctx, clusters)...)
		start = end
	}

	if len(results) == 0 {
		p.errorf("no assessments produced")
	}
	for _, res := range results {
		checkAssessment(p, res.Assessment, accepted, settings.Thresholds)
	}

	alerts, err := store.ListAlerts(ctx, lifecycle.AlertFilter{})
	if err != nil {
		p.errorf("list alerts: %v", err)
	}
	fmt.Printf("  Assessments: %d, alerts: %d\n", len(results), len(alerts))
	return p
}

func checkAssessment(p *phase, a domain.RiskAssessment, accepted map[string]bool, t domain.ThresholdConfig) {
	if a.ID == "" {
		p.errorf("assessment for %s has no id", a.ClusterID)
	}
	if a.RiskScore < 0 || a.RiskScore > 100 {
		p.errorf("assessment %s: score %d out of range", a.ID, a.RiskScore)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		p.errorf("assessment %s: confidence %g out of range", a.ID, a.Confidence)
	}
	if want := t.Categorize(a.RiskScore); a.StatisticalCategory != want {
		p.errorf("assessment %s: score %d categorized %s, want %s", a.ID, a.RiskScore, a.StatisticalCategory, want)
	}
	if a.Verification == nil && a.Category != a.StatisticalCategory {
		p.errorf("assessment %s: category %s differs from %s without verification", a.ID, a.Category, a.StatisticalCategory)
	}
	for _, id := range a.ContributingSensors {
		if !accepted[id] {
			p.errorf("assessment %s: contributing sensor %s was never accepted", a.ID, id)
		}
	}
	if a.Explanation == "" {
		p.errorf("assessment %s: empty explanation", a.ID)
	}
}
