package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
)

const tuningYAML = `
weights:
  trend: 30
  fusion: 30
  outlier: 20
  forecast: 20
thresholds: {moderate: 40, high: 70, severe: 85}
integrity_floor: 0.9
`

func TestParseTuning(t *testing.T) {
	s, err := ParseTuning([]byte(tuningYAML))
	require.NoError(t, err)

	assert.Equal(t, domain.WeightConfig{
		domain.ComponentTrend:    30,
		domain.ComponentFusion:   30,
		domain.ComponentOutlier:  20,
		domain.ComponentForecast: 20,
	}, s.Weights)
	assert.Equal(t, domain.ThresholdConfig{Moderate: 40, High: 70, Severe: 85}, s.Thresholds)
	assert.InDelta(t, 0.9, s.IntegrityFloor, 1e-12)
	assert.InDelta(t, domain.DefaultContributionFloor, s.ContributionFloor, 1e-12, "unset fields keep defaults")
}

func TestParseTuning_EmptyUsesDefaults(t *testing.T) {
	s, err := ParseTuning(nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultSettings(), s)
}

func TestParseTuning_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown field":       "weigths: {trend: 100}",
		"weights off 100":     "weights: {trend: 50, fusion: 25}",
		"unknown component":   "weights: {trend: 60, sentiment: 40}",
		"thresholds inverted": "thresholds: {moderate: 80, high: 70, severe: 90}",
		"floor out of range":  "contribution_floor: 1.5",
		"malformed":           "weights: [1, 2",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTuning([]byte(doc))
			var cerr *domain.ConfigurationError
			require.ErrorAs(t, err, &cerr)
		})
	}
}

func TestLoadTuning_MissingFile(t *testing.T) {
	_, err := LoadTuning(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWatchTuning_ReloadsValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("integrity_floor: 0.8\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan domain.Settings, 4)
	apply := func(_ context.Context, s domain.Settings) error {
		applied <- s
		return nil
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	done := make(chan error, 1)
	go func() { done <- WatchTuning(ctx, path, apply, logger) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("contribution_floor: 0.5\n"), 0o600))

	select {
	case s := <-applied:
		assert.InDelta(t, 0.5, s.ContributionFloor, 1e-12)
	case <-time.After(5 * time.Second):
		t.Fatal("tuning change not applied")
	}

	// An invalid file is skipped.
	require.NoError(t, os.WriteFile(path, []byte("contribution_floor: 7\n"), 0o600))
	select {
	case s := <-applied:
		t.Fatalf("invalid tuning applied: %+v", s)
	case <-time.After(tuningDebounce * 3):
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
