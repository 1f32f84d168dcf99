package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
)

// tuningDebounce collapses the burst of events editors emit on save.
const tuningDebounce = 250 * time.Millisecond

// LoadTuning reads a YAML tuning file. Fields missing from the file keep
// their default values; unknown fields are rejected.
//
//	weights:
//	  trend: 40
//	  fusion: 25
//	  outlier: 20
//	  forecast: 15
//	thresholds: {moderate: 50, high: 75, severe: 90}
//	contribution_floor: 0.25
//	integrity_floor: 0.8
func LoadTuning(path string) (domain.Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("read tuning file: %w", err)
	}
	return ParseTuning(data)
}

// ParseTuning decodes and validates tuning YAML.
func ParseTuning(data []byte) (domain.Settings, error) {
	s := domain.DefaultSettings()
	var overlay domain.Settings
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&overlay); err != nil && !errors.Is(err, io.EOF) {
		return domain.Settings{}, &domain.ConfigurationError{Reason: "invalid tuning YAML", Err: err}
	}
	if overlay.Weights != nil {
		s.Weights = overlay.Weights
	}
	if overlay.Thresholds != (domain.ThresholdConfig{}) {
		s.Thresholds = overlay.Thresholds
	}
	if overlay.ContributionFloor != 0 {
		s.ContributionFloor = overlay.ContributionFloor
	}
	if overlay.IntegrityFloor != 0 {
		s.IntegrityFloor = overlay.IntegrityFloor
	}
	if err := s.Validate(); err != nil {
		return domain.Settings{}, err
	}
	return s, nil
}

// WatchTuning reloads path whenever it changes and passes the result to
// apply. Invalid files are logged and skipped, leaving the previous settings
// in force. It blocks until ctx is cancelled.
func WatchTuning(ctx context.Context, path string, apply func(context.Context, domain.Settings) error, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create tuning watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and config-map mounts replace the file
	// rather than writing it in place.
	dir, name := filepath.Split(filepath.Clean(path))
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	reload := func() {
		s, err := LoadTuning(path)
		if err != nil {
			logger.Warn("tuning file rejected", "path", path, "error", err)
			return
		}
		if err := apply(ctx, s); err != nil {
			logger.Warn("tuning update rejected", "path", path, "error", err)
			return
		}
		logger.Info("tuning file reloaded", "path", path)
	}

	timer := time.NewTimer(tuningDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(tuningDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("tuning watcher error", "error", err)
		case <-timer.C:
			reload()
		}
	}
}
