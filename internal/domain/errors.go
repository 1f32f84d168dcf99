package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoConfidentScores is returned when every component reported zero confidence.
	ErrNoConfidentScores = errors.New("no component reported confidence above zero")

	// ErrInvalidInput wraps rejected verifications and incident reports.
	ErrInvalidInput = errors.New("invalid input")
)

// ConfigurationError reports invalid weights, thresholds or floors, and
// aggregation attempts that cannot produce a score.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ScorerTimeoutError records a component scorer that missed its deadline.
type ScorerTimeoutError struct {
	Component Component
	Timeout   time.Duration
}

func (e *ScorerTimeoutError) Error() string {
	return fmt.Sprintf("scorer %s exceeded %s", e.Component, e.Timeout)
}
