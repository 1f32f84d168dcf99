package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/observability"
)

// ConfigStore holds the active Settings. Readers never block; an invalid
// update is rejected and the previous settings stay in force.
type ConfigStore struct {
	current atomic.Pointer[domain.Settings]
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewConfigStore validates initial and makes it current.
func NewConfigStore(initial domain.Settings, logger *slog.Logger, metrics *observability.Metrics) (*ConfigStore, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	c := &ConfigStore{logger: logger, metrics: metrics}
	s := initial.Clone()
	c.current.Store(&s)
	return c, nil
}

// Current returns a copy of the active settings.
func (c *ConfigStore) Current() domain.Settings {
	return c.current.Load().Clone()
}

// Update validates next and swaps it in. Scoring rounds already in progress
// keep the settings they started with.
func (c *ConfigStore) Update(_ context.Context, next domain.Settings) error {
	if err := next.Validate(); err != nil {
		c.metrics.ConfigUpdates.WithLabelValues("rejected").Inc()
		c.logger.Warn("configuration update rejected", "error", err)
		return err
	}
	s := next.Clone()
	c.current.Store(&s)
	c.metrics.ConfigUpdates.WithLabelValues("applied").Inc()
	c.logger.Info("configuration updated",
		"weights", s.Weights,
		"thresholds", s.Thresholds,
		"contribution_floor", s.ContributionFloor,
		"integrity_floor", s.IntegrityFloor,
	)
	return nil
}

// VerificationRegistry keeps the latest physical verification per cluster.
type VerificationRegistry struct {
	maxAge time.Duration

	mu        sync.RWMutex
	byCluster map[string]domain.Verification
}

// NewVerificationRegistry ignores verifications older than maxAge.
func NewVerificationRegistry(maxAge time.Duration) *VerificationRegistry {
	return &VerificationRegistry{maxAge: maxAge, byCluster: make(map[string]domain.Verification)}
}

// Put records v for a cluster unless a newer observation is already held.
func (r *VerificationRegistry) Put(clusterID string, v domain.Verification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byCluster[clusterID]; ok && cur.ObservedAt.After(v.ObservedAt) {
		return
	}
	r.byCluster[clusterID] = v
}

// Get returns the cluster's verification if it is fresh at asOf.
func (r *VerificationRegistry) Get(clusterID string, asOf time.Time) *domain.Verification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byCluster[clusterID]
	if !ok {
		return nil
	}
	if r.maxAge > 0 && asOf.Sub(v.ObservedAt) > r.maxAge {
		return nil
	}
	return &v
}
