package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
)

// Near selects records within RadiusM meters of Geo.
type Near struct {
	Geo     domain.Geo
	RadiusM float64
}

// AlertFilter narrows ListAlerts. Zero fields do not filter.
type AlertFilter struct {
	ClusterID   string
	Near        *Near
	Category    domain.Category
	MinCategory domain.Category
	States      []State
	From, To    time.Time
	Limit       int
}

// AssessmentFilter narrows ListAssessments. Zero fields do not filter.
type AssessmentFilter struct {
	ClusterID   string
	Near        *Near
	Category    domain.Category
	MinCategory domain.Category
	From, To    time.Time
	Limit       int
}

// Store persists alerts and the assessment history.
type Store interface {
	ActiveAlerts(ctx context.Context) ([]Alert, error)
	GetAlert(ctx context.Context, id string) (Alert, error)
	CreateAlert(ctx context.Context, a Alert) error
	// UpdateAlert replaces a stored alert if its version equals expectedVersion,
	// otherwise it returns ErrVersionConflict.
	UpdateAlert(ctx context.Context, a Alert, expectedVersion int) error
	ListAlerts(ctx context.Context, f AlertFilter) ([]Alert, error)

	SaveAssessment(ctx context.Context, a domain.RiskAssessment) error
	GetAssessment(ctx context.Context, id string) (domain.RiskAssessment, error)
	ListAssessments(ctx context.Context, f AssessmentFilter) ([]domain.RiskAssessment, error)
	// UpdateNarrative attaches generated summary and narrative text; empty
	// arguments leave fields unchanged. Explanation is never modified.
	UpdateNarrative(ctx context.Context, id, summary, narrative string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu          sync.RWMutex
	alerts      map[string]Alert
	assessments []domain.RiskAssessment
	byID        map[string]int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]Alert),
		byID:   make(map[string]int),
	}
}

func (s *MemoryStore) ActiveAlerts(_ context.Context) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Alert
	for _, a := range s.alerts {
		if a.State.Active() {
			out = append(out, a.Clone())
		}
	}
	sortAlerts(out)
	return out, nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) CreateAlert(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; ok {
		return fmt.Errorf("alert %s already exists", a.ID)
	}
	s.alerts[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) UpdateAlert(_ context.Context, a Alert, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[a.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, a.ID)
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.alerts[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Alert
	for _, a := range s.alerts {
		if MatchAlert(a, f) {
			out = append(out, a.Clone())
		}
	}
	sortAlerts(out)
	return limit(out, f.Limit), nil
}

func (s *MemoryStore) SaveAssessment(_ context.Context, a domain.RiskAssessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[a.ID]; ok {
		return fmt.Errorf("assessment %s already exists", a.ID)
	}
	s.byID[a.ID] = len(s.assessments)
	s.assessments = append(s.assessments, a)
	return nil
}

func (s *MemoryStore) GetAssessment(_ context.Context, id string) (domain.RiskAssessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return domain.RiskAssessment{}, fmt.Errorf("%w: %s", ErrAssessmentNotFound, id)
	}
	return s.assessments[i], nil
}

func (s *MemoryStore) ListAssessments(_ context.Context, f AssessmentFilter) ([]domain.RiskAssessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.RiskAssessment
	for i := len(s.assessments) - 1; i >= 0; i-- {
		if MatchAssessment(s.assessments[i], f) {
			out = append(out, s.assessments[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	return limit(out, f.Limit), nil
}

func (s *MemoryStore) UpdateNarrative(_ context.Context, id, summary, narrative string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssessmentNotFound, id)
	}
	if summary != "" {
		s.assessments[i].Summary = summary
	}
	if narrative != "" {
		s.assessments[i].Narrative = narrative
	}
	return nil
}

// MatchAlert reports whether a satisfies f.
func MatchAlert(a Alert, f AlertFilter) bool {
	if f.ClusterID != "" && a.ClusterID != f.ClusterID {
		return false
	}
	if f.Near != nil && domain.DistanceMeters(a.Location.Geo, f.Near.Geo) > f.Near.RadiusM {
		return false
	}
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	if f.MinCategory != "" && a.Category.Level() < f.MinCategory.Level() {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, st := range f.States {
			if a.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && a.UpdatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.OpenedAt.After(f.To) {
		return false
	}
	return true
}

// MatchAssessment reports whether a satisfies f.
func MatchAssessment(a domain.RiskAssessment, f AssessmentFilter) bool {
	if f.ClusterID != "" && a.ClusterID != f.ClusterID {
		return false
	}
	if f.Near != nil && domain.DistanceMeters(a.Location.Geo, f.Near.Geo) > f.Near.RadiusM {
		return false
	}
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	if f.MinCategory != "" && a.Category.Level() < f.MinCategory.Level() {
		return false
	}
	if !f.From.IsZero() && a.Time.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.Time.After(f.To) {
		return false
	}
	return true
}

func sortAlerts(alerts []Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].UpdatedAt.Equal(alerts[j].UpdatedAt) {
			return alerts[i].UpdatedAt.After(alerts[j].UpdatedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
