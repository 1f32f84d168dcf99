package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/observability"
)

// Options tune deduplication.
type Options struct {
	// RadiusM is the merge distance between an assessment and an alert.
	RadiusM float64
	// Window is the merge interval after an alert's last update.
	Window time.Duration
	// MinOpenCategory is the lowest category that opens a new alert.
	MinOpenCategory domain.Category
	// MaxRetries bounds optimistic-concurrency retries.
	MaxRetries int
}

// DefaultOptions merges within 500 m and 2 h and opens alerts from Moderate.
func DefaultOptions() Options {
	return Options{
		RadiusM:         500,
		Window:          2 * time.Hour,
		MinOpenCategory: domain.CategoryModerate,
		MaxRetries:      3,
	}
}

// Manager applies assessments, operator actions and incidents to alerts.
// Updates to the same cluster are serialized, and every write is guarded by
// the stored version.
type Manager struct {
	store   Store
	opts    Options
	logger  *slog.Logger
	metrics *observability.Metrics

	locks keyedMutex
	// matchMu makes the find-or-create decision atomic across clusters so two
	// neighbouring clusters cannot open duplicate alerts.
	matchMu sync.Mutex
}

// NewManager creates a Manager over store.
func NewManager(store Store, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	return &Manager{store: store, opts: opts, logger: logger, metrics: metrics}
}

// Apply merges a into the nearest active alert inside the dedup radius and
// window, or opens a new alert when none matches and a is at least
// MinOpenCategory. It returns the resulting events, which may be empty.
func (m *Manager) Apply(ctx context.Context, a domain.RiskAssessment) ([]Event, error) {
	unlock := m.locks.lock(a.ClusterID)
	defer unlock()

	for attempt := 0; attempt < m.opts.MaxRetries; attempt++ {
		events, err := m.applyOnce(ctx, a)
		if errors.Is(err, ErrVersionConflict) {
			m.logger.Debug("alert version conflict, retrying", "cluster_id", a.ClusterID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		m.record(events)
		return events, nil
	}
	return nil, fmt.Errorf("apply assessment %s: %w", a.ID, ErrVersionConflict)
}

func (m *Manager) applyOnce(ctx context.Context, a domain.RiskAssessment) ([]Event, error) {
	m.matchMu.Lock()
	defer m.matchMu.Unlock()

	active, err := m.store.ActiveAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active alerts: %w", err)
	}

	match, ok := m.nearest(active, a.Location.Geo, a.Time)
	if !ok {
		if a.Category.Level() < m.opts.MinOpenCategory.Level() {
			return nil, nil
		}
		alert := newAlert(a)
		if err := m.store.CreateAlert(ctx, alert); err != nil {
			return nil, fmt.Errorf("create alert: %w", err)
		}
		return []Event{{Kind: EventOpened, Alert: alert, At: a.Time}}, nil
	}

	expected := match.Version
	updated, kind := merge(match, a)
	if err := m.store.UpdateAlert(ctx, updated, expected); err != nil {
		return nil, err
	}
	return []Event{{Kind: kind, Alert: updated, At: a.Time}}, nil
}

// nearest returns the closest active alert within the radius whose last
// update is within the window of at.
func (m *Manager) nearest(alerts []Alert, g domain.Geo, at time.Time) (Alert, bool) {
	var inWindow []Alert
	for _, al := range alerts {
		gap := at.Sub(al.UpdatedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= m.opts.Window {
			inWindow = append(inWindow, al)
		}
	}
	return m.closest(inWindow, g)
}

// closest returns the active alert nearest to g within the radius.
func (m *Manager) closest(alerts []Alert, g domain.Geo) (Alert, bool) {
	var best Alert
	bestDist := -1.0
	for _, al := range alerts {
		if !al.State.Active() {
			continue
		}
		d := domain.DistanceMeters(al.Location.Geo, g)
		if d > m.opts.RadiusM {
			continue
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = al, d
		}
	}
	return best, bestDist >= 0
}

func newAlert(a domain.RiskAssessment) Alert {
	return Alert{
		ID:              uuid.NewString(),
		ClusterID:       a.ClusterID,
		Location:        a.Location,
		State:           StateOpen,
		Category:        a.Category,
		LatestCategory:  a.Category,
		RiskScore:       a.RiskScore,
		TrustScore:      a.TrustScore,
		Verified:        a.Verified(),
		AssessmentID:    a.ID,
		AssessmentCount: 1,
		OpenedAt:        a.Time,
		UpdatedAt:       a.Time,
		Version:         1,
		History: []Transition{{
			Kind:         EventOpened,
			To:           StateOpen,
			At:           a.Time,
			AssessmentID: a.ID,
		}},
	}
}

// merge folds a into al. A strictly more severe category escalates an OPEN
// or ESCALATED alert; CONFIRMED alerts absorb the assessment without
// changing state.
func merge(al Alert, a domain.RiskAssessment) (Alert, EventKind) {
	al = al.Clone()
	prev := al.Category

	al.AssessmentID = a.ID
	al.AssessmentCount++
	al.RiskScore = a.RiskScore
	al.LatestCategory = a.Category
	al.TrustScore = a.TrustScore
	al.Verified = al.Verified || a.Verified()
	if a.Time.After(al.UpdatedAt) {
		al.UpdatedAt = a.Time
	}
	al.Category = domain.MaxCategory(prev, a.Category)
	al.Version++

	kind := EventMerged
	if a.Category.Level() > prev.Level() && (al.State == StateOpen || al.State == StateEscalated) {
		kind = EventEscalated
		from := al.State
		al.State = StateEscalated
		al.History = append(al.History, Transition{
			Kind:         EventEscalated,
			From:         from,
			To:           StateEscalated,
			At:           a.Time,
			AssessmentID: a.ID,
			Reason:       fmt.Sprintf("category %s above %s", a.Category, prev),
		})
	}
	return al, kind
}

// Transition applies an operator action to an alert. Closing requires a
// reason recording that conditions normalized.
func (m *Manager) Transition(ctx context.Context, alertID string, action Action, actor, reason string) (Event, error) {
	current, err := m.store.GetAlert(ctx, alertID)
	if err != nil {
		return Event{}, err
	}
	unlock := m.locks.lock(current.ClusterID)
	defer unlock()

	for attempt := 0; attempt < m.opts.MaxRetries; attempt++ {
		al, err := m.store.GetAlert(ctx, alertID)
		if err != nil {
			return Event{}, err
		}
		next, kind, err := nextState(al.State, action)
		if err != nil {
			return Event{}, err
		}
		if action == ActionClose && reason == "" {
			return Event{}, ErrReasonRequired
		}

		now := domain.Now()
		expected := al.Version
		updated := al.Clone()
		updated.State = next
		updated.UpdatedAt = now
		updated.Version++
		updated.History = append(updated.History, Transition{
			Kind:   kind,
			From:   al.State,
			To:     next,
			At:     now,
			Actor:  actor,
			Reason: reason,
		})

		err = m.store.UpdateAlert(ctx, updated, expected)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Event{}, err
		}
		ev := Event{Kind: kind, Alert: updated, At: now}
		m.record([]Event{ev})
		m.logger.Info("alert transitioned", "alert_id", alertID, "from", al.State, "to", next, "actor", actor)
		return ev, nil
	}
	return Event{}, fmt.Errorf("transition alert %s: %w", alertID, ErrVersionConflict)
}

func nextState(from State, action Action) (State, EventKind, error) {
	switch {
	case action == ActionAcknowledge && from == StateEscalated:
		return StateOpen, EventAcknowledged, nil
	case action == ActionConfirm && (from == StateOpen || from == StateEscalated):
		return StateConfirmed, EventConfirmed, nil
	case action == ActionFalsePositive && from.Active():
		return StateFalsePositive, EventFalsePositive, nil
	case action == ActionClose && from == StateConfirmed:
		return StateClosed, EventClosed, nil
	default:
		return "", "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, from)
	}
}

// Corroborate attaches inc to the nearest active alert whose activity
// overlaps the incident start. It returns nil when no alert matches.
func (m *Manager) Corroborate(ctx context.Context, inc domain.Incident) (*Event, error) {
	m.matchMu.Lock()
	active, err := m.store.ActiveAlerts(ctx)
	m.matchMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("load active alerts: %w", err)
	}

	var candidates []Alert
	for _, al := range active {
		if inc.StartTime.Before(al.OpenedAt.Add(-m.opts.Window)) || inc.StartTime.After(al.UpdatedAt.Add(m.opts.Window)) {
			continue
		}
		candidates = append(candidates, al)
	}
	match, ok := m.closest(candidates, inc.Location)
	if !ok {
		return nil, nil
	}

	unlock := m.locks.lock(match.ClusterID)
	defer unlock()

	for attempt := 0; attempt < m.opts.MaxRetries; attempt++ {
		al, err := m.store.GetAlert(ctx, match.ID)
		if err != nil {
			return nil, err
		}
		if slices.Contains(al.Incidents, inc.ID) {
			return nil, nil
		}
		now := domain.Now()
		expected := al.Version
		updated := al.Clone()
		updated.Incidents = append(updated.Incidents, inc.ID)
		updated.UpdatedAt = maxTime(updated.UpdatedAt, now)
		updated.Version++
		updated.History = append(updated.History, Transition{
			Kind:       EventCorroborated,
			From:       al.State,
			To:         al.State,
			At:         now,
			Actor:      inc.Provider,
			Reason:     string(inc.Type),
			IncidentID: inc.ID,
		})
		err = m.store.UpdateAlert(ctx, updated, expected)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ev := Event{Kind: EventCorroborated, Alert: updated, At: now}
		m.record([]Event{ev})
		return &ev, nil
	}
	return nil, fmt.Errorf("corroborate alert %s: %w", match.ID, ErrVersionConflict)
}

func (m *Manager) record(events []Event) {
	for _, ev := range events {
		m.metrics.AlertEvents.WithLabelValues(string(ev.Kind)).Inc()
		m.logger.Info("alert event",
			"kind", ev.Kind,
			"alert_id", ev.Alert.ID,
			"cluster_id", ev.Alert.ClusterID,
			"state", ev.Alert.State,
			"category", ev.Alert.Category,
		)
	}
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// keyedMutex serializes work per key and forgets keys with no holders.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
