// Package lifecycle deduplicates risk assessments into alerts and drives the
// alert state machine:
//
//	OPEN ──escalate──▶ ESCALATED ──acknowledge──▶ OPEN
//	OPEN | ESCALATED ──confirm──▶ CONFIRMED ──close──▶ CLOSED
//	OPEN | ESCALATED | CONFIRMED ──false_positive──▶ FALSE_POSITIVE
//
// FALSE_POSITIVE and CLOSED are terminal. Alerts never expire on their own.
package lifecycle

import (
	"errors"
	"slices"
	"time"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
)

var (
	ErrAlertNotFound      = errors.New("alert not found")
	ErrAssessmentNotFound = errors.New("assessment not found")
	ErrInvalidTransition  = errors.New("invalid alert transition")
	ErrVersionConflict    = errors.New("alert was modified concurrently")
	ErrReasonRequired     = errors.New("a reason is required to close an alert")
)

// State is the lifecycle state of an alert.
type State string

const (
	StateOpen          State = "OPEN"
	StateEscalated     State = "ESCALATED"
	StateConfirmed     State = "CONFIRMED"
	StateFalsePositive State = "FALSE_POSITIVE"
	StateClosed        State = "CLOSED"
)

// Active reports whether new assessments may merge into an alert in state s.
func (s State) Active() bool {
	return s == StateOpen || s == StateEscalated || s == StateConfirmed
}

// Action is an operator command on an alert.
type Action string

const (
	ActionAcknowledge   Action = "acknowledge"
	ActionConfirm       Action = "confirm"
	ActionFalsePositive Action = "false_positive"
	ActionClose         Action = "close"
)

// EventKind names what happened to an alert.
type EventKind string

const (
	EventOpened        EventKind = "opened"
	EventMerged        EventKind = "merged"
	EventEscalated     EventKind = "escalated"
	EventAcknowledged  EventKind = "acknowledged"
	EventConfirmed     EventKind = "confirmed"
	EventFalsePositive EventKind = "false_positive"
	EventClosed        EventKind = "closed"
	EventCorroborated  EventKind = "corroborated"
)

// Transition is one append-only history entry.
type Transition struct {
	Kind         EventKind `json:"kind"`
	From         State     `json:"from,omitempty"`
	To           State     `json:"to"`
	At           time.Time `json:"at"`
	Actor        string    `json:"actor,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	AssessmentID string    `json:"assessment_id,omitempty"`
	IncidentID   string    `json:"incident_id,omitempty"`
}

// Alert groups assessments of the same hazard at roughly the same place and
// time. Category is the most severe category merged so far; RiskScore and
// LatestCategory track the newest assessment.
type Alert struct {
	ID              string          `json:"id"`
	ClusterID       string          `json:"cluster_id"`
	Location        domain.Location `json:"location"`
	State           State           `json:"state"`
	Category        domain.Category `json:"category"`
	LatestCategory  domain.Category `json:"latest_category"`
	RiskScore       int             `json:"risk_score"`
	TrustScore      *float64        `json:"trust_score,omitempty"`
	Verified        bool            `json:"verified"`
	AssessmentID    string          `json:"assessment_id"`
	AssessmentCount int             `json:"assessment_count"`
	Incidents       []string        `json:"incidents,omitempty"`
	OpenedAt        time.Time       `json:"opened_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Version         int             `json:"version"`
	History         []Transition    `json:"history"`
}

// Clone returns a deep copy so callers cannot mutate stored history.
func (a Alert) Clone() Alert {
	a.History = slices.Clone(a.History)
	a.Incidents = slices.Clone(a.Incidents)
	if a.TrustScore != nil {
		v := *a.TrustScore
		a.TrustScore = &v
	}
	return a
}

// Event is published for every change to an alert.
type Event struct {
	Kind  EventKind `json:"kind"`
	Alert Alert     `json:"alert"`
	At    time.Time `json:"at"`
}
