package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/lifecycle"
	"github.com/couchcryptid/hazard-risk-engine/internal/textgen"
)

const maxBodyBytes = 1 << 20

// Operator applies operator and external-feed input to alerts.
// *engine.Engine implements it.
type Operator interface {
	Transition(ctx context.Context, alertID string, action lifecycle.Action, actor, reason string) (lifecycle.Event, error)
	Corroborate(ctx context.Context, inc domain.Incident) (*lifecycle.Event, error)
	RecordVerification(at domain.Geo, v domain.Verification) (string, error)
}

// SettingsStore holds the live scoring settings.
type SettingsStore interface {
	Current() domain.Settings
	Update(ctx context.Context, next domain.Settings) error
}

// Queries reads alerts and the assessment history.
type Queries interface {
	GetAlert(ctx context.Context, id string) (lifecycle.Alert, error)
	ListAlerts(ctx context.Context, f lifecycle.AlertFilter) ([]lifecycle.Alert, error)
	GetAssessment(ctx context.Context, id string) (domain.RiskAssessment, error)
	ListAssessments(ctx context.Context, f lifecycle.AssessmentFilter) ([]domain.RiskAssessment, error)
}

// EventPublisher forwards alert events produced by API calls downstream.
type EventPublisher interface {
	PublishEvents(ctx context.Context, events []lifecycle.Event) error
}

// TextService generates recipient messages and operator advice.
type TextService interface {
	Personalize(ctx context.Context, req textgen.MessageRequest) (string, error)
	Advise(ctx context.Context, req textgen.AdviceRequest) (string, error)
}

// API bundles the dependencies of the /api/v1 routes.
type API struct {
	Operator    Operator
	Settings    SettingsStore
	Queries     Queries
	Publisher   EventPublisher
	Text        TextService
	Sensors     SensorDirectory
	CORSOrigins []string
}

var errUnavailable = errors.New("not configured")

var validate = validator.New(validator.WithRequiredStructEnabled())

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	if s.api.Settings == nil {
		s.writeError(w, errUnavailable)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, s.api.Settings.Current())
}

// settingsUpdate is the PUT /api/v1/config body. Weights replace the whole
// map when present; the other fields overlay the current settings.
type settingsUpdate struct {
	Weights           domain.WeightConfig     `json:"weights"`
	Thresholds        *domain.ThresholdConfig `json:"thresholds"`
	ContributionFloor *float64                `json:"contribution_floor"`
	IntegrityFloor    *float64                `json:"integrity_floor"`
}

// handlePutConfig overlays the request body on the current settings, so a
// partial document changes only the fields it names.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	if s.api.Settings == nil {
		s.writeError(w, errUnavailable)
		return
	}
	next := s.api.Settings.Current()
	body := settingsUpdate{
		Thresholds:        &next.Thresholds,
		ContributionFloor: &next.ContributionFloor,
		IntegrityFloor:    &next.IntegrityFloor,
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Weights != nil {
		next.Weights = body.Weights
	}
	if err := s.api.Settings.Update(r.Context(), next); err != nil {
		s.writeError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, s.api.Settings.Current())
}

func (s *Server) handleListAssessments(w http.ResponseWriter, r *http.Request) {
	f, err := parseAssessmentFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	items, err := s.api.Queries.ListAssessments(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]any{"assessments": nonNil(items), "count": len(items)})
}

func (s *Server) handleGetAssessment(w http.ResponseWriter, r *http.Request) {
	a, err := s.api.Queries.GetAssessment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, a)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := parseAlertFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	items, err := s.api.Queries.ListAlerts(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]any{"alerts": nonNil(items), "count": len(items)})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.api.Queries.GetAlert(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, a)
}

type transitionRequest struct {
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason"`
}

var pathActions = map[string]lifecycle.Action{
	"confirm":        lifecycle.ActionConfirm,
	"false-positive": lifecycle.ActionFalsePositive,
	"close":          lifecycle.ActionClose,
	"acknowledge":    lifecycle.ActionAcknowledge,
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req transitionRequest
	if err := decodeValid(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ev, err := s.api.Operator.Transition(r.Context(), vars["id"], pathActions[vars["action"]], req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publish(r.Context(), ev)
	sharedobs.WriteJSON(w, http.StatusOK, ev.Alert)
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	var inc domain.Incident
	if err := decodeBody(r, &inc); err != nil {
		s.writeError(w, err)
		return
	}
	ev, err := s.api.Operator.Corroborate(r.Context(), inc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ev == nil {
		sharedobs.WriteJSON(w, http.StatusAccepted, map[string]any{"matched": false})
		return
	}
	s.publish(r.Context(), *ev)
	sharedobs.WriteJSON(w, http.StatusOK, map[string]any{"matched": true, "alert": ev.Alert})
}

type verificationRequest struct {
	Location domain.Geo `json:"location"`
	domain.Verification
}

func (s *Server) handleVerification(w http.ResponseWriter, r *http.Request) {
	var req verificationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	clusterID, err := s.api.Operator.RecordVerification(req.Location, req.Verification)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusAccepted, map[string]string{"cluster_id": clusterID})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if s.api.Text == nil {
		s.writeError(w, errUnavailable)
		return
	}
	alert, err := s.api.Queries.GetAlert(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req textgen.MessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Location == "" {
		req.Location = placeLabel(alert.Location)
	}
	if req.AlertMessage == "" {
		req.AlertMessage = textgen.AlertMessage(placeLabel(alert.Location), alert.Category, alert.RiskScore)
	}
	if err := validate.Struct(req); err != nil {
		s.writeError(w, invalidInput(err))
		return
	}

	text, err := s.api.Text.Personalize(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]string{"alert_id": alert.ID, "message": text})
}

type adviceRequest struct {
	AnalysisDetails string `json:"analysis_details"`
}

func (s *Server) handleAdvice(w http.ResponseWriter, r *http.Request) {
	if s.api.Text == nil {
		s.writeError(w, errUnavailable)
		return
	}
	alert, err := s.api.Queries.GetAlert(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body adviceRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	assessment, err := s.api.Queries.GetAssessment(r.Context(), alert.AssessmentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req := textgen.AdviceFor(assessment)
	if body.AnalysisDetails != "" {
		req.AnalysisDetails = strings.TrimSpace(req.AnalysisDetails + " " + body.AnalysisDetails)
	}

	text, err := s.api.Text.Advise(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]string{"alert_id": alert.ID, "advice": text})
}

// publish forwards ev downstream. A failure is logged; the state change has
// already been stored.
func (s *Server) publish(ctx context.Context, ev lifecycle.Event) {
	if s.api.Publisher == nil {
		return
	}
	if err := s.api.Publisher.PublishEvents(ctx, []lifecycle.Event{ev}); err != nil {
		s.logger.Warn("failed to publish alert event",
			"alert_id", ev.Alert.ID,
			"kind", ev.Kind,
			"error", err,
		)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed", "status", status, "error", err)
	}
	sharedobs.WriteJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var (
		cfgErr *domain.ConfigurationError
		genErr *textgen.GenerationError
	)
	switch {
	case errors.Is(err, lifecycle.ErrAlertNotFound), errors.Is(err, lifecycle.ErrAssessmentNotFound), errors.Is(err, errSensorNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, lifecycle.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, lifecycle.ErrReasonRequired):
		return http.StatusBadRequest
	case errors.As(err, &cfgErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &genErr):
		if genErr.Retryable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON object, rejecting unknown fields. An empty body
// leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

func decodeValid(r *http.Request, v any) error {
	if err := decodeBody(r, v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		return invalidInput(err)
	}
	return nil
}

func invalidInput(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Errorf("%w: %s is %s", domain.ErrInvalidInput, strings.ToLower(verrs[0].Field()), verrs[0].Tag())
	}
	return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
}

func placeLabel(l domain.Location) string {
	if l.Name != "" {
		return l.Name
	}
	return fmt.Sprintf("%.4f, %.4f", l.Geo.Lat, l.Geo.Lon)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
