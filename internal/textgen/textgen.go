// Package textgen produces operator-facing text about assessments and alerts
// through a pluggable text generator. Generated text is advisory: it is
// attached to stored records after the fact and never changes a score,
// category or alert state.
package textgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/observability"
)

// Generator turns a prompt into text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GenerationError reports a failed generation. Retryable marks failures
// such as rate limits and timeouts that may succeed on a later attempt.
type GenerationError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s: %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable GenerationError.
func IsRetryable(err error) bool {
	var gerr *GenerationError
	return errors.As(err, &gerr) && gerr.Retryable
}

// Operation names, also used as metric labels.
const (
	OpSummary     = "summary"
	OpExplanation = "explanation"
	OpMessage     = "message"
	OpAdvice      = "advice"
)

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 20 * time.Second

// MessageRequest asks for an alert message tailored to a recipient.
type MessageRequest struct {
	AlertMessage     string `json:"alert_message"`
	Location         string `json:"location" validate:"required"`
	Role             string `json:"role" validate:"required"`
	NearbyShelters   string `json:"nearby_shelters"`
	EvacuationRoutes string `json:"evacuation_routes"`
}

// AdviceRequest asks for next-action recommendations for an operator.
type AdviceRequest struct {
	RiskScore       int    `json:"risk_score"`
	Category        string `json:"category"`
	Location        string `json:"location"`
	AnalysisDetails string `json:"analysis_details"`
}

// Service builds prompts and calls the generator.
type Service struct {
	gen     Generator
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewService creates a Service. A non-positive timeout uses DefaultTimeout.
func NewService(gen Generator, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{gen: gen, timeout: timeout, logger: logger, metrics: metrics}
}

// Summarize returns a short operator summary of an assessment.
func (s *Service) Summarize(ctx context.Context, a domain.RiskAssessment) (string, error) {
	return s.generate(ctx, OpSummary, summaryPrompt(a))
}

// Explain returns a plain-language explanation of an assessment's drivers.
func (s *Service) Explain(ctx context.Context, a domain.RiskAssessment) (string, error) {
	return s.generate(ctx, OpExplanation, explanationPrompt(a))
}

// Personalize rewrites an alert message for one recipient.
func (s *Service) Personalize(ctx context.Context, req MessageRequest) (string, error) {
	return s.generate(ctx, OpMessage, messagePrompt(req))
}

// Advise returns a prioritized list of recommended operator actions.
func (s *Service) Advise(ctx context.Context, req AdviceRequest) (string, error) {
	return s.generate(ctx, OpAdvice, advicePrompt(req))
}

func (s *Service) generate(ctx context.Context, op, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text, err := s.gen.Generate(ctx, prompt)
	if err == nil && strings.TrimSpace(text) == "" {
		err = &GenerationError{Op: op, Err: errors.New("empty completion"), Retryable: true}
	}
	if err != nil {
		s.metrics.GenerationRequests.WithLabelValues(op, "error").Inc()
		var gerr *GenerationError
		if !errors.As(err, &gerr) {
			err = &GenerationError{Op: op, Err: err, Retryable: errors.Is(err, context.DeadlineExceeded)}
		} else if gerr.Op == "" {
			gerr.Op = op
		}
		return "", err
	}
	s.metrics.GenerationRequests.WithLabelValues(op, "success").Inc()
	return strings.TrimSpace(text), nil
}

func describeComponents(a domain.RiskAssessment) string {
	var b strings.Builder
	for _, c := range a.Components {
		if c.Confidence <= 0 {
			fmt.Fprintf(&b, "- %s: unavailable\n", c.Component)
			continue
		}
		fmt.Fprintf(&b, "- %s: sub-score %.0f, confidence %.2f", c.Component, c.SubScore, c.Confidence)
		if len(c.SensorIDs) > 0 {
			fmt.Fprintf(&b, ", sensors %s", strings.Join(c.SensorIDs, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func locationLabel(l domain.Location) string {
	if l.Name != "" {
		return l.Name
	}
	return fmt.Sprintf("%.4f, %.4f", l.Geo.Lat, l.Geo.Lon)
}

func verificationLine(a domain.RiskAssessment) string {
	v := a.Verification
	if v == nil {
		return "none"
	}
	line := fmt.Sprintf("marker %s, colour %s, integrity %.2f", v.Source, v.ColorState, v.Integrity)
	if a.Verified() {
		line += fmt.Sprintf(", raised category from %s to %s", a.StatisticalCategory, a.Category)
	}
	return line
}

func summaryPrompt(a domain.RiskAssessment) string {
	return fmt.Sprintf(`あなたは災害対応担当者向けに警報の根拠を要約するアシスタントです。
以下の評価結果を、担当者がすぐに理解できる簡潔な要約(3文以内)にまとめてください。
要約は必ず日本語で生成してください。

Location: %s
Time: %s
Risk Score: %d
Risk Category: %s
Confidence: %.2f
Physical Verification: %s
Components:
%s
Explanation: %s

Summary:`,
		locationLabel(a.Location), a.Time.Format(time.RFC3339), a.RiskScore, a.Category,
		a.Confidence, verificationLine(a), describeComponents(a), a.Explanation)
}

func explanationPrompt(a domain.RiskAssessment) string {
	return fmt.Sprintf(`あなたは災害管理者にリスク評価を説明するアシスタントです。
評価に寄与した主要な要因とデータソースを強調し、判断の根拠が理解できる明確な説明を生成してください。
説明は必ず日本語で生成してください。

Risk Score: %d
Risk Category: %s
Contributing Sensors: %s
Components:
%s
Explanation:`,
		a.RiskScore, a.Category, strings.Join(a.ContributingSensors, ", "), describeComponents(a))
}

func messagePrompt(req MessageRequest) string {
	return fmt.Sprintf(`あなたは災害時の警報メッセージを受信者ごとに最適化する専門家です。
受信者の場所と役割、近くの避難所、避難経路を踏まえて、行動に移しやすいメッセージに書き直してください。
メッセージは必ず日本語で生成してください。

Original Alert Message: %s
User Location: %s
User Role: %s
Nearby Shelters: %s
Evacuation Routes: %s

Personalized Alert Message:`,
		req.AlertMessage, req.Location, req.Role, orNone(req.NearbyShelters), orNone(req.EvacuationRoutes))
}

func advicePrompt(req AdviceRequest) string {
	return fmt.Sprintf(`You are a disaster management advisor. Given the situation below, give the operator
a prioritized list of 2-3 direct, specific actions.

Location: %s
Risk Level: %s (Score: %d)
Key Findings: %s

Format:
1. [Highest priority action]
2. [Second priority action]
3. [Contingency or monitoring action]

Advice:`,
		req.Location, req.Category, req.RiskScore, orNone(req.AnalysisDetails))
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}

// AlertMessage is the default outbound text for an alert, used when the
// caller does not supply one to personalize.
func AlertMessage(location string, category domain.Category, score int) string {
	return fmt.Sprintf("%s: %s risk (score %d). Follow official guidance.", location, category, score)
}

// AdviceFor builds an AdviceRequest from an assessment.
func AdviceFor(a domain.RiskAssessment) AdviceRequest {
	details := a.Summary
	if details == "" {
		details = a.Explanation
	}
	if a.Verification != nil {
		details += " Physical verification: " + verificationLine(a) + "."
	}
	return AdviceRequest{
		RiskScore:       a.RiskScore,
		Category:        string(a.Category),
		Location:        locationLabel(a.Location),
		AnalysisDetails: strings.TrimSpace(details),
	}
}
