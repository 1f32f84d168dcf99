package http

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server exposes health, readiness and metrics endpoints plus the /api/v1
// query, configuration and operator API.
type Server struct {
	httpServer *http.Server
	api        API
	logger     *slog.Logger
}

// NewServer creates the HTTP server. Routes under /api/v1 whose dependency
// in api is nil respond 503.
func NewServer(addr string, api API, ready sharedobs.ReadinessChecker, logger *slog.Logger) *Server {
	s := &Server{api: api, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", sharedobs.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", sharedobs.ReadinessHandler(ready)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Listings accept cluster, lat/lon/radius_m, from, to and limit.
	// category matches exactly; min_category keeps that level and above.
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	v1.HandleFunc("/config", s.handlePutConfig).Methods(http.MethodPut)
	v1.HandleFunc("/assessments", s.handleListAssessments).Methods(http.MethodGet)
	v1.HandleFunc("/assessments/{id}", s.handleGetAssessment).Methods(http.MethodGet)
	v1.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}/{action:confirm|false-positive|close|acknowledge}", s.handleTransition).Methods(http.MethodPost)
	v1.HandleFunc("/alerts/{id}/message", s.handleMessage).Methods(http.MethodPost)
	v1.HandleFunc("/alerts/{id}/advice", s.handleAdvice).Methods(http.MethodPost)
	v1.HandleFunc("/sensors", s.handleListSensors).Methods(http.MethodGet)
	v1.HandleFunc("/sensors/{id}", s.handleGetSensor).Methods(http.MethodGet)
	v1.HandleFunc("/incidents", s.handleIncident).Methods(http.MethodPost)
	v1.HandleFunc("/verifications", s.handleVerification).Methods(http.MethodPost)

	var h http.Handler = r
	h = handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
	h = handlers.CORS(
		handlers.AllowedOrigins(api.CORSOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{logger}), handlers.PrintRecoveryStack(false))(h)
	h = otelhttp.NewHandler(h, "hazard-risk-engine")

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // text generation can take tens of seconds
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.logger.Debug("http request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"duration", time.Since(p.TimeStamp),
	)
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.logger.Error("http handler panic", "panic", fmt.Sprint(v...))
}
