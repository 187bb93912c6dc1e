// Package httpapi serves the REST surface of the webhook registry together
// with health, readiness and Prometheus endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sarathsp06/herald/internal/connect"
	"github.com/sarathsp06/herald/internal/logger"
	"github.com/sarathsp06/herald/internal/webhooks"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Server routes REST requests to a webhook registry.
type Server struct {
	registry  connect.Registry
	publisher connect.EventPublisher
	gatherer  prometheus.Gatherer
	metrics   *Metrics
	checks    map[string]ReadinessCheck
	router    *mux.Router
	log       *slog.Logger
}

// NewServer creates a Server. publisher may be nil, in which case events
// are triggered inline. HTTP metrics are registered on reg and /metrics
// exposes everything reg gathers.
func NewServer(registry connect.Registry, publisher connect.EventPublisher, reg *prometheus.Registry) *Server {
	s := &Server{
		registry:  registry,
		publisher: publisher,
		gatherer:  reg,
		metrics:   NewMetrics(reg),
		checks:    make(map[string]ReadinessCheck),
		router:    mux.NewRouter(),
		log:       logger.NewLogger("http-api"),
	}
	s.routes()
	return s
}

// AddReadinessCheck registers a check run by /readyz.
func (s *Server) AddReadinessCheck(name string, check ReadinessCheck) {
	s.checks[name] = check
}

// Mount serves h for every path under prefix.
func (s *Server) Mount(prefix string, h http.Handler) {
	s.router.PathPrefix(prefix).Handler(h)
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "herald-http")
}

func (s *Server) routes() {
	s.router.Use(s.metrics.Middleware)

	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.readyz).Methods(http.MethodGet)
	s.router.Handle("/metrics", metricsHandler(s.gatherer)).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/webhooks", s.listSubscriptions).Methods(http.MethodGet)
	api.HandleFunc("/webhooks", s.subscribe).Methods(http.MethodPost)
	api.HandleFunc("/webhooks/{id}", s.getSubscription).Methods(http.MethodGet)
	api.HandleFunc("/webhooks/{id}", s.updateSubscription).Methods(http.MethodPatch)
	api.HandleFunc("/webhooks/{id}", s.unsubscribe).Methods(http.MethodDelete)
	api.HandleFunc("/webhooks/{id}/test", s.testWebhook).Methods(http.MethodPost)
	api.HandleFunc("/webhooks/{id}/deliveries", s.deliveryHistory).Methods(http.MethodGet)
	api.HandleFunc("/events", s.pushEvent).Methods(http.MethodPost)
	api.HandleFunc("/event-types", s.listEventTypes).Methods(http.MethodGet)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			s.log.Warn("Readiness check failed", "check", name, "error", err)
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"ready": status == http.StatusOK, "checks": results})
}

type errorResponse struct {
	Error string `json:"error"`
}

// errMissingUser is returned when a request carries no X-User-ID header.
var errMissingUser = errors.New(connect.HeaderUserID + " header is required")

func statusFor(err error) int {
	switch {
	case errors.Is(err, errMissingUser):
		return http.StatusUnauthorized
	case errors.Is(err, webhooks.ErrInvalidURL),
		errors.Is(err, webhooks.ErrInvalidSubscription),
		errors.Is(err, webhooks.ErrUnknownEvent),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, connect.ErrOrganizationMismatch):
		return http.StatusForbidden
	case errors.Is(err, webhooks.ErrNotFoundOrUnauthorized):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
