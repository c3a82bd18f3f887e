// Package gatekeeper serves the inline inspection API: every request either
// flows through POST /inspect for a verdict, or manages the rule set that
// those verdicts are scored against.
package gatekeeper

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cerberus-defense/cerberus/internal/anomaly"
	"github.com/cerberus-defense/cerberus/internal/auth"
	"github.com/cerberus-defense/cerberus/internal/inspect"
	"github.com/cerberus-defense/cerberus/internal/middleware"
	"github.com/cerberus-defense/cerberus/internal/monitoring"
	"github.com/cerberus-defense/cerberus/internal/waf"
)

type Options struct {
	Engine   *inspect.Engine
	Rules    waf.RuleStore
	Detector *anomaly.Detector
	Auth     *auth.Authenticator
	Archive  RuleArchiver
	Metrics  *monitoring.Metrics
	Registry *prometheus.Registry
}

type Server struct {
	opts    Options
	limiter *middleware.RateLimiter
	started time.Time
}

func NewServer(opts Options) *Server {
	return &Server{
		opts:    opts,
		limiter: middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		started: time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	requireService := middleware.RequireAuth(s.opts.Auth, auth.RoleService)
	requireAdmin := middleware.RequireAuth(s.opts.Auth, auth.RoleAdmin)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	r.HandleFunc("/inspect", s.handleInspect).Methods(http.MethodPost)

	r.Handle("/rules", requireService(http.HandlerFunc(s.handleCreateRule))).Methods(http.MethodPost)
	r.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	r.HandleFunc("/rules/{rule_id}", s.handleGetRule).Methods(http.MethodGet)
	r.Handle("/rules/{rule_id}", requireAdmin(http.HandlerFunc(s.handleDeleteRule))).Methods(http.MethodDelete)
	r.Handle("/rules/{rule_id}/toggle", requireAdmin(http.HandlerFunc(s.handleToggleRule))).Methods(http.MethodPut)

	return middleware.CORS(middleware.RequestLogger(s.limited(r)))
}

func (s *Server) limited(next http.Handler) http.Handler {
	limitedNext := s.limiter.Middleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/metrics":
			next.ServeHTTP(w, r)
		default:
			limitedNext.ServeHTTP(w, r)
		}
	})
}

func (s *Server) metricsHandler() http.Handler {
	if s.opts.Registry != nil {
		return promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	var req inspect.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed inspection request")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Engine.Inspect(r.Context(), req))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, enabled := s.opts.Rules.Count()
	resp := map[string]any{
		"status":       "healthy",
		"service":      "gatekeeper",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"active_rules": enabled,
	}
	if s.opts.Detector != nil {
		resp["ml_model"] = s.opts.Detector.ModelInfo()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	total, enabled := s.opts.Rules.Count()
	resp := map[string]any{
		"active_rules":    enabled,
		"total_rules":     total,
		"active_sessions": s.opts.Engine.Windows().Sessions(),
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
	}
	if s.opts.Detector != nil {
		resp["ml_model"] = s.opts.Detector.ModelInfo()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
