package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cerberus-defense/cerberus/internal/auth"
	"github.com/cerberus-defense/cerberus/internal/middleware"
	"github.com/cerberus-defense/cerberus/internal/pin"
)

// Server exposes the routing control plane over HTTP.
type Server struct {
	svc      *Service
	auth     *auth.Authenticator
	limiter  *middleware.RateLimiter
	registry *prometheus.Registry
	started  time.Time
}

func NewServer(svc *Service, authenticator *auth.Authenticator, registry *prometheus.Registry) *Server {
	return &Server{
		svc:      svc,
		auth:     authenticator,
		limiter:  middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		registry: registry,
		started:  time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	requireService := middleware.RequireAuth(s.auth, auth.RoleService)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)

	r.Handle("/pin", requireService(http.HandlerFunc(s.handlePin))).Methods(http.MethodPost)
	r.HandleFunc("/route", s.handleRoute).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{session_id}", s.handleSession).Methods(http.MethodGet)
	r.Handle("/pin/{session_id}", requireService(http.HandlerFunc(s.handleUnpin))).Methods(http.MethodDelete)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	r.PathPrefix("/proxy/").Handler(http.StripPrefix("/proxy", s.svc.ProxyHandler()))

	return middleware.CORS(middleware.RequestLogger(s.limited(r)))
}

// limited rate-limits everything except probes and scrapes.
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
	if s.registry != nil {
		return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, active, _ := s.svc.opts.Store.Count(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"service":         "switch",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"pinned_sessions": active,
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	var req PinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed pin request")
		return
	}

	resp, err := s.svc.PinSession(r.Context(), req)
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "session_id and client_ip are required")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "pin store unavailable")
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed route request")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Route(r.Context(), req))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.svc.Sessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "pin store unavailable")
		return
	}
	if sessions == nil {
		sessions = []pin.Pin{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	p, ok := s.svc.Session(r.Context(), sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUnpin(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	removed, err := s.svc.Unpin(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "pin store unavailable")
		return
	}
	if removed == 0 {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":   sessionID,
		"status":       "unpinned",
		"pins_removed": removed,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
