package sentinel

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cerberus-defense/cerberus/internal/auth"
	"github.com/cerberus-defense/cerberus/internal/capture"
	"github.com/cerberus-defense/cerberus/internal/middleware"
	"github.com/cerberus-defense/cerberus/internal/policy"
	"github.com/cerberus-defense/cerberus/internal/profiler"
	"github.com/cerberus-defense/cerberus/internal/sandbox"
	"github.com/cerberus-defense/cerberus/internal/stream"
)

// Options wire a Server. Pipeline, Jobs and Profiler are mandatory.
type Options struct {
	Pipeline     *Pipeline
	Jobs         *SimQueue
	Profiler     *profiler.Profiler
	Orchestrator *policy.Orchestrator
	Pusher       *GatekeeperPusher
	Alerts       *stream.Hub
	Auth         *auth.Authenticator
	Registry     *prometheus.Registry
}

// Server is the sentinel HTTP API: profiles, simulations, rule proposal and
// the review queue.
type Server struct {
	opts    Options
	started time.Time
}

func NewServer(opts Options) *Server {
	return &Server{opts: opts, started: time.Now()}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	requireService := middleware.RequireAuth(s.opts.Auth, auth.RoleService)
	requireAdmin := middleware.RequireAuth(s.opts.Auth, auth.RoleAdmin)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	r.HandleFunc("/profiles", s.handleListProfiles).Methods(http.MethodGet)
	r.HandleFunc("/profiles/{profile_id}", s.handleGetProfile).Methods(http.MethodGet)
	r.HandleFunc("/profile", s.handleProfile).Methods(http.MethodPost)

	r.Handle("/simulate", requireService(http.HandlerFunc(s.handleSimulate))).Methods(http.MethodPost)
	r.HandleFunc("/sim-result/{job_id}", s.handleSimResult).Methods(http.MethodGet)

	r.Handle("/rule-propose", requireService(http.HandlerFunc(s.handleRulePropose))).Methods(http.MethodPost)
	r.Handle("/rule-apply", requireAdmin(http.HandlerFunc(s.handleRuleApply))).Methods(http.MethodPost)
	r.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)

	r.HandleFunc("/reviews", s.handleListReviews).Methods(http.MethodGet)
	r.Handle("/reviews/{rule_id}/approve", requireAdmin(http.HandlerFunc(s.handleApprove))).Methods(http.MethodPost)
	r.Handle("/reviews/{rule_id}/reject", requireAdmin(http.HandlerFunc(s.handleReject))).Methods(http.MethodPost)

	if s.opts.Alerts != nil {
		r.HandleFunc("/alerts/stream", s.opts.Alerts.HandleWebSocket).Methods(http.MethodGet)
	}

	return middleware.CORS(middleware.RequestLogger(r))
}

func (s *Server) metricsHandler() http.Handler {
	if s.opts.Registry != nil {
		return promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "sentinel",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.opts.Pipeline.Stats()
	stats["uptime_seconds"] = int(time.Since(s.started).Seconds())
	stats["simulations"] = s.opts.Jobs.Stats()
	if s.opts.Orchestrator != nil {
		stats["pending_reviews"] = len(s.opts.Orchestrator.PendingReviews())
	}
	if s.opts.Pusher != nil {
		stats["rule_push_circuit"] = s.opts.Pusher.BreakerState()
	}
	if s.opts.Alerts != nil {
		stats["alert_stream_clients"] = s.opts.Alerts.ClientCount()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.opts.Pipeline.Profiles().List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "profile listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profiles": profiles,
		"count":    len(profiles),
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["profile_id"]
	p, ok := s.opts.Pipeline.Profiles().Get(r.Context(), id)
	if !ok {
		p, ok = s.opts.Pipeline.Profiles().GetBySession(r.Context(), id)
	}
	if !ok {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleProfile builds a profile from caller-supplied captures without
// touching the evidence store.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string             `json:"session_id"`
		Captures  []profiler.Capture `json:"captures"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed profile request")
		return
	}

	prof := s.opts.Profiler.ProfileSession(req.SessionID, req.Captures)
	if err := s.opts.Pipeline.Profiles().Save(r.Context(), prof); err != nil {
		writeError(w, http.StatusInternalServerError, "profile save failed")
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload      capture.Payload `json:"payload"`
		ShadowAppRef string          `json:"shadow_app_ref,omitempty"`
		Metadata     map[string]any  `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed simulation request")
		return
	}
	if req.Payload.Value == "" {
		writeError(w, http.StatusBadRequest, "payload.value is required")
		return
	}

	jobID, err := s.opts.Jobs.Submit(req.Payload, req.ShadowAppRef, req.Metadata)
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "simulation queue is full")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": JobQueued,
	})
}

func (s *Server) handleSimResult(w http.ResponseWriter, r *http.Request) {
	job, err := s.opts.Jobs.Get(mux.Vars(r)["job_id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "simulation job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRulePropose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload   capture.Payload `json:"payload"`
		SimResult sandbox.Result  `json:"sim_result"`
		SessionID string          `json:"session_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed rule proposal")
		return
	}

	rule, decision, err := s.opts.Pipeline.ProposeRule(r.Context(), req.Payload, req.SimResult, req.SessionID, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":     rule,
		"decision": decision,
	})
}

// handleRuleApply is the forced path: the rule skips the confidence ladder
// and is pushed immediately.
func (s *Server) handleRuleApply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload   capture.Payload `json:"payload"`
		SimResult sandbox.Result  `json:"sim_result"`
		SessionID string          `json:"session_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed rule application")
		return
	}

	rule, decision, err := s.opts.Pipeline.ProposeRule(r.Context(), req.Payload, req.SimResult, req.SessionID, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":     rule,
		"decision": decision,
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := s.opts.Pipeline.RuleLog().List()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	if s.opts.Orchestrator == nil {
		writeJSON(w, http.StatusOK, map[string]any{"reviews": []any{}, "count": 0})
		return
	}
	reviews := s.opts.Orchestrator.PendingReviews()
	writeJSON(w, http.StatusOK, map[string]any{
		"reviews": reviews,
		"count":   len(reviews),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	decision, err := s.opts.Orchestrator.Approve(r.Context(), mux.Vars(r)["rule_id"])
	if err != nil {
		if errors.Is(err, policy.ErrNotQueued) {
			writeError(w, http.StatusNotFound, "rule is not queued for review")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	if err := s.opts.Orchestrator.Reject(r.Context(), mux.Vars(r)["rule_id"], req.Reason); err != nil {
		writeError(w, http.StatusNotFound, "rule is not queued for review")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "rejected",
		"rule_id": mux.Vars(r)["rule_id"],
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
