package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/cerberus-defense/cerberus/internal/waf"
)

// RuleArchiver receives a copy of every rule mutation for durable storage.
// Archiving is best effort; the in-memory store is the source of truth for
// the data path.
type RuleArchiver interface {
	SaveRule(ctx context.Context, r waf.Rule) error
	DeleteRule(ctx context.Context, ruleID string) error
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule waf.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "malformed rule")
		return
	}

	if err := s.opts.Rules.Create(&rule); err != nil {
		if errors.Is(err, waf.ErrDuplicateRule) {
			writeError(w, http.StatusConflict, "rule already exists: "+rule.RuleID)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.archiveRule(r.Context(), rule)
	s.refreshRuleGauge()
	slog.Info("Rule created", "rule_id", rule.RuleID, "action", rule.Action, "priority", rule.Priority)

	writeJSON(w, http.StatusCreated, map[string]string{
		"status":  "created",
		"rule_id": rule.RuleID,
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	all := s.opts.Rules.List()
	rules := make([]waf.Rule, 0, len(all))
	for _, rule := range all {
		if rule.Enabled {
			rules = append(rules, *rule)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.opts.Rules.Get(mux.Vars(r)["rule_id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["rule_id"]
	if err := s.opts.Rules.Delete(ruleID); err != nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	if s.opts.Archive != nil {
		if err := s.opts.Archive.DeleteRule(r.Context(), ruleID); err != nil {
			slog.Warn("Rule archive delete failed", "rule_id", ruleID, "error", err)
		}
	}
	s.refreshRuleGauge()
	slog.Info("Rule deleted", "rule_id", ruleID)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "deleted",
		"rule_id": ruleID,
	})
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["rule_id"]
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "enabled must be true or false")
		return
	}

	rule, err := s.opts.Rules.SetEnabled(ruleID, enabled)
	if err != nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	s.archiveRule(r.Context(), *rule)
	s.refreshRuleGauge()
	slog.Info("Rule toggled", "rule_id", ruleID, "enabled", enabled)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "updated",
		"rule_id": ruleID,
		"enabled": enabled,
	})
}

func (s *Server) archiveRule(ctx context.Context, rule waf.Rule) {
	if s.opts.Archive == nil {
		return
	}
	if err := s.opts.Archive.SaveRule(ctx, rule); err != nil {
		slog.Warn("Rule archive write failed", "rule_id", rule.RuleID, "error", err)
	}
}

func (s *Server) refreshRuleGauge() {
	if s.opts.Metrics == nil {
		return
	}
	_, enabled := s.opts.Rules.Count()
	s.opts.Metrics.ActiveRules.Set(float64(enabled))
}
