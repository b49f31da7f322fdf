package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/yairfalse/vigil/internal/processors"
	"go.uber.org/zap"
)

// max size of an uploaded rules document
const maxRulesBody = 1 << 20

// RuleStore is the daemon's live rule set
type RuleStore interface {
	Rules() []processors.Rule
	Replace(rs *processors.RuleSet) error
}

// WithRules serves GET and POST /rules backed by rules
func WithRules(rules RuleStore) Option {
	return func(s *Server) { s.rules = rules }
}

// WithShutdown serves POST /shutdown, which calls fn once per request
func WithShutdown(fn func()) Option {
	return func(s *Server) { s.shutdown = fn }
}

// RulesResponse is the body of GET /rules
type RulesResponse struct {
	Rules []processors.Rule `json:"rules"`
}

// LoadRulesResponse is the body of POST /rules
type LoadRulesResponse struct {
	Rules   int  `json:"rules"`
	Enabled int  `json:"enabled"`
	DryRun  bool `json:"dry_run"`
}

// handleListRules handles GET /rules
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := s.rules.Rules()
	if rules == nil {
		rules = []processors.Rule{}
	}
	s.respondJSON(w, http.StatusOK, RulesResponse{Rules: rules})
}

// handleLoadRules handles POST /rules. The body is a YAML rules document;
// dry_run=true validates it without replacing the active rules.
func (s *Server) handleLoadRules(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if v := r.URL.Query().Get("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid dry_run: "+v)
			return
		}
		dryRun = b
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRulesBody+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxRulesBody {
		s.respondError(w, http.StatusRequestEntityTooLarge, "rules document too large")
		return
	}

	rs, err := processors.ParseRules(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := rs.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !dryRun {
		if err := s.rules.Replace(rs); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Info("Rules replaced",
			zap.Int("rules", len(rs.Rules)),
			zap.Int("enabled", rs.Enabled()))
	}
	s.respondJSON(w, http.StatusOK, LoadRulesResponse{
		Rules:   len(rs.Rules),
		Enabled: rs.Enabled(),
		DryRun:  dryRun,
	})
}

// handleShutdown handles POST /shutdown
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Shutdown requested over API", zap.String("remote", r.RemoteAddr))
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	s.shutdown()
}
