package server

// Endpoints:
//   POST   /api/v1/modifications                 submit a modification request
//   GET    /api/v1/modifications?status=pending  list pending (default) or all requests
//   GET    /api/v1/modifications/{id}            get one request
//   POST   /api/v1/modifications/{id}/approve    approve (secret, approver)
//   POST   /api/v1/modifications/{id}/reject     reject (secret, reason)
//   POST   /api/v1/modifications/{id}/apply      apply (secret)
//   POST   /api/v1/auth/verify                   verify the admin secret for the calling session
//   POST   /api/v1/auth/unlock                   clear a lockout
//   POST   /api/v1/audit/events                  append a collaborator event
//   GET    /api/v1/audit/logs                    search the audit log
//   GET    /api/v1/audit/export                  export the audit log (jsonl, json, yaml)
//   GET    /api/v1/audit/verify                  check the hash chain
//   GET    /api/v1/audit/stream                  live audit entries over WebSocket
//   GET    /api/v1/rules                         list security rules
//   POST   /api/v1/rules                         register a rule
//   POST   /api/v1/rules/{name}/enable|disable   toggle a rule
//   POST   /api/v1/lockdown                      enter emergency lockdown
//   POST   /api/v1/lockdown/lift                 leave emergency lockdown
//   GET    /api/v1/stats                         governance statistics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-governance/internal/audit"
	"github.com/kubilitics/kubilitics-governance/internal/modification"
	"github.com/kubilitics/kubilitics-governance/internal/safety"
)

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/modifications", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/modifications", s.handleListModifications).Methods(http.MethodGet)
	r.HandleFunc("/modifications/{id}", s.handleGetModification).Methods(http.MethodGet)
	r.HandleFunc("/modifications/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	r.HandleFunc("/modifications/{id}/reject", s.handleReject).Methods(http.MethodPost)
	r.HandleFunc("/modifications/{id}/apply", s.handleApply).Methods(http.MethodPost)

	r.HandleFunc("/auth/verify", s.handleVerifySecret).Methods(http.MethodPost)
	r.HandleFunc("/auth/unlock", s.handleUnlock).Methods(http.MethodPost)

	r.HandleFunc("/audit/events", s.handleLogEvent).Methods(http.MethodPost)
	r.HandleFunc("/audit/logs", s.handleSearchLogs).Methods(http.MethodGet)
	r.HandleFunc("/audit/export", s.handleExportLogs).Methods(http.MethodGet)
	r.HandleFunc("/audit/verify", s.handleVerifyLog).Methods(http.MethodGet)
	r.HandleFunc("/audit/stream", s.hub.ServeWS).Methods(http.MethodGet)

	r.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	r.HandleFunc("/rules", s.handleAddRule).Methods(http.MethodPost)
	r.HandleFunc("/rules/{name}/enable", s.handleToggleRule(true)).Methods(http.MethodPost)
	r.HandleFunc("/rules/{name}/disable", s.handleToggleRule(false)).Methods(http.MethodPost)

	r.HandleFunc("/lockdown", s.handleLockdown).Methods(http.MethodPost)
	r.HandleFunc("/lockdown/lift", s.handleLiftLockdown).Methods(http.MethodPost)

	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
}

// decode reads a JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// ─── Modifications ───────────────────────────────────────────────────────────

type submitRequest struct {
	Description    string `json:"description"`
	ProposedChange string `json:"proposed_change"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	sub, err := s.svc.SubmitModificationRequest(r.Context(), req.Description, req.ProposedChange)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListModifications(w http.ResponseWriter, r *http.Request) {
	var reqs []*modification.Request
	switch status := r.URL.Query().Get("status"); status {
	case "", string(modification.StatusPending):
		reqs = s.svc.ListPending()
	case "all":
		reqs = s.svc.ListHistory()
	default:
		want, err := modification.ParseStatus(status)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
			return
		}
		for _, req := range s.svc.ListHistory() {
			if req.Status == want {
				reqs = append(reqs, req)
			}
		}
	}
	if reqs == nil {
		reqs = []*modification.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": reqs,
		"count":    len(reqs),
	})
}

func (s *Server) handleGetModification(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.GetModification(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type transitionRequest struct {
	Secret   string `json:"secret"`
	Approver string `json:"approver,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.svc.ApproveModification(r.Context(), mux.Vars(r)["id"], req.Secret, req.Approver)
	s.respondTransition(w, r, out, err)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.svc.RejectModification(r.Context(), mux.Vars(r)["id"], req.Secret, req.Reason)
	s.respondTransition(w, r, out, err)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.svc.ApplyModification(r.Context(), mux.Vars(r)["id"], req.Secret)
	s.respondTransition(w, r, out, err)
}

func (s *Server) respondTransition(w http.ResponseWriter, r *http.Request, req *modification.Request, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ─── Auth ────────────────────────────────────────────────────────────────────

// secretRequest carries no identity: checks are keyed on the identity header and the
// client address, never on anything in the body.
type secretRequest struct {
	Secret string `json:"secret"`
}

type unlockRequest struct {
	Secret   string `json:"secret"`
	Identity string `json:"identity"`
}

type verifyResponse struct {
	Identity       string     `json:"identity"`
	Decision       string     `json:"decision"`
	Outcome        string     `json:"outcome"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
}

func (s *Server) handleVerifySecret(w http.ResponseWriter, r *http.Request) {
	var req secretRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.VerifySecret(r.Context(), req.Secret, "")
	body := verifyResponse{
		Identity:       res.Identity,
		Decision:       res.Decision.String(),
		Outcome:        string(res.Outcome),
		FailedAttempts: res.FailedAttempts,
	}
	if !res.LockedUntil.IsZero() {
		until := res.LockedUntil.UTC()
		body.LockedUntil = &until
	}
	if err != nil {
		status, code := classify(err)
		if code == ErrCodeStorageFailure || code == ErrCodeInternalError {
			respondError(w, r, status, code, err.Error())
			return
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Identity) == "" {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "identity is required")
		return
	}
	if err := s.svc.Unlock(r.Context(), req.Secret, req.Identity); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"unlocked": req.Identity})
}

// ─── Audit ───────────────────────────────────────────────────────────────────

type logEventRequest struct {
	Level       string                 `json:"level"`
	Action      string                 `json:"action"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handleLogEvent(w http.ResponseWriter, r *http.Request) {
	var req logEventRequest
	if !decode(w, r, &req) {
		return
	}
	level, err := audit.ParseLevel(req.Level)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	entry, err := s.svc.LogEvent(r.Context(), level, req.Action, req.Description, req.Metadata)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// parseFilter reads since, until (RFC3339), action, level, actor and limit from the query.
func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Action: q.Get("action"),
		Actor:  q.Get("actor"),
	}
	if v := q.Get("level"); v != "" {
		l, err := audit.ParseLevel(v)
		if err != nil {
			return f, err
		}
		f.Level = l
	}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		if v := q.Get(p.key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("invalid %s: %w", p.key, err)
			}
			*p.dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleSearchLogs(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	if f.Limit == 0 {
		f.Limit = 100
	}
	entries := s.svc.SearchLogs(r.Context(), f)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleExportLogs(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	format, err := audit.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	switch format {
	case audit.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
	case audit.FormatYAML:
		w.Header().Set("Content-Type", "application/yaml")
	default:
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-%s.%s"`,
		time.Now().UTC().Format("20060102T150405Z"), format))
	// Headers are committed by the first write; an encoder failure past that point can
	// only be logged by the service.
	if _, err := s.svc.ExportLogs(r.Context(), f, w, format); err != nil {
		s.logger.Warn("Audit export aborted", zap.Error(err))
	}
}

func (s *Server) handleVerifyLog(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.VerifyLog(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

// ─── Rules ───────────────────────────────────────────────────────────────────

type addRuleRequest struct {
	Secret      string `json:"secret"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Pattern     string `json:"pattern"`
	Tier        string `json:"tier"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := s.svc.Rules()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req addRuleRequest
	if !decode(w, r, &req) {
		return
	}
	tier, err := safety.ParseRiskTier(req.Tier)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rule, err := s.svc.AddRule(r.Context(), req.Secret, safety.SecurityRule{
		Name:        req.Name,
		Description: req.Description,
		Pattern:     req.Pattern,
		Tier:        tier,
		Enabled:     enabled,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleToggleRule(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req secretRequest
		if !decode(w, r, &req) {
			return
		}
		rule, err := s.svc.SetRuleEnabled(r.Context(), req.Secret, mux.Vars(r)["name"], enabled)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

// ─── Lockdown and stats ──────────────────────────────────────────────────────

type lockdownRequest struct {
	Secret string `json:"secret"`
	Actor  string `json:"actor,omitempty"`
}

func (s *Server) handleLockdown(w http.ResponseWriter, r *http.Request) {
	var req lockdownRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := s.svc.Lockdown(r.Context(), req.Secret, req.Actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lockdown":          true,
		"rejected_requests": n,
	})
}

func (s *Server) handleLiftLockdown(w http.ResponseWriter, r *http.Request) {
	var req lockdownRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.LiftLockdown(r.Context(), req.Secret, req.Actor); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"lockdown": false})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats(r.Context()))
}
