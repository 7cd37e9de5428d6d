// Package governance is the single entry point collaborators use to propose changes, gate
// privileged actions and read or write the audit trail.
package governance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-governance/internal/audit"
	"github.com/kubilitics/kubilitics-governance/internal/modification"
	"github.com/kubilitics/kubilitics-governance/internal/safety"
	"github.com/kubilitics/kubilitics-governance/internal/security"
)

// AuditLog is the audit store surface the service needs.
type AuditLog interface {
	audit.Recorder
	Search(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
	Export(ctx context.Context, f audit.Filter, w io.Writer, format audit.Format) (int, error)
	Stats(ctx context.Context) (*audit.Stats, error)
	Verify(ctx context.Context) (*audit.VerifyReport, error)
}

// RuleStore persists rules registered at runtime and toggles of seed rules.
type RuleStore interface {
	SaveRule(ctx context.Context, rule safety.SecurityRule) error
	ListRules(ctx context.Context) ([]safety.SecurityRule, error)
}

// Submission is returned to proposers.
type Submission struct {
	ID       string          `json:"id"`
	Risk     safety.RiskTier `json:"risk"`
	RuleName string          `json:"rule_name,omitempty"`
	Status   string          `json:"status"`
}

// Stats summarises the governance state.
type Stats struct {
	Audit            *audit.Stats   `json:"audit,omitempty"`
	Requests         map[string]int `json:"requests"`
	ActiveLockouts   int            `json:"active_lockouts"`
	Lockdown         bool           `json:"lockdown"`
	EnabledRules     int            `json:"enabled_rules"`
	RegisteredRules  int            `json:"registered_rules"`
	AuditUnavailable bool           `json:"audit_unavailable,omitempty"`
}

// Service wires the classifier, the gatekeeper, the lifecycle manager and the audit log.
type Service struct {
	log        AuditLog
	classifier *safety.Classifier
	gate       *security.Gatekeeper
	manager    *modification.Manager
	rules      RuleStore
	logger     *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRuleStore persists rule registrations and toggles.
func WithRuleStore(rs RuleStore) Option {
	return func(s *Service) { s.rules = rs }
}

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates the governance service.
func NewService(log AuditLog, classifier *safety.Classifier, gate *security.Gatekeeper, manager *modification.Manager, opts ...Option) *Service {
	s := &Service{
		log:        log,
		classifier: classifier,
		gate:       gate,
		manager:    manager,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Manager returns the lifecycle manager.
func (s *Service) Manager() *modification.Manager { return s.manager }

// Gatekeeper returns the auth gatekeeper.
func (s *Service) Gatekeeper() *security.Gatekeeper { return s.gate }

// LoadRules replays stored rules on top of the seed set. Stored rows whose id is already
// registered are seed toggles; the rest are custom rules appended in their stored order.
func (s *Service) LoadRules(ctx context.Context) (int, error) {
	if s.rules == nil {
		return 0, nil
	}
	stored, err := s.rules.ListRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("load security rules: %w", err)
	}

	known := make(map[string]bool)
	for _, r := range s.classifier.Rules() {
		known[r.ID] = true
	}

	n := 0
	for _, r := range stored {
		if known[r.ID] {
			_, err = s.classifier.SetEnabledByID(r.ID, r.Enabled)
		} else {
			_, err = s.classifier.AddRule(r)
		}
		if err != nil {
			s.logger.Warn("Skipping stored security rule",
				zap.String("rule_id", r.ID),
				zap.String("rule_name", r.Name),
				zap.Error(err))
			continue
		}
		known[r.ID] = true
		n++
	}
	s.logger.Info("Loaded stored security rules", zap.Int("count", n))
	return n, nil
}

// SubmitModificationRequest proposes a change. No secret is needed to propose.
func (s *Service) SubmitModificationRequest(ctx context.Context, description, proposed string) (*Submission, error) {
	req, err := s.manager.Submit(ctx, description, proposed)
	if err != nil {
		return nil, err
	}
	return &Submission{ID: req.ID, Risk: req.Risk, RuleName: req.RiskRule, Status: string(req.Status)}, nil
}

// ApproveModification approves a pending request.
func (s *Service) ApproveModification(ctx context.Context, id, secret, approver string) (*modification.Request, error) {
	return s.manager.Approve(ctx, id, secret, approver)
}

// RejectModification rejects a pending request.
func (s *Service) RejectModification(ctx context.Context, id, secret, reason string) (*modification.Request, error) {
	return s.manager.Reject(ctx, id, secret, reason)
}

// ApplyModification marks an approved request as applied.
func (s *Service) ApplyModification(ctx context.Context, id, secret string) (*modification.Request, error) {
	return s.manager.Apply(ctx, id, secret)
}

// GetModification returns one request.
func (s *Service) GetModification(id string) (*modification.Request, error) {
	return s.manager.Get(id)
}

// ListPending returns pending requests newest first.
func (s *Service) ListPending() []*modification.Request {
	return s.manager.ListPending()
}

// ListHistory returns every request newest first.
func (s *Service) ListHistory() []*modification.Request {
	return s.manager.ListHistory()
}

// VerifySecret is the reusable gate for privileged actions outside the lifecycle.
// An empty identity falls back to the caller already carried by ctx. Failures also count
// against the client address in ctx whatever identity is named.
func (s *Service) VerifySecret(ctx context.Context, secret, identity string) (security.Result, error) {
	if strings.TrimSpace(identity) != "" {
		ctx = security.WithCaller(ctx, identity)
	}
	return s.gate.Authorize(ctx, "verify_secret", secret)
}

// Unlock clears a lockout for identity.
func (s *Service) Unlock(ctx context.Context, secret, identity string) error {
	return s.gate.Unlock(ctx, secret, identity)
}

// LogEvent appends a collaborator event to the audit trail. Failures propagate.
func (s *Service) LogEvent(ctx context.Context, level audit.Level, action, description string, metadata map[string]interface{}) (*audit.Entry, error) {
	entry := audit.NewEntry(level, strings.TrimSpace(action)).
		WithDescription(description).
		WithActor(security.CallerFromContext(ctx)).
		WithOrigin(security.OriginFromContext(ctx))
	for k, v := range metadata {
		entry.WithMetadata(k, v)
	}
	if err := s.log.Append(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// SearchLogs returns entries newest first. Storage failures degrade to an empty result.
func (s *Service) SearchLogs(ctx context.Context, f audit.Filter) []audit.Entry {
	entries, err := s.log.Search(ctx, f)
	if err != nil {
		s.logger.Warn("Audit search failed, returning no entries", zap.Error(err))
		return []audit.Entry{}
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	return entries
}

// ExportLogs writes matching entries oldest first. A storage failure while reading the log
// degrades to an empty export; encoding or writer failures are returned.
func (s *Service) ExportLogs(ctx context.Context, f audit.Filter, w io.Writer, format audit.Format) (int, error) {
	n, err := s.log.Export(ctx, f, w, format)
	if err != nil && errors.Is(err, audit.ErrStorageFailure) {
		s.logger.Warn("Audit export failed, returning no entries", zap.Error(err))
		return 0, nil
	}
	return n, err
}

// VerifyLog walks the hash chain of the audit log.
func (s *Service) VerifyLog(ctx context.Context) (*audit.VerifyReport, error) {
	return s.log.Verify(ctx)
}

// Rules returns the registered rules in registration order.
func (s *Service) Rules() []safety.SecurityRule {
	return s.classifier.Rules()
}

// AddRule registers a custom rule after authorizing the caller.
// Rejected registrations are audited at warning level.
func (s *Service) AddRule(ctx context.Context, secret string, rule safety.SecurityRule) (safety.SecurityRule, error) {
	if _, err := s.gate.Authorize(ctx, "add_rule", secret); err != nil {
		return safety.SecurityRule{}, err
	}

	added, err := s.classifier.AddRule(rule)
	if err != nil {
		entry := ruleEntry(ctx, audit.LevelWarning, audit.ActionRuleRejected, rule).
			WithDescriptionf("security rule %q rejected", rule.Name).
			WithError(err)
		if aerr := s.log.Append(ctx, entry); aerr != nil {
			return safety.SecurityRule{}, errors.Join(err, fmt.Errorf("record rule rejection: %w", aerr))
		}
		return safety.SecurityRule{}, err
	}

	// The rule is live from here; storage and audit failures are reported but cannot unregister it.
	if err := s.persistRule(ctx, added); err != nil {
		return added, err
	}
	entry := ruleEntry(ctx, audit.LevelSecurity, audit.ActionRuleAdded, added).
		WithDescriptionf("security rule %q added at %s tier", added.Name, added.Tier)
	if err := s.log.Append(ctx, entry); err != nil {
		return added, fmt.Errorf("record rule registration: %w", err)
	}
	s.logger.Info("Security rule added",
		zap.String("rule_id", added.ID),
		zap.String("rule_name", added.Name),
		zap.String("tier", added.Tier.String()))
	return added, nil
}

// SetRuleEnabled toggles a rule by name after authorizing the caller.
func (s *Service) SetRuleEnabled(ctx context.Context, secret, name string, enabled bool) (safety.SecurityRule, error) {
	op := "disable_rule"
	if enabled {
		op = "enable_rule"
	}
	if _, err := s.gate.Authorize(ctx, op, secret); err != nil {
		return safety.SecurityRule{}, err
	}

	rule, err := s.classifier.SetEnabled(name, enabled)
	if err != nil {
		return safety.SecurityRule{}, err
	}
	if err := s.persistRule(ctx, rule); err != nil {
		return rule, err
	}

	action := audit.ActionRuleDisabled
	if enabled {
		action = audit.ActionRuleEnabled
	}
	entry := ruleEntry(ctx, audit.LevelSecurity, action, rule).
		WithDescriptionf("security rule %q %s", rule.Name, strings.TrimPrefix(action, "rule."))
	if err := s.log.Append(ctx, entry); err != nil {
		return rule, fmt.Errorf("record rule toggle: %w", err)
	}
	return rule, nil
}

func (s *Service) persistRule(ctx context.Context, rule safety.SecurityRule) error {
	if s.rules == nil {
		return nil
	}
	if err := s.rules.SaveRule(ctx, rule); err != nil {
		s.logger.Error("Failed to persist security rule", zap.String("rule_id", rule.ID), zap.Error(err))
		return fmt.Errorf("persist security rule: %w", err)
	}
	return nil
}

// Lockdown enters emergency lockdown and returns how many pending requests were rejected.
func (s *Service) Lockdown(ctx context.Context, secret, actor string) (int, error) {
	return s.manager.Lockdown(ctx, secret, actor)
}

// LiftLockdown leaves emergency lockdown.
func (s *Service) LiftLockdown(ctx context.Context, secret, actor string) error {
	return s.manager.LiftLockdown(ctx, secret, actor)
}

// Stats reports request counts, lockouts and audit log statistics.
// An unreadable audit log is flagged rather than failing the call.
func (s *Service) Stats(ctx context.Context) *Stats {
	st := &Stats{
		Requests: map[string]int{
			string(modification.StatusPending):  0,
			string(modification.StatusApproved): 0,
			string(modification.StatusRejected): 0,
			string(modification.StatusApplied):  0,
		},
		ActiveLockouts: s.gate.Guard().ActiveLockouts(),
		Lockdown:       s.manager.Locked(),
	}
	for _, r := range s.manager.ListHistory() {
		st.Requests[string(r.Status)]++
	}
	for _, r := range s.classifier.Rules() {
		st.RegisteredRules++
		if r.Enabled {
			st.EnabledRules++
		}
	}

	as, err := s.log.Stats(ctx)
	if err != nil {
		s.logger.Warn("Audit statistics unavailable", zap.Error(err))
		st.AuditUnavailable = true
		return st
	}
	st.Audit = as
	return st
}

func ruleEntry(ctx context.Context, level audit.Level, action string, rule safety.SecurityRule) *audit.Entry {
	e := audit.NewEntry(level, action).
		WithActor(security.CallerFromContext(ctx)).
		WithOrigin(security.OriginFromContext(ctx)).
		WithMetadata("rule_name", rule.Name).
		WithMetadata("pattern", rule.Pattern).
		WithMetadata("enabled", rule.Enabled)
	if rule.ID != "" {
		e.WithMetadata("rule_id", rule.ID)
	}
	if rule.Tier.Valid() {
		e.WithMetadata("tier", rule.Tier.String())
	}
	return e
}
