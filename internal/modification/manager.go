package modification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-governance/internal/audit"
	"github.com/kubilitics/kubilitics-governance/internal/metrics"
	"github.com/kubilitics/kubilitics-governance/internal/safety"
	"github.com/kubilitics/kubilitics-governance/internal/security"
)

var (
	// ErrNotFound is returned for unknown request ids.
	ErrNotFound = errors.New("modification request not found")

	// ErrNotPending is returned when approving or rejecting a request that left pending.
	ErrNotPending = errors.New("modification request is not pending")

	// ErrNotApproved is returned when applying a request that is not approved.
	ErrNotApproved = errors.New("modification request is not approved")

	// ErrLockdown is returned while emergency lockdown is active.
	ErrLockdown = errors.New("emergency lockdown is active")

	// ErrInvalidInput is returned for malformed requests or arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStorage is returned when the request repository cannot be written.
	ErrStorage = errors.New("modification storage failure")
)

// LockdownReason is recorded on requests rejected by an emergency lockdown.
const LockdownReason = "emergency lockdown"

// Operation names used in audit metadata and metrics
const (
	OpSubmit   = "submit"
	OpApprove  = "approve"
	OpReject   = "reject"
	OpApply    = "apply"
	OpLockdown = "lockdown"
	OpLift     = "lift_lockdown"
)

// Classifier assigns a risk tier to request text.
type Classifier interface {
	Explain(description, proposed string) safety.Classification
}

// Repository persists requests. SaveRequest must upsert by id.
// DeleteRequest is only used to roll back a submission whose audit entry failed.
type Repository interface {
	SaveRequest(ctx context.Context, r *Request) error
	DeleteRequest(ctx context.Context, id string) error
	ListRequests(ctx context.Context) ([]*Request, error)
}

// Manager owns the modification requests and their state machine.
//
// Every transition is authorized, then checked and committed under the write lock. The new
// state becomes visible only after the repository write and the audit entry have both
// succeeded, so a request never changes without a durable record.
type Manager struct {
	mu       sync.RWMutex
	requests map[string]*Request
	lockdown bool

	classifier Classifier
	auth       security.Authorizer
	recorder   audit.Recorder
	repo       Repository
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRepository persists requests through repo.
func WithRepository(repo Repository) Option {
	return func(m *Manager) { m.repo = repo }
}

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the clock used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager.
func NewManager(classifier Classifier, auth security.Authorizer, recorder audit.Recorder, opts ...Option) *Manager {
	m := &Manager{
		requests:   make(map[string]*Request),
		classifier: classifier,
		auth:       auth,
		recorder:   recorder,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restore loads persisted requests. Records that violate the lifecycle invariants are skipped.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.repo == nil {
		return 0, nil
	}
	reqs, err := m.repo.ListRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: load requests: %v", ErrStorage, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range reqs {
		if err := r.Validate(); err != nil {
			m.logger.Warn("Skipping invalid stored modification request", zap.Error(err))
			continue
		}
		m.requests[r.ID] = r.Clone()
		n++
	}
	m.logger.Info("Restored modification requests", zap.Int("count", n))
	return n, nil
}

// Submit classifies and stores a new pending request. No authorization is needed to propose,
// and empty text is accepted: it matches no rule and is classified Low.
func (m *Manager) Submit(ctx context.Context, description, proposed string) (*Request, error) {
	actor := security.CallerFromContext(ctx)
	cls := m.classifier.Explain(description, proposed)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lockdown {
		return nil, m.deny(ctx, OpSubmit, nil, "", actor, ErrLockdown)
	}

	req := &Request{
		ID:             uuid.NewString(),
		Description:    description,
		ProposedChange: proposed,
		Risk:           cls.Tier,
		RiskRule:       cls.RuleName,
		Status:         StatusPending,
		SubmittedBy:    actor,
		CreatedAt:      m.now().UTC(),
	}

	level := audit.LevelInfo
	if req.Risk >= safety.RiskHigh {
		level = audit.LevelWarning
	}
	entry := transitionEntry(ctx, level, audit.ActionModificationSubmitted, OpSubmit, req, "", actor).
		WithDescriptionf("modification request %s submitted with %s risk", req.ID, req.Risk)
	if cls.RuleName != "" {
		entry.WithMetadata("risk_rule", cls.RuleName)
	}
	if err := m.commitLocked(ctx, nil, req, entry); err != nil {
		metrics.ModificationTransitionsTotal.WithLabelValues(OpSubmit, resultLabel(err)).Inc()
		return nil, err
	}

	metrics.ModificationTransitionsTotal.WithLabelValues(OpSubmit, "success").Inc()
	metrics.ModificationRequestsByRisk.WithLabelValues(req.Risk.String()).Inc()
	m.logger.Info("Modification request submitted",
		zap.String("id", req.ID),
		zap.String("risk", req.Risk.String()),
		zap.String("rule", cls.RuleName))
	return req.Clone(), nil
}

// Approve moves a pending request to approved.
func (m *Manager) Approve(ctx context.Context, id, secret, approver string) (*Request, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return nil, m.deny(ctx, OpApprove, m.lookup(id), id, approver, fmt.Errorf("%w: approver is required", ErrInvalidInput))
	}
	return m.transition(ctx, OpApprove, id, secret, approver, StatusApproved, func(r *Request, now time.Time) {
		r.ApprovedBy = approver
		r.ApprovedAt = &now
	})
}

// Reject moves a pending request to rejected, recording reason.
func (m *Manager) Reject(ctx context.Context, id, secret, reason string) (*Request, error) {
	reason = strings.TrimSpace(reason)
	actor := security.CallerFromContext(ctx)
	if reason == "" {
		return nil, m.deny(ctx, OpReject, m.lookup(id), id, actor, fmt.Errorf("%w: rejection reason is required", ErrInvalidInput))
	}
	return m.transition(ctx, OpReject, id, secret, actor, StatusRejected, func(r *Request, now time.Time) {
		r.RejectionReason = reason
		r.RejectedAt = &now
	})
}

// Apply records that an approved request was applied.
func (m *Manager) Apply(ctx context.Context, id, secret string) (*Request, error) {
	return m.transition(ctx, OpApply, id, secret, security.CallerFromContext(ctx), StatusApplied, func(r *Request, now time.Time) {
		r.AppliedAt = &now
	})
}

func (m *Manager) transition(ctx context.Context, op, id, secret, actor string, to Status, mutate func(*Request, time.Time)) (*Request, error) {
	// Authorization runs outside the lock: secret hashing is slow and must not stall readers.
	if _, err := m.auth.Authorize(ctx, "modification."+op, secret); err != nil {
		return nil, m.deny(ctx, op, m.lookup(id), id, actor, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.requests[id]
	if !ok {
		return nil, m.deny(ctx, op, nil, id, actor, fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	if m.lockdown && to != StatusRejected {
		return nil, m.deny(ctx, op, cur, id, actor, ErrLockdown)
	}
	if !CanTransition(cur.Status, to) {
		var err error
		if to == StatusApplied {
			err = fmt.Errorf("%w: %s is %s", ErrNotApproved, id, cur.Status)
		} else {
			err = fmt.Errorf("%w: %s is %s", ErrNotPending, id, cur.Status)
		}
		return nil, m.deny(ctx, op, cur, id, actor, err)
	}

	next := cur.Clone()
	next.Status = to
	mutate(next, m.now().UTC())

	entry := transitionEntry(ctx, audit.LevelSecurity, actionFor(to), op, next, cur.Status, actor).
		WithDescriptionf("modification request %s %s", id, to)
	if next.RejectionReason != "" {
		entry.WithMetadata("reason", next.RejectionReason)
	}
	if err := m.commitLocked(ctx, cur, next, entry); err != nil {
		metrics.ModificationTransitionsTotal.WithLabelValues(op, resultLabel(err)).Inc()
		return nil, err
	}

	metrics.ModificationTransitionsTotal.WithLabelValues(op, "success").Inc()
	m.logger.Info("Modification request transitioned",
		zap.String("id", id),
		zap.String("from", string(cur.Status)),
		zap.String("to", string(to)),
		zap.String("actor", actor))
	return next.Clone(), nil
}

// commitLocked persists next, writes its audit entry and only then publishes it.
// If the audit append fails the repository is rolled back to prev, or the row removed when
// there was none.
func (m *Manager) commitLocked(ctx context.Context, prev, next *Request, entry *audit.Entry) error {
	if m.repo != nil {
		if err := m.repo.SaveRequest(ctx, next); err != nil {
			m.logger.Error("Failed to persist modification request", zap.String("id", next.ID), zap.Error(err))
			return fmt.Errorf("%w: save request %s: %v", ErrStorage, next.ID, err)
		}
	}
	if err := m.recorder.Append(ctx, entry); err != nil {
		m.logger.Error("Failed to record modification transition",
			zap.String("id", next.ID),
			zap.String("action", entry.Action),
			zap.Error(err))
		if m.repo != nil {
			var rerr error
			if prev != nil {
				rerr = m.repo.SaveRequest(ctx, prev)
			} else {
				rerr = m.repo.DeleteRequest(ctx, next.ID)
			}
			if rerr != nil {
				m.logger.Error("Failed to roll back modification request", zap.String("id", next.ID), zap.Error(rerr))
			}
		}
		return fmt.Errorf("record %s: %w", entry.Action, err)
	}
	m.requests[next.ID] = next
	return nil
}

// deny audits a refused operation and returns err, joined with any audit failure.
func (m *Manager) deny(ctx context.Context, op string, req *Request, id, actor string, err error) error {
	metrics.ModificationTransitionsTotal.WithLabelValues(op, resultLabel(err)).Inc()

	level := audit.LevelWarning
	if errors.Is(err, security.ErrUnauthorized) || errors.Is(err, security.ErrLockedOut) || errors.Is(err, ErrLockdown) {
		level = audit.LevelSecurity
	}
	entry := audit.NewEntry(level, audit.ActionModificationDenied).
		WithDescriptionf("%s refused for modification request %s: %v", op, id, err).
		WithActor(actor).
		WithOrigin(security.OriginFromContext(ctx)).
		WithMetadata("operation", op).
		WithMetadata("request_id", id).
		WithError(err)
	if req != nil {
		entry.WithMetadata("status", string(req.Status)).
			WithMetadata("risk", req.Risk.String())
	}
	if aerr := m.recorder.Append(ctx, entry); aerr != nil {
		m.logger.Error("Failed to record refused modification operation", zap.String("operation", op), zap.Error(aerr))
		return errors.Join(err, fmt.Errorf("record refused %s: %w", op, aerr))
	}
	return err
}

// lookup returns a copy of the request with id, or nil.
func (m *Manager) lookup(id string) *Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests[id].Clone()
}

// Get returns a copy of the request with id.
func (m *Manager) Get(id string) (*Request, error) {
	if r := m.lookup(id); r != nil {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// ListPending returns pending requests, newest first.
func (m *Manager) ListPending() []*Request {
	return m.list(func(r *Request) bool { return r.Status == StatusPending })
}

// ListHistory returns every request, newest first.
func (m *Manager) ListHistory() []*Request {
	return m.list(func(*Request) bool { return true })
}

func (m *Manager) list(keep func(*Request) bool) []*Request {
	m.mu.RLock()
	out := make([]*Request, 0, len(m.requests))
	for _, r := range m.requests {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Lockdown rejects every pending request and blocks submit, approve and apply until lifted.
// It returns the number of requests rejected.
func (m *Manager) Lockdown(ctx context.Context, secret, actor string) (int, error) {
	actor = actorOrCaller(ctx, actor)
	if _, err := m.auth.Authorize(ctx, "modification."+OpLockdown, secret); err != nil {
		return 0, m.deny(ctx, OpLockdown, nil, "", actor, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lockdown {
		entry := audit.NewEntry(audit.LevelCritical, audit.ActionLockdownEnabled).
			WithDescription("emergency lockdown activated").
			WithActor(actor).
			WithOrigin(security.OriginFromContext(ctx))
		if err := m.recorder.Append(ctx, entry); err != nil {
			return 0, fmt.Errorf("record %s: %w", audit.ActionLockdownEnabled, err)
		}
		m.lockdown = true
		m.logger.Warn("Emergency lockdown activated", zap.String("actor", actor))
	}

	pending := make([]*Request, 0)
	for _, r := range m.requests {
		if r.Status == StatusPending {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	n := 0
	for _, cur := range pending {
		next := cur.Clone()
		now := m.now().UTC()
		next.Status = StatusRejected
		next.RejectionReason = LockdownReason
		next.RejectedAt = &now

		entry := transitionEntry(ctx, audit.LevelSecurity, audit.ActionModificationRejected, OpLockdown, next, cur.Status, actor).
			WithDescriptionf("modification request %s rejected by emergency lockdown", next.ID).
			WithMetadata("reason", LockdownReason)
		if err := m.commitLocked(ctx, cur, next, entry); err != nil {
			return n, err
		}
		metrics.ModificationTransitionsTotal.WithLabelValues(OpLockdown, "success").Inc()
		n++
	}
	return n, nil
}

// LiftLockdown ends an emergency lockdown.
func (m *Manager) LiftLockdown(ctx context.Context, secret, actor string) error {
	actor = actorOrCaller(ctx, actor)
	if _, err := m.auth.Authorize(ctx, "modification."+OpLift, secret); err != nil {
		return m.deny(ctx, OpLift, nil, "", actor, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.lockdown {
		return nil
	}
	entry := audit.NewEntry(audit.LevelSecurity, audit.ActionLockdownLifted).
		WithDescription("emergency lockdown lifted").
		WithActor(actor).
		WithOrigin(security.OriginFromContext(ctx))
	if err := m.recorder.Append(ctx, entry); err != nil {
		return fmt.Errorf("record %s: %w", audit.ActionLockdownLifted, err)
	}
	m.lockdown = false
	m.logger.Info("Emergency lockdown lifted", zap.String("actor", actor))
	return nil
}

// Locked reports whether emergency lockdown is active.
func (m *Manager) Locked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lockdown
}

func transitionEntry(ctx context.Context, level audit.Level, action, op string, r *Request, from Status, actor string) *audit.Entry {
	e := audit.NewEntry(level, action).
		WithActor(actor).
		WithOrigin(security.OriginFromContext(ctx)).
		WithMetadata("operation", op).
		WithMetadata("request_id", r.ID).
		WithMetadata("to_status", string(r.Status)).
		WithMetadata("risk", r.Risk.String())
	if from != "" {
		e.WithMetadata("from_status", string(from))
	}
	return e
}

func actionFor(s Status) string {
	switch s {
	case StatusPending:
		return audit.ActionModificationSubmitted
	case StatusApproved:
		return audit.ActionModificationApproved
	case StatusRejected:
		return audit.ActionModificationRejected
	case StatusApplied:
		return audit.ActionModificationApplied
	}
	return audit.ActionModificationDenied
}

func actorOrCaller(ctx context.Context, actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return security.CallerFromContext(ctx)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, security.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, security.ErrLockedOut):
		return "locked_out"
	case errors.Is(err, ErrNotPending):
		return "not_pending"
	case errors.Is(err, ErrNotApproved):
		return "not_approved"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrLockdown):
		return "lockdown"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	}
	return "storage_failure"
}
