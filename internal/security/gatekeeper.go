package security

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-governance/internal/audit"
	"github.com/kubilitics/kubilitics-governance/internal/metrics"
)

var (
	// ErrUnauthorized is returned when the presented secret does not match.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrLockedOut is returned while the caller identity is locked out.
	ErrLockedOut = errors.New("locked out after repeated authentication failures")
)

// AttemptStore persists lockout state so it survives restarts.
type AttemptStore interface {
	SaveAttempt(ctx context.Context, rec AttemptRecord) error
	DeleteAttempt(ctx context.Context, identity string) error
	LoadAttempts(ctx context.Context) ([]AttemptRecord, error)
}

// Authorizer gates privileged actions behind the admin secret.
type Authorizer interface {
	Authorize(ctx context.Context, action, secret string) (Result, error)
}

// Gatekeeper wraps a Guard with auditing and persistence.
// Every check is written to the audit log at security level before the decision is returned.
type Gatekeeper struct {
	guard    *Guard
	recorder audit.Recorder
	store    AttemptStore
	logger   *zap.Logger
}

// GatekeeperOption configures a Gatekeeper.
type GatekeeperOption func(*Gatekeeper)

// WithAttemptStore persists attempt records after every check.
func WithAttemptStore(s AttemptStore) GatekeeperOption {
	return func(g *Gatekeeper) { g.store = s }
}

// WithGatekeeperLogger sets the application logger.
func WithGatekeeperLogger(l *zap.Logger) GatekeeperOption {
	return func(g *Gatekeeper) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGatekeeper creates a gatekeeper over guard that audits to recorder.
func NewGatekeeper(guard *Guard, recorder audit.Recorder, opts ...GatekeeperOption) *Gatekeeper {
	g := &Gatekeeper{
		guard:    guard,
		recorder: recorder,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Guard returns the underlying guard.
func (g *Gatekeeper) Guard() *Guard { return g.guard }

// Restore loads persisted attempt records into the guard.
func (g *Gatekeeper) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	records, err := g.store.LoadAttempts(ctx)
	if err != nil {
		return fmt.Errorf("load auth attempts: %w", err)
	}
	g.guard.Restore(records)
	metrics.AuthLockoutsActive.Set(float64(g.guard.ActiveLockouts()))
	g.logger.Info("Restored auth attempt records", zap.Int("count", len(records)))
	return nil
}

// Authorize checks secret for the caller in ctx before action is performed.
// Failures count against both the caller identity and the client address in ctx.
//
// The result is always returned. The error is nil only when the caller is authorized and
// the attempt was recorded; a failed audit append is returned as is and denies the action.
// The attempt state is persisted either way.
func (g *Gatekeeper) Authorize(ctx context.Context, action, secret string) (Result, error) {
	origin := OriginFromContext(ctx)
	res := g.guard.VerifyFrom(CallerFromContext(ctx), origin, secret)
	metrics.AuthAttemptsTotal.WithLabelValues(string(res.Outcome)).Inc()

	keys := []string{res.Identity}
	if key := OriginKey(origin); key != "" {
		keys = append(keys, key)
	}
	g.persist(ctx, keys...)
	metrics.AuthLockoutsActive.Set(float64(g.guard.ActiveLockouts()))

	entry := audit.NewEntry(audit.LevelSecurity, auditAction(res.Outcome)).
		WithDescriptionf("admin secret check for %s: %s", action, res.Outcome).
		WithActor(res.Identity).
		WithOrigin(origin).
		WithMetadata("guarded_action", action).
		WithMetadata("outcome", string(res.Outcome)).
		WithMetadata("failed_attempts", res.FailedAttempts)
	if !res.LockedUntil.IsZero() {
		entry.WithMetadata("locked_until", res.LockedUntil.UTC())
	}
	if err := g.recorder.Append(ctx, entry); err != nil {
		g.logger.Error("Failed to record auth attempt",
			zap.String("identity", res.Identity),
			zap.String("outcome", string(res.Outcome)),
			zap.Error(err))
		return res, fmt.Errorf("record auth attempt: %w", err)
	}

	switch res.Outcome {
	case OutcomeAuthorized:
		return res, nil
	case OutcomeInvalidSecret:
		return res, ErrUnauthorized
	case OutcomeLockoutTriggered:
		g.logger.Warn("Identity locked out",
			zap.String("identity", res.Identity),
			zap.String("origin", origin),
			zap.Int("failed_attempts", res.FailedAttempts),
			zap.Time("locked_until", res.LockedUntil))
		return res, ErrLockedOut
	case OutcomeLockedOut:
		return res, ErrLockedOut
	}
	return res, ErrUnauthorized
}

// persist mirrors the guard state for each key. Failures are logged only: the in-memory
// guard still enforces the lockout for this process.
func (g *Gatekeeper) persist(ctx context.Context, keys ...string) {
	if g.store == nil {
		return
	}
	for _, key := range keys {
		var err error
		if rec, ok := g.guard.Record(key); ok {
			err = g.store.SaveAttempt(ctx, rec)
		} else {
			err = g.store.DeleteAttempt(ctx, key)
		}
		if err != nil {
			g.logger.Warn("Failed to persist auth attempt",
				zap.String("identity", key),
				zap.Error(err))
		}
	}
}

// Unlock clears the lockout for identity after authorizing the caller.
// Pass OriginKey(addr) to clear a client address.
func (g *Gatekeeper) Unlock(ctx context.Context, secret, identity string) error {
	if _, err := g.Authorize(ctx, "unlock", secret); err != nil {
		return err
	}
	identity = normalizeIdentity(identity)
	cleared := g.guard.Unlock(identity)

	entry := audit.NewEntry(audit.LevelSecurity, audit.ActionAuthUnlocked).
		WithDescriptionf("lockout cleared for %s", identity).
		WithActor(CallerFromContext(ctx)).
		WithOrigin(OriginFromContext(ctx)).
		WithMetadata("identity", identity).
		WithMetadata("cleared", cleared)
	if err := g.recorder.Append(ctx, entry); err != nil {
		return fmt.Errorf("record unlock: %w", err)
	}
	if g.store != nil {
		if err := g.store.DeleteAttempt(ctx, identity); err != nil {
			g.logger.Warn("Failed to delete persisted auth attempt", zap.String("identity", identity), zap.Error(err))
		}
	}
	metrics.AuthLockoutsActive.Set(float64(g.guard.ActiveLockouts()))
	return nil
}

// RotateSecret replaces the admin secret after verifying the current one.
// It returns the bcrypt reference of the new secret for the caller to persist.
func (g *Gatekeeper) RotateSecret(ctx context.Context, current, next string) (string, error) {
	if _, err := g.Authorize(ctx, "rotate_secret", current); err != nil {
		return "", err
	}

	var v SecretVerifier
	reference, err := HashSecret(next, 0)
	if err == nil {
		v, err = NewSecretVerifier(reference)
	}

	actor := CallerFromContext(ctx)
	if err != nil {
		entry := audit.NewEntry(audit.LevelSecurity, audit.ActionAuthSecretRotateErr).
			WithDescription("admin secret rotation failed").
			WithActor(actor).
			WithOrigin(OriginFromContext(ctx)).
			WithError(err)
		if aerr := g.recorder.Append(ctx, entry); aerr != nil {
			return "", fmt.Errorf("record secret rotation failure: %w", aerr)
		}
		return "", err
	}

	entry := audit.NewEntry(audit.LevelSecurity, audit.ActionAuthSecretRotated).
		WithDescription("admin secret rotated").
		WithActor(actor).
		WithOrigin(OriginFromContext(ctx))
	if err := g.recorder.Append(ctx, entry); err != nil {
		return "", fmt.Errorf("record secret rotation: %w", err)
	}
	g.guard.SetVerifier(v)
	g.logger.Info("Admin secret rotated", zap.String("actor", actor))
	return reference, nil
}

func auditAction(o Outcome) string {
	switch o {
	case OutcomeAuthorized:
		return audit.ActionAuthAuthorized
	case OutcomeInvalidSecret:
		return audit.ActionAuthDenied
	case OutcomeLockoutTriggered:
		return audit.ActionAuthLockoutTrigger
	case OutcomeLockedOut:
		return audit.ActionAuthLockedOut
	}
	return audit.ActionAuthDenied
}
