package db

import (
	"context"
	"errors"

	"github.com/kubilitics/kubilitics-governance/internal/modification"
	"github.com/kubilitics/kubilitics-governance/internal/safety"
	"github.com/kubilitics/kubilitics-governance/internal/security"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence interface for the governance layer.
type Store interface {
	RequestStore
	AttemptStore
	RuleStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Modification requests ────────────────────────────────────────────────────

// RequestStore persists modification requests. It satisfies modification.Repository.
type RequestStore interface {
	// SaveRequest inserts or updates a request by id.
	SaveRequest(ctx context.Context, r *modification.Request) error

	// GetRequest returns one request or ErrNotFound.
	GetRequest(ctx context.Context, id string) (*modification.Request, error)

	// ListRequests returns every request ordered newest first.
	ListRequests(ctx context.Context) ([]*modification.Request, error)

	// DeleteRequest removes a request that was never committed.
	DeleteRequest(ctx context.Context, id string) error
}

// ─── Auth attempts ────────────────────────────────────────────────────────────

// AttemptStore persists per-identity lockout state. It satisfies security.AttemptStore.
type AttemptStore interface {
	SaveAttempt(ctx context.Context, rec security.AttemptRecord) error
	DeleteAttempt(ctx context.Context, identity string) error
	LoadAttempts(ctx context.Context) ([]security.AttemptRecord, error)
}

// ─── Custom security rules ────────────────────────────────────────────────────

// RuleStore persists rules registered at runtime and enable toggles of seed rules.
type RuleStore interface {
	// SaveRule inserts a rule, or updates the enabled flag of an existing id.
	SaveRule(ctx context.Context, rule safety.SecurityRule) error

	// ListRules returns stored rules in registration order.
	ListRules(ctx context.Context) ([]safety.SecurityRule, error)
}

var (
	_ modification.Repository = Store(nil)
	_ security.AttemptStore   = Store(nil)
)
