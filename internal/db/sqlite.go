package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-governance/internal/modification"
	"github.com/kubilitics/kubilitics-governance/internal/safety"
)

// migrations define the governance schema.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS modification_requests (
    id                TEXT PRIMARY KEY,
    description       TEXT NOT NULL DEFAULT '',
    proposed_change   TEXT NOT NULL DEFAULT '',
    risk              TEXT NOT NULL CHECK(risk IN ('low', 'medium', 'high', 'critical')),
    risk_rule         TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL CHECK(status IN ('pending', 'approved', 'rejected', 'applied')),
    submitted_by      TEXT NOT NULL DEFAULT '',
    created_at        DATETIME NOT NULL,
    approved_by       TEXT NOT NULL DEFAULT '',
    approved_at       DATETIME,
    rejection_reason  TEXT NOT NULL DEFAULT '',
    rejected_at       DATETIME,
    applied_at        DATETIME
);
CREATE INDEX IF NOT EXISTS idx_requests_status ON modification_requests(status);
CREATE INDEX IF NOT EXISTS idx_requests_created_at ON modification_requests(created_at DESC);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS auth_attempts (
    identity         TEXT PRIMARY KEY,
    failed_attempts  INTEGER NOT NULL DEFAULT 0,
    locked_until     DATETIME,
    updated_at       DATETIME NOT NULL
);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS security_rules (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    name         TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    pattern      TEXT NOT NULL,
    tier         TEXT NOT NULL CHECK(tier IN ('medium', 'high', 'critical')),
    enabled      BOOLEAN NOT NULL DEFAULT 1,
    created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_security_rules_name ON security_rules(name);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Modification requests ────────────────────────────────────────────────────

const requestColumns = `id, description, proposed_change, risk, risk_rule, status, submitted_by, created_at,
    approved_by, approved_at, rejection_reason, rejected_at, applied_at`

func (s *sqliteStore) SaveRequest(ctx context.Context, r *modification.Request) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO modification_requests(`+requestColumns+`)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            status           = excluded.status,
            approved_by      = excluded.approved_by,
            approved_at      = excluded.approved_at,
            rejection_reason = excluded.rejection_reason,
            rejected_at      = excluded.rejected_at,
            applied_at       = excluded.applied_at
    `,
		r.ID, r.Description, r.ProposedChange, r.Risk.String(), r.RiskRule, string(r.Status), r.SubmittedBy,
		r.CreatedAt.UTC(), r.ApprovedBy, nullTime(r.ApprovedAt), r.RejectionReason, nullTime(r.RejectedAt),
		nullTime(r.AppliedAt),
	)
	if err != nil {
		return fmt.Errorf("save request %s: %w", r.ID, err)
	}
	return nil
}

func (s *sqliteStore) GetRequest(ctx context.Context, id string) (*modification.Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM modification_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	return r, nil
}

func (s *sqliteStore) ListRequests(ctx context.Context) ([]*modification.Request, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM modification_requests ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var results []*modification.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *sqliteStore) DeleteRequest(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM modification_requests WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete request %s: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc scanner) (*modification.Request, error) {
	var (
		r                               modification.Request
		risk, status                    string
		approvedAt, rejectedAt, applied sql.NullTime
	)
	if err := sc.Scan(&r.ID, &r.Description, &r.ProposedChange, &risk, &r.RiskRule, &status, &r.SubmittedBy,
		&r.CreatedAt, &r.ApprovedBy, &approvedAt, &r.RejectionReason, &rejectedAt, &applied); err != nil {
		return nil, err
	}

	tier, err := safety.ParseRiskTier(risk)
	if err != nil {
		return nil, err
	}
	st, err := modification.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	r.Risk = tier
	r.Status = st
	r.CreatedAt = r.CreatedAt.UTC()
	r.ApprovedAt = timePtr(approvedAt)
	r.RejectedAt = timePtr(rejectedAt)
	r.AppliedAt = timePtr(applied)
	return &r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
