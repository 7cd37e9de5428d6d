package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-governance/internal/security"
)

func (s *sqliteStore) SaveAttempt(ctx context.Context, rec security.AttemptRecord) error {
	var lockedUntil sql.NullTime
	if !rec.LockedUntil.IsZero() {
		lockedUntil = sql.NullTime{Time: rec.LockedUntil.UTC(), Valid: true}
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_attempts (identity, failed_attempts, locked_until, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			failed_attempts = excluded.failed_attempts,
			locked_until    = excluded.locked_until,
			updated_at      = excluded.updated_at
	`, rec.Identity, rec.FailedAttempts, lockedUntil, updated.UTC())
	if err != nil {
		return fmt.Errorf("save auth attempt: %w", err)
	}
	return nil
}

func (s *sqliteStore) DeleteAttempt(ctx context.Context, identity string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_attempts WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("delete auth attempt: %w", err)
	}
	return nil
}

func (s *sqliteStore) LoadAttempts(ctx context.Context) ([]security.AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, failed_attempts, locked_until, updated_at
		FROM auth_attempts
		ORDER BY identity ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load auth attempts: %w", err)
	}
	defer rows.Close()

	var results []security.AttemptRecord
	for rows.Next() {
		var (
			r           security.AttemptRecord
			lockedUntil sql.NullTime
		)
		if err := rows.Scan(&r.Identity, &r.FailedAttempts, &lockedUntil, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan auth attempt: %w", err)
		}
		if lockedUntil.Valid {
			r.LockedUntil = lockedUntil.Time.UTC()
		}
		r.UpdatedAt = r.UpdatedAt.UTC()
		results = append(results, r)
	}
	return results, rows.Err()
}
