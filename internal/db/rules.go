package db

import (
	"context"
	"fmt"

	"github.com/kubilitics/kubilitics-governance/internal/safety"
)

func (s *sqliteStore) SaveRule(ctx context.Context, rule safety.SecurityRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_rules (id, name, description, pattern, tier, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled
	`, rule.ID, rule.Name, rule.Description, rule.Pattern, rule.Tier.String(), rule.Enabled, rule.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save rule %q: %w", rule.Name, err)
	}
	return nil
}

func (s *sqliteStore) ListRules(ctx context.Context) ([]safety.SecurityRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, pattern, tier, enabled, created_at
		FROM security_rules
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var results []safety.SecurityRule
	for rows.Next() {
		var (
			r    safety.SecurityRule
			tier string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Pattern, &tier, &r.Enabled, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if r.Tier, err = safety.ParseRiskTier(tier); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		results = append(results, r)
	}
	return results, rows.Err()
}
