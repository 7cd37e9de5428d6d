package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-governance/internal/modification"
	"github.com/kubilitics/kubilitics-governance/internal/safety"
	"github.com/kubilitics/kubilitics-governance/internal/security"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ─── Modification requests ────────────────────────────────────────────────────

func TestRequestLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)

	req := &modification.Request{
		ID:             "req-1",
		Description:    "delete all user records",
		ProposedChange: "DROP TABLE users",
		Risk:           safety.RiskCritical,
		RiskRule:       "Database Access",
		Status:         modification.StatusPending,
		SubmittedBy:    "operator",
		CreatedAt:      created,
	}
	require.NoError(t, s.SaveRequest(ctx, req))

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, safety.RiskCritical, got.Risk)
	assert.Equal(t, modification.StatusPending, got.Status)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Nil(t, got.ApprovedAt)

	approvedAt := created.Add(time.Minute)
	req.Status = modification.StatusApproved
	req.ApprovedBy = "alice"
	req.ApprovedAt = &approvedAt
	require.NoError(t, s.SaveRequest(ctx, req))

	got, err = s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, modification.StatusApproved, got.Status)
	assert.Equal(t, "alice", got.ApprovedBy)
	require.NotNil(t, got.ApprovedAt)
	assert.True(t, approvedAt.Equal(*got.ApprovedAt))
	require.NoError(t, got.Validate())
}

func TestRequestNotFoundAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetRequest(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveRequest(ctx, &modification.Request{
		ID: "req-x", Status: modification.StatusPending, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.DeleteRequest(ctx, "req-x"))
	_, err = s.GetRequest(ctx, "req-x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRequestsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveRequest(ctx, &modification.Request{
			ID:        id,
			Status:    modification.StatusPending,
			Risk:      safety.RiskLow,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}
	list, err := s.ListRequests(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "a", list[2].ID)
}

func TestRequestStoreBacksManager(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recorder := &nopRecorder{}
	v, err := security.NewSecretVerifier(security.SHA256Reference("admin-secret"))
	require.NoError(t, err)
	gk := security.NewGatekeeper(security.NewGuard(v, security.DefaultPolicy()), recorder)

	mgr := modification.NewManager(safety.NewDefaultClassifier(), gk, recorder, modification.WithRepository(s))
	req, err := mgr.Submit(ctx, "update button color", "css change")
	require.NoError(t, err)
	_, err = mgr.Reject(ctx, req.ID, "admin-secret", "cosmetic, low priority")
	require.NoError(t, err)

	restored := modification.NewManager(safety.NewDefaultClassifier(), gk, recorder, modification.WithRepository(s))
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := restored.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, modification.StatusRejected, got.Status)
	assert.Equal(t, "cosmetic, low priority", got.RejectionReason)
}

// ─── Auth attempts ────────────────────────────────────────────────────────────

func TestAttemptRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	until := time.Date(2025, 5, 1, 12, 30, 0, 0, time.UTC)

	require.NoError(t, s.SaveAttempt(ctx, security.AttemptRecord{Identity: "alice", FailedAttempts: 2}))
	require.NoError(t, s.SaveAttempt(ctx, security.AttemptRecord{Identity: "bob", FailedAttempts: 5, LockedUntil: until}))
	require.NoError(t, s.SaveAttempt(ctx, security.AttemptRecord{Identity: "alice", FailedAttempts: 3}))

	recs, err := s.LoadAttempts(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "alice", recs[0].Identity)
	assert.Equal(t, 3, recs[0].FailedAttempts)
	assert.True(t, recs[0].LockedUntil.IsZero())
	assert.True(t, until.Equal(recs[1].LockedUntil))

	require.NoError(t, s.DeleteAttempt(ctx, "alice"))
	recs, err = s.LoadAttempts(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

// ─── Custom rules ─────────────────────────────────────────────────────────────

func TestRuleStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := safety.NewClassifier()
	require.NoError(t, err)
	first, err := c.AddRule(safety.SecurityRule{Name: "Kernel", Pattern: `(?i)kernel`, Tier: safety.RiskCritical, Enabled: true})
	require.NoError(t, err)
	second, err := c.AddRule(safety.SecurityRule{Name: "Billing", Pattern: `(?i)invoice`, Tier: safety.RiskMedium, Enabled: true})
	require.NoError(t, err)

	require.NoError(t, s.SaveRule(ctx, first))
	require.NoError(t, s.SaveRule(ctx, second))
	first.Enabled = false
	require.NoError(t, s.SaveRule(ctx, first))

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "Kernel", rules[0].Name)
	assert.False(t, rules[0].Enabled)
	assert.Equal(t, safety.RiskCritical, rules[0].Tier)
	assert.Equal(t, "Billing", rules[1].Name)
	assert.True(t, rules[1].Enabled)

	// Stored rules seed a new classifier
	restored, err := safety.NewClassifier(rules...)
	require.NoError(t, err)
	assert.Equal(t, safety.RiskMedium, restored.Classify("send invoice", ""))
	assert.Equal(t, safety.RiskLow, restored.Classify("kernel patch", ""))
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "governance.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveAttempt(context.Background(), security.AttemptRecord{Identity: "x", FailedAttempts: 1}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))
	recs, err := s.LoadAttempts(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
