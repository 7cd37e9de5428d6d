package security

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "open-sesame-42"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestGuard(t *testing.T, clock *fakeClock) *Guard {
	t.Helper()
	v, err := NewSecretVerifier(SHA256Reference(testSecret))
	require.NoError(t, err)
	return NewGuard(v, Policy{MaxFailedAttempts: 5, LockoutDuration: 15 * time.Minute}, WithGuardClock(clock.Now))
}

func TestGuard_Authorized(t *testing.T) {
	g := newTestGuard(t, newFakeClock())
	res := g.Verify("alice", testSecret)
	assert.True(t, res.Authorized())
	assert.Equal(t, OutcomeAuthorized, res.Outcome)
	assert.Equal(t, "alice", res.Identity)
	assert.Empty(t, g.Records())
}

func TestGuard_FailureCounting(t *testing.T) {
	g := newTestGuard(t, newFakeClock())
	for i := 1; i <= 4; i++ {
		res := g.Verify("alice", "wrong")
		assert.Equal(t, Denied, res.Decision)
		assert.Equal(t, OutcomeInvalidSecret, res.Outcome)
		assert.Equal(t, i, res.FailedAttempts)
		assert.True(t, res.LockedUntil.IsZero())
	}

	// Success clears the counter
	assert.True(t, g.Verify("alice", testSecret).Authorized())
	_, ok := g.Record("alice")
	assert.False(t, ok)
	assert.Equal(t, 1, g.Verify("alice", "wrong").FailedAttempts)
}

func TestGuard_LockoutLifecycle(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock)

	var res Result
	for i := 0; i < 5; i++ {
		res = g.Verify("alice", "wrong")
	}
	assert.Equal(t, OutcomeLockoutTriggered, res.Outcome)
	assert.Equal(t, 5, res.FailedAttempts)
	assert.Equal(t, clock.Now().Add(15*time.Minute), res.LockedUntil)
	assert.Equal(t, 1, g.ActiveLockouts())

	// Sixth attempt with the correct secret is still denied
	res = g.Verify("alice", testSecret)
	assert.Equal(t, Denied, res.Decision)
	assert.Equal(t, OutcomeLockedOut, res.Outcome)

	// Attempts during the lockout neither extend it nor count
	clock.Advance(10 * time.Minute)
	res = g.Verify("alice", "wrong")
	assert.Equal(t, OutcomeLockedOut, res.Outcome)
	assert.Equal(t, 5, res.FailedAttempts)

	// Other identities are unaffected
	assert.True(t, g.Verify("bob", testSecret).Authorized())

	clock.Advance(5 * time.Minute)
	res = g.Verify("alice", testSecret)
	assert.True(t, res.Authorized())
	_, ok := g.Record("alice")
	assert.False(t, ok)
	assert.Equal(t, 0, g.ActiveLockouts())
}

func TestGuard_ExpiredLockoutStartsOver(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock)
	for i := 0; i < 5; i++ {
		g.Verify("alice", "wrong")
	}
	clock.Advance(16 * time.Minute)

	res := g.Verify("alice", "wrong")
	assert.Equal(t, OutcomeInvalidSecret, res.Outcome)
	assert.Equal(t, 1, res.FailedAttempts)
}

func TestGuard_EmptyIdentityIsGlobal(t *testing.T) {
	g := newTestGuard(t, newFakeClock())
	res := g.Verify("  ", "wrong")
	assert.Equal(t, GlobalIdentity, res.Identity)
	rec, ok := g.Record("")
	require.True(t, ok)
	assert.Equal(t, 1, rec.FailedAttempts)
}

func TestGuard_NoVerifierDeniesEverything(t *testing.T) {
	g := NewGuard(nil, Policy{})
	assert.False(t, g.Verify("alice", "").Authorized())
	assert.Equal(t, DefaultPolicy(), g.Policy())
}

func TestGuard_RestoreAndUnlock(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock)

	g.Restore([]AttemptRecord{
		{Identity: "locked", FailedAttempts: 5, LockedUntil: clock.Now().Add(time.Minute)},
		{Identity: "expired", FailedAttempts: 5, LockedUntil: clock.Now().Add(-time.Minute)},
		{Identity: "counting", FailedAttempts: 2},
		{Identity: "zero"},
	})

	records := g.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "counting", records[0].Identity)
	assert.Equal(t, "locked", records[1].Identity)

	assert.Equal(t, OutcomeLockedOut, g.Verify("locked", testSecret).Outcome)
	assert.Equal(t, 3, g.Verify("counting", "wrong").FailedAttempts)

	assert.True(t, g.Unlock("locked"))
	assert.False(t, g.Unlock("locked"))
	assert.True(t, g.Verify("locked", testSecret).Authorized())
}

func TestGuard_SetVerifier(t *testing.T) {
	g := newTestGuard(t, newFakeClock())
	v, err := NewSecretVerifier(SHA256Reference("brand-new-secret"))
	require.NoError(t, err)
	g.SetVerifier(v)
	assert.False(t, g.Verify("alice", testSecret).Authorized())
	assert.True(t, g.Verify("alice", "brand-new-secret").Authorized())
}

func TestGuard_ConcurrentFailuresLockExactlyOnce(t *testing.T) {
	g := newTestGuard(t, newFakeClock())
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		triggered int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Verify("alice", "wrong").Outcome == OutcomeLockoutTriggered {
				mu.Lock()
				triggered++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, triggered)
	rec, ok := g.Record("alice")
	require.True(t, ok)
	assert.Equal(t, 5, rec.FailedAttempts)
}

func TestGuard_OriginLockoutSpansIdentities(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock)

	// One failure per identity never trips the identity threshold, only the origin one.
	var res Result
	for i := 0; i < 20; i++ {
		res = g.VerifyFrom(fmt.Sprintf("tab-%d", i), "10.0.0.9", "wrong")
		assert.Equal(t, 1, res.FailedAttempts)
	}
	assert.Equal(t, OutcomeLockoutTriggered, res.Outcome)
	assert.Equal(t, "tab-19", res.Identity)
	assert.Equal(t, clock.Now().Add(15*time.Minute), res.LockedUntil)

	rec, ok := g.Record(OriginKey("10.0.0.9"))
	require.True(t, ok)
	assert.Equal(t, 20, rec.FailedAttempts)

	// A fresh identity with the correct secret is still denied from that address.
	res = g.VerifyFrom("tab-new", "10.0.0.9", testSecret)
	assert.Equal(t, OutcomeLockedOut, res.Outcome)
	assert.Equal(t, "tab-new", res.Identity)

	// Other addresses and in-process checks are unaffected.
	assert.True(t, g.VerifyFrom("tab-new", "10.0.0.10", testSecret).Authorized())
	assert.True(t, g.Verify("tab-new", testSecret).Authorized())

	clock.Advance(15 * time.Minute)
	assert.True(t, g.VerifyFrom("tab-new", "10.0.0.9", testSecret).Authorized())
	_, ok = g.Record(OriginKey("10.0.0.9"))
	assert.False(t, ok)
}

func TestGuard_IdentityLockoutKeptBelowOriginThreshold(t *testing.T) {
	g := newTestGuard(t, newFakeClock())
	for i := 0; i < 5; i++ {
		_ = g.VerifyFrom("alice", "10.0.0.9", "wrong")
	}
	assert.Equal(t, OutcomeLockedOut, g.VerifyFrom("alice", "10.0.0.9", testSecret).Outcome)
	assert.True(t, g.VerifyFrom("bob", "10.0.0.9", testSecret).Authorized())
}

func TestGuard_IdentityCannotNameAnOriginCounter(t *testing.T) {
	g := newTestGuard(t, newFakeClock())
	for i := 0; i < 5; i++ {
		res := g.Verify(OriginKey("10.0.0.1"), "wrong")
		assert.Equal(t, GlobalIdentity, res.Identity)
	}
	_, ok := g.Record(OriginKey("10.0.0.1"))
	assert.False(t, ok)
	assert.True(t, g.VerifyFrom("alice", "10.0.0.1", testSecret).Authorized())
}

func TestPolicy_OriginThresholdDefault(t *testing.T) {
	v, err := NewSecretVerifier(SHA256Reference(testSecret))
	require.NoError(t, err)
	assert.Equal(t, 8, NewGuard(v, Policy{MaxFailedAttempts: 2}).Policy().MaxFailedPerOrigin)
	assert.Equal(t, 3, NewGuard(v, Policy{MaxFailedAttempts: 2, MaxFailedPerOrigin: 3}).Policy().MaxFailedPerOrigin)
	assert.Empty(t, OriginKey("  "))
}

func TestCallerFromContext(t *testing.T) {
	assert.Equal(t, GlobalIdentity, CallerFromContext(context.Background()))
	ctx := WithCaller(context.Background(), "session-1")
	assert.Equal(t, "session-1", CallerFromContext(ctx))
	assert.Equal(t, GlobalIdentity, CallerFromContext(WithCaller(context.Background(), "")))

	ctx = WithOrigin(ctx, "10.0.0.1")
	assert.Equal(t, "10.0.0.1", OriginFromContext(ctx))
	assert.Empty(t, OriginFromContext(context.Background()))
}
