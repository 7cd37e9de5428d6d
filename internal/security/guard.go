package security

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Decision is the binary result of a secret check.
type Decision int

const (
	Denied Decision = iota
	Authorized
)

func (d Decision) String() string {
	if d == Authorized {
		return "authorized"
	}
	return "denied"
}

// Outcome distinguishes why a check was decided the way it was.
type Outcome string

const (
	OutcomeAuthorized       Outcome = "authorized"
	OutcomeInvalidSecret    Outcome = "invalid_secret"
	OutcomeLockoutTriggered Outcome = "lockout_triggered"
	OutcomeLockedOut        Outcome = "locked_out"
)

// Result carries everything a caller needs to audit a check.
type Result struct {
	Identity       string    `json:"identity"`
	Decision       Decision  `json:"-"`
	Outcome        Outcome   `json:"outcome"`
	FailedAttempts int       `json:"failed_attempts"`
	LockedUntil    time.Time `json:"locked_until,omitempty"`
}

// Authorized reports whether the check passed.
func (r Result) Authorized() bool { return r.Decision == Authorized }

// AttemptRecord is the failure state tracked for one identity.
type AttemptRecord struct {
	Identity       string    `json:"identity"`
	FailedAttempts int       `json:"failed_attempts"`
	LockedUntil    time.Time `json:"locked_until,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Locked reports whether the record holds a lockout that has not expired at now.
func (r AttemptRecord) Locked(now time.Time) bool {
	return !r.LockedUntil.IsZero() && now.Before(r.LockedUntil)
}

// Policy configures lockout behaviour.
type Policy struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	// MaxFailedPerOrigin bounds failures from one client address across every identity it
	// presents. Zero means OriginAttemptFactor times MaxFailedAttempts.
	MaxFailedPerOrigin int
}

// OriginAttemptFactor scales the per-identity threshold into the default per-origin one.
const OriginAttemptFactor = 4

// originKeyPrefix keeps origin counters apart from caller identities in the same table.
const originKeyPrefix = "origin:"

// DefaultPolicy returns five attempts and a thirty minute lockout.
func DefaultPolicy() Policy {
	return Policy{MaxFailedAttempts: 5, LockoutDuration: 30 * time.Minute}
}

// OriginKey is the attempt record key for failures from a client address.
// It returns "" for an unknown address.
func OriginKey(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}
	return originKeyPrefix + origin
}

func isOriginKey(key string) bool { return strings.HasPrefix(key, originKeyPrefix) }

// Guard verifies the admin secret and enforces per-identity lockout.
// It performs no I/O; callers audit and persist the returned results.
type Guard struct {
	mu       sync.Mutex
	verifier SecretVerifier
	policy   Policy
	records  map[string]*AttemptRecord
	now      func() time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardClock overrides the clock used for lockout expiry.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a guard. Non-positive policy fields fall back to DefaultPolicy.
func NewGuard(verifier SecretVerifier, policy Policy, opts ...GuardOption) *Guard {
	g := &Guard{
		verifier: verifier,
		policy:   normalizePolicy(policy),
		records:  make(map[string]*AttemptRecord),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func normalizePolicy(p Policy) Policy {
	def := DefaultPolicy()
	if p.MaxFailedAttempts <= 0 {
		p.MaxFailedAttempts = def.MaxFailedAttempts
	}
	if p.LockoutDuration <= 0 {
		p.LockoutDuration = def.LockoutDuration
	}
	if p.MaxFailedPerOrigin <= 0 {
		p.MaxFailedPerOrigin = OriginAttemptFactor * p.MaxFailedAttempts
	}
	return p
}

func (p Policy) threshold(key string) int {
	if isOriginKey(key) {
		return p.MaxFailedPerOrigin
	}
	return p.MaxFailedAttempts
}

// Verify checks secret for identity.
//
// A locked identity is denied until the lockout expires, even with the correct secret, and
// denied attempts during the lockout do not extend it. Once expired the counter starts over.
// A match clears the record; a mismatch increments it and starts a lockout on reaching
// the policy threshold.
func (g *Guard) Verify(identity, secret string) Result {
	return g.VerifyFrom(identity, "", secret)
}

// VerifyFrom is Verify with a second counter for the client address the check came from.
// The origin counter locks at MaxFailedPerOrigin and denies every identity presented from
// that address, so rotating identities cannot outrun the lockout. An empty origin behaves
// exactly like Verify. Result.Identity is always the caller identity.
func (g *Guard) VerifyFrom(identity, origin, secret string) Result {
	identity = normalizeIdentity(identity)
	if isOriginKey(identity) {
		// Callers name their own identity; they must not reach another address's counter.
		identity = GlobalIdentity
	}
	keys := []string{identity}
	if key := OriginKey(origin); key != "" {
		keys = append(keys, key)
	}

	g.mu.Lock()
	verifier := g.verifier
	g.mu.Unlock()

	// Always compare, locked or not, so response timing does not reveal lock state.
	matched := verifier != nil && verifier.Matches(secret)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var locked *AttemptRecord
	for _, key := range keys {
		rec := g.records[key]
		if rec == nil || rec.LockedUntil.IsZero() {
			continue
		}
		if rec.Locked(now) {
			if locked == nil || rec.LockedUntil.After(locked.LockedUntil) {
				locked = rec
			}
			continue
		}
		delete(g.records, key)
	}
	if locked != nil {
		return Result{
			Identity:       identity,
			Decision:       Denied,
			Outcome:        OutcomeLockedOut,
			FailedAttempts: locked.FailedAttempts,
			LockedUntil:    locked.LockedUntil,
		}
	}

	if matched {
		for _, key := range keys {
			delete(g.records, key)
		}
		return Result{Identity: identity, Decision: Authorized, Outcome: OutcomeAuthorized}
	}

	res := Result{Identity: identity, Decision: Denied, Outcome: OutcomeInvalidSecret}
	for _, key := range keys {
		rec := g.records[key]
		if rec == nil {
			rec = &AttemptRecord{Identity: key}
			g.records[key] = rec
		}
		rec.FailedAttempts++
		rec.UpdatedAt = now
		if key == identity {
			res.FailedAttempts = rec.FailedAttempts
		}
		if rec.FailedAttempts >= g.policy.threshold(key) {
			rec.LockedUntil = now.Add(g.policy.LockoutDuration)
			res.Outcome = OutcomeLockoutTriggered
			if rec.LockedUntil.After(res.LockedUntil) {
				res.LockedUntil = rec.LockedUntil
			}
		}
	}
	return res
}

// Record returns the tracked state for identity.
func (g *Guard) Record(identity string) (AttemptRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[normalizeIdentity(identity)]
	if !ok {
		return AttemptRecord{}, false
	}
	return *rec, true
}

// Records returns a snapshot of all tracked identities sorted by identity.
func (g *Guard) Records() []AttemptRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]AttemptRecord, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Restore replaces the tracked state, typically with records loaded at startup.
// Expired lockouts are dropped.
func (g *Guard) Restore(records []AttemptRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.records = make(map[string]*AttemptRecord, len(records))
	for _, r := range records {
		if r.FailedAttempts <= 0 {
			continue
		}
		if !r.LockedUntil.IsZero() && !r.Locked(now) {
			continue
		}
		r.Identity = normalizeIdentity(r.Identity)
		rec := r
		g.records[r.Identity] = &rec
	}
}

// Unlock clears identity's record. It reports whether anything was cleared.
func (g *Guard) Unlock(identity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	identity = normalizeIdentity(identity)
	if _, ok := g.records[identity]; !ok {
		return false
	}
	delete(g.records, identity)
	return true
}

// ActiveLockouts counts identities currently locked out.
func (g *Guard) ActiveLockouts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	n := 0
	for _, rec := range g.records {
		if rec.Locked(now) {
			n++
		}
	}
	return n
}

// SetVerifier swaps the reference secret. Tracked failures are kept.
func (g *Guard) SetVerifier(v SecretVerifier) {
	g.mu.Lock()
	g.verifier = v
	g.mu.Unlock()
}

// SetPolicy updates the lockout policy. Existing lockouts keep their expiry.
func (g *Guard) SetPolicy(p Policy) {
	g.mu.Lock()
	g.policy = normalizePolicy(p)
	g.mu.Unlock()
}

// Policy returns the current policy.
func (g *Guard) Policy() Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy
}
