package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-governance/internal/audit"
	"github.com/kubilitics/kubilitics-governance/internal/db"
	"github.com/kubilitics/kubilitics-governance/internal/governance"
	"github.com/kubilitics/kubilitics-governance/internal/modification"
	"github.com/kubilitics/kubilitics-governance/internal/safety"
	"github.com/kubilitics/kubilitics-governance/internal/security"
)

const testSecret = "http-admin-secret"

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	store *audit.Store
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	acfg := audit.DefaultConfig()
	acfg.Dir = t.TempDir()
	acfg.SyncOnWrite = false
	store, err := audit.Open(acfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	st, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	v, err := security.NewSecretVerifier(security.SHA256Reference(testSecret))
	require.NoError(t, err)
	guard := security.NewGuard(v, security.Policy{MaxFailedAttempts: 2, LockoutDuration: time.Minute})
	gk := security.NewGatekeeper(guard, store, security.WithAttemptStore(st))
	cls := safety.NewDefaultClassifier()
	mgr := modification.NewManager(cls, gk, store, modification.WithRepository(st))
	svc := governance.NewService(store, cls, gk, mgr, governance.WithRuleStore(st))

	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = "X-Session-ID"
	}
	srv, err := NewServer(cfg, svc)
	require.NoError(t, err)
	store.Subscribe(srv.Hub().Publish)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().Close()
		ts.Close()
	})
	return &testEnv{srv: srv, http: ts, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, session string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rdr)
	require.NoError(t, err)
	if session != "" {
		req.Header.Set("X-Session-ID", session)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func TestNewServer_NilService(t *testing.T) {
	_, err := NewServer(Config{}, nil)
	assert.Error(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t, Config{})

	resp, body := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"healthy"`)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, body = e.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "kubilitics_governance_http_request_duration_seconds")
}

func TestModificationLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t, Config{})

	resp, body := e.do(t, http.MethodPost, "/api/v1/modifications", "tab-1", map[string]string{
		"description":     "delete all user records",
		"proposed_change": "DROP TABLE users",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var sub governance.Submission
	require.NoError(t, json.Unmarshal(body, &sub))
	assert.Equal(t, safety.RiskCritical, sub.Risk)

	resp, body = e.do(t, http.MethodPost, "/api/v1/modifications/"+sub.ID+"/approve", "tab-1",
		map[string]string{"secret": "nope", "approver": "alice"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), ErrCodeUnauthorized)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/modifications/"+sub.ID+"/apply", "tab-1",
		map[string]string{"secret": testSecret})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "apply before approval")

	resp, body = e.do(t, http.MethodPost, "/api/v1/modifications/"+sub.ID+"/approve", "tab-1",
		map[string]string{"secret": testSecret, "approver": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = e.do(t, http.MethodPost, "/api/v1/modifications/"+sub.ID+"/apply", "tab-1",
		map[string]string{"secret": testSecret})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var applied modification.Request
	require.NoError(t, json.Unmarshal(body, &applied))
	assert.Equal(t, modification.StatusApplied, applied.Status)
	assert.NotNil(t, applied.AppliedAt)

	resp, body = e.do(t, http.MethodGet, "/api/v1/modifications?status=applied", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), sub.ID)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/modifications/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/modifications?status=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRejectThenApproveConflict(t *testing.T) {
	e := newTestEnv(t, Config{})

	_, body := e.do(t, http.MethodPost, "/api/v1/modifications", "", map[string]string{
		"description": "update button color", "proposed_change": "css change",
	})
	var sub governance.Submission
	require.NoError(t, json.Unmarshal(body, &sub))
	assert.Equal(t, safety.RiskLow, sub.Risk)

	resp, _ := e.do(t, http.MethodPost, "/api/v1/modifications/"+sub.ID+"/reject", "",
		map[string]string{"secret": testSecret, "reason": "cosmetic, low priority"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do(t, http.MethodPost, "/api/v1/modifications/"+sub.ID+"/approve", "",
		map[string]string{"secret": testSecret, "approver": "alice"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), ErrCodeNotPending)
}

func TestVerifySecretLockoutPerSession(t *testing.T) {
	e := newTestEnv(t, Config{})

	for i := 0; i < 2; i++ {
		resp, _ := e.do(t, http.MethodPost, "/api/v1/auth/verify", "tab-a", map[string]string{"secret": "bad"})
		assert.NotEqual(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := e.do(t, http.MethodPost, "/api/v1/auth/verify", "tab-a", map[string]string{"secret": testSecret})
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	var vr verifyResponse
	require.NoError(t, json.Unmarshal(body, &vr))
	assert.Equal(t, "locked_out", vr.Outcome)
	assert.NotNil(t, vr.LockedUntil)

	// Another session is not affected.
	resp, body = e.do(t, http.MethodPost, "/api/v1/auth/verify", "tab-b", map[string]string{"secret": testSecret})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &vr))
	assert.Equal(t, "authorized", vr.Decision)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/auth/unlock", "tab-b",
		map[string]string{"secret": testSecret, "identity": "tab-a"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/auth/verify", "tab-a", map[string]string{"secret": testSecret})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestVerifySecretRotatingSessionsStillLockOut(t *testing.T) {
	e := newTestEnv(t, Config{})

	statuses := map[int]int{}
	for i := 0; i < 20; i++ {
		resp, _ := e.do(t, http.MethodPost, "/api/v1/auth/verify", fmt.Sprintf("rotating-%d", i), map[string]string{"secret": "bad"})
		statuses[resp.StatusCode]++
	}
	assert.Positive(t, statuses[http.StatusLocked], "statuses: %v", statuses)

	resp, body := e.do(t, http.MethodPost, "/api/v1/auth/verify", "fresh-session", map[string]string{"secret": testSecret})
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	var vr verifyResponse
	require.NoError(t, json.Unmarshal(body, &vr))
	assert.Equal(t, "locked_out", vr.Outcome)
	assert.Equal(t, "fresh-session", vr.Identity)

	// Approvals from the same address are refused as well.
	resp, body = e.do(t, http.MethodPost, "/api/v1/modifications", "fresh-session",
		map[string]string{"description": "update button color", "proposed_change": "css"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var sub governance.Submission
	require.NoError(t, json.Unmarshal(body, &sub))
	resp, body = e.do(t, http.MethodPost, "/api/v1/modifications/"+sub.ID+"/approve", "another-session",
		map[string]string{"secret": testSecret, "approver": "alice"})
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	assert.Contains(t, string(body), ErrCodeLockedOut)
}

func TestVerifySecretRejectsBodyIdentity(t *testing.T) {
	e := newTestEnv(t, Config{})

	resp, body := e.do(t, http.MethodPost, "/api/v1/auth/verify", "tab-a",
		map[string]string{"secret": "bad", "identity": "someone-else"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), ErrCodeInvalidRequest)

	resp, body = e.do(t, http.MethodPost, "/api/v1/auth/verify", "tab-a", map[string]string{"secret": "bad"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var vr verifyResponse
	require.NoError(t, json.Unmarshal(body, &vr))
	assert.Equal(t, "tab-a", vr.Identity)
	assert.Equal(t, 1, vr.FailedAttempts)
}

func TestLogEventSearchAndExport(t *testing.T) {
	e := newTestEnv(t, Config{})

	for i := 0; i < 3; i++ {
		resp, body := e.do(t, http.MethodPost, "/api/v1/audit/events", "agent", map[string]interface{}{
			"level":       "info",
			"action":      "agent.tool_call",
			"description": fmt.Sprintf("call %d", i),
			"metadata":    map[string]interface{}{"n": i},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	}

	resp, _ := e.do(t, http.MethodPost, "/api/v1/audit/events", "", map[string]string{"level": "loud", "action": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := e.do(t, http.MethodGet, "/api/v1/audit/logs?action=tool_call&limit=2", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var search struct {
		Entries []audit.Entry `json:"entries"`
		Count   int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &search))
	require.Equal(t, 2, search.Count)
	assert.Equal(t, "call 2", search.Entries[0].Description)
	assert.Equal(t, "agent", search.Entries[0].Actor)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/audit/logs?since=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/v1/audit/export?format=yaml&action=tool_call", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	var exported []audit.Entry
	require.NoError(t, yaml.Unmarshal(body, &exported))
	require.Len(t, exported, 3)
	assert.Equal(t, "call 0", exported[0].Description)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/audit/export?format=xml", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/v1/audit/verify", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"valid":true`)
}

func TestRulesOverHTTP(t *testing.T) {
	e := newTestEnv(t, Config{})

	resp, body := e.do(t, http.MethodPost, "/api/v1/rules", "", map[string]interface{}{
		"secret": testSecret, "name": "Audio", "pattern": "(?i)audio", "tier": "high",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, _ = e.do(t, http.MethodPost, "/api/v1/rules", "", map[string]interface{}{
		"secret": testSecret, "name": "Audio", "pattern": "x", "tier": "medium",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/rules", "", map[string]interface{}{
		"secret": testSecret, "name": "Bad", "pattern": "(", "tier": "medium",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/rules/"+url.PathEscape("Database Access")+"/disable", "",
		map[string]string{"secret": testSecret})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/v1/rules", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Rules []safety.SecurityRule `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list.Rules, len(safety.DefaultRules())+1)
	for _, r := range list.Rules {
		if r.Name == "Database Access" {
			assert.False(t, r.Enabled)
		}
	}

	resp, _ = e.do(t, http.MethodPost, "/api/v1/rules/Nope/enable", "", map[string]string{"secret": testSecret})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLockdownOverHTTP(t *testing.T) {
	e := newTestEnv(t, Config{})

	_, _ = e.do(t, http.MethodPost, "/api/v1/modifications", "", map[string]string{"description": "rename label"})

	resp, body := e.do(t, http.MethodPost, "/api/v1/lockdown", "", map[string]string{"secret": testSecret, "actor": "ops"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"rejected_requests":1`)

	resp, body = e.do(t, http.MethodPost, "/api/v1/modifications", "", map[string]string{"description": "anything"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), ErrCodeLockdown)

	resp, body = e.do(t, http.MethodGet, "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st governance.Stats
	require.NoError(t, json.Unmarshal(body, &st))
	assert.True(t, st.Lockdown)
	assert.Equal(t, 1, st.Requests["rejected"])

	resp, _ = e.do(t, http.MethodPost, "/api/v1/lockdown/lift", "", map[string]string{"secret": testSecret})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBadBodyAndUnknownFields(t *testing.T) {
	e := newTestEnv(t, Config{})

	req, err := http.NewRequest(http.MethodPost, e.http.URL+"/api/v1/modifications", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, _ := e.do(t, http.MethodPost, "/api/v1/modifications", "", map[string]string{"description": "x", "colour": "red"})
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestRateLimitApplies(t *testing.T) {
	e := newTestEnv(t, Config{RateLimitPerMinute: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, _ := e.do(t, http.MethodGet, "/api/v1/rules", "", nil)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	resp, _ := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	e.srv.limiter.Stop()
}

func TestClassifyErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{security.ErrUnauthorized, http.StatusUnauthorized, ErrCodeUnauthorized},
		{security.ErrLockedOut, http.StatusLocked, ErrCodeLockedOut},
		{modification.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{modification.ErrNotPending, http.StatusConflict, ErrCodeNotPending},
		{modification.ErrNotApproved, http.StatusConflict, ErrCodeNotApproved},
		{modification.ErrLockdown, http.StatusServiceUnavailable, ErrCodeLockdown},
		{modification.ErrInvalidInput, http.StatusBadRequest, ErrCodeInvalidRequest},
		{safety.ErrDuplicateRule, http.StatusConflict, ErrCodeDuplicateRule},
		{fmt.Errorf("wrap: %w", audit.ErrStorageFailure), http.StatusInternalServerError, ErrCodeStorageFailure},
		// A refusal whose audit entry failed reports the storage failure.
		{fmt.Errorf("%w; %w", security.ErrUnauthorized, audit.ErrStorageFailure), http.StatusInternalServerError, ErrCodeStorageFailure},
		{context.Canceled, http.StatusInternalServerError, ErrCodeInternalError},
	}
	for _, tc := range tests {
		status, code := classify(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}
