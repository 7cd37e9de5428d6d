package safety

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRules_AllValid(t *testing.T) {
	c, err := NewClassifier(DefaultRules()...)
	require.NoError(t, err)
	assert.Len(t, c.Rules(), len(DefaultRules()))

	for _, r := range c.Rules() {
		assert.NotEmpty(t, r.ID, r.Name)
		assert.False(t, r.CreatedAt.IsZero(), r.Name)
		assert.True(t, r.Enabled, r.Name)
	}
}

func TestClassify_Scenarios(t *testing.T) {
	c := NewDefaultClassifier()

	tests := []struct {
		name        string
		description string
		proposed    string
		want        RiskTier
	}{
		{"drop table", "delete all user records", "DROP TABLE users", RiskCritical},
		{"cosmetic", "update button color", "css change", RiskLow},
		{"shell", "run a shell script nightly", "", RiskHigh},
		{"credentials", "rotate the api token", "", RiskHigh},
		{"caching", "tune the lru cache", "", RiskMedium},
		{"network", "open a tcp listener", "", RiskMedium},
		{"proposed text only", "small tweak", "ALTER DATABASE prod", RiskCritical},
		{"empty", "", "", RiskLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.description, tt.proposed))
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	c := NewDefaultClassifier()
	first := c.Explain("delete all user records", "DROP TABLE users")
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, c.Explain("delete all user records", "DROP TABLE users"))
	}
	assert.Equal(t, "Database Access", first.RuleName)
}

func TestClassify_TierOrderBeatsRegistrationOrder(t *testing.T) {
	c, err := NewClassifier(
		SecurityRule{Name: "medium first", Pattern: `deploy`, Tier: RiskMedium, Enabled: true},
		SecurityRule{Name: "high second", Pattern: `deploy`, Tier: RiskHigh, Enabled: true},
		SecurityRule{Name: "critical last", Pattern: `prod`, Tier: RiskCritical, Enabled: true},
	)
	require.NoError(t, err)

	got := c.Explain("deploy to staging", "")
	assert.Equal(t, RiskHigh, got.Tier)
	assert.Equal(t, "high second", got.RuleName)

	got = c.Explain("deploy to prod", "")
	assert.Equal(t, RiskCritical, got.Tier)
	assert.Equal(t, "critical last", got.RuleName)
}

func TestClassify_RegistrationOrderWithinTier(t *testing.T) {
	c, err := NewClassifier(
		SecurityRule{Name: "a", Pattern: `x`, Tier: RiskHigh, Enabled: true},
		SecurityRule{Name: "b", Pattern: `x`, Tier: RiskHigh, Enabled: true},
	)
	require.NoError(t, err)
	assert.Equal(t, "a", c.Explain("x", "").RuleName)
}

func TestClassify_NoRulesIsLow(t *testing.T) {
	c, err := NewClassifier()
	require.NoError(t, err)
	got := c.Explain("DROP TABLE users", "rm -rf /")
	assert.Equal(t, RiskLow, got.Tier)
	assert.Empty(t, got.RuleName)
}

func TestAddRule_OnlyRaisesTier(t *testing.T) {
	c := NewDefaultClassifier()
	before := c.Classify("tune the lru cache", "")
	require.Equal(t, RiskMedium, before)

	_, err := c.AddRule(SecurityRule{Name: "LRU", Pattern: `(?i)lru`, Tier: RiskCritical, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, RiskCritical, c.Classify("tune the lru cache", ""))

	// Unrelated requests are unaffected.
	assert.Equal(t, RiskLow, c.Classify("update button color", "css change"))
}

func TestAddRule_Validation(t *testing.T) {
	c := NewDefaultClassifier()

	_, err := c.AddRule(SecurityRule{Name: "Database Access", Pattern: `x`, Tier: RiskHigh, Enabled: true})
	assert.ErrorIs(t, err, ErrDuplicateRule)

	_, err = c.AddRule(SecurityRule{Name: "bad", Pattern: `(unclosed`, Tier: RiskHigh, Enabled: true})
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = c.AddRule(SecurityRule{Name: "empty", Pattern: "", Tier: RiskHigh, Enabled: true})
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = c.AddRule(SecurityRule{Name: "low", Pattern: `x`, Tier: RiskLow, Enabled: true})
	assert.ErrorIs(t, err, ErrInvalidTier)

	_, err = c.AddRule(SecurityRule{Name: "unknown", Pattern: `x`, Tier: RiskTier(9), Enabled: true})
	assert.ErrorIs(t, err, ErrInvalidTier)

	_, err = c.AddRule(SecurityRule{Name: "  ", Pattern: `x`, Tier: RiskHigh, Enabled: true})
	assert.ErrorIs(t, err, ErrInvalidRule)

	assert.Len(t, c.Rules(), len(DefaultRules()))
}

func TestAddRule_DisabledDuplicateAllowed(t *testing.T) {
	c := NewDefaultClassifier()
	r, err := c.AddRule(SecurityRule{Name: "Database Access", Pattern: `x`, Tier: RiskHigh})
	require.NoError(t, err)
	assert.False(t, r.Enabled)
	assert.NotEmpty(t, r.ID)
}

func TestSetEnabled(t *testing.T) {
	c := NewDefaultClassifier()
	require.Equal(t, RiskCritical, c.Classify("DROP TABLE users", ""))

	r, err := c.SetEnabled("Database Access", false)
	require.NoError(t, err)
	assert.False(t, r.Enabled)
	// The broad destructive rule still applies.
	assert.Equal(t, RiskHigh, c.Classify("DROP TABLE users", ""))

	r, err = c.SetEnabled("Database Access", true)
	require.NoError(t, err)
	assert.True(t, r.Enabled)
	assert.Equal(t, RiskCritical, c.Classify("DROP TABLE users", ""))

	_, err = c.SetEnabled("nope", true)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestSetEnabledByID(t *testing.T) {
	c := NewDefaultClassifier()
	r, err := c.SetEnabledByID("seed-database-access", false)
	require.NoError(t, err)
	assert.Equal(t, "Database Access", r.Name)
	assert.False(t, r.Enabled)

	_, err = c.AddRule(SecurityRule{Name: "Database Access", Pattern: `x`, Tier: RiskHigh, Enabled: true})
	require.NoError(t, err)
	_, err = c.SetEnabledByID("seed-database-access", true)
	assert.ErrorIs(t, err, ErrDuplicateRule)

	_, err = c.SetEnabledByID("nope", true)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestRules_Snapshot(t *testing.T) {
	c := NewDefaultClassifier()
	rules := c.Rules()
	rules[0].Enabled = false
	assert.True(t, c.Rules()[0].Enabled)
}

func TestClassifier_ConcurrentAccess(t *testing.T) {
	c := NewDefaultClassifier()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Classify("delete all user records", "DROP TABLE users")
			}
		}()
		go func(i int) {
			defer wg.Done()
			_, _ = c.SetEnabled("Configuration", i%2 == 0)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, RiskCritical, c.Classify("delete all user records", "DROP TABLE users"))
}

func TestRiskTier_Text(t *testing.T) {
	for _, tier := range []RiskTier{RiskLow, RiskMedium, RiskHigh, RiskCritical} {
		b, err := tier.MarshalText()
		require.NoError(t, err)
		var got RiskTier
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, tier, got)
	}
	_, err := ParseRiskTier("extreme")
	assert.Error(t, err)
	_, err = RiskTier(7).MarshalText()
	assert.Error(t, err)
	assert.True(t, RiskLow < RiskMedium && RiskHigh < RiskCritical)
}
