package safety

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateRule is returned when an enabled rule with the same name exists.
	ErrDuplicateRule = errors.New("security rule with this name already exists")

	// ErrRuleNotFound is returned when no rule has the given name.
	ErrRuleNotFound = errors.New("security rule not found")

	// ErrInvalidPattern is returned for patterns that do not compile.
	ErrInvalidPattern = errors.New("invalid rule pattern")

	// ErrInvalidRule is returned for rules missing a name.
	ErrInvalidRule = errors.New("invalid security rule")

	// ErrInvalidTier is returned for rules whose tier cannot affect classification.
	ErrInvalidTier = errors.New("rule tier must be medium, high or critical")
)

// SecurityRule pairs a match pattern with the risk tier it implies.
// Rules are immutable once registered except for Enabled.
type SecurityRule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Pattern     string    `json:"pattern"`
	Tier        RiskTier  `json:"tier"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

type compiledRule struct {
	SecurityRule
	re *regexp.Regexp
}

func (r *compiledRule) matches(description, proposed string) bool {
	return r.re.MatchString(description) || r.re.MatchString(proposed)
}

// Classification explains which rule produced a tier
type Classification struct {
	Tier     RiskTier `json:"tier"`
	RuleID   string   `json:"rule_id,omitempty"`
	RuleName string   `json:"rule_name,omitempty"`
}

// Classifier maps request text to a risk tier using an ordered rule set.
//
// Evaluation order is fixed: Critical rules first, then High, then Medium; within a tier
// rules are tried in registration order. The first enabled rule whose pattern matches either
// the description or the proposed text decides the tier. No match means Low.
type Classifier struct {
	mu    sync.RWMutex
	rules []*compiledRule
	now   func() time.Time
}

// NewClassifier creates a classifier seeded with rules, in order.
// Seed rules that fail validation are reported as an error.
func NewClassifier(rules ...SecurityRule) (*Classifier, error) {
	c := &Classifier{now: time.Now}
	for _, r := range rules {
		if _, err := c.AddRule(r); err != nil {
			return nil, fmt.Errorf("seed rule %q: %w", r.Name, err)
		}
	}
	return c, nil
}

// NewDefaultClassifier creates a classifier seeded with DefaultRules.
func NewDefaultClassifier() *Classifier {
	c, err := NewClassifier(DefaultRules()...)
	if err != nil {
		// DefaultRules is static and covered by tests.
		panic(err)
	}
	return c
}

// Classify returns the risk tier for a request.
func (c *Classifier) Classify(description, proposed string) RiskTier {
	return c.Explain(description, proposed).Tier
}

// Explain classifies a request and reports the deciding rule.
func (c *Classifier) Explain(description, proposed string) Classification {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, tier := range evaluationOrder {
		for _, r := range c.rules {
			if !r.Enabled || r.Tier != tier {
				continue
			}
			if r.matches(description, proposed) {
				return Classification{Tier: tier, RuleID: r.ID, RuleName: r.Name}
			}
		}
	}
	return Classification{Tier: RiskLow}
}

// AddRule validates and registers rule after all existing rules.
// ID and CreatedAt are assigned when empty. The registered rule is returned.
func (c *Classifier) AddRule(rule SecurityRule) (SecurityRule, error) {
	rule.Name = strings.TrimSpace(rule.Name)
	if rule.Name == "" {
		return SecurityRule{}, fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	switch rule.Tier {
	case RiskMedium, RiskHigh, RiskCritical:
	case RiskLow:
		return SecurityRule{}, ErrInvalidTier
	default:
		return SecurityRule{}, fmt.Errorf("%w: %d", ErrInvalidTier, int(rule.Tier))
	}
	if rule.Pattern == "" {
		return SecurityRule{}, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return SecurityRule{}, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if rule.Enabled && c.enabledByNameLocked(rule.Name) != nil {
		return SecurityRule{}, fmt.Errorf("%w: %q", ErrDuplicateRule, rule.Name)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = c.now().UTC()
	}

	c.rules = append(c.rules, &compiledRule{SecurityRule: rule, re: re})
	return rule, nil
}

// SetEnabled toggles the enabled rule with the given name, or else the most recently
// registered disabled one.
func (c *Classifier) SetEnabled(name string, enabled bool) (SecurityRule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r := c.enabledByNameLocked(name); r != nil {
		r.Enabled = enabled
		return r.SecurityRule, nil
	}

	// No enabled rule with this name: the most recent disabled one is the target.
	for i := len(c.rules) - 1; i >= 0; i-- {
		r := c.rules[i]
		if r.Name == name {
			r.Enabled = enabled
			return r.SecurityRule, nil
		}
	}
	return SecurityRule{}, fmt.Errorf("%w: %q", ErrRuleNotFound, name)
}

// SetEnabledByID toggles the rule with id. Enabling fails with ErrDuplicateRule when another
// enabled rule already uses the name.
func (c *Classifier) SetEnabledByID(id string, enabled bool) (SecurityRule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.rules {
		if r.ID != id {
			continue
		}
		if enabled && !r.Enabled {
			if other := c.enabledByNameLocked(r.Name); other != nil {
				return SecurityRule{}, fmt.Errorf("%w: %q", ErrDuplicateRule, r.Name)
			}
		}
		r.Enabled = enabled
		return r.SecurityRule, nil
	}
	return SecurityRule{}, fmt.Errorf("%w: id %s", ErrRuleNotFound, id)
}

// Rules returns a snapshot of all rules in registration order
func (c *Classifier) Rules() []SecurityRule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]SecurityRule, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.SecurityRule
	}
	return out
}

func (c *Classifier) enabledByNameLocked(name string) *compiledRule {
	for _, r := range c.rules {
		if r.Enabled && r.Name == name {
			return r
		}
	}
	return nil
}
