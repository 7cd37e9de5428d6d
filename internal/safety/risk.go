package safety

import (
	"fmt"
	"strings"
)

// RiskTier is the severity assigned to a modification request.
// Tiers are ordered: Low < Medium < High < Critical.
type RiskTier int

const (
	RiskLow RiskTier = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// evaluationOrder is the order tiers are checked in by the classifier.
var evaluationOrder = []RiskTier{RiskCritical, RiskHigh, RiskMedium}

func (t RiskTier) String() string {
	switch t {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	}
	return fmt.Sprintf("RiskTier(%d)", int(t))
}

// Valid reports whether t is a known tier
func (t RiskTier) Valid() bool {
	switch t {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// ParseRiskTier parses a tier name, case-insensitively
func ParseRiskTier(s string) (RiskTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	}
	return RiskLow, fmt.Errorf("unknown risk tier %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (t RiskTier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid risk tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *RiskTier) UnmarshalText(b []byte) error {
	parsed, err := ParseRiskTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
