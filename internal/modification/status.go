package modification

import "fmt"

// Status is the lifecycle state of a modification request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusApplied  Status = "applied"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusApplied:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusApplied:
		return true
	case StatusPending, StatusApproved:
		return false
	}
	return false
}

// ParseStatus converts a string into a Status
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown modification status %q", s)
	}
	return st, nil
}

// CanTransition reports whether from -> to is a legal lifecycle step.
//
//	pending  -> approved | rejected
//	approved -> applied
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusRejected
	case StatusApproved:
		return to == StatusApplied
	case StatusRejected, StatusApplied:
		return false
	}
	return false
}
