package modification

import (
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-governance/internal/safety"
)

// Request is a proposed privileged change awaiting authorization.
type Request struct {
	ID              string          `json:"id"`
	Description     string          `json:"description"`
	ProposedChange  string          `json:"proposed_change"`
	Risk            safety.RiskTier `json:"risk"`
	RiskRule        string          `json:"risk_rule,omitempty"`
	Status          Status          `json:"status"`
	SubmittedBy     string          `json:"submitted_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ApprovedBy      string          `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	RejectedAt      *time.Time      `json:"rejected_at,omitempty"`
	AppliedAt       *time.Time      `json:"applied_at,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.ApprovedAt = cloneTime(r.ApprovedAt)
	c.RejectedAt = cloneTime(r.RejectedAt)
	c.AppliedAt = cloneTime(r.AppliedAt)
	return &c
}

// Validate checks the invariants that tie status to the review fields.
func (r *Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidInput)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidInput, r.Status)
	}
	if !r.Risk.Valid() {
		return fmt.Errorf("%w: risk %d", ErrInvalidInput, int(r.Risk))
	}

	approved := r.ApprovedBy != "" && r.ApprovedAt != nil
	rejected := r.RejectionReason != ""
	applied := r.AppliedAt != nil

	switch r.Status {
	case StatusPending:
		if approved || rejected || applied {
			return fmt.Errorf("%w: pending request %s has review fields set", ErrInvalidInput, r.ID)
		}
	case StatusApproved:
		if !approved || rejected || applied {
			return fmt.Errorf("%w: approved request %s is inconsistent", ErrInvalidInput, r.ID)
		}
	case StatusRejected:
		if !rejected || approved || applied {
			return fmt.Errorf("%w: rejected request %s is inconsistent", ErrInvalidInput, r.ID)
		}
	case StatusApplied:
		if !approved || rejected || !applied {
			return fmt.Errorf("%w: applied request %s is inconsistent", ErrInvalidInput, r.ID)
		}
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
