package audit

import (
	"fmt"
	"time"
)

// Level represents the severity of an audit entry
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
	LevelSecurity Level = "security"
)

// Valid reports whether l is one of the known levels
func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelWarning, LevelError, LevelCritical, LevelSecurity:
		return true
	}
	return false
}

// ParseLevel converts a user supplied string into a Level
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown audit level %q", s)
	}
	return l, nil
}

// Action tags written by the governance subsystem
const (
	// Authentication events
	ActionAuthAuthorized      = "auth.authorized"
	ActionAuthDenied          = "auth.denied"
	ActionAuthLockoutTrigger  = "auth.lockout_triggered"
	ActionAuthLockedOut       = "auth.locked_out"
	ActionAuthUnlocked        = "auth.unlocked"
	ActionAuthSecretRotated   = "auth.secret_rotated"
	ActionAuthSecretRotateErr = "auth.secret_rotate_failed"

	// Modification lifecycle events
	ActionModificationSubmitted = "modification.submitted"
	ActionModificationApproved  = "modification.approved"
	ActionModificationRejected  = "modification.rejected"
	ActionModificationApplied   = "modification.applied"
	ActionModificationDenied    = "modification.transition_denied"

	// Rule registry events
	ActionRuleAdded    = "rule.added"
	ActionRuleEnabled  = "rule.enabled"
	ActionRuleDisabled = "rule.disabled"
	ActionRuleRejected = "rule.rejected"

	// Emergency lockdown
	ActionLockdownEnabled = "lockdown.enabled"
	ActionLockdownLifted  = "lockdown.lifted"

	// Audit store housekeeping
	ActionAuditRotated = "audit.rotated"
	ActionAuditPruned  = "audit.pruned"

	// System events
	ActionSystemStarted  = "system.started"
	ActionSystemShutdown = "system.shutdown"
)

// Entry is one immutable record of a security-relevant event
type Entry struct {
	Seq         uint64                 `json:"seq" yaml:"seq"`
	ID          string                 `json:"id" yaml:"id"`
	Timestamp   time.Time              `json:"timestamp" yaml:"timestamp"`
	Level       Level                  `json:"level" yaml:"level"`
	Action      string                 `json:"action" yaml:"action"`
	Description string                 `json:"description" yaml:"description"`
	Actor       string                 `json:"actor,omitempty" yaml:"actor,omitempty"`
	SessionID   string                 `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Origin      string                 `json:"origin,omitempty" yaml:"origin,omitempty"`
	Metadata    map[string]interface{} `json:"metadata" yaml:"metadata"`

	// Tamper evidence: Hash covers the record serialized with Hash empty.
	PrevHash string `json:"prev_hash" yaml:"prev_hash"`
	Hash     string `json:"hash" yaml:"hash"`
}

// NewEntry creates an entry with the given level and action tag
func NewEntry(level Level, action string) *Entry {
	return &Entry{
		Level:    level,
		Action:   action,
		Metadata: make(map[string]interface{}),
	}
}

// WithDescription sets a human-readable description
func (e *Entry) WithDescription(desc string) *Entry {
	e.Description = desc
	return e
}

// WithDescriptionf sets a formatted description
func (e *Entry) WithDescriptionf(format string, args ...interface{}) *Entry {
	e.Description = fmt.Sprintf(format, args...)
	return e
}

// WithActor sets the identity that triggered the event
func (e *Entry) WithActor(actor string) *Entry {
	e.Actor = actor
	return e
}

// WithSession sets the caller session
func (e *Entry) WithSession(session string) *Entry {
	e.SessionID = session
	return e
}

// WithOrigin sets the origin address of the caller
func (e *Entry) WithOrigin(origin string) *Entry {
	e.Origin = origin
	return e
}

// WithMetadata adds a metadata key
func (e *Entry) WithMetadata(key string, value interface{}) *Entry {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithError records err in the metadata
func (e *Entry) WithError(err error) *Entry {
	if err != nil {
		e.WithMetadata("error", err.Error())
	}
	return e
}

// Filter selects entries for Search and Export. Zero values match everything.
type Filter struct {
	Since  time.Time
	Until  time.Time
	Action string // substring match on the action tag
	Level  Level
	Actor  string
	Limit  int
}

// Matches reports whether e passes the filter. Limit is not considered.
func (f Filter) Matches(e *Entry) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && !containsFold(e.Action, f.Action) {
		return false
	}
	return true
}

// Stats summarises the contents of the log
type Stats struct {
	TotalEntries int            `json:"total_entries"`
	ByLevel      map[Level]int  `json:"by_level"`
	ByAction     map[string]int `json:"by_action"`
	Oldest       *time.Time     `json:"oldest,omitempty"`
	Newest       *time.Time     `json:"newest,omitempty"`
	Files        int            `json:"files"`
	Bytes        int64          `json:"bytes"`
}

// VerifyReport is the result of walking the hash chain
type VerifyReport struct {
	Entries  int    `json:"entries"`
	Files    int    `json:"files"`
	Valid    bool   `json:"valid"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
	File     string `json:"file,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
