package audit

import (
	"errors"
	"fmt"
)

// ErrDurability signals that the backing store could not persist an
// event. The in-memory chain tail does not advance past an unpersisted
// event; callers may retry the append.
var ErrDurability = errors.New("audit: durable write failed")

// ErrIntegrity signals that chain verification found a tampered or
// missing event. It is fatal to trust in history and is never
// auto-repaired.
var ErrIntegrity = errors.New("audit: chain integrity violation")

// Event is a single hash-chained audit record. Events are never mutated
// or removed after append.
type Event struct {
	Sequence   int64          `json:"sequence"`
	Timestamp  string         `json:"timestamp"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	TrustLevel string         `json:"trust_level"`
	Details    map[string]any `json:"details,omitempty"`
	PrevHash   string         `json:"prev_hash"`
	Hash       string         `json:"hash"`
}

// SecurityDetails is the extra payload recorded with a security event.
type SecurityDetails struct {
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	Source    string         `json:"source"`
	Mitigated bool           `json:"mitigated"`
	Actor     string         `json:"actor"`
	Trust     string         `json:"trust_level"`
	Details   map[string]any `json:"details,omitempty"`
}

// SecurityEvent is an audit event carrying security classification.
type SecurityEvent struct {
	Event
	EventType string `json:"event_type"`
	Severity  string `json:"severity"`
	Source    string `json:"source"`
	Mitigated bool   `json:"mitigated"`
}

// QueryOpts holds filters for audit log queries.
type QueryOpts struct {
	Action string
	Actor  string
	Since  string
	Limit  int
	Offset int
}

// VerifyResult is the outcome of a full chain verification.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Events   int    `json:"events"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Details  string `json:"details,omitempty"`
}

// Err returns nil for a valid chain, and an ErrIntegrity-wrapped error
// naming the broken sequence otherwise.
func (r VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: sequence %d: %s", ErrIntegrity, r.BrokenAt, r.Details)
}
