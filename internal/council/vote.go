package council

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is the typed miss for an unknown vote id.
	ErrNotFound = errors.New("council: vote not found")
	// ErrVoteClosed rejects operations on a terminal vote.
	ErrVoteClosed = errors.New("council: vote already closed")
	// ErrAlreadyVoted rejects a second ballot from the same agent.
	ErrAlreadyVoted = errors.New("council: agent already voted")
	// ErrNotEligible rejects ballots from agents outside the council.
	ErrNotEligible = errors.New("council: agent not an eligible voter")
	// ErrNoStanding rejects a veto outside the agent's domains.
	ErrNoStanding = errors.New("council: agent has no standing in domain")
)

// Option is a single ballot choice.
type Option string

const (
	Approve Option = "APPROVE"
	Reject  Option = "REJECT"
	Abstain Option = "ABSTAIN"
)

// Threshold selects the quorum policy for a vote.
type Threshold string

const (
	AutoApproved       Threshold = "AUTO_APPROVED"
	SimpleMajority     Threshold = "SIMPLE_MAJORITY"
	WeightedMajority   Threshold = "WEIGHTED_MAJORITY"
	Supermajority      Threshold = "SUPERMAJORITY"
	SuperSupermajority Threshold = "SUPER_SUPERMAJORITY"
	Emergency          Threshold = "EMERGENCY"
)

// Status is a vote's lifecycle state. OPEN transitions exactly once to
// one of the terminal states and never changes again.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusPassed  Status = "PASSED"
	StatusFailed  Status = "FAILED"
	StatusExpired Status = "EXPIRED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusPassed || s == StatusFailed || s == StatusExpired
}

// Ballot is one agent's cast vote.
type Ballot struct {
	Option    Option    `json:"option"`
	Reasoning string    `json:"reasoning,omitempty"`
	CastAt    time.Time `json:"cast_at"`
}

// Veto is an absolute rejection from an agent with domain standing.
type Veto struct {
	Agent  string    `json:"agent"`
	Domain string    `json:"domain"`
	Reason string    `json:"reason"`
	Ref    string    `json:"ref,omitempty"`
	CastAt time.Time `json:"cast_at"`
}

// Vote is one proposal before the council.
type Vote struct {
	ID          string            `json:"id"`
	Topic       string            `json:"topic"`
	Description string            `json:"description,omitempty"`
	Threshold   Threshold         `json:"threshold"`
	Status      Status            `json:"status"`
	Ballots     map[string]Ballot `json:"ballots"`
	Vetoes      []Veto            `json:"vetoes,omitempty"`
	Deadline    time.Time         `json:"deadline"`
	InitiatedBy string            `json:"initiated_by"`
	Domains     []string          `json:"domains,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
}

// Voter describes one eligible council member.
type Voter struct {
	Weight  float64  `yaml:"weight" json:"weight"`
	Domains []string `yaml:"domains" json:"domains,omitempty"`
}

func validThreshold(t Threshold) bool {
	switch t {
	case AutoApproved, SimpleMajority, WeightedMajority, Supermajority, SuperSupermajority, Emergency:
		return true
	}
	return false
}

func validOption(o Option) bool {
	return o == Approve || o == Reject || o == Abstain
}
