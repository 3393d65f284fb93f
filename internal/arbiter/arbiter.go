// Package arbiter evaluates actions against the constitutional rules:
// hard invariants no vote can waive. Rulings are binding and cannot be
// appealed through the council.
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/conclave-sec/conclave/internal/audit"
	"github.com/conclave-sec/conclave/internal/bus"
)

// Ruling is the outcome of one constitutional evaluation. Violations
// lists every failed rule, not just the first.
type Ruling struct {
	RulingID   string    `json:"ruling_id"`
	Action     string    `json:"action"`
	Allowed    bool      `json:"allowed"`
	Violations []string  `json:"violations,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DisputeResult is the outcome of a dispute between agents. The arbiter
// never approves a dispute itself: it denies on violation or refers the
// matter to the council.
type DisputeResult struct {
	Ruling   Ruling `json:"ruling"`
	Referred bool   `json:"referred"`
	VoteID   string `json:"vote_id,omitempty"`
}

// Referrer opens a council vote for a dispute the constitution does not
// settle.
type Referrer interface {
	ReferDispute(ctx context.Context, topic, description string, parties []string) (string, error)
}

// Arbiter holds the rule set fixed at construction.
type Arbiter struct {
	rules   []Rule
	audit   *audit.Store
	events  *bus.Bus
	council Referrer
	logger  *slog.Logger

	rulings *prometheus.CounterVec
}

// New creates an Arbiter. audit, events, council, and reg may each be
// nil; the corresponding side effects are skipped.
func New(rules []Rule, auditLog *audit.Store, events *bus.Bus, council Referrer, logger *slog.Logger, reg prometheus.Registerer) *Arbiter {
	rulings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conclave_arbiter_rulings_total",
		Help: "Constitutional rulings issued, by outcome.",
	}, []string{"outcome"})
	if reg != nil {
		reg.MustRegister(rulings)
	}
	return &Arbiter{
		rules:   rules,
		audit:   auditLog,
		events:  events,
		council: council,
		logger:  logger,
		rulings: rulings,
	}
}

// Rules returns the names and descriptions of the active rule set.
func (a *Arbiter) Rules() []Rule {
	out := make([]Rule, len(a.rules))
	copy(out, a.rules)
	return out
}

// EvaluateAction checks the action context against every rule and
// collects all failures, so the caller sees each violated invariant.
func (a *Arbiter) EvaluateAction(action string, actionCtx map[string]any) Ruling {
	r := Ruling{
		RulingID:  uuid.New().String(),
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
	for _, rule := range a.rules {
		ok, reason := rule.Check(action, actionCtx)
		if !ok {
			r.Violations = append(r.Violations, fmt.Sprintf("%s: %s", rule.Name, reason))
		}
	}
	r.Allowed = len(r.Violations) == 0

	outcome := "allowed"
	if !r.Allowed {
		outcome = "denied"
		a.logger.Warn("constitutional violation",
			"action", action,
			"violations", strings.Join(r.Violations, "; "))
	}
	a.rulings.WithLabelValues(outcome).Inc()

	a.record("arbiter_ruling", map[string]any{
		"ruling_id":  r.RulingID,
		"action":     action,
		"allowed":    r.Allowed,
		"violations": r.Violations,
	})
	a.announce(r)
	return r
}

// HandleDispute applies the constitution to a dispute between agents.
// Any violation denies the dispute outright; otherwise it is referred
// to the council for a supermajority vote.
func (a *Arbiter) HandleDispute(ctx context.Context, parties []string, issue string, disputeCtx map[string]any) (DisputeResult, error) {
	ruling := a.EvaluateAction("dispute:"+issue, disputeCtx)
	result := DisputeResult{Ruling: ruling}
	if !ruling.Allowed {
		return result, nil
	}

	if a.council == nil {
		return result, fmt.Errorf("no council available to refer dispute %q", issue)
	}
	voteID, err := a.council.ReferDispute(ctx, "dispute: "+issue,
		fmt.Sprintf("dispute between %s", strings.Join(parties, ", ")), parties)
	if err != nil {
		return result, fmt.Errorf("referring dispute: %w", err)
	}
	result.Referred = true
	result.VoteID = voteID

	a.record("dispute_referred", map[string]any{
		"ruling_id": ruling.RulingID,
		"issue":     issue,
		"parties":   parties,
		"vote_id":   voteID,
	})
	return result, nil
}

func (a *Arbiter) record(action string, details map[string]any) {
	if a.audit == nil {
		return
	}
	if _, err := a.audit.Append(action, "arbiter", "system", details); err != nil {
		a.logger.Error("audit append failed", "action", action, "error", err)
	}
}

func (a *Arbiter) announce(r Ruling) {
	if a.events == nil {
		return
	}
	a.events.Publish(bus.TopicArbiterRuling, map[string]any{
		"ruling_id":  r.RulingID,
		"action":     r.Action,
		"allowed":    r.Allowed,
		"violations": r.Violations,
	})
}
