// Package council is the quorum-based collective decision engine.
// Proposals are opened, ballots accumulate, and a vote resolves as soon
// as its threshold policy is mathematically decided or its deadline
// passes.
package council

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/conclave-sec/conclave/internal/audit"
	"github.com/conclave-sec/conclave/internal/bus"
)

// Council runs votes over a fixed population of eligible voters.
// Ballot appends are atomic per vote; distinct votes share no locks.
type Council struct {
	voters    map[string]Voter
	store     VoteStore
	audit     *audit.Store
	events    *bus.Bus
	logger    *slog.Logger
	retention time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]*voteEntry

	resolved *prometheus.CounterVec
}

type voteEntry struct {
	mu sync.Mutex
	v  Vote
}

// Options configures a Council.
type Options struct {
	Voters    map[string]Voter
	Store     VoteStore     // required
	Audit     *audit.Store  // optional
	Events    *bus.Bus      // optional
	Retention time.Duration // terminal votes kept past deadline; default 30 days
}

// New creates a Council and reloads persisted votes from the store, so
// open votes survive a restart.
func New(ctx context.Context, opts Options, logger *slog.Logger, reg prometheus.Registerer) (*Council, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("council requires a vote store")
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}

	resolved := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conclave_council_votes_resolved_total",
		Help: "Votes that reached a terminal status, by status.",
	}, []string{"status"})
	if reg != nil {
		reg.MustRegister(resolved)
	}

	c := &Council{
		voters:    opts.Voters,
		store:     opts.Store,
		audit:     opts.Audit,
		events:    opts.Events,
		logger:    logger,
		retention: opts.Retention,
		now:       time.Now,
		entries:   make(map[string]*voteEntry),
		resolved:  resolved,
	}

	persisted, err := opts.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("reloading votes: %w", err)
	}
	for _, v := range persisted {
		c.entries[v.ID] = &voteEntry{v: v}
	}
	return c, nil
}

// CreateVote opens a new proposal. AUTO_APPROVED proposals resolve
// immediately without ballots.
func (c *Council) CreateVote(ctx context.Context, topic, description string, threshold Threshold, deadline time.Time, initiator string, domains []string) (Vote, error) {
	if topic == "" {
		return Vote{}, fmt.Errorf("vote topic must not be empty")
	}
	if !validThreshold(threshold) {
		return Vote{}, fmt.Errorf("unknown threshold %q", threshold)
	}
	if threshold != AutoApproved && len(c.voters) == 0 {
		return Vote{}, fmt.Errorf("threshold %s requires eligible voters", threshold)
	}

	now := c.now().UTC()
	v := Vote{
		ID:          uuid.New().String(),
		Topic:       topic,
		Description: description,
		Threshold:   threshold,
		Status:      StatusOpen,
		Ballots:     make(map[string]Ballot),
		Deadline:    deadline.UTC(),
		InitiatedBy: initiator,
		Domains:     domains,
		CreatedAt:   now,
	}

	if threshold == AutoApproved {
		v.Status = StatusPassed
		v.ResolvedAt = &now
	}

	if err := c.store.Save(ctx, v); err != nil {
		return Vote{}, err
	}

	c.mu.Lock()
	c.entries[v.ID] = &voteEntry{v: v}
	c.mu.Unlock()

	c.record(ctx, "vote_opened", initiator, map[string]any{
		"vote_id": v.ID, "topic": topic, "threshold": string(threshold),
	})
	if v.Status.Terminal() {
		c.announce(v)
	}
	return v, nil
}

// CastVote appends one agent's ballot and closes the vote early if the
// outcome is already mathematically guaranteed.
func (c *Council) CastVote(ctx context.Context, voteID, agent string, option Option, reasoning string) (Vote, error) {
	if !validOption(option) {
		return Vote{}, fmt.Errorf("unknown ballot option %q", option)
	}
	if _, eligible := c.voters[agent]; !eligible {
		return Vote{}, fmt.Errorf("%w: %q", ErrNotEligible, agent)
	}

	entry, err := c.entry(voteID)
	if err != nil {
		return Vote{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.v.Status.Terminal() {
		return Vote{}, fmt.Errorf("%w: %s is %s", ErrVoteClosed, voteID, entry.v.Status)
	}
	if _, dup := entry.v.Ballots[agent]; dup {
		return Vote{}, fmt.Errorf("%w: %q on %s", ErrAlreadyVoted, agent, voteID)
	}

	now := c.now().UTC()
	next := cloneVote(entry.v)
	next.Ballots[agent] = Ballot{Option: option, Reasoning: reasoning, CastAt: now}

	if status := c.tally(next); status.Terminal() {
		next.Status = status
		next.ResolvedAt = &now
	}

	if err := c.store.Save(ctx, next); err != nil {
		return Vote{}, err
	}
	entry.v = next

	c.record(ctx, "vote_ballot", agent, map[string]any{
		"vote_id": voteID, "option": string(option),
	})
	if next.Status.Terminal() {
		c.finishLocked(next)
	}
	return next, nil
}

// CastVeto fails the vote immediately, regardless of ballot tally. The
// agent must have standing in a domain the vote declares.
func (c *Council) CastVeto(ctx context.Context, voteID, agent, domain, reason, ref string) (Vote, error) {
	voter, eligible := c.voters[agent]
	if !eligible {
		return Vote{}, fmt.Errorf("%w: %q", ErrNotEligible, agent)
	}
	if !contains(voter.Domains, domain) {
		return Vote{}, fmt.Errorf("%w: %q in %q", ErrNoStanding, agent, domain)
	}

	entry, err := c.entry(voteID)
	if err != nil {
		return Vote{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.v.Status.Terminal() {
		return Vote{}, fmt.Errorf("%w: %s is %s", ErrVoteClosed, voteID, entry.v.Status)
	}
	if !contains(entry.v.Domains, domain) {
		return Vote{}, fmt.Errorf("%w: vote %s does not cover domain %q", ErrNoStanding, voteID, domain)
	}

	now := c.now().UTC()
	next := cloneVote(entry.v)
	next.Vetoes = append(next.Vetoes, Veto{Agent: agent, Domain: domain, Reason: reason, Ref: ref, CastAt: now})
	next.Status = StatusFailed
	next.ResolvedAt = &now

	if err := c.store.Save(ctx, next); err != nil {
		return Vote{}, err
	}
	entry.v = next

	c.record(ctx, "vote_veto", agent, map[string]any{
		"vote_id": voteID, "domain": domain, "reason": reason,
	})
	c.finishLocked(next)
	return next, nil
}

// CloseVote forces a terminal status. It errors if the vote is already
// terminal, so a duplicate close can never rewrite an outcome.
func (c *Council) CloseVote(ctx context.Context, voteID string, status Status) (Vote, error) {
	if !status.Terminal() {
		return Vote{}, fmt.Errorf("close status must be terminal, got %q", status)
	}

	entry, err := c.entry(voteID)
	if err != nil {
		return Vote{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.v.Status.Terminal() {
		return Vote{}, fmt.Errorf("%w: %s is %s", ErrVoteClosed, voteID, entry.v.Status)
	}

	now := c.now().UTC()
	next := cloneVote(entry.v)
	next.Status = status
	next.ResolvedAt = &now

	if err := c.store.Save(ctx, next); err != nil {
		return Vote{}, err
	}
	entry.v = next

	c.record(ctx, "vote_closed", "council", map[string]any{
		"vote_id": voteID, "status": string(status),
	})
	c.finishLocked(next)
	return next, nil
}

// SweepExpired is the periodic reconciliation pass: overdue OPEN votes
// become EXPIRED, and terminal votes past the retention window are
// purged from the store. There are no per-vote timers.
func (c *Council) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	expired := 0
	for _, id := range ids {
		entry, err := c.entry(id)
		if err != nil {
			continue
		}
		entry.mu.Lock()
		if entry.v.Status == StatusOpen && entry.v.Deadline.Before(now) {
			at := now.UTC()
			next := cloneVote(entry.v)
			next.Status = StatusExpired
			next.ResolvedAt = &at
			if err := c.store.Save(ctx, next); err != nil {
				entry.mu.Unlock()
				return expired, err
			}
			entry.v = next
			expired++
			c.record(ctx, "vote_expired", "council", map[string]any{"vote_id": id})
			c.finishLocked(next)
		}
		entry.mu.Unlock()
	}

	purged, err := c.store.Purge(ctx, now.Add(-c.retention))
	if err != nil {
		return expired, err
	}
	if purged > 0 {
		cutoff := now.Add(-c.retention)
		c.mu.Lock()
		for id, entry := range c.entries {
			entry.mu.Lock()
			stale := entry.v.Status.Terminal() && entry.v.Deadline.Before(cutoff)
			entry.mu.Unlock()
			if stale {
				delete(c.entries, id)
			}
		}
		c.mu.Unlock()
	}
	return expired, nil
}

// GetVote returns a vote by id.
func (c *Council) GetVote(voteID string) (Vote, error) {
	entry, err := c.entry(voteID)
	if err != nil {
		return Vote{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneVote(entry.v), nil
}

// AllVotes returns every known vote, newest first.
func (c *Council) AllVotes() []Vote {
	c.mu.RLock()
	entries := make([]*voteEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	votes := make([]Vote, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		votes = append(votes, cloneVote(e.v))
		e.mu.Unlock()
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].CreatedAt.After(votes[j].CreatedAt) })
	return votes
}

// ReferDispute opens a supermajority vote on a disputed matter. Used by
// the arbiter when a dispute has no constitutional violations.
func (c *Council) ReferDispute(ctx context.Context, topic, description string, parties []string) (string, error) {
	v, err := c.CreateVote(ctx, topic, description, Supermajority,
		c.now().Add(24*time.Hour), "arbiter", nil)
	if err != nil {
		return "", err
	}
	c.record(ctx, "dispute_referred", "arbiter", map[string]any{
		"vote_id": v.ID, "parties": parties,
	})
	return v.ID, nil
}

// tally evaluates whether the vote's threshold is already decided over
// the fixed eligible population. Fractions are computed against the
// eligible voter count, not ballots cast; early conclusion closes the
// vote as soon as the outcome is guaranteed.
func (c *Council) tally(v Vote) Status {
	if v.Threshold == WeightedMajority {
		return c.tallyWeighted(v)
	}

	eligible := len(c.voters)
	needed := neededApprovals(v.Threshold, eligible)

	approvals, cast := 0, len(v.Ballots)
	for _, b := range v.Ballots {
		if b.Option == Approve {
			approvals++
		}
	}
	uncast := eligible - cast

	switch {
	case approvals >= needed:
		return StatusPassed
	case approvals+uncast < needed:
		return StatusFailed
	default:
		return StatusOpen
	}
}

func (c *Council) tallyWeighted(v Vote) Status {
	var total, approved, castWeight float64
	for name, voter := range c.voters {
		total += voter.Weight
		if b, ok := v.Ballots[name]; ok {
			castWeight += voter.Weight
			if b.Option == Approve {
				approved += voter.Weight
			}
		}
	}
	uncast := total - castWeight

	switch {
	case approved > total/2:
		return StatusPassed
	case approved+uncast <= total/2:
		return StatusFailed
	default:
		return StatusOpen
	}
}

// neededApprovals maps a threshold policy to the approvals required over
// the eligible population. EMERGENCY allows a quarter quorum for
// time-critical topics.
func neededApprovals(t Threshold, eligible int) int {
	switch t {
	case SimpleMajority:
		return eligible/2 + 1
	case Supermajority:
		return ceilFrac(2, 3, eligible)
	case SuperSupermajority:
		return ceilFrac(3, 4, eligible)
	case Emergency:
		n := ceilFrac(1, 4, eligible)
		if n < 1 {
			n = 1
		}
		return n
	default:
		return eligible + 1 // unreachable for valid open thresholds
	}
}

func ceilFrac(num, den, x int) int {
	return (num*x + den - 1) / den
}

func (c *Council) entry(voteID string) (*voteEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[voteID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, voteID)
	}
	return entry, nil
}

// finishLocked emits the terminal-vote signals. Caller holds the entry
// lock; the vote passed in is already terminal and persisted.
func (c *Council) finishLocked(v Vote) {
	c.resolved.WithLabelValues(string(v.Status)).Inc()
	c.announce(v)
}

func (c *Council) announce(v Vote) {
	if c.events == nil {
		return
	}
	c.events.Publish(bus.TopicVoteCompleted, map[string]any{
		"vote_id":   v.ID,
		"topic":     v.Topic,
		"status":    string(v.Status),
		"threshold": string(v.Threshold),
		"ballots":   len(v.Ballots),
		"vetoes":    len(v.Vetoes),
	})
}

func (c *Council) record(ctx context.Context, action, actor string, details map[string]any) {
	if c.audit == nil {
		return
	}
	if _, err := c.audit.Append(action, actor, "system", details); err != nil {
		c.logger.Error("audit append failed", "action", action, "error", err)
	}
}

func cloneVote(v Vote) Vote {
	next := v
	next.Ballots = make(map[string]Ballot, len(v.Ballots)+1)
	for k, b := range v.Ballots {
		next.Ballots[k] = b
	}
	next.Vetoes = append([]Veto(nil), v.Vetoes...)
	next.Domains = append([]string(nil), v.Domains...)
	return next
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
