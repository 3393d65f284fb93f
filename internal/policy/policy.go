// Package policy decides whether an agent may exercise a capability,
// combining a static allow-list, a trust-level floor, and a risk-based
// auto-block ceiling.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/conclave-sec/conclave/internal/trust"
)

// ErrNotFound is the typed miss for an unknown tool id.
var ErrNotFound = errors.New("policy: tool not found")

// Tier classifies a capability's destructiveness.
type Tier string

const (
	TierReadOnly         Tier = "READ_ONLY"
	TierWriteSafe        Tier = "WRITE_SAFE"
	TierWriteDestructive Tier = "WRITE_DESTRUCTIVE"
	TierAdmin            Tier = "ADMIN"
)

// tierWeights feed the risk layer: riskier tiers weigh more.
var tierWeights = map[Tier]float64{
	TierReadOnly:         0.1,
	TierWriteSafe:        0.4,
	TierWriteDestructive: 0.8,
	TierAdmin:            1.0,
}

// Weight returns the tier's risk weight, or the admin weight for an
// unknown tier (fail toward caution).
func (t Tier) Weight() float64 {
	if w, ok := tierWeights[t]; ok {
		return w
	}
	return tierWeights[TierAdmin]
}

// RequiresApproval reports whether capabilities at this tier need
// collective approval before execution.
func (t Tier) RequiresApproval() bool {
	return t == TierWriteDestructive || t == TierAdmin
}

func validTier(t Tier) bool {
	_, ok := tierWeights[t]
	return ok
}

// ParseTier validates a tier name from config.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !validTier(t) {
		return "", fmt.Errorf("unknown capability tier %q", s)
	}
	return t, nil
}

// ToolPolicy is the static authorization configuration for one
// capability. Loaded once, read-only during evaluation.
type ToolPolicy struct {
	ToolID        string
	AllowedAgents []string // empty = all agents
	RequiredTrust trust.Level
	Tier          Tier
}

// Registry maps capability ids to their policies. Policies are validated
// at registration time; the registry is read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]ToolPolicy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]ToolPolicy)}
}

// Register validates and adds a tool policy.
func (r *Registry) Register(p ToolPolicy) error {
	if p.ToolID == "" {
		return fmt.Errorf("tool policy missing tool id")
	}
	if !validTier(p.Tier) {
		return fmt.Errorf("tool %q has unknown permission tier %q", p.ToolID, p.Tier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.policies[p.ToolID]; exists {
		return fmt.Errorf("tool %q registered twice", p.ToolID)
	}
	r.policies[p.ToolID] = p
	return nil
}

// Get returns the policy for a tool id, or ErrNotFound.
func (r *Registry) Get(toolID string) (ToolPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[toolID]
	if !ok {
		return ToolPolicy{}, fmt.Errorf("%w: %q", ErrNotFound, toolID)
	}
	return p, nil
}

// All returns every registered policy, sorted by tool id.
func (r *Registry) All() []ToolPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolPolicy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out
}
