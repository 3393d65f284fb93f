package policy

import (
	"fmt"

	"github.com/conclave-sec/conclave/internal/trust"
)

// riskCeiling is the auto-block threshold for the risk layer.
const riskCeiling = 0.8

// Decision is the outcome of a permission check. A denial is a normal,
// typed result — never an error.
type Decision struct {
	Allowed          bool     `json:"allowed"`
	RequiresApproval bool     `json:"requires_approval"`
	Reason           string   `json:"reason"`
	RiskScore        float64  `json:"risk_score"`
	Violations       []string `json:"violations,omitempty"`
}

// Engine evaluates permission checks against tool policies.
type Engine struct{}

// NewEngine creates a policy engine.
func NewEngine() *Engine {
	return &Engine{}
}

// CheckPermissions runs the layered authorization check: the legacy
// two-layer base check plus the risk auto-block ceiling. The risk layer
// is a strict refinement of the base check — it can only add denials,
// never relax one.
func (e *Engine) CheckPermissions(agent string, level trust.Level, p ToolPolicy) Decision {
	d := e.baseCheck(agent, level, p)
	d.RiskScore = p.Tier.Weight() * (1 - level.Score())
	if !d.Allowed {
		return d
	}

	if d.RiskScore >= riskCeiling {
		d.Allowed = false
		d.RequiresApproval = false
		d.Violations = append(d.Violations, "risk_ceiling_exceeded")
		d.Reason = fmt.Sprintf("computed risk %.2f exceeds ceiling %.2f for tier %s", d.RiskScore, riskCeiling, p.Tier)
	}
	return d
}

// baseCheck is the legacy two-layer check: agent allow-list, then trust
// threshold, short-circuiting on the first failure.
func (e *Engine) baseCheck(agent string, level trust.Level, p ToolPolicy) Decision {
	if len(p.AllowedAgents) > 0 {
		allowed := false
		for _, a := range p.AllowedAgents {
			if a == agent {
				allowed = true
				break
			}
		}
		if !allowed {
			return Decision{
				Reason:     fmt.Sprintf("agent %q is not in the allow-list for tool %q", agent, p.ToolID),
				Violations: []string{"agent_not_allowed"},
			}
		}
	}

	if level.Score() < p.RequiredTrust.Score() {
		return Decision{
			Reason: fmt.Sprintf("trust level %s (%.2f) is below required %s (%.2f)",
				level, level.Score(), p.RequiredTrust, p.RequiredTrust.Score()),
			Violations: []string{"insufficient_trust"},
		}
	}

	return Decision{
		Allowed:          true,
		RequiresApproval: p.Tier.RequiresApproval(),
		Reason:           "allowed",
	}
}
