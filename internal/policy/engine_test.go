package policy

import (
	"errors"
	"testing"

	"github.com/conclave-sec/conclave/internal/trust"
)

func TestAllowListExcludesAgent(t *testing.T) {
	e := NewEngine()
	p := ToolPolicy{ToolID: "fs_read", AllowedAgents: []string{"researcher"}, RequiredTrust: trust.Standard, Tier: TierReadOnly}

	d := e.CheckPermissions("intruder", trust.System, p)
	if d.Allowed {
		t.Error("agent outside allow-list should be denied regardless of trust")
	}
	if len(d.Violations) == 0 || d.Violations[0] != "agent_not_allowed" {
		t.Errorf("violations = %v", d.Violations)
	}
}

func TestEmptyAllowListMeansAll(t *testing.T) {
	e := NewEngine()
	p := ToolPolicy{ToolID: "fs_read", RequiredTrust: trust.Standard, Tier: TierReadOnly}

	d := e.CheckPermissions("anyone", trust.Standard, p)
	if !d.Allowed {
		t.Errorf("empty allow-list should admit all agents: %s", d.Reason)
	}
}

func TestTrustThreshold(t *testing.T) {
	e := NewEngine()
	p := ToolPolicy{ToolID: "deploy", RequiredTrust: trust.Verified, Tier: TierWriteSafe}

	if d := e.CheckPermissions("agent", trust.Standard, p); d.Allowed {
		t.Error("standard trust should not clear a verified floor")
	}
	if d := e.CheckPermissions("agent", trust.Verified, p); !d.Allowed {
		t.Errorf("verified trust should clear a verified floor: %s", d.Reason)
	}
}

func TestApprovalRequiredForDestructiveTiers(t *testing.T) {
	e := NewEngine()
	cases := []struct {
		tier Tier
		want bool
	}{
		{TierReadOnly, false},
		{TierWriteSafe, false},
		{TierWriteDestructive, true},
		{TierAdmin, true},
	}
	for _, tc := range cases {
		p := ToolPolicy{ToolID: "t", RequiredTrust: trust.Untrusted, Tier: tc.tier}
		d := e.CheckPermissions("agent", trust.System, p)
		if !d.Allowed {
			t.Fatalf("tier %s: unexpectedly denied: %s", tc.tier, d.Reason)
		}
		if d.RequiresApproval != tc.want {
			t.Errorf("tier %s: requires_approval = %v, want %v", tc.tier, d.RequiresApproval, tc.want)
		}
	}
}

func TestRiskCeilingAutoBlocks(t *testing.T) {
	e := NewEngine()
	// Admin tier with untrusted actor: base layers pass (no allow-list,
	// low floor) but risk = 1.0 * (1-0.2) = 0.8 hits the ceiling.
	p := ToolPolicy{ToolID: "admin_op", RequiredTrust: trust.Untrusted, Tier: TierAdmin}

	d := e.CheckPermissions("agent", trust.Untrusted, p)
	if d.Allowed {
		t.Error("risk at ceiling should auto-block")
	}
	found := false
	for _, v := range d.Violations {
		if v == "risk_ceiling_exceeded" {
			found = true
		}
	}
	if !found {
		t.Errorf("violations = %v, want risk_ceiling_exceeded", d.Violations)
	}
}

// The engine must be a strict refinement of the legacy two-layer check:
// identical wherever the risk layer does not fire, and never more
// permissive anywhere.
func TestEngineRefinesBaseCheck(t *testing.T) {
	e := NewEngine()
	agents := []string{"researcher", "intruder"}
	levels := []trust.Level{trust.Hostile, trust.Untrusted, trust.Standard, trust.Verified, trust.Operator, trust.System}
	policies := []ToolPolicy{
		{ToolID: "a", Tier: TierReadOnly, RequiredTrust: trust.Untrusted},
		{ToolID: "b", Tier: TierWriteSafe, RequiredTrust: trust.Standard, AllowedAgents: []string{"researcher"}},
		{ToolID: "c", Tier: TierWriteDestructive, RequiredTrust: trust.Verified},
		{ToolID: "d", Tier: TierAdmin, RequiredTrust: trust.Hostile},
	}

	for _, agent := range agents {
		for _, level := range levels {
			for _, p := range policies {
				base := e.baseCheck(agent, level, p)
				full := e.CheckPermissions(agent, level, p)

				if full.Allowed && !base.Allowed {
					t.Errorf("engine more permissive than base: agent %s, level %s, tool %s", agent, level, p.ToolID)
				}
				if full.RiskScore < riskCeiling && full.Allowed != base.Allowed {
					t.Errorf("engine diverges from base without risk cause: agent %s, level %s, tool %s", agent, level, p.ToolID)
				}
			}
		}
	}
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(ToolPolicy{ToolID: "x", Tier: Tier("SUDO")}); err == nil {
		t.Error("unknown tier should be rejected at registration")
	}
	if err := r.Register(ToolPolicy{Tier: TierReadOnly}); err == nil {
		t.Error("empty tool id should be rejected")
	}

	if err := r.Register(ToolPolicy{ToolID: "x", Tier: TierReadOnly}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ToolPolicy{ToolID: "x", Tier: TierAdmin}); err == nil {
		t.Error("duplicate tool id should be rejected")
	}
}

func TestRegistryTypedMiss(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
