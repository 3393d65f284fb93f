package arbiter

import (
	"fmt"
	"net"
	"strings"

	"github.com/conclave-sec/conclave/internal/trust"
)

// Rule is a constitutional invariant. Rules are pure predicates over the
// action context: stateless, configured at startup, never mutated at
// runtime. Check returns false with a reason when the rule is violated.
type Rule struct {
	Name        string
	Description string
	Check       func(action string, ctx map[string]any) (bool, string)
}

// DefaultRules returns the constitutional rule set. No vote or process
// can waive these.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "loopback_only_binding",
			Description: "network listeners must bind loopback addresses only",
			Check:       checkLoopbackBinding,
		},
		{
			Name:        "no_external_execution",
			Description: "externally sourced content must never be treated as an executable command",
			Check:       checkExternalExecution,
		},
		{
			Name:        "audit_append_only",
			Description: "the audit chain accepts appends only; delete and modify are denied",
			Check:       checkAuditAppendOnly,
		},
		{
			Name:        "destructive_requires_approval",
			Description: "destructive operations require explicit prior approval",
			Check:       checkDestructiveApproval,
		},
		{
			Name:        "sensitive_requires_verified",
			Description: "sensitive operations require trust at or above verified",
			Check:       checkSensitiveTrust,
		},
	}
}

func checkLoopbackBinding(_ string, ctx map[string]any) (bool, string) {
	bind, ok := ctx["bind_address"].(string)
	if !ok || bind == "" {
		return true, ""
	}
	host := bind
	if h, _, err := net.SplitHostPort(bind); err == nil {
		host = h
	}
	if host == "localhost" {
		return true, ""
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return false, fmt.Sprintf("bind address %q is not loopback", bind)
	}
	return true, ""
}

func checkExternalExecution(_ string, ctx map[string]any) (bool, string) {
	source, _ := ctx["content_source"].(string)
	if source != "external" {
		return true, ""
	}
	if executable, _ := ctx["executable"].(bool); executable {
		return false, "external content marked executable"
	}
	return true, ""
}

func checkAuditAppendOnly(action string, ctx map[string]any) (bool, string) {
	target, _ := ctx["target"].(string)
	if target != "audit" && !strings.HasPrefix(action, "audit_") {
		return true, ""
	}
	op := strings.ToLower(action)
	if mutation, ok := ctx["operation"].(string); ok {
		op = strings.ToLower(mutation)
	}
	for _, forbidden := range []string{"delete", "modify", "update", "truncate", "rewrite"} {
		if strings.Contains(op, forbidden) {
			return false, fmt.Sprintf("audit chain operation %q is not an append", op)
		}
	}
	return true, ""
}

// Destructive actions are default-deny: absence of the approval key
// blocks just like an explicit false.
func checkDestructiveApproval(_ string, ctx map[string]any) (bool, string) {
	destructive, _ := ctx["destructive"].(bool)
	if !destructive {
		return true, ""
	}
	if approved, _ := ctx["approved"].(bool); !approved {
		return false, "destructive operation lacks prior approval"
	}
	return true, ""
}

func checkSensitiveTrust(_ string, ctx map[string]any) (bool, string) {
	sensitive, _ := ctx["sensitive"].(bool)
	if !sensitive {
		return true, ""
	}
	raw, _ := ctx["trust_level"].(string)
	if trust.Parse(raw) < trust.Verified {
		return false, fmt.Sprintf("sensitive operation requires trust >= verified, got %q", raw)
	}
	return true, ""
}
