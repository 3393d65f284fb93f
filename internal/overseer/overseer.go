// Package overseer aggregates release-readiness signals into a single
// go/no-go decision. Gates are pure predicates evaluated against a
// status context; all gates run on every check so blockers report every
// failing signal at once.
package overseer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/conclave-sec/conclave/internal/audit"
	"github.com/conclave-sec/conclave/internal/bus"
)

// Gate is one release-readiness predicate. Check reports pass/fail with
// a reason for the failure.
type Gate struct {
	Name  string
	Check func(ctx map[string]any) (bool, string)
}

// ReleaseDecision is the aggregated outcome of all gates.
type ReleaseDecision struct {
	Approved  bool      `json:"approved"`
	Blockers  []string  `json:"blockers,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// ChainVerifier is the audit-integrity source for the audit gate.
type ChainVerifier interface {
	Verify() (audit.VerifyResult, error)
}

// Options configures an Overseer.
type Options struct {
	MinCoverage float64       // default 0.8
	ScanMaxAge  time.Duration // default 24h
}

// Overseer evaluates quality gates and tracks security posture. The
// security gate is re-evaluated reactively on every security:alert.
type Overseer struct {
	gates    []Gate
	verifier ChainVerifier
	audit    *audit.Store
	events   *bus.Bus
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	mu          sync.Mutex
	lastScan    time.Time
	unmitigated int // open critical alerts

	checks *prometheus.CounterVec
	stop   func()
	done   chan struct{}
}

// New creates an Overseer with the standard gate set and, when events
// is non-nil, starts the security:alert subscription.
func New(verifier ChainVerifier, auditLog *audit.Store, events *bus.Bus, opts Options, logger *slog.Logger, reg prometheus.Registerer) *Overseer {
	if opts.MinCoverage <= 0 {
		opts.MinCoverage = 0.8
	}
	if opts.ScanMaxAge <= 0 {
		opts.ScanMaxAge = 24 * time.Hour
	}

	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conclave_overseer_release_checks_total",
		Help: "Release gate evaluations, by outcome.",
	}, []string{"outcome"})
	if reg != nil {
		reg.MustRegister(checks)
	}

	o := &Overseer{
		verifier: verifier,
		audit:    auditLog,
		events:   events,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		checks:   checks,
		done:     make(chan struct{}),
	}
	o.gates = []Gate{
		{Name: "test_coverage", Check: o.checkCoverage},
		{Name: "build_clean", Check: o.checkBuild},
		{Name: "audit_integrity", Check: o.checkAuditIntegrity},
		{Name: "security_scan", Check: o.checkSecurityScan},
		{Name: "docs_complete", Check: o.checkDocs},
	}

	if events != nil {
		ch, cancel := events.Subscribe(bus.TopicSecurityAlert)
		o.stop = cancel
		go o.watchAlerts(ch)
	} else {
		close(o.done)
	}
	return o
}

// Close stops the alert subscription.
func (o *Overseer) Close() {
	if o.stop != nil {
		o.stop()
		<-o.done
	}
}

// Gates returns the gate names in evaluation order.
func (o *Overseer) Gates() []string {
	names := make([]string, len(o.gates))
	for i, g := range o.gates {
		names[i] = g.Name
	}
	return names
}

// RecordScan marks a completed security scan, refreshing the
// security_scan gate's freshness window.
func (o *Overseer) RecordScan(at time.Time) {
	o.mu.Lock()
	o.lastScan = at
	o.mu.Unlock()
}

// CanRelease evaluates every gate against the status context and
// aggregates blockers. No gate short-circuits: the caller sees every
// failing signal. ctx keys: tests_passed, coverage, build_errors,
// docs{...}.
func (o *Overseer) CanRelease(ctx map[string]any) ReleaseDecision {
	decision := ReleaseDecision{Approved: true, CheckedAt: o.now().UTC()}
	for _, g := range o.gates {
		ok, reason := g.Check(ctx)
		if !ok {
			decision.Approved = false
			decision.Blockers = append(decision.Blockers, fmt.Sprintf("%s: %s", g.Name, reason))
		}
	}

	outcome := "approved"
	if !decision.Approved {
		outcome = "blocked"
	}
	o.checks.WithLabelValues(outcome).Inc()

	if o.audit != nil {
		if _, err := o.audit.Append("release_check", "overseer", "system", map[string]any{
			"approved": decision.Approved,
			"blockers": decision.Blockers,
		}); err != nil {
			o.logger.Error("audit append failed", "action", "release_check", "error", err)
		}
	}
	if o.events != nil {
		o.events.Publish(bus.TopicOverseerGate, map[string]any{
			"approved": decision.Approved,
			"blockers": decision.Blockers,
		})
	}
	return decision
}

func (o *Overseer) checkCoverage(ctx map[string]any) (bool, string) {
	passed, ok := ctx["tests_passed"].(bool)
	if !ok {
		return false, "test results unavailable"
	}
	if !passed {
		return false, "test suite failing"
	}
	coverage, _ := toFloat(ctx["coverage"])
	if coverage < o.opts.MinCoverage {
		return false, fmt.Sprintf("coverage %.0f%% below required %.0f%%", coverage*100, o.opts.MinCoverage*100)
	}
	return true, ""
}

func (o *Overseer) checkBuild(ctx map[string]any) (bool, string) {
	n, ok := toFloat(ctx["build_errors"])
	if !ok {
		return false, "build status unavailable"
	}
	if n > 0 {
		return false, fmt.Sprintf("%d build errors", int(n))
	}
	return true, ""
}

// An integrity failure is fatal to trust in history: it always blocks
// and is never auto-repaired.
func (o *Overseer) checkAuditIntegrity(map[string]any) (bool, string) {
	if o.verifier == nil {
		return false, "no audit chain to verify"
	}
	res, err := o.verifier.Verify()
	if err != nil {
		return false, fmt.Sprintf("verification error: %v", err)
	}
	if err := res.Err(); err != nil {
		return false, err.Error()
	}
	return true, ""
}

func (o *Overseer) checkSecurityScan(map[string]any) (bool, string) {
	o.mu.Lock()
	lastScan, unmitigated := o.lastScan, o.unmitigated
	o.mu.Unlock()

	if lastScan.IsZero() {
		return false, "no security scan recorded"
	}
	if age := o.now().Sub(lastScan); age > o.opts.ScanMaxAge {
		return false, fmt.Sprintf("last scan %s ago, max age %s", age.Round(time.Minute), o.opts.ScanMaxAge)
	}
	if unmitigated > 0 {
		return false, fmt.Sprintf("%d unmitigated critical alerts", unmitigated)
	}
	return true, ""
}

func (o *Overseer) checkDocs(ctx map[string]any) (bool, string) {
	complete, ok := ctx["docs_complete"].(bool)
	if !ok {
		return false, "documentation status unavailable"
	}
	if !complete {
		return false, "documentation incomplete"
	}
	return true, ""
}

// watchAlerts consumes security:alert events. Critical alerts raise the
// unmitigated count until a matching mitigation arrives; either way the
// security posture change is recorded as a security event and the gate
// outcome announced.
func (o *Overseer) watchAlerts(ch <-chan bus.Event) {
	defer close(o.done)
	for ev := range ch {
		severity, _ := ev.Payload["severity"].(string)
		source, _ := ev.Payload["source"].(string)
		mitigated, _ := ev.Payload["mitigated"].(bool)

		if severity == "critical" {
			o.mu.Lock()
			if mitigated {
				if o.unmitigated > 0 {
					o.unmitigated--
				}
			} else {
				o.unmitigated++
			}
			o.mu.Unlock()
		}

		if o.audit != nil {
			if _, err := o.audit.AppendSecurity(audit.SecurityDetails{
				EventType: "posture_change",
				Severity:  severity,
				Source:    source,
				Mitigated: mitigated,
				Actor:     "overseer",
				Trust:     "system",
			}); err != nil {
				o.logger.Error("audit append failed", "action", "posture_change", "error", err)
			}
		}

		ok, reason := o.checkSecurityScan(nil)
		o.events.Publish(bus.TopicOverseerGate, map[string]any{
			"gate":     "security_scan",
			"passed":   ok,
			"reason":   reason,
			"source":   source,
			"severity": severity,
		})
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
