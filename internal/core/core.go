// Package core wires the governance components together and runs the
// two decision pipelines: message intake and capability checks.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/conclave-sec/conclave/internal/arbiter"
	"github.com/conclave-sec/conclave/internal/audit"
	"github.com/conclave-sec/conclave/internal/bus"
	"github.com/conclave-sec/conclave/internal/config"
	"github.com/conclave-sec/conclave/internal/council"
	"github.com/conclave-sec/conclave/internal/guardian"
	"github.com/conclave-sec/conclave/internal/overseer"
	"github.com/conclave-sec/conclave/internal/policy"
	"github.com/conclave-sec/conclave/internal/trust"
)

// Core is the composition root. Callers construct it from config, use
// the pipelines, and Close it on shutdown.
type Core struct {
	cfg      *config.Config
	Events   *bus.Bus
	Audit    *audit.Store
	Guardian *guardian.Guardian
	Registry *policy.Registry
	Engine   *policy.Engine
	Arbiter  *arbiter.Arbiter
	Council  *council.Council
	Overseer *overseer.Overseer
	Metrics  *prometheus.Registry

	logger    *slog.Logger
	tracer    trace.Tracer
	scanner   *guardian.AguaraScanner
	redis     *redis.Client
	voteStore council.VoteStore
}

// New builds every component from the validated config.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, tracer trace.Tracer) (*Core, error) {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("conclave")
	}

	metrics := prometheus.NewRegistry()
	events := bus.New(logger, metrics)

	auditStore, err := audit.NewStore(cfg.DBPath, logger, events)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("opening audit store: %w", err)
	}

	c := &Core{
		cfg:     cfg,
		Events:  events,
		Audit:   auditStore,
		Metrics: metrics,
		logger:  logger,
		tracer:  tracer,
	}

	var baselines guardian.BaselineStore
	if cfg.Redis.Enabled {
		c.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := c.redis.Ping(ctx).Err(); err != nil {
			c.close()
			return nil, fmt.Errorf("connecting to redis %s: %w", cfg.Redis.Addr, err)
		}
		baselines = guardian.NewRedisBaselines(c.redis)
	}

	gopts := guardian.Options{
		RateLimit:  cfg.Guardian.RateLimit,
		RateWindow: time.Duration(cfg.Guardian.RateWindowS) * time.Second,
		Baselines:  baselines,
	}
	if cfg.Guardian.Enhanced.Enabled {
		c.scanner = guardian.NewAguaraScanner(cfg.Guardian.Enhanced.CustomRulesDir, logger)
		gopts.Scanner = c.scanner
		gopts.ScannerTimeout = time.Duration(cfg.Guardian.Enhanced.TimeoutMs) * time.Millisecond
	}
	c.Guardian = guardian.New(gopts, logger, metrics)

	c.Registry = policy.NewRegistry()
	policies, err := cfg.Policies()
	if err != nil {
		c.close()
		return nil, err
	}
	for _, p := range policies {
		if err := c.Registry.Register(p); err != nil {
			c.close()
			return nil, fmt.Errorf("registering tool policy: %w", err)
		}
	}
	c.Engine = policy.NewEngine()

	voteStore, err := openVoteStore(cfg)
	if err != nil {
		c.close()
		return nil, err
	}
	c.voteStore = voteStore
	c.Council, err = council.New(ctx, council.Options{
		Voters:    cfg.Council.Voters,
		Store:     voteStore,
		Audit:     auditStore,
		Events:    events,
		Retention: time.Duration(cfg.Council.RetentionDays) * 24 * time.Hour,
	}, logger, metrics)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("starting council: %w", err)
	}

	c.Arbiter = arbiter.New(arbiter.DefaultRules(), auditStore, events, c.Council, logger, metrics)

	c.Overseer = overseer.New(auditStore, auditStore, events, overseer.Options{
		MinCoverage: cfg.Overseer.MinCoverage,
		ScanMaxAge:  time.Duration(cfg.Overseer.ScanMaxAgeH) * time.Hour,
	}, logger, metrics)

	return c, nil
}

func openVoteStore(cfg *config.Config) (council.VoteStore, error) {
	if cfg.PostgresDSN != "" {
		store, err := council.NewPostgresVoteStore(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres vote store: %w", err)
		}
		return store, nil
	}
	store, err := council.NewSQLiteVoteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening vote store: %w", err)
	}
	return store, nil
}

// Close releases every component in reverse construction order.
func (c *Core) Close() error {
	return c.close()
}

func (c *Core) close() error {
	if c.Overseer != nil {
		c.Overseer.Close()
	}
	if c.scanner != nil {
		c.scanner.Close()
	}
	if c.Events != nil {
		c.Events.Close()
	}
	var firstErr error
	if c.voteStore != nil {
		if err := c.voteStore.Close(); err != nil {
			firstErr = err
		}
	}
	if c.Audit != nil {
		if err := c.Audit.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Message is one inbound message to be scored before acceptance.
type Message struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	SourceTrust trust.Level `json:"source_trust"`
	Timestamp   time.Time   `json:"timestamp"`
}

// MessageResult is the intake pipeline's verdict.
type MessageResult struct {
	Accepted   bool                `json:"accepted"`
	Assessment guardian.Assessment `json:"assessment"`
}

// HandleMessage runs the intake pipeline: guardian assessment, then
// either a security event and alert (blocked) or acceptance.
func (c *Core) HandleMessage(ctx context.Context, msg Message) (MessageResult, error) {
	ctx, span := c.tracer.Start(ctx, "core.HandleMessage",
		trace.WithAttributes(
			attribute.String("message.id", msg.ID),
			attribute.String("message.trust", msg.SourceTrust.String()),
		))
	defer span.End()

	var assessment guardian.Assessment
	if c.cfg.Guardian.Enhanced.Enabled {
		assessment = c.Guardian.AssessThreatEnhanced(ctx, msg.Content, msg.SourceTrust)
	} else {
		assessment = c.Guardian.AssessThreat(ctx, msg.Content, msg.SourceTrust)
	}
	span.SetAttributes(
		attribute.Float64("assessment.risk", assessment.RiskScore),
		attribute.Bool("assessment.blocked", assessment.ShouldBlock),
	)

	if assessment.ShouldBlock {
		if _, err := c.Audit.AppendSecurity(audit.SecurityDetails{
			EventType: "message_blocked",
			Severity:  string(assessment.ThreatLevel),
			Source:    msg.SourceTrust.String(),
			Mitigated: true, // the block is the mitigation
			Actor:     msg.ID,
			Trust:     msg.SourceTrust.String(),
			Details: map[string]any{
				"risk_score": assessment.RiskScore,
				"patterns":   assessment.PatternsDetected,
			},
		}); err != nil {
			return MessageResult{}, fmt.Errorf("recording block: %w", err)
		}
		c.Events.Publish(bus.TopicSecurityAlert, map[string]any{
			"message_id": msg.ID,
			"severity":   string(assessment.ThreatLevel),
			"source":     msg.SourceTrust.String(),
			"mitigated":  true, // matches the audit record above
			"risk_score": assessment.RiskScore,
			"patterns":   assessment.PatternsDetected,
		})
		return MessageResult{Accepted: false, Assessment: assessment}, nil
	}

	if assessment.ShouldEscalate {
		if _, err := c.Audit.AppendSecurity(audit.SecurityDetails{
			EventType: "message_escalated",
			Severity:  string(assessment.ThreatLevel),
			Source:    msg.SourceTrust.String(),
			Actor:     msg.ID,
			Trust:     msg.SourceTrust.String(),
			Details:   map[string]any{"risk_score": assessment.RiskScore},
		}); err != nil {
			return MessageResult{}, fmt.Errorf("recording escalation: %w", err)
		}
	}

	c.Events.Publish(bus.TopicMessageAccepted, map[string]any{
		"message_id":   msg.ID,
		"threat_level": string(assessment.ThreatLevel),
		"risk_score":   assessment.RiskScore,
	})
	return MessageResult{Accepted: true, Assessment: assessment}, nil
}

// CapabilityRequest asks whether an agent may exercise a tool.
type CapabilityRequest struct {
	ToolID     string         `json:"tool_id"`
	Params     map[string]any `json:"params,omitempty"`
	Agent      string         `json:"agent"`
	TrustLevel trust.Level    `json:"trust_level"`
}

// CapabilityResult is the combined outcome of the capability pipeline.
type CapabilityResult struct {
	Decision policy.Decision `json:"decision"`
	Ruling   *arbiter.Ruling `json:"ruling,omitempty"`
	VoteID   string          `json:"vote_id,omitempty"`
}

// CheckCapability runs the authorization pipeline: policy lookup,
// constitutional check for destructive tiers, policy decision, and a
// council vote for tiers that need collective approval.
func (c *Core) CheckCapability(ctx context.Context, req CapabilityRequest) (CapabilityResult, error) {
	ctx, span := c.tracer.Start(ctx, "core.CheckCapability",
		trace.WithAttributes(
			attribute.String("tool.id", req.ToolID),
			attribute.String("agent", req.Agent),
		))
	defer span.End()

	pol, err := c.Registry.Get(req.ToolID)
	if err != nil {
		return CapabilityResult{}, err
	}

	var result CapabilityResult
	if pol.Tier.RequiresApproval() {
		ruling := c.Arbiter.EvaluateAction("capability:"+req.ToolID, map[string]any{
			"destructive": pol.Tier == policy.TierWriteDestructive || pol.Tier == policy.TierAdmin,
			"approved":    true, // approval is obtained below through the council
			"sensitive":   pol.Tier == policy.TierAdmin,
			"trust_level": req.TrustLevel.String(),
		})
		result.Ruling = &ruling
		if !ruling.Allowed {
			result.Decision = policy.Decision{
				Allowed:    false,
				Reason:     "constitutional violation",
				Violations: ruling.Violations,
			}
			c.recordCapability(req, result)
			return result, nil
		}
	}

	result.Decision = c.Engine.CheckPermissions(req.Agent, req.TrustLevel, pol)
	span.SetAttributes(attribute.Bool("decision.allowed", result.Decision.Allowed))

	if result.Decision.Allowed && result.Decision.RequiresApproval {
		voteID, err := c.RequestApproval(ctx, req, pol)
		if err != nil {
			return CapabilityResult{}, err
		}
		result.VoteID = voteID
	}

	c.recordCapability(req, result)
	return result, nil
}

// RequestApproval opens a council vote for a capability that needs
// collective sign-off and reports the vote id for the caller to track.
func (c *Core) RequestApproval(ctx context.Context, req CapabilityRequest, pol policy.ToolPolicy) (string, error) {
	deadline := time.Now().Add(time.Duration(c.cfg.Council.DefaultDeadlineH) * time.Hour)
	v, err := c.Council.CreateVote(ctx,
		fmt.Sprintf("approve %s for %s", req.ToolID, req.Agent),
		fmt.Sprintf("capability %s (tier %s) requested by %s at trust %s",
			req.ToolID, pol.Tier, req.Agent, req.TrustLevel),
		council.SimpleMajority, deadline, req.Agent, nil)
	if err != nil {
		return "", fmt.Errorf("opening approval vote: %w", err)
	}
	return v.ID, nil
}

func (c *Core) recordCapability(req CapabilityRequest, result CapabilityResult) {
	details := map[string]any{
		"tool_id":           req.ToolID,
		"allowed":           result.Decision.Allowed,
		"requires_approval": result.Decision.RequiresApproval,
		"risk_score":        result.Decision.RiskScore,
	}
	if len(result.Decision.Violations) > 0 {
		details["violations"] = result.Decision.Violations
	}
	if result.VoteID != "" {
		details["vote_id"] = result.VoteID
	}
	if _, err := c.Audit.Append("capability_check", req.Agent, req.TrustLevel.String(), details); err != nil {
		c.logger.Error("audit append failed", "action", "capability_check", "error", err)
	}
}
