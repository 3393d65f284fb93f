// Package guardian performs per-message threat assessment: static
// injection signatures, adaptive behavioral baselines, and rate limiting
// combined into a single risk score and block/escalate recommendation.
package guardian

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/conclave-sec/conclave/internal/trust"
)

// ThreatLevel classifies an assessment's overall risk.
type ThreatLevel string

const (
	ThreatNone     ThreatLevel = "none"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Assessment is the guardian's verdict on one message. It is derived per
// evaluation and not persisted; callers feed it into audit events.
type Assessment struct {
	ThreatLevel      ThreatLevel `json:"threat_level"`
	RiskScore        float64     `json:"risk_score"`
	PatternsDetected []string    `json:"patterns_detected,omitempty"`
	Anomalies        []string    `json:"anomalies,omitempty"`
	RateLimited      bool        `json:"rate_limited,omitempty"`
	ShouldBlock      bool        `json:"should_block"`
	ShouldEscalate   bool        `json:"should_escalate"`
	Enhanced         bool        `json:"enhanced,omitempty"`
	EnhancedDetail   string      `json:"enhanced_detail,omitempty"`
}

// Scoring weights and thresholds. Blocking and escalation are exact
// functions of the risk score, with no exceptions.
const (
	weightInjection = 0.5
	weightAnomaly   = 0.3
	weightTrust     = 0.2

	rateLimitSurcharge = 0.3

	blockThreshold    = 0.8
	escalateThreshold = 0.6

	coldStartMessages = 10

	lengthAnomalyFactor   = 3.0
	intervalAnomalyFactor = 0.1
	injectionBurstMax     = 3
	injectionBurstWindow  = 5 * time.Minute

	anomalyLengthScore    = 0.4
	anomalyIntervalScore  = 0.4
	anomalyInjectionScore = 0.6
)

// Options configures a Guardian.
type Options struct {
	RateLimit      int           // messages per window per source; <=0 disables
	RateWindow     time.Duration // defaults to 1 minute
	HistorySize    int           // injection history ring size; defaults to 50
	Baselines      BaselineStore // defaults to in-memory
	Scanner        EnhancementScanner
	ScannerTimeout time.Duration // defaults to 2s
}

// Guardian scores inbound messages. Baselines are keyed by the source's
// trust tag and owned exclusively by this package.
type Guardian struct {
	baselines      BaselineStore
	history        *injectionHistory
	limiter        *rateLimiter
	scanner        EnhancementScanner
	scannerTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	assessments *prometheus.CounterVec
	blocked     prometheus.Counter
}

// New creates a Guardian. The registry may be nil.
func New(opts Options, logger *slog.Logger, reg prometheus.Registerer) *Guardian {
	if opts.Baselines == nil {
		opts.Baselines = NewMemoryBaselines()
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	if opts.ScannerTimeout <= 0 {
		opts.ScannerTimeout = 2 * time.Second
	}

	assessments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conclave_guardian_assessments_total",
		Help: "Threat assessments performed, by resulting threat level.",
	}, []string{"threat_level"})
	blocked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conclave_guardian_blocked_total",
		Help: "Assessments that recommended blocking.",
	})
	if reg != nil {
		reg.MustRegister(assessments, blocked)
	}

	return &Guardian{
		baselines:      opts.Baselines,
		history:        newInjectionHistory(opts.HistorySize),
		limiter:        newRateLimiter(opts.RateLimit, opts.RateWindow),
		scanner:        opts.Scanner,
		scannerTimeout: opts.ScannerTimeout,
		logger:         logger,
		now:            time.Now,
		assessments:    assessments,
		blocked:        blocked,
	}
}

// AssessThreat scores one message from a source at the given trust
// level. It is pure with respect to its inputs except for the source's
// baseline, which is updated unconditionally for every observed message
// regardless of the assessment outcome.
func (g *Guardian) AssessThreat(ctx context.Context, content string, level trust.Level) Assessment {
	now := g.now()
	source := level.String()

	injScore, patterns := detectInjection(content)
	if len(patterns) > 0 {
		g.history.record(source, now, patterns)
		if err := g.baselines.RecordInjection(ctx, source); err != nil {
			g.logger.Warn("recording injection attempt failed", "source", source, "error", err)
		}
	}

	before, err := g.baselines.Observe(ctx, source, len(content), now)
	if err != nil {
		// A lost baseline read only degrades anomaly sensitivity.
		g.logger.Warn("baseline observe failed", "source", source, "error", err)
		before = Baseline{}
	}

	anomalyScore, anomalies := g.detectAnomalies(before, content, source, now)
	rateLimited := g.limiter.observe(source, now)

	risk := weightInjection*injScore + weightAnomaly*anomalyScore + weightTrust*level.Penalty()
	if rateLimited {
		risk += rateLimitSurcharge
	}
	if risk > 1.0 {
		risk = 1.0
	}

	a := Assessment{
		RiskScore:        risk,
		PatternsDetected: patterns,
		Anomalies:        anomalies,
		RateLimited:      rateLimited,
	}
	a.finalize()

	g.assessments.WithLabelValues(string(a.ThreatLevel)).Inc()
	if a.ShouldBlock {
		g.blocked.Inc()
	}
	return a
}

// detectAnomalies compares the message against the source's pre-update
// baseline. Suppressed entirely until the source has enough history for
// the averages to mean anything.
func (g *Guardian) detectAnomalies(before Baseline, content, source string, now time.Time) (float64, []string) {
	if before.MessageCount < coldStartMessages {
		return 0, nil
	}

	var score float64
	var anomalies []string

	if before.AvgLength > 0 && float64(len(content)) > lengthAnomalyFactor*before.AvgLength {
		score += anomalyLengthScore
		anomalies = append(anomalies, "length_anomaly")
	}

	if before.AvgIntervalMs > 0 && !before.LastMessage.IsZero() {
		interval := float64(now.Sub(before.LastMessage).Milliseconds())
		if interval < intervalAnomalyFactor*before.AvgIntervalMs {
			score += anomalyIntervalScore
			anomalies = append(anomalies, "interval_anomaly")
		}
	}

	if g.history.countSince(source, now.Add(-injectionBurstWindow)) > injectionBurstMax {
		score += anomalyInjectionScore
		anomalies = append(anomalies, "injection_burst")
	}

	if score > 1.0 {
		score = 1.0
	}
	return score, anomalies
}

// ResetBaseline clears a source's behavioral memory. Operator action.
func (g *Guardian) ResetBaseline(ctx context.Context, level trust.Level) error {
	source := level.String()
	g.history.reset(source)
	return g.baselines.Reset(ctx, source)
}

// finalize derives threat level, block, and escalate flags from the risk
// score.
func (a *Assessment) finalize() {
	switch {
	case a.RiskScore >= 0.9:
		a.ThreatLevel = ThreatCritical
	case a.RiskScore >= 0.7:
		a.ThreatLevel = ThreatHigh
	case a.RiskScore >= 0.5:
		a.ThreatLevel = ThreatMedium
	case a.RiskScore >= 0.3:
		a.ThreatLevel = ThreatLow
	default:
		a.ThreatLevel = ThreatNone
	}
	a.ShouldBlock = a.RiskScore >= blockThreshold
	a.ShouldEscalate = a.RiskScore >= escalateThreshold
}
