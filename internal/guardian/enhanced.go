package guardian

import (
	"context"

	"github.com/conclave-sec/conclave/internal/trust"
)

// enhancementBoost is added to the risk score when the external scanner
// reports high or critical manipulation risk. The boost only ever adds.
const enhancementBoost = 0.15

// Signal is the best-effort verdict of an external manipulation scanner.
type Signal struct {
	Risk     string // none, low, medium, high, critical
	Patterns []string
	Detail   string
}

// EnhancementScanner augments the baseline assessment with an external
// bias/manipulation-pattern signal. The contract is best-effort,
// timeout-bounded, and failure-isolated: a scanner error must never
// block or delay the synchronous assessment path beyond the timeout.
type EnhancementScanner interface {
	Scan(ctx context.Context, content string) (Signal, error)
}

// AssessThreatEnhanced runs the baseline assessment and then consults
// the configured enhancement scanner. A high or critical signal adds a
// fixed increment to the risk score (never subtracts) and attaches
// explanatory detail. If the scanner is absent, errors, or times out,
// the baseline assessment is returned unchanged.
func (g *Guardian) AssessThreatEnhanced(ctx context.Context, content string, level trust.Level) Assessment {
	base := g.AssessThreat(ctx, content, level)
	if g.scanner == nil {
		return base
	}

	scanCtx, cancel := context.WithTimeout(ctx, g.scannerTimeout)
	defer cancel()

	signal, err := g.scanner.Scan(scanCtx, content)
	if err != nil {
		g.logger.Debug("enhancement scan unavailable", "error", err)
		return base
	}

	if signal.Risk != "high" && signal.Risk != "critical" {
		return base
	}

	enhanced := base
	enhanced.RiskScore += enhancementBoost
	if enhanced.RiskScore > 1.0 {
		enhanced.RiskScore = 1.0
	}
	enhanced.PatternsDetected = append(enhanced.PatternsDetected, signal.Patterns...)
	enhanced.Enhanced = true
	enhanced.EnhancedDetail = signal.Detail
	enhanced.finalize()
	return enhanced
}
