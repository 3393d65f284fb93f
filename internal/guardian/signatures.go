package guardian

import "regexp"

// signature is one weighted injection pattern. The injection sub-score
// is the maximum weight among matches, not the sum: several simultaneous
// patterns never multiply risk beyond the worst single pattern.
type signature struct {
	name    string
	weight  float64
	pattern *regexp.Regexp
}

var signatures = []signature{
	{
		name:    "command_injection",
		weight:  1.0,
		pattern: regexp.MustCompile(`(?i)(;|\|\||&&|\x60)\s*(rm|curl|wget|nc|chmod|chown|mkfs|dd|shutdown|reboot)\b|\$\((rm|curl|wget|nc)\b`),
	},
	{
		name:    "eval_injection",
		weight:  0.9,
		pattern: regexp.MustCompile(`(?i)\b(eval|exec|execfile|subprocess\.(run|call|Popen)|os\.system|child_process)\s*\(`),
	},
	{
		name:    "template_injection",
		weight:  0.8,
		pattern: regexp.MustCompile(`\{\{.*(\.|__|constructor|process|config).*\}\}|\$\{.*\}`),
	},
	{
		name:    "sql_injection",
		weight:  0.8,
		pattern: regexp.MustCompile(`(?i)('|")\s*(or|and)\s+\d+\s*=\s*\d+|union\s+select|;\s*drop\s+table|;\s*delete\s+from`),
	},
	{
		name:    "prototype_pollution",
		weight:  0.7,
		pattern: regexp.MustCompile(`__proto__|constructor\s*\[\s*['"]prototype['"]\s*\]|Object\.prototype`),
	},
	{
		name:    "path_traversal",
		weight:  0.7,
		pattern: regexp.MustCompile(`\.\./\.\./|\.\.\\\.\.\\|/etc/(passwd|shadow)|%2e%2e%2f`),
	},
	{
		name:    "xss",
		weight:  0.6,
		pattern: regexp.MustCompile(`(?i)<script[^>]*>|javascript:\s*|on(error|load|click)\s*=|<iframe`),
	},
}

// detectInjection scans content against every signature and returns the
// worst matched weight plus the names of all matched patterns.
func detectInjection(content string) (float64, []string) {
	var score float64
	var matched []string
	for _, sig := range signatures {
		if sig.pattern.MatchString(content) {
			matched = append(matched, sig.name)
			if sig.weight > score {
				score = sig.weight
			}
		}
	}
	return score, matched
}
