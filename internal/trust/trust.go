// Package trust defines the ordered trust-level classification shared by
// the guardian and policy packages. Pure data — no imports from other
// internal packages.
package trust

// Level is an ordered classification of an actor's assumed reliability.
type Level int

const (
	Hostile Level = iota
	Untrusted
	Standard
	Verified
	Operator
	System
)

var names = [...]string{"hostile", "untrusted", "standard", "verified", "operator", "system"}

// scores map each level to an authorization score in [0,1].
var scores = [...]float64{0.0, 0.2, 0.5, 0.7, 0.9, 1.0}

// penalties map each level to the guardian's risk penalty in [0,1].
var penalties = [...]float64{1.0, 0.5, 0.2, 0.1, 0.0, 0.0}

func (l Level) String() string {
	if l < Hostile || l > System {
		return "untrusted"
	}
	return names[l]
}

// Score returns the level's numeric authorization score.
func (l Level) Score() float64 {
	if l < Hostile || l > System {
		return scores[Untrusted]
	}
	return scores[l]
}

// Penalty returns the guardian's per-level risk penalty.
func (l Level) Penalty() float64 {
	if l < Hostile || l > System {
		return penalties[Untrusted]
	}
	return penalties[l]
}

// Parse maps a level name to a Level. Unknown names map to Untrusted
// rather than erroring: an actor we cannot classify is treated with
// suspicion, not rejected outright.
func Parse(s string) Level {
	for i, n := range names {
		if n == s {
			return Level(i)
		}
	}
	return Untrusted
}
