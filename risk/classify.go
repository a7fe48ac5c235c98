package risk

import "regexp"

// structuralErrorPattern matches broker/store error text that indicates data
// corruption rather than a transient network hiccup. Errors that match must
// surface as EMERGENCY; everything else is treated as transient and retried
// next tick.
var structuralErrorPattern = regexp.MustCompile(`(?i)missing|invalid|mismatch|STRIKE_MISMATCH|LEG_MISSING`)

// IsStructuralError reports whether err's message indicates a structural
// break (missing leg, strike mismatch, quantity mismatch) as opposed to a
// transient broker/network failure. Shared by monitor and execution so both
// classify the same error text the same way.
func IsStructuralError(msg string) bool {
	return structuralErrorPattern.MatchString(msg)
}
