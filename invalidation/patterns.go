package invalidation

import (
	"errors"

	"encore.app/pkg/utils"
)

// PatternMatcher matches pricing fingerprint keys (and their "pricing:stale:"
// counterparts) against an operator-supplied wildcard pattern. The matching
// itself is pkg/utils.MatchPattern/FilterKeys — this type just owns the
// pattern-validation rules specific to invalidation requests and keeps the
// same method surface the service layer already calls.
type PatternMatcher struct{}

// NewPatternMatcher creates a new pattern matcher.
func NewPatternMatcher() *PatternMatcher {
	return &PatternMatcher{}
}

// Match returns every key matching pattern, in the caller's order.
func (pm *PatternMatcher) Match(pattern string, keys []string) []string {
	if pattern == "" {
		return []string{}
	}
	matches, err := utils.FilterKeys(pattern, keys)
	if err != nil {
		return []string{}
	}
	return matches
}

// MatchCount returns the number of keys matching pattern. It builds the
// match slice through Match and returns its length.
func (pm *PatternMatcher) MatchCount(pattern string, keys []string) int {
	return len(pm.Match(pattern, keys))
}

// ValidatePattern accepts the empty pattern (InvalidatePattern rejects that
// on its own), rejects patterns longer than 1000 characters, and surfaces a
// compiled-regex error early so InvalidatePattern can reject it before
// publishing anything.
func (pm *PatternMatcher) ValidatePattern(pattern string) error {
	if pattern == "" {
		return nil
	}
	if len(pattern) > 1000 {
		return errors.New("pattern too long: potential DoS")
	}
	_, err := utils.MatchPattern(pattern, "")
	return err
}