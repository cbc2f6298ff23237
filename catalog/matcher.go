package catalog

import "strings"

// Match checks if an event type name matches a subscription pattern.
//
// Supported patterns:
//
//	"email.bounced"  → exact match
//	"email.*"        → matches email.sent, email.bounced, etc. (single segment wildcard)
//	"*"              → matches everything
func Match(pattern string, eventType Type) bool {
	if pattern == "*" {
		return true
	}

	if pattern == string(eventType) {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	eventParts := strings.Split(string(eventType), ".")

	if len(patternParts) != len(eventParts) {
		return false
	}

	for i, pp := range patternParts {
		if pp == "*" {
			continue
		}
		if pp != eventParts[i] {
			return false
		}
	}

	return true
}

// ValidPattern reports whether a subscription pattern is allowed: either a
// catalog type name, or a wildcard pattern that matches at least one catalog
// type. A pattern that can never fire is treated as invalid.
func ValidPattern(pattern string) bool {
	if Known(Type(pattern)) {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	for _, t := range All() {
		if Match(pattern, t) {
			return true
		}
	}
	return false
}
