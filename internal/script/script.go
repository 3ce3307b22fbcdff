// Package script holds the generated script payload shared by the transport,
// validator, preview applicator and storage layers.
package script

import (
	"regexp"
	"strings"
)

// Payload is a model-generated script. Optional fields are empty when absent.
type Payload struct {
	JSCode          string `json:"jsCode"`
	CSSCode         string `json:"cssCode,omitempty"`
	URLMatchPattern string `json:"urlMatchPattern,omitempty"`
}

// Status tracks a persisted script through preview.
type Status string

const (
	StatusPending Status = "pending"
	StatusApplied Status = "applied"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApplied, StatusFailed:
		return true
	}
	return false
}

// MatchURL reports whether pageURL matches pattern. Patterns use "*" as a
// wildcard for any run of characters (e.g. "https://example.com/*").
// An empty pattern matches nothing.
func MatchURL(pattern, pageURL string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if pattern == "*" || pattern == "<all_urls>" {
		return true
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(pageURL)
}
