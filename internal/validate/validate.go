// Package validate checks a generated script payload before it is previewed.
//
// Content rules only ever produce warnings: a script that calls fetch or
// touches the extension API is still returned as valid. The only fatal
// condition is a payload with no JavaScript at all.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/pagetweak/internal/script"
)

const (
	defaultMaxJSLength  = 8000
	defaultMaxCSSLength = 4000

	msgMissingJS = "Generated response did not include JavaScript to execute."
)

// Rule flags a risky construct in generated JavaScript.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Message string
}

// DefaultRules is the warning table applied by DefaultPolicy.
var DefaultRules = []Rule{
	{
		Name:    "fetch",
		Pattern: regexp.MustCompile(`\bfetch\s*\(`),
		Message: "Script calls fetch(); network requests run with the page's credentials.",
	},
	{
		Name:    "xhr",
		Pattern: regexp.MustCompile(`\bXMLHttpRequest\b`),
		Message: "Script uses XMLHttpRequest to reach the network.",
	},
	{
		Name:    "extension-api",
		Pattern: regexp.MustCompile(`\b(chrome|browser)\.(runtime|storage|tabs|scripting|cookies)\b`),
		Message: "Script references the privileged extension API (chrome.*).",
	},
}

// Result is the outcome of validating a payload. OK is true iff Errors is
// empty, and Script is set iff OK.
type Result struct {
	OK       bool            `json:"ok"`
	Script   *script.Payload `json:"script,omitempty"`
	Errors   []string        `json:"errors"`
	Warnings []string        `json:"warnings"`
}

// Policy holds size limits and content rules.
type Policy struct {
	MaxJSLength  int
	MaxCSSLength int
	Rules        []Rule
}

// DefaultPolicy returns the 8000/4000 character limits and DefaultRules.
func DefaultPolicy() Policy {
	return Policy{
		MaxJSLength:  defaultMaxJSLength,
		MaxCSSLength: defaultMaxCSSLength,
		Rules:        DefaultRules,
	}
}

// Validate applies DefaultPolicy.
func Validate(p script.Payload) Result {
	return DefaultPolicy().Validate(p)
}

// Validate checks p. It has no side effects.
func (pol Policy) Validate(p script.Payload) Result {
	res := Result{Errors: []string{}, Warnings: []string{}}

	js := strings.TrimSpace(p.JSCode)
	if js == "" {
		res.Errors = append(res.Errors, msgMissingJS)
		return res
	}

	if n := utf8.RuneCountInString(js); pol.MaxJSLength > 0 && n > pol.MaxJSLength {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("JavaScript is %d characters, above the recommended %d.", n, pol.MaxJSLength))
	}
	for _, r := range pol.Rules {
		if r.Pattern.MatchString(js) {
			res.Warnings = append(res.Warnings, r.Message)
		}
	}

	if n := utf8.RuneCountInString(strings.TrimSpace(p.CSSCode)); pol.MaxCSSLength > 0 && n > pol.MaxCSSLength {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("CSS is %d characters, above the recommended %d.", n, pol.MaxCSSLength))
	}

	res.OK = true
	res.Script = &script.Payload{
		JSCode:          js,
		CSSCode:         p.CSSCode,
		URLMatchPattern: strings.TrimSpace(p.URLMatchPattern),
	}
	return res
}
