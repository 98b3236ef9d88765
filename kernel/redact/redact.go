// Package redact removes sensitive values from structured data before it is
// persisted or emitted.
//
// Redaction is irreversible: matched values are replaced with the literal
// Placeholder and the original is never stored. The redactor is pure and
// deterministic; its output depends only on the input, the sensitive-key
// list, and the compiled pattern set.
package redact

import (
	"regexp"
	"strings"
)

// Placeholder is the literal that replaces every sensitive value.
const Placeholder = "[REDACTED]"

// sensitiveKeyFragments are matched case-insensitively as substrings of
// mapping keys. Any value stored under a matching key is replaced wholesale,
// regardless of its content.
var sensitiveKeyFragments = []string{
	"password",
	"token",
	"secret",
	"key",
	"api_key",
	"apikey",
	"authorization",
	"bearer",
	"credential",
	"oauth",
	"jwt",
	"private_key",
	"access_token",
	"refresh_token",
	"api_secret",
	"aws_key",
	"aws_secret",
	"encryption_key",
}

// Redactor replaces sensitive leaves in arbitrary structured data.
//
// Two rules apply, in order, to every scalar leaf:
//  1. If the containing key contains a sensitive fragment, the whole value
//     is replaced.
//  2. Otherwise each configured pattern is applied to string values; every
//     match is replaced in place.
//
// Mapping keys are themselves run through the pattern rules, so a secret
// embedded in a key does not survive either.
type Redactor struct {
	patterns []compiledPattern
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// New creates a Redactor with the given pattern set. Use Load to build the
// set from a pattern file, or Default for the built-in patterns.
func New(patterns []Pattern) *Redactor {
	r := &Redactor{}
	for _, p := range patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			// A bad pattern must never take the redactor down; it is
			// reported by Load and skipped here.
			continue
		}
		r.patterns = append(r.patterns, compiledPattern{name: p.Name, re: re})
	}
	return r
}

// Default creates a Redactor with the built-in pattern set.
func Default() *Redactor {
	return New(builtinPatterns())
}

// Redact returns a structurally identical copy of v with sensitive leaves
// replaced. Maps and slices are copied; the input is never mutated.
// Redact is idempotent: redact(redact(x)) == redact(x).
func (r *Redactor) Redact(v any) any {
	return r.redactValue("", v)
}

// RedactMap is a convenience wrapper for the common map payload case.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := r.redactValue("", m).(map[string]any)
	return out
}

// RedactString applies the pattern rules to a bare string.
func (r *Redactor) RedactString(s string) string {
	return r.applyPatterns(s)
}

func (r *Redactor) redactValue(key string, v any) any {
	if key != "" && isSensitiveKey(key) {
		return Placeholder
	}

	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			// Keys are data too: a token used as a map key must not
			// survive, so the patterns apply to the key itself.
			out[r.applyPatterns(k)] = r.redactValue(k, val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.redactValue("", val)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = r.applyPatterns(s)
		}
		return out
	case string:
		return r.applyPatterns(t)
	default:
		return v
	}
}

func (r *Redactor) applyPatterns(s string) string {
	for _, p := range r.patterns {
		s = p.re.ReplaceAllString(s, Placeholder)
	}
	return s
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
