package redact

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Pattern is one named redaction rule. Regex uses Go regexp syntax; every
// match in a string value is replaced with the Placeholder.
type Pattern struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// builtinPatterns is the fallback set guaranteed to compile. It covers the
// common token shapes: API-key assignments, JWTs, AWS access key IDs,
// Bearer headers, OAuth access and refresh tokens, and PostgreSQL URIs.
func builtinPatterns() []Pattern {
	return []Pattern{
		{Name: "api_key_assignment", Regex: `(?i)(api[_-]?key|apikey)["'\s:=]+[A-Za-z0-9_\-]{16,}`},
		{Name: "jwt", Regex: `eyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`},
		{Name: "aws_access_key_id", Regex: `AKIA[0-9A-Z]{16}`},
		{Name: "bearer_token", Regex: `(?i)bearer\s+[A-Za-z0-9_\-\.=]+`},
		{Name: "oauth_token", Regex: `(?i)(access|refresh)[_-]?token["'\s:=]+[A-Za-z0-9_\-\.]{8,}`},
		{Name: "postgres_uri", Regex: `postgres(ql)?://[^\s"']+`},
	}
}

// LoadResult reports what Load did, so callers can log skipped patterns
// without the redactor itself depending on a logger.
type LoadResult struct {
	// Loaded is the number of patterns that compiled.
	Loaded int
	// Skipped lists patterns that failed to compile, with the compile error.
	Skipped []SkippedPattern
	// Fallback is true when the file could not be read or parsed and the
	// built-in set was used instead.
	Fallback bool
	// Err carries the load failure that triggered the fallback, if any.
	Err error
}

// SkippedPattern records one pattern dropped at load time.
type SkippedPattern struct {
	Name string
	Err  error
}

// Load reads a YAML pattern file and builds a Redactor from it.
//
// The file is a list of {name, regex} entries. A pattern that fails to
// compile is skipped and reported in the result; it never aborts the load.
// If the file cannot be read or parsed at all, the built-in default set is
// used so the redactor is always usable.
func Load(path string) (*Redactor, LoadResult) {
	if path == "" {
		return Default(), LoadResult{Loaded: len(builtinPatterns()), Fallback: true}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Default(), LoadResult{
			Loaded:   len(builtinPatterns()),
			Fallback: true,
			Err:      fmt.Errorf("read pattern file: %w", err),
		}
	}

	var patterns []Pattern
	if err := yaml.Unmarshal(raw, &patterns); err != nil {
		return Default(), LoadResult{
			Loaded:   len(builtinPatterns()),
			Fallback: true,
			Err:      fmt.Errorf("parse pattern file: %w", err),
		}
	}

	var result LoadResult
	valid := make([]Pattern, 0, len(patterns))
	for _, p := range patterns {
		if _, err := regexp.Compile(p.Regex); err != nil {
			result.Skipped = append(result.Skipped, SkippedPattern{Name: p.Name, Err: err})
			continue
		}
		valid = append(valid, p)
	}

	if len(valid) == 0 {
		valid = builtinPatterns()
		result.Fallback = true
	}
	result.Loaded = len(valid)
	return New(valid), result
}
