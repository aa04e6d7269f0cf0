// Package match selects TAP tables by name with glob patterns.
package match

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates patterns against qualified table names such as
// "ivoa.obscore".
//
// A Matcher is configured with include and exclude patterns:
//   - Include patterns: a name must match at least one
//   - Exclude patterns: a name must not match any
//
// Matching ignores case, as ADQL identifiers do. The Matcher is safe for
// concurrent use after creation.
type Matcher struct {
	includes []string
	excludes []string
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns a name must match (at least one).
	// Empty means every name is included.
	Includes []string

	// Excludes are glob patterns a name must not match (any).
	Excludes []string
}

// ErrInvalidPattern is returned when a pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a Matcher, validating every pattern.
func New(cfg Config) (*Matcher, error) {
	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}
	return &Matcher{includes: includes, excludes: excludes}, nil
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		lower := strings.ToLower(p)
		if !doublestar.ValidatePattern(lower) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		out = append(out, lower)
	}
	return out, nil
}

// Match reports whether name passes the include and exclude patterns.
func (m *Matcher) Match(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))

	if len(m.includes) > 0 && !anyMatch(m.includes, name) {
		return false
	}
	return !anyMatch(m.excludes, name)
}

// Filter returns the items whose name passes the matcher, in order.
func Filter[T any](m *Matcher, items []T, name func(T) string) []T {
	if m == nil || (len(m.includes) == 0 && len(m.excludes) == 0) {
		return items
	}
	out := make([]T, 0, len(items))
	for _, it := range items {
		if m.Match(name(it)) {
			out = append(out, it)
		}
	}
	return out
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

// ExcludePatterns returns the normalized exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	return append([]string(nil), m.excludes...)
}

func anyMatch(patterns []string, name string) bool {
	for _, p := range patterns {
		// Patterns are validated in New, so Match cannot fail here.
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}
