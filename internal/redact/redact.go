// Package redact implements C9: pattern- and field-path-based redaction
// of event values. Both strategies compose; level gating (spec.md §4.10)
// is the caller's responsibility (see pipeline.Pipeline), since the
// redactor itself has no notion of "the event's level".
//
// Field paths are syntax-checked with github.com/theory/jsonpath and
// applied by a small map/slice walk that matches each segment with
// github.com/bmatcuk/doublestar/v4, so glob segments (e.g.
// "user.*.password") fan out across the concrete keys they match.
package redact

import (
	"maps"
	"regexp"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/theory/jsonpath"
)

// Redactor rewrites sensitive values before an event is rendered.
type Redactor struct {
	patterns    []*regexp.Regexp
	fieldPaths  []string // dotted paths, possibly containing * / ** glob segments
	replacement string
}

// New compiles the pattern and field-path lists. Returns an error if any
// pattern fails to compile (spec.md §7's "redaction error: malformed
// pattern").
func New(patterns []string, fieldPaths []string, replacement string) (*Redactor, error) {
	if replacement == "" {
		replacement = "REDACTED"
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	for _, fp := range fieldPaths {
		if err := validatePathSyntax(fp); err != nil {
			return nil, err
		}
	}
	return &Redactor{
		patterns:    compiled,
		fieldPaths:  append([]string(nil), fieldPaths...),
		replacement: replacement,
	}, nil
}

// Apply returns a redacted clone of event. The input is never mutated
// (spec.md §4.10 "non-destructive").
func (r *Redactor) Apply(event map[string]any) map[string]any {
	out := deepClone(event).(map[string]any)
	for _, path := range r.fieldPaths {
		redactFieldPath(out, path, r.replacement)
	}
	redactPatternsInPlace(out, r.patterns, r.replacement)
	return out
}

// deepClone copies maps/slices so mutation of the result never reaches
// the input, following the teacher's maps.Clone idiom generalized to
// nested structures.
func deepClone(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = deepClone(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = deepClone(vv)
		}
		return out
	default:
		return v
	}
}

// validatePathSyntax rejects a malformed field path before it ever
// reaches the hot path. The dotted "user.password" syntax spec.md
// describes isn't itself JSONPath, so each segment is translated to a
// bracket-quoted child selector (or left as "*"/"**" for glob segments,
// which jsonpath.Parse also accepts as wildcards) and handed to
// jsonpath.Parse purely for its syntax validation; the actual
// redaction walk below still uses doublestar against each concrete key,
// since jsonpath.Path exposes Select (read) but not an in-place Set.
func validatePathSyntax(path string) error {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return jsonpathErr(path)
		}
		if seg == "*" || seg == "**" {
			b.WriteString("[*]")
			continue
		}
		b.WriteString("[")
		b.WriteString(strconv.Quote(seg))
		b.WriteString("]")
	}
	_, err := jsonpath.Parse(b.String())
	return err
}

func jsonpathErr(path string) error {
	return &pathSyntaxError{path: path}
}

type pathSyntaxError struct{ path string }

func (e *pathSyntaxError) Error() string {
	return "redact: malformed field path: " + quoteIfNeeded(e.path)
}

// redactFieldPath walks a dotted path and replaces the value(s) it
// names. A glob segment ("*" or "**") fans out across map keys or list
// elements; doublestar.Match evaluates each segment against the
// concrete key encountered during the walk, so "user.*.password"
// matches every key under "user", not just a literal "*" key.
func redactFieldPath(event map[string]any, path, replacement string) {
	segments := strings.Split(path, ".")
	walkAndRedact(event, segments, replacement)
}

func walkAndRedact(node any, segments []string, replacement string) {
	if len(segments) == 0 {
		return
	}
	seg := segments[0]
	rest := segments[1:]

	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			ok, _ := doublestar.Match(seg, k)
			if !ok && seg == k {
				ok = true
			}
			if !ok {
				continue
			}
			if len(rest) == 0 {
				n[k] = replacement
				continue
			}
			walkAndRedact(v, rest, replacement)
		}
	case []any:
		for _, elem := range n {
			walkAndRedact(elem, segments, replacement)
		}
	}
}

// redactPatternsInPlace scans every string value at any depth and
// replaces pattern matches. Non-string values (including map keys) are
// left untouched, per spec.md §4.10.
func redactPatternsInPlace(node any, patterns []*regexp.Regexp, replacement string) {
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			if s, ok := v.(string); ok {
				n[k] = redactString(s, patterns, replacement)
				continue
			}
			redactPatternsInPlace(v, patterns, replacement)
		}
	case []any:
		for i, v := range n {
			if s, ok := v.(string); ok {
				n[i] = redactString(s, patterns, replacement)
				continue
			}
			redactPatternsInPlace(v, patterns, replacement)
		}
	}
}

func redactString(s string, patterns []*regexp.Regexp, replacement string) string {
	for _, re := range patterns {
		s = re.ReplaceAllString(s, replacement)
	}
	return s
}

// CloneMap is a small helper exposed for callers (e.g. the pipeline)
// that need a shallow, non-aliasing copy of the top-level event map
// without going through full redaction.
func CloneMap(event map[string]any) map[string]any {
	return maps.Clone(event)
}

// quoteIfNeeded is retained for callers building diagnostic messages
// about offending field paths.
func quoteIfNeeded(s string) string {
	if strings.ContainsAny(s, " \t") {
		return strconv.Quote(s)
	}
	return s
}
