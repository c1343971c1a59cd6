// Package transform implements the rewrite engine: an ordered list of
// search/replace rules applied to file content. Rules compose: each rule
// scans the output of the previous one, never the original input.
//
// Patterns use .NET-compatible regular expression syntax (github.com/dlclark/regexp2)
// so that replace templates may reference groups as $1, ${name} or $0.
// Patterns are compiled in multiline mode: ^ and $ match at line boundaries,
// while . does not match a newline unless the pattern enables (?s).
package transform

import (
	"errors"
	"fmt"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/google/uuid"
)

// DefaultMatchTimeout bounds the time a single rule may spend matching one
// file's content.
const DefaultMatchTimeout = 5 * time.Second

// ErrEmptyPattern is returned by NewRule when the search pattern is empty.
var ErrEmptyPattern = errors.New("search pattern is empty")

// Rule is one compiled search/replace pair scoped to a single file path.
// Rules are immutable once built.
type Rule struct {
	// ID is an opaque identifier, unique per process. It is not persisted.
	ID string
	// FilePath is the path of the file this rule rewrites, as configured.
	FilePath string
	// Search is the source text of the search pattern.
	Search string
	// Replace is the replacement template.
	Replace string

	re *regexp2.Regexp
}

// NewRule compiles search and returns a Rule for filePath. Compilation errors
// are returned unchanged so callers can report them against the configured
// entry.
func NewRule(filePath, search, replace string) (*Rule, error) {
	if search == "" {
		return nil, ErrEmptyPattern
	}

	re, err := regexp2.Compile(search, regexp2.Multiline)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = DefaultMatchTimeout

	return &Rule{
		ID:       uuid.NewString(),
		FilePath: filePath,
		Search:   search,
		Replace:  replace,
		re:       re,
	}, nil
}

// String renders the rule as "search >> replace".
func (r *Rule) String() string {
	return r.Search + " >> " + r.Replace
}

// RuleCount is the number of replacements a single rule made.
type RuleCount struct {
	Rule    *Rule
	Matches int
}

// Result is the outcome of Apply.
type Result struct {
	// Content is the text after every rule has been applied in order.
	Content string
	// Counts holds one entry per rule, in rule order.
	Counts []RuleCount
}

// Total returns the sum of all per-rule match counts.
func (r Result) Total() int {
	n := 0
	for _, c := range r.Counts {
		n += c.Matches
	}
	return n
}

// Apply runs rules over content in order and reports how many replacements
// each rule made. A rule that matches nothing leaves the content untouched
// and records zero; that is not an error. The only error Apply returns is a
// pattern exceeding its match timeout, in which case the partial result is
// discarded.
func Apply(content string, rules []*Rule) (Result, error) {
	res := Result{
		Content: content,
		Counts:  make([]RuleCount, 0, len(rules)),
	}

	for _, rule := range rules {
		out, n, err := rule.apply(res.Content)
		if err != nil {
			return Result{Content: content}, fmt.Errorf("transform: rule %s: %w", rule.ID, err)
		}
		res.Content = out
		res.Counts = append(res.Counts, RuleCount{Rule: rule, Matches: n})
	}

	return res, nil
}

// apply counts the non-overlapping matches of the rule in s and, when there
// is at least one, expands the replace template for each of them.
func (r *Rule) apply(s string) (string, int, error) {
	n := 0
	m, err := r.re.FindStringMatch(s)
	for m != nil && err == nil {
		n++
		m, err = r.re.FindNextMatch(m)
	}
	if err != nil {
		return s, 0, err
	}
	if n == 0 {
		return s, 0, nil
	}

	out, err := r.re.Replace(s, r.Replace, -1, -1)
	if err != nil {
		return s, 0, err
	}
	return out, n, nil
}
