package config

import (
	"regexp"
	"strings"
)

// CompilePattern compiles one exclusion pattern: an exact hostname
// (anchored, case-insensitive), a glob containing `*`/`?` (escaped then
// anchored), or a `~`-prefixed regex. Invalid regexes return an error;
// callers log a warning and drop the pattern.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if strings.HasPrefix(pattern, "~") {
		return regexp.Compile("(?i)" + pattern[1:])
	}

	if strings.ContainsAny(pattern, "*?") {
		return regexp.Compile("(?i)^" + globToRegex(pattern) + "$")
	}

	return regexp.Compile("(?i)^" + regexp.QuoteMeta(pattern) + "$")
}

// globToRegex escapes regex metacharacters in pattern and then substitutes
// the glob wildcards `*` -> `.*` and `?` -> `.`.
func globToRegex(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

// ExclusionSet holds compiled exclusion patterns and matches hostnames
// against them.
type ExclusionSet struct {
	patterns []*regexp.Regexp
}

// NewExclusionSet compiles every pattern in raw, dropping (with a returned
// list of errors) any that fail to compile.
func NewExclusionSet(raw []string) (*ExclusionSet, []error) {
	set := &ExclusionSet{}
	var errs []error
	for _, p := range raw {
		re, err := CompilePattern(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		set.patterns = append(set.patterns, re)
	}
	return set, errs
}

// Matches reports whether hostname matches any compiled exclusion pattern.
func (s *ExclusionSet) Matches(hostname string) bool {
	if s == nil {
		return false
	}
	for _, re := range s.patterns {
		if re.MatchString(hostname) {
			return true
		}
	}
	return false
}
