package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// ExclusionList decides whether a request should bypass the response cache
// based on its provider and model. Rules come in two forms:
//
//   - Exact rules: either a bare model name ("gpt-4o") or a provider-qualified
//     pair ("openai/gpt-4o").
//   - Regex rules: tested against the "provider/model" form.
//
// A nil *ExclusionList never excludes anything.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles exact strings and regex patterns into an
// ExclusionList. Pattern compile errors are returned so misconfiguration
// surfaces at startup rather than on the request path.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			el.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// Matches reports whether the provider/model pair is excluded from caching.
// Exact rules are checked first, bare model then qualified form, followed by
// the regex rules in order.
func (el *ExclusionList) Matches(provider, model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	qualified := provider + "/" + model
	if _, ok := el.exact[qualified]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(qualified) {
			return true
		}
	}
	return false
}

// Len returns the total number of exclusion rules configured.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}

// ParseExclusions splits a comma-separated rule list into exact and regex
// rules. Entries prefixed with "re:" are treated as patterns.
func ParseExclusions(raw string) (exact, patterns []string) {
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(part, "re:"); ok {
			patterns = append(patterns, rest)
			continue
		}
		exact = append(exact, part)
	}
	return exact, patterns
}
