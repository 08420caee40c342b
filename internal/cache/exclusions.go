package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList names the models whose responses must never be cached —
// realtime or nondeterministic models make replays misleading. Rules come
// from CACHE_EXCLUDE_MODELS (exact ids) and CACHE_EXCLUDE_PATTERNS (regular
// expressions).
//
// A nil *ExclusionList excludes nothing.
type ExclusionList struct {
	ids      map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles the rule set. A pattern that fails to compile is
// a startup error, not a silently dropped rule.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{ids: make(map[string]struct{}, len(exact))}

	for _, id := range exact {
		if id != "" {
			el.ids[id] = struct{}{}
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

// Matches reports whether model is excluded from caching. Exact ids are
// checked before patterns.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.ids[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len reports the number of configured rules.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.ids) + len(el.patterns)
}
