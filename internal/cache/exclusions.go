package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList decides whether a model alias is exempt from caching, by
// exact name or compiled regexp. A nil *ExclusionList matches nothing.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles the rules. Pattern compilation errors are
// returned so misconfiguration fails at startup, not per request.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{exact: make(map[string]struct{}, len(exact))}

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
			return nil, fmt.Errorf("cache: invalid exclusion pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}
	return el, nil
}

// Matches reports whether alias is excluded from caching.
func (el *ExclusionList) Matches(alias string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[alias]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(alias) {
			return true
		}
	}
	return false
}
