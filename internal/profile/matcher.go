package profile

import (
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// Matcher selects the best layout profile for a page of text. Selection is a
// pure function of the text, never of page order.
type Matcher struct {
	profiles []*BankProfile
	generic  *BankProfile
	ac       *ahocorasick.Matcher
	owner    []int // pattern index -> profile index
	minScore int
}

// NewMatcher builds a matcher over the given profiles. A nil or empty list
// uses the builtin set.
func NewMatcher(profiles []*BankProfile) *Matcher {
	if len(profiles) == 0 {
		profiles = Builtin()
	}

	var patterns []string
	var owner []int
	for i, p := range profiles {
		for _, kw := range p.Keywords {
			patterns = append(patterns, strings.ToLower(kw))
			owner = append(owner, i)
		}
	}

	return &Matcher{
		profiles: profiles,
		generic:  Generic(),
		ac:       ahocorasick.NewStringMatcher(patterns),
		owner:    owner,
		minScore: 1,
	}
}

// Match scans the page text and returns the best-scoring profile plus
// whether a specific layout was detected (false means the generic fallback).
func (m *Matcher) Match(text string) (*BankProfile, bool) {
	if strings.TrimSpace(text) == "" {
		return m.generic, false
	}

	hits := m.ac.Match([]byte(strings.ToLower(text)))
	if len(hits) == 0 {
		return m.generic, false
	}

	scores := make(map[int]int)
	seen := make(map[int]bool)
	for _, patternIdx := range hits {
		if seen[patternIdx] {
			continue
		}
		seen[patternIdx] = true
		scores[m.owner[patternIdx]]++
	}

	best, bestScore := -1, 0
	for i := range m.profiles {
		if s := scores[i]; s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 || bestScore < m.minScore {
		return m.generic, false
	}
	return m.profiles[best], true
}

// Generic exposes the fallback profile used by this matcher.
func (m *Matcher) Generic() *BankProfile {
	return m.generic
}
