package apteryx

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestMatcherConcretePathMatchesTrailingRegistration(t *testing.T) {
	m := NewMatcher[string]()
	m.Add("/t/c/", "children-watcher")

	require.Equal(t, []string{"children-watcher"}, m.Match("/t/c/rx"))
	require.Empty(t, m.Match("/t/c"))
}

func TestMatcherChildrenQueryMatchesTrailingRegistrationAtItsOwnNode(t *testing.T) {
	m := NewMatcher[string]()
	m.Add("/t/c/", "indexer")

	require.Equal(t, []string{"indexer"}, m.MatchChildren("/t/c"))
	require.Empty(t, m.MatchChildren("/t/c/rx"))
}

func TestMatcherOrdersBySpecificity(t *testing.T) {
	m := NewMatcher[string]()
	m.Add("/t/*/state", "wildcard")
	m.Add("/t/eth0/state", "literal")

	require.Equal(t, []string{"literal", "wildcard"}, m.Match("/t/eth0/state"))
}

func TestMatcherOrdersByLongerLiteralPrefixThenRegistrationOrder(t *testing.T) {
	m := NewMatcher[string]()
	m.Add("/t/*/x", "short-prefix")
	m.Add("/t/p/*", "long-prefix")

	require.Equal(t, []string{"long-prefix", "short-prefix"}, m.Match("/t/p/x"))
}

func TestMatcherRemove(t *testing.T) {
	m := NewMatcher[string]()
	e := m.Add("/t/a", "only")
	require.True(t, m.Exists("/t/a"))

	m.Remove(e)
	require.False(t, m.Exists("/t/a"))
}

func TestMatcherFuzzAddMatchNoPanic(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1000, 2000)

	patterns := make(map[string]struct{})
	f.Fuzz(&patterns)

	m := NewMatcher[string]()
	for pattern := range patterns {
		p := "/" + pattern
		require.NotPanicsf(t, func() {
			m.Add(p, p)
			m.Match(p)
			m.MatchChildren(p)
			m.Exists(p)
		}, "pattern: %s", p)
	}
}

func TestMatcherFuzzWildcardPatternsCoverConcretePaths(t *testing.T) {
	// no '*' and no '/'
	unicodeRanges := fuzz.UnicodeRanges{
		{First: 0x21, Last: 0x29},
		{First: 0x2B, Last: 0x2E},
		{First: 0x30, Last: 0x7A},
		{First: 0x7C, Last: 0x04FF},
	}
	f := fuzz.New().NilChance(0).NumElements(500, 1000).Funcs(unicodeRanges.CustomStringFuzzFunc())

	segments := make(map[string]struct{})
	f.Fuzz(&segments)

	m := NewMatcher[string]()
	m.Add("/fuzz/*/state", "wildcard")

	for seg := range segments {
		if seg == "" {
			continue
		}
		path := "/fuzz/" + seg + "/state"
		require.Equalf(t, []string{"wildcard"}, m.Match(path), "path: %s", path)
		require.Emptyf(t, m.Match("/fuzz/"+seg), "path: %s", path)
	}
}
