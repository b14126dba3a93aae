package apteryx

import (
	"sort"
	"strings"
)

// entry is one registered (pattern, payload) pair inside a Matcher,
// carrying enough metadata to order a match set by specificity.
type entry[T any] struct {
	pattern    string
	wildcards  int
	litPrefix  int
	seq        int
	trailing   bool
	payload    T
}

// matchNode is one segment of the pattern trie. Literal children are keyed
// by segment name; wildcard is the distinguished '*' child.
type matchNode[T any] struct {
	children map[string]*matchNode[T]
	wildcard *matchNode[T]
	entries  []*entry[T]
	// trailingEntries hold patterns ending in '/', matching any single
	// direct child of this node.
	trailingEntries []*entry[T]
}

// Matcher is a pattern trie mapping callback patterns to an arbitrary
// payload (typically a *callbackEntry). Every registry kind shares this
// structure with a different payload type.
type Matcher[T any] struct {
	root *matchNode[T]
	seq  int
}

// NewMatcher returns an empty Matcher.
func NewMatcher[T any]() *Matcher[T] {
	return &Matcher[T]{root: &matchNode[T]{}}
}

// Add registers pattern with payload and returns the created entry, which
// Remove accepts to delete exactly this registration (two entries may share
// the same pattern string, e.g. two providers on the same path before one
// replaces the other by GUID).
func (m *Matcher[T]) Add(pattern string, payload T) *entry[T] {
	trailing := strings.HasSuffix(pattern, Separator)
	segs := SplitSegments(strings.TrimSuffix(pattern, Separator))

	n := m.root
	wildcards, litPrefix := 0, 0
	inPrefix := true
	for _, seg := range segs {
		if seg == Wildcard {
			wildcards++
			inPrefix = false
			if n.wildcard == nil {
				n.wildcard = &matchNode[T]{}
			}
			n = n.wildcard
			continue
		}
		if inPrefix {
			litPrefix += len(seg) + 1
		}
		if n.children == nil {
			n.children = make(map[string]*matchNode[T])
		}
		child, ok := n.children[seg]
		if !ok {
			child = &matchNode[T]{}
			n.children[seg] = child
		}
		n = child
	}

	e := &entry[T]{
		pattern:   pattern,
		wildcards: wildcards,
		litPrefix: litPrefix,
		seq:       m.seq,
		trailing:  trailing,
		payload:   payload,
	}
	m.seq++

	if trailing {
		n.trailingEntries = append(n.trailingEntries, e)
	} else {
		n.entries = append(n.entries, e)
	}
	return e
}

// Remove deletes e from the matcher. It is a no-op if e was already
// removed.
func (m *Matcher[T]) Remove(e *entry[T]) {
	trailing := strings.HasSuffix(e.pattern, Separator)
	segs := SplitSegments(strings.TrimSuffix(e.pattern, Separator))

	n := m.root
	for _, seg := range segs {
		if seg == Wildcard {
			if n.wildcard == nil {
				return
			}
			n = n.wildcard
			continue
		}
		child := n.children[seg]
		if child == nil {
			return
		}
		n = child
	}

	if trailing {
		n.trailingEntries = removeEntry(n.trailingEntries, e)
	} else {
		n.entries = removeEntry(n.entries, e)
	}
}

func removeEntry[T any](entries []*entry[T], target *entry[T]) []*entry[T] {
	for i, e := range entries {
		if e == target {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// Match returns every registered entry whose pattern matches path, ordered
// most-specific first: fewer wildcard segments, then longer literal prefix,
// then registration order.
func (m *Matcher[T]) Match(path string) []T {
	segs := SplitSegments(path)
	var found []*entry[T]
	m.collect(m.root, segs, &found)

	sort.SliceStable(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if a.wildcards != b.wildcards {
			return a.wildcards < b.wildcards
		}
		if a.litPrefix != b.litPrefix {
			return a.litPrefix > b.litPrefix
		}
		return a.seq < b.seq
	})

	out := make([]T, len(found))
	for i, e := range found {
		out[i] = e.payload
	}
	return out
}

func (m *Matcher[T]) collect(n *matchNode[T], segs []string, found *[]*entry[T]) {
	if n == nil {
		return
	}
	if len(segs) == 0 {
		*found = append(*found, n.entries...)
		return
	}
	if len(segs) == 1 {
		*found = append(*found, n.trailingEntries...)
	}
	if n.children != nil {
		if child, ok := n.children[segs[0]]; ok {
			m.collect(child, segs[1:], found)
		}
	}
	m.collect(n.wildcard, segs[1:], found)
}

// MatchChildren returns every entry whose trailing-slash pattern's parent
// equals path exactly, ordered by the same specificity rule as Match. This
// is the "does anything cover the children of path" query, distinct from
// Match's concrete-full-path dispatch: a trailing entry there fires one
// level below its registration node because it is matched against a
// concrete descendant path, whereas here it fires exactly at its
// registration node because it is matched against the parent itself.
func (m *Matcher[T]) MatchChildren(path string) []T {
	segs := SplitSegments(path)
	var found []*entry[T]
	m.collectChildren(m.root, segs, &found)

	sort.SliceStable(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if a.wildcards != b.wildcards {
			return a.wildcards < b.wildcards
		}
		if a.litPrefix != b.litPrefix {
			return a.litPrefix > b.litPrefix
		}
		return a.seq < b.seq
	})

	out := make([]T, len(found))
	for i, e := range found {
		out[i] = e.payload
	}
	return out
}

func (m *Matcher[T]) collectChildren(n *matchNode[T], segs []string, found *[]*entry[T]) {
	if n == nil {
		return
	}
	if len(segs) == 0 {
		*found = append(*found, n.trailingEntries...)
		return
	}
	if n.children != nil {
		if child, ok := n.children[segs[0]]; ok {
			m.collectChildren(child, segs[1:], found)
		}
	}
	m.collectChildren(n.wildcard, segs[1:], found)
}

// Exists reports whether any registered pattern matches path.
func (m *Matcher[T]) Exists(path string) bool {
	segs := SplitSegments(path)
	return m.exists(m.root, segs)
}

func (m *Matcher[T]) exists(n *matchNode[T], segs []string) bool {
	if n == nil {
		return false
	}
	if len(segs) == 0 {
		return len(n.entries) > 0
	}
	if len(segs) == 1 && len(n.trailingEntries) > 0 {
		return true
	}
	if n.children != nil {
		if child, ok := n.children[segs[0]]; ok && m.exists(child, segs[1:]) {
			return true
		}
	}
	return m.exists(n.wildcard, segs[1:])
}
