package apteryx

import "sort"

// Snapshot is a point-in-time copy of a subtree: a tree of (name, optional
// value, children) nodes, used for traverse/set_tree/cas_tree, watch-tree
// delivery and query templates.
type Snapshot struct {
	Name     string
	Value    []byte
	HasValue bool
	Ts       int64
	Children []*Snapshot
}

func snapshotOf(n *node, name string) *Snapshot {
	s := &Snapshot{Name: name, Value: n.value, HasValue: n.hasValue, Ts: n.ts}
	if len(n.children) == 0 {
		return s
	}
	names := make([]string, 0, len(n.children))
	for k := range n.children {
		names = append(names, k)
	}
	sort.Strings(names)
	s.Children = make([]*Snapshot, len(names))
	for i, name := range names {
		s.Children[i] = snapshotOf(n.children[name], name)
	}
	return s
}

// Flatten returns every leaf (a node with HasValue set) of the snapshot as
// absolute paths under base. The write pipeline flattens a snapshot into
// this form before dispatching validators and watchers.
func (s *Snapshot) Flatten(base string) []Leaf {
	var out []Leaf
	s.flatten(base, &out)
	return out
}

func (s *Snapshot) flatten(path string, out *[]Leaf) {
	if s.HasValue {
		*out = append(*out, Leaf{Path: path, Value: s.Value, Ts: s.Ts})
	}
	for _, c := range s.Children {
		childPath := path
		if childPath == Separator {
			childPath += c.Name
		} else {
			childPath += Separator + c.Name
		}
		c.flatten(childPath, out)
	}
}

// FlattenAll returns every terminal node (a node with no children) of the
// snapshot as paths under base, whether or not it carries a value. Query
// templates travel the wire in this form, since a template leaf selects a
// key without necessarily constraining its value.
func (s *Snapshot) FlattenAll(base string) []Leaf {
	var out []Leaf
	s.flattenAll(base, &out)
	return out
}

func (s *Snapshot) flattenAll(path string, out *[]Leaf) {
	if len(s.Children) == 0 {
		*out = append(*out, Leaf{Path: path, Value: s.Value, Ts: s.Ts})
		return
	}
	for _, c := range s.Children {
		childPath := path
		if childPath == Separator {
			childPath += c.Name
		} else {
			childPath += Separator + c.Name
		}
		c.flattenAll(childPath, out)
	}
}

// SortedLeaves returns leaves sorted lexicographically by path, the single
// deterministic order used for both validator dispatch and watcher fan-out.
func SortedLeaves(leaves []Leaf) []Leaf {
	out := make([]Leaf, len(leaves))
	copy(out, leaves)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// SortedStrings returns a sorted copy of ss.
func SortedStrings(ss []string) []string {
	out := make([]string, len(ss))
	copy(out, ss)
	sort.Strings(out)
	return out
}

// SnapshotFromLeaves constructs a Snapshot from a flat leaf list rooted at
// base, the inverse of Flatten. Used by the server package to turn a wire
// OpSetTree/OpCasTree's leaf list back into the Snapshot the engine's write
// pipeline expects.
func SnapshotFromLeaves(base string, leaves []Leaf) *Snapshot {
	root := &Snapshot{Name: lastSegment(base)}
	byPath := make(map[string]*Snapshot)
	byPath[base] = root
	for _, leaf := range leaves {
		ensureSnapshotPath(root, byPath, base, leaf)
	}
	return root
}

func ensureSnapshotPath(root *Snapshot, byPath map[string]*Snapshot, base string, leaf Leaf) {
	segs := SplitSegments(leaf.Path[len(base):])
	cur := root
	curPath := base
	for _, seg := range segs {
		if curPath == Separator {
			curPath += seg
		} else {
			curPath += Separator + seg
		}
		next, ok := byPath[curPath]
		if !ok {
			next = &Snapshot{Name: seg}
			byPath[curPath] = next
			cur.Children = append(cur.Children, next)
		}
		cur = next
	}
	cur.Value = leaf.Value
	cur.HasValue = true
	cur.Ts = leaf.Ts
}
