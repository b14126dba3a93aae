package apteryx

import (
	"bytes"
	"context"
	"strings"
	"time"
)

// Get returns the value stored at path. Refreshers matching path run first
// (so a lazily-populated value lands in the store before the lookup); a
// stored value beats a proxied one, a successful proxy round trip beats
// providers, and providers beat absence.
func (e *Engine) Get(ctx context.Context, path string) ([]byte, int64, error) {
	start := time.Now()
	e.config.counters.gets.Add(1)
	value, ts, err := e.get(ctx, path)
	e.logOperation(ctx, "get", path, start, err)
	return value, ts, err
}

func (e *Engine) get(ctx context.Context, path string) ([]byte, int64, error) {
	if err := ValidatePath(path); err != nil {
		return nil, 0, ErrInvalid
	}

	e.runRefreshers(ctx, path)

	if value, ts, ok := e.tree.Get(path); ok {
		return value, ts, nil
	}

	if proxy := e.proxy.match(path); proxy != nil {
		value, ts, ok, err := e.proxy.get(ctx, proxy, path)
		if err == nil {
			if ok {
				return value, ts, nil
			}
			return nil, 0, ErrNotFound
		}
		// Transport failure: fall through to provider handling.
	}

	if providers := e.callbacks.Match(KindProvide, path); len(providers) > 0 {
		p := providers[0]
		start := time.Now()
		value, err := e.deliverProvide(ctx, p, path)
		p.stats.record(time.Since(start).Microseconds())
		if err == nil {
			return value, 0, nil
		}
	}

	return nil, 0, ErrNotFound
}

// runRefreshers invokes every expired refresher matching path, before the
// read is served. Each entry caches the validity interval its last
// invocation returned; concurrent readers hitting the same expired pattern
// coalesce onto a single in-flight call.
func (e *Engine) runRefreshers(ctx context.Context, path string) {
	for _, r := range e.callbacks.Match(KindRefresh, path) {
		e.runRefresher(ctx, r, path)
	}
}

func (e *Engine) runRefresher(ctx context.Context, r *callbackEntry, path string) {
	if time.Now().UnixMicro() < r.freshUntil.Load() {
		return
	}
	e.config.counters.refreshes.Add(1)
	_, _ = e.dispatch.coalesce(r.pattern, func() (any, error) {
		if time.Now().UnixMicro() < r.freshUntil.Load() {
			return nil, nil
		}
		start := time.Now()
		var validity int64
		err := e.invokeGuarded(KindRefresh, r, func() error {
			var err error
			validity, err = e.deliverRefresh(ctx, r, path)
			return err
		})
		r.stats.record(time.Since(start).Microseconds())
		if err == nil {
			r.freshUntil.Store(time.Now().UnixMicro() + validity)
		}
		return nil, err
	})
}

// Search returns the full paths of path's immediate children: the union of
// stored children, indexer output, and concrete provider registrations.
// path must end in "/" ("children of"); any other form is refused.
func (e *Engine) Search(ctx context.Context, path string) ([]string, error) {
	start := time.Now()
	e.config.counters.searches.Add(1)

	var out []string
	var err error
	if path != Separator && !strings.HasSuffix(path, Separator) {
		err = ErrInvalid
	} else {
		normalized := strings.TrimSuffix(path, Separator)
		if normalized == "" {
			normalized = Separator
		}
		out, err = e.search(ctx, normalized)
	}
	e.logOperation(ctx, "search", path, start, err)
	return out, err
}

func (e *Engine) search(ctx context.Context, path string) ([]string, error) {
	if err := ValidatePath(path); err != nil {
		return nil, ErrInvalid
	}

	for _, r := range e.callbacks.MatchChildren(KindRefresh, path) {
		e.runRefresher(ctx, r, path)
	}
	e.runRefreshers(ctx, path)

	children := e.tree.Search(path)
	seen := make(map[string]struct{}, len(children))
	for _, c := range children {
		seen[c] = struct{}{}
	}
	merge := func(paths []string) {
		for _, c := range paths {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				children = append(children, c)
			}
		}
	}

	for _, idx := range e.callbacks.MatchIndexers(path) {
		start := time.Now()
		indexed, err := e.deliverIndex(ctx, idx, path)
		idx.stats.record(time.Since(start).Microseconds())
		if err != nil {
			continue
		}
		merge(indexed)
	}
	merge(e.callbacks.ProviderChildren(path))

	return SortedStrings(children), nil
}

// Traverse materialises the subtree at path as a Tree Snapshot: stored
// values merged with provider output, children enumerated through both the
// store and any registered indexers, refreshers run along the way. Nodes
// with neither a value nor children are omitted.
func (e *Engine) Traverse(ctx context.Context, path string) (*Snapshot, error) {
	start := time.Now()

	var s *Snapshot
	err := ValidatePath(path)
	if err == nil {
		s = e.traverse(ctx, path, 0)
		if s == nil {
			err = ErrNotFound
		}
	} else {
		err = ErrInvalid
	}
	e.logOperation(ctx, "traverse", path, start, err)
	return s, err
}

func (e *Engine) traverse(ctx context.Context, path string, depth int) *Snapshot {
	if depth > e.cfg.maxQueryDepth {
		return nil
	}

	s := &Snapshot{Name: lastSegment(path)}
	if value, ts, err := e.get(ctx, path); err == nil {
		s.Value = value
		s.Ts = ts
		s.HasValue = true
	}

	children, _ := e.search(ctx, path)
	for _, childPath := range children {
		if child := e.traverse(ctx, childPath, depth+1); child != nil {
			s.Children = append(s.Children, child)
		}
	}

	if !s.HasValue && len(s.Children) == 0 {
		return nil
	}
	return s
}

// Query projects a Query Template against the store: interior template
// nodes select a path, a "*" template node expands to every child at that
// level, and template leaves fetch values. Leaves that resolve to nothing
// are omitted from the result. Recursion is bounded by the engine's
// maximum query depth.
func (e *Engine) Query(ctx context.Context, base string, template *Snapshot) (*Snapshot, error) {
	start := time.Now()

	var s *Snapshot
	err := ValidatePath(base)
	if err == nil {
		s, err = e.queryDepth(ctx, template, base, 0)
	} else {
		err = ErrInvalid
	}
	e.logOperation(ctx, "query", base, start, err)
	return s, err
}

func (e *Engine) queryDepth(ctx context.Context, template *Snapshot, path string, depth int) (*Snapshot, error) {
	if depth > e.cfg.maxQueryDepth {
		return nil, ErrInvalid
	}

	result := &Snapshot{Name: lastSegment(path)}

	if len(template.Children) == 0 {
		value, ts, err := e.get(ctx, path)
		if err != nil {
			return nil, nil
		}
		result.Value = value
		result.Ts = ts
		result.HasValue = true
		return result, nil
	}

	for _, childTemplate := range template.Children {
		if childTemplate.Name == Wildcard {
			children, err := e.search(ctx, path)
			if err != nil {
				continue
			}
			for _, childPath := range children {
				child, err := e.queryDepth(ctx, childTemplate, childPath, depth+1)
				if err != nil {
					return nil, err
				}
				if child != nil {
					result.Children = append(result.Children, child)
				}
			}
			continue
		}

		child, err := e.queryDepth(ctx, childTemplate, joinChild(path, childTemplate.Name), depth+1)
		if err != nil {
			return nil, err
		}
		if child != nil {
			result.Children = append(result.Children, child)
		}
	}

	if len(result.Children) == 0 {
		return nil, nil
	}
	return result, nil
}

// Find enumerates every concrete path matching pattern ("*" expands one
// segment against stored and indexed children) whose leaf value equals
// value. A nil value matches any leaf; an empty non-nil value matches only
// explicitly empty-valued leaves.
func (e *Engine) Find(ctx context.Context, pattern string, value []byte) ([]string, error) {
	start := time.Now()
	out, err := e.find(ctx, pattern, value)
	e.logOperation(ctx, "find", pattern, start, err)
	return out, err
}

func (e *Engine) find(ctx context.Context, pattern string, value []byte) ([]string, error) {
	candidates, err := e.expandPattern(ctx, pattern)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, p := range candidates {
		v, _, err := e.get(ctx, p)
		if err != nil {
			continue
		}
		if value == nil || bytes.Equal(v, value) {
			out = append(out, p)
		}
	}
	return out, nil
}

// expandPattern resolves pattern's "*" segments against the searchable
// namespace, returning every concrete candidate path. Literal segments
// descend without existence checks; whether a candidate resolves is the
// caller's concern.
func (e *Engine) expandPattern(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" || pattern[0] != '/' {
		return nil, ErrInvalid
	}
	segs := SplitSegments(pattern)
	for _, seg := range segs {
		if seg == "" {
			return nil, ErrInvalid
		}
	}
	return e.expandWithin(ctx, Separator, segs)
}

func (e *Engine) expandWithin(ctx context.Context, base string, remaining []string) ([]string, error) {
	if len(remaining) == 0 {
		return []string{base}, nil
	}

	seg := remaining[0]
	if seg != Wildcard {
		return e.expandWithin(ctx, joinChild(base, seg), remaining[1:])
	}

	children, err := e.search(ctx, base)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, child := range children {
		matches, err := e.expandWithin(ctx, child, remaining[1:])
		if err != nil {
			continue
		}
		out = append(out, matches...)
	}
	return out, nil
}

// FindTree returns the paths of every subtree root matching base (which
// may contain "*" segments) for which all of template's leaf constraints
// hold: each template leaf, resolved relative to the candidate root, must
// equal the leaf's value.
func (e *Engine) FindTree(ctx context.Context, base string, template *Snapshot) ([]string, error) {
	start := time.Now()
	out, err := e.findTree(ctx, base, template)
	e.logOperation(ctx, "find_tree", base, start, err)
	return out, err
}

func (e *Engine) findTree(ctx context.Context, base string, template *Snapshot) ([]string, error) {
	roots, err := e.expandPattern(ctx, base)
	if err != nil {
		return nil, err
	}
	constraints := template.Flatten("")

	var out []string
	for _, root := range roots {
		ok := true
		for _, c := range constraints {
			target := root + c.Path
			if root == Separator {
				target = c.Path
			}
			if target == "" {
				target = root
			}
			v, _, err := e.get(ctx, target)
			if err != nil || !bytes.Equal(v, c.Value) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, root)
		}
	}
	return out, nil
}

// Timestamp returns the maximum timestamp over the subtree rooted at path,
// or 0 if path is absent.
func (e *Engine) Timestamp(ctx context.Context, path string) (int64, error) {
	if err := ValidatePath(path); err != nil {
		return 0, ErrInvalid
	}
	ts, _ := e.tree.Timestamp(path)
	return ts, nil
}

// MemUse returns the estimated byte cost of the subtree rooted at path, or
// 0 if path is absent.
func (e *Engine) MemUse(ctx context.Context, path string) (int64, error) {
	if err := ValidatePath(path); err != nil {
		return 0, ErrInvalid
	}
	n, _ := e.tree.MemUse(path)
	return n, nil
}

func joinChild(base, seg string) string {
	if base == Separator {
		return base + seg
	}
	return base + Separator + seg
}
