package apteryx

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// CallbackKind identifies one of the reactive callback collections: the
// six pattern-dispatched kinds plus watch-tree, whose entries receive a
// whole committed sub-snapshot once per write instead of one delivery per
// leaf.
type CallbackKind int

const (
	KindWatch CallbackKind = iota
	KindValidate
	KindRefresh
	KindProvide
	KindIndex
	KindProxy
	KindWatchTree

	kindCount
)

func (k CallbackKind) String() string {
	switch k {
	case KindWatch:
		return "watch"
	case KindValidate:
		return "validate"
	case KindRefresh:
		return "refresh"
	case KindProvide:
		return "provide"
	case KindIndex:
		return "index"
	case KindProxy:
		return "proxy"
	case KindWatchTree:
		return "watch-tree"
	default:
		return "unknown"
	}
}

// callbackStats tracks per-entry invocation counters exposed under
// /apteryx/statistics as count,min,avg,max tuples.
type callbackStats struct {
	count atomic.Int64
	total atomic.Int64
	min   atomic.Int64
	max   atomic.Int64
}

func (s *callbackStats) record(elapsedUs int64) {
	s.count.Add(1)
	s.total.Add(elapsedUs)
	for {
		m := s.min.Load()
		if m != 0 && m <= elapsedUs {
			break
		}
		if s.min.CompareAndSwap(m, elapsedUs) {
			break
		}
	}
	for {
		m := s.max.Load()
		if m >= elapsedUs {
			break
		}
		if s.max.CompareAndSwap(m, elapsedUs) {
			break
		}
	}
}

func (s *callbackStats) snapshot() (count, min, avg, max int64) {
	count = s.count.Load()
	min = s.min.Load()
	max = s.max.Load()
	total := s.total.Load()
	if count > 0 {
		avg = total / count
	}
	return
}

// CallbackRequest carries one invocation's arguments to a callback target.
// Leaves is set only for watch-tree deliveries, which receive a whole
// committed sub-snapshot at once.
type CallbackRequest struct {
	Path   string
	Value  []byte
	Ts     int64
	Leaves []Leaf
}

// CallbackResult is what a callback invocation returns. Status is a wire
// status code (0 success); Children is set by indexers; Validity is the
// number of microseconds a refresher's output stays fresh (0 = refresh on
// every read).
type CallbackResult struct {
	Value    []byte
	Status   int32
	Children []string
	Validity int64
}

// LocalCallback is the in-process analogue of an RPC callback invocation,
// used by the Configuration Subtree's built-in handlers and by tests.
type LocalCallback func(ctx context.Context, req CallbackRequest) CallbackResult

// callbackEntry is one registered watcher/validator/refresher/provider/
// indexer/proxy/watch-tree: a guid, the pattern it fires for, and either a
// remote delivery endpoint or an in-process handler.
type callbackEntry struct {
	guid     string
	kind     CallbackKind
	pattern  string
	endpoint string // non-empty only for remotely-delivered callbacks and proxies
	refcount atomic.Int32
	stats    callbackStats
	matchRef *entry[*callbackEntry]

	// freshUntil is the wall-clock microsecond deadline up to which the
	// last refresh of this entry's pattern is still valid. Only used for
	// KindRefresh entries.
	freshUntil atomic.Int64

	// local, when non-nil, is invoked in-process instead of dialing
	// endpoint.
	local LocalCallback
}

// acquire increments the entry's reference count, so a dispatch already in
// flight keeps a valid entry after deregistration.
func (e *callbackEntry) acquire() {
	e.refcount.Add(1)
}

// release decrements the reference count and reports whether it reached
// zero.
func (e *callbackEntry) release() bool {
	return e.refcount.Add(-1) <= 0
}

// CallbackRegistry holds the per-kind callback collections plus a
// guid->entry index for O(1) registration churn.
type CallbackRegistry struct {
	mu       sync.RWMutex
	matchers [kindCount]*Matcher[*callbackEntry]
	byGUID   map[string]*callbackEntry
}

// NewCallbackRegistry returns an empty registry.
func NewCallbackRegistry() *CallbackRegistry {
	r := &CallbackRegistry{byGUID: make(map[string]*callbackEntry)}
	for i := range r.matchers {
		r.matchers[i] = NewMatcher[*callbackEntry]()
	}
	return r
}

// Upsert creates or replaces (by guid) a callback entry. If pattern is
// empty the existing entry (if any) is removed; otherwise any existing
// entry under guid is released and a new one is installed with pattern
// (and endpoint, for remote delivery).
func (r *CallbackRegistry) Upsert(kind CallbackKind, guid, pattern, endpoint string) error {
	if guid == "" {
		return ErrInvalid
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byGUID[guid]; ok {
		r.removeLocked(old)
	}
	if pattern == "" {
		return nil
	}

	e := &callbackEntry{guid: guid, kind: kind, pattern: pattern, endpoint: endpoint}
	e.matchRef = r.matchers[kind].Add(pattern, e)
	r.byGUID[guid] = e
	return nil
}

// RegisterLocal installs a built-in, in-process callback under guid,
// bypassing RPC delivery entirely.
func (r *CallbackRegistry) RegisterLocal(kind CallbackKind, guid, pattern string, fn LocalCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byGUID[guid]; ok {
		r.removeLocked(old)
	}
	e := &callbackEntry{guid: guid, kind: kind, pattern: pattern, local: fn}
	e.matchRef = r.matchers[kind].Add(pattern, e)
	r.byGUID[guid] = e
}

// Remove deletes the callback entry registered under guid, if any.
func (r *CallbackRegistry) Remove(guid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byGUID[guid]; ok {
		r.removeLocked(e)
	}
}

func (r *CallbackRegistry) removeLocked(e *callbackEntry) {
	r.matchers[e.kind].Remove(e.matchRef)
	delete(r.byGUID, e.guid)
	e.release()
}

// Find looks up a callback entry by guid, acquiring a reference on it if
// found. Callers must call Release when done.
func (r *CallbackRegistry) Find(guid string) (*callbackEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byGUID[guid]
	if ok {
		e.acquire()
	}
	return e, ok
}

// Release drops a reference acquired via Find.
func (r *CallbackRegistry) Release(e *callbackEntry) {
	e.release()
}

// Match returns every entry of kind whose pattern matches path, ordered by
// specificity (see Matcher.Match). The returned slice is a copy: entries
// deregistered mid-dispatch stay valid for the dispatch that captured them.
func (r *CallbackRegistry) Match(kind CallbackKind, path string) []*callbackEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matchers[kind].Match(path)
}

// MatchIndexers returns every indexer registered for the children of path.
// This is a different question from Match: an indexer on "/t/c/" must fire
// for search("/t/c/"), i.e. at its own registration node, not one level
// below it.
func (r *CallbackRegistry) MatchIndexers(path string) []*callbackEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matchers[KindIndex].MatchChildren(path)
}

// MatchChildren returns every entry of kind registered for the children of
// path (trailing-slash patterns anchored at path itself).
func (r *CallbackRegistry) MatchChildren(kind CallbackKind, path string) []*callbackEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matchers[kind].MatchChildren(path)
}

// Exists reports whether any entry of kind matches path.
func (r *CallbackRegistry) Exists(kind CallbackKind, path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matchers[kind].Exists(path)
}

// ProviderChildren returns the immediate-child paths of path that a
// non-wildcard provider would resolve. Wildcard provider patterns do not
// extend the search namespace (enumerating those keys is the indexers'
// job); concrete provider registrations do appear as searchable children.
func (r *CallbackRegistry) ProviderChildren(path string) []string {
	prefix := path
	if prefix != Separator {
		prefix += Separator
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, e := range r.byGUID {
		if e.kind != KindProvide || HasWildcard(e.pattern) {
			continue
		}
		rest, ok := strings.CutPrefix(e.pattern, prefix)
		if !ok || rest == "" {
			continue
		}
		child := prefix + rest
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			child = prefix + rest[:idx]
		}
		if _, dup := seen[child]; !dup {
			seen[child] = struct{}{}
			out = append(out, child)
		}
	}
	return out
}

// ForEach invokes fn for every registered entry across all kinds. Used by
// the statistics refresher to walk the whole registry.
func (r *CallbackRegistry) ForEach(fn func(*callbackEntry)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byGUID {
		fn(e)
	}
}

// NewGUID builds a callback GUID as a <pid>-<addr>-<hash> hexadecimal
// triple, globally unique across client processes.
func NewGUID(pid, addr, hash uint64) string {
	return fmt.Sprintf("%X-%x-%x", pid, addr, hash)
}
