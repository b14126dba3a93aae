package apteryx

import (
	"context"
	"sync"
	"time"
)

// Set stores value at path, or deletes path's value when value is nil.
// Validators registered for path veto the write before it is applied;
// watchers are notified after: in-process ones inline before Set returns,
// remote ones asynchronously. A path under a registered
// proxy is forwarded to the remote instead of touching the local store.
func (e *Engine) Set(ctx context.Context, path string, value []byte) error {
	start := time.Now()
	e.config.counters.sets.Add(1)
	err := e.set(ctx, path, value, false)
	e.logOperation(ctx, "set", path, start, err)
	return err
}

// SetWait is Set, but blocks until every watcher that matched the write
// has either returned or been abandoned on timeout.
func (e *Engine) SetWait(ctx context.Context, path string, value []byte) error {
	start := time.Now()
	e.config.counters.sets.Add(1)
	err := e.set(ctx, path, value, true)
	e.logOperation(ctx, "set_wait", path, start, err)
	return err
}

func (e *Engine) set(ctx context.Context, path string, value []byte, wait bool) error {
	if err := ValidatePath(path); err != nil {
		return ErrInvalid
	}

	if proxy := e.proxy.match(path); proxy != nil {
		return e.proxy.set(ctx, proxy, path, value)
	}

	leaf := Leaf{Path: path, Value: value}
	if err := e.runValidators(ctx, []Leaf{leaf}); err != nil {
		return err
	}

	var ts int64
	if value == nil {
		var err error
		ts, err = e.tree.Delete(path)
		if err != nil {
			return err
		}
	} else {
		var err error
		ts, err = e.tree.Set(path, value)
		if err != nil {
			return err
		}
	}

	e.fanout(ctx, path, []Leaf{{Path: path, Value: value, Ts: ts}}, wait)
	return nil
}

// SetTree applies an entire Tree Snapshot rooted at base, atomically: the
// snapshot is flattened into its leaf set and sorted lexicographically
// once, validators run over that sorted slice, and if none vetoes every
// leaf is applied under a single shared timestamp before watchers fan out
// in the same order.
func (e *Engine) SetTree(ctx context.Context, base string, tree *Snapshot) error {
	start := time.Now()
	e.config.counters.sets.Add(1)
	err := e.setTree(ctx, base, tree)
	e.logOperation(ctx, "set_tree", base, start, err)
	return err
}

func (e *Engine) setTree(ctx context.Context, base string, tree *Snapshot) error {
	if err := ValidatePath(base); err != nil {
		return ErrInvalid
	}

	leaves := SortedLeaves(tree.Flatten(base))
	if err := e.runValidators(ctx, leaves); err != nil {
		return err
	}

	ts := e.tree.Apply(leaves)
	for i := range leaves {
		leaves[i].Ts = ts
	}
	e.fanout(ctx, base, leaves, false)
	return nil
}

// Cas stores value at path only if the subtree's current timestamp equals
// expected (0 meaning "path must not exist"). A mismatch returns ErrBusy
// without touching the store.
func (e *Engine) Cas(ctx context.Context, path string, expected int64, value []byte) error {
	start := time.Now()
	e.config.counters.sets.Add(1)
	err := e.cas(ctx, path, expected, value)
	e.logOperation(ctx, "cas", path, start, err)
	return err
}

func (e *Engine) cas(ctx context.Context, path string, expected int64, value []byte) error {
	if err := ValidatePath(path); err != nil {
		return ErrInvalid
	}

	leaf := Leaf{Path: path, Value: value}
	if err := e.runValidators(ctx, []Leaf{leaf}); err != nil {
		return err
	}

	var ts int64
	var err error
	if value == nil {
		ts, err = e.tree.CompareAndDelete(path, expected)
	} else {
		ts, err = e.tree.CompareAndSet(path, expected, value)
	}
	if err != nil {
		return err
	}

	e.fanout(ctx, path, []Leaf{{Path: path, Value: value, Ts: ts}}, false)
	return nil
}

// CasTree is the batched analogue of Cas: the aggregate maximum timestamp
// over the affected leaves must equal expected before any leaf is applied.
func (e *Engine) CasTree(ctx context.Context, base string, expected int64, tree *Snapshot) error {
	start := time.Now()
	e.config.counters.sets.Add(1)
	err := e.casTree(ctx, base, expected, tree)
	e.logOperation(ctx, "cas_tree", base, start, err)
	return err
}

func (e *Engine) casTree(ctx context.Context, base string, expected int64, tree *Snapshot) error {
	if err := ValidatePath(base); err != nil {
		return ErrInvalid
	}

	leaves := SortedLeaves(tree.Flatten(base))
	if err := e.runValidators(ctx, leaves); err != nil {
		return err
	}

	ts, err := e.tree.CompareApply(leaves, expected)
	if err != nil {
		return err
	}
	for i := range leaves {
		leaves[i].Ts = ts
	}
	e.fanout(ctx, base, leaves, false)
	return nil
}

// Prune removes path and its entire subtree, notifying watchers registered
// on any descendant path that held a value with an absent value.
func (e *Engine) Prune(ctx context.Context, path string) error {
	start := time.Now()
	err := e.prune(ctx, path)
	e.logOperation(ctx, "prune", path, start, err)
	return err
}

func (e *Engine) prune(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return ErrInvalid
	}

	snap := e.tree.Snapshot(path)
	ts, err := e.tree.Prune(path)
	if err != nil {
		return err
	}
	if snap != nil {
		leaves := snap.Flatten(path)
		for i := range leaves {
			leaves[i].Value = nil
			leaves[i].Ts = ts
		}
		e.fanout(ctx, path, SortedLeaves(leaves), false)
	}
	return nil
}

// runValidators dispatches every leaf in leaves, in order, to its matching
// validators. The first veto (non-nil error) aborts the whole write and no
// leaf is applied.
func (e *Engine) runValidators(ctx context.Context, leaves []Leaf) error {
	for _, leaf := range leaves {
		for _, v := range e.callbacks.Match(KindValidate, leaf.Path) {
			e.config.counters.validations.Add(1)
			start := time.Now()
			err := e.invokeGuarded(KindValidate, v, func() error {
				return e.deliverValidate(ctx, v, leaf.Path, leaf.Value)
			})
			v.stats.record(time.Since(start).Microseconds())
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// fanout notifies every watcher matching any leaf in leaves, and every
// watch-tree entry matching any leaf exactly once with the whole committed
// leaf set. In-process watchers run inline, so a registration taking effect
// through the Configuration Subtree is visible as soon as the write
// returns; remote watchers are delivered on the dispatcher's worker pool,
// detached from the caller's context, and their failures are swallowed.
// With wait set, fanout blocks until every remote delivery has finished.
func (e *Engine) fanout(ctx context.Context, root string, leaves []Leaf, wait bool) {
	var wg sync.WaitGroup

	deliver := func(w *callbackEntry, fn func(ctx context.Context)) {
		if w.local != nil {
			start := time.Now()
			_ = e.invokeGuarded(w.kind, w, func() error {
				fn(ctx)
				return nil
			})
			w.stats.record(time.Since(start).Microseconds())
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.dispatch.run(context.Background(), func() {
				start := time.Now()
				_ = e.invokeGuarded(w.kind, w, func() error {
					fn(context.Background())
					return nil
				})
				w.stats.record(time.Since(start).Microseconds())
			})
		}()
	}

	for _, leaf := range leaves {
		for _, w := range e.callbacks.Match(KindWatch, leaf.Path) {
			e.config.counters.watches.Add(1)
			deliver(w, func(ctx context.Context) {
				e.deliverWatch(ctx, w, leaf.Path, leaf.Value, leaf.Ts)
			})
		}
	}

	var treeWatchers []*callbackEntry
	seen := make(map[*callbackEntry]struct{})
	for _, leaf := range leaves {
		for _, wt := range e.callbacks.Match(KindWatchTree, leaf.Path) {
			if _, dup := seen[wt]; !dup {
				seen[wt] = struct{}{}
				treeWatchers = append(treeWatchers, wt)
			}
		}
	}
	var ts int64
	if len(leaves) > 0 {
		ts = leaves[0].Ts
	}
	for _, wt := range treeWatchers {
		e.config.counters.watches.Add(1)
		deliver(wt, func(ctx context.Context) {
			e.deliverWatchTree(ctx, wt, root, ts, leaves)
		})
	}

	if wait {
		wg.Wait()
	}
}
