package apteryx

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEngineSetAndGet(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "/t/e/z/p/name", []byte("private")))

	value, _, err := e.Get(ctx, "/t/e/z/p/name")
	require.NoError(t, err)
	require.Equal(t, []byte("private"), value)
}

func TestEngineSetNilValueDeletesAndLeavesNoKeys(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "/t/e/z/p/name", []byte("private")))
	require.NoError(t, e.Set(ctx, "/t/e/z/p/name", nil))

	_, _, err := e.Get(ctx, "/t/e/z/p/name")
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, e.tree.Exists("/t"))
}

func TestEngineValidatorVetoesWrite(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	e.callbacks.RegisterLocal(KindValidate, "v1", "/t/a", func(_ context.Context, _ CallbackRequest) CallbackResult {
		return CallbackResult{Status: StatusCode(ErrPermission)}
	})

	err := e.Set(ctx, "/t/a", []byte("1"))
	require.ErrorIs(t, err, ErrPermission)

	_, _, err = e.Get(ctx, "/t/a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngineWatcherReceivesValueAndTimestamp(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var gotPath string
	var gotValue []byte
	var gotTs int64

	e.callbacks.RegisterLocal(KindWatch, "w1", "/t/a", func(_ context.Context, req CallbackRequest) CallbackResult {
		mu.Lock()
		gotPath, gotValue, gotTs = req.Path, req.Value, req.Ts
		mu.Unlock()
		return CallbackResult{}
	})

	require.NoError(t, e.Set(ctx, "/t/a", []byte("1")))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "/t/a", gotPath)
	require.Equal(t, []byte("1"), gotValue)
	require.Greater(t, gotTs, int64(0))
}

func TestEngineSetTreeValidatesAllOrNothing(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	e.callbacks.RegisterLocal(KindValidate, "v1", "/t/p/9", func(_ context.Context, _ CallbackRequest) CallbackResult {
		return CallbackResult{Status: StatusCode(ErrPermission)}
	})

	tree := &Snapshot{
		Children: []*Snapshot{
			{Name: "8", Value: []byte("v8"), HasValue: true},
			{Name: "9", Value: []byte("v9"), HasValue: true},
		},
	}
	err := e.SetTree(ctx, "/t/p", tree)
	require.ErrorIs(t, err, ErrPermission)

	_, _, err = e.Get(ctx, "/t/p/8")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngineSetTreeCommitsUnderOneTimestamp(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	tree := &Snapshot{
		Children: []*Snapshot{
			{Name: "a", Value: []byte("1"), HasValue: true},
			{Name: "b", Value: []byte("2"), HasValue: true},
		},
	}
	require.NoError(t, e.SetTree(ctx, "/t/p", tree))

	_, tsA, err := e.Get(ctx, "/t/p/a")
	require.NoError(t, err)
	_, tsB, err := e.Get(ctx, "/t/p/b")
	require.NoError(t, err)
	require.Equal(t, tsA, tsB)
}

func TestEngineValidatorOrderingForSetTreeIsLexicographic(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var order []string

	e.callbacks.RegisterLocal(KindValidate, "v1", "/t/p/*", func(_ context.Context, req CallbackRequest) CallbackResult {
		mu.Lock()
		order = append(order, req.Path)
		mu.Unlock()
		return CallbackResult{}
	})

	var children []*Snapshot
	for _, name := range []string{"9", "8", "7", "6", "5", "4", "3", "2", "1", "0"} {
		children = append(children, &Snapshot{Name: name, Value: []byte(name), HasValue: true})
	}
	require.NoError(t, e.SetTree(ctx, "/t/p", &Snapshot{Children: children}))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"/t/p/0", "/t/p/1", "/t/p/2", "/t/p/3", "/t/p/4",
		"/t/p/5", "/t/p/6", "/t/p/7", "/t/p/8", "/t/p/9",
	}, order)
}

func TestEngineCasLifecycle(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	require.NoError(t, e.Cas(ctx, "/t/i/eth0/ifindex", 0, []byte("1")))
	require.ErrorIs(t, e.Cas(ctx, "/t/i/eth0/ifindex", 0, []byte("2")), ErrBusy)

	ts, err := e.Timestamp(ctx, "/t/i/eth0/ifindex")
	require.NoError(t, err)
	require.NotZero(t, ts)

	require.NoError(t, e.Cas(ctx, "/t/i/eth0/ifindex", ts, []byte("3")))

	value, _, err := e.Get(ctx, "/t/i/eth0/ifindex")
	require.NoError(t, err)
	require.Equal(t, []byte("3"), value)
}

func TestEngineCasTreeComparesAggregateTimestamp(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	tree := &Snapshot{
		Children: []*Snapshot{
			{Name: "a", Value: []byte("1"), HasValue: true},
			{Name: "b", Value: []byte("2"), HasValue: true},
		},
	}
	require.NoError(t, e.CasTree(ctx, "/t/p", 0, tree))
	require.ErrorIs(t, e.CasTree(ctx, "/t/p", 0, tree), ErrBusy)

	ts, err := e.Timestamp(ctx, "/t/p")
	require.NoError(t, err)
	require.NoError(t, e.CasTree(ctx, "/t/p", ts, tree))
}

func TestEngineWildcardWatcherFiresOncePerDeletedLeaf(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "/t/e/z/p/state", []byte("up")))

	var mu sync.Mutex
	fired := make(map[string]int)
	e.callbacks.RegisterLocal(KindWatch, "w1", "/t/e/z/p/*", func(_ context.Context, req CallbackRequest) CallbackResult {
		mu.Lock()
		if req.Value == nil {
			fired[req.Path]++
		}
		mu.Unlock()
		return CallbackResult{}
	})

	require.NoError(t, e.Prune(ctx, "/t/e/z/p"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, map[string]int{"/t/e/z/p/state": 1}, fired)
}

func TestEngineWatchTreeReceivesWholeWriteOnce(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var calls int
	var got []Leaf
	e.callbacks.RegisterLocal(KindWatchTree, "wt1", "/t/p/*", func(_ context.Context, req CallbackRequest) CallbackResult {
		mu.Lock()
		calls++
		got = req.Leaves
		mu.Unlock()
		return CallbackResult{}
	})

	tree := &Snapshot{
		Children: []*Snapshot{
			{Name: "a", Value: []byte("1"), HasValue: true},
			{Name: "b", Value: []byte("2"), HasValue: true},
		},
	}
	require.NoError(t, e.SetTree(ctx, "/t/p", tree))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
	require.Len(t, got, 2)
	require.Equal(t, "/t/p/a", got[0].Path)
	require.Equal(t, "/t/p/b", got[1].Path)
}

func TestEngineValidatorPanicAbortsWrite(t *testing.T) {
	e := New()
	defer e.Close()
	ctx := context.Background()

	e.callbacks.RegisterLocal(KindValidate, "v1", "/t/a", func(_ context.Context, _ CallbackRequest) CallbackResult {
		panic("boom")
	})

	err := e.Set(ctx, "/t/a", []byte("1"))
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, e.tree.Has("/t/a"))
}
