package apteryx

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestTreeSetGet(t *testing.T) {
	tree := NewTree(NewClock())

	ts, err := tree.Set("/t/a/b", []byte("1"))
	require.NoError(t, err)
	require.Greater(t, ts, int64(0))

	value, gotTs, ok := tree.Get("/t/a/b")
	require.True(t, ok)
	require.Equal(t, []byte("1"), value)
	require.Equal(t, ts, gotTs)

	_, _, ok = tree.Get("/t/a/missing")
	require.False(t, ok)
}

func TestTreeSetDoesNotLeaveEmptyInteriorNodes(t *testing.T) {
	tree := NewTree(NewClock())

	_, err := tree.Set("/t/a/b/c", []byte("1"))
	require.NoError(t, err)
	_, err = tree.Delete("/t/a/b/c")
	require.NoError(t, err)

	require.False(t, tree.Has("/t/a/b/c"))
	require.Nil(t, tree.Search("/t/a"))
	require.Nil(t, tree.Search("/t"))
}

func TestTreePruneRemovesSubtree(t *testing.T) {
	tree := NewTree(NewClock())

	_, err := tree.Set("/t/a/x", []byte("1"))
	require.NoError(t, err)
	_, err = tree.Set("/t/a/y", []byte("2"))
	require.NoError(t, err)

	_, err = tree.Prune("/t/a")
	require.NoError(t, err)
	require.False(t, tree.Has("/t/a/x"))
	require.False(t, tree.Has("/t/a/y"))
	require.Nil(t, tree.Search("/t"))
}

func TestTreeCompareAndSet(t *testing.T) {
	tree := NewTree(NewClock())

	ts, err := tree.Set("/t/a", []byte("1"))
	require.NoError(t, err)

	_, err = tree.CompareAndSet("/t/a", ts, []byte("2"))
	require.NoError(t, err)

	_, err = tree.CompareAndSet("/t/a", ts, []byte("3"))
	require.ErrorIs(t, err, ErrBusy)

	value, _, _ := tree.Get("/t/a")
	require.Equal(t, []byte("2"), value)
}

func TestTreeCompareAndSetAgainstAbsentPath(t *testing.T) {
	tree := NewTree(NewClock())

	_, err := tree.CompareAndSet("/t/new", 0, []byte("1"))
	require.NoError(t, err)

	_, err = tree.CompareAndSet("/t/new2", 1, []byte("1"))
	require.ErrorIs(t, err, ErrBusy)
}

func TestTreeSearchIsSortedAndScopedToImmediateChildren(t *testing.T) {
	tree := NewTree(NewClock())

	for _, p := range []string{"/t/c", "/t/b", "/t/a", "/t/a/deep"} {
		_, err := tree.Set(p, []byte("v"))
		require.NoError(t, err)
	}

	require.Equal(t, []string{"/t/a", "/t/b", "/t/c"}, tree.Search("/t"))
}

func TestTreeSnapshotAndApplyRoundTrip(t *testing.T) {
	tree := NewTree(NewClock())

	_, err := tree.Set("/t/a", []byte("1"))
	require.NoError(t, err)
	_, err = tree.Set("/t/b", []byte("2"))
	require.NoError(t, err)

	snap := tree.Snapshot("/t")
	require.NotNil(t, snap)

	other := NewTree(NewClock())
	other.Apply(snap.Flatten("/t"))

	value, _, ok := other.Get("/t/a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), value)
}

func TestTreeTimestampPropagatesToAncestors(t *testing.T) {
	tree := NewTree(NewClock())

	ts, err := tree.Set("/t/a/b", []byte("1"))
	require.NoError(t, err)

	for _, p := range []string{"/t/a/b", "/t/a", "/t", "/"} {
		got, ok := tree.Timestamp(p)
		require.True(t, ok, p)
		require.Equal(t, ts, got, p)
	}

	ts2, err := tree.Set("/t/c", []byte("2"))
	require.NoError(t, err)
	require.Greater(t, ts2, ts)

	got, _ := tree.Timestamp("/t/a")
	require.Equal(t, ts, got)
	got, _ = tree.Timestamp("/t")
	require.Equal(t, ts2, got)
	got, _ = tree.Timestamp("/")
	require.Equal(t, ts2, got)
}

func TestTreeDeleteStampsSurvivingAncestors(t *testing.T) {
	tree := NewTree(NewClock())

	_, err := tree.Set("/t/a", []byte("1"))
	require.NoError(t, err)
	_, err = tree.Set("/t/b", []byte("2"))
	require.NoError(t, err)

	before, _ := tree.Timestamp("/t")
	delTs, err := tree.Delete("/t/a")
	require.NoError(t, err)
	require.Greater(t, delTs, before)

	got, _ := tree.Timestamp("/t")
	require.Equal(t, delTs, got)
}

func TestTreeApplySharesOneTimestamp(t *testing.T) {
	tree := NewTree(NewClock())

	ts := tree.Apply([]Leaf{
		{Path: "/t/a", Value: []byte("1")},
		{Path: "/t/b", Value: []byte("2")},
	})

	_, tsA, _ := tree.Get("/t/a")
	_, tsB, _ := tree.Get("/t/b")
	require.Equal(t, ts, tsA)
	require.Equal(t, ts, tsB)
}

func TestTreeCompareApply(t *testing.T) {
	tree := NewTree(NewClock())

	leaves := []Leaf{
		{Path: "/t/a", Value: []byte("1")},
		{Path: "/t/b", Value: []byte("2")},
	}
	_, err := tree.CompareApply(leaves, 0)
	require.NoError(t, err)

	_, err = tree.CompareApply(leaves, 0)
	require.ErrorIs(t, err, ErrBusy)

	cur, _ := tree.Timestamp("/t/b")
	_, err = tree.CompareApply([]Leaf{{Path: "/t/b", Value: []byte("3")}}, cur)
	require.NoError(t, err)
}

func TestTreeFuzzSetGetDelete(t *testing.T) {
	// no '*' and no '/'
	unicodeRanges := fuzz.UnicodeRanges{
		{First: 0x21, Last: 0x29},
		{First: 0x2B, Last: 0x2E},
		{First: 0x30, Last: 0x7A},
		{First: 0x7C, Last: 0x04FF},
	}
	f := fuzz.New().NilChance(0).NumElements(1000, 2000).Funcs(unicodeRanges.CustomStringFuzzFunc())

	segments := make(map[string]struct{})
	f.Fuzz(&segments)

	tree := NewTree(NewClock())
	paths := make([]string, 0, len(segments))
	for seg := range segments {
		if seg == "" {
			continue
		}
		path := "/fuzz/" + seg
		_, err := tree.Set(path, []byte(seg))
		require.NoError(t, err)
		paths = append(paths, path)
	}
	require.NotEmpty(t, paths)
	require.Len(t, tree.Search("/fuzz"), len(paths))

	for _, path := range paths {
		value, _, ok := tree.Get(path)
		require.Truef(t, ok, "path: %s", path)
		require.Equal(t, []byte(path[len("/fuzz/"):]), value)
	}

	for _, path := range paths {
		_, err := tree.Delete(path)
		require.NoError(t, err)
	}
	require.False(t, tree.Exists("/fuzz"))
}

func TestTreeFuzzNoPanics(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(5000, 10000)
	tree := NewTree(NewClock())

	paths := make(map[string]struct{})
	f.Fuzz(&paths)

	for path := range paths {
		require.NotPanicsf(t, func() {
			_, _ = tree.Set(path, []byte("v"))
			_, _, _ = tree.Get(path)
			_, _ = tree.Delete(path)
			_, _ = tree.Prune(path)
		}, "path: %s", path)
	}
}

func TestTreeLockedTreeBatchesUnderSingleHold(t *testing.T) {
	tree := NewTree(NewClock())

	lt := tree.Lock()
	_, err := lt.Set("/t/a", []byte("1"))
	require.NoError(t, err)
	_, err = lt.Set("/t/b", []byte("2"))
	require.NoError(t, err)
	lt.Release()
	lt.Release() // no-op

	require.True(t, tree.Has("/t/a"))
	require.True(t, tree.Has("/t/b"))
}
