// Copyright 2022 Sylvain Müller. All rights reserved.
// Mount of this source code is governed by a Apache-2.0 license that can be found
// at https://github.com/tigerwill90/fox/blob/master/LICENSE.txt.

package apteryx

import (
	"iter"

	"github.com/apteryxdb/apteryx/internal/iterutil"
)

// Leaves returns a range iterator over every leaf (stored value) in s,
// depth-first, yielding the leaf's absolute path and value. The walk uses
// an explicit stack so an arbitrarily deep snapshot doesn't grow the call
// stack.
func (s *Snapshot) Leaves(base string) iter.Seq2[string, []byte] {
	return func(yield func(string, []byte) bool) {
		type frame struct {
			s    *Snapshot
			path string
		}
		stack := []frame{{s, base}}
		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if f.s.HasValue {
				if !yield(f.path, f.s.Value) {
					return
				}
			}
			for i := len(f.s.Children) - 1; i >= 0; i-- {
				c := f.s.Children[i]
				childPath := f.path
				if childPath == Separator {
					childPath += c.Name
				} else {
					childPath += Separator + c.Name
				}
				stack = append(stack, frame{c, childPath})
			}
		}
	}
}

// Paths returns a range iterator over every path that has a stored value in
// s, depth-first.
func (s *Snapshot) Paths(base string) iter.Seq[string] {
	return iterutil.Left(s.Leaves(base))
}
