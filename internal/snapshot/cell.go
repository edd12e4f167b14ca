// Package snapshot provides the double-buffer primitives entities use to
// move from one immutable snapshot to the next: a staging Cell for the
// in-flight builder and an append-only Log of committed values.
package snapshot

import (
	"errors"
	"sync"
)

var (
	// ErrAlreadyStaged means a builder was staged while another was still
	// pending. Two ticks overlapped; this is a programming error.
	ErrAlreadyStaged = errors.New("snapshot: builder already staged")
	// ErrNothingStaged means a commit or lookup found an empty cell.
	ErrNothingStaged = errors.New("snapshot: nothing staged")
)

// Builder converts a mutable staging value into its immutable form.
type Builder[T any] interface {
	Build() T
}

// Cell holds at most one staged builder for one entity. It is empty between
// ticks.
type Cell[T any, B Builder[T]] struct {
	mu     sync.Mutex
	staged B
	full   bool
}

// Stage sets the next builder. It fails fast if one is already staged.
func (c *Cell[T, B]) Stage(b B) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return ErrAlreadyStaged
	}
	c.staged = b
	c.full = true
	return nil
}

// Staged returns the pending builder so phase logic can mutate it.
func (c *Cell[T, B]) Staged() (B, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full {
		var zero B
		return zero, ErrNothingStaged
	}
	return c.staged, nil
}

// Commit builds the staged value and clears the cell.
func (c *Cell[T, B]) Commit() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full {
		var zero T
		return zero, ErrNothingStaged
	}
	v := c.staged.Build()
	var zero B
	c.staged = zero
	c.full = false
	return v, nil
}

// Empty reports whether no builder is staged.
func (c *Cell[T, B]) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.full
}
