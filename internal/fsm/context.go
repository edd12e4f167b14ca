package fsm

import "sync"

// Context is the per-entity branch stack: a fixed baseline plus a stack of
// states to return to.
type Context[S, H, B any] struct {
	mu       sync.Mutex
	baseline State[S, H, B]
	stack    []State[S, H, B]
}

// NewContext returns an empty stack over baseline.
func NewContext[S, H, B any](baseline State[S, H, B]) *Context[S, H, B] {
	return &Context[S, H, B]{baseline: baseline}
}

// Baseline returns the state Pull falls back to.
func (c *Context[S, H, B]) Baseline() State[S, H, B] {
	return c.baseline
}

// Push records s as the state to return to later.
func (c *Context[S, H, B]) Push(s State[S, H, B]) {
	c.mu.Lock()
	c.stack = append(c.stack, s)
	c.mu.Unlock()
}

// Pull removes and returns the most recently pushed state, or the baseline
// when nothing is pushed.
func (c *Context[S, H, B]) Pull() State[S, H, B] {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.stack)
	if n == 0 {
		return c.baseline
	}
	s := c.stack[n-1]
	c.stack[n-1] = nil
	c.stack = c.stack[:n-1]
	return s
}

// Depth returns how many states are waiting to be resumed.
func (c *Context[S, H, B]) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stack)
}
