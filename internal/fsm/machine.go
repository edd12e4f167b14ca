// Package fsm is the branchable, stack-based state machine shared by agent
// behaviour and population policy.
//
// A machine is parameterised over the state holder S it reads (the current
// immutable snapshot), the history builder H it may append to during the
// history phase and the next-state builder B it may mutate during the state
// phase.
package fsm

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
)

// ErrCategoryMismatch is returned when a state of one category is forced onto
// a machine of another.
var ErrCategoryMismatch = errors.New("fsm: state category mismatch")

// Category separates state families that must never mix.
type Category uint8

const (
	CategoryBehaviour Category = iota + 1
	CategoryPolicy
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryBehaviour:
		return "behaviour"
	case CategoryPolicy:
		return "policy"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// State is one node of a machine. Implementations are usually stateless
// singletons; per-entity data lives in S, H and B.
type State[S, H, B any] interface {
	Name() string
	Category() Category
	// Filter decides whether this state's logic runs at all this tick.
	Filter(cur S, ctx *Context[S, H, B], rng *rand.Rand) bool
	// UpdateHistory runs in the history phase. It may append to h but must
	// not touch the next-state builder.
	UpdateHistory(h H, cur S, ctx *Context[S, H, B], rng *rand.Rand)
	// NextState runs in the state phase and returns the state to move to,
	// often itself.
	NextState(next B, cur S, ctx *Context[S, H, B], rng *rand.Rand) State[S, H, B]
}

// Defaults supplies the common no-op Filter and UpdateHistory. Embed it in
// states that only care about NextState.
type Defaults[S, H, B any] struct{}

// Filter always runs the state.
func (Defaults[S, H, B]) Filter(S, *Context[S, H, B], *rand.Rand) bool { return true }

// UpdateHistory does nothing.
func (Defaults[S, H, B]) UpdateHistory(H, S, *Context[S, H, B], *rand.Rand) {}

// Machine drives one entity's state. Transitions are serialised per machine;
// many machines transition concurrently.
type Machine[S, H, B any] struct {
	mu       sync.Mutex
	category Category
	current  State[S, H, B]
	ctx      *Context[S, H, B]
}

// New creates a machine whose baseline, and first active state, is initial.
func New[S, H, B any](category Category, initial State[S, H, B]) (*Machine[S, H, B], error) {
	if initial == nil {
		return nil, errors.New("fsm: nil initial state")
	}
	if initial.Category() != category {
		return nil, fmt.Errorf("%w: %s state %q on %s machine",
			ErrCategoryMismatch, initial.Category(), initial.Name(), category)
	}
	return &Machine[S, H, B]{
		category: category,
		current:  initial,
		ctx:      NewContext(initial),
	}, nil
}

// Category returns the category every state of this machine must share.
func (m *Machine[S, H, B]) Category() Category {
	return m.category
}

// Current returns the active state.
func (m *Machine[S, H, B]) Current() State[S, H, B] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Context returns the machine's branch stack.
func (m *Machine[S, H, B]) Context() *Context[S, H, B] {
	return m.ctx
}

// ForceTo branches the machine into s, remembering the active state so a
// later Pull resumes it. Callers outside the machine use this; a state that
// wants to branch from inside NextState pushes itself on the context and
// returns the new state instead.
func (m *Machine[S, H, B]) ForceTo(s State[S, H, B]) error {
	if s == nil {
		return errors.New("fsm: nil state")
	}
	if s.Category() != m.category {
		return fmt.Errorf("%w: %s state %q on %s machine",
			ErrCategoryMismatch, s.Category(), s.Name(), m.category)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.Push(m.current)
	m.current = s
	return nil
}

// UpdateHistory runs the active state's history step.
func (m *Machine[S, H, B]) UpdateHistory(h H, cur S, rng *rand.Rand) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Filter(cur, m.ctx, rng) {
		m.current.UpdateHistory(h, cur, m.ctx, rng)
	}
}

// NextState runs the active state's transition and installs the result. A
// nil result keeps the current state. Returning a state of the wrong
// category is an error and leaves the machine unchanged.
func (m *Machine[S, H, B]) NextState(next B, cur S, rng *rand.Rand) (State[S, H, B], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current.Filter(cur, m.ctx, rng) {
		return m.current, nil
	}
	s := m.current.NextState(next, cur, m.ctx, rng)
	if s == nil {
		return m.current, nil
	}
	if s.Category() != m.category {
		return m.current, fmt.Errorf("%w: %q returned %s state %q",
			ErrCategoryMismatch, m.current.Name(), s.Category(), s.Name())
	}
	m.current = s
	return s, nil
}
