// Package network materialises each tick's contacts from the static
// relationship graph. It reads only committed snapshots and writes into a
// concurrent multimap that is never mutated once the build returns.
package network

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Ref identifies one agent at one time index.
type Ref struct {
	ID   uint64
	Time int
}

// Participant is the other side of a contact. It carries the participant's
// infectiousness at the moment of contact so readers need not look it up
// after that agent has moved on.
type Participant struct {
	Ref
	Infectiousness float64
}

// Contact is one directed record of a daily interaction.
type Contact struct {
	Weight      float64
	Detected    bool
	Transmitted bool
	Participant Participant
}

// Edge is an undirected relationship between two agents, by index into the
// endpoint slice, with a fixed closeness quantile in [0, 1].
type Edge struct {
	Source    int
	Target    int
	Closeness float64
}

// Endpoint is the read-only view of an agent's current snapshot the builder
// needs.
type Endpoint interface {
	Ref() Ref
	AdjustedMobility() float64
	AdjustedTransmissibility() float64
	DetectionProbability() float64
	Infectiousness() float64
}

// Map holds one tick's contacts keyed by agent reference.
type Map struct {
	m       *xsync.MapOf[Ref, []Contact]
	records atomic.Int64
}

func newMap() *Map {
	return &Map{m: xsync.NewMapOf[Ref, []Contact]()}
}

func (c *Map) add(key Ref, contact Contact) {
	c.m.Compute(key, func(old []Contact, _ bool) ([]Contact, bool) {
		return append(old, contact), false
	})
	c.records.Add(1)
}

// Get returns the contacts recorded for ref. The slice must not be modified.
func (c *Map) Get(ref Ref) []Contact {
	v, _ := c.m.Load(ref)
	return v
}

// Records returns the number of directed contact records.
func (c *Map) Records() int {
	return int(c.records.Load())
}

// Agents returns how many agents have at least one contact.
func (c *Map) Agents() int {
	return c.m.Size()
}

// Range visits every agent's contacts until fn returns false.
func (c *Map) Range(fn func(Ref, []Contact) bool) {
	c.m.Range(fn)
}
