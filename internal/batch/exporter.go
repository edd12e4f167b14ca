// Package batch runs many simulations under a memory budget: a factory task
// pre-builds instances into a bounded queue, executor tasks drive them to
// completion and a monitor sizes the queue from live memory measurements.
package batch

import "github.com/ai4ci/jpansim2-sub000/internal/engine"

// Exporter receives read-only access to a simulation. Export is called before
// every tick and Finalise once after the last one.
type Exporter interface {
	Export(sim *engine.Simulation) error
	Finalise(sim *engine.Simulation) error
}

// Discard is an Exporter that writes nothing.
type Discard struct{}

func (Discard) Export(*engine.Simulation) error   { return nil }
func (Discard) Finalise(*engine.Simulation) error { return nil }
