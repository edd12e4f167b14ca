package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ai4ci/jpansim2-sub000/internal/agents"
	"github.com/ai4ci/jpansim2-sub000/internal/clone"
	"github.com/ai4ci/jpansim2-sub000/internal/config"
	"github.com/ai4ci/jpansim2-sub000/internal/entropy"
	"github.com/ai4ci/jpansim2-sub000/internal/inhost"
	"github.com/ai4ci/jpansim2-sub000/internal/world"
)

// Options tune variant construction.
type Options struct {
	Workers int
}

// SetupStage builds the tick-invariant population for setup. It is reused,
// by copy, for every execution variant of that setup.
func SetupStage(setup config.Setup) (*agents.Population, error) {
	return world.Generate(setup)
}

// NewCloner returns a cloner for populations. A setup stage always copies.
// A baselined or running population copies too, with its behaviour and
// policy branch stacks, unless it carries agent or population hooks: hooks
// are funcs, and funcs cannot be copied.
func NewCloner(opts ...clone.Option) *clone.Cloner {
	c := clone.New(opts...)
	c.Register(inhost.Phenomenological{})
	for _, s := range agents.Behaviours {
		c.Register(s)
	}
	for _, s := range agents.Policies {
		c.Register(s)
	}
	return c
}

// ReplicateSeed derives the run seed for one replicate of an execution. A
// zero execution seed picks a fresh one.
func ReplicateSeed(exec config.Execution, replicate int) int64 {
	base := exec.Seed
	if base == 0 {
		base = entropy.CryptoSeed()
	}
	return int64(entropy.Seed(base, uint64(replicate)) >> 1)
}

// Variant baselines and initialises stage for exec and wraps it in a
// Simulation. stage is consumed; pass a copy when it is shared.
func Variant(stage *agents.Population, exec config.Execution, replicate int, opt Options) (*Simulation, error) {
	if err := stage.Baseline(exec); err != nil {
		return nil, fmt.Errorf("variant %s/%s#%d: %w", stage.Name, exec.Name, replicate, err)
	}
	if err := stage.Initialise(ReplicateSeed(exec, replicate)); err != nil {
		return nil, fmt.Errorf("variant %s/%s#%d: %w", stage.Name, exec.Name, replicate, err)
	}

	sim := &Simulation{
		ID:            uuid.New(),
		SetupName:     stage.Name,
		ExecutionName: exec.Name,
		Replicate:     replicate,
		Population:    stage,
		duration:      exec.Duration,
	}
	if exec.TrackInfections {
		sim.Infections = NewInfectionGraph()
		for _, a := range stage.Agents() {
			if a.Current().EverInfected {
				sim.Infections.Seed(a.ID)
			}
		}
	}
	sim.updater = &Updater{Workers: opt.Workers, Infections: sim.Infections}
	return sim, nil
}
