package agents

import (
	"log/slog"
	"math/rand/v2"

	"github.com/ai4ci/jpansim2-sub000/internal/fsm"
)

type policyDefaults = fsm.Defaults[*PopulationState, *PopulationHistoryBuilder, *PopulationStateBuilder]

// Policy singletons.
var (
	NoControl        PolicyState = noControl{}
	ReactiveLockdown PolicyState = reactiveLockdown{}
	Lockdown         PolicyState = lockdown{}
)

// Policies lists every policy state by name.
var Policies = map[string]PolicyState{
	NoControl.Name():        NoControl,
	ReactiveLockdown.Name(): ReactiveLockdown,
	Lockdown.Name():         Lockdown,
}

// positivity is recent positives per capita.
func positivity(cur *PopulationState) float64 {
	p := cur.population
	if cur.Size == 0 {
		return 0
	}
	return float64(p.RecentPositives(p.exec.PositivityWindow)) / float64(cur.Size)
}

type noControl struct{ policyDefaults }

func (noControl) Name() string           { return "no_control" }
func (noControl) Category() fsm.Category { return fsm.CategoryPolicy }

func (s noControl) NextState(*PopulationStateBuilder, *PopulationState, *PolicyContext, *rand.Rand) PolicyState {
	return s
}

// reactiveLockdown watches test positivity and locks down when it crosses
// the trigger.
type reactiveLockdown struct{ policyDefaults }

func (reactiveLockdown) Name() string           { return "reactive_lockdown" }
func (reactiveLockdown) Category() fsm.Category { return fsm.CategoryPolicy }

func (s reactiveLockdown) NextState(next *PopulationStateBuilder, cur *PopulationState, ctx *PolicyContext, rng *rand.Rand) PolicyState {
	p := cur.population
	rate := positivity(cur)
	if rate <= p.exec.LockdownTrigger {
		return s
	}
	forced := p.forceLockdown(rng)
	slog.Debug("lockdown started",
		"population", p.Name, "time", next.Time, "positivity", rate, "compliant", forced)
	next.LockdownStart = next.Time
	ctx.Push(s)
	return Lockdown
}

// lockdown holds until it has run for the minimum period and positivity has
// fallen below the release threshold.
type lockdown struct{ policyDefaults }

func (lockdown) Name() string           { return "lockdown" }
func (lockdown) Category() fsm.Category { return fsm.CategoryPolicy }

func (s lockdown) NextState(next *PopulationStateBuilder, cur *PopulationState, ctx *PolicyContext, _ *rand.Rand) PolicyState {
	p := cur.population
	if next.Time-cur.LockdownStart < p.exec.LockdownMinDays {
		return s
	}
	rate := positivity(cur)
	if rate >= p.exec.LockdownRelease {
		return s
	}
	slog.Debug("lockdown released", "population", p.Name, "time", next.Time, "positivity", rate)
	next.LockdownStart = -1
	return ctx.Pull()
}
