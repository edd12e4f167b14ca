package agents

import (
	"math/rand/v2"

	"github.com/ai4ci/jpansim2-sub000/internal/entropy"
	"github.com/ai4ci/jpansim2-sub000/internal/fsm"
)

type behaviourDefaults = fsm.Defaults[*AgentState, *AgentHistoryBuilder, *AgentStateBuilder]

// Behaviour singletons. States carry no per-agent data.
var (
	Default           BehaviourState = defaultBehaviour{}
	SelfIsolating     BehaviourState = selfIsolating{}
	LockdownCompliant BehaviourState = lockdownCompliant{}
)

// Behaviours lists every behaviour state by name.
var Behaviours = map[string]BehaviourState{
	Default.Name():           Default,
	SelfIsolating.Name():     SelfIsolating,
	LockdownCompliant.Name(): LockdownCompliant,
}

// maybeTest schedules a symptom-driven test when none is outstanding.
func maybeTest(h *AgentHistoryBuilder, cur *AgentState, rng *rand.Rand) {
	a := cur.agent
	if !cur.Symptomatic() || a.TestPending(cur.Time) {
		return
	}
	if entropy.Bernoulli(rng, a.baseline.SymptomTest) {
		h.AddTest(a.takeTest(cur.Time, cur, rng))
	}
}

// mustIsolate reports whether a positive result available by now is still
// inside its isolation period.
func (a *Agent) mustIsolate(now int) bool {
	at, ok := a.LatestPositive(now)
	return ok && now < at+a.baseline.IsolationDays
}

// resume pulls the state beneath the current branch and runs it for this
// tick, so the resumed state sets its own modifier on the builder.
func resume(next *AgentStateBuilder, cur *AgentState, ctx *BehaviourContext, rng *rand.Rand) BehaviourState {
	s := ctx.Pull()
	if r := s.NextState(next, cur, ctx, rng); r != nil {
		return r
	}
	return s
}

// defaultBehaviour moves freely and tests when symptomatic.
type defaultBehaviour struct{ behaviourDefaults }

func (defaultBehaviour) Name() string           { return "default" }
func (defaultBehaviour) Category() fsm.Category { return fsm.CategoryBehaviour }

func (defaultBehaviour) UpdateHistory(h *AgentHistoryBuilder, cur *AgentState, _ *BehaviourContext, rng *rand.Rand) {
	maybeTest(h, cur, rng)
}

func (s defaultBehaviour) NextState(next *AgentStateBuilder, cur *AgentState, ctx *BehaviourContext, _ *rand.Rand) BehaviourState {
	next.MobilityModifier = 1
	if cur.agent.PositiveResultAt(next.Time) {
		ctx.Push(s)
		next.MobilityModifier = cur.agent.baseline.IsolationMobility
		return SelfIsolating
	}
	return s
}

// selfIsolating holds mobility down until the isolation period after the
// latest positive result has passed, then resumes whatever came before.
type selfIsolating struct{ behaviourDefaults }

func (selfIsolating) Name() string           { return "self_isolating" }
func (selfIsolating) Category() fsm.Category { return fsm.CategoryBehaviour }

func (s selfIsolating) NextState(next *AgentStateBuilder, cur *AgentState, ctx *BehaviourContext, rng *rand.Rand) BehaviourState {
	a := cur.agent
	if !a.mustIsolate(next.Time) {
		return resume(next, cur, ctx, rng)
	}
	next.MobilityModifier = a.baseline.IsolationMobility
	return s
}

// lockdownCompliant follows the population lockdown while it lasts. A new
// positive result branches into isolation. An isolation already running when
// the lockdown was forced stays beneath on the stack and holds mobility at
// the lower of the two modifiers until it expires.
type lockdownCompliant struct{ behaviourDefaults }

func (lockdownCompliant) Name() string           { return "lockdown_compliant" }
func (lockdownCompliant) Category() fsm.Category { return fsm.CategoryBehaviour }

func (lockdownCompliant) UpdateHistory(h *AgentHistoryBuilder, cur *AgentState, _ *BehaviourContext, rng *rand.Rand) {
	maybeTest(h, cur, rng)
}

func (s lockdownCompliant) NextState(next *AgentStateBuilder, cur *AgentState, ctx *BehaviourContext, rng *rand.Rand) BehaviourState {
	a := cur.agent
	if !a.population.InLockdown() {
		return resume(next, cur, ctx, rng)
	}
	if a.PositiveResultAt(next.Time) {
		ctx.Push(s)
		next.MobilityModifier = a.baseline.IsolationMobility
		return SelfIsolating
	}
	next.MobilityModifier = a.population.exec.LockdownMobility
	if a.mustIsolate(next.Time) {
		next.MobilityModifier = min(next.MobilityModifier, a.baseline.IsolationMobility)
	}
	return s
}
