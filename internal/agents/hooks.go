package agents

import (
	"math/rand/v2"

	"github.com/ai4ci/jpansim2-sub000/internal/config"
	"github.com/ai4ci/jpansim2-sub000/internal/entropy"
)

// AgentHook is an extra step run at the end of an agent's state update, after
// the behaviour transition and the in-host step. When is checked against the
// current snapshot; a nil When always applies.
type AgentHook struct {
	Name  string
	When  func(cur *AgentState) bool
	Apply func(next *AgentStateBuilder, cur *AgentState, rng *rand.Rand)
}

// PopulationHook is the population-level counterpart of AgentHook.
type PopulationHook struct {
	Name  string
	When  func(cur *PopulationState) bool
	Apply func(next *PopulationStateBuilder, cur *PopulationState, rng *rand.Rand)
}

// VaccinationHook immunises a random fraction of agents on the execution's
// vaccination day. The dose lands in the next snapshot and the in-host model
// takes it up on the following tick.
func VaccinationHook(exec config.Execution) AgentHook {
	day, coverage, dose := exec.VaccinationDay, exec.VaccinationCoverage, exec.VaccinationDose
	return AgentHook{
		Name: "vaccination",
		When: func(cur *AgentState) bool { return cur.Time+1 == day },
		Apply: func(next *AgentStateBuilder, _ *AgentState, rng *rand.Rand) {
			if entropy.Bernoulli(rng, coverage) {
				next.ImmunisationDose = dose
			}
		},
	}
}
