package agents

import (
	"math"

	"github.com/ai4ci/jpansim2-sub000/internal/inhost"
	"github.com/ai4ci/jpansim2-sub000/internal/network"
)

// AgentState is the immutable snapshot of one agent at one time index.
// Derived fields are computed once in Build and never change.
type AgentState struct {
	Time                     int
	MobilityModifier         float64
	TransmissibilityModifier float64
	ImmunisationDose         float64 // consumed by the in-host model on the next tick
	Behaviour                string
	EverInfected             bool
	Host                     inhost.Model

	agent *Agent

	adjustedMobility         float64
	adjustedTransmissibility float64
	infectiousness           float64
	infectious               bool
	symptomatic              bool
}

// Agent returns the entity this snapshot belongs to.
func (s *AgentState) Agent() *Agent { return s.agent }

// Ref identifies the agent at this snapshot's time.
func (s *AgentState) Ref() network.Ref {
	return network.Ref{ID: uint64(s.agent.ID), Time: s.Time}
}

// AdjustedMobility is the baseline mobility scaled by the current modifier.
func (s *AgentState) AdjustedMobility() float64 { return s.adjustedMobility }

// AdjustedTransmissibility is the baseline transmissibility scaled by the
// current modifier.
func (s *AgentState) AdjustedTransmissibility() float64 { return s.adjustedTransmissibility }

// DetectionProbability is the chance this agent's side of a contact is
// recorded by contact tracing.
func (s *AgentState) DetectionProbability() float64 { return s.agent.baseline.Detection }

// Infectiousness is the in-host infectious output at this time.
func (s *AgentState) Infectiousness() float64 { return s.infectiousness }

// Infectious reports whether the host is above the infectious threshold.
func (s *AgentState) Infectious() bool { return s.infectious }

// Symptomatic reports whether the host is above the symptom threshold.
func (s *AgentState) Symptomatic() bool { return s.symptomatic }

// ViralLoad is the normalised in-host load.
func (s *AgentState) ViralLoad() float64 { return s.Host.ViralLoad() }

// next seeds the builder for the following tick.
func (s *AgentState) next() *AgentStateBuilder {
	return &AgentStateBuilder{
		Time:                     s.Time + 1,
		MobilityModifier:         s.MobilityModifier,
		TransmissibilityModifier: s.TransmissibilityModifier,
		ImmunisationDose:         s.ImmunisationDose,
		Behaviour:                s.Behaviour,
		EverInfected:             s.EverInfected,
		Host:                     s.Host,
		agent:                    s.agent,
	}
}

// AgentStateBuilder is the mutable staging form of AgentState.
type AgentStateBuilder struct {
	Time                     int
	MobilityModifier         float64
	TransmissibilityModifier float64
	ImmunisationDose         float64
	Behaviour                string
	EverInfected             bool
	Host                     inhost.Model

	agent *Agent
}

// Agent returns the entity being built for.
func (b *AgentStateBuilder) Agent() *Agent { return b.agent }

// Build freezes the builder and computes the derived fields.
func (b *AgentStateBuilder) Build() *AgentState {
	base := b.agent.baseline
	s := &AgentState{
		Time:                     b.Time,
		MobilityModifier:         b.MobilityModifier,
		TransmissibilityModifier: b.TransmissibilityModifier,
		ImmunisationDose:         b.ImmunisationDose,
		Behaviour:                b.Behaviour,
		Host:                     b.Host,
		agent:                    b.agent,
	}
	s.adjustedMobility = clamp01(base.Mobility * b.MobilityModifier)
	s.adjustedTransmissibility = clamp01(base.Transmissibility * b.TransmissibilityModifier)
	if b.Host != nil {
		s.infectiousness = b.Host.Infectiousness()
		s.infectious = b.Host.Infectious()
		s.symptomatic = b.Host.Symptomatic()
	}
	s.EverInfected = b.EverInfected || s.infectious
	return s
}

// Exposure is one dose received through a transmitted contact.
type Exposure struct {
	Source AgentID
	Time   int
	Dose   float64
}

// TestResult is one diagnostic test. The result is only known to behaviour
// logic from Available onwards.
type TestResult struct {
	Taken     int
	Available int
	ViralLoad float64
	Positive  bool
}

// AgentHistory is the immutable record of what happened to an agent between
// Time-1 and Time. Its projected fields come from the snapshot at Time-1.
type AgentHistory struct {
	Time      int
	Contacts  []network.Contact
	Exposures []Exposure
	Tests     []TestResult

	Behaviour   string
	Mobility    float64
	ViralLoad   float64
	Infectious  bool
	Symptomatic bool

	agent *Agent
}

// Agent returns the entity this entry belongs to.
func (h *AgentHistory) Agent() *Agent { return h.agent }

// TotalExposure sums the doses received in this entry.
func (h *AgentHistory) TotalExposure() float64 {
	total := 0.0
	for _, e := range h.Exposures {
		total += e.Dose
	}
	return total
}

// AgentHistoryBuilder is the mutable staging form of AgentHistory.
type AgentHistoryBuilder struct {
	Time      int
	Contacts  []network.Contact
	Exposures []Exposure
	Tests     []TestResult

	Behaviour   string
	Mobility    float64
	ViralLoad   float64
	Infectious  bool
	Symptomatic bool

	agent *Agent
}

// historyFrom projects the current snapshot into the next history entry.
func historyFrom(s *AgentState) *AgentHistoryBuilder {
	load := 0.0
	if s.Host != nil {
		load = s.Host.ViralLoad()
	}
	return &AgentHistoryBuilder{
		Time:        s.Time + 1,
		Behaviour:   s.Behaviour,
		Mobility:    s.adjustedMobility,
		ViralLoad:   load,
		Infectious:  s.infectious,
		Symptomatic: s.symptomatic,
		agent:       s.agent,
	}
}

// Agent returns the entity being built for.
func (b *AgentHistoryBuilder) Agent() *Agent { return b.agent }

// AddTest records a test taken during this tick.
func (b *AgentHistoryBuilder) AddTest(t TestResult) {
	b.Tests = append(b.Tests, t)
}

// Build freezes the builder.
func (b *AgentHistoryBuilder) Build() *AgentHistory {
	return &AgentHistory{
		Time:        b.Time,
		Contacts:    b.Contacts,
		Exposures:   b.Exposures,
		Tests:       b.Tests,
		Behaviour:   b.Behaviour,
		Mobility:    b.Mobility,
		ViralLoad:   b.ViralLoad,
		Infectious:  b.Infectious,
		Symptomatic: b.Symptomatic,
		agent:       b.agent,
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
