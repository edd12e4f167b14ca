// Package agents is the entity data model: agents and the population that
// owns them, their immutable snapshots and history entries, and the behaviour
// and policy states that drive them.
package agents

import (
	"cmp"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/ai4ci/jpansim2-sub000/internal/config"
	"github.com/ai4ci/jpansim2-sub000/internal/entropy"
	"github.com/ai4ci/jpansim2-sub000/internal/fsm"
	"github.com/ai4ci/jpansim2-sub000/internal/network"
	"github.com/ai4ci/jpansim2-sub000/internal/snapshot"
)

// Lifecycle guard failures. These are caller ordering bugs and always fatal.
var (
	ErrNotBaselined     = errors.New("agents: baseline not yet computed")
	ErrAlreadyBaselined = errors.New("agents: baseline already computed")
	ErrNotInitialised   = errors.New("agents: entity not initialised")
)

// AgentID is a unique identifier for an agent within one population.
type AgentID uint64

// Machine aliases for the two state families.
type (
	BehaviourState   = fsm.State[*AgentState, *AgentHistoryBuilder, *AgentStateBuilder]
	BehaviourContext = fsm.Context[*AgentState, *AgentHistoryBuilder, *AgentStateBuilder]
	BehaviourMachine = fsm.Machine[*AgentState, *AgentHistoryBuilder, *AgentStateBuilder]
)

// AgentBaseline holds calibrated, tick-invariant parameters.
type AgentBaseline struct {
	Mobility          float64
	Transmissibility  float64
	Detection         float64
	Compliance        float64
	SymptomTest       float64
	Sensitivity       float64
	Specificity       float64
	TestDelay         int
	IsolationMobility float64
	IsolationDays     int
}

// Agent is one simulated individual. The setup-stage fields (ID, position and
// sociability) are fixed when the population is built; everything else is
// attached by Baseline and Initialise.
type Agent struct {
	ID          AgentID
	X, Y        float64
	Sociability float64

	population *Population
	baseline   *AgentBaseline

	mu          sync.RWMutex
	current     *AgentState
	nextState   snapshot.Cell[*AgentState, *AgentStateBuilder]
	nextHistory snapshot.Cell[*AgentHistory, *AgentHistoryBuilder]
	history     snapshot.Log[*AgentHistory]
	machine     *BehaviourMachine
}

// Population returns the owning population.
func (a *Agent) Population() *Population { return a.population }

// Baseline returns the calibrated parameters, or ErrNotBaselined.
func (a *Agent) Baseline() (*AgentBaseline, error) {
	if a.baseline == nil {
		return nil, fmt.Errorf("agent %d: %w", a.ID, ErrNotBaselined)
	}
	return a.baseline, nil
}

// Current returns the committed snapshot. It is never a partially built one.
func (a *Agent) Current() *AgentState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// History returns the entry i ticks back (0 is the newest).
func (a *Agent) History(i int) (*AgentHistory, bool) {
	return a.history.At(i)
}

// HistoryLen returns the number of committed history entries.
func (a *Agent) HistoryLen() int { return a.history.Len() }

// Behaviour returns the active behaviour state.
func (a *Agent) Behaviour() BehaviourState {
	return a.machine.Current()
}

// ForceBehaviour branches the agent into s; see fsm.Machine.ForceTo.
func (a *Agent) ForceBehaviour(s BehaviourState) error {
	if a.machine == nil {
		return fmt.Errorf("agent %d: %w", a.ID, ErrNotInitialised)
	}
	return a.machine.ForceTo(s)
}

// Machine returns the behaviour state machine.
func (a *Agent) Machine() *BehaviourMachine { return a.machine }

func (a *Agent) setBaseline(exec config.Execution) {
	a.baseline = &AgentBaseline{
		Mobility:          clamp01(exec.MobilityBaseline * a.Sociability),
		Transmissibility:  exec.Transmissibility,
		Detection:         exec.ContactDetection,
		Compliance:        exec.ComplianceProbability,
		SymptomTest:       exec.SymptomTestProbability,
		Sensitivity:       exec.TestSensitivity,
		Specificity:       exec.TestSpecificity,
		TestDelay:         exec.TestDelay,
		IsolationMobility: exec.IsolationMobility,
		IsolationDays:     exec.IsolationDays,
	}
}

// initialise installs the time-zero snapshot, history entry and machine.
func (a *Agent) initialise(b *AgentStateBuilder) error {
	if a.baseline == nil {
		return fmt.Errorf("agent %d: %w", a.ID, ErrNotBaselined)
	}
	m, err := fsm.New(fsm.CategoryBehaviour, Default)
	if err != nil {
		return err
	}
	b.agent = a
	b.Behaviour = Default.Name()
	s := b.Build()
	hb := historyFrom(s)
	hb.Time = s.Time

	a.mu.Lock()
	a.machine = m
	a.current = s
	a.history.Prepend(hb.Build())
	a.mu.Unlock()
	return nil
}

func (a *Agent) ready() (*AgentState, error) {
	cur := a.Current()
	if cur == nil || a.machine == nil {
		return nil, fmt.Errorf("agent %d: %w", a.ID, ErrNotInitialised)
	}
	return cur, nil
}

// Prepare stages the next snapshot and history builders from the current
// snapshot. No other agent is read.
func (a *Agent) Prepare() error {
	cur, err := a.ready()
	if err != nil {
		return err
	}
	if err := a.nextState.Stage(cur.next()); err != nil {
		return fmt.Errorf("agent %d state: %w", a.ID, err)
	}
	if err := a.nextHistory.Stage(historyFrom(cur)); err != nil {
		return fmt.Errorf("agent %d history: %w", a.ID, err)
	}
	return nil
}

// RecordContacts injects today's contacts into the staged history and derives
// exposures from the transmitted ones. Contacts are stored in participant
// order whatever order the network build produced them in.
func (a *Agent) RecordContacts(contacts []network.Contact) error {
	hb, err := a.nextHistory.Staged()
	if err != nil {
		return fmt.Errorf("agent %d history: %w", a.ID, err)
	}
	start := len(hb.Contacts)
	hb.Contacts = append(hb.Contacts, contacts...)
	slices.SortFunc(hb.Contacts[start:], func(x, y network.Contact) int {
		if c := cmp.Compare(x.Participant.ID, y.Participant.ID); c != 0 {
			return c
		}
		return cmp.Compare(x.Weight, y.Weight)
	})
	for _, c := range hb.Contacts[start:] {
		if !c.Transmitted || c.Participant.Infectiousness <= 0 {
			continue
		}
		hb.Exposures = append(hb.Exposures, Exposure{
			Source: AgentID(c.Participant.ID),
			Time:   c.Participant.Time,
			Dose:   c.Participant.Infectiousness * c.Weight,
		})
	}
	return nil
}

// UpdateHistory runs the behaviour's history step against the staged entry.
func (a *Agent) UpdateHistory(rng *rand.Rand) error {
	cur, err := a.ready()
	if err != nil {
		return err
	}
	hb, err := a.nextHistory.Staged()
	if err != nil {
		return fmt.Errorf("agent %d history: %w", a.ID, err)
	}
	a.machine.UpdateHistory(hb, cur, rng)
	return nil
}

// CommitHistory appends the staged entry to the log.
func (a *Agent) CommitHistory() error {
	h, err := a.nextHistory.Commit()
	if err != nil {
		return fmt.Errorf("agent %d history: %w", a.ID, err)
	}
	a.mu.Lock()
	a.history.Prepend(h)
	a.mu.Unlock()
	return nil
}

// UpdateState runs the behaviour transition, advances the in-host model with
// this tick's exposure and applies the agent hooks, in that order. It reports
// whether the agent has just become infectious.
func (a *Agent) UpdateState(rng *rand.Rand, hooks []AgentHook) (bool, error) {
	cur, err := a.ready()
	if err != nil {
		return false, err
	}
	sb, err := a.nextState.Staged()
	if err != nil {
		return false, fmt.Errorf("agent %d state: %w", a.ID, err)
	}
	st, err := a.machine.NextState(sb, cur, rng)
	if err != nil {
		return false, fmt.Errorf("agent %d: %w", a.ID, err)
	}
	sb.Behaviour = st.Name()

	exposure := 0.0
	if h, ok := a.history.Latest(); ok && h.Time == sb.Time {
		exposure = h.TotalExposure()
	}
	if cur.Host != nil {
		sb.Host = cur.Host.Advance(rng, exposure, cur.ImmunisationDose)
	}
	sb.ImmunisationDose = 0

	for _, h := range hooks {
		if h.When == nil || h.When(cur) {
			h.Apply(sb, cur, rng)
		}
	}
	return sb.Host != nil && sb.Host.Infectious() && !cur.Infectious(), nil
}

// CommitState replaces the current snapshot with the staged one.
func (a *Agent) CommitState() error {
	s, err := a.nextState.Commit()
	if err != nil {
		return fmt.Errorf("agent %d state: %w", a.ID, err)
	}
	a.mu.Lock()
	a.current = s
	a.mu.Unlock()
	return nil
}

// staged exposes the in-flight next snapshot to population aggregation.
func (a *Agent) staged() (*AgentStateBuilder, error) {
	return a.nextState.Staged()
}

// Quiescent checks the between-tick invariant: nothing staged and the newest
// history entry at the current snapshot's time.
func (a *Agent) Quiescent() error {
	if !a.nextState.Empty() || !a.nextHistory.Empty() {
		return fmt.Errorf("agent %d: builder still staged", a.ID)
	}
	cur := a.Current()
	h, ok := a.history.Latest()
	if cur == nil || !ok {
		return fmt.Errorf("agent %d: %w", a.ID, ErrNotInitialised)
	}
	if h.Time != cur.Time {
		return fmt.Errorf("agent %d: history at t=%d, snapshot at t=%d", a.ID, h.Time, cur.Time)
	}
	return nil
}

// TestPending reports whether a test taken earlier has no result yet at now.
func (a *Agent) TestPending(now int) bool {
	pending := false
	window := a.baseline.TestDelay + 1
	a.history.Each(func(h *AgentHistory) bool {
		for _, t := range h.Tests {
			if t.Available > now {
				pending = true
				return false
			}
		}
		window--
		return window > 0
	})
	return pending
}

// ResultsAvailable returns the tests whose results arrive exactly at now.
func (a *Agent) ResultsAvailable(now int) []TestResult {
	var out []TestResult
	oldest := now - a.baseline.TestDelay
	a.history.Each(func(h *AgentHistory) bool {
		if h.Time < oldest {
			return false
		}
		for _, t := range h.Tests {
			if t.Available == now {
				out = append(out, t)
			}
		}
		return true
	})
	return out
}

// PositiveResultAt reports whether a positive result arrives at now.
func (a *Agent) PositiveResultAt(now int) bool {
	for _, t := range a.ResultsAvailable(now) {
		if t.Positive {
			return true
		}
	}
	return false
}

// LatestPositive returns when the most recent positive result became
// available, looking back far enough to cover one isolation period.
func (a *Agent) LatestPositive(now int) (int, bool) {
	latest, found := 0, false
	oldest := now - a.baseline.IsolationDays - a.baseline.TestDelay
	a.history.Each(func(h *AgentHistory) bool {
		if h.Time < oldest {
			return false
		}
		for _, t := range h.Tests {
			if t.Positive && t.Available <= now && (!found || t.Available > latest) {
				latest, found = t.Available, true
			}
		}
		return true
	})
	return latest, found
}

// StrongestExposure returns the largest single exposure in the last lookback
// history entries.
func (a *Agent) StrongestExposure(lookback int) (Exposure, bool) {
	var best Exposure
	found := false
	for _, h := range a.history.Recent(lookback) {
		for _, e := range h.Exposures {
			if !found || e.Dose > best.Dose {
				best, found = e, true
			}
		}
	}
	return best, found
}

// takeTest draws a test result from the current in-host state.
func (a *Agent) takeTest(now int, cur *AgentState, rng *rand.Rand) TestResult {
	b := a.baseline
	infected := cur.ViralLoad() > 0
	positive := entropy.Bernoulli(rng, 1-b.Specificity)
	if infected {
		positive = entropy.Bernoulli(rng, b.Sensitivity)
	}
	return TestResult{
		Taken:     now,
		Available: now + b.TestDelay,
		ViralLoad: cur.ViralLoad(),
		Positive:  positive,
	}
}
