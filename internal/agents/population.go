package agents

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/ai4ci/jpansim2-sub000/internal/config"
	"github.com/ai4ci/jpansim2-sub000/internal/entropy"
	"github.com/ai4ci/jpansim2-sub000/internal/fsm"
	"github.com/ai4ci/jpansim2-sub000/internal/inhost"
	"github.com/ai4ci/jpansim2-sub000/internal/network"
	"github.com/ai4ci/jpansim2-sub000/internal/snapshot"
)

// Machine aliases for population policy.
type (
	PolicyState   = fsm.State[*PopulationState, *PopulationHistoryBuilder, *PopulationStateBuilder]
	PolicyContext = fsm.Context[*PopulationState, *PopulationHistoryBuilder, *PopulationStateBuilder]
	PolicyMachine = fsm.Machine[*PopulationState, *PopulationHistoryBuilder, *PopulationStateBuilder]
)

// PopulationState is the immutable aggregate snapshot at one time index.
type PopulationState struct {
	Time          int
	Policy        string
	LockdownStart int // -1 when not in lockdown
	Size          int
	Infectious    int
	Symptomatic   int
	Isolating     int
	Compliant     int
	EverInfected  int

	population *Population
}

// Population returns the owning population.
func (s *PopulationState) Population() *Population { return s.population }

// Prevalence is the infectious fraction.
func (s *PopulationState) Prevalence() float64 {
	if s.Size == 0 {
		return 0
	}
	return float64(s.Infectious) / float64(s.Size)
}

// PopulationStateBuilder is the mutable staging form of PopulationState.
type PopulationStateBuilder struct {
	Time          int
	Policy        string
	LockdownStart int
	Size          int
	Infectious    int
	Symptomatic   int
	Isolating     int
	Compliant     int
	EverInfected  int

	population *Population
}

// Build freezes the builder.
func (b *PopulationStateBuilder) Build() *PopulationState {
	return &PopulationState{
		Time:          b.Time,
		Policy:        b.Policy,
		LockdownStart: b.LockdownStart,
		Size:          b.Size,
		Infectious:    b.Infectious,
		Symptomatic:   b.Symptomatic,
		Isolating:     b.Isolating,
		Compliant:     b.Compliant,
		EverInfected:  b.EverInfected,
		population:    b.population,
	}
}

// PopulationHistory aggregates what happened across all agents between
// Time-1 and Time.
type PopulationHistory struct {
	Time             int
	Contacts         int
	DetectedContacts int
	Exposures        int
	Tests            int
	Positives        int // positive results that became available at Time
}

// PopulationHistoryBuilder is the mutable staging form of PopulationHistory.
type PopulationHistoryBuilder struct {
	PopulationHistory
}

// Build freezes the builder.
func (b *PopulationHistoryBuilder) Build() *PopulationHistory {
	h := b.PopulationHistory
	return &h
}

// Population owns the agents and the static relationship graph.
type Population struct {
	Name  string
	Setup config.Setup

	agents []*Agent
	edges  []network.Edge

	exec      config.Execution
	baselined bool
	seed      int64

	mu          sync.RWMutex
	current     *PopulationState
	nextState   snapshot.Cell[*PopulationState, *PopulationStateBuilder]
	nextHistory snapshot.Cell[*PopulationHistory, *PopulationHistoryBuilder]
	history     snapshot.Log[*PopulationHistory]
	machine     *PolicyMachine

	agentHooks      []AgentHook
	populationHooks []PopulationHook
	forceErr        error
}

// NewPopulation returns an empty population for setup.
func NewPopulation(setup config.Setup) (*Population, error) {
	if err := setup.Ready(); err != nil {
		return nil, err
	}
	return &Population{
		Name:   setup.Name,
		Setup:  setup,
		agents: make([]*Agent, 0, setup.PopulationSize),
	}, nil
}

// AddAgent appends a setup-stage agent and returns it. IDs are dense and
// match the agent's index.
func (p *Population) AddAgent(x, y, sociability float64) *Agent {
	a := &Agent{
		ID:          AgentID(len(p.agents)),
		X:           x,
		Y:           y,
		Sociability: sociability,
		population:  p,
	}
	p.agents = append(p.agents, a)
	return a
}

// AddEdge links two agents by index.
func (p *Population) AddEdge(i, j int, closeness float64) error {
	n := len(p.agents)
	switch {
	case i < 0 || i >= n || j < 0 || j >= n:
		return fmt.Errorf("edge (%d, %d) outside population of %d", i, j, n)
	case i == j:
		return fmt.Errorf("self edge on agent %d", i)
	case closeness < 0 || closeness > 1:
		return fmt.Errorf("edge (%d, %d) closeness %v outside [0,1]", i, j, closeness)
	}
	p.edges = append(p.edges, network.Edge{Source: i, Target: j, Closeness: closeness})
	return nil
}

// Agents returns the agents in ID order. The slice must not be modified.
func (p *Population) Agents() []*Agent { return p.agents }

// Agent returns the agent with the given id.
func (p *Population) Agent(id AgentID) (*Agent, bool) {
	if int(id) >= len(p.agents) {
		return nil, false
	}
	return p.agents[id], true
}

// Edges returns the static relationship graph.
func (p *Population) Edges() []network.Edge { return p.edges }

// Size is the number of agents.
func (p *Population) Size() int { return len(p.agents) }

// Execution returns the execution the population was baselined with.
func (p *Population) Execution() (config.Execution, error) {
	if !p.baselined {
		return config.Execution{}, fmt.Errorf("population %q: %w", p.Name, ErrNotBaselined)
	}
	return p.exec, nil
}

// Seed is the run seed given to Initialise.
func (p *Population) Seed() int64 { return p.seed }

// Current returns the committed aggregate snapshot.
func (p *Population) Current() *PopulationState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// History returns the entry i ticks back.
func (p *Population) History(i int) (*PopulationHistory, bool) {
	return p.history.At(i)
}

// HistoryLen returns the number of committed history entries.
func (p *Population) HistoryLen() int { return p.history.Len() }

// Policy returns the active policy state.
func (p *Population) Policy() PolicyState { return p.machine.Current() }

// InLockdown reports whether the lockdown policy is active.
func (p *Population) InLockdown() bool {
	return p.machine != nil && p.machine.Current() == Lockdown
}

// RecentPositives counts positive results made available in the last window
// history entries.
func (p *Population) RecentPositives(window int) int {
	n := 0
	for _, h := range p.history.Recent(window) {
		n += h.Positives
	}
	return n
}

// AddAgentHook registers a hook run at the end of every agent state update.
func (p *Population) AddAgentHook(h AgentHook) { p.agentHooks = append(p.agentHooks, h) }

// AddPopulationHook registers a hook run at the end of the population state
// update.
func (p *Population) AddPopulationHook(h PopulationHook) {
	p.populationHooks = append(p.populationHooks, h)
}

// AgentHooks returns the registered agent hooks.
func (p *Population) AgentHooks() []AgentHook { return p.agentHooks }

// Baseline calibrates the population and every agent for exec. It may run
// once.
func (p *Population) Baseline(exec config.Execution) error {
	if p.baselined {
		return fmt.Errorf("population %q: %w", p.Name, ErrAlreadyBaselined)
	}
	if err := exec.Ready(); err != nil {
		return err
	}
	if exec.InitialInfections > len(p.agents) {
		return fmt.Errorf("%w: %d initial infections in population of %d",
			config.ErrNotReady, exec.InitialInfections, len(p.agents))
	}
	p.exec = exec
	for _, a := range p.agents {
		a.setBaseline(exec)
	}
	p.baselined = true
	return nil
}

// Initialise installs time-zero snapshots, history and state machines, seeds
// the initial infections and registers the execution's hooks.
func (p *Population) Initialise(seed int64) error {
	if !p.baselined {
		return fmt.Errorf("population %q: %w", p.Name, ErrNotBaselined)
	}
	if p.machine != nil {
		return fmt.Errorf("population %q already initialised", p.Name)
	}
	p.seed = seed
	rng := entropy.New(seed, entropy.SaltInit)

	seeded := make(map[int]bool, p.exec.InitialInfections)
	for _, i := range rng.Perm(len(p.agents))[:p.exec.InitialInfections] {
		seeded[i] = true
	}
	for i, a := range p.agents {
		host := inhost.NewPhenomenological(p.exec.InHost)
		if seeded[i] {
			host = inhost.Seeded(p.exec.InHost, p.exec.InitialLoad)
		}
		b := &AgentStateBuilder{
			MobilityModifier:         1,
			TransmissibilityModifier: 1,
			EverInfected:             seeded[i],
			Host:                     host,
		}
		if err := a.initialise(b); err != nil {
			return err
		}
	}

	initial := NoControl
	if p.exec.Policy == config.PolicyReactiveLockdown {
		initial = ReactiveLockdown
	}
	m, err := fsm.New(fsm.CategoryPolicy, initial)
	if err != nil {
		return err
	}
	sb := &PopulationStateBuilder{Policy: initial.Name(), LockdownStart: -1, population: p}
	for _, a := range p.agents {
		sb.add(a.Current())
	}
	p.mu.Lock()
	p.machine = m
	p.current = sb.Build()
	p.history.Prepend(&PopulationHistory{})
	p.mu.Unlock()

	if p.exec.VaccinationDay > 0 {
		p.AddAgentHook(VaccinationHook(p.exec))
	}
	return nil
}

func (b *PopulationStateBuilder) add(s *AgentState) {
	b.Size++
	if s.Infectious() {
		b.Infectious++
	}
	if s.Symptomatic() {
		b.Symptomatic++
	}
	if s.EverInfected {
		b.EverInfected++
	}
	switch s.Behaviour {
	case SelfIsolating.Name():
		b.Isolating++
	case LockdownCompliant.Name():
		b.Compliant++
	}
}

func (p *Population) ready() (*PopulationState, error) {
	cur := p.Current()
	if cur == nil || p.machine == nil {
		return nil, fmt.Errorf("population %q: %w", p.Name, ErrNotInitialised)
	}
	return cur, nil
}

// Prepare stages the next aggregate builders.
func (p *Population) Prepare() error {
	cur, err := p.ready()
	if err != nil {
		return err
	}
	sb := &PopulationStateBuilder{
		Time:          cur.Time + 1,
		Policy:        cur.Policy,
		LockdownStart: cur.LockdownStart,
		population:    p,
	}
	if err := p.nextState.Stage(sb); err != nil {
		return fmt.Errorf("population %q state: %w", p.Name, err)
	}
	hb := &PopulationHistoryBuilder{PopulationHistory{Time: cur.Time + 1}}
	if err := p.nextHistory.Stage(hb); err != nil {
		return fmt.Errorf("population %q history: %w", p.Name, err)
	}
	return nil
}

// UpdateHistory runs the policy's history step.
func (p *Population) UpdateHistory(rng *rand.Rand) error {
	cur, err := p.ready()
	if err != nil {
		return err
	}
	hb, err := p.nextHistory.Staged()
	if err != nil {
		return fmt.Errorf("population %q history: %w", p.Name, err)
	}
	p.machine.UpdateHistory(hb, cur, rng)
	return nil
}

// CommitHistory folds the agents' newly committed entries into the staged
// aggregate and commits it. Agents must have committed first.
func (p *Population) CommitHistory() error {
	hb, err := p.nextHistory.Staged()
	if err != nil {
		return fmt.Errorf("population %q history: %w", p.Name, err)
	}
	for _, a := range p.agents {
		h, ok := a.history.Latest()
		if !ok || h.Time != hb.Time {
			return fmt.Errorf("population %q: agent %d history not committed for t=%d", p.Name, a.ID, hb.Time)
		}
		hb.Contacts += len(h.Contacts)
		for _, c := range h.Contacts {
			if c.Detected {
				hb.DetectedContacts++
			}
		}
		hb.Exposures += len(h.Exposures)
		hb.Tests += len(h.Tests)
		for _, t := range a.ResultsAvailable(hb.Time) {
			if t.Positive {
				hb.Positives++
			}
		}
	}
	h, err := p.nextHistory.Commit()
	if err != nil {
		return fmt.Errorf("population %q history: %w", p.Name, err)
	}
	p.history.Prepend(h)
	return nil
}

// UpdateState runs the policy transition and the population hooks. Policies
// may force agents into new behaviours, so this runs before any agent
// updates its own state.
func (p *Population) UpdateState(rng *rand.Rand) error {
	cur, err := p.ready()
	if err != nil {
		return err
	}
	sb, err := p.nextState.Staged()
	if err != nil {
		return fmt.Errorf("population %q state: %w", p.Name, err)
	}
	p.forceErr = nil
	st, err := p.machine.NextState(sb, cur, rng)
	if err != nil {
		return fmt.Errorf("population %q: %w", p.Name, err)
	}
	if p.forceErr != nil {
		return p.forceErr
	}
	sb.Policy = st.Name()
	for _, h := range p.populationHooks {
		if h.When == nil || h.When(cur) {
			h.Apply(sb, cur, rng)
		}
	}
	return nil
}

// Aggregate recomputes the staged counts from the agents' staged snapshots.
// Agents must have finished their state update.
func (p *Population) Aggregate() error {
	sb, err := p.nextState.Staged()
	if err != nil {
		return fmt.Errorf("population %q state: %w", p.Name, err)
	}
	sb.Size, sb.Infectious, sb.Symptomatic, sb.Isolating, sb.Compliant, sb.EverInfected = 0, 0, 0, 0, 0, 0
	for _, a := range p.agents {
		ab, err := a.staged()
		if err != nil {
			return fmt.Errorf("population %q aggregate: agent %d: %w", p.Name, a.ID, err)
		}
		// Building here is side-effect free; the agent commits its own copy.
		sb.add(ab.Build())
	}
	return nil
}

// CommitState replaces the current aggregate with the staged one.
func (p *Population) CommitState() error {
	s, err := p.nextState.Commit()
	if err != nil {
		return fmt.Errorf("population %q state: %w", p.Name, err)
	}
	p.mu.Lock()
	p.current = s
	p.mu.Unlock()
	return nil
}

// forceLockdown branches each agent into LockdownCompliant with the
// execution's compliance probability. Agents are visited in ID order so the
// draws are reproducible.
func (p *Population) forceLockdown(rng *rand.Rand) int {
	forced := 0
	var errs []error
	for _, a := range p.agents {
		if !entropy.Bernoulli(rng, a.baseline.Compliance) {
			continue
		}
		if a.Behaviour() == LockdownCompliant {
			continue
		}
		if err := a.ForceBehaviour(LockdownCompliant); err != nil {
			errs = append(errs, err)
			continue
		}
		forced++
	}
	p.forceErr = errors.Join(errs...)
	return forced
}

// Verify checks the between-tick invariants for the population and every
// agent.
func (p *Population) Verify() error {
	cur, err := p.ready()
	if err != nil {
		return err
	}
	if !p.nextState.Empty() || !p.nextHistory.Empty() {
		return fmt.Errorf("population %q: builder still staged", p.Name)
	}
	if h, ok := p.history.Latest(); !ok || h.Time != cur.Time {
		return fmt.Errorf("population %q: history behind snapshot at t=%d", p.Name, cur.Time)
	}
	var errs []error
	for _, a := range p.agents {
		if err := a.Quiescent(); err != nil {
			errs = append(errs, err)
			continue
		}
		if a.Current().Time != cur.Time {
			errs = append(errs, fmt.Errorf("agent %d at t=%d, population at t=%d", a.ID, a.Current().Time, cur.Time))
		}
	}
	return errors.Join(errs...)
}
