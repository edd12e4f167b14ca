package agents

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/ai4ci/jpansim2-sub000/internal/config"
	"github.com/ai4ci/jpansim2-sub000/internal/entropy"
	"github.com/ai4ci/jpansim2-sub000/internal/network"
	"github.com/ai4ci/jpansim2-sub000/internal/snapshot"
)

// quietExecution has no infections and perfect tests, so nothing happens
// unless a test arranges it.
func quietExecution() config.Execution {
	e := config.DefaultExecution()
	e.InitialInfections = 0
	e.TestSpecificity = 1
	e.VaccinationDay = 0
	return e
}

func newTestPopulation(t *testing.T, n int) *Population {
	t.Helper()
	setup := config.DefaultSetup()
	setup.PopulationSize = n
	setup.NetworkDegree = 1
	p, err := NewPopulation(setup)
	if err != nil {
		t.Fatalf("new population: %v", err)
	}
	for i := 0; i < n; i++ {
		p.AddAgent(float64(i), 0, 1)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if err := p.AddEdge(i, j, 1); err != nil {
				t.Fatalf("add edge: %v", err)
			}
		}
	}
	return p
}

func initialised(t *testing.T, n int, exec config.Execution) *Population {
	t.Helper()
	p := newTestPopulation(t, n)
	if err := p.Baseline(exec); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	if err := p.Initialise(exec.Seed); err != nil {
		t.Fatalf("initialise: %v", err)
	}
	return p
}

// step runs one tick sequentially. inject, if set, runs after the history
// updates and before the history commit.
func step(t *testing.T, p *Population, inject func(now int)) {
	t.Helper()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("t=%d: %v", p.Current().Time, err)
		}
	}
	now := p.Current().Time
	rng := func(id uint64, salt uint64) *rand.Rand { return entropy.New(p.Seed(), id, uint64(now), salt) }

	must(p.Prepare())
	nodes := make([]network.Endpoint, 0, p.Size())
	for _, a := range p.Agents() {
		must(a.Prepare())
		nodes = append(nodes, a.Current())
	}
	contacts, err := network.Build(context.Background(), p.Edges(), nodes, network.Options{Seed: p.Seed(), Time: now, Workers: 2})
	must(err)

	must(p.UpdateHistory(rng(1<<40, entropy.SaltHistory)))
	for _, a := range p.Agents() {
		must(a.RecordContacts(contacts.Get(a.Current().Ref())))
		must(a.UpdateHistory(rng(uint64(a.ID), entropy.SaltHistory)))
	}
	if inject != nil {
		inject(now + 1)
	}
	for _, a := range p.Agents() {
		must(a.CommitHistory())
	}
	must(p.CommitHistory())

	must(p.UpdateState(rng(1<<40, entropy.SaltState)))
	for _, a := range p.Agents() {
		_, err := a.UpdateState(rng(uint64(a.ID), entropy.SaltState), p.AgentHooks())
		must(err)
	}
	must(p.Aggregate())
	for _, a := range p.Agents() {
		must(a.CommitState())
	}
	must(p.CommitState())
	must(p.Verify())
}

func TestLifecycleGuards(t *testing.T) {
	p := newTestPopulation(t, 4)
	if err := p.Initialise(1); !errors.Is(err, ErrNotBaselined) {
		t.Fatalf("initialise before baseline: got %v", err)
	}
	if err := p.Agents()[0].Prepare(); !errors.Is(err, ErrNotInitialised) {
		t.Fatalf("prepare before initialise: got %v", err)
	}

	bad := quietExecution()
	bad.Transmissibility = 2
	if err := p.Baseline(bad); !errors.Is(err, config.ErrNotReady) {
		t.Fatalf("baseline with bad execution: got %v", err)
	}
	if err := p.Baseline(quietExecution()); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	if err := p.Baseline(quietExecution()); !errors.Is(err, ErrAlreadyBaselined) {
		t.Fatalf("second baseline: got %v", err)
	}
	if err := p.Initialise(1); err != nil {
		t.Fatalf("initialise: %v", err)
	}
	if err := p.Verify(); err != nil {
		t.Fatalf("verify after initialise: %v", err)
	}
}

func TestDoubleStageFails(t *testing.T) {
	p := initialised(t, 3, quietExecution())
	a := p.Agents()[0]
	if err := a.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := a.Prepare(); !errors.Is(err, snapshot.ErrAlreadyStaged) {
		t.Fatalf("second prepare: got %v", err)
	}
}

func TestAddEdgeValidation(t *testing.T) {
	p := newTestPopulation(t, 3)
	if err := p.AddEdge(0, 0, 0.5); err == nil {
		t.Fatalf("self edge accepted")
	}
	if err := p.AddEdge(0, 7, 0.5); err == nil {
		t.Fatalf("dangling edge accepted")
	}
	if err := p.AddEdge(0, 1, 1.5); err == nil {
		t.Fatalf("closeness above one accepted")
	}
}

func TestInitialInfectionsSeeded(t *testing.T) {
	exec := quietExecution()
	exec.InitialInfections = 3
	p := initialised(t, 10, exec)
	if got := p.Current().EverInfected; got != 3 {
		t.Fatalf("ever infected = %d, want 3", got)
	}
	again := initialised(t, 10, exec)
	for i, a := range p.Agents() {
		if a.Current().EverInfected != again.Agents()[i].Current().EverInfected {
			t.Fatalf("agent %d seeded differently for the same seed", i)
		}
	}
}

func TestTicksAdvanceTimeAndHistory(t *testing.T) {
	exec := config.DefaultExecution()
	exec.InitialInfections = 2
	p := initialised(t, 6, exec)
	for i := 0; i < 5; i++ {
		step(t, p, nil)
	}
	if p.Current().Time != 5 {
		t.Fatalf("population at t=%d, want 5", p.Current().Time)
	}
	for _, a := range p.Agents() {
		if a.HistoryLen() != 6 {
			t.Fatalf("agent %d has %d history entries, want 6", a.ID, a.HistoryLen())
		}
		prev := a.Current().Time + 1
		for i := 0; i < a.HistoryLen(); i++ {
			h, _ := a.History(i)
			if h.Time >= prev {
				t.Fatalf("agent %d history not strictly decreasing at %d", a.ID, i)
			}
			prev = h.Time
		}
	}
	h, _ := p.History(0)
	if h.Contacts != 6*5 {
		t.Fatalf("complete graph with full mobility gave %d contacts, want 30", h.Contacts)
	}
}

func lockdownExecution() config.Execution {
	e := quietExecution()
	e.Policy = config.PolicyReactiveLockdown
	e.LockdownTrigger = -1
	e.ComplianceProbability = 1
	e.LockdownMobility = 0.25
	e.LockdownMinDays = 3
	e.LockdownRelease = 1
	return e
}

func TestFullComplianceLockdown(t *testing.T) {
	p := initialised(t, 5, lockdownExecution())
	step(t, p, nil)

	if !p.InLockdown() {
		t.Fatalf("expected lockdown at t=1, policy %s", p.Policy().Name())
	}
	cur := p.Current()
	if cur.Compliant != cur.Size || cur.LockdownStart != 1 {
		t.Fatalf("compliant %d of %d, lockdown start %d", cur.Compliant, cur.Size, cur.LockdownStart)
	}
	for _, a := range p.Agents() {
		if a.Behaviour() != LockdownCompliant {
			t.Fatalf("agent %d is %s", a.ID, a.Behaviour().Name())
		}
		b, _ := a.Baseline()
		if got, want := a.Current().AdjustedMobility(), b.Mobility*0.25; got != want {
			t.Fatalf("agent %d mobility %v, want %v", a.ID, got, want)
		}
	}

	for p.Current().Time < 4 {
		step(t, p, nil)
	}
	if p.InLockdown() || p.Current().LockdownStart != -1 {
		t.Fatalf("lockdown not released at t=4")
	}
	if p.Policy() != ReactiveLockdown {
		t.Fatalf("policy %s, want reactive_lockdown", p.Policy().Name())
	}
	for _, a := range p.Agents() {
		if a.Behaviour() != Default {
			t.Fatalf("agent %d still %s after release", a.ID, a.Behaviour().Name())
		}
		cur := a.Current()
		if cur.MobilityModifier != 1 {
			t.Fatalf("agent %d modifier %v after release, want 1", a.ID, cur.MobilityModifier)
		}
		b, _ := a.Baseline()
		if got := cur.AdjustedMobility(); got != b.Mobility {
			t.Fatalf("agent %d mobility %v after release, want baseline %v", a.ID, got, b.Mobility)
		}
	}
	if got := p.Current().Compliant; got != 0 {
		t.Fatalf("population still counts %d compliant", got)
	}
}

func TestLockdownReleaseResumesIsolation(t *testing.T) {
	exec := lockdownExecution()
	exec.LockdownTrigger = 2
	exec.LockdownMinDays = 2
	exec.IsolationDays = 10
	exec.IsolationMobility = 0.1
	p := initialised(t, 3, exec)

	a := p.Agents()[0]
	step(t, p, func(now int) {
		hb, err := a.nextHistory.Staged()
		if err != nil {
			t.Fatalf("staged history: %v", err)
		}
		hb.AddTest(TestResult{Taken: now - 1, Available: now, Positive: true})
	})
	if a.Behaviour() != SelfIsolating || p.InLockdown() {
		t.Fatalf("t=1: agent %s, lockdown %v", a.Behaviour().Name(), p.InLockdown())
	}

	p.exec.LockdownTrigger = -1
	step(t, p, nil)
	if !p.InLockdown() {
		t.Fatalf("expected lockdown at t=2")
	}
	if a.Behaviour() != LockdownCompliant {
		t.Fatalf("t=2: agent is %s, want lockdown_compliant", a.Behaviour().Name())
	}
	if d := a.Machine().Context().Depth(); d != 2 {
		t.Fatalf("branch depth %d, want 2", d)
	}
	if got := a.Current().MobilityModifier; got != 0.1 {
		t.Fatalf("isolating agent under lockdown has modifier %v, want 0.1", got)
	}

	p.exec.LockdownTrigger = 2
	for p.Current().Time < 4 {
		step(t, p, nil)
	}
	if p.InLockdown() {
		t.Fatalf("lockdown not released at t=4")
	}
	if a.Behaviour() != SelfIsolating {
		t.Fatalf("t=4: agent is %s, want self_isolating", a.Behaviour().Name())
	}
	if got := a.Current().MobilityModifier; got != 0.1 {
		t.Fatalf("resumed isolation modifier %v, want 0.1", got)
	}
	if d := a.Machine().Context().Depth(); d != 1 {
		t.Fatalf("branch depth %d, want 1", d)
	}
	for _, o := range p.Agents()[1:] {
		if o.Behaviour() != Default || o.Current().MobilityModifier != 1 {
			t.Fatalf("agent %d is %s with modifier %v after release", o.ID, o.Behaviour().Name(), o.Current().MobilityModifier)
		}
	}

	for p.Current().Time < 11 {
		step(t, p, nil)
	}
	if a.Behaviour() != Default || a.Current().MobilityModifier != 1 || a.Machine().Context().Depth() != 0 {
		t.Fatalf("t=11: agent is %s with modifier %v", a.Behaviour().Name(), a.Current().MobilityModifier)
	}
}

func TestIsolationInsideLockdownResumesLockdown(t *testing.T) {
	exec := lockdownExecution()
	exec.LockdownMinDays = 100
	exec.IsolationDays = 3
	p := initialised(t, 3, exec)
	step(t, p, nil)

	a := p.Agents()[0]
	step(t, p, func(now int) {
		hb, err := a.nextHistory.Staged()
		if err != nil {
			t.Fatalf("staged history: %v", err)
		}
		hb.AddTest(TestResult{Taken: now - 1, Available: now, Positive: true})
	})
	if a.Behaviour() != SelfIsolating {
		t.Fatalf("t=2: agent is %s, want self_isolating", a.Behaviour().Name())
	}
	if a.Current().MobilityModifier != exec.IsolationMobility {
		t.Fatalf("isolation modifier %v, want %v", a.Current().MobilityModifier, exec.IsolationMobility)
	}
	if d := a.Machine().Context().Depth(); d != 2 {
		t.Fatalf("branch depth %d, want 2", d)
	}

	for p.Current().Time < 4 {
		step(t, p, nil)
		if a.Behaviour() != SelfIsolating {
			t.Fatalf("t=%d: released early", p.Current().Time)
		}
	}
	step(t, p, nil)
	if a.Behaviour() != LockdownCompliant {
		t.Fatalf("t=5: agent is %s, want lockdown_compliant", a.Behaviour().Name())
	}
	if d := a.Machine().Context().Depth(); d != 1 {
		t.Fatalf("branch depth %d, want 1", d)
	}
	if p.Current().Isolating != 0 {
		t.Fatalf("population still counts %d isolating", p.Current().Isolating)
	}
}

func TestVaccinationHook(t *testing.T) {
	exec := quietExecution()
	exec.VaccinationDay = 2
	exec.VaccinationCoverage = 1
	exec.VaccinationDose = 0.5
	p := initialised(t, 4, exec)

	step(t, p, nil)
	step(t, p, nil)
	for _, a := range p.Agents() {
		if a.Current().ImmunisationDose != 0.5 {
			t.Fatalf("agent %d dose %v at t=2", a.ID, a.Current().ImmunisationDose)
		}
	}
	step(t, p, nil)
	for _, a := range p.Agents() {
		cur := a.Current()
		if cur.ImmunisationDose != 0 || cur.Host.Immunity() <= 0 {
			t.Fatalf("agent %d dose %v immunity %v at t=3", a.ID, cur.ImmunisationDose, cur.Host.Immunity())
		}
	}
}
