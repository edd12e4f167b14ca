// Package engine advances a population through time. Each tick runs six
// phases separated by barriers; within a phase every agent is updated in
// parallel and no agent reads another agent's in-flight builder.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/ai4ci/jpansim2-sub000/internal/agents"
	"github.com/ai4ci/jpansim2-sub000/internal/entropy"
	"github.com/ai4ci/jpansim2-sub000/internal/network"
)

// populationStream is the entity id used to seed population-level draws, out
// of the range of agent ids.
const populationStream = math.MaxUint64

// Phase names a tick phase, for errors and logs.
type Phase int

const (
	PhasePrepare Phase = iota + 1
	PhaseContacts
	PhaseHistory
	PhaseCommitHistory
	PhaseState
	PhaseCommitState
)

func (p Phase) String() string {
	switch p {
	case PhasePrepare:
		return "prepare"
	case PhaseContacts:
		return "contacts"
	case PhaseHistory:
		return "history"
	case PhaseCommitHistory:
		return "commit-history"
	case PhaseState:
		return "state"
	case PhaseCommitState:
		return "commit-state"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// PhaseError reports the phase and time a tick failed in.
type PhaseError struct {
	Phase Phase
	Time  int
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("tick t=%d %s: %v", e.Time, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Updater runs ticks.
type Updater struct {
	Workers    int // 0 means runtime.NumCPU()
	Infections *InfectionGraph

	// OnTick, if set, runs after every committed tick.
	OnTick func(pop *agents.Population)
}

func (u *Updater) workers() int {
	if u.Workers > 0 {
		return u.Workers
	}
	return runtime.NumCPU()
}

// Tick advances pop by one time index. A tick always runs to completion:
// cancellation of ctx is observed between ticks by the caller, never inside
// one. Any error aborts the tick; the population is then left mid-tick and
// must be discarded.
func (u *Updater) Tick(ctx context.Context, pop *agents.Population) error {
	ctx = context.WithoutCancel(ctx)
	cur := pop.Current()
	if cur == nil {
		return fmt.Errorf("population %q: %w", pop.Name, agents.ErrNotInitialised)
	}
	now := cur.Time
	seed := pop.Seed()
	fail := func(p Phase, err error) error {
		return &PhaseError{Phase: p, Time: now, Err: err}
	}
	rngFor := func(id uint64, salt uint64) *rand.Rand {
		return entropy.New(seed, id, uint64(now), salt)
	}
	members := pop.Agents()

	// Phase 1: stage builders from the committed snapshots.
	if err := pop.Prepare(); err != nil {
		return fail(PhasePrepare, err)
	}
	if err := u.each(ctx, members, (*agents.Agent).Prepare); err != nil {
		return fail(PhasePrepare, err)
	}

	// Phase 2: materialise today's contacts from committed snapshots only.
	nodes := make([]network.Endpoint, len(members))
	for i, a := range members {
		nodes[i] = a.Current()
	}
	contacts, err := network.Build(ctx, pop.Edges(), nodes, network.Options{Seed: seed, Time: now, Workers: u.workers()})
	if err != nil {
		return fail(PhaseContacts, err)
	}

	// Phase 3: history updates.
	if err := pop.UpdateHistory(rngFor(populationStream, entropy.SaltHistory)); err != nil {
		return fail(PhaseHistory, err)
	}
	err = u.each(ctx, members, func(a *agents.Agent) error {
		if err := a.RecordContacts(contacts.Get(a.Current().Ref())); err != nil {
			return err
		}
		return a.UpdateHistory(rngFor(uint64(a.ID), entropy.SaltHistory))
	})
	if err != nil {
		return fail(PhaseHistory, err)
	}

	// Phase 4: commit agent history, then aggregate it.
	if err := u.each(ctx, members, (*agents.Agent).CommitHistory); err != nil {
		return fail(PhaseCommitHistory, err)
	}
	if err := pop.CommitHistory(); err != nil {
		return fail(PhaseCommitHistory, err)
	}

	// Phase 5: policy first, since it may force agent behaviours.
	if err := pop.UpdateState(rngFor(populationStream, entropy.SaltState)); err != nil {
		return fail(PhaseState, err)
	}
	hooks := pop.AgentHooks()
	lookback := 1
	if exec, err := pop.Execution(); err == nil {
		lookback = max(exec.InfectionLookback, 1)
	}
	err = u.each(ctx, members, func(a *agents.Agent) error {
		newly, err := a.UpdateState(rngFor(uint64(a.ID), entropy.SaltState), hooks)
		if err != nil || !newly || u.Infections == nil {
			return err
		}
		if e, ok := a.StrongestExposure(lookback); ok {
			u.Infections.Record(e.Source, a.ID, now+1)
		}
		return nil
	})
	if err != nil {
		return fail(PhaseState, err)
	}
	if err := pop.Aggregate(); err != nil {
		return fail(PhaseState, err)
	}

	// Phase 6: commit.
	if err := u.each(ctx, members, (*agents.Agent).CommitState); err != nil {
		return fail(PhaseCommitState, err)
	}
	if err := pop.CommitState(); err != nil {
		return fail(PhaseCommitState, err)
	}

	slog.Debug("tick committed",
		"population", pop.Name,
		"time", now+1,
		"contacts", contacts.Records(),
		"infectious", pop.Current().Infectious,
		"policy", pop.Current().Policy,
	)
	if u.OnTick != nil {
		u.OnTick(pop)
	}
	return nil
}

// each runs fn over members on a bounded worker pool. The first error stops
// the remaining chunks and is returned after every started call has
// finished. A panic in fn is returned as an error.
func (u *Updater) each(ctx context.Context, members []*agents.Agent, fn func(*agents.Agent) error) error {
	workers := u.workers()
	chunk := max(1, len(members)/(workers*4))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(members); start += chunk {
		end := min(start+chunk, len(members))
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			for _, a := range members[start:end] {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := fn(a); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
