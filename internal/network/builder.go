package network

import (
	"context"
	"fmt"
	mrand "math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/ai4ci/jpansim2-sub000/internal/entropy"
)

// Options tune a build.
type Options struct {
	Seed    int64
	Time    int
	Workers int // 0 means runtime.NumCPU()
}

// chunksPerWorker oversplits the edge list so uneven chunks balance out.
const chunksPerWorker = 4

// Build walks every edge once, in parallel, and records two symmetric Contact
// records for each edge whose joint mobility clears its closeness threshold.
//
// A contact happens when a.mobility * b.mobility > 1 - closeness. Detection
// and transmission are independent Bernoulli draws with probabilities equal to
// the product of both endpoints' detection and transmissibility. Draws are
// seeded per edge, so the result does not depend on the worker count.
func Build(ctx context.Context, edges []Edge, nodes []Endpoint, opt Options) (*Map, error) {
	out := newMap()
	workers := opt.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if len(edges) == 0 {
		return out, nil
	}

	chunk := max(1, len(edges)/(workers*chunksPerWorker))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(edges); start += chunk {
		end := min(start+chunk, len(edges))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := visit(out, edges[i], i, nodes, opt); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("contact build at t=%d: %w", opt.Time, err)
	}
	return out, nil
}

func visit(out *Map, e Edge, index int, nodes []Endpoint, opt Options) error {
	if e.Source < 0 || e.Source >= len(nodes) || e.Target < 0 || e.Target >= len(nodes) {
		return fmt.Errorf("edge %d references missing endpoint (%d, %d)", index, e.Source, e.Target)
	}
	a, b := nodes[e.Source], nodes[e.Target]

	joint := a.AdjustedMobility() * b.AdjustedMobility()
	if joint <= 1-e.Closeness {
		return nil
	}

	seed := entropy.Seed(opt.Seed, uint64(index), uint64(opt.Time), entropy.SaltContacts)
	src := mrand.NewPCG(seed, seed^0xda3e39cb94b95bdb)
	detected := entropy.Float(src) < a.DetectionProbability()*b.DetectionProbability()
	transmitted := entropy.Float(src) < a.AdjustedTransmissibility()*b.AdjustedTransmissibility()

	ra, rb := a.Ref(), b.Ref()
	out.add(ra, Contact{
		Weight:      e.Closeness,
		Detected:    detected,
		Transmitted: transmitted,
		Participant: Participant{Ref: rb, Infectiousness: b.Infectiousness()},
	})
	out.add(rb, Contact{
		Weight:      e.Closeness,
		Detected:    detected,
		Transmitted: transmitted,
		Participant: Participant{Ref: ra, Infectiousness: a.Infectiousness()},
	})
	return nil
}
