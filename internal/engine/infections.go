package engine

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/dominikbraun/graph"

	"github.com/ai4ci/jpansim2-sub000/internal/agents"
)

// Transmission is one attributed infection.
type Transmission struct {
	Source agents.AgentID
	Target agents.AgentID
	Time   int
}

// InfectionGraph is a best-effort who-infected-whom record. It is kept
// acyclic: a reinfection that would close a loop is dropped, as is a second
// attribution between the same pair.
type InfectionGraph struct {
	mu      sync.Mutex
	g       graph.Graph[uint64, uint64]
	dropped int
}

// NewInfectionGraph returns an empty graph.
func NewInfectionGraph() *InfectionGraph {
	return &InfectionGraph{
		g: graph.New(func(id uint64) uint64 { return id }, graph.Directed(), graph.Acyclic(), graph.PreventCycles()),
	}
}

// Seed adds an initially infected agent as a root.
func (ig *InfectionGraph) Seed(id agents.AgentID) {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	ig.vertex(uint64(id), 0)
}

func (ig *InfectionGraph) vertex(id uint64, time int) {
	err := ig.g.AddVertex(id, graph.VertexAttribute("time", strconv.Itoa(time)))
	if err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
		slog.Warn("infection graph vertex", "agent", id, "error", err)
	}
}

// Record attributes the infection of target at time to source.
func (ig *InfectionGraph) Record(source, target agents.AgentID, time int) {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	ig.vertex(uint64(source), time)
	ig.vertex(uint64(target), time)
	err := ig.g.AddEdge(uint64(source), uint64(target), graph.EdgeAttribute("time", strconv.Itoa(time)))
	switch {
	case err == nil:
	case errors.Is(err, graph.ErrEdgeCreatesCycle), errors.Is(err, graph.ErrEdgeAlreadyExists):
		ig.dropped++
		slog.Debug("infection attribution dropped", "source", source, "target", target, "time", time, "error", err)
	default:
		ig.dropped++
		slog.Warn("infection attribution failed", "source", source, "target", target, "time", time, "error", err)
	}
}

// Transmissions lists the recorded edges.
func (ig *InfectionGraph) Transmissions() ([]Transmission, error) {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	edges, err := ig.g.Edges()
	if err != nil {
		return nil, err
	}
	out := make([]Transmission, 0, len(edges))
	for _, e := range edges {
		t, _ := strconv.Atoi(e.Properties.Attributes["time"])
		out = append(out, Transmission{Source: agents.AgentID(e.Source), Target: agents.AgentID(e.Target), Time: t})
	}
	return out, nil
}

// Dropped counts attributions rejected to keep the graph acyclic.
func (ig *InfectionGraph) Dropped() int {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	return ig.dropped
}

// Order returns how many agents appear in the graph.
func (ig *InfectionGraph) Order() int {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	n, _ := ig.g.Order()
	return n
}

// Generations returns the agents in an order where every infector comes
// before the agents it infected.
func (ig *InfectionGraph) Generations() ([]agents.AgentID, error) {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	order, err := graph.TopologicalSort(ig.g)
	if err != nil {
		return nil, err
	}
	out := make([]agents.AgentID, len(order))
	for i, id := range order {
		out[i] = agents.AgentID(id)
	}
	return out, nil
}
