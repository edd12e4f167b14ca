package world

import (
	"testing"

	"github.com/ai4ci/jpansim2-sub000/internal/config"
)

func smallSetup() config.Setup {
	s := config.DefaultSetup()
	s.PopulationSize = 200
	s.NetworkDegree = 6
	s.NetworkRewire = 0.2
	return s
}

func TestGenerateShape(t *testing.T) {
	s := smallSetup()
	pop, err := Generate(s)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if pop.Size() != s.PopulationSize {
		t.Fatalf("size %d, want %d", pop.Size(), s.PopulationSize)
	}
	edges := pop.Edges()
	if len(edges) == 0 || len(edges) > s.PopulationSize*s.NetworkDegree/2 {
		t.Fatalf("unexpected edge count %d", len(edges))
	}
	seen := map[[2]int]bool{}
	for _, e := range edges {
		if e.Source == e.Target {
			t.Fatalf("self edge on %d", e.Source)
		}
		k := [2]int{min(e.Source, e.Target), max(e.Source, e.Target)}
		if seen[k] {
			t.Fatalf("duplicate edge %v", k)
		}
		seen[k] = true
		if e.Closeness < 0 || e.Closeness > 1 {
			t.Fatalf("closeness %v out of range", e.Closeness)
		}
	}
	for _, a := range pop.Agents() {
		if a.Sociability < 1-s.Sociability-1e-9 || a.Sociability > 1+s.Sociability+1e-9 {
			t.Fatalf("agent %d sociability %v outside 1±%v", a.ID, a.Sociability, s.Sociability)
		}
	}
}

func TestGenerateDeterministic(t *testing.T) {
	a, err := Generate(smallSetup())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := Generate(smallSetup())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(a.Edges()) != len(b.Edges()) {
		t.Fatalf("edge counts differ: %d vs %d", len(a.Edges()), len(b.Edges()))
	}
	for i := range a.Edges() {
		if a.Edges()[i] != b.Edges()[i] {
			t.Fatalf("edge %d differs", i)
		}
	}
	for i, ag := range a.Agents() {
		if ag.Sociability != b.Agents()[i].Sociability {
			t.Fatalf("agent %d sociability differs", i)
		}
	}
}

func TestGenerateRejectsBadSetup(t *testing.T) {
	s := smallSetup()
	s.NetworkDegree = s.PopulationSize
	if _, err := Generate(s); err == nil {
		t.Fatalf("expected error for degree >= population size")
	}
}
