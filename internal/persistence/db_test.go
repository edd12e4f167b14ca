package persistence

import (
	"context"
	"testing"

	"github.com/ai4ci/jpansim2-sub000/internal/config"
	"github.com/ai4ci/jpansim2-sub000/internal/engine"
)

func openMemory(t *testing.T, opts ...Option) *DB {
	t.Helper()
	db, err := Open("sqlite", ":memory:", opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newSim(t *testing.T, name string, size, duration int) *engine.Simulation {
	t.Helper()
	setup := config.DefaultSetup()
	setup.PopulationSize = size
	setup.NetworkDegree = 4
	stage, err := engine.SetupStage(setup)
	if err != nil {
		t.Fatalf("setup stage: %v", err)
	}
	exec := config.DefaultExecution()
	exec.Name = name
	exec.Duration = duration
	exec.InitialInfections = 3
	exec.TrackInfections = true
	sim, err := engine.Variant(stage, exec, 0, engine.Options{Workers: 2})
	if err != nil {
		t.Fatalf("variant: %v", err)
	}
	return sim
}

func runExported(t *testing.T, db *DB, sim *engine.Simulation) {
	t.Helper()
	ctx := context.Background()
	for !sim.Complete() {
		if err := db.Export(sim); err != nil {
			t.Fatalf("export t=%d: %v", sim.Time(), err)
		}
		if err := sim.Advance(ctx); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
	if err := db.Finalise(sim); err != nil {
		t.Fatalf("finalise: %v", err)
	}
}

func TestExportWritesTimeSeries(t *testing.T) {
	db := openMemory(t)
	sim := newSim(t, "baseline", 60, 5)
	runExported(t, db, sim)

	runs, err := db.Runs("")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("%d runs, want 1", len(runs))
	}
	r := runs[0]
	if r.ID != sim.ID.String() || r.Status != RunComplete || r.Ticks != 5 || r.Population != 60 {
		t.Fatalf("unexpected run row %+v", r)
	}
	if r.EverInfected != sim.Population.Current().EverInfected {
		t.Fatalf("ever infected %d, simulation says %d", r.EverInfected, sim.Population.Current().EverInfected)
	}

	rows, err := db.PopulationStates(r.ID)
	if err != nil {
		t.Fatalf("population states: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("%d population rows, want 6 (t=0..5)", len(rows))
	}
	contacts := 0
	for i, row := range rows {
		contacts += row.Contacts
		if row.Time != i {
			t.Fatalf("row %d has time %d", i, row.Time)
		}
		if row.Size != 60 {
			t.Fatalf("row %d size %d", i, row.Size)
		}
	}
	if contacts == 0 {
		t.Fatalf("no contacts exported")
	}

	n, err := db.AgentStateCount(r.ID)
	if err != nil {
		t.Fatalf("agent states: %v", err)
	}
	if n != 6*60 {
		t.Fatalf("%d agent rows, want %d", n, 6*60)
	}

	tx, err := sim.Infections.Transmissions()
	if err != nil {
		t.Fatalf("transmissions: %v", err)
	}
	got, err := db.InfectionCount(r.ID)
	if err != nil {
		t.Fatalf("infections: %v", err)
	}
	if got != len(tx) {
		t.Fatalf("%d infections exported, graph has %d", got, len(tx))
	}
}

func TestAgentStatesCanBeDisabled(t *testing.T) {
	db := openMemory(t, WithAgentStates(false))
	sim := newSim(t, "quiet", 30, 3)
	runExported(t, db, sim)
	n, err := db.AgentStateCount(sim.ID.String())
	if err != nil {
		t.Fatalf("agent states: %v", err)
	}
	if n != 0 {
		t.Fatalf("%d agent rows written with agent states disabled", n)
	}
}

func TestRunsFilterAndSummary(t *testing.T) {
	db := openMemory(t, WithAgentStates(false))
	runExported(t, db, newSim(t, "alpha", 30, 3))
	runExported(t, db, newSim(t, "beta", 30, 3))
	unfinished := newSim(t, "beta", 30, 3)
	if err := db.Export(unfinished); err != nil {
		t.Fatalf("export: %v", err)
	}

	alpha, err := db.Runs("alpha")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(alpha) != 1 || alpha[0].Execution != "alpha" {
		t.Fatalf("filter returned %+v", alpha)
	}
	beta, err := db.Runs("beta")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(beta) != 2 {
		t.Fatalf("%d beta runs, want 2", len(beta))
	}

	summary, err := db.Summary()
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(summary) != 2 {
		t.Fatalf("summary %v, want two executions", summary)
	}
	for exec, attack := range summary {
		if attack <= 0 || attack > 1 {
			t.Fatalf("execution %s attack rate %v", exec, attack)
		}
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
