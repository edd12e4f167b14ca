package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ai4ci/jpansim2-sub000/internal/agents"
)

// Simulation is one baselined, initialised population plus the updater that
// advances it.
type Simulation struct {
	ID            uuid.UUID
	SetupName     string
	ExecutionName string
	Replicate     int

	Population *agents.Population
	Infections *InfectionGraph // nil unless the execution tracks infections

	updater  *Updater
	duration int
	started  time.Time
}

// Time is the current time index.
func (s *Simulation) Time() int { return s.Population.Current().Time }

// Duration is the configured number of ticks.
func (s *Simulation) Duration() int { return s.duration }

// Complete reports whether the simulation has run its full duration.
func (s *Simulation) Complete() bool { return s.Time() >= s.duration }

// Advance runs one tick.
func (s *Simulation) Advance(ctx context.Context) error {
	if s.started.IsZero() {
		s.started = time.Now()
	}
	if err := s.updater.Tick(ctx, s.Population); err != nil {
		return fmt.Errorf("simulation %s: %w", s.ID, err)
	}
	if s.Complete() {
		cur := s.Population.Current()
		slog.Info("simulation complete",
			"id", s.ID,
			"setup", s.SetupName,
			"execution", s.ExecutionName,
			"replicate", s.Replicate,
			"ticks", cur.Time,
			"ever_infected", cur.EverInfected,
			"elapsed", time.Since(s.started).Round(time.Millisecond),
		)
	}
	return nil
}

// Run advances until complete or ctx is cancelled.
func (s *Simulation) Run(ctx context.Context) error {
	for !s.Complete() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Advance(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Verify checks the between-tick invariants.
func (s *Simulation) Verify() error {
	return s.Population.Verify()
}
