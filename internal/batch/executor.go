package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ai4ci/jpansim2-sub000/internal/engine"
	"github.com/ai4ci/jpansim2-sub000/internal/task"
)

// executorListener hears about finished executions and their errors.
type executorListener interface {
	NotifyExecutionComplete(e *Executor)
	Handle(err error)
}

// Executor drives one simulation to completion, exporting before every tick.
type Executor struct {
	Sim *engine.Simulation

	exporter Exporter
	listener executorListener
	task     *task.Task
	err      error
}

// NewExecutor prepares an executor. It does not start running. Halting its
// task stops it between ticks.
func NewExecutor(sim *engine.Simulation, exp Exporter, l executorListener) *Executor {
	if exp == nil {
		exp = Discard{}
	}
	e := &Executor{Sim: sim, exporter: exp, listener: l}
	e.task = task.New(fmt.Sprintf("executor %s", sim.ID), e)
	return e
}

// Task returns the executor's task handle.
func (e *Executor) Task() *task.Task { return e.task }

// Err is the error the execution stopped with, if any. It is only
// meaningful once the task is done.
func (e *Executor) Err() error { return e.err }

// Setup implements task.Loop.
func (e *Executor) Setup() error {
	slog.Debug("execution started", "id", e.Sim.ID, "setup", e.Sim.SetupName, "execution", e.Sim.ExecutionName)
	return nil
}

// IsComplete implements task.Loop.
func (e *Executor) IsComplete() bool { return e.Sim.Complete() }

// DoLoop exports the current state, then advances one tick.
func (e *Executor) DoLoop() error {
	if err := e.exporter.Export(e.Sim); err != nil {
		return fmt.Errorf("export t=%d: %w", e.Sim.Time(), err)
	}
	return e.Sim.Advance(context.Background())
}

// Shutdown finalises a completed run and notifies the listener.
func (e *Executor) Shutdown() {
	e.err = e.task.Err()
	if e.err == nil && e.Sim.Complete() {
		if err := e.exporter.Finalise(e.Sim); err != nil {
			e.err = fmt.Errorf("finalise %s: %w", e.Sim.ID, err)
		}
	}
	if e.listener == nil {
		return
	}
	if e.err != nil {
		e.listener.Handle(e.err)
	}
	e.listener.NotifyExecutionComplete(e)
}
