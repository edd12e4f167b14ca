// Package task runs a Loop on its own goroutine with cooperative pause,
// resume and halt. A pause only takes effect between iterations, so a
// DoLoop call is never interrupted halfway.
package task

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("task: already started")

// Loop is the work a Task drives.
type Loop interface {
	// Setup runs once before the first iteration.
	Setup() error
	// DoLoop runs one iteration. An error stops the task.
	DoLoop() error
	// IsComplete is checked before every iteration.
	IsComplete() bool
	// Shutdown runs exactly once when the task stops for any reason.
	Shutdown()
}

// Status is the coarse task state.
type Status int

const (
	StatusNew Status = iota
	StatusRunning
	StatusPaused
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Task owns one goroutine running a Loop.
type Task struct {
	Name string
	loop Loop

	mu      sync.Mutex
	cond    *sync.Cond
	started bool
	halt    bool
	pause   bool
	waiting bool // parked on a pause
	status  Status
	err     error
	done    chan struct{}
}

// New wraps loop. Nothing runs until Start.
func New(name string, loop Loop) *Task {
	t := &Task{Name: name, loop: loop, done: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start launches the goroutine.
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("%s: %w", t.Name, ErrAlreadyStarted)
	}
	t.started = true
	t.status = StatusRunning
	go t.run()
	return nil
}

// Pause asks the task to park before its next iteration.
func (t *Task) Pause() {
	t.mu.Lock()
	t.pause = true
	t.mu.Unlock()
}

// Unpause releases a parked task.
func (t *Task) Unpause() {
	t.mu.Lock()
	t.pause = false
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Halt asks the task to stop before its next iteration. A parked task wakes
// and stops.
func (t *Task) Halt() {
	t.mu.Lock()
	t.halt = true
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Paused reports whether a pause has been requested.
func (t *Task) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pause
}

// Waiting reports whether the task is parked on a pause right now.
func (t *Task) Waiting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waiting
}

// Status returns the coarse state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusRunning && t.waiting {
		return StatusPaused
	}
	return t.status
}

// Done is closed when the task has stopped and Shutdown has run.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the error that stopped the task, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the task stops and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.Err()
}

// gate parks while paused and reports whether the loop should go on.
func (t *Task) gate() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.pause && !t.halt {
		t.waiting = true
		t.cond.Wait()
	}
	t.waiting = false
	return !t.halt
}

func (t *Task) run() {
	err := t.iterate()

	t.mu.Lock()
	t.err = err
	if err != nil {
		t.status = StatusFailed
	} else {
		t.status = StatusDone
	}
	t.mu.Unlock()

	t.loop.Shutdown()
	if err != nil {
		slog.Error("task failed", "task", t.Name, "error", err)
	} else {
		slog.Debug("task finished", "task", t.Name)
	}
	close(t.done)
}

func (t *Task) iterate() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", t.Name, r)
		}
	}()
	if err := t.loop.Setup(); err != nil {
		return fmt.Errorf("%s setup: %w", t.Name, err)
	}
	for {
		if !t.gate() {
			return nil
		}
		if t.loop.IsComplete() {
			return nil
		}
		if err := t.loop.DoLoop(); err != nil {
			return fmt.Errorf("%s: %w", t.Name, err)
		}
	}
}
