package batch

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/ai4ci/jpansim2-sub000/internal/agents"
	"github.com/ai4ci/jpansim2-sub000/internal/clone"
	"github.com/ai4ci/jpansim2-sub000/internal/config"
	"github.com/ai4ci/jpansim2-sub000/internal/engine"
	"github.com/ai4ci/jpansim2-sub000/internal/task"
)

// Status is the factory's lifecycle state.
type Status int

const (
	StatusBuilding Status = iota
	StatusReady
	StatusPaused
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusBuilding:
		return "BUILDING"
	case StatusReady:
		return "READY"
	case StatusPaused:
		return "PAUSED"
	case StatusDone:
		return "DONE"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// factoryListener hears about the footprint estimate.
type factoryListener interface {
	NotifyFactoryReady(f *Factory)
}

// Factory builds one simulation per combination into a bounded queue. It
// pauses itself when the queue reaches the cache size.
type Factory struct {
	combos  []config.Combination
	cloner  *clone.Cloner
	workers int
	metrics *Metrics

	// Loop state, touched only by the factory goroutine.
	next       int
	stage      *agents.Population
	stageIndex int

	mu        sync.Mutex
	built     int
	queue     []*engine.Simulation
	building  bool // a reserved slot not yet queued
	cacheSize int
	footprint int // bytes per instance; 0 until estimated
	listener  factoryListener

	beforeQueue func() // test hook, runs between build and enqueue

	task *task.Task
}

// NewFactory prepares a factory over b. It does not start building.
func NewFactory(b config.Batch, cloner *clone.Cloner, workers int, m *Metrics) (*Factory, error) {
	combos, err := b.Combinations()
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	f := &Factory{
		combos:     combos,
		cloner:     cloner,
		workers:    workers,
		metrics:    m,
		stageIndex: -1,
		cacheSize:  1,
	}
	f.task = task.New("factory", f)
	return f, nil
}

// Task returns the factory's task handle.
func (f *Factory) Task() *task.Task { return f.task }

// Total is the number of simulations the factory will build.
func (f *Factory) Total() int { return len(f.combos) }

func (f *Factory) setListener(l factoryListener) {
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
}

// Setup implements task.Loop.
func (f *Factory) Setup() error {
	slog.Info("factory started", "simulations", len(f.combos))
	return nil
}

// IsComplete implements task.Loop.
func (f *Factory) IsComplete() bool { return f.next >= len(f.combos) }

// DoLoop builds one simulation, or pauses the task when the queue is full.
// The slot is reserved before building, so a cache resize during the build
// cannot leave the queue over its bound.
func (f *Factory) DoLoop() error {
	if !f.reserve() {
		f.task.Pause()
		return nil
	}
	defer f.release()

	combo := f.combos[f.next]
	if f.stage == nil || f.stageIndex != combo.SetupIndex {
		stage, err := engine.SetupStage(combo.Setup)
		if err != nil {
			return err
		}
		f.stage, f.stageIndex = stage, combo.SetupIndex
		slog.Debug("setup stage built", "setup", combo.Setup.Name, "agents", stage.Size())
	}
	if err := f.estimate(); err != nil {
		return err
	}

	pop := f.stage
	last := f.next+1 >= len(f.combos) || f.combos[f.next+1].SetupIndex != combo.SetupIndex
	if combo.Variants > 1 && !last {
		cp, err := clone.Copy(f.cloner, f.stage)
		if err != nil {
			return fmt.Errorf("copy setup %q: %w", combo.Setup.Name, err)
		}
		pop = cp
	} else {
		f.stage = nil
	}

	sim, err := engine.Variant(pop, combo.Execution, combo.Replicate, engine.Options{Workers: f.workers})
	if err != nil {
		return err
	}
	f.next++
	if f.beforeQueue != nil {
		f.beforeQueue()
	}

	f.mu.Lock()
	f.built++
	f.queue = append(f.queue, sim)
	f.building = false
	queued := len(f.queue)
	f.mu.Unlock()
	f.metrics.Built.Inc()
	f.metrics.Queued.Set(float64(queued))
	slog.Debug("simulation built", "id", sim.ID, "setup", sim.SetupName, "execution", sim.ExecutionName,
		"replicate", sim.Replicate, "queued", queued)
	return nil
}

// estimate sizes one instance from the first setup stage and tells the
// listener. It runs once.
func (f *Factory) estimate() error {
	f.mu.Lock()
	done := f.footprint > 0
	f.mu.Unlock()
	if done {
		return nil
	}
	n, err := f.cloner.EstimateSize(f.stage)
	if err != nil {
		return fmt.Errorf("estimate setup footprint: %w", err)
	}
	f.mu.Lock()
	f.footprint = max(n, 1)
	l := f.listener
	f.mu.Unlock()
	slog.Info("instance footprint estimated", "bytes", humanize.Bytes(uint64(n)))
	if l != nil {
		l.NotifyFactoryReady(f)
	}
	return nil
}

// Shutdown implements task.Loop.
func (f *Factory) Shutdown() {
	f.stage = nil
	slog.Info("factory stopped", "built", f.next, "of", len(f.combos))
}

// pending counts queued simulations plus the one being built. Callers hold
// f.mu.
func (f *Factory) pending() int {
	if f.building {
		return len(f.queue) + 1
	}
	return len(f.queue)
}

func (f *Factory) full() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending() >= f.cacheSize
}

// reserve claims a queue slot for the next build, reporting false when the
// queue is full.
func (f *Factory) reserve() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending() >= f.cacheSize {
		return false
	}
	f.building = true
	return true
}

// release drops a reservation left by a failed build.
func (f *Factory) release() {
	f.mu.Lock()
	f.building = false
	f.mu.Unlock()
}

// Deliver hands over the oldest queued simulation without blocking.
func (f *Factory) Deliver() (*engine.Simulation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, false
	}
	sim := f.queue[0]
	f.queue[0] = nil
	f.queue = f.queue[1:]
	f.metrics.Queued.Set(float64(len(f.queue)))
	return sim, true
}

// SetCacheSize changes the queue bound. It never drops below the queue length
// plus any build in flight, so the queue never exceeds its bound.
func (f *Factory) SetCacheSize(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cacheSize = max(n, f.pending(), 1)
	f.metrics.CacheSize.Set(float64(f.cacheSize))
	return f.cacheSize
}

// CacheSize is the current queue bound.
func (f *Factory) CacheSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cacheSize
}

// Built counts simulations built so far.
func (f *Factory) Built() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built
}

// Queued is the current queue length.
func (f *Factory) Queued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Footprint is the estimated bytes per instance, 0 before the estimate.
func (f *Factory) Footprint() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.footprint
}

// Nudge resumes a parked factory when the queue has room.
func (f *Factory) Nudge() {
	if f.task.Waiting() && !f.full() {
		f.task.Unpause()
	}
}

// Exhausted reports whether every simulation has been built and delivered.
func (f *Factory) Exhausted() bool {
	select {
	case <-f.task.Done():
		return f.task.Err() == nil && f.Queued() == 0
	default:
		return false
	}
}

// Status reports the lifecycle state.
func (f *Factory) Status() Status {
	switch f.task.Status() {
	case task.StatusFailed:
		return StatusFailed
	case task.StatusDone:
		if f.Queued() == 0 {
			return StatusDone
		}
		return StatusReady
	case task.StatusPaused:
		return StatusPaused
	}
	if f.Queued() > 0 {
		return StatusReady
	}
	return StatusBuilding
}
