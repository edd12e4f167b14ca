package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ai4ci/jpansim2-sub000/internal/config"
)

// ErrOutOfMemory is returned once free memory stays below the minimum after
// every collect-and-wait retry.
var ErrOutOfMemory = errors.New("batch: out of memory")

// ErrHalted is returned by Run after Halt stopped the batch.
var ErrHalted = errors.New("batch: halted")

// Monitor coordinates one factory and its executors.
type Monitor struct {
	driver   config.Driver
	factory  *Factory
	exporter Exporter
	probe    MemoryProbe
	metrics  *Metrics

	mu       sync.Mutex
	finished []*Executor
	failures []error
	ready    bool
	halt     bool

	running   map[*Executor]struct{} // monitor goroutine only
	runningN  int
	completed int
	failed    int
}

// Progress is a point-in-time view of a batch.
type Progress struct {
	Total     int    `json:"total"`
	Built     int    `json:"built"`
	Queued    int    `json:"queued"`
	Running   int    `json:"running"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	CacheSize int    `json:"cache_size"`
	Footprint int    `json:"footprint_bytes"`
	Factory   string `json:"factory"`
}

// NewMonitor wires a monitor to factory. A nil probe measures the Go
// runtime; a nil exporter discards output.
func NewMonitor(d config.Driver, f *Factory, exp Exporter, probe MemoryProbe, m *Metrics) (*Monitor, error) {
	if err := d.Ready(); err != nil {
		return nil, err
	}
	if probe == nil {
		probe = RuntimeProbe{Limit: d.MemoryLimit}
	}
	if exp == nil {
		exp = Discard{}
	}
	if m == nil {
		m = f.metrics
	}
	mon := &Monitor{
		driver:   d,
		factory:  f,
		exporter: exp,
		probe:    probe,
		metrics:  m,
		running:  make(map[*Executor]struct{}),
	}
	f.setListener(mon)
	return mon, nil
}

// NotifyFactoryReady records that the footprint estimate is available.
func (m *Monitor) NotifyFactoryReady(*Factory) {
	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
}

// NotifyExecutionComplete queues a finished executor for the monitor loop.
func (m *Monitor) NotifyExecutionComplete(e *Executor) {
	m.mu.Lock()
	m.finished = append(m.finished, e)
	m.mu.Unlock()
}

// Handle records an execution failure. Other executions carry on.
func (m *Monitor) Handle(err error) {
	slog.Error("execution failed", "error", err)
	m.mu.Lock()
	m.failures = append(m.failures, err)
	m.mu.Unlock()
}

// Halt asks Run to stop the factory and every executor. Running simulations
// finish their current tick and are left unfinished.
func (m *Monitor) Halt() {
	m.mu.Lock()
	m.halt = true
	m.mu.Unlock()
}

func (m *Monitor) halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halt
}

// Completed and Failed count finished executions.
func (m *Monitor) Completed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}

func (m *Monitor) Failed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// Progress reports the batch's current position. It is safe to call from
// any goroutine.
func (m *Monitor) Progress() Progress {
	m.mu.Lock()
	p := Progress{Running: m.runningN, Completed: m.completed, Failed: m.failed}
	m.mu.Unlock()
	p.Total = m.factory.Total()
	p.Built = m.factory.Built()
	p.Queued = m.factory.Queued()
	p.CacheSize = m.factory.CacheSize()
	p.Footprint = m.factory.Footprint()
	p.Factory = m.factory.Status().String()
	return p
}

// Run starts the factory and schedules executors until every simulation has
// run, ctx is cancelled or Halt is called. Executors are stopped between
// ticks, so a stopped batch leaves every simulation at a committed time. It
// returns the joined execution failures, a factory failure, ErrOutOfMemory,
// ErrHalted or the context error.
func (m *Monitor) Run(ctx context.Context) error {
	ft := m.factory.Task()
	if err := ft.Start(); err != nil {
		return err
	}
	for {
		m.reap()

		if err := ctx.Err(); err != nil {
			m.stop()
			return err
		}
		if m.halted() {
			m.stop()
			slog.Info("batch halted", "completed", m.Completed(), "failed", m.Failed())
			return ErrHalted
		}
		if m.factory.Status() == StatusFailed {
			m.stop()
			return fmt.Errorf("factory: %w", ft.Err())
		}
		if err := m.resize(); err != nil {
			m.stop()
			return err
		}
		m.factory.Nudge()
		m.schedule()

		if m.factory.Exhausted() && len(m.running) == 0 {
			break
		}
		time.Sleep(m.driver.PollInterval)
	}

	m.mu.Lock()
	failures := m.failures
	m.mu.Unlock()
	slog.Info("batch finished", "completed", m.Completed(), "failed", m.Failed())
	return errors.Join(failures...)
}

// reap drains completion notifications.
func (m *Monitor) reap() {
	m.mu.Lock()
	done := m.finished
	m.finished = nil
	m.mu.Unlock()
	for _, e := range done {
		delete(m.running, e)
		m.mu.Lock()
		if e.Err() != nil {
			m.failed++
			m.metrics.Failed.Inc()
		} else if e.Sim.Complete() {
			m.completed++
			m.metrics.Completed.Inc()
		}
		m.mu.Unlock()
	}
	m.setRunning()
}

func (m *Monitor) setRunning() {
	m.mu.Lock()
	m.runningN = len(m.running)
	m.mu.Unlock()
	m.metrics.Running.Set(float64(len(m.running)))
}

// resize sets the factory cache from free memory, running the bounded
// collect-and-wait loop when memory is short.
func (m *Monitor) resize() error {
	m.mu.Lock()
	ready := m.ready
	m.mu.Unlock()
	if !ready {
		return nil
	}

	free := m.probe.Free()
	for try := 0; free < m.driver.MinFree; try++ {
		if try >= m.driver.OOMRetries {
			slog.Error("memory exhausted", "free", humanize.Bytes(free), "min_free", humanize.Bytes(m.driver.MinFree),
				"retries", m.driver.OOMRetries)
			return fmt.Errorf("%w: %s free after %d retries", ErrOutOfMemory, humanize.Bytes(free), m.driver.OOMRetries)
		}
		slog.Warn("memory low, collecting", "free", humanize.Bytes(free), "attempt", try+1)
		m.probe.Collect()
		time.Sleep(m.driver.OOMBackoff)
		free = m.probe.Free()
	}
	m.metrics.FreeMemory.Set(float64(free))

	footprint := uint64(m.factory.Footprint())
	target := int(float64(free) * m.driver.Headroom / float64(footprint))
	target = min(max(target, 1), m.driver.CacheMax)
	if prev := m.factory.CacheSize(); prev != target {
		got := m.factory.SetCacheSize(target)
		slog.Debug("cache resized", "from", prev, "to", got, "free", humanize.Bytes(free))
	}
	return nil
}

// schedule starts executors for queued simulations up to the limit.
func (m *Monitor) schedule() {
	for len(m.running) < m.driver.Executors {
		sim, ok := m.factory.Deliver()
		if !ok {
			return
		}
		e := NewExecutor(sim, m.exporter, m)
		if err := e.Task().Start(); err != nil {
			m.Handle(err)
			continue
		}
		m.running[e] = struct{}{}
		m.setRunning()
	}
}

// stop halts the factory and every executor and waits for them.
func (m *Monitor) stop() {
	m.factory.Task().Halt()
	for e := range m.running {
		e.Task().Halt()
	}
	for e := range m.running {
		<-e.Task().Done()
	}
	<-m.factory.Task().Done()
	m.reap()
}
