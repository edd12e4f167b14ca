package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ai4ci/jpansim2-sub000/internal/config"
	"github.com/ai4ci/jpansim2-sub000/internal/engine"
)

func testBatch(setups, execs, replicates int) config.Batch {
	var b config.Batch
	for i := 0; i < setups; i++ {
		s := config.DefaultSetup()
		s.Name = "setup-" + string(rune('a'+i))
		s.Seed = int64(100 + i)
		s.PopulationSize = 40
		s.NetworkDegree = 4
		b.Setups = append(b.Setups, s)
	}
	for i := 0; i < execs; i++ {
		e := config.DefaultExecution()
		e.Name = "exec-" + string(rune('a'+i))
		e.Seed = int64(7 + i)
		e.Replicates = replicates
		e.Duration = 4
		e.InitialInfections = 2
		b.Executions = append(b.Executions, e)
	}
	return b
}

func testDriver() config.Driver {
	d := config.DefaultDriver()
	d.Workers = 2
	d.Executors = 2
	d.CacheMax = 3
	d.MinFree = 1
	d.OOMRetries = 3
	d.OOMBackoff = time.Millisecond
	d.PollInterval = time.Millisecond
	return d
}

type fakeProbe struct {
	mu       sync.Mutex
	readings []uint64 // consumed in order; the last one repeats
	collects int
}

func (p *fakeProbe) Free() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.readings[0]
	if len(p.readings) > 1 {
		p.readings = p.readings[1:]
	}
	return v
}

func (p *fakeProbe) Collect() {
	p.mu.Lock()
	p.collects++
	p.mu.Unlock()
}

type recorder struct {
	mu        sync.Mutex
	exports   map[uuid.UUID]int
	finalised map[uuid.UUID]int
	failAt    int // export time that fails for the first simulation seen, 0 disables
	victim    uuid.UUID
}

func newRecorder() *recorder {
	return &recorder{exports: map[uuid.UUID]int{}, finalised: map[uuid.UUID]int{}}
}

var errExport = errors.New("disk full")

func (r *recorder) Export(sim *engine.Simulation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 {
		if r.victim == uuid.Nil {
			r.victim = sim.ID
		}
		if sim.ID == r.victim && sim.Time() == r.failAt {
			return errExport
		}
	}
	r.exports[sim.ID]++
	return nil
}

func (r *recorder) Finalise(sim *engine.Simulation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalised[sim.ID]++
	return nil
}

func newPipeline(t *testing.T, b config.Batch, d config.Driver, exp Exporter, probe MemoryProbe) (*Factory, *Monitor) {
	t.Helper()
	f, err := NewFactory(b, engine.NewCloner(), d.Workers, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	m, err := NewMonitor(d, f, exp, probe, nil)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	return f, m
}

func TestBatchRunsEveryCombination(t *testing.T) {
	rec := newRecorder()
	f, m := newPipeline(t, testBatch(2, 2, 2), testDriver(), rec, &fakeProbe{readings: []uint64{1 << 40}})
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if m.Completed() != 8 || m.Failed() != 0 {
		t.Fatalf("completed %d failed %d, want 8 and 0", m.Completed(), m.Failed())
	}
	if len(rec.finalised) != 8 {
		t.Fatalf("%d simulations finalised, want 8", len(rec.finalised))
	}
	for id, n := range rec.exports {
		if n != 4 {
			t.Fatalf("simulation %s exported %d times, want 4", id, n)
		}
	}
	if f.Status() != StatusDone {
		t.Fatalf("factory status %s", f.Status())
	}
	if f.CacheSize() != testDriver().CacheMax {
		t.Fatalf("cache size %d with plenty of memory, want %d", f.CacheSize(), testDriver().CacheMax)
	}
	p := m.Progress()
	if p.Total != 8 || p.Built != 8 || p.Completed != 8 || p.Running != 0 || p.Factory != "DONE" {
		t.Fatalf("unexpected progress %+v", p)
	}
}

func TestCacheShrinksWhenMemoryIsTight(t *testing.T) {
	f, m := newPipeline(t, testBatch(1, 1, 3), testDriver(), nil, &fakeProbe{readings: []uint64{2}})
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.CacheSize() != 1 {
		t.Fatalf("cache size %d with almost no memory, want 1", f.CacheSize())
	}
}

func TestOutOfMemoryAfterRetries(t *testing.T) {
	probe := &fakeProbe{readings: []uint64{0}}
	_, m := newPipeline(t, testBatch(1, 1, 4), testDriver(), nil, probe)
	err := m.Run(context.Background())
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
	if probe.collects != testDriver().OOMRetries {
		t.Fatalf("collected %d times, want %d", probe.collects, testDriver().OOMRetries)
	}
}

func TestMemoryRecoversWithinRetries(t *testing.T) {
	probe := &fakeProbe{readings: []uint64{0, 0, 1 << 40}}
	_, m := newPipeline(t, testBatch(1, 1, 2), testDriver(), nil, probe)
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if probe.collects != 2 {
		t.Fatalf("collected %d times, want 2", probe.collects)
	}
}

func TestExecutionFailureDoesNotStopBatch(t *testing.T) {
	rec := newRecorder()
	rec.failAt = 2
	d := testDriver()
	d.Executors = 1
	_, m := newPipeline(t, testBatch(1, 1, 3), d, rec, &fakeProbe{readings: []uint64{1 << 40}})
	err := m.Run(context.Background())
	if !errors.Is(err, errExport) {
		t.Fatalf("expected export error, got %v", err)
	}
	if m.Failed() != 1 || m.Completed() != 2 {
		t.Fatalf("completed %d failed %d, want 2 and 1", m.Completed(), m.Failed())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFactoryQueueNeverExceedsCache(t *testing.T) {
	f, err := NewFactory(testBatch(1, 1, 6), engine.NewCloner(), 1, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if f.Status() != StatusBuilding {
		t.Fatalf("initial status %s", f.Status())
	}
	f.SetCacheSize(2)
	if err := f.Task().Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "factory to fill and pause", f.Task().Waiting)
	if f.Queued() != 2 || f.Status() != StatusPaused {
		t.Fatalf("queued %d status %s, want 2 and PAUSED", f.Queued(), f.Status())
	}
	if f.Footprint() <= 0 {
		t.Fatalf("footprint not estimated")
	}

	if got := f.SetCacheSize(1); got != 2 {
		t.Fatalf("cache shrank below the queue: %d", got)
	}
	if _, ok := f.Deliver(); !ok {
		t.Fatalf("nothing delivered")
	}
	f.Nudge()
	time.Sleep(20 * time.Millisecond)
	if f.Queued() > f.CacheSize() {
		t.Fatalf("queue %d exceeds cache %d", f.Queued(), f.CacheSize())
	}

	for delivered := 1; delivered < 6; {
		if _, ok := f.Deliver(); ok {
			delivered++
		}
		if f.Queued() > f.CacheSize() {
			t.Fatalf("queue %d exceeds cache %d", f.Queued(), f.CacheSize())
		}
		f.Nudge()
		time.Sleep(time.Millisecond)
	}
	if err := f.Task().Wait(); err != nil {
		t.Fatalf("factory: %v", err)
	}
	if !f.Exhausted() || f.Status() != StatusDone {
		t.Fatalf("factory not done: %s", f.Status())
	}
}

func TestCacheShrinkDuringBuildKeepsBound(t *testing.T) {
	f, err := NewFactory(testBatch(1, 1, 4), engine.NewCloner(), 1, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	f.SetCacheSize(2)
	builds, shrunk := 0, 0
	f.beforeQueue = func() {
		builds++
		if builds == 2 {
			shrunk = f.SetCacheSize(1)
		}
	}
	if err := f.Task().Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "factory to fill and pause", f.Task().Waiting)
	if shrunk != 2 {
		t.Fatalf("cache shrank to %d with one queued and one in flight, want 2", shrunk)
	}
	if f.Queued() != 2 || f.Queued() > f.CacheSize() {
		t.Fatalf("queue %d, cache %d", f.Queued(), f.CacheSize())
	}
	f.Task().Halt()
	if err := f.Task().Wait(); err != nil {
		t.Fatalf("factory: %v", err)
	}
}

func TestCancelHaltsPipeline(t *testing.T) {
	b := testBatch(1, 1, 50)
	b.Executions[0].Duration = 1000
	_, m := newPipeline(t, b, testDriver(), nil, &fakeProbe{readings: []uint64{1 << 40}})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

// seen keeps every simulation it is asked to export.
type seen struct {
	mu   sync.Mutex
	sims map[uuid.UUID]*engine.Simulation
}

func (s *seen) Export(sim *engine.Simulation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sims[sim.ID] = sim
	return nil
}

func (s *seen) Finalise(*engine.Simulation) error { return nil }

func TestCancelStopsBetweenTicks(t *testing.T) {
	b := testBatch(1, 1, 4)
	b.Executions[0].Duration = 100000
	exp := &seen{sims: map[uuid.UUID]*engine.Simulation{}}
	_, m := newPipeline(t, b, testDriver(), exp, &fakeProbe{readings: []uint64{1 << 40}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	waitFor(t, "a few ticks", func() bool {
		exp.mu.Lock()
		defer exp.mu.Unlock()
		for _, sim := range exp.sims {
			if sim.Time() > 2 {
				return true
			}
		}
		return false
	})
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if m.Failed() != 0 || m.Completed() != 0 {
		t.Fatalf("completed %d failed %d after cancel, want 0 and 0", m.Completed(), m.Failed())
	}
	if len(exp.sims) == 0 {
		t.Fatalf("no simulation ran")
	}
	for id, sim := range exp.sims {
		if err := sim.Verify(); err != nil {
			t.Fatalf("simulation %s left mid-tick: %v", id, err)
		}
	}
}

func TestHaltStopsBatch(t *testing.T) {
	b := testBatch(1, 1, 4)
	b.Executions[0].Duration = 100000
	_, m := newPipeline(t, b, testDriver(), nil, &fakeProbe{readings: []uint64{1 << 40}})
	errc := make(chan error, 1)
	go func() { errc <- m.Run(context.Background()) }()
	waitFor(t, "executors to start", func() bool { return m.Progress().Running > 0 })
	m.Halt()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrHalted) {
			t.Fatalf("expected ErrHalted, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("batch did not stop after halt")
	}
	if m.Failed() != 0 || m.Completed() != 0 {
		t.Fatalf("completed %d failed %d after halt, want 0 and 0", m.Completed(), m.Failed())
	}
	if p := m.Progress(); p.Running != 0 {
		t.Fatalf("%d executors still running", p.Running)
	}
}
