package batch

import "github.com/prometheus/client_golang/prometheus"

const namespace = "jpansim"

// Metrics are the pipeline's prometheus instruments.
type Metrics struct {
	CacheSize  prometheus.Gauge
	Queued     prometheus.Gauge
	Running    prometheus.Gauge
	FreeMemory prometheus.Gauge

	Built     prometheus.Counter
	Completed prometheus.Counter
	Failed    prometheus.Counter
}

// NewMetrics creates the instruments and registers them with reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "batch", Name: name, Help: help})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "batch", Name: name, Help: help})
	}
	m := &Metrics{
		CacheSize:  gauge("cache_size", "Target number of pre-built simulations."),
		Queued:     gauge("queued", "Pre-built simulations waiting for an executor."),
		Running:    gauge("running", "Simulations currently executing."),
		FreeMemory: gauge("free_memory_bytes", "Free memory at the last monitor check."),
		Built:      counter("built_total", "Simulations built by the factory."),
		Completed:  counter("completed_total", "Simulations run to completion."),
		Failed:     counter("failed_total", "Simulations that stopped with an error."),
	}
	if reg != nil {
		reg.MustRegister(m.CacheSize, m.Queued, m.Running, m.FreeMemory, m.Built, m.Completed, m.Failed)
	}
	return m
}
