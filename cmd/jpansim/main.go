// Command jpansim runs a batch of agent-based epidemic simulations and writes
// their time series to a SQL database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ai4ci/jpansim2-sub000/internal/api"
	"github.com/ai4ci/jpansim2-sub000/internal/batch"
	"github.com/ai4ci/jpansim2-sub000/internal/config"
	"github.com/ai4ci/jpansim2-sub000/internal/engine"
	"github.com/ai4ci/jpansim2-sub000/internal/persistence"
)

func main() {
	d := config.DriverFromEnv()
	setup := config.DefaultSetup()
	exec := config.DefaultExecution()

	var (
		memoryMB    = flag.Uint64("memory-limit-mb", d.MemoryLimit>>20, "memory budget in MiB (0 uses the runtime limit)")
		agentStates = flag.Bool("agent-states", false, "export one row per agent per tick")
		debug       = flag.Bool("debug", false, "debug logging")
	)
	flag.IntVar(&d.Workers, "workers", d.Workers, "per-tick worker goroutines")
	flag.IntVar(&d.Executors, "executors", d.Executors, "simulations run concurrently")
	flag.IntVar(&d.CacheMax, "cache-max", d.CacheMax, "maximum pre-built simulations")
	flag.StringVar(&d.DBDriver, "db-driver", d.DBDriver, "exporter driver: sqlite or pgx")
	flag.StringVar(&d.DBSource, "db", d.DBSource, "sqlite path or postgres DSN")
	flag.StringVar(&d.HTTPAddr, "http", d.HTTPAddr, "status API and metrics listen address (empty disables)")
	flag.IntVar(&setup.PopulationSize, "agents", setup.PopulationSize, "population size")
	flag.IntVar(&setup.NetworkDegree, "degree", setup.NetworkDegree, "mean contact network degree")
	flag.Int64Var(&setup.Seed, "setup-seed", setup.Seed, "topology seed")
	flag.Int64Var(&exec.Seed, "seed", exec.Seed, "execution seed (0 picks one)")
	flag.IntVar(&exec.Replicates, "replicates", exec.Replicates, "replicates per execution")
	flag.IntVar(&exec.Duration, "days", exec.Duration, "simulated days")
	flag.Parse()
	d.MemoryLimit = *memoryMB << 20

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(d, batchFor(setup, exec), *agentStates); err != nil {
		slog.Error("batch failed", "error", err)
		os.Exit(1)
	}
}

// batchFor compares unmitigated spread with a reactive lockdown.
func batchFor(setup config.Setup, exec config.Execution) config.Batch {
	noControl := exec
	noControl.Name = config.PolicyNoControl
	noControl.Policy = config.PolicyNoControl

	lockdown := exec
	lockdown.Name = config.PolicyReactiveLockdown
	lockdown.Policy = config.PolicyReactiveLockdown

	return config.Batch{
		Setups:     []config.Setup{setup},
		Executions: []config.Execution{noControl, lockdown},
	}
}

func run(d config.Driver, b config.Batch, agentStates bool) error {
	db, err := persistence.Open(d.DBDriver, d.DBSource, persistence.WithAgentStates(agentStates))
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database opened", "driver", d.DBDriver, "source", d.DBSource)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := batch.NewMetrics(reg)

	factory, err := batch.NewFactory(b, engine.NewCloner(), d.Workers, metrics)
	if err != nil {
		return err
	}
	monitor, err := batch.NewMonitor(d, factory, db, nil, metrics)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if d.HTTPAddr != "" {
		srv := (&api.Server{
			Batch:    monitor,
			Store:    db,
			Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			AdminKey: d.AdminKey,
			Halt:     monitor.Halt,
		}).Start(d.HTTPAddr)
		defer srv.Close()
	}

	limit := "runtime"
	if d.MemoryLimit > 0 {
		limit = humanize.IBytes(d.MemoryLimit)
	}
	slog.Info("batch starting",
		"simulations", factory.Total(),
		"workers", d.Workers,
		"executors", d.Executors,
		"memory_limit", limit,
	)
	start := time.Now()
	runErr := monitor.Run(ctx)
	if errors.Is(runErr, batch.ErrHalted) {
		runErr = nil
	}

	summary, err := db.Summary()
	if err != nil {
		return errors.Join(runErr, fmt.Errorf("summary: %w", err))
	}
	for name, attack := range summary {
		slog.Info("final attack rate", "execution", name, "mean", fmt.Sprintf("%.3f", attack))
	}
	slog.Info("batch stopped",
		"completed", monitor.Completed(),
		"failed", monitor.Failed(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return runErr
}
