package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Driver configures the batch pipeline rather than any one simulation.
type Driver struct {
	Workers      int           // per-tick parallelism; 0 means runtime.NumCPU()
	Executors    int           // simulations advanced concurrently
	CacheMax     int           // upper bound on pre-built simulations
	MemoryLimit  uint64        // bytes; 0 means use the runtime soft limit
	Headroom     float64       // fraction of free memory the cache may claim
	OOMRetries   int           // re-checks before memory exhaustion is fatal
	OOMBackoff   time.Duration // sleep between re-checks
	MinFree      uint64        // free bytes below which memory counts as exhausted
	DBDriver     string        // "sqlite" or "pgx"
	DBSource     string        // path or DSN
	HTTPAddr     string        // status API and prometheus endpoint; empty disables
	AdminKey     string        // bearer token for POST endpoints; empty disables them
	PollInterval time.Duration // monitor yield when nothing is ready
}

// DefaultDriver returns settings sized to the host.
func DefaultDriver() Driver {
	return Driver{
		Workers:      runtime.NumCPU(),
		Executors:    max(1, runtime.NumCPU()/4),
		CacheMax:     8,
		Headroom:     0.5,
		OOMRetries:   5,
		OOMBackoff:   500 * time.Millisecond,
		MinFree:      64 << 20,
		DBDriver:     "sqlite",
		DBSource:     "data/jpansim.db",
		PollInterval: 5 * time.Millisecond,
	}
}

// DriverFromEnv overlays JPANSIM_* environment variables on DefaultDriver.
func DriverFromEnv() Driver {
	d := DefaultDriver()
	d.Workers = envIntOrDefault("JPANSIM_WORKERS", d.Workers)
	d.Executors = envIntOrDefault("JPANSIM_EXECUTORS", d.Executors)
	d.CacheMax = envIntOrDefault("JPANSIM_CACHE_MAX", d.CacheMax)
	d.MemoryLimit = uint64(envIntOrDefault("JPANSIM_MEMORY_LIMIT_MB", int(d.MemoryLimit>>20))) << 20
	d.OOMRetries = envIntOrDefault("JPANSIM_OOM_RETRIES", d.OOMRetries)
	d.DBDriver = envOrDefault("JPANSIM_DB_DRIVER", d.DBDriver)
	d.DBSource = envOrDefault("JPANSIM_DB", d.DBSource)
	d.HTTPAddr = envOrDefault("JPANSIM_HTTP_ADDR", d.HTTPAddr)
	d.AdminKey = os.Getenv("JPANSIM_ADMIN_KEY")
	return d
}

// Ready reports whether the driver settings are usable.
func (d Driver) Ready() error {
	switch {
	case d.Workers < 1:
		return fmt.Errorf("%w: workers %d", ErrNotReady, d.Workers)
	case d.Executors < 1:
		return fmt.Errorf("%w: executors %d", ErrNotReady, d.Executors)
	case d.CacheMax < 1:
		return fmt.Errorf("%w: cache max %d", ErrNotReady, d.CacheMax)
	case d.Headroom <= 0 || d.Headroom > 1:
		return fmt.Errorf("%w: headroom %v", ErrNotReady, d.Headroom)
	case d.OOMRetries < 0:
		return fmt.Errorf("%w: oom retries %d", ErrNotReady, d.OOMRetries)
	case d.DBDriver != "sqlite" && d.DBDriver != "pgx":
		return fmt.Errorf("%w: db driver %q", ErrNotReady, d.DBDriver)
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
