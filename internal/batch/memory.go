package batch

import (
	"math"
	"runtime"
	"runtime/debug"
)

// DefaultMemoryLimit is assumed when neither the driver nor the runtime
// gives a limit.
const DefaultMemoryLimit = 4 << 30

// MemoryProbe measures free memory and can ask for it to be reclaimed.
type MemoryProbe interface {
	Free() uint64
	Collect()
}

// RuntimeProbe reads the Go runtime's heap statistics against a limit.
type RuntimeProbe struct {
	Limit uint64 // 0 means the runtime soft limit, or DefaultMemoryLimit
}

func (p RuntimeProbe) limit() uint64 {
	if p.Limit > 0 {
		return p.Limit
	}
	if soft := debug.SetMemoryLimit(-1); soft > 0 && soft < math.MaxInt64 {
		return uint64(soft)
	}
	return DefaultMemoryLimit
}

// Free is the limit minus the live heap.
func (p RuntimeProbe) Free() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	limit := p.limit()
	if ms.HeapAlloc >= limit {
		return 0
	}
	return limit - ms.HeapAlloc
}

// Collect forces a collection and returns freed pages to the OS.
func (RuntimeProbe) Collect() {
	runtime.GC()
	debug.FreeOSMemory()
}
