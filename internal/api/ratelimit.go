package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// seriesBudget caps how fast one client can pull per-run time series. A
// series read returns every population row of a run, so each client gets a
// bucket of burst reads that refills continuously at burst per period.
type seriesBudget struct {
	mu     sync.Mutex
	burst  float64
	refill float64 // reads per second
	spent  map[string]*allowance
	swept  time.Time
	now    func() time.Time
}

type allowance struct {
	left float64
	at   time.Time
}

// newSeriesBudget allows burst series reads per client, refilled over period.
func newSeriesBudget(burst int, period time.Duration) *seriesBudget {
	return &seriesBudget{
		burst:  float64(burst),
		refill: float64(burst) / period.Seconds(),
		spent:  make(map[string]*allowance),
		now:    time.Now,
	}
}

// take spends one read for client. When the bucket is empty it returns false
// and how long until a read is available.
func (b *seriesBudget) take(client string) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.sweep(now)

	a, ok := b.spent[client]
	if !ok {
		a = &allowance{left: b.burst, at: now}
		b.spent[client] = a
	}
	a.left = math.Min(b.burst, a.left+now.Sub(a.at).Seconds()*b.refill)
	a.at = now
	if a.left >= 1 {
		a.left--
		return true, 0
	}
	wait := time.Duration((1 - a.left) / b.refill * float64(time.Second))
	return false, wait
}

// sweep forgets clients whose buckets have refilled, at most once per full
// refill period.
func (b *seriesBudget) sweep(now time.Time) {
	full := time.Duration(b.burst / b.refill * float64(time.Second))
	if now.Sub(b.swept) < full {
		return
	}
	for c, a := range b.spent {
		if now.Sub(a.at) >= full {
			delete(b.spent, c)
		}
	}
	b.swept = now
}

// clientAddr prefers the first X-Forwarded-For hop over the peer address.
func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limitSeries answers 429 with a Retry-After in whole seconds once a client
// has spent its series budget.
func limitSeries(b *seriesBudget, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, wait := b.take(clientAddr(r))
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			http.Error(w, "series budget exhausted", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
