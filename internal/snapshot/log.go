package snapshot

import "sync"

// Log is a per-entity history of committed values, indexed newest first.
// One writer appends, many readers look back.
type Log[T any] struct {
	mu      sync.RWMutex
	entries []T // oldest first; index 0 of the public API is the last element
}

// Prepend records v as the newest entry.
func (l *Log[T]) Prepend(v T) {
	l.mu.Lock()
	l.entries = append(l.entries, v)
	l.mu.Unlock()
}

// Len returns the number of committed entries.
func (l *Log[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// At returns the entry i steps back from the newest (At(0) is the newest).
func (l *Log[T]) At(i int) (T, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.entries)
	if i < 0 || i >= n {
		var zero T
		return zero, false
	}
	return l.entries[n-1-i], true
}

// Latest is At(0).
func (l *Log[T]) Latest() (T, bool) {
	return l.At(0)
}

// Recent returns up to k entries, newest first.
func (l *Log[T]) Recent(k int) []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.entries)
	k = min(k, n)
	out := make([]T, 0, max(k, 0))
	for i := 0; i < k; i++ {
		out = append(out, l.entries[n-1-i])
	}
	return out
}

// Each visits entries newest first until fn returns false.
func (l *Log[T]) Each(fn func(T) bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if !fn(l.entries[i]) {
			return
		}
	}
}
