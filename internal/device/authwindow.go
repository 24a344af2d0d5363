package device

import (
	"sync"
	"time"
)

// authWindow counts consecutive auth failures inside a rolling window.
// Any successful login clears it.
type authWindow struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	failures  []time.Time
}

func newAuthWindow(threshold int, window time.Duration) *authWindow {
	return &authWindow{threshold: threshold, window: window}
}

// record notes a failure at now and reports whether the threshold is
// reached.
func (w *authWindow) record(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.failures = append(w.failures, now)
	w.trim(now)
	return w.threshold > 0 && len(w.failures) >= w.threshold
}

func (w *authWindow) reset() {
	w.mu.Lock()
	w.failures = nil
	w.mu.Unlock()
}

func (w *authWindow) count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trim(now)
	return len(w.failures)
}

func (w *authWindow) trim(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.failures) && !w.failures[i].After(cutoff) {
		i++
	}
	w.failures = w.failures[i:]
}
