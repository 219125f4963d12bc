// Package progress measures transfer throughput.
package progress

import (
	"sync"
	"time"
)

// Meter computes a speed from the bytes seen during the last window only, so a stalled transfer
// drops to zero instead of averaging over its whole lifetime.
type Meter struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sample
}

type sample struct {
	at    time.Time
	bytes int64
}

// NewMeter creates a meter with the given window. Non-positive windows default to three seconds.
func NewMeter(window time.Duration) *Meter {
	if window <= 0 {
		window = 3 * time.Second
	}

	return &Meter{window: window}
}

// Add records n bytes transferred at time now.
func (m *Meter) Add(now time.Time, n int64) {
	if n <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, sample{at: now, bytes: n})
	m.trim(now)
}

// Rate returns bytes per second over the window ending at now.
func (m *Meter) Rate(now time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trim(now)

	if len(m.samples) == 0 {
		return 0
	}

	var total int64
	for _, s := range m.samples {
		total += s.bytes
	}

	// Young meters divide by their real age so the first reading is not diluted.
	span := now.Sub(m.samples[0].at)
	if span < time.Second {
		span = time.Second
	}

	if span > m.window {
		span = m.window
	}

	return int64(float64(total) / span.Seconds())
}

func (m *Meter) trim(now time.Time) {
	cutoff := now.Add(-m.window)

	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}

	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}
