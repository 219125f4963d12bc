// Package limiter holds the process-wide bandwidth budget shared by every running transfer.
package limiter

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"golang.org/x/time/rate"
)

// Direction selects which budget a caller draws from.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}

	return "download"
}

const (
	minBurst = 4 << 10
	maxBurst = 1 << 20

	// A rate.Inf limiter cannot be shared with the torrent client: advancing it by zero elapsed
	// time yields NaN tokens. Unlimited is modelled as a very large finite budget instead.
	unlimitedRate  = rate.Limit(1 << 40)
	unlimitedBurst = math.MaxInt32
)

// Limits are byte-per-second ceilings. A nil field means unlimited.
type Limits struct {
	DownloadBps *int64 `json:"downloadBps"`
	UploadBps   *int64 `json:"uploadBps"`
}

// Normalize validates the limits and maps zero to unlimited.
func (l Limits) Normalize() (Limits, error) {
	down, err := normalize("downloadBps", l.DownloadBps)
	if err != nil {
		return Limits{}, err
	}

	up, err := normalize("uploadBps", l.UploadBps)
	if err != nil {
		return Limits{}, err
	}

	return Limits{DownloadBps: down, UploadBps: up}, nil
}

func normalize(field string, v *int64) (*int64, error) {
	if v == nil || *v == 0 {
		return nil, nil
	}

	if *v < 0 {
		return nil, &download.InputError{Field: field, Reason: "must not be negative"}
	}

	bps := *v

	return &bps, nil
}

// Observer is told how long each acquisition waited. It may be nil.
type Observer func(dir Direction, waited time.Duration)

// Limiter is a token bucket per direction. Waiters are served in reservation order, so a busy
// worker cannot starve one that asked earlier.
type Limiter struct {
	buckets  [2]*bucket
	observer Observer

	mu     sync.RWMutex
	limits Limits
}

type bucket struct {
	mu        sync.Mutex
	lim       *rate.Limiter
	unlimited bool
	changed   chan struct{}
}

// New creates a limiter. Invalid limits are treated as unlimited.
func New(limits Limits, observer Observer) *Limiter {
	l := &Limiter{observer: observer}

	for i := range l.buckets {
		l.buckets[i] = &bucket{
			lim:       rate.NewLimiter(unlimitedRate, unlimitedBurst),
			unlimited: true,
			changed:   make(chan struct{}),
		}
	}

	if _, err := l.SetLimits(limits); err != nil {
		l.limits = Limits{}
	}

	return l
}

// SetLimits replaces both ceilings and wakes every waiter so it re-evaluates under the new rate.
// It returns the effective limits.
func (l *Limiter) SetLimits(limits Limits) (Limits, error) {
	normalized, err := limits.Normalize()
	if err != nil {
		return Limits{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buckets[Download].set(normalized.DownloadBps)
	l.buckets[Upload].set(normalized.UploadBps)
	l.limits = normalized

	return l.copyLimits(), nil
}

// Limits returns the effective ceilings.
func (l *Limiter) Limits() Limits {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.copyLimits()
}

func (l *Limiter) copyLimits() Limits {
	var out Limits

	if l.limits.DownloadBps != nil {
		v := *l.limits.DownloadBps
		out.DownloadBps = &v
	}

	if l.limits.UploadBps != nil {
		v := *l.limits.UploadBps
		out.UploadBps = &v
	}

	return out
}

// RateLimiter exposes the underlying token bucket for clients that enforce limits themselves.
// The pointer stays valid across SetLimits calls.
func (l *Limiter) RateLimiter(dir Direction) *rate.Limiter {
	return l.buckets[dir].lim
}

// ChunkSize caps a read so that one acquisition never exceeds the bucket burst.
func (l *Limiter) ChunkSize(dir Direction, size int) int {
	b := l.buckets[dir]

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unlimited {
		return size
	}

	return min(size, b.lim.Burst())
}

// Acquire blocks until n bytes may move in direction dir. It returns the context cause if ctx is
// done first; any quota reserved for the unfinished slice is handed back.
func (l *Limiter) Acquire(ctx context.Context, dir Direction, n int) error {
	if n <= 0 {
		return nil
	}

	start := time.Now()
	err := l.buckets[dir].acquire(ctx, n)

	if l.observer != nil {
		l.observer(dir, time.Since(start))
	}

	return err
}

func (b *bucket) set(bps *int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bps == nil {
		b.unlimited = true
		b.lim.SetLimit(unlimitedRate)
		b.lim.SetBurst(unlimitedBurst)
	} else {
		b.unlimited = false
		b.lim.SetLimit(rate.Limit(*bps))
		b.lim.SetBurst(burstFor(*bps))
	}

	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *bucket) acquire(ctx context.Context, n int) error {
	for n > 0 {
		if err := context.Cause(ctx); err != nil {
			return err
		}

		b.mu.Lock()
		if b.unlimited {
			b.mu.Unlock()

			return nil
		}

		step := min(n, b.lim.Burst())
		now := time.Now()
		r := b.lim.ReserveN(now, step)
		changed := b.changed
		b.mu.Unlock()

		if !r.OK() {
			return errors.New("limiter: reservation exceeds burst")
		}

		if delay := r.DelayFrom(now); delay > 0 {
			timer := time.NewTimer(delay)

			select {
			case <-timer.C:
			case <-changed:
				timer.Stop()
				r.Cancel()

				continue
			case <-ctx.Done():
				timer.Stop()
				r.Cancel()

				return context.Cause(ctx)
			}
		}

		n -= step
	}

	return nil
}

func burstFor(bps int64) int {
	return int(min(max(bps/10, minBurst), maxBurst))
}
