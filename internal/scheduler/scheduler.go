// Package scheduler admits queued downloads into worker slots under a concurrency ceiling.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"github.com/Wajid2001/Free-Download-Manager/internal/downloader"
	"github.com/Wajid2001/Free-Download-Manager/internal/logctx"
	"github.com/Wajid2001/Free-Download-Manager/internal/registry"
)

const DefaultMaxConcurrent = 3

var ErrClosed = errors.New("scheduler is shut down")

// Records is the part of the registry the scheduler needs.
type Records interface {
	Queued() []download.Record
	Update(ctx context.Context, id string, fn registry.Mutation) (download.Record, error)
}

// Runner drives one record until it leaves running. downloader.Worker implements it.
type Runner interface {
	Run(ctx context.Context, id string) string
}

type slot struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type Scheduler struct {
	records Records
	runner  Runner
	base    context.Context

	mu     sync.Mutex
	max    int
	active map[string]*slot
	closed bool
	wg     sync.WaitGroup
}

// New builds a scheduler. Workers inherit base's values (logger, telemetry span) but not its
// cancellation; they are stopped through Stop and Shutdown only.
func New(base context.Context, records Records, runner Runner, maxConcurrent int) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}

	return &Scheduler{
		records: records,
		runner:  runner,
		base:    context.WithoutCancel(base),
		max:     maxConcurrent,
		active:  make(map[string]*slot),
	}
}

// Evaluate admits the oldest queued records while slots are free.
func (s *Scheduler) Evaluate(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	free := s.max - len(s.active)
	if free <= 0 {
		return
	}

	for _, rec := range s.records.Queued() {
		if free == 0 {
			break
		}

		// Still winding down from a previous run; its exit re-evaluates.
		if _, busy := s.active[rec.ID]; busy {
			continue
		}

		if _, err := s.records.Update(ctx, rec.ID, func(r *download.Record) error {
			return r.Apply(download.TriggerAdmit)
		}); err != nil {
			logger.DebugContext(ctx, "skipping admission", "download_id", rec.ID, "err", err)

			continue
		}

		logger.InfoContext(ctx, "download admitted", "download_id", rec.ID, "active", len(s.active)+1, "max_concurrent", s.max)

		s.spawn(rec.ID)
		free--
	}
}

// spawn starts a worker for id. s.mu must be held.
func (s *Scheduler) spawn(id string) {
	ctx, cancel := context.WithCancelCause(s.base)
	sl := &slot{cancel: cancel, done: make(chan struct{})}
	s.active[id] = sl

	s.wg.Add(1)

	go s.run(ctx, id, sl)
}

func (s *Scheduler) run(ctx context.Context, id string, sl *slot) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "worker panic",
				"download_id", id,
				"panic", r,
				"stack", string(debug.Stack()))

			s.failPanicked(id, r)
		}

		sl.cancel(nil)

		s.mu.Lock()
		if s.active[id] == sl {
			delete(s.active, id)
		}
		closed := s.closed
		s.mu.Unlock()

		close(sl.done)
		s.wg.Done()

		if !closed {
			s.Evaluate(s.base)
		}
	}()

	outcome := s.runner.Run(ctx, id)

	logger.DebugContext(ctx, "worker exited", "download_id", id, "outcome", outcome)
}

// failPanicked moves a record whose worker panicked out of running so its slot is not lost.
func (s *Scheduler) failPanicked(id string, r any) {
	_, err := s.records.Update(s.base, id, func(rec *download.Record) error {
		if rec.Status != download.StatusRunning {
			return nil
		}

		if err := rec.Apply(download.TriggerFail); err != nil {
			return err
		}

		rec.Error = fmt.Sprintf("internal error: %v", r)
		rec.SpeedBps = 0

		return nil
	})
	if err != nil {
		logctx.LoggerFromContext(s.base).ErrorContext(s.base, "failed to record worker panic", "download_id", id, "err", err)
	}
}

// Stop cancels id's worker with cause and waits for it to exit. It returns nil when no worker runs id.
func (s *Scheduler) Stop(ctx context.Context, id string, cause error) error {
	s.mu.Lock()
	sl, ok := s.active[id]
	s.mu.Unlock()

	if !ok {
		return nil
	}

	sl.cancel(cause)

	select {
	case <-sl.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for worker %s: %w", id, context.Cause(ctx))
	}
}

// Running reports whether a worker currently owns id.
func (s *Scheduler) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.active[id]

	return ok
}

// Active returns the number of occupied slots.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.active)
}

func (s *Scheduler) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.max
}

// SetMaxConcurrent changes the ceiling. Running workers above a lowered ceiling keep running.
func (s *Scheduler) SetMaxConcurrent(ctx context.Context, n int) error {
	if n < 1 {
		return &download.InputError{Field: "maxConcurrent", Reason: "must be at least 1"}
	}

	s.mu.Lock()
	s.max = n
	s.mu.Unlock()

	s.Evaluate(ctx)

	return nil
}

// Shutdown stops admitting, cancels every worker with downloader.ErrShutdown and waits for them.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return ErrClosed
	}

	s.closed = true
	for _, sl := range s.active {
		sl.cancel(downloader.ErrShutdown)
	}
	s.mu.Unlock()

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", context.Cause(ctx))
	}
}
