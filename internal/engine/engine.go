// Package engine is the command surface of the download manager. It enforces the download
// lifecycle and coordinates the registry, the scheduler and the speed limiter.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"github.com/Wajid2001/Free-Download-Manager/internal/downloader"
	"github.com/Wajid2001/Free-Download-Manager/internal/limiter"
	"github.com/Wajid2001/Free-Download-Manager/internal/logctx"
	"github.com/Wajid2001/Free-Download-Manager/internal/registry"
	"github.com/Wajid2001/Free-Download-Manager/internal/scheduler"
	"github.com/Wajid2001/Free-Download-Manager/internal/transfer"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const (
	dirPerm = 0o755

	// stopTimeout bounds how long a command waits for a worker to exit.
	stopTimeout = 30 * time.Second
)

// StartRequest describes a new download. Only URL is required.
type StartRequest struct {
	URL       string `json:"url"`
	FileName  string `json:"fileName,omitempty"`
	Directory string `json:"directory,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

type Config struct {
	// DownloadDir is used when a start request names no directory.
	DownloadDir string
}

type Engine struct {
	records   *registry.Registry
	scheduler *scheduler.Scheduler
	limiter   *limiter.Limiter
	sessions  transfer.SessionSource
	cfg       Config

	// mu serializes commands so that staged data is never discarded while a new worker claims it.
	mu sync.Mutex
}

// New builds the facade. sessions may be nil, in which case magnet and torrent downloads are
// recorded as external.
func New(
	records *registry.Registry,
	sched *scheduler.Scheduler,
	lim *limiter.Limiter,
	sessions transfer.SessionSource,
	cfg Config,
) *Engine {
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "downloads"
	}

	return &Engine{
		records:   records,
		scheduler: sched,
		limiter:   lim,
		sessions:  sessions,
		cfg:       cfg,
	}
}

// Restore loads persisted records and resumes admission.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	n, err := e.records.Restore(ctx)
	if err != nil {
		return 0, err
	}

	e.scheduler.Evaluate(ctx)

	return n, nil
}

// List returns every record, newest first.
func (e *Engine) List() []download.Record {
	return e.records.List()
}

func (e *Engine) Get(id string) (download.Record, error) {
	return e.records.Get(id)
}

// Start creates a record for req and, when a slot is free, admits it immediately.
func (e *Engine) Start(ctx context.Context, req StartRequest) (download.Record, error) {
	src, err := parseSource(req.URL, req.Kind, req.FileName)
	if err != nil {
		return download.Record{}, err
	}

	rec := download.Record{
		ID:   uuid.NewString(),
		URL:  src.url,
		Kind: src.kind,
	}

	if src.kind.Session() && e.sessions == nil {
		rec.Status = download.StatusExternal
		rec.FileName = externalFileName

		if req.FileName != "" {
			rec.FileName = src.name
		}

		return e.records.Create(ctx, rec)
	}

	dir := req.Directory
	if dir == "" {
		dir = e.cfg.DownloadDir
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return download.Record{}, &download.StorageError{Op: "create_dir", Path: dir, Err: err}
	}

	e.mu.Lock()

	savePath, err := download.UniquePath(dir, src.name, e.records.Taken)
	if err != nil {
		e.mu.Unlock()

		return download.Record{}, err
	}

	rec.Status = download.StatusQueued
	rec.SavePath = savePath
	rec.TempPath = download.StagingPath(savePath)
	rec.FileName = filepath.Base(savePath)

	created, err := e.records.Create(ctx, rec)
	e.mu.Unlock()

	if err != nil {
		return download.Record{}, err
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download started",
		"download_id", created.ID,
		"kind", created.Kind,
		"save_path", created.SavePath,
	)

	e.scheduler.Evaluate(ctx)

	return e.records.Get(created.ID)
}

// Pause stops a running download and keeps its staged data. The returned record carries the
// final byte count.
func (e *Engine) Pause(ctx context.Context, id string) (download.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.records.Update(ctx, id, func(r *download.Record) error {
		if err := r.Apply(download.TriggerPause); err != nil {
			return err
		}

		r.SpeedBps = 0

		return nil
	}); err != nil {
		return download.Record{}, err
	}

	if err := e.stop(ctx, id, downloader.ErrPaused); err != nil {
		return download.Record{}, err
	}

	e.scheduler.Evaluate(ctx)

	return e.records.Get(id)
}

// Resume puts a paused download back in the queue.
func (e *Engine) Resume(ctx context.Context, id string) (download.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.records.Update(ctx, id, func(r *download.Record) error {
		return r.Apply(download.TriggerResume)
	}); err != nil {
		return download.Record{}, err
	}

	e.scheduler.Evaluate(ctx)

	return e.records.Get(id)
}

// Cancel stops a running or paused download, discards its staged data and resets its progress.
// The record stays until removed.
func (e *Engine) Cancel(ctx context.Context, id string) (download.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.records.Update(ctx, id, func(r *download.Record) error {
		if err := r.Apply(download.TriggerCancel); err != nil {
			return err
		}

		r.SpeedBps = 0

		return nil
	})
	if err != nil {
		return download.Record{}, err
	}

	// The record is already canceled, so the discard and reset run even when the caller goes away
	// or the worker is slow to exit.
	cleanupCtx := context.WithoutCancel(ctx)

	stopErr := e.stop(ctx, id, downloader.ErrCanceled)
	if stopErr != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "worker did not exit before discard", "download_id", id, "err", stopErr)
	}

	e.discard(cleanupCtx, rec)

	rec, err = e.records.Update(cleanupCtx, id, func(r *download.Record) error {
		r.DownloadedBytes = 0
		r.SpeedBps = 0

		return nil
	})
	if err != nil {
		return download.Record{}, err
	}

	e.scheduler.Evaluate(cleanupCtx)

	if stopErr != nil {
		return download.Record{}, stopErr
	}

	return rec, nil
}

// Restart queues a failed or canceled download again. Without resume support the staged data is
// discarded first and progress starts from zero.
func (e *Engine) Restart(ctx context.Context, id string) (download.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.records.Get(id)
	if err != nil {
		return download.Record{}, err
	}

	if !download.CanTransition(rec.Status, download.TriggerRestart) {
		return download.Record{}, &download.TransitionError{ID: id, From: rec.Status, Trigger: download.TriggerRestart}
	}

	// A worker that just failed may still be winding down.
	if err := e.stop(ctx, id, downloader.ErrCanceled); err != nil {
		return download.Record{}, err
	}

	if !rec.ResumeSupported {
		e.discard(ctx, rec)
	}

	if _, err := e.records.Update(ctx, id, func(r *download.Record) error {
		if err := r.Apply(download.TriggerRestart); err != nil {
			return err
		}

		r.Error = ""
		r.SpeedBps = 0

		if !r.ResumeSupported {
			r.DownloadedBytes = 0
			r.TotalBytes = nil
		}

		return nil
	}); err != nil {
		return download.Record{}, err
	}

	e.scheduler.Evaluate(ctx)

	return e.records.Get(id)
}

// Remove deletes a terminal record. A completed file is never touched; leftover staged data of
// failed or canceled records is discarded.
func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.records.Get(id)
	if err != nil {
		return err
	}

	if !rec.Status.Terminal() {
		return &download.TransitionError{ID: id, From: rec.Status, Trigger: download.TriggerRemove}
	}

	if err := e.stop(ctx, id, downloader.ErrCanceled); err != nil {
		return err
	}

	if err := e.records.Remove(ctx, id); err != nil {
		return err
	}

	if rec.Status == download.StatusFailed || rec.Status == download.StatusCanceled {
		e.discard(ctx, rec)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download removed", "download_id", id, "status", rec.Status)

	return nil
}

// SetSpeedLimits replaces the global limits and returns the effective ones.
func (e *Engine) SetSpeedLimits(ctx context.Context, limits limiter.Limits) (limiter.Limits, error) {
	effective, err := e.limiter.SetLimits(limits)
	if err != nil {
		return limiter.Limits{}, err
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "speed limits changed",
		"download_bps", bpsAttr(effective.DownloadBps),
		"upload_bps", bpsAttr(effective.UploadBps),
	)

	return effective, nil
}

func (e *Engine) SpeedLimits() limiter.Limits {
	return e.limiter.Limits()
}

func (e *Engine) SetMaxConcurrent(ctx context.Context, n int) error {
	return e.scheduler.SetMaxConcurrent(ctx, n)
}

func (e *Engine) MaxConcurrent() int {
	return e.scheduler.MaxConcurrent()
}

// Close stops every worker. Running records are left running in the durable store and are
// requeued by the next Restore.
func (e *Engine) Close(ctx context.Context) error {
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "stopping workers", "active", e.scheduler.Active())

	if err := e.scheduler.Shutdown(ctx); err != nil && !errors.Is(err, scheduler.ErrClosed) {
		return fmt.Errorf("failed to stop workers: %w", err)
	}

	return nil
}

// discard removes a record's staged data. Failures are logged; the staging janitor retries later.
func (e *Engine) discard(ctx context.Context, rec download.Record) {
	if !rec.Staged() {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	var err error

	switch {
	case rec.Kind.Session() && e.sessions != nil:
		err = e.sessions.Discard(ctx, rec)
	default:
		err = os.RemoveAll(rec.TempPath)
	}

	if err != nil {
		logger.WarnContext(ctx, "failed to discard staged data", "download_id", rec.ID, "path", rec.TempPath, "err", err)

		return
	}

	logger.DebugContext(ctx, "staged data discarded", "download_id", rec.ID, "path", rec.TempPath)
}

// stop interrupts the worker owning id and waits up to stopTimeout for it to exit. The wait outlives
// ctx: the record has usually changed already and must not be left with a live worker behind it.
func (e *Engine) stop(ctx context.Context, id string, cause error) error {
	if !e.scheduler.Running(id) {
		return nil
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "stopping worker", "download_id", id, "cause", cause)

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	return e.scheduler.Stop(waitCtx, id, cause)
}

func bpsAttr(v *int64) string {
	if v == nil {
		return "unlimited"
	}

	return humanize.IBytes(uint64(*v)) + "/s"
}
