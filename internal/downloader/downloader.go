// Package downloader runs one download record at a time from running to a terminal status, or
// back to paused.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"github.com/Wajid2001/Free-Download-Manager/internal/downloader/progress"
	"github.com/Wajid2001/Free-Download-Manager/internal/limiter"
	"github.com/Wajid2001/Free-Download-Manager/internal/logctx"
	"github.com/Wajid2001/Free-Download-Manager/internal/registry"
	"github.com/Wajid2001/Free-Download-Manager/internal/telemetry"
	"github.com/Wajid2001/Free-Download-Manager/internal/transfer"
	"github.com/dustin/go-humanize"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	eventBuffer = 64
)

// Interruption causes. The scheduler cancels a worker's context with one of these.
var (
	ErrPaused   = errors.New("download paused")
	ErrCanceled = errors.New("download canceled")
	ErrShutdown = errors.New("engine shutting down")
)

// errNotRunning aborts a final mutation when a command moved the record out of running first.
var errNotRunning = errors.New("record is no longer running")

// Records is the part of the registry a worker needs.
type Records interface {
	Get(id string) (download.Record, error)
	Update(ctx context.Context, id string, fn registry.Mutation) (download.Record, error)
}

type Config struct {
	ChunkSize        int
	ProgressInterval time.Duration
	SpeedWindow      time.Duration
	PollInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 32 << 10
	}

	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 500 * time.Millisecond
	}

	if c.SpeedWindow <= 0 {
		c.SpeedWindow = 3 * time.Second
	}

	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}

	return c
}

type Worker struct {
	records   Records
	ranged    transfer.RangedSource
	sessions  transfer.SessionSource
	limiter   *limiter.Limiter
	telemetry *telemetry.Telemetry
	cfg       Config

	OnDownloadFinished chan download.Record
	OnDownloadFailed   chan download.Record
}

// NewWorker builds a worker. sessions may be nil when no session backend is configured.
func NewWorker(
	records Records,
	ranged transfer.RangedSource,
	sessions transfer.SessionSource,
	lim *limiter.Limiter,
	tel *telemetry.Telemetry,
	cfg Config,
) *Worker {
	if lim == nil {
		lim = limiter.New(limiter.Limits{}, nil)
	}

	return &Worker{
		records:            records,
		ranged:             ranged,
		sessions:           sessions,
		limiter:            lim,
		telemetry:          tel,
		cfg:                cfg.withDefaults(),
		OnDownloadFinished: make(chan download.Record, eventBuffer),
		OnDownloadFailed:   make(chan download.Record, eventBuffer),
	}
}

// Close closes the event channels. Call it only after every Run has returned.
func (w *Worker) Close() {
	close(w.OnDownloadFinished)
	close(w.OnDownloadFailed)
}

// Run drives record id until it reaches a terminal status or ctx is cancelled. It returns the
// outcome: completed, failed, paused, canceled or shutdown.
func (w *Worker) Run(ctx context.Context, id string) string {
	rec, err := w.records.Get(id)
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "worker started for unknown download", "download_id", id, "err", err)

		return "failed"
	}

	ctx = logctx.WithDownloadID(ctx, id)
	ctx = logctx.WithLogger(ctx, logctx.LoggerFromContext(ctx).With("kind", rec.Kind))

	return w.telemetry.InstrumentDownload(ctx, string(rec.Kind), func(ctx context.Context) string {
		if rec.Kind.Session() {
			return w.runSession(ctx, rec)
		}

		return w.runRanged(ctx, rec)
	})
}

func (w *Worker) runRanged(ctx context.Context, rec download.Record) string {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(filepath.Dir(rec.TempPath), dirPerm); err != nil {
		return w.fail(ctx, rec.ID, rec.DownloadedBytes, &download.StorageError{Op: "create_dir", Path: filepath.Dir(rec.TempPath), Err: err})
	}

	offset := resumeOffset(rec)

	// Everything is already staged; a previous run was interrupted between the last write and the promotion.
	if total, known := rec.Total(); known && offset > 0 && offset == total {
		logger.InfoContext(ctx, "staged data already complete, promoting")

		return w.complete(ctx, rec.ID, rec.TempPath, offset)
	}

	f, err := os.OpenFile(rec.TempPath, os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return w.fail(ctx, rec.ID, 0, &download.StorageError{Op: "open", Path: rec.TempPath, Err: err})
	}

	if err := f.Truncate(offset); err != nil {
		f.Close()

		return w.fail(ctx, rec.ID, 0, &download.StorageError{Op: "truncate", Path: rec.TempPath, Err: err})
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()

		return w.fail(ctx, rec.ID, 0, &download.StorageError{Op: "seek", Path: rec.TempPath, Err: err})
	}

	stream, err := w.ranged.Open(ctx, rec.URL, offset)
	if err != nil {
		f.Close()

		if context.Cause(ctx) != nil {
			return w.interrupted(ctx, rec.ID, offset)
		}

		return w.fail(ctx, rec.ID, offset, err)
	}
	defer stream.Body.Close()

	if stream.Offset != offset {
		f.Close()

		return w.fail(ctx, rec.ID, offset, &download.SourceError{
			Operation: "open",
			Message:   fmt.Sprintf("asked for bytes from %d but the server sent them from %d. Restart the download.", offset, stream.Offset),
			Err:       transfer.ErrResumeRejected,
		})
	}

	_, err = w.records.Update(ctx, rec.ID, func(r *download.Record) error {
		if r.Status != download.StatusRunning {
			return errNotRunning
		}

		r.SetTotal(stream.TotalBytes)
		r.ResumeSupported = stream.ResumeSupported
		r.DownloadedBytes = offset

		return nil
	})
	if err != nil {
		f.Close()

		if errors.Is(err, errNotRunning) {
			return w.interrupted(ctx, rec.ID, offset)
		}

		return w.fail(ctx, rec.ID, 0, &download.SourceError{
			Operation: "open",
			Message:   fmt.Sprintf("staged %d bytes but the remote file is %d bytes. Restart the download.", offset, stream.TotalBytes),
			Err:       errors.Join(transfer.ErrResumeRejected, err),
		})
	}

	logger.InfoContext(ctx, "downloading",
		"offset", humanize.IBytes(uint64(offset)),
		"total", sizeString(stream.TotalBytes),
		"resume_supported", stream.ResumeSupported,
	)

	downloaded, err := w.copyChunks(ctx, rec.ID, f, stream.Body, offset)
	if err != nil {
		f.Close()

		if context.Cause(ctx) != nil {
			return w.interrupted(ctx, rec.ID, downloaded)
		}

		return w.fail(ctx, rec.ID, downloaded, err)
	}

	if stream.TotalBytes >= 0 && downloaded != stream.TotalBytes {
		f.Close()

		return w.fail(ctx, rec.ID, min(downloaded, stream.TotalBytes), &download.SourceError{
			Operation: "read",
			Message:   fmt.Sprintf("stream ended early: got %d of %d bytes", downloaded, stream.TotalBytes),
		})
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return w.fail(ctx, rec.ID, downloaded, &download.StorageError{Op: "fsync", Path: rec.TempPath, Err: err})
	}

	if err := f.Close(); err != nil {
		return w.fail(ctx, rec.ID, downloaded, &download.StorageError{Op: "close", Path: rec.TempPath, Err: err})
	}

	return w.complete(ctx, rec.ID, rec.TempPath, downloaded)
}

// copyChunks moves the body into f one limiter-sized chunk at a time and publishes progress.
func (w *Worker) copyChunks(ctx context.Context, id string, f *os.File, body io.Reader, offset int64) (int64, error) {
	buf := make([]byte, w.cfg.ChunkSize)
	meter := progress.NewMeter(w.cfg.SpeedWindow)
	downloaded := offset
	lastPublish := time.Now()
	kind := string(download.KindHTTP)

	for {
		chunk := w.limiter.ChunkSize(limiter.Download, len(buf))
		if err := w.limiter.Acquire(ctx, limiter.Download, chunk); err != nil {
			return downloaded, err
		}

		n, rerr := transfer.ReadChunk(body, buf[:chunk])
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return downloaded, &download.StorageError{Op: "write", Path: f.Name(), Err: err}
			}

			downloaded += int64(n)
			meter.Add(time.Now(), int64(n))
			w.telemetry.RecordBytes(kind, int64(n))
		}

		if now := time.Now(); now.Sub(lastPublish) >= w.cfg.ProgressInterval {
			w.publishProgress(ctx, id, downloaded, meter.Rate(now), nil)
			lastPublish = now
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			return downloaded, nil
		default:
			if cause := context.Cause(ctx); cause != nil {
				return downloaded, cause
			}

			return downloaded, &download.SourceError{Operation: "read", Message: "connection lost: " + rerr.Error(), Err: rerr}
		}
	}
}

func (w *Worker) runSession(ctx context.Context, rec download.Record) string {
	logger := logctx.LoggerFromContext(ctx)

	if w.sessions == nil {
		return w.fail(ctx, rec.ID, rec.DownloadedBytes, &download.SourceError{Operation: "open", Message: "no session backend is configured"})
	}

	sess, err := w.sessions.Open(ctx, rec)
	if err != nil {
		if context.Cause(ctx) != nil {
			return w.interrupted(ctx, rec.ID, rec.DownloadedBytes)
		}

		return w.fail(ctx, rec.ID, rec.DownloadedBytes, err)
	}

	defer func() {
		if err := sess.Close(); err != nil {
			logger.WarnContext(ctx, "failed to close session", "err", err)
		}
	}()

	if _, err := w.records.Update(ctx, rec.ID, func(r *download.Record) error {
		r.ResumeSupported = sess.ResumeSupported()

		return nil
	}); err != nil {
		logger.WarnContext(ctx, "failed to record resume capability", "err", err)
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	high := rec.DownloadedBytes
	lastBytes, lastAt := high, time.Now()
	lastPhase := transfer.Phase("")

	for {
		state, err := sess.Poll(ctx)
		if err != nil {
			if context.Cause(ctx) != nil {
				return w.interrupted(ctx, rec.ID, high)
			}

			return w.fail(ctx, rec.ID, high, err)
		}

		if state.Phase != lastPhase {
			logger.InfoContext(ctx, "session phase changed", "phase", state.Phase, "name", state.Name, "total", sizeString(state.TotalBytes))
			lastPhase = state.Phase
		}

		high = max(high, state.CompletedBytes)

		now := time.Now()

		var speed int64
		if elapsed := now.Sub(lastAt); elapsed > 0 && high > lastBytes {
			speed = int64(float64(high-lastBytes) / elapsed.Seconds())
		}

		if high > lastBytes {
			w.telemetry.RecordBytes(string(rec.Kind), high-lastBytes)
		}

		lastBytes, lastAt = high, now

		total := state.TotalBytes
		w.publishProgress(ctx, rec.ID, high, speed, &total)

		switch state.Phase {
		case transfer.PhaseDone:
			staged, err := sess.Stage(ctx)
			if err != nil {
				if context.Cause(ctx) != nil {
					return w.interrupted(ctx, rec.ID, high)
				}

				return w.fail(ctx, rec.ID, high, err)
			}

			outcome := w.complete(ctx, rec.ID, staged, high)
			if outcome == "completed" && staged != rec.TempPath {
				if err := os.RemoveAll(rec.TempPath); err != nil {
					logger.WarnContext(ctx, "failed to remove staging directory", "path", rec.TempPath, "err", err)
				}
			}

			return outcome
		case transfer.PhaseFailed:
			msg := state.Message
			if msg == "" {
				msg = "session failed"
			}

			return w.fail(ctx, rec.ID, high, &download.SourceError{Operation: "poll", Message: msg})
		}

		select {
		case <-ctx.Done():
			return w.interrupted(ctx, rec.ID, high)
		case <-ticker.C:
		}
	}
}

// publishProgress writes bytes and speed. total is applied only when known and consistent.
func (w *Worker) publishProgress(ctx context.Context, id string, downloaded, speed int64, total *int64) {
	_, err := w.records.Update(ctx, id, func(r *download.Record) error {
		if r.Status != download.StatusRunning {
			return errNotRunning
		}

		if total != nil && *total >= downloaded {
			r.SetTotal(*total)
		}

		// Only completion reports every byte, so a full count always pairs with StatusCompleted.
		if t, known := r.Total(); !known || downloaded < t {
			setBytes(r, downloaded)
		}

		r.SpeedBps = speed

		return nil
	})
	if err != nil && !errors.Is(err, errNotRunning) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to publish progress", "err", err)
	}
}

// complete promotes staged to the record's save path and marks it completed, all in one mutation
// so a concurrent pause or cancel either wins entirely or not at all.
func (w *Worker) complete(ctx context.Context, id, staged string, downloaded int64) string {
	logger := logctx.LoggerFromContext(ctx)

	var renameErr error

	rec, err := w.records.Update(ctx, id, func(r *download.Record) error {
		if r.Status != download.StatusRunning {
			return errNotRunning
		}

		if err := os.Rename(staged, r.SavePath); err != nil {
			renameErr = &download.StorageError{Op: "rename", Path: r.SavePath, Err: err}

			return renameErr
		}

		if err := r.Apply(download.TriggerComplete); err != nil {
			return err
		}

		if _, known := r.Total(); !known {
			r.SetTotal(downloaded)
		}

		setBytes(r, downloaded)
		r.SpeedBps = 0
		r.Error = ""

		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, errNotRunning):
		return w.interrupted(ctx, id, downloaded)
	case renameErr != nil:
		return w.fail(ctx, id, downloaded, renameErr)
	default:
		return w.fail(ctx, id, downloaded, err)
	}

	logger.InfoContext(ctx, "download completed", "path", rec.SavePath, "size", humanize.IBytes(uint64(rec.DownloadedBytes)))
	w.emit(ctx, w.OnDownloadFinished, rec)

	return "completed"
}

func (w *Worker) fail(ctx context.Context, id string, downloaded int64, cause error) string {
	logger := logctx.LoggerFromContext(ctx)
	msg := download.Message(cause)

	rec, err := w.records.Update(ctx, id, func(r *download.Record) error {
		if r.Status != download.StatusRunning {
			return errNotRunning
		}

		if err := r.Apply(download.TriggerFail); err != nil {
			return err
		}

		r.Error = msg
		r.SpeedBps = 0
		setBytes(r, downloaded)

		if errors.Is(cause, transfer.ErrResumeRejected) {
			r.ResumeSupported = false
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, errNotRunning) {
			return w.interrupted(ctx, id, downloaded)
		}

		logger.ErrorContext(ctx, "failed to record download failure", "cause", cause, "err", err)

		return "failed"
	}

	logger.ErrorContext(ctx, "download failed", "err", cause)
	w.emit(ctx, w.OnDownloadFailed, rec)

	return "failed"
}

// interrupted records the final byte count after a pause, cancel or shutdown. Staged data is kept;
// whoever interrupted the worker decides what to do with it.
func (w *Worker) interrupted(ctx context.Context, id string, downloaded int64) string {
	cause := context.Cause(ctx)

	_, err := w.records.Update(context.WithoutCancel(ctx), id, func(r *download.Record) error {
		setBytes(r, downloaded)
		r.SpeedBps = 0

		return nil
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to record final progress", "err", err)
	}

	outcome := outcomeOf(cause)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download interrupted",
		"outcome", outcome,
		"downloaded", humanize.IBytes(uint64(max(downloaded, 0))),
	)

	return outcome
}

func (w *Worker) emit(ctx context.Context, ch chan download.Record, rec download.Record) {
	select {
	case ch <- rec:
	default:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "event channel full, dropping event", "status", rec.Status)
	}
}

func outcomeOf(cause error) string {
	switch {
	case errors.Is(cause, ErrPaused):
		return "paused"
	case errors.Is(cause, ErrCanceled):
		return "canceled"
	case errors.Is(cause, ErrShutdown):
		return "shutdown"
	default:
		return "interrupted"
	}
}

// resumeOffset is where a ranged run continues: the smaller of the recorded progress and the
// staged file size, or zero when the server cannot resume.
func resumeOffset(rec download.Record) int64 {
	if !rec.ResumeSupported || rec.DownloadedBytes <= 0 {
		return 0
	}

	fi, err := os.Stat(rec.TempPath)
	if err != nil {
		return 0
	}

	return min(rec.DownloadedBytes, fi.Size())
}

// setBytes keeps downloadedBytes within a known total.
func setBytes(r *download.Record, downloaded int64) {
	if total, known := r.Total(); known && downloaded > total {
		downloaded = total
	}

	r.DownloadedBytes = max(downloaded, 0)
}

func sizeString(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.IBytes(uint64(n))
}
