// Package registry owns every download record. Reads are served from memory; every committed
// mutation is written through to the durable store in commit order.
package registry

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"github.com/Wajid2001/Free-Download-Manager/internal/logctx"
	"github.com/Wajid2001/Free-Download-Manager/internal/storage"
)

// Mutation edits a private copy of a record. Returning an error discards the copy.
type Mutation func(rec *download.Record) error

type Registry struct {
	mu      sync.RWMutex
	records map[string]*download.Record
	seen    map[string]struct{}

	// writeMu orders write-through so the store never sees an older version after a newer one.
	writeMu sync.Mutex
	repo    storage.DownloadRepository
	now     func() time.Time
}

// New creates a registry backed by repo. A nil repo keeps records in memory only.
func New(repo storage.DownloadRepository) *Registry {
	if repo == nil {
		repo = storage.Discard{}
	}

	return &Registry{
		records: make(map[string]*download.Record),
		seen:    make(map[string]struct{}),
		repo:    repo,
		now:     time.Now,
	}
}

// Restore loads persisted records. Records that were running when the process stopped go back to
// the queue; speed is reset because no worker owns them yet.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	records, err := r.repo.ListDownloads(ctx)
	if err != nil {
		return 0, &download.StorageError{Op: "restore", Err: err}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	var requeued []download.Record

	for _, rec := range records {
		if rec.Status == download.StatusRunning {
			rec.Status = download.StatusQueued
			requeued = append(requeued, rec)
		}

		rec.SpeedBps = 0
		stored := rec.Clone()
		r.records[rec.ID] = &stored
		r.seen[rec.ID] = struct{}{}
	}

	for _, rec := range requeued {
		if err := r.repo.SaveDownload(ctx, rec); err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to persist requeued download", "download_id", rec.ID, "err", err)
		}
	}

	return len(records), nil
}

// Create inserts a new record. Ids are never reused, even after removal.
func (r *Registry) Create(ctx context.Context, rec download.Record) (download.Record, error) {
	now := r.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	rec.UpdatedAt = now

	if err := rec.Validate(); err != nil {
		return download.Record{}, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if _, dup := r.seen[rec.ID]; dup {
		r.mu.Unlock()

		return download.Record{}, &download.InputError{Field: "id", Reason: fmt.Sprintf("%s was already used", rec.ID)}
	}

	stored := rec.Clone()
	r.records[rec.ID] = &stored
	r.seen[rec.ID] = struct{}{}
	r.mu.Unlock()

	r.persist(ctx, stored)

	return stored.Clone(), nil
}

// Get returns a copy of one record.
func (r *Registry) Get(id string) (download.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return download.Record{}, fmt.Errorf("%w: %s", download.ErrNotFound, id)
	}

	return rec.Clone(), nil
}

// List returns copies of every record, newest first.
func (r *Registry) List() []download.Record {
	r.mu.RLock()
	out := make([]download.Record, 0, len(r.records))

	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b download.Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return out
}

// Queued returns copies of queued records in admission order: oldest first, id as tiebreak.
func (r *Registry) Queued() []download.Record {
	r.mu.RLock()
	var out []download.Record

	for _, rec := range r.records {
		if rec.Status == download.StatusQueued {
			out = append(out, rec.Clone())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b download.Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return out
}

// Taken reports whether any record already claims savePath.
func (r *Registry) Taken(savePath string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if rec.SavePath == savePath {
			return true
		}
	}

	return false
}

// Update applies fn atomically. Readers see either the old or the new record, never a mix.
// The returned record is a copy of the committed state.
func (r *Registry) Update(ctx context.Context, id string, fn Mutation) (download.Record, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()

	current, ok := r.records[id]
	if !ok {
		r.mu.Unlock()

		return download.Record{}, fmt.Errorf("%w: %s", download.ErrNotFound, id)
	}

	next := current.Clone()
	if err := fn(&next); err != nil {
		r.mu.Unlock()

		return download.Record{}, err
	}

	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = r.now().UTC()

	if err := next.Validate(); err != nil {
		r.mu.Unlock()

		return download.Record{}, fmt.Errorf("rejected update of %s: %w", id, err)
	}

	r.records[id] = &next
	committed := next.Clone()
	r.mu.Unlock()

	r.persist(ctx, committed)

	return committed, nil
}

// Remove deletes a record in a terminal status. The completed file is never touched.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()

	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()

		return fmt.Errorf("%w: %s", download.ErrNotFound, id)
	}

	if !rec.Status.Terminal() {
		r.mu.Unlock()

		return &download.TransitionError{ID: id, From: rec.Status, Trigger: download.TriggerRemove}
	}

	delete(r.records, id)
	r.mu.Unlock()

	if err := r.repo.DeleteDownload(ctx, id); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to delete persisted download", "download_id", id, "err", err)
	}

	return nil
}

// persist writes rec to the store. Failures are logged, not returned: the in-memory record is
// authoritative and the next mutation rewrites the whole row.
func (r *Registry) persist(ctx context.Context, rec download.Record) {
	if err := r.repo.SaveDownload(context.WithoutCancel(ctx), rec); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist download", "download_id", rec.ID, "status", rec.Status, "err", err)
	}
}
