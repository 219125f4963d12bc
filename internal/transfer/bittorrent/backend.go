// Package bittorrent runs magnet and .torrent downloads on an embedded anacrolix client.
package bittorrent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"github.com/Wajid2001/Free-Download-Manager/internal/limiter"
	"github.com/Wajid2001/Free-Download-Manager/internal/logctx"
	"github.com/Wajid2001/Free-Download-Manager/internal/transfer"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxMetaInfoSize caps .torrent files fetched over HTTP.
const maxMetaInfoSize = 10 << 20

type Config struct {
	// DataDir holds client-wide state. Payload data is staged per record, never here.
	DataDir    string
	ListenPort int
	Limiter    *limiter.Limiter
	HTTPClient *http.Client
}

// Backend is a transfer.SessionSource. One anacrolix client serves every record; the limiter's
// token buckets are handed to it so swarm traffic shares the process budget.
type Backend struct {
	client     *torrent.Client
	httpClient *http.Client

	mu     sync.Mutex
	active map[string]*entry
}

type entry struct {
	t     *torrent.Torrent
	store storage.ClientImplCloser
}

func New(cfg Config) (*Backend, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, &download.StorageError{Op: "create_dir", Path: cfg.DataDir, Err: err}
		}

		clientConfig.DataDir = cfg.DataDir
	}

	if cfg.ListenPort > 0 {
		clientConfig.ListenPort = cfg.ListenPort
	}

	if cfg.Limiter != nil {
		clientConfig.DownloadRateLimiter = cfg.Limiter.RateLimiter(limiter.Download)
		clientConfig.UploadRateLimiter = cfg.Limiter.RateLimiter(limiter.Upload)
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to start torrent client: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Backend{
		client:     client,
		httpClient: httpClient,
		active:     make(map[string]*entry),
	}, nil
}

// Open adds the torrent for rec with file storage rooted at rec.TempPath. Pieces already on disk
// are verified and kept, so reopening after a pause continues where the swarm left off.
func (b *Backend) Open(ctx context.Context, rec download.Record) (transfer.Session, error) {
	b.mu.Lock()
	if e, ok := b.active[rec.ID]; ok {
		b.mu.Unlock()

		return &session{backend: b, id: rec.ID, t: e.t, tempPath: rec.TempPath}, nil
	}
	b.mu.Unlock()

	spec, err := b.specFor(ctx, rec)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(rec.TempPath, 0o755); err != nil {
		return nil, &download.StorageError{Op: "create_dir", Path: rec.TempPath, Err: err}
	}

	store := storage.NewFile(rec.TempPath)
	spec.Storage = store

	t, _, err := b.client.AddTorrentSpec(spec)
	if err != nil {
		store.Close()

		return nil, &download.SourceError{Operation: "add_torrent", Message: err.Error(), Err: err}
	}

	b.mu.Lock()
	b.active[rec.ID] = &entry{t: t, store: store}
	b.mu.Unlock()

	go func() {
		select {
		case <-t.GotInfo():
			t.DownloadAll()
		case <-t.Closed():
		}
	}()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "torrent added",
		"info_hash", t.InfoHash().HexString(),
		"staging_dir", rec.TempPath,
	)

	return &session{backend: b, id: rec.ID, t: t, tempPath: rec.TempPath}, nil
}

// Discard drops the torrent and deletes its staging directory.
func (b *Backend) Discard(_ context.Context, rec download.Record) error {
	b.drop(rec.ID)

	if rec.TempPath == "" {
		return nil
	}

	if err := os.RemoveAll(rec.TempPath); err != nil {
		return &download.StorageError{Op: "remove_staging", Path: rec.TempPath, Err: err}
	}

	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.active))

	for id := range b.active {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.drop(id)
	}

	return errors.Join(b.client.Close()...)
}

func (b *Backend) drop(id string) {
	b.mu.Lock()
	e, ok := b.active[id]
	delete(b.active, id)
	b.mu.Unlock()

	if !ok {
		return
	}

	e.t.Drop()
	e.store.Close()
}

func (b *Backend) specFor(ctx context.Context, rec download.Record) (*torrent.TorrentSpec, error) {
	if rec.Kind == download.KindMagnet {
		spec, err := torrent.TorrentSpecFromMagnetUri(rec.URL)
		if err != nil {
			return nil, &download.SourceError{Operation: "parse_magnet", Message: err.Error(), Err: err}
		}

		return spec, nil
	}

	mi, err := b.loadMetaInfo(ctx, rec.URL)
	if err != nil {
		return nil, err
	}

	spec, err := torrent.TorrentSpecFromMetaInfoErr(mi)
	if err != nil {
		return nil, &transfer.InvalidContentError{Source: rec.URL, Reason: err.Error(), Err: err}
	}

	return spec, nil
}

// loadMetaInfo reads a .torrent from an http(s) URL or a local path.
func (b *Backend) loadMetaInfo(ctx context.Context, src string) (*metainfo.MetaInfo, error) {
	lower := strings.ToLower(src)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		mi, err := metainfo.LoadFromFile(src)
		if err != nil {
			return nil, &transfer.InvalidContentError{Source: src, Reason: err.Error(), Err: err}
		}

		return mi, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, &download.SourceError{Operation: "fetch_torrent", Message: err.Error(), Err: err}
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}

		return nil, &download.SourceError{Operation: "fetch_torrent", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &download.SourceError{
			Operation:  "fetch_torrent",
			StatusCode: resp.StatusCode,
			Message:    "Download failed: " + resp.Status,
		}
	}

	mi, err := metainfo.Load(io.LimitReader(resp.Body, maxMetaInfoSize))
	if err != nil {
		return nil, &transfer.InvalidContentError{Source: src, Reason: err.Error(), Err: err}
	}

	return mi, nil
}

type session struct {
	backend  *Backend
	id       string
	t        *torrent.Torrent
	tempPath string
}

func (s *session) Poll(context.Context) (transfer.SessionState, error) {
	select {
	case <-s.t.Closed():
		return transfer.SessionState{}, &download.SourceError{Operation: "poll", Message: "torrent was closed"}
	default:
	}

	select {
	case <-s.t.GotInfo():
	default:
		return transfer.SessionState{
			Name:       s.t.Name(),
			TotalBytes: transfer.UnknownSize,
			Phase:      transfer.PhasePending,
		}, nil
	}

	length := s.t.Length()
	completed := min(s.t.BytesCompleted(), length)

	state := transfer.SessionState{
		Name:           s.t.Name(),
		TotalBytes:     length,
		CompletedBytes: completed,
		Phase:          transfer.PhaseDownloading,
	}

	if completed >= length {
		state.Phase = transfer.PhaseDone
	}

	return state, nil
}

// Stage detaches the finished torrent so its files are closed, and returns the payload path
// inside the staging directory. A single-file torrent yields a file, a multi-file one a directory.
func (s *session) Stage(context.Context) (string, error) {
	name := s.t.Name()
	s.backend.drop(s.id)

	payload := filepath.Join(s.tempPath, name)
	if _, err := os.Stat(payload); err != nil {
		return "", &download.StorageError{Op: "stage", Path: payload, Err: err}
	}

	return payload, nil
}

func (s *session) ResumeSupported() bool {
	return true
}

// Close stops swarm traffic for the record. Staged pieces stay on disk for the next Open.
func (s *session) Close() error {
	s.backend.drop(s.id)

	return nil
}
