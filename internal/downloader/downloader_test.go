package downloader

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"github.com/Wajid2001/Free-Download-Manager/internal/limiter"
	"github.com/Wajid2001/Free-Download-Manager/internal/registry"
	"github.com/Wajid2001/Free-Download-Manager/internal/transfer"
	"github.com/Wajid2001/Free-Download-Manager/internal/transfer/httpsource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCfg = Config{
	ChunkSize:        4 << 10,
	ProgressInterval: 10 * time.Millisecond,
	SpeedWindow:      time.Second,
	PollInterval:     10 * time.Millisecond,
}

func running(t *testing.T, reg *registry.Registry, rec download.Record) download.Record {
	t.Helper()

	dir := t.TempDir()
	if rec.ID == "" {
		rec.ID = "rec-1"
	}

	if rec.SavePath == "" {
		rec.SavePath = filepath.Join(dir, "file.bin")
	}

	if rec.TempPath == "" {
		rec.TempPath = download.StagingPath(rec.SavePath)
	}

	if rec.Kind == "" {
		rec.Kind = download.KindHTTP
	}

	rec.Status = download.StatusRunning

	created, err := reg.Create(context.Background(), rec)
	require.NoError(t, err)

	return created
}

func servePayload(t *testing.T, payload []byte, ranges *[]string) *httptest.Server {
	t.Helper()

	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ranges != nil {
			mu.Lock()
			*ranges = append(*ranges, r.Header.Get("Range"))
			mu.Unlock()
		}

		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(payload))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestRunRangedCompletes(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 8<<10)
	srv := servePayload(t, payload, nil)

	reg := registry.New(nil)
	rec := running(t, reg, download.Record{URL: srv.URL + "/file.bin"})

	w := NewWorker(reg, httpsource.NewClient(), nil, nil, nil, testCfg)

	outcome := w.Run(context.Background(), rec.ID)
	assert.Equal(t, "completed", outcome)

	got, err := reg.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusCompleted, got.Status)
	assert.Equal(t, int64(len(payload)), got.DownloadedBytes)
	require.NotNil(t, got.TotalBytes)
	assert.Equal(t, int64(len(payload)), *got.TotalBytes)
	assert.Zero(t, got.SpeedBps)
	assert.True(t, got.ResumeSupported)

	data, err := os.ReadFile(got.SavePath)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.NoFileExists(t, got.TempPath)

	select {
	case finished := <-w.OnDownloadFinished:
		assert.Equal(t, rec.ID, finished.ID)
	default:
		t.Fatal("expected a finished event")
	}
}

func TestRunRangedProgressIsMonotonic(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 8<<10)
	srv := servePayload(t, payload, nil)

	reg := registry.New(nil)
	rec := running(t, reg, download.Record{URL: srv.URL + "/file.bin"})

	rateBps := int64(128 << 10)
	lim := limiter.New(limiter.Limits{DownloadBps: &rateBps}, nil)
	w := NewWorker(reg, httpsource.NewClient(), nil, lim, nil, testCfg)

	done := make(chan string, 1)

	go func() { done <- w.Run(context.Background(), rec.ID) }()

	var samples []download.Record

	for finished := false; !finished; {
		select {
		case outcome := <-done:
			assert.Equal(t, "completed", outcome)
			finished = true
		case <-time.After(2 * time.Millisecond):
		}

		got, err := reg.Get(rec.ID)
		require.NoError(t, err)
		samples = append(samples, got)
	}

	require.Greater(t, len(samples), 2)

	for i, s := range samples {
		if i > 0 {
			assert.GreaterOrEqual(t, s.DownloadedBytes, samples[i-1].DownloadedBytes, "sample %d", i)
		}

		if total, known := s.Total(); known && s.DownloadedBytes == total {
			assert.Equal(t, download.StatusCompleted, s.Status, "sample %d reports every byte", i)
		}
	}

	last := samples[len(samples)-1]
	assert.Equal(t, download.StatusCompleted, last.Status)
	assert.Equal(t, int64(len(payload)), last.DownloadedBytes)
}

func TestRunRangedResumesFromStagedData(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 5000)

	var ranges []string
	srv := servePayload(t, payload, &ranges)

	reg := registry.New(nil)
	rec := download.Record{URL: srv.URL, ResumeSupported: true, DownloadedBytes: 20_000}
	rec.SetTotal(int64(len(payload)))
	rec = running(t, reg, rec)

	// More bytes on disk than recorded: the extra tail is discarded.
	require.NoError(t, os.WriteFile(rec.TempPath, payload[:25_000], 0o644))

	w := NewWorker(reg, httpsource.NewClient(), nil, nil, nil, testCfg)
	assert.Equal(t, "completed", w.Run(context.Background(), rec.ID))

	assert.Equal(t, []string{"bytes=20000-"}, ranges)

	data, err := os.ReadFile(rec.SavePath)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestRunRangedRestartsWhenResumeUnsupported(t *testing.T) {
	payload := []byte("fresh content")

	var ranges []string
	srv := servePayload(t, payload, &ranges)

	reg := registry.New(nil)
	rec := running(t, reg, download.Record{URL: srv.URL, DownloadedBytes: 5})
	require.NoError(t, os.WriteFile(rec.TempPath, []byte("stale"), 0o644))

	w := NewWorker(reg, httpsource.NewClient(), nil, nil, nil, testCfg)
	assert.Equal(t, "completed", w.Run(context.Background(), rec.ID))

	assert.Equal(t, []string{""}, ranges)

	data, err := os.ReadFile(rec.SavePath)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestRunRangedResumeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("whole body, ranges ignored"))
	}))
	defer srv.Close()

	reg := registry.New(nil)
	rec := running(t, reg, download.Record{URL: srv.URL, ResumeSupported: true, DownloadedBytes: 4})
	require.NoError(t, os.WriteFile(rec.TempPath, []byte("whol"), 0o644))

	w := NewWorker(reg, httpsource.NewClient(), nil, nil, nil, testCfg)
	assert.Equal(t, "failed", w.Run(context.Background(), rec.ID))

	got, err := reg.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusFailed, got.Status)
	assert.False(t, got.ResumeSupported)
	assert.Contains(t, got.Error, "does not support resume")
	assert.FileExists(t, got.TempPath, "the worker never deletes staged data")

	select {
	case failed := <-w.OnDownloadFailed:
		assert.Equal(t, rec.ID, failed.ID)
	default:
		t.Fatal("expected a failed event")
	}
}

func TestRunRangedStreamEndedEarly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte("only a few bytes"))
	}))
	defer srv.Close()

	reg := registry.New(nil)
	rec := running(t, reg, download.Record{URL: srv.URL})

	w := NewWorker(reg, httpsource.NewClient(), nil, nil, nil, testCfg)
	assert.Equal(t, "failed", w.Run(context.Background(), rec.ID))

	got, err := reg.Get(rec.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "stream ended early")
	assert.NoFileExists(t, got.SavePath)
}

func TestRunRangedChunkedConnectionDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// No Content-Length, so the body is sent chunked and its length is unknown.
		_, _ = w.Write(bytes.Repeat([]byte("x"), 32<<10))
		w.(http.Flusher).Flush()

		conn, _, err := w.(http.Hijacker).Hijack()
		if !assert.NoError(t, err) {
			return
		}

		_ = conn.Close()
	}))
	defer srv.Close()

	reg := registry.New(nil)
	rec := running(t, reg, download.Record{URL: srv.URL})

	w := NewWorker(reg, httpsource.NewClient(), nil, nil, nil, testCfg)
	assert.Equal(t, "failed", w.Run(context.Background(), rec.ID))

	got, err := reg.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "connection lost")
	assert.Nil(t, got.TotalBytes)
	assert.NoFileExists(t, got.SavePath)

	select {
	case failed := <-w.OnDownloadFailed:
		assert.Equal(t, rec.ID, failed.ID)
	default:
		t.Fatal("expected a failed event")
	}

	select {
	case <-w.OnDownloadFinished:
		t.Fatal("a truncated download must not finish")
	default:
	}
}

func TestRunRangedHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	reg := registry.New(nil)
	rec := running(t, reg, download.Record{URL: srv.URL})

	w := NewWorker(reg, httpsource.NewClient(), nil, nil, nil, testCfg)
	assert.Equal(t, "failed", w.Run(context.Background(), rec.ID))

	got, err := reg.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Download failed: 404 Not Found", got.Error)
}

// pipeSource hands out a body that the test feeds by hand. The body fails with the context
// cause once the run is interrupted.
type pipeSource struct {
	pw *io.PipeWriter
}

func (p *pipeSource) Open(ctx context.Context, _ string, offset int64) (*transfer.Stream, error) {
	pr, pw := io.Pipe()
	p.pw = pw

	go func() {
		<-ctx.Done()
		pw.CloseWithError(context.Cause(ctx))
	}()

	return &transfer.Stream{Body: pr, Offset: offset, TotalBytes: 1 << 20, ResumeSupported: true}, nil
}

func TestRunRangedPause(t *testing.T) {
	reg := registry.New(nil)
	rec := running(t, reg, download.Record{URL: "http://example.invalid/file.bin"})

	opened := make(chan *pipeSource, 1)
	src := &pipeSource{}
	w := NewWorker(reg, openedSource{src, opened}, nil, nil, nil, testCfg)

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan string, 1)

	go func() { done <- w.Run(ctx, rec.ID) }()

	p := <-opened
	_, err := p.pw.Write(bytes.Repeat([]byte("x"), 100))
	require.NoError(t, err)

	_, err = reg.Update(context.Background(), rec.ID, func(r *download.Record) error {
		return r.Apply(download.TriggerPause)
	})
	require.NoError(t, err)

	cancel(ErrPaused)

	select {
	case outcome := <-done:
		assert.Equal(t, "paused", outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	got, err := reg.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusPaused, got.Status)
	assert.Equal(t, int64(100), got.DownloadedBytes)
	assert.Zero(t, got.SpeedBps)

	fi, err := os.Stat(got.TempPath)
	require.NoError(t, err)
	assert.Equal(t, int64(100), fi.Size())
}

type openedSource struct {
	src    *pipeSource
	opened chan *pipeSource
}

func (o openedSource) Open(ctx context.Context, rawURL string, offset int64) (*transfer.Stream, error) {
	stream, err := o.src.Open(ctx, rawURL, offset)
	o.opened <- o.src

	return stream, err
}

type fakeSessions struct {
	mu        sync.Mutex
	states    []transfer.SessionState
	payload   []byte
	opened    int
	discarded int
}

func (f *fakeSessions) Open(_ context.Context, rec download.Record) (transfer.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opened++

	return &fakeSession{parent: f, tempPath: rec.TempPath}, nil
}

func (f *fakeSessions) Discard(context.Context, download.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.discarded++

	return nil
}

type fakeSession struct {
	parent   *fakeSessions
	tempPath string
	polls    int
}

func (s *fakeSession) Poll(context.Context) (transfer.SessionState, error) {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()

	i := min(s.polls, len(s.parent.states)-1)
	s.polls++

	return s.parent.states[i], nil
}

func (s *fakeSession) Stage(context.Context) (string, error) {
	if err := os.MkdirAll(s.tempPath, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(s.tempPath, "payload.bin")

	return path, os.WriteFile(path, s.parent.payload, 0o644)
}

func (s *fakeSession) ResumeSupported() bool { return true }

func (s *fakeSession) Close() error { return nil }

func TestRunSessionCompletes(t *testing.T) {
	payload := []byte("torrent payload")
	sessions := &fakeSessions{
		payload: payload,
		states: []transfer.SessionState{
			{Name: "payload.bin", TotalBytes: transfer.UnknownSize, Phase: transfer.PhasePending},
			{Name: "payload.bin", TotalBytes: 15, CompletedBytes: 5, Phase: transfer.PhaseDownloading},
			{Name: "payload.bin", TotalBytes: 15, CompletedBytes: 15, Phase: transfer.PhaseDone},
		},
	}

	reg := registry.New(nil)
	rec := running(t, reg, download.Record{Kind: download.KindMagnet, URL: "magnet:?xt=urn:btih:abc"})

	w := NewWorker(reg, nil, sessions, nil, nil, testCfg)
	assert.Equal(t, "completed", w.Run(context.Background(), rec.ID))

	got, err := reg.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusCompleted, got.Status)
	assert.Equal(t, int64(15), got.DownloadedBytes)
	assert.True(t, got.ResumeSupported)

	data, err := os.ReadFile(got.SavePath)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.NoDirExists(t, got.TempPath)
}

func TestRunSessionFailureKeepsHighWaterMark(t *testing.T) {
	sessions := &fakeSessions{
		states: []transfer.SessionState{
			{TotalBytes: 100, CompletedBytes: 50, Phase: transfer.PhaseDownloading},
			{TotalBytes: 100, CompletedBytes: 20, Phase: transfer.PhaseDownloading},
			{TotalBytes: 100, CompletedBytes: 10, Phase: transfer.PhaseFailed, Message: "tracker down"},
		},
	}

	reg := registry.New(nil)
	rec := running(t, reg, download.Record{Kind: download.KindTorrent, URL: "https://example.com/a.torrent"})

	w := NewWorker(reg, nil, sessions, nil, nil, testCfg)
	assert.Equal(t, "failed", w.Run(context.Background(), rec.ID))

	got, err := reg.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusFailed, got.Status)
	assert.Equal(t, "tracker down", got.Error)
	assert.Equal(t, int64(50), got.DownloadedBytes)
}

func TestRunSessionWithoutBackend(t *testing.T) {
	reg := registry.New(nil)
	rec := running(t, reg, download.Record{Kind: download.KindMagnet, URL: "magnet:?xt=urn:btih:abc"})

	w := NewWorker(reg, nil, nil, nil, nil, testCfg)
	assert.Equal(t, "failed", w.Run(context.Background(), rec.ID))

	got, err := reg.Get(rec.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "no session backend")
}

func TestResumeOffset(t *testing.T) {
	dir := t.TempDir()
	staged := filepath.Join(dir, "a.part")
	require.NoError(t, os.WriteFile(staged, make([]byte, 10), 0o644))

	tests := []struct {
		name string
		rec  download.Record
		want int64
	}{
		{name: "resume unsupported", rec: download.Record{TempPath: staged, DownloadedBytes: 5}, want: 0},
		{name: "recorded less than staged", rec: download.Record{TempPath: staged, DownloadedBytes: 5, ResumeSupported: true}, want: 5},
		{name: "staged less than recorded", rec: download.Record{TempPath: staged, DownloadedBytes: 50, ResumeSupported: true}, want: 10},
		{name: "nothing staged", rec: download.Record{TempPath: filepath.Join(dir, "missing"), DownloadedBytes: 50, ResumeSupported: true}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resumeOffset(tt.rec))
		})
	}
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, "paused", outcomeOf(ErrPaused))
	assert.Equal(t, "canceled", outcomeOf(ErrCanceled))
	assert.Equal(t, "shutdown", outcomeOf(ErrShutdown))
	assert.Equal(t, "interrupted", outcomeOf(context.Canceled))
}
