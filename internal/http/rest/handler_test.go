package rest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"github.com/Wajid2001/Free-Download-Manager/internal/engine"
	"github.com/Wajid2001/Free-Download-Manager/internal/limiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCommands records the last call and returns canned results.
type fakeCommands struct {
	records  map[string]download.Record
	started  engine.StartRequest
	err      error
	limits   limiter.Limits
	max      int
	lastCall string
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{
		records: map[string]download.Record{
			"abc": {ID: "abc", URL: "https://example.com/a.iso", Kind: download.KindHTTP, Status: download.StatusRunning},
		},
		max: 3,
	}
}

func (f *fakeCommands) List() []download.Record {
	out := make([]download.Record, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}

	return out
}

func (f *fakeCommands) Get(id string) (download.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return download.Record{}, download.ErrNotFound
	}

	return rec, nil
}

func (f *fakeCommands) Start(_ context.Context, req engine.StartRequest) (download.Record, error) {
	f.started = req
	if f.err != nil {
		return download.Record{}, f.err
	}

	return download.Record{ID: "new", URL: req.URL, Status: download.StatusQueued}, nil
}

func (f *fakeCommands) lifecycle(call, id string) (download.Record, error) {
	f.lastCall = call
	if f.err != nil {
		return download.Record{}, f.err
	}

	return f.Get(id)
}

func (f *fakeCommands) Pause(_ context.Context, id string) (download.Record, error) {
	return f.lifecycle("pause", id)
}

func (f *fakeCommands) Resume(_ context.Context, id string) (download.Record, error) {
	return f.lifecycle("resume", id)
}

func (f *fakeCommands) Cancel(_ context.Context, id string) (download.Record, error) {
	return f.lifecycle("cancel", id)
}

func (f *fakeCommands) Restart(_ context.Context, id string) (download.Record, error) {
	return f.lifecycle("restart", id)
}

func (f *fakeCommands) Remove(_ context.Context, id string) error {
	_, err := f.lifecycle("remove", id)

	return err
}

func (f *fakeCommands) SetSpeedLimits(_ context.Context, limits limiter.Limits) (limiter.Limits, error) {
	normalized, err := limits.Normalize()
	if err != nil {
		return limiter.Limits{}, err
	}

	f.limits = normalized

	return normalized, nil
}

func (f *fakeCommands) SpeedLimits() limiter.Limits { return f.limits }

func (f *fakeCommands) SetMaxConcurrent(_ context.Context, n int) error {
	if n < 1 {
		return &download.InputError{Field: "maxConcurrent", Reason: "must be at least 1"}
	}

	f.max = n

	return nil
}

func (f *fakeCommands) MaxConcurrent() int { return f.max }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestListAndGet(t *testing.T) {
	h := NewDownloadsHandler("", "", newFakeCommands(), t.TempDir()).Routes()

	rec := do(t, h, http.MethodGet, "/downloads", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var list []download.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "abc", list[0].ID)

	rec = do(t, h, http.MethodGet, "/downloads/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"running"`)
	assert.Contains(t, rec.Body.String(), `"totalBytes":null`)

	rec = do(t, h, http.MethodGet, "/downloads/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"download not found"}`, rec.Body.String())
}

func TestListEmptyIsArray(t *testing.T) {
	cmds := newFakeCommands()
	cmds.records = nil

	rec := do(t, NewDownloadsHandler("", "", cmds, t.TempDir()).Routes(), http.MethodGet, "/downloads", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestStart(t *testing.T) {
	cmds := newFakeCommands()
	h := NewDownloadsHandler("", "", cmds, t.TempDir()).Routes()

	rec := do(t, h, http.MethodPost, "/downloads", `{"url":"https://example.com/x.zip","fileName":"y.zip","kind":"http"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, engine.StartRequest{URL: "https://example.com/x.zip", FileName: "y.zip", Kind: "http"}, cmds.started)

	rec = do(t, h, http.MethodPost, "/downloads", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cmds.err = &download.InputError{Field: "url", Reason: "must not be empty"}
	rec = do(t, h, http.MethodPost, "/downloads", `{"url":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "must not be empty")
}

func TestStartWithMetaInfo(t *testing.T) {
	cmds := newFakeCommands()
	dir := t.TempDir()
	h := NewDownloadsHandler("", "", cmds, dir).Routes()

	raw := []byte("d4:infod4:name4:testee")
	body := `{"metainfo":"` + base64.StdEncoding.EncodeToString(raw) + `","url":"ignored"}`

	rec := do(t, h, http.MethodPost, "/downloads", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, string(download.KindTorrent), cmds.started.Kind)
	assert.True(t, strings.HasPrefix(cmds.started.URL, dir))
	assert.True(t, strings.HasSuffix(cmds.started.URL, ".torrent"))

	rec = do(t, h, http.MethodPost, "/downloads", `{"metainfo":"bm90IGJlbmNvZGU="}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid bencode structure")
}

func TestLifecycleCommands(t *testing.T) {
	cmds := newFakeCommands()
	h := NewDownloadsHandler("", "", cmds, t.TempDir()).Routes()

	for _, action := range []string{"pause", "resume", "cancel", "restart"} {
		t.Run(action, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/downloads/abc/"+action, "")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, action, cmds.lastCall)
		})
	}

	rec := do(t, h, http.MethodDelete, "/downloads/abc", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "remove", cmds.lastCall)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: download.ErrNotFound, want: http.StatusNotFound},
		{name: "illegal transition", err: &download.TransitionError{ID: "abc", From: download.StatusQueued, Trigger: download.TriggerPause}, want: http.StatusConflict},
		{name: "invalid input", err: &download.InputError{Field: "url", Reason: "bad"}, want: http.StatusBadRequest},
		{name: "storage", err: &download.StorageError{Op: "rename", Err: errors.New("disk full")}, want: http.StatusInternalServerError},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmds := newFakeCommands()
			cmds.err = tt.err
			h := NewDownloadsHandler("", "", cmds, t.TempDir()).Routes()

			rec := do(t, h, http.MethodPost, "/downloads/abc/pause", "")
			assert.Equal(t, tt.want, rec.Code)

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.err.Error(), body.Error)
		})
	}
}

func TestSpeedLimitsEndpoints(t *testing.T) {
	h := NewDownloadsHandler("", "", newFakeCommands(), t.TempDir()).Routes()

	rec := do(t, h, http.MethodPut, "/speed-limits", `{"downloadBps":1048576,"uploadBps":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"downloadBps":1048576,"uploadBps":null}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/speed-limits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"downloadBps":1048576,"uploadBps":null}`, rec.Body.String())

	rec = do(t, h, http.MethodPut, "/speed-limits", `{"downloadBps":-5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConcurrencyEndpoints(t *testing.T) {
	h := NewDownloadsHandler("", "", newFakeCommands(), t.TempDir()).Routes()

	rec := do(t, h, http.MethodGet, "/concurrency", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"maxConcurrent":3}`, rec.Body.String())

	rec = do(t, h, http.MethodPut, "/concurrency", `{"maxConcurrent":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"maxConcurrent":5}`, rec.Body.String())

	rec = do(t, h, http.MethodPut, "/concurrency", `{"maxConcurrent":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBasicAuth(t *testing.T) {
	h := NewDownloadsHandler("admin", "secret", newFakeCommands(), t.TempDir()).Routes()

	rec := do(t, h, http.MethodGet, "/downloads", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/downloads", nil)
	req.SetBasicAuth("admin", "wrong")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req.SetBasicAuth("admin", "secret")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
