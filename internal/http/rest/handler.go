package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"github.com/Wajid2001/Free-Download-Manager/internal/engine"
	"github.com/Wajid2001/Free-Download-Manager/internal/limiter"
	"github.com/Wajid2001/Free-Download-Manager/internal/logctx"
	"github.com/Wajid2001/Free-Download-Manager/internal/transfer"
	"github.com/go-chi/chi/v5"
)

const maxBodySize = 16 << 20

// Commands is the engine surface exposed over HTTP.
type Commands interface {
	List() []download.Record
	Get(id string) (download.Record, error)
	Start(ctx context.Context, req engine.StartRequest) (download.Record, error)
	Pause(ctx context.Context, id string) (download.Record, error)
	Resume(ctx context.Context, id string) (download.Record, error)
	Cancel(ctx context.Context, id string) (download.Record, error)
	Restart(ctx context.Context, id string) (download.Record, error)
	Remove(ctx context.Context, id string) error
	SetSpeedLimits(ctx context.Context, limits limiter.Limits) (limiter.Limits, error)
	SpeedLimits() limiter.Limits
	SetMaxConcurrent(ctx context.Context, n int) error
	MaxConcurrent() int
}

// StartDownloadRequest is the body of POST /api/downloads. MetaInfo, when set, is a base64
// encoded .torrent file and takes precedence over URL.
type StartDownloadRequest struct {
	engine.StartRequest
	MetaInfo string `json:"metainfo,omitempty"`
}

type concurrency struct {
	MaxConcurrent int `json:"maxConcurrent"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type DownloadsHandler struct {
	username   string
	password   string
	commands   Commands
	torrentDir string
}

// NewDownloadsHandler creates the API handler. Uploaded .torrent files are kept in torrentDir.
// Basic auth is enforced when username is not empty.
func NewDownloadsHandler(username, password string, commands Commands, torrentDir string) *DownloadsHandler {
	return &DownloadsHandler{
		username:   username,
		password:   password,
		commands:   commands,
		torrentDir: torrentDir,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleStart)
		r.Get("/{id}", h.HandleGet)
		r.Delete("/{id}", h.HandleRemove)
		r.Post("/{id}/pause", h.command(h.commands.Pause))
		r.Post("/{id}/resume", h.command(h.commands.Resume))
		r.Post("/{id}/cancel", h.command(h.commands.Cancel))
		r.Post("/{id}/restart", h.command(h.commands.Restart))
	})

	r.Get("/speed-limits", h.HandleGetSpeedLimits)
	r.Put("/speed-limits", h.HandleSetSpeedLimits)
	r.Get("/concurrency", h.HandleGetConcurrency)
	r.Put("/concurrency", h.HandleSetConcurrency)

	return r
}

func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	recs := h.commands.List()
	if recs == nil {
		recs = []download.Record{}
	}

	writeJSON(w, r, http.StatusOK, recs)
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.commands.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, rec)
}

func (h *DownloadsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req StartDownloadRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)

		return
	}

	start := req.StartRequest

	if req.MetaInfo != "" {
		path, err := storeMetaInfo(r.Context(), h.torrentDir, req.MetaInfo)
		if err != nil {
			writeError(w, r, err)

			return
		}

		start.URL = path
		start.Kind = string(download.KindTorrent)
	}

	rec, err := h.commands.Start(r.Context(), start)
	if err != nil {
		writeError(w, r, err)

		return
	}

	logger.DebugContext(r.Context(), "download created", "download_id", rec.ID, "status", rec.Status)

	writeJSON(w, r, http.StatusCreated, rec)
}

func (h *DownloadsHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	if err := h.commands.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// command adapts a per-record lifecycle command to a handler.
func (h *DownloadsHandler) command(fn func(ctx context.Context, id string) (download.Record, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := fn(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)

			return
		}

		writeJSON(w, r, http.StatusOK, rec)
	}
}

func (h *DownloadsHandler) HandleGetSpeedLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.commands.SpeedLimits())
}

func (h *DownloadsHandler) HandleSetSpeedLimits(w http.ResponseWriter, r *http.Request) {
	var limits limiter.Limits
	if err := decode(r, &limits); err != nil {
		writeError(w, r, err)

		return
	}

	effective, err := h.commands.SetSpeedLimits(r.Context(), limits)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, effective)
}

func (h *DownloadsHandler) HandleGetConcurrency(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, concurrency{MaxConcurrent: h.commands.MaxConcurrent()})
}

func (h *DownloadsHandler) HandleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrency
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)

		return
	}

	if err := h.commands.SetMaxConcurrent(r.Context(), req.MaxConcurrent); err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, concurrency{MaxConcurrent: h.commands.MaxConcurrent()})
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="fdm"`)
			writeJSON(w, r, http.StatusUnauthorized, errorResponse{Error: "invalid authorization format"})

			return
		}

		if username != h.username || password != h.password {
			writeJSON(w, r, http.StatusUnauthorized, errorResponse{Error: "invalid username or password"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize)).Decode(v); err != nil {
		return &download.InputError{Field: "body", Reason: err.Error()}
	}

	return nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var invalidErr *transfer.InvalidContentError

	switch {
	case errors.Is(err, download.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, download.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, download.ErrInvalidInput), errors.As(err, &invalidErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "request failed", "err", err)
	}

	writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to encode response", "err", err)
	}
}
