// Package putio hands magnet and .torrent downloads to a put.io account and fetches the result.
package putio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"github.com/Wajid2001/Free-Download-Manager/internal/downloader/progress"
	"github.com/Wajid2001/Free-Download-Manager/internal/limiter"
	"github.com/Wajid2001/Free-Download-Manager/internal/logctx"
	"github.com/Wajid2001/Free-Download-Manager/internal/transfer"
	"github.com/dustin/go-humanize"
	"github.com/putdotio/go-putio"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	maxTorrentSize = 10 * 1024 * 1024 // 10MB max torrent file size
	fetchChunkSize = 32 << 10
)

type Client struct {
	putioClient *putio.Client
	httpClient  *http.Client
	limiter     *limiter.Limiter
	folder      string

	mu        sync.Mutex
	folderID  int64
	transfers map[string]int64 // record id -> put.io transfer id
}

type Option func(*Client)

// WithLimiter routes the final file fetch through the shared download budget.
func WithLimiter(l *limiter.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithFolder saves transfers into the named put.io folder instead of the account root.
func WithFolder(name string) Option {
	return func(c *Client) {
		c.folder = name
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func NewClient(token string, opts ...Option) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)
	oauthClient.Transport = otelhttp.NewTransport(oauthClient.Transport)

	return newClient(putio.NewClient(oauthClient), opts...)
}

func newClient(pc *putio.Client, opts ...Option) *Client {
	c := &Client{
		putioClient: pc,
		httpClient:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		transfers:   make(map[string]int64),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "authenticating with Put.io")

	user, err := c.putioClient.Account.Info(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get account info", "err", err)

		return classify("authenticate", err)
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", user.Username)

	return nil
}

// Open reattaches to a put.io transfer created for the same source, or creates one. Magnets and
// remote .torrent URLs are handed over by URL; local .torrent files are uploaded.
func (c *Client) Open(ctx context.Context, rec download.Record) (transfer.Session, error) {
	logger := logctx.LoggerFromContext(ctx)

	if id, ok := c.knownTransfer(rec.ID); ok {
		return &session{client: c, transferID: id, tempPath: rec.TempPath}, nil
	}

	existing, err := c.putioClient.Transfers.List(ctx)
	if err != nil {
		return nil, classify("list_transfers", err)
	}

	for _, t := range existing {
		if t.Source == rec.URL {
			logger.InfoContext(ctx, "reattached to existing put.io transfer", "transfer_id", t.ID, "status", t.Status)
			c.remember(rec.ID, t.ID)

			return &session{client: c, transferID: t.ID, tempPath: rec.TempPath}, nil
		}
	}

	dirID, err := c.resolveFolder(ctx)
	if err != nil {
		return nil, err
	}

	var t putio.Transfer

	if isRemote(rec.URL) {
		t, err = c.putioClient.Transfers.Add(ctx, rec.URL, dirID, "")
		if err != nil {
			return nil, classify("add_transfer", err)
		}
	} else {
		t, err = c.uploadTorrent(ctx, rec.URL, dirID)
		if err != nil {
			return nil, err
		}
	}

	logger.InfoContext(ctx, "transfer added to Put.io", "transfer_id", t.ID)
	c.remember(rec.ID, t.ID)

	return &session{client: c, transferID: t.ID, tempPath: rec.TempPath}, nil
}

// Discard cancels the remote transfer and removes anything fetched locally.
func (c *Client) Discard(ctx context.Context, rec download.Record) error {
	c.mu.Lock()
	id, ok := c.transfers[rec.ID]
	delete(c.transfers, rec.ID)
	c.mu.Unlock()

	if !ok {
		transfers, err := c.putioClient.Transfers.List(ctx)
		if err != nil {
			return classify("list_transfers", err)
		}

		for _, t := range transfers {
			if t.Source == rec.URL {
				id, ok = t.ID, true

				break
			}
		}
	}

	if ok {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "cancelling put.io transfer", "transfer_id", id)

		if err := c.putioClient.Transfers.Cancel(ctx, id); err != nil {
			return classify("cancel_transfer", err)
		}
	}

	if rec.TempPath != "" {
		if err := os.RemoveAll(rec.TempPath); err != nil {
			return &download.StorageError{Op: "remove_staging", Path: rec.TempPath, Err: err}
		}
	}

	return nil
}

func (c *Client) knownTransfer(recordID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.transfers[recordID]

	return id, ok
}

func (c *Client) remember(recordID string, transferID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transfers[recordID] = transferID
}

func (c *Client) uploadTorrent(ctx context.Context, path string, dirID int64) (putio.Transfer, error) {
	filename := filepath.Base(path)

	if err := validateTorrentFilename(filename); err != nil {
		return putio.Transfer{}, err
	}

	torrentBytes, err := os.ReadFile(path)
	if err != nil {
		return putio.Transfer{}, &transfer.InvalidContentError{Source: path, Reason: "cannot read file", Err: err}
	}

	if len(torrentBytes) > maxTorrentSize {
		return putio.Transfer{}, &transfer.InvalidContentError{
			Source: filename,
			Reason: fmt.Sprintf("file size %d bytes exceeds maximum %d bytes", len(torrentBytes), maxTorrentSize),
		}
	}

	upload, err := c.putioClient.Files.Upload(ctx, bytes.NewReader(torrentBytes), filename, dirID)
	if err != nil {
		return putio.Transfer{}, classify("upload_torrent", err)
	}

	// Put.io automatically creates transfer for .torrent files
	if upload.Transfer == nil {
		return putio.Transfer{}, &transfer.InvalidContentError{
			Source: filename,
			Reason: "Put.io did not create transfer (file may not be valid torrent)",
		}
	}

	return *upload.Transfer, nil
}

func (c *Client) resolveFolder(ctx context.Context) (int64, error) {
	if c.folder == "" {
		return 0, nil
	}

	c.mu.Lock()
	if c.folderID != 0 {
		id := c.folderID
		c.mu.Unlock()

		return id, nil
	}
	c.mu.Unlock()

	search, err := c.putioClient.Files.Search(ctx, c.folder, 1)
	if err != nil {
		return 0, classify("find_folder", err)
	}

	if len(search.Files) == 0 || !search.Files[0].IsDir() {
		return 0, &download.SourceError{Operation: "find_folder", Message: "put.io folder not found: " + c.folder}
	}

	c.mu.Lock()
	c.folderID = search.Files[0].ID
	c.mu.Unlock()

	return search.Files[0].ID, nil
}

// validateTorrentFilename validates that the filename has a .torrent extension.
func validateTorrentFilename(filename string) error {
	ext := filepath.Ext(filename)
	if !strings.EqualFold(ext, ".torrent") {
		return &transfer.InvalidContentError{
			Source: filename,
			Reason: "file extension must be .torrent (Put.io requires extension for transfer detection)",
		}
	}

	return nil
}

func isRemote(src string) bool {
	lower := strings.ToLower(src)

	return strings.HasPrefix(lower, "magnet:") || strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// classify maps go-putio errors onto the download error taxonomy.
func classify(op string, err error) error {
	if cause := ctxCause(err); cause != nil {
		return cause
	}

	var apiErr *putio.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		status := apiErr.Response.StatusCode
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return &transfer.AuthenticationError{Operation: op, Err: err}
		}

		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Response.Status
		}

		return &download.SourceError{Operation: op, StatusCode: status, Message: msg, Err: err}
	}

	return &download.SourceError{Operation: op, Message: err.Error(), Err: err}
}

func ctxCause(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return nil
}

type session struct {
	client     *Client
	transferID int64
	tempPath   string
}

func (s *session) Poll(ctx context.Context) (transfer.SessionState, error) {
	t, err := s.client.putioClient.Transfers.Get(ctx, s.transferID)
	if err != nil {
		return transfer.SessionState{}, classify("get_transfer", err)
	}

	return stateOf(t), nil
}

func stateOf(t putio.Transfer) transfer.SessionState {
	state := transfer.SessionState{
		Name:           t.Name,
		TotalBytes:     transfer.UnknownSize,
		CompletedBytes: max(t.Downloaded, 0),
		Phase:          transfer.PhaseDownloading,
	}

	if t.Size > 0 {
		state.TotalBytes = int64(t.Size)
		state.CompletedBytes = min(state.CompletedBytes, state.TotalBytes)
	}

	switch strings.ToUpper(t.Status) {
	case "COMPLETED", "SEEDING", "SEEDINGWAIT", "FINISHED":
		state.Phase = transfer.PhaseDone
		if state.TotalBytes >= 0 {
			state.CompletedBytes = state.TotalBytes
		}
	case "ERROR":
		state.Phase = transfer.PhaseFailed
		state.Message = t.ErrorMessage

		if state.Message == "" {
			state.Message = "put.io transfer failed"
		}
	case "IN_QUEUE", "WAITING", "PREPARING_DOWNLOAD":
		state.Phase = transfer.PhasePending
	}

	return state
}

// Stage fetches the transfer's single resulting file into the staging directory.
func (s *session) Stage(ctx context.Context) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", s.transferID)

	t, err := s.client.putioClient.Transfers.Get(ctx, s.transferID)
	if err != nil {
		return "", classify("get_transfer", err)
	}

	if t.FileID == 0 {
		return "", &download.SourceError{Operation: "stage", Message: "put.io transfer has no file yet"}
	}

	file, err := s.client.putioClient.Files.Get(ctx, t.FileID)
	if err != nil {
		return "", classify("get_file", err)
	}

	if file.IsDir() {
		return "", &download.SourceError{Operation: "stage", Message: "put.io transfer produced a folder; only single-file transfers can be fetched"}
	}

	url, err := s.client.putioClient.Files.URL(ctx, file.ID, false)
	if err != nil {
		return "", classify("file_url", err)
	}

	if err := os.MkdirAll(s.tempPath, 0o755); err != nil {
		return "", &download.StorageError{Op: "create_dir", Path: s.tempPath, Err: err}
	}

	dst := filepath.Join(s.tempPath, download.SanitizeFileName(file.Name))

	logger.InfoContext(ctx, "fetching put.io file", "file_id", file.ID, "size", humanize.IBytes(uint64(max(file.Size, 0))))

	if err := s.client.fetch(ctx, url, dst, file.Size); err != nil {
		return "", err
	}

	return dst, nil
}

func (s *session) ResumeSupported() bool {
	return true
}

func (s *session) Close() error {
	return nil
}

func (c *Client) fetch(ctx context.Context, url, dst string, size int64) error {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &download.SourceError{Operation: "fetch_file", Message: err.Error(), Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}

		return &download.SourceError{Operation: "fetch_file", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &download.SourceError{Operation: "fetch_file", StatusCode: resp.StatusCode, Message: "Download failed: " + resp.Status}
	}

	out, err := os.Create(dst)
	if err != nil {
		return &download.StorageError{Op: "create", Path: dst, Err: err}
	}

	body := progress.NewReader(resp.Body, size, 5*time.Second, func(written, total int64) {
		logger.DebugContext(ctx, "put.io fetch progress",
			"written", humanize.IBytes(uint64(written)),
			"total", humanize.IBytes(uint64(max(total, 0))),
		)
	})

	written, err := c.copyLimited(ctx, out, body)
	if err != nil {
		out.Close()

		return err
	}

	if size > 0 && written != size {
		out.Close()

		return &download.SourceError{
			Operation: "fetch_file",
			Message:   fmt.Sprintf("stream ended early: got %d of %d bytes", written, size),
		}
	}

	if err := out.Sync(); err != nil {
		out.Close()

		return &download.StorageError{Op: "fsync", Path: dst, Err: err}
	}

	if err := out.Close(); err != nil {
		return &download.StorageError{Op: "close", Path: dst, Err: err}
	}

	return nil
}

func (c *Client) copyLimited(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, fetchChunkSize)

	var written int64

	for {
		chunk := len(buf)
		if c.limiter != nil {
			chunk = c.limiter.ChunkSize(limiter.Download, chunk)

			if err := c.limiter.Acquire(ctx, limiter.Download, chunk); err != nil {
				return written, err
			}
		}

		n, err := transfer.ReadChunk(src, buf[:chunk])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, &download.StorageError{Op: "write", Err: werr}
			}

			written += int64(n)
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return written, nil
		default:
			if cause := context.Cause(ctx); cause != nil {
				return written, cause
			}

			return written, &download.SourceError{Operation: "fetch_file", Message: "connection lost: " + err.Error(), Err: err}
		}
	}
}
