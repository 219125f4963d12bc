// Package httpsource serves http and https downloads as ranged byte streams.
package httpsource

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"github.com/Wajid2001/Free-Download-Manager/internal/logctx"
	"github.com/Wajid2001/Free-Download-Manager/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Client struct {
	httpClient *http.Client
	userAgent  string
}

type Option func(*Client)

// WithHTTPClient replaces the underlying client. Its transport is still wrapped with tracing.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithUserAgent(ua string) Option {
	return func(cl *Client) {
		cl.userAgent = ua
	}
}

// WithResponseHeaderTimeout bounds how long a server may take to start answering. The body itself
// has no deadline; large files legitimately take hours.
func WithResponseHeaderTimeout(d time.Duration) Option {
	return func(cl *Client) {
		tr, ok := http.DefaultTransport.(*http.Transport)
		if !ok {
			return
		}

		tr = tr.Clone()
		tr.ResponseHeaderTimeout = d
		cl.httpClient = &http.Client{Transport: tr}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		userAgent:  "FreeDownloadManager/1.0",
	}

	for _, opt := range opts {
		opt(c)
	}

	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	c.httpClient = &http.Client{
		Transport:     otelhttp.NewTransport(base),
		CheckRedirect: c.httpClient.CheckRedirect,
		Jar:           c.httpClient.Jar,
		Timeout:       c.httpClient.Timeout,
	}

	return c
}

// Open issues a GET for rawURL, asking for bytes from offset onward when offset is positive.
func (c *Client) Open(ctx context.Context, rawURL string, offset int64) (*transfer.Stream, error) {
	logger := logctx.LoggerFromContext(ctx).With("url", rawURL, "offset", offset)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &download.SourceError{Operation: "open", Message: err.Error(), Err: err}
	}

	req.Header.Set("User-Agent", c.userAgent)

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}

		return nil, &download.SourceError{Operation: "open", Message: err.Error(), Err: err}
	}

	partial := resp.StatusCode == http.StatusPartialContent

	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()

		return nil, &download.SourceError{
			Operation:  "open",
			StatusCode: resp.StatusCode,
			Message:    "Range not satisfiable. Restart the download.",
			Err:        transfer.ErrResumeRejected,
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()

		return nil, &download.SourceError{
			Operation:  "open",
			StatusCode: resp.StatusCode,
			Message:    "Download failed: " + resp.Status,
		}
	case offset > 0 && !partial:
		resp.Body.Close()

		return nil, &download.SourceError{
			Operation:  "open",
			StatusCode: resp.StatusCode,
			Message:    "Server does not support resume. Restart the download.",
			Err:        transfer.ErrResumeRejected,
		}
	}

	start := int64(0)
	if partial {
		start = offset

		if first, _, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && first != offset {
			resp.Body.Close()

			return nil, &download.SourceError{
				Operation:  "open",
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("Server resumed at byte %d instead of %d. Restart the download.", first, offset),
				Err:        transfer.ErrResumeRejected,
			}
		}
	}

	stream := &transfer.Stream{
		Body:            resp.Body,
		Offset:          start,
		TotalBytes:      totalSize(resp, offset),
		ResumeSupported: partial || acceptsRanges(resp.Header),
	}

	logger.DebugContext(ctx, "stream opened",
		"status", resp.StatusCode,
		"total_bytes", stream.TotalBytes,
		"resume_supported", stream.ResumeSupported,
	)

	return stream, nil
}

func acceptsRanges(h http.Header) bool {
	for _, v := range h.Values("Accept-Ranges") {
		for _, unit := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(unit), "bytes") {
				return true
			}
		}
	}

	return false
}

// totalSize prefers the complete length from Content-Range and falls back to Content-Length plus
// the offset already on disk.
func totalSize(resp *http.Response, offset int64) int64 {
	if _, total, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && total >= 0 {
		return total
	}

	if resp.ContentLength >= 0 {
		if resp.StatusCode == http.StatusPartialContent {
			return resp.ContentLength + offset
		}

		return resp.ContentLength
	}

	return transfer.UnknownSize
}

// parseContentRange parses "bytes 100-199/1000" into its first byte and complete length. A "*"
// length is reported as transfer.UnknownSize.
func parseContentRange(v string) (first, total int64, ok bool) {
	unit, spec, found := strings.Cut(strings.TrimSpace(v), " ")
	if !found || !strings.EqualFold(unit, "bytes") {
		return 0, 0, false
	}

	rng, length, found := strings.Cut(spec, "/")
	if !found {
		return 0, 0, false
	}

	firstStr, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}

	first, err := strconv.ParseInt(strings.TrimSpace(firstStr), 10, 64)
	if err != nil || first < 0 {
		return 0, 0, false
	}

	length = strings.TrimSpace(length)
	if length == "*" {
		return first, transfer.UnknownSize, true
	}

	total, err = strconv.ParseInt(length, 10, 64)
	if err != nil || total < 0 {
		return 0, 0, false
	}

	return first, total, true
}
