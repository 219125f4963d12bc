// Package transfer defines the two families of transfer sources a worker can drive: ranged byte
// streams and opaque sessions run by an external engine.
package transfer

import (
	"context"
	"io"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
)

const maxEmptyReads = 100

// UnknownSize marks a total that the source could not report.
const UnknownSize int64 = -1

// RangedSource opens a byte stream for a URL, starting at offset when offset is positive.
type RangedSource interface {
	Open(ctx context.Context, rawURL string, offset int64) (*Stream, error)
}

// Stream is an open ranged response. The caller owns Body and must close it.
type Stream struct {
	Body io.ReadCloser
	// Offset is the position in the resource of Body's first byte.
	Offset int64
	// TotalBytes is the size of the whole resource, not of the remaining range. UnknownSize when
	// the server reported neither Content-Range nor Content-Length.
	TotalBytes int64
	// ResumeSupported is true when the server advertised or honored byte ranges.
	ResumeSupported bool
}

// Phase is the coarse state of a session.
type Phase string

const (
	PhasePending     Phase = "pending"
	PhaseDownloading Phase = "downloading"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// SessionState is one observation of a session.
type SessionState struct {
	Name           string
	TotalBytes     int64 // UnknownSize until the engine learns it
	CompletedBytes int64
	Phase          Phase
	Message        string // set when Phase is PhaseFailed
}

// SessionSource starts or reattaches external sessions (torrent swarm, remote seedbox transfer).
type SessionSource interface {
	// Open starts a session for rec or reattaches to the one left by an earlier run. Data is
	// staged under rec.TempPath.
	Open(ctx context.Context, rec download.Record) (Session, error)
	// Discard drops the engine's session and any data it staged for rec.
	Discard(ctx context.Context, rec download.Record) error
}

// Session is a live handle on one external session. Close detaches from it without discarding data.
type Session interface {
	Poll(ctx context.Context) (SessionState, error)
	// Stage makes the finished payload available locally and returns its path.
	Stage(ctx context.Context) (string, error)
	// ResumeSupported reports whether partial data survives a detach and re-open.
	ResumeSupported() bool
	Close() error
}

// ReadChunk fills buf from r. A nil error means buf is full. io.EOF means r ended cleanly, possibly
// with n > 0. Any other error, including io.ErrUnexpectedEOF from a truncated response, is
// returned unchanged.
func ReadChunk(r io.Reader, buf []byte) (int, error) {
	n, empty := 0, 0

	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m

		if err != nil {
			return n, err
		}

		if m > 0 {
			empty = 0

			continue
		}

		if empty++; empty >= maxEmptyReads {
			return n, io.ErrNoProgress
		}
	}

	return n, nil
}
