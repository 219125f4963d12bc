package progress

import (
	"io"
	"time"
)

// Reader wraps an io.Reader and reports the cumulative byte count at most once per interval.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(written int64, total int64)

	totalRead  int64
	lastReport time.Time
	interval   time.Duration
}

func NewReader(r io.Reader, total int64, interval time.Duration, cb func(written int64, total int64)) *Reader {
	return &Reader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
		interval:   interval,
		lastReport: time.Now(),
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)

		if now := time.Now(); now.Sub(pr.lastReport) >= pr.interval || err == io.EOF {
			pr.OnProgress(pr.totalRead, pr.Total)
			pr.lastReport = now
		}
	}

	return n, err
}
