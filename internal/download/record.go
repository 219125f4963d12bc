package download

import (
	"fmt"
	"time"
)

// Record is the single source of truth for one transfer. Every view of a download is a copy of a
// Record taken from the registry.
type Record struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	Kind            Kind      `json:"kind"`
	FileName        string    `json:"fileName"`
	SavePath        string    `json:"savePath"`
	TempPath        string    `json:"tempPath"`
	Status          Status    `json:"status"`
	TotalBytes      *int64    `json:"totalBytes"`
	DownloadedBytes int64     `json:"downloadedBytes"`
	SpeedBps        int64     `json:"speedBps"`
	Error           string    `json:"error,omitempty"`
	ResumeSupported bool      `json:"resumeSupported"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Validate checks the record invariants that must hold after every mutation.
func (r *Record) Validate() error {
	if r.ID == "" {
		return &InputError{Field: "id", Reason: "must not be empty"}
	}

	if r.DownloadedBytes < 0 {
		return fmt.Errorf("record %s: downloaded bytes %d is negative", r.ID, r.DownloadedBytes)
	}

	if r.TotalBytes != nil && r.DownloadedBytes > *r.TotalBytes {
		return fmt.Errorf("record %s: downloaded bytes %d exceed total %d", r.ID, r.DownloadedBytes, *r.TotalBytes)
	}

	if r.Status == StatusFailed && r.Error == "" {
		return fmt.Errorf("record %s: failed without an error message", r.ID)
	}

	return nil
}

// Clone returns a deep copy so callers never share the TotalBytes pointer with the registry.
func (r Record) Clone() Record {
	if r.TotalBytes != nil {
		total := *r.TotalBytes
		r.TotalBytes = &total
	}

	return r
}

// SetTotal records a known total size. Negative values mean unknown.
func (r *Record) SetTotal(total int64) {
	if total < 0 {
		r.TotalBytes = nil

		return
	}

	r.TotalBytes = &total
}

// Total returns the total size and whether it is known.
func (r *Record) Total() (int64, bool) {
	if r.TotalBytes == nil {
		return 0, false
	}

	return *r.TotalBytes, true
}

// Staged reports whether the record owns staged data on disk.
func (r *Record) Staged() bool {
	return r.TempPath != ""
}
