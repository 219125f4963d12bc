package sqlite

import (
	"context"
	"database/sql"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"github.com/Wajid2001/Free-Download-Manager/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// ListDownloads retrieves all downloads with telemetry.
func (r *InstrumentedDownloadRepository) ListDownloads(ctx context.Context) ([]download.Record, error) {
	var result []download.Record

	err := r.telemetry.InstrumentDBOperation(ctx, "list_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListDownloads(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// SaveDownload upserts a download with telemetry.
func (r *InstrumentedDownloadRepository) SaveDownload(ctx context.Context, rec download.Record) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_download", func(ctx context.Context) error {
		return r.repo.SaveDownload(ctx, rec)
	})
}

// DeleteDownload removes a download with telemetry.
func (r *InstrumentedDownloadRepository) DeleteDownload(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		return r.repo.DeleteDownload(ctx, id)
	})
}
