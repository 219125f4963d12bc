package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
)

type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

// ListDownloads returns every persisted record, oldest first.
func (r *DownloadRepository) ListDownloads(ctx context.Context) ([]download.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			id,
			url,
			kind,
			file_name,
			save_path,
			temp_path,
			status,
			total_bytes,
			downloaded_bytes,
			error,
			resume_supported,
			created_at,
			updated_at
		FROM downloads
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var downloads []download.Record

	for rows.Next() {
		var (
			rec       download.Record
			total     sql.NullInt64
			createdAt time.Time
			updatedAt time.Time
		)

		if err := rows.Scan(
			&rec.ID,
			&rec.URL,
			&rec.Kind,
			&rec.FileName,
			&rec.SavePath,
			&rec.TempPath,
			&rec.Status,
			&total,
			&rec.DownloadedBytes,
			&rec.Error,
			&rec.ResumeSupported,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}

		if total.Valid {
			rec.SetTotal(total.Int64)
		}

		rec.CreatedAt = createdAt.UTC()
		rec.UpdatedAt = updatedAt.UTC()

		downloads = append(downloads, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate downloads: %w", err)
	}

	return downloads, nil
}

// SaveDownload upserts the whole record in a single statement. Speed is not persisted.
func (r *DownloadRepository) SaveDownload(ctx context.Context, rec download.Record) error {
	var total sql.NullInt64
	if v, ok := rec.Total(); ok {
		total = sql.NullInt64{Int64: v, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (
			id, url, kind, file_name, save_path, temp_path, status,
			total_bytes, downloaded_bytes, error, resume_supported, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			kind = excluded.kind,
			file_name = excluded.file_name,
			save_path = excluded.save_path,
			temp_path = excluded.temp_path,
			status = excluded.status,
			total_bytes = excluded.total_bytes,
			downloaded_bytes = excluded.downloaded_bytes,
			error = excluded.error,
			resume_supported = excluded.resume_supported,
			updated_at = excluded.updated_at
	`,
		rec.ID, rec.URL, string(rec.Kind), rec.FileName, rec.SavePath, rec.TempPath, string(rec.Status),
		total, rec.DownloadedBytes, rec.Error, rec.ResumeSupported, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save download %s: %w", rec.ID, err)
	}

	return nil
}

// DeleteDownload removes a record. Deleting an unknown id is not an error.
func (r *DownloadRepository) DeleteDownload(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete download %s: %w", id, err)
	}

	return nil
}
