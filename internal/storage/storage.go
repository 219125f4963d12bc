package storage

import (
	"context"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
)

// DownloadReadRepository loads persisted records.
type DownloadReadRepository interface {
	ListDownloads(ctx context.Context) ([]download.Record, error)
}

// DownloadWriteRepository persists records. SaveDownload is an upsert of the whole record.
type DownloadWriteRepository interface {
	SaveDownload(ctx context.Context, rec download.Record) error
	DeleteDownload(ctx context.Context, id string) error
}

// DownloadRepository is the durable side of the registry.
type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}

// Discard is a repository that keeps nothing. It is used when durability is disabled.
type Discard struct{}

func (Discard) ListDownloads(context.Context) ([]download.Record, error) { return nil, nil }

func (Discard) SaveDownload(context.Context, download.Record) error { return nil }

func (Discard) DeleteDownload(context.Context, string) error { return nil }
