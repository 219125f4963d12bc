package rest

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"github.com/Wajid2001/Free-Download-Manager/internal/logctx"
	"github.com/Wajid2001/Free-Download-Manager/internal/transfer"
	"github.com/zeebo/bencode"
)

const maxTorrentSize = 10 * 1024 * 1024 // 10MB

// validateBencodeStructure validates that data is proper bencode torrent structure.
func validateBencodeStructure(data []byte) error {
	var torrentData interface{}

	if err := bencode.DecodeBytes(data, &torrentData); err != nil {
		return &transfer.InvalidContentError{
			Source: "metainfo",
			Reason: fmt.Sprintf("invalid bencode structure: %v", err),
			Err:    err,
		}
	}

	dict, ok := torrentData.(map[string]interface{})
	if !ok {
		return &transfer.InvalidContentError{
			Source: "metainfo",
			Reason: "bencode root must be a dictionary",
		}
	}

	if _, hasInfo := dict["info"]; !hasInfo {
		return &transfer.InvalidContentError{
			Source: "metainfo",
			Reason: "bencode missing required 'info' dictionary",
		}
	}

	return nil
}

// generateTorrentFilename generates a stable .torrent filename from torrent content.
func generateTorrentFilename(torrentBytes []byte) string {
	hash := sha1.Sum(torrentBytes)
	hashStr := hex.EncodeToString(hash[:])

	return fmt.Sprintf("%s.torrent", hashStr[:16])
}

// storeMetaInfo decodes a base64 .torrent upload, validates it and writes it to dir. It returns
// the path of the stored file.
func storeMetaInfo(ctx context.Context, dir, encoded string) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	torrentBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		logger.WarnContext(ctx, "failed to decode base64 metainfo",
			"err", err,
			"metainfo_length", len(encoded),
		)

		return "", &transfer.InvalidContentError{
			Source: "metainfo",
			Reason: fmt.Sprintf("invalid base64 encoding: %v", err),
			Err:    err,
		}
	}

	// Size first, so garbage never reaches the decoder.
	if len(torrentBytes) > maxTorrentSize {
		return "", &transfer.InvalidContentError{
			Source: "metainfo",
			Reason: fmt.Sprintf("size %d bytes exceeds maximum %d bytes", len(torrentBytes), maxTorrentSize),
		}
	}

	if err := validateBencodeStructure(torrentBytes); err != nil {
		logger.WarnContext(ctx, "bencode validation failed", "err", err, "size_bytes", len(torrentBytes))

		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &download.StorageError{Op: "create_dir", Path: dir, Err: err}
	}

	path := filepath.Join(dir, generateTorrentFilename(torrentBytes))
	if err := os.WriteFile(path, torrentBytes, 0o644); err != nil {
		return "", &download.StorageError{Op: "write", Path: path, Err: err}
	}

	logger.DebugContext(ctx, "stored metainfo", "path", path, "size_bytes", len(torrentBytes))

	return path, nil
}
