package engine

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
	"github.com/anacrolix/torrent/metainfo"
)

const externalFileName = "External Transfer"

// source is a validated start request.
type source struct {
	url  string
	kind download.Kind
	name string // best guess at a file name, already sanitized
}

func parseSource(rawURL, kind, fileName string) (source, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return source{}, &download.InputError{Field: "url", Reason: "must not be empty"}
	}

	k, err := download.ParseKind(kind, rawURL)
	if err != nil {
		return source{}, err
	}

	src := source{url: rawURL, kind: k}

	switch k {
	case download.KindHTTP:
		if err := checkHTTPURL(rawURL); err != nil {
			return source{}, err
		}

		src.name = download.FileNameFromURL(rawURL)
	case download.KindMagnet:
		m, err := metainfo.ParseMagnetUri(rawURL)
		if err != nil {
			return source{}, &download.InputError{Field: "url", Reason: "not a valid magnet link"}
		}

		src.name = download.SanitizeFileName(m.DisplayName)
		if m.DisplayName == "" {
			src.name = download.SanitizeFileName(m.InfoHash.HexString())
		}
	case download.KindTorrent:
		if err := checkTorrentRef(rawURL); err != nil {
			return source{}, err
		}

		base := download.FileNameFromURL(rawURL)
		src.name = download.SanitizeFileName(strings.TrimSuffix(base, filepath.Ext(base)))
	}

	if name := strings.TrimSpace(fileName); name != "" {
		src.name = download.SanitizeFileName(name)
	}

	return src, nil
}

func checkHTTPURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &download.InputError{Field: "url", Reason: "Invalid URL"}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return &download.InputError{Field: "url", Reason: "Only http and https URLs are supported."}
	}

	if u.Host == "" {
		return &download.InputError{Field: "url", Reason: "missing host"}
	}

	return nil
}

// checkTorrentRef accepts an http(s) URL or an existing local .torrent file.
func checkTorrentRef(ref string) error {
	if u, err := url.Parse(ref); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return checkHTTPURL(ref)
	}

	if !strings.EqualFold(filepath.Ext(ref), ".torrent") {
		return &download.InputError{Field: "url", Reason: "torrent sources must be http(s) URLs or .torrent files"}
	}

	fi, err := os.Stat(ref)
	if err != nil || fi.IsDir() {
		return &download.InputError{Field: "url", Reason: "torrent file not found"}
	}

	return nil
}
