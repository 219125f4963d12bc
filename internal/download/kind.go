package download

import "strings"

// Kind tells which family of transfer source serves a record.
type Kind string

const (
	KindHTTP    Kind = "http"
	KindMagnet  Kind = "magnet"
	KindTorrent Kind = "torrent"
)

// Session reports whether the kind is driven by an external session engine rather than byte ranges.
func (k Kind) Session() bool {
	return k == KindMagnet || k == KindTorrent
}

// InferKind guesses the kind from the URL shape.
func InferKind(rawURL string) Kind {
	u := strings.ToLower(strings.TrimSpace(rawURL))

	switch {
	case strings.HasPrefix(u, "magnet:"):
		return KindMagnet
	case strings.HasSuffix(u, ".torrent"):
		return KindTorrent
	default:
		return KindHTTP
	}
}

// ParseKind resolves an explicit kind, falling back to inference when kind is empty.
func ParseKind(kind, rawURL string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(kind))) {
	case "":
		return InferKind(rawURL), nil
	case KindHTTP:
		return KindHTTP, nil
	case KindMagnet:
		return KindMagnet, nil
	case KindTorrent:
		return KindTorrent, nil
	default:
		return "", &InputError{Field: "kind", Reason: "must be one of http, magnet or torrent"}
	}
}
