package download

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	defaultFileName = "download"
	stagingSuffix   = ".part"
	maxNameAttempts = 9999
)

var invalidNameChars = strings.NewReplacer(
	`\`, "-", "/", "-", ":", "-", "*", "-", "?", "-", `"`, "-", "<", "-", ">", "-", "|", "-",
)

// SanitizeFileName turns an arbitrary string into a single safe path element.
func SanitizeFileName(name string) string {
	cleaned := invalidNameChars.Replace(strings.TrimSpace(name))
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return defaultFileName
	}

	return cleaned
}

// FileNameFromURL derives a file name from the last path segment of rawURL.
func FileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultFileName
	}

	segment := path.Base(u.Path)
	if segment == "/" || segment == "." || segment == "" {
		return defaultFileName
	}

	return SanitizeFileName(segment)
}

// StagingPath returns where data lives until the transfer completes.
func StagingPath(savePath string) string {
	return savePath + stagingSuffix
}

// IsStagingPath reports whether p looks like a staging entry.
func IsStagingPath(p string) bool {
	return strings.HasSuffix(p, stagingSuffix)
}

// UniquePath picks a save path inside dir that is neither on disk nor claimed according to taken.
// Collisions get a " (n)" suffix before the extension.
func UniquePath(dir, name string, taken func(string) bool) (string, error) {
	candidate := filepath.Join(dir, name)
	if free(candidate, taken) {
		return candidate, nil
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	if stem == "" {
		stem = defaultFileName
	}

	for i := 1; i <= maxNameAttempts; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if free(candidate, taken) {
			return candidate, nil
		}
	}

	return "", &StorageError{Op: "pick_name", Path: filepath.Join(dir, name), Err: errors.New("no free file name")}
}

func free(candidate string, taken func(string) bool) bool {
	if taken != nil && taken(candidate) {
		return false
	}

	for _, p := range []string{candidate, StagingPath(candidate)} {
		if _, err := os.Lstat(p); !errors.Is(err, os.ErrNotExist) {
			return false
		}
	}

	return true
}
