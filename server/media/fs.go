// Package media stores uploaded files on the local filesystem.
package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Allowed upload MIME types. Anything else is rejected before a byte is
// written.
var allowedTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"video/mp4":       true,
	"video/webm":      true,
	"video/ogg":       true,
	"application/pdf": true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       true,
	"text/plain": true,
}

// ErrType is returned for uploads outside the allowed MIME set.
var ErrType = errors.New("media: file type not allowed")

// ErrPath is returned when a stored object would escape the upload
// directory.
var ErrPath = errors.New("media: invalid file path")

const maxExtLen = 10

// FileStore writes uploads under a canonicalised root directory.
type FileStore struct {
	root string
}

// NewFileStore wraps an already-canonicalised root.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// TypeAllowed reports whether the MIME type may be stored.
func TypeAllowed(mimeType string) bool {
	// Strip any parameters, "text/plain; charset=utf-8" style.
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return allowedTypes[mimeType]
}

// SafeExt reduces a requested filename to a safe extension: alphanumerics
// only, at most 10 characters, defaulting to "bin".
func SafeExt(filename string) string {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	var b strings.Builder
	for _, c := range ext {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			b.WriteRune(c)
			if b.Len() == maxExtLen {
				break
			}
		}
	}
	if b.Len() == 0 {
		return "bin"
	}
	return b.String()
}

// Save streams the upload to disk under a generated name
// {ms-since-epoch}-{random-id}.{ext} and returns that name. The resolved
// path is verified to stay inside the root.
func (fs *FileStore) Save(originalName string, r io.Reader) (string, error) {
	name := fmt.Sprintf("%d-%s.%s",
		time.Now().UnixMilli(), uuid.New().String(), SafeExt(originalName))

	path := filepath.Join(fs.root, name)
	if !fs.Contains(path) {
		return "", ErrPath
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("media: create: %w", err)
	}
	defer f.Close()

	if _, err = io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("media: write: %w", err)
	}
	return name, nil
}

// Contains reports whether the cleaned path is a descendant of the root.
func (fs *FileStore) Contains(path string) bool {
	rel, err := filepath.Rel(fs.root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Root returns the canonical root directory.
func (fs *FileStore) Root() string {
	return fs.root
}
