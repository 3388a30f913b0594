// Package media keeps downloaded attachments on local disk and hands out
// references that the dashboard serves under a URL prefix.
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/sipeed/wabridge/pkg/logger"
)

type FileStore struct {
	dir       string
	urlPrefix string
}

func NewFileStore(dir, urlPrefix string) *FileStore {
	if urlPrefix == "" {
		urlPrefix = "/media/"
	}
	if !strings.HasSuffix(urlPrefix, "/") {
		urlPrefix += "/"
	}
	return &FileStore{dir: dir, urlPrefix: urlPrefix}
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) URLPrefix() string { return s.urlPrefix }

// Save writes data under a fresh random name with the given extension and
// returns its reference URI.
func (s *FileStore) Save(ctx context.Context, ext string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create media directory: %w", err)
	}

	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name := uuid.NewString() + strings.ToLower(ext)
	path := filepath.Join(s.dir, name)

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write media file: %w", err)
	}

	logger.DebugCF("media", "Media stored", map[string]interface{}{
		"path": path,
		"size": len(data),
	})
	return s.urlPrefix + name, nil
}

// Open resolves a reference produced by Save back to a local path.
func (s *FileStore) Open(ref string) (string, error) {
	name := strings.TrimPrefix(ref, s.urlPrefix)
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid media reference %q", ref)
	}
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// Remove deletes the file behind a reference. Unknown references are not an
// error.
func (s *FileStore) Remove(ref string) error {
	path, err := s.Open(ref)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// ExtensionFor picks a file extension from the mimetype, falling back to the
// original file name and then ".bin".
func ExtensionFor(mimetype, fileName string) string {
	mt := strings.ToLower(strings.TrimSpace(mimetype))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if ext, ok := mimeExtensions[mt]; ok {
		return ext
	}
	if ext := filepath.Ext(fileName); ext != "" {
		return strings.ToLower(ext)
	}
	return ".bin"
}

var mimeExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"video/3gpp":      ".3gp",
	"application/pdf": ".pdf",
}
