// Package media stores the images and videos attached to posts.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/STRATINT/postlink/internal/config"
)

var (
	// ErrNotFound is returned when no object exists for a key.
	ErrNotFound = errors.New("media not found")
	// ErrInvalidKey is returned for keys that are empty or escape the store.
	ErrInvalidKey = errors.New("invalid media key")
)

// Object is a stored media file.
type Object struct {
	Data        []byte
	ContentType string
}

// Store reads and writes media by key.
type Store interface {
	Get(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, obj Object) error
}

// New builds the store selected by cfg.Driver.
func New(ctx context.Context, cfg config.MediaConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "s3":
		return NewS3Store(ctx, cfg, logger)
	case "fs", "":
		return NewFileStore(cfg.Root)
	default:
		return nil, fmt.Errorf("media: unsupported driver %q", cfg.Driver)
	}
}

// cleanKey normalizes key to a relative slash path and rejects traversal.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

// contentType picks a MIME type from the key extension, falling back to
// sniffing the data.
func contentType(key string, data []byte) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
