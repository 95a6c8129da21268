// Package files stores uploaded source documents. Two backends share one
// interface: a local directory for development and a GCS bucket for
// deployments. The storage path returned by Save is what template_files
// records and what workers hand back to Open.
package files

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/isoforge/isoforge-backend/internal/platform/envutil"
	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
)

// MaxDocumentBytes caps uploads and parse inputs at 50 MB.
const MaxDocumentBytes int64 = 50 * 1024 * 1024

// Document is an opened upload. The random-access reader feeds the zip
// decoder, which needs to seek the central directory.
type Document interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// Store persists and reopens uploaded documents.
type Store interface {
	Save(ctx context.Context, originalName string, r io.Reader) (path string, size int64, err error)
	Open(ctx context.Context, path string) (Document, error)
}

// AllowedExtension reports whether a filename carries a Word extension.
func AllowedExtension(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".docx", ".doc":
		return true
	default:
		return false
	}
}

// ContentType returns the MIME type recorded for an upload.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".doc":
		return "application/msword"
	default:
		return "application/octet-stream"
	}
}

// storageKey builds a collision-free object name that keeps the original
// extension so downstream format checks still work.
func storageKey(originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	return uuid.NewString() + ext
}

// NewStoreFromEnv picks the backend from DOC_STORAGE_MODE.
func NewStoreFromEnv(ctx context.Context, baseLog *logger.Logger) (Store, error) {
	mode := strings.ToLower(envutil.String("DOC_STORAGE_MODE", "local"))
	switch mode {
	case "", "local":
		return NewLocalStore(baseLog, envutil.String("UPLOAD_PATH", "/app/uploads"))
	case "gcs":
		bucket := envutil.String("GCS_BUCKET_NAME", "")
		if bucket == "" {
			return nil, taskerr.New(taskerr.ConfigurationError, "DOC_STORAGE_MODE=gcs requires GCS_BUCKET_NAME")
		}
		return NewGCSStore(ctx, baseLog, bucket)
	default:
		return nil, taskerr.Newf(taskerr.ConfigurationError, "unknown DOC_STORAGE_MODE %q", mode)
	}
}

type localStore struct {
	log  *logger.Logger
	base string
}

// NewLocalStore keeps uploads under base, creating it if needed.
func NewLocalStore(baseLog *logger.Logger, base string) (Store, error) {
	if base == "" {
		return nil, taskerr.New(taskerr.ConfigurationError, "upload path is empty")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", base, err)
	}
	return &localStore{
		log:  baseLog.With("service", "FileStore", "mode", "local"),
		base: base,
	}, nil
}

func (s *localStore) Save(ctx context.Context, originalName string, r io.Reader) (string, int64, error) {
	key := storageKey(originalName)
	full := filepath.Join(s.base, key)
	f, err := os.Create(full)
	if err != nil {
		return "", 0, fmt.Errorf("create %s: %w", full, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(full)
		return "", 0, fmt.Errorf("write %s: %w", full, err)
	}
	s.log.Info("Stored upload", "path", full, "size_bytes", n, "original_name", originalName)
	return full, n, nil
}

func (s *localStore) Open(ctx context.Context, path string) (Document, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.base, path)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, taskerr.Newf(taskerr.FileNotFound, "Document not found at %s", path)
		}
		return nil, taskerr.Wrap(taskerr.FileUnreadable, "Cannot read file: "+path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, taskerr.Wrap(taskerr.FileUnreadable, "Cannot access file: "+path, err)
	}
	return &localDocument{File: f, size: info.Size()}, nil
}

type localDocument struct {
	*os.File
	size int64
}

func (d *localDocument) Size() int64 { return d.size }
