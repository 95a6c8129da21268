package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/isoforge/isoforge-backend/internal/platform/logger"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
)

type gcsStore struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
}

// NewGCSStore opens a client against the named bucket. STORAGE_EMULATOR_HOST
// switches the client to a local fake without credentials.
func NewGCSStore(ctx context.Context, baseLog *logger.Logger, bucket string) (Store, error) {
	var opts []option.ClientOption
	if host := strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST")); host != "" {
		opts = append(opts, option.WithoutAuthentication())
	} else {
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	log := baseLog.With("service", "FileStore", "mode", "gcs")
	log.Info("Object storage initialized", "bucket", bucket)
	return &gcsStore{log: log, client: client, bucket: bucket}, nil
}

func (s *gcsStore) Save(ctx context.Context, originalName string, r io.Reader) (string, int64, error) {
	key := storageKey(originalName)
	wctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(wctx)
	w.ContentType = ContentType(originalName)
	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return "", 0, fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close GCS writer: %w", err)
	}
	s.log.Info("Stored upload", "key", key, "size_bytes", n, "original_name", originalName)
	return key, n, nil
}

// Open pulls the whole object into memory. Parse inputs are capped at 50 MB
// and the zip decoder needs random access, so buffering beats a range reader.
func (s *gcsStore) Open(ctx context.Context, path string) (Document, error) {
	rctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	r, err := s.client.Bucket(s.bucket).Object(path).NewReader(rctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, taskerr.Newf(taskerr.FileNotFound, "Document not found at %s", path)
		}
		return nil, taskerr.Wrap(taskerr.FileUnreadable, "Cannot read file: "+path, err)
	}
	defer r.Close()

	data, err := io.ReadAll(io.LimitReader(r, MaxDocumentBytes+1))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.FileUnreadable, "Cannot read file: "+path, err)
	}
	return &bufferedDocument{Reader: bytes.NewReader(data)}, nil
}

type bufferedDocument struct {
	*bytes.Reader
}

func (d *bufferedDocument) Size() int64 { return d.Reader.Size() }

func (d *bufferedDocument) Close() error { return nil }
