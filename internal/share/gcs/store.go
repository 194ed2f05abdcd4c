// Package gcs keeps receipts, the ledger and the processed state in Google
// Cloud Storage. Refs are gs:// URIs: a prefix for receipt folders and an
// object for text blobs.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/share"
)

const uploadTimeout = 2 * time.Minute

// Store implements share.Share and share.TextStore on a storage client.
// It assumes Application Default Credentials are configured.
type Store struct {
	client *storage.Client
}

var (
	_ share.Share     = (*Store)(nil)
	_ share.TextStore = (*Store)(nil)
)

// New creates a Store with a fresh storage client.
func New(ctx context.Context) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs.New: create storage client: %w", err)
	}
	return &Store{client: client}, nil
}

// Close releases the storage client.
func (s *Store) Close() error {
	return s.client.Close()
}

// List returns the objects directly under the ref prefix.
func (s *Store) List(ctx context.Context, ref share.Ref) ([]share.RemoteFile, error) {
	bucket, prefix, err := ParseURI(ref.ID)
	if err != nil {
		return nil, &share.TransportError{Op: "list", Ref: ref.ID, Err: err}
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var files []share.RemoteFile
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, &share.TransportError{Op: "list", Ref: ref.ID, Err: err}
		}
		// Synthetic prefix entries and folder placeholders.
		if attrs.Name == "" || strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		files = append(files, share.RemoteFile{
			Name:         strings.TrimPrefix(attrs.Name, prefix),
			Fingerprint:  attrs.Etag,
			LastModified: attrs.Updated,
			ContentType:  attrs.ContentType,
		})
	}

	log := logger.FromContext(ctx)
	log.Info().Str("share", ref.ID).Int("files", len(files)).Msg("Listed bucket prefix")
	return files, nil
}

// Fetch downloads one object under the ref prefix.
func (s *Store) Fetch(ctx context.Context, ref share.Ref, name string) ([]byte, error) {
	bucket, prefix, err := ParseURI(ref.ID)
	if err != nil {
		return nil, &share.TransportError{Op: "fetch", Ref: ref.ID, Err: err}
	}
	return s.read(ctx, "fetch", bucket, path.Join(prefix, name))
}

// ReadText reads the object named by ref.
func (s *Store) ReadText(ctx context.Context, ref share.Ref) (string, error) {
	bucket, object, err := ParseURI(ref.ID)
	if err != nil {
		return "", &share.TransportError{Op: "read", Ref: ref.ID, Err: err}
	}
	data, err := s.read(ctx, "read", bucket, object)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteText replaces the object named by ref.
func (s *Store) WriteText(ctx context.Context, ref share.Ref, text string) error {
	bucket, object, err := ParseURI(ref.ID)
	if err != nil {
		return &share.TransportError{Op: "write", Ref: ref.ID, Err: err}
	}
	return s.write(ctx, "write", bucket, object, "text/csv; charset=utf-8", strings.NewReader(text))
}

// Upload stores r as name under the ref prefix.
func (s *Store) Upload(ctx context.Context, ref share.Ref, name, contentType string, r io.Reader) error {
	bucket, prefix, err := ParseURI(ref.ID)
	if err != nil {
		return &share.TransportError{Op: "upload", Ref: ref.ID, Err: err}
	}
	return s.write(ctx, "upload", bucket, path.Join(prefix, name), contentType, r)
}

func (s *Store) read(ctx context.Context, op, bucket, object string) ([]byte, error) {
	uri := "gs://" + bucket + "/" + object
	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			err = fmt.Errorf("%w: %v", share.ErrNotFound, err)
		}
		return nil, &share.TransportError{Op: op, Ref: uri, Err: err}
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &share.TransportError{Op: op, Ref: uri, Err: err}
	}
	return data, nil
}

func (s *Store) write(ctx context.Context, op, bucket, object, contentType string, r io.Reader) error {
	uri := "gs://" + bucket + "/" + object

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return &share.TransportError{Op: op, Ref: uri, Err: err}
	}
	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return &share.TransportError{Op: op, Ref: uri, Err: err}
	}
	return nil
}

// ParseURI splits gs://bucket/path into bucket and path. The path may be empty.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no bucket): %s", uri)
	}
	if len(parts) == 1 {
		return parts[0], "", nil
	}
	return parts[0], parts[1], nil
}
