package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
)

// GCSStorage implements Storage using Google Cloud Storage
type GCSStorage struct {
	client     *storage.Client
	bucketName string
	baseDir    string
	log        logrus.FieldLogger
}

// NewGCSStorage creates a GCS storage instance.
// baseDir is the object prefix within the bucket (e.g., "recordings").
// Credentials come from the environment (GOOGLE_APPLICATION_CREDENTIALS).
func NewGCSStorage(ctx context.Context, projectID, bucketName, baseDir string, logger logrus.FieldLogger) (*GCSStorage, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	// Verify bucket exists
	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucketName, err)
	}

	s := &GCSStorage{
		client:     client,
		bucketName: bucketName,
		baseDir:    strings.Trim(baseDir, "/"),
		log: logger.WithFields(logrus.Fields{
			"component": "storage",
			"backend":   "gcs",
			"bucket":    bucketName,
		}),
	}
	s.log.WithField("project_id", projectID).Info("using GCS storage")
	return s, nil
}

func (s *GCSStorage) object(p string) (*storage.ObjectHandle, error) {
	cleaned, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(s.bucketName).Object(s.objectName(cleaned)), nil
}

func (s *GCSStorage) objectName(cleaned string) string {
	if s.baseDir == "" {
		return cleaned
	}
	return s.baseDir + "/" + cleaned
}

// Write uploads data as a single object
func (s *GCSStorage) Write(ctx context.Context, p string, data []byte) error {
	obj, err := s.object(p)
	if err != nil {
		return err
	}

	w := obj.NewWriter(ctx)
	w.ContentType = ContentType(p)
	w.CacheControl = CacheControl(p)

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

// Read reads data from GCS
func (s *GCSStorage) Read(ctx context.Context, p string) ([]byte, error) {
	obj, err := s.object(p)
	if err != nil {
		return nil, err
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("failed to read from GCS: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	return data, nil
}

// ReadSeeker downloads the object into memory. Segments are small enough
// for this; playlists are tiny.
func (s *GCSStorage) ReadSeeker(ctx context.Context, p string) (io.ReadSeeker, error) {
	data, err := s.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// Delete deletes an object from GCS
func (s *GCSStorage) Delete(ctx context.Context, p string) error {
	obj, err := s.object(p)
	if err != nil {
		return err
	}

	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// Exists checks if an object exists in GCS
func (s *GCSStorage) Exists(ctx context.Context, p string) (bool, error) {
	obj, err := s.object(p)
	if err != nil {
		return false, err
	}

	_, err = obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check GCS object: %w", err)
	}
	return true, nil
}

// List lists the objects directly below dir
func (s *GCSStorage) List(ctx context.Context, dir string) ([]string, error) {
	cleaned, err := cleanPath(dir)
	if err != nil {
		return nil, err
	}
	prefix := s.objectName(cleaned) + "/"

	it := s.client.Bucket(s.bucketName).Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})

	var files []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}
		// prefixes stand for sub-directories
		if attrs.Prefix != "" {
			continue
		}
		files = append(files, strings.TrimPrefix(attrs.Name, prefix))
	}
	return files, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

// SignedURL returns a time-limited public URL for a recording file
func (s *GCSStorage) SignedURL(p string, expiration time.Duration) (string, error) {
	cleaned, err := cleanPath(p)
	if err != nil {
		return "", err
	}

	url, err := s.client.Bucket(s.bucketName).SignedURL(s.objectName(cleaned), &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(expiration),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return url, nil
}
