package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a recording file does not exist
var ErrNotFound = errors.New("storage: not found")

// Storage stores recorded segments and playlists under slash-separated
// relative paths such as "cam1/segment_3.ts"
type Storage interface {
	// Write stores data at path, replacing any previous content
	Write(ctx context.Context, path string, data []byte) error

	// Read returns the content stored at path
	Read(ctx context.Context, path string) ([]byte, error)

	// ReadSeeker returns a ReadSeeker for the file (useful for http.ServeContent)
	ReadSeeker(ctx context.Context, path string) (io.ReadSeeker, error)

	// Delete removes path. Missing files are not an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether path is stored
	Exists(ctx context.Context, path string) (bool, error)

	// List returns the file names directly below dir
	List(ctx context.Context, dir string) ([]string, error)
}

// cleanPath rejects paths that would escape the storage root
func cleanPath(p string) (string, error) {
	cleaned := path.Clean("/" + p)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(p, "/") {
		return "", fmt.Errorf("invalid storage path %q", p)
	}
	return cleaned, nil
}

// ContentType returns the HTTP content type for a recording file
func ContentType(p string) string {
	switch path.Ext(p) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}

// CacheControl returns the Cache-Control value for a recording file.
// Playlists change with every segment; segments never change.
func CacheControl(p string) string {
	switch path.Ext(p) {
	case ".m3u8":
		return "no-cache, no-store, must-revalidate"
	case ".ts":
		return "public, max-age=3600"
	default:
		return "public, max-age=300"
	}
}

// LocalStorage implements Storage using local filesystem
type LocalStorage struct {
	baseDir string
	log     logrus.FieldLogger
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(baseDir string, logger logrus.FieldLogger) (*LocalStorage, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		baseDir: baseDir,
		log:     logger.WithFields(logrus.Fields{"component": "storage", "backend": "local"}),
	}, nil
}

func (s *LocalStorage) fullPath(p string) (string, error) {
	cleaned, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(cleaned)), nil
}

// Write writes data to a file through a temporary file so readers never
// see a partial segment
func (s *LocalStorage) Write(_ context.Context, p string, data []byte) error {
	fullPath, err := s.fullPath(p)
	if err != nil {
		return err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		s.log.WithError(err).Debug("chmod failed")
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// Read reads data from a file
func (s *LocalStorage) Read(_ context.Context, p string) ([]byte, error) {
	fullPath, err := s.fullPath(p)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, notFound(err, "failed to read file")
	}
	return data, nil
}

// ReadSeeker returns a ReadSeeker for the file. The caller closes it if it
// implements io.Closer.
func (s *LocalStorage) ReadSeeker(_ context.Context, p string) (io.ReadSeeker, error) {
	fullPath, err := s.fullPath(p)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return nil, notFound(err, "failed to open file")
	}
	return file, nil
}

// Delete deletes a file
func (s *LocalStorage) Delete(_ context.Context, p string) error {
	fullPath, err := s.fullPath(p)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Exists checks if a file exists
func (s *LocalStorage) Exists(_ context.Context, p string) (bool, error) {
	fullPath, err := s.fullPath(p)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return true, nil
}

// List lists files in a directory. A missing directory lists as empty.
func (s *LocalStorage) List(_ context.Context, dir string) ([]string, error) {
	fullPath, err := s.fullPath(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && !strings.HasPrefix(entry.Name(), ".tmp-") {
			files = append(files, entry.Name())
		}
	}
	return files, nil
}

func notFound(err error, msg string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
