package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// FileStore keeps the original uploaded artifacts so a receipt's source
// image can be re-fetched later.
type FileStore interface {
	// Save stores a file under a sanitized, collision-free name and
	// returns that name.
	Save(filename string, data []byte) (string, error)

	// Get retrieves a file by stored filename.
	Get(path string) ([]byte, error)

	// Delete removes a file.
	Delete(path string) error
}

// LocalFileStore implements FileStore on the local filesystem.
type LocalFileStore struct {
	basePath string
}

// NewLocalFileStore creates a LocalFileStore, creating the directory if
// needed.
func NewLocalFileStore(basePath string) (*LocalFileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	return &LocalFileStore{basePath: basePath}, nil
}

var filenameJunk = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
var filenameSpaces = regexp.MustCompile(`\s+`)

// sanitizeFilename cleans up phone-generated filenames before storage.
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filepath.Base(filename), ext)
	base = filenameJunk.ReplaceAllString(base, "")
	base = strings.TrimSpace(filenameSpaces.ReplaceAllString(base, " "))
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}
	return base + ext
}

// Save writes data under a uuid-prefixed sanitized name so repeated
// uploads of the same filename never collide.
func (l *LocalFileStore) Save(filename string, data []byte) (string, error) {
	name := fmt.Sprintf("%s_%s", uuid.NewString(), sanitizeFilename(filename))
	if err := os.WriteFile(filepath.Join(l.basePath, name), data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return name, nil
}

// Get retrieves a file from local storage.
func (l *LocalFileStore) Get(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.basePath, path))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a file from local storage.
func (l *LocalFileStore) Delete(path string) error {
	if err := os.Remove(filepath.Join(l.basePath, path)); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}
