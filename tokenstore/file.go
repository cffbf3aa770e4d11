package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend persists values as a single JSON object on disk. Writes go to a
// temp file that is renamed over the target so readers never see a partial file.
type FileBackend struct {
	path string
	mu   sync.Mutex
}

// NewFileBackend returns a backend stored at path. The file and its parent
// directory are created on first write.
func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, errors.New("tokenstore: file path required")
	}
	return &FileBackend{path: filepath.Clean(path)}, nil
}

// Path returns the backing file location.
func (f *FileBackend) Path() string { return f.path }

func (f *FileBackend) Get(_ context.Context, key string) (string, bool, error) {
	values, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (f *FileBackend) Update(_ context.Context, set map[string]string, del []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		// A corrupt file is replaced rather than blocking every future write.
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
			return err
		}
		values = make(map[string]string)
	}
	for _, k := range del {
		delete(values, k)
	}
	for k, v := range set {
		values[k] = v
	}
	return f.write(values)
}

func (f *FileBackend) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("tokenstore: read %s: %w", f.path, err)
	}
	values := make(map[string]string)
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("tokenstore: parse %s: %w", f.path, err)
	}
	return values, nil
}

func (f *FileBackend) write(values map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("tokenstore: create dir: %w", err)
	}
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("tokenstore: write temp file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		if removeErr := os.Remove(tmp); removeErr != nil {
			return fmt.Errorf("tokenstore: rename temp file: %v; remove temp file: %w", err, removeErr)
		}
		return fmt.Errorf("tokenstore: rename temp file: %w", err)
	}
	return nil
}
