package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nextlevelbuilder/codexclaw/internal/store"
)

// DefaultPath is the session file used when none is configured.
const DefaultPath = "bot_sessions.json"

// FileSessionStore persists bindings as a single JSON object {"chat_id": "thread_id"}.
type FileSessionStore struct {
	path string
	mu   sync.Mutex // serializes writers; readers rely on atomic rename
}

// NewFileSessionStore creates a store backed by path (DefaultPath if empty).
func NewFileSessionStore(path string) *FileSessionStore {
	if path == "" {
		path = DefaultPath
	}
	return &FileSessionStore{path: path}
}

// Describe returns the backing file path.
func (f *FileSessionStore) Describe() string { return f.path }

// Load reads the session file. A missing file is an empty map; an unparseable file
// returns an empty map together with an error wrapping store.ErrCorruptState.
func (f *FileSessionStore) Load(_ context.Context) (store.Bindings, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store.Bindings{}, nil
		}
		return store.Bindings{}, fmt.Errorf("read %s: %w", f.path, err)
	}

	var b store.Bindings
	if err := json.Unmarshal(data, &b); err != nil {
		return store.Bindings{}, fmt.Errorf("%w: parse %s: %v", store.ErrCorruptState, f.path, err)
	}
	if b == nil {
		// "null" is valid JSON but not a mapping worth keeping.
		b = store.Bindings{}
	}
	return b, nil
}

// Save rewrites the session file atomically: temp file → fsync → rename.
func (f *FileSessionStore) Save(_ context.Context, b store.Bindings) error {
	if b == nil {
		b = store.Bindings{}
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", store.ErrIO, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}

	tmpFile, err := os.CreateTemp(dir, ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	cleanup = false
	return nil
}

var _ store.BindingStore = (*FileSessionStore)(nil)
