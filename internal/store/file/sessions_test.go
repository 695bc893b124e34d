package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/codexclaw/internal/store"
)

func TestLoadMissingFile(t *testing.T) {
	s := NewFileSessionStore(filepath.Join(t.TempDir(), "bot_sessions.json"))
	b, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if b == nil || len(b) != 0 {
		t.Errorf("Load() = %v, want empty non-nil map", b)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_sessions.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	b, err := NewFileSessionStore(path).Load(context.Background())
	if !errors.Is(err, store.ErrCorruptState) {
		t.Fatalf("Load() error = %v, want ErrCorruptState", err)
	}
	if b == nil || len(b) != 0 {
		t.Errorf("Load() = %v, want empty map alongside the error", b)
	}

	// The corrupt file must be left untouched for inspection.
	data, _ := os.ReadFile(path)
	if string(data) != "{not json" {
		t.Errorf("corrupt file was modified: %q", data)
	}
}

func TestLoadNullDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_sessions.json")
	os.WriteFile(path, []byte("null"), 0644)

	b, err := NewFileSessionStore(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if b == nil {
		t.Error("Load() returned nil map for null document")
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bot_sessions.json")
	s := NewFileSessionStore(path)
	ctx := context.Background()

	if err := s.Save(ctx, store.Bindings{"c1": "t-1"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(ctx, store.Bindings{"c1": "t-2", "c2": "t-3"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	b, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if b["c1"] != "t-2" || b["c2"] != "t-3" || len(b) != 2 {
		t.Errorf("Load() = %v, want map[c1:t-2 c2:t-3]", b)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"c1": "t-2"`) {
		t.Errorf("file is not human-readable JSON: %s", data)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contains %v, want only the session file", names)
	}
}

func TestSaveFailureWrapsErrIO(t *testing.T) {
	dir := t.TempDir()
	// A directory in place of the target file makes the rename fail.
	path := filepath.Join(dir, "bot_sessions.json")
	if err := os.Mkdir(path, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "keep"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	err := NewFileSessionStore(path).Save(context.Background(), store.Bindings{"c1": "t1"})
	if !errors.Is(err, store.ErrIO) {
		t.Errorf("Save() error = %v, want ErrIO", err)
	}
}

func TestDefaultPath(t *testing.T) {
	if got := NewFileSessionStore("").Describe(); got != DefaultPath {
		t.Errorf("Describe() = %q, want %q", got, DefaultPath)
	}
}
