package prompt

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_LoadMissing(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "none.txt"))
	if got := s.Load(); got != DefaultPrompt {
		t.Errorf("expected default prompt, got %q", got)
	}
}

func TestFileStore_LoadBlank(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank.txt")
	if err := os.WriteFile(path, []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := NewFileStore(path).Load(); got != DefaultPrompt {
		t.Errorf("expected default prompt, got %q", got)
	}
}

func TestFileStore_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", FileName)
	s := NewFileStore(path)

	if err := s.Save("Describe the lighting.\n"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got := s.Load(); got != "Describe the lighting." {
		t.Errorf("expected trimmed prompt, got %q", got)
	}

	if err := s.Save("second"); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "second" {
		t.Errorf("save should overwrite, file holds %q", data)
	}
}

func TestFileStore_LoadDirectoryPath(t *testing.T) {
	// a directory cannot be read as a file; treated as no saved prompt
	if got := NewFileStore(t.TempDir()).Load(); got != DefaultPrompt {
		t.Errorf("expected default prompt, got %q", got)
	}
}

func TestNewFileStore_DefaultPath(t *testing.T) {
	s := NewFileStore("")
	if filepath.Base(s.Path) != FileName {
		t.Errorf("unexpected default path %s", s.Path)
	}
}

func TestMemStore(t *testing.T) {
	m := NewMemStore("")
	if m.Load() != DefaultPrompt {
		t.Error("empty MemStore should return the default prompt")
	}
	_ = m.Save("custom")
	_ = m.Save("custom")
	if m.Load() != "custom" || m.Saves() != 2 {
		t.Errorf("got %q after %d saves", m.Load(), m.Saves())
	}
}
