// Package prompt persists the most recently used instruction prompt.
package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultPrompt is used when nothing has been saved yet
const DefaultPrompt = "Please describe the image in every detail."

// FileName is the default prompt file name
const FileName = "last_prompt.txt"

// Store loads and saves a single prompt string
type Store interface {
	Load() string
	Save(text string) error
}

// FileStore keeps the prompt in a UTF-8 text file
type FileStore struct {
	Path string
}

// NewFileStore creates a FileStore at path, or at DefaultPath when path is empty
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultPath()
	}
	return &FileStore{Path: path}
}

// Load returns the saved prompt. A missing, unreadable or blank file yields DefaultPrompt.
func (s *FileStore) Load() string {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return DefaultPrompt
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return DefaultPrompt
	}
	return text
}

// Save overwrites the stored prompt
func (s *FileStore) Save(text string) error {
	if dir := filepath.Dir(s.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(s.Path, []byte(text), 0644)
}

// DefaultPath returns the prompt file location under the user config directory
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return FileName
	}
	return filepath.Join(dir, "image-captioner", FileName)
}

// MemStore is an in-memory Store
type MemStore struct {
	mu    sync.Mutex
	text  string
	saves int
}

// NewMemStore creates a MemStore seeded with text
func NewMemStore(text string) *MemStore {
	return &MemStore{text: text}
}

func (m *MemStore) Load() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(m.text) == "" {
		return DefaultPrompt
	}
	return m.text
}

func (m *MemStore) Save(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = text
	m.saves++
	return nil
}

// Saves returns how many times Save was called
func (m *MemStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
