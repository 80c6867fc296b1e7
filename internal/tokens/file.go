package tokens

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/UniQw/fetchq/internal/keys"
)

// File is a Store backed by a single JSON document on disk. Every mutation
// rewrites the document through a temp file and rename.
type File struct {
	path string
	enc  Encoder

	mu sync.Mutex
	m  map[string]record
}

// OpenFile loads path, creating an empty store when it does not exist.
func OpenFile(path string) (*File, error) {
	s := &File{path: path, enc: &JSONEncoder{}, m: make(map[string]record)}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("tokens: read %s: %w", path, err)
	case len(data) == 0:
		return s, nil
	}
	if err := s.enc.Decode(data, &s.m); err != nil {
		return nil, fmt.Errorf("tokens: decode %s: %w", path, err)
	}
	return s, nil
}

func (s *File) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[keys.Stamp(key)]
	return r.Token, ok, nil
}

func (s *File) Set(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[keys.Stamp(key)] = record{Token: token, UpdatedAt: time.Now().UnixMilli()}
	return s.flush()
}

func (s *File) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keys.Stamp(key)
	if _, ok := s.m[k]; !ok {
		return nil
	}
	delete(s.m, k)
	return s.flush()
}

// flush must be called with mu held.
func (s *File) flush() error {
	data, err := s.enc.Encode(s.m)
	if err != nil {
		return fmt.Errorf("tokens: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("tokens: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("tokens: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("tokens: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("tokens: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("tokens: rename: %w", err)
	}
	return nil
}
