package cooldown

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// MemoryStore keeps marks for the life of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	marks map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: make(map[string]time.Time)}
}

func (s *MemoryStore) Get(key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.marks[key]
	return t, ok, nil
}

func (s *MemoryStore) Set(key string, markedAt time.Time) error {
	s.mu.Lock()
	s.marks[key] = markedAt
	s.mu.Unlock()
	return nil
}

// FileStore keeps marks in a TOML file so the window survives restarts of
// the visitor client.
type FileStore struct {
	mu   sync.Mutex
	path string
}

type fileState struct {
	Marks map[string]time.Time `toml:"marks"`
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultStatePath returns the state file location under the user's config
// directory.
func DefaultStatePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "perkdrop", "cooldown.toml"), nil
}

func (s *FileStore) Get(key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return time.Time{}, false, err
	}
	t, ok := st.Marks[key]
	return t, ok, nil
}

func (s *FileStore) Set(key string, markedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	st.Marks[key] = markedAt.UTC().Truncate(time.Millisecond)
	return s.save(st)
}

func (s *FileStore) load() (fileState, error) {
	st := fileState{Marks: make(map[string]time.Time)}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read cooldown state: %w", err)
	}
	if err := toml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse cooldown state: %w", err)
	}
	if st.Marks == nil {
		st.Marks = make(map[string]time.Time)
	}
	return st, nil
}

// save replaces the state file atomically.
func (s *FileStore) save(st fileState) error {
	data, err := toml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode cooldown state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".cooldown-*.toml")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
