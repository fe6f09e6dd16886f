// store.go implements disk persistence for flows: one JSON file per
// (user, flow-type), guarded by a per-key lock so the admin surface can
// read files while the engine writes them. The locking discipline lives
// here, not in the engine, so it is testable on its own.
package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by Load when no flow exists for the key.
var ErrNotFound = errors.New("flow not found")

// Store is the persistence abstraction the engine writes through.
type Store interface {
	// Load reads one flow. Returns ErrNotFound if absent.
	Load(key string) (*Flow, error)

	// Save writes one flow atomically.
	Save(key string, f *Flow) error

	// Delete removes one flow. Deleting an absent key is not an error.
	Delete(key string) error

	// LoadAll reads every stored flow. A single unreadable entry is
	// reported in the returned error slice and skipped; it never
	// prevents the other entries from loading.
	LoadAll() (map[string]*Flow, []error)

	// WithLock runs fn while holding the key's lock.
	WithLock(key string, fn func() error) error
}

const defaultFlowsDir = "./data/flows"

// FileStore persists flows as JSON files in a directory.
type FileStore struct {
	dir    string
	logger *slog.Logger

	fileMu map[string]*sync.Mutex
	mapMu  sync.Mutex
}

// NewFileStore creates a FileStore and ensures the directory exists.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		dir = defaultFlowsDir
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create flows dir %q: %w", dir, err)
	}

	return &FileStore{
		dir:    dir,
		logger: logger.With("component", "flowstore"),
		fileMu: make(map[string]*sync.Mutex),
	}, nil
}

// sanitizeKey returns a filesystem-safe name (replaces / and : with _).
func sanitizeKey(key string) string {
	s := key
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}

// muFor returns the mutex for the given key.
func (s *FileStore) muFor(key string) *sync.Mutex {
	sanitized := sanitizeKey(key)
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	if m, ok := s.fileMu[sanitized]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.fileMu[sanitized] = m
	return m
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, sanitizeKey(key)+".json")
}

// Load reads one flow file.
func (s *FileStore) Load(key string) (*Flow, error) {
	mu := s.muFor(key)
	mu.Lock()
	defer mu.Unlock()

	return s.loadLocked(key)
}

func (s *FileStore) loadLocked(key string) (*Flow, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read flow %q: %w", key, err)
	}

	// Unknown fields are ignored on decode, so newer writers do not break
	// older readers.
	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode flow %q: %w", key, err)
	}
	return &f, nil
}

// Save writes the flow via a temp file and rename so a crash mid-write
// never leaves a truncated record.
func (s *FileStore) Save(key string, f *Flow) error {
	mu := s.muFor(key)
	mu.Lock()
	defer mu.Unlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode flow %q: %w", key, err)
	}

	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write flow %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write flow %q: %w", key, err)
	}
	return nil
}

// Delete removes the flow file.
func (s *FileStore) Delete(key string) error {
	mu := s.muFor(key)
	mu.Lock()
	defer mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete flow %q: %w", key, err)
	}
	return nil
}

// LoadAll reads every flow file in the directory. Corrupt entries are
// skipped and reported so one bad record never blocks the rest.
func (s *FileStore) LoadAll() (map[string]*Flow, []error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, []error{fmt.Errorf("read flows dir %q: %w", s.dir, err)}
	}

	flows := make(map[string]*Flow)
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(name, ".json")

		f, err := s.Load(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %q: %w", key, err))
			s.logger.Warn("skipping unreadable flow entry", "key", key, "error", err)
			continue
		}
		flows[f.Key()] = f
	}
	return flows, errs
}

// WithLock runs fn while holding the key's lock.
func (s *FileStore) WithLock(key string, fn func() error) error {
	mu := s.muFor(key)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}
