package agentconfig

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Load reads the configuration at path. A missing file is replaced by the
// default configuration, which is written to path before returning.
func Load(path string) (*Configuration, error) {
	cfg, _, err := load(path)
	return cfg, err
}

func load(path string) (*Configuration, [32]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := Default()
		sum, err := save(cfg, path)
		if err != nil {
			return nil, sum, err
		}
		return cfg, sum, nil
	}
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg, err := decode(data)
	if err != nil {
		return nil, [32]byte{}, &ConfigCorruptError{Path: path, Err: err}
	}
	return cfg, sha256.Sum256(data), nil
}

func decode(data []byte) (*Configuration, error) {
	var cfg Configuration
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after configuration object")
	}
	cfg.normalize()
	return &cfg, nil
}

// Save writes cfg to path atomically: the document goes to a temporary file
// in the same directory which is then renamed over path.
func Save(cfg *Configuration, path string) error {
	_, err := save(cfg, path)
	return err
}

func save(cfg *Configuration, path string) ([32]byte, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return [32]byte{}, &ConfigWriteError{Path: path, Err: err}
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return [32]byte{}, &ConfigWriteError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return [32]byte{}, &ConfigWriteError{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return [32]byte{}, &ConfigWriteError{Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return [32]byte{}, &ConfigWriteError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return [32]byte{}, &ConfigWriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return [32]byte{}, &ConfigWriteError{Path: path, Err: err}
	}
	return sha256.Sum256(data), nil
}

// Store owns the in-memory configuration, its file and its dirty flag.
// Its mutex is the single exclusion boundary for the configuration and for
// any runtime state a caller keeps alongside it (see View and Update).
type Store struct {
	saveMu sync.Mutex // serializes Save so renames land in snapshot order

	mu    sync.Mutex
	path  string
	cfg   *Configuration
	dirty bool
	gen   uint64   // bumped on every change to cfg
	sum   [32]byte // checksum of the bytes last read or written
}

// Open loads path (creating it with defaults when absent) into a Store.
func Open(path string) (*Store, error) {
	cfg, sum, err := load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: cfg, sum: sum}, nil
}

// NewStore wraps an already built configuration. Nothing is written until Save.
func NewStore(path string, cfg *Configuration) *Store {
	cfg.normalize()
	return &Store{path: path, cfg: cfg, dirty: true}
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// View runs fn with the lock held. fn must not retain cfg or block on I/O.
func (s *Store) View(fn func(cfg *Configuration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.cfg)
}

// Update runs fn with the lock held and marks the configuration dirty when
// fn returns nil. fn must leave cfg unmodified when it returns an error.
func (s *Store) Update(fn func(cfg *Configuration) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(s.cfg); err != nil {
		return err
	}
	s.dirty = true
	s.gen++
	return nil
}

// Snapshot returns a deep copy of the current configuration.
func (s *Store) Snapshot() *Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// Dirty reports whether there are mutations not yet saved.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Save flushes the configuration to disk. The snapshot is taken under the
// lock and the file write happens outside it, so the dirty flag is cleared
// only when no mutation landed while the file was being written.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	snap := s.cfg.Clone()
	gen := s.gen
	s.mu.Unlock()

	sum, err := save(snap, s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum = sum
	if s.gen == gen {
		s.dirty = false
	}
	return nil
}

// ErrDirty is returned by Reload when unsaved changes would be lost.
var ErrDirty = errors.New("configuration has unsaved changes")

// Reload re-reads the file. It reports changed=false when the file content
// is what the store last read or wrote, and refuses to discard unsaved
// mutations. A corrupt file leaves the in-memory configuration in place.
func (s *Store) Reload() (changed bool, err error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("reading config %s: %w", s.path, err)
	}
	sum := sha256.Sum256(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if sum == s.sum {
		return false, nil
	}
	if s.dirty {
		return false, ErrDirty
	}
	cfg, err := decode(data)
	if err != nil {
		return false, &ConfigCorruptError{Path: s.path, Err: err}
	}
	s.cfg = cfg
	s.sum = sum
	s.gen++
	return true, nil
}
