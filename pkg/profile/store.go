package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/entrhq/camou/pkg/logging"
)

// Store persists profile records to a JSON file and owns one data
// directory per profile under its data root.
//
// Record changes hold the store lock for their whole duration, so they are
// atomic with respect to each other. Export is the exception: it copies the
// record under the lock and writes the archive without it. Records keep
// insertion order, both in memory and in the file.
//
// Directory operations only ever touch direct children of the data root.
type Store struct {
	mu       sync.Mutex
	path     string
	dataRoot string
	profiles map[string]*Profile
	order    []string
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for swallowed errors.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the clock used for export file names.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore opens the record file at path and the data root. A missing or
// corrupt record file yields an empty store; only failing to create the data
// root is an error.
func NewStore(path, dataRoot string, opts ...Option) (*Store, error) {
	s := &Store{
		path:     path,
		dataRoot: dataRoot,
		profiles: make(map[string]*Profile),
		logger:   logging.Discard("profile"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		s.logger.Warnf("ignoring unreadable profile file %s: %v", path, err)
		s.profiles = make(map[string]*Profile)
		s.order = nil
	}

	if err := os.MkdirAll(dataRoot, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return s, nil
}

// load reads the record file preserving key order.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read profile file: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to decode profile file: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("failed to decode profile file: expected object")
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to decode profile file: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("failed to decode profile file: expected key")
		}

		var p Profile
		if err := dec.Decode(&p); err != nil {
			return fmt.Errorf("failed to decode profile %q: %w", key, err)
		}
		// The key is authoritative; a record missing its name keeps it
		if p.Name == "" {
			p.Name = key
		}
		if _, dup := s.profiles[key]; !dup {
			s.order = append(s.order, key)
		}
		s.profiles[key] = &p
	}

	return nil
}

// save writes the record file atomically. Callers hold s.mu.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("failed to create profile file directory: %w", err)
	}

	var compact bytes.Buffer
	compact.WriteByte('{')
	for i, name := range s.order {
		if i > 0 {
			compact.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return fmt.Errorf("failed to encode profile name: %w", err)
		}
		value, err := json.Marshal(s.profiles[name])
		if err != nil {
			return fmt.Errorf("failed to encode profile %q: %w", name, err)
		}
		compact.Write(key)
		compact.WriteByte(':')
		compact.Write(value)
	}
	compact.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, compact.Bytes(), "", "  "); err != nil {
		return fmt.Errorf("failed to encode profiles: %w", err)
	}
	out.WriteByte('\n')

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, out.Bytes(), 0600); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp profile file: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// persist saves and logs failures. The in-memory state stays authoritative
// when the disk write fails.
func (s *Store) persist() {
	if err := s.save(); err != nil {
		s.logger.Errorf("failed to save profiles: %v", err)
	}
}

// DataDir returns the data directory of a profile name.
func (s *Store) DataDir(name string) string {
	return filepath.Join(s.dataRoot, name)
}

// dataDir is DataDir restricted to direct children of the data root. Names
// such as "." or ".." that resolve elsewhere yield ErrUnsafeName.
func (s *Store) dataDir(name string) (string, error) {
	dir := filepath.Join(s.dataRoot, name)
	if name == "." || name == ".." || filepath.Base(dir) != name || filepath.Dir(dir) != filepath.Clean(s.dataRoot) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	return dir, nil
}

// DataRoot returns the directory holding all profile data directories.
func (s *Store) DataRoot() string {
	return s.dataRoot
}

// Path returns the record file path.
func (s *Store) Path() string {
	return s.path
}

// Add creates a profile and its data directory. It returns ErrProfileExists
// without side effects when the name is taken.
func (s *Store) Add(name, proxy string, osType OSType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.profiles[name]; exists {
		return fmt.Errorf("%w: %s", ErrProfileExists, name)
	}
	dataDir, err := s.dataDir(name)
	if err != nil {
		return err
	}

	s.profiles[name] = &Profile{
		Name:   name,
		Proxy:  proxy,
		OSType: ParseOSType(string(osType)),
	}
	s.order = append(s.order, name)
	s.persist()

	if err := os.MkdirAll(dataDir, 0750); err != nil {
		s.logger.Warnf("failed to create data directory for %s: %v", name, err)
	}

	return nil
}

// Update changes a profile's proxy and OS type and optionally renames it.
//
// A rename moves the data directory before touching the record. If the move
// fails the record is left as it was, so record and directory names never
// disagree.
func (s *Store) Update(originalName, newName, newProxy string, newOS OSType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.profiles[originalName]
	if !exists {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, originalName)
	}

	renaming := newName != originalName
	if renaming {
		if _, taken := s.profiles[newName]; taken {
			return fmt.Errorf("%w: %s", ErrProfileExists, newName)
		}
		if err := s.renameDataDir(originalName, newName); err != nil {
			return err
		}
	}

	p.Name = newName
	p.Proxy = newProxy
	p.OSType = ParseOSType(string(newOS))

	if renaming {
		delete(s.profiles, originalName)
		s.profiles[newName] = p
		for i, name := range s.order {
			if name == originalName {
				s.order[i] = newName
				break
			}
		}
	}

	s.persist()
	return nil
}

func (s *Store) renameDataDir(oldName, newName string) error {
	oldDir, err := s.dataDir(oldName)
	if err != nil {
		return err
	}
	newDir, err := s.dataDir(newName)
	if err != nil {
		return err
	}

	if _, err := os.Stat(oldDir); err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(newDir, 0750); mkErr != nil {
				s.logger.Warnf("failed to create data directory for %s: %v", newName, mkErr)
			}
			return nil
		}
		return fmt.Errorf("failed to stat data directory: %w", err)
	}

	if err := os.Rename(oldDir, newDir); err != nil {
		return fmt.Errorf("failed to rename data directory: %w", err)
	}
	return nil
}

// Delete removes a profile and its data directory. Directory removal is
// best effort: once the record is gone the delete has succeeded. A record
// whose name does not map below the data root loses only its record.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.profiles[name]; !exists {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}

	delete(s.profiles, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.persist()

	dataDir, err := s.dataDir(name)
	if err != nil {
		s.logger.Warnf("not removing data directory: %v", err)
		return nil
	}
	if err := os.RemoveAll(dataDir); err != nil {
		s.logger.Warnf("failed to remove data directory for %s: %v", name, err)
	}

	return nil
}

// List returns every profile in insertion order.
func (s *Store) List() []Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Profile, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.profiles[name])
	}
	return out
}

// Names returns every profile name in insertion order.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.order...)
}

// Get returns a copy of the named profile.
func (s *Store) Get(name string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.profiles[name]
	if !exists {
		return Profile{}, false
	}
	return *p, true
}

// Exists reports whether a profile name is taken.
func (s *Store) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.profiles[name]
	return exists
}

// Len returns the number of profiles.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.order)
}
