package hal

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/shared/kerr"
)

// MemStore is an in-memory Store. It is the default backing for tests
// and for hosts without persistent storage configured.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Get retrieves a value by key.
func (s *MemStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, kerr.ErrNotFound)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put stores a value under key, replacing any existing value.
func (s *MemStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.data[key] = v
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Keys returns all keys with the given prefix, sorted.
func (s *MemStore) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// DirFS serves a FileSystem from one host directory.
type DirFS struct {
	root string
}

// NewDirFS creates a filesystem rooted at dir.
func NewDirFS(dir string) *DirFS {
	return &DirFS{root: dir}
}

// Open opens a file for reading.
func (fs *DirFS) Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(fs.root, filepath.Clean(name)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file %q: %w", name, kerr.ErrNotFound)
		}
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	return f, nil
}

// Size returns the size of a file in bytes.
func (fs *DirFS) Size(name string) (int64, error) {
	info, err := os.Stat(filepath.Join(fs.root, filepath.Clean(name)))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("file %q: %w", name, kerr.ErrNotFound)
		}
		return 0, fmt.Errorf("stat %q: %w", name, err)
	}
	return info.Size(), nil
}

// List returns the entries of a directory.
func (fs *DirFS) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.root, filepath.Clean(dir)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("dir %q: %w", dir, kerr.ErrNotFound)
		}
		return nil, fmt.Errorf("list %q: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// MapFS is an in-memory FileSystem for tests.
type MapFS struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMapFS creates a filesystem from the given files.
func NewMapFS(files map[string][]byte) *MapFS {
	fs := &MapFS{files: make(map[string][]byte, len(files))}
	for k, v := range files {
		fs.files[k] = v
	}
	return fs
}

// Open opens a file for reading.
func (fs *MapFS) Open(name string) (io.ReadCloser, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	data, ok := fs.files[name]
	if !ok {
		return nil, fmt.Errorf("file %q: %w", name, kerr.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Size returns the size of a file in bytes.
func (fs *MapFS) Size(name string) (int64, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	data, ok := fs.files[name]
	if !ok {
		return 0, fmt.Errorf("file %q: %w", name, kerr.ErrNotFound)
	}
	return int64(len(data)), nil
}

// List returns file names under dir.
func (fs *MapFS) List(dir string) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var names []string
	for name := range fs.files {
		if strings.HasPrefix(name, prefix) {
			names = append(names, strings.TrimPrefix(name, prefix))
		}
	}
	sort.Strings(names)
	return names, nil
}

// HostWatchdog is a HardwareWatchdog for hosts with no reset hardware.
// It only logs transitions; missing a feed cannot reset a dev machine.
type HostWatchdog struct {
	log     *logging.Logger
	armed   bool
	timeout time.Duration
	mu      sync.Mutex
}

// NewHostWatchdog creates a logging watchdog.
func NewHostWatchdog(log *logging.Logger) *HostWatchdog {
	return &HostWatchdog{log: log.Named("hwdt")}
}

// Arm enables the watchdog with the given reset timeout.
func (w *HostWatchdog) Arm(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("watchdog timeout %s: %w", timeout, kerr.ErrInvalidParam)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.armed {
		return fmt.Errorf("watchdog already armed: %w", kerr.ErrInvalidState)
	}
	w.armed = true
	w.timeout = timeout
	w.log.Info("hardware watchdog armed", zap.Duration("timeout", timeout))
	return nil
}

// Feed resets the watchdog countdown.
func (w *HostWatchdog) Feed() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return fmt.Errorf("watchdog not armed: %w", kerr.ErrInvalidState)
	}
	return nil
}

// Disarm disables the watchdog.
func (w *HostWatchdog) Disarm() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return fmt.Errorf("watchdog not armed: %w", kerr.ErrInvalidState)
	}
	w.armed = false
	w.log.Info("hardware watchdog disarmed", zap.Bool("was_armed", true))
	return nil
}
