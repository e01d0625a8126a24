package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lightforgemedia/go-hassws/pkg/filewatcher"
)

// StoreOption configures a FileStore
type StoreOption func(*FileStore)

// WithStoreLogger sets the logger used by the store
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *FileStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// FileStore reads and writes the configuration file. Files ending in .yaml
// or .yml are YAML, everything else is JSON. Contents are cached after the
// first read until the file changes on disk (see Watch) or is rewritten
// through the store.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	cached *Config
}

// NewFileStore creates a store for path.
func NewFileStore(path string, opts ...StoreOption) *FileStore {
	s := &FileStore{
		path:   path,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the file path of the store.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(s.path))
	return ext == ".yaml" || ext == ".yml"
}

// GetAllConfig returns a copy of the configuration.
func (s *FileStore) GetAllConfig(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached == nil {
		cfg, err := s.read()
		if err != nil {
			return nil, err
		}
		s.cached = cfg
	}
	return s.cached.clone(), nil
}

// SetAllConfig replaces the whole file.
func (s *FileStore) SetAllConfig(ctx context.Context, cfg *Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cfg == nil {
		cfg = &Config{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(cfg.clone())
}

// Credentials returns the stored credentials, zero if absent.
func (s *FileStore) Credentials(ctx context.Context) (Credentials, error) {
	return fromSource(ctx, s)
}

// SetCredentials updates the credentials section and keeps the rest.
func (s *FileStore) SetCredentials(ctx context.Context, creds Credentials) error {
	return s.update(ctx, func(cfg *Config) {
		cfg.Credentials = &creds
	})
}

// SetDevices replaces the devices section and keeps the rest.
func (s *FileStore) SetDevices(ctx context.Context, devices map[string]Device) error {
	return s.update(ctx, func(cfg *Config) {
		cfg.Devices = devices
	})
}

func (s *FileStore) update(ctx context.Context, mutate func(*Config)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cached.clone()
	if cfg == nil {
		var err error
		cfg, err = s.read()
		if errors.Is(err, ErrConfigNotFound) {
			cfg, err = &Config{}, nil
		}
		if err != nil {
			return err
		}
	}
	mutate(cfg)
	return s.write(cfg)
}

// Watch drops the cache whenever the file changes on disk, until ctx is done.
func (s *FileStore) Watch(ctx context.Context) error {
	w, err := filewatcher.New([]string{s.path}, filewatcher.WithLogger(s.logger))
	if err != nil {
		return err
	}
	w.OnChange(func(file string) {
		s.logger.Info("Config file changed, reloading on next read", "file", file)
		s.mu.Lock()
		s.cached = nil
		s.mu.Unlock()
	})
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// read loads the file. Caller holds s.mu.
func (s *FileStore) read() (*Config, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, s.path)
	}
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if s.isYAML() {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return cfg, nil
}

// write persists cfg and refreshes the cache. Caller holds s.mu.
func (s *FileStore) write(cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if s.isYAML() {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return err
	}
	s.cached = cfg
	s.logger.Debug("Config written", "path", s.path)
	return nil
}
