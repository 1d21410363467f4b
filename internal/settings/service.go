package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/ports"
)

var _ ports.SettingsService = (*Service)(nil)

// ChangeCallback fires whenever the config is replaced, whether by
// UpdateConfig or a hot-reload from disk.
type ChangeCallback func(FileConfig)

// Service is the settings backend the daemon's SettingsService
// dependency binds to: an in-memory cache of config.yaml, kept in sync
// with the file on disk via fsnotify, with callbacks for whoever else
// (the HTTP control surface, cmd/dispatchd's serve command) needs to
// react to a change.
type Service struct {
	path string

	mu        sync.RWMutex
	cfg       FileConfig
	callbacks []ChangeCallback

	watcher *fsnotify.Watcher
}

// NewService loads config.yaml at path (creating it with defaults if
// absent) and returns a ready Service. Call Watch to start hot-reload.
func NewService(path string) (*Service, error) {
	cfg, err := LoadFileConfig(path)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("settings: write default config: %w", err)
		}
	}
	return &Service{path: path, cfg: *cfg}, nil
}

// Get returns the current in-memory config.
func (s *Service) Get() FileConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// UpdateConfig replaces the config, persists it to disk, and notifies
// registered callbacks. The fsnotify hot-reload does not go through here:
// it reloads the file and notifies callbacks without writing it back.
func (s *Service) UpdateConfig(cfg FileConfig) error {
	if err := cfg.Save(s.path); err != nil {
		return err
	}
	s.apply(cfg)
	return nil
}

func (s *Service) apply(cfg FileConfig) {
	s.mu.Lock()
	s.cfg = cfg
	cbs := make([]ChangeCallback, len(s.callbacks))
	copy(cbs, s.callbacks)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(cfg)
	}
}

// OnChange registers a callback invoked after every config change.
func (s *Service) OnChange(cb ChangeCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Watch starts an fsnotify watch on config.yaml's directory, reloading
// and firing callbacks on every write. It runs until ctx is cancelled.
func (s *Service) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: create watcher: %w", err)
	}
	s.watcher = watcher

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("settings: watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := s.reload(); err != nil {
					logging.Errorf("settings: reload %s: %v", s.path, err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Errorf("settings: watcher error: %v", err)
			}
		}
	}()

	return nil
}

func (s *Service) reload() error {
	cfg, err := LoadFileConfig(s.path)
	if err != nil {
		return err
	}
	s.apply(*cfg)
	logging.Infof("settings: reloaded %s", s.path)
	return nil
}

// FallbackChain implements ports.SettingsService. agentID is looked up
// first; the "" organization-wide chain is the fallback, since the
// daemon in practice configures exactly one chain (spec §4.2).
func (s *Service) FallbackChain(ctx context.Context, agentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if chain, ok := s.cfg.FallbackChains[agentID]; ok && len(chain) > 0 {
		return chain, nil
	}
	if chain, ok := s.cfg.FallbackChains[""]; ok && len(chain) > 0 {
		return chain, nil
	}
	return nil, nil
}

// DefaultExecutable implements ports.SettingsService.
func (s *Service) DefaultExecutable(ctx context.Context, agentID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg.DefaultExecutable == "" {
		return "", fmt.Errorf("settings: no default executable configured")
	}
	return s.cfg.DefaultExecutable, nil
}
