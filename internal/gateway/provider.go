package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce absorbs the burst of events editors produce on save
const reloadDebounce = 200 * time.Millisecond

// Provider supplies the current gateway config
type Provider interface {
	Config() Config
}

// StaticProvider always returns the same config
type StaticProvider struct {
	cfg Config
}

// NewStaticProvider creates a provider for a fixed config
func NewStaticProvider(cfg Config) *StaticProvider {
	return &StaticProvider{cfg: cfg}
}

// Config returns the fixed config
func (p *StaticProvider) Config() Config {
	return p.cfg
}

// FileProvider reads the gateway config from a JSON file and reloads it
// when the file changes
type FileProvider struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	cfg Config
}

// NewFileProvider creates a provider backed by path. A missing file yields
// an empty config, which the client reports as not configured.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	p := &FileProvider{
		path:   path,
		logger: logger,
	}

	if err := p.Reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return p, nil
}

// Config returns the last successfully loaded config
func (p *FileProvider) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Reload reads the file again. The previous config is kept on error.
func (p *FileProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse gateway config %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()

	return nil
}

// Watch reloads the config on file changes until ctx is done
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic renames over the file are seen
	dir := filepath.Dir(p.path)
	file := filepath.Base(p.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := p.Reload(); err != nil {
				p.logger.Warn("failed to reload gateway config", "path", p.path, "error", err)
				continue
			}
			p.logger.Info("gateway config reloaded", "path", p.path, "instance", p.Config().InstanceName)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("gateway config watcher error", "error", err)
		}
	}
}
