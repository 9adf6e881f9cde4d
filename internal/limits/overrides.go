package limits

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/harborlabs/harbor/internal/logging"
)

// overrideFile is the YAML layout of the limits override file. Entries
// missing threshold fields inherit the defaults.
type overrideFile struct {
	Models    map[string]overrideEntry `yaml:"models"`
	Providers map[string]overrideEntry `yaml:"providers"`
}

type overrideEntry struct {
	MaxTokens                int      `yaml:"maxTokens"`
	WarningThreshold         *float64 `yaml:"warningThreshold"`
	CriticalThreshold        *float64 `yaml:"criticalThreshold"`
	HardLimit                *float64 `yaml:"hardLimit"`
	KeepRecentMessages       *int     `yaml:"keepRecentMessages"`
	MinMessagesForCompaction *int     `yaml:"minMessagesForCompaction"`
	SupportsStreaming        *bool    `yaml:"supportsStreaming"`
}

func (e overrideEntry) toConfig() ContextWindowConfig {
	cfg := withDefaults(e.MaxTokens, true)
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = GlobalDefaultMaxTokens
	}
	if e.WarningThreshold != nil {
		cfg.WarningThreshold = *e.WarningThreshold
	}
	if e.CriticalThreshold != nil {
		cfg.CriticalThreshold = *e.CriticalThreshold
	}
	if e.HardLimit != nil {
		cfg.HardLimit = *e.HardLimit
	}
	if e.KeepRecentMessages != nil {
		cfg.KeepRecentMessages = *e.KeepRecentMessages
	}
	if e.MinMessagesForCompaction != nil {
		cfg.MinMessagesForCompaction = *e.MinMessagesForCompaction
	}
	if e.SupportsStreaming != nil {
		cfg.SupportsStreaming = *e.SupportsStreaming
	}
	return cfg
}

// LoadOverrides reads a limits override YAML file and replaces the
// registry's override tables. A missing file clears the overrides.
func (r *Registry) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.models, r.providers = nil, nil
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read limits overrides: %w", err)
	}

	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse limits overrides: %w", err)
	}

	models := make(map[string]ContextWindowConfig, len(file.Models))
	for id, entry := range file.Models {
		models[id] = entry.toConfig()
	}
	providers := make(map[string]ContextWindowConfig, len(file.Providers))
	for id, entry := range file.Providers {
		providers[id] = entry.toConfig()
	}

	r.mu.Lock()
	r.models, r.providers = models, providers
	r.mu.Unlock()
	return nil
}

// Watch reloads the override file whenever it changes on disk. Call
// StopWatching to tear the watcher down.
func (r *Registry) Watch(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create limits watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than writing in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch limits overrides: %w", err)
	}

	stop := make(chan struct{})
	r.mu.Lock()
	if r.watcherStop != nil {
		close(r.watcherStop)
	}
	r.watcherStop = stop
	r.mu.Unlock()

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.LoadOverrides(path); err != nil {
					logging.Default().Warn("limits override reload failed", "path", path, "error", err)
				} else {
					logging.Default().Info("limits overrides reloaded", "path", path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Default().Warn("limits watcher error", "error", err)
			}
		}
	}()
	return nil
}

// StopWatching cancels a previous Watch.
func (r *Registry) StopWatching() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcherStop != nil {
		close(r.watcherStop)
		r.watcherStop = nil
	}
}
