package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HotReloadManager manages hot reloading of configuration
type HotReloadManager struct {
	config     *Config
	mu         sync.RWMutex
	reloadFunc func(*Config) error
	lastData   []byte
	log        *zap.Logger

	// OnError is called for every failed reload attempt
	OnError func(err error)
}

// NewHotReloadManager creates a new hot reload manager
func NewHotReloadManager(initialConfig *Config, reloadFunc func(*Config) error, log *zap.Logger) *HotReloadManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &HotReloadManager{
		config:     initialConfig,
		reloadFunc: reloadFunc,
		log:        log,
	}
}

// GetConfig returns the current configuration (thread-safe)
func (h *HotReloadManager) GetConfig() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// UpdateConfig updates the configuration (thread-safe)
func (h *HotReloadManager) UpdateConfig(newConfig *Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Validate new configuration
	if err := validateConfig(newConfig); err != nil {
		return err
	}

	// Call reload function if provided
	if h.reloadFunc != nil {
		if err := h.reloadFunc(newConfig); err != nil {
			return err
		}
	}

	// Update configuration
	h.config = newConfig
	return nil
}

// WatchConfigFile polls configPath and applies the configuration whenever
// the file content changes. Invalid files are reported and skipped.
func (h *HotReloadManager) WatchConfigFile(ctx context.Context, configPath string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.reloadFile(configPath); err != nil {
				h.log.Warn("Config reload failed", zap.String("path", configPath), zap.Error(err))
				if h.OnError != nil {
					h.OnError(err)
				}
			}
		}
	}
}

// reloadFile applies configPath when its content differs from the last applied file
func (h *HotReloadManager) reloadFile(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	h.mu.RLock()
	unchanged := bytes.Equal(data, h.lastData)
	h.mu.RUnlock()
	if unchanged {
		return nil
	}

	newConfig, err := Parse(data)
	if err != nil {
		return err
	}
	if err := h.UpdateConfig(newConfig); err != nil {
		return err
	}

	h.mu.Lock()
	h.lastData = data
	h.mu.Unlock()
	h.log.Info("Configuration reloaded", zap.String("path", configPath))
	return nil
}
