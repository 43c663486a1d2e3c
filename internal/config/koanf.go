// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader wraps koanf for layered configuration management.
//
// It provides:
//   - Multiple configuration sources (YAML file + environment variables)
//   - Configuration hot-reload via file watching
//   - Override precedence (env vars override YAML override built-in defaults)
type Loader struct {
	k         *koanf.Koanf
	mu        sync.RWMutex
	filePath  string
	envPrefix string
}

// Option configures a Loader.
type Option func(*Loader) error

// WithYAMLFile sets the YAML configuration file path.
func WithYAMLFile(path string) Option {
	return func(l *Loader) error {
		l.filePath = path
		return nil
	}
}

// WithEnvPrefix sets the environment variable prefix (default: "STREAMVAULT").
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) error {
		l.envPrefix = prefix
		return nil
	}
}

// NewLoader creates a new koanf-based configuration loader.
//
// It loads configuration from multiple sources with the following
// precedence (highest to lowest):
//  1. Environment variables (STREAMVAULT_*)
//  2. YAML configuration file
//  3. Built-in defaults (DefaultGlobals)
func NewLoader(opts ...Option) (*Loader, error) {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: "STREAMVAULT",
	}

	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Load unmarshals the layered configuration onto the built-in defaults and
// validates the result.
func (l *Loader) Load() (*GlobalDefaults, error) {
	cfg := DefaultGlobals()

	l.mu.RLock()
	k := l.k
	l.mu.RUnlock()

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Reload reloads configuration from all sources.
func (l *Loader) Reload() error {
	return l.reload()
}

func (l *Loader) reload() error {
	newK := koanf.New(".")

	if l.filePath != "" {
		if err := newK.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return fmt.Errorf("failed to load YAML file: %w", err)
		}
	}

	// STREAMVAULT_RECORDINGS_ROOT -> recordings_root,
	// STREAMVAULT_CLEANUP_POLICY_KEEP_COUNT -> cleanup_policy.keep_count.
	// Nested struct keys are known ahead of time, so the transform only has
	// to special-case the one nested section (cleanup_policy); everything
	// else is a flat top-level key with underscores already matching yaml tags.
	envProvider := env.Provider(".", env.Opt{
		Prefix: l.envPrefix + "_",
		TransformFunc: func(k, v string) (string, any) {
			k = strings.TrimPrefix(k, l.envPrefix+"_")
			k = strings.ToLower(k)

			const nestedPrefix = "cleanup_policy_"
			if strings.HasPrefix(k, nestedPrefix) {
				rest := strings.TrimPrefix(k, nestedPrefix)
				return "cleanup_policy." + rest, v
			}
			return k, v
		},
	})

	if err := newK.Load(envProvider, nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	l.mu.Lock()
	l.k = newK
	l.mu.Unlock()

	return nil
}

// Watch starts watching the configuration file for changes, invoking
// callback after each reload.
//
// Known limitation: koanf v2's file.Provider spawns an fsnotify goroutine
// internally and does not expose a Stop() method, so that goroutine outlives
// ctx cancellation until process exit. Long-lived deployments that need
// clean shutdown should prefer a manual Reload() on SIGHUP instead.
func (l *Loader) Watch(ctx context.Context, callback func(event string, err error)) error {
	if l.filePath == "" {
		return fmt.Errorf("cannot watch: no file path specified")
	}

	fp := file.Provider(l.filePath)
	watchErr := fp.Watch(func(event interface{}, err error) {
		if err != nil {
			callback("watch error", fmt.Errorf("file watch error: %w", err))
			return
		}
		if err := l.reload(); err != nil {
			callback("reload error", fmt.Errorf("config reload failed: %w", err))
			return
		}
		callback("config reloaded", nil)
	})
	if watchErr != nil {
		return fmt.Errorf("failed to start watching: %w", watchErr)
	}

	<-ctx.Done()
	return nil
}
