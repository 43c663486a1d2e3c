// SPDX-License-Identifier: MIT

// Package config is StreamVault's configuration resolver (C2): it loads
// layered settings (environment variables over a YAML file over built-in
// defaults) and resolves each channel's effective recording policy by
// merging its per-channel override onto the global defaults. Resolution is
// pure — it never mutates the inputs and never touches the store.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/streamvault/core/internal/model"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFilePath is the default location for the configuration file.
const DefaultConfigFilePath = "/etc/streamvault/config.yaml"

// GlobalDefaults is the built-in/file/env-resolved configuration every
// channel's policy falls back to.
type GlobalDefaults struct {
	Quality          string              `yaml:"quality" koanf:"quality"`
	CodecList        []string            `yaml:"codec_list" koanf:"codec_list"`
	Proxy            string              `yaml:"proxy" koanf:"proxy"`
	AuthHeader       string              `yaml:"auth_header" koanf:"auth_header"`
	FilenameTemplate string              `yaml:"filename_template" koanf:"filename_template"`
	UseChapters      bool                `yaml:"use_chapters" koanf:"use_chapters"`
	AutoRecord       bool                `yaml:"auto_record" koanf:"auto_record"`
	CleanupPolicy    CleanupPolicyConfig `yaml:"cleanup_policy" koanf:"cleanup_policy"`

	RecordingsRoot      string        `yaml:"recordings_root" koanf:"recordings_root"`
	InitialRestartDelay time.Duration `yaml:"initial_restart_delay" koanf:"initial_restart_delay"`
	MaxRestartDelay     time.Duration `yaml:"max_restart_delay" koanf:"max_restart_delay"`
	MaxRestartAttempts  int           `yaml:"max_restart_attempts" koanf:"max_restart_attempts"`
	StopTimeout         time.Duration `yaml:"stop_timeout" koanf:"stop_timeout"`
	RotationMaxBytes    int64         `yaml:"rotation_max_bytes" koanf:"rotation_max_bytes"`
	RotationInterval    time.Duration `yaml:"rotation_interval" koanf:"rotation_interval"`

	DedupCacheTTL  time.Duration `yaml:"dedup_cache_ttl" koanf:"dedup_cache_ttl"`
	DedupCacheSize int           `yaml:"dedup_cache_size" koanf:"dedup_cache_size"`

	PipelineWorkers int           `yaml:"pipeline_workers" koanf:"pipeline_workers"`
	TaskMaxAttempts int           `yaml:"task_max_attempts" koanf:"task_max_attempts"`
	TaskBackoffBase time.Duration `yaml:"task_backoff_base" koanf:"task_backoff_base"`
	TaskBackoffMax  time.Duration `yaml:"task_backoff_max" koanf:"task_backoff_max"`

	HealthAddr  string `yaml:"health_addr" koanf:"health_addr"`
	MetricsAddr string `yaml:"metrics_addr" koanf:"metrics_addr"`
	DatabaseDSN string `yaml:"database_dsn" koanf:"database_dsn"`
	LockPath    string `yaml:"lock_path" koanf:"lock_path"`

	// CaptureBinary is the argv[0] the Capture Process Runner (C3) spawns
	// per recording (a streamlink-compatible capture tool).
	CaptureBinary string `yaml:"capture_binary" koanf:"capture_binary"`
	// FFmpegBinary is the argv[0] the post-processing pipeline (C7) uses for
	// merge/transmux/thumbnail/metadata/chapters tasks.
	FFmpegBinary string `yaml:"ffmpeg_binary" koanf:"ffmpeg_binary"`
	// LogDir is where per-channel capture subprocess logs are written.
	LogDir string `yaml:"log_dir" koanf:"log_dir"`
	// PlatformOAuthToken authenticates capture requests against the
	// monitored platform's API; empty means unauthenticated/anonymous.
	PlatformOAuthToken string `yaml:"platform_oauth_token" koanf:"platform_oauth_token"`
	// MinSegmentBytes is the floor below which a just-closed segment is
	// marked Discarded rather than handed to post-processing (§4.3 edge
	// case: a rotation or stop that catches a segment mid-handshake).
	MinSegmentBytes int64 `yaml:"min_segment_bytes" koanf:"min_segment_bytes"`
	// ShutdownGrace bounds how long the supervision tree waits for active
	// recordings to terminate cleanly during a graceful shutdown, separate
	// from the per-recording StopTimeout/rotation grace.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" koanf:"shutdown_grace"`

	// WebhookAddr is where the ingress event endpoint (§6 "Ingress event
	// contract") listens for HMAC-signed POSTs from the web layer.
	WebhookAddr string `yaml:"webhook_addr" koanf:"webhook_addr"`
	// WebhookSecret signs and verifies ingress events via HMAC-SHA256.
	WebhookSecret string `yaml:"webhook_secret" koanf:"webhook_secret"`
}

// CleanupPolicyConfig is the YAML/env-friendly mirror of model.CleanupPolicy
// (strategy as a string, since koanf/yaml decode into plain text).
type CleanupPolicyConfig struct {
	Strategy           string        `yaml:"strategy" koanf:"strategy"`
	KeepCount          int           `yaml:"keep_count" koanf:"keep_count"`
	MaxAge             time.Duration `yaml:"max_age" koanf:"max_age"`
	MaxTotalBytes      int64         `yaml:"max_total_bytes" koanf:"max_total_bytes"`
	PreserveCategories []string      `yaml:"preserve_categories" koanf:"preserve_categories"`
	PreserveFavorites  bool          `yaml:"preserve_favorites" koanf:"preserve_favorites"`
}

func (c CleanupPolicyConfig) toModel() model.CleanupPolicy {
	return model.CleanupPolicy{
		Strategy:           parseCleanupStrategy(c.Strategy),
		KeepCount:          c.KeepCount,
		MaxAge:             c.MaxAge,
		MaxTotalBytes:      c.MaxTotalBytes,
		PreserveCategories: c.PreserveCategories,
		PreserveFavorites:  c.PreserveFavorites,
	}
}

func parseCleanupStrategy(s string) model.CleanupStrategy {
	switch s {
	case "by_size":
		return model.CleanupBySize
	case "by_age":
		return model.CleanupByAge
	case "composite":
		return model.CleanupComposite
	default:
		return model.CleanupByCount
	}
}

// ResolvedPolicy is the effective per-channel recording policy after
// merging a channel's override onto the global defaults.
type ResolvedPolicy struct {
	Quality          string
	CodecList        []string
	Proxy            string
	AuthHeader       string
	FilenameTemplate string
	UseChapters      bool
	AutoRecord       bool
	CleanupPolicy    model.CleanupPolicy
}

// Resolve merges a channel's override onto the global defaults. Zero-valued
// override fields mean "not overridden"; UseChapters and AutoRecord use
// *bool so "explicitly false" is distinguishable from "unset". Resolve
// never mutates global or override.
func Resolve(global GlobalDefaults, override model.ChannelPolicyOverride) ResolvedPolicy {
	r := ResolvedPolicy{
		Quality:          global.Quality,
		CodecList:        global.CodecList,
		Proxy:            global.Proxy,
		AuthHeader:       global.AuthHeader,
		FilenameTemplate: global.FilenameTemplate,
		UseChapters:      global.UseChapters,
		AutoRecord:       global.AutoRecord,
		CleanupPolicy:    global.CleanupPolicy.toModel(),
	}

	if override.Quality != "" {
		r.Quality = override.Quality
	}
	if len(override.CodecList) > 0 {
		r.CodecList = override.CodecList
	}
	if override.Proxy != "" {
		r.Proxy = override.Proxy
	}
	if override.AuthHeader != "" {
		r.AuthHeader = override.AuthHeader
	}
	if override.FilenameTemplate != "" {
		r.FilenameTemplate = override.FilenameTemplate
	}
	if override.UseChapters != nil {
		r.UseChapters = *override.UseChapters
	}
	if override.AutoRecord != nil {
		r.AutoRecord = *override.AutoRecord
	}
	if override.CleanupPolicy != nil {
		r.CleanupPolicy = *override.CleanupPolicy
	}
	return r
}

// Validate checks the global defaults for invalid values a missing or
// malformed config file/env var could produce.
func (g *GlobalDefaults) Validate() error {
	if g.RecordingsRoot == "" {
		return fmt.Errorf("recordings_root must not be empty")
	}
	if g.FilenameTemplate == "" {
		return fmt.Errorf("filename_template must not be empty")
	}
	if g.PipelineWorkers <= 0 {
		return fmt.Errorf("pipeline_workers must be positive")
	}
	if g.TaskMaxAttempts <= 0 {
		return fmt.Errorf("task_max_attempts must be positive")
	}
	if g.DatabaseDSN == "" {
		return fmt.Errorf("database_dsn must not be empty")
	}
	if g.CaptureBinary == "" {
		return fmt.Errorf("capture_binary must not be empty")
	}
	if g.FFmpegBinary == "" {
		return fmt.Errorf("ffmpeg_binary must not be empty")
	}
	if g.MinSegmentBytes < 0 {
		return fmt.Errorf("min_segment_bytes must not be negative")
	}
	if g.WebhookAddr != "" && g.WebhookSecret == "" {
		return fmt.Errorf("webhook_secret must not be empty when webhook_addr is set")
	}
	switch g.CleanupPolicy.Strategy {
	case "", "by_count", "by_size", "by_age", "composite":
	default:
		return fmt.Errorf("cleanup_policy.strategy must be one of by_count, by_size, by_age, composite (got %q)", g.CleanupPolicy.Strategy)
	}
	return nil
}

// DefaultGlobals returns production-sane built-in defaults, the lowest tier
// of the env > file > default precedence chain.
func DefaultGlobals() GlobalDefaults {
	return GlobalDefaults{
		Quality:          "best",
		CodecList:        []string{"h264", "aac"},
		FilenameTemplate: "{streamer}/{streamer}_{datetime}_{title}",
		UseChapters:      true,
		AutoRecord:       true,
		CleanupPolicy: CleanupPolicyConfig{
			Strategy:  "by_count",
			KeepCount: 20,
		},

		RecordingsRoot:      "/var/lib/streamvault/recordings",
		InitialRestartDelay: 2 * time.Second,
		MaxRestartDelay:     60 * time.Second,
		MaxRestartAttempts:  10,
		StopTimeout:         10 * time.Second,
		RotationMaxBytes:    0,
		RotationInterval:    6 * time.Hour,

		DedupCacheTTL:  60 * time.Second,
		DedupCacheSize: 4096,

		PipelineWorkers: 2,
		TaskMaxAttempts: 3,
		TaskBackoffBase: 30 * time.Second,
		TaskBackoffMax:  10 * time.Minute,

		HealthAddr:  "127.0.0.1:9998",
		MetricsAddr: "127.0.0.1:9999",
		LockPath:    "/var/run/streamvaultd.lock",

		CaptureBinary:   "streamlink",
		FFmpegBinary:    "ffmpeg",
		LogDir:          "/var/log/streamvault",
		MinSegmentBytes: 65536,
		ShutdownGrace:   20 * time.Second,
		// WebhookAddr is left unset by default: the ingress endpoint only
		// binds when an operator opts in with both an address and a secret.
	}
}

// LoadConfig reads and parses a YAML configuration file directly, without
// going through the koanf layering, for callers that want a plain file
// round-trip.
func LoadConfig(path string) (*GlobalDefaults, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is administrator-controlled
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultGlobals()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file using a write-temp,
// sync, rename sequence so a crash mid-write never leaves a partially
// written config on disk.
func (g *GlobalDefaults) Save(path string) error {
	return g.saveWith(path, defaultCreateTemp)
}

func (g *GlobalDefaults) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	// Config may carry an auth_header/proxy credential; restrict to owner+group.
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}
