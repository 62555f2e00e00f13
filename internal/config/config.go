// Package config loads a single-session configuration via
// github.com/spf13/viper, grounded in the teacher's programmatic-
// defaults-plus-env-override idiom but scoped to the in-process
// Session facade rather than the distributed daemon's role-based schema.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// CaptureConfig configures the default capture source at session
// construction time; every field can still be changed at runtime
// through the Session control surface.
type CaptureConfig struct {
	Interface  string `mapstructure:"interface"`
	Promiscuous bool  `mapstructure:"promiscuous"`
	Snaplen    int    `mapstructure:"snaplen"`
	BPF        string `mapstructure:"bpf"`
}

// WindowConfig bounds the stream dispatcher's per-flow reorder buffer.
type WindowConfig struct {
	MaxChunks int `mapstructure:"max_chunks"`
	MaxBytes  int `mapstructure:"max_bytes"`
}

// StreamConfig configures the stream dispatcher (C5).
type StreamConfig struct {
	Threads     int          `mapstructure:"threads"`
	Window      WindowConfig `mapstructure:"window"`
	IdleTimeout string       `mapstructure:"idle_timeout"`
}

// LogConfig configures the structured logger (C11).
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SessionConfig is the full schema for one Session (C8).
type SessionConfig struct {
	Namespace       string        `mapstructure:"namespace"`
	FilterPrelude   string        `mapstructure:"filter_prelude"`
	Threads         int           `mapstructure:"threads"`
	QueueCapacity   int           `mapstructure:"queue_capacity"`
	DissectorPassCap int          `mapstructure:"dissector_pass_cap"`
	Stream          StreamConfig  `mapstructure:"stream"`
	Log             LogConfig     `mapstructure:"log"`
	Capture         CaptureConfig `mapstructure:"capture"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("namespace", "default")
	v.SetDefault("filter_prelude", "")
	v.SetDefault("threads", 0) // 0 -> runtime.GOMAXPROCS(0)-1
	v.SetDefault("queue_capacity", 4096)
	v.SetDefault("dissector_pass_cap", 128)

	v.SetDefault("stream.threads", 4)
	v.SetDefault("stream.window.max_chunks", 256)
	v.SetDefault("stream.window.max_bytes", 4*1024*1024)
	v.SetDefault("stream.idle_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("capture.promiscuous", false)
	v.SetDefault("capture.snaplen", 65535)
}

// Load reads configuration from the programmatic defaults above, the
// file at path (if non-empty), and environment variables prefixed
// OTUSCORE_ (nested keys with "." replaced by "_"), in increasing
// precedence order: defaults < file < env.
func Load(path string) (*SessionConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OTUSCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg SessionConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
