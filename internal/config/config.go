// SPDX-License-Identifier: MIT

// Package config provides configuration management for the streaming core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the YAML file nor the environment set a value.
const (
	DefaultGrantTTL          = 600 * time.Second
	DefaultLockStaleness     = 90 * time.Minute
	DefaultSessionMaxAge     = 30 * time.Minute
	DefaultReaperInterval    = 30 * time.Minute
	DefaultSegmentSeconds    = 8
	DefaultRetryAfterSeconds = 5
	DefaultHLSSettleDelay    = 2 * time.Second
)

// FileConfig represents the YAML configuration structure.
type FileConfig struct {
	LogLevel string `yaml:"logLevel,omitempty"`

	Listen       string `yaml:"listen,omitempty"`
	DatabasePath string `yaml:"databasePath,omitempty"`
	SegmentsRoot string `yaml:"segmentsRoot,omitempty"`
	SharedTmp    string `yaml:"sharedTmp,omitempty"`
	TimingsPath  string `yaml:"timingsPath,omitempty"`

	Redis RedisConfig `yaml:"redis,omitempty"`
	S3    S3Config    `yaml:"s3,omitempty"`
	HLS   HLSConfig   `yaml:"hls,omitempty"`

	GrantTTL      string `yaml:"grantTTL,omitempty"`      // e.g. "600s"
	LockStaleness string `yaml:"lockStaleness,omitempty"` // e.g. "90m"

	PopularityURL string `yaml:"popularityURL,omitempty"`
}

// RedisConfig holds shared-cache connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// S3Config holds object-store settings. An empty bucket selects the
// filesystem blob store rooted at LocalRoot.
type S3Config struct {
	Bucket    string `yaml:"bucket,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	LocalRoot string `yaml:"localRoot,omitempty"`
}

// HLSConfig holds segmenter tuning.
type HLSConfig struct {
	SegmentSeconds int    `yaml:"segmentSeconds,omitempty"`
	FFmpegPath     string `yaml:"ffmpegPath,omitempty"`
	FFprobePath    string `yaml:"ffprobePath,omitempty"`
	Workers        int    `yaml:"workers,omitempty"`
}

// Config is the resolved runtime configuration.
type Config struct {
	LogLevel string

	Listen       string
	DatabasePath string
	SegmentsRoot string
	SharedTmp    string
	TimingsPath  string

	Redis RedisConfig
	S3    S3Config
	HLS   HLSConfig

	TokenSecret   []byte
	GrantTTL      time.Duration
	LockStaleness time.Duration

	PopularityURL string
}

// Load reads the optional YAML file at path, applies environment overrides
// and validates the result. An empty path skips the file stage.
func Load(path string) (*Config, error) {
	var fc FileConfig
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg := &Config{
		LogLevel:      fc.LogLevel,
		Listen:        fc.Listen,
		DatabasePath:  fc.DatabasePath,
		SegmentsRoot:  fc.SegmentsRoot,
		SharedTmp:     fc.SharedTmp,
		TimingsPath:   fc.TimingsPath,
		Redis:         fc.Redis,
		S3:            fc.S3,
		HLS:           fc.HLS,
		GrantTTL:      DefaultGrantTTL,
		LockStaleness: DefaultLockStaleness,
		PopularityURL: fc.PopularityURL,
	}

	if fc.GrantTTL != "" {
		d, err := time.ParseDuration(fc.GrantTTL)
		if err != nil {
			return nil, fmt.Errorf("config: grantTTL: %w", err)
		}
		cfg.GrantTTL = d
	}
	if fc.LockStaleness != "" {
		d, err := time.ParseDuration(fc.LockStaleness)
		if err != nil {
			return nil, fmt.Errorf("config: lockStaleness: %w", err)
		}
		cfg.LockStaleness = d
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = []byte(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("SEGMENTS_ROOT"); v != "" {
		cfg.SegmentsRoot = v
	}
	if v := os.Getenv("SHARED_TMP"); v != "" {
		cfg.SharedTmp = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.S3.Bucket = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.S3.Region = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.S3.Endpoint = v
	}
	if v := os.Getenv("GRANT_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.GrantTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("LOCK_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LockStaleness = time.Duration(n) * time.Minute
		}
	}
	if v := os.Getenv("POPULARITY_URL"); v != "" {
		cfg.PopularityURL = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "data/tonehaven.db"
	}
	if cfg.SegmentsRoot == "" {
		cfg.SegmentsRoot = "data/segments"
	}
	if cfg.SharedTmp == "" {
		cfg.SharedTmp = os.TempDir()
	}
	if cfg.TimingsPath == "" {
		cfg.TimingsPath = "data/timings"
	}
	if cfg.HLS.SegmentSeconds <= 0 {
		cfg.HLS.SegmentSeconds = DefaultSegmentSeconds
	}
	if cfg.HLS.FFmpegPath == "" {
		cfg.HLS.FFmpegPath = "ffmpeg"
	}
	if cfg.HLS.FFprobePath == "" {
		cfg.HLS.FFprobePath = "ffprobe"
	}
	if cfg.HLS.Workers <= 0 {
		cfg.HLS.Workers = 3
	}
}

// Validate enforces invariants that cannot be defaulted away.
func (c *Config) Validate() error {
	if len(c.TokenSecret) == 0 {
		return fmt.Errorf("config: TOKEN_SECRET is required")
	}
	if len(c.TokenSecret) < 32 {
		return fmt.Errorf("config: TOKEN_SECRET must be at least 32 bytes, got %d", len(c.TokenSecret))
	}
	if c.GrantTTL <= 0 {
		return fmt.Errorf("config: grant TTL must be positive")
	}
	if c.LockStaleness <= 0 {
		return fmt.Errorf("config: lock staleness must be positive")
	}
	return nil
}
