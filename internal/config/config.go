// Package config loads fleetsync settings.
//
// Values are layered: built-in defaults, then an optional YAML file named by
// FLEETSYNC_CONFIG, then FLEETSYNC_* environment variables (a .env file in
// the working directory is loaded first), then command-line flags bound with
// BindFlags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	DataDir    string       `yaml:"dataDir"`
	ListenAddr string       `yaml:"listenAddr"`
	LogLevel   string       `yaml:"logLevel"`
	Remote     RemoteConfig `yaml:"remote"`
	Sync       SyncConfig   `yaml:"sync"`
	Media      MediaConfig  `yaml:"media"`
}

// RemoteConfig describes the intervention server.
type RemoteConfig struct {
	BaseURL       string        `yaml:"baseURL"`
	AuthToken     string        `yaml:"authToken"`
	UploadTimeout time.Duration `yaml:"uploadTimeout"`
	ProbeInterval time.Duration `yaml:"probeInterval"`
	// RequestsPerSecond paces uploads while a backlog drains. Zero
	// disables pacing.
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// SyncConfig tunes the sync engine and scheduler.
type SyncConfig struct {
	MaxRetries        int           `yaml:"maxRetries"`
	BackoffBase       time.Duration `yaml:"backoffBase"`
	BackoffMax        time.Duration `yaml:"backoffMax"`
	Workers           int           `yaml:"workers"`
	SyncedGrace       time.Duration `yaml:"syncedGrace"`
	Debounce          time.Duration `yaml:"debounce"`
	PassTimeout       time.Duration `yaml:"passTimeout"`
	SafetyInterval    time.Duration `yaml:"safetyInterval"`
	CompressOnCapture bool          `yaml:"compressOnCapture"`
}

// MediaConfig bounds attachment compression.
type MediaConfig struct {
	MaxBytes     int `yaml:"maxBytes"`
	MaxDimension int `yaml:"maxDimension"`
	Quality      int `yaml:"quality"`
	QualityFloor int `yaml:"qualityFloor"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:    defaultDataDir(),
		ListenAddr: "127.0.0.1:8765",
		LogLevel:   "INFO",
		Remote: RemoteConfig{
			UploadTimeout:     60 * time.Second,
			ProbeInterval:     15 * time.Second,
			RequestsPerSecond: 2,
			Burst:             4,
		},
		Sync: SyncConfig{
			MaxRetries:     6,
			BackoffBase:    30 * time.Second,
			BackoffMax:     30 * time.Minute,
			Workers:        3,
			SyncedGrace:    30 * time.Second,
			Debounce:       2 * time.Second,
			PassTimeout:    5 * time.Minute,
			SafetyInterval: 10 * time.Minute,
		},
		Media: MediaConfig{
			MaxBytes:     1536 * 1024,
			MaxDimension: 2048,
			Quality:      82,
			QualityFloor: 42,
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "fleetsync")
	}
	return ".fleetsync"
}

// Load builds the configuration from defaults, the YAML file and the
// environment. Flags are applied later by the caller.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("FLEETSYNC_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []string
	note := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	c.DataDir = getEnv("FLEETSYNC_DATA_DIR", c.DataDir)
	c.ListenAddr = getEnv("FLEETSYNC_LISTEN_ADDR", c.ListenAddr)
	c.LogLevel = getEnv("FLEETSYNC_LOG_LEVEL", c.LogLevel)

	c.Remote.BaseURL = getEnv("FLEETSYNC_REMOTE_URL", c.Remote.BaseURL)
	c.Remote.AuthToken = getEnv("FLEETSYNC_AUTH_TOKEN", c.Remote.AuthToken)
	note(getDurationEnv("FLEETSYNC_UPLOAD_TIMEOUT", &c.Remote.UploadTimeout))
	note(getDurationEnv("FLEETSYNC_PROBE_INTERVAL", &c.Remote.ProbeInterval))
	note(getFloatEnv("FLEETSYNC_REMOTE_RPS", &c.Remote.RequestsPerSecond))
	note(getIntEnv("FLEETSYNC_REMOTE_BURST", &c.Remote.Burst))

	note(getIntEnv("FLEETSYNC_MAX_RETRIES", &c.Sync.MaxRetries))
	note(getDurationEnv("FLEETSYNC_BACKOFF_BASE", &c.Sync.BackoffBase))
	note(getDurationEnv("FLEETSYNC_BACKOFF_MAX", &c.Sync.BackoffMax))
	note(getIntEnv("FLEETSYNC_WORKERS", &c.Sync.Workers))
	note(getDurationEnv("FLEETSYNC_SYNCED_GRACE", &c.Sync.SyncedGrace))
	note(getDurationEnv("FLEETSYNC_DEBOUNCE", &c.Sync.Debounce))
	note(getDurationEnv("FLEETSYNC_PASS_TIMEOUT", &c.Sync.PassTimeout))
	note(getDurationEnv("FLEETSYNC_SAFETY_INTERVAL", &c.Sync.SafetyInterval))
	note(getBoolEnv("FLEETSYNC_COMPRESS_ON_CAPTURE", &c.Sync.CompressOnCapture))

	note(getIntEnv("FLEETSYNC_MEDIA_MAX_BYTES", &c.Media.MaxBytes))
	note(getIntEnv("FLEETSYNC_MEDIA_MAX_DIMENSION", &c.Media.MaxDimension))
	note(getIntEnv("FLEETSYNC_MEDIA_QUALITY", &c.Media.Quality))
	note(getIntEnv("FLEETSYNC_MEDIA_QUALITY_FLOOR", &c.Media.QualityFloor))

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BindFlags registers command-line overrides on fs. Current values become
// the flag defaults, so call it after Load and before fs.Parse.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory for the queue database and attachments")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "address of the local status API")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "DEBUG, INFO, WARN or ERROR")
	fs.StringVar(&c.Remote.BaseURL, "remote", c.Remote.BaseURL, "base URL of the intervention server")
	fs.DurationVar(&c.Remote.UploadTimeout, "upload-timeout", c.Remote.UploadTimeout, "timeout of one upload attempt")
	fs.DurationVar(&c.Remote.ProbeInterval, "probe-interval", c.Remote.ProbeInterval, "connectivity probe interval (0 disables probing)")
	fs.Float64Var(&c.Remote.RequestsPerSecond, "remote-rps", c.Remote.RequestsPerSecond, "upload rate limit in requests per second (0 disables)")
	fs.IntVar(&c.Sync.MaxRetries, "max-retries", c.Sync.MaxRetries, "automatic retries before a submission needs attention")
	fs.IntVarP(&c.Sync.Workers, "workers", "w", c.Sync.Workers, "concurrent entities per sync pass (1-4)")
	fs.DurationVar(&c.Sync.SyncedGrace, "synced-grace", c.Sync.SyncedGrace, "how long synced submissions stay visible")
	fs.DurationVar(&c.Sync.Debounce, "debounce", c.Sync.Debounce, "connectivity debounce window")
	fs.BoolVar(&c.Sync.CompressOnCapture, "compress-on-capture", c.Sync.CompressOnCapture, "compress attachments when a submission is captured")
	fs.IntVar(&c.Media.MaxBytes, "media-max-bytes", c.Media.MaxBytes, "maximum size of a compressed attachment")
	fs.IntVar(&c.Media.MaxDimension, "media-max-dimension", c.Media.MaxDimension, "maximum long edge of a compressed attachment")
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []string
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	check(c.DataDir != "", "dataDir is required")
	check(c.Sync.Workers >= 1 && c.Sync.Workers <= 4, "sync.workers must be between 1 and 4")
	check(c.Sync.MaxRetries >= 1, "sync.maxRetries must be at least 1")
	check(c.Sync.BackoffBase > 0, "sync.backoffBase must be positive")
	check(c.Sync.BackoffMax >= c.Sync.BackoffBase, "sync.backoffMax must not be below sync.backoffBase")
	check(c.Sync.SyncedGrace >= 0, "sync.syncedGrace must not be negative")
	check(c.Sync.Debounce >= 0, "sync.debounce must not be negative")
	check(c.Sync.PassTimeout > 0, "sync.passTimeout must be positive")
	check(c.Remote.UploadTimeout > 0, "remote.uploadTimeout must be positive")
	check(c.Remote.ProbeInterval >= 0, "remote.probeInterval must not be negative")
	check(c.Remote.RequestsPerSecond >= 0, "remote.requestsPerSecond must not be negative")
	check(c.Media.MaxBytes >= 16*1024, "media.maxBytes must be at least 16 KiB")
	check(c.Media.MaxDimension >= 64, "media.maxDimension must be at least 64")
	check(c.Media.QualityFloor >= 1 && c.Media.QualityFloor <= c.Media.Quality && c.Media.Quality <= 100,
		"media quality must satisfy 1 <= qualityFloor <= quality <= 100")
	if c.Remote.BaseURL != "" {
		check(strings.HasPrefix(c.Remote.BaseURL, "http://") || strings.HasPrefix(c.Remote.BaseURL, "https://"),
			"remote.baseURL must be an http(s) URL")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DatabasePath returns the SQLite file location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "fleetsync.db")
}

// AttachmentsDir returns the blob store root.
func (c *Config) AttachmentsDir() string {
	return filepath.Join(c.DataDir, "attachments")
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, dst *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func getFloatEnv(key string, dst *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func getBoolEnv(key string, dst *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func getDurationEnv(key string, dst *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
