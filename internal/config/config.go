// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	ServerPort   string `env:"SERVER_PORT" envDefault:"8084"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"inkdrop.db"`
	IngestDir    string `env:"INGEST_DIR" envDefault:"/ingest"`
	TempDir      string `env:"TEMP_DIR" envDefault:"/tmp/inkdrop"`

	MirrorBaseURL string `env:"MIRROR_BASE_URL,required"`
	MirrorAPIKey  string `env:"MIRROR_API_KEY"`

	MaxConcurrentDownloads int  `env:"MAX_CONCURRENT_DOWNLOADS" envDefault:"3"`
	DownloadMaxRetries     int  `env:"DOWNLOAD_MAX_RETRIES" envDefault:"3"`
	VerifyChecksums        bool `env:"VERIFY_CHECKSUMS" envDefault:"true"`

	AuthHeader  string `env:"AUTH_HEADER" envDefault:"X-Remote-User"`
	DisableAuth bool   `env:"DISABLE_AUTH" envDefault:"false"`
	DefaultUser string `env:"DEFAULT_USER" envDefault:"admin"`

	PhantomSweepInterval time.Duration `env:"PHANTOM_SWEEP_INTERVAL" envDefault:"5m"`
	HistoryRetentionDays int           `env:"HISTORY_RETENTION_DAYS" envDefault:"0"`
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if file doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.MirrorBaseURL == "" {
		return fmt.Errorf("MIRROR_BASE_URL is required")
	}
	if !strings.HasPrefix(c.MirrorBaseURL, "http://") && !strings.HasPrefix(c.MirrorBaseURL, "https://") {
		return fmt.Errorf("MIRROR_BASE_URL must be an http(s) URL, got: %s", c.MirrorBaseURL)
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	logLevel := strings.ToLower(c.LogLevel)
	isValidLevel := false
	for _, level := range validLogLevels {
		if logLevel == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("invalid log level %q, must be one of: %v", c.LogLevel, validLogLevels)
	}

	if c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be at least 1, got: %d", c.MaxConcurrentDownloads)
	}
	if c.DownloadMaxRetries < 0 {
		return fmt.Errorf("DOWNLOAD_MAX_RETRIES cannot be negative, got: %d", c.DownloadMaxRetries)
	}
	if c.HistoryRetentionDays < 0 {
		return fmt.Errorf("HISTORY_RETENTION_DAYS cannot be negative, got: %d", c.HistoryRetentionDays)
	}

	if c.DisableAuth && c.DefaultUser == "" {
		return fmt.Errorf("DEFAULT_USER is required when DISABLE_AUTH is set")
	}
	if !c.DisableAuth && c.AuthHeader == "" {
		return fmt.Errorf("AUTH_HEADER cannot be empty")
	}

	ingestDir, err := cleanDir("INGEST_DIR", c.IngestDir)
	if err != nil {
		return err
	}
	tempDir, err := cleanDir("TEMP_DIR", c.TempDir)
	if err != nil {
		return err
	}
	if ingestDir == tempDir {
		return fmt.Errorf("TEMP_DIR must differ from INGEST_DIR")
	}

	c.IngestDir = ingestDir
	c.TempDir = tempDir
	return nil
}

// cleanDir requires an absolute path that is a directory when it exists
func cleanDir(name, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%s cannot be empty", name)
	}

	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		return "", fmt.Errorf("%s must be an absolute path, got: %s", name, path)
	}

	if info, err := os.Stat(cleanPath); err == nil && !info.IsDir() {
		return "", fmt.Errorf("%s must be a directory, got file: %s", name, cleanPath)
	}
	return cleanPath, nil
}
