package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Dispatch modes
const (
	DispatchLocal = "local"
	DispatchQueue = "queue"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Download  DownloadConfig
	Progress  ProgressConfig
	Dispatch  DispatchConfig
	Redis     RedisConfig
	Extractor ExtractorConfig
	Storage   StorageConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type DownloadConfig struct {
	Dir            string
	FallbackFormat string
}

type ProgressConfig struct {
	// Interval between two event-stream emissions for one job.
	Interval time.Duration
}

type DispatchConfig struct {
	Mode        string // "local" or "queue"
	Concurrency int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ExtractorConfig struct {
	Binary           string
	AutoInstall      bool
	ProgressInterval time.Duration
}

// StorageConfig configures the optional R2/S3 mirror for finished downloads.
type StorageConfig struct {
	AccountID       string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	KeyPrefix       string
}

// Enabled reports whether enough credentials are present to build a client.
func (s StorageConfig) Enabled() bool {
	return s.AccessKeyID != "" && s.SecretAccessKey != "" && s.BucketName != ""
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("STORAGE_ACCESS_KEY_ID")
	readSecret("STORAGE_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("download.dir", "DOWNLOAD_DIR")
	_ = v.BindEnv("download.fallback_format", "DOWNLOAD_FALLBACK_FORMAT")
	_ = v.BindEnv("progress.interval", "PROGRESS_INTERVAL")
	_ = v.BindEnv("dispatch.mode", "DISPATCH_MODE")
	_ = v.BindEnv("dispatch.concurrency", "DISPATCH_CONCURRENCY")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("extractor.binary", "YTDLP_BINARY")
	_ = v.BindEnv("extractor.auto_install", "YTDLP_AUTO_INSTALL")
	_ = v.BindEnv("extractor.progress_interval", "YTDLP_PROGRESS_INTERVAL")
	_ = v.BindEnv("storage.account_id", "STORAGE_ACCOUNT_ID")
	_ = v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = v.BindEnv("storage.access_key_id", "STORAGE_ACCESS_KEY_ID")
	_ = v.BindEnv("storage.secret_access_key", "STORAGE_SECRET_ACCESS_KEY")
	_ = v.BindEnv("storage.bucket_name", "STORAGE_BUCKET_NAME")
	_ = v.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	_ = v.BindEnv("storage.key_prefix", "STORAGE_KEY_PREFIX")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("download.dir", "./downloads")
	v.SetDefault("download.fallback_format", "bestvideo+bestaudio")
	v.SetDefault("progress.interval", time.Second)
	v.SetDefault("dispatch.mode", DispatchLocal)
	v.SetDefault("dispatch.concurrency", 10)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("extractor.auto_install", false)
	v.SetDefault("extractor.progress_interval", 500*time.Millisecond)
	v.SetDefault("storage.key_prefix", "downloads/")

	// Try to read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Download: DownloadConfig{
			Dir:            v.GetString("download.dir"),
			FallbackFormat: v.GetString("download.fallback_format"),
		},
		Progress: ProgressConfig{
			Interval: v.GetDuration("progress.interval"),
		},
		Dispatch: DispatchConfig{
			Mode:        strings.ToLower(v.GetString("dispatch.mode")),
			Concurrency: v.GetInt("dispatch.concurrency"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Extractor: ExtractorConfig{
			Binary:           v.GetString("extractor.binary"),
			AutoInstall:      v.GetBool("extractor.auto_install"),
			ProgressInterval: v.GetDuration("extractor.progress_interval"),
		},
		Storage: StorageConfig{
			AccountID:       v.GetString("storage.account_id"),
			Endpoint:        v.GetString("storage.endpoint"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			BucketName:      v.GetString("storage.bucket_name"),
			PublicURL:       v.GetString("storage.public_url"),
			KeyPrefix:       v.GetString("storage.key_prefix"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that cannot be defaulted sensibly.
func (c *Config) Validate() error {
	switch c.Dispatch.Mode {
	case DispatchLocal, DispatchQueue:
	default:
		return fmt.Errorf("dispatch.mode must be %q or %q, got %q", DispatchLocal, DispatchQueue, c.Dispatch.Mode)
	}

	if c.Progress.Interval <= 0 {
		return fmt.Errorf("progress.interval must be positive, got %s", c.Progress.Interval)
	}

	if c.Extractor.ProgressInterval <= 0 {
		return fmt.Errorf("extractor.progress_interval must be positive, got %s", c.Extractor.ProgressInterval)
	}

	if c.Download.Dir == "" {
		return fmt.Errorf("download.dir is required")
	}

	if c.Download.FallbackFormat == "" {
		c.Download.FallbackFormat = "bestvideo+bestaudio"
	}

	if c.Dispatch.Concurrency <= 0 {
		c.Dispatch.Concurrency = 10
	}

	return nil
}
