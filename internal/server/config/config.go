package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable pointing at an optional YAML file.
// Values from the file are overridden by environment variables.
const FileEnv = "SHAREGATE_CONFIG"

// Ledger backends.
const (
	LedgerFile     = "file"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Storage backends.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

type Config struct {
	Port    string `yaml:"port"`
	BaseURL string `yaml:"base_url"`

	UploadLimit  int           `yaml:"upload_limit"`
	UploadWindow time.Duration `yaml:"upload_window"`
	ViewLimit    int           `yaml:"view_limit"`
	ViewWindow   time.Duration `yaml:"view_window"`

	BanThreshold   int           `yaml:"ban_threshold"`
	BanDuration    time.Duration `yaml:"ban_duration"`
	BanForgetAfter time.Duration `yaml:"ban_forget_after"`

	StorageCeiling     int64         `yaml:"storage_ceiling_bytes"`
	Retention          time.Duration `yaml:"retention"`
	MaxFileSize        int64         `yaml:"max_file_size"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	OrphanSafetyMargin time.Duration `yaml:"orphan_safety_margin"`

	LedgerBackend string `yaml:"ledger_backend"`
	LedgerPath    string `yaml:"ledger_path"`
	DatabaseURL   string `yaml:"database_url"`

	StorageBackend string   `yaml:"storage_backend"`
	StoragePath    string   `yaml:"storage_path"`
	S3             S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:    "8080",
		BaseURL: "http://localhost:8080",

		UploadLimit:  10,
		UploadWindow: time.Hour,
		ViewLimit:    100,
		ViewWindow:   time.Hour,

		BanThreshold: 20,
		BanDuration:  24 * time.Hour,

		StorageCeiling:     100 * 1024 * 1024, // 100MB
		Retention:          7 * 24 * time.Hour,
		MaxFileSize:        10 * 1024 * 1024, // 10MB
		SweepInterval:      time.Hour,
		OrphanSafetyMargin: 24 * time.Hour,

		LedgerBackend: LedgerFile,
		LedgerPath:    "./data/ledger.json",

		StorageBackend: StorageLocal,
		StoragePath:    "./storage/files",
		S3:             S3Config{Region: "us-east-1"},
	}
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment, in that order, and validates the result.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if cfg.BanForgetAfter == 0 {
		cfg.BanForgetAfter = 7 * cfg.BanDuration
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.BaseURL = getEnv("BASE_URL", c.BaseURL)

	c.UploadLimit = getEnvInt("UPLOAD_LIMIT", c.UploadLimit)
	c.UploadWindow = getEnvDuration("UPLOAD_WINDOW", c.UploadWindow)
	c.ViewLimit = getEnvInt("VIEW_LIMIT", c.ViewLimit)
	c.ViewWindow = getEnvDuration("VIEW_WINDOW", c.ViewWindow)

	c.BanThreshold = getEnvInt("BAN_THRESHOLD", c.BanThreshold)
	c.BanDuration = getEnvDuration("BAN_DURATION", c.BanDuration)
	c.BanForgetAfter = getEnvDuration("BAN_FORGET_AFTER", c.BanForgetAfter)

	c.StorageCeiling = getEnvInt64("STORAGE_CEILING_BYTES", c.StorageCeiling)
	c.Retention = getEnvDuration("RETENTION", c.Retention)
	c.MaxFileSize = getEnvInt64("MAX_FILE_SIZE", c.MaxFileSize)
	c.SweepInterval = getEnvDuration("SWEEP_INTERVAL", c.SweepInterval)
	c.OrphanSafetyMargin = getEnvDuration("ORPHAN_SAFETY_MARGIN", c.OrphanSafetyMargin)

	c.LedgerBackend = getEnv("LEDGER_BACKEND", c.LedgerBackend)
	c.LedgerPath = getEnv("LEDGER_PATH", c.LedgerPath)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)

	c.StorageBackend = getEnv("STORAGE_BACKEND", c.StorageBackend)
	c.StoragePath = getEnv("STORAGE_PATH", c.StoragePath)
	c.S3.Bucket = getEnv("S3_BUCKET", c.S3.Bucket)
	c.S3.Region = getEnv("S3_REGION", c.S3.Region)
	c.S3.Endpoint = getEnv("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = getEnv("S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = getEnv("S3_SECRET_KEY", c.S3.SecretKey)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	positive("upload_limit", c.UploadLimit > 0)
	positive("upload_window", c.UploadWindow > 0)
	positive("view_limit", c.ViewLimit > 0)
	positive("view_window", c.ViewWindow > 0)
	positive("ban_threshold", c.BanThreshold > 0)
	positive("ban_duration", c.BanDuration > 0)
	positive("storage_ceiling_bytes", c.StorageCeiling > 0)
	positive("retention", c.Retention > 0)
	positive("max_file_size", c.MaxFileSize > 0)
	positive("sweep_interval", c.SweepInterval > 0)
	positive("orphan_safety_margin", c.OrphanSafetyMargin > 0)

	switch c.LedgerBackend {
	case LedgerFile, LedgerSQLite:
		if c.LedgerPath == "" {
			errs = append(errs, fmt.Errorf("ledger_path is required for the %s ledger", c.LedgerBackend))
		}
	case LedgerPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required for the postgres ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger backend %q", c.LedgerBackend))
	}

	switch c.StorageBackend {
	case StorageLocal:
		if c.StoragePath == "" {
			errs = append(errs, errors.New("storage_path is required for local storage"))
		}
	case StorageS3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3.bucket is required for s3 storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.StorageBackend))
	}

	return errors.Join(errs...)
}

// RetentionDays is the retention period rounded down to whole days.
func (c *Config) RetentionDays() int {
	return int(c.Retention / (24 * time.Hour))
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
