package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type WorkerConfig struct {
	ID              string
	DownloadDir     string
	ClaimTTL        time.Duration
	MaxAttempts     int
	LiveMaxAttempts int
	BaseDelay       time.Duration
	LiveBaseDelay   time.Duration
	MaxDelay        time.Duration
}

type StorageConfig struct {
	Root        string
	CleanupDays int
}

type Config struct {
	Listen            string
	RedisURL          string
	LogLevel          string
	ReconcileInterval time.Duration
	Worker            WorkerConfig
	Storage           StorageConfig
}

func Default() Config {
	return Config{
		Listen:            ":8080",
		RedisURL:          "redis://localhost:6379/0",
		LogLevel:          LogLevelInfo,
		ReconcileInterval: time.Minute,
		Worker: WorkerConfig{
			DownloadDir: "downloads",
		},
		Storage: StorageConfig{
			Root:        "data",
			CleanupDays: 30,
		},
	}
}

// yamlConfig keeps durations as strings so the file can say "30s".
type yamlConfig struct {
	Listen            string            `yaml:"listen"`
	RedisURL          string            `yaml:"redis_url"`
	LogLevel          string            `yaml:"log_level"`
	ReconcileInterval string            `yaml:"reconcile_interval"`
	Worker            yamlWorkerConfig  `yaml:"worker"`
	Storage           yamlStorageConfig `yaml:"storage"`
}

type yamlWorkerConfig struct {
	ID              string `yaml:"id"`
	DownloadDir     string `yaml:"download_dir"`
	ClaimTTL        string `yaml:"claim_ttl"`
	MaxAttempts     int    `yaml:"max_attempts"`
	LiveMaxAttempts int    `yaml:"live_max_attempts"`
	BaseDelay       string `yaml:"base_delay"`
	LiveBaseDelay   string `yaml:"live_base_delay"`
	MaxDelay        string `yaml:"max_delay"`
}

type yamlStorageConfig struct {
	Root        string `yaml:"root"`
	CleanupDays int    `yaml:"cleanup_days"`
}

// Load reads the YAML file, then applies environment overrides. A missing
// config file is fine, defaults plus environment cover the common case.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	default:
		if err := applyYAML(&cfg, data); err != nil {
			return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

func applyYAML(cfg *Config, data []byte) error {
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return err
	}

	setString(&cfg.Listen, yc.Listen)
	setString(&cfg.RedisURL, yc.RedisURL)
	setString(&cfg.LogLevel, yc.LogLevel)
	if err := setDuration(&cfg.ReconcileInterval, yc.ReconcileInterval, "reconcile_interval"); err != nil {
		return err
	}

	setString(&cfg.Worker.ID, yc.Worker.ID)
	setString(&cfg.Worker.DownloadDir, yc.Worker.DownloadDir)
	if yc.Worker.MaxAttempts != 0 {
		cfg.Worker.MaxAttempts = yc.Worker.MaxAttempts
	}
	if yc.Worker.LiveMaxAttempts != 0 {
		cfg.Worker.LiveMaxAttempts = yc.Worker.LiveMaxAttempts
	}
	if err := setDuration(&cfg.Worker.ClaimTTL, yc.Worker.ClaimTTL, "worker.claim_ttl"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Worker.BaseDelay, yc.Worker.BaseDelay, "worker.base_delay"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Worker.LiveBaseDelay, yc.Worker.LiveBaseDelay, "worker.live_base_delay"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Worker.MaxDelay, yc.Worker.MaxDelay, "worker.max_delay"); err != nil {
		return err
	}

	setString(&cfg.Storage.Root, yc.Storage.Root)
	if yc.Storage.CleanupDays != 0 {
		cfg.Storage.CleanupDays = yc.Storage.CleanupDays
	}

	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Listen, os.Getenv("FETCHQD_LISTEN"))
	setString(&cfg.RedisURL, os.Getenv("REDIS_URL"))
	setString(&cfg.LogLevel, os.Getenv("FETCHQD_LOG_LEVEL"))
	setString(&cfg.Worker.ID, os.Getenv("FETCHQD_WORKER_ID"))
	setString(&cfg.Worker.DownloadDir, os.Getenv("FETCHQD_DOWNLOAD_DIR"))
	setString(&cfg.Storage.Root, os.Getenv("FETCHQD_STORAGE_ROOT"))

	if v := os.Getenv("FETCHQD_CLEANUP_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("cannot parse FETCHQD_CLEANUP_DAYS: %w", err)
		}
		cfg.Storage.CleanupDays = n
	}

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v, field string) error {
	if v == "" {
		return nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("cannot parse %s: %w", field, err)
	}
	*dst = d

	return nil
}
