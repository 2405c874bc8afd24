// Package config loads the courier agent configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	DataDir     string            `yaml:"data_dir"`
	Log         LogConfig         `yaml:"log"`
	API         APIConfig         `yaml:"api"`
	Storage     StorageConfig     `yaml:"storage"`
	Sync        SyncConfig        `yaml:"sync"`
	Photo       PhotoConfig       `yaml:"photo"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	GPS         GPSConfig         `yaml:"gps"`
	Agent       AgentConfig       `yaml:"agent"`
	Occurrences OccurrenceConfig  `yaml:"occurrences"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type APIConfig struct {
	BaseURL             string `yaml:"base_url"`
	OccurrencesPath     string `yaml:"occurrences_path"`
	RoutesPath          string `yaml:"routes_path"`
	HealthPath          string `yaml:"health_path"`
	PhotoUploadPath     string `yaml:"photo_upload_path"`
	ProbeTimeoutSeconds int    `yaml:"probe_timeout_seconds"`
	RequestTimeoutSecs  int    `yaml:"request_timeout_seconds"`
}

type StorageConfig struct {
	OpenAttempts     int `yaml:"open_attempts"`
	RetryDelayMillis int `yaml:"retry_delay_millis"`
	TransientRetries int `yaml:"transient_retries"`
}

type SyncConfig struct {
	IntervalSeconds   int `yaml:"interval_seconds"`
	ItemPauseMillis   int `yaml:"item_pause_millis"`
	ProbeIntervalSecs int `yaml:"probe_interval_seconds"` // 0 disables active probing
}

type PhotoConfig struct {
	Quality   int    `yaml:"quality"`
	MaxWidth  int    `yaml:"max_width"`
	MaxHeight int    `yaml:"max_height"`
	Uploader  string `yaml:"uploader"` // "backend" | "object_store"
}

type ObjectStoreConfig struct {
	Provider        string `yaml:"provider"` // "r2" | "minio"
	AccountID       string `yaml:"account_id"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PublicBaseURL   string `yaml:"public_base_url"`
	UseSSL          bool   `yaml:"use_ssl"`
}

type GPSConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type AgentConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

type OccurrenceConfig struct {
	AllowedTypes []string `yaml:"allowed_types"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".logistik"),
		Log:     LogConfig{Level: "info"},
		API: APIConfig{
			BaseURL:             "http://localhost:8000",
			OccurrencesPath:     "/api/",
			RoutesPath:          "/api/roteiros/",
			HealthPath:          "/health/",
			PhotoUploadPath:     "/api/occurrence/upload-photo/",
			ProbeTimeoutSeconds: 5,
			RequestTimeoutSecs:  30,
		},
		Storage: StorageConfig{
			OpenAttempts:     3,
			RetryDelayMillis: 100,
			TransientRetries: 3,
		},
		Sync: SyncConfig{
			IntervalSeconds:   300,
			ItemPauseMillis:   200,
			ProbeIntervalSecs: 0,
		},
		Photo: PhotoConfig{
			Quality:   70,
			MaxWidth:  1280,
			MaxHeight: 1280,
			Uploader:  "backend",
		},
		GPS:   GPSConfig{TimeoutSeconds: 5},
		Agent: AgentConfig{HTTPAddr: "127.0.0.1:8787"},
	}
}

// LoadConfig reads filename over the defaults, then applies environment
// overrides. An empty filename yields defaults plus environment.
func LoadConfig(filename string) (*Config, error) {
	config := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LOGISTIK_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LOGISTIK_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("LOGISTIK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOGISTIK_HTTP_ADDR"); v != "" {
		c.Agent.HTTPAddr = v
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must be set")
	}
	if c.Photo.Quality < 1 || c.Photo.Quality > 100 {
		return fmt.Errorf("photo.quality must be between 1 and 100, got %d", c.Photo.Quality)
	}
	if c.Photo.MaxWidth <= 0 || c.Photo.MaxHeight <= 0 {
		return fmt.Errorf("photo.max_width and photo.max_height must be positive")
	}
	if c.Storage.OpenAttempts < 1 {
		return fmt.Errorf("storage.open_attempts must be at least 1")
	}
	if c.Storage.TransientRetries < 0 || c.Storage.RetryDelayMillis < 0 {
		return fmt.Errorf("storage retry settings must not be negative")
	}
	if c.Sync.IntervalSeconds < 1 {
		return fmt.Errorf("sync.interval_seconds must be at least 1")
	}
	if c.Sync.ItemPauseMillis < 0 {
		return fmt.Errorf("sync.item_pause_millis must not be negative")
	}
	switch c.Photo.Uploader {
	case "backend":
	case "object_store":
		if c.ObjectStore.Bucket == "" {
			return fmt.Errorf("object_store.bucket must be set when photo.uploader is object_store")
		}
		if c.ObjectStore.Provider != "r2" && c.ObjectStore.Provider != "minio" {
			return fmt.Errorf("object_store.provider must be r2 or minio, got %q", c.ObjectStore.Provider)
		}
	default:
		return fmt.Errorf("photo.uploader must be backend or object_store, got %q", c.Photo.Uploader)
	}
	return nil
}

func (c APIConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

func (c APIConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

func (c StorageConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMillis) * time.Millisecond
}

func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c SyncConfig) ItemPause() time.Duration {
	return time.Duration(c.ItemPauseMillis) * time.Millisecond
}

func (c SyncConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSecs) * time.Second
}

func (c GPSConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
