package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Network    NetworkConfig    `yaml:"network"`
	Calendar   CalendarConfig   `yaml:"calendar"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// StorageConfig scopes every piece of local durable state to one directory.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// DatabasePath is the sqlite file holding queue records, events and the sync cursor.
func (s StorageConfig) DatabasePath() string {
	return filepath.Join(s.DataDir, "duet.db")
}

// BlobDir is where large payloads of pending operations are spooled.
func (s StorageConfig) BlobDir() string {
	return filepath.Join(s.DataDir, "pending_blobs")
}

type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

type QueueConfig struct {
	PollIntervalSeconds   int `yaml:"poll_interval_seconds"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	MaxRetries            int `yaml:"max_retries"`
	StaleAfterHours       int `yaml:"stale_after_hours"`
}

func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalSeconds) * time.Second
}

func (q QueueConfig) RequestTimeout() time.Duration {
	return time.Duration(q.RequestTimeoutSeconds) * time.Second
}

func (q QueueConfig) StaleAfter() time.Duration {
	return time.Duration(q.StaleAfterHours) * time.Hour
}

type NetworkConfig struct {
	ProbeAddress         string `yaml:"probe_address"`
	ProbeIntervalSeconds int    `yaml:"probe_interval_seconds"`
	ProbeTimeoutSeconds  int    `yaml:"probe_timeout_seconds"`
}

func (n NetworkConfig) ProbeInterval() time.Duration {
	return time.Duration(n.ProbeIntervalSeconds) * time.Second
}

func (n NetworkConfig) ProbeTimeout() time.Duration {
	return time.Duration(n.ProbeTimeoutSeconds) * time.Second
}

type CalendarConfig struct {
	Enabled               bool   `yaml:"enabled"`
	CalendarName          string `yaml:"calendar_name"`
	CredentialsFile       string `yaml:"credentials_file"`
	TokenFile             string `yaml:"token_file"`
	IncludePastEvents     bool   `yaml:"include_past_events"`
	IncludeUpcomingEvents bool   `yaml:"include_upcoming_events"`
	PastMonths            int    `yaml:"past_months"`
	FutureMonths          int    `yaml:"future_months"`
	AutoSyncEnabled       bool   `yaml:"auto_sync_enabled"`
	SyncIntervalSeconds   int    `yaml:"sync_interval_seconds"`
	ForegroundGateMinutes int    `yaml:"foreground_gate_minutes"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	CleanupPastDays       int    `yaml:"cleanup_past_days"`
	CleanupFutureDays     int    `yaml:"cleanup_future_days"`
}

func (c CalendarConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

func (c CalendarConfig) ForegroundGate() time.Duration {
	return time.Duration(c.ForegroundGateMinutes) * time.Minute
}

func (c CalendarConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return errors.New("storage data_dir is required")
	}

	if c.Calendar.Enabled {
		if c.Calendar.CalendarName == "" {
			return errors.New("calendar name is required when calendar sync is enabled")
		}
		if c.Calendar.SyncIntervalSeconds < 60 {
			return fmt.Errorf("calendar sync_interval_seconds must be at least 60, got %d", c.Calendar.SyncIntervalSeconds)
		}
		if c.Calendar.PastMonths < 0 || c.Calendar.FutureMonths < 0 {
			return errors.New("calendar window months must not be negative")
		}
	}

	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue max_retries must be positive, got %d", c.Queue.MaxRetries)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "duet"
	}

	if c.Queue.PollIntervalSeconds == 0 {
		c.Queue.PollIntervalSeconds = 15
	}
	if c.Queue.RequestTimeoutSeconds == 0 {
		c.Queue.RequestTimeoutSeconds = 30
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 5
	}
	if c.Queue.StaleAfterHours == 0 {
		c.Queue.StaleAfterHours = 7 * 24
	}

	if c.Network.ProbeAddress == "" {
		c.Network.ProbeAddress = "dns.google:443"
	}
	if c.Network.ProbeIntervalSeconds == 0 {
		c.Network.ProbeIntervalSeconds = 10
	}
	if c.Network.ProbeTimeoutSeconds == 0 {
		c.Network.ProbeTimeoutSeconds = 3
	}

	if c.Calendar.CalendarName == "" {
		c.Calendar.CalendarName = "Duet"
	}
	if c.Calendar.PastMonths == 0 {
		c.Calendar.PastMonths = 3
	}
	if c.Calendar.FutureMonths == 0 {
		c.Calendar.FutureMonths = 12
	}
	if c.Calendar.SyncIntervalSeconds == 0 {
		c.Calendar.SyncIntervalSeconds = 30 * 60
	}
	if c.Calendar.ForegroundGateMinutes == 0 {
		c.Calendar.ForegroundGateMinutes = 5
	}
	if c.Calendar.RequestTimeoutSeconds == 0 {
		c.Calendar.RequestTimeoutSeconds = 30
	}
	if c.Calendar.CleanupPastDays == 0 {
		c.Calendar.CleanupPastDays = 30
	}
	if c.Calendar.CleanupFutureDays == 0 {
		c.Calendar.CleanupFutureDays = 365
	}
	if c.Calendar.TokenFile == "" && c.Storage.DataDir != "" {
		c.Calendar.TokenFile = filepath.Join(c.Storage.DataDir, "calendar_token.json")
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "duet"
	}

	if c.Backup.StoragePath == "" && c.Storage.DataDir != "" {
		c.Backup.StoragePath = filepath.Join(c.Storage.DataDir, "backups")
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 14
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 5
	}
}
