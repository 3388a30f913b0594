package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Duration is a time.Duration that reads and writes as "5s" in JSON and env.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	Storage     StorageConfig     `json:"storage" envPrefix:"STORAGE_"`
	WhatsApp    WhatsAppConfig    `json:"whatsapp" envPrefix:"WHATSAPP_"`
	Webhooks    WebhooksConfig    `json:"webhooks" envPrefix:"WEBHOOKS_"`
	Media       MediaConfig       `json:"media" envPrefix:"MEDIA_"`
	Dashboard   DashboardConfig   `json:"dashboard" envPrefix:"DASHBOARD_"`
	Maintenance MaintenanceConfig `json:"maintenance" envPrefix:"MAINTENANCE_"`
	Log         LogConfig         `json:"log" envPrefix:"LOG_"`

	mu sync.RWMutex
}

type StorageConfig struct {
	Type         string `json:"type" env:"TYPE"`
	DatabaseURL  string `json:"database_url" env:"DATABASE_URL"`
	FilePath     string `json:"file_path" env:"FILE_PATH"`
	SSLEnabled   bool   `json:"ssl_enabled" env:"SSL_ENABLED"`
	MaxIdleConns int    `json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	MaxOpenConns int    `json:"max_open_conns" env:"MAX_OPEN_CONNS"`
}

type WhatsAppConfig struct {
	StorePath         string   `json:"store_path" env:"STORE_PATH"`
	PrintQR           bool     `json:"print_qr" env:"PRINT_QR"`
	ReconnectDelay    Duration `json:"reconnect_delay" env:"RECONNECT_DELAY"`
	MaxReconnectDelay Duration `json:"max_reconnect_delay" env:"MAX_RECONNECT_DELAY"`
	PurgeGrace        Duration `json:"purge_grace" env:"PURGE_GRACE"`
}

type WebhooksConfig struct {
	MaxRetries  int      `json:"max_retries" env:"MAX_RETRIES"`
	BaseBackoff Duration `json:"base_backoff" env:"BASE_BACKOFF"`
	Timeout     Duration `json:"timeout" env:"TIMEOUT"`
}

type MediaConfig struct {
	Dir       string `json:"dir" env:"DIR"`
	URLPrefix string `json:"url_prefix" env:"URL_PREFIX"`
}

type DashboardConfig struct {
	Enabled        bool     `json:"enabled" env:"ENABLED"`
	Host           string   `json:"host" env:"HOST"`
	Port           int      `json:"port" env:"PORT"`
	Token          string   `json:"token" env:"TOKEN"`
	AllowedOrigins []string `json:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

type MaintenanceConfig struct {
	AuditRetention Duration `json:"audit_retention" env:"AUDIT_RETENTION"`
	PruneSchedule  string   `json:"prune_schedule" env:"PRUNE_SCHEDULE"`
}

type LogConfig struct {
	Level  string `json:"level" env:"LEVEL"`
	Pretty bool   `json:"pretty" env:"PRETTY"`
}

func DefaultHome() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wabridge")
}

func DefaultConfig() *Config {
	home := DefaultHome()
	return &Config{
		Storage: StorageConfig{
			Type:         "sqlite",
			FilePath:     filepath.Join(home, "wabridge.db"),
			MaxIdleConns: 5,
			MaxOpenConns: 25,
		},
		WhatsApp: WhatsAppConfig{
			StorePath:         filepath.Join(home, "whatsapp.db"),
			PrintQR:           true,
			ReconnectDelay:    Duration(5 * time.Second),
			MaxReconnectDelay: Duration(5 * time.Minute),
			PurgeGrace:        Duration(time.Second),
		},
		Webhooks: WebhooksConfig{
			MaxRetries:  3,
			BaseBackoff: Duration(time.Second),
			Timeout:     Duration(10 * time.Second),
		},
		Media: MediaConfig{
			Dir:       filepath.Join(home, "media"),
			URLPrefix: "/media/",
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    18790,
		},
		Maintenance: MaintenanceConfig{
			AuditRetention: Duration(30 * 24 * time.Hour),
			PruneSchedule:  "0 3 * * *",
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load builds the runtime config: defaults, then the JSON file at path if it
// exists, then WABRIDGE_* environment variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		fileCfg, err := LoadConfigFromFile(path)
		switch {
		case err == nil:
			cfg = fileCfg
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch strings.ToLower(c.Storage.Type) {
	case "sqlite":
		if strings.TrimSpace(c.Storage.FilePath) == "" {
			return errors.New("storage.file_path is required for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.DatabaseURL) == "" {
			return errors.New("storage.database_url is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	if c.Webhooks.MaxRetries < 0 {
		return errors.New("webhooks.max_retries must not be negative")
	}
	if c.WhatsApp.ReconnectDelay <= 0 {
		return errors.New("whatsapp.reconnect_delay must be positive")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	return nil
}

// DashboardAddr returns host:port for the HTTP listener.
func (c *Config) DashboardAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Dashboard.Host, c.Dashboard.Port)
}
