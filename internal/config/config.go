// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/balticgrid/estfeed/internal/models"
)

// Config holds all configuration for the service.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	API     APIConfig     `mapstructure:"api"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// APIConfig is the Estfeed access configuration. ClientID and ClientSecret
// are immutable once configured and are the only secrets in the file;
// supply them via environment override in production.
type APIConfig struct {
	Host              string `mapstructure:"host"`
	TokenURL          string `mapstructure:"token_url"`
	ClientID          string `mapstructure:"client_id"`
	ClientSecret      string `mapstructure:"client_secret"`
	ScanInterval      int    `mapstructure:"scan_interval"`
	Resolution        string `mapstructure:"resolution"`
	BackfillDays      int    `mapstructure:"backfill_days"`
	RateLimitSeconds  int    `mapstructure:"rate_limit_seconds"`
	EnableElectricity bool   `mapstructure:"enable_electricity"`
	EnableGas         bool   `mapstructure:"enable_gas"`
}

type StorageConfig struct {
	// Driver is "file" or "postgres".
	Driver    string `mapstructure:"driver"`
	Dir       string `mapstructure:"dir"`
	CacheSize int    `mapstructure:"cache_size"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the file at path with environment
// overrides (ESTFEED_API_CLIENT_SECRET and friends) and defaults applied.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ESTFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate enforces the configuration surface constraints.
func (c *Config) Validate() error {
	if c.API.Host == "" {
		return fmt.Errorf("api.host is required")
	}
	if c.API.ClientID == "" || c.API.ClientSecret == "" {
		return fmt.Errorf("api.client_id and api.client_secret are required")
	}
	if c.API.ScanInterval < 60 || c.API.ScanInterval > 3600 {
		return fmt.Errorf("api.scan_interval must be within 60..3600 seconds, got %d", c.API.ScanInterval)
	}
	if _, err := models.ParseResolution(c.API.Resolution); err != nil {
		return err
	}
	if c.API.BackfillDays < 0 || c.API.BackfillDays > models.MaxBackfillDays {
		return fmt.Errorf("api.backfill_days must be within 0..%d, got %d", models.MaxBackfillDays, c.API.BackfillDays)
	}
	switch c.Storage.Driver {
	case "file", "postgres":
	default:
		return fmt.Errorf("storage.driver must be \"file\" or \"postgres\", got %q", c.Storage.Driver)
	}
	return nil
}

// Resolution returns the parsed resolution. Call after Validate.
func (c *Config) Resolution() models.Resolution {
	r, _ := models.ParseResolution(c.API.Resolution)
	return r
}

// ConnString builds the lib/pq connection string for the postgres driver.
func (c *StorageConfig) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("api.host", "https://estfeed.elering.ee")
	v.SetDefault("api.token_url", "")
	v.SetDefault("api.scan_interval", 300)
	v.SetDefault("api.resolution", "1h")
	v.SetDefault("api.backfill_days", 7)
	v.SetDefault("api.rate_limit_seconds", 5)
	v.SetDefault("api.enable_electricity", true)
	v.SetDefault("api.enable_gas", false)

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.dir", "data")
	v.SetDefault("storage.cache_size", 1000)
	v.SetDefault("storage.port", 5432)
	v.SetDefault("storage.ssl_mode", "disable")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
