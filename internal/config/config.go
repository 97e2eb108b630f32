// Package config provides a Viper-backed implementation of the plugin.Config
// interface, configuration loading, and logger construction.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/fremen/pkg/plugin"
	"github.com/spf13/viper"
)

// Compile-time interface guard.
var _ plugin.Config = (*ViperConfig)(nil)

// ViperConfig wraps a Viper instance to implement plugin.Config.
type ViperConfig struct {
	v *viper.Viper
}

// New creates a Config backed by the given Viper instance.
// Returns the concrete type; callers assign to plugin.Config where needed.
func New(v *viper.Viper) *ViperConfig {
	if v == nil {
		v = viper.New()
	}
	return &ViperConfig{v: v}
}

// Load builds a Viper instance with defaults, an optional YAML file and
// FREMEN_* environment overrides. When configPath is empty, fremen.yaml is
// searched in ".", "./configs" and "/etc/fremen"; a missing file is not an
// error.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("fremen")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/fremen")
	}

	// Environment variable support: FREMEN_SERVER_PORT=9090
	v.SetEnvPrefix("FREMEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// SetDefaults registers the default value of every known key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 100)
	v.SetDefault("server.rate_limit_burst", 200)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.path", "./data/fremen.db")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", "720h")

	v.SetDefault("plugins.presence.num_periodicities", 100)
	v.SetDefault("plugins.presence.max_period", "168h")
	v.SetDefault("plugins.presence.amplitude_threshold", 0.0)
	v.SetDefault("plugins.presence.default_order", 3)
	v.SetDefault("plugins.presence.periods_gt_duration", false)
	v.SetDefault("plugins.presence.error_threshold", 10.0)
	v.SetDefault("plugins.presence.prediction_step", "15m")
	v.SetDefault("plugins.presence.prediction_horizon", "24h")
	v.SetDefault("plugins.presence.max_prediction_points", 10000)
	v.SetDefault("plugins.presence.observation_retention", "336h")
	v.SetDefault("plugins.presence.maintenance_interval", "10m")

	v.SetDefault("plugins.probe.interval", "5m")
	v.SetDefault("plugins.probe.ping_timeout", "3s")
	v.SetDefault("plugins.probe.ping_count", 2)
	v.SetDefault("plugins.probe.max_workers", 16)
	v.SetDefault("plugins.probe.privileged", false)
}

func (c *ViperConfig) Unmarshal(target any) error {
	return c.v.Unmarshal(target)
}

func (c *ViperConfig) Get(key string) any {
	return c.v.Get(key)
}

func (c *ViperConfig) GetString(key string) string {
	return c.v.GetString(key)
}

func (c *ViperConfig) GetInt(key string) int {
	return c.v.GetInt(key)
}

func (c *ViperConfig) GetBool(key string) bool {
	return c.v.GetBool(key)
}

func (c *ViperConfig) GetDuration(key string) time.Duration {
	return c.v.GetDuration(key)
}

func (c *ViperConfig) IsSet(key string) bool {
	return c.v.IsSet(key)
}

func (c *ViperConfig) Sub(key string) plugin.Config {
	sub := c.v.Sub(key)
	if sub == nil {
		return New(nil)
	}
	return New(sub)
}
