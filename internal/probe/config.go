package probe

import (
	"fmt"
	"time"
)

// Target is one device to ping.
type Target struct {
	DeviceID string `mapstructure:"device_id" json:"device_id"`
	Address  string `mapstructure:"address" json:"address"`
}

type ProbeConfig struct {
	Targets     []Target      `mapstructure:"targets"`
	Interval    time.Duration `mapstructure:"interval"`
	PingTimeout time.Duration `mapstructure:"ping_timeout"`
	PingCount   int           `mapstructure:"ping_count"`
	MaxWorkers  int           `mapstructure:"max_workers"`
	Privileged  bool          `mapstructure:"privileged"`
}

func DefaultConfig() ProbeConfig {
	return ProbeConfig{
		Interval:    5 * time.Minute,
		PingTimeout: 3 * time.Second,
		PingCount:   2,
		MaxWorkers:  16,
	}
}

func (c ProbeConfig) validate() error {
	switch {
	case c.Interval <= 0:
		return fmt.Errorf("interval must be > 0, got %s", c.Interval)
	case c.PingTimeout <= 0:
		return fmt.Errorf("ping_timeout must be > 0, got %s", c.PingTimeout)
	case c.PingCount <= 0:
		return fmt.Errorf("ping_count must be > 0, got %d", c.PingCount)
	case c.MaxWorkers <= 0:
		return fmt.Errorf("max_workers must be > 0, got %d", c.MaxWorkers)
	}
	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.DeviceID == "" || t.Address == "" {
			return fmt.Errorf("targets[%d]: device_id and address are required", i)
		}
		if seen[t.DeviceID] {
			return fmt.Errorf("targets[%d]: duplicate device_id %q", i, t.DeviceID)
		}
		seen[t.DeviceID] = true
	}
	return nil
}
