package config

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig is the logging section.
type LogConfig struct {
	Level  string   // debug, info, warn, error; empty means info
	Format string   // json or console; empty means json
	Output []string // zap sink URLs; empty means stderr
}

// NewLogger builds the process logger from the logging.* keys.
func NewLogger(v *viper.Viper) (*zap.Logger, error) {
	return LogConfig{
		Level:  v.GetString("logging.level"),
		Format: v.GetString("logging.format"),
		Output: v.GetStringSlice("logging.output"),
	}.Build()
}

// Build returns a logger tagged with service=fremen.
func (c LogConfig) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}

	zc := zap.NewProductionConfig()
	switch c.Format {
	case "", "json":
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "console":
		zc.Encoding = "console"
		zc.Sampling = nil
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("logging.format %q: want json or console", c.Format)
	}

	zc.Level = zap.NewAtomicLevelAt(level)
	if len(c.Output) > 0 {
		zc.OutputPaths = c.Output
	}
	zc.InitialFields = map[string]any{"service": "fremen"}
	return zc.Build()
}
