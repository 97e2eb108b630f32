package presence

import (
	"fmt"
	"time"

	"github.com/HerbHall/fremen/pkg/fremen"
)

// PresenceConfig holds configuration for the presence plugin.
type PresenceConfig struct {
	// Model hyperparameters applied to newly created device models.
	NumPeriodicities   int           `mapstructure:"num_periodicities"`
	MaxPeriod          time.Duration `mapstructure:"max_period"`
	AmplitudeThreshold float64       `mapstructure:"amplitude_threshold"`
	DefaultOrder       int           `mapstructure:"default_order"`
	PeriodsGTDuration  bool          `mapstructure:"periods_gt_duration"`

	ErrorThreshold       float64       `mapstructure:"error_threshold"`
	PredictionStep       time.Duration `mapstructure:"prediction_step"`
	PredictionHorizon    time.Duration `mapstructure:"prediction_horizon"`
	MaxPredictionPoints  int           `mapstructure:"max_prediction_points"`
	ObservationRetention time.Duration `mapstructure:"observation_retention"`
	MaintenanceInterval  time.Duration `mapstructure:"maintenance_interval"`
}

// DefaultConfig models one week of periodicities and keeps two weeks of
// raw observations for evaluation.
func DefaultConfig() PresenceConfig {
	return PresenceConfig{
		NumPeriodicities:     100,
		MaxPeriod:            7 * 24 * time.Hour,
		AmplitudeThreshold:   0,
		DefaultOrder:         3,
		PeriodsGTDuration:    false,
		ErrorThreshold:       fremen.DefaultErrorThreshold,
		PredictionStep:       15 * time.Minute,
		PredictionHorizon:    24 * time.Hour,
		MaxPredictionPoints:  10000,
		ObservationRetention: 14 * 24 * time.Hour,
		MaintenanceInterval:  10 * time.Minute,
	}
}

// modelConfig converts to core model hyperparameters. Periods are in
// seconds because observations are fed as unix seconds.
func (c PresenceConfig) modelConfig() fremen.Config {
	return fremen.Config{
		NumPeriodicities:   c.NumPeriodicities,
		MaxPeriod:          c.MaxPeriod.Seconds(),
		AmplitudeThreshold: c.AmplitudeThreshold,
		DefaultOrder:       c.DefaultOrder,
		PeriodsGTDuration:  c.PeriodsGTDuration,
	}
}

func (c PresenceConfig) validate() error {
	switch {
	case c.NumPeriodicities <= 0:
		return fmt.Errorf("num_periodicities must be > 0, got %d", c.NumPeriodicities)
	case c.MaxPeriod <= 0:
		return fmt.Errorf("max_period must be > 0, got %s", c.MaxPeriod)
	case c.DefaultOrder <= 0:
		return fmt.Errorf("default_order must be > 0, got %d", c.DefaultOrder)
	case c.PredictionStep <= 0:
		return fmt.Errorf("prediction_step must be > 0, got %s", c.PredictionStep)
	case c.MaxPredictionPoints <= 0:
		return fmt.Errorf("max_prediction_points must be > 0, got %d", c.MaxPredictionPoints)
	case c.MaintenanceInterval <= 0:
		return fmt.Errorf("maintenance_interval must be > 0, got %s", c.MaintenanceInterval)
	}
	return nil
}
