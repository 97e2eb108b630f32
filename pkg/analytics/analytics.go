// Package analytics provides the public JSON types of the fremen presence API.
package analytics

import "time"

// Bus topics shared between modules.
const (
	TopicObservation  = "probe.observation"
	TopicModelUpdated = "presence.model.updated"
	TopicModelDeleted = "presence.model.deleted"
)

// Observation is one binary state sample for a device.
type Observation struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Active    bool      `json:"active"`
}

// ObservationBatch is the request body for POST /presence/observations.
type ObservationBatch struct {
	Observations []Observation `json:"observations"`
}

// IngestResult reports what happened to a posted batch.
type IngestResult struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
	Devices  int `json:"devices"`
}

// Harmonic is one periodic component of a device model.
type Harmonic struct {
	PeriodSeconds float64 `json:"period_seconds"`
	Amplitude     float64 `json:"amplitude"`
	Phase         float64 `json:"phase"`
}

// ModelSummary describes the learned state of one device model.
type ModelSummary struct {
	DeviceID     string     `json:"device_id"`
	Gain         float64    `json:"gain"`
	Measurements int        `json:"measurements"`
	FirstSeen    time.Time  `json:"first_seen"`
	LastSeen     time.Time  `json:"last_seen"`
	Harmonics    []Harmonic `json:"harmonics"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Prediction is the estimated presence probability of a device at a
// point in time.
type Prediction struct {
	Timestamp   time.Time `json:"timestamp"`
	Probability float64   `json:"probability"`
	Entropy     float64   `json:"entropy"`
}

// PredictionSeries is the response of GET /presence/predict/{device_id}.
type PredictionSeries struct {
	DeviceID    string       `json:"device_id"`
	Order       int          `json:"order"`
	Normalized  bool         `json:"normalized"`
	Predictions []Prediction `json:"predictions"`
}

// Evaluation scores each model order against recorded observations.
// Errors[i] is the mean absolute error using the i strongest harmonics.
type Evaluation struct {
	DeviceID         string    `json:"device_id"`
	Order            int       `json:"order"`
	Samples          int       `json:"samples"`
	Errors           []float64 `json:"errors"`
	AcceptableOrders []int     `json:"acceptable_orders"`
	BestOrder        int       `json:"best_order"`
}
