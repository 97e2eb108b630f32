// Package fremen implements a frequency map model of a binary signal.
//
// A Model decomposes timestamped 0/1 observations into a fixed set of
// candidate periods using running DFT accumulators, ranks the periods by
// amplitude, and reconstructs the probability that the signal is active at
// arbitrary times from the strongest components. Raw observations are not
// retained.
//
// A Model is not safe for concurrent use. Add must be serialized by the
// caller; Estimate, EstimateEntropy and Evaluate only read state and may run
// concurrently with each other but not with Add.
package fremen

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"slices"
	"strings"
)

var (
	// ErrInvalidConfig is returned by New and Restore for non-positive
	// hyperparameters.
	ErrInvalidConfig = errors.New("invalid model configuration")

	// ErrShapeMismatch is returned when timestamp and value sequences differ
	// in length.
	ErrShapeMismatch = errors.New("observation sequences must have equal length")
)

// Config holds the model hyperparameters. It is fixed at construction.
type Config struct {
	NumPeriodicities   int     `json:"num_periodicities" cbor:"1,keyasint"`
	MaxPeriod          float64 `json:"max_period" cbor:"2,keyasint"`
	AmplitudeThreshold float64 `json:"amplitude_threshold" cbor:"3,keyasint"` // Reserved; not applied to estimates
	DefaultOrder       int     `json:"default_order" cbor:"4,keyasint"`
	PeriodsGTDuration  bool    `json:"periods_gt_duration" cbor:"5,keyasint"` // Zero periods not seen for 1.5 cycles
}

// DefaultConfig returns 100 periodicities up to one week (in seconds).
func DefaultConfig() Config {
	return Config{
		NumPeriodicities:   100,
		MaxPeriod:          7 * 24 * 3600,
		AmplitudeThreshold: 0,
		DefaultOrder:       3,
		PeriodsGTDuration:  false,
	}
}

func (c Config) validate() error {
	if c.NumPeriodicities <= 0 {
		return fmt.Errorf("%w: num_periodicities must be > 0, got %d", ErrInvalidConfig, c.NumPeriodicities)
	}
	if !(c.MaxPeriod > 0) || math.IsInf(c.MaxPeriod, 1) {
		return fmt.Errorf("%w: max_period must be a positive finite number, got %v", ErrInvalidConfig, c.MaxPeriod)
	}
	if c.DefaultOrder <= 0 {
		return fmt.Errorf("%w: default_order must be > 0, got %d", ErrInvalidConfig, c.DefaultOrder)
	}
	return nil
}

// harmonic is the per-period state. Keeping the five values in one record
// makes the amplitude re-sort a single permutation.
type harmonic struct {
	period    float64
	state     complex128 // sum of y * e^(i*2*pi*x/period)
	balance   complex128 // sum of gain * e^(i*2*pi*x/period)
	amplitude float64
	phase     float64
}

// Harmonic describes one tracked periodic component.
type Harmonic struct {
	Period    float64 `json:"period"`
	Amplitude float64 `json:"amplitude"`
	Phase     float64 `json:"phase"`
}

// Model is an incremental frequency map of a binary signal.
type Model struct {
	cfg          Config
	harmonics    []harmonic
	gain         float64
	firstTime    float64
	lastTime     float64
	measurements int
}

// New creates an empty model. Periods are initialised to MaxPeriod/k for
// k = 1..NumPeriodicities.
func New(cfg Config) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	hs := make([]harmonic, cfg.NumPeriodicities)
	for i := range hs {
		hs[i].period = cfg.MaxPeriod / float64(i+1)
	}
	return &Model{cfg: cfg, harmonics: hs}, nil
}

// Add folds the observations y made at times x into the model and returns
// the number of samples that were new. Samples at or before the latest
// timestamp already folded in are skipped, so resubmitting a seen prefix is
// harmless. Empty input is a no-op.
//
// The running mean is divided by the full batch length and the sample count
// grows by the full batch length, including skipped samples.
func (m *Model) Add(x, y []float64) (int, error) {
	if len(x) != len(y) {
		return 0, fmt.Errorf("%w: len(x)=%d, len(y)=%d", ErrShapeMismatch, len(x), len(y))
	}
	if len(x) == 0 {
		return 0, nil
	}

	if m.measurements == 0 {
		m.firstTime = x[0]
	}
	duration := x[len(x)-1] - m.firstTime

	firstIndex := 0
	if m.measurements > 0 {
		for _, t := range x {
			if t <= m.lastTime {
				firstIndex++
			}
		}
	}
	updated := len(x) - firstIndex
	if updated <= 0 {
		return 0, nil
	}
	m.lastTime = x[len(x)-1]

	newX, newY := x[firstIndex:], y[firstIndex:]

	sum := 0.0
	for _, v := range newY {
		sum += v
	}
	oldGain := m.gain
	m.gain = (m.gain*float64(m.measurements) + sum) / float64(m.measurements+len(x))

	for i := range m.harmonics {
		h := &m.harmonics[i]
		if oldGain != 0 {
			h.balance *= complex(m.gain/oldGain, 0)
		} else {
			h.balance = 0
		}

		var states, balances complex128
		for j, t := range newX {
			s, c := math.Sincos(t * 2 * math.Pi / h.period)
			states += complex(newY[j]*c, newY[j]*s)
			balances += complex(c*m.gain, s*m.gain)
		}
		h.state += states
		h.balance += balances
	}

	m.measurements += len(x)
	m.updateSpectrum(duration)
	return updated, nil
}

// updateSpectrum recomputes amplitudes and phases and re-ranks harmonics by
// descending amplitude.
func (m *Model) updateSpectrum(duration float64) {
	n := float64(m.measurements)
	for i := range m.harmonics {
		h := &m.harmonics[i]
		diff := h.state - h.balance
		if m.cfg.PeriodsGTDuration && !(1.5*h.period <= duration) {
			h.amplitude = 0
		} else {
			h.amplitude = cmplx.Abs(diff) / n
		}
		if h.amplitude < 0 {
			h.amplitude = 0
		}
		h.phase = cmplx.Phase(diff)
	}
	slices.SortStableFunc(m.harmonics, func(a, b harmonic) int {
		return cmp.Compare(b.amplitude, a.amplitude)
	})
}

// Config returns the model hyperparameters.
func (m *Model) Config() Config { return m.cfg }

// Gain returns the running mean of all observed values.
func (m *Model) Gain() float64 { return m.gain }

// Measurements returns the number of observations counted so far.
func (m *Model) Measurements() int { return m.measurements }

// FirstTime returns the timestamp of the first accepted observation.
func (m *Model) FirstTime() float64 { return m.firstTime }

// LastTime returns the timestamp of the most recent accepted observation.
func (m *Model) LastTime() float64 { return m.lastTime }

// Harmonics returns the n strongest components, strongest first.
// n is capped to the number of tracked periodicities.
func (m *Model) Harmonics(n int) []Harmonic {
	n = m.clampOrder(n)
	out := make([]Harmonic, n)
	for i := range out {
		h := m.harmonics[i]
		out[i] = Harmonic{Period: h.period, Amplitude: h.amplitude, Phase: h.phase}
	}
	return out
}

// String lists the gain, the sample count and the DefaultOrder strongest
// harmonics, one per line.
func (m *Model) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "gain: %.3f samples: %d", m.gain, m.measurements)
	for i, h := range m.Harmonics(m.cfg.DefaultOrder) {
		fmt.Fprintf(&b, "\nharmonic %d A:%.3f phi:%.3f T:%.3f", i+1, h.Amplitude, h.Phase, h.Period)
	}
	return b.String()
}

func (m *Model) clampOrder(order int) int {
	if order < 0 {
		return 0
	}
	return min(order, len(m.harmonics))
}
