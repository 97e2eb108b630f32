package fremen

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrInvalidSnapshot is returned when a snapshot cannot be restored.
var ErrInvalidSnapshot = errors.New("invalid model snapshot")

// HarmonicState is the serialisable form of one tracked component.
// Complex accumulators are stored as [real, imag].
type HarmonicState struct {
	Period    float64    `json:"period" cbor:"1,keyasint"`
	State     [2]float64 `json:"state" cbor:"2,keyasint"`
	Balance   [2]float64 `json:"balance" cbor:"3,keyasint"`
	Amplitude float64    `json:"amplitude" cbor:"4,keyasint"`
	Phase     float64    `json:"phase" cbor:"5,keyasint"`
}

// Snapshot is a deep copy of a model's configuration and state.
type Snapshot struct {
	Config       Config          `json:"config" cbor:"1,keyasint"`
	Harmonics    []HarmonicState `json:"harmonics" cbor:"2,keyasint"`
	Gain         float64         `json:"gain" cbor:"3,keyasint"`
	FirstTime    float64         `json:"first_time" cbor:"4,keyasint"`
	LastTime     float64         `json:"last_time" cbor:"5,keyasint"`
	Measurements int             `json:"measurements" cbor:"6,keyasint"`
}

// Snapshot copies the model state. The model can be rebuilt with Restore.
func (m *Model) Snapshot() Snapshot {
	s := Snapshot{
		Config:       m.cfg,
		Harmonics:    make([]HarmonicState, len(m.harmonics)),
		Gain:         m.gain,
		FirstTime:    m.firstTime,
		LastTime:     m.lastTime,
		Measurements: m.measurements,
	}
	for i, h := range m.harmonics {
		s.Harmonics[i] = HarmonicState{
			Period:    h.period,
			State:     [2]float64{real(h.state), imag(h.state)},
			Balance:   [2]float64{real(h.balance), imag(h.balance)},
			Amplitude: h.amplitude,
			Phase:     h.phase,
		}
	}
	return s
}

// Restore rebuilds a model from a snapshot.
func Restore(s Snapshot) (*Model, error) {
	if err := s.Config.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if len(s.Harmonics) != s.Config.NumPeriodicities {
		return nil, fmt.Errorf("%w: %d harmonics for %d periodicities",
			ErrInvalidSnapshot, len(s.Harmonics), s.Config.NumPeriodicities)
	}
	if s.Measurements < 0 {
		return nil, fmt.Errorf("%w: negative measurement count %d", ErrInvalidSnapshot, s.Measurements)
	}

	m := &Model{
		cfg:          s.Config,
		harmonics:    make([]harmonic, len(s.Harmonics)),
		gain:         s.Gain,
		firstTime:    s.FirstTime,
		lastTime:     s.LastTime,
		measurements: s.Measurements,
	}
	for i, h := range s.Harmonics {
		if !(h.Period > 0) {
			return nil, fmt.Errorf("%w: harmonic %d has period %v", ErrInvalidSnapshot, i, h.Period)
		}
		m.harmonics[i] = harmonic{
			period:    h.Period,
			state:     complex(h.State[0], h.State[1]),
			balance:   complex(h.Balance[0], h.Balance[1]),
			amplitude: h.Amplitude,
			phase:     h.Phase,
		}
	}
	return m, nil
}

// MarshalSnapshot encodes a snapshot as CBOR.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	data, err := cbor.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalSnapshot decodes a CBOR snapshot produced by MarshalSnapshot.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode: %w", ErrInvalidSnapshot, err)
	}
	return s, nil
}
