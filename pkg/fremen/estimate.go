package fremen

import (
	"fmt"
	"math"
)

// DefaultErrorThreshold is the error bound used by callers that do not pick
// one. Mean absolute errors of a 0/1 signal never reach it.
const DefaultErrorThreshold = 10.0

// evaluateTolerance is subtracted from the error threshold in Evaluate.
const evaluateTolerance = 1e-3

// Evaluation is the result of comparing reconstructions against ground truth.
type Evaluation struct {
	// Errors[j] is the mean absolute error using the j strongest harmonics.
	// Errors[0] is the gain-only baseline.
	Errors []float64
	// Orders lists every j whose error is below the threshold.
	Orders []int
}

// Estimate reconstructs the probability of the signal being active at each
// time in x from the gain and the order strongest harmonics. Results are
// clamped to [0, 1]. With normalize set, the amplitudes used are scaled to
// sum to one half.
func (m *Model) Estimate(x []float64, order int, normalize bool) []float64 {
	hs, amps := m.basis(order, normalize)
	out := make([]float64, len(x))
	for i, t := range x {
		out[i] = clamp01(m.reconstruct(t, hs, amps))
	}
	return out
}

// EstimateEntropy returns the binary entropy, in bits, of the reconstructed
// probability at each time in x. Entropy is zero wherever the
// reconstruction is not strictly between 0 and 1.
func (m *Model) EstimateEntropy(x []float64, order int, normalize bool) []float64 {
	hs, amps := m.basis(order, normalize)
	out := make([]float64, len(x))
	for i, t := range x {
		p := m.reconstruct(t, hs, amps)
		if 0 < p && p < 1 {
			out[i] = -(p*math.Log2(p) + (1-p)*math.Log2(1-p))
		}
	}
	return out
}

// Evaluate computes, for every prefix order j from 0 to order inclusive, the
// mean absolute error between y and the reconstruction over x that uses the
// j strongest harmonics. Orders whose error is below errorThreshold (less a
// small tolerance) are reported in Evaluation.Orders.
func (m *Model) Evaluate(x, y []float64, order int, errorThreshold float64, normalize bool) (Evaluation, error) {
	if len(x) != len(y) {
		return Evaluation{}, fmt.Errorf("%w: len(x)=%d, len(y)=%d", ErrShapeMismatch, len(x), len(y))
	}
	hs, amps := m.basis(order, normalize)

	sums := make([]float64, len(hs)+1)
	for i, t := range x {
		acc := 0.0
		sums[0] += math.Abs(y[i] - clamp01(m.gain))
		for k := range hs {
			acc += harmonicTerm(t, hs[k], amps[k])
			sums[k+1] += math.Abs(y[i] - clamp01(m.gain+acc))
		}
	}

	ev := Evaluation{Errors: make([]float64, len(sums))}
	n := float64(len(x))
	for j, s := range sums {
		ev.Errors[j] = s / n
		if ev.Errors[j] < errorThreshold-evaluateTolerance {
			ev.Orders = append(ev.Orders, j)
		}
	}
	return ev, nil
}

// basis returns the order strongest harmonics and the amplitudes to use for
// them.
func (m *Model) basis(order int, normalize bool) ([]harmonic, []float64) {
	hs := m.harmonics[:m.clampOrder(order)]
	amps := make([]float64, len(hs))
	total := 0.0
	for k, h := range hs {
		amps[k] = h.amplitude
		total += h.amplitude
	}
	if normalize {
		for k := range amps {
			amps[k] = amps[k] / 2 / total
		}
	}
	return hs, amps
}

func (m *Model) reconstruct(t float64, hs []harmonic, amps []float64) float64 {
	sum := 0.0
	for k := range hs {
		sum += harmonicTerm(t, hs[k], amps[k])
	}
	return m.gain + sum
}

func harmonicTerm(t float64, h harmonic, amplitude float64) float64 {
	return 2 * amplitude * math.Cos(t/h.period*2*math.Pi-h.phase)
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
