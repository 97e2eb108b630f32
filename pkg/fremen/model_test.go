package fremen

import (
	"math"
	"math/cmplx"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefaultModel(t *testing.T) *Model {
	t.Helper()
	m, err := New(DefaultConfig())
	require.NoError(t, err)
	return m
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero periodicities", func(c *Config) { c.NumPeriodicities = 0 }},
		{"negative periodicities", func(c *Config) { c.NumPeriodicities = -3 }},
		{"zero max period", func(c *Config) { c.MaxPeriod = 0 }},
		{"negative max period", func(c *Config) { c.MaxPeriod = -1 }},
		{"NaN max period", func(c *Config) { c.MaxPeriod = math.NaN() }},
		{"infinite max period", func(c *Config) { c.MaxPeriod = math.Inf(1) }},
		{"zero default order", func(c *Config) { c.DefaultOrder = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			m, err := New(cfg)
			assert.Nil(t, m)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNew_InitialPeriods(t *testing.T) {
	m, err := New(Config{NumPeriodicities: 4, MaxPeriod: 120, DefaultOrder: 2})
	require.NoError(t, err)

	hs := m.Harmonics(4)
	require.Len(t, hs, 4)
	for i, h := range hs {
		assert.Equal(t, 120/float64(i+1), h.Period)
		assert.Zero(t, h.Amplitude)
		assert.Zero(t, h.Phase)
	}
	assert.Zero(t, m.Gain())
	assert.Zero(t, m.Measurements())
}

func TestAdd_ShapeMismatch(t *testing.T) {
	tests := []struct {
		name string
		x, y []float64
	}{
		{"empty x", nil, []float64{1, 0, 1, 1, 0}},
		{"empty y", []float64{0, 1, 2, 3, 4}, nil},
		{"different lengths", []float64{0, 1, 2, 3, 4}, []float64{0, 1, 0, 1, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newDefaultModel(t)
			n, err := m.Add(tt.x, tt.y)
			assert.ErrorIs(t, err, ErrShapeMismatch)
			assert.Zero(t, n)
			assert.Zero(t, m.Measurements())
		})
	}
}

func TestAdd_EmptyIsNoop(t *testing.T) {
	m := newDefaultModel(t)
	before := m.Snapshot()

	n, err := m.Add([]float64{}, []float64{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, before, m.Snapshot())
}

func TestAdd_ResubmissionIsDropped(t *testing.T) {
	m := newDefaultModel(t)
	times := weekTimes()

	n, err := m.Add(times, weekStates)
	require.NoError(t, err)
	assert.Equal(t, len(times), n)
	after := m.Snapshot()

	n, err = m.Add(times, weekStates)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, after, m.Snapshot())
}

func TestAdd_FirstAndLastTime(t *testing.T) {
	m := newDefaultModel(t)
	_, err := m.Add([]float64{100, 200, 300}, []float64{1, 0, 1})
	require.NoError(t, err)
	_, err = m.Add([]float64{400, 500}, []float64{0, 0})
	require.NoError(t, err)

	assert.Equal(t, 100.0, m.FirstTime())
	assert.Equal(t, 500.0, m.LastTime())
	assert.Equal(t, 5, m.Measurements())
	assert.InDelta(t, 0.4, m.Gain(), 1e-15)
}

func TestAdd_OverlappingBatchCountsFullLength(t *testing.T) {
	m := newDefaultModel(t)
	_, err := m.Add([]float64{0, 1, 2}, []float64{1, 1, 0})
	require.NoError(t, err)

	// Two of the four samples were already seen; only the last two are
	// folded in, but the sample count and mean denominator use all four.
	n, err := m.Add([]float64{1, 2, 3, 4}, []float64{1, 0, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 7, m.Measurements())
	assert.InDelta(t, (2.0/3.0*3+2)/7, m.Gain(), 1e-15)
}

func TestAdd_IncrementalMatchesBatch(t *testing.T) {
	times := weekTimes()

	batch := newDefaultModel(t)
	_, err := batch.Add(times, weekStates)
	require.NoError(t, err)

	incremental := newDefaultModel(t)
	chunks := []int{12, 5, 7, 30, 1, 50}
	start := 0
	for _, size := range chunks {
		n, err := incremental.Add(times[start:start+size], weekStates[start:start+size])
		require.NoError(t, err)
		require.Equal(t, size, n)
		start += size
	}
	n, err := incremental.Add(times[start:], weekStates[start:])
	require.NoError(t, err)
	require.Equal(t, len(times)-start, n)

	assert.Equal(t, batch.Measurements(), incremental.Measurements())
	assert.InDelta(t, batch.Gain(), incremental.Gain(), 1e-12)

	for order := 0; order <= 4; order++ {
		want := batch.Estimate(times, order, false)
		got := incremental.Estimate(times, order, false)
		assert.InDeltaSlice(t, want, got, 1e-12, "estimate order %d", order)

		want = batch.EstimateEntropy(times, order, false)
		got = incremental.EstimateEntropy(times, order, false)
		assert.InDeltaSlice(t, want, got, 1e-12, "entropy order %d", order)
	}
}

func TestAdd_RankingInvariant(t *testing.T) {
	m := newDefaultModel(t)
	times := weekTimes()

	for start := 0; start < len(times); start += 24 {
		end := min(start+24, len(times))
		_, err := m.Add(times[start:end], weekStates[start:end])
		require.NoError(t, err)

		snap := m.Snapshot()
		for i, h := range snap.Harmonics {
			if i > 0 {
				assert.GreaterOrEqual(t, snap.Harmonics[i-1].Amplitude, h.Amplitude,
					"harmonic %d out of order after %d samples", i, end)
			}
			diff := complex(h.State[0], h.State[1]) - complex(h.Balance[0], h.Balance[1])
			assert.InDelta(t, cmplx.Abs(diff)/float64(snap.Measurements), h.Amplitude, 1e-15)
			assert.InDelta(t, cmplx.Phase(diff), h.Phase, 1e-15)
		}
	}
}

func TestAdd_PeriodsPermutedNotRecomputed(t *testing.T) {
	m := newDefaultModel(t)
	_, err := m.Add(weekTimes(), weekStates)
	require.NoError(t, err)

	seen := make(map[float64]bool)
	for _, h := range m.Harmonics(100) {
		seen[h.Period] = true
	}
	for k := 1; k <= 100; k++ {
		assert.True(t, seen[604800/float64(k)], "period for k=%d missing", k)
	}
}

func TestAdd_PeriodsLongerThanDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PeriodsGTDuration = true
	m, err := New(cfg)
	require.NoError(t, err)

	times := weekTimes()[:48]
	_, err = m.Add(times, weekStates[:48])
	require.NoError(t, err)

	duration := times[len(times)-1] - times[0]
	for _, h := range m.Harmonics(cfg.NumPeriodicities) {
		if 1.5*h.Period > duration {
			assert.Zero(t, h.Amplitude, "period %.0f exceeds observed span", h.Period)
		}
	}
	assert.Greater(t, m.Harmonics(1)[0].Amplitude, 0.0)
}

func TestHarmonics_CapsOrder(t *testing.T) {
	m, err := New(Config{NumPeriodicities: 5, MaxPeriod: 10, DefaultOrder: 1})
	require.NoError(t, err)
	assert.Len(t, m.Harmonics(50), 5)
	assert.Empty(t, m.Harmonics(-1))
}

func TestString_ListsDefaultOrder(t *testing.T) {
	for _, order := range []int{1, 3, 17} {
		cfg := DefaultConfig()
		cfg.DefaultOrder = order
		m, err := New(cfg)
		require.NoError(t, err)
		_, err = m.Add(weekTimes(), weekStates)
		require.NoError(t, err)

		lines := strings.Split(m.String(), "\n")
		assert.Len(t, lines, order+1)
		assert.True(t, strings.HasPrefix(lines[0], "gain: "))
		assert.Contains(t, lines[0], "samples: 168")
	}
}
