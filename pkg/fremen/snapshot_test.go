package fremen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	m := trainedModel(t)

	data, err := MarshalSnapshot(m.Snapshot())
	require.NoError(t, err)
	require.NotEmpty(t, data)

	snap, err := UnmarshalSnapshot(data)
	require.NoError(t, err)
	restored, err := Restore(snap)
	require.NoError(t, err)

	times := weekTimes()
	assert.Equal(t, m.Estimate(times, 5, false), restored.Estimate(times, 5, false))
	assert.Equal(t, m.Gain(), restored.Gain())
	assert.Equal(t, m.Measurements(), restored.Measurements())
	assert.Equal(t, m.LastTime(), restored.LastTime())
	assert.Equal(t, m.String(), restored.String())
}

func TestSnapshot_RestoredModelKeepsLearning(t *testing.T) {
	times := weekTimes()

	whole := newDefaultModel(t)
	_, err := whole.Add(times, weekStates)
	require.NoError(t, err)

	first := newDefaultModel(t)
	_, err = first.Add(times[:100], weekStates[:100])
	require.NoError(t, err)
	resumed, err := Restore(first.Snapshot())
	require.NoError(t, err)

	// The restored model still drops samples it has already seen.
	n, err := resumed.Add(times, weekStates)
	require.NoError(t, err)
	assert.Equal(t, len(times)-100, n)

	n, err = resumed.Add(times[100:], weekStates[100:])
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Greater(t, resumed.Measurements(), whole.Measurements())
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	m := trainedModel(t)
	snap := m.Snapshot()
	snap.Harmonics[0].Amplitude = -42

	assert.NotEqual(t, -42.0, m.Harmonics(1)[0].Amplitude)
}

func TestRestore_Invalid(t *testing.T) {
	valid := trainedModel(t).Snapshot()

	tests := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"bad config", func(s *Snapshot) { s.Config.NumPeriodicities = 0 }},
		{"harmonic count", func(s *Snapshot) { s.Harmonics = s.Harmonics[:10] }},
		{"negative measurements", func(s *Snapshot) { s.Measurements = -1 }},
		{"zero period", func(s *Snapshot) { s.Harmonics[3].Period = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			s.Harmonics = append([]HarmonicState(nil), valid.Harmonics...)
			tt.mutate(&s)
			m, err := Restore(s)
			assert.Nil(t, m)
			assert.ErrorIs(t, err, ErrInvalidSnapshot)
		})
	}
}

func TestUnmarshalSnapshot_Garbage(t *testing.T) {
	_, err := UnmarshalSnapshot([]byte{0xff, 0x00, 0x13})
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestSeries_Float32(t *testing.T) {
	times := weekTimes()
	x32 := make([]float32, len(times))
	y32 := make([]float32, len(times))
	for i := range times {
		x32[i] = float32(times[i])
		y32[i] = float32(weekStates[i])
	}

	m := newDefaultModel(t)
	n, err := AddSeries(m, x32, y32)
	require.NoError(t, err)
	assert.Equal(t, len(times), n)

	// Hourly timestamps up to one week are exact in float32.
	want := trainedModel(t)
	assert.Equal(t, want.Estimate(times, 4, false), EstimateSeries(m, x32, 4, false))
	assert.Equal(t, want.EstimateEntropy(times, 4, false), EstimateEntropySeries(m, x32, 4, false))

	ev, err := EvaluateSeries(m, x32, y32, 3, DefaultErrorThreshold, false)
	require.NoError(t, err)
	assert.Len(t, ev.Errors, 4)

	_, err = AddSeries(m, x32, y32[:3])
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
