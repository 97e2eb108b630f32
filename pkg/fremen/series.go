package fremen

// Float is the set of element types accepted by the series helpers.
type Float interface {
	~float32 | ~float64
}

func toFloat64s[F Float](v []F) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// AddSeries is Add for any floating-point element type.
func AddSeries[F Float](m *Model, x, y []F) (int, error) {
	return m.Add(toFloat64s(x), toFloat64s(y))
}

// EstimateSeries is Estimate for any floating-point element type.
func EstimateSeries[F Float](m *Model, x []F, order int, normalize bool) []float64 {
	return m.Estimate(toFloat64s(x), order, normalize)
}

// EstimateEntropySeries is EstimateEntropy for any floating-point element type.
func EstimateEntropySeries[F Float](m *Model, x []F, order int, normalize bool) []float64 {
	return m.EstimateEntropy(toFloat64s(x), order, normalize)
}

// EvaluateSeries is Evaluate for any floating-point element type.
func EvaluateSeries[F Float](m *Model, x, y []F, order int, errorThreshold float64, normalize bool) (Evaluation, error) {
	return m.Evaluate(toFloat64s(x), toFloat64s(y), order, errorThreshold, normalize)
}
