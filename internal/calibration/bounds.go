package calibration

// Enforce clips every value below lower to lower. It returns a new slice and
// the number of values that were clipped; how far below the bound a value fell
// is not kept.
func Enforce(values []float64, lower float64) ([]float64, int) {
	out := make([]float64, len(values))
	clipped := 0
	for i, v := range values {
		if v < lower {
			out[i] = lower
			clipped++
			continue
		}
		out[i] = v
	}
	return out, clipped
}
