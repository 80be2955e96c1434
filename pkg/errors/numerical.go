package errors

import "math"

// maxReportedValues caps how many offending values an instability error
// carries.
const maxReportedValues = 10

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// CheckNumericalStability returns a NumericalInstabilityError listing the
// first NaN or Inf entries of values, or nil if all are finite. Optimizers
// call it on gradients before applying an update.
func CheckNumericalStability(operation string, values []float64, iteration int) error {
	var bad []float64
	for _, v := range values {
		if finite(v) {
			continue
		}
		if bad = append(bad, v); len(bad) == maxReportedValues {
			break
		}
	}
	if bad == nil {
		return nil
	}
	return NewNumericalInstabilityError(operation, bad, iteration)
}

// CheckScalar is CheckNumericalStability for one value, typically a loss.
func CheckScalar(operation string, value float64, iteration int) error {
	if finite(value) {
		return nil
	}
	return NewNumericalInstabilityError(operation, []float64{value}, iteration)
}

// SafeDivide returns numerator/denominator, or 0 when the denominator is
// within 1e-10 of zero.
func SafeDivide(numerator, denominator float64) float64 {
	if math.Abs(denominator) < 1e-10 {
		return 0
	}
	return numerator / denominator
}
