package tessitura

import (
	"math"

	Tt "github.com/maroda/tessitura/types"
)

// ValidThreshold reports whether the threshold is strictly ordered
// and made of finite numbers.
func ValidThreshold(th Tt.Threshold) bool {
	for _, v := range []float64{th.LowCrit, th.LowWarn, th.HighWarn, th.HighCrit} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return th.LowCrit < th.LowWarn && th.LowWarn < th.HighWarn && th.HighWarn < th.HighCrit
}

// Alarm is the alarm evaluator.
// It never fails: a NaN value or a malformed threshold is Nominal.
// Both boundaries are strict, so a value equal to LowCrit is a Warning.
func Alarm(value float64, th Tt.Threshold) Tt.AlarmLevel {
	if math.IsNaN(value) || !ValidThreshold(th) {
		return Tt.Nominal
	}

	switch {
	case value < th.LowCrit || value > th.HighCrit:
		return Tt.Critical
	case value < th.LowWarn || value > th.HighWarn:
		return Tt.Warning
	default:
		return Tt.Nominal
	}
}
