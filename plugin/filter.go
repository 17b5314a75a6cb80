package plugin

/*
	Filters

	A Filter is one stage of a parameter's signal chain.
	The four kinds share one struct and Apply switches on Kind,
	each kind only touching its own state fields.

	Runtime state never leaves the process, Config() carries
	the type tag and settings only.
*/

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

type FilterKind string

const (
	MovingAverage FilterKind = "moving_average"
	LowPass       FilterKind = "low_pass"
	Kalman        FilterKind = "kalman"
	Median        FilterKind = "median"
)

const (
	kalmanInitialP = 1.0
	// used when a kalman config leaves the variances out
	DefaultProcessVariance     = 1e-5
	DefaultMeasurementVariance = 0.1
)

var ErrInvalidFilter = errors.New("invalid filter configuration")

// FilterConfig is the serialized form of a Filter.
// A nil Enabled means enabled.
type FilterConfig struct {
	ID                  string     `json:"id" yaml:"id"`
	Type                FilterKind `json:"type" yaml:"type"`
	Enabled             *bool      `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	WindowSize          int        `json:"window_size,omitempty" yaml:"window_size,omitempty"`
	Alpha               float64    `json:"alpha,omitempty" yaml:"alpha,omitempty"`
	ProcessVariance     float64    `json:"process_variance,omitempty" yaml:"process_variance,omitempty"`
	MeasurementVariance float64    `json:"measurement_variance,omitempty" yaml:"measurement_variance,omitempty"`
}

// IsEnabled resolves the nil default
func (fc FilterConfig) IsEnabled() bool {
	return fc.Enabled == nil || *fc.Enabled
}

type Filter struct {
	ID      string
	Kind    FilterKind
	Enabled bool

	// configuration
	window int
	alpha  float64
	q, r   float64

	// moving_average, median
	queue []float64

	// low_pass (last), kalman (estimate, p)
	primed   bool
	estimate float64
	p        float64
}

func NewMovingAverage(id string, window int) (*Filter, error) {
	if window < 2 {
		return nil, fmt.Errorf("%w: moving_average window_size %d < 2", ErrInvalidFilter, window)
	}
	return &Filter{ID: id, Kind: MovingAverage, Enabled: true, window: window, queue: make([]float64, 0, window)}, nil
}

func NewMedian(id string, window int) (*Filter, error) {
	if window < 2 {
		return nil, fmt.Errorf("%w: median window_size %d < 2", ErrInvalidFilter, window)
	}
	return &Filter{ID: id, Kind: Median, Enabled: true, window: window, queue: make([]float64, 0, window)}, nil
}

// NewLowPass needs alpha in (0, 1]
func NewLowPass(id string, alpha float64) (*Filter, error) {
	if math.IsNaN(alpha) || alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("%w: low_pass alpha %v outside (0, 1]", ErrInvalidFilter, alpha)
	}
	return &Filter{ID: id, Kind: LowPass, Enabled: true, alpha: alpha}, nil
}

// NewKalman takes the process (q) and measurement (r) variances
func NewKalman(id string, q, r float64) (*Filter, error) {
	if !(q > 0) || !(r > 0) || math.IsInf(q, 0) || math.IsInf(r, 0) {
		return nil, fmt.Errorf("%w: kalman variances q=%v r=%v must be positive", ErrInvalidFilter, q, r)
	}
	return &Filter{ID: id, Kind: Kalman, Enabled: true, q: q, r: r, p: kalmanInitialP}, nil
}

// Apply runs one input through the filter and returns its output.
// Non-finite input is passed straight through without touching state.
func (f *Filter) Apply(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}

	switch f.Kind {
	case MovingAverage:
		f.push(x)
		sum := 0.0
		for _, v := range f.queue {
			sum += v
		}
		return sum / float64(len(f.queue))

	case Median:
		f.push(x)
		sorted := make([]float64, len(f.queue))
		copy(sorted, f.queue)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 0 {
			return (sorted[mid-1] + sorted[mid]) / 2
		}
		return sorted[mid]

	case LowPass:
		if !f.primed {
			f.estimate = x
			f.primed = true
			return x
		}
		f.estimate = f.alpha*x + (1-f.alpha)*f.estimate
		return f.estimate

	case Kalman:
		if !f.primed {
			f.estimate = x
			f.primed = true
			return x
		}
		// predict
		f.p += f.q
		// update
		k := f.p / (f.p + f.r)
		f.estimate += k * (x - f.estimate)
		f.p *= 1 - k
		return f.estimate
	}

	return x
}

// push keeps the most recent window inputs
func (f *Filter) push(x float64) {
	if len(f.queue) == f.window {
		copy(f.queue, f.queue[1:])
		f.queue = f.queue[:f.window-1]
	}
	f.queue = append(f.queue, x)
}

// Reset returns the filter to its freshly constructed state
func (f *Filter) Reset() {
	f.queue = f.queue[:0]
	f.primed = false
	f.estimate = 0
	f.p = kalmanInitialP
}

// Config serializes the type tag and settings, not the runtime state
func (f *Filter) Config() FilterConfig {
	enabled := f.Enabled
	fc := FilterConfig{
		ID:      f.ID,
		Type:    f.Kind,
		Enabled: &enabled,
	}
	switch f.Kind {
	case MovingAverage, Median:
		fc.WindowSize = f.window
	case LowPass:
		fc.Alpha = f.alpha
	case Kalman:
		fc.ProcessVariance = f.q
		fc.MeasurementVariance = f.r
	}
	return fc
}

// Serialize is Config as JSON
func (f *Filter) Serialize() ([]byte, error) {
	return json.Marshal(f.Config())
}

// Deserialize builds a fresh Filter from Serialize output
func Deserialize(data []byte) (*Filter, error) {
	var fc FilterConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return FilterLookup(fc)
}
