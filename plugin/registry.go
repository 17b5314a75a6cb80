package plugin

import "fmt"

// Filters maps each type tag to its constructor.
var Filters = map[FilterKind]func(FilterConfig) (*Filter, error){
	MovingAverage: func(fc FilterConfig) (*Filter, error) {
		return NewMovingAverage(fc.ID, fc.WindowSize)
	},
	Median: func(fc FilterConfig) (*Filter, error) {
		return NewMedian(fc.ID, fc.WindowSize)
	},
	LowPass: func(fc FilterConfig) (*Filter, error) {
		return NewLowPass(fc.ID, fc.Alpha)
	},
	Kalman: func(fc FilterConfig) (*Filter, error) {
		q, r := fc.ProcessVariance, fc.MeasurementVariance
		if q == 0 {
			q = DefaultProcessVariance
		}
		if r == 0 {
			r = DefaultMeasurementVariance
		}
		return NewKalman(fc.ID, q, r)
	},
}

// FilterLookup constructs a filter from its config
func FilterLookup(fc FilterConfig) (*Filter, error) {
	factory, ok := Filters[fc.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown filter type %q", ErrInvalidFilter, fc.Type)
	}
	if fc.ID == "" {
		return nil, fmt.Errorf("%w: filter id is empty", ErrInvalidFilter)
	}

	f, err := factory(fc)
	if err != nil {
		return nil, err
	}
	f.Enabled = fc.IsEnabled()
	return f, nil
}
