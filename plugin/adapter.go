package plugin

/*

	The Adapter sits aside /tessitura/
	Contains core interfaces for Plugins

*/

import (
	"time"

	Tt "github.com/maroda/tessitura/types"
)

// SampleFilter is one stage of a signal chain.
// Apply must not panic on finite input and must leave its state
// untouched on non-finite input.
type SampleFilter interface {
	Apply(x float64) float64
	Reset()
	Config() FilterConfig
}

var _ SampleFilter = (*Filter)(nil)

// OutputAdapter can be used to define a place for dispatched samples to go,
// sample-by-sample or in batches if supported by the output type.
type OutputAdapter interface {
	WriteSample(ev *Tt.SampleEvent) error     // Write a single sample
	WriteBatch(evs []*Tt.SampleEvent) error   // Write batches of samples
	Flush() error                             // Flush any buffered data
	Close() error                             // Close the adapter and release resources
	Type() string                             // ID for output
}

// RangeQuerier is an output that can read back what it stored
type RangeQuerier interface {
	QueryRange(id string, start, end time.Time) ([]*ArchivedSample, error)
}
