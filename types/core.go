package types

import "time"

/*

	These are the "immutable" core types of Tessitura,
	provided for cross-package use (e.g. Plugins) and testing.

	There are no functions defined here beyond String helpers.
	Struct constructors are housed in their own packages.

*/

// Sample is one stored reading for a parameter.
// TS is seconds since the session epoch, monotonic within a session.
type Sample struct {
	Raw      float64 `json:"raw"`
	Filtered float64 `json:"filtered"`
	TS       float64 `json:"ts"`
}

// Packet is the decoded ordered vector of channel values for one frame.
// A channel missing from the packet is absent, never zero.
type Packet struct {
	Seq    uint64    // ordinal within the acquisition session
	TS     float64   // seconds since the session epoch
	Values []float64 // channel values, length <= channel_count
}

// Channel returns the value at index i and whether it is present
func (p Packet) Channel(i int) (float64, bool) {
	if i < 0 || i >= len(p.Values) {
		return 0, false
	}
	return p.Values[i], true
}

// Threshold is the alarm range of a parameter.
// Valid only when LowCrit < LowWarn < HighWarn < HighCrit.
type Threshold struct {
	LowCrit  float64 `json:"low_crit" yaml:"low_crit"`
	LowWarn  float64 `json:"low_warn" yaml:"low_warn"`
	HighWarn float64 `json:"high_warn" yaml:"high_warn"`
	HighCrit float64 `json:"high_crit" yaml:"high_crit"`
}

// AlarmLevel is the result of evaluating a value against a Threshold
type AlarmLevel int

const (
	Nominal AlarmLevel = iota
	Warning
	Critical
)

func (a AlarmLevel) String() string {
	switch a {
	case Nominal:
		return "nominal"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// SampleEvent is what collaborators receive for each dispatched sample.
// This is also the websocket and MQTT wire shape.
type SampleEvent struct {
	Parameter string     `json:"parameter"`
	Raw       float64    `json:"raw"`
	Filtered  float64    `json:"filtered"`
	TS        float64    `json:"ts"`
	Alarm     AlarmLevel `json:"-"`
	AlarmName string     `json:"alarm"`
	Wall      time.Time  `json:"wall"` // wall clock at dispatch, for archives
}

// LogFormat selects the on-disk shape of the data log
type LogFormat string

const (
	LogCSV   LogFormat = "csv"
	LogJSONL LogFormat = "jsonl"
)
