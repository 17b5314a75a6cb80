package tessitura

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

var (
	// ErrEmptyFrame is not a decode error, the frame simply carried nothing
	ErrEmptyFrame = errors.New("empty frame")
	// ErrMalformedFrame is counted and the frame produces no packet
	ErrMalformedFrame = errors.New("malformed frame")
)

// DecoderConfig is fixed for the life of an acquisition session
type DecoderConfig struct {
	Format       FrameFormat
	ChannelCount int
	SampleWidth  int
	BigEndian    bool
	Separator    string
}

// Decoder turns frames into channel vectors.
// It never returns a partial or zero-filled vector for a frame it could not read.
type Decoder struct {
	cfg    DecoderConfig
	errors atomic.Uint64
}

func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	switch cfg.Format {
	case FormatTextArray, FormatDelimited, FormatFixedWidth, FormatBitExpand:
	default:
		return nil, fmt.Errorf("%w: unknown encoding format %q", ErrInvalidConfig, cfg.Format)
	}
	if cfg.ChannelCount <= 0 {
		return nil, fmt.Errorf("%w: channel_count must be positive", ErrInvalidConfig)
	}
	switch cfg.SampleWidth {
	case 1, 2, 4, 8:
	default:
		if cfg.Format == FormatFixedWidth || cfg.Format == FormatBitExpand {
			return nil, fmt.Errorf("%w: sample_width %d", ErrInvalidConfig, cfg.SampleWidth)
		}
	}
	if cfg.Separator == "" || cfg.Separator == ";" {
		cfg.Separator = ","
	}
	return &Decoder{cfg: cfg}, nil
}

// DecodeErrors is the count of malformed frames seen
func (d *Decoder) DecodeErrors() uint64 { return d.errors.Load() }

// Decode returns the packet values for one frame.
// ErrEmptyFrame and ErrMalformedFrame both mean "no packet",
// only the latter is counted.
func (d *Decoder) Decode(frame []byte) ([]float64, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	var values []float64
	var err error

	switch d.cfg.Format {
	case FormatTextArray:
		text, ok := normalizeText(frame)
		if !ok {
			return nil, ErrEmptyFrame
		}
		values, err = decodeTextArray(text)
	case FormatDelimited:
		text, ok := normalizeText(frame)
		if !ok {
			return nil, ErrEmptyFrame
		}
		values, err = decodeDelimited(text, d.cfg.Separator)
	case FormatFixedWidth:
		values, err = decodeFixedWidth(frame, d.cfg.SampleWidth, d.cfg.ChannelCount, d.cfg.BigEndian)
	case FormatBitExpand:
		values, err = d.decodeBits(frame)
	}

	if err != nil {
		d.errors.Add(1)
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(values) > d.cfg.ChannelCount {
		values = values[:d.cfg.ChannelCount]
	}
	return values, nil
}

// normalizeText trims whitespace and turns ';' into ','
func normalizeText(frame []byte) (string, bool) {
	text := strings.TrimSpace(string(frame))
	if text == "" {
		return "", false
	}
	return strings.ReplaceAll(text, ";", ","), true
}

// decodeTextArray is strict: anything after the closing bracket rejects the frame
func decodeTextArray(text string) ([]float64, error) {
	if !strings.HasPrefix(text, "[") {
		return nil, errors.New("text-array frame does not start with '['")
	}

	var elems []interface{}
	if err := json.Unmarshal([]byte(text), &elems); err != nil {
		return nil, fmt.Errorf("text-array: %w", err)
	}
	if len(elems) == 0 {
		return nil, errors.New("text-array is empty")
	}

	values := make([]float64, 0, len(elems))
	for i, e := range elems {
		v, err := coerceFloat(e)
		if err != nil {
			return nil, fmt.Errorf("text-array element %d: %w", i, err)
		}
		values = append(values, v)
	}
	return values, nil
}

// coerceFloat converts one JSON element to a finite float64
func coerceFloat(e interface{}) (float64, error) {
	switch v := e.(type) {
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("non-finite value %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
}

// decodeDelimited skips tokens it cannot parse rather than rejecting the frame
func decodeDelimited(text, sep string) ([]float64, error) {
	tokens := strings.Split(text, sep)
	values := make([]float64, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		values = append(values, f)
	}
	if len(values) == 0 {
		return nil, errors.New("no numeric tokens")
	}
	return values, nil
}

// decodeFixedWidth reads unsigned integers of width w, dropping any trailing partial window
func decodeFixedWidth(frame []byte, w, channels int, bigEndian bool) ([]float64, error) {
	windows := len(frame) / w
	if windows == 0 {
		return nil, fmt.Errorf("frame of %d bytes shorter than width %d", len(frame), w)
	}
	if windows > channels {
		windows = channels
	}

	values := make([]float64, windows)
	for i := 0; i < windows; i++ {
		values[i] = float64(readUint(frame[i*w:(i+1)*w], bigEndian))
	}
	return values, nil
}

func readUint(b []byte, bigEndian bool) uint64 {
	var u uint64
	if bigEndian {
		for _, c := range b {
			u = u<<8 | uint64(c)
		}
		return u
	}
	for i := len(b) - 1; i >= 0; i-- {
		u = u<<8 | uint64(b[i])
	}
	return u
}

// decodeBits finds a base integer by trying text-array, then delimited-text,
// then fixed-width on the whole frame, and expands it LSB-first.
func (d *Decoder) decodeBits(frame []byte) ([]float64, error) {
	base, err := d.bitBase(frame)
	if err != nil {
		return nil, err
	}

	values := make([]float64, d.cfg.ChannelCount)
	for i := range values {
		if i < 64 && base&(1<<uint(i)) != 0 {
			values[i] = 1
		}
	}
	return values, nil
}

func (d *Decoder) bitBase(frame []byte) (uint64, error) {
	if text, ok := normalizeText(frame); ok {
		if strings.HasPrefix(text, "[") {
			if vals, err := decodeTextArray(text); err == nil {
				return toBase(vals[0])
			}
		}
		if vals, err := decodeDelimited(text, d.cfg.Separator); err == nil {
			return toBase(vals[0])
		}
	}
	vals, err := decodeFixedWidth(frame, d.cfg.SampleWidth, 1, d.cfg.BigEndian)
	if err != nil {
		return 0, fmt.Errorf("bit-expansion: %w", err)
	}
	return toBase(vals[0])
}

func toBase(v float64) (uint64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v >= math.MaxUint64 || v != math.Trunc(v) {
		return 0, fmt.Errorf("bit-expansion base %v not a non-negative integer", v)
	}
	return uint64(v), nil
}
