package tessitura_test

import (
	"testing"

	Ts "github.com/maroda/tessitura/server"
)

func makeTestDecoder(t *testing.T, format Ts.FrameFormat, channels int) *Ts.Decoder {
	t.Helper()
	dec, err := Ts.NewDecoder(Ts.DecoderConfig{
		Format:       format,
		ChannelCount: channels,
		SampleWidth:  2,
		Separator:    ",",
	})
	assertError(t, err, nil)
	return dec
}

func TestNewDecoder(t *testing.T) {
	t.Run("Rejects an unknown format", func(t *testing.T) {
		_, err := Ts.NewDecoder(Ts.DecoderConfig{Format: "morse", ChannelCount: 1})
		assertError(t, err, Ts.ErrInvalidConfig)
	})

	t.Run("Rejects a zero channel count", func(t *testing.T) {
		_, err := Ts.NewDecoder(Ts.DecoderConfig{Format: Ts.FormatTextArray})
		assertError(t, err, Ts.ErrInvalidConfig)
	})

	t.Run("Rejects an odd sample width for fixed-width", func(t *testing.T) {
		_, err := Ts.NewDecoder(Ts.DecoderConfig{Format: Ts.FormatFixedWidth, ChannelCount: 2, SampleWidth: 3})
		assertError(t, err, Ts.ErrInvalidConfig)
	})

	t.Run("Ignores sample width for text formats", func(t *testing.T) {
		_, err := Ts.NewDecoder(Ts.DecoderConfig{Format: Ts.FormatDelimited, ChannelCount: 2, SampleWidth: 3})
		assertError(t, err, nil)
	})
}

func TestDecoder_TextArray(t *testing.T) {
	dec := makeTestDecoder(t, Ts.FormatTextArray, 8)

	t.Run("Decodes a JSON array with its line ending", func(t *testing.T) {
		got, err := dec.Decode([]byte("[1.0, 2.0, 3.0]\n"))
		assertError(t, err, nil)
		assertFloats(t, got, []float64{1, 2, 3})
	})

	t.Run("Coerces numeric strings and booleans", func(t *testing.T) {
		got, err := dec.Decode([]byte(`["4.5", true, false]`))
		assertError(t, err, nil)
		assertFloats(t, got, []float64{4.5, 1, 0})
	})

	t.Run("Rejects trailing data after the array", func(t *testing.T) {
		before := dec.DecodeErrors()
		_, err := dec.Decode([]byte("[1, 2] junk"))
		assertError(t, err, Ts.ErrMalformedFrame)
		assertUint64(t, dec.DecodeErrors(), before+1)
	})

	t.Run("Rejects a non-numeric element", func(t *testing.T) {
		_, err := dec.Decode([]byte(`[1, "abc"]`))
		assertError(t, err, Ts.ErrMalformedFrame)
	})

	t.Run("Rejects a frame without the bracket", func(t *testing.T) {
		_, err := dec.Decode([]byte("1, 2, 3"))
		assertError(t, err, Ts.ErrMalformedFrame)
	})

	t.Run("Whitespace is empty and not counted", func(t *testing.T) {
		before := dec.DecodeErrors()
		_, err := dec.Decode([]byte(" \r\n"))
		assertError(t, err, Ts.ErrEmptyFrame)
		assertUint64(t, dec.DecodeErrors(), before)
	})

	t.Run("Truncates to the channel count", func(t *testing.T) {
		short := makeTestDecoder(t, Ts.FormatTextArray, 2)
		got, err := short.Decode([]byte("[1, 2, 3, 4]"))
		assertError(t, err, nil)
		assertFloats(t, got, []float64{1, 2})
	})
}

func TestDecoder_Delimited(t *testing.T) {
	dec := makeTestDecoder(t, Ts.FormatDelimited, 8)

	t.Run("Normalizes semicolons to commas", func(t *testing.T) {
		got, err := dec.Decode([]byte("1;2;3\n"))
		assertError(t, err, nil)
		assertFloats(t, got, []float64{1, 2, 3})
	})

	t.Run("Skips tokens that are not numbers", func(t *testing.T) {
		got, err := dec.Decode([]byte("1, x, 3, NaN, 5"))
		assertError(t, err, nil)
		assertFloats(t, got, []float64{1, 3, 5})
	})

	t.Run("Rejects a frame with no numbers at all", func(t *testing.T) {
		_, err := dec.Decode([]byte("a,b,c"))
		assertError(t, err, Ts.ErrMalformedFrame)
	})
}

func TestDecoder_FixedWidth(t *testing.T) {
	t.Run("Drops the trailing partial window", func(t *testing.T) {
		dec := makeTestDecoder(t, Ts.FormatFixedWidth, 3)
		got, err := dec.Decode([]byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0xFF})
		assertError(t, err, nil)
		assertFloats(t, got, []float64{1, 2, 3})
	})

	t.Run("Reads big-endian unsigned", func(t *testing.T) {
		dec, err := Ts.NewDecoder(Ts.DecoderConfig{
			Format:       Ts.FormatFixedWidth,
			ChannelCount: 2,
			SampleWidth:  2,
			BigEndian:    true,
		})
		assertError(t, err, nil)
		got, err := dec.Decode([]byte{0x01, 0x00, 0xFF, 0xFF})
		assertError(t, err, nil)
		assertFloats(t, got, []float64{256, 65535})
	})

	t.Run("Stops at the channel count", func(t *testing.T) {
		dec := makeTestDecoder(t, Ts.FormatFixedWidth, 1)
		got, err := dec.Decode([]byte{0x05, 0x00, 0x06, 0x00})
		assertError(t, err, nil)
		assertFloats(t, got, []float64{5})
	})

	t.Run("Rejects a frame shorter than one sample", func(t *testing.T) {
		dec := makeTestDecoder(t, Ts.FormatFixedWidth, 3)
		_, err := dec.Decode([]byte{0x01})
		assertError(t, err, Ts.ErrMalformedFrame)
	})
}

func TestDecoder_BitExpansion(t *testing.T) {
	dec := makeTestDecoder(t, Ts.FormatBitExpand, 8)

	t.Run("Expands a text-array base LSB first", func(t *testing.T) {
		got, err := dec.Decode([]byte("[5]\n"))
		assertError(t, err, nil)
		assertFloats(t, got, []float64{1, 0, 1, 0, 0, 0, 0, 0})
	})

	t.Run("Falls back to delimited text", func(t *testing.T) {
		got, err := dec.Decode([]byte("3,99"))
		assertError(t, err, nil)
		assertFloats(t, got, []float64{1, 1, 0, 0, 0, 0, 0, 0})
	})

	t.Run("Falls back to fixed-width", func(t *testing.T) {
		got, err := dec.Decode([]byte{0x80, 0x00})
		assertError(t, err, nil)
		assertFloats(t, got, []float64{0, 0, 0, 0, 0, 0, 0, 1})
	})

	t.Run("Rejects a negative base", func(t *testing.T) {
		_, err := dec.Decode([]byte("[-1]"))
		assertError(t, err, Ts.ErrMalformedFrame)
	})

	t.Run("Rejects a fractional base", func(t *testing.T) {
		_, err := dec.Decode([]byte("[5.7]"))
		assertError(t, err, Ts.ErrMalformedFrame)

		_, err = dec.Decode([]byte("2.5,1"))
		assertError(t, err, Ts.ErrMalformedFrame)
	})
}
