package stream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"math"

	"github.com/klauspost/compress/flate"

	"github.com/pipelined/netdsp/signal"
)

// Codec tags carried in the packet header.
const (
	// TagFloat is the raw-float codec: interleaved float32 samples.
	TagFloat uint8 = iota
	// TagInt is the raw-int codec: interleaved int16 samples.
	TagInt
	// TagCompressed is the lossy codec: 16-bit quantized samples,
	// deflate-compressed.
	TagCompressed
)

// Compression selector values, as used in session options: Raw selects the
// raw-float codec, RawInt the raw-int one, any positive value selects the
// compressed codec at that many kbit/s.
const (
	Raw    = 0
	RawInt = -2
)

// Codec encodes one cycle's buffer to payload bytes and back. Codec choice
// is immutable for a session's lifetime.
type Codec interface {
	Tag() uint8
	Encode(buffer signal.Float64) ([]byte, error)
	Decode(payload []byte, channels, frames int) (signal.Float64, error)
}

// ForCompression maps a compression selector to a codec: 0 (or -1) is
// raw-float, -2 is raw-int, a positive value is compressed at that bitrate.
func ForCompression(selector int) (Codec, error) {
	switch {
	case selector == Raw || selector == -1:
		return FloatCodec{}, nil
	case selector == RawInt:
		return IntCodec{}, nil
	case selector > 0:
		return CompressedCodec{Bitrate: selector}, nil
	}
	return nil, fmt.Errorf("invalid compression selector %d", selector)
}

// FloatCodec sends interleaved float32 samples as-is. Lossless for any
// value representable in float32.
type FloatCodec struct{}

// Tag returns the codec tag.
func (FloatCodec) Tag() uint8 { return TagFloat }

// Encode converts the buffer to interleaved little-endian float32 bytes.
func (FloatCodec) Encode(buffer signal.Float64) ([]byte, error) {
	samples := buffer.AsInterFloat32()
	payload := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(payload[4*i:], math.Float32bits(s))
	}
	return payload, nil
}

// Decode restores a non-interleaved buffer from float32 bytes.
func (FloatCodec) Decode(payload []byte, channels, frames int) (signal.Float64, error) {
	if len(payload) != 4*channels*frames {
		return nil, fmt.Errorf("raw-float payload of %d bytes, want %d", len(payload), 4*channels*frames)
	}
	samples := make([]float32, channels*frames)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
	}
	return signal.InterFloat32AsFloat64(samples, channels), nil
}

// IntCodec sends interleaved int16 samples: half the raw-float payload at
// 16-bit quantization error.
type IntCodec struct{}

// Tag returns the codec tag.
func (IntCodec) Tag() uint8 { return TagInt }

// Encode converts the buffer to interleaved little-endian int16 bytes.
func (IntCodec) Encode(buffer signal.Float64) ([]byte, error) {
	ints := buffer.AsInterInt(signal.BitDepth16)
	payload := make([]byte, 2*len(ints))
	for i, s := range ints {
		binary.LittleEndian.PutUint16(payload[2*i:], uint16(int16(s)))
	}
	return payload, nil
}

// Decode restores a non-interleaved buffer from int16 bytes.
func (IntCodec) Decode(payload []byte, channels, frames int) (signal.Float64, error) {
	if len(payload) != 2*channels*frames {
		return nil, fmt.Errorf("raw-int payload of %d bytes, want %d", len(payload), 2*channels*frames)
	}
	ints := make([]int, channels*frames)
	for i := range ints {
		ints[i] = int(int16(binary.LittleEndian.Uint16(payload[2*i:])))
	}
	return signal.InterInt{
		Data:        ints,
		NumChannels: channels,
		BitDepth:    signal.BitDepth16,
	}.AsFloat64(), nil
}

// CompressedCodec quantizes samples to 16 bit and deflates them. The
// bitrate picks the compression effort: higher bitrates compress lighter.
// The bitrate is a quality knob, not a hard rate cap; the quantization
// error is bounded by one 16-bit step.
type CompressedCodec struct {
	// Bitrate in kbit/s, as negotiated at session creation.
	Bitrate int
}

// Tag returns the codec tag.
func (CompressedCodec) Tag() uint8 { return TagCompressed }

func (c CompressedCodec) level() int {
	switch {
	case c.Bitrate <= 64:
		return flate.BestCompression
	case c.Bitrate <= 128:
		return 6
	default:
		return flate.BestSpeed
	}
}

// Encode quantizes the buffer to int16 and compresses the result.
func (c CompressedCodec) Encode(buffer signal.Float64) ([]byte, error) {
	raw, err := IntCodec{}.Encode(buffer)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, c.level())
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decompresses the payload and restores the quantized buffer.
func (c CompressedCodec) Decode(payload []byte, channels, frames int) (signal.Float64, error) {
	r := flate.NewReader(bytes.NewReader(payload))
	raw, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return IntCodec{}.Decode(raw, channels, frames)
}
