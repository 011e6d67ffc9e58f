// Package signal provides primitives to manipulate digital signals:
//	- convert interleaved data to non-interleaved and back
//	- convert bit depth for int signals
//	- slice and append buffers to realign cycle boundaries
package signal

import (
	"math"
	"time"
)

// Float64 is a non-interleaved float64 signal: first dimension is
// channels, second is frames.
type Float64 [][]float64

// BitDepth contains values required for int-to-float and backward
// conversion.
type BitDepth int

const (
	// BitDepth8 is 8 bit depth.
	BitDepth8 = BitDepth(8)
	// BitDepth16 is 16 bit depth.
	BitDepth16 = BitDepth(16)
	// BitDepth32 is 32 bit depth.
	BitDepth32 = BitDepth(32)
)

// InterInt is an interleaved int signal.
type InterInt struct {
	Data        []int
	NumChannels int
	BitDepth
}

// devider is used when int to float conversion is done.
func (bitDepth BitDepth) devider() int {
	switch bitDepth {
	case BitDepth8:
		return math.MaxInt8
	case BitDepth16:
		return math.MaxInt16
	case BitDepth32:
		return math.MaxInt32
	default:
		return 1
	}
}

// multiplier is used when float to int conversion is done.
func (bitDepth BitDepth) multiplier() int {
	switch bitDepth {
	case BitDepth8:
		return math.MaxInt8 - 1
	case BitDepth16:
		return math.MaxInt16 - 1
	case BitDepth32:
		return math.MaxInt32 - 1
	default:
		return 1
	}
}

// DurationOf returns time duration of passed samples for this sample rate.
func DurationOf(sampleRate int, samples int64) time.Duration {
	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}

// EmptyFloat64 returns an empty buffer of specified dimensions.
func EmptyFloat64(numChannels int, bufferSize int) Float64 {
	result := make([][]float64, numChannels)
	for i := range result {
		result[i] = make([]float64, bufferSize)
	}
	return result
}

// NumChannels returns number of channels in this sample slice.
func (floats Float64) NumChannels() int {
	return len(floats)
}

// Size returns number of frames in a single channel of this sample slice.
func (floats Float64) Size() int {
	if floats.NumChannels() == 0 {
		return 0
	}
	return len(floats[0])
}

// Append adds source buffer to the end of the existing one.
// A new buffer is returned if floats is nil.
func (floats Float64) Append(source Float64) Float64 {
	if floats == nil {
		floats = make([][]float64, source.NumChannels())
		for i := range floats {
			floats[i] = make([]float64, 0, source.Size())
		}
	}
	for i := range source {
		floats[i] = append(floats[i], source[i]...)
	}
	return floats
}

// Slice creates a new copy of buffer from start position with defined
// length. If the buffer doesn't have enough frames, a shortened block is
// returned. If start is negative or past the end, nil is returned.
func (floats Float64) Slice(start int, len int) Float64 {
	if floats == nil || start >= floats.Size() || start < 0 {
		return nil
	}
	end := start + len
	if end > floats.Size() {
		end = floats.Size()
	}
	result := make([][]float64, floats.NumChannels())
	for i := range floats {
		result[i] = append(result[i], floats[i][start:end]...)
	}
	return result
}

// AsInterInt converts float64 signal to interleaved int of the given bit
// depth.
func (floats Float64) AsInterInt(bitDepth BitDepth) []int {
	var numChannels int
	if numChannels = len(floats); numChannels == 0 {
		return nil
	}
	multiplier := float64(bitDepth.multiplier())
	ints := make([]int, len(floats[0])*numChannels)
	for j := range floats {
		for i := range floats[j] {
			ints[i*numChannels+j] = int(floats[j][i] * multiplier)
		}
	}
	return ints
}

// AsFloat64 converts interleaved int signal to float64.
func (ints InterInt) AsFloat64() Float64 {
	if ints.Data == nil || ints.NumChannels == 0 {
		return nil
	}
	floats := make([][]float64, ints.NumChannels)
	bufSize := int(math.Ceil(float64(len(ints.Data)) / float64(ints.NumChannels)))
	devider := float64(ints.BitDepth.devider())
	for i := range floats {
		floats[i] = make([]float64, bufSize)
		pos := 0
		for j := i; j < len(ints.Data); j = j + ints.NumChannels {
			floats[i][pos] = float64(ints.Data[j]) / devider
			pos++
		}
	}
	return floats
}

// AsInterFloat32 converts float64 signal to interleaved float32, the wire
// sample width of the raw-float codec.
func (floats Float64) AsInterFloat32() []float32 {
	var numChannels int
	if numChannels = len(floats); numChannels == 0 {
		return nil
	}
	samples := make([]float32, len(floats[0])*numChannels)
	for j := range floats {
		for i := range floats[j] {
			samples[i*numChannels+j] = float32(floats[j][i])
		}
	}
	return samples
}

// InterFloat32AsFloat64 converts interleaved float32 samples to a
// non-interleaved float64 signal.
func InterFloat32AsFloat64(samples []float32, numChannels int) Float64 {
	if samples == nil || numChannels == 0 {
		return nil
	}
	floats := make([][]float64, numChannels)
	bufSize := int(math.Ceil(float64(len(samples)) / float64(numChannels)))
	for i := range floats {
		floats[i] = make([]float64, bufSize)
		pos := 0
		for j := i; j < len(samples); j = j + numChannels {
			floats[i][pos] = float64(samples[j])
			pos++
		}
	}
	return floats
}
