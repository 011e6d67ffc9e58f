package signal_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pipelined/netdsp/signal"
)

func TestSliceAppend(t *testing.T) {
	tests := []struct {
		buffer   signal.Float64
		start    int
		len      int
		expected signal.Float64
	}{
		{
			buffer:   signal.Float64{{0, 1, 2, 3}, {0, 1, 2, 3}},
			start:    1,
			len:      2,
			expected: signal.Float64{{1, 2}, {1, 2}},
		},
		{
			buffer:   signal.Float64{{0, 1, 2, 3}},
			start:    3,
			len:      4,
			expected: signal.Float64{{3}},
		},
		{
			buffer:   signal.Float64{{0, 1, 2, 3}},
			start:    4,
			len:      1,
			expected: nil,
		},
		{
			buffer:   signal.Float64{{0, 1, 2, 3}},
			start:    -1,
			len:      1,
			expected: nil,
		},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, test.buffer.Slice(test.start, test.len))
	}

	var acc signal.Float64
	acc = acc.Append(signal.Float64{{0, 1}, {0, 1}})
	acc = acc.Append(signal.Float64{{2, 3}, {2, 3}})
	assert.Equal(t, signal.Float64{{0, 1, 2, 3}, {0, 1, 2, 3}}, acc)
	assert.Equal(t, 4, acc.Size())
	assert.Equal(t, 2, acc.NumChannels())
}

func TestInterFloat32RoundTrip(t *testing.T) {
	buffer := signal.Float64{
		{0, 0.25, -0.5, 1},
		{1, -0.25, 0.5, 0},
	}
	samples := buffer.AsInterFloat32()
	assert.Equal(t, []float32{0, 1, 0.25, -0.25, -0.5, 0.5, 1, 0}, samples)

	restored := signal.InterFloat32AsFloat64(samples, 2)
	assert.Equal(t, buffer, restored)
}

func TestInterIntRoundTrip(t *testing.T) {
	buffer := signal.Float64{{0, 0.5, -0.5}, {0.25, -0.25, 1}}
	ints := buffer.AsInterInt(signal.BitDepth16)
	restored := signal.InterInt{
		Data:        ints,
		NumChannels: 2,
		BitDepth:    signal.BitDepth16,
	}.AsFloat64()
	assert.Equal(t, buffer.Size(), restored.Size())
	for i := range buffer {
		for j := range buffer[i] {
			assert.InDelta(t, buffer[i][j], restored[i][j], 1.0/float64(1<<14))
		}
	}
}

func TestEmptyFloat64(t *testing.T) {
	buffer := signal.EmptyFloat64(2, 8)
	assert.Equal(t, 2, buffer.NumChannels())
	assert.Equal(t, 8, buffer.Size())
}

func TestDurationOf(t *testing.T) {
	assert.Equal(t, time.Second, signal.DurationOf(44100, 44100))
	assert.Equal(t, 500*time.Millisecond, signal.DurationOf(44100, 22050))
	assert.Equal(t, time.Duration(0), signal.DurationOf(44100, 0))
}
