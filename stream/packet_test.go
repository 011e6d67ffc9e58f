package stream_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipelined/netdsp/stream"
)

func TestFragmentReassemble(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}

	packets, err := stream.Fragment(7, stream.TagFloat, 2, 125, payload, 256)
	require.NoError(t, err)
	// 256-16=240 payload bytes per packet
	assert.Equal(t, 5, len(packets))

	r := stream.NewReassembler()
	for i, pkt := range packets {
		cycle, err := r.Add(pkt)
		require.NoError(t, err)
		if i < len(packets)-1 {
			assert.Nil(t, cycle)
		} else {
			require.NotNil(t, cycle)
			assert.Equal(t, uint32(7), cycle.Seq)
			assert.Equal(t, 2, cycle.Channels)
			assert.Equal(t, 125, cycle.Frames)
			assert.Equal(t, payload, cycle.Payload)
		}
	}
	assert.Equal(t, 0, r.Pending())
}

func TestReassembleOutOfOrder(t *testing.T) {
	payload := []byte("abcdefghijklmnopqrstuvwxyz")
	packets, err := stream.Fragment(1, stream.TagInt, 1, 13, payload, stream.HeaderSize+10)
	require.NoError(t, err)
	require.Equal(t, 3, len(packets))

	r := stream.NewReassembler()
	var cycle *stream.Cycle
	for _, i := range []int{2, 0, 1} {
		c, err := r.Add(packets[i])
		require.NoError(t, err)
		if c != nil {
			cycle = c
		}
	}
	require.NotNil(t, cycle)
	assert.Equal(t, payload, cycle.Payload)
}

func TestReassembleDuplicate(t *testing.T) {
	packets, err := stream.Fragment(3, stream.TagFloat, 1, 4, []byte{1, 2, 3, 4}, stream.HeaderSize+2)
	require.NoError(t, err)
	require.Equal(t, 2, len(packets))

	r := stream.NewReassembler()
	cycle, err := r.Add(packets[0])
	require.NoError(t, err)
	assert.Nil(t, cycle)
	// duplicate fragment must not complete the cycle
	cycle, err = r.Add(packets[0])
	require.NoError(t, err)
	assert.Nil(t, cycle)
	cycle, err = r.Add(packets[1])
	require.NoError(t, err)
	require.NotNil(t, cycle)
	assert.Equal(t, []byte{1, 2, 3, 4}, cycle.Payload)
}

func TestPrune(t *testing.T) {
	r := stream.NewReassembler()
	for _, seq := range []uint32{1, 2, 5} {
		packets, err := stream.Fragment(seq, stream.TagFloat, 1, 2, []byte{1, 2, 3, 4}, stream.HeaderSize+2)
		require.NoError(t, err)
		// incomplete on purpose
		_, err = r.Add(packets[0])
		require.NoError(t, err)
	}
	assert.Equal(t, 3, r.Pending())

	lost := r.Prune(5)
	assert.ElementsMatch(t, []uint32{1, 2}, lost)
	assert.Equal(t, 1, r.Pending())
}

func TestFragmentEmptyPayload(t *testing.T) {
	// input-less programs send empty cycles as the clock
	packets, err := stream.Fragment(0, stream.TagFloat, 0, 64, nil, stream.DefaultMTU)
	require.NoError(t, err)
	require.Equal(t, 1, len(packets))

	r := stream.NewReassembler()
	cycle, err := r.Add(packets[0])
	require.NoError(t, err)
	require.NotNil(t, cycle)
	assert.Empty(t, cycle.Payload)
}

func TestInvalidPackets(t *testing.T) {
	_, err := stream.ParseHeader([]byte{1, 2, 3})
	assert.Equal(t, stream.ErrPacketTooShort, err)

	_, err = stream.Fragment(0, stream.TagFloat, 1, 1, []byte{1}, stream.HeaderSize)
	assert.Equal(t, stream.ErrMTUTooSmall, err)
}
