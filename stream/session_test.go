package stream_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipelined/netdsp"
	"github.com/pipelined/netdsp/mock"
	"github.com/pipelined/netdsp/signal"
	"github.com/pipelined/netdsp/stream"
)

// echoHost loops every complete input cycle back to the sender, optionally
// swallowing chosen cycles to emulate packet loss.
type echoHost struct {
	conn *net.UDPConn
	mtu  int
	drop map[uint32]bool
	done chan struct{}
}

func newEchoHost(t *testing.T, mtu int, drop ...uint32) *echoHost {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	h := &echoHost{
		conn: conn,
		mtu:  mtu,
		drop: make(map[uint32]bool),
		done: make(chan struct{}),
	}
	for _, seq := range drop {
		h.drop[seq] = true
	}
	go h.run()
	t.Cleanup(h.stop)
	return h
}

func (h *echoHost) port() int {
	return h.conn.LocalAddr().(*net.UDPAddr).Port
}

func (h *echoHost) stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	h.conn.Close()
}

func (h *echoHost) run() {
	reasm := stream.NewReassembler()
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-h.done:
			return
		default:
		}
		h.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		cycle, err := reasm.Add(buf[:n])
		if err != nil || cycle == nil {
			continue
		}
		if h.drop[cycle.Seq] {
			continue
		}
		packets, err := stream.Fragment(cycle.Seq, cycle.Codec, cycle.Channels, cycle.Frames, cycle.Payload, h.mtu)
		if err != nil {
			continue
		}
		for _, pkt := range packets {
			h.conn.WriteToUDP(pkt, addr)
		}
	}
}

func newLoopbackSession(t *testing.T, host *echoHost, bufferSize int, options ...stream.Option) *stream.Session {
	t.Helper()
	options = append([]stream.Option{
		stream.WithAddress("127.0.0.1"),
		stream.WithPort(host.port()),
		stream.WithTimeout(time.Second),
	}, options...)
	s, err := stream.NewSession(1, 1, 44100, bufferSize, options...)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

// process runs the session over the whole pumped signal and records the
// produced output.
func process(t *testing.T, s *stream.Session, pump *mock.Pump, calls, frames int) signal.Float64 {
	t.Helper()
	sink := &mock.Sink{}
	in := signal.EmptyFloat64(1, frames)
	out := signal.EmptyFloat64(1, frames)
	for i := 0; i < calls; i++ {
		pump.Pump(in)
		require.NoError(t, s.Process(frames, in, out))
		sink.Sink(out)
	}
	return sink.Buffer
}

func TestLoopbackRoundTrip(t *testing.T) {
	const (
		bufferSize = 64
		latency    = 2
		calls      = 8
	)
	host := newEchoHost(t, stream.DefaultMTU)
	s := newLoopbackSession(t, host, bufferSize, stream.WithLatency(latency))

	pump := &mock.Pump{NumChannels: 1, Value: 0.25}
	got := process(t, s, pump, calls, bufferSize)
	require.Equal(t, calls*bufferSize, got.Size())

	// output is the input delayed by exactly latency*bufferSize frames
	delay := latency * bufferSize
	for j := 0; j < delay; j++ {
		assert.Zero(t, got[0][j], "frame %d inside the latency window", j)
	}
	for j := delay; j < got.Size(); j++ {
		want := 0.25 + float64(j-delay)/1024
		assert.Equal(t, want, got[0][j], "frame %d", j)
	}
}

func TestLoopbackFragmented(t *testing.T) {
	const bufferSize = 256
	// 4*256 bytes of payload over a tiny MTU forces many fragments
	host := newEchoHost(t, 80)
	s := newLoopbackSession(t, host, bufferSize, stream.WithMTU(80))

	pump := &mock.Pump{NumChannels: 1}
	got := process(t, s, pump, 6, bufferSize)

	delay := stream.DefaultLatency * bufferSize
	for j := delay; j < got.Size(); j++ {
		assert.Equal(t, float64(j-delay)/1024, got[0][j], "frame %d", j)
	}
}

func TestPartialBuffers(t *testing.T) {
	const bufferSize = 64
	host := newEchoHost(t, stream.DefaultMTU)
	s := newLoopbackSession(t, host, bufferSize, stream.WithPartialBuffers())

	pump := &mock.Pump{NumChannels: 1}
	sink := &mock.Sink{}
	// partial calls of varying sizes followed by full-size calls
	sizes := []int{24, 40, 16, 48, bufferSize, bufferSize, bufferSize, bufferSize}
	var supplied int
	for _, frames := range sizes {
		in := signal.EmptyFloat64(1, frames)
		out := signal.EmptyFloat64(1, frames)
		pump.Pump(in)
		require.NoError(t, s.Process(frames, in, out))
		sink.Sink(out)
		supplied += frames
	}
	got := sink.Buffer
	require.Equal(t, supplied, got.Size())

	// alignment is preserved: past the latency window the output is the
	// input delayed by exactly latency*bufferSize frames
	delay := stream.DefaultLatency * bufferSize
	for j := delay; j < got.Size(); j++ {
		assert.Equal(t, float64(j-delay)/1024, got[0][j], "frame %d", j)
	}
}

func TestFrameCountEnforced(t *testing.T) {
	host := newEchoHost(t, stream.DefaultMTU)
	s := newLoopbackSession(t, host, 64)

	in := signal.EmptyFloat64(1, 32)
	out := signal.EmptyFloat64(1, 32)
	err := s.Process(32, in, out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, stream.ErrFrameCount))
}

func TestDroppedCycleContinue(t *testing.T) {
	const (
		bufferSize = 64
		latency    = 2
		calls      = 8
		dropped    = 2
	)
	host := newEchoHost(t, stream.DefaultMTU, dropped)
	var faults []netdsp.Fault
	s := newLoopbackSession(t, host, bufferSize,
		stream.WithLatency(latency),
		stream.WithTimeout(100*time.Millisecond),
		stream.WithFaultSink(func(f netdsp.Fault) netdsp.Policy {
			faults = append(faults, f)
			return netdsp.Continue
		}),
	)

	pump := &mock.Pump{NumChannels: 1}
	got := process(t, s, pump, calls, bufferSize)

	// exactly one escalation, carrying a read failure code
	require.Equal(t, 1, len(faults))
	assert.Equal(t, netdsp.TransportRead, faults[0].Code)

	// the lost cycle's slot is silence, later cycles resume normally
	delay := latency * bufferSize
	lostStart := delay + dropped*bufferSize
	for j := lostStart; j < lostStart+bufferSize; j++ {
		assert.Zero(t, got[0][j], "frame %d of the lost slot", j)
	}
	for j := lostStart + bufferSize; j < got.Size(); j++ {
		assert.Equal(t, float64(j-delay)/1024, got[0][j], "frame %d", j)
	}
}

func TestDroppedCycleStop(t *testing.T) {
	const bufferSize = 64
	host := newEchoHost(t, stream.DefaultMTU, 1)
	var faults int
	s := newLoopbackSession(t, host, bufferSize,
		stream.WithTimeout(100*time.Millisecond),
		stream.WithFaultSink(func(f netdsp.Fault) netdsp.Policy {
			faults++
			return netdsp.Stop
		}),
	)

	pump := &mock.Pump{NumChannels: 1}
	got := process(t, s, pump, 8, bufferSize)

	assert.Equal(t, 1, faults)
	assert.True(t, s.Halted())
	// everything after the fault is silence, and no call ever fails
	var nonZero bool
	for j := 3 * bufferSize; j < got.Size(); j++ {
		if got[0][j] != 0 {
			nonZero = true
		}
	}
	assert.False(t, nonZero)
}

func TestZeroOutputs(t *testing.T) {
	// an analyzer program has no output channels: pushing input still
	// clocks the remote instance, and calls return without waiting for
	// cycles that will never carry audio
	host := newEchoHost(t, stream.DefaultMTU)
	var faults int
	s, err := stream.NewSession(1, 0, 44100, 64,
		stream.WithAddress("127.0.0.1"),
		stream.WithPort(host.port()),
		stream.WithTimeout(100*time.Millisecond),
		stream.WithFaultSink(func(netdsp.Fault) netdsp.Policy {
			faults++
			return netdsp.Continue
		}),
	)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })

	pump := &mock.Pump{NumChannels: 1}
	in := signal.EmptyFloat64(1, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 4; i++ {
			pump.Pump(in)
			if !assert.NoError(t, s.Process(64, in, nil)) {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("process calls did not return for a zero-output instance")
	}
	assert.Zero(t, faults)
}

func TestReadFailureStops(t *testing.T) {
	// nothing listens on the endpoint: the pull either errors or times
	// out, and a sink demanding stop is consulted exactly once
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())

	var faults int
	s, err := stream.NewSession(1, 1, 44100, 64,
		stream.WithAddress("127.0.0.1"),
		stream.WithPort(port),
		stream.WithTimeout(100*time.Millisecond),
		stream.WithFaultSink(func(netdsp.Fault) netdsp.Policy {
			faults++
			return netdsp.Stop
		}),
	)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })

	in := signal.EmptyFloat64(1, 64)
	out := signal.EmptyFloat64(1, 64)
	require.NoError(t, s.Process(64, in, out))
	assert.Equal(t, 1, faults)
	assert.True(t, s.Halted())
}

func TestNotStarted(t *testing.T) {
	var faults []netdsp.Fault
	s, err := stream.NewSession(1, 1, 44100, 64,
		stream.WithFaultSink(func(f netdsp.Fault) netdsp.Policy {
			faults = append(faults, f)
			return netdsp.Continue
		}),
	)
	require.NoError(t, err)

	in := signal.EmptyFloat64(1, 64)
	in[0][0] = 1
	out := signal.EmptyFloat64(1, 64)
	out[0][0] = 1
	require.NoError(t, s.Process(64, in, out))
	require.Equal(t, 1, len(faults))
	assert.Equal(t, netdsp.TransportNotStarted, faults[0].Code)
	assert.Zero(t, out[0][0])
}

func TestSessionValidation(t *testing.T) {
	_, err := stream.NewSession(1, 1, 44100, 0)
	assert.Error(t, err)
	_, err = stream.NewSession(1, 1, 44100, 64, stream.WithLatency(0))
	assert.Error(t, err)
	_, err = stream.NewSession(1, 1, 44100, 64, stream.WithMTU(8))
	assert.Error(t, err)
	_, err = stream.NewSession(1, 1, 44100, 64, stream.WithCompression(-5))
	assert.Error(t, err)

	s, err := stream.NewSession(1, 1, 44100, 64)
	require.NoError(t, err)
	assert.Equal(t, stream.DefaultLatency, s.Latency())
	assert.Equal(t, 64, s.BufferSize())
	assert.Equal(t, stream.DefaultMTU, s.MTU())
	assert.Equal(t, stream.ErrNotStarted, s.Stop())
}

func TestLoopbackCompressed(t *testing.T) {
	const bufferSize = 128
	host := newEchoHost(t, stream.DefaultMTU)
	s := newLoopbackSession(t, host, bufferSize, stream.WithCompression(64))

	pump := &mock.Pump{NumChannels: 1, Value: -0.5}
	got := process(t, s, pump, 6, bufferSize)

	// compressed codec is lossy: bounded error instead of bit-exactness
	delay := stream.DefaultLatency * bufferSize
	for j := delay; j < got.Size(); j++ {
		want := -0.5 + float64(j-delay)/1024
		assert.InDelta(t, want, got[0][j], 1.0/float64(1<<14), "frame %d", j)
	}
}
