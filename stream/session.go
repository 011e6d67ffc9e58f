package stream

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pipelined/netdsp"
	"github.com/pipelined/netdsp/log"
	"github.com/pipelined/netdsp/signal"
)

// DefaultTimeout bounds the wait for an overdue output cycle. A cycle that
// is not reassembled within this window is declared lost and escalated.
const DefaultTimeout = 200 * time.Millisecond

// ErrFrameCount is returned when partial buffers are disabled and a call
// carries a frame count different from the negotiated buffer size.
var ErrFrameCount = errors.New("frame count must match negotiated buffer size")

// ErrNotStarted is returned by Stop when the session never started.
var ErrNotStarted = errors.New("session not started")

// Session is a bidirectional real-time audio transport between a local
// processing stand-in and a remote running instance. Pushing input for
// cycle n and receiving output for cycle n-latency happen within the same
// call, hiding round-trip latency behind the configured buffering.
//
// Codec, latency and MTU are immutable once the session is created.
type Session struct {
	uid         netdsp.UID
	addr        string
	port        int
	compression int
	codec       Codec
	latency     int
	mtu         int
	partial     bool
	timeout     time.Duration
	sink        netdsp.FaultSink

	numIn      int
	numOut     int
	sampleRate int
	bufferSize int

	conn    net.Conn
	started bool
	halted  bool

	cycle        uint32 // next input cycle to send
	expected     uint32 // next output cycle to deliver
	stagedFrames int
	inStage      signal.Float64
	outFIFO      signal.Float64
	completed    map[uint32]*Cycle
	reasm        *Reassembler
	buf          []byte

	logger log.Logger
}

// Option configures a session before it is started.
type Option func(*Session)

// WithAddress sets the remote endpoint address.
func WithAddress(addr string) Option {
	return func(s *Session) {
		s.addr = addr
	}
}

// WithPort sets the remote endpoint port.
func WithPort(port int) Option {
	return func(s *Session) {
		s.port = port
	}
}

// WithCompression selects the codec: 0 is raw-float (the default), -2 is
// raw-int, a positive value is compressed at that many kbit/s.
func WithCompression(selector int) Option {
	return func(s *Session) {
		s.compression = selector
	}
}

// WithLatency sets the number of buffered network cycles. More cycles
// tolerate more network jitter at the cost of delay.
func WithLatency(cycles int) Option {
	return func(s *Session) {
		s.latency = cycles
	}
}

// WithMTU bounds the per-packet size in bytes.
func WithMTU(mtu int) Option {
	return func(s *Session) {
		s.mtu = mtu
	}
}

// WithPartialBuffers allows calls to supply fewer frames than the
// negotiated buffer size. The session slices and merges network cycles to
// keep subsequent full-size calls aligned.
func WithPartialBuffers() Option {
	return func(s *Session) {
		s.partial = true
	}
}

// WithTimeout bounds the wait for an overdue output cycle.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

// WithFaultSink registers the fault handler. It is invoked synchronously
// from the streaming path; returning netdsp.Stop halts the session for
// good, any other value keeps it attempting to recover.
func WithFaultSink(sink netdsp.FaultSink) Option {
	return func(s *Session) {
		s.sink = sink
	}
}

// NewSession creates a session bound to an instance with the given channel
// counts, sample rate and buffer size.
func NewSession(numIn, numOut, sampleRate, bufferSize int, options ...Option) (*Session, error) {
	s := &Session{
		uid:        netdsp.NewUID(),
		addr:       "localhost",
		latency:    DefaultLatency,
		mtu:        DefaultMTU,
		timeout:    DefaultTimeout,
		numIn:      numIn,
		numOut:     numOut,
		sampleRate: sampleRate,
		bufferSize: bufferSize,
		completed:  make(map[uint32]*Cycle),
		reasm:      NewReassembler(),
		logger:     log.GetLogger(),
	}
	for _, option := range options {
		option(s)
	}
	if bufferSize <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", bufferSize)
	}
	if s.latency < 1 {
		return nil, fmt.Errorf("invalid latency %d cycles", s.latency)
	}
	if s.mtu <= HeaderSize {
		return nil, ErrMTUTooSmall
	}
	codec, err := ForCompression(s.compression)
	if err != nil {
		return nil, err
	}
	s.codec = codec
	s.buf = make([]byte, s.mtu)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.uid.ID()
}

// Latency returns the negotiated latency in cycles.
func (s *Session) Latency() int {
	return s.latency
}

// BufferSize returns the negotiated cycle size in frames.
func (s *Session) BufferSize() int {
	return s.bufferSize
}

// Compression returns the negotiated compression selector.
func (s *Session) Compression() int {
	return s.compression
}

// MTU returns the negotiated MTU in bytes.
func (s *Session) MTU() int {
	return s.mtu
}

// SetEndpoint points the session at its remote endpoint. It has no effect
// once the session is started.
func (s *Session) SetEndpoint(addr string, port int) {
	if s.started {
		return
	}
	s.addr = addr
	s.port = port
}

// Start dials the remote endpoint and primes the latency buffer. The
// first latency cycles of output are silence while the pipeline fills.
func (s *Session) Start() error {
	conn, err := net.Dial("udp", fmt.Sprintf("%s:%d", s.addr, s.port))
	if err != nil {
		return err
	}
	s.conn = conn
	s.outFIFO = signal.EmptyFloat64(s.numOut, s.latency*s.bufferSize)
	s.started = true
	s.logger.Debug("session started: ", s.conn.RemoteAddr())
	return nil
}

// Stop closes the transport. It never blocks on pending cycles.
func (s *Session) Stop() error {
	if !s.started {
		return ErrNotStarted
	}
	s.started = false
	return s.conn.Close()
}

// Halted reports whether a fault sink has stopped the session.
func (s *Session) Halted() bool {
	return s.halted
}

// Process exchanges one call's worth of audio with the remote instance:
// input frames are staged and pushed as complete cycles, output frames are
// delivered from the cycle latency steps behind. When partial buffers are
// disabled, frames must equal the negotiated buffer size.
//
// Transport faults never fail the call: they are escalated to the fault
// sink and the output degrades to silence. Once a sink returns Stop, every
// subsequent call yields silence.
func (s *Session) Process(frames int, in, out [][]float64) error {
	if s.halted {
		zero(out, frames)
		return nil
	}
	if !s.started {
		if s.escalate(netdsp.TransportNotStarted, errors.New("transport not started")) == netdsp.Stop {
			s.halted = true
		}
		zero(out, frames)
		return nil
	}
	if !s.partial && frames != s.bufferSize {
		return fmt.Errorf("%w: got %d, want %d", ErrFrameCount, frames, s.bufferSize)
	}

	s.push(frames, in)
	if s.halted {
		zero(out, frames)
		return nil
	}
	if s.numOut == 0 {
		// output-less instance: the pushed cycles are the whole exchange
		return nil
	}
	s.pull(frames)
	if s.halted {
		zero(out, frames)
		return nil
	}

	// deliver in original temporal order
	for i := 0; i < s.numOut && i < len(out); i++ {
		copy(out[i][:frames], s.outFIFO[i])
	}
	s.outFIFO = s.outFIFO.Slice(frames, s.outFIFO.Size()-frames)
	if s.outFIFO == nil {
		s.outFIFO = signal.EmptyFloat64(s.numOut, 0)
	}
	return nil
}

// push stages input frames and sends every complete cycle.
func (s *Session) push(frames int, in [][]float64) {
	if s.numIn > 0 {
		buffer := make(signal.Float64, s.numIn)
		for i := range buffer {
			buffer[i] = in[i][:frames]
		}
		s.inStage = s.inStage.Append(buffer)
	}
	s.stagedFrames += frames

	for s.stagedFrames >= s.bufferSize {
		var cycleBuf signal.Float64
		if s.numIn > 0 {
			cycleBuf = s.inStage.Slice(0, s.bufferSize)
			s.inStage = s.inStage.Slice(s.bufferSize, s.inStage.Size()-s.bufferSize)
		}
		s.stagedFrames -= s.bufferSize
		if err := s.send(cycleBuf); err != nil {
			if s.escalate(netdsp.TransportWrite, err) == netdsp.Stop {
				s.halted = true
				return
			}
		}
		s.cycle++
	}
}

// send encodes and fragments one input cycle. Input-less programs still
// send an empty cycle: it is the clock that drives the remote instance.
func (s *Session) send(buffer signal.Float64) error {
	payload, err := s.codec.Encode(buffer)
	if err != nil {
		return err
	}
	packets, err := Fragment(s.cycle, s.codec.Tag(), s.numIn, s.bufferSize, payload, s.mtu)
	if err != nil {
		return err
	}
	for _, pkt := range packets {
		if _, err := s.conn.Write(pkt); err != nil {
			return err
		}
	}
	return nil
}

// pull fills the output FIFO with at least frames worth of output. Cycles
// that do not reassemble within the timeout are lost: escalated once,
// replaced with silence and never delivered late into a later slot.
func (s *Session) pull(frames int) {
	deadline := time.Now().Add(s.timeout)
	s.receive(time.Time{})
	if s.halted {
		return
	}
	for s.outFIFO.Size() < frames {
		before := s.outFIFO.Size()
		if time.Now().After(deadline) {
			err := fmt.Errorf("cycle %d not reassembled within %v", s.expected, s.timeout)
			if s.escalate(netdsp.TransportRead, err) == netdsp.Stop {
				s.halted = true
				return
			}
			// the cycle is lost: substitute silence to keep alignment
			// and discard any late fragments
			s.outFIFO = s.outFIFO.Append(signal.EmptyFloat64(s.numOut, s.bufferSize))
			s.expected++
			s.reasm.Prune(s.expected)
			for seq := range s.completed {
				if seq < s.expected {
					delete(s.completed, seq)
				}
			}
			deadline = time.Now().Add(s.timeout)
			continue
		}
		s.receive(deadline)
		if s.halted {
			return
		}
		if s.outFIFO.Size() > before {
			deadline = time.Now().Add(s.timeout)
		}
	}
}

// receive drains the socket into the reassembler and appends completed
// cycles to the FIFO in sequence order. A zero deadline polls without
// waiting.
func (s *Session) receive(deadline time.Time) {
	for {
		if deadline.IsZero() {
			s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		} else {
			s.conn.SetReadDeadline(deadline)
		}
		n, err := s.conn.Read(s.buf)
		if err != nil {
			if isTimeout(err) {
				break
			}
			if s.escalate(netdsp.TransportRead, err) == netdsp.Stop {
				s.halted = true
			}
			break
		}
		cycle, err := s.reasm.Add(s.buf[:n])
		if err != nil {
			s.logger.Debug("dropped packet: ", err)
			continue
		}
		if cycle == nil {
			continue
		}
		if cycle.Seq < s.expected {
			// stale cycle, already substituted with silence
			continue
		}
		s.completed[cycle.Seq] = cycle
		s.drain()
		if !deadline.IsZero() && s.outFIFO.Size() > 0 {
			break
		}
	}
	s.drain()
}

// drain decodes completed cycles as long as they are next in sequence.
func (s *Session) drain() {
	for {
		cycle, ok := s.completed[s.expected]
		if !ok {
			return
		}
		delete(s.completed, s.expected)
		buffer, err := s.codec.Decode(cycle.Payload, s.numOut, s.bufferSize)
		if err != nil {
			if s.escalate(netdsp.TransportRead, err) == netdsp.Stop {
				s.halted = true
				return
			}
			buffer = signal.EmptyFloat64(s.numOut, s.bufferSize)
		}
		s.outFIFO = s.outFIFO.Append(buffer)
		s.expected++
	}
}

func (s *Session) escalate(code netdsp.ErrorCode, err error) netdsp.Policy {
	s.logger.Debug(code, ": ", err)
	if s.sink == nil {
		return netdsp.Continue
	}
	return s.sink(netdsp.Fault{Code: code, Err: err})
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func zero(out [][]float64, frames int) {
	for i := range out {
		buf := out[i]
		if frames < len(buf) {
			buf = buf[:frames]
		}
		for j := range buf {
			buf[j] = 0
		}
	}
}
