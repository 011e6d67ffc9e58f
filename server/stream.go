package server

import (
	"net"
	"time"

	"github.com/pipelined/netdsp"
	"github.com/pipelined/netdsp/log"
	"github.com/pipelined/netdsp/signal"
	"github.com/pipelined/netdsp/stream"
)

// pruneLag is how many cycles behind the newest completed cycle an
// incomplete one may trail before its fragments are discarded.
const pruneLag = 8

// streamHost runs one instance: it reassembles input cycles from the
// client, computes them through the processor and fragments the output
// back to the sender. One UDP socket per instance.
type streamHost struct {
	id         string
	proc       netdsp.Processor
	codec      stream.Codec
	mtu        int
	bufferSize int

	conn   *net.UDPConn
	reasm  *stream.Reassembler
	done   chan struct{}
	logger log.Logger
}

func newStreamHost(proc netdsp.Processor, req netdsp.StreamRequest) (*streamHost, error) {
	codec, err := stream.ForCompression(req.Compression)
	if err != nil {
		return nil, err
	}
	mtu := req.MTU
	if mtu == 0 {
		mtu = stream.DefaultMTU
	}
	addr, err := net.ResolveUDPAddr("udp", ":0")
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &streamHost{
		id:         netdsp.NewUID().ID(),
		proc:       proc,
		codec:      codec,
		mtu:        mtu,
		bufferSize: req.BufferSize,
		conn:       conn,
		reasm:      stream.NewReassembler(),
		done:       make(chan struct{}),
		logger:     log.GetLogger(),
	}, nil
}

func (h *streamHost) port() int {
	return h.conn.LocalAddr().(*net.UDPAddr).Port
}

func (h *streamHost) stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	h.conn.Close()
}

// run loops until the host is stopped. Output for cycle n is derived from
// input for cycle n only; incomplete cycles are never computed.
func (h *streamHost) run() {
	in := signal.EmptyFloat64(h.proc.NumInputs(), h.bufferSize)
	out := signal.EmptyFloat64(h.proc.NumOutputs(), h.bufferSize)
	buf := make([]byte, h.mtu)
	for {
		select {
		case <-h.done:
			return
		default:
		}
		h.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// socket closed on stop
			return
		}
		cycle, err := h.reasm.Add(buf[:n])
		if err != nil {
			h.logger.Debug("dropped packet: ", err)
			continue
		}
		if cycle == nil {
			continue
		}
		if cycle.Seq > pruneLag {
			h.reasm.Prune(cycle.Seq - pruneLag)
		}
		if err := h.compute(cycle, in, out); err != nil {
			h.logger.Debug("compute failed: ", err)
			continue
		}
		if err := h.send(cycle.Seq, out, addr); err != nil {
			h.logger.Debug("send failed: ", err)
		}
	}
}

func (h *streamHost) compute(cycle *stream.Cycle, in, out signal.Float64) error {
	if h.proc.NumInputs() > 0 {
		decoded, err := h.codec.Decode(cycle.Payload, h.proc.NumInputs(), h.bufferSize)
		if err != nil {
			return err
		}
		for i := range in {
			copy(in[i], decoded[i])
		}
	}
	return h.proc.Compute(h.bufferSize, in, out)
}

func (h *streamHost) send(seq uint32, out signal.Float64, addr *net.UDPAddr) error {
	payload, err := h.codec.Encode(out)
	if err != nil {
		return err
	}
	packets, err := stream.Fragment(seq, h.codec.Tag(), h.proc.NumOutputs(), h.bufferSize, payload, h.mtu)
	if err != nil {
		return err
	}
	for _, pkt := range packets {
		if _, err := h.conn.WriteToUDP(pkt, addr); err != nil {
			return err
		}
	}
	return nil
}
