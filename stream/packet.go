// Package stream implements the real-time audio transport: codec
// negotiation, MTU-bound packet fragmentation and reassembly, latency
// buffering and fault escalation. It is shared by the client session and
// the server stream host.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed size of the packet header in bytes.
const HeaderSize = 16

// DefaultMTU bounds the total packet size, header included.
const DefaultMTU = 1500

// DefaultLatency is the default number of buffered network cycles.
const DefaultLatency = 2

// Header describes one audio transport fragment.
type Header struct {
	// Cycle is the monotonically increasing cycle sequence number.
	Cycle uint32
	// Index is the fragment index within the cycle.
	Index uint16
	// Count is the total number of fragments in the cycle.
	Count uint16
	// Codec is the payload encoding tag.
	Codec uint8
	// Channels is the number of audio channels in the cycle.
	Channels uint8
	// Frames is the number of frames in the full cycle.
	Frames uint16
	// Length is the payload size of this fragment in bytes.
	Length uint16
}

// ErrPacketTooShort is returned when a datagram cannot hold a header.
var ErrPacketTooShort = errors.New("packet too short")

// ErrMTUTooSmall is returned when the MTU cannot hold a header and at
// least one payload byte.
var ErrMTUTooSmall = errors.New("mtu too small")

func (h Header) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:], h.Cycle)
	binary.BigEndian.PutUint16(b[4:], h.Index)
	binary.BigEndian.PutUint16(b[6:], h.Count)
	b[8] = h.Codec
	b[9] = h.Channels
	binary.BigEndian.PutUint16(b[10:], h.Frames)
	binary.BigEndian.PutUint16(b[12:], h.Length)
	b[14] = 0
	b[15] = 0
}

// ParseHeader reads a header from the beginning of a datagram.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrPacketTooShort
	}
	h := Header{
		Cycle:    binary.BigEndian.Uint32(b[0:]),
		Index:    binary.BigEndian.Uint16(b[4:]),
		Count:    binary.BigEndian.Uint16(b[6:]),
		Codec:    b[8],
		Channels: b[9],
		Frames:   binary.BigEndian.Uint16(b[10:]),
		Length:   binary.BigEndian.Uint16(b[12:]),
	}
	if len(b) < HeaderSize+int(h.Length) {
		return Header{}, ErrPacketTooShort
	}
	return h, nil
}

// Fragment splits one cycle's encoded payload into MTU-bound datagrams.
// Every datagram carries the cycle sequence number, its fragment index and
// the total fragment count, so the receiver can reassemble the cycle in
// any arrival order.
func Fragment(cycle uint32, codec uint8, channels, frames int, payload []byte, mtu int) ([][]byte, error) {
	chunk := mtu - HeaderSize
	if chunk <= 0 {
		return nil, ErrMTUTooSmall
	}
	count := (len(payload) + chunk - 1) / chunk
	if count == 0 {
		count = 1
	}
	packets := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		lo := i * chunk
		hi := lo + chunk
		if hi > len(payload) {
			hi = len(payload)
		}
		h := Header{
			Cycle:    cycle,
			Index:    uint16(i),
			Count:    uint16(count),
			Codec:    codec,
			Channels: uint8(channels),
			Frames:   uint16(frames),
			Length:   uint16(hi - lo),
		}
		pkt := make([]byte, HeaderSize+hi-lo)
		h.put(pkt)
		copy(pkt[HeaderSize:], payload[lo:hi])
		packets = append(packets, pkt)
	}
	return packets, nil
}

// Cycle is one fully reassembled network cycle.
type Cycle struct {
	Seq      uint32
	Codec    uint8
	Channels int
	Frames   int
	Payload  []byte
}

type pending struct {
	count    int
	received int
	codec    uint8
	channels int
	frames   int
	parts    [][]byte
}

// Reassembler collects fragments until a cycle is complete. It keeps
// incomplete cycles until they are pruned by the owner; completion of a
// cycle hands it over exactly once.
type Reassembler struct {
	cycles map[uint32]*pending
}

// NewReassembler returns an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		cycles: make(map[uint32]*pending),
	}
}

// Add consumes one datagram. It returns the reassembled cycle when this
// fragment completed it, otherwise nil.
func (r *Reassembler) Add(pkt []byte) (*Cycle, error) {
	h, err := ParseHeader(pkt)
	if err != nil {
		return nil, err
	}
	if h.Count == 0 || h.Index >= h.Count {
		return nil, fmt.Errorf("invalid fragment %d/%d of cycle %d", h.Index, h.Count, h.Cycle)
	}
	p, ok := r.cycles[h.Cycle]
	if !ok {
		p = &pending{
			count:    int(h.Count),
			codec:    h.Codec,
			channels: int(h.Channels),
			frames:   int(h.Frames),
			parts:    make([][]byte, h.Count),
		}
		r.cycles[h.Cycle] = p
	}
	if int(h.Count) != p.count {
		return nil, fmt.Errorf("fragment count mismatch for cycle %d", h.Cycle)
	}
	if p.parts[h.Index] != nil {
		// duplicate fragment
		return nil, nil
	}
	part := make([]byte, h.Length)
	copy(part, pkt[HeaderSize:HeaderSize+int(h.Length)])
	p.parts[h.Index] = part
	p.received++
	if p.received < p.count {
		return nil, nil
	}
	delete(r.cycles, h.Cycle)
	var size int
	for _, part := range p.parts {
		size += len(part)
	}
	payload := make([]byte, 0, size)
	for _, part := range p.parts {
		payload = append(payload, part...)
	}
	return &Cycle{
		Seq:      h.Cycle,
		Codec:    p.codec,
		Channels: p.channels,
		Frames:   p.frames,
		Payload:  payload,
	}, nil
}

// Prune drops incomplete cycles older than the given sequence number and
// returns their sequence numbers. A pruned cycle is lost: it will never be
// delivered, even if its remaining fragments arrive later.
func (r *Reassembler) Prune(olderThan uint32) []uint32 {
	var lost []uint32
	for seq := range r.cycles {
		if seq < olderThan {
			lost = append(lost, seq)
			delete(r.cycles, seq)
		}
	}
	return lost
}

// Pending returns the number of incomplete cycles held.
func (r *Reassembler) Pending() int {
	return len(r.cycles)
}
