// Package netdsp offloads compilation and execution of DSP programs to a
// remote machine. A server compiles sources into cached factories, a client
// binds factories to instances and exchanges audio with them over the
// network in real time.
package netdsp

import (
	"errors"
	"sync"

	"github.com/rs/xid"
)

// Processor is the processing capability set. It is implemented both by
// locally compiled programs on the server side and by the network-backed
// variant which forwards Compute to a streaming session.
type Processor interface {
	NumInputs() int
	NumOutputs() int
	Init(sampleRate int) error
	Compute(frames int, in, out [][]float64) error
}

// ErrorCode identifies a streaming or control fault. The set is fixed and
// shared across the client/server boundary.
type ErrorCode int

const (
	// FactoryNotFound is returned when a shaKey lookup misses.
	FactoryNotFound ErrorCode = iota
	// InstanceNotCreated is returned when an instance could not be bound.
	InstanceNotCreated
	// TransportNotStarted is escalated when audio is computed before the
	// session transport is up.
	TransportNotStarted
	// TransportRead is escalated when an input cycle was lost or corrupt.
	TransportRead
	// TransportWrite is escalated when an output cycle could not be sent.
	TransportWrite
	// ControlConnection is returned when the control channel to the
	// compilation service failed.
	ControlConnection
)

func (c ErrorCode) String() string {
	switch c {
	case FactoryNotFound:
		return "factory not found"
	case InstanceNotCreated:
		return "instance not created"
	case TransportNotStarted:
		return "transport not started"
	case TransportRead:
		return "transport read failure"
	case TransportWrite:
		return "transport write failure"
	case ControlConnection:
		return "control connection failure"
	}
	return "unknown error"
}

// Fault is a structured streaming event delivered to a registered sink.
type Fault struct {
	Code ErrorCode
	Err  error
}

// Policy is the sink's verdict on a fault.
type Policy int

const (
	// Continue keeps the session attempting to recover on later calls.
	Continue Policy = iota
	// Stop halts the session: every subsequent call yields silence.
	Stop
)

// FaultSink receives faults synchronously from the streaming path. Its
// return value governs whether the session keeps running.
type FaultSink func(Fault) Policy

// CompileRequest describes one compilation job.
type CompileRequest struct {
	// Name of the application, used when Source is inline.
	Name string `json:"name"`
	// Source is the program text.
	Source string `json:"source"`
	// Flags are compiler flags, in order.
	Flags []string `json:"flags"`
	// OptLevel is the optimization level, clamped to [0, 3].
	OptLevel int `json:"optLevel"`
	// Target is an optional cross-compilation target triple.
	Target string `json:"target,omitempty"`
}

// Clamp returns the request with OptLevel forced into [0, 3].
func (r CompileRequest) Clamp() CompileRequest {
	if r.OptLevel < 0 {
		r.OptLevel = 0
	}
	if r.OptLevel > 3 {
		r.OptLevel = 3
	}
	return r
}

// Artifact is a compiled program descriptor as stored in a factory cache
// and returned over the compile RPC.
type Artifact struct {
	ShaKey       string            `json:"shaKey"`
	Blob         []byte            `json:"blob,omitempty"`
	NumInputs    int               `json:"numInputs"`
	NumOutputs   int               `json:"numOutputs"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Toolchain is the compiler collaborator. Expand must be deterministic:
// identical (source, flags) always yields identical expanded text, which is
// what gets hashed into a shaKey.
type Toolchain interface {
	Expand(name, source string, flags []string) (string, error)
	Compile(req CompileRequest, expanded string) (*Artifact, error)
	Instantiate(a *Artifact) (Processor, error)
}

// Error is a coded failure crossing the client/server boundary.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

// StreamRequest asks a server to bind an instance of a cached factory to
// a new stream endpoint.
type StreamRequest struct {
	ShaKey      string `json:"shaKey"`
	SampleRate  int    `json:"sampleRate"`
	BufferSize  int    `json:"bufferSize"`
	Compression int    `json:"compression"`
	MTU         int    `json:"mtu,omitempty"`
}

// StreamReply carries the bound stream endpoint back to the client.
type StreamReply struct {
	ID   string `json:"id"`
	Port int    `json:"port"`
}

// FactoryInfo is one entry of a server's factory listing.
type FactoryInfo struct {
	Name   string `json:"name"`
	ShaKey string `json:"shaKey"`
}

// UID is a unique component identifier.
type UID struct {
	value string
}

// NewUID returns a new unique id.
func NewUID() UID {
	return UID{value: xid.New().String()}
}

// ID returns the id value.
func (id UID) ID() string {
	return id.value
}

// ErrSingleUseReused is returned when a single-use entity is reused.
var ErrSingleUseReused = errors.New("single-use entity reused")

// SingleUse is used to ensure that components are started only once.
func SingleUse(once *sync.Once) (err error) {
	err = ErrSingleUseReused
	once.Do(func() {
		err = nil
	})
	return
}
