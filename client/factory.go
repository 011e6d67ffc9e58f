package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/pipelined/netdsp"
	"github.com/pipelined/netdsp/stream"
)

// RemoteFactory is a handle to a factory cached by a compilation service.
// Handles are owned by the client that issued them and become invalid when
// the client deletes them.
type RemoteFactory struct {
	uid      netdsp.UID
	client   *Client
	addr     string
	port     int
	artifact *netdsp.Artifact

	m     sync.Mutex
	valid bool
}

// ShaKey returns the factory's content hash.
func (f *RemoteFactory) ShaKey() string {
	return f.artifact.ShaKey
}

// Name returns the factory name.
func (f *RemoteFactory) Name() string {
	return f.artifact.Metadata["name"]
}

// NumInputs returns the number of input channels.
func (f *RemoteFactory) NumInputs() int {
	return f.artifact.NumInputs
}

// NumOutputs returns the number of output channels.
func (f *RemoteFactory) NumOutputs() int {
	return f.artifact.NumOutputs
}

// Dependencies returns the factory's library dependencies.
func (f *RemoteFactory) Dependencies() []string {
	return f.artifact.Dependencies
}

// Metadata returns the factory metadata map.
func (f *RemoteFactory) Metadata() map[string]string {
	return f.artifact.Metadata
}

// Valid reports whether the handle may still be used.
func (f *RemoteFactory) Valid() bool {
	f.m.Lock()
	defer f.m.Unlock()
	return f.valid
}

func (f *RemoteFactory) invalidate() {
	f.m.Lock()
	f.valid = false
	f.m.Unlock()
}

// CreateInstance binds the factory to a running instance on the server
// and opens a streaming session to it. The returned instance implements
// netdsp.Processor: its Compute forwards to the session instead of
// computing locally. Destroying the instance never invalidates the
// factory.
func (f *RemoteFactory) CreateInstance(sampleRate, bufferSize int, options ...stream.Option) (*Instance, error) {
	if !f.Valid() {
		return nil, &netdsp.Error{Code: netdsp.FactoryNotFound, Message: "handle invalidated"}
	}
	session, err := stream.NewSession(f.NumInputs(), f.NumOutputs(), sampleRate, bufferSize, options...)
	if err != nil {
		return nil, &netdsp.Error{Code: netdsp.InstanceNotCreated, Message: err.Error()}
	}

	req := netdsp.StreamRequest{
		ShaKey:      f.ShaKey(),
		SampleRate:  sampleRate,
		BufferSize:  bufferSize,
		Compression: session.Compression(),
		MTU:         session.MTU(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.httpc.Post(controlURL(f.addr, f.port, "/stream"), "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, &netdsp.Error{Code: netdsp.ControlConnection, Message: err.Error()}
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &netdsp.Error{Code: netdsp.FactoryNotFound, Message: f.ShaKey()}
	default:
		return nil, &netdsp.Error{Code: netdsp.InstanceNotCreated, Message: resp.Status}
	}
	var reply netdsp.StreamReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, &netdsp.Error{Code: netdsp.ControlConnection, Message: err.Error()}
	}
	session.SetEndpoint(f.addr, reply.Port)

	return &Instance{
		factory:    f,
		session:    session,
		hostID:     reply.ID,
		sampleRate: sampleRate,
	}, nil
}

// Instance is the network-backed processor: a stand-in for the remote
// running instance, forwarding audio through its streaming session. It
// does not outlive the session.
type Instance struct {
	factory    *RemoteFactory
	session    *stream.Session
	hostID     string
	sampleRate int
}

// NumInputs returns the number of input channels.
func (i *Instance) NumInputs() int {
	return i.factory.NumInputs()
}

// NumOutputs returns the number of output channels.
func (i *Instance) NumOutputs() int {
	return i.factory.NumOutputs()
}

// Metadata passes the factory metadata through.
func (i *Instance) Metadata() map[string]string {
	return i.factory.Metadata()
}

// Session returns the instance's streaming session.
func (i *Instance) Session() *stream.Session {
	return i.session
}

// Init validates the sample rate against the one negotiated at creation.
// The remote instance was initialized by the server when it was bound.
func (i *Instance) Init(sampleRate int) error {
	if sampleRate != i.sampleRate {
		return fmt.Errorf("instance bound at %d Hz, got %d", i.sampleRate, sampleRate)
	}
	return nil
}

// Compute forwards one call's worth of audio to the remote instance.
func (i *Instance) Compute(frames int, in, out [][]float64) error {
	return i.session.Process(frames, in, out)
}

// Start opens the streaming session.
func (i *Instance) Start() error {
	return i.session.Start()
}

// Stop closes the streaming session and releases the server-side host.
func (i *Instance) Stop() error {
	err := i.session.Stop()
	req, rerr := http.NewRequest(http.MethodDelete, controlURL(i.factory.addr, i.factory.port, "/stream?id="+i.hostID), nil)
	if rerr == nil {
		if resp, derr := i.factory.client.httpc.Do(req); derr == nil {
			resp.Body.Close()
		}
	}
	return err
}
