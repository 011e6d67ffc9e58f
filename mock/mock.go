// Package mock provides test doubles for the compiler toolchain and for
// audio endpoints, and allows to execute integration tests without a real
// compiler or audio hardware.
package mock

import (
	"errors"
	"strings"
	"sync"

	"github.com/pipelined/netdsp"
	"github.com/pipelined/netdsp/signal"
)

// Toolchain mocks the compiler collaborator. Expand is deterministic
// concatenation of name, source and flags; Compile produces an artifact
// whose instances multiply the input by Gain. Call counters allow to
// assert caching behaviour.
type Toolchain struct {
	NumChannels int
	Gain        float64
	// ErrorOnCompile makes every Compile fail.
	ErrorOnCompile error

	m            sync.Mutex
	expandCalls  int
	compileCalls int
}

// Expand implements netdsp.Toolchain.
func (t *Toolchain) Expand(name, source string, flags []string) (string, error) {
	t.m.Lock()
	t.expandCalls++
	t.m.Unlock()
	return name + "\x00" + source + "\x00" + strings.Join(flags, "\x00"), nil
}

// Compile implements netdsp.Toolchain.
func (t *Toolchain) Compile(req netdsp.CompileRequest, expanded string) (*netdsp.Artifact, error) {
	t.m.Lock()
	t.compileCalls++
	t.m.Unlock()
	if t.ErrorOnCompile != nil {
		return nil, t.ErrorOnCompile
	}
	channels := t.NumChannels
	if channels == 0 {
		channels = 1
	}
	return &netdsp.Artifact{
		Blob:         []byte(expanded),
		NumInputs:    channels,
		NumOutputs:   channels,
		Dependencies: []string{"music.lib"},
		Metadata:     map[string]string{"name": req.Name},
	}, nil
}

// Instantiate implements netdsp.Toolchain.
func (t *Toolchain) Instantiate(a *netdsp.Artifact) (netdsp.Processor, error) {
	if a == nil {
		return nil, errors.New("nil artifact")
	}
	gain := t.Gain
	if gain == 0 {
		gain = 1
	}
	return &GainProcessor{
		numInputs:  a.NumInputs,
		numOutputs: a.NumOutputs,
		gain:       gain,
	}, nil
}

// ExpandCalls returns the number of Expand invocations.
func (t *Toolchain) ExpandCalls() int {
	t.m.Lock()
	defer t.m.Unlock()
	return t.expandCalls
}

// CompileCalls returns the number of Compile invocations.
func (t *Toolchain) CompileCalls() int {
	t.m.Lock()
	defer t.m.Unlock()
	return t.compileCalls
}

// GainProcessor multiplies every input sample by a constant gain.
type GainProcessor struct {
	numInputs  int
	numOutputs int
	gain       float64
	sampleRate int
}

// NumInputs implements netdsp.Processor.
func (p *GainProcessor) NumInputs() int { return p.numInputs }

// NumOutputs implements netdsp.Processor.
func (p *GainProcessor) NumOutputs() int { return p.numOutputs }

// Init implements netdsp.Processor.
func (p *GainProcessor) Init(sampleRate int) error {
	p.sampleRate = sampleRate
	return nil
}

// Compute implements netdsp.Processor.
func (p *GainProcessor) Compute(frames int, in, out [][]float64) error {
	for i := 0; i < p.numOutputs; i++ {
		src := in[i%len(in)]
		for j := 0; j < frames; j++ {
			out[i][j] = src[j] * p.gain
		}
	}
	return nil
}

// Pump generates a deterministic ramp signal: the sample at absolute
// position p is Value + p/1024 on every channel. Values are exactly
// representable in float32, so raw-float round trips are bit-exact.
type Pump struct {
	NumChannels int
	Value       float64

	pos int
}

// Pump fills the buffer and advances the position.
func (m *Pump) Pump(b signal.Float64) {
	for i := range b {
		for j := range b[i] {
			b[i][j] = m.Value + float64(m.pos+j)/1024
		}
	}
	m.pos += b.Size()
}

// Sink records every buffer it receives.
type Sink struct {
	Buffer signal.Float64
}

// Sink appends the buffer to the recorded signal.
func (m *Sink) Sink(b signal.Float64) {
	m.Buffer = m.Buffer.Append(b)
}
