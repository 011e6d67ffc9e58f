// Package portaudio drives a processor from the default audio device: the
// local counterpart of a remote running instance. The runner owns a duplex
// stream and calls the processing entry point once per hardware buffer.
package portaudio

import (
	"github.com/gordonklaus/portaudio"

	"github.com/pipelined/netdsp"
	"github.com/pipelined/netdsp/signal"
)

// Runner connects a processor to the default audio device.
type Runner struct {
	proc       netdsp.Processor
	sampleRate int
	bufferSize int

	inBuf  []float32
	outBuf []float32
	in     signal.Float64
	out    signal.Float64
	stream *portaudio.Stream
}

// NewRunner creates a runner for a processor with the given sample rate
// and buffer size.
func NewRunner(proc netdsp.Processor, sampleRate, bufferSize int) *Runner {
	return &Runner{
		proc:       proc,
		sampleRate: sampleRate,
		bufferSize: bufferSize,
	}
}

// Start initializes the audio backend and begins periodic processing. The
// processor's Compute is invoked once per hardware buffer with exactly
// bufferSize frames.
func (r *Runner) Start() error {
	if err := portaudio.Initialize(); err != nil {
		return err
	}
	numIn := r.proc.NumInputs()
	numOut := r.proc.NumOutputs()
	r.inBuf = make([]float32, r.bufferSize*numIn)
	r.outBuf = make([]float32, r.bufferSize*numOut)
	r.in = signal.EmptyFloat64(numIn, r.bufferSize)
	r.out = signal.EmptyFloat64(numOut, r.bufferSize)

	if err := r.proc.Init(r.sampleRate); err != nil {
		portaudio.Terminate()
		return err
	}

	stream, err := portaudio.OpenDefaultStream(numIn, numOut, float64(r.sampleRate), r.bufferSize, r.callback)
	if err != nil {
		portaudio.Terminate()
		return err
	}
	r.stream = stream
	return r.stream.Start()
}

// Stop terminates the stream and releases the audio backend.
func (r *Runner) Stop() error {
	if r.stream == nil {
		return nil
	}
	err := r.stream.Stop()
	if cerr := r.stream.Close(); err == nil {
		err = cerr
	}
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}

func (r *Runner) callback(in, out []float32) {
	numIn := r.proc.NumInputs()
	numOut := r.proc.NumOutputs()
	for i := 0; i < r.bufferSize; i++ {
		for j := 0; j < numIn; j++ {
			r.in[j][i] = float64(in[i*numIn+j])
		}
	}
	// faults are handled by the session's sink, never here
	r.proc.Compute(r.bufferSize, r.in, r.out)
	for i := 0; i < r.bufferSize; i++ {
		for j := 0; j < numOut; j++ {
			out[i*numOut+j] = float32(r.out[j][i])
		}
	}
}
