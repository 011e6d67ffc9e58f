package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pipelined/netdsp/client"
	"github.com/pipelined/netdsp/mp3"
	"github.com/pipelined/netdsp/signal"
	"github.com/pipelined/netdsp/stream"
	"github.com/pipelined/netdsp/wav"
)

// processCommand compiles a program on a remote service and streams an
// audio file through the running instance into an output file.
type processCommand struct {
	addr        string
	port        int
	program     string
	input       string
	output      string
	bufferSize  int
	latency     int
	mtu         int
	compression int
	bitRate     int
	optLevel    int
	target      string
}

func (c *processCommand) Name() string { return "process" }

func (c *processCommand) Help() string { return "stream an audio file through a remotely compiled program" }

func (c *processCommand) Register(flags *flag.FlagSet) {
	flags.StringVar(&c.addr, "addr", "localhost", "service address")
	flags.IntVar(&c.port, "port", 7777, "service port")
	flags.StringVar(&c.program, "program", "", "DSP program file to compile")
	flags.StringVar(&c.input, "in", "", "input audio file, wav or mp3")
	flags.StringVar(&c.output, "out", "out.wav", "output audio file, wav or mp3")
	flags.IntVar(&c.bufferSize, "buffer", 512, "frames per cycle")
	flags.IntVar(&c.latency, "latency", stream.DefaultLatency, "latency in network cycles")
	flags.IntVar(&c.mtu, "mtu", stream.DefaultMTU, "packet size bound in bytes")
	flags.IntVar(&c.compression, "compression", stream.Raw, "0 raw-float, -2 raw-int, N>0 compressed at N kbit/s")
	flags.IntVar(&c.bitRate, "bitrate", 192, "mp3 output bit rate")
	flags.IntVar(&c.optLevel, "opt", 3, "optimization level, 0 to 3")
	flags.StringVar(&c.target, "target", "", "cross-compilation target")
}

func (c *processCommand) Run() error {
	if c.program == "" || c.input == "" {
		return errors.New("both -program and -in are required")
	}

	pumpFn, sampleRate, numChannels, flush, err := c.openPump()
	if err != nil {
		return err
	}
	defer flush()

	var options []client.Option
	if c.target != "" {
		options = append(options, client.WithTarget(c.target))
	}
	remote := client.New()
	defer remote.DeleteAllFactories()
	factory, err := remote.CreateFromFile(c.addr, c.port, c.program, nil, c.optLevel, options...)
	if err != nil {
		return err
	}
	fmt.Printf("compiled %s: %s\n", factory.Name(), factory.ShaKey())
	if factory.NumInputs() != numChannels {
		return fmt.Errorf("%s expects %d input channels, %s has %d",
			factory.Name(), factory.NumInputs(), c.input, numChannels)
	}

	instance, err := factory.CreateInstance(sampleRate, c.bufferSize,
		stream.WithCompression(c.compression),
		stream.WithLatency(c.latency),
		stream.WithMTU(c.mtu),
		stream.WithPartialBuffers(),
	)
	if err != nil {
		return err
	}
	if err := instance.Start(); err != nil {
		return err
	}
	defer instance.Stop()

	sinkFn, closeSink, err := c.openSink(sampleRate, instance.NumOutputs())
	if err != nil {
		return err
	}
	defer closeSink()

	out := signal.EmptyFloat64(instance.NumOutputs(), c.bufferSize)
	var processed int64
	for {
		b, err := pumpFn()
		if b != nil {
			frames := b.Size()
			if cerr := instance.Compute(frames, b, out); cerr != nil {
				return cerr
			}
			if serr := sinkFn(out.Slice(0, frames)); serr != nil {
				return serr
			}
			processed += int64(frames)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return err
		}
	}
	// drain the latency window so the tail is not cut off
	tail := signal.EmptyFloat64(instance.NumInputs(), c.bufferSize)
	for i := 0; i < c.latency; i++ {
		if err := instance.Compute(c.bufferSize, tail, out); err != nil {
			return err
		}
		if err := sinkFn(out); err != nil {
			return err
		}
	}
	fmt.Printf("processed %v of audio into %s\n", signal.DurationOf(sampleRate, processed), c.output)
	return nil
}

func (c *processCommand) openPump() (func() (signal.Float64, error), int, int, func() error, error) {
	switch strings.ToLower(filepath.Ext(c.input)) {
	case ".wav":
		pump := wav.NewPump(c.input)
		fn, sampleRate, numChannels, err := pump.Pump(c.bufferSize)
		if err != nil {
			return nil, 0, 0, nil, err
		}
		return fn, sampleRate, numChannels, pump.Flush, nil
	case ".mp3":
		pump := mp3.NewPump(c.input)
		fn, sampleRate, numChannels, err := pump.Pump(c.bufferSize)
		if err != nil {
			return nil, 0, 0, nil, err
		}
		return fn, sampleRate, numChannels, pump.Flush, nil
	}
	return nil, 0, 0, nil, fmt.Errorf("unsupported input format %q", filepath.Ext(c.input))
}

func (c *processCommand) openSink(sampleRate, numChannels int) (func(signal.Float64) error, func() error, error) {
	switch strings.ToLower(filepath.Ext(c.output)) {
	case ".wav":
		sink, err := wav.NewSink(c.output, signal.BitDepth16)
		if err != nil {
			return nil, nil, err
		}
		fn, err := sink.Sink(sampleRate, numChannels)
		if err != nil {
			return nil, nil, err
		}
		return fn, sink.Flush, nil
	case ".mp3":
		sink := mp3.NewSink(c.output, c.bitRate, 2)
		fn, err := sink.Sink(sampleRate, numChannels)
		if err != nil {
			return nil, nil, err
		}
		return fn, sink.Flush, nil
	}
	return nil, nil, fmt.Errorf("unsupported output format %q", filepath.Ext(c.output))
}
