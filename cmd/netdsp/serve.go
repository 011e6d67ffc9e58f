package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pipelined/netdsp"
	"github.com/pipelined/netdsp/discovery"
	"github.com/pipelined/netdsp/server"
)

// serveCommand runs a compilation service. The compiler frontend is a
// pluggable collaborator; this binary ships with an echo toolchain which
// compiles every program to a pass-through processor, enough to exercise
// the cache, discovery and transport paths end to end.
type serveCommand struct {
	port        int
	name        string
	probePort   int
	numChannels int
}

func (c *serveCommand) Name() string { return "serve" }

func (c *serveCommand) Help() string { return "run a compilation service" }

func (c *serveCommand) Register(flags *flag.FlagSet) {
	flags.IntVar(&c.port, "port", server.DefaultPort, "service port")
	flags.StringVar(&c.name, "name", "", "announced machine name, default is the hostname")
	flags.IntVar(&c.probePort, "probe-port", discovery.DefaultPort, "discovery probe port")
	flags.IntVar(&c.numChannels, "channels", 2, "channel count of echo-compiled programs")
}

func (c *serveCommand) Run() error {
	options := []server.Option{
		server.WithPort(c.port),
		server.WithAnnounce(c.probePort),
	}
	if c.name != "" {
		options = append(options, server.WithName(c.name))
	}
	s := server.New(&echoToolchain{numChannels: c.numChannels}, options...)
	if err := s.Start(); err != nil {
		return err
	}
	fmt.Printf("serving on port %d\n", s.Port())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return s.Stop()
}

// echoToolchain compiles every program to a pass-through processor.
type echoToolchain struct {
	numChannels int
}

func (t *echoToolchain) Expand(name, source string, flags []string) (string, error) {
	expanded := name + "\x00" + source
	for _, f := range flags {
		expanded += "\x00" + f
	}
	return expanded, nil
}

func (t *echoToolchain) Compile(req netdsp.CompileRequest, expanded string) (*netdsp.Artifact, error) {
	return &netdsp.Artifact{
		Blob:       []byte(expanded),
		NumInputs:  t.numChannels,
		NumOutputs: t.numChannels,
		Metadata:   map[string]string{"name": req.Name},
	}, nil
}

func (t *echoToolchain) Instantiate(a *netdsp.Artifact) (netdsp.Processor, error) {
	return &echoProcessor{channels: a.NumInputs}, nil
}

type echoProcessor struct {
	channels int
}

func (p *echoProcessor) NumInputs() int { return p.channels }

func (p *echoProcessor) NumOutputs() int { return p.channels }

func (p *echoProcessor) Init(int) error { return nil }

func (p *echoProcessor) Compute(frames int, in, out [][]float64) error {
	for i := range out {
		copy(out[i][:frames], in[i][:frames])
	}
	return nil
}
