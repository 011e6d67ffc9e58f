package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/pipelined/netdsp/discovery"
)

// machinesCommand scans the network for compilation services.
type machinesCommand struct {
	probePort int
	window    time.Duration
	broadcast string
}

func (c *machinesCommand) Name() string { return "machines" }

func (c *machinesCommand) Help() string { return "scan the network for compilation services" }

func (c *machinesCommand) Register(flags *flag.FlagSet) {
	flags.IntVar(&c.probePort, "probe-port", discovery.DefaultPort, "discovery probe port")
	flags.DurationVar(&c.window, "window", discovery.DefaultWindow, "reply collection window")
	flags.StringVar(&c.broadcast, "broadcast", "255.255.255.255", "probe destination address")
}

func (c *machinesCommand) Run() error {
	machines, err := discovery.ListMachines(
		discovery.WithProbePort(c.probePort),
		discovery.WithWindow(c.window),
		discovery.WithBroadcast(c.broadcast),
	)
	if err != nil {
		return err
	}
	if len(machines) == 0 {
		fmt.Println("No machines found")
		return nil
	}
	for _, m := range machines {
		fmt.Printf("%s\t%s:%d\n", m.Name, m.Addr, m.Port)
	}
	return nil
}

// factoriesCommand lists the factories cached by one service.
type factoriesCommand struct {
	addr string
	port int
}

func (c *factoriesCommand) Name() string { return "factories" }

func (c *factoriesCommand) Help() string { return "list the factories cached by a service" }

func (c *factoriesCommand) Register(flags *flag.FlagSet) {
	flags.StringVar(&c.addr, "addr", "localhost", "service address")
	flags.IntVar(&c.port, "port", 7777, "service port")
}

func (c *factoriesCommand) Run() error {
	list, err := discovery.ListFactories(c.addr, c.port)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No factories cached")
		return nil
	}
	for _, f := range list {
		fmt.Printf("%s\t%s\n", f.Name, f.ShaKey)
	}
	return nil
}
