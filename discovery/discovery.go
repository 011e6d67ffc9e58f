// Package discovery enumerates reachable compilation services. Machines
// are found by broadcasting a probe datagram and collecting replies within
// a bounded window; a server's cached factories are listed with a unicast
// query, enabling reuse without resending source.
package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pipelined/netdsp"
	"github.com/pipelined/netdsp/log"
)

// DefaultPort is the default probe port.
const DefaultPort = 7778

// DefaultWindow is the default reply collection window.
const DefaultWindow = 500 * time.Millisecond

const probe = "netdsp-probe/1"

// Machine is one discovered compilation service.
type Machine struct {
	Name string `json:"name"`
	Addr string `json:"addr,omitempty"`
	Port int    `json:"port"`
}

type config struct {
	probePort int
	window    time.Duration
	broadcast string
}

// Option configures discovery.
type Option func(*config)

// WithProbePort sets the probe port.
func WithProbePort(port int) Option {
	return func(c *config) {
		c.probePort = port
	}
}

// WithWindow bounds the reply collection window.
func WithWindow(d time.Duration) Option {
	return func(c *config) {
		c.window = d
	}
}

// WithBroadcast overrides the probe destination address.
func WithBroadcast(addr string) Option {
	return func(c *config) {
		c.broadcast = addr
	}
}

// ListMachines broadcasts a probe on the local network and collects
// replies, deduplicated by machine name. No machine answering is a
// legitimately empty result, not an error; only a transport failure is.
func ListMachines(options ...Option) ([]Machine, error) {
	c := config{
		probePort: DefaultPort,
		window:    DefaultWindow,
		broadcast: "255.255.255.255",
	}
	for _, option := range options {
		option(&c)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	dst, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", c.broadcast, c.probePort))
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteToUDP([]byte(probe), dst); err != nil {
		return nil, err
	}

	machines := make([]Machine, 0)
	seen := make(map[string]bool)
	buf := make([]byte, 512)
	deadline := time.Now().Add(c.window)
	for {
		conn.SetReadDeadline(deadline)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return machines, nil
			}
			return nil, err
		}
		var m Machine
		if err := json.Unmarshal(buf[:n], &m); err != nil || m.Name == "" {
			continue
		}
		if seen[m.Name] {
			continue
		}
		seen[m.Name] = true
		m.Addr = addr.IP.String()
		machines = append(machines, m)
	}
}

// ListFactories returns the name/shaKey pairs a given server currently has
// cached.
func ListFactories(addr string, port int) ([]netdsp.FactoryInfo, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s:%d/factories", addr, port))
	if err != nil {
		return nil, &netdsp.Error{Code: netdsp.ControlConnection, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &netdsp.Error{Code: netdsp.ControlConnection, Message: resp.Status}
	}
	var list []netdsp.FactoryInfo
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &netdsp.Error{Code: netdsp.ControlConnection, Message: err.Error()}
	}
	return list, nil
}

// Responder answers discovery probes with the service name and port. It is
// run by the compilation service.
type Responder struct {
	name        string
	servicePort int
	probePort   int
	conn        *net.UDPConn
	done        chan struct{}
	logger      log.Logger
}

// NewResponder creates a responder for a service listening on servicePort.
func NewResponder(name string, servicePort int, options ...Option) *Responder {
	c := config{probePort: DefaultPort}
	for _, option := range options {
		option(&c)
	}
	return &Responder{
		name:        name,
		servicePort: servicePort,
		probePort:   c.probePort,
		done:        make(chan struct{}),
		logger:      log.GetLogger(),
	}
}

// Start binds the probe port and answers probes until Stop.
func (r *Responder) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: r.probePort})
	if err != nil {
		return err
	}
	r.conn = conn
	go r.serve()
	return nil
}

// Stop releases the probe socket.
func (r *Responder) Stop() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	if r.conn != nil {
		r.conn.Close()
	}
}

func (r *Responder) serve() {
	reply, _ := json.Marshal(Machine{Name: r.name, Port: r.servicePort})
	buf := make([]byte, 512)
	for {
		select {
		case <-r.done:
			return
		default:
		}
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			// socket closed on stop
			return
		}
		if string(buf[:n]) != probe {
			continue
		}
		if _, err := r.conn.WriteToUDP(reply, addr); err != nil {
			r.logger.Debug("probe reply failed: ", err)
		}
	}
}
