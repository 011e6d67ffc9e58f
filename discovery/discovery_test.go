package discovery_test

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipelined/netdsp"
	"github.com/pipelined/netdsp/discovery"
	"github.com/pipelined/netdsp/mock"
	"github.com/pipelined/netdsp/server"
)

// freePort grabs an unused UDP port.
func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestListMachines(t *testing.T) {
	port := freePort(t)
	r := discovery.NewResponder("studio", 7777, discovery.WithProbePort(port))
	require.NoError(t, r.Start())
	defer r.Stop()

	machines, err := discovery.ListMachines(
		discovery.WithBroadcast("127.0.0.1"),
		discovery.WithProbePort(port),
		discovery.WithWindow(300*time.Millisecond),
	)
	require.NoError(t, err)
	require.Equal(t, 1, len(machines))
	assert.Equal(t, "studio", machines[0].Name)
	assert.Equal(t, 7777, machines[0].Port)
	assert.Equal(t, "127.0.0.1", machines[0].Addr)
}

func TestListMachinesEmptyNetwork(t *testing.T) {
	// nothing answers: a legitimately empty result, not an error
	machines, err := discovery.ListMachines(
		discovery.WithBroadcast("127.0.0.1"),
		discovery.WithProbePort(freePort(t)),
		discovery.WithWindow(100*time.Millisecond),
	)
	require.NoError(t, err)
	assert.Empty(t, machines)
}

func TestListMachinesDeduplicates(t *testing.T) {
	// a responder double answering every probe twice with the same name
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	go func() {
		buf := make([]byte, 512)
		reply, _ := json.Marshal(discovery.Machine{Name: "twice", Port: 7777})
		for {
			_, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(reply, addr)
			conn.WriteToUDP(reply, addr)
		}
	}()

	machines, err := discovery.ListMachines(
		discovery.WithBroadcast("127.0.0.1"),
		discovery.WithProbePort(port),
		discovery.WithWindow(300*time.Millisecond),
	)
	require.NoError(t, err)
	assert.Equal(t, 1, len(machines))
}

func TestListFactories(t *testing.T) {
	s := server.New(&mock.Toolchain{}, server.WithPort(0))
	require.NoError(t, s.Start())
	defer s.Stop()

	list, err := discovery.ListFactories("127.0.0.1", s.Port())
	require.NoError(t, err)
	assert.Empty(t, list)

	s.Cache().Insert("cafe", &netdsp.Artifact{
		ShaKey:   "cafe",
		Metadata: map[string]string{"name": "mixer"},
	})
	list, err = discovery.ListFactories("127.0.0.1", s.Port())
	require.NoError(t, err)
	require.Equal(t, 1, len(list))
	assert.Equal(t, "mixer", list[0].Name)
	assert.Equal(t, "cafe", list[0].ShaKey)
}

func TestListFactoriesConnectionFailure(t *testing.T) {
	_, err := discovery.ListFactories("127.0.0.1", 1)
	assert.Error(t, err)
}
