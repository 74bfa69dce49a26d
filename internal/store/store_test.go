package store

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_communicationmanager/internal/netalloc/manager"
)

func TestWireHostsRoundTrip(t *testing.T) {
	hosts := map[string]*manager.Host{
		"node-1": {
			NodeID: "node-1",
			IP:     net.ParseIP("172.17.0.2"),
			Instances: map[string]*manager.Instance{
				"item1/subj1/0/service": {
					NetworkID: "net-1",
					NodeID:    "node-1",
					Ident: manager.InstanceIdent{
						ItemID:    "item1",
						SubjectID: "subj1",
						Instance:  0,
						Type:      "service",
					},
					IP: net.ParseIP("172.17.0.3"),
					ExposedPorts: []manager.ExposedPort{
						{Port: 8080, Proto: "tcp"},
					},
					DNSServers: []net.IP{net.ParseIP("172.17.0.2")},
				},
			},
		},
	}

	wire, err := toWireHosts(hosts)
	require.NoError(t, err)
	require.Len(t, wire, 1)

	restored, err := fromWireHosts(wire)
	require.NoError(t, err)
	require.Len(t, restored, 1)

	host := restored["node-1"]
	require.NotNil(t, host)
	require.True(t, host.IP.Equal(net.ParseIP("172.17.0.2")))

	inst := host.Instances["item1/subj1/0/service"]
	require.NotNil(t, inst)
	require.Equal(t, "net-1", inst.NetworkID)
	require.True(t, inst.IP.Equal(net.ParseIP("172.17.0.3")))
	require.Len(t, inst.ExposedPorts, 1)
	require.Equal(t, uint16(8080), inst.ExposedPorts[0].Port)
	require.Len(t, inst.DNSServers, 1)
}

func TestErrNotFoundMatchesPgxNoRows(t *testing.T) {
	require.True(t, ErrNotFound(errNoRows))
	require.False(t, ErrNotFound(nil))
}
