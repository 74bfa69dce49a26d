package manager_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_communicationmanager/internal/errkind"
	"github.com/aosedge/aos_communicationmanager/internal/netalloc/manager"
)

type fakePool struct {
	subnets map[string]net.IPNet
	nextIP  map[string]int
}

func newFakePool() *fakePool {
	return &fakePool{subnets: make(map[string]net.IPNet), nextIP: make(map[string]int)}
}

func (p *fakePool) AcquireSubnet(providerID string, _ manager.RouteOverlap) (net.IPNet, error) {
	if s, ok := p.subnets[providerID]; ok {
		return s, nil
	}

	_, subnet, _ := net.ParseCIDR("10.1.0.0/24")
	p.subnets[providerID] = *subnet

	return *subnet, nil
}

func (p *fakePool) AcquireIP(providerID string) (net.IP, error) {
	n := p.nextIP[providerID]
	p.nextIP[providerID] = n + 1

	return net.IPv4(10, 1, 0, byte(10+n)), nil
}

func (p *fakePool) ReleaseIP(string, net.IP) error { return nil }
func (p *fakePool) ReleaseSubnet(string) error      { return nil }

type fakeDNS struct {
	hosts map[string][]string
	ip    net.IP
}

func newFakeDNS() *fakeDNS {
	return &fakeDNS{hosts: make(map[string][]string), ip: net.IPv4(10, 1, 0, 1)}
}

func (d *fakeDNS) IP() net.IP { return d.ip }

func (d *fakeDNS) AddHost(ip net.IP, hostnames ...string) error {
	d.hosts[ip.String()] = append(d.hosts[ip.String()], hostnames...)
	return nil
}

func (d *fakeDNS) HostExists(hostname string) bool {
	for _, names := range d.hosts {
		for _, n := range names {
			if n == hostname {
				return true
			}
		}
	}

	return false
}

func (d *fakeDNS) RemoveIP(ip net.IP) { delete(d.hosts, ip.String()) }
func (d *fakeDNS) Reload() error      { return nil }

type fakeNotifier struct {
	updates map[string]manager.NetworkUpdate
}

func (n *fakeNotifier) PushNetworkUpdate(nodeID string, update manager.NetworkUpdate) error {
	if n.updates == nil {
		n.updates = make(map[string]manager.NetworkUpdate)
	}

	n.updates[nodeID] = update

	return nil
}

type fakeStorage struct{}

func (fakeStorage) SaveNetworkState(*manager.NetworkState) error   { return nil }
func (fakeStorage) RemoveNetworkState(string) error                { return nil }
func (fakeStorage) LoadNetworkStates() ([]*manager.NetworkState, error) { return nil, nil }

func newManager() (*manager.Manager, *fakePool, *fakeDNS, *fakeNotifier) {
	pool := newFakePool()
	dnsCtrl := newFakeDNS()
	notifier := &fakeNotifier{}
	mgr := manager.New(pool, dnsCtrl, notifier, fakeStorage{}, nil)

	return mgr, pool, dnsCtrl, notifier
}

func TestUpdateProviderNetworkAllocatesAndNotifies(t *testing.T) {
	mgr, _, _, notifier := newManager()

	require.NoError(t, mgr.UpdateProviderNetwork([]string{"provider-a"}, "node-1"))
	require.Contains(t, notifier.updates, "node-1")
	require.Equal(t, "provider-a", notifier.updates["node-1"].NetworkID)
}

func TestUpdateProviderNetworkIsIdempotent(t *testing.T) {
	mgr, _, _, _ := newManager()

	require.NoError(t, mgr.UpdateProviderNetwork([]string{"provider-a"}, "node-1"))
	require.NoError(t, mgr.UpdateProviderNetwork([]string{"provider-a"}, "node-1"))
}

func TestPrepareInstanceNetworkParametersSynthesizesHostnames(t *testing.T) {
	mgr, _, dnsCtrl, _ := newManager()

	require.NoError(t, mgr.UpdateProviderNetwork([]string{"provider-a"}, "node-1"))

	ident := manager.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0, Type: "service"}

	params, err := mgr.PrepareInstanceNetworkParameters(ident, "provider-a", "node-1", nil)
	require.NoError(t, err)
	require.NotNil(t, params.IP)
	require.True(t, dnsCtrl.HostExists("subj1.item1"))
	require.True(t, dnsCtrl.HostExists("0.subj1.item1"))
}

func TestPrepareInstanceNetworkParametersRejectsUnknownNetwork(t *testing.T) {
	mgr, _, _, _ := newManager()

	_, err := mgr.PrepareInstanceNetworkParameters(manager.InstanceIdent{}, "no-such-network", "node-1", nil)
	require.Equal(t, errkind.NotFound, errkind.Of(err))
}

func TestPrepareInstanceNetworkParametersFailsOnHostnameCollision(t *testing.T) {
	mgr, _, dnsCtrl, _ := newManager()
	require.NoError(t, mgr.UpdateProviderNetwork([]string{"provider-a"}, "node-1"))
	require.NoError(t, dnsCtrl.AddHost(net.IPv4(10, 1, 0, 99), "subj1.item1"))

	ident := manager.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0, Type: "service"}

	_, err := mgr.PrepareInstanceNetworkParameters(ident, "provider-a", "node-1", nil)
	require.Equal(t, errkind.AlreadyExists, errkind.Of(err))
}

func TestPrepareInstanceNetworkParametersReusesExistingRowOnRestart(t *testing.T) {
	mgr, _, _, _ := newManager()
	require.NoError(t, mgr.UpdateProviderNetwork([]string{"provider-a"}, "node-1"))

	ident := manager.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0, Type: "service"}

	first, err := mgr.PrepareInstanceNetworkParameters(ident, "provider-a", "node-1", nil)
	require.NoError(t, err)

	second, err := mgr.PrepareInstanceNetworkParameters(ident, "provider-a", "node-1", nil)
	require.NoError(t, err)

	require.Equal(t, first.IP.String(), second.IP.String())
}

func TestRemoveInstanceNetworkParametersIsIdempotent(t *testing.T) {
	mgr, _, _, _ := newManager()
	ident := manager.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0, Type: "service"}

	require.NoError(t, mgr.RemoveInstanceNetworkParameters(ident, "node-1"))
}

func TestFirewallRuleParsingRejectsMalformedConnection(t *testing.T) {
	mgr, _, _, _ := newManager()
	require.NoError(t, mgr.UpdateProviderNetwork([]string{"provider-a"}, "node-1"))

	ident := manager.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0, Type: "service"}

	_, err := mgr.PrepareInstanceNetworkParameters(ident, "provider-a", "node-1", []string{"bad"})
	require.Equal(t, errkind.InvalidArgument, errkind.Of(err))
}

func TestFirewallRuleNotFoundWhenNoPeerExposesPort(t *testing.T) {
	mgr, _, _, _ := newManager()
	require.NoError(t, mgr.UpdateProviderNetwork([]string{"provider-a"}, "node-1"))

	ident := manager.InstanceIdent{ItemID: "item1", SubjectID: "subj1", Instance: 0, Type: "service"}

	_, err := mgr.PrepareInstanceNetworkParameters(ident, "provider-a", "node-1", []string{"item2/8080"})
	require.Equal(t, errkind.NotFound, errkind.Of(err))
}
