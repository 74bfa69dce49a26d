// Package manager implements C4: reconciles per-node provider networks,
// allocates per-instance network parameters, derives firewall rules, and
// drives the DNS controller and subnet pool to do so.
//
// Grounded line-for-line on original_source's
// networkmanager/networkmanager.cpp.
package manager

import (
	"fmt"
	"net"
)

// InstanceIdent is the primary key of a workload instance.
type InstanceIdent struct {
	ItemID       string
	SubjectID    string
	Instance     uint64
	Type         string
	Preinstalled bool
}

// Key returns a stable string form of ident, used as a map key.
func (i InstanceIdent) Key() string {
	return fmt.Sprintf("%s/%s/%d/%s", i.ItemID, i.SubjectID, i.Instance, i.Type)
}

// ExposedPort is a single declared `{port, proto}` pair an instance listens on.
type ExposedPort struct {
	Port  uint16
	Proto string
}

// FirewallRule is derived, never stored directly.
type FirewallRule struct {
	SrcIP   net.IP
	DstIP   net.IP
	Proto   string
	DstPort uint16
}

// Instance is a workload's network identity within one provider network.
type Instance struct {
	NetworkID    string
	NodeID       string
	Ident        InstanceIdent
	IP           net.IP
	ExposedPorts []ExposedPort
	DNSServers   []net.IP
}

// Host is one node's presence within a NetworkState.
type Host struct {
	NodeID    string
	IP        net.IP
	Instances map[string]*Instance
}

// NetworkState is the per-provider network record (spec.md "NetworkState").
type NetworkState struct {
	ProviderID string
	NetworkID  string
	Subnet     net.IPNet
	VlanID     uint16
	Hosts      map[string]*Host // keyed by nodeId
}

func (n *NetworkState) empty() bool {
	return len(n.Hosts) == 0
}

// NetworkUpdate is what gets pushed to a node's SM session after
// UpdateProviderNetwork allocates or changes its provider networks.
type NetworkUpdate struct {
	NetworkID string
	Subnet    net.IPNet
	VlanID    uint16
	IP        net.IP
}

// InstanceNetworkParameters is the result of PrepareInstanceNetworkParameters.
type InstanceNetworkParameters struct {
	Subnet        net.IPNet
	VlanID        uint16
	IP            net.IP
	DNSServers    []net.IP
	FirewallRules []FirewallRule
}

// SubnetPool is the C2 collaborator.
type SubnetPool interface {
	AcquireSubnet(providerID string, overlap RouteOverlap) (net.IPNet, error)
	AcquireIP(providerID string) (net.IP, error)
	ReleaseIP(providerID string, ip net.IP) error
	ReleaseSubnet(providerID string) error
}

// RouteOverlap mirrors subnetpool.RouteOverlap so this package doesn't need
// to import subnetpool's concrete type in its public surface.
type RouteOverlap interface {
	Routes() ([]net.IPNet, error)
}

// DNSController is the C3 collaborator.
type DNSController interface {
	IP() net.IP
	AddHost(ip net.IP, hostnames ...string) error
	HostExists(hostname string) bool
	RemoveIP(ip net.IP)
	Reload() error
}

// Notifier pushes a provider network update to the node's SM session.
type Notifier interface {
	PushNetworkUpdate(nodeID string, update NetworkUpdate) error
}

// VlanCache is an optional, best-effort shared-state hint used when a
// second CM replica runs against the same storage backend: ReserveVlan
// reports false if another replica already claimed vlanID for a
// *different* provider. It is never authoritative — the in-memory map
// on this Manager remains the source of truth for this replica.
type VlanCache interface {
	ReserveVlan(providerID string, vlanID uint16) (bool, error)
	ReleaseVlan(providerID string) error
}

// Storage persists NetworkState so a restart can reconcile via
// Manager.Init instead of starting from empty state.
type Storage interface {
	SaveNetworkState(state *NetworkState) error
	RemoveNetworkState(providerID string) error
	LoadNetworkStates() ([]*NetworkState, error)
}
