package manager

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/aosedge/aos_communicationmanager/internal/errkind"
)

// maxVlanGenerateAttempts mirrors GenerateVlanID's retry count.
const maxVlanGenerateAttempts = 4

// maxVlanID mirrors GenerateVlanID's RandInt(4096) upper bound.
const maxVlanID = 4096

// Manager owns every NetworkState and the per-node instance network
// parameters derived from them.
type Manager struct {
	mu       sync.Mutex
	pool     SubnetPool
	dns      DNSController
	notifier Notifier
	storage  Storage
	routes   RouteOverlap

	networks map[string]*NetworkState // keyed by providerID
	rng      *rand.Rand

	vlanCache VlanCache // nil unless SetVlanCache was called
}

// New wires the C4 collaborators. routes may be nil if the host has no
// notion of competing routes (tests, or platforms without a route table).
func New(pool SubnetPool, dnsController DNSController, notifier Notifier, storage Storage, routes RouteOverlap) *Manager {
	return &Manager{
		pool:     pool,
		dns:      dnsController,
		notifier: notifier,
		storage:  storage,
		routes:   routes,
		networks: make(map[string]*NetworkState),
		rng:      rand.New(rand.NewSource(1)),
	}
}

// SetVlanCache wires the optional multi-replica collision hint (§4.4
// addendum). Disabled (nil) by default.
func (m *Manager) SetVlanCache(cache VlanCache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vlanCache = cache
}

// Init loads persisted NetworkStates and reconciles the subnet pool against
// them, mirroring networkmanager.cpp's Init + RemoveExistedNetworks.
func (m *Manager) Init() error {
	states, err := m.storage.LoadNetworkStates()
	if err != nil {
		return fmt.Errorf("manager: load network states: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, state := range states {
		m.networks[state.ProviderID] = state

		var usedIPs []net.IP
		for _, host := range state.Hosts {
			usedIPs = append(usedIPs, host.IP)

			for _, inst := range host.Instances {
				usedIPs = append(usedIPs, inst.IP)
			}
		}

		if reserver, ok := m.pool.(interface {
			ReserveAllocatedSubnet(providerID string, subnet net.IPNet, usedIPs []net.IP) error
		}); ok {
			if err := reserver.ReserveAllocatedSubnet(state.ProviderID, state.Subnet, usedIPs); err != nil {
				return fmt.Errorf("manager: reconcile provider %q: %w", state.ProviderID, err)
			}
		}
	}

	return nil
}

// UpdateProviderNetwork reconciles nodeID's provider set: allocates
// networks for newly declared providers and removes the node's presence in
// provider networks it no longer declares.
func (m *Manager) UpdateProviderNetwork(providers []string, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]bool, len(providers))
	for _, p := range providers {
		wanted[p] = true
	}

	for providerID, state := range m.networks {
		if wanted[providerID] {
			continue
		}

		if _, present := state.Hosts[nodeID]; !present {
			continue
		}

		if err := m.removeProviderHostLocked(state, nodeID); err != nil {
			return err
		}
	}

	for providerID := range wanted {
		state, ok := m.networks[providerID]
		if ok {
			if _, present := state.Hosts[nodeID]; present {
				continue
			}
		}

		if err := m.addProviderNetworkLocked(providerID, nodeID); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) addProviderNetworkLocked(providerID, nodeID string) error {
	state, ok := m.networks[providerID]
	if !ok {
		subnet, err := m.pool.AcquireSubnet(providerID, m.routes)
		if err != nil {
			return fmt.Errorf("manager: acquire subnet for provider %q: %w", providerID, err)
		}

		vlanID, err := m.generateVlanIDLocked(providerID)
		if err != nil {
			return err
		}

		state = &NetworkState{
			ProviderID: providerID,
			NetworkID:  providerID,
			Subnet:     subnet,
			VlanID:     vlanID,
			Hosts:      make(map[string]*Host),
		}
		m.networks[providerID] = state
	}

	ip, err := m.pool.AcquireIP(providerID)
	if err != nil {
		return fmt.Errorf("manager: acquire host ip for provider %q: %w", providerID, err)
	}

	state.Hosts[nodeID] = &Host{NodeID: nodeID, IP: ip, Instances: make(map[string]*Instance)}

	if err := m.storage.SaveNetworkState(state); err != nil {
		return fmt.Errorf("manager: persist network state %q: %w", providerID, err)
	}

	if m.notifier != nil {
		update := NetworkUpdate{NetworkID: state.NetworkID, Subnet: state.Subnet, VlanID: state.VlanID, IP: ip}
		if err := m.notifier.PushNetworkUpdate(nodeID, update); err != nil {
			return fmt.Errorf("manager: notify node %q: %w", nodeID, err)
		}
	}

	return nil
}

func (m *Manager) removeProviderHostLocked(state *NetworkState, nodeID string) error {
	host, ok := state.Hosts[nodeID]
	if !ok {
		return nil
	}

	for _, inst := range host.Instances {
		if err := m.pool.ReleaseIP(state.ProviderID, inst.IP); err != nil {
			return fmt.Errorf("manager: release instance ip: %w", err)
		}

		m.dns.RemoveIP(inst.IP)
	}

	if err := m.pool.ReleaseIP(state.ProviderID, host.IP); err != nil {
		return fmt.Errorf("manager: release host ip: %w", err)
	}

	delete(state.Hosts, nodeID)

	if state.empty() {
		if err := m.pool.ReleaseSubnet(state.ProviderID); err != nil {
			return fmt.Errorf("manager: release subnet: %w", err)
		}

		if m.vlanCache != nil {
			_ = m.vlanCache.ReleaseVlan(state.ProviderID)
		}

		delete(m.networks, state.ProviderID)

		return m.storage.RemoveNetworkState(state.ProviderID)
	}

	return m.storage.SaveNetworkState(state)
}

// generateVlanIDLocked mirrors GenerateVlanID: up to maxVlanGenerateAttempts
// draws of a uniform integer in [1, maxVlanID], retried on collision. When a
// VlanCache is wired, a candidate another replica already holds also counts
// as a collision; cache errors are treated as "no hint available" rather
// than failing allocation, since the cache is never authoritative.
func (m *Manager) generateVlanIDLocked(providerID string) (uint16, error) {
	used := make(map[uint16]bool, len(m.networks))
	for _, state := range m.networks {
		used[state.VlanID] = true
	}

	for attempt := 0; attempt < maxVlanGenerateAttempts; attempt++ {
		candidate := uint16(m.rng.Intn(maxVlanID) + 1)
		if used[candidate] {
			continue
		}

		if m.vlanCache != nil {
			if reserved, err := m.vlanCache.ReserveVlan(providerID, candidate); err == nil && !reserved {
				continue
			}
		}

		return candidate, nil
	}

	return 0, errkind.New(errkind.NoMemory, "manager: could not generate a unique vlan id")
}

// PrepareInstanceNetworkParameters allocates (or, on restart, reuses) an
// instance's network identity and computes its firewall rules.
func (m *Manager) PrepareInstanceNetworkParameters(ident InstanceIdent, networkID, nodeID string, declared []string) (InstanceNetworkParameters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.networkByID(networkID)
	if !ok {
		return InstanceNetworkParameters{}, errkind.New(errkind.NotFound, fmt.Sprintf("manager: unknown network %q", networkID))
	}

	host, ok := state.Hosts[nodeID]
	if !ok {
		return InstanceNetworkParameters{}, errkind.New(errkind.NotFound, fmt.Sprintf("manager: node %q has no presence on network %q", nodeID, networkID))
	}

	key := ident.Key()

	if existing, ok := host.Instances[key]; ok {
		rules, err := m.firewallRulesLocked(state, existing.IP, declared)
		if err != nil {
			return InstanceNetworkParameters{}, err
		}

		return InstanceNetworkParameters{
			Subnet:        state.Subnet,
			VlanID:        state.VlanID,
			IP:            existing.IP,
			DNSServers:    existing.DNSServers,
			FirewallRules: rules,
		}, nil
	}

	ip, err := m.pool.AcquireIP(state.ProviderID)
	if err != nil {
		return InstanceNetworkParameters{}, fmt.Errorf("manager: acquire instance ip: %w", err)
	}

	hostnames := instanceHostnames(ident, state.NetworkID)

	for _, h := range hostnames {
		if m.dns.HostExists(h) {
			return InstanceNetworkParameters{}, errkind.New(errkind.AlreadyExists, fmt.Sprintf("manager: hostname %q already registered", h))
		}
	}

	if err := m.dns.AddHost(ip, hostnames...); err != nil {
		return InstanceNetworkParameters{}, fmt.Errorf("manager: add dns host: %w", err)
	}

	dnsServers := []net.IP{m.dns.IP()}

	instance := &Instance{
		NetworkID:  networkID,
		NodeID:     nodeID,
		Ident:      ident,
		IP:         ip,
		DNSServers: dnsServers,
	}
	host.Instances[key] = instance

	if err := m.storage.SaveNetworkState(state); err != nil {
		return InstanceNetworkParameters{}, fmt.Errorf("manager: persist instance: %w", err)
	}

	rules, err := m.firewallRulesLocked(state, ip, declared)
	if err != nil {
		return InstanceNetworkParameters{}, err
	}

	return InstanceNetworkParameters{
		Subnet:        state.Subnet,
		VlanID:        state.VlanID,
		IP:            ip,
		DNSServers:    dnsServers,
		FirewallRules: rules,
	}, nil
}

// instanceHostnames synthesizes the canonical hostnames for ident on
// network networkID, per spec.md §4.4.
func instanceHostnames(ident InstanceIdent, networkID string) []string {
	names := []string{
		fmt.Sprintf("%d.%s.%s", ident.Instance, ident.SubjectID, ident.ItemID),
		fmt.Sprintf("%d.%s.%s.%s", ident.Instance, ident.SubjectID, ident.ItemID, networkID),
	}

	if ident.Instance == 0 {
		names = append(names,
			fmt.Sprintf("%s.%s", ident.SubjectID, ident.ItemID),
			fmt.Sprintf("%s.%s.%s", ident.SubjectID, ident.ItemID, networkID),
		)
	}

	return names
}

// RemoveInstanceNetworkParameters releases ident's ip, drops its dns hosts,
// and deletes the instance row. Missing rows are tolerated.
func (m *Manager) RemoveInstanceNetworkParameters(ident InstanceIdent, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ident.Key()

	for _, state := range m.networks {
		host, ok := state.Hosts[nodeID]
		if !ok {
			continue
		}

		instance, ok := host.Instances[key]
		if !ok {
			continue
		}

		if err := m.pool.ReleaseIP(state.ProviderID, instance.IP); err != nil {
			return fmt.Errorf("manager: release instance ip: %w", err)
		}

		m.dns.RemoveIP(instance.IP)
		delete(host.Instances, key)

		return m.storage.SaveNetworkState(state)
	}

	return nil
}

// RestartDNSServer flushes pending hosts into C3 and triggers a reload.
func (m *Manager) RestartDNSServer() error {
	return m.dns.Reload()
}

func (m *Manager) networkByID(networkID string) (*NetworkState, bool) {
	for _, state := range m.networks {
		if state.NetworkID == networkID {
			return state, true
		}
	}

	return nil, false
}

// firewallRulesLocked derives firewall rules for an instance at callerIP on
// state from its declared allowedConnections strings.
func (m *Manager) firewallRulesLocked(state *NetworkState, callerIP net.IP, declared []string) ([]FirewallRule, error) {
	rules := make([]FirewallRule, 0, len(declared))

	for _, conn := range declared {
		peerItem, port, proto, err := parseAllowedConnection(conn)
		if err != nil {
			return nil, err
		}

		rule, found := m.findPeerRule(callerIP, peerItem, port, proto)
		if !found {
			return nil, errkind.New(errkind.NotFound, fmt.Sprintf("manager: no instance exposing %s/%d/%s", peerItem, port, proto))
		}

		rules = append(rules, rule)
	}

	return rules, nil
}

// parseAllowedConnection parses `peerItem/port[/proto]`, defaulting proto
// to tcp, mirroring original_source's ParseAllowConnection.
func parseAllowedConnection(conn string) (peerItem string, port uint16, proto string, err error) {
	parts := strings.Split(conn, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return "", 0, "", errkind.New(errkind.InvalidArgument, fmt.Sprintf("manager: malformed allowed connection %q", conn))
	}

	portNum, convErr := strconv.ParseUint(parts[1], 10, 16)
	if convErr != nil {
		return "", 0, "", errkind.New(errkind.InvalidArgument, fmt.Sprintf("manager: malformed port in %q", conn))
	}

	proto = "tcp"
	if len(parts) == 3 {
		proto = parts[2]
	}

	return parts[0], uint16(portNum), proto, nil
}

// findPeerRule searches every NetworkState for an instance whose itemId
// matches peerItem, whose ip is outside callerIP's subnet (same-subnet
// traffic is implicitly trusted, spec.md §3 "Firewall rule"), and which
// exposes {port, proto}.
func (m *Manager) findPeerRule(callerIP net.IP, peerItem string, port uint16, proto string) (FirewallRule, bool) {
	var callerSubnet *net.IPNet

	for _, state := range m.networks {
		if state.Subnet.Contains(callerIP) {
			callerSubnet = &state.Subnet

			break
		}
	}

	for _, state := range m.networks {
		for _, host := range state.Hosts {
			for _, inst := range host.Instances {
				if inst.Ident.ItemID != peerItem {
					continue
				}

				if callerSubnet != nil && callerSubnet.Contains(inst.IP) {
					continue
				}

				for _, exposed := range inst.ExposedPorts {
					if exposed.Port == port && exposed.Proto == proto {
						return FirewallRule{SrcIP: callerIP, DstIP: inst.IP, Proto: proto, DstPort: port}, true
					}
				}
			}
		}
	}

	return FirewallRule{}, false
}
