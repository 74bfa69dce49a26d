// Package subnetpool implements C2: a fixed table of private CIDRs sliced
// into per-provider /16 subnets, with deduplicated free-IP queues and
// restart reconciliation.
//
// Grounded on original_source's networkmanager/netpool.cpp (the base CIDR
// table and per-subnet usable-host-IP generation) and ipsubnet.cpp
// (acquire/release/route-overlap semantics).
package subnetpool

import (
	"fmt"
	"net"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aosedge/aos_communicationmanager/internal/errkind"
)

// baseCIDRs mirrors netpool.cpp's cNetPools table exactly.
var baseCIDRs = []string{
	"172.17.0.0/16",
	"172.18.0.0/16",
	"172.19.0.0/16",
	"172.20.0.0/14",
	"172.24.0.0/14",
	"172.28.0.0/14",
}

// targetPrefix is the slice size every base CIDR is cut into (netpool.cpp
// slices every base, including the /14s, down to /16 candidates).
const targetPrefix = 16

// recentlyReleasedCapacity bounds how many just-freed IPs are held back
// from immediate reuse, so a stale DNS/ARP cache entry for a departed
// instance can't collide with a freshly assigned one. An LRU is the right
// shape here: the newest releases shadow older ones automatically.
const recentlyReleasedCapacity = 256

type allocation struct {
	subnet  net.IPNet
	freeIPs []net.IP
}

// RouteOverlap is satisfied by a collaborator that can report the host
// routes currently present, so AcquireSubnet can skip a subnet already
// routed elsewhere. Grounded on original_source's FindUnusedIPSubnet,
// which calls GetRouteList + CheckRouteOverlaps before accepting a
// candidate.
type RouteOverlap interface {
	Routes() ([]net.IPNet, error)
}

// Pool is safe for concurrent use.
type Pool struct {
	mu          sync.Mutex
	candidates  []net.IPNet
	allocations map[string]*allocation
	recentIPs   *lru.Cache[string, net.IPNet]
}

// New slices the base CIDR table into /16 candidates.
func New() (*Pool, error) {
	var candidates []net.IPNet

	for _, cidr := range baseCIDRs {
		_, base, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("subnetpool: bad base cidr %q: %w", cidr, err)
		}

		subnets, err := splitPrefix(*base, targetPrefix)
		if err != nil {
			return nil, err
		}

		candidates = append(candidates, subnets...)
	}

	cache, err := lru.New[string, net.IPNet](recentlyReleasedCapacity)
	if err != nil {
		return nil, fmt.Errorf("subnetpool: lru init: %w", err)
	}

	return &Pool{
		candidates:  candidates,
		allocations: make(map[string]*allocation),
		recentIPs:   cache,
	}, nil
}

// splitPrefix divides base into contiguous subnets of the given prefix
// length. base's own prefix must be <= prefix.
func splitPrefix(base net.IPNet, prefix int) ([]net.IPNet, error) {
	baseOnes, bits := base.Mask.Size()
	if prefix < baseOnes || prefix > bits {
		return nil, fmt.Errorf("subnetpool: cannot slice %s into /%d", base.String(), prefix)
	}

	count := 1 << uint(prefix-baseOnes)
	step := uint32(1) << uint(bits-prefix)

	baseInt := ipToUint32(base.IP.To4())

	subnets := make([]net.IPNet, 0, count)
	for i := 0; i < count; i++ {
		ip := uint32ToIP(baseInt + uint32(i)*step)
		subnets = append(subnets, net.IPNet{IP: ip, Mask: net.CIDRMask(prefix, bits)})
	}

	return subnets, nil
}

// AcquireSubnet returns the first candidate not already allocated to a
// different provider and not overlapping a route reported by overlap.
func (p *Pool) AcquireSubnet(providerID string, overlap RouteOverlap) (net.IPNet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.allocations[providerID]; ok {
		return a.subnet, nil
	}

	var routes []net.IPNet

	if overlap != nil {
		r, err := overlap.Routes()
		if err != nil {
			return net.IPNet{}, fmt.Errorf("subnetpool: list routes: %w", err)
		}

		routes = r
	}

	for i, candidate := range p.candidates {
		if p.isAllocated(candidate) {
			continue
		}

		if overlapsAny(candidate, routes) {
			continue
		}

		p.candidates = append(p.candidates[:i:i], p.candidates[i+1:]...)
		p.allocations[providerID] = &allocation{
			subnet:  candidate,
			freeIPs: usableHostIPs(candidate),
		}

		return candidate, nil
	}

	return net.IPNet{}, errkind.New(errkind.NoMemory, "subnetpool: no unused subnet available")
}

func (p *Pool) isAllocated(candidate net.IPNet) bool {
	for _, a := range p.allocations {
		if a.subnet.String() == candidate.String() {
			return true
		}
	}

	return false
}

func overlapsAny(candidate net.IPNet, routes []net.IPNet) bool {
	for _, r := range routes {
		if candidate.Contains(r.IP) || r.Contains(candidate.IP) {
			return true
		}
	}

	return false
}

// AcquireIP pops the next usable host IP for providerID's subnet,
// preferring one that was not recently released.
func (p *Pool) AcquireIP(providerID string) (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.allocations[providerID]
	if !ok {
		return nil, errkind.New(errkind.NotFound, fmt.Sprintf("subnetpool: no subnet allocated for provider %q", providerID))
	}

	for i, ip := range a.freeIPs {
		if _, stale := p.recentIPs.Get(ip.String()); stale {
			continue
		}

		a.freeIPs = append(a.freeIPs[:i:i], a.freeIPs[i+1:]...)

		return ip, nil
	}

	if len(a.freeIPs) == 0 {
		return nil, errkind.New(errkind.NoMemory, fmt.Sprintf("subnetpool: subnet for provider %q is exhausted", providerID))
	}

	// every remaining candidate is recently-released; reuse the oldest anyway.
	ip := a.freeIPs[0]
	a.freeIPs = a.freeIPs[1:]

	return ip, nil
}

// ReleaseIP returns ip to providerID's free queue and marks it recently
// released so it isn't immediately handed back out. An ip that is already
// in the free queue is not added a second time.
func (p *Pool) ReleaseIP(providerID string, ip net.IP) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.allocations[providerID]
	if !ok {
		return errkind.New(errkind.NotFound, fmt.Sprintf("subnetpool: no subnet allocated for provider %q", providerID))
	}

	for _, free := range a.freeIPs {
		if free.Equal(ip) {
			return nil
		}
	}

	a.freeIPs = append(a.freeIPs, ip)
	p.recentIPs.Add(ip.String(), a.subnet)

	return nil
}

// ReleaseSubnet returns providerID's subnet to the free candidate pool, at
// its place in base-table order, so AcquireSubnet can pick it first again.
// Per spec.md's NetworkState invariant (d), callers call this once the
// NetworkState for providerID has no hosts left.
func (p *Pool) ReleaseSubnet(providerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.allocations[providerID]
	if !ok {
		return errkind.New(errkind.NotFound, fmt.Sprintf("subnetpool: no subnet allocated for provider %q", providerID))
	}

	delete(p.allocations, providerID)

	released := ipToUint32(a.subnet.IP.To4())
	pos := len(p.candidates)

	for i, candidate := range p.candidates {
		if ipToUint32(candidate.IP.To4()) > released {
			pos = i

			break
		}
	}

	p.candidates = append(p.candidates, net.IPNet{})
	copy(p.candidates[pos+1:], p.candidates[pos:])
	p.candidates[pos] = a.subnet

	return nil
}

// ReserveAllocatedSubnet reconstitutes state after a restart: it removes
// subnet from the free candidate list and marks usedIPs as already issued,
// so a fresh process doesn't hand out IPs a live instance already holds.
func (p *Pool) ReserveAllocatedSubnet(providerID string, subnet net.IPNet, usedIPs []net.IP) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, candidate := range p.candidates {
		if candidate.String() == subnet.String() {
			p.candidates = append(p.candidates[:i:i], p.candidates[i+1:]...)

			break
		}
	}

	free := usableHostIPs(subnet)

	used := make(map[string]bool, len(usedIPs))
	for _, ip := range usedIPs {
		used[ip.String()] = true
	}

	remaining := free[:0]

	for _, ip := range free {
		if !used[ip.String()] {
			remaining = append(remaining, ip)
		}
	}

	p.allocations[providerID] = &allocation{subnet: subnet, freeIPs: remaining}

	return nil
}

// usableHostIPs enumerates host IPs in subnet excluding the network
// address, broadcast address, and the gateway (first usable address,
// reserved for the provider's bridge/host interface per networkmanager.cpp).
func usableHostIPs(subnet net.IPNet) []net.IP {
	ones, bits := subnet.Mask.Size()
	count := 1 << uint(bits-ones)

	if count <= 3 {
		return nil
	}

	base := ipToUint32(subnet.IP.To4())

	ips := make([]net.IP, 0, count-3)
	// base+0 is network, base+1 is the gateway, base+count-1 is broadcast.
	for i := uint32(2); i < uint32(count-1); i++ {
		ips = append(ips, uint32ToIP(base+i))
	}

	return ips
}

func ipToUint32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
