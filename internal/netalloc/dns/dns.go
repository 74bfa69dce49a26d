// Package dns implements C3: an append-only in-memory hosts table that is
// flushed to a plain hosts file and reloaded by signalling an external
// resolver process, mirroring original_source's dnsserver.cpp.
package dns

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	miekgdns "github.com/miekg/dns"

	"github.com/aosedge/aos_communicationmanager/internal/errkind"
)

// Signaler notifies the external resolver that the hosts file changed.
// Production wiring sends SIGHUP to the pid recorded in a pidfile, the way
// dnsserver.cpp's Restart does; tests substitute a fake.
type Signaler interface {
	Signal() error
}

// pidFileSignaler reads a pid from path and sends SIGHUP to it, exactly as
// original_source's DNSServer::Restart does.
type pidFileSignaler struct {
	pidFilePath string
}

// NewPIDFileSignaler returns a Signaler that HUPs the process named by the
// pid file at pidFilePath.
func NewPIDFileSignaler(pidFilePath string) Signaler {
	return &pidFileSignaler{pidFilePath: pidFilePath}
}

func (s *pidFileSignaler) Signal() error {
	data, err := os.ReadFile(s.pidFilePath)
	if err != nil {
		return fmt.Errorf("dns: read pidfile %s: %w", s.pidFilePath, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("dns: parse pidfile %s: %w", s.pidFilePath, err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("dns: find process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("dns: signal process %d: %w", pid, err)
	}

	return nil
}

// Controller owns the in-memory hosts table and the file it is flushed to.
type Controller struct {
	mu         sync.Mutex
	hostsPath  string
	ip         net.IP
	names      map[string][]string // host ip -> hostnames, insertion order within a host is preserved
	order      []string
	signaler   Signaler
}

// New returns a Controller whose own address (used as the DNS server IP
// handed out to instances) is ip, backed by the hosts file at hostsPath.
func New(hostsPath string, ip net.IP, signaler Signaler) *Controller {
	return &Controller{
		hostsPath: hostsPath,
		ip:        ip,
		names:     make(map[string][]string),
		signaler:  signaler,
	}
}

// IP returns the DNS server's own address.
func (c *Controller) IP() net.IP {
	return c.ip
}

// AddHost appends hostnames for ip. It is append-only: an existing
// (ip, hostname) pair is not duplicated, but new hostnames for an ip that
// already has entries are added alongside them.
func (c *Controller) AddHost(ip net.IP, hostnames ...string) error {
	for _, h := range hostnames {
		if _, ok := miekgdns.IsDomainName(h); !ok {
			return errkind.New(errkind.InvalidArgument, fmt.Sprintf("dns: invalid hostname %q", h))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := ip.String()

	existing, ok := c.names[key]
	if !ok {
		c.order = append(c.order, key)
	}

	seen := make(map[string]bool, len(existing))
	for _, h := range existing {
		seen[h] = true
	}

	for _, h := range hostnames {
		if !seen[h] {
			existing = append(existing, h)
			seen[h] = true
		}
	}

	c.names[key] = existing

	return nil
}

// HostExists reports whether hostname is already registered against any IP.
func (c *Controller) HostExists(hostname string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, names := range c.names {
		for _, n := range names {
			if n == hostname {
				return true
			}
		}
	}

	return false
}

// RemoveIP drops every hostname registered for ip.
func (c *Controller) RemoveIP(ip net.IP) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := ip.String()
	delete(c.names, key)

	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i:i], c.order[i+1:]...)

			break
		}
	}
}

// Reload atomically rewrites the hosts file, then signals the resolver.
// A file-write failure aborts the reload; a signal failure is still
// reported to the caller but the file has already been committed.
func (c *Controller) Reload() error {
	c.mu.Lock()
	data := c.render()
	c.mu.Unlock()

	tmpPath := c.hostsPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("dns: write %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, c.hostsPath); err != nil {
		return fmt.Errorf("dns: rename %s to %s: %w", tmpPath, c.hostsPath, err)
	}

	if c.signaler == nil {
		return nil
	}

	if err := c.signaler.Signal(); err != nil {
		return fmt.Errorf("dns: signal resolver: %w", err)
	}

	return nil
}

// render produces the `IP<TAB>name [name ...]` body, one line per host, in
// the order hosts were first added.
func (c *Controller) render() []byte {
	var b strings.Builder

	for _, ip := range c.order {
		names := c.names[ip]
		if len(names) == 0 {
			continue
		}

		b.WriteString(ip)
		b.WriteByte('\t')
		b.WriteString(strings.Join(names, " "))
		b.WriteByte('\n')
	}

	return []byte(b.String())
}
