// Package store persists C4's NetworkState rows so the communication
// manager can reconcile existing provider networks across a restart
// instead of starting from empty state.
//
// Grounded on pack repo wisbric-nightowl's pkg/runbook/store.go: a thin
// Store wrapping a pgx connection, one method per manager.Storage
// operation, manual Scan/marshal rather than a generated query layer.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aosedge/aos_communicationmanager/internal/errkind"
	"github.com/aosedge/aos_communicationmanager/internal/netalloc/manager"
)

// Store satisfies manager.Storage against a Postgres database.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool. Callers are expected to have run
// RunMigrations against the same databaseURL beforehand.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects a pgxpool and runs pending migrations before returning.
func Open(ctx context.Context, databaseURL, migrationsDir string) (*Store, error) {
	if err := RunMigrations(databaseURL, migrationsDir); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connecting: %w", err)
	}

	return New(pool), nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// wireExposedPort/wireInstance/wireHost mirror manager's domain types with
// string IPs so they round-trip through JSONB without net.IP/net.IPNet's
// ugly default binary marshaling.
type wireExposedPort struct {
	Port  uint16 `json:"port"`
	Proto string `json:"proto"`
}

type wireInstance struct {
	NetworkID    string            `json:"networkId"`
	NodeID       string            `json:"nodeId"`
	ItemID       string            `json:"itemId"`
	SubjectID    string            `json:"subjectId"`
	Instance     uint64            `json:"instance"`
	Type         string            `json:"type"`
	Preinstalled bool              `json:"preinstalled"`
	IP           string            `json:"ip"`
	ExposedPorts []wireExposedPort `json:"exposedPorts,omitempty"`
	DNSServers   []string          `json:"dnsServers,omitempty"`
}

type wireHost struct {
	NodeID    string         `json:"nodeId"`
	IP        string         `json:"ip"`
	Instances []wireInstance `json:"instances,omitempty"`
}

func toWireHosts(hosts map[string]*manager.Host) ([]wireHost, error) {
	out := make([]wireHost, 0, len(hosts))

	for _, h := range hosts {
		wh := wireHost{NodeID: h.NodeID, IP: h.IP.String()}

		for _, inst := range h.Instances {
			wi := wireInstance{
				NetworkID:    inst.NetworkID,
				NodeID:       inst.NodeID,
				ItemID:       inst.Ident.ItemID,
				SubjectID:    inst.Ident.SubjectID,
				Instance:     inst.Ident.Instance,
				Type:         inst.Ident.Type,
				Preinstalled: inst.Ident.Preinstalled,
				IP:           inst.IP.String(),
			}

			for _, p := range inst.ExposedPorts {
				wi.ExposedPorts = append(wi.ExposedPorts, wireExposedPort{Port: p.Port, Proto: p.Proto})
			}

			for _, d := range inst.DNSServers {
				wi.DNSServers = append(wi.DNSServers, d.String())
			}

			wh.Instances = append(wh.Instances, wi)
		}

		out = append(out, wh)
	}

	return out, nil
}

func fromWireHosts(wire []wireHost) (map[string]*manager.Host, error) {
	hosts := make(map[string]*manager.Host, len(wire))

	for _, wh := range wire {
		h := &manager.Host{
			NodeID:    wh.NodeID,
			IP:        net.ParseIP(wh.IP),
			Instances: make(map[string]*manager.Instance, len(wh.Instances)),
		}

		for _, wi := range wh.Instances {
			ident := manager.InstanceIdent{
				ItemID:       wi.ItemID,
				SubjectID:    wi.SubjectID,
				Instance:     wi.Instance,
				Type:         wi.Type,
				Preinstalled: wi.Preinstalled,
			}

			inst := &manager.Instance{
				NetworkID: wi.NetworkID,
				NodeID:    wi.NodeID,
				Ident:     ident,
				IP:        net.ParseIP(wi.IP),
			}

			for _, p := range wi.ExposedPorts {
				inst.ExposedPorts = append(inst.ExposedPorts, manager.ExposedPort{Port: p.Port, Proto: p.Proto})
			}

			for _, d := range wi.DNSServers {
				inst.DNSServers = append(inst.DNSServers, net.ParseIP(d))
			}

			h.Instances[ident.Key()] = inst
		}

		hosts[h.NodeID] = h
	}

	return hosts, nil
}

// SaveNetworkState upserts state by ProviderID.
func (s *Store) SaveNetworkState(state *manager.NetworkState) error {
	wire, err := toWireHosts(state.Hosts)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}

	hostsJSON, err := json.Marshal(wire)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}

	_, err = s.pool.Exec(context.Background(), `
		INSERT INTO network_states (provider_id, network_id, subnet, vlan_id, hosts, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (provider_id) DO UPDATE
		SET network_id = EXCLUDED.network_id,
		    subnet = EXCLUDED.subnet,
		    vlan_id = EXCLUDED.vlan_id,
		    hosts = EXCLUDED.hosts,
		    updated_at = now()`,
		state.ProviderID, state.NetworkID, state.Subnet.String(), state.VlanID, hostsJSON,
	)
	if err != nil {
		return fmt.Errorf("store: saving network state %s: %w", state.ProviderID, err)
	}

	return nil
}

// RemoveNetworkState deletes providerID's row. Idempotent: removing an
// already-absent row is not an error.
func (s *Store) RemoveNetworkState(providerID string) error {
	_, err := s.pool.Exec(context.Background(),
		`DELETE FROM network_states WHERE provider_id = $1`, providerID)
	if err != nil {
		return fmt.Errorf("store: removing network state %s: %w", providerID, err)
	}

	return nil
}

// LoadNetworkStates returns every persisted NetworkState, for C4's Init
// reconciliation pass.
func (s *Store) LoadNetworkStates() ([]*manager.NetworkState, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT provider_id, network_id, subnet, vlan_id, hosts FROM network_states`)
	if err != nil {
		return nil, fmt.Errorf("store: loading network states: %w", err)
	}
	defer rows.Close()

	var states []*manager.NetworkState

	for rows.Next() {
		var (
			providerID, networkID, subnetText string
			vlanID                            uint16
			hostsJSON                         []byte
		)

		if err := rows.Scan(&providerID, &networkID, &subnetText, &vlanID, &hostsJSON); err != nil {
			return nil, fmt.Errorf("store: scanning network state row: %w", err)
		}

		_, subnet, err := net.ParseCIDR(subnetText)
		if err != nil {
			return nil, fmt.Errorf("store: parsing stored subnet %q: %w", subnetText, err)
		}

		var wire []wireHost
		if err := json.Unmarshal(hostsJSON, &wire); err != nil {
			return nil, fmt.Errorf("store: decoding stored hosts for %s: %w", providerID, err)
		}

		hosts, err := fromWireHosts(wire)
		if err != nil {
			return nil, err
		}

		states = append(states, &manager.NetworkState{
			ProviderID: providerID,
			NetworkID:  networkID,
			Subnet:     *subnet,
			VlanID:     vlanID,
			Hosts:      hosts,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating network states: %w", err)
	}

	return states, nil
}

// errNoRows is pgx.ErrNoRows; ErrNotFound lets callers test for it
// without importing pgx directly.
var errNoRows = pgx.ErrNoRows

// ErrNotFound reports whether err is pgx's no-rows sentinel.
func ErrNotFound(err error) bool {
	return errors.Is(err, errNoRows)
}
