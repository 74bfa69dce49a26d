// Package rediscache implements the optional, best-effort multi-replica
// collision hint for C4's VLAN allocation (spec.md §4.4 addendum): when a
// second CM replica shares the same storage backend, both mirror their
// vlan-id claims here so a collision is visible before either commits.
//
// Grounded on pack repo wisbric-nightowl's internal/platform/redis.go for
// client construction; the reserve-or-reject operation mirrors
// internal/auth/oidc_flow.go's Set-with-TTL usage of the same client.
package rediscache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyTTL bounds how long a reservation survives a replica that claimed a
// vlan id and then crashed without releasing it.
const keyTTL = 24 * time.Hour

const keyPrefix = "cm:vlan:"

// Cache satisfies manager.VlanCache against a shared Redis instance.
type Cache struct {
	client *redis.Client
}

// New connects to redisURL and verifies reachability with a Ping.
func New(ctx context.Context, redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("rediscache: parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("rediscache: pinging redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// ReserveVlan claims vlanID for providerID. It reports false when a
// different provider already holds that vlan id in the shared cache;
// reserving the same id again for the same providerID (a retry after a
// restart) is treated as success.
func (c *Cache) ReserveVlan(providerID string, vlanID uint16) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := keyPrefix + strconv.Itoa(int(vlanID))

	ok, err := c.client.SetNX(ctx, key, providerID, keyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("rediscache: reserve vlan %d: %w", vlanID, err)
	}

	if ok {
		return true, nil
	}

	holder, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rediscache: read vlan %d holder: %w", vlanID, err)
	}

	return holder == providerID, nil
}

// ReleaseVlan drops every key this providerID holds. Since keys are
// indexed by vlan id rather than provider, the caller is expected to
// call this only once it no longer needs any reservation (provider
// network fully torn down), at which point a scan is cheap and rare.
func (c *Cache) ReleaseVlan(providerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var cursor uint64

	for {
		keys, next, err := c.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("rediscache: scan: %w", err)
		}

		for _, key := range keys {
			holder, err := c.client.Get(ctx, key).Result()
			if err != nil {
				continue
			}

			if holder == providerID {
				c.client.Del(ctx, key)
			}
		}

		if next == 0 {
			return nil
		}

		cursor = next
	}
}
