package registry

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheTTL      = 15 * time.Minute
	keyDevicePfx  = "rtsp-tunnel:device-id:"
	keySensorsPfx = "rtsp-tunnel:device-sensors:"
)

// Cache is a read-through layer over a Store backed by Redis. Device rows
// and sensor maps are memoized for 15 minutes. Certificate lookups always
// hit the backing store: a revoked certificate must take effect on the next
// AUTH, not fifteen minutes later.
type Cache struct {
	store Store
	rdb   *redis.Client
}

func NewCache(store Store, rdb *redis.Client) *Cache {
	return &Cache{store: store, rdb: rdb}
}

func (c *Cache) LookupDevice(ctx context.Context, id string) (*Device, error) {
	key := keyDevicePfx + id

	if raw, err := c.rdb.Get(ctx, key).Result(); err == nil {
		var d Device
		if err := json.Unmarshal([]byte(raw), &d); err == nil {
			return &d, nil
		}
		// Corrupt entry; fall through and overwrite.
	} else if err != redis.Nil {
		log.Printf("[RegistryCache] redis get %s: %v", key, err)
	}

	d, err := c.store.LookupDevice(ctx, id)
	if err != nil {
		// No negative caching: a device provisioned a second from now must
		// not wait out the TTL.
		return nil, err
	}

	c.put(ctx, key, d)
	return d, nil
}

func (c *Cache) LookupSensorMeta(ctx context.Context, id string) (SensorMeta, error) {
	key := keySensorsPfx + id

	if raw, err := c.rdb.Get(ctx, key).Result(); err == nil {
		var m SensorMeta
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			return m, nil
		}
	} else if err != redis.Nil {
		log.Printf("[RegistryCache] redis get %s: %v", key, err)
	}

	m, err := c.store.LookupSensorMeta(ctx, id)
	if err != nil {
		// Degrade to "no metadata" so the capture path can fall back to the
		// process-wide camera defaults.
		return SensorMeta{}, nil
	}

	c.put(ctx, key, m)
	return m, nil
}

// LookupCertificate is a pass-through. Never cached.
func (c *Cache) LookupCertificate(ctx context.Context, id string) (*Certificate, error) {
	return c.store.LookupCertificate(ctx, id)
}

func (c *Cache) put(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, cacheTTL).Err(); err != nil {
		log.Printf("[RegistryCache] redis set %s: %v", key, err)
	}
}
