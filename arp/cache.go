package arp

import (
	"time"

	"github.com/kirulegion/tcpstack/internal/lrucache"
)

// entryTTL is how long a cache entry remains valid without being refreshed.
const entryTTL = 60 * time.Second

// cacheCapacity bounds the cache to the handful of neighbors a single TAP
// link realistically has, so a noisy LAN cannot grow the table unbounded.
const cacheCapacity = 64

// entry is a single resolved (IPv4 address, MAC address) pairing.
type entry struct {
	ip      [4]byte
	mac     [6]byte
	updated time.Time
}

// Cache is a small table mapping IPv4 addresses to hardware addresses,
// learned passively from observed ARP traffic. It is backed by
// [lrucache.Cache], a fixed-capacity ring that evicts the oldest entry once
// full rather than growing without bound.
type Cache struct {
	c lrucache.Cache[[4]byte, entry]
}

// NewCache returns a ready-to-use Cache.
func NewCache() Cache {
	return Cache{c: lrucache.New[[4]byte, entry](cacheCapacity)}
}

// Lookup returns the hardware address cached for ip, if any and not expired.
func (c *Cache) Lookup(ip [4]byte, now time.Time) (mac [6]byte, ok bool) {
	e, ok := c.c.Get(ip)
	if !ok || now.Sub(e.updated) >= entryTTL {
		return mac, false
	}
	return e.mac, true
}

// Insert upserts the (ip, mac) pairing, refreshing its last-seen time. Any
// observed ARP frame — request or reply — triggers an Insert for its sender,
// per RFC 826's "merge" rule: gratuitous learning of neighbors keeps the
// cache warm without needing every peer to be queried explicitly.
func (c *Cache) Insert(ip [4]byte, mac [6]byte, now time.Time) {
	c.c.RemoveIf(func(e entry) bool { return e.ip == ip })
	c.c.Push(ip, entry{ip: ip, mac: mac, updated: now})
}

// GC drops every entry whose last refresh is at least entryTTL old,
// reclaiming its ring slot. Per SPEC_FULL.md §4.1's gc(now) operation, this
// is what actually removes stale bindings: Lookup's TTL check only ever
// hides them from callers, it never frees the slot a removed neighbor
// occupied.
func (c *Cache) GC(now time.Time) int {
	return c.c.RemoveIf(func(e entry) bool {
		return now.Sub(e.updated) >= entryTTL
	})
}

// Len reports the number of entries currently held. Call GC first if the
// count must exclude expired-but-unreclaimed bindings.
func (c *Cache) Len() int {
	return c.c.Len()
}
