package dns

// Cache configuration constants, ported from
// original_source/src/holytls/util/dns_resolver.h.
const (
	MaxCacheEntries     = 256
	MaxAddressesPerHost = 8
	MaxHostnameLen      = 255
	DefaultCacheTTLMs   = 60_000
)

// ResolvedAddress is one address returned for a hostname.
type ResolvedAddress struct {
	IP     string
	IsIPv6 bool
}

type cacheEntry struct {
	hostname  string
	expiresAt int64
	addresses []ResolvedAddress
	valid     bool
}

// cache is a fixed-capacity, linear-scan DNS cache. It is accessed only
// from the reactor/loop thread, so it carries no locking of its own.
type cache struct {
	entries [MaxCacheEntries]cacheEntry
	hits    uint64
	misses  uint64
}

func newCache() *cache {
	return &cache{}
}

// find returns cached addresses for hostname if present and not expired as
// of nowMs, counting the lookup as a hit or miss.
func (c *cache) find(hostname string, nowMs int64) ([]ResolvedAddress, bool) {
	for i := range c.entries {
		e := &c.entries[i]
		if !e.valid || e.hostname != hostname {
			continue
		}
		if e.expiresAt <= nowMs {
			continue
		}
		c.hits++
		return e.addresses, true
	}
	c.misses++
	return nil, false
}

// store writes an entry for hostname into the slot findSlotForInsert picks;
// an existing entry for the same hostname is not looked up or cleared
// first. Hostnames longer than
// MaxHostnameLen are never cached (the caller still receives the
// resolution result, just without caching it).
func (c *cache) store(hostname string, addrs []ResolvedAddress, nowMs, ttlMs int64) {
	if len(hostname) > MaxHostnameLen {
		return
	}
	if len(addrs) > MaxAddressesPerHost {
		addrs = addrs[:MaxAddressesPerHost]
	}

	slot := c.findSlotForInsert(nowMs)
	slot.hostname = hostname
	slot.expiresAt = nowMs + ttlMs
	slot.addresses = append(slot.addresses[:0], addrs...)
	slot.valid = true
}

// findSlotForInsert picks the first invalid-or-expired slot, or else the
// slot with the smallest expiresAt (oldest-expiring eviction).
func (c *cache) findSlotForInsert(nowMs int64) *cacheEntry {
	var oldest *cacheEntry
	for i := range c.entries {
		e := &c.entries[i]
		if !e.valid || e.expiresAt <= nowMs {
			return e
		}
		if oldest == nil || e.expiresAt < oldest.expiresAt {
			oldest = e
		}
	}
	return oldest
}

// clear invalidates every entry.
func (c *cache) clear() {
	for i := range c.entries {
		c.entries[i] = cacheEntry{}
	}
}
