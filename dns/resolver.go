// Package dns implements the asynchronous DNS resolver with its bounded
// cache: resolution happens on worker goroutines, the fixed-size cache is
// touched only from the reactor/loop thread, and ResolveAsync always
// invokes its callback there.
package dns

import (
	"context"
	"errors"
	"net"

	"github.com/riftlayer/velonet/reactor"
	"github.com/riftlayer/velonet/verrors"
)

var errPoolClosed = errors.New("dns: worker pool closed")

// Callback receives the resolved addresses, or a non-nil error.
type Callback func(addrs []ResolvedAddress, err error)

// Config configures a Resolver.
type Config struct {
	// CacheTTLMs is the positive-cache TTL; 0 picks DefaultCacheTTLMs.
	CacheTTLMs int64
	// Workers is the size of the resolution worker pool; 0 picks a
	// runtime-appropriate default.
	Workers int
}

// Resolver performs cached, asynchronous hostname resolution.
type Resolver struct {
	reactor *reactor.Reactor
	cache   *cache
	pool    *workerPool
	ttlMs   int64
}

// New creates a Resolver driving its async callbacks through r.
func New(r *reactor.Reactor, cfg Config) *Resolver {
	if cfg.CacheTTLMs <= 0 {
		cfg.CacheTTLMs = DefaultCacheTTLMs
	}
	return &Resolver{
		reactor: r,
		cache:   newCache(),
		pool:    newWorkerPool(cfg.Workers),
		ttlMs:   cfg.CacheTTLMs,
	}
}

// Resolve performs a blocking lookup. This is reserved for non-loop
// threads; calling it from the reactor goroutine would stall every other
// registered handler until the lookup completes.
func (r *Resolver) Resolve(hostname string) ([]ResolvedAddress, error) {
	return lookup(hostname)
}

// ResolveAsync checks the cache first using the reactor's current time; on
// a hit, cb is invoked synchronously and immediately (we are already on
// the loop thread). On a miss, resolution is dispatched to a worker
// goroutine and the result is posted back onto the reactor before cb runs,
// so cb always observes the loop thread.
func (r *Resolver) ResolveAsync(hostname string, cb Callback) {
	key := normalizeHostname(hostname)
	now := r.reactor.NowMs()

	if addrs, ok := r.cache.find(key, now); ok {
		cb(addrs, nil)
		return
	}

	// Copy the hostname before handing it to a worker goroutine: the worker
	// runs concurrently with whatever the caller does next with its own
	// string, and the spec's thread-safety contract requires workers to
	// receive a copy rather than share the caller's memory. PushString's
	// []byte-to-string conversion copies out of the arena immediately, so
	// the copy stays valid even after the arena is later rewound.
	hostCopy := r.reactor.Scratch().PushString(hostname)

	r.pool.submit(lookupJob{
		hostname: hostCopy,
		run:      lookup,
		done: func(addrs []ResolvedAddress, err error) {
			r.reactor.Post(func() {
				// The loop thread performs the cache write after the post,
				// over its own scratch-arena copy of the worker's result
				// list rather than the slice the worker goroutine built.
				scratch := r.reactor.Scratch()
				copied := make([]ResolvedAddress, len(addrs))
				for i, a := range addrs {
					copied[i] = ResolvedAddress{IP: scratch.PushString(a.IP), IsIPv6: a.IsIPv6}
				}
				if err == nil {
					r.cache.store(key, copied, r.reactor.NowMs(), r.ttlMs)
				}
				cb(copied, err)
			})
		},
	})
}

// ClearCache invalidates every cached entry.
func (r *Resolver) ClearCache() { r.cache.clear() }

// CancelAll stops the worker pool; in-flight lookups still complete (Go
// has no way to preempt a blocking getaddrinfo-equivalent call), but no
// new work is accepted and already-queued jobs are abandoned.
func (r *Resolver) CancelAll() { r.pool.close() }

// CacheHits returns the number of cache hits observed so far.
func (r *Resolver) CacheHits() uint64 { return r.cache.hits }

// CacheMisses returns the number of cache misses observed so far.
func (r *Resolver) CacheMisses() uint64 { return r.cache.misses }

// lookup performs the actual getaddrinfo-equivalent resolution: duplicates
// are dropped, up to MaxAddressesPerHost kept, and an empty result with no
// error is surfaced as a Resolution failure (NXDOMAIN).
func lookup(hostname string) ([]ResolvedAddress, error) {
	ipAddrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), hostname)
	if err != nil {
		return nil, verrors.Wrap(verrors.Resolution, "lookup failed for "+hostname, err)
	}

	seen := make(map[string]bool, len(ipAddrs))
	var out []ResolvedAddress
	for _, ip := range ipAddrs {
		v4 := ip.IP.To4()
		s := ip.IP.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, ResolvedAddress{IP: s, IsIPv6: v4 == nil})
		if len(out) >= MaxAddressesPerHost {
			break
		}
	}

	if len(out) == 0 {
		return nil, verrors.New(verrors.Resolution, "no usable address for "+hostname)
	}
	return out, nil
}
