package pool

import (
	"sync"

	"github.com/riftlayer/velonet/reactor"
	"github.com/riftlayer/velonet/streamprotocol"
	"github.com/riftlayer/velonet/tlssession"
)

// ConnectionPoolConfig is the client-wide default applied to every HostPool
// created on demand.
type ConnectionPoolConfig struct {
	MaxConnectionsPerHost   int
	MaxStreamsPerConnection int
	IdleTimeoutMs           int64
	ConnectTimeoutMs        int64
	ConnectRatePerSecond    float64
	ConnectBurst            int
}

// DefaultConnectionPoolConfig mirrors the client-wide defaults.
func DefaultConnectionPoolConfig() ConnectionPoolConfig {
	d := DefaultHostPoolConfig()
	return ConnectionPoolConfig{
		MaxConnectionsPerHost:   d.MaxConnections,
		MaxStreamsPerConnection: d.MaxStreamsPerConn,
		IdleTimeoutMs:           d.IdleTimeoutMs,
		ConnectTimeoutMs:        d.ConnectTimeoutMs,
		ConnectRatePerSecond:    d.ConnectRatePerSecond,
		ConnectBurst:            d.ConnectBurst,
	}
}

func (c ConnectionPoolConfig) toHostPoolConfig() HostPoolConfig {
	return HostPoolConfig{
		MaxConnections:       c.MaxConnectionsPerHost,
		MaxStreamsPerConn:    c.MaxStreamsPerConnection,
		IdleTimeoutMs:        c.IdleTimeoutMs,
		ConnectTimeoutMs:     c.ConnectTimeoutMs,
		ConnectRatePerSecond: c.ConnectRatePerSecond,
		ConnectBurst:         c.ConnectBurst,
	}
}

// ConnectionPool owns one HostPool per distinct host:port key, created
// lazily on first acquisition.
type ConnectionPool struct {
	cfg         ConnectionPoolConfig
	reactor     *reactor.Reactor
	tlsFactory  tlssession.SessionFactory
	newProtocol func(transport streamprotocol.Transport, alpn string) streamprotocol.Protocol

	mu        sync.Mutex
	hostPools map[string]*HostPool
}

// NewConnectionPool constructs an empty pool. newProtocol is forwarded to
// every HostPool it creates.
func NewConnectionPool(cfg ConnectionPoolConfig, r *reactor.Reactor, tlsFactory tlssession.SessionFactory, newProtocol func(transport streamprotocol.Transport, alpn string) streamprotocol.Protocol) *ConnectionPool {
	return &ConnectionPool{
		cfg:         cfg,
		reactor:     r,
		tlsFactory:  tlsFactory,
		newProtocol: newProtocol,
		hostPools:   make(map[string]*HostPool),
	}
}

// AcquireConnection returns a connection with spare capacity for host:port,
// or nil if its HostPool has none available. It does not create a new
// connection; callers that get nil are expected to call CreateConnection
// via the relevant HostPool (see HostPool).
func (cp *ConnectionPool) AcquireConnection(host string, port uint16) *PooledConnection {
	return cp.getOrCreateHostPool(host, port).AcquireConnection()
}

// HostPoolFor returns (creating if necessary) the HostPool for host:port,
// so callers can drive CreateConnection directly after a cache miss on
// AcquireConnection.
func (cp *ConnectionPool) HostPoolFor(host string, port uint16) *HostPool {
	return cp.getOrCreateHostPool(host, port)
}

// ReleaseConnection returns a stream to its owning HostPool. success
// reports whether the stream completed with a response rather than an
// error (see HostPool.ReleaseConnection).
func (cp *ConnectionPool) ReleaseConnection(host string, port uint16, pc *PooledConnection, success bool) {
	cp.getOrCreateHostPool(host, port).ReleaseConnection(pc, success)
}

// RemoveConnection marks a connection as failed in its owning HostPool.
func (cp *ConnectionPool) RemoveConnection(host string, port uint16, pc *PooledConnection) {
	cp.getOrCreateHostPool(host, port).FailConnection(pc)
}

// CleanupIdle sweeps every HostPool for idle connections past their
// timeout, then drops any HostPool left with zero connections.
func (cp *ConnectionPool) CleanupIdle(nowMs int64) int {
	cp.mu.Lock()
	pools := make(map[string]*HostPool, len(cp.hostPools))
	for k, v := range cp.hostPools {
		pools[k] = v
	}
	cp.mu.Unlock()

	total := 0
	empty := make([]string, 0)
	for key, hp := range pools {
		total += hp.CleanupIdle(nowMs)
		if hp.TotalConnections() == 0 {
			empty = append(empty, key)
		}
	}

	if len(empty) > 0 {
		cp.mu.Lock()
		for _, key := range empty {
			if hp, ok := cp.hostPools[key]; ok && hp.TotalConnections() == 0 {
				delete(cp.hostPools, key)
			}
		}
		cp.mu.Unlock()
	}
	return total
}

// TotalConnections sums TotalConnections across every HostPool.
func (cp *ConnectionPool) TotalConnections() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	total := 0
	for _, hp := range cp.hostPools {
		total += hp.TotalConnections()
	}
	return total
}

// TotalHosts is the number of distinct host:port pairs with a live HostPool.
func (cp *ConnectionPool) TotalHosts() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.hostPools)
}

func (cp *ConnectionPool) getOrCreateHostPool(host string, port uint16) *HostPool {
	key := MakeHostKey(host, port)

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if hp, ok := cp.hostPools[key]; ok {
		return hp
	}
	hp := NewHostPool(host, port, cp.cfg.toHostPoolConfig(), cp.reactor, cp.tlsFactory, cp.newProtocol)
	cp.hostPools[key] = hp
	return hp
}
