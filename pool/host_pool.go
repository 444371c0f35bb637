package pool

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/riftlayer/velonet/reactor"
	"github.com/riftlayer/velonet/streamprotocol"
	"github.com/riftlayer/velonet/tlssession"
)

// consecutiveErrorEvictionThreshold matches holytls's pool: a connection
// that has failed more than this many times in a row is never reused again,
// even if it still reports idle.
const consecutiveErrorEvictionThreshold = 3

// HostPoolConfig bounds one host's connection bookkeeping.
type HostPoolConfig struct {
	MaxConnections        int
	MaxStreamsPerConn     int
	IdleTimeoutMs         int64
	ConnectTimeoutMs      int64
	// ConnectRatePerSecond caps how many new connect attempts a HostPool
	// may start per second, and ConnectBurst is the bucket size. This is
	// not present in the original C++ pool; it is added so a single
	// misbehaving pool client can't open an unbounded run of sockets
	// against one host in a tight loop.
	ConnectRatePerSecond float64
	ConnectBurst         int
}

// DefaultHostPoolConfig mirrors the client-wide defaults.
func DefaultHostPoolConfig() HostPoolConfig {
	return HostPoolConfig{
		MaxConnections:       8,
		MaxStreamsPerConn:    100,
		IdleTimeoutMs:        60_000,
		ConnectTimeoutMs:     30_000,
		ConnectRatePerSecond: 20,
		ConnectBurst:         20,
	}
}

// PooledConnection wraps a Connection with the bookkeeping a HostPool needs
// to pick acquisition candidates and evict idle or failing ones.
type PooledConnection struct {
	conn *Connection

	activeStreams     int
	maxStreams        int
	createdMs         int64
	lastUsedMs        int64
	markedForRemoval  bool
	consecutiveErrors int
}

func (pc *PooledConnection) isIdle() bool      { return pc.activeStreams == 0 }
func (pc *PooledConnection) hasCapacity() bool {
	limit := pc.maxStreams
	if p := pc.conn.Protocol(); p != nil && p.MaxStreams() < limit {
		limit = p.MaxStreams()
	}
	return pc.activeStreams < limit
}

// Connection returns the underlying Connection, for callers that need to
// submit work to its stream protocol.
func (pc *PooledConnection) Connection() *Connection { return pc.conn }

// HostPool owns every Connection to one resolved host:port pair, applying
// an acquire-fewest-streams-first policy and idle/error eviction.
type HostPool struct {
	host       string
	port       uint16
	cfg        HostPoolConfig
	reactor    *reactor.Reactor
	tlsFactory tlssession.SessionFactory
	newProtocol func(transport streamprotocol.Transport, alpn string) streamprotocol.Protocol

	limiter *rate.Limiter

	mu          sync.Mutex
	connections []*PooledConnection
}

// NewHostPool constructs a pool for host:port. newProtocol builds the
// stream-protocol collaborator attached to each connection once its
// handshake completes; alpn is the negotiated protocol name ("h2",
// "http/1.1", or "" for plaintext), letting the caller pick HTTP/1.1 vs
// HTTP/2 framing.
func NewHostPool(host string, port uint16, cfg HostPoolConfig, r *reactor.Reactor, tlsFactory tlssession.SessionFactory, newProtocol func(transport streamprotocol.Transport, alpn string) streamprotocol.Protocol) *HostPool {
	return &HostPool{
		host:        host,
		port:        port,
		cfg:         cfg,
		reactor:     r,
		tlsFactory:  tlsFactory,
		newProtocol: newProtocol,
		limiter:     rate.NewLimiter(rate.Limit(cfg.ConnectRatePerSecond), cfg.ConnectBurst),
	}
}

// AcquireConnection returns a ready connection with spare stream capacity,
// preferring the one with the fewest active streams, or nil if none has
// room.
func (hp *HostPool) AcquireConnection() *PooledConnection {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	var best *PooledConnection
	for _, pc := range hp.connections {
		if pc.conn.IsReady() && pc.hasCapacity() && !pc.markedForRemoval {
			if best == nil || pc.activeStreams < best.activeStreams {
				best = pc
			}
		}
	}
	if best == nil {
		return nil
	}
	best.activeStreams++
	best.lastUsedMs = hp.reactor.NowMs()
	return best
}

// ReleaseConnection returns a stream to the pool. success reports whether
// the stream completed with a response rather than an error; a successful
// response resets consecutiveErrors to 0, matching the connection-error
// accounting a fresh exchange is entitled to. A connection with a pending
// removal mark or too many consecutive errors is torn down by this release,
// even if other streams on it are still active.
func (hp *HostPool) ReleaseConnection(pc *PooledConnection, success bool) {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	if pc == nil {
		return
	}
	if pc.activeStreams > 0 {
		pc.activeStreams--
	}
	pc.lastUsedMs = hp.reactor.NowMs()
	if success {
		pc.consecutiveErrors = 0
	}

	if pc.markedForRemoval || pc.consecutiveErrors > consecutiveErrorEvictionThreshold {
		hp.removeLocked(pc)
	}
}

// FailConnection records a stream-level failure. An idle connection is
// removed immediately; a busy one is marked and removed on its next
// ReleaseConnection.
func (hp *HostPool) FailConnection(pc *PooledConnection) {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	if pc == nil {
		return
	}
	pc.consecutiveErrors++
	pc.markedForRemoval = true

	if pc.isIdle() {
		hp.removeLocked(pc)
	}
}

// CreateConnection starts a new connection to resolvedIP, subject to
// MaxConnections and the connect rate limiter. Returns false if the pool is
// full, the connect rate is exceeded, or the synchronous phase of Connect
// fails.
func (hp *HostPool) CreateConnection(resolvedIP string, ipv6 bool) bool {
	hp.mu.Lock()
	if len(hp.connections) >= hp.cfg.MaxConnections {
		hp.mu.Unlock()
		return false
	}
	hp.mu.Unlock()

	if !hp.limiter.Allow() {
		return false
	}

	conn := NewConnection(hp.reactor, hp.tlsFactory, hp.host, hp.port)
	pc := &PooledConnection{
		conn:       conn,
		maxStreams: hp.cfg.MaxStreamsPerConn,
		createdMs:  hp.reactor.NowMs(),
	}
	pc.lastUsedMs = pc.createdMs

	conn.SetIdleCallback(func(*Connection) {
		hp.mu.Lock()
		pc.lastUsedMs = hp.reactor.NowMs()
		hp.mu.Unlock()
	})
	conn.SetFailureNotifier(func(error) {
		hp.FailConnection(pc)
	})
	if hp.newProtocol != nil {
		conn.SetProtocolFactory(hp.newProtocol)
	}

	if !conn.Connect(resolvedIP, ipv6) {
		return false
	}

	hp.mu.Lock()
	hp.connections = append(hp.connections, pc)
	hp.mu.Unlock()
	return true
}

// CleanupIdle closes every connection idle for at least IdleTimeoutMs and
// returns how many were closed.
func (hp *HostPool) CleanupIdle(nowMs int64) int {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	closed := 0
	kept := hp.connections[:0]
	for _, pc := range hp.connections {
		if pc.isIdle() && nowMs-pc.lastUsedMs >= hp.cfg.IdleTimeoutMs {
			pc.conn.Close()
			closed++
			continue
		}
		kept = append(kept, pc)
	}
	hp.connections = kept
	return closed
}

// removeLocked closes and drops pc. Caller must hold hp.mu.
func (hp *HostPool) removeLocked(pc *PooledConnection) {
	for i, c := range hp.connections {
		if c == pc {
			c.conn.Close()
			hp.connections = append(hp.connections[:i], hp.connections[i+1:]...)
			return
		}
	}
}

// ActiveConnections counts connections with at least one in-flight stream.
func (hp *HostPool) ActiveConnections() int {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	n := 0
	for _, pc := range hp.connections {
		if !pc.isIdle() {
			n++
		}
	}
	return n
}

// IdleConnections counts connections with no in-flight streams.
func (hp *HostPool) IdleConnections() int {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	n := 0
	for _, pc := range hp.connections {
		if pc.isIdle() {
			n++
		}
	}
	return n
}

// TotalConnections is ActiveConnections + IdleConnections.
func (hp *HostPool) TotalConnections() int {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return len(hp.connections)
}
