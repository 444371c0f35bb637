package pool

import (
	"net"
	"testing"
	"time"

	"github.com/riftlayer/velonet/reactor"
)

// testServer accepts and holds open every connection made to it, so a
// Connection on the client side can complete its TCP handshake and reach
// Ready without any TLS or stream-protocol machinery.
type testServer struct {
	ln   net.Listener
	port uint16
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	s := &testServer{ln: ln, port: uint16(addr.Port)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go discardReads(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

// discardReads keeps reading (and dropping) bytes from c until it closes, so
// accepted connections don't pile up with full read buffers.
func discardReads(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func newTestHostPool(t *testing.T, cfg HostPoolConfig, port uint16) (*reactor.Reactor, *HostPool) {
	t.Helper()
	r, err := reactor.New(reactor.DefaultConfig())
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	hp := NewHostPool("127.0.0.1", port, cfg, r, nil, nil)
	return r, hp
}

func testCfg() HostPoolConfig {
	return HostPoolConfig{
		MaxConnections:       8,
		MaxStreamsPerConn:    100,
		IdleTimeoutMs:        60_000,
		ConnectTimeoutMs:     30_000,
		ConnectRatePerSecond: 1000,
		ConnectBurst:         1000,
	}
}

// waitForReady blocks, driving r with RunOnce, until hp has a Ready
// connection available for acquisition and returns it already acquired
// (one active stream), or fails the test after a timeout.
func waitForReady(t *testing.T, r *reactor.Reactor, hp *HostPool) *PooledConnection {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.RunOnce()
		if pc := hp.AcquireConnection(); pc != nil {
			return pc
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a ready, acquirable connection")
	return nil
}

// TestColdAcquire: an empty pool creates exactly one connection on first
// acquisition and hands it back with one active stream.
func TestColdAcquire(t *testing.T) {
	srv := newTestServer(t)
	r, hp := newTestHostPool(t, testCfg(), srv.port)

	if pc := hp.AcquireConnection(); pc != nil {
		t.Fatal("AcquireConnection on empty pool should return nil")
	}
	if !hp.CreateConnection("127.0.0.1", false) {
		t.Fatal("CreateConnection should succeed")
	}

	pc := waitForReady(t, r, hp)
	if hp.TotalConnections() != 1 {
		t.Fatalf("TotalConnections() = %d, want 1", hp.TotalConnections())
	}
	if pc.activeStreams != 1 {
		t.Fatalf("activeStreams = %d, want 1", pc.activeStreams)
	}
}

// TestWarmReuse: releasing and re-acquiring for the same host reuses the
// existing connection rather than creating a new one.
func TestWarmReuse(t *testing.T) {
	srv := newTestServer(t)
	r, hp := newTestHostPool(t, testCfg(), srv.port)

	hp.CreateConnection("127.0.0.1", false)
	first := waitForReady(t, r, hp)
	hp.ReleaseConnection(first, true)

	second := hp.AcquireConnection()
	if second == nil {
		t.Fatal("expected a reusable connection")
	}
	if second != first {
		t.Fatal("expected the same PooledConnection to be reused")
	}
	if second.activeStreams != 1 {
		t.Fatalf("activeStreams = %d, want 1", second.activeStreams)
	}
	if hp.TotalConnections() != 1 {
		t.Fatalf("TotalConnections() = %d, want 1 (no new connection created)", hp.TotalConnections())
	}
}

// TestIdleEviction: an idle connection past its timeout is evicted by
// CleanupIdle. The time argument, not a real sleep, advances the clock.
func TestIdleEviction(t *testing.T) {
	srv := newTestServer(t)
	cfg := testCfg()
	cfg.IdleTimeoutMs = 1000
	r, hp := newTestHostPool(t, cfg, srv.port)

	hp.CreateConnection("127.0.0.1", false)
	pc := waitForReady(t, r, hp)
	hp.ReleaseConnection(pc, true)

	future := pc.lastUsedMs + cfg.IdleTimeoutMs + 1
	closed := hp.CleanupIdle(future)
	if closed != 1 {
		t.Fatalf("CleanupIdle closed %d, want 1", closed)
	}
	if hp.TotalConnections() != 0 {
		t.Fatalf("TotalConnections() = %d, want 0 after idle eviction", hp.TotalConnections())
	}
}

// TestConcurrentMultiplex: with MaxStreamsPerConn=4, four acquisitions are
// satisfied by one connection, a fifth is refused, and releasing one makes
// room again on the same connection.
func TestConcurrentMultiplex(t *testing.T) {
	srv := newTestServer(t)
	cfg := testCfg()
	cfg.MaxStreamsPerConn = 4
	r, hp := newTestHostPool(t, cfg, srv.port)

	hp.CreateConnection("127.0.0.1", false)
	first := waitForReady(t, r, hp)

	acquired := []*PooledConnection{first}
	for i := 0; i < 3; i++ {
		pc := hp.AcquireConnection()
		if pc == nil {
			t.Fatalf("acquire %d: expected capacity, got nil", i+2)
		}
		acquired = append(acquired, pc)
	}
	if hp.TotalConnections() != 1 {
		t.Fatalf("TotalConnections() = %d, want 1 (single connection serving all 4 streams)", hp.TotalConnections())
	}

	if pc := hp.AcquireConnection(); pc != nil {
		t.Fatal("fifth AcquireConnection at max_streams=4 should return nil")
	}

	hp.ReleaseConnection(acquired[0], true)
	pc := hp.AcquireConnection()
	if pc == nil {
		t.Fatal("expected acquisition to succeed after a release")
	}
	if pc != first {
		t.Fatal("expected the freed stream slot to come from the same connection")
	}
}

// TestFailureEviction: three FailConnection calls while streams are active
// mark the connection for removal, and it is torn down on the release that
// drops it to idle.
func TestFailureEviction(t *testing.T) {
	srv := newTestServer(t)
	r, hp := newTestHostPool(t, testCfg(), srv.port)

	hp.CreateConnection("127.0.0.1", false)
	pc := waitForReady(t, r, hp)

	hp.FailConnection(pc)
	hp.FailConnection(pc)
	hp.FailConnection(pc)

	if !pc.markedForRemoval {
		t.Fatal("expected markedForRemoval after repeated failures")
	}
	if hp.TotalConnections() != 1 {
		t.Fatal("a busy failed connection must not be removed before its last stream releases")
	}

	hp.ReleaseConnection(pc, false)
	if hp.TotalConnections() != 0 {
		t.Fatalf("TotalConnections() = %d, want 0 after release of a marked-for-removal connection", hp.TotalConnections())
	}
}

// TestCreateConnectionRefusesAtMaxConnections checks the pool-full guard
// independent of any acquisition attempt.
func TestCreateConnectionRefusesAtMaxConnections(t *testing.T) {
	srv := newTestServer(t)
	cfg := testCfg()
	cfg.MaxConnections = 1
	r, hp := newTestHostPool(t, cfg, srv.port)

	if !hp.CreateConnection("127.0.0.1", false) {
		t.Fatal("first CreateConnection should succeed")
	}
	waitForReady(t, r, hp)

	if hp.CreateConnection("127.0.0.1", false) {
		t.Fatal("CreateConnection at max_connections should fail")
	}
}
