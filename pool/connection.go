package pool

import (
	"net"
	"os"
	"sync"

	"github.com/riftlayer/velonet/reactor"
	"github.com/riftlayer/velonet/streamprotocol"
	"github.com/riftlayer/velonet/tlssession"
	"github.com/riftlayer/velonet/verrors"
	"golang.org/x/sys/unix"
)

// State is one of a Connection's monotonic lifecycle states.
type State int

const (
	Idle State = iota
	Resolving
	Connecting
	Handshaking
	Ready
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Resolving:
		return "resolving"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// sendRecvBufBytes is the per-connection socket buffer cap applied on connect.
const sendRecvBufBytes = 256 * 1024

// IdleCallback is invoked when a Connection's active stream count drops to
// zero, so the owning HostPool can refresh its bookkeeping.
type IdleCallback func(*Connection)

// Connection represents one TCP socket, optionally TLS-wrapped, driving a
// single stream-protocol collaborator.
type Connection struct {
	reactor    *reactor.Reactor
	tlsFactory tlssession.SessionFactory
	host       string
	port       uint16

	mu    sync.Mutex
	state State
	fd    int

	session  tlssession.Session
	protocol streamprotocol.Protocol
	// protocolFactory builds the stream protocol once the handshake (if
	// any) completes, given the negotiated ALPN protocol name ("" for a
	// plaintext connection or no ALPN result).
	protocolFactory func(t streamprotocol.Transport, alpn string) streamprotocol.Protocol

	idleCallback   IdleCallback
	onStreamFailed func(err error)
}

// NewConnection constructs a Connection bound to reactor r and TLS
// factory f. It does not begin connecting until Connect is called.
func NewConnection(r *reactor.Reactor, f tlssession.SessionFactory, host string, port uint16) *Connection {
	return &Connection{
		reactor:    r,
		tlsFactory: f,
		host:       host,
		port:       port,
		state:      Idle,
		fd:         -1,
	}
}

// Fd implements reactor.Handler.
func (c *Connection) Fd() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fd
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsReady reports whether the connection may carry streams right now.
func (c *Connection) IsReady() bool {
	return c.State() == Ready
}

// SetIdleCallback installs the callback fired when active stream count
// reaches zero.
func (c *Connection) SetIdleCallback(cb IdleCallback) { c.idleCallback = cb }

// Connect begins a non-blocking TCP connect to resolvedIP:port. It
// transitions Idle → Connecting and registers with the reactor for
// writable readiness; SO_ERROR is checked when that fires to confirm
// success. Returns false only on immediate,
// synchronous failure (socket creation or connect() returning an error
// other than EINPROGRESS).
func (c *Connection) Connect(resolvedIP string, ipv6 bool) bool {
	domain := unix.AF_INET
	if ipv6 {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return false
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return false
	}
	configureSocket(fd)

	sa, err := sockaddrFor(resolvedIP, c.port, ipv6)
	if err != nil {
		unix.Close(fd)
		return false
	}

	c.mu.Lock()
	c.fd = fd
	c.state = Connecting
	c.mu.Unlock()

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS && err != unix.EALREADY {
		unix.Close(fd)
		c.mu.Lock()
		c.state = Closed
		c.mu.Unlock()
		return false
	}

	if regErr := c.reactor.Add(c, reactor.Writable); regErr != nil {
		unix.Close(fd)
		c.mu.Lock()
		c.state = Closed
		c.mu.Unlock()
		return false
	}

	if err == nil {
		// Connected immediately; OnWritable will still fire and drive the
		// handshake, keeping a single code path for both cases.
	}
	return true
}

// configureSocket applies TCP_NODELAY, SO_KEEPALIVE and the 256 KiB
// send/receive buffer caps, the same sequence an accept-side listener
// would apply, here applied on connect instead.
func configureSocket(fd int) {
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sendRecvBufBytes)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, sendRecvBufBytes)
}

func sockaddrFor(ip string, port uint16, ipv6 bool) (unix.Sockaddr, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, verrors.New(verrors.Connect, "invalid resolved address "+ip)
	}
	if ipv6 {
		var addr unix.SockaddrInet6
		copy(addr.Addr[:], parsed.To16())
		addr.Port = int(port)
		return &addr, nil
	}
	var addr unix.SockaddrInet4
	copy(addr.Addr[:], parsed.To4())
	addr.Port = int(port)
	return &addr, nil
}

// OnWritable drives the Connecting → Handshaking → Ready transitions.
func (c *Connection) OnWritable() {
	c.mu.Lock()
	state := c.state
	fd := c.fd
	c.mu.Unlock()

	switch state {
	case Connecting:
		errno, serr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if serr != nil || errno != 0 {
			c.fail(verrors.New(verrors.Connect, "connect failed"))
			return
		}
		c.beginHandshake()
	case Handshaking:
		c.driveHandshake()
	case Ready:
		c.protocol.OnWritable()
	}
}

func (c *Connection) beginHandshake() {
	c.mu.Lock()
	c.state = Handshaking
	c.mu.Unlock()

	if c.tlsFactory == nil {
		c.becomeReady()
		return
	}

	netConn, err := c.netConnForHandshake()
	if err != nil {
		c.fail(verrors.Wrap(verrors.Handshake, "tls conn wrap failed", err))
		return
	}
	sess, err := c.tlsFactory.NewSession(c.host, netConn)
	if err != nil {
		c.fail(verrors.Wrap(verrors.Handshake, "tls session create failed", err))
		return
	}
	c.session = sess
	c.driveHandshake()
}

// netConnForHandshake dups the connection's fd into a *net.TCPConn-backed
// net.Conn for the TLS session factory. Go's runtime poller integrates with
// the already-non-blocking fd directly, so Session.Step can call a blocking
// API like crypto/tls.Conn.Handshake without stalling an OS thread, at the
// cost of blocking this goroutine (the reactor's own goroutine) until the
// handshake finishes — acceptable since real TLS fingerprinting/impersonation
// is out of scope here and only a single connection typically handshakes at
// a time per host.
func (c *Connection) netConnForHandshake() (net.Conn, error) {
	fd := c.Fd()
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(dup), "velonet-conn")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Connection) driveHandshake() {
	if c.session == nil {
		c.becomeReady()
		return
	}
	done, err := c.session.Step()
	if err != nil {
		c.fail(verrors.Wrap(verrors.Handshake, "tls handshake failed", err))
		return
	}
	if done {
		c.becomeReady()
	}
}

func (c *Connection) becomeReady() {
	c.mu.Lock()
	c.state = Ready
	c.mu.Unlock()

	// From here on the stream protocol reads responses, so readable
	// readiness is needed alongside the writable event that ended connect.
	c.reactor.Modify(c, reactor.Readable|reactor.Writable)

	if c.protocol == nil && c.protocolFactory != nil {
		alpn := ""
		if c.session != nil {
			alpn = c.session.NegotiatedProtocol()
		}
		c.protocol = c.protocolFactory(c, alpn)
	}

	if c.protocol != nil {
		c.protocol.SetIdleNotifier(func() {
			if c.idleCallback != nil {
				c.idleCallback(c)
			}
		})
		c.protocol.SetFailureNotifier(func(err error) {
			if c.onStreamFailed != nil {
				c.onStreamFailed(err)
			}
		})
	}
}

// OnReadable forwards readable readiness to the active stream protocol.
func (c *Connection) OnReadable() {
	if c.State() == Ready && c.protocol != nil {
		c.protocol.OnReadable()
	}
}

// OnError transitions to Closed on any reactor-reported error.
func (c *Connection) OnError(errno int) {
	c.fail(verrors.New(verrors.Transport, "socket error"))
}

// OnClose handles peer-initiated disconnects.
func (c *Connection) OnClose() {
	c.fail(verrors.New(verrors.Transport, "connection closed by peer"))
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	alreadyClosed := c.state == Closed
	c.state = Closed
	c.mu.Unlock()
	if alreadyClosed {
		return
	}
	if c.onStreamFailed != nil {
		c.onStreamFailed(err)
	}
	c.Close()
}

// Read implements streamprotocol.Transport by reading directly from the
// underlying non-blocking socket. Returns (0, nil) on EAGAIN/EWOULDBLOCK so
// callers treat "no data yet" as distinct from EOF or a hard error.
func (c *Connection) Read(p []byte) (int, error) {
	fd := c.Fd()
	if fd < 0 {
		return 0, verrors.New(verrors.Transport, "read on closed connection")
	}
	n, err := unix.Read(fd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	if err != nil {
		return 0, verrors.Wrap(verrors.Transport, "read failed", err)
	}
	return n, nil
}

// Write implements streamprotocol.Transport. Returns (0, nil) on
// EAGAIN/EWOULDBLOCK so the protocol layer can apply backpressure rather
// than treating it as failure.
func (c *Connection) Write(p []byte) (int, error) {
	fd := c.Fd()
	if fd < 0 {
		return 0, verrors.New(verrors.Transport, "write on closed connection")
	}
	n, err := unix.Write(fd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	if err != nil {
		return 0, verrors.Wrap(verrors.Transport, "write failed", err)
	}
	return n, nil
}

// Close tears down the connection: removes it from the reactor and closes
// the underlying socket. Safe to call multiple times.
func (c *Connection) Close() {
	c.mu.Lock()
	fd := c.fd
	c.state = Closed
	c.fd = -1
	c.mu.Unlock()

	if fd >= 0 {
		c.reactor.Remove(c)
		unix.Close(fd)
	}
}

// Protocol returns the stream-protocol collaborator attached to this
// connection, or nil before one has been set.
func (c *Connection) Protocol() streamprotocol.Protocol { return c.protocol }

// SetProtocol installs a stream-protocol collaborator directly, bypassing
// ALPN-based selection. Used by tests and by plaintext (non-TLS) setups
// where no negotiation happens.
func (c *Connection) SetProtocol(p streamprotocol.Protocol) { c.protocol = p }

// SetProtocolFactory installs the function used to build the stream
// protocol once the handshake completes and the negotiated ALPN protocol
// name is known. Must be called before Connect.
func (c *Connection) SetProtocolFactory(f func(t streamprotocol.Transport, alpn string) streamprotocol.Protocol) {
	c.protocolFactory = f
}

// SetFailureNotifier installs the callback invoked when this connection
// becomes unusable due to a transport/handshake/protocol error.
func (c *Connection) SetFailureNotifier(cb func(err error)) { c.onStreamFailed = cb }
