// Package client is the public facade wiring the resolver, connection
// pool, and stream protocols together: SendAsync resolves a hostname,
// acquires or creates a pooled connection, and submits the caller's
// request once a stream is available, reporting the result back on the
// reactor's own goroutine.
package client

import (
	"bufio"
	"bytes"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/net/http2"

	"github.com/riftlayer/velonet/dns"
	"github.com/riftlayer/velonet/pool"
	"github.com/riftlayer/velonet/reactor"
	"github.com/riftlayer/velonet/streamprotocol"
	"github.com/riftlayer/velonet/tlssession"
	"github.com/riftlayer/velonet/verrors"
)

// Options is the plain configuration struct for a Client, with no
// functional-option indirection.
type Options struct {
	MaxConnectionsPerHost   int
	MaxStreamsPerConnection int
	IdleTimeoutMs           int64
	ConnectTimeoutMs        int64
	DNSCacheTTLMs           int64
	ReactorMaxEvents        int
	InsecureSkipVerify      bool
}

// DefaultOptions returns the client-wide defaults.
func DefaultOptions() Options {
	return Options{
		MaxConnectionsPerHost:   8,
		MaxStreamsPerConnection: 100,
		IdleTimeoutMs:           60_000,
		ConnectTimeoutMs:        30_000,
		DNSCacheTTLMs:           60_000,
		ReactorMaxEvents:        1024,
	}
}

// ResponseCallback receives the completed HTTP response or an error, from
// the reactor's own goroutine.
type ResponseCallback func(resp *http.Response, err error)

// Client drives the reactor loop and owns its resolver and connection
// pool. It is not safe for concurrent Run; SendAsync may be called from
// any goroutine.
type Client struct {
	opts     Options
	reactor  *reactor.Reactor
	resolver *dns.Resolver
	pool     *pool.ConnectionPool
	tlsCfg   tlssession.Config
	h2       *http2.Transport
}

// New constructs a Client. The reactor is created internally; callers
// drive it by calling Run (or RunOnce from their own loop).
func New(opts Options) (*Client, error) {
	r, err := reactor.New(reactor.Config{MaxEvents: opts.ReactorMaxEvents, PollTimeoutMs: 100})
	if err != nil {
		return nil, err
	}

	tlsCfg := tlssession.DefaultConfig()
	tlsCfg.InsecureSkipVerify = opts.InsecureSkipVerify
	tlsFactory := tlssession.NewFactory(tlsCfg)

	c := &Client{
		opts:     opts,
		reactor:  r,
		resolver: dns.New(r, dns.Config{CacheTTLMs: opts.DNSCacheTTLMs}),
		tlsCfg:   tlsCfg,
		h2:       &http2.Transport{},
	}

	poolCfg := pool.ConnectionPoolConfig{
		MaxConnectionsPerHost:   opts.MaxConnectionsPerHost,
		MaxStreamsPerConnection: opts.MaxStreamsPerConnection,
		IdleTimeoutMs:           opts.IdleTimeoutMs,
		ConnectTimeoutMs:        opts.ConnectTimeoutMs,
		ConnectRatePerSecond:    20,
		ConnectBurst:            20,
	}
	c.pool = pool.NewConnectionPool(poolCfg, r, tlsFactory, c.newProtocol)

	log.Printf("\U0001F680 velonet client ready (max_conns_per_host=%d max_streams=%d)", opts.MaxConnectionsPerHost, opts.MaxStreamsPerConnection)
	return c, nil
}

// newProtocol picks HTTP/2 or HTTP/1.1 framing based on the negotiated
// ALPN protocol name, defaulting to HTTP/1.1 for plaintext connections or
// servers that didn't negotiate "h2".
func (c *Client) newProtocol(t streamprotocol.Transport, alpn string) streamprotocol.Protocol {
	if alpn == "h2" {
		h2, err := streamprotocol.NewHTTP2(c.h2, t)
		if err == nil {
			return h2
		}
		log.Printf("falling back to HTTP/1.1 after http2 setup failure: %v", err)
	}
	return streamprotocol.NewHTTP1(t, c.reactor)
}

// Run drives the reactor loop until Stop is called.
func (c *Client) Run() { c.reactor.Run() }

// RunOnce drives a single reactor turn; useful for tests and for embedding
// the client in a caller-owned loop.
func (c *Client) RunOnce() { c.reactor.RunOnce() }

// Stop requests the reactor loop to exit; safe to call from any goroutine.
func (c *Client) Stop() { c.reactor.Stop() }

// Close tears down the reactor and releases its poller resource.
func (c *Client) Close() error { return c.reactor.Close() }

// PoolStats returns the current pool-wide connection and host counts, for
// bench/diagnostic reporting.
func (c *Client) PoolStats() (connections, hosts int) {
	return c.pool.TotalConnections(), c.pool.TotalHosts()
}

// CleanupIdle sweeps idle connections and empty host pools; callers
// typically run this periodically (veloclient-bench does so once a second).
func (c *Client) CleanupIdle() int {
	return c.pool.CleanupIdle(c.reactor.NowMs())
}

// SendAsync resolves req's host, acquires or creates a pooled connection,
// and submits the request once a stream is available. cb always runs on
// the reactor's own goroutine. SendAsync itself may be called from any
// goroutine: the actual resolve/acquire work is posted onto the reactor so
// it never touches the loop-thread-only DNS cache from an arbitrary caller.
func (c *Client) SendAsync(req *http.Request, cb ResponseCallback) {
	host, port, err := splitHostPort(req.URL)
	if err != nil {
		c.reactor.Post(func() {
			cb(nil, verrors.Wrap(verrors.Protocol, "invalid request URL", err))
		})
		return
	}

	c.reactor.Post(func() {
		c.resolver.ResolveAsync(host, func(addrs []dns.ResolvedAddress, err error) {
			if err != nil {
				cb(nil, err)
				return
			}
			c.dispatch(host, port, addrs[0], req, cb, 0)
		})
	})
}

// maxAcquireRetries bounds how many times SendAsync re-polls the pool for
// a ready connection before giving up; each retry is spaced one reactor
// timer tick apart.
const maxAcquireRetries = 200

func (c *Client) dispatch(host string, port uint16, addr dns.ResolvedAddress, req *http.Request, cb ResponseCallback, attempt int) {
	if pc := c.pool.AcquireConnection(host, port); pc != nil {
		c.submit(host, port, pc, req, cb)
		return
	}

	if attempt == 0 {
		hp := c.pool.HostPoolFor(host, port)
		if !hp.CreateConnection(addr.IP, addr.IsIPv6) {
			cb(nil, verrors.New(verrors.Overloaded, "connection pool exhausted for "+host))
			return
		}
	}

	if attempt >= maxAcquireRetries {
		cb(nil, verrors.New(verrors.Connect, "timed out waiting for a ready connection to "+host))
		return
	}

	c.reactor.Timers().Schedule(c.reactor.NowMs(), 5, func() {
		c.dispatch(host, port, addr, req, cb, attempt+1)
	})
}

func (c *Client) submit(host string, port uint16, pc *pool.PooledConnection, req *http.Request, cb ResponseCallback) {
	conn := pc.Connection()
	proto := conn.Protocol()

	release := func(success bool) { c.pool.ReleaseConnection(host, port, pc, success) }

	switch p := proto.(type) {
	case *streamprotocol.HTTP2:
		go func() {
			resp, err := p.RoundTrip(req)
			c.reactor.Post(func() {
				release(err == nil)
				cb(resp, err)
			})
		}()
	case *streamprotocol.HTTP1:
		var buf bytes.Buffer
		if err := req.Write(&buf); err != nil {
			release(false)
			cb(nil, verrors.Wrap(verrors.Protocol, "failed to serialize request", err))
			return
		}
		ok := p.Submit(buf.Bytes(), func(raw []byte, err error) {
			if err != nil {
				release(false)
				cb(nil, err)
				return
			}
			resp, parseErr := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), req)
			release(parseErr == nil)
			cb(resp, parseErr)
		})
		if !ok {
			release(false)
			cb(nil, verrors.New(verrors.Overloaded, "connection already has a stream in flight"))
		}
	default:
		release(false)
		cb(nil, verrors.New(verrors.Protocol, "connection has no stream protocol attached"))
	}
}

func splitHostPort(u *url.URL) (string, uint16, error) {
	host := u.Hostname()
	if host == "" {
		return "", 0, verrors.New(verrors.Protocol, "missing host in URL")
	}
	portStr := u.Port()
	if portStr == "" {
		if u.Scheme == "http" {
			portStr = "80"
		} else {
			portStr = "443"
		}
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(p), nil
}
