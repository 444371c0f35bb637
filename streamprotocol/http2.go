package streamprotocol

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

// netConnAdapter bridges a Transport's non-blocking byte interface to the
// full net.Conn golang.org/x/net/http2's client connection requires.
// Deadlines are accepted but not enforced: backpressure and timeouts for a
// Transport built over a reactor-driven socket are handled at the
// Connection layer, not by this adapter.
type netConnAdapter struct {
	Transport
}

// Read blocks until data, EOF, or a real error arrives. http2.ClientConn
// drives this from its own background read-frames goroutine and expects
// ordinary blocking net.Conn semantics; the wrapped Transport's (0, nil)
// "would block" result must therefore be retried here rather than
// surfaced as a read error, or the very first would-block read would
// look like a fatal transport failure and tear the connection down.
func (a netConnAdapter) Read(p []byte) (int, error) {
	for {
		n, err := a.Transport.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
		time.Sleep(time.Millisecond)
	}
}

func (a netConnAdapter) Write(p []byte) (int, error) { return a.Transport.Write(p) }
func (a netConnAdapter) Close() error                { a.Transport.Close(); return nil }
func (netConnAdapter) LocalAddr() net.Addr           { return noopAddr{} }
func (netConnAdapter) RemoteAddr() net.Addr          { return noopAddr{} }
func (netConnAdapter) SetDeadline(time.Time) error      { return nil }
func (netConnAdapter) SetReadDeadline(time.Time) error  { return nil }
func (netConnAdapter) SetWriteDeadline(time.Time) error { return nil }

type noopAddr struct{}

func (noopAddr) Network() string { return "tcp" }
func (noopAddr) String() string  { return "velonet" }

// HTTP2 wraps a single TCP connection already ALPN-negotiated to "h2" with
// golang.org/x/net/http2's client connection machinery, giving each
// connection up to the peer's advertised SETTINGS_MAX_CONCURRENT_STREAMS,
// approximated here by DefaultHTTP2MaxStreams until a real SETTINGS frame
// is exposed through ClientConn's public surface.
type HTTP2 struct {
	cc *http2.ClientConn

	active atomic.Int64
	mu     sync.Mutex
	idleFn func()
	failFn func(error)
}

// NewHTTP2 builds an HTTP/2 protocol collaborator over transport, using t2
// as the shared *http2.Transport owned by the pool.
func NewHTTP2(t2 *http2.Transport, transport Transport) (*HTTP2, error) {
	cc, err := t2.NewClientConn(netConnAdapter{transport})
	if err != nil {
		return nil, err
	}
	return &HTTP2{cc: cc}, nil
}

func (h *HTTP2) MaxStreams() int {
	if h.cc.CanTakeNewRequest() {
		return DefaultHTTP2MaxStreams
	}
	return 0
}

func (h *HTTP2) SetIdleNotifier(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.idleFn = fn
}

func (h *HTTP2) SetFailureNotifier(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failFn = fn
}

// RoundTrip issues one HTTP/2 request over the shared connection. Unlike
// HTTP1.Submit, multiple RoundTrip calls may run concurrently, up to
// MaxStreams.
func (h *HTTP2) RoundTrip(req *http.Request) (*http.Response, error) {
	h.active.Add(1)
	resp, err := h.cc.RoundTrip(req)
	h.active.Add(-1)

	h.mu.Lock()
	idleFn, failFn := h.idleFn, h.failFn
	h.mu.Unlock()

	if h.active.Load() == 0 && idleFn != nil {
		idleFn()
	}
	if err != nil && failFn != nil {
		failFn(err)
	}
	return resp, err
}

// OnReadable and OnWritable are no-ops: http2.ClientConn runs its own
// background read loop and write buffering once constructed, so the
// reactor's readiness events don't need to drive it directly. They exist
// only to satisfy Protocol.
func (h *HTTP2) OnReadable() {}
func (h *HTTP2) OnWritable() {}

func (h *HTTP2) Close() {
	h.cc.Close()
}
