package streamprotocol

import (
	"bytes"
	"strconv"
	"strings"
	"sync"

	"github.com/riftlayer/velonet/reactor"
)

// StreamCallback receives the raw response bytes for one HTTP/1.1
// exchange, or a non-nil error.
type StreamCallback func(response []byte, err error)

// HTTP1 is a minimal one-stream-at-a-time framing collaborator: exactly one
// in-flight exchange at a time, since HTTP/1.1 without pipelining cannot
// multiplex. Framing itself (headers, chunked transfer, etc.) is
// intentionally simplistic, enough to drive the pool and reactor end to
// end in tests.
type HTTP1 struct {
	transport Transport
	reactor   *reactor.Reactor

	mu       sync.Mutex
	inFlight bool
	pending  []byte
	readBuf  bytes.Buffer
	onDone   StreamCallback

	idleFn func()
	failFn func(error)
}

// NewHTTP1 wraps transport with single-stream HTTP/1.1 framing. r is used
// to post failure notifications back onto the reactor thread, matching
// the single-threaded cooperative discipline every other callback in this
// module observes.
func NewHTTP1(transport Transport, r *reactor.Reactor) *HTTP1 {
	return &HTTP1{transport: transport, reactor: r}
}

func (h *HTTP1) MaxStreams() int { return DefaultHTTP1MaxStreams }

func (h *HTTP1) SetIdleNotifier(fn func())     { h.idleFn = fn }
func (h *HTTP1) SetFailureNotifier(fn func(error)) { h.failFn = fn }

// Submit starts one request/response exchange. Returns false if a stream
// is already in flight (the caller/pool is responsible for respecting
// MaxStreams before calling Submit).
func (h *HTTP1) Submit(request []byte, cb StreamCallback) bool {
	h.mu.Lock()
	if h.inFlight {
		h.mu.Unlock()
		return false
	}
	h.inFlight = true
	h.pending = request
	h.onDone = cb
	h.readBuf.Reset()
	h.mu.Unlock()
	return true
}

// OnWritable flushes any pending request bytes.
func (h *HTTP1) OnWritable() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.inFlight || len(h.pending) == 0 {
		return
	}
	n, err := h.transport.Write(h.pending)
	if err != nil {
		h.failLocked(err)
		return
	}
	h.pending = h.pending[n:]
}

// OnReadable reads response bytes and hands the full response to the
// pending callback once responseComplete reports the headers and (if
// declared) body have fully arrived.
func (h *HTTP1) OnReadable() {
	var buf [8192]byte
	n, err := h.transport.Read(buf[:])
	if err != nil {
		h.mu.Lock()
		h.failLocked(err)
		h.mu.Unlock()
		return
	}
	if n == 0 {
		return
	}

	h.mu.Lock()
	h.readBuf.Write(buf[:n])
	complete := responseComplete(h.readBuf.Bytes())
	var response []byte
	var cb StreamCallback
	if complete && h.inFlight {
		response = append([]byte(nil), h.readBuf.Bytes()...)
		cb = h.onDone
		h.inFlight = false
		h.onDone = nil
		h.readBuf.Reset()
	}
	idleFn := h.idleFn
	h.mu.Unlock()

	if cb != nil {
		cb(response, nil)
		if idleFn != nil {
			idleFn()
		}
	}
}

// responseComplete reports whether buf holds a full HTTP/1.1 response: the
// header block plus, when a Content-Length header is present, that many
// body bytes. Chunked and close-delimited bodies fall back to treating the
// header terminator itself as the end of the response.
func responseComplete(buf []byte) bool {
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return false
	}
	headerEnd += len("\r\n\r\n")

	contentLength, ok := parseContentLength(buf[:headerEnd])
	if !ok {
		return true
	}
	return len(buf)-headerEnd >= contentLength
}

// parseContentLength scans the header block (terminator included) for a
// Content-Length header and returns its value.
func parseContentLength(headers []byte) (int, bool) {
	for _, line := range strings.Split(string(headers), "\r\n") {
		name, value, found := strings.Cut(line, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// failLocked fails the in-flight stream (if any) and notifies the pool.
// Both notifications are posted onto the reactor thread rather than
// invoked inline or from a bare goroutine: OnReadable/OnWritable run on
// the reactor thread already, but callers of failLocked must not assume
// that, and the pool's FailConnection bookkeeping is documented
// loop-thread-only.
func (h *HTTP1) failLocked(err error) {
	cb := h.onDone
	h.inFlight = false
	h.onDone = nil
	failFn := h.failFn
	h.reactor.Post(func() {
		if cb != nil {
			cb(nil, err)
		}
		if failFn != nil {
			failFn(err)
		}
	})
}

func (h *HTTP1) Close() {}
