// Package streamprotocol defines the stream-protocol collaborator contract:
// once a Connection finishes its TLS handshake, it hands the raw byte
// interface to a Protocol, which frames requests and responses, tracks how
// many logical streams are multiplexed, and reports back idleness and
// failures. Full HTTP/1.1 and HTTP/2 semantics (trailers, push, flow
// control tuning) are deliberately minimal here; this package supplies the
// collaborators needed to drive the pool end to end.
package streamprotocol

// Transport is the byte interface a Connection exposes to its Protocol:
// non-blocking reads/writes where (0, nil) means "would block" rather than
// EOF or error, plus the ability to tear the connection down.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close()
}

// Protocol is attached to a Connection after handshake completion. It
// consumes readable/writable readiness via the connection's byte
// interface and reports idleness/failure back into the pool.
type Protocol interface {
	// OnReadable is called when the underlying connection has data to read.
	OnReadable()
	// OnWritable is called when the underlying connection can accept a write.
	OnWritable()
	// MaxStreams is the protocol-dependent ceiling on concurrently
	// multiplexed streams: 1 for HTTP/1.1, up to the server-advertised
	// SETTINGS_MAX_CONCURRENT_STREAMS for HTTP/2.
	MaxStreams() int
	// SetIdleNotifier installs the callback fired when the active stream
	// count returns to zero.
	SetIdleNotifier(func())
	// SetFailureNotifier installs the callback fired when a stream-level
	// error renders the connection unusable.
	SetFailureNotifier(func(err error))
	// Close releases any protocol-owned state.
	Close()
}

// DefaultHTTP1MaxStreams and DefaultHTTP2MaxStreams are the protocol
// stream ceilings: 1 for HTTP/1.1 (no pipelining across the pool boundary),
// 100 for HTTP/2. The peer's SETTINGS_MAX_CONCURRENT_STREAMS is not read;
// HTTP2.MaxStreams reports 100 whenever the connection can take a new
// request.
const (
	DefaultHTTP1MaxStreams = 1
	DefaultHTTP2MaxStreams = 100
)
