// Package tlssession defines the TLS-handshake collaborator contract.
// Browser-level TLS impersonation (ClientHello fingerprinting, cipher
// suite ordering, extension shuffling) is intentionally not attempted
// here; this package supplies the factory/session pair the connection
// state machine drives, backed by the standard library's crypto/tls for
// anything that needs to speak real TLS in a test.
package tlssession

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/riftlayer/velonet/verrors"
)

// Session is driven by a Connection one non-blocking step at a time; Step
// returns done=true once the handshake has completed.
type Session interface {
	// Step advances the handshake. It must not block; implementations
	// backed by a blocking library call (like crypto/tls) should run that
	// call to completion internally and report done=true on return, since
	// the reactor thread is otherwise idle while handshaking proceeds.
	Step() (done bool, err error)
	// NegotiatedProtocol returns the ALPN-negotiated protocol name ("h2",
	// "http/1.1", or "" if none), valid only after Step reports done.
	NegotiatedProtocol() string
	// Close releases any session state without a full teardown of the
	// underlying connection.
	Close()
}

// SessionFactory produces a Session for a freshly connected socket bound to
// host. Connection.beginHandshake calls this exactly once per connection
// attempt, after the TCP connect completes.
type SessionFactory interface {
	NewSession(host string, conn net.Conn) (Session, error)
}

// Config controls the default crypto/tls-backed factory.
type Config struct {
	// InsecureSkipVerify disables certificate verification. Never set
	// true outside of tests against a self-signed fixture.
	InsecureSkipVerify bool
	// NextProtos is the ALPN protocol list offered during the handshake.
	NextProtos []string
}

// DefaultConfig returns the baseline config for NewFactory: ALPN offering
// both HTTP/2 and HTTP/1.1, full certificate verification.
func DefaultConfig() Config {
	return Config{NextProtos: []string{"h2", "http/1.1"}}
}

type stdFactory struct {
	cfg Config
}

// NewFactory returns a SessionFactory backed by crypto/tls.Client.
func NewFactory(cfg Config) SessionFactory {
	return &stdFactory{cfg: cfg}
}

func (f *stdFactory) NewSession(host string, conn net.Conn) (Session, error) {
	tlsCfg := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: f.cfg.InsecureSkipVerify,
		NextProtos:         f.cfg.NextProtos,
	}
	return &stdSession{conn: tls.Client(conn, tlsCfg)}, nil
}

// stdSession drives crypto/tls.Conn's handshake to completion on the first
// Step call. crypto/tls.Conn.Handshake is itself blocking on the wrapped
// net.Conn's deadlines rather than truly non-blocking socket readiness, so
// this collaborator trades a small amount of the reactor's single-thread
// purity for a handshake implementation that is actually interoperable.
type stdSession struct {
	conn      *tls.Conn
	completed bool
}

func (s *stdSession) Step() (bool, error) {
	if s.completed {
		return true, nil
	}
	if err := s.conn.HandshakeContext(context.Background()); err != nil {
		return false, verrors.Wrap(verrors.Handshake, "tls handshake failed", err)
	}
	s.completed = true
	return true, nil
}

func (s *stdSession) NegotiatedProtocol() string {
	return s.conn.ConnectionState().NegotiatedProtocol
}

func (s *stdSession) Close() {
	s.conn.Close()
}
