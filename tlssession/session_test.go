package tlssession

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStdSessionHandshakeNegotiatesRequestedProtocol(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	defer conn.Close()

	cfg := Config{InsecureSkipVerify: true, NextProtos: []string{"http/1.1"}}
	factory := NewFactory(cfg)

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}

	sess, err := factory.NewSession(host, conn)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	done, err := sess.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !done {
		t.Fatal("Step should report done after a successful handshake")
	}

	if got := sess.NegotiatedProtocol(); got != "http/1.1" {
		t.Fatalf("NegotiatedProtocol() = %q, want %q", got, "http/1.1")
	}

	// A second Step call must be idempotent.
	done, err = sess.Step()
	if err != nil || !done {
		t.Fatalf("second Step() = (%v, %v), want (true, nil)", done, err)
	}
}

func TestDefaultConfigOffersH2AndHTTP11(t *testing.T) {
	cfg := DefaultConfig()
	if len(cfg.NextProtos) != 2 || cfg.NextProtos[0] != "h2" || cfg.NextProtos[1] != "http/1.1" {
		t.Fatalf("DefaultConfig().NextProtos = %v", cfg.NextProtos)
	}
}
