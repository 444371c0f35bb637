package streamprotocol

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/riftlayer/velonet/reactor"
)

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// newTestReactor builds a real Reactor for tests that need to drive
// posted callbacks (HTTP1's failure path posts rather than calling back
// inline).
func newTestReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(reactor.DefaultConfig())
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// fakeTransport is an in-memory Transport: writes accumulate into written,
// and reads are served from a queue of pre-loaded chunks (or readErr once
// the queue is empty).
type fakeTransport struct {
	written    bytes.Buffer
	readChunks [][]byte
	readErr    error
	closed     bool
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.written.Write(p)
	return len(p), nil
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	if len(f.readChunks) == 0 {
		if f.readErr != nil {
			return 0, f.readErr
		}
		return 0, nil
	}
	chunk := f.readChunks[0]
	f.readChunks = f.readChunks[1:]
	return copy(p, chunk), nil
}

func (f *fakeTransport) Close() { f.closed = true }

func TestHTTP1SubmitFlushesRequestOnWritable(t *testing.T) {
	ft := &fakeTransport{}
	h := NewHTTP1(ft, newTestReactor(t))

	if !h.Submit([]byte("GET / HTTP/1.1\r\n\r\n"), func([]byte, error) {}) {
		t.Fatal("Submit should succeed when idle")
	}
	h.OnWritable()

	if ft.written.String() != "GET / HTTP/1.1\r\n\r\n" {
		t.Fatalf("written = %q", ft.written.String())
	}
}

func TestHTTP1SubmitRejectsWhenInFlight(t *testing.T) {
	ft := &fakeTransport{}
	h := NewHTTP1(ft, newTestReactor(t))

	if !h.Submit([]byte("req1"), func([]byte, error) {}) {
		t.Fatal("first Submit should succeed")
	}
	if h.Submit([]byte("req2"), func([]byte, error) {}) {
		t.Fatal("second Submit while in flight should fail")
	}
}

func TestHTTP1OnReadableCompletesOnHeaderTerminator(t *testing.T) {
	ft := &fakeTransport{readChunks: [][]byte{[]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")}}
	h := NewHTTP1(ft, newTestReactor(t))

	var gotResponse []byte
	var gotErr error
	done := false
	h.Submit([]byte("GET / HTTP/1.1\r\n\r\n"), func(resp []byte, err error) {
		done = true
		gotResponse = resp
		gotErr = err
	})

	idleCalled := false
	h.SetIdleNotifier(func() { idleCalled = true })

	h.OnReadable()

	if !done {
		t.Fatal("callback should have fired once the terminator was seen")
	}
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if !bytes.Contains(gotResponse, []byte("200 OK")) {
		t.Fatalf("response = %q", gotResponse)
	}
	if !idleCalled {
		t.Fatal("idle notifier should fire once the stream completes")
	}
	if h.inFlight {
		t.Fatal("inFlight should be false after completion")
	}
}

func TestHTTP1OnReadablePartialThenComplete(t *testing.T) {
	ft := &fakeTransport{readChunks: [][]byte{
		[]byte("HTTP/1.1 200 OK\r\n"),
		[]byte("Content-Length: 0\r\n\r\n"),
	}}
	h := NewHTTP1(ft, newTestReactor(t))

	done := false
	h.Submit([]byte("GET / HTTP/1.1\r\n\r\n"), func([]byte, error) { done = true })

	h.OnReadable()
	if done {
		t.Fatal("should not complete before the header terminator arrives")
	}

	h.OnReadable()
	if !done {
		t.Fatal("should complete once the terminator arrives across two reads")
	}
}

func TestHTTP1OnReadableWaitsForDeclaredBody(t *testing.T) {
	ft := &fakeTransport{readChunks: [][]byte{
		[]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhel"),
		[]byte("lo"),
	}}
	h := NewHTTP1(ft, newTestReactor(t))

	var gotResponse []byte
	done := false
	h.Submit([]byte("GET / HTTP/1.1\r\n\r\n"), func(resp []byte, err error) {
		done = true
		gotResponse = resp
	})

	h.OnReadable()
	if done {
		t.Fatal("should not complete before the declared Content-Length body has fully arrived")
	}

	h.OnReadable()
	if !done {
		t.Fatal("should complete once the declared body length is satisfied")
	}
	if !bytes.HasSuffix(gotResponse, []byte("hello")) {
		t.Fatalf("response = %q, want to end with the full body", gotResponse)
	}
}

func TestHTTP1ReadErrorFailsInFlightStream(t *testing.T) {
	wantErr := errors.New("connection reset")
	ft := &fakeTransport{readErr: wantErr}
	r := newTestReactor(t)
	h := NewHTTP1(ft, r)

	var gotErr error
	done := make(chan struct{})
	h.Submit([]byte("GET / HTTP/1.1\r\n\r\n"), func(resp []byte, err error) {
		gotErr = err
		close(done)
	})

	var failErr error
	failDone := make(chan struct{})
	h.SetFailureNotifier(func(err error) {
		failErr = err
		close(failDone)
	})

	h.OnReadable()

	// failLocked posts both notifications onto the reactor thread instead
	// of invoking them inline, so they only run once something drives a
	// turn.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.RunOnce()
		if isClosed(done) && isClosed(failDone) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if gotErr == nil {
		t.Fatal("expected the stream callback to receive an error")
	}
	if failErr == nil {
		t.Fatal("expected the failure notifier to fire")
	}
}

func TestHTTP1MaxStreamsIsOne(t *testing.T) {
	h := NewHTTP1(&fakeTransport{}, newTestReactor(t))
	if h.MaxStreams() != 1 {
		t.Fatalf("MaxStreams() = %d, want 1", h.MaxStreams())
	}
}
