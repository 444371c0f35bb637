// Package verrors defines the error kinds surfaced to callers of the
// client, pool, and resolver.
package verrors

import "fmt"

// Kind classifies a failure independent of where in the stack it occurred.
type Kind int

const (
	// Resolution: DNS lookup failed or returned no usable address.
	Resolution Kind = iota
	// Connect: transport-level connect failed (refused, unreachable, timeout).
	Connect
	// Handshake: TLS negotiation failed.
	Handshake
	// Transport: read/write error on an established socket.
	Transport
	// Protocol: framing or parsing error at the stream protocol layer.
	Protocol
	// Cancelled: request aborted by the caller or by cascading closure.
	Cancelled
	// Overloaded: pool has no capacity and no new connection can be created.
	Overloaded
)

func (k Kind) String() string {
	switch k {
	case Resolution:
		return "resolution"
	case Connect:
		return "connect"
	case Handshake:
		return "handshake"
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Cancelled:
		return "cancelled"
	case Overloaded:
		return "overloaded"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus a human-readable message and, optionally, the
// underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Retryable reports whether higher layers might reasonably retry a request
// that failed with this kind: Connect, Resolution and Transport are
// candidates, Protocol and Cancelled are not.
func Retryable(k Kind) bool {
	switch k {
	case Connect, Resolution, Transport:
		return true
	default:
		return false
	}
}
