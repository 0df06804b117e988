package mcp

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by sessions and the connection manager. Callers
// should match them with errors.Is; all of them may arrive wrapped with
// additional context.
var (
	// ErrMalformedMessage reports a payload that is not a valid JSON-RPC 2.0
	// request, response, or notification. Malformed inbound messages are logged
	// and dropped without disturbing the session.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrTimeout reports that no response arrived within the request's deadline.
	// A response arriving later is discarded.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled reports that a request was abandoned, either because the
	// caller cancelled its context or because the session closed while the
	// request was still pending.
	ErrCancelled = errors.New("request cancelled")

	// ErrSessionNotReady reports a request or notification attempted while the
	// session is not in the Operating state.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrProtocolVersionMismatch reports that the handshake negotiated a protocol
	// version outside the supported window. The session is closed and not retried.
	ErrProtocolVersionMismatch = errors.New("protocol version mismatch")

	// ErrCircuitOpen reports that the server's circuit breaker is open and the
	// request was failed fast without touching the transport.
	ErrCircuitOpen = errors.New("circuit open")
)

// TransportError reports a network or process level failure. It drives
// circuit-breaker accounting and reconnect attempts, unlike a JSONRPCError,
// which is an application error from a reachable peer.
type TransportError struct {
	// Op names the transport operation that failed, e.g. "post" or "spawn".
	Op string
	// Status holds the HTTP status code when the failure came from an HTTP
	// response, zero otherwise.
	Status int
	// Err is the underlying cause.
	Err error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport %s: unexpected status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// isBreakerFailure reports whether err should count toward tripping a circuit.
// Peer-reported JSON-RPC errors prove the peer is reachable and never count;
// neither do caller cancellations or failures the breaker itself produced.
func isBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return true
}
