package mcp

import (
	"context"
	"iter"
)

// TransportKind selects the wire profile used to reach a server.
type TransportKind string

const (
	// TransportStdio spawns the server as a subprocess and frames messages by
	// newline over its standard streams.
	TransportStdio TransportKind = "stdio"
	// TransportStreamableHTTP speaks request/response JSON-RPC over HTTP POST
	// with optional Server-Sent-Events upgrade for streaming.
	TransportStreamableHTTP TransportKind = "streamable-http"
	// TransportSSE is the legacy single-direction SSE profile: a long-lived GET
	// stream for server messages and a discovered POST endpoint for client ones.
	TransportSSE TransportKind = "sse"
)

// Transport moves JSON-RPC messages between the engine and one peer. Pairing
// requests with responses is not the transport's job; every inbound message,
// whatever HTTP response or stream it rode in on, is surfaced through Receive
// and correlated by ID one layer up.
type Transport interface {
	// Start establishes the connection or spawns the subprocess. The context
	// bounds connection setup only; the transport outlives it and runs until
	// Close.
	Start(ctx context.Context) error

	// Send transmits one message to the peer. It is safe for concurrent use.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Receive returns an iterator over inbound messages in wire arrival order.
	// The iterator ends when the transport closes or the connection is lost.
	Receive() iter.Seq[JSONRPCMessage]

	// Close tears the connection down and ends the Receive iterator. It is safe
	// to call more than once.
	Close() error
}

// NotificationHandler receives server-initiated notifications. Handlers for a
// session are invoked sequentially in wire arrival order, never concurrently
// with each other.
type NotificationHandler func(method string, params []byte)
