// Package mcp implements the transport and session layer Chassit uses to exchange
// JSON-RPC 2.0 messages with Model Context Protocol (MCP) servers. It speaks two
// wire profiles behind one Transport interface: a local subprocess framed by
// newline-delimited JSON over standard streams, and a remote streamable HTTP
// endpoint with optional Server-Sent-Events upgrade for streaming responses and
// server-initiated pushes.
//
// A Session owns exactly one Transport and drives the protocol lifecycle:
// capability negotiation, protocol version checks, request/response correlation,
// and shutdown. A ConnectionManager owns zero or more Sessions keyed by server
// identity and applies circuit-breaker policy so that a failing server degrades
// into fast failures instead of hung calls.
package mcp
