package mcp

import (
	"errors"
	"fmt"
	"time"
)

// ServerConfig declares how to reach one server. Exactly one of the transport
// shapes applies: stdio servers need a command, HTTP servers need a URL.
type ServerConfig struct {
	// ServerID keys health state, metrics, and lookups. Must be unique within
	// a connection manager and non-empty.
	ServerID string

	// Kind selects the wire profile. Defaults to stdio when a command is set
	// and streamable HTTP when a URL is set.
	Kind TransportKind

	// Command and Args spawn a stdio server as a subprocess.
	Command string
	Args    []string
	// Env holds extra environment entries for the subprocess.
	Env []string

	// URL is the endpoint of an HTTP server.
	URL string
	// Headers are attached to every HTTP request, e.g. authorization.
	Headers map[string]string

	// ProtocolVersion overrides the protocol version offered in the handshake
	// when non-empty.
	ProtocolVersion string

	// RequestTimeout overrides the default per-request deadline when positive.
	RequestTimeout time.Duration
	// PingInterval overrides the keepalive cadence when positive.
	PingInterval time.Duration

	// Retry bounds connection establishment attempts.
	Retry RetryPolicy
}

// RetryPolicy bounds how connection attempts are retried. Zero values fall
// back to the defaults.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt; it doubles after
	// every failure.
	InitialBackoff time.Duration
	// MaxBackoff caps the doubling.
	MaxBackoff time.Duration
}

var defaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultRetryPolicy.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultRetryPolicy.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultRetryPolicy.MaxBackoff
	}
	return p
}

func (c ServerConfig) validate() error {
	if c.ServerID == "" {
		return errors.New("server config requires a server ID")
	}
	switch c.kind() {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("server %s: stdio transport requires a command", c.ServerID)
		}
	case TransportStreamableHTTP, TransportSSE:
		if c.URL == "" {
			return fmt.Errorf("server %s: %s transport requires a URL", c.ServerID, c.kind())
		}
	default:
		return fmt.Errorf("server %s: unknown transport kind %q", c.ServerID, c.Kind)
	}
	return nil
}

func (c ServerConfig) kind() TransportKind {
	if c.Kind != "" {
		return c.Kind
	}
	if c.Command != "" {
		return TransportStdio
	}
	return TransportStreamableHTTP
}
