package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math/rand"
	"mime"
	"net/http"
	"sync"
	"time"
)

// Header names for the streamable HTTP profile.
const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "MCP-Protocol-Version"
	headerLastEventID     = "Last-Event-ID"
)

var (
	defaultStreamableMaxRetries     = 5
	defaultStreamableInitialBackoff = time.Second
	maxStreamableBackoff            = 30 * time.Second
)

// errGetUnsupported reports that the peer rejected the standing GET stream.
// That is allowed by the profile; the peer then only pushes messages on POST
// response streams.
var errGetUnsupported = errors.New("event stream not supported by peer")

// StreamableHTTPTransport speaks the streamable HTTP profile against a single
// endpoint. Client messages travel as HTTP POSTs; the peer answers each POST
// with a JSON body, a Server-Sent-Events body, or a bare 202 acknowledgment.
// A separate standing GET stream carries server-initiated messages and is
// reissued automatically on disconnect with the last seen event ID, so the
// peer can resume from where the old stream dropped.
//
// Concurrent POSTs are permitted; every inbound message from any response
// body or stream funnels into the one Receive iterator.
type StreamableHTTPTransport struct {
	endpoint   string
	httpClient *http.Client
	headers    map[string]string
	logger     *slog.Logger

	maxRetries     int
	initialBackoff time.Duration

	mu              sync.Mutex
	sessionID       string
	lastEventID     string
	protocolVersion string

	// sessionAssigned is closed once the peer has assigned a session ID; the
	// standing GET stream waits for it.
	sessionAssigned chan struct{}
	assignOnce      sync.Once

	incoming  chan JSONRPCMessage
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// StreamableHTTPOption configures a StreamableHTTPTransport.
type StreamableHTTPOption func(*StreamableHTTPTransport)

// WithStreamableHTTPClient sets the HTTP client used for all requests.
func WithStreamableHTTPClient(client *http.Client) StreamableHTTPOption {
	return func(t *StreamableHTTPTransport) {
		t.httpClient = client
	}
}

// WithStreamableHeaders sets extra headers attached to every request.
func WithStreamableHeaders(headers map[string]string) StreamableHTTPOption {
	return func(t *StreamableHTTPTransport) {
		t.headers = headers
	}
}

// WithStreamableLogger sets the logger for the transport.
func WithStreamableLogger(logger *slog.Logger) StreamableHTTPOption {
	return func(t *StreamableHTTPTransport) {
		t.logger = logger
	}
}

// WithStreamableMaxRetries sets how many times the standing GET stream is
// re-established after consecutive failures before the transport gives up.
func WithStreamableMaxRetries(n int) StreamableHTTPOption {
	return func(t *StreamableHTTPTransport) {
		t.maxRetries = n
	}
}

// NewStreamableHTTPTransport creates a transport for the given endpoint URL.
func NewStreamableHTTPTransport(endpoint string, options ...StreamableHTTPOption) *StreamableHTTPTransport {
	t := &StreamableHTTPTransport{
		endpoint:        endpoint,
		httpClient:      http.DefaultClient,
		logger:          slog.Default(),
		maxRetries:      defaultStreamableMaxRetries,
		initialBackoff:  defaultStreamableInitialBackoff,
		protocolVersion: protocolVersionLatest,
		sessionAssigned: make(chan struct{}),
		incoming:        make(chan JSONRPCMessage),
		done:            make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Start launches the standing GET stream maintainer. No connection is made
// eagerly; the first POST, normally the initialize request, establishes the
// session.
func (t *StreamableHTTPTransport) Start(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.maintainEventStream(streamCtx)
	return nil
}

// Send POSTs one message to the endpoint and branches on the response:
// a JSON body is decoded as a single message, an event-stream body is drained
// frame by frame in the background, and a 202 acknowledges a message that
// expects no reply. Any decoded message, response or notification, surfaces
// through Receive.
func (t *StreamableHTTPTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(msgBs))
	if err != nil {
		return &TransportError{Op: "post", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.setProtocolHeaders(req, false)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "post", Err: err}
	}

	if id := resp.Header.Get(headerSessionID); id != "" {
		t.adoptSessionID(id)
	}

	if resp.StatusCode == http.StatusAccepted {
		resp.Body.Close()
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return &TransportError{Op: "post", Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		return &TransportError{Op: "post", Err: fmt.Errorf("parse content type: %w", err)}
	}

	switch contentType {
	case "application/json":
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &TransportError{Op: "post", Err: err}
		}
		reply, err := DecodeMessage(body)
		if err != nil {
			t.logger.Error("failed to decode response body", "err", err)
			return nil
		}
		t.deliver(reply)
		return nil
	case "text/event-stream":
		go func() {
			if err := t.readStream(resp.Body); err != nil {
				t.logger.Error("response stream failed", "err", err)
			}
		}()
		return nil
	default:
		resp.Body.Close()
		return &TransportError{Op: "post", Err: fmt.Errorf("unexpected content type %q", contentType)}
	}
}

// Receive returns an iterator over all inbound messages in arrival order.
func (t *StreamableHTTPTransport) Receive() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-t.incoming:
				if !yield(msg) {
					return
				}
			case <-t.done:
				return
			}
		}
	}
}

// Close tears down all streams and best-effort terminates the logical session
// with an HTTP DELETE carrying the session ID.
func (t *StreamableHTTPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.cancel != nil {
			t.cancel()
		}

		t.mu.Lock()
		sessionID := t.sessionID
		t.mu.Unlock()
		if sessionID == "" {
			return
		}

		req, err := http.NewRequest(http.MethodDelete, t.endpoint, nil)
		if err != nil {
			return
		}
		req.Header.Set(headerSessionID, sessionID)
		resp, err := t.httpClient.Do(req)
		if err != nil {
			t.logger.Debug("failed to terminate session", "err", err)
			return
		}
		resp.Body.Close()
	})
	return nil
}

// SessionID returns the session identity assigned by the peer, empty before
// the handshake completes.
func (t *StreamableHTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// LastEventID returns the resumption cursor observed across all streams.
func (t *StreamableHTTPTransport) LastEventID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEventID
}

// Resume seeds the transport with the session ID and event cursor of a lost
// connection, so the peer can replay missed events. It must be called before
// Start. If the peer declines the old session it assigns a fresh one, which
// simply replaces the seeded ID on the next POST.
func (t *StreamableHTTPTransport) Resume(sessionID, lastEventID string) {
	t.mu.Lock()
	t.sessionID = sessionID
	t.lastEventID = lastEventID
	t.mu.Unlock()
	if sessionID != "" {
		t.assignOnce.Do(func() { close(t.sessionAssigned) })
	}
}

// SetProtocolVersion pins the version header attached to every request once
// the handshake has negotiated it.
func (t *StreamableHTTPTransport) SetProtocolVersion(version string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.protocolVersion = version
}

func (t *StreamableHTTPTransport) setProtocolHeaders(req *http.Request, withCursor bool) {
	t.mu.Lock()
	sessionID := t.sessionID
	lastEventID := t.lastEventID
	protocolVersion := t.protocolVersion
	t.mu.Unlock()

	if protocolVersion != "" {
		req.Header.Set(headerProtocolVersion, protocolVersion)
	}
	if sessionID != "" {
		req.Header.Set(headerSessionID, sessionID)
	}
	if withCursor && lastEventID != "" {
		req.Header.Set(headerLastEventID, lastEventID)
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
}

func (t *StreamableHTTPTransport) adoptSessionID(id string) {
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
	t.assignOnce.Do(func() { close(t.sessionAssigned) })
}

// maintainEventStream keeps one standing GET stream open for server-initiated
// messages, reconnecting with exponential backoff and the last seen event ID
// so the peer can resume delivery.
func (t *StreamableHTTPTransport) maintainEventStream(ctx context.Context) {
	select {
	case <-t.sessionAssigned:
	case <-ctx.Done():
		return
	case <-t.done:
		return
	}

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := t.initialBackoff
	retries := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		err := t.hangingGet(ctx)
		if err == nil {
			// Stream ended gracefully; reconnect immediately with the cursor.
			retries = 0
			backoff = t.initialBackoff
			continue
		}
		if errors.Is(err, errGetUnsupported) {
			t.logger.Debug("peer does not offer a standing event stream")
			return
		}
		if ctx.Err() != nil {
			return
		}

		if retries >= t.maxRetries {
			t.logger.Error("giving up on event stream", "retries", retries, "err", err)
			t.Close()
			return
		}

		delay := backoff + time.Duration(rnd.Int63n(int64(backoff/2)+1))
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-time.After(delay):
		}
		retries++
		backoff *= 2
		if backoff > maxStreamableBackoff {
			backoff = maxStreamableBackoff
		}
	}
}

func (t *StreamableHTTPTransport) hangingGet(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return &TransportError{Op: "get", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	t.setProtocolHeaders(req, true)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "get", Err: err}
	}
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return errGetUnsupported
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return &TransportError{Op: "get", Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	return t.readStream(resp.Body)
}

// readStream drains one SSE response body. Each stream gets its own parser;
// partial frames never leak between streams.
func (t *StreamableHTTPTransport) readStream(body io.ReadCloser) error {
	defer body.Close()

	parser := &SSEParser{}
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for ev := range parser.Feed(buf[:n]) {
				t.handleEvent(ev)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			select {
			case <-t.done:
				return nil
			default:
			}
			return &TransportError{Op: "stream", Err: err}
		}
	}
}

func (t *StreamableHTTPTransport) handleEvent(ev SSEEvent) {
	if ev.ID != "" {
		t.mu.Lock()
		t.lastEventID = ev.ID
		t.mu.Unlock()
	}

	msg, err := DecodeMessage([]byte(ev.Data))
	if err != nil {
		t.logger.Error("failed to decode event data", "err", err)
		return
	}
	t.deliver(msg)
}

func (t *StreamableHTTPTransport) deliver(msg JSONRPCMessage) {
	select {
	case t.incoming <- msg:
	case <-t.done:
	}
}
