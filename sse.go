package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SSEEvent is one Server-Sent-Events frame, assembled from the field lines
// between two blank lines of the stream.
type SSEEvent struct {
	// ID is the event identifier, inherited from the most recent id field seen
	// on the stream. Empty when the stream has not carried one yet.
	ID string
	// Type is the event type, "message" when the frame carried no event field.
	Type string
	// Data is the frame payload, with multiple data lines joined by newlines.
	Data string
}

// SSEParser turns a raw byte stream into discrete Server-Sent-Events frames.
// It tolerates arbitrary chunk boundaries: bytes are only ever split at
// newlines, so a multi-byte UTF-8 sequence arriving across two Feed calls is
// never decoded until complete, and leftover bytes after the last full line
// are retained for the next call.
//
// One parser instance is scoped to one open stream and must not be shared
// between streams or goroutines. A partial frame still buffered when the
// stream ends is discarded, never emitted.
type SSEParser struct {
	buf       []byte
	dataLines []string
	eventType string
	dataSeen  bool
	lastID    string
}

// Feed appends a chunk to the parser's buffer and returns an iterator over
// every frame the chunk completed. The iterator is lazy; frames not consumed
// stay buffered and reappear on the next Feed call.
func (p *SSEParser) Feed(chunk []byte) iter.Seq[SSEEvent] {
	return func(yield func(SSEEvent) bool) {
		p.buf = append(p.buf, chunk...)
		for {
			i := bytes.IndexByte(p.buf, '\n')
			if i < 0 {
				return
			}
			line := p.buf[:i]
			p.buf = p.buf[i+1:]
			line = bytes.TrimSuffix(line, []byte{'\r'})

			ev, complete := p.processLine(line)
			if complete && !yield(ev) {
				return
			}
		}
	}
}

// LastEventID returns the most recent id field seen on the stream, used as the
// resumption cursor. The value is stored verbatim; no ordering is assumed.
func (p *SSEParser) LastEventID() string {
	return p.lastID
}

func (p *SSEParser) processLine(line []byte) (SSEEvent, bool) {
	if len(line) == 0 {
		// Blank line terminates the frame. Frames that never carried a data
		// field, such as bare id updates or comments, dispatch nothing.
		if !p.dataSeen {
			p.eventType = ""
			return SSEEvent{}, false
		}
		ev := SSEEvent{
			ID:   p.lastID,
			Type: p.eventType,
			Data: strings.Join(p.dataLines, "\n"),
		}
		if ev.Type == "" {
			ev.Type = "message"
		}
		p.dataLines = nil
		p.eventType = ""
		p.dataSeen = false
		return ev, true
	}

	field, value, hasColon := bytes.Cut(line, []byte{':'})
	if len(field) == 0 && hasColon {
		// Comment line.
		return SSEEvent{}, false
	}
	if hasColon && len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}

	switch string(field) {
	case "data":
		p.dataLines = append(p.dataLines, string(value))
		p.dataSeen = true
	case "event":
		p.eventType = string(value)
	case "id":
		p.lastID = string(value)
	}
	// Unknown fields, including retry, are ignored.
	return SSEEvent{}, false
}

// SSETransport implements the legacy single-direction SSE profile: a long-lived
// GET stream delivers server messages, and the first frame on that stream is an
// endpoint event announcing the URL client messages must be POSTed to. It is
// selected once per session at open time when the peer predates the streamable
// HTTP profile.
type SSETransport struct {
	connectURL string
	httpClient *http.Client
	headers    map[string]string
	logger     *slog.Logger

	mu          sync.Mutex
	messageURL  string
	sessionID   string
	lastEventID string

	incoming     chan JSONRPCMessage
	endpointErr  chan error
	endpointOnce sync.Once
	done         chan struct{}
	closeOnce    sync.Once
	cancel       context.CancelFunc
}

// SSETransportOption configures an SSETransport.
type SSETransportOption func(*SSETransport)

// WithSSEHTTPClient sets the HTTP client used for both the event stream and
// message posts.
func WithSSEHTTPClient(client *http.Client) SSETransportOption {
	return func(t *SSETransport) {
		t.httpClient = client
	}
}

// WithSSEHeaders sets extra headers attached to every request.
func WithSSEHeaders(headers map[string]string) SSETransportOption {
	return func(t *SSETransport) {
		t.headers = headers
	}
}

// WithSSELogger sets the logger for the transport.
func WithSSELogger(logger *slog.Logger) SSETransportOption {
	return func(t *SSETransport) {
		t.logger = logger
	}
}

// NewSSETransport creates a legacy SSE transport connecting to connectURL.
func NewSSETransport(connectURL string, options ...SSETransportOption) *SSETransport {
	t := &SSETransport{
		connectURL:  connectURL,
		httpClient:  http.DefaultClient,
		logger:      slog.Default(),
		incoming:    make(chan JSONRPCMessage),
		endpointErr: make(chan error, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Start opens the event stream and blocks until the peer announces its message
// endpoint or ctx expires.
func (t *SSETransport) Start(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.connectURL, nil)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return &TransportError{Op: "connect", Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	go t.readStream(resp.Body)

	select {
	case <-ctx.Done():
		t.Close()
		return &TransportError{Op: "connect", Err: ctx.Err()}
	case err := <-t.endpointErr:
		if err != nil {
			t.Close()
			return err
		}
		return nil
	}
}

// Send POSTs one message to the endpoint announced on the event stream.
func (t *SSETransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	t.mu.Lock()
	messageURL := t.messageURL
	t.mu.Unlock()
	if messageURL == "" {
		return &TransportError{Op: "post", Err: errors.New("no message endpoint announced")}
	}

	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return &TransportError{Op: "post", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "post", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return &TransportError{Op: "post", Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	return nil
}

// Receive returns an iterator over messages decoded off the event stream.
func (t *SSETransport) Receive() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range t.incoming {
			if !yield(msg) {
				return
			}
		}
	}
}

// Close terminates the event stream. Safe to call more than once.
func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.cancel != nil {
			t.cancel()
		}
	})
	return nil
}

// SessionID returns the logical session identity. Legacy peers encode it in
// the announced endpoint URL; when absent, a fresh one is generated so the
// connection manager can still key health state by session.
func (t *SSETransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID == "" {
		t.sessionID = uuid.New().String()
	}
	return t.sessionID
}

// LastEventID returns the resumption cursor observed on the stream.
func (t *SSETransport) LastEventID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEventID
}

func (t *SSETransport) readStream(body io.ReadCloser) {
	defer func() {
		body.Close()
		close(t.incoming)
	}()

	// The parser is scoped to this stream and touched only by this goroutine.
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
			select {
			case <-t.done:
			default:
				if !errors.Is(err, io.EOF) {
					t.logger.Error("failed to read SSE stream", "err", err)
				}
			}
			return
		}
	}
}

func (t *SSETransport) handleEvent(ev SSEEvent) {
	if ev.ID != "" {
		t.mu.Lock()
		t.lastEventID = ev.ID
		t.mu.Unlock()
	}

	switch ev.Type {
	case "endpoint":
		t.endpointOnce.Do(func() {
			t.endpointErr <- t.setMessageEndpoint(ev.Data)
		})
	case "message":
		msg, err := DecodeMessage([]byte(ev.Data))
		if err != nil {
			t.logger.Error("failed to decode SSE message", "err", err)
			return
		}
		select {
		case t.incoming <- msg:
		case <-t.done:
		}
	default:
		t.logger.Warn("unhandled event type", "type", ev.Type)
	}
}

func (t *SSETransport) setMessageEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &TransportError{Op: "connect", Err: fmt.Errorf("parse endpoint URL: %w", err)}
	}
	base, err := url.Parse(t.connectURL)
	if err != nil {
		return &TransportError{Op: "connect", Err: fmt.Errorf("parse connect URL: %w", err)}
	}
	resolved := base.ResolveReference(u)
	if resolved.String() == "" {
		return &TransportError{Op: "connect", Err: errors.New("empty endpoint URL")}
	}

	t.mu.Lock()
	t.messageURL = resolved.String()
	if id := resolved.Query().Get("sessionID"); id != "" {
		t.sessionID = id
	}
	t.mu.Unlock()
	return nil
}
