package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	mcp "github.com/Waldzell-Agentics/Chassit"
)

// fakeTransport is an in-memory Transport for session tests. Requests are
// answered by the respond func; everything sent is recorded for inspection.
type fakeTransport struct {
	respond func(msg mcp.JSONRPCMessage) *mcp.JSONRPCMessage

	mu       sync.Mutex
	started  bool
	closed   bool
	sent     []mcp.JSONRPCMessage
	incoming chan mcp.JSONRPCMessage
}

func newFakeTransport() *fakeTransport {
	f := &fakeTransport{
		incoming: make(chan mcp.JSONRPCMessage, 16),
	}
	f.respond = func(msg mcp.JSONRPCMessage) *mcp.JSONRPCMessage {
		reply := &mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      msg.ID,
		}
		switch msg.Method {
		case "initialize":
			reply.Result = json.RawMessage(`{
				"protocolVersion": "2025-06-18",
				"capabilities": {"tools": {}},
				"serverInfo": {"name": "fake-server", "version": "1.0.0"}
			}`)
		case "ping":
			reply.Result = json.RawMessage(`{}`)
		default:
			reply.Result = json.RawMessage(`{"ok":true}`)
		}
		return reply
	}
	return f
}

func (f *fakeTransport) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, msg mcp.JSONRPCMessage) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return &mcp.TransportError{Op: "write", Err: errors.New("transport closed")}
	}
	f.sent = append(f.sent, msg)
	respond := f.respond
	f.mu.Unlock()

	if msg.Kind() == mcp.KindRequest && respond != nil {
		if reply := respond(msg); reply != nil {
			f.push(*reply)
		}
	}
	return nil
}

func (f *fakeTransport) Receive() iter.Seq[mcp.JSONRPCMessage] {
	return func(yield func(mcp.JSONRPCMessage) bool) {
		for msg := range f.incoming {
			if !yield(msg) {
				return
			}
		}
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.incoming)
	}
	return nil
}

func (f *fakeTransport) push(msg mcp.JSONRPCMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.incoming <- msg
	}
}

func (f *fakeTransport) sentMessages() []mcp.JSONRPCMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mcp.JSONRPCMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) waitForSent(t *testing.T, match func(mcp.JSONRPCMessage) bool) mcp.JSONRPCMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range f.sentMessages() {
			if match(msg) {
				return msg
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for matching sent message")
	return mcp.JSONRPCMessage{}
}

func openTestSession(t *testing.T, f *fakeTransport, options ...mcp.SessionOption) *mcp.Session {
	t.Helper()
	options = append([]mcp.SessionOption{
		mcp.WithRequestTimeout(2 * time.Second),
		mcp.WithPingInterval(0),
	}, options...)
	session := mcp.NewSession(mcp.Info{Name: "test-client", Version: "0.1.0"}, f, options...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Open(ctx); err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func TestSessionHandshake(t *testing.T) {
	f := newFakeTransport()
	session := openTestSession(t, f)

	if got := session.State(); got != mcp.StateOperating {
		t.Fatalf("got state %s, want operating", got)
	}
	if got := session.ServerInfo().Name; got != "fake-server" {
		t.Errorf("got server name %q, want %q", got, "fake-server")
	}
	if got := session.ProtocolVersion(); got != "2025-06-18" {
		t.Errorf("got protocol version %q, want %q", got, "2025-06-18")
	}
	if !session.ToolsSupported() {
		t.Error("expected tools capability")
	}
	if session.PromptsSupported() || session.ResourcesSupported() {
		t.Error("unexpected prompts or resources capability")
	}

	sent := f.sentMessages()
	if len(sent) < 2 {
		t.Fatalf("got %d sent messages, want at least 2", len(sent))
	}
	if sent[0].Method != "initialize" || sent[0].Kind() != mcp.KindRequest {
		t.Errorf("first sent message = %+v, want initialize request", sent[0])
	}
	if sent[1].Method != "notifications/initialized" || sent[1].Kind() != mcp.KindNotification {
		t.Errorf("second sent message = %+v, want initialized notification", sent[1])
	}
}

func TestSessionRejectsUnsupportedProtocolVersion(t *testing.T) {
	f := newFakeTransport()
	f.respond = func(msg mcp.JSONRPCMessage) *mcp.JSONRPCMessage {
		return &mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      msg.ID,
			Result: json.RawMessage(`{
				"protocolVersion": "1990-01-01",
				"capabilities": {},
				"serverInfo": {"name": "ancient", "version": "0.0.1"}
			}`),
		}
	}

	session := mcp.NewSession(mcp.Info{Name: "test-client", Version: "0.1.0"}, f,
		mcp.WithRequestTimeout(2*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := session.Open(ctx)
	if !errors.Is(err, mcp.ErrProtocolVersionMismatch) {
		t.Fatalf("got error %v, want ErrProtocolVersionMismatch", err)
	}
	if got := session.State(); got != mcp.StateClosed {
		t.Errorf("got state %s, want closed", got)
	}
}

func TestSessionRequestBeforeOpen(t *testing.T) {
	session := mcp.NewSession(mcp.Info{Name: "test-client", Version: "0.1.0"}, newFakeTransport())

	_, err := session.Request(context.Background(), "tools/list", nil)
	if !errors.Is(err, mcp.ErrSessionNotReady) {
		t.Fatalf("got error %v, want ErrSessionNotReady", err)
	}
	if err := session.Notify(context.Background(), "notifications/progress", nil); !errors.Is(err, mcp.ErrSessionNotReady) {
		t.Fatalf("got error %v, want ErrSessionNotReady", err)
	}
}

func TestSessionAnswersServerPing(t *testing.T) {
	f := newFakeTransport()
	openTestSession(t, f)

	f.push(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MessageID("srv-1"),
		Method:  "ping",
	})

	reply := f.waitForSent(t, func(msg mcp.JSONRPCMessage) bool {
		return msg.Kind() == mcp.KindResponse && msg.ID == "srv-1"
	})
	if reply.Error != nil {
		t.Errorf("got error reply %+v, want result", reply.Error)
	}
}

func TestSessionRejectsUnknownServerRequest(t *testing.T) {
	f := newFakeTransport()
	openTestSession(t, f)

	f.push(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MessageID("srv-2"),
		Method:  "sampling/createMessage",
	})

	reply := f.waitForSent(t, func(msg mcp.JSONRPCMessage) bool {
		return msg.Kind() == mcp.KindResponse && msg.ID == "srv-2"
	})
	if reply.Error == nil {
		t.Fatal("expected an error reply")
	}
	if reply.Error.Code != -32601 {
		t.Errorf("got code %d, want -32601", reply.Error.Code)
	}
}

func TestSessionNotificationDispatch(t *testing.T) {
	f := newFakeTransport()
	session := openTestSession(t, f)

	received := make(chan string, 4)
	unsubscribe := session.OnNotification(func(method string, params []byte) {
		received <- method
	})

	f.push(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/tools/list_changed",
	})

	select {
	case method := <-received:
		if method != "notifications/tools/list_changed" {
			t.Errorf("got method %q, want list_changed notification", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for notification")
	}

	unsubscribe()
	f.push(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/tools/list_changed",
	})
	select {
	case <-received:
		t.Fatal("handler invoked after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionSurfacesPeerError(t *testing.T) {
	f := newFakeTransport()
	base := f.respond
	f.respond = func(msg mcp.JSONRPCMessage) *mcp.JSONRPCMessage {
		if msg.Method == "tools/call" {
			return &mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      msg.ID,
				Error:   &mcp.JSONRPCError{Code: -32602, Message: "invalid params"},
			}
		}
		return base(msg)
	}
	session := openTestSession(t, f)

	_, err := session.Request(context.Background(), "tools/call", map[string]string{"name": "bad"})
	var rpcErr *mcp.JSONRPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("got error %v, want *JSONRPCError", err)
	}
	if rpcErr.Code != -32602 {
		t.Errorf("got code %d, want -32602", rpcErr.Code)
	}
}

func TestSessionCloseSendsShutdownOnce(t *testing.T) {
	f := newFakeTransport()
	session := openTestSession(t, f)

	if err := session.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if got := session.State(); got != mcp.StateClosed {
		t.Errorf("got state %s, want closed", got)
	}

	shutdowns := 0
	for _, msg := range f.sentMessages() {
		if msg.Method == "notifications/shutdown" {
			shutdowns++
		}
	}
	if shutdowns != 1 {
		t.Errorf("got %d shutdown notifications, want 1", shutdowns)
	}
}

func TestSessionTransportLossFailsPending(t *testing.T) {
	f := newFakeTransport()
	base := f.respond
	f.respond = func(msg mcp.JSONRPCMessage) *mcp.JSONRPCMessage {
		if msg.Method == "tools/call" {
			return nil
		}
		return base(msg)
	}
	session := openTestSession(t, f)

	errs := make(chan error, 1)
	go func() {
		_, err := session.Request(context.Background(), "tools/call", nil)
		errs <- err
	}()

	// Give the request time to register, then drop the connection.
	f.waitForSent(t, func(msg mcp.JSONRPCMessage) bool {
		return msg.Method == "tools/call"
	})
	f.Close()

	select {
	case err := <-errs:
		var te *mcp.TransportError
		if !errors.As(err, &te) {
			t.Fatalf("got error %v, want *TransportError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for request failure")
	}

	deadline := time.Now().Add(2 * time.Second)
	for session.State() != mcp.StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("got state %s, want closed", session.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionCancelledRequestSendsCancellation(t *testing.T) {
	f := newFakeTransport()
	base := f.respond
	f.respond = func(msg mcp.JSONRPCMessage) *mcp.JSONRPCMessage {
		if msg.Method == "tools/call" {
			return nil
		}
		return base(msg)
	}
	session := openTestSession(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := session.Request(ctx, "tools/call", nil)
		errs <- err
	}()

	sent := f.waitForSent(t, func(msg mcp.JSONRPCMessage) bool {
		return msg.Method == "tools/call"
	})
	cancel()

	select {
	case err := <-errs:
		if !errors.Is(err, mcp.ErrCancelled) {
			t.Fatalf("got error %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for cancellation")
	}

	cancellation := f.waitForSent(t, func(msg mcp.JSONRPCMessage) bool {
		return msg.Method == "notifications/cancelled"
	})
	var params struct {
		RequestID mcp.MessageID `json:"requestId"`
		Reason    string        `json:"reason"`
	}
	if err := json.Unmarshal(cancellation.Params, &params); err != nil {
		t.Fatalf("failed to unmarshal cancellation params: %v", err)
	}
	if params.RequestID != sent.ID {
		t.Errorf("got cancelled request id %q, want %q", params.RequestID, sent.ID)
	}
	if params.Reason == "" {
		t.Error("expected a cancellation reason")
	}
}

func TestSessionStateString(t *testing.T) {
	states := map[mcp.SessionState]string{
		mcp.StateUninitialized: "uninitialized",
		mcp.StateInitializing:  "initializing",
		mcp.StateOperating:     "operating",
		mcp.StateShuttingDown:  "shutting-down",
		mcp.StateClosed:        "closed",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if got := fmt.Sprint(mcp.SessionState(99)); got != "unknown" {
		t.Errorf("got %q, want %q", got, "unknown")
	}
}
