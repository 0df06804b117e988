package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mcp "github.com/Waldzell-Agentics/Chassit"
	"github.com/tmaxmax/go-sse"
)

func collectEvents(t *testing.T, p *mcp.SSEParser, chunks ...[]byte) []mcp.SSEEvent {
	t.Helper()
	var events []mcp.SSEEvent
	for _, chunk := range chunks {
		for ev := range p.Feed(chunk) {
			events = append(events, ev)
		}
	}
	return events
}

func TestSSEParserSingleFrame(t *testing.T) {
	p := &mcp.SSEParser{}
	events := collectEvents(t, p, []byte("data: hello\n\n"))

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Data != "hello" {
		t.Errorf("got data %q, want %q", events[0].Data, "hello")
	}
	if events[0].Type != "message" {
		t.Errorf("got type %q, want %q", events[0].Type, "message")
	}
	if events[0].ID != "" {
		t.Errorf("got id %q, want empty", events[0].ID)
	}
}

func TestSSEParserMultiDataLines(t *testing.T) {
	p := &mcp.SSEParser{}
	events := collectEvents(t, p, []byte("data: line one\ndata: line two\n\n"))

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if want := "line one\nline two"; events[0].Data != want {
		t.Errorf("got data %q, want %q", events[0].Data, want)
	}
}

func TestSSEParserEventTypeAndID(t *testing.T) {
	p := &mcp.SSEParser{}
	stream := "event: endpoint\nid: 7\ndata: /message\n\ndata: later\n\n"
	events := collectEvents(t, p, []byte(stream))

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != "endpoint" {
		t.Errorf("got type %q, want %q", events[0].Type, "endpoint")
	}
	if events[0].ID != "7" {
		t.Errorf("got id %q, want %q", events[0].ID, "7")
	}
	// The second frame carries no event or id field: the type resets but the
	// id is inherited from the stream.
	if events[1].Type != "message" {
		t.Errorf("got type %q, want %q", events[1].Type, "message")
	}
	if events[1].ID != "7" {
		t.Errorf("got id %q, want %q", events[1].ID, "7")
	}
	if p.LastEventID() != "7" {
		t.Errorf("got last event id %q, want %q", p.LastEventID(), "7")
	}
}

func TestSSEParserIgnoresCommentsAndUnknownFields(t *testing.T) {
	p := &mcp.SSEParser{}
	stream := ": keepalive comment\nretry: 3000\nunknown: field\ndata: payload\n\n"
	events := collectEvents(t, p, []byte(stream))

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Data != "payload" {
		t.Errorf("got data %q, want %q", events[0].Data, "payload")
	}
}

func TestSSEParserBlankLineWithoutDataEmitsNothing(t *testing.T) {
	p := &mcp.SSEParser{}
	events := collectEvents(t, p, []byte("id: 42\n\nevent: tick\n\n"))

	if len(events) != 0 {
		t.Fatalf("got %d events, want 0", len(events))
	}
	if p.LastEventID() != "42" {
		t.Errorf("got last event id %q, want %q", p.LastEventID(), "42")
	}
}

func TestSSEParserCRLFLines(t *testing.T) {
	p := &mcp.SSEParser{}
	events := collectEvents(t, p, []byte("data: windows\r\n\r\n"))

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Data != "windows" {
		t.Errorf("got data %q, want %q", events[0].Data, "windows")
	}
}

func TestSSEParserChunkBoundaries(t *testing.T) {
	stream := []byte("event: message\nid: 1\ndata: {\"jsonrpc\":\"2.0\"}\n\ndata: first\ndata: second\n\n")

	p := &mcp.SSEParser{}
	want := collectEvents(t, p, stream)
	if len(want) != 2 {
		t.Fatalf("got %d events from the unsplit stream, want 2", len(want))
	}

	// Splitting the same stream at any byte boundary must produce identical
	// frames.
	for i := 1; i < len(stream); i++ {
		p := &mcp.SSEParser{}
		got := collectEvents(t, p, stream[:i], stream[i:])
		if len(got) != len(want) {
			t.Fatalf("split at %d: got %d events, want %d", i, len(got), len(want))
		}
		for j := range want {
			if got[j] != want[j] {
				t.Errorf("split at %d: event %d = %+v, want %+v", i, j, got[j], want[j])
			}
		}
	}

	// Byte-by-byte delivery is the degenerate case of the same property.
	p = &mcp.SSEParser{}
	var got []mcp.SSEEvent
	for _, b := range stream {
		got = append(got, collectEvents(t, p, []byte{b})...)
	}
	if len(got) != len(want) {
		t.Fatalf("byte-by-byte: got %d events, want %d", len(got), len(want))
	}
}

func TestSSEParserUTF8SplitAcrossChunks(t *testing.T) {
	data := "data: héllo wörld ⚡\n\n"
	raw := []byte(data)

	for i := 1; i < len(raw); i++ {
		p := &mcp.SSEParser{}
		events := collectEvents(t, p, raw[:i], raw[i:])
		if len(events) != 1 {
			t.Fatalf("split at %d: got %d events, want 1", i, len(events))
		}
		if want := "héllo wörld ⚡"; events[0].Data != want {
			t.Errorf("split at %d: got data %q, want %q", i, events[0].Data, want)
		}
	}
}

func TestSSEParserDiscardsPartialFrame(t *testing.T) {
	p := &mcp.SSEParser{}
	events := collectEvents(t, p, []byte("data: complete\n\ndata: trunca"))

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Data != "complete" {
		t.Errorf("got data %q, want %q", events[0].Data, "complete")
	}
}

// fakeLegacyServer speaks the legacy SSE profile: an event stream announcing
// the message endpoint, and a POST endpoint whose responses are pushed back
// over the stream.
type fakeLegacyServer struct {
	t   *testing.T
	out chan mcp.JSONRPCMessage
}

func (f *fakeLegacyServer) handleStream(messageURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		endpoint := sse.Message{Type: sse.Type("endpoint")}
		endpoint.AppendData(messageURL)
		if err := sess.Send(&endpoint); err != nil {
			return
		}
		if err := sess.Flush(); err != nil {
			return
		}

		for {
			select {
			case msg := <-f.out:
				msgBs, err := json.Marshal(msg)
				if err != nil {
					f.t.Errorf("failed to marshal message: %v", err)
					return
				}
				sseMsg := sse.Message{Type: sse.Type("message")}
				sseMsg.AppendData(string(msgBs))
				if err := sess.Send(&sseMsg); err != nil {
					return
				}
				if err := sess.Flush(); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	}
}

func (f *fakeLegacyServer) handleMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg mcp.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if msg.Kind() == mcp.KindRequest {
			f.out <- mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      msg.ID,
				Result:  json.RawMessage(`{"ok":true}`),
			}
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func TestSSETransport(t *testing.T) {
	fake := &fakeLegacyServer{t: t, out: make(chan mcp.JSONRPCMessage, 5)}

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	messageURL := fmt.Sprintf("%s/message?sessionID=legacy-1", server.URL)
	mux.Handle("/connect", fake.handleStream(messageURL))
	mux.Handle("/message", fake.handleMessage())

	transport := mcp.NewSSETransport(server.URL+"/connect",
		mcp.WithSSEHTTPClient(server.Client()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer transport.Close()

	if got := transport.SessionID(); got != "legacy-1" {
		t.Errorf("got session id %q, want %q", got, "legacy-1")
	}

	req := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MessageID("1"),
		Method:  "tools/list",
	}
	if err := transport.Send(ctx, req); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}

	received := make(chan mcp.JSONRPCMessage, 1)
	go func() {
		for msg := range transport.Receive() {
			received <- msg
			return
		}
	}()

	select {
	case msg := <-received:
		if msg.ID != req.ID {
			t.Errorf("got response id %q, want %q", msg.ID, req.ID)
		}
		if msg.Kind() != mcp.KindResponse {
			t.Errorf("got kind %s, want response", msg.Kind())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for response")
	}
}

func TestSSETransportStartFailsOnBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	transport := mcp.NewSSETransport(server.URL, mcp.WithSSEHTTPClient(server.Client()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := transport.Start(ctx)
	if err == nil {
		t.Fatal("expected start to fail")
	}
	var te *mcp.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("got %T, want *TransportError", err)
	}
	if te.Status != http.StatusForbidden {
		t.Errorf("got status %d, want %d", te.Status, http.StatusForbidden)
	}
}
