package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState is the lifecycle phase of a Session. Transitions only move
// forward; a closed session is never reopened, callers create a new one.
type SessionState int32

const (
	StateUninitialized SessionState = iota
	StateInitializing
	StateOperating
	StateShuttingDown
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateOperating:
		return "operating"
	case StateShuttingDown:
		return "shutting-down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	defaultRequestTimeout = 10 * time.Second

	// maxPingFailures is how many keepalive pings may fail in a row before the
	// session is considered dead.
	maxPingFailures = 3
)

// sessionIdentity is implemented by transports that carry a resumable session
// identity and event cursor.
type sessionIdentity interface {
	SessionID() string
	LastEventID() string
}

// Session drives one logical protocol session over one transport: the
// initialize handshake, request/response correlation, keepalive pings, and
// ordered shutdown. A session is single-use; after Close it stays closed.
type Session struct {
	transport Transport
	logger    *slog.Logger
	metrics   *Metrics

	clientInfo     Info
	capabilities   ClientCapabilities
	offeredVersion string

	requestTimeout time.Duration
	pingInterval   time.Duration
	shutdownGrace  time.Duration

	state atomic.Int32
	corr  *correlator

	mu                 sync.Mutex
	serverInfo         Info
	serverCapabilities ServerCapabilities
	protocolVersion    string

	listenDone chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithRequestTimeout sets the default per-request deadline. Individual calls
// can still shorten it through their context.
func WithRequestTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.requestTimeout = d
	}
}

// WithPingInterval sets the keepalive ping cadence. Zero disables pings.
func WithPingInterval(d time.Duration) SessionOption {
	return func(s *Session) {
		s.pingInterval = d
	}
}

// WithSessionLogger sets the logger for the session.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithMetrics attaches a metrics sink. Nil is valid and records nothing.
func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithShutdownGrace bounds how long Close waits for in-flight teardown.
func WithShutdownGrace(d time.Duration) SessionOption {
	return func(s *Session) {
		s.shutdownGrace = d
	}
}

// WithClientCapabilities sets the capability set advertised in the handshake.
func WithClientCapabilities(caps ClientCapabilities) SessionOption {
	return func(s *Session) {
		s.capabilities = caps
	}
}

// WithProtocolVersion sets the protocol version offered in the handshake,
// overriding the latest supported one.
func WithProtocolVersion(version string) SessionOption {
	return func(s *Session) {
		s.offeredVersion = version
	}
}

// NewSession creates a session that will speak over transport once opened.
func NewSession(clientInfo Info, transport Transport, options ...SessionOption) *Session {
	s := &Session{
		transport:      transport,
		logger:         slog.Default(),
		clientInfo:     clientInfo,
		offeredVersion: protocolVersionLatest,
		requestTimeout: defaultRequestTimeout,
		pingInterval:   30 * time.Second,
		shutdownGrace:  5 * time.Second,
		listenDone:     make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.corr = newCorrelator(s.logger)
	return s
}

// State returns the current lifecycle phase.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Open starts the transport and runs the initialize handshake: the initialize
// request, protocol version validation, and the initialized notification. On
// any failure the session is closed and cannot be reused.
func (s *Session) Open(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return fmt.Errorf("session already opened in state %s", s.State())
	}

	if err := s.transport.Start(ctx); err != nil {
		s.fail()
		return fmt.Errorf("failed to start transport: %w", err)
	}
	go s.listen()

	params, err := json.Marshal(initializeParams{
		ProtocolVersion: s.offeredVersion,
		Capabilities:    s.capabilities,
		ClientInfo:      s.clientInfo,
	})
	if err != nil {
		s.fail()
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	raw, err := s.doRequest(ctx, methodInitialize, params)
	if err != nil {
		s.fail()
		return fmt.Errorf("failed to initialize session: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.fail()
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if !slices.Contains(supportedProtocolVersions, result.ProtocolVersion) {
		s.fail()
		return fmt.Errorf("%w: server negotiated %q", ErrProtocolVersionMismatch, result.ProtocolVersion)
	}

	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.serverCapabilities = result.Capabilities
	s.protocolVersion = result.ProtocolVersion
	s.mu.Unlock()

	if st, ok := s.transport.(*StreamableHTTPTransport); ok {
		st.SetProtocolVersion(result.ProtocolVersion)
	}

	if err := s.sendNotification(ctx, methodNotificationsInitialized, nil); err != nil {
		s.fail()
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	s.state.Store(int32(StateOperating))
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}
	if s.pingInterval > 0 {
		go s.pingLoop()
	}
	return nil
}

// Request sends a request and blocks for its response. The params value is
// marshalled to JSON; nil sends no params. A peer-reported error is returned
// as a *JSONRPCError, matchable with errors.As.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.RequestWithTimeout(ctx, method, params, s.requestTimeout)
}

// RequestWithTimeout is Request with an explicit per-call deadline.
func (s *Session) RequestWithTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if s.State() != StateOperating {
		return nil, fmt.Errorf("%w: session is %s", ErrSessionNotReady, s.State())
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.doRequestWithTimeout(ctx, method, raw, timeout)
	if s.metrics != nil {
		s.metrics.RecordRequest(method, time.Since(start), err)
	}
	return result, err
}

// Notify sends a notification, a message that expects no response.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if s.State() != StateOperating {
		return fmt.Errorf("%w: session is %s", ErrSessionNotReady, s.State())
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return s.sendNotification(ctx, method, raw)
}

// Ping sends a keepalive probe and waits for the pong.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.doRequest(ctx, methodPing, nil)
	return err
}

// OnNotification registers a handler for server-initiated notifications and
// returns its unsubscribe func. Handlers run sequentially in arrival order.
func (s *Session) OnNotification(fn NotificationHandler) func() {
	return s.corr.onNotification(fn)
}

// ServerInfo returns the identity the server reported during the handshake.
func (s *Session) ServerInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// ServerCapabilities returns the capability set negotiated at open.
func (s *Session) ServerCapabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverCapabilities
}

// ProtocolVersion returns the negotiated protocol version, empty before the
// handshake completes.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// ToolsSupported reports whether the server advertised the tools capability.
func (s *Session) ToolsSupported() bool {
	return s.ServerCapabilities().Tools != nil
}

// PromptsSupported reports whether the server advertised the prompts
// capability.
func (s *Session) PromptsSupported() bool {
	return s.ServerCapabilities().Prompts != nil
}

// ResourcesSupported reports whether the server advertised the resources
// capability.
func (s *Session) ResourcesSupported() bool {
	return s.ServerCapabilities().Resources != nil
}

// SessionID returns the transport's session identity, empty when the transport
// carries none.
func (s *Session) SessionID() string {
	if t, ok := s.transport.(interface{ SessionID() string }); ok {
		return t.SessionID()
	}
	return ""
}

// ResumeState returns the session identity and event cursor needed to resume
// delivery on a replacement connection.
func (s *Session) ResumeState() (sessionID, lastEventID string) {
	if t, ok := s.transport.(sessionIdentity); ok {
		return t.SessionID(), t.LastEventID()
	}
	return "", ""
}

// Close shuts the session down: a best-effort shutdown notification while the
// transport still works, then all pending requests failed with ErrCancelled
// and the transport torn down. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		wasOperating := s.state.Load() == int32(StateOperating)
		s.state.Store(int32(StateShuttingDown))
		close(s.done)

		if wasOperating {
			ctx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
			if err := s.sendNotification(ctx, methodNotificationsShutdown, nil); err != nil {
				s.logger.Debug("failed to send shutdown notification", "err", err)
			}
			cancel()
		}

		s.corr.closeWith(fmt.Errorf("%w: session closed", ErrCancelled))
		s.transport.Close()

		select {
		case <-s.listenDone:
		case <-time.After(s.shutdownGrace):
			s.logger.Warn("session reader did not stop within grace period")
		}

		s.state.Store(int32(StateClosed))
		if wasOperating && s.metrics != nil {
			s.metrics.ConnectionClosed()
		}
	})
	return nil
}

func (s *Session) fail() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateShuttingDown))
		close(s.done)
		s.corr.closeWith(fmt.Errorf("%w: session closed", ErrCancelled))
		s.transport.Close()
		s.state.Store(int32(StateClosed))
	})
}

func (s *Session) doRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return s.doRequestWithTimeout(ctx, method, params, s.requestTimeout)
}

// doRequestWithTimeout registers the request before it hits the wire, sends
// it, and waits for the correlated response.
func (s *Session) doRequestWithTimeout(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	id := s.corr.nextMessageID()
	pr, err := s.corr.register(id, method)
	if err != nil {
		return nil, err
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
	if err := s.transport.Send(ctx, msg); err != nil {
		s.corr.remove(id)
		return nil, fmt.Errorf("failed to send %q request: %w", method, err)
	}

	resp, err := s.corr.await(ctx, pr, timeout)
	if err != nil {
		if errors.Is(err, ErrCancelled) && ctx.Err() != nil {
			s.cancelRemote(id)
		}
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// cancelRemote tells the peer to stop working on an abandoned request. Best
// effort; the request already failed locally.
func (s *Session) cancelRemote(id MessageID) {
	params, err := json.Marshal(notificationsCancelledParams{
		RequestID: id,
		Reason:    userCancelledReason,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sendNotification(ctx, methodNotificationsCancelled, params); err != nil {
		s.logger.Debug("failed to send cancellation", "id", string(id), "err", err)
	}
}

func (s *Session) sendNotification(ctx context.Context, method string, params json.RawMessage) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	}
	return s.transport.Send(ctx, msg)
}

// listen routes every inbound message by kind: responses to the correlator,
// notifications to the dispatch queue, and server requests to replyToRequest.
// The loop ending while the session still operates means the connection was
// lost; every pending request then fails with a TransportError.
func (s *Session) listen() {
	defer close(s.listenDone)

	for msg := range s.transport.Receive() {
		switch msg.Kind() {
		case KindResponse:
			s.corr.resolve(msg)
		case KindNotification:
			s.corr.dispatchNotification(msg)
		case KindRequest:
			s.replyToRequest(msg)
		default:
			s.logger.Warn("dropping invalid message", "method", msg.Method)
		}
	}

	select {
	case <-s.done:
		return
	default:
	}

	s.logger.Error("connection lost")
	if s.metrics != nil {
		s.metrics.ConnectionFailed()
	}
	s.corr.closeWith(&TransportError{Op: "receive", Err: errors.New("connection lost")})
	s.state.Store(int32(StateClosed))
	s.transport.Close()
}

// replyToRequest answers server-initiated requests. Only ping is served; any
// other method gets a method-not-found error so the peer is not left hanging.
func (s *Session) replyToRequest(msg JSONRPCMessage) {
	reply := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}
	if msg.Method == methodPing {
		reply.Result = json.RawMessage("{}")
	} else {
		reply.Error = &JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method %q not supported", msg.Method),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.transport.Send(ctx, reply); err != nil {
		s.logger.Error("failed to reply to server request", "method", msg.Method, "err", err)
	}
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.State() != StateOperating {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
			err := s.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}

			failures++
			s.logger.Warn("keepalive ping failed", "failures", failures, "err", err)
			if failures >= maxPingFailures {
				s.logger.Error("peer stopped answering pings, closing session")
				s.Close()
				return
			}
		}
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return raw, nil
}
