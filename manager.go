package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

// CircuitState is the phase of one server's circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets requests through; failures are being counted.
	CircuitClosed CircuitState = iota
	// CircuitOpen fails requests fast without touching the transport.
	CircuitOpen
	// CircuitHalfOpen lets a single probe through to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	defaultFailureThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// breaker is a per-server circuit breaker. Only transport-level failures
// count toward tripping it; a JSON-RPC error proves the peer is reachable.
type breaker struct {
	threshold int
	cooldown  time.Duration

	mu          sync.Mutex
	state       CircuitState
	failures    int
	openedAt    time.Time
	probing     bool
	lastSuccess time.Time
}

// allow reports whether a request may proceed. In the half-open state exactly
// one probe is admitted; everyone else fails fast until it reports back.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = CircuitHalfOpen
		b.probing = true
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// record feeds a request outcome back. Requests already in flight when the
// circuit opened report here too; their success closes the circuit early.
func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !isBreakerFailure(err) {
		b.failures = 0
		b.state = CircuitClosed
		b.probing = false
		b.lastSuccess = time.Now()
		return
	}

	b.failures++
	b.probing = false
	if b.state == CircuitHalfOpen || b.failures >= b.threshold {
		b.state = CircuitOpen
		b.openedAt = time.Now()
	}
}

// ServerHealth is a point-in-time view of one server's breaker state.
type ServerHealth struct {
	ServerID            string
	Circuit             CircuitState
	ConsecutiveFailures int
	LastSuccessAt       time.Time
}

type resumeState struct {
	sessionID   string
	lastEventID string
}

// serverEntry holds everything the manager tracks for one configured server.
// entry.mu serializes dialing so concurrent callers share one session instead
// of racing to open several.
type serverEntry struct {
	mu        sync.Mutex
	cfg       ServerConfig
	breaker   *breaker
	session   *Session
	legacySSE bool
	resume    resumeState
}

// ConnectionManager owns sessions to a fleet of configured servers. It opens
// them lazily, redials lost connections with backoff and resumption state,
// shields callers from flapping servers with a per-server circuit breaker,
// and falls back to the legacy SSE profile for servers that predate
// streamable HTTP.
type ConnectionManager struct {
	clientInfo       Info
	logger           *slog.Logger
	metrics          *Metrics
	failureThreshold int
	cooldown         time.Duration

	mu      sync.Mutex
	servers map[string]*serverEntry
}

// ConnectionManagerOption configures a ConnectionManager.
type ConnectionManagerOption func(*ConnectionManager)

// WithManagerLogger sets the logger for the manager and its sessions.
func WithManagerLogger(logger *slog.Logger) ConnectionManagerOption {
	return func(m *ConnectionManager) {
		m.logger = logger
	}
}

// WithManagerMetrics attaches a metrics sink shared by all sessions.
func WithManagerMetrics(metrics *Metrics) ConnectionManagerOption {
	return func(m *ConnectionManager) {
		m.metrics = metrics
	}
}

// WithFailureThreshold sets how many consecutive transport failures open a
// server's circuit.
func WithFailureThreshold(n int) ConnectionManagerOption {
	return func(m *ConnectionManager) {
		m.failureThreshold = n
	}
}

// WithBreakerCooldown sets how long an open circuit waits before admitting a
// probe.
func WithBreakerCooldown(d time.Duration) ConnectionManagerOption {
	return func(m *ConnectionManager) {
		m.cooldown = d
	}
}

// NewConnectionManager creates a manager that identifies as clientInfo in
// every handshake.
func NewConnectionManager(clientInfo Info, options ...ConnectionManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		clientInfo:       clientInfo,
		logger:           slog.Default(),
		failureThreshold: defaultFailureThreshold,
		cooldown:         defaultBreakerCooldown,
		servers:          make(map[string]*serverEntry),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// AddServer registers a server. No connection is made until the first request
// or an explicit Session call.
func (m *ConnectionManager) AddServer(cfg ServerConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[cfg.ServerID]; ok {
		return fmt.Errorf("server %s already registered", cfg.ServerID)
	}
	m.servers[cfg.ServerID] = &serverEntry{
		cfg: cfg,
		breaker: &breaker{
			threshold: m.failureThreshold,
			cooldown:  m.cooldown,
		},
	}
	return nil
}

// RemoveServer closes the server's session, if open, and forgets it.
func (m *ConnectionManager) RemoveServer(serverID string) {
	m.mu.Lock()
	e, ok := m.servers[serverID]
	delete(m.servers, serverID)
	m.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Close()
	}
}

// Session returns an operating session to the server, dialing one if needed.
// A server with an open circuit fails fast with ErrCircuitOpen.
func (m *ConnectionManager) Session(ctx context.Context, serverID string) (*Session, error) {
	e, err := m.entry(serverID)
	if err != nil {
		return nil, err
	}
	if err := e.breaker.allow(); err != nil {
		return nil, fmt.Errorf("%w: server %s", err, serverID)
	}

	sess, err := m.ensureSession(ctx, e)
	e.breaker.record(err)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Request sends one request to the named server and feeds the outcome back to
// its circuit breaker. Requests already in flight when a circuit opens run to
// completion.
func (m *ConnectionManager) Request(ctx context.Context, serverID, method string, params any) (json.RawMessage, error) {
	e, err := m.entry(serverID)
	if err != nil {
		return nil, err
	}
	if err := e.breaker.allow(); err != nil {
		return nil, fmt.Errorf("%w: server %s", err, serverID)
	}

	sess, err := m.ensureSession(ctx, e)
	if err != nil {
		e.breaker.record(err)
		return nil, err
	}

	result, err := sess.Request(ctx, method, params)
	e.breaker.record(err)
	if err != nil && sess.State() != StateOperating {
		m.discardSession(e, sess)
	}
	return result, err
}

// Health returns the breaker view of every registered server, ordered by ID.
func (m *ConnectionManager) Health() []ServerHealth {
	m.mu.Lock()
	entries := make([]*serverEntry, 0, len(m.servers))
	for _, e := range m.servers {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	health := make([]ServerHealth, 0, len(entries))
	for _, e := range entries {
		e.breaker.mu.Lock()
		health = append(health, ServerHealth{
			ServerID:            e.cfg.ServerID,
			Circuit:             e.breaker.state,
			ConsecutiveFailures: e.breaker.failures,
			LastSuccessAt:       e.breaker.lastSuccess,
		})
		e.breaker.mu.Unlock()
	}
	slices.SortFunc(health, func(a, b ServerHealth) int {
		return strings.Compare(a.ServerID, b.ServerID)
	})
	return health
}

// ServerHealth returns the breaker view of one server.
func (m *ConnectionManager) ServerHealth(serverID string) (ServerHealth, error) {
	e, err := m.entry(serverID)
	if err != nil {
		return ServerHealth{}, err
	}

	e.breaker.mu.Lock()
	defer e.breaker.mu.Unlock()
	return ServerHealth{
		ServerID:            e.cfg.ServerID,
		Circuit:             e.breaker.state,
		ConsecutiveFailures: e.breaker.failures,
		LastSuccessAt:       e.breaker.lastSuccess,
	}, nil
}

// Metrics returns the attached metrics sink, nil when none was configured.
func (m *ConnectionManager) Metrics() *Metrics {
	return m.metrics
}

// CloseAll shuts down every open session. Registered servers stay registered
// and can be dialed again.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	entries := make([]*serverEntry, 0, len(m.servers))
	for _, e := range m.servers {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.session != nil {
			e.session.Close()
			e.session = nil
		}
		e.mu.Unlock()
	}
}

func (m *ConnectionManager) entry(serverID string) (*serverEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.servers[serverID]
	if !ok {
		return nil, fmt.Errorf("unknown server %s", serverID)
	}
	return e, nil
}

// ensureSession returns the entry's session, dialing a fresh one when there is
// none or the old one died. A dead session's identity and event cursor carry
// over so the replacement can resume delivery.
func (m *ConnectionManager) ensureSession(ctx context.Context, e *serverEntry) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		if e.session.State() == StateOperating {
			return e.session, nil
		}
		sessionID, lastEventID := e.session.ResumeState()
		e.resume = resumeState{sessionID: sessionID, lastEventID: lastEventID}
		e.session = nil
	}

	sess, err := m.dial(ctx, e)
	if err != nil {
		return nil, err
	}
	e.session = sess
	e.resume = resumeState{}
	return sess, nil
}

// discardSession drops a dead session, keeping its resumption state for the
// next dial. The entry may already hold a newer session; only the matching
// one is dropped.
func (m *ConnectionManager) discardSession(e *serverEntry, sess *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != sess {
		return
	}
	sessionID, lastEventID := sess.ResumeState()
	e.resume = resumeState{sessionID: sessionID, lastEventID: lastEventID}
	e.session = nil
	sess.Close()
}

// dial opens a session with the entry's retry policy: exponential backoff
// between attempts, no retry on a protocol version mismatch since the server
// will keep giving the same answer.
func (m *ConnectionManager) dial(ctx context.Context, e *serverEntry) (*Session, error) {
	retry := e.cfg.Retry.withDefaults()
	backoff := retry.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		sess, err := m.openSession(ctx, e)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if errors.Is(err, ErrProtocolVersionMismatch) {
			break
		}
		if attempt == retry.MaxAttempts {
			break
		}

		m.logger.Warn("failed to connect, retrying",
			"server", e.cfg.ServerID, "attempt", attempt, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return nil, &TransportError{Op: "dial", Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > retry.MaxBackoff {
			backoff = retry.MaxBackoff
		}
	}
	return nil, fmt.Errorf("failed to connect to server %s: %w", e.cfg.ServerID, lastErr)
}

func (m *ConnectionManager) openSession(ctx context.Context, e *serverEntry) (*Session, error) {
	sess := m.newSession(e)
	err := sess.Open(ctx)
	if err == nil {
		return sess, nil
	}
	sess.Close()

	// Servers that predate streamable HTTP reject the POST outright; retry
	// once over the legacy SSE profile and remember the answer.
	if e.cfg.kind() == TransportStreamableHTTP && !e.legacySSE && isLegacyFallback(err) {
		m.logger.Info("falling back to legacy SSE profile", "server", e.cfg.ServerID)
		e.legacySSE = true
		sess = m.newSession(e)
		if err := sess.Open(ctx); err != nil {
			sess.Close()
			return nil, err
		}
		return sess, nil
	}
	return nil, err
}

func (m *ConnectionManager) newSession(e *serverEntry) *Session {
	logger := m.logger.With("server", e.cfg.ServerID)

	options := []SessionOption{
		WithSessionLogger(logger),
		WithMetrics(m.metrics),
	}
	if e.cfg.RequestTimeout > 0 {
		options = append(options, WithRequestTimeout(e.cfg.RequestTimeout))
	}
	if e.cfg.PingInterval > 0 {
		options = append(options, WithPingInterval(e.cfg.PingInterval))
	}
	if e.cfg.ProtocolVersion != "" {
		options = append(options, WithProtocolVersion(e.cfg.ProtocolVersion))
	}
	return NewSession(m.clientInfo, m.newTransport(e, logger), options...)
}

func (m *ConnectionManager) newTransport(e *serverEntry, logger *slog.Logger) Transport {
	kind := e.cfg.kind()
	if kind == TransportStreamableHTTP && e.legacySSE {
		kind = TransportSSE
	}

	switch kind {
	case TransportStdio:
		return NewStdioTransport(e.cfg.Command, e.cfg.Args,
			WithStdioEnv(e.cfg.Env),
			WithStdioLogger(logger),
		)
	case TransportSSE:
		return NewSSETransport(e.cfg.URL,
			WithSSEHeaders(e.cfg.Headers),
			WithSSELogger(logger),
		)
	default:
		t := NewStreamableHTTPTransport(e.cfg.URL,
			WithStreamableHeaders(e.cfg.Headers),
			WithStreamableLogger(logger),
		)
		if e.resume.sessionID != "" {
			t.Resume(e.resume.sessionID, e.resume.lastEventID)
		}
		return t
	}
}

// isLegacyFallback reports whether a handshake failure looks like a server
// that only speaks the legacy SSE profile.
func isLegacyFallback(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.Status == http.StatusNotFound || te.Status == http.StatusMethodNotAllowed
}
