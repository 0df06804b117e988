package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdioTransport spawns the configured command as a child process and speaks
// newline-delimited JSON-RPC over its standard streams: one compact message
// per line on stdin, one decoded message per line off stdout. The child's
// stderr is a diagnostic channel only; it is drained to the logger and never
// parsed as protocol data.
//
// Process exit, clean or crashed, closes the transport and ends the Receive
// iterator, which the owning session treats as transport loss.
type StdioTransport struct {
	command string
	args    []string
	env     []string
	logger  *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	// writeMu serializes stdin writes; reads are drained independently.
	writeMu sync.Mutex

	sessionID  string
	incoming   chan JSONRPCMessage
	done       chan struct{}
	readClosed chan struct{}
	closeOnce  sync.Once
}

// StdioTransportOption configures a StdioTransport.
type StdioTransportOption func(*StdioTransport)

// WithStdioEnv sets extra environment entries for the child process, appended
// to the parent environment.
func WithStdioEnv(env []string) StdioTransportOption {
	return func(t *StdioTransport) {
		t.env = env
	}
}

// WithStdioLogger sets the logger for the transport.
func WithStdioLogger(logger *slog.Logger) StdioTransportOption {
	return func(t *StdioTransport) {
		t.logger = logger
	}
}

// NewStdioTransport creates a transport that will run command with args when
// started.
func NewStdioTransport(command string, args []string, options ...StdioTransportOption) *StdioTransport {
	t := &StdioTransport{
		command:    command,
		args:       args,
		logger:     slog.Default(),
		sessionID:  uuid.New().String(),
		incoming:   make(chan JSONRPCMessage),
		done:       make(chan struct{}),
		readClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Start spawns the child process and begins draining its output streams.
func (t *StdioTransport) Start(ctx context.Context) error {
	cmd := exec.Command(t.command, t.args...)
	if len(t.env) > 0 {
		cmd.Env = append(cmd.Environ(), t.env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &TransportError{Op: "spawn", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &TransportError{Op: "spawn", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &TransportError{Op: "spawn", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &TransportError{Op: "spawn", Err: fmt.Errorf("start %s: %w", t.command, err)}
	}
	t.cmd = cmd
	t.stdin = stdin

	go t.readMessages(stdout)
	go t.drainStderr(stderr)
	go t.waitExit()

	return nil
}

// Send writes one newline-terminated message to the child's stdin. Writes are
// serialized so concurrent requests cannot interleave line fragments.
func (t *StdioTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	msgBs = append(msgBs, '\n')

	select {
	case <-t.done:
		return &TransportError{Op: "write", Err: errors.New("transport closed")}
	case <-ctx.Done():
		return &TransportError{Op: "write", Err: ctx.Err()}
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(msgBs); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Receive returns an iterator over messages decoded off the child's stdout.
func (t *StdioTransport) Receive() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range t.incoming {
			if !yield(msg) {
				return
			}
		}
	}
}

// Close terminates the child process. The stdin close gives a well-behaved
// server the chance to exit on its own; anything still running is killed.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.stdin != nil {
			t.stdin.Close()
		}
		if t.cmd != nil && t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
	})
	return nil
}

// SessionID returns the logical session identity for this child process.
func (t *StdioTransport) SessionID() string {
	return t.sessionID
}

func (t *StdioTransport) readMessages(stdout io.Reader) {
	defer close(t.incoming)
	defer close(t.readClosed)

	// bufio.Reader instead of bufio.Scanner so a large message cannot trip the
	// scanner's token size limit.
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			select {
			case <-t.done:
			default:
				if !errors.Is(err, io.EOF) {
					t.logger.Error("failed to read message", "err", err)
				}
			}
			return
		}

		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			continue
		}

		msg, err := DecodeMessage([]byte(line))
		if err != nil {
			t.logger.Error("failed to decode message", "err", err)
			continue
		}

		select {
		case t.incoming <- msg:
		case <-t.done:
			return
		}
	}
}

func (t *StdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Debug("server stderr", "line", scanner.Text())
	}
}

func (t *StdioTransport) waitExit() {
	// Reap only after the stdout drain is done, so trailing output before a
	// crash is not lost when Wait closes the pipes.
	<-t.readClosed
	err := t.cmd.Wait()

	select {
	case <-t.done:
		// Exit followed an explicit Close.
	default:
		if err != nil {
			t.logger.Error("server process exited", "err", err)
		} else {
			t.logger.Warn("server process exited cleanly without close")
		}
	}
	t.Close()
}
