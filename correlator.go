package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// correlator owns the pending-request table for one session. It hands out
// monotonically increasing request IDs, routes inbound responses to the caller
// that is waiting on them, and fans notifications out to registered handlers
// on a single ordered dispatch queue.
//
// The pending table is the only state in the engine mutated from multiple
// concurrent call sites; every insert, lookup, and removal happens under mu.
type correlator struct {
	logger *slog.Logger

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[MessageID]*pendingRequest
	closed   bool
	closeErr error

	handlersMu  sync.Mutex
	handlers    []registeredHandler
	nextHandler int

	notifications chan JSONRPCMessage
	done          chan struct{}
	dispatchDone  chan struct{}
}

// pendingRequest tracks one outstanding request from send until resolution.
type pendingRequest struct {
	id       MessageID
	method   string
	issuedAt time.Time
	// result carries the matching response; buffered so the router never blocks
	// on a caller that is already giving up.
	result chan JSONRPCMessage
}

type registeredHandler struct {
	id int
	fn NotificationHandler
}

func newCorrelator(logger *slog.Logger) *correlator {
	c := &correlator{
		logger:        logger,
		pending:       make(map[MessageID]*pendingRequest),
		notifications: make(chan JSONRPCMessage, 64),
		done:          make(chan struct{}),
		dispatchDone:  make(chan struct{}),
	}
	go c.dispatchLoop()
	return c
}

// nextMessageID returns a request ID never used before on this session.
func (c *correlator) nextMessageID() MessageID {
	return MessageID(strconv.FormatInt(c.nextID.Add(1), 10))
}

// register creates a pending entry for an outgoing request. It must be called
// before the request hits the wire so a fast response cannot race past it.
func (c *correlator) register(id MessageID, method string) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.closeErr
	}
	pr := &pendingRequest{
		id:       id,
		method:   method,
		issuedAt: time.Now(),
		result:   make(chan JSONRPCMessage, 1),
	}
	c.pending[id] = pr
	return pr, nil
}

// remove drops the pending entry for id, reporting whether it was still there.
func (c *correlator) remove(id MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	return ok
}

// resolve routes an inbound response to its waiting caller. Responses whose ID
// matches no outstanding request, typically late arrivals after a timeout, are
// discarded with a logged anomaly.
func (c *correlator) resolve(msg JSONRPCMessage) {
	c.mu.Lock()
	pr, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("discarding response with no pending request", "id", string(msg.ID))
		return
	}
	pr.result <- msg
}

// await blocks until the request resolves, times out, or is cancelled. On
// timeout or cancellation the pending entry is removed first, so a response
// arriving afterwards is discarded rather than delivered twice.
func (c *correlator) await(ctx context.Context, pr *pendingRequest, timeout time.Duration) (JSONRPCMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-pr.result:
		return msg, nil
	case <-timer.C:
		if c.remove(pr.id) {
			return JSONRPCMessage{}, fmt.Errorf("%w: no response to %q within %s", ErrTimeout, pr.method, timeout)
		}
		// The response landed between the timer firing and the removal.
		return <-pr.result, nil
	case <-ctx.Done():
		if c.remove(pr.id) {
			return JSONRPCMessage{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return <-pr.result, nil
	case <-c.done:
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		return JSONRPCMessage{}, err
	}
}

// onNotification registers a handler and returns its unsubscribe func, so
// handlers do not accumulate across reconnects.
func (c *correlator) onNotification(fn NotificationHandler) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.nextHandler++
	id := c.nextHandler
	c.handlers = append(c.handlers, registeredHandler{id: id, fn: fn})

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		for i, h := range c.handlers {
			if h.id == id {
				c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

// dispatchNotification queues an inbound notification for ordered delivery.
func (c *correlator) dispatchNotification(msg JSONRPCMessage) {
	select {
	case c.notifications <- msg:
	case <-c.done:
	}
}

// dispatchLoop drains the notification queue on a single goroutine, so
// handlers observe wire order and never run concurrently with each other.
func (c *correlator) dispatchLoop() {
	defer close(c.dispatchDone)
	for {
		select {
		case msg := <-c.notifications:
			c.handlersMu.Lock()
			handlers := make([]registeredHandler, len(c.handlers))
			copy(handlers, c.handlers)
			c.handlersMu.Unlock()

			for _, h := range handlers {
				h.fn(msg.Method, msg.Params)
			}
		case <-c.done:
			return
		}
	}
}

// closeWith fails every still-pending request with err and stops dispatch.
// Subsequent calls are no-ops; the first error wins.
func (c *correlator) closeWith(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	// Clear the table so a late response cannot resolve anything; waiters
	// blocked in await observe done and pick up closeErr instead.
	c.pending = make(map[MessageID]*pendingRequest)
	c.mu.Unlock()

	close(c.done)
	<-c.dispatchDone
}
