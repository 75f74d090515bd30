// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

// Package bus implements the message coordinator that carries messages
// between the host and plugins.
//
// Handlers run in registration order against a snapshot of the handler
// table. Send dispatches on the caller's goroutine; Post queues a copy
// of the message that is dispatched by the next Process call. The handler
// table and the pending queue are guarded by separate locks, and no lock
// is held while handlers run, so a handler may post, register or
// deregister without deadlocking.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/toybox/toybox/pkg/errutil"
	"github.com/toybox/toybox/pkg/message"
)

var tracer = otel.Tracer("toybox/bus")

// Result reports used when a handler did not supply its own.
const (
	ReasonFailed                = "Message processing failed."
	ReasonTimedOut              = "Message processing timed out."
	ReasonCancelled             = "Message was cancelled."
	ReasonNoHandlers            = "Message required handling but no handlers are registered."
	ReasonUnhandled             = "Message required handling but no handlers completed it."
	ReasonUnknownPanic          = "Unknown exception during message dispatch."
	ReasonTimedOutBeforeStart   = "Message timed out before dispatch began."
	ReasonTimedOutDuring        = "Message timed out during dispatch."
	ReasonTimedOutBeforeDeliver = "Message timed out before delivery."
	ReasonSendDelayed           = "Send does not support delayed delivery."
	ReasonBothDelays            = "Message cannot specify both tick and time delays."
	ReasonEnqueueFailed         = "Unknown exception while queuing message."
)

// Compile-time interface check.
var _ message.Dispatcher = (*Coordinator)(nil)

type handlerEntry struct {
	id message.HandlerID
	fn message.Handler
}

// queued is a posted message waiting for Process.
type queued struct {
	msg      message.Message
	original message.Message
	future   *message.Future
	enqueued time.Time
	ticks    int
}

// Coordinator registers handlers and delivers messages to them.
type Coordinator struct {
	handlersMu sync.RWMutex
	handlers   []handlerEntry

	queueMu sync.Mutex
	queue   []*queued

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Coordinator during construction.
type Option func(*Coordinator)

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces time.Now for deadline and delay checks.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates an empty coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register appends h to the dispatch order and returns its ID. A nil
// handler is ignored and yields the zero ID.
func (c *Coordinator) Register(h message.Handler) message.HandlerID {
	if h == nil {
		c.logger.Warn("ignoring nil message handler")
		return message.HandlerID{}
	}

	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	id := message.NewHandlerID()
	next := make([]handlerEntry, len(c.handlers), len(c.handlers)+1)
	copy(next, c.handlers)
	c.handlers = append(next, handlerEntry{id: id, fn: h})
	return id
}

// Deregister removes the handler with the given ID. Dispatches already
// running keep their snapshot; the removal applies from the next one.
func (c *Coordinator) Deregister(id message.HandlerID) bool {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	next := make([]handlerEntry, 0, len(c.handlers))
	for _, e := range c.handlers {
		if e.id != id {
			next = append(next, e)
		}
	}
	removed := len(next) != len(c.handlers)
	c.handlers = next
	return removed
}

// Handlers returns the number of registered handlers.
func (c *Coordinator) Handlers() int {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return len(c.handlers)
}

// Pending returns the number of posted messages awaiting Process.
func (c *Coordinator) Pending() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}

// maxClearRounds bounds how many times Clear drains the queue while
// handlers keep posting.
const maxClearRounds = 64

// Clear delivers every pending message, delayed ones included, and then
// removes all handlers. Messages posted by handlers during Clear are
// delivered too, up to maxClearRounds drains; whatever is still queued
// after that completes with no handlers registered.
func (c *Coordinator) Clear() {
	for range maxClearRounds {
		if c.Pending() == 0 {
			break
		}
		c.drain(true)
	}

	c.handlersMu.Lock()
	c.handlers = nil
	c.handlersMu.Unlock()

	if n := c.Pending(); n > 0 {
		c.logger.Warn("messages still posted after clear rounds", "pending", n)
		c.drain(true)
	}
}

// snapshot returns the current handler table. Register and Deregister
// replace the slice rather than mutating it, so the result stays stable.
func (c *Coordinator) snapshot() []handlerEntry {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers
}

// Send dispatches m on the calling goroutine and returns its result.
func (c *Coordinator) Send(m message.Message) message.Result {
	h := m.MessageHeader()
	if h.ID.IsZero() {
		h.ID = message.NewID()
	}

	if h.Delay > 0 || h.DelayTicks > 0 {
		c.finish(m, message.Failed, ReasonSendDelayed, ModeSend)
		return h.Result
	}

	c.dispatch(m, ModeSend)
	return h.Result
}

// Post queues a copy of m and returns a future completed by Process. The
// copy keeps the dynamic type of m; once the future completes, the state
// and result of m mirror those of the delivered copy.
func (c *Coordinator) Post(m message.Message) *message.Future {
	future := message.NewFuture()
	h := m.MessageHeader()
	if h.ID.IsZero() {
		h.ID = message.NewID()
	}

	if h.Delay > 0 && h.DelayTicks > 0 {
		c.finish(m, message.Failed, ReasonBothDelays, ModePost)
		future.Complete(h.Result)
		return future
	}

	h.State = message.Pending
	cp, err := clone(m)
	if err != nil {
		errutil.LogError(c.logger, "failed to queue message", err)
		c.finish(m, message.Failed, ReasonEnqueueFailed, ModePost)
		future.Complete(h.Result)
		return future
	}

	c.queueMu.Lock()
	c.queue = append(c.queue, &queued{
		msg:      cp,
		original: m,
		future:   future,
		enqueued: c.now(),
		ticks:    h.DelayTicks,
	})
	SetQueueDepth(len(c.queue))
	c.queueMu.Unlock()

	return future
}

// Process delivers the messages posted before the call, in posting order.
// Messages posted while it runs wait for the next call. Delayed messages
// that are not yet due are queued again.
func (c *Coordinator) Process() {
	c.drain(false)
}

func (c *Coordinator) drain(flush bool) {
	c.queueMu.Lock()
	batch := c.queue
	c.queue = nil
	c.queueMu.Unlock()

	for _, q := range batch {
		c.deliver(q, flush)
	}

	c.queueMu.Lock()
	SetQueueDepth(len(c.queue))
	c.queueMu.Unlock()
}

func (c *Coordinator) deliver(q *queued, flush bool) {
	h := q.msg.MessageHeader()
	now := c.now()

	switch {
	case h.Cancelled():
		c.finish(q.msg, message.Cancelled, "", ModePost)
	case h.Expired(now):
		c.finish(q.msg, message.TimedOut, ReasonTimedOutBeforeDeliver, ModePost)
	case !flush && q.ticks > 0:
		q.ticks--
		c.requeue(q)
		return
	case !flush && h.Delay > 0 && now.Sub(q.enqueued) < h.Delay:
		c.requeue(q)
		return
	default:
		c.dispatch(q.msg, ModePost)
	}

	orig := q.original.MessageHeader()
	orig.State = h.State
	orig.Result = h.Result
	q.future.Complete(h.Result)
}

func (c *Coordinator) requeue(q *queued) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	c.queue = append(c.queue, q)
}

// dispatch runs the handler snapshot over m and leaves m in a terminal state.
func (c *Coordinator) dispatch(m message.Message, mode string) {
	h := m.MessageHeader()
	handlers := c.snapshot()
	start := c.now()

	_, span := tracer.Start(context.Background(), "bus.dispatch",
		trace.WithAttributes(
			attribute.String("message.type", fmt.Sprintf("%T", m)),
			attribute.String("message.id", h.ID.String()),
			attribute.String("bus.mode", mode),
		),
	)
	defer func() {
		span.SetAttributes(attribute.String("message.state", h.State.String()))
		span.End()
		RecordDispatchDuration(mode, c.now().Sub(start))
	}()

	if h.Cancelled() {
		c.finish(m, message.Cancelled, "", mode)
		return
	}
	if h.Expired(start) {
		c.finish(m, message.TimedOut, ReasonTimedOutBeforeStart, mode)
		return
	}

	h.State = message.InProgress
	h.Result = message.Result{}

	if len(handlers) == 0 {
		if h.RequireHandling {
			c.finish(m, message.Failed, ReasonNoHandlers, mode)
		} else {
			c.finish(m, message.Processed, "", mode)
		}
		return
	}

	for _, e := range handlers {
		if h.Cancelled() {
			c.finish(m, message.Cancelled, "", mode)
			return
		}
		if h.Expired(c.now()) {
			c.finish(m, message.TimedOut, ReasonTimedOutDuring, mode)
			return
		}

		if reason, panicked := invoke(e.fn, m); panicked {
			c.logger.Error("message handler panicked",
				"message_id", h.ID.String(),
				"message_type", fmt.Sprintf("%T", m),
				"handler_id", e.id.String(),
				"error", reason)
			c.finish(m, message.Failed, reason, mode)
			return
		}

		if h.State.IsTerminal() {
			c.finish(m, h.State, "", mode)
			return
		}
		// A handler may only finish the message; anything else is undone.
		h.State = message.InProgress
	}

	switch {
	case h.Expired(c.now()):
		c.finish(m, message.TimedOut, ReasonTimedOutDuring, mode)
	case h.RequireHandling:
		c.finish(m, message.Failed, ReasonUnhandled, mode)
	default:
		c.finish(m, message.Processed, "", mode)
	}
}

// invoke calls fn and converts a panic into a failure reason.
func invoke(fn message.Handler, m message.Message) (reason string, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			reason = panicReason(r)
		}
	}()
	fn(m)
	return "", false
}

func panicReason(r any) string {
	switch v := r.(type) {
	case error:
		return v.Error()
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return ReasonUnknownPanic
	}
}

// finish moves m to the terminal state, fills in its result and fires
// callbacks: the state-specific one first, OnProcessed last.
func (c *Coordinator) finish(m message.Message, state message.State, reason, mode string) {
	h := m.MessageHeader()
	h.State = state

	switch state {
	case message.Handled, message.Processed:
		h.Result.Succeeded = true
		h.Result.Report = reason
	default:
		if reason == "" {
			reason = h.Result.Report
		}
		if reason == "" {
			reason = defaultReason(state)
		}
		h.Result.Succeeded = false
		h.Result.Report = reason

		switch state {
		case message.Failed:
			c.logger.Warn("message failed", "message_id", h.ID.String(), "reason", reason)
		case message.TimedOut:
			c.logger.Warn("message timed out", "message_id", h.ID.String(), "reason", reason)
		}
	}

	RecordMessage(mode, state.String())

	cb := h.Callbacks
	switch state {
	case message.Handled:
		c.callback("on_handled", cb.OnHandled, m)
	case message.Cancelled:
		c.callback("on_cancelled", cb.OnCancelled, m)
	case message.Failed:
		c.callback("on_failure", cb.OnFailure, m)
	case message.TimedOut:
		c.callback("on_timeout", cb.OnTimeout, m)
	}
	c.callback("on_processed", cb.OnProcessed, m)
}

func defaultReason(state message.State) string {
	switch state {
	case message.TimedOut:
		return ReasonTimedOut
	case message.Cancelled:
		return ReasonCancelled
	default:
		return ReasonFailed
	}
}

func (c *Coordinator) callback(name string, fn func(message.Message), m message.Message) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message callback panicked",
				"callback", name,
				"message_id", m.MessageHeader().ID.String(),
				"error", panicReason(r))
		}
	}()
	fn(m)
}

// clone makes a shallow copy of the struct behind m, keeping its dynamic
// type. The cancellation token and callbacks are shared with m.
func clone(m message.Message) (message.Message, error) {
	v := reflect.ValueOf(m)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return nil, oops.In("bus").
			Code("BUS_CLONE_FAILED").
			With("type", fmt.Sprintf("%T", m)).
			Errorf("posted message must be a non-nil pointer")
	}
	cp := reflect.New(v.Elem().Type())
	cp.Elem().Set(v.Elem())
	out, ok := cp.Interface().(message.Message)
	if !ok {
		return nil, oops.In("bus").
			Code("BUS_CLONE_FAILED").
			With("type", fmt.Sprintf("%T", m)).
			Errorf("copy of posted message does not implement message.Message")
	}
	return out, nil
}
