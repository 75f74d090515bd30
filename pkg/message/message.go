// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

// Package message defines the values exchanged between the host and
// plugins over the message bus.
//
// A message is any type that embeds Header. Concrete message types add
// their own fields; handlers type-test the Message they receive to decide
// whether to act:
//
//	type WindowResized struct {
//		message.Event
//		Width, Height int
//	}
//
//	func (p *myPlugin) OnMessage(m message.Message) {
//		message.On(m, func(e *WindowResized) { p.resize(e.Width, e.Height) })
//	}
package message

import (
	"reflect"
	"time"

	"github.com/oklog/ulid/v2"
)

// State is the lifecycle state of a message within one dispatch.
type State int

// Message states. Handled, Processed, Cancelled, Failed and TimedOut are
// terminal.
const (
	Pending State = iota
	InProgress
	Handled
	Processed
	Cancelled
	Failed
	TimedOut
)

var stateNames = [...]string{
	Pending:    "pending",
	InProgress: "in_progress",
	Handled:    "handled",
	Processed:  "processed",
	Cancelled:  "cancelled",
	Failed:     "failed",
	TimedOut:   "timed_out",
}

// String returns the lower-case name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// IsTerminal reports whether no further dispatch transition is possible.
func (s State) IsTerminal() bool {
	return s >= Handled && s <= TimedOut
}

// Result is the outcome of dispatching a message.
type Result struct {
	Succeeded bool
	Report    string
	Payload   any
}

// PayloadAs returns the result payload viewed as T.
func PayloadAs[T any](r Result) (T, bool) {
	v, ok := r.Payload.(T)
	return v, ok
}

// Callbacks are optional hooks fired once a message reaches a terminal
// state. The state-specific hook fires first and OnProcessed always last.
type Callbacks struct {
	OnHandled   func(Message)
	OnCancelled func(Message)
	OnFailure   func(Message)
	OnTimeout   func(Message)
	OnProcessed func(Message)
}

// Message is implemented by every type that embeds Header.
type Message interface {
	MessageHeader() *Header
}

// Header carries the bookkeeping shared by all messages.
type Header struct {
	// ID is assigned by the dispatcher when left zero.
	ID    ulid.ULID
	State State
	// Result is written by the dispatcher when the message reaches a
	// terminal state.
	Result    Result
	Token     *CancellationToken
	Callbacks Callbacks
	// RequireHandling turns "no handler handled it" into Failed instead of
	// Processed.
	RequireHandling bool
	// Deadline is the wall-clock time after which dispatch stops with
	// TimedOut. Zero means no deadline.
	Deadline time.Time
	// Delay defers a posted message until at least this much time has
	// passed since it was posted.
	Delay time.Duration
	// DelayTicks defers a posted message for this many Process calls.
	DelayTicks int
}

// MessageHeader implements Message.
func (h *Header) MessageHeader() *Header { return h }

// Handle marks the message handled; dispatch stops after the current
// handler returns.
func (h *Header) Handle() {
	h.State = Handled
}

// Fail marks the message failed with reason.
func (h *Header) Fail(reason string) {
	h.State = Failed
	h.Result.Succeeded = false
	h.Result.Report = reason
}

// WithTimeout sets the deadline to now plus d.
func (h *Header) WithTimeout(d time.Duration) {
	h.Deadline = time.Now().Add(d)
}

// Expired reports whether the deadline has passed at now.
func (h *Header) Expired(now time.Time) bool {
	return !h.Deadline.IsZero() && !now.Before(h.Deadline)
}

// Cancelled reports whether the message's token has been cancelled.
func (h *Header) Cancelled() bool {
	return h.Token != nil && h.Token.Cancelled()
}

// Event is a notification; nobody is expected to answer it.
type Event struct {
	Header
}

// Request is a message expecting a typed response from whichever handler
// handles it.
type Request[T any] struct {
	Header
}

// Respond stores v as the response and marks the request handled.
func (r *Request[T]) Respond(v T) {
	r.Result.Payload = v
	r.Handle()
}

// Response returns the response stored by Respond.
func (r *Request[T]) Response() (T, bool) {
	return PayloadAs[T](r.Result)
}

// On calls fn when m has dynamic type T and reports whether it did.
func On[T Message](m Message, fn func(T)) bool {
	v, ok := m.(T)
	if !ok {
		return false
	}
	fn(v)
	return true
}

// TypeName returns the name of m's concrete type without its package.
func TypeName(m Message) string {
	t := reflect.TypeOf(m)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
