// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package message

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/oops"
)

// Handler receives every dispatched message and mutates its header to
// report the outcome.
type Handler func(Message)

// HandlerID identifies a registered handler.
type HandlerID uuid.UUID

// NewHandlerID returns a random handler ID.
func NewHandlerID() HandlerID { return HandlerID(uuid.New()) }

func (id HandlerID) String() string { return uuid.UUID(id).String() }

// Dispatcher delivers messages to registered handlers.
type Dispatcher interface {
	// Register appends h to the dispatch order.
	Register(h Handler) HandlerID
	// Deregister removes a handler; it reports whether the ID was known.
	Deregister(id HandlerID) bool
	// Send dispatches m on the caller's goroutine and returns its result.
	Send(m Message) Result
	// Post queues a copy of m for the next Process call.
	Post(m Message) *Future
}

// Future completes with the result of a posted message.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result Result
}

// NewFuture returns an incomplete future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete stores r and releases waiters. Only the first call wins.
func (f *Future) Complete(r Result) {
	f.once.Do(func() {
		f.result = r
		close(f.done)
	})
}

// Done returns a channel closed once the future completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the result if the future has completed.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the future completes or ctx ends.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, oops.In("message").Wrapf(ctx.Err(), "waiting for message result")
	}
}
