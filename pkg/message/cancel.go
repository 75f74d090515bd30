// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package message

import (
	"context"
	"sync"
)

// CancellationSource produces a token and cancels it.
type CancellationSource struct {
	token *CancellationToken
}

// NewCancellationSource returns a source with a fresh, uncancelled token.
func NewCancellationSource() *CancellationSource {
	return &CancellationSource{token: &CancellationToken{done: make(chan struct{})}}
}

// Token returns the token observed by messages.
func (s *CancellationSource) Token() *CancellationToken { return s.token }

// Cancel cancels the token. Safe to call more than once.
func (s *CancellationSource) Cancel() { s.token.cancel() }

// CancellationToken is observed cooperatively by the dispatcher at the
// start of a dispatch and between handlers. A nil token is never
// cancelled.
type CancellationToken struct {
	once sync.Once
	done chan struct{}
}

// TokenFromContext returns a token cancelled when ctx is done.
func TokenFromContext(ctx context.Context) *CancellationToken {
	src := NewCancellationSource()
	context.AfterFunc(ctx, src.Cancel)
	return src.Token()
}

func (t *CancellationToken) cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether the token has been cancelled.
func (t *CancellationToken) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation. A nil token returns nil,
// which blocks forever.
func (t *CancellationToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}
