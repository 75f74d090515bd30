// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package message_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toybox/toybox/pkg/message"
)

type resized struct {
	message.Event
	Width int
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state message.State
		want  string
	}{
		{message.Pending, "pending"},
		{message.InProgress, "in_progress"},
		{message.Handled, "handled"},
		{message.Processed, "processed"},
		{message.Cancelled, "cancelled"},
		{message.Failed, "failed"},
		{message.TimedOut, "timed_out"},
		{message.State(42), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}

func TestState_IsTerminal(t *testing.T) {
	assert.False(t, message.Pending.IsTerminal())
	assert.False(t, message.InProgress.IsTerminal())
	for _, s := range []message.State{message.Handled, message.Processed, message.Cancelled, message.Failed, message.TimedOut} {
		assert.True(t, s.IsTerminal(), s.String())
	}
}

func TestHeader_FailSetsReport(t *testing.T) {
	m := &resized{}
	m.Fail("bad size")

	assert.Equal(t, message.Failed, m.State)
	assert.False(t, m.Result.Succeeded)
	assert.Equal(t, "bad size", m.Result.Report)
}

func TestHeader_Expired(t *testing.T) {
	var h message.Header
	assert.False(t, h.Expired(time.Now()), "zero deadline never expires")

	h.WithTimeout(-time.Second)
	assert.True(t, h.Expired(time.Now()))

	h.WithTimeout(time.Hour)
	assert.False(t, h.Expired(time.Now()))
}

func TestOn_MatchesDynamicType(t *testing.T) {
	var got int
	m := &resized{Width: 640}

	assert.True(t, message.On(m, func(r *resized) { got = r.Width }))
	assert.Equal(t, 640, got)

	assert.False(t, message.On(&message.Event{}, func(*resized) { t.Fatal("must not be called") }))
}

func TestRequest_RespondStoresPayload(t *testing.T) {
	req := &message.Request[string]{}
	_, ok := req.Response()
	assert.False(t, ok)

	req.Respond("pong")

	assert.Equal(t, message.Handled, req.State)
	got, ok := req.Response()
	require.True(t, ok)
	assert.Equal(t, "pong", got)
}

func TestCancellationToken(t *testing.T) {
	var nilToken *message.CancellationToken
	assert.False(t, nilToken.Cancelled())
	assert.Nil(t, nilToken.Done())

	src := message.NewCancellationSource()
	tok := src.Token()
	assert.False(t, tok.Cancelled())

	src.Cancel()
	src.Cancel()
	assert.True(t, tok.Cancelled())
	<-tok.Done()
}

func TestTokenFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tok := message.TokenFromContext(ctx)
	assert.False(t, tok.Cancelled())

	cancel()
	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("token not cancelled after context cancel")
	}
}

func TestFuture(t *testing.T) {
	f := message.NewFuture()
	_, ok := f.Result()
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	require.Error(t, err)

	f.Complete(message.Result{Succeeded: true, Report: "first"})
	f.Complete(message.Result{Report: "second"})

	r, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Succeeded)
	assert.Equal(t, "first", r.Report)
}

func TestNewID_Sortable(t *testing.T) {
	a := message.NewID()
	b := message.NewID()
	assert.NotEqual(t, a, b)
	assert.LessOrEqual(t, a.String(), b.String())

	parsed, err := message.ParseID(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = message.ParseID("nope")
	assert.Error(t, err)
}

func TestHandlerID_Unique(t *testing.T) {
	assert.NotEqual(t, message.NewHandlerID(), message.NewHandlerID())
	assert.Len(t, message.NewHandlerID().String(), 36)
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "resized", message.TypeName(&resized{}))
	assert.Equal(t, "Event", message.TypeName(&message.Event{}))
}
