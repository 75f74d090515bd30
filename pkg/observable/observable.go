// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

// Package observable wraps a value so that every change is announced on
// the message bus as a PropertyChangedEvent.
package observable

import (
	"github.com/toybox/toybox/pkg/message"
)

// PropertyChangedEvent announces that Member of Owner changed from
// Previous to Current. The first event of an observable has Previous equal
// to Current.
type PropertyChangedEvent[O, P any] struct {
	message.Event
	Member   string
	Owner    *O
	Previous P
	Current  P
}

// Observable holds a property value of type P belonging to an O.
// Writes must be serialised by the caller.
type Observable[O, P any] struct {
	dispatcher message.Dispatcher
	owner      *O
	member     string
	value      P
	equal      func(a, b P) bool
}

// New creates an observable compared with ==. The initial value is
// announced immediately so late subscribers can hydrate from it.
func New[O any, P comparable](d message.Dispatcher, owner *O, member string, initial P) *Observable[O, P] {
	return NewFunc(d, owner, member, initial, func(a, b P) bool { return a == b })
}

// NewFunc creates an observable compared with equal. A nil equal treats
// every write as a change.
func NewFunc[O, P any](d message.Dispatcher, owner *O, member string, initial P, equal func(a, b P) bool) *Observable[O, P] {
	o := &Observable[O, P]{
		dispatcher: d,
		owner:      owner,
		member:     member,
		value:      initial,
		equal:      equal,
	}
	o.notify(initial, initial)
	return o
}

// Get returns the current value.
func (o *Observable[O, P]) Get() P { return o.value }

// Member returns the member identifier.
func (o *Observable[O, P]) Member() string { return o.member }

// Owner returns the owning object.
func (o *Observable[O, P]) Owner() *O { return o.owner }

// Set stores v. It reports whether the value changed; an unchanged value
// sends nothing.
func (o *Observable[O, P]) Set(v P) bool {
	if o.equal != nil && o.equal(o.value, v) {
		return false
	}
	prev := o.value
	o.value = v
	o.notify(prev, v)
	return true
}

func (o *Observable[O, P]) notify(prev, cur P) {
	if o.dispatcher == nil {
		return
	}
	o.dispatcher.Send(&PropertyChangedEvent[O, P]{
		Member:   o.member,
		Owner:    o.owner,
		Previous: prev,
		Current:  cur,
	})
}

// OnPropertyChanged calls fn when m is a PropertyChangedEvent for the given
// owner and member. A nil owner matches any owner; an empty member matches
// any member.
func OnPropertyChanged[O, P any](m message.Message, owner *O, member string, fn func(*PropertyChangedEvent[O, P])) bool {
	e, ok := m.(*PropertyChangedEvent[O, P])
	if !ok {
		return false
	}
	if owner != nil && e.Owner != owner {
		return false
	}
	if member != "" && e.Member != member {
		return false
	}
	fn(e)
	return true
}
