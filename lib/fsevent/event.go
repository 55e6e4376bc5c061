// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package fsevent defines the value types shared by every adapter, the
// grouper, the queue, the dispatcher and the observer facade: the
// normalized Event, the Watch registration record, and the Handler
// capability a dispatcher invokes.
package fsevent

import "fmt"

// Kind is one of the uniform event kinds every adapter normalizes its raw
// platform notifications into.
type Kind int

const (
	Created Kind = iota
	Deleted
	Modified
	Moved
	Opened
	ClosedNoWrite
	ClosedWrite

	// overflow is an internal sentinel Kind used only by the Overflow
	// marker value below; it is never produced by an adapter.
	overflow
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Deleted:
		return "deleted"
	case Modified:
		return "modified"
	case Moved:
		return "moved"
	case Opened:
		return "opened"
	case ClosedNoWrite:
		return "closed_no_write"
	case ClosedWrite:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is an immutable record describing one filesystem change, already
// normalized from whatever the native adapter produced.
//
// Invariant: for Kind == Moved, SrcPath != DestPath and both are absolute.
// For every other Kind, DestPath is empty. SrcPath is never empty.
type Event struct {
	Kind        Kind
	IsDirectory bool
	SrcPath     string
	DestPath    string
	// IsSynthetic is true when the event was produced by diffing two
	// Snapshots, or synthesized by an adapter (such as the deletions of a
	// removed directory's descendants), rather than delivered by a live
	// kernel notification.
	IsSynthetic bool
}

func (e Event) String() string {
	if e.Kind == Moved {
		return fmt.Sprintf("%s %s -> %s", e.Kind, e.SrcPath, e.DestPath)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.SrcPath)
}

// Overflow is the distinguished event signalling that the queue dropped
// one or more events before this one. It carries no path information; a
// handler that needs completeness should respond by rescanning from a
// fresh Snapshot.
var Overflow = Event{Kind: overflow}

// IsOverflow reports whether e is the distinguished overflow marker.
func (e Event) IsOverflow() bool {
	return e.Kind == overflow
}

// WatchID uniquely identifies a Watch within one Observer.
type WatchID string

// Watch is a request to observe a path, along with the adapter-level
// kernel registration it is bound to once scheduled.
type Watch struct {
	ID        WatchID
	Path      string
	Recursive bool
}

// Handler is the capability the dispatcher invokes for events whose path
// falls under a Watch it is attached to. Filter is called first; Dispatch
// runs only if Filter returns true. The overflow marker is dispatched to
// every handler without consulting Filter.
type Handler interface {
	Filter(Event) bool
	Dispatch(Event)
}

// HandlerFunc adapts a plain function to the Handler interface for
// callers that don't need a filter.
type HandlerFunc func(Event)

func (f HandlerFunc) Filter(Event) bool { return true }
func (f HandlerFunc) Dispatch(e Event)  { f(e) }
