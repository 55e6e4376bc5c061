// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package dispatcher

import (
	"testing"
	"time"

	"github.com/syncthing/fswatch/lib/equeue"
	"github.com/syncthing/fswatch/lib/fsevent"
)

func TestDispatchInScopeRecursive(t *testing.T) {
	q := equeue.New(16)
	d := New(q)

	var got []fsevent.Event
	watch := fsevent.Watch{ID: "w1", Path: "/tmp/root", Recursive: true}
	d.AddHandler(watch, fsevent.HandlerFunc(func(e fsevent.Event) { got = append(got, e) }))

	go d.Run()
	defer d.Stop()

	q.Put(fsevent.Event{Kind: fsevent.Created, SrcPath: "/tmp/root/a/b.txt"}, "")
	q.Put(fsevent.Event{Kind: fsevent.Created, SrcPath: "/tmp/other/x.txt"}, "")

	deadline := time.Now().Add(time.Second)
	for len(got) < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 dispatched event, got %d", len(got))
	}
	if got[0].SrcPath != "/tmp/root/a/b.txt" {
		t.Fatalf("unexpected event: %+v", got[0])
	}
}

func TestDispatchNonRecursiveExcludesSubdirs(t *testing.T) {
	q := equeue.New(16)
	d := New(q)

	var got []fsevent.Event
	watch := fsevent.Watch{ID: "w1", Path: "/tmp/root", Recursive: false}
	d.AddHandler(watch, fsevent.HandlerFunc(func(e fsevent.Event) { got = append(got, e) }))

	go d.Run()
	defer d.Stop()

	q.Put(fsevent.Event{Kind: fsevent.Created, SrcPath: "/tmp/root/direct.txt"}, "")
	q.Put(fsevent.Event{Kind: fsevent.Created, SrcPath: "/tmp/root/sub/nested.txt"}, "")

	deadline := time.Now().Add(time.Second)
	for len(got) < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	// Give the (excluded) second event a chance to have been processed too.
	time.Sleep(20 * time.Millisecond)

	if len(got) != 1 {
		t.Fatalf("expected 1 dispatched event, got %d: %+v", len(got), got)
	}
	if got[0].SrcPath != "/tmp/root/direct.txt" {
		t.Fatalf("unexpected event: %+v", got[0])
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	q := equeue.New(16)
	d := New(q)

	var secondCalled bool
	watch := fsevent.Watch{ID: "w1", Path: "/tmp/root", Recursive: true}
	d.AddHandler(watch, fsevent.HandlerFunc(func(e fsevent.Event) { panic("boom") }))
	d.AddHandler(watch, fsevent.HandlerFunc(func(e fsevent.Event) { secondCalled = true }))

	go d.Run()
	defer d.Stop()

	q.Put(fsevent.Event{Kind: fsevent.Created, SrcPath: "/tmp/root/a.txt"}, "")

	deadline := time.Now().Add(time.Second)
	for !secondCalled && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !secondCalled {
		t.Fatal("second handler should still run after the first panics")
	}
}

func TestOverflowDeliveredToEveryHandler(t *testing.T) {
	q := equeue.New(1)
	d := New(q)

	var count int
	watch := fsevent.Watch{ID: "w1", Path: "/tmp/root", Recursive: true}
	d.AddHandler(watch, fsevent.HandlerFunc(func(e fsevent.Event) {
		if e.IsOverflow() {
			count++
		}
	}))

	go d.Run()
	defer d.Stop()

	q.Put(fsevent.Event{Kind: fsevent.Created, SrcPath: "/tmp/root/a"}, "")
	q.Put(fsevent.Event{Kind: fsevent.Created, SrcPath: "/tmp/root/b"}, "")

	deadline := time.Now().Add(time.Second)
	for count < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if count != 1 {
		t.Fatalf("expected overflow delivered once, got %d", count)
	}
}
