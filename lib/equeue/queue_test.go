// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package equeue

import (
	"testing"
	"time"

	"github.com/syncthing/fswatch/lib/fsevent"
)

func TestPutGetFIFO(t *testing.T) {
	q := New(4)
	q.Put(fsevent.Event{Kind: fsevent.Created, SrcPath: "/a"}, "w1")
	q.Put(fsevent.Event{Kind: fsevent.Deleted, SrcPath: "/b"}, "w1")

	s1, ok := q.GetTimeout(time.Second)
	if !ok || s1.Event.SrcPath != "/a" {
		t.Fatalf("expected /a first, got %+v ok=%v", s1, ok)
	}
	s2, ok := q.GetTimeout(time.Second)
	if !ok || s2.Event.SrcPath != "/b" {
		t.Fatalf("expected /b second, got %+v ok=%v", s2, ok)
	}
}

func TestOverflowPrecedesNextEvent(t *testing.T) {
	q := New(2)
	q.Put(fsevent.Event{Kind: fsevent.Created, SrcPath: "/a"}, "")
	q.Put(fsevent.Event{Kind: fsevent.Created, SrcPath: "/b"}, "")
	q.Put(fsevent.Event{Kind: fsevent.Created, SrcPath: "/c"}, "") // drops /a, arms overflow

	slot, ok := q.GetTimeout(time.Second)
	if !ok || !slot.Event.IsOverflow() {
		t.Fatalf("expected overflow marker first, got %+v ok=%v", slot, ok)
	}

	slot, ok = q.GetTimeout(time.Second)
	if !ok || slot.Event.SrcPath != "/b" {
		t.Fatalf("expected /b to survive, got %+v ok=%v", slot, ok)
	}

	if q.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", q.Dropped())
	}
}

func TestGetTimeoutExpires(t *testing.T) {
	q := New(4)
	_, ok := q.GetTimeout(10 * time.Millisecond)
	if ok {
		t.Fatal("expected GetTimeout to report no event")
	}
}

func TestCloseWakesWaitingConsumerWithSentinel(t *testing.T) {
	q := New(4)
	done := make(chan Slot, 1)
	go func() {
		slot, _ := q.Get()
		done <- slot
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case slot := <-done:
		if slot != Sentinel {
			t.Fatalf("expected sentinel, got %+v", slot)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not return after Close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	q := New(4)
	q.Close()
	q.Close()
}

func TestPutAfterCloseIsNoop(t *testing.T) {
	q := New(4)
	q.Close()
	q.Put(fsevent.Event{Kind: fsevent.Created, SrcPath: "/a"}, "")

	slot, ok := q.GetTimeout(10 * time.Millisecond)
	if !ok || slot != Sentinel {
		t.Fatalf("expected sentinel after close, got %+v ok=%v", slot, ok)
	}
}
