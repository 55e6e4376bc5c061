// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package observer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/syncthing/fswatch/lib/adapter"
	"github.com/syncthing/fswatch/lib/equeue"
	"github.com/syncthing/fswatch/lib/fsevent"
)

// fakeAdapter is a minimal in-memory adapter.Adapter double for
// exercising the facade without any real kernel resource.
type fakeAdapter struct {
	added   []fsevent.Watch
	removed []fsevent.WatchID
	queue   *equeue.Queue
}

func (f *fakeAdapter) Start(_ context.Context, queue *equeue.Queue) error {
	f.queue = queue
	return nil
}
func (f *fakeAdapter) Stop() {}
func (f *fakeAdapter) AddWatch(w fsevent.Watch) error {
	f.added = append(f.added, w)
	return nil
}
func (f *fakeAdapter) RemoveWatch(id fsevent.WatchID) error {
	f.removed = append(f.removed, id)
	return nil
}
func (f *fakeAdapter) Name() string { return "fake" }
func (f *fakeAdapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{}
}

func TestScheduleReusesEquivalentWatch(t *testing.T) {
	dir := t.TempDir()
	fa := &fakeAdapter{}
	o := NewWithAdapter(fa)
	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	defer o.Stop()

	var calls1, calls2 int
	h1 := fsevent.HandlerFunc(func(e fsevent.Event) { calls1++ })
	h2 := fsevent.HandlerFunc(func(e fsevent.Event) { calls2++ })

	w1, err := o.Schedule(h1, dir, true)
	if err != nil {
		t.Fatal(err)
	}
	w2, err := o.Schedule(h2, dir, true)
	if err != nil {
		t.Fatal(err)
	}

	if w1.ID != w2.ID {
		t.Fatalf("expected the same watch to be reused, got %v and %v", w1.ID, w2.ID)
	}
	if len(fa.added) != 1 {
		t.Fatalf("expected exactly 1 kernel watch registration, got %d", len(fa.added))
	}
}

func TestScheduleFailsOnMissingPath(t *testing.T) {
	fa := &fakeAdapter{}
	o := NewWithAdapter(fa)
	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	defer o.Stop()

	_, err := o.Schedule(fsevent.HandlerFunc(func(fsevent.Event) {}), "/does/not/exist/at/all", false)
	if err == nil {
		t.Fatal("expected an error for a missing path")
	}
}

func TestUnscheduleAllRemovesEveryWatch(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	fa := &fakeAdapter{}
	o := NewWithAdapter(fa)
	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	defer o.Stop()

	if _, err := o.Schedule(fsevent.HandlerFunc(func(fsevent.Event) {}), dirA, true); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Schedule(fsevent.HandlerFunc(func(fsevent.Event) {}), dirB, true); err != nil {
		t.Fatal(err)
	}

	o.UnscheduleAll()

	if len(fa.removed) != 2 {
		t.Fatalf("expected 2 watch removals, got %d", len(fa.removed))
	}
}

func TestEndToEndDispatchThroughFakeAdapter(t *testing.T) {
	dir := t.TempDir()
	fa := &fakeAdapter{}
	o := NewWithAdapter(fa)
	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	defer o.Stop()

	var got []fsevent.Event
	done := make(chan struct{}, 1)
	h := fsevent.HandlerFunc(func(e fsevent.Event) {
		got = append(got, e)
		done <- struct{}{}
	})
	if _, err := o.Schedule(h, dir, true); err != nil {
		t.Fatal(err)
	}

	fa.queue.Put(fsevent.Event{Kind: fsevent.Created, SrcPath: dir + "/new.txt"}, "")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	if len(got) != 1 || got[0].Kind != fsevent.Created {
		t.Fatalf("unexpected dispatched events: %+v", got)
	}
}

func TestRecentLogsCapturesFacadeWarnings(t *testing.T) {
	fa := &fakeAdapter{}
	o := NewWithAdapter(fa)
	before := time.Now().Add(-time.Minute)

	l.Warnf("synthetic warning for recorder regression test")

	lines := o.RecentLogs(before)
	for _, line := range lines {
		if strings.Contains(line.Message, "synthetic warning for recorder regression test") {
			return
		}
	}
	t.Fatalf("expected RecentLogs to contain the synthetic warning, got %+v", lines)
}
