// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build linux

package inotify

import (
	"context"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/syncthing/fswatch/lib/equeue"
	"github.com/syncthing/fswatch/lib/fsevent"
	"github.com/syncthing/fswatch/lib/sync"
)

func newTestAdapter() *Adapter {
	a := &Adapter{
		mut:     sync.NewMutex(),
		fd:      -1,
		byWD:    make(map[int32]*dirWatch),
		byPath:  make(map[string]*dirWatch),
		watches: make(map[fsevent.WatchID]fsevent.Watch),
	}
	a.queue = equeue.New(64)
	return a
}

func TestRemoveDescendantsRemovesPrefixedPathsOnly(t *testing.T) {
	a := newTestAdapter()
	a.byPath["/tmp/root"] = &dirWatch{path: "/tmp/root", wd: 1, watchIDs: map[fsevent.WatchID]struct{}{"w": {}}}
	a.byPath["/tmp/root/sub"] = &dirWatch{path: "/tmp/root/sub", wd: 2, watchIDs: map[fsevent.WatchID]struct{}{"w": {}}}
	a.byPath["/tmp/rootsibling"] = &dirWatch{path: "/tmp/rootsibling", wd: 3, watchIDs: map[fsevent.WatchID]struct{}{"w": {}}}
	a.byWD[1] = a.byPath["/tmp/root"]
	a.byWD[2] = a.byPath["/tmp/root/sub"]
	a.byWD[3] = a.byPath["/tmp/rootsibling"]

	a.removeDescendants(a.byPath["/tmp/root"])

	if _, ok := a.byPath["/tmp/root"]; ok {
		t.Fatal("root should have been removed")
	}
	if _, ok := a.byPath["/tmp/root/sub"]; ok {
		t.Fatal("descendant should have been removed")
	}
	if _, ok := a.byPath["/tmp/rootsibling"]; !ok {
		t.Fatal("sibling with shared path prefix but not a real descendant must survive")
	}

	var deletions int
	for {
		slot, ok := a.queue.GetTimeout(0)
		if !ok {
			break
		}
		if slot.Event.Kind != fsevent.Deleted || !slot.Event.IsSynthetic {
			t.Fatalf("expected synthetic deletion, got %+v", slot.Event)
		}
		deletions++
	}
	if deletions != 2 {
		t.Fatalf("expected 2 synthetic deletions, got %d", deletions)
	}
}

func TestRemoveDescendantsClosesDeepestFirst(t *testing.T) {
	a := newTestAdapter()
	a.byPath["/tmp/root"] = &dirWatch{path: "/tmp/root", wd: 1, watchIDs: map[fsevent.WatchID]struct{}{"w": {}}}
	a.byPath["/tmp/root/sub"] = &dirWatch{path: "/tmp/root/sub", wd: 2, watchIDs: map[fsevent.WatchID]struct{}{"w": {}}}
	a.byPath["/tmp/root/sub/sub2"] = &dirWatch{path: "/tmp/root/sub/sub2", wd: 3, watchIDs: map[fsevent.WatchID]struct{}{"w": {}}}
	a.byWD[1] = a.byPath["/tmp/root"]
	a.byWD[2] = a.byPath["/tmp/root/sub"]
	a.byWD[3] = a.byPath["/tmp/root/sub/sub2"]

	a.removeDescendants(a.byPath["/tmp/root"])

	var order []string
	for {
		slot, ok := a.queue.GetTimeout(0)
		if !ok {
			break
		}
		order = append(order, slot.Event.SrcPath)
	}

	want := []string{"/tmp/root/sub/sub2", "/tmp/root/sub", "/tmp/root"}
	if len(order) != len(want) {
		t.Fatalf("expected %d deletions, got %d: %v", len(want), len(order), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected deepest-first order %v, got %v", want, order)
		}
	}
}

// TestStopFlushesPendingMoveFromAsDeleted exercises the actual adapter
// stop path end to end: a move-from with no matching move-to must
// surface as a Deleted event once Stop is called, even though the
// grouper's flush window (spec section 4.2, "on adapter stop, all
// pending move-froms flush as deleted") has not yet elapsed.
func TestStopFlushesPendingMoveFromAsDeleted(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	target := dir + "/moved.txt"
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	ad, err := New()
	if err != nil {
		t.Fatal(err)
	}
	a := ad.(*Adapter)

	queue := equeue.New(64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx, queue); err != nil {
		t.Fatal(err)
	}

	if err := a.AddWatch(fsevent.Watch{ID: "w1", Path: dir, Recursive: true}); err != nil {
		t.Fatal(err)
	}

	// A move out of the watched tree delivers IN_MOVED_FROM with no
	// corresponding IN_MOVED_TO, so it stays pending in the grouper
	// until its window expires or the adapter stops.
	if err := os.Rename(target, outside+"/moved.txt"); err != nil {
		t.Fatal(err)
	}

	// Give the pump goroutine a moment to observe and record the
	// move-from before the window (500ms) would otherwise expire it.
	time.Sleep(50 * time.Millisecond)

	a.Stop()

	var sawDeleted bool
	for {
		slot, ok := queue.GetTimeout(0)
		if !ok {
			break
		}
		if slot.Event.Kind == fsevent.Deleted && slot.Event.SrcPath == target {
			sawDeleted = true
		}
	}
	if !sawDeleted {
		t.Fatal("expected Stop to flush the pending move-from as a Deleted event")
	}
}

func TestReachedMaxUserWatches(t *testing.T) {
	if !reachedMaxUserWatches(unix.ENOSPC) {
		t.Fatal("ENOSPC should be recognized as a watch-limit error")
	}
	if !reachedMaxUserWatches(unix.EMFILE) {
		t.Fatal("EMFILE should be recognized as a watch-limit error")
	}
	if reachedMaxUserWatches(unix.EINVAL) {
		t.Fatal("EINVAL is not a watch-limit error")
	}
}
