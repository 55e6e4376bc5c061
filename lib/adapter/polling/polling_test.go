// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package polling

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/syncthing/fswatch/lib/equeue"
	"github.com/syncthing/fswatch/lib/fsevent"
)

func TestRescanOneEmitsCreatedForNewFile(t *testing.T) {
	dir := t.TempDir()

	a, err := New(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	impl := a.(*Adapter)

	w := fsevent.Watch{ID: "w1", Path: dir, Recursive: true}
	if err := impl.AddWatch(w); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	q := equeue.New(16)
	impl.mut.Lock()
	st := impl.watches["w1"]
	impl.mut.Unlock()
	impl.rescanOne(st, q)

	slot, ok := q.GetTimeout(time.Second)
	if !ok {
		t.Fatal("expected an event")
	}
	if slot.Event.Kind != fsevent.Created {
		t.Fatalf("expected Created, got %v", slot.Event.Kind)
	}
	if slot.WatchID != "w1" {
		t.Fatalf("expected watch id w1, got %q", slot.WatchID)
	}
}

func TestNewAppliesDefaultInterval(t *testing.T) {
	if DefaultInterval != time.Second {
		t.Fatalf("expected the default polling interval to match the spec's 1s, got %v", DefaultInterval)
	}

	a, err := New(0)
	if err != nil {
		t.Fatal(err)
	}
	if a.(*Adapter).interval != DefaultInterval {
		t.Fatalf("expected default interval, got %v", a.(*Adapter).interval)
	}
}
