// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build linux

package observer

import (
	"github.com/syncthing/fswatch/lib/adapter"
	"github.com/syncthing/fswatch/lib/adapter/inotify"
	"github.com/syncthing/fswatch/lib/adapter/polling"
)

// Select picks inotify, falling back to polling if the kernel facility
// could not be initialized (e.g. a container with inotify disabled).
func Select() (adapter.Adapter, error) {
	ad, err := inotify.New()
	if err == nil {
		return ad, nil
	}
	l.Warnf("inotify unavailable (%v), falling back to polling", err)
	return polling.New(0)
}
