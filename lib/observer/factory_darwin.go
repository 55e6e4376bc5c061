// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build darwin && cgo

package observer

import (
	"github.com/syncthing/fswatch/lib/adapter"
	"github.com/syncthing/fswatch/lib/adapter/fsevents"
)

// Select uses FSEvents, the native macOS facility, when cgo is
// available.
func Select() (adapter.Adapter, error) {
	return fsevents.New()
}
