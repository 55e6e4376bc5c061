// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build windows

package observer

import (
	"github.com/syncthing/fswatch/lib/adapter"
	"github.com/syncthing/fswatch/lib/adapter/readdcw"
)

// Select uses ReadDirectoryChangesW, the native Windows facility.
func Select() (adapter.Adapter, error) {
	return readdcw.New()
}
