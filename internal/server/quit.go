// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"net/http"

	log "github.com/golang/glog"
)

// QuitHandler kills the process. It is meant for test clusters that want to
// stop a node the hard way.
func QuitHandler(w http.ResponseWriter, r *http.Request) {
	log.Fatalf("quit requested by %s", r.RemoteAddr)
}
