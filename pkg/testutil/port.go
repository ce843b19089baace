// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testutil

import (
	"fmt"
	"net"

	log "github.com/golang/glog"
)

// GetFreePort returns a TCP port that was free a moment ago. Someone else
// may grab it before the caller listens on it, which is rare enough for
// tests.
func GetFreePort() int {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		log.Fatalf("failed to find a free port: %s", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// FreeAddr returns "localhost:<port>" for a port from GetFreePort.
func FreeAddr() string {
	return fmt.Sprintf("localhost:%d", GetFreePort())
}
