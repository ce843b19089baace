// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"net"
	"net/http"
	"net/rpc"
	"sync"
	"time"
)

// rpc.connected is not exported.
const connectedStatus = "200 Connected to Go RPC"

var (
	handleHTTPOnce sync.Once
	noDeadline     time.Time
)

// RegisterName wraps rpc.RegisterName, which uses the default RPC server,
// and makes sure the default server is reachable over HTTP.
func RegisterName(name string, rcvr interface{}) error {
	handleHTTPOnce.Do(rpc.HandleHTTP)
	return rpc.RegisterName(name, rcvr)
}

// StartStandaloneRPCServer serves the default HTTP mux, and with it the
// default RPC server, on 'addr'. It returns once the listener is open.
func StartStandaloneRPCServer(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go http.Serve(l, nil)
	return l, nil
}
