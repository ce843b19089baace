// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"net/http"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/westerndigitalcorporation/pgstore/internal/server"
	"github.com/westerndigitalcorporation/pgstore/pkg/rpc"
)

// Server serves an OSD over Go RPC and HTTP on one address.
type Server struct {
	cfg     *Config
	osd     *OSD
	handler *OSDHandler
}

// NewServer creates a new Server. The server does not listen for or serve
// requests until Start() is called on it.
func NewServer(o *OSD, cfg *Config) *Server {
	return &Server{
		cfg:     cfg,
		osd:     o,
		handler: NewOSDHandler(o, cfg),
	}
}

// Register installs the RPC handler and the HTTP endpoints on the default
// servers. It may be called only once per process.
func (s *Server) Register() error {
	// Set up status page.
	http.HandleFunc("/", s.statusHandler)
	http.Handle("/metrics", promhttp.Handler())

	// Endpoint for shutting down the osd.
	http.HandleFunc("/_quit", server.QuitHandler)

	return rpc.RegisterName("OSD", s.handler)
}

// Start registers everything and serves on cfg.Addr. It doesn't return
// unless the listener fails.
func (s *Server) Start() error {
	if err := s.Register(); err != nil {
		return err
	}
	log.Infof("osd %s listening on address %s", s.osd.ID(), s.cfg.Addr)
	err := http.ListenAndServe(s.cfg.Addr, nil) // this blocks forever
	log.Fatalf("http listener returned error: %v", err)
	return err
}
