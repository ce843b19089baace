// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
)

// Config encapsulates parameters for an OSD.
type Config struct {
	Addr               string // Address for service.
	DataDir            string // Where the object store and superblock live.
	Store              string // "bolt" or "mem".
	RejectReqThreshold int    // Pending client requests on 'Addr' are rejected after this threshold.

	// Every node of the cluster and its address, including this one. The
	// placement ring is built from these.
	Nodes map[core.NodeID]string

	// --- Writes ---
	// How long OSD.Modify waits for a write to commit.
	ModifyTimeout time.Duration

	// --- Epochs ---
	// How many epochs before the current one the superblock claims to keep.
	EpochsToKeep core.Epoch

	// --- Peers ---
	DialTimeout         time.Duration
	RPCTimeout          time.Duration
	ConnectionCacheSize int
	// Backoff for messages to peers. A message is dropped once MaxSendRetry
	// has passed without a successful send.
	MinSendRetry time.Duration
	MaxSendRetry time.Duration
	SendBackoff  time.Duration
}

// Validate validates the configuration object has reasonable (not obviously
// wrong) values.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("Address of the osd can not be empty")
	}
	if c.Store != "bolt" && c.Store != "mem" {
		return fmt.Errorf("unknown store type %q", c.Store)
	}
	if c.Store == "bolt" && c.DataDir == "" {
		return fmt.Errorf("a bolt store needs a DataDir")
	}
	if c.RejectReqThreshold <= 0 {
		return fmt.Errorf("RejectReqThreshold must be positive")
	}
	if c.ModifyTimeout <= 0 || c.RPCTimeout <= 0 || c.DialTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.MinSendRetry <= 0 || c.SendBackoff < c.MinSendRetry {
		return fmt.Errorf("bad send retry settings")
	}
	for id, addr := range c.Nodes {
		if !id.IsValid() || addr == "" {
			return fmt.Errorf("bad node %d=%q", id, addr)
		}
	}
	return nil
}

// ParseNodes parses a node list of the form "0=host:port,1=host:port".
func ParseNodes(s string) (map[core.NodeID]string, error) {
	nodes := make(map[core.NodeID]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || kv[1] == "" {
			return nil, fmt.Errorf("bad node %q, expected id=addr", part)
		}
		id, err := strconv.ParseInt(kv[0], 10, 32)
		if err != nil || !core.NodeID(id).IsValid() {
			return nil, fmt.Errorf("bad node id in %q", part)
		}
		if _, ok := nodes[core.NodeID(id)]; ok {
			return nil, fmt.Errorf("node %d listed twice", id)
		}
		nodes[core.NodeID(id)] = kv[1]
	}
	return nodes, nil
}

// NodeIDs returns the ids in cfg.Nodes in order.
func (c Config) NodeIDs() []core.NodeID {
	ids := make([]core.NodeID, 0, len(c.Nodes))
	for id := range c.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DefaultProdConfig specifies the default values for Config that is used for
// production.
var DefaultProdConfig = Config{
	Addr:               "localhost:59800",
	DataDir:            "/var/lib/pgstore",
	Store:              "bolt",
	RejectReqThreshold: 1000,

	ModifyTimeout: 30 * time.Second,
	EpochsToKeep:  100,

	DialTimeout:         10 * time.Second,
	RPCTimeout:          30 * time.Second,
	ConnectionCacheSize: 100,
	MinSendRetry:        100 * time.Millisecond,
	SendBackoff:         5 * time.Second,
	MaxSendRetry:        2 * time.Minute,
}

// DefaultTestConfig specifies the default values for Config that is used for testing.
var DefaultTestConfig = Config{
	Addr:               "localhost:59800",
	Store:              "mem",
	RejectReqThreshold: 100,

	ModifyTimeout: 5 * time.Second,
	EpochsToKeep:  10,

	DialTimeout:         time.Second,
	RPCTimeout:          2 * time.Second,
	ConnectionCacheSize: 10,
	MinSendRetry:        10 * time.Millisecond,
	SendBackoff:         100 * time.Millisecond,
	MaxSendRetry:        time.Second,
}
