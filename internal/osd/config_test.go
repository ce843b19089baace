// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"reflect"
	"testing"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
)

func TestParseNodes(t *testing.T) {
	nodes, err := ParseNodes("2=b:2, 0=a:1,,")
	if err != nil {
		t.Fatal(err)
	}
	exp := map[core.NodeID]string{0: "a:1", 2: "b:2"}
	if !reflect.DeepEqual(nodes, exp) {
		t.Fatalf("got %v, expected %v", nodes, exp)
	}

	cfg := DefaultTestConfig
	cfg.Nodes = nodes
	if ids := cfg.NodeIDs(); !reflect.DeepEqual(ids, []core.NodeID{0, 2}) {
		t.Fatalf("bad ids %v", ids)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %s", err)
	}

	for _, bad := range []string{"a:1", "x=a:1", "-1=a:1", "1=", "1=a,1=b"} {
		if _, err := ParseNodes(bad); err == nil {
			t.Errorf("%q parsed", bad)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultProdConfig.Validate(); err != nil {
		t.Fatalf("prod config: %s", err)
	}
	for name, change := range map[string]func(*Config){
		"no addr":       func(c *Config) { c.Addr = "" },
		"bad store":     func(c *Config) { c.Store = "tape" },
		"bolt, no dir":  func(c *Config) { c.Store, c.DataDir = "bolt", "" },
		"no threshold":  func(c *Config) { c.RejectReqThreshold = 0 },
		"no timeout":    func(c *Config) { c.ModifyTimeout = 0 },
		"backoff < min": func(c *Config) { c.SendBackoff = c.MinSendRetry / 2 },
		"bad node":      func(c *Config) { c.Nodes = map[core.NodeID]string{-3: "x"} },
	} {
		cfg := DefaultTestConfig
		change(&cfg)
		if cfg.Validate() == nil {
			t.Errorf("%s: validated", name)
		}
	}
}
