// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"io/ioutil"
	"os"
	"path/filepath"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
	"github.com/westerndigitalcorporation/pgstore/internal/osd"
)

/*

Configuring the osd follows three steps:

  (1) Default config parameters are pulled from 'osd.DefaultProdConfig'.

  (2) An optional configuration file (in json format) can be given with
      '-osdCfg' to override the default values.

  (3) Optional flags override individual parameters set in the previous two
      steps, e.g., '-nodes="0=a:59800,1=b:59800"'.

The node's identity lives in its superblock. Run once with '-mkfs -id=N
-fsid=F' to create it; later runs load it.

*/

var (
	// Default configuration. This is the default configuration for production.
	cfg = osd.DefaultProdConfig

	// Config file name.
	osdFile = flag.String("osdCfg", "", "configuration file for the osd")

	// Osd config parameters.
	addr    = flag.String("addr", "", "service address")
	dataDir = flag.String("dataDir", "", "directory for the superblock and object store")
	store   = flag.String("store", "", "object store type, 'bolt' or 'mem'")
	nodes   = flag.String("nodes", "", "every node of the cluster as id=addr, comma separated")

	// Formatting.
	mkfs  = flag.Bool("mkfs", false, "write a new superblock before starting")
	fsid  = flag.Uint64("fsid", 0, "filesystem id for -mkfs")
	id    = flag.Int("id", -1, "node id for -mkfs")
	epoch = flag.Uint("epoch", 0, "advance to this epoch at startup if it is newer")
)

// Initialize config parameters. It first tries to read from configuration files
// and then applies the command-line flags to override specified values.
func init() {
	flag.Parse()

	// Read from configuration file.
	if "" != *osdFile {
		f, err := os.Open(*osdFile)
		if nil != err {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		dec := json.NewDecoder(f)
		if err = dec.Decode(&cfg); nil != err {
			log.Fatalf("failed to decode the config file: %s", err)
		}
		f.Close()
	}

	// Override values from command-line flags. Empty values mean the flag
	// wasn't given.
	if "" != *addr {
		cfg.Addr = *addr
	}
	if "" != *dataDir {
		cfg.DataDir = *dataDir
	}
	if "" != *store {
		cfg.Store = *store
	}
	if "" != *nodes {
		n, err := osd.ParseNodes(*nodes)
		if err != nil {
			log.Fatalf("bad -nodes: %s", err)
		}
		cfg.Nodes = n
	}
}

// openSuperblock loads the superblock in 'dir', or writes one first if
// -mkfs was given.
func openSuperblock(dir string) *osd.SuperblockStore {
	sbs, err := osd.OpenSuperblockStore(filepath.Join(dir, "superblock.db"))
	if err != nil {
		log.Fatalf("failed to open superblock store: %s", err)
	}
	if *mkfs {
		if !core.NodeID(*id).IsValid() {
			log.Fatalf("-mkfs needs a valid -id")
		}
		if _, err = sbs.Format(*fsid, core.NodeID(*id)); err != nil {
			log.Fatalf("mkfs failed: %s", err)
		}
	}
	if _, err = sbs.Load(); err != nil {
		log.Fatalf("failed to load superblock (use -mkfs to create one): %s", err)
	}
	return sbs
}

func openStore(dir string) osd.ObjectStore {
	if cfg.Store == "mem" {
		return osd.NewMemStore(cfg.Addr)
	}
	s, err := osd.OpenBoltStore(filepath.Join(dir, "objects.db"))
	if err != nil {
		log.Fatalf("failed to open object store: %s", err)
	}
	return s
}

func main() {
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Failed to validate configurations: %v", err)
	}

	dir := cfg.DataDir
	if dir == "" {
		// Only a mem store gets here; its superblock doesn't outlive us.
		var err error
		if dir, err = ioutil.TempDir("", "osd"); err != nil {
			log.Fatalf("failed to create temp dir: %s", err)
		}
		log.Infof("no DataDir, using %s", dir)
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("failed to create %s: %s", dir, err)
	}

	sbs := openSuperblock(dir)
	objs := openStore(dir)

	// Peers and placement come from the node list.
	msgr := osd.NewRPCMessenger(&cfg)
	placement := osd.NewTablePlacement(osd.NewRingPlacement(cfg.NodeIDs()))

	o := osd.NewOSD(&cfg, sbs, objs, msgr, placement)
	msgr.SetDropHandler(o.PeerUnreachable)

	if e := core.Epoch(*epoch); e > o.Epoch() {
		if err := o.AdvanceEpoch(e); err != nil {
			log.Fatalf("failed to advance to epoch %d: %s", e, err)
		}
	}

	// Create server.
	server := osd.NewServer(o, &cfg)
	log.Infof("starting osd...")
	if e := server.Start(); nil != e {
		log.Fatalf("couldn't start osd: %s", e.Error())
	}
}
