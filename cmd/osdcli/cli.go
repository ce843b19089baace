// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"io/ioutil"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/pgstore/internal/core"
	"github.com/westerndigitalcorporation/pgstore/internal/osd"
	"github.com/westerndigitalcorporation/pgstore/pkg/retry"
	"github.com/westerndigitalcorporation/pgstore/pkg/rpc"
)

var usage = `
	osdcli is a tool to poke at osds and their on-disk state.

	Local commands (mkfs, superblock, export) work on an osd's data directory
	and must not be run while the osd is up. pgid and map only compute.
	The rest talk to a running osd given with --osd:

		osdcli --osd <host:port> write --pg <pgid> --oid <oid> --data hello

	Start an interpreter to issue commands interactively:

		osdcli --osd <host:port> shell
	`

// osdCli runs commands against osds and their data directories.
type osdCli struct {
	// the command line framework we'll use to launch commands.
	app *cli.App
	// Connections to osds.
	cc *rpc.ConnectionCache
	// Request ids are this client id and a counter.
	client string
	lastTid uint64
	// True if we are running a shell.
	inShell bool
}

func newOsdCli() *osdCli {
	o := &osdCli{
		cc:     rpc.NewConnectionCache(5*time.Second, time.Minute, 10),
		client: rpc.GenID(),
	}
	app := cli.NewApp()
	app.Name = "osdcli"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "osd",
			Usage: "address of the osd to talk to",
			Value: osd.DefaultProdConfig.Addr,
		},
		cli.IntFlag{
			Name:  "epoch, e",
			Usage: "epoch to send requests in",
			Value: 1,
		},
		cli.IntFlag{
			Name:  "tries",
			Usage: "attempts for a write that fails with a transient error",
			Value: 3,
		},
	}

	dirFlag := cli.StringFlag{
		Name:  "dir, d",
		Usage: "data directory of the osd",
		Value: osd.DefaultProdConfig.DataDir,
	}
	pgFlag := cli.StringFlag{
		Name:  "pg",
		Usage: "placement group id, as printed by 'pgid'",
	}
	oidFlag := cli.StringFlag{
		Name:  "oid",
		Usage: "object id, ino.bno.rev in hex",
	}
	offsetFlag := cli.IntFlag{
		Name:  "offset, o",
		Usage: "offset within the object",
	}
	lengthFlag := cli.IntFlag{
		Name:  "length, l",
		Usage: "bytes to read (<= 0 means to the end)",
	}
	sizeFlag := cli.IntFlag{
		Name:  "size",
		Usage: "number of replicas",
		Value: 3,
	}

	app.Commands = []cli.Command{
		{
			Name:  "mkfs",
			Usage: "Write a new superblock into a data directory.",
			Flags: []cli.Flag{
				dirFlag,
				cli.IntFlag{Name: "id", Usage: "node id", Value: -1},
				cli.StringFlag{Name: "fsid", Usage: "filesystem id, hex"},
			},
			Action: o.cmdMkfs,
		},
		{
			Name:   "superblock",
			Usage:  "Print the superblock of a data directory.",
			Flags:  []cli.Flag{dirFlag},
			Action: o.cmdSuperblock,
		},
		{
			Name:  "export",
			Usage: "Write a snappy compressed copy of a bolt object store.",
			Flags: []cli.Flag{
				dirFlag,
				cli.StringFlag{Name: "file, f", Usage: "output file (required)"},
			},
			Action: o.cmdExport,
		},
		{
			Name:      "pgid",
			Usage:     "Make a placement group id from its fields, or decode one given as an argument.",
			ArgsUsage: "[<pgid>]",
			Flags: []cli.Flag{
				sizeFlag,
				cli.IntFlag{Name: "seed", Usage: "placement seed"},
				cli.IntFlag{Name: "preferred", Usage: "preferred node (-1 for none)", Value: -1},
				cli.IntFlag{Name: "ruleset", Usage: "placement ruleset (-1 picks the rule for the type and size)", Value: -1},
				cli.BoolFlag{Name: "raid4", Usage: "make a raid4 group instead of a replicated one"},
			},
			Action: o.cmdPGID,
		},
		{
			Name:  "map",
			Usage: "Show the object extents a byte range of a file maps to.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "ino", Usage: "file inode, hex"},
				offsetFlag,
				cli.IntFlag{Name: "length, l", Usage: "length of the range", Value: 1 << 20},
				cli.IntFlag{Name: "object_size", Value: 4 << 20},
				cli.IntFlag{Name: "stripe_unit", Value: 1 << 20},
				cli.IntFlag{Name: "stripe_count", Value: 1},
				cli.IntFlag{Name: "pg_num", Usage: "placement groups to hash objects over", Value: 64},
				sizeFlag,
			},
			Action: o.cmdMap,
		},
		{
			Name:  "write",
			Usage: "Write to an object and wait for the commit.",
			Flags: []cli.Flag{
				pgFlag, oidFlag, offsetFlag,
				cli.StringFlag{Name: "data", Usage: "data to write"},
				cli.StringFlag{Name: "file, f", Usage: "file to take the data from"},
			},
			Action: o.cmdWrite,
		},
		{
			Name:   "truncate",
			Usage:  "Set an object's size to --offset.",
			Flags:  []cli.Flag{pgFlag, oidFlag, offsetFlag},
			Action: o.cmdModify(core.OpTruncate),
		},
		{
			Name:   "delete",
			Usage:  "Remove an object.",
			Flags:  []cli.Flag{pgFlag, oidFlag},
			Action: o.cmdModify(core.OpDelete),
		},
		{
			Name:   "read",
			Usage:  "Read from an object to stdout.",
			Flags:  []cli.Flag{pgFlag, oidFlag, offsetFlag, lengthFlag},
			Action: o.cmdRead,
		},
		{
			Name:   "stat",
			Usage:  "Print an object's size and version.",
			Flags:  []cli.Flag{pgFlag, oidFlag},
			Action: o.cmdStat,
		},
		{
			Name:      "advance",
			Usage:     "Move the osd to a newer epoch.",
			ArgsUsage: "<epoch>",
			Action:    o.cmdAdvance,
		},
		{
			Name:      "cancel",
			Usage:     "Tell the osd to stop waiting for a write.",
			ArgsUsage: "<client> <tid>",
			Action:    o.cmdCancel,
		},
		{
			Name:   "shell",
			Usage:  "Start an interpreter.",
			Action: o.cmdShell,
		},
	}
	o.app = app
	return o
}

func (o *osdCli) run(args []string) error {
	return o.app.Run(args)
}

// stop frees up all resources used by the osdCli.
func (o *osdCli) stop() {
	o.cc.CloseAll()
}

// runCommand runs one command with the global flags we were started with.
func (o *osdCli) runCommand(c *cli.Context, args ...string) error {
	cliArgs := []string{"osdcli", "--osd", c.GlobalString("osd"), "--epoch", fmt.Sprint(c.GlobalInt("epoch")), "--tries", fmt.Sprint(c.GlobalInt("tries"))}
	cliArgs = append(cliArgs, args...)
	return o.run(cliArgs)
}

// fail logs an error and, outside of the shell, exits.
func (o *osdCli) fail(format string, args ...interface{}) {
	log.Errorf(format, args...)
	if !o.inShell {
		log.Flush()
		os.Exit(1)
	}
}

func (o *osdCli) nextReqID() core.ReqID {
	return core.ReqID{Client: o.client, Tid: atomic.AddUint64(&o.lastTid, 1)}
}

// request builds a request from the --pg and --oid flags. ok is false if
// either doesn't parse.
func (o *osdCli) request(c *cli.Context, typ core.OpType) (req core.OpRequest, ok bool) {
	pg, err := core.ParsePGID(c.String("pg"))
	if err != nil {
		o.fail("bad --pg %q: %s", c.String("pg"), err)
		return req, false
	}
	oid, err := core.ParseObjectID(c.String("oid"))
	if err != nil {
		o.fail("bad --oid %q: %s", c.String("oid"), err)
		return req, false
	}
	return core.OpRequest{
		ReqID:  o.nextReqID(),
		PG:     pg,
		OID:    oid,
		Type:   typ,
		Offset: int64(c.Int("offset")),
		Length: int64(c.Int("length")),
		Epoch:  core.Epoch(c.GlobalInt("epoch")),
	}, true
}

func (o *osdCli) send(c *cli.Context, method string, req, reply interface{}) bool {
	if err := o.cc.Send(context.Background(), c.GlobalString("osd"), method, req, reply); err != nil {
		o.fail("%s to %s: %s", method, c.GlobalString("osd"), err)
		return false
	}
	return true
}

func openSuperblock(c *cli.Context) (*osd.SuperblockStore, bool) {
	path := c.String("dir") + "/superblock.db"
	sbs, err := osd.OpenSuperblockStore(path)
	if err != nil {
		log.Errorf("failed to open %s: %s", path, err)
		return nil, false
	}
	return sbs, true
}

// cmdMkfs implements "mkfs" subcommand.
func (o *osdCli) cmdMkfs(c *cli.Context) {
	id := core.NodeID(c.Int("id"))
	if !id.IsValid() {
		o.fail("mkfs needs --id")
		return
	}
	var fsid uint64
	if s := c.String("fsid"); s != "" {
		if _, err := fmt.Sscanf(s, "%x", &fsid); err != nil {
			o.fail("bad --fsid %q: %s", s, err)
			return
		}
	}
	if err := os.MkdirAll(c.String("dir"), 0755); err != nil {
		o.fail("%s", err)
		return
	}
	sbs, ok := openSuperblock(c)
	if !ok {
		o.fail("mkfs failed")
		return
	}
	defer sbs.Close()
	sb, err := sbs.Format(fsid, id)
	if err != nil {
		o.fail("mkfs failed: %s", err)
		return
	}
	fmt.Println(sb)
}

// cmdSuperblock implements "superblock" subcommand.
func (o *osdCli) cmdSuperblock(c *cli.Context) {
	sbs, ok := openSuperblock(c)
	if !ok {
		o.fail("can't read superblock")
		return
	}
	defer sbs.Close()
	sb, err := sbs.Load()
	if err != nil {
		o.fail("can't read superblock: %s", err)
		return
	}
	fmt.Println(sb)
	fmt.Printf("epochs kept: %d..%d\n", sb.OldestMap, sb.NewestMap)
}

// cmdExport implements "export" subcommand.
func (o *osdCli) cmdExport(c *cli.Context) {
	if c.String("file") == "" {
		o.fail("export needs --file")
		return
	}
	s, err := osd.OpenBoltStore(c.String("dir") + "/objects.db")
	if err != nil {
		o.fail("can't open object store: %s", err)
		return
	}
	defer s.Close()

	f, err := os.Create(c.String("file"))
	if err != nil {
		o.fail("%s", err)
		return
	}
	if err = s.Export(f); err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err != nil {
		o.fail("export failed: %s", err)
	}
}

// cmdPGID implements "pgid" subcommand.
func (o *osdCli) cmdPGID(c *cli.Context) {
	var pg core.PGID
	if s := c.Args().First(); s != "" {
		var err error
		if pg, err = core.ParsePGID(s); err != nil {
			o.fail("bad pgid %q: %s", s, err)
			return
		}
	} else {
		t, rule := core.PGTypeRep, core.RepRule(c.Int("size"))
		if c.Bool("raid4") {
			t, rule = core.PGTypeRAID4, core.RAIDRule(c.Int("size"))
		}
		if c.Int("ruleset") >= 0 {
			rule = c.Int("ruleset")
		}
		var err error
		pg, err = core.NewPGIDChecked(t, c.Int("size"), c.Int("seed"), int32(c.Int("preferred")), rule)
		if err != nil {
			o.fail("can't make pgid: %s", err)
			return
		}
	}
	fmt.Printf("%s\n  type %d size %d seed %d preferred %d ruleset %d\n",
		pg, pg.Type(), pg.Size(), pg.Seed(), pg.Preferred(), pg.Ruleset())
}

// objectSeed hashes an object onto one of 'pgNum' placement seeds.
func objectSeed(oid core.ObjectID, pgNum int) uint16 {
	h := fnv.New32a()
	h.Write(oid.Key())
	return uint16(h.Sum32() % uint32(pgNum))
}

// cmdMap implements "map" subcommand.
func (o *osdCli) cmdMap(c *cli.Context) {
	var ino uint64
	if _, err := fmt.Sscanf(c.String("ino"), "%x", &ino); err != nil {
		o.fail("bad --ino %q: %s", c.String("ino"), err)
		return
	}
	s := core.Striper{
		ObjectSize:  int64(c.Int("object_size")),
		StripeUnit:  int64(c.Int("stripe_unit")),
		StripeCount: int64(c.Int("stripe_count")),
	}
	if err := s.Validate(); err != nil {
		o.fail("%s", err)
		return
	}
	pgNum, size := c.Int("pg_num"), c.Int("size")
	if pgNum <= 0 || pgNum > 1<<16 {
		o.fail("bad --pg_num %d", pgNum)
		return
	}
	pgFor := func(oid core.ObjectID) core.PGID {
		return core.MakePGID(core.PGTypeRep, size, objectSeed(oid, pgNum), core.NoPreferred, 0)
	}
	for _, ex := range s.MapFile(ino, int64(c.Int("offset")), int64(c.Int("length")), pgFor) {
		fmt.Printf("%s pg %s buffer %v\n", ex, ex.PG, ex.BufferOffsets())
	}
}

// sendModify runs 'send' until it gives a reply that isn't worth retrying or
// 'r' gives up. A failed send counts as ErrRPC.
func sendModify(ctx context.Context, r retry.Retrier, send func() (core.ModifyReply, error)) (reply core.ModifyReply, attempts int) {
	r.Do(ctx, func(attempt int) bool {
		attempts = attempt + 1
		var err error
		if reply, err = send(); err != nil {
			log.Errorf("modify attempt %d: %s", attempts, err)
			reply = core.ModifyReply{Reply: core.OpReply{Result: core.ErrRPC}}
		}
		return !core.IsRetriableError(reply.Reply.Result)
	})
	return
}

// modify runs a write and prints how it went.
func (o *osdCli) modify(c *cli.Context, req core.OpRequest) {
	addr := c.GlobalString("osd")
	r := retry.Retrier{MinSleep: 100 * time.Millisecond, MaxSleep: 2 * time.Second, MaxNumRetries: c.GlobalInt("tries")}
	reply, attempts := sendModify(context.Background(), r, func() (rep core.ModifyReply, err error) {
		err = o.cc.Send(context.Background(), addr, core.ModifyMethod, req, &rep)
		return
	})
	if attempts > 1 {
		log.Infof("%s took %d attempts", req.ReqID, attempts)
	}
	if reply.Reply.Result != core.NoError {
		o.fail("%s failed: %s (acked=%t)", req.Type, reply.Reply.Result, reply.Acked)
		return
	}
	fmt.Printf("%s committed at %s\n", req.ReqID, reply.Reply.Version)
}

// cmdWrite implements "write" subcommand.
func (o *osdCli) cmdWrite(c *cli.Context) {
	req, ok := o.request(c, core.OpWrite)
	if !ok {
		return
	}
	req.Data = []byte(c.String("data"))
	if name := c.String("file"); name != "" {
		var err error
		if req.Data, err = ioutil.ReadFile(name); err != nil {
			o.fail("%s", err)
			return
		}
	}
	o.modify(c, req)
}

// cmdModify returns the action for a write that carries no data.
func (o *osdCli) cmdModify(typ core.OpType) func(*cli.Context) {
	return func(c *cli.Context) {
		if req, ok := o.request(c, typ); ok {
			o.modify(c, req)
		}
	}
}

// cmdRead implements "read" subcommand.
func (o *osdCli) cmdRead(c *cli.Context) {
	req, ok := o.request(c, core.OpRead)
	if !ok {
		return
	}
	var reply core.OpReply
	if !o.send(c, core.ReadMethod, req, &reply) {
		return
	}
	if reply.Result != core.NoError {
		o.fail("read failed: %s", reply.Result)
		return
	}
	os.Stdout.Write(reply.Data)
	if o.inShell {
		fmt.Println()
	}
}

// cmdStat implements "stat" subcommand.
func (o *osdCli) cmdStat(c *cli.Context) {
	req, ok := o.request(c, core.OpStat)
	if !ok {
		return
	}
	var reply core.OpReply
	if !o.send(c, core.StatMethod, req, &reply) {
		return
	}
	if reply.Result != core.NoError {
		o.fail("stat failed: %s", reply.Result)
		return
	}
	fmt.Printf("%s: size %d version %s\n", req.OID, reply.Stat.Size, reply.Stat.Version)
}

// cmdAdvance implements "advance" subcommand.
func (o *osdCli) cmdAdvance(c *cli.Context) {
	var e core.Epoch
	if _, err := fmt.Sscan(c.Args().First(), &e); err != nil {
		o.fail("bad epoch %q", c.Args().First())
		return
	}
	var reply core.Error
	if o.send(c, core.AdvanceEpochMethod, e, &reply) && reply != core.NoError {
		o.fail("advance to %d failed: %s", e, reply)
	}
}

// cmdCancel implements "cancel" subcommand.
func (o *osdCli) cmdCancel(c *cli.Context) {
	id := core.ReqID{Client: c.Args().Get(0)}
	if _, err := fmt.Sscan(c.Args().Get(1), &id.Tid); err != nil || id.Client == "" {
		o.fail("usage: cancel <client> <tid>")
		return
	}
	var reply core.Error
	if o.send(c, core.CancelMethod, id, &reply) && reply != core.NoError {
		o.fail("cancel %s: %s", id, reply)
	}
}

// cmdShell implements "shell" subcommand.
func (o *osdCli) cmdShell(c *cli.Context) {
	o.inShell = true
	defer func() { o.inShell = false }()

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	// Complete command names.
	line.SetCompleter(func(s string) (c []string) {
		for _, cmd := range o.app.Commands {
			if strings.HasPrefix(cmd.Name, s) {
				c = append(c, cmd.Name)
			}
		}
		return
	})

	defer line.Close()

	for {
		input, err := line.Prompt(fmt.Sprintf("(%s) ", c.GlobalString("osd")))
		if err != nil {
			log.Errorf("error: %v", err)
			return
		}

		// Split with shell-style quoting so data can have spaces.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error:%v", err)
			continue
		}

		// Skip empty line.
		if 0 == len(args) {
			continue
		}

		if args[0] == "exit" {
			return
		}

		if o.runCommand(c, args...) == nil {
			line.AppendHistory(input)
		}
	}
}
