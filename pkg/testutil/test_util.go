// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package testutil has helpers shared by tests. Packages that put files on
// disk should call TestMain from their own:
//
//	func TestMain(m *testing.M) {
//		test.TestMain(m)
//	}
//
// and create files under TempDir or MkTempDir. The directories are removed
// when every test passed and left behind for inspection otherwise.
package testutil

import (
	"flag"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	log "github.com/golang/glog"
)

var (
	// Protects the two below.
	dirLock sync.Mutex

	// The directory handed out by TempDir.
	processDir string

	// A base directory we had to create ourselves, if any.
	madeBase string
)

// TempDir returns a directory private to this test process, creating it on
// first use.
func TempDir() string {
	dirLock.Lock()
	defer dirLock.Unlock()
	if processDir == "" {
		dir, err := ioutil.TempDir(baseDir(), filepath.Base(os.Args[0]))
		if err != nil {
			log.Fatalf("failed to create temp dir: %s", err)
		}
		processDir = dir
	}
	return processDir
}

// MkTempDir creates a fresh directory under TempDir for one test.
func MkTempDir(t testing.TB, prefix string) string {
	t.Helper()
	dir, err := ioutil.TempDir(TempDir(), prefix)
	if err != nil {
		t.Fatalf("failed to create temp dir: %s", err)
	}
	return dir
}

// baseDir returns $TMPDIR if set and otherwise a timestamped directory in
// the working directory. "*.test" is ignored by git.
func baseDir() string {
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		return tmp
	}
	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("failed to get working dir: %s", err)
	}
	dir := filepath.Join(wd, time.Now().Format("20060102.150405.test"))
	if err := os.Mkdir(dir, 0755); err != nil && !os.IsExist(err) {
		log.Fatalf("failed to create %s: %s", dir, err)
	}
	madeBase = dir
	return dir
}

func removeDirs() {
	dirLock.Lock()
	defer dirLock.Unlock()
	for _, dir := range []string{processDir, madeBase} {
		if dir != "" {
			os.RemoveAll(dir)
		}
	}
}

// TestMain runs the tests and removes temp dirs if they all passed.
func TestMain(m *testing.M) {
	flag.Parse()
	code := m.Run()
	if code == 0 {
		removeDirs()
	}
	log.Flush()
	os.Exit(code)
}
