// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"
)

var (
	// 96 random bits naming this process.
	processTag = newProcessTag()

	// Last sequence number handed out by GenID.
	lastSeq uint64
)

func newProcessTag() string {
	var b [12]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// GenID returns an id that is unique across processes with high
// probability, for use as a client id in request ids. Ids from one process
// share a prefix and end in a sequence number.
func GenID() string {
	return processTag + "-" + strconv.FormatUint(atomic.AddUint64(&lastSeq, 1), 36)
}
