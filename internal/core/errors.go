// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"io"
)

// Error is our own defined error type for sending errors over an RPC layer.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Replication level errors ------//

	// ErrNotPrimary is returned when a write is sent to a node that is not
	// the primary of the placement group in its current epoch.
	ErrNotPrimary

	// ErrNoSuchPG is returned when a request names a placement group this
	// node doesn't host.
	ErrNoSuchPG

	// ErrStaleEpoch is returned when a message was sent in an epoch older than
	// the receiver's.
	ErrStaleEpoch

	// ErrBadVersion is returned if a version number doesn't make sense.
	ErrBadVersion

	// ErrTimeout is returned when a caller gave up waiting for a reply.
	ErrTimeout

	//------ Errors from the store level ------//

	// ErrNoSuchObject is returned when an operation requires an object to exist but it does not.
	ErrNoSuchObject

	// ErrShortRead is returned if we get less data than we wanted, in a context
	// where that is unexpected/disallowed.
	ErrShortRead

	// ErrEOF is returned when reach the end of an object.
	ErrEOF

	// ErrCorruptData is returned if stored data fails to decode.
	ErrCorruptData

	// ErrNoSpace is returned when the store fills up.
	ErrNoSpace

	// ErrIO is returned if there is an OS-level IO error.
	ErrIO

	// ErrStoreClosed is returned for all store calls after Close.
	ErrStoreClosed

	// ErrBadSuperblock is returned if the persisted node record is missing or
	// fails validation.
	ErrBadSuperblock

	//------ Errors from any level ------//

	// ErrInvalidArgument is returned if an argument is bad or confusing (eg negative size)
	ErrInvalidArgument

	// ErrTooBusy means the server is too busy to do whatever it was asked to do.
	ErrTooBusy

	// ErrRPC is returned when the RPC layer errors during sending/receiving.
	ErrRPC

	// ErrUnknown is a meta-error.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	ErrNotPrimary: "not the primary of this placement group",
	ErrNoSuchPG:   "placement group is not hosted here",
	ErrStaleEpoch: "message is from an older epoch",
	ErrBadVersion: "bad version",
	ErrTimeout:    "timed out waiting for reply",

	ErrNoSuchObject:  "object does not exist",
	ErrShortRead:     "short read",
	ErrEOF:           "EOF",
	ErrCorruptData:   "corrupt data",
	ErrNoSpace:       "no space left on store",
	ErrIO:            "I/O error",
	ErrStoreClosed:   "store is closed",
	ErrBadSuperblock: "superblock is missing or invalid",

	ErrInvalidArgument: "invalid argument",
	ErrTooBusy:         "too busy",
	ErrRPC:             "RPC-level error",

	ErrUnknown: "unknown error",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	} else if e == ErrEOF {
		return io.EOF
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver error
// underneath.
func (e Error) Is(g error) bool {
	if e == ErrEOF && g == io.EOF {
		return true
	}
	b, ok := g.(goError)
	return ok && (Error)(b) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// FromError gets the underlying core.Error from an error. Errors that didn't
// come from a core.Error map to ErrUnknown.
func FromError(err error) Error {
	switch err {
	case nil:
		return NoError
	case io.EOF:
		return ErrEOF
	}
	if e, ok := err.(goError); ok {
		return Error(e)
	}
	return ErrUnknown
}

// IsRetriableError checks if we should retry on a given returned error.
// We consider errors that might be transient to be retriable errors.
func IsRetriableError(err Error) bool {
	switch err {
	case ErrRPC, ErrTooBusy, ErrTimeout, ErrStaleEpoch:
		return true
	}
	return false
}
