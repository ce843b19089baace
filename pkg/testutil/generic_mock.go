// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testutil

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

// GenericMock records expected calls and their results for hand-written
// mocks. Embed it and write typed methods that call GetResult:
//
//	type mockPlacement struct{ *test.GenericMock }
//
//	func (m mockPlacement) MembersOf(pg core.PGID, e core.Epoch) []core.NodeID {
//		return m.GetResult("MembersOf", pg, e).([]core.NodeID)
//	}
//
// GenericMock is thread-safe.
type GenericMock struct {
	t testing.TB

	lock     sync.Mutex
	expected []expectedCall
}

type expectedCall struct {
	method string
	args   []interface{}
	result interface{}
	used   bool
}

func (c expectedCall) String() string {
	return fmt.Sprintf("%s%v -> %v", c.method, c.args, c.result)
}

// NewGenericMock returns a GenericMock that reports failures to 't'.
func NewGenericMock(t testing.TB) *GenericMock {
	return &GenericMock{t: t}
}

// AddCall expects one call of 'method' with exactly 'args' (compared with
// reflect.DeepEqual) and makes it return 'result'.
func (m *GenericMock) AddCall(method string, result interface{}, args ...interface{}) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.expected = append(m.expected, expectedCall{method: method, args: args, result: result})
}

// GetResult consumes the first unused expected call matching 'method' and
// 'args' and returns its result. An unexpected call fails the test.
func (m *GenericMock) GetResult(method string, args ...interface{}) interface{} {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i := range m.expected {
		c := &m.expected[i]
		if c.used || c.method != method || !reflect.DeepEqual(c.args, args) {
			continue
		}
		c.used = true
		return c.result
	}
	m.t.Fatalf("unexpected call %s%#v", method, args)
	return nil
}

// GetError is GetResult for methods that return only an error.
func (m *GenericMock) GetError(method string, args ...interface{}) error {
	return ToErr(m.GetResult(method, args...))
}

// NoMoreCalls fails the test if an expected call never happened.
func (m *GenericMock) NoMoreCalls() {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, c := range m.expected {
		if !c.used {
			m.t.Fatalf("expected call never made: %s", c)
		}
	}
}

// ToErr converts a result holding an error or nil to an error.
func ToErr(v interface{}) error {
	if v == nil {
		return nil
	}
	return v.(error)
}
