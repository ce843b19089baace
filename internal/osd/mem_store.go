// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"context"
	"sync"

	log "github.com/golang/glog"
	"github.com/google/btree"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
)

// memObject is one object in a MemStore.
type memObject struct {
	oid   core.ObjectID
	data  []byte
	attrs map[string][]byte
}

func (o *memObject) Less(than btree.Item) bool {
	return o.oid.Less(than.(*memObject).oid)
}

func (o *memObject) clone() *memObject {
	c := &memObject{oid: o.oid, data: append([]byte(nil), o.data...), attrs: make(map[string][]byte, len(o.attrs))}
	for k, v := range o.attrs {
		c.attrs[k] = v
	}
	return c
}

// MemStore is an ObjectStore that keeps everything in memory, ordered by
// object id. Transactions are applied in the caller's goroutine and their
// completions delivered in order from a separate goroutine.
type MemStore struct {
	name string

	lock   sync.Mutex
	tree   *btree.BTree
	closed bool

	// If set, called before each transaction is applied. A result other
	// than core.NoError fails the transaction without applying it.
	failure func(*core.Transaction) core.Error

	completions chan func()
	done        chan struct{}
}

// NewMemStore returns an empty MemStore.
func NewMemStore(name string) *MemStore {
	s := &MemStore{
		name:        name,
		tree:        btree.New(8),
		completions: make(chan func(), 1024),
		done:        make(chan struct{}),
	}
	go s.completer()
	return s
}

// SetFailure installs a hook deciding the result of each transaction.
// Passing nil removes it.
func (s *MemStore) SetFailure(f func(*core.Transaction) core.Error) {
	s.lock.Lock()
	s.failure = f
	s.lock.Unlock()
}

// Apply implements ObjectStore.
func (s *MemStore) Apply(txn *core.Transaction, done func(core.Error)) {
	op := storem.Start(s.name)
	res := s.apply(txn)
	if res != core.NoError {
		op.Failed()
	}
	op.End()

	s.lock.Lock()
	closed := s.closed
	if !closed {
		s.completions <- func() { done(res) }
	}
	s.lock.Unlock()
	if closed {
		done(core.ErrStoreClosed)
	}
}

func (s *MemStore) apply(txn *core.Transaction) core.Error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return core.ErrStoreClosed
	}
	if s.failure != nil {
		if err := s.failure(txn); err != core.NoError {
			log.Errorf("%s: failing txn with %s", s.name, err)
			return err
		}
	}

	// Stage every change on copies so that a bad op leaves nothing behind.
	staged := make(map[core.ObjectID]*memObject)
	get := func(oid core.ObjectID, create bool) *memObject {
		if o, ok := staged[oid]; ok {
			if o == nil && create {
				o = &memObject{oid: oid, attrs: make(map[string][]byte)}
				staged[oid] = o
			}
			return o
		}
		if it := s.tree.Get(&memObject{oid: oid}); it != nil {
			o := it.(*memObject).clone()
			staged[oid] = o
			return o
		}
		if !create {
			return nil
		}
		o := &memObject{oid: oid, attrs: make(map[string][]byte)}
		staged[oid] = o
		return o
	}

	for _, op := range txn.Ops {
		switch op.Type {
		case core.TxWrite:
			if op.Offset < 0 {
				return core.ErrInvalidArgument
			}
			o := get(op.OID, true)
			end := op.Offset + int64(len(op.Data))
			if end > int64(len(o.data)) {
				o.data = append(o.data, make([]byte, end-int64(len(o.data)))...)
			}
			copy(o.data[op.Offset:], op.Data)
		case core.TxTruncate:
			if op.Offset < 0 {
				return core.ErrInvalidArgument
			}
			o := get(op.OID, true)
			if op.Offset <= int64(len(o.data)) {
				o.data = o.data[:op.Offset]
			} else {
				o.data = append(o.data, make([]byte, op.Offset-int64(len(o.data)))...)
			}
		case core.TxRemove:
			get(op.OID, false)
			staged[op.OID] = nil
		case core.TxSetAttr:
			o := get(op.OID, true)
			o.attrs[op.Name] = append([]byte(nil), op.Data...)
		default:
			return core.ErrInvalidArgument
		}
	}

	for oid, o := range staged {
		if o == nil {
			s.tree.Delete(&memObject{oid: oid})
		} else {
			s.tree.ReplaceOrInsert(o)
		}
	}
	return core.NoError
}

func (s *MemStore) completer() {
	defer close(s.done)
	for fn := range s.completions {
		fn()
	}
}

func (s *MemStore) find(oid core.ObjectID) (*memObject, core.Error) {
	if s.closed {
		return nil, core.ErrStoreClosed
	}
	it := s.tree.Get(&memObject{oid: oid})
	if it == nil {
		return nil, core.ErrNoSuchObject
	}
	return it.(*memObject), core.NoError
}

// Read implements ObjectStore.
func (s *MemStore) Read(ctx context.Context, ext core.ObjectExtent) ([]byte, core.Error) {
	if ext.Validate() != nil {
		return nil, core.ErrInvalidArgument
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	o, err := s.find(ext.OID)
	if err != core.NoError {
		return nil, err
	}
	start, end, err := readRange(int64(len(o.data)), ext.Start, ext.Length)
	if err != core.NoError {
		return nil, err
	}
	return append([]byte(nil), o.data[start:end]...), core.NoError
}

// Stat implements ObjectStore.
func (s *MemStore) Stat(ctx context.Context, oid core.ObjectID) (core.ObjectStat, core.Error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	o, err := s.find(oid)
	if err != core.NoError {
		return core.ObjectStat{}, err
	}
	return statFromAttr(int64(len(o.data)), o.attrs[VersionAttr])
}

// GetAttr implements ObjectStore. A missing attribute is reported as
// core.ErrNoSuchObject.
func (s *MemStore) GetAttr(ctx context.Context, oid core.ObjectID, name string) ([]byte, core.Error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	o, err := s.find(oid)
	if err != core.NoError {
		return nil, err
	}
	v, ok := o.attrs[name]
	if !ok {
		return nil, core.ErrNoSuchObject
	}
	return append([]byte(nil), v...), core.NoError
}

// List returns the ids of all objects, in order.
func (s *MemStore) List() []core.ObjectID {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []core.ObjectID
	s.tree.Ascend(func(it btree.Item) bool {
		out = append(out, it.(*memObject).oid)
		return true
	})
	return out
}

// Close implements ObjectStore. Completions already queued are delivered.
func (s *MemStore) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	close(s.completions)
	s.lock.Unlock()
	<-s.done
	return nil
}
