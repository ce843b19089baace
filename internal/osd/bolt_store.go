// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"
	"github.com/golang/snappy"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
)

var (
	objBucket  = []byte("objects")
	attrBucket = []byte("attrs")
)

type boltTxn struct {
	txn  *core.Transaction
	done func(core.Error)
}

// BoltStore is an ObjectStore in a boltdb file. Each transaction is one
// bolt read-write transaction, so it is atomic and synced before its
// completion is delivered. Object data is snappy compressed.
//
// The objects bucket maps an object key to its compressed data. The attrs
// bucket maps an object key followed by an attribute name to the value.
type BoltStore struct {
	path string
	db   *bolt.DB

	// Transactions waiting for the apply worker, in order. Apply never
	// blocks on the worker.
	lock    sync.Mutex
	ready   sync.Cond
	pending []boltTxn
	closed  bool

	done chan struct{}
}

// OpenBoltStore opens or creates the store at 'path'.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, os.FileMode(0600), &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(objBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(attrBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{
		path: path,
		db:   db,
		done: make(chan struct{}),
	}
	s.ready.L = &s.lock
	go s.applyWorker()
	return s, nil
}

func attrKey(oid core.ObjectID, name string) []byte {
	return append(oid.Key(), name...)
}

// Apply implements ObjectStore.
func (s *BoltStore) Apply(txn *core.Transaction, done func(core.Error)) {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		done(core.ErrStoreClosed)
		return
	}
	s.pending = append(s.pending, boltTxn{txn: txn, done: done})
	s.ready.Signal()
	s.lock.Unlock()
}

// next waits for queued transactions and takes all of them. It returns nil
// once the store is closed and nothing is left.
func (s *BoltStore) next() []boltTxn {
	s.lock.Lock()
	defer s.lock.Unlock()
	for len(s.pending) == 0 && !s.closed {
		s.ready.Wait()
	}
	batch := s.pending
	s.pending = nil
	return batch
}

func (s *BoltStore) applyWorker() {
	defer close(s.done)
	for batch := s.next(); batch != nil; batch = s.next() {
		for _, t := range batch {
			op := storem.Start("bolt")
			err := s.apply(t.txn)
			if err != core.NoError {
				op.Failed()
			}
			op.End()
			t.done(err)
		}
	}
}

func (s *BoltStore) apply(txn *core.Transaction) core.Error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		objs, attrs := tx.Bucket(objBucket), tx.Bucket(attrBucket)

		// Uncompressed data of objects written so far in this transaction.
		cache := make(map[core.ObjectID][]byte)
		load := func(oid core.ObjectID) ([]byte, bool, error) {
			if b, ok := cache[oid]; ok {
				return b, true, nil
			}
			raw := objs.Get(oid.Key())
			if raw == nil {
				return nil, false, nil
			}
			b, err := snappy.Decode(nil, raw)
			if err != nil {
				return nil, true, core.ErrCorruptData.Error()
			}
			return b, true, nil
		}
		store := func(oid core.ObjectID, b []byte) error {
			cache[oid] = b
			return objs.Put(oid.Key(), snappy.Encode(nil, b))
		}

		for _, op := range txn.Ops {
			switch op.Type {
			case core.TxWrite, core.TxTruncate:
				if op.Offset < 0 {
					return core.ErrInvalidArgument.Error()
				}
				b, _, err := load(op.OID)
				if err != nil {
					return err
				}
				if op.Type == core.TxWrite {
					end := op.Offset + int64(len(op.Data))
					if end > int64(len(b)) {
						b = append(b, make([]byte, end-int64(len(b)))...)
					}
					copy(b[op.Offset:], op.Data)
				} else if op.Offset <= int64(len(b)) {
					b = b[:op.Offset]
				} else {
					b = append(b, make([]byte, op.Offset-int64(len(b)))...)
				}
				if err := store(op.OID, b); err != nil {
					return err
				}
			case core.TxRemove:
				delete(cache, op.OID)
				if err := objs.Delete(op.OID.Key()); err != nil {
					return err
				}
				prefix := op.OID.Key()
				c := attrs.Cursor()
				for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
					if err := c.Delete(); err != nil {
						return err
					}
				}
			case core.TxSetAttr:
				b, exists, err := load(op.OID)
				if err != nil {
					return err
				}
				if !exists {
					if err := store(op.OID, b); err != nil {
						return err
					}
				}
				if err := attrs.Put(attrKey(op.OID, op.Name), op.Data); err != nil {
					return err
				}
			default:
				return core.ErrInvalidArgument.Error()
			}
		}
		return nil
	})
	return s.toCoreError(err)
}

// toCoreError maps errors out of bolt to core.Error.
func (s *BoltStore) toCoreError(err error) core.Error {
	if err == nil {
		return core.NoError
	}
	if e := core.FromError(err); e != core.ErrUnknown {
		return e
	}
	switch err {
	case bolt.ErrDatabaseNotOpen:
		return core.ErrStoreClosed
	}
	log.Errorf("%s: store error %s", s.path, err)
	return core.ErrIO
}

// view runs 'fn' in a read-only transaction and copies what it returns.
func (s *BoltStore) view(fn func(objs, attrs *bolt.Bucket) ([]byte, core.Error)) ([]byte, core.Error) {
	var out []byte
	var cerr core.Error
	err := s.db.View(func(tx *bolt.Tx) error {
		b, e := fn(tx.Bucket(objBucket), tx.Bucket(attrBucket))
		out, cerr = append([]byte(nil), b...), e
		return nil
	})
	if err != nil {
		return nil, s.toCoreError(err)
	}
	return out, cerr
}

func (s *BoltStore) data(objs *bolt.Bucket, oid core.ObjectID) ([]byte, core.Error) {
	raw := objs.Get(oid.Key())
	if raw == nil {
		return nil, core.ErrNoSuchObject
	}
	b, err := snappy.Decode(nil, raw)
	if err != nil {
		log.Errorf("%s: object %s doesn't decompress: %s", s.path, oid, err)
		return nil, core.ErrCorruptData
	}
	return b, core.NoError
}

// Read implements ObjectStore.
func (s *BoltStore) Read(ctx context.Context, ext core.ObjectExtent) ([]byte, core.Error) {
	if ext.Validate() != nil {
		return nil, core.ErrInvalidArgument
	}
	return s.view(func(objs, _ *bolt.Bucket) ([]byte, core.Error) {
		b, err := s.data(objs, ext.OID)
		if err != core.NoError {
			return nil, err
		}
		start, end, err := readRange(int64(len(b)), ext.Start, ext.Length)
		if err != core.NoError {
			return nil, err
		}
		return b[start:end], core.NoError
	})
}

// Stat implements ObjectStore.
func (s *BoltStore) Stat(ctx context.Context, oid core.ObjectID) (core.ObjectStat, core.Error) {
	var size int64
	raw, err := s.view(func(objs, attrs *bolt.Bucket) ([]byte, core.Error) {
		b, err := s.data(objs, oid)
		if err != core.NoError {
			return nil, err
		}
		size = int64(len(b))
		return attrs.Get(attrKey(oid, VersionAttr)), core.NoError
	})
	if err != core.NoError {
		return core.ObjectStat{}, err
	}
	if len(raw) == 0 {
		raw = nil
	}
	return statFromAttr(size, raw)
}

// GetAttr implements ObjectStore.
func (s *BoltStore) GetAttr(ctx context.Context, oid core.ObjectID, name string) ([]byte, core.Error) {
	return s.view(func(objs, attrs *bolt.Bucket) ([]byte, core.Error) {
		if objs.Get(oid.Key()) == nil {
			return nil, core.ErrNoSuchObject
		}
		v := attrs.Get(attrKey(oid, name))
		if v == nil {
			return nil, core.ErrNoSuchObject
		}
		return v, core.NoError
	})
}

// Export writes a consistent snappy-compressed copy of the database to 'w'.
func (s *BoltStore) Export(w io.Writer) error {
	sw := snappy.NewBufferedWriter(w)
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(sw)
		return err
	})
	if err != nil {
		return err
	}
	return sw.Close()
}

// Close implements ObjectStore. Queued transactions are applied first.
func (s *BoltStore) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	s.ready.Broadcast()
	s.lock.Unlock()
	<-s.done
	return s.db.Close()
}
