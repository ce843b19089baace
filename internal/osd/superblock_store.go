// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
)

var (
	metaBucket    = []byte("meta")
	superblockKey = []byte("superblock")

	// ErrNotFormatted is returned by Load when there is no superblock yet.
	ErrNotFormatted = errors.New("superblock store is not formatted")

	// ErrFormatted is returned by Format when a superblock already exists.
	ErrFormatted = errors.New("superblock store is already formatted")
)

// SuperblockStore keeps the node's superblock in its own boltdb file. Every
// change is synced before the call that made it returns.
// SuperblockStore is thread-safe.
type SuperblockStore struct {
	db *bolt.DB

	// Protects sb.
	lock sync.Mutex

	// The last superblock loaded or written.
	sb core.Superblock
}

// OpenSuperblockStore opens or creates the file at 'path'. Call Load or
// Format before using the superblock.
func OpenSuperblockStore(path string) (*SuperblockStore, error) {
	db, err := bolt.Open(path, os.FileMode(0600), &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SuperblockStore{db: db}, nil
}

// Load reads and validates the stored superblock.
func (s *SuperblockStore) Load() (core.Superblock, error) {
	var sb core.Superblock
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(superblockKey)
		if raw == nil {
			return ErrNotFormatted
		}
		if err := sb.UnmarshalBinary(raw); err != nil {
			return err
		}
		return sb.Validate()
	})
	if err != nil {
		return core.Superblock{}, err
	}

	s.lock.Lock()
	s.sb = sb
	s.lock.Unlock()
	return sb, nil
}

// Format writes a fresh superblock for node 'whoami' of filesystem 'fsid'.
// It fails with ErrFormatted if there already is one.
func (s *SuperblockStore) Format(fsid uint64, whoami core.NodeID) (core.Superblock, error) {
	sb := core.NewSuperblock(fsid, whoami)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if b.Get(superblockKey) != nil {
			return ErrFormatted
		}
		raw, _ := sb.MarshalBinary()
		return b.Put(superblockKey, raw)
	})
	if err != nil {
		return core.Superblock{}, err
	}
	log.Infof("formatted %s", sb)

	s.lock.Lock()
	s.sb = sb
	s.lock.Unlock()
	return sb, nil
}

// Get returns the current superblock.
func (s *SuperblockStore) Get() core.Superblock {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.sb
}

// Advance moves the node to epoch 'current' with the given retained range,
// and returns once the new superblock is durable. On error nothing changes.
func (s *SuperblockStore) Advance(current, oldest, newest core.Epoch) (core.Superblock, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	sb, err := s.sb.Advance(current, oldest, newest)
	if err != nil {
		return s.sb, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		raw, _ := sb.MarshalBinary()
		return tx.Bucket(metaBucket).Put(superblockKey, raw)
	})
	if err != nil {
		log.Errorf("failed to persist %s: %s", sb, err)
		return s.sb, err
	}
	s.sb = sb
	return sb, nil
}

// Close closes the underlying file.
func (s *SuperblockStore) Close() error {
	return s.db.Close()
}
