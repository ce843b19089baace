// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"context"
	"errors"
	"net/rpc"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	log "github.com/golang/glog"
)

// ErrorRPCConnect is returned if we can't connect to the RPC server.
var ErrorRPCConnect = errors.New("RPC couldn't connect")

// ConnectionCache creates and caches RPC connections to addresses. The least
// recently used connection is closed once there are more than the cache size.
//
// ConnectionCache is thread-safe.
type ConnectionCache struct {
	// Protects conns and the reference counts of its clients.
	lock sync.Mutex

	conns *lru.Cache

	dialTimeout time.Duration
	rpcTimeout  time.Duration
}

// NewConnectionCache makes a new ConnectionCache. If maxConns is zero idle
// connections are never dropped.
func NewConnectionCache(dialTimeout, rpcTimeout time.Duration, maxConns int) *ConnectionCache {
	if maxConns < 0 {
		log.Fatalf("max connections can not be negative")
	}
	conns := lru.New(maxConns)
	conns.OnEvicted = onConnEvicted
	return &ConnectionCache{
		conns:       conns,
		dialTimeout: dialTimeout,
		rpcTimeout:  rpcTimeout,
	}
}

// get returns a referenced client for 'addr', dialing if needed, or nil if
// we couldn't connect. The caller must call done with the client.
func (cc *ConnectionCache) get(ctx context.Context, addr string) *refCntClient {
	cc.lock.Lock()
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		cc.lock.Unlock()
		return rc
	}
	cc.lock.Unlock()

	nctx, cancel := context.WithTimeout(ctx, cc.dialTimeout)
	defer cancel()
	rpcc, e := dialHTTPContext(nctx, "tcp", addr)
	if e != nil {
		log.Infof("error connecting to %s: %s", addr, e)
		return nil
	}

	cc.lock.Lock()
	defer cc.lock.Unlock()

	// Somebody may have connected while we weren't holding the lock.
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		rpcc.Close()
		log.Infof("established duplicate connection to %s, dropping", addr)
		return rc
	}

	log.Infof("established connection to %s", addr)

	// One reference for the cache and one for the caller.
	rc := &refCntClient{count: 2, clt: rpcc}
	cc.conns.Add(addr, rc)
	return rc
}

// done drops the caller's reference to 'oldConn'. If the call failed at the
// transport level the connection is also dropped from the cache, so the next
// call reconnects. An error returned by the remote method leaves it cached.
func (cc *ConnectionCache) done(addr string, oldConn *refCntClient, err error) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	if oldConn.decAndMaybeClose() || err == nil {
		return
	}
	if _, ok := err.(rpc.ServerError); ok {
		return
	}

	// Another failed call may already have replaced this client, so only
	// remove it if it is still the cached one.
	if newConn, ok := cc.conns.Get(addr); ok && newConn == oldConn {
		cc.conns.Remove(addr)
		log.Errorf("connection to %s lost (%s)", addr, err)
	} else {
		log.Errorf("connection to %s lost (%s) (not in cache)", addr, err)
	}
}

// Send calls 'method' on 'addr' and waits for the reply, the RPC timeout or
// 'ctx', whichever comes first.
func (cc *ConnectionCache) Send(ctx context.Context, addr, method string, req, reply interface{}) error {
	rc := cc.get(ctx, addr)
	if rc == nil {
		return ErrorRPCConnect
	}

	nctx, cancel := context.WithTimeout(ctx, cc.rpcTimeout)
	defer cancel()
	call := rc.clt.Go(method, req, reply, make(chan *rpc.Call, 1))

	select {
	case <-call.Done:
		cc.done(addr, rc, call.Error)

		// ErrShutdown means the connection went away under us, most likely
		// because the server restarted. Reconnect and try once more within
		// the same deadline.
		if call.Error == rpc.ErrShutdown {
			return cc.Send(nctx, addr, method, req, reply)
		}
		return call.Error

	case <-nctx.Done():
		err := nctx.Err()
		log.Errorf("rpc %q to %s: %s", method, addr, err)
		cc.done(addr, rc, nil)
		return err
	}
}

// Remove closes and forgets the connection to 'addr', if any.
func (cc *ConnectionCache) Remove(addr string) {
	cc.lock.Lock()
	cc.conns.Remove(addr)
	cc.lock.Unlock()
}

// Len returns the number of cached connections.
func (cc *ConnectionCache) Len() int {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	return cc.conns.Len()
}

// CloseAll drops every cached connection. Connections still in use are
// closed when their last call finishes.
func (cc *ConnectionCache) CloseAll() {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	for cc.conns.Len() > 0 {
		cc.conns.RemoveOldest()
	}
}

// Called by the LRU, with cc.lock held.
func onConnEvicted(key lru.Key, val interface{}) {
	log.V(10).Infof("%s has been evicted from connection cache, closing the connection", key)
	val.(*refCntClient).decAndMaybeClose()
}

// refCntClient is an RPC client with a count of its users, the cache
// included.
type refCntClient struct {
	count int
	clt   *rpc.Client
}

// decAndMaybeClose drops a reference and closes the client if it was the
// last one. Call with the cache lock held.
func (c *refCntClient) decAndMaybeClose() (closed bool) {
	c.count--
	if c.count == 0 {
		c.clt.Close()
		return true
	}
	return false
}
