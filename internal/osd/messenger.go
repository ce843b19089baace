// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"context"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
	"github.com/westerndigitalcorporation/pgstore/pkg/retry"
	"github.com/westerndigitalcorporation/pgstore/pkg/rpc"
)

// Messenger delivers messages to other nodes. Delivery is best effort: a
// message may be lost, and nothing is returned to the sender.
type Messenger interface {
	// Send sends 'msg', a *core.RepOp or *core.RepOpReply, to node 'to'.
	// It doesn't block.
	Send(to core.NodeID, msg interface{})
}

// DropHandler is told about messages a Messenger gave up on.
type DropHandler func(to core.NodeID, msg interface{})

// How many messages may wait for one peer. Messages past that are dropped.
const peerQueueLen = 1024

// RPCMessenger is a Go RPC-based implementation of Messenger. Messages to
// one peer are sent in order by a goroutine for that peer, retrying with
// backoff until the configured limit.
type RPCMessenger struct {
	cc      *rpc.ConnectionCache
	retrier retry.Retrier

	// Protects everything below.
	lock   sync.Mutex
	addrs  map[core.NodeID]string
	peers  map[core.NodeID]chan interface{}
	onDrop DropHandler
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRPCMessenger returns a new RPCMessenger that finds nodes in cfg.Nodes.
func NewRPCMessenger(cfg *Config) *RPCMessenger {
	ctx, cancel := context.WithCancel(context.Background())
	m := &RPCMessenger{
		cc: rpc.NewConnectionCache(cfg.DialTimeout, cfg.RPCTimeout, cfg.ConnectionCacheSize),
		retrier: retry.Retrier{
			MinSleep: cfg.MinSendRetry,
			MaxSleep: cfg.SendBackoff,
			MaxRetry: cfg.MaxSendRetry,
		},
		addrs:  make(map[core.NodeID]string),
		peers:  make(map[core.NodeID]chan interface{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for id, addr := range cfg.Nodes {
		m.addrs[id] = addr
	}
	return m
}

// SetDropHandler sets who is told about messages that couldn't be sent.
func (m *RPCMessenger) SetDropHandler(h DropHandler) {
	m.lock.Lock()
	m.onDrop = h
	m.lock.Unlock()
}

// Send implements Messenger.
func (m *RPCMessenger) Send(to core.NodeID, msg interface{}) {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		m.drop(to, msg, "closed")
		return
	}
	q, ok := m.peers[to]
	if !ok {
		q = make(chan interface{}, peerQueueLen)
		m.peers[to] = q
		m.wg.Add(1)
		go m.sender(to, q)
	}
	full := false
	select {
	case q <- msg:
	default:
		full = true
	}
	m.lock.Unlock()
	if full {
		m.drop(to, msg, "queue_full")
	}
}

func (m *RPCMessenger) addr(id core.NodeID) string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.addrs[id]
}

func (m *RPCMessenger) sender(to core.NodeID, q chan interface{}) {
	defer m.wg.Done()
	for msg := range q {
		method, ok := methodFor(msg)
		if !ok {
			log.Errorf("don't know how to send %T", msg)
			continue
		}
		sent, _ := m.retrier.Do(m.ctx, func(i int) bool {
			addr := m.addr(to)
			if addr == "" {
				log.Errorf("no address for %s", to)
				return false
			}
			var reply core.Error
			if err := m.cc.Send(m.ctx, addr, method, msg, &reply); err != nil {
				log.V(1).Infof("%s to %s (try %d): %s", method, to, i, err)
				return false
			}
			return true
		})
		if !sent {
			m.drop(to, msg, "unreachable")
		}
	}
}

func (m *RPCMessenger) drop(to core.NodeID, msg interface{}, why string) {
	log.Errorf("dropping %v to %s: %s", msg, to, why)
	metricDropped.WithLabelValues(why).Inc()
	m.lock.Lock()
	h := m.onDrop
	m.lock.Unlock()
	if h != nil {
		h(to, msg)
	}
}

// Close stops all senders. Messages not yet sent are dropped.
func (m *RPCMessenger) Close() {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return
	}
	m.closed = true
	for _, q := range m.peers {
		close(q)
	}
	m.lock.Unlock()

	m.cancel()
	m.wg.Wait()
	m.cc.CloseAll()
}

func methodFor(msg interface{}) (string, bool) {
	switch msg.(type) {
	case *core.RepOp:
		return core.RepOpMethod, true
	case *core.RepOpReply:
		return core.RepOpReplyMethod, true
	}
	return "", false
}
