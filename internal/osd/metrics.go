// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package osd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/pgstore/internal/server"
)

var (
	// Client ops as seen by a ReplicatedPG, by op type.
	opm = server.NewOpMetric("osd_ops", "op")

	// Replicated writes from gather creation to deletion, by role.
	repopm = server.NewOpMetric("osd_repops", "role")

	// RPCs served by OSDHandler.
	rpcm = server.NewOpMetric("osd_rpc", "rpc")

	// Store transactions, by store.
	storem = server.NewOpMetric("osd_store_apply", "store")

	metricQueueWait = promauto.NewSummary(prometheus.SummaryOpts{
		Subsystem: "osd",
		Name:      "queue_wait",
		Help:      "wait time for work to reach the front of a placement group queue",
	})
	metricQueueLength = promauto.NewSummary(prometheus.SummaryOpts{
		Subsystem: "osd",
		Name:      "queue_length",
		Help:      "length of a placement group queue at push time",
	})
	metricGathers = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "osd",
		Name:      "gathers",
		Help:      "replicated writes in flight",
	})
	metricDeferred = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "osd",
		Name:      "deferred_ops",
		Help:      "client writes waiting behind an in-flight write to the same object",
	})
	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "osd",
		Name:      "dropped_messages",
		Help:      "messages dropped, by reason",
	}, []string{"reason"})
	metricEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "osd",
		Name:      "epoch",
		Help:      "current epoch of this node",
	})
)
