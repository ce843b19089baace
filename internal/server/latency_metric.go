// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/westerndigitalcorporation/pgstore/internal/core"
)

// OpMetric tracks counts and latencies of operations, either requests served
// on behalf of a client or work started internally (a replicated write from
// creation to commit, say).
//
// It registers three metric vectors, each with the caller's labels:
//   - a counter named 'name' with an extra "result" label. Start counts
//     under "all"; Failed, TooBusy and Result count under their own value.
//   - a summary named name+"_latency", fed by End unless the op was marked
//     with a result first.
//   - a gauge named name+"_pending" holding the number of started but not
//     ended ops.
//
// Metrics are registered globally, so an OpMetric with a given name must be
// created once per process:
//
//	var opm = server.NewOpMetric("osd_ops", "op")
//
//	func handle() (err core.Error) {
//		op := opm.Start("write")
//		defer op.EndWithError(&err)
//		...
//	}
type OpMetric struct {
	name      string
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric returns a new op metric.
func NewOpMetric(name string, labels ...string) *OpMetric {
	labelsWithResult := append([]string{"result"}, labels...)
	return &OpMetric{
		name:      name,
		counters:  promauto.NewCounterVec(prometheus.CounterOpts{Name: name}, labelsWithResult),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency"}, labels),
		pending:   promauto.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending"}, labels),
	}
}

// Start marks that a new operation has started and begins measuring the latency.
func (m *OpMetric) Start(values ...string) *LatencyMeasurer {
	lm := &LatencyMeasurer{opm: m, values: values}
	lm.Result("all") // this resets start, so set it below
	lm.start = time.Now().UnixNano()
	lm.opm.pending.WithLabelValues(values...).Inc()
	return lm
}

// Count returns the counter value for 'result' and the given labels.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	valuesWithResult := append([]string{result}, values...)
	var value dto.Metric
	if m.counters.WithLabelValues(valuesWithResult...).Write(&value) != nil {
		return 0
	}
	return uint64(value.Counter.GetValue())
}

// Pending returns how many ops with the given labels are started but not ended.
func (m *OpMetric) Pending(values ...string) int64 {
	var value dto.Metric
	if m.pending.WithLabelValues(values...).Write(&value) != nil {
		return 0
	}
	return int64(value.Gauge.GetValue())
}

// String returns latency quantiles and failure counts for the given labels.
func (m *OpMetric) String(values ...string) string {
	out := SummaryString(m.latencies.WithLabelValues(values...))
	out += fmt.Sprintf(" / %d rejected / %d failed / %d pending",
		m.Count("too_busy", values...), m.Count("failed", values...), m.Pending(values...))
	return out
}

// Strings returns String for each key. It is meant for OpMetrics with a
// single label.
func (m *OpMetric) Strings(keys ...string) map[string]string {
	out := make(map[string]string)
	for _, key := range keys {
		out[key] = m.String(key)
	}
	return out
}

// LatencyMeasurer measures one operation started with OpMetric.Start.
type LatencyMeasurer struct {
	start  int64
	opm    *OpMetric
	values []string
}

// Failed records that the op returned an error.
func (lm *LatencyMeasurer) Failed() {
	lm.Result("failed")
}

// TooBusy records that the op was rejected because the server is too busy.
func (lm *LatencyMeasurer) TooBusy() {
	lm.Result("too_busy")
}

// Result records an arbitrary result. The op's latency won't be recorded.
func (lm *LatencyMeasurer) Result(result string) {
	lm.start = 0
	valuesWithResult := append([]string{result}, lm.values...)
	lm.opm.counters.WithLabelValues(valuesWithResult...).Inc()
}

// End records the elapsed time since Start.
func (lm *LatencyMeasurer) End() {
	if lm.start != 0 {
		d := time.Duration(time.Now().UnixNano() - lm.start)
		lm.opm.latencies.WithLabelValues(lm.values...).Observe(d.Seconds())
	}
	lm.opm.pending.WithLabelValues(lm.values...).Dec()
}

// EndWithError marks the op failed if *err isn't core.NoError, and ends it.
// It takes a pointer so it can be deferred before the result is known.
func (lm *LatencyMeasurer) EndWithError(err *core.Error) {
	if *err != core.NoError {
		lm.Failed()
	}
	lm.End()
}

// SummaryString formats the count and quantiles of a summary.
func SummaryString(obs prometheus.Observer) string {
	sum, ok := obs.(prometheus.Summary)
	if !ok {
		return ""
	}
	var value dto.Metric
	if sum.Write(&value) != nil || value.Summary == nil {
		return ""
	}
	out := fmt.Sprintf("Total count=%d;", value.Summary.GetSampleCount())
	for _, q := range value.Summary.Quantile {
		out += fmt.Sprintf(" %gth=%.3f;", q.GetQuantile()*100, q.GetValue())
	}
	return out[:len(out)-1]
}
