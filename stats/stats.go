// Package stats exposes bus-wide and per-connection counters and gauges
// through a prometheus registry, adapted from the teacher's statsd-based
// stats package: same idea (a small set of named runners updated from the
// hot path, collected on a pull interval) but wired to
// github.com/prometheus/client_golang instead of statsd, since nothing in
// this runtime talks to a statsd daemon.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Tracker is the set of bus-wide metrics referenced by bus.Dispatcher and
// conn.Connection. One Tracker is shared by every connection on a bus.
type Tracker struct {
	MsgsSent          prometheus.Counter
	MsgsDelivered     prometheus.Counter
	BroadcastsDropped prometheus.Counter // spec §4.7 "silently dropped for that destination"
	QueueFull         prometheus.Counter // spec §7 queue-full
	QuotaDenied       prometheus.Counter // spec §7 quota
	SyncTimedOut      prometheus.Counter // spec §4.6 step 8

	ConnsActive    prometheus.Gauge
	QueuedMsgs     prometheus.Gauge // sum across connections
	OutstandingBytes prometheus.Gauge
	PoolBytesUsed  prometheus.Gauge
	NamesRegistered prometheus.Gauge
}

// NewTracker registers a fresh set of collectors against reg. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer) lets
// tests and multiple in-process buses each get an isolated Tracker.
func NewTracker(reg prometheus.Registerer, namespace string) *Tracker {
	t := &Tracker{
		MsgsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total",
			Help: "Messages accepted by the dispatcher's send path.",
		}),
		MsgsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_delivered_total",
			Help: "Messages enqueued onto a destination connection's receive queue.",
		}),
		BroadcastsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcasts_dropped_total",
			Help: "Broadcast deliveries skipped for a matched but over-quota destination.",
		}),
		QueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_full_total",
			Help: "Sends rejected because a destination's queue was at MaxQueuedMsgs.",
		}),
		QuotaDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "quota_denied_total",
			Help: "Sends rejected because a destination's outstanding-bytes quota was exceeded.",
		}),
		SyncTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_reply_timed_out_total",
			Help: "Pending synchronous replies that expired before a reply arrived.",
		}),
		ConnsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help: "Connections currently in the ACTIVE state.",
		}),
		QueuedMsgs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queued_messages",
			Help: "Sum of messages currently queued across all connections.",
		}),
		OutstandingBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "outstanding_bytes",
			Help: "Sum of unconsumed message bytes charged against connection quotas.",
		}),
		PoolBytesUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_bytes_used",
			Help: "Bytes currently reserved out of receive pools.",
		}),
		NamesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "names_registered",
			Help: "Well-known names currently owned in the name registry.",
		}),
	}
	reg.MustRegister(
		t.MsgsSent, t.MsgsDelivered, t.BroadcastsDropped, t.QueueFull, t.QuotaDenied,
		t.SyncTimedOut, t.ConnsActive, t.QueuedMsgs, t.OutstandingBytes, t.PoolBytesUsed,
		t.NamesRegistered,
	)
	return t
}
