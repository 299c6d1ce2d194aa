// Package metrics registers the prometheus collectors shared across
// components as package-level counters that callers increment directly.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PacketsProcessed counts packets accepted by the Capture Engine's
	// PID-attribution filter (i.e. ones actually dispatched downstream).
	PacketsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netshark_packets_processed_total",
		Help: "Packets dispatched to subscribers after PID attribution.",
	})

	// StreamsOpened counts TCP Streams created by the Stream Manager.
	StreamsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netshark_tcp_streams_opened_total",
		Help: "TCP streams created by the stream manager.",
	})

	// StreamsClosed counts TCP Streams garbage-collected from the table.
	StreamsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netshark_tcp_streams_closed_total",
		Help: "TCP streams removed by the stream table garbage collector.",
	})

	// Retransmissions counts segments flagged is_retransmission.
	Retransmissions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netshark_tcp_retransmissions_total",
		Help: "TCP segments flagged as retransmissions.",
	})

	// MITMTransactions counts completed HTTPS MITM transactions.
	MITMTransactions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netshark_mitm_transactions_total",
		Help: "Completed HTTPS MITM request/response transactions.",
	})

	// SubscriberDrops is a per-subscriber drop counter (labeled by
	// subscriber id) for the fan-out's newest-drop policy.
	SubscriberDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netshark_subscriber_drops_total",
		Help: "Events (packet records or MITM transactions) dropped because a subscriber's queue was full.",
	}, []string{"subscriber_id"})
)

func init() {
	prometheus.MustRegister(
		PacketsProcessed,
		StreamsOpened,
		StreamsClosed,
		Retransmissions,
		MITMTransactions,
		SubscriberDrops,
	)
}
