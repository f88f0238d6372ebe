package bfd

import "net/netip"

// MetricsReporter abstracts the Prometheus metrics sink so that the bfd
// package never imports internal/metrics directly (avoiding an import
// cycle: internal/metrics has no reason to depend on internal/bfd, but
// keeping the dependency one-directional via an interface here lets
// cmd/gobfdd wire a *bfdmetrics.Collector into every component that
// accepts a MetricsReporter).
//
// Every method mirrors a counter or gauge the daemon exports.
type MetricsReporter interface {
	// IncPacketsSent increments the transmitted-packet counter for a peer.
	IncPacketsSent(peer, local netip.Addr)

	// IncPacketsReceived increments the received-packet counter for a peer.
	IncPacketsReceived(peer, local netip.Addr)

	// RecordStateTransition records an FSM transition labeled by old/new state.
	RecordStateTransition(peer, local netip.Addr, from, to string)

	// IncUnknownSession increments the Session Store's unknown-discriminator
	// drop counter.
	IncUnknownSession()

	// IncPublisherOverflow increments the Event Publisher's FIFO-overflow
	// counter for the named consumer.
	IncPublisherOverflow(consumer string)
}

// noopMetrics is the zero-value MetricsReporter used when no collector is
// configured. All methods are no-ops.
type noopMetrics struct{}

func (noopMetrics) IncPacketsSent(netip.Addr, netip.Addr)               {}
func (noopMetrics) IncPacketsReceived(netip.Addr, netip.Addr)           {}
func (noopMetrics) RecordStateTransition(netip.Addr, netip.Addr, string, string) {}
func (noopMetrics) IncUnknownSession()                                 {}
func (noopMetrics) IncPublisherOverflow(string)                        {}
