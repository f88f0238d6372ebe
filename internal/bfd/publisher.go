package bfd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// Event Publisher
// -------------------------------------------------------------------------

// EventKind identifies the published state-change category. Values match
// the wire record's event_kind field exactly.
type EventKind uint32

const (
	// EventUp is published when a session transitions into Up.
	EventUp EventKind = 1

	// EventDown is published when a session leaves Up (or any transition
	// to Down carrying a diagnostic).
	EventDown EventKind = 2

	// EventAdmin is published when a session is administratively disabled.
	EventAdmin EventKind = 3
)

// recordSize is the fixed wire size of one event-pipe record:
// u32 event_kind, u32 local_disc, u8 diag, u8 addr_family, u16 reserved,
// u8 peer_addr[16].
const recordSize = 28

const (
	addrFamilyV4 uint8 = 4
	addrFamilyV6 uint8 = 6
)

// fifoCapacity is the default per-consumer bounded FIFO depth.
const fifoCapacity = 1024

// PublishedEvent is one state-change notification destined for sibling
// processes (VRRP tracker, LVS checker).
type PublishedEvent struct {
	Kind       EventKind
	LocalDiscr uint32
	Diag       Diag
	PeerAddr   netip.Addr
}

// encode serializes e into the fixed-size little-endian pipe record.
// buf must be at least recordSize bytes.
func (e PublishedEvent) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.Kind))
	binary.LittleEndian.PutUint32(buf[4:8], e.LocalDiscr)
	buf[8] = byte(e.Diag)

	// IPv4 addresses are left-padded with zeros, not written in the
	// IPv4-mapped ::ffff: form As16 would produce.
	var addr16 [16]byte
	if e.PeerAddr.Is4() || e.PeerAddr.Is4In6() {
		buf[9] = addrFamilyV4
		v4 := e.PeerAddr.Unmap().As4()
		copy(addr16[12:], v4[:])
	} else {
		buf[9] = addrFamilyV6
		addr16 = e.PeerAddr.As16()
	}
	buf[10] = 0
	buf[11] = 0
	copy(buf[12:28], addr16[:])
}

// -------------------------------------------------------------------------
// Consumer pipe + bounded FIFO
// -------------------------------------------------------------------------

// consumerPipe is one named event-pipe consumer (e.g. "vrrp", "checker")
// plus its bounded overflow FIFO. Writes are attempted nonblocking first;
// on EAGAIN the record is enqueued, and on a full FIFO the oldest queued
// record is discarded and the overflow counted.
type consumerPipe struct {
	name string
	fd   int
	fifo [][recordSize]byte
	head int
}

func newConsumerPipe(name string, fd int) *consumerPipe {
	return &consumerPipe{
		name: name,
		fd:   fd,
		fifo: make([][recordSize]byte, 0, fifoCapacity),
	}
}

// enqueue appends rec to the FIFO, discarding the oldest entry first if the
// FIFO is already at capacity. The dead prefix left behind by discards and
// partial drains is compacted away once it reaches a full capacity's worth,
// so the backing array stays bounded even when the consumer never drains.
func (c *consumerPipe) enqueue(rec [recordSize]byte) bool {
	overflowed := false
	if len(c.fifo)-c.head >= fifoCapacity {
		c.head++
		overflowed = true
	}
	if c.head >= fifoCapacity {
		c.fifo = append(c.fifo[:0], c.fifo[c.head:]...)
		c.head = 0
	}
	c.fifo = append(c.fifo, rec)
	return overflowed
}

// drain attempts to flush as much of the FIFO as possible via nonblocking
// writes, resetting the slice once everything queued has been written.
func (c *consumerPipe) drain() error {
	for c.head < len(c.fifo) {
		rec := c.fifo[c.head]
		n, err := unix.Write(c.fd, rec[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			return fmt.Errorf("write consumer pipe %s: %w", c.name, err)
		}
		if n < recordSize {
			return fmt.Errorf("short write to consumer pipe %s: %d of %d bytes", c.name, n, recordSize)
		}
		c.head++
	}
	if c.head > 0 {
		c.fifo = append(c.fifo[:0], c.fifo[c.head:]...)
		c.head = 0
	}
	return nil
}

// -------------------------------------------------------------------------
// Publisher
// -------------------------------------------------------------------------

// Publisher fans published state-change events out to every configured
// consumer pipe. It never blocks the Dispatcher's loop: a write that would
// block is queued, and a queue that is already full drops its oldest entry
// while counting the overflow.
type Publisher struct {
	consumers []*consumerPipe
	metrics   MetricsReporter
	logger    *slog.Logger
}

// NewPublisher creates a Publisher writing to the given named file
// descriptors (typically the write end of a pipe(2) pair whose read end is
// held by a sibling process). metrics may be nil.
func NewPublisher(consumers map[string]int, metrics MetricsReporter, logger *slog.Logger) *Publisher {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	p := &Publisher{metrics: metrics, logger: logger}
	for name, fd := range consumers {
		p.consumers = append(p.consumers, newConsumerPipe(name, fd))
	}
	return p
}

// Publish encodes ev and writes it to every consumer, nonblocking. Delivery
// is at-most-once; a consumer that isn't draining its pipe eventually loses
// its oldest queued events rather than stalling the Dispatcher.
func (p *Publisher) Publish(ev PublishedEvent) {
	var rec [recordSize]byte
	ev.encode(rec[:])

	for _, c := range p.consumers {
		// Try a direct nonblocking write first when the FIFO is already
		// empty, so the common (consumer keeping up) case never touches
		// the queue at all.
		if len(c.fifo) == c.head {
			n, err := unix.Write(c.fd, rec[:])
			if err == nil && n == recordSize {
				continue
			}
			if err != nil && !errors.Is(err, unix.EAGAIN) {
				p.logger.Warn("consumer pipe write failed", "consumer", c.name, "error", err)
				continue
			}
		}

		if overflowed := c.enqueue(rec); overflowed {
			p.metrics.IncPublisherOverflow(c.name)
			p.logger.Warn("consumer pipe FIFO overflow, dropping oldest record", "consumer", c.name)
		}
	}
}

// DrainPending attempts to flush every consumer's backlog. The Dispatcher
// calls this once per loop iteration; it is a no-op while every FIFO is
// empty.
func (p *Publisher) DrainPending() {
	for _, c := range p.consumers {
		if err := c.drain(); err != nil {
			p.logger.Warn("consumer pipe drain failed", "consumer", c.name, "error", err)
		}
	}
}

// Pending reports whether the named consumer has queued records not yet
// written to its pipe; it reports false for an unknown name.
func (p *Publisher) Pending(name string) bool {
	for _, c := range p.consumers {
		if c.name == name {
			return c.head < len(c.fifo)
		}
	}
	return false
}
