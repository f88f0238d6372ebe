// Package dispatch implements the daemon's single-threaded cooperative
// event loop: one goroutine owns every Session, the Store,
// the TimerWheel, and the Publisher, multiplexing socket readability, timer
// deadlines, and self-pipe-delivered control events (reload, dump,
// terminate). internal/bfd cannot own this loop directly -- internal/netio
// already imports internal/bfd for its packet buffer pool, so a package
// that imports both has to sit above both of them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/ivoronin/gobfdd/internal/bfd"
	"github.com/ivoronin/gobfdd/internal/netio"
)

// ControlHandlers lets the daemon entrypoint hook signal-driven control
// events into the Dispatcher's loop without the Dispatcher importing
// internal/config: the entrypoint owns re-parsing configuration and only
// hands the Dispatcher the result.
type ControlHandlers struct {
	// Reload is invoked when a reload is requested (SIGHUP). It returns
	// the freshly parsed instance set; the Dispatcher applies it through
	// the Reload Engine. A non-nil error is logged and the reload is
	// skipped, leaving the live session set untouched.
	Reload func() ([]bfd.InstanceSpec, error)

	// Dump is invoked when a session dump is requested (SIGUSR1), given
	// the live session set sorted by local discriminator.
	Dump func(sessions []*bfd.Session)
}

// SenderKey distinguishes single-hop from multi-hop senders bound to the
// same local address; in the overwhelmingly common case a given local
// address serves exactly one hop type, so this only matters when both
// forms of BFD happen to share an address.
type SenderKey struct {
	LocalAddr netip.Addr
	MultiHop  bool
}

// Dispatcher owns every mutable BFD structure and the sockets that feed
// it. It is not safe for concurrent use: everything on it is touched only
// from the goroutine running Run/Step. The one exception is the self-pipe
// write side, which the signal forwarder goroutine writes to; the daemon's
// other goroutines (metrics server, watchdog) do not touch the Dispatcher.
type Dispatcher struct {
	store  *bfd.Store
	timers *bfd.TimerWheel
	pub    *bfd.Publisher
	reload *bfd.ReloadEngine
	logger *slog.Logger

	listeners []*netio.Listener
	senders   map[SenderKey]*netio.UDPSender

	handlers ControlHandlers

	pipe *selfPipe

	now func() time.Time

	terminated bool
}

// New creates a Dispatcher wired to the given shared state, listeners, and
// senders. senders must contain one *netio.UDPSender per distinct
// (local address, hop type) pair the configured instances use; New takes
// ownership of closing both listeners and senders in Close.
func New(
	store *bfd.Store,
	timers *bfd.TimerWheel,
	pub *bfd.Publisher,
	reloadEngine *bfd.ReloadEngine,
	listeners []*netio.Listener,
	senders map[SenderKey]*netio.UDPSender,
	handlers ControlHandlers,
	logger *slog.Logger,
) (*Dispatcher, error) {
	pipe, err := newSelfPipe()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: create self-pipe: %w", err)
	}

	return &Dispatcher{
		store:     store,
		timers:    timers,
		pub:       pub,
		reload:    reloadEngine,
		logger:    logger,
		listeners: listeners,
		senders:   senders,
		handlers:  handlers,
		pipe:      pipe,
		now:       time.Now,
	}, nil
}

// RequestReload asks the loop to reconcile against freshly parsed
// configuration on its next iteration (triggered by SIGHUP).
// Safe to call from the signal-forwarder goroutine.
func (d *Dispatcher) RequestReload() { d.pipe.notify(eventReload) }

// RequestDump asks the loop to invoke ControlHandlers.Dump on its next
// iteration (triggered by SIGUSR1). Safe to call from the
// signal-forwarder goroutine.
func (d *Dispatcher) RequestDump() { d.pipe.notify(eventDump) }

// RequestTerminate asks the loop to exit Run after finishing the current
// iteration (triggered by SIGTERM). Safe to call from the
// signal-forwarder goroutine.
func (d *Dispatcher) RequestTerminate() { d.pipe.notify(eventTerminate) }

// Sessions returns every live session sorted by local discriminator.
func (d *Dispatcher) Sessions() []*bfd.Session { return d.store.Sessions() }

// Close releases every listener, sender, and the self-pipe. Call after
// Run returns.
func (d *Dispatcher) Close() {
	for _, l := range d.listeners {
		if err := l.Close(); err != nil {
			d.logger.Warn("close listener failed", slog.String("error", err.Error()))
		}
	}
	for _, s := range d.senders {
		if err := s.Close(); err != nil {
			d.logger.Warn("close sender failed", slog.String("error", err.Error()))
		}
	}
	d.pipe.close()
}

// -------------------------------------------------------------------------
// Step — one iteration of the loop body, independent of epoll
// -------------------------------------------------------------------------

// Step performs one iteration of the dispatcher loop: it drains every
// listener until EAGAIN, drains the self-pipe and acts on any pending
// control event, and fires every timer whose deadline is at or before now.
// It never blocks. Step is the unit this package's tests drive directly;
// Run wraps it with the real epoll_wait-based wakeup source.
func (d *Dispatcher) Step(now time.Time) {
	for _, l := range d.listeners {
		d.drainListener(l, now)
	}

	d.drainSelfPipe(now)

	for _, fired := range d.timers.PopExpired(now) {
		d.handleTimer(fired, now)
	}

	// Flush any event-pipe backlog left by a consumer that wasn't keeping
	// up. A no-op when every FIFO is empty.
	d.pub.DrainPending()
}

// drainListener performs nonblocking reads from l until it returns an
// error (EAGAIN in production, or any other terminal read error -- a
// listener that starts failing stops being drained for this Step but is
// retried on the next one). A GTSM TTL rejection only drops that one
// datagram; the drain continues.
func (d *Dispatcher) drainListener(l *netio.Listener, now time.Time) {
	for {
		buf, meta, err := l.RecvNonBlocking()
		if err != nil {
			if errors.Is(err, netio.ErrTTLInvalid) {
				continue
			}
			return
		}
		d.handlePacket(buf, meta, now)
		netio.RecycleBuffer(buf)
	}
}

// handlePacket decodes one received datagram and, if it resolves to a live
// session, runs the session's RX handler and applies the resulting
// Outcome. Malformed packets and packets that resolve to no session are
// dropped silently per RFC 5880 Section 6.8.6 -- the Store's unknown-
// session counter already accounts for the latter.
func (d *Dispatcher) handlePacket(wire []byte, meta netio.PacketMeta, now time.Time) {
	var pkt bfd.ControlPacket
	if err := bfd.UnmarshalControlPacket(wire, &pkt); err != nil {
		d.logger.Debug("dropping malformed control packet",
			slog.String("peer", meta.SrcAddr.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	sess, ok := d.store.Resolve(pkt.YourDiscriminator, meta.SrcAddr, meta.SrcPort)
	if !ok {
		d.logger.Debug("dropping packet for unknown session",
			slog.String("peer", meta.SrcAddr.String()),
			slog.Uint64("your_discr", uint64(pkt.YourDiscriminator)),
		)
		return
	}

	outcome := sess.HandleRX(&pkt, wire, now)
	d.applyOutcome(sess, outcome, now)
}

// handleTimer routes one expired (sessionID, kind) pair to the owning
// session's TX or detection timer handler. A fired timer for a
// discriminator no longer in the Store (torn down between schedule and
// fire) is silently ignored.
func (d *Dispatcher) handleTimer(fired bfd.FiredTimer, now time.Time) {
	sess, ok := d.store.ByDiscriminator(fired.SessionID)
	if !ok {
		return
	}

	var outcome bfd.Outcome
	switch fired.Kind {
	case bfd.TimerTX:
		outcome = sess.HandleTXTimer()
	case bfd.TimerDetect:
		outcome = sess.HandleDetectTimer(now)
	}
	d.applyOutcome(sess, outcome, now)
}

// applyOutcome carries out what a session handler reported via Outcome:
// transmit, publish, and rearm or cancel timers. The Reload Engine also
// calls TimerWheel.Schedule and Publisher.Publish directly for the
// sessions it creates, updates or removes.
func (d *Dispatcher) applyOutcome(sess *bfd.Session, outcome bfd.Outcome, now time.Time) {
	if outcome.SendNow != nil {
		d.transmit(sess.LocalAddr(), sess.PeerAddr(), sess.Type() == bfd.SessionTypeMultiHop, outcome.SendNow)
	}

	if outcome.StateChange != nil {
		d.publishStateChange(sess, outcome.StateChange)
	}

	if outcome.Timer.ResetTX {
		d.timers.Schedule(sess.LocalDiscriminator(), bfd.TimerTX, sess.TXDeadline(now))
	}
	if outcome.Timer.ResetDetect {
		if deadline, ok := sess.DetectDeadline(now); ok {
			d.timers.Schedule(sess.LocalDiscriminator(), bfd.TimerDetect, deadline)
		} else {
			d.timers.Cancel(sess.LocalDiscriminator(), bfd.TimerDetect)
		}
	}
}

// publishStateChange translates a StateChange into the EventKind the
// Event Publisher's wire record names (Up, Down, Admin). A transition into
// Init publishes nothing.
func (d *Dispatcher) publishStateChange(sess *bfd.Session, sc *bfd.StateChange) {
	if sc.NewState == bfd.StateInit {
		return
	}
	kind := bfd.EventDown
	switch {
	case sc.NewState == bfd.StateUp:
		kind = bfd.EventUp
	case sc.NewState == bfd.StateAdminDown:
		kind = bfd.EventAdmin
	}

	d.pub.Publish(bfd.PublishedEvent{
		Kind:       kind,
		LocalDiscr: sess.LocalDiscriminator(),
		Diag:       sc.Diag,
		PeerAddr:   sc.PeerAddr,
	})
}

// transmit sends wire from localAddr to peerAddr using the sender
// registered for that (local address, hop type) pair. Also used as the
// Reload Engine's TransmitFunc for immediate AdminDown packets on removal.
func (d *Dispatcher) transmit(localAddr, peerAddr netip.Addr, multiHop bool, wire []byte) {
	sender, ok := d.senders[SenderKey{LocalAddr: localAddr, MultiHop: multiHop}]
	if !ok {
		d.logger.Warn("no sender registered for local address",
			slog.String("local", localAddr.String()),
			slog.Bool("multi_hop", multiHop),
		)
		return
	}
	if err := sender.SendPacket(context.Background(), wire, peerAddr); err != nil {
		d.logger.Warn("send failed",
			slog.String("local", localAddr.String()),
			slog.String("peer", peerAddr.String()),
			slog.String("error", err.Error()),
		)
	}
}

// ReloadTransmitFunc returns the bfd.TransmitFunc the Reload Engine should
// be constructed with: the Reload Engine never learns a session's hop
// type through TransmitFunc's signature, so this always tries single-hop
// first, falling back to multi-hop -- correct unless one local address is
// simultaneously used for both hop types, a configuration this daemon
// does not need to support.
func (d *Dispatcher) ReloadTransmitFunc() bfd.TransmitFunc {
	return func(localAddr, peerAddr netip.Addr, wire []byte) {
		if _, ok := d.senders[SenderKey{LocalAddr: localAddr, MultiHop: false}]; ok {
			d.transmit(localAddr, peerAddr, false, wire)
			return
		}
		d.transmit(localAddr, peerAddr, true, wire)
	}
}

// drainSelfPipe consumes every pending byte on the self-pipe and acts on
// whichever control events they encode, in the order SIGTERM-implies-exit
// takes priority: a terminate request short-circuits reload/dump handling
// for this Step since the Dispatcher is about to stop anyway.
func (d *Dispatcher) drainSelfPipe(now time.Time) {
	events := d.pipe.drain()
	if events.terminate {
		d.terminated = true
		return
	}
	if events.reload {
		d.doReload(now)
	}
	if events.dump && d.handlers.Dump != nil {
		d.handlers.Dump(d.store.Sessions())
	}
}

// doReload re-parses configuration via ControlHandlers.Reload and applies
// the result through the Reload Engine.
func (d *Dispatcher) doReload(now time.Time) {
	if d.handlers.Reload == nil {
		return
	}
	specs, err := d.handlers.Reload()
	if err != nil {
		d.logger.Error("reload failed, keeping previous configuration", slog.String("error", err.Error()))
		return
	}
	result := d.reload.Apply(now, specs)
	d.logger.Info("reload applied",
		slog.Int("deleted", result.Deleted),
		slog.Int("updated", result.Updated),
		slog.Int("polled", result.Polled),
		slog.Int("created", result.Created),
	)
}

// Terminated reports whether a terminate request has been processed.
func (d *Dispatcher) Terminated() bool { return d.terminated }

// DrainAllSessions administratively disables every live session for
// graceful shutdown. Returns once every
// session has been told to go AdminDown and its packet (if any) has been
// transmitted; callers still need to wait out the remote side's detection
// time before it is safe to exit.
func (d *Dispatcher) DrainAllSessions(now time.Time) {
	for _, sess := range d.store.Sessions() {
		outcome := sess.SetAdminDown(now)
		d.applyOutcome(sess, outcome, now)
	}
}
