package bfd

import (
	"bytes"
	"log/slog"
	"net/netip"
	"sort"
	"time"
)

// -------------------------------------------------------------------------
// Reload Engine
// -------------------------------------------------------------------------

// InstanceSpec is the normalized, parser-agnostic form of one configured
// `bfd_instance` record. Configuration file parsing lives elsewhere, so
// the Reload Engine never imports internal/config; callers translate their
// own config structures into InstanceSpec before calling ReloadEngine.Apply.
type InstanceSpec struct {
	LocalAddr netip.Addr
	PeerAddr  netip.Addr
	// PeerPort is the peer's BFD source port if already known (e.g. a
	// prior run learned it), or 0 to let the Store learn it from the
	// peer's first packet (RFC 5881 Section 4: source ports are
	// ephemeral and not configurable).
	PeerPort  uint16
	Interface string
	TTL       uint8

	Type SessionType
	Role SessionRole

	DesiredMinTx            time.Duration
	RequiredMinRx           time.Duration
	IdleTx                  time.Duration
	DetectMult              uint8
	ControlPlaneIndependent bool

	// Auth material. AuthType == AuthTypeNone means no authentication.
	// Auth/AuthKeys are the constructed implementations handed to
	// Session.NewSession; AuthKeyID/AuthKeySecret are comparable copies of
	// the same configured identity, used only to detect a key rotation
	// across reloads without reaching into the AuthKeyStore interface.
	AuthType      AuthType
	AuthKeyID     uint8
	AuthKeySecret []byte
	Auth          Authenticator
	AuthKeys      AuthKeyStore
}

// reloadKey is the (local-address, peer-address) tuple reloads diff on.
type reloadKey struct {
	local netip.Addr
	peer  netip.Addr
}

func (is InstanceSpec) key() reloadKey {
	return reloadKey{local: is.LocalAddr, peer: is.PeerAddr}
}

func reloadKeyLess(a, b reloadKey) bool {
	if a.local != b.local {
		return a.local.Less(b.local)
	}
	return a.peer.Less(b.peer)
}

// tuneablesEqual reports whether the timing parameters
// (desired_min_tx, required_min_rx, detect_mult) are identical between two
// specs for the same peer.
func tuneablesEqual(a, b InstanceSpec) bool {
	return a.DesiredMinTx == b.DesiredMinTx &&
		a.RequiredMinRx == b.RequiredMinRx &&
		a.DetectMult == b.DetectMult
}

// structuralEqual reports whether everything that isn't a "tuneable" but
// still identifies the peer relationship (transport binding, TTL
// requirement, auth identity) is unchanged. A structural change can't be
// applied in place; it is handled like a removed peer: emit AdminDown,
// destroy, recreate.
func structuralEqual(a, b InstanceSpec) bool {
	return a.Interface == b.Interface &&
		a.TTL == b.TTL &&
		a.Type == b.Type &&
		a.Role == b.Role &&
		a.AuthType == b.AuthType &&
		a.AuthKeyID == b.AuthKeyID &&
		bytes.Equal(a.AuthKeySecret, b.AuthKeySecret)
}

// TransmitFunc sends wire bytes from localAddr to peerAddr. The Reload
// Engine never owns a socket itself (sockets belong exclusively to the
// Dispatcher); this callback lets ReloadEngine emit the immediate
// AdminDown packet RFC 5880 Section 6.8.16 requires on a peer's removal
// without reaching into netio directly.
type TransmitFunc func(localAddr, peerAddr netip.Addr, wire []byte)

// liveEntry pairs a live Session with the InstanceSpec that last configured
// it, so the next Apply call can classify what changed.
type liveEntry struct {
	spec    InstanceSpec
	session *Session
}

// ReloadEngine implements diff-and-apply reconciliation: on every call to
// Apply, it compares the previously-applied instance set
// against a freshly parsed one and classifies each peer as unchanged,
// tuneables-changed, structurally-changed-or-removed, or new.
//
// ReloadEngine is not safe for concurrent use; like every other bfd
// package type it is owned exclusively by the Dispatcher's single
// goroutine.
type ReloadEngine struct {
	store    *Store
	discrs   *DiscriminatorAllocator
	timers   *TimerWheel
	pub      *Publisher
	transmit TransmitFunc
	logger   *slog.Logger

	live map[reloadKey]*liveEntry
}

// NewReloadEngine creates a ReloadEngine wired to the daemon's shared Store,
// DiscriminatorAllocator, TimerWheel, and Event Publisher. transmit may be
// nil (AdminDown packets are then only reflected in Store/Publisher state,
// not put on the wire — useful in tests that don't exercise sockets).
func NewReloadEngine(
	store *Store,
	discrs *DiscriminatorAllocator,
	timers *TimerWheel,
	pub *Publisher,
	transmit TransmitFunc,
	logger *slog.Logger,
) *ReloadEngine {
	if transmit == nil {
		transmit = func(netip.Addr, netip.Addr, []byte) {}
	}
	return &ReloadEngine{
		store:    store,
		discrs:   discrs,
		timers:   timers,
		pub:      pub,
		transmit: transmit,
		logger:   logger,
		live:     make(map[reloadKey]*liveEntry),
	}
}

// ReloadResult summarizes the outcome of one Apply call, for logging and
// the supervising process's reload exit-code decision.
type ReloadResult struct {
	Deleted int
	Updated int
	Polled  int
	Created int
}

// Apply reconciles the live session set against newSpecs, emitting events
// in a fixed order: deletes, then updates, then creates. now is used for
// FSM timestamps and timer re-arming.
func (re *ReloadEngine) Apply(now time.Time, newSpecs []InstanceSpec) ReloadResult {
	newByKey := make(map[reloadKey]InstanceSpec, len(newSpecs))
	for _, s := range newSpecs {
		newByKey[s.key()] = s
	}

	var deletes, updates, creates []reloadKey

	for key := range re.live {
		if _, ok := newByKey[key]; !ok {
			deletes = append(deletes, key)
		}
	}
	for _, s := range newSpecs {
		key := s.key()
		if _, existed := re.live[key]; existed {
			updates = append(updates, key)
		} else {
			creates = append(creates, key)
		}
	}

	sort.Slice(deletes, func(i, j int) bool { return reloadKeyLess(deletes[i], deletes[j]) })
	sort.Slice(updates, func(i, j int) bool { return reloadKeyLess(updates[i], updates[j]) })
	sort.Slice(creates, func(i, j int) bool { return reloadKeyLess(creates[i], creates[j]) })

	var result ReloadResult

	for _, key := range deletes {
		re.applyDelete(now, key)
		result.Deleted++
	}
	for _, key := range updates {
		polled, recreated := re.applyUpdate(now, key, newByKey[key])
		result.Updated++
		if polled {
			result.Polled++
		}
		if recreated {
			result.Created++
		}
	}
	for _, key := range creates {
		if re.applyCreate(now, newByKey[key]) {
			result.Created++
		}
	}

	return result
}

// applyDelete tears down the session at key: emits AdminDown (RFC 5880
// Section 6.8.16), publishes a SessionAdmin event, cancels its timers, and
// removes it from the Store.
func (re *ReloadEngine) applyDelete(now time.Time, key reloadKey) {
	entry, ok := re.live[key]
	if !ok {
		return
	}
	delete(re.live, key)
	re.teardown(now, entry.session)
}

// teardown drives one session to AdminDown, publishes the admin event, and
// removes it from the Store and TimerWheel.
func (re *ReloadEngine) teardown(now time.Time, sess *Session) {
	outcome := sess.SetAdminDown(now)

	if outcome.SendNow != nil {
		re.transmit(sess.LocalAddr(), sess.PeerAddr(), outcome.SendNow)
	}
	if outcome.StateChange != nil {
		re.pub.Publish(PublishedEvent{
			Kind:       EventAdmin,
			LocalDiscr: sess.LocalDiscriminator(),
			Diag:       outcome.StateChange.Diag,
			PeerAddr:   sess.PeerAddr(),
		})
	}

	re.timers.CancelSession(sess.LocalDiscriminator())
	re.store.Remove(sess.LocalDiscriminator(), sess.PeerPort())
	re.discrs.Release(sess.LocalDiscriminator())

	re.logger.Info("reload: instance removed",
		slog.String("peer", sess.PeerAddr().String()),
		slog.String("local", sess.LocalAddr().String()),
	)
}

// applyUpdate reconciles one peer present both before and after the
// reload. polled reports whether a Poll Sequence was initiated; recreated
// reports whether a structural change replaced the session with a newly
// created one.
func (re *ReloadEngine) applyUpdate(now time.Time, key reloadKey, newSpec InstanceSpec) (polled, recreated bool) {
	entry := re.live[key]
	oldSpec := entry.spec

	if !structuralEqual(oldSpec, newSpec) {
		// A structural change (transport binding, TTL, auth identity)
		// cannot carry the old FSM state over: emit AdminDown, destroy,
		// recreate as Down.
		re.teardown(now, entry.session)
		delete(re.live, key)
		return false, re.applyCreate(now, newSpec)
	}

	if tuneablesEqual(oldSpec, newSpec) {
		entry.spec = newSpec
		return false, false
	}

	// Tuneables changed: preserve FSM state, update the parameters, and
	// initiate a Poll Sequence.
	sess := entry.session
	polled = sess.ApplyTuneables(newSpec.DesiredMinTx, newSpec.RequiredMinRx, newSpec.DetectMult)
	entry.spec = newSpec

	re.timers.Schedule(sess.LocalDiscriminator(), TimerTX, sess.TXDeadline(now))

	re.logger.Info("reload: instance tuneables updated",
		slog.String("peer", sess.PeerAddr().String()),
		slog.Bool("poll", polled),
	)

	return polled, false
}

// applyCreate allocates a fresh discriminator and Session for a newly
// configured peer, registers it in the Store, and schedules its first TX.
// Returns false if discriminator allocation or session construction
// failed; the error is logged and the instance is skipped until the next
// reload.
func (re *ReloadEngine) applyCreate(now time.Time, spec InstanceSpec) bool {
	discr, err := re.discrs.Allocate()
	if err != nil {
		re.logger.Error("reload: discriminator allocation failed",
			slog.String("peer", spec.PeerAddr.String()),
			slog.String("error", err.Error()),
		)
		return false
	}

	cfg := SessionConfig{
		PeerAddr:                spec.PeerAddr,
		PeerPort:                spec.PeerPort,
		LocalAddr:               spec.LocalAddr,
		Interface:               spec.Interface,
		TTL:                     spec.TTL,
		Type:                    spec.Type,
		Role:                    spec.Role,
		DesiredMinTxInterval:    spec.DesiredMinTx,
		RequiredMinRxInterval:   spec.RequiredMinRx,
		IdleTxInterval:          spec.IdleTx,
		DetectMultiplier:        spec.DetectMult,
		ControlPlaneIndependent: spec.ControlPlaneIndependent,
		Auth:                    spec.Auth,
		AuthKeys:                spec.AuthKeys,
	}

	sess, err := NewSession(cfg, discr, nil, re.logger)
	if err != nil {
		re.discrs.Release(discr)
		re.logger.Error("reload: create session failed",
			slog.String("peer", spec.PeerAddr.String()),
			slog.String("error", err.Error()),
		)
		return false
	}

	re.store.Add(sess, spec.PeerPort)
	re.live[spec.key()] = &liveEntry{spec: spec, session: sess}
	re.timers.Schedule(discr, TimerTX, sess.TXDeadline(now))

	re.logger.Info("reload: instance created",
		slog.String("peer", spec.PeerAddr.String()),
		slog.String("local", spec.LocalAddr.String()),
		slog.Uint64("local_discr", uint64(discr)),
	)

	return true
}

// Sessions returns every live session this ReloadEngine has created,
// sorted by local discriminator (mirrors Store.Sessions; used by the
// graceful-drain shutdown path to AdminDown every instance in a
// deterministic order).
func (re *ReloadEngine) Sessions() []*Session {
	out := make([]*Session, 0, len(re.live))
	for _, entry := range re.live {
		out = append(out, entry.session)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LocalDiscriminator() < out[j].LocalDiscriminator()
	})
	return out
}
