package bfd

import (
	"net/netip"
	"sort"
)

// -------------------------------------------------------------------------
// Session Store
// -------------------------------------------------------------------------

// storeKey is the secondary index key: (peer_address, peer_port), used to
// resolve a session from its first packet before Your Discriminator is
// known. Local address and interface are not part of this key -- they are
// still stored on Session itself for socket setup and the Reload Engine's
// diff key.
type storeKey struct {
	peerAddr netip.Addr
	peerPort uint16
}

// Store is the keyed set of live Sessions. It owns its sessions exclusively;
// no other component holds a competing reference that outlives a Remove.
//
// Store is not safe for concurrent use: it is mutated only by the
// Dispatcher's single goroutine.
type Store struct {
	byDiscriminator map[uint32]*Session
	byPeer          map[storeKey]*Session
	unknownCount    uint64
	metrics         MetricsReporter
}

// NewStore creates an empty Store. metrics may be nil; a no-op reporter is
// used in that case.
func NewStore(metrics MetricsReporter) *Store {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Store{
		byDiscriminator: make(map[uint32]*Session),
		byPeer:          make(map[storeKey]*Session),
		metrics:         metrics,
	}
}

// Add registers a new session under both indices. The secondary index entry
// uses the session's configured peer address and port.
func (st *Store) Add(s *Session, peerPort uint16) {
	st.byDiscriminator[s.localDiscr] = s
	st.byPeer[storeKey{peerAddr: s.peerAddr, peerPort: peerPort}] = s
}

// Remove deletes the session with the given local discriminator from both
// indices. Removing an unknown discriminator is a no-op.
func (st *Store) Remove(localDiscr uint32, peerPort uint16) {
	s, ok := st.byDiscriminator[localDiscr]
	if !ok {
		return
	}
	delete(st.byDiscriminator, localDiscr)
	delete(st.byPeer, storeKey{peerAddr: s.peerAddr, peerPort: peerPort})
}

// ByDiscriminator resolves a session by local discriminator (the primary
// index).
func (st *Store) ByDiscriminator(discr uint32) (*Session, bool) {
	s, ok := st.byDiscriminator[discr]
	return s, ok
}

// ByPeer resolves a session by (peer address, peer port) -- the secondary
// index used when Your Discriminator is zero.
func (st *Store) ByPeer(peerAddr netip.Addr, peerPort uint16) (*Session, bool) {
	s, ok := st.byPeer[storeKey{peerAddr: peerAddr, peerPort: peerPort}]
	return s, ok
}

// Resolve implements the receive-side lookup policy: if yourDiscr is
// nonzero, resolve by primary index; otherwise resolve by secondary index.
// If neither resolves, the unknown-session counter is incremented and the
// second return value is false.
//
// A peer's BFD source port is ephemeral (RFC 5881 Section 4: 49152-65535)
// and cannot be known at configuration time, so a session is registered in
// the secondary index with peerPort 0 ("unbound") until its first packet
// arrives. Resolve transparently falls back to an address-only match for
// an unbound session and pins the observed port via RebindPeer, so every
// later packet from that peer takes the exact-match fast path.
func (st *Store) Resolve(yourDiscr uint32, peerAddr netip.Addr, peerPort uint16) (*Session, bool) {
	if yourDiscr != 0 {
		s, ok := st.ByDiscriminator(yourDiscr)
		if !ok {
			st.unknownCount++
			st.metrics.IncUnknownSession()
		}
		return s, ok
	}

	if s, ok := st.ByPeer(peerAddr, peerPort); ok {
		return s, true
	}
	if s, ok := st.byPeer[storeKey{peerAddr: peerAddr, peerPort: 0}]; ok {
		st.RebindPeer(s.localDiscr, peerPort)
		return s, true
	}

	st.unknownCount++
	st.metrics.IncUnknownSession()
	return nil, false
}

// RebindPeer updates the secondary index key for the session at
// localDiscr to reflect the peer's actual observed source port, learned
// from its first received packet (see Resolve). A no-op if localDiscr
// isn't registered.
func (st *Store) RebindPeer(localDiscr uint32, newPeerPort uint16) {
	s, ok := st.byDiscriminator[localDiscr]
	if !ok {
		return
	}
	delete(st.byPeer, storeKey{peerAddr: s.peerAddr, peerPort: s.peerPort})
	s.peerPort = newPeerPort
	st.byPeer[storeKey{peerAddr: s.peerAddr, peerPort: newPeerPort}] = s
}

// UnknownSessionCount reports the number of packets dropped because neither
// index resolved them.
func (st *Store) UnknownSessionCount() uint64 {
	return st.unknownCount
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	return len(st.byDiscriminator)
}

// Sessions returns every live session sorted by local_disc, the
// administrative dump ordering.
func (st *Store) Sessions() []*Session {
	out := make([]*Session, 0, len(st.byDiscriminator))
	for _, s := range st.byDiscriminator {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].localDiscr < out[j].localDiscr
	})
	return out
}
