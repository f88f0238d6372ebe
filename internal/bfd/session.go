package bfd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"time"
)

// -------------------------------------------------------------------------
// Session Type & Role — RFC 5881 / RFC 5883
// -------------------------------------------------------------------------

// SessionType distinguishes single-hop from multi-hop BFD sessions.
type SessionType uint8

const (
	// SessionTypeSingleHop indicates a single-hop BFD session (RFC 5881).
	SessionTypeSingleHop SessionType = iota + 1

	// SessionTypeMultiHop indicates a multi-hop BFD session (RFC 5883).
	SessionTypeMultiHop
)

// String returns the human-readable name for the session type.
func (st SessionType) String() string {
	switch st {
	case SessionTypeSingleHop:
		return "SingleHop"
	case SessionTypeMultiHop:
		return "MultiHop"
	default:
		return unknownStr
	}
}

// SessionRole determines the initial packet transmission behavior.
type SessionRole uint8

const (
	// RoleActive indicates the system MUST begin sending BFD Control
	// packets regardless of whether any packets have been received
	// (RFC 5880 Section 6.1).
	RoleActive SessionRole = iota + 1

	// RolePassive indicates the system MUST NOT send BFD Control packets
	// until a packet has been received from the remote system
	// (RFC 5880 Section 6.8.7).
	RolePassive
)

// String returns the human-readable name for the session role.
func (sr SessionRole) String() string {
	switch sr {
	case RoleActive:
		return "Active"
	case RolePassive:
		return "Passive"
	default:
		return unknownStr
	}
}

// -------------------------------------------------------------------------
// Session Configuration & Notification
// -------------------------------------------------------------------------

// SessionConfig contains the parameters needed to create a new BFD session.
type SessionConfig struct {
	// PeerAddr is the remote system's IP address.
	PeerAddr netip.Addr

	// PeerPort is the remote system's UDP source port, used as half of the
	// Session Store's secondary lookup key. BFD source
	// ports are ephemeral per RFC 5881 Section 4 but fixed for a session's
	// lifetime. Zero means the port is not known yet: Store.Resolve then
	// matches the first packet from the peer address on any port and pins
	// its source port via RebindPeer.
	PeerPort uint16

	// LocalAddr is the local system's IP address used for BFD packets.
	LocalAddr netip.Addr

	// Interface is the network interface name for SO_BINDTODEVICE (optional).
	Interface string

	// TTL is the required TTL/hop-limit on inbound packets (GTSM,
	// RFC 5881 Section 5). Defaults to 255 (single-hop) when zero.
	TTL uint8

	// Type distinguishes single-hop (RFC 5881) from multi-hop (RFC 5883).
	Type SessionType

	// Role determines whether the session actively initiates or waits passively.
	Role SessionRole

	// DesiredMinTxInterval is the minimum desired TX interval.
	// RFC 5880 Section 6.8.1: MUST be initialized to >= 1 second.
	DesiredMinTxInterval time.Duration

	// RequiredMinRxInterval is the minimum acceptable RX interval.
	RequiredMinRxInterval time.Duration

	// IdleTxInterval is the pre-Up transmit rate. Zero means "use the
	// RFC 5880 Section 6.8.3 default of 1s".
	IdleTxInterval time.Duration

	// DetectMultiplier is the detection time multiplier (RFC 5880 Section 6.8.1).
	// MUST be nonzero.
	DetectMultiplier uint8

	// ControlPlaneIndependent sets the C bit on transmitted packets.
	ControlPlaneIndependent bool

	// Auth is the optional authenticator for this session.
	// nil means no authentication (RFC 5880 Section 6.7).
	Auth Authenticator

	// AuthKeys provides the key store for authentication.
	// Required if Auth is not nil.
	AuthKeys AuthKeyStore
}

// StateChange is emitted when a session FSM transitions between states.
// Also used for AdminDown notifications that do not flow through the FSM
// transition table (graceful drain, reload removal).
type StateChange struct {
	// LocalDiscr is the local discriminator of the session.
	LocalDiscr uint32

	// PeerAddr is the remote system's IP address.
	PeerAddr netip.Addr

	// OldState is the session state before the transition.
	OldState State

	// NewState is the session state after the transition.
	NewState State

	// Diag is the current diagnostic code after the transition.
	Diag Diag

	// Timestamp is when the transition occurred.
	Timestamp time.Time
}

// PacketSender abstracts sending BFD Control packets over the network.
// The Dispatcher satisfies this with a netio.UDPSender per local address;
// Session itself never calls it directly — outbound bytes are reported
// through Outcome.SendNow and written by the Dispatcher after an epoll
// readiness notification. The interface is kept ctx-ful to match
// netio.UDPSender.SendPacket so the Dispatcher can wire one in without an
// adapter, and to allow future direct use (e.g. retransmit-on-demand).
type PacketSender interface {
	SendPacket(ctx context.Context, buf []byte, addr netip.Addr) error
}

// -------------------------------------------------------------------------
// Session Options — functional options pattern
// -------------------------------------------------------------------------

// SessionOption configures optional Session parameters.
type SessionOption func(*Session)

// WithMetrics attaches a MetricsReporter to the session. If mr is nil,
// the default no-op reporter is used.
func WithMetrics(mr MetricsReporter) SessionOption {
	return func(s *Session) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// -------------------------------------------------------------------------
// Session Errors
// -------------------------------------------------------------------------

// Sentinel errors for Session configuration validation.
var (
	// ErrInvalidDetectMult indicates the detect multiplier is zero.
	ErrInvalidDetectMult = errors.New("detect multiplier must be >= 1")

	// ErrInvalidTxInterval indicates the desired min TX interval is invalid.
	ErrInvalidTxInterval = errors.New("desired min TX interval must be > 0")

	// ErrInvalidSessionType indicates an unknown session type.
	ErrInvalidSessionType = errors.New("invalid session type")

	// ErrInvalidSessionRole indicates an unknown session role.
	ErrInvalidSessionRole = errors.New("invalid session role")

	// ErrInvalidDiscriminator indicates the local discriminator is zero.
	ErrInvalidDiscriminator = errors.New("local discriminator must be nonzero")
)

// -------------------------------------------------------------------------
// Session Constants
// -------------------------------------------------------------------------

const (
	// slowTxInterval is the minimum TX interval when session is not Up.
	// RFC 5880 Section 6.8.3: "MUST set bfd.DesiredMinTxInterval to a
	// value of not less than one second (1,000,000 microseconds).".
	slowTxInterval = 1 * time.Second

	// initialRemoteMinRx is the initial value of bfd.RemoteMinRxInterval.
	// RFC 5880 Section 6.8.1: "This variable MUST be initialized to 1."
	// The value is 1 microsecond.
	initialRemoteMinRx = 1 * time.Microsecond
)

// -------------------------------------------------------------------------
// Session — RFC 5880 Section 6.8.1
// -------------------------------------------------------------------------

// Session implements a single BFD session as described in RFC 5880.
//
// Session is a plain mutable struct with no internal
// concurrency of its own: every field is touched only by the Dispatcher's
// single goroutine, which calls HandleRX/HandleTXTimer/HandleDetectTimer
// inline instead of routing through a per-session goroutine and channels.
//
// The session implements:
//   - RFC 5880 Section 6.8.1: state variables
//   - RFC 5880 Section 6.8.2: timer negotiation
//   - RFC 5880 Section 6.8.3: timer manipulation (slow TX rate)
//   - RFC 5880 Section 6.8.4: detection time calculation
//   - RFC 5880 Section 6.8.6: packet reception processing
//   - RFC 5880 Section 6.8.7: packet transmission (jitter, cached packet)
//   - RFC 5880 Section 6.5: Poll Sequence
type Session struct {
	// --- RFC 5880 Section 6.8.1 state variables ---

	state       State
	remoteState State
	localDiag   Diag

	localDiscr  uint32
	remoteDiscr uint32

	desiredMinTxInterval  time.Duration
	idleTxInterval        time.Duration
	requiredMinRxInterval time.Duration
	remoteMinRxInterval   time.Duration

	remoteDesiredMinTxInterval time.Duration
	remoteDetectMult           uint8
	detectMult                 uint8

	remoteDemandMode bool

	controlPlaneIndependent bool

	// --- Poll Sequence state (RFC 5880 Section 6.5) ---

	pollActive   bool
	pendingFinal bool

	pendingDesiredMinTx  time.Duration
	pendingRequiredMinRx time.Duration

	// --- Session identity ---

	sessionType SessionType
	role        SessionRole
	peerAddr    netip.Addr
	peerPort    uint16
	localAddr   netip.Addr
	ifName      string
	ttl         uint8

	// --- Cached packet (FRR bfdd pattern) ---
	cachedPacket []byte
	cachedLen    int

	// --- Authentication (RFC 5880 Section 6.7) ---

	auth      Authenticator
	authKeys  AuthKeyStore
	authState *AuthState

	// --- Counters ---

	packetsSent      uint64
	packetsReceived  uint64
	stateTransitions uint64
	lastStateChange  time.Time
	lastPacketRecv   time.Time

	// --- Runtime ---

	sender  PacketSender
	metrics MetricsReporter
	logger  *slog.Logger
}

// -------------------------------------------------------------------------
// Constructor
// -------------------------------------------------------------------------

// NewSession creates a new BFD session with the given configuration.
//
// localDiscr must be a unique nonzero discriminator allocated externally
// (by a DiscriminatorAllocator owned by the Dispatcher/Reload Engine).
// sender is the abstraction for sending BFD packets on the wire.
// metrics may be nil; a no-op reporter is used in that case.
//
// RFC 5880 Section 6.8.1: all state variables are initialized to their
// mandatory values.
func NewSession(
	cfg SessionConfig,
	localDiscr uint32,
	sender PacketSender,
	logger *slog.Logger,
	opts ...SessionOption,
) (*Session, error) {
	if err := validateSessionConfig(cfg, localDiscr); err != nil {
		return nil, err
	}

	idleTx := cfg.IdleTxInterval
	if idleTx <= 0 {
		idleTx = slowTxInterval
	}

	s := &Session{
		localDiscr:              localDiscr,
		desiredMinTxInterval:    cfg.DesiredMinTxInterval,
		idleTxInterval:          idleTx,
		requiredMinRxInterval:   cfg.RequiredMinRxInterval,
		remoteMinRxInterval:     initialRemoteMinRx,
		detectMult:              cfg.DetectMultiplier,
		controlPlaneIndependent: cfg.ControlPlaneIndependent,
		sessionType:             cfg.Type,
		role:                    cfg.Role,
		peerAddr:                cfg.PeerAddr,
		peerPort:                cfg.PeerPort,
		localAddr:               cfg.LocalAddr,
		ifName:                  cfg.Interface,
		ttl:                     cfg.TTL,
		auth:                    cfg.Auth,
		authKeys:                cfg.AuthKeys,
		sender:                  sender,
		metrics:                 noopMetrics{},
		cachedPacket:            make([]byte, MaxPacketSize),
		logger: logger.With(
			slog.String("peer", cfg.PeerAddr.String()),
			slog.Uint64("local_discr", uint64(localDiscr)),
		),
	}

	for _, opt := range opts {
		opt(s)
	}

	// RFC 5880 Section 6.8.1: bfd.SessionState MUST be initialized to Down.
	s.state = StateDown
	// RFC 5880 Section 6.8.1: bfd.RemoteSessionState MUST be initialized to Down.
	s.remoteState = StateDown
	// RFC 5880 Section 6.8.1: bfd.LocalDiag MUST be initialized to zero.
	s.localDiag = DiagNone

	if err := s.initAuth(cfg); err != nil {
		return nil, err
	}

	s.rebuildCachedPacket()

	return s, nil
}

// validateSessionConfig checks all config parameters.
func validateSessionConfig(cfg SessionConfig, localDiscr uint32) error {
	if cfg.DetectMultiplier < 1 {
		return fmt.Errorf("detect multiplier %d: %w", cfg.DetectMultiplier, ErrInvalidDetectMult)
	}
	if cfg.DesiredMinTxInterval <= 0 {
		return fmt.Errorf("desired min TX interval %v: %w", cfg.DesiredMinTxInterval, ErrInvalidTxInterval)
	}
	if cfg.Type != SessionTypeSingleHop && cfg.Type != SessionTypeMultiHop {
		return fmt.Errorf("session type %d: %w", cfg.Type, ErrInvalidSessionType)
	}
	if cfg.Role != RoleActive && cfg.Role != RolePassive {
		return fmt.Errorf("session role %d: %w", cfg.Role, ErrInvalidSessionRole)
	}
	if localDiscr == 0 {
		return fmt.Errorf("local discriminator: %w", ErrInvalidDiscriminator)
	}
	return nil
}

// initAuth initializes the authentication state if auth is configured.
// RFC 5880 Section 6.8.1: bfd.XmitAuthSeq MUST be initialized to a
// random 32-bit value.
func (s *Session) initAuth(cfg SessionConfig) error {
	if cfg.Auth == nil {
		return nil
	}
	as, err := NewAuthState(AuthTypeNone)
	if err != nil {
		return fmt.Errorf("init auth state: %w", err)
	}
	s.authState = as
	return nil
}

// -------------------------------------------------------------------------
// Public Accessors
// -------------------------------------------------------------------------

// LocalDiscriminator returns the session's local discriminator.
func (s *Session) LocalDiscriminator() uint32 { return s.localDiscr }

// State returns the current session state.
func (s *Session) State() State { return s.state }

// RemoteState returns the last reported remote session state.
func (s *Session) RemoteState() State { return s.remoteState }

// LocalDiag returns the current local diagnostic code.
func (s *Session) LocalDiag() Diag { return s.localDiag }

// RemoteDiscriminator returns the remote discriminator learned from the
// peer. Returns 0 if no packet has been received yet.
func (s *Session) RemoteDiscriminator() uint32 { return s.remoteDiscr }

// PeerAddr returns the remote system's IP address.
func (s *Session) PeerAddr() netip.Addr { return s.peerAddr }

// PeerPort returns the remote system's configured UDP port.
func (s *Session) PeerPort() uint16 { return s.peerPort }

// LocalAddr returns the local system's IP address.
func (s *Session) LocalAddr() netip.Addr { return s.localAddr }

// Interface returns the network interface name (empty for multi-hop sessions).
func (s *Session) Interface() string { return s.ifName }

// Type returns the session type (single-hop or multi-hop).
func (s *Session) Type() SessionType { return s.sessionType }

// DesiredMinTxInterval returns the configured desired minimum TX interval.
func (s *Session) DesiredMinTxInterval() time.Duration { return s.desiredMinTxInterval }

// RequiredMinRxInterval returns the configured required minimum RX interval.
func (s *Session) RequiredMinRxInterval() time.Duration { return s.requiredMinRxInterval }

// DetectMultiplier returns the configured detection multiplier.
func (s *Session) DetectMultiplier() uint8 { return s.detectMult }

// NegotiatedTxInterval returns the current negotiated TX interval,
// max(desired_min_tx, remote_min_rx) per RFC 5880 Section 6.8.7.
func (s *Session) NegotiatedTxInterval() time.Duration { return s.calcTxInterval() }

// DetectionTime returns the current calculated detection time,
// remote_detect_mult * max(required_min_rx, remote_min_tx) per
// RFC 5880 Section 6.8.4.
func (s *Session) DetectionTime() time.Duration { return s.calcDetectionTime() }

// PacketsSent returns the total BFD Control packets transmitted.
func (s *Session) PacketsSent() uint64 { return s.packetsSent }

// PacketsReceived returns the total BFD Control packets received.
func (s *Session) PacketsReceived() uint64 { return s.packetsReceived }

// StateTransitions returns the total FSM state transitions.
func (s *Session) StateTransitions() uint64 { return s.stateTransitions }

// LastStateChange returns the timestamp of the most recent FSM state
// transition. Returns the zero time.Time if no transition has occurred.
func (s *Session) LastStateChange() time.Time { return s.lastStateChange }

// LastPacketReceived returns the timestamp of the most recent valid BFD
// Control packet received. Returns the zero time.Time if none received.
func (s *Session) LastPacketReceived() time.Time { return s.lastPacketRecv }

// -------------------------------------------------------------------------
// Outcome — what the Dispatcher must do after a Session handler runs
// -------------------------------------------------------------------------

// Outcome reports the side effects of a single Session handler call.
// Session handlers only report intent; the Dispatcher carries it out on the
// TimerWheel and the Event Publisher. The Reload Engine also schedules,
// cancels and publishes directly for the sessions it creates, updates or
// removes.
type Outcome struct {
	// Timer reports which of the session's timers should be rearmed.
	Timer TimerAction

	// StateChange is non-nil when an FSM transition (or AdminDown) occurred
	// that the Event Publisher should be told about.
	StateChange *StateChange

	// SendNow is non-nil wire bytes the Dispatcher must transmit
	// immediately (an ActionSendControl side effect, or a Final reply).
	SendNow []byte
}

// -------------------------------------------------------------------------
// TX Timer Handling — RFC 5880 Section 6.8.7
// -------------------------------------------------------------------------

// HandleTXTimer fires on each transmission interval. It builds and returns
// the control packet to send (nil if transmission preconditions are not
// met) and reports that the TX timer must be rearmed.
func (s *Session) HandleTXTimer() Outcome {
	var wire []byte
	if s.maybeSendControl() {
		wire = s.sendControl()
	}
	return Outcome{
		Timer:   TimerAction{ResetTX: true},
		SendNow: wire,
	}
}

// maybeSendControl checks transmission preconditions (RFC 5880 Section
// 6.8.7): a Passive session with no remote discriminator yet, or a remote
// peer that has asked us to stop (RemoteMinRxInterval == 0), must not send.
func (s *Session) maybeSendControl() bool {
	if s.role == RolePassive && s.remoteDiscr == 0 {
		return false
	}
	if s.remoteMinRxInterval == 0 {
		return false
	}
	return true
}

// sendControl serializes the current session state into the cached packet
// buffer and returns the bytes ready for transmission.
func (s *Session) sendControl() []byte {
	s.rebuildCachedPacket()
	s.packetsSent++
	s.metrics.IncPacketsSent(s.peerAddr, s.localAddr)
	return s.cachedPacket[:s.cachedLen]
}

// -------------------------------------------------------------------------
// Detection Timer — RFC 5880 Section 6.8.4
// -------------------------------------------------------------------------

// HandleDetectTimer fires when the detection time expires without
// receiving a valid packet. RFC 5880 Section 6.8.4: "the local system MUST
// set bfd.SessionState to Down and bfd.LocalDiag to 1.".
func (s *Session) HandleDetectTimer(now time.Time) Outcome {
	if s.state != StateInit && s.state != StateUp {
		// Restart detect timer even in Down/AdminDown to tolerate
		// re-negotiation without a dedicated rearm path.
		return Outcome{Timer: TimerAction{ResetDetect: true}}
	}
	return s.applyFSMEvent(EventTimerExpired, now)
}

// -------------------------------------------------------------------------
// Packet Reception — RFC 5880 Section 6.8.6 Steps 8-18
// -------------------------------------------------------------------------

// HandleRX processes an incoming BFD Control packet. Steps 1-7 (basic
// validation, Your Discriminator resolution) were done by the Codec and
// Session Store. This method implements steps 8-18 of RFC 5880 Section
// 6.8.6.
func (s *Session) HandleRX(pkt *ControlPacket, wire []byte, now time.Time) Outcome {
	// Steps 8-9: Auth presence consistency check.
	if !s.checkAuthConsistency(pkt) {
		return Outcome{}
	}

	s.packetsReceived++
	s.metrics.IncPacketsReceived(s.peerAddr, s.localAddr)
	s.lastPacketRecv = now

	// RFC 5880 Section 6.7: verify authentication if configured.
	if s.auth != nil {
		if err := s.auth.Verify(s.authState, s.authKeys, pkt, wire, len(wire)); err != nil {
			s.logger.Debug("auth verification failed",
				slog.String("peer", s.peerAddr.String()),
				slog.String("error", err.Error()),
			)
			return Outcome{}
		}
	}

	// Step 13: Set bfd.RemoteDiscr = My Discriminator.
	s.remoteDiscr = pkt.MyDiscriminator
	// Step 14: Set bfd.RemoteState.
	s.remoteState = pkt.State
	// Step 15: Set bfd.RemoteDemandMode = Demand bit.
	s.remoteDemandMode = pkt.Demand
	// Step 16: Set bfd.RemoteMinRxInterval.
	s.remoteMinRxInterval = durationFromMicroseconds(pkt.RequiredMinRxInterval)
	// Step 17: Set remoteDesiredMinTxInterval + remoteDetectMult.
	s.remoteDesiredMinTxInterval = durationFromMicroseconds(pkt.DesiredMinTxInterval)
	s.remoteDetectMult = pkt.DetectMult

	// Poll Sequence: if Final bit set and poll is active, terminate.
	if pkt.Final && s.pollActive {
		s.terminatePollSequence()
	}
	// If Poll bit is set, we must reply with Final.
	if pkt.Poll {
		s.pendingFinal = true
	}

	event := RecvStateToEvent(pkt.State)
	outcome := s.applyFSMEvent(event, now)
	// Detection timer is always rearmed on a valid packet regardless of
	// whether the FSM transitioned (RFC 5880 Section 6.8.4).
	outcome.Timer.ResetDetect = true

	// RFC 5880 Section 6.5: "the receiving system MUST transmit a BFD
	// Control packet with the Final (F) bit set as soon as practicable."
	if s.pendingFinal && outcome.SendNow == nil {
		outcome.SendNow = s.sendControl()
		outcome.Timer.ResetTX = true
	}

	return outcome
}

// checkAuthConsistency validates RFC 5880 Section 6.8.6 steps 8-9.
func (s *Session) checkAuthConsistency(pkt *ControlPacket) bool {
	if pkt.AuthPresent && s.auth == nil {
		s.logger.Warn("discarding packet: auth present but not configured",
			slog.String("peer", s.peerAddr.String()),
		)
		return false
	}
	if !pkt.AuthPresent && s.auth != nil {
		s.logger.Warn("discarding packet: auth not present but configured",
			slog.String("peer", s.peerAddr.String()),
		)
		return false
	}
	return true
}

// -------------------------------------------------------------------------
// Administrative control — RFC 5880 Section 6.8.16
// -------------------------------------------------------------------------

// SetAdminDown transitions the session to AdminDown with DiagAdminDown.
// RFC 5880 Section 6.8.16: the local system sets bfd.SessionState to
// AdminDown and bfd.LocalDiag to 7 (Administratively Down).
//
// Used during graceful shutdown and by the Reload Engine when a peer is
// removed from configuration. The returned Outcome carries the packet the
// Dispatcher should transmit immediately and the StateChange the Event
// Publisher should be told about.
func (s *Session) SetAdminDown(now time.Time) Outcome {
	old := s.state
	s.localDiag = DiagAdminDown
	s.state = StateAdminDown
	s.stateTransitions++
	s.lastStateChange = now
	s.logger.Info("session set to AdminDown for graceful drain")

	sc := &StateChange{
		LocalDiscr: s.localDiscr,
		PeerAddr:   s.peerAddr,
		OldState:   old,
		NewState:   StateAdminDown,
		Diag:       s.localDiag,
		Timestamp:  now,
	}

	wire := s.sendControl()

	return Outcome{
		StateChange: sc,
		SendNow:     wire,
	}
}

// -------------------------------------------------------------------------
// FSM Event Application
// -------------------------------------------------------------------------

// applyFSMEvent runs the FSM and translates its actions into an Outcome.
//
// Actions run before the StateChange is built: several of them
// (ActionSetDiagTimeExpired, ActionSetDiagNeighborDown,
// ActionSetDiagAdminDown) set the local diagnostic code that the very
// same transition's published event must carry, so the diag has to be
// current by the time out.StateChange is constructed.
func (s *Session) applyFSMEvent(event Event, now time.Time) Outcome {
	result := ApplyEvent(s.state, event)

	var out Outcome
	if result.Changed {
		s.state = result.NewState
	}

	for _, action := range result.Actions {
		s.executeAction(action, &out)
	}

	if result.Changed {
		s.logStateChange(result, now)
		out.StateChange = &StateChange{
			LocalDiscr: s.localDiscr,
			PeerAddr:   s.peerAddr,
			OldState:   result.OldState,
			NewState:   result.NewState,
			Diag:       s.localDiag,
			Timestamp:  now,
		}
	}

	return out
}

// logStateChange logs the FSM transition and updates counters.
func (s *Session) logStateChange(result FSMResult, now time.Time) {
	s.logger.Info("session state changed",
		slog.String("old_state", result.OldState.String()),
		slog.String("new_state", result.NewState.String()),
		slog.String("diag", s.localDiag.String()),
	)
	s.stateTransitions++
	s.lastStateChange = now
	s.metrics.RecordStateTransition(
		s.peerAddr, s.localAddr,
		result.OldState.String(), result.NewState.String(),
	)
}

// executeAction dispatches a single FSM action, mutating out in place.
func (s *Session) executeAction(action Action, out *Outcome) {
	switch action {
	case ActionSendControl:
		out.SendNow = s.sendControl()
		out.Timer.ResetTX = true
	case ActionNotifyUp:
		// RFC 5880 Section 6.8.2: recompute negotiated intervals and
		// initiate a Poll Sequence if local timing parameters changed
		// since the values last advertised. The transmitted packet
		// already reflects current
		// parameters, so a Poll is only needed when a pending change is
		// outstanding from a prior reload.
		if s.pendingDesiredMinTx > 0 || s.pendingRequiredMinRx > 0 {
			s.pollActive = true
		}
		out.Timer.ResetTX = true
		out.Timer.ResetDetect = true
	case ActionNotifyDown:
		// RFC 5880 Section 6.8.1: reset remoteDiscr on session failure.
		// The remote's timing contribution is forgotten with it, so no
		// detection time exists until the peer is heard from again.
		s.remoteDiscr = 0
		s.remoteMinRxInterval = initialRemoteMinRx
		s.remoteDesiredMinTxInterval = 0
		s.remoteDetectMult = 0
		out.Timer.ResetTX = true
		out.Timer.ResetDetect = true
	case ActionSetDiagTimeExpired:
		s.localDiag = DiagControlTimeExpired
	case ActionSetDiagNeighborDown:
		s.localDiag = DiagNeighborDown
	case ActionSetDiagAdminDown:
		s.localDiag = DiagAdminDown
	default:
		s.logger.Warn("unknown FSM action", slog.Int("action", int(action)))
	}
}

// -------------------------------------------------------------------------
// Reload — tuneable updates
// -------------------------------------------------------------------------

// ApplyTuneables updates the session's local timing parameters. A new
// detect multiplier takes effect immediately in every state. New TX/RX
// intervals are deferred behind a Poll Sequence if the session is Up
// (RFC 5880 Section 6.8.3) and applied immediately otherwise. Returns true
// if a Poll Sequence was initiated.
func (s *Session) ApplyTuneables(desiredMinTx, requiredMinRx time.Duration, detectMult uint8) bool {
	unchanged := desiredMinTx == s.desiredMinTxInterval &&
		requiredMinRx == s.requiredMinRxInterval &&
		detectMult == s.detectMult
	if unchanged {
		return false
	}

	s.detectMult = detectMult

	if s.state != StateUp {
		s.desiredMinTxInterval = desiredMinTx
		s.requiredMinRxInterval = requiredMinRx
		return false
	}

	s.pendingDesiredMinTx = desiredMinTx
	s.pendingRequiredMinRx = requiredMinRx
	s.pollActive = true
	return true
}

// -------------------------------------------------------------------------
// Timer Negotiation — RFC 5880 Sections 6.8.2-6.8.4
// -------------------------------------------------------------------------

// calcTxInterval returns the negotiated TX interval.
//
// RFC 5880 Section 6.8.7: "the larger of bfd.DesiredMinTxInterval and
// bfd.RemoteMinRxInterval."
//
// RFC 5880 Section 6.8.3: "When bfd.SessionState is not Up, the system
// MUST set bfd.DesiredMinTxInterval to a value of not less than one
// second (1,000,000 microseconds).".
func (s *Session) calcTxInterval() time.Duration {
	desired := s.desiredMinTxInterval
	if s.state != StateUp && desired < s.idleTxInterval {
		desired = s.idleTxInterval
	}
	return max(desired, s.remoteMinRxInterval)
}

// calcDetectionTime returns the detection timeout.
//
// RFC 5880 Section 6.8.4 (Asynchronous mode): "equal to the value of
// Detect Mult received from the remote system, multiplied by the agreed
// transmit interval of the remote system (the greater of
// bfd.RequiredMinRxInterval and the last received Desired Min TX Interval).".
func (s *Session) calcDetectionTime() time.Duration {
	if s.remoteDetectMult == 0 {
		// No packet received yet: there is no detection time until the
		// remote's Detect Mult is known.
		return 0
	}
	agreedInterval := max(s.requiredMinRxInterval, s.remoteDesiredMinTxInterval)
	return time.Duration(int64(agreedInterval) * int64(s.remoteDetectMult))
}

// TXDeadline returns the absolute deadline for the next TX timer fire,
// applying RFC 5880 Section 6.8.7 jitter. Called by the Dispatcher after
// every HandleTXTimer/HandleRX/HandleDetectTimer/SetAdminDown call whose
// Outcome.Timer.ResetTX is true.
func (s *Session) TXDeadline(now time.Time) time.Time {
	return now.Add(ApplyJitter(s.calcTxInterval(), s.detectMult))
}

// DetectDeadline returns the absolute deadline for the next detection
// timer fire. Called by the Dispatcher whenever Outcome.Timer.ResetDetect
// is true. Before any packet has been received, the detection time is
// zero and ok is false; the Dispatcher must not schedule a detect timer
// in that case, since detection only begins once the remote peer has
// been heard from.
func (s *Session) DetectDeadline(now time.Time) (time.Time, bool) {
	dt := s.calcDetectionTime()
	if dt <= 0 {
		return time.Time{}, false
	}
	return now.Add(dt), true
}

// -------------------------------------------------------------------------
// Jitter — RFC 5880 Section 6.8.7
// -------------------------------------------------------------------------

// ApplyJitter applies random jitter to the transmission interval.
//
// RFC 5880 Section 6.8.7:
//   - The interval MUST be reduced by a random value of 0 to 25%.
//   - If bfd.DetectMult == 1: interval MUST be between 75% and 90%.
//   - Otherwise: interval MUST be between 75% and 100%.
//
// Uses math/rand/v2 for non-cryptographic randomness (jitter is not
// security-sensitive; using crypto/rand would add unnecessary overhead
// on the hot path).
func ApplyJitter(interval time.Duration, detectMult uint8) time.Duration {
	if interval <= 0 {
		return interval
	}

	var jitterPercent int
	if detectMult == 1 {
		// 10 + rand(0..15) = reduction of 10-25%.
		jitterPercent = 10 + rand.IntN(16) //nolint:gosec // G404: jitter does not require cryptographic randomness
	} else {
		// rand(0..25) = reduction of 0-25%.
		jitterPercent = rand.IntN(26) //nolint:gosec // G404: jitter does not require cryptographic randomness
	}

	reduction := time.Duration(int64(interval) * int64(jitterPercent) / 100)

	return interval - reduction
}

// -------------------------------------------------------------------------
// Poll Sequence — RFC 5880 Section 6.5
// -------------------------------------------------------------------------

// terminatePollSequence ends the Poll Sequence and applies pending changes.
// RFC 5880 Section 6.5: "When the system sending the Poll Sequence
// receives a packet with Final, the Poll Sequence is terminated.".
func (s *Session) terminatePollSequence() {
	s.pollActive = false
	s.applyPendingParams()
	s.rebuildCachedPacket()
	s.logger.Debug("poll sequence terminated")
}

// applyPendingParams applies deferred parameter changes after poll completion.
func (s *Session) applyPendingParams() {
	if s.pendingDesiredMinTx > 0 {
		s.desiredMinTxInterval = s.pendingDesiredMinTx
		s.pendingDesiredMinTx = 0
	}
	if s.pendingRequiredMinRx > 0 {
		s.requiredMinRxInterval = s.pendingRequiredMinRx
		s.pendingRequiredMinRx = 0
	}
}

// -------------------------------------------------------------------------
// Cached Packet — FRR bfdd pattern
// -------------------------------------------------------------------------

// rebuildCachedPacket pre-serializes the BFD Control packet for transmission.
// This avoids per-packet allocation on the hot path. The packet is rebuilt
// only when parameters or state change.
//
// RFC 5880 Section 6.8.7 specifies all field values for transmitted packets.
func (s *Session) rebuildCachedPacket() {
	pkt := s.buildControlPacket()
	n, err := MarshalControlPacket(&pkt, s.cachedPacket)
	if err != nil {
		s.logger.Error("failed to marshal cached packet",
			slog.String("error", err.Error()),
		)
		return
	}
	s.cachedLen = n
	// RFC 5880 Section 6.7: sign the packet if auth is configured.
	if s.auth != nil {
		s.signCachedPacket(&pkt, n)
	}
}

// signCachedPacket applies authentication to the cached packet.
// Sign modifies both the packet struct and the buffer in-place.
func (s *Session) signCachedPacket(pkt *ControlPacket, n int) {
	if err := s.auth.Sign(s.authState, s.authKeys, pkt, s.cachedPacket, n); err != nil {
		s.logger.Error("auth sign failed", slog.String("error", err.Error()))
		return
	}
	if pkt.Auth != nil {
		s.cachedLen = n + int(pkt.Auth.Len)
	}
}

// buildControlPacket constructs a ControlPacket from current session state.
// RFC 5880 Section 6.8.7: field-by-field specification of transmitted packets.
func (s *Session) buildControlPacket() ControlPacket {
	wireTxInterval := s.desiredMinTxInterval
	if s.state != StateUp && wireTxInterval < s.idleTxInterval {
		wireTxInterval = s.idleTxInterval
	}

	pendingFinal := s.pendingFinal
	s.pendingFinal = false

	pkt := ControlPacket{
		Version:                   Version,
		Diag:                      s.localDiag,
		State:                     s.state,
		Poll:                      s.pollActive,
		Final:                     pendingFinal,
		ControlPlaneIndependent:   s.controlPlaneIndependent,
		AuthPresent:               s.auth != nil,
		Demand:                    false, // Demand mode is not supported.
		Multipoint:                false, // RFC 5880 Section 6.8.7: MUST be zero.
		DetectMult:                s.detectMult,
		MyDiscriminator:           s.localDiscr,
		YourDiscriminator:         s.remoteDiscr,
		DesiredMinTxInterval:      microsecondsFromDuration(wireTxInterval),
		RequiredMinRxInterval:     microsecondsFromDuration(s.requiredMinRxInterval),
		RequiredMinEchoRxInterval: 0, // Echo function is not supported.
	}

	return pkt
}

// -------------------------------------------------------------------------
// Duration <-> Microseconds conversion
// -------------------------------------------------------------------------

// durationFromMicroseconds converts a BFD wire-format microsecond value
// to time.Duration. RFC 5880: all interval fields are in microseconds.
func durationFromMicroseconds(us uint32) time.Duration {
	return time.Duration(int64(us) * int64(time.Microsecond))
}

// microsecondsFromDuration converts time.Duration to BFD wire-format
// microseconds (uint32). Values are truncated, not rounded.
func microsecondsFromDuration(d time.Duration) uint32 {
	return uint32(d / time.Microsecond) //nolint:gosec // G115: intentional truncation for BFD wire format
}
