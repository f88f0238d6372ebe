package bfd_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/ivoronin/gobfdd/internal/bfd"
)

func baseInstanceSpec(peer string) bfd.InstanceSpec {
	return bfd.InstanceSpec{
		LocalAddr:     netip.MustParseAddr("192.0.2.2"),
		PeerAddr:      netip.MustParseAddr(peer),
		PeerPort:      3784,
		Interface:     "eth0",
		TTL:           255,
		Type:          bfd.SessionTypeSingleHop,
		Role:          bfd.RoleActive,
		DesiredMinTx:  100 * time.Millisecond,
		RequiredMinRx: 100 * time.Millisecond,
		IdleTx:        1 * time.Second,
		DetectMult:    3,
	}
}

func newReloadEngine() (*bfd.ReloadEngine, *bfd.Store, *bfd.TimerWheel) {
	store := bfd.NewStore(nil)
	discrs := bfd.NewDiscriminatorAllocator()
	timers := bfd.NewTimerWheel()
	pub := bfd.NewPublisher(nil, nil, testLogger())
	re := bfd.NewReloadEngine(store, discrs, timers, pub, nil, testLogger())
	return re, store, timers
}

func TestReloadEngine_CreatesNewInstances(t *testing.T) {
	re, store, _ := newReloadEngine()
	now := time.Unix(1000, 0)

	result := re.Apply(now, []bfd.InstanceSpec{baseInstanceSpec("192.0.2.1")})

	if result.Created != 1 || result.Updated != 0 || result.Deleted != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 session in store, got %d", store.Len())
	}
	sessions := re.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 live session, got %d", len(sessions))
	}
	if sessions[0].State() != bfd.StateDown {
		t.Fatalf("new session should start Down, got %v", sessions[0].State())
	}
}

func TestReloadEngine_UnchangedIsNoop(t *testing.T) {
	re, store, _ := newReloadEngine()
	now := time.Unix(1000, 0)

	spec := baseInstanceSpec("192.0.2.1")
	re.Apply(now, []bfd.InstanceSpec{spec})
	before := re.Sessions()[0]

	result := re.Apply(now.Add(time.Second), []bfd.InstanceSpec{spec})
	if result.Created != 0 || result.Updated != 1 || result.Polled != 0 || result.Deleted != 0 {
		t.Fatalf("unexpected result for unchanged reload: %+v", result)
	}
	after := re.Sessions()[0]
	if before != after {
		t.Fatalf("unchanged instance should keep the same *Session, got different pointers")
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 session in store, got %d", store.Len())
	}
}

func TestReloadEngine_TuneablesChangeInitiatesPoll(t *testing.T) {
	re, _, timers := newReloadEngine()
	now := time.Unix(1000, 0)

	spec := baseInstanceSpec("192.0.2.1")
	re.Apply(now, []bfd.InstanceSpec{spec})
	sess := re.Sessions()[0]

	// Force the session to Up (Down->Init->Up) so ApplyTuneables defers
	// behind a Poll sequence instead of applying immediately.
	remotePkt := func(state bfd.State) *bfd.ControlPacket {
		return &bfd.ControlPacket{
			Version:               bfd.Version,
			State:                 state,
			DetectMult:            3,
			MyDiscriminator:       7,
			YourDiscriminator:     sess.LocalDiscriminator(),
			DesiredMinTxInterval:  100000,
			RequiredMinRxInterval: 100000,
		}
	}
	sess.HandleRX(remotePkt(bfd.StateDown), nil, now)
	sess.HandleRX(remotePkt(bfd.StateInit), nil, now)
	if sess.State() != bfd.StateUp {
		t.Fatalf("setup failed to bring session Up, got %v", sess.State())
	}

	changed := spec
	changed.DesiredMinTx = 200 * time.Millisecond

	result := re.Apply(now.Add(time.Second), []bfd.InstanceSpec{changed})
	if result.Updated != 1 || result.Polled != 1 {
		t.Fatalf("expected a polled update, got %+v", result)
	}
	if sess.State() != bfd.StateUp {
		t.Fatalf("poll sequence should not change state by itself, got %v", sess.State())
	}
	if _, ok := timers.NextDeadline(); !ok {
		t.Fatalf("expected a pending timer deadline after reload update")
	}
}

func TestReloadEngine_StructuralChangeRecreates(t *testing.T) {
	re, store, _ := newReloadEngine()
	now := time.Unix(1000, 0)

	spec := baseInstanceSpec("192.0.2.1")
	re.Apply(now, []bfd.InstanceSpec{spec})
	oldDiscr := re.Sessions()[0].LocalDiscriminator()

	changed := spec
	changed.Interface = "eth1"

	result := re.Apply(now.Add(time.Second), []bfd.InstanceSpec{changed})
	if result.Updated != 1 || result.Created != 1 {
		t.Fatalf("expected a recreate (update+create), got %+v", result)
	}

	sessions := re.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected exactly 1 live session after recreate, got %d", len(sessions))
	}
	if sessions[0].LocalDiscriminator() == oldDiscr {
		t.Fatalf("structural change should allocate a fresh discriminator")
	}
	if sessions[0].State() != bfd.StateDown {
		t.Fatalf("recreated session should start Down, got %v", sessions[0].State())
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 session in store after recreate, got %d", store.Len())
	}
}

func TestReloadEngine_RemovedPeerIsDeleted(t *testing.T) {
	re, store, timers := newReloadEngine()
	now := time.Unix(1000, 0)

	spec := baseInstanceSpec("192.0.2.1")
	re.Apply(now, []bfd.InstanceSpec{spec})
	discr := re.Sessions()[0].LocalDiscriminator()

	result := re.Apply(now.Add(time.Second), nil)
	if result.Deleted != 1 {
		t.Fatalf("expected 1 delete, got %+v", result)
	}
	if len(re.Sessions()) != 0 {
		t.Fatalf("expected no live sessions after removal")
	}
	if _, ok := store.ByDiscriminator(discr); ok {
		t.Fatalf("removed session should no longer be in the store")
	}
	timers.CancelSession(discr) // idempotent; confirms no dangling entries panic
}

func TestReloadEngine_EmissionOrderIsDeletesUpdatesCreates(t *testing.T) {
	re, _, _ := newReloadEngine()
	now := time.Unix(1000, 0)

	specA := baseInstanceSpec("192.0.2.1")
	specB := baseInstanceSpec("192.0.2.2")
	re.Apply(now, []bfd.InstanceSpec{specA, specB})

	// Remove A, update B's tuneables, add C -- all in one reload.
	changedB := specB
	changedB.DesiredMinTx = 50 * time.Millisecond
	specC := baseInstanceSpec("192.0.2.3")

	result := re.Apply(now.Add(time.Second), []bfd.InstanceSpec{changedB, specC})
	if result.Deleted != 1 || result.Updated != 1 || result.Created != 1 {
		t.Fatalf("unexpected reconciliation counts: %+v", result)
	}

	sessions := re.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("expected 2 live sessions, got %d", len(sessions))
	}
}

func TestReloadEngine_IdempotentReapply(t *testing.T) {
	re, store, _ := newReloadEngine()
	now := time.Unix(1000, 0)

	specs := []bfd.InstanceSpec{baseInstanceSpec("192.0.2.1"), baseInstanceSpec("192.0.2.2")}
	re.Apply(now, specs)
	result := re.Apply(now.Add(time.Second), specs)

	if result.Created != 0 || result.Deleted != 0 || result.Polled != 0 {
		t.Fatalf("re-applying identical specs should be a pure no-op, got %+v", result)
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 sessions to remain, got %d", store.Len())
	}
}
