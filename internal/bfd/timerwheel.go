package bfd

import (
	"container/heap"
	"time"
)

// TimerKind distinguishes the two timer classes a Session schedules.
type TimerKind uint8

const (
	// TimerTX fires when a periodic Control packet transmission is due
	// (RFC 5880 Section 6.8.7).
	TimerTX TimerKind = iota

	// TimerDetect fires when the detection time has elapsed without a
	// valid Control packet (RFC 5880 Section 6.8.4).
	TimerDetect
)

// String returns the human-readable name of the timer kind.
func (k TimerKind) String() string {
	switch k {
	case TimerTX:
		return "tx"
	case TimerDetect:
		return "detect"
	default:
		return unknownStr
	}
}

// TimerAction reports which of a session's timers should be (re)armed after
// a Dispatcher event has been applied to it. A Session never touches a
// timer directly; it only reports intent, and the Dispatcher acts on it.
// The Reload Engine also calls TimerWheel.Schedule and CancelSession
// directly when it creates, updates or removes a session.
type TimerAction struct {
	ResetTX     bool
	ResetDetect bool
}

// timerKey identifies one scheduled entry in the wheel.
type timerKey struct {
	sessionID uint32
	kind      TimerKind
}

// timerEntry is one node in the binary heap, ordered by Deadline.
type timerEntry struct {
	timerKey
	deadline time.Time
	index    int  // heap index, maintained by container/heap
	dead     bool // true once cancelled; skipped when popped
}

// timerHeap implements container/heap.Interface over *timerEntry.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry) //nolint:forcetypeassert // internal use only
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerWheel is a shared timer-scheduling structure used by the Dispatcher
// to track every session's TX and detection deadlines in a single binary
// heap rather than one OS timer pair per session.
//
// TimerWheel is not safe for concurrent use. It is owned exclusively by the
// Dispatcher's single goroutine, matching the rest of this package's
// concurrency model.
type TimerWheel struct {
	heap    timerHeap
	entries map[timerKey]*timerEntry
}

// NewTimerWheel creates an empty TimerWheel.
func NewTimerWheel() *TimerWheel {
	return &TimerWheel{
		entries: make(map[timerKey]*timerEntry),
	}
}

// Schedule arms (or re-arms) the given session's timer of the given kind to
// fire at deadline. Calling Schedule again for the same (sessionID, kind)
// before it fires replaces the previous deadline; this is the normal case
// on every TX/detect timer reset and is O(log n).
func (w *TimerWheel) Schedule(sessionID uint32, kind TimerKind, deadline time.Time) {
	key := timerKey{sessionID: sessionID, kind: kind}
	if e, ok := w.entries[key]; ok {
		e.dead = true
	}
	e := &timerEntry{timerKey: key, deadline: deadline}
	w.entries[key] = e
	heap.Push(&w.heap, e)
}

// Cancel removes any pending timer of the given kind for sessionID.
// Cancelling a timer that isn't scheduled is a no-op. Cancellation is
// idempotent: it marks the heap entry dead rather than doing an O(n)
// removal, and the entry is skipped lazily the next time it would fire.
func (w *TimerWheel) Cancel(sessionID uint32, kind TimerKind) {
	key := timerKey{sessionID: sessionID, kind: kind}
	if e, ok := w.entries[key]; ok {
		e.dead = true
		delete(w.entries, key)
	}
}

// CancelSession removes both timers (TX and detect) for sessionID. Used
// when a session is torn down.
func (w *TimerWheel) CancelSession(sessionID uint32) {
	w.Cancel(sessionID, TimerTX)
	w.Cancel(sessionID, TimerDetect)
}

// NextDeadline reports the earliest live deadline in the wheel, skipping
// any lazily-cancelled entries at the top of the heap. The second return
// value is false if no timers are scheduled.
func (w *TimerWheel) NextDeadline() (time.Time, bool) {
	w.dropDeadHead()
	if len(w.heap) == 0 {
		return time.Time{}, false
	}
	return w.heap[0].deadline, true
}

// FiredTimer is one expired (sessionID, kind) pair returned by PopExpired,
// exported so callers outside this package (the Dispatcher) can dispatch on
// it without reaching into the unexported timerKey type.
type FiredTimer struct {
	SessionID uint32
	Kind      TimerKind
}

// PopExpired removes and returns every timer entry whose deadline is at or
// before now, in deadline order. Lazily-cancelled entries are discarded
// without being returned.
func (w *TimerWheel) PopExpired(now time.Time) []FiredTimer {
	var fired []FiredTimer
	for {
		w.dropDeadHead()
		if len(w.heap) == 0 || w.heap[0].deadline.After(now) {
			break
		}
		e, _ := heap.Pop(&w.heap).(*timerEntry)
		delete(w.entries, e.timerKey)
		fired = append(fired, FiredTimer{SessionID: e.sessionID, Kind: e.kind})
	}
	return fired
}

// dropDeadHead pops lazily-cancelled entries off the top of the heap so
// NextDeadline and PopExpired never observe a dead entry.
func (w *TimerWheel) dropDeadHead() {
	for len(w.heap) > 0 && w.heap[0].dead {
		heap.Pop(&w.heap) //nolint:errcheck // Pop on container/heap never errors
	}
}

// Len reports the number of live timers currently scheduled.
func (w *TimerWheel) Len() int { return len(w.entries) }
