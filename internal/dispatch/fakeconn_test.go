package dispatch_test

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/ivoronin/gobfdd/internal/netio"
)

// errNoMorePackets signals "would block" to drainListener, the same way a
// real nonblocking socket read returns EAGAIN once its backlog is empty.
var errNoMorePackets = errors.New("fake conn: no more packets queued")

// fakeConn implements netio.PacketConn over an in-memory queue so
// Dispatcher.Step can be driven without a real socket (netio.MockPacketConn
// plays the same role for internal/netio's own tests, but it lives in a
// _test.go file in that package and isn't importable from here).
type fakeConn struct {
	mu      sync.Mutex
	local   netip.AddrPort
	pending []queuedPacket
	closed  bool
}

type queuedPacket struct {
	data []byte
	meta netio.PacketMeta
}

func newFakeConn(local netip.AddrPort) *fakeConn {
	return &fakeConn{local: local}
}

// enqueue makes buf available to the next ReadPacket call, as if it had just
// arrived from srcAddr:srcPort with a GTSM-valid TTL.
func (c *fakeConn) enqueue(buf []byte, srcAddr netip.Addr, srcPort uint16, multiHop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ttl := uint8(255)
	if multiHop {
		ttl = 254
	}
	c.pending = append(c.pending, queuedPacket{
		data: append([]byte(nil), buf...),
		meta: netio.PacketMeta{SrcAddr: srcAddr, SrcPort: srcPort, DstAddr: c.local.Addr(), TTL: ttl},
	})
}

func (c *fakeConn) ReadPacket(buf []byte) (int, netio.PacketMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return 0, netio.PacketMeta{}, errNoMorePackets
	}
	pkt := c.pending[0]
	c.pending = c.pending[1:]
	n := copy(buf, pkt.data)
	return n, pkt.meta, nil
}

func (c *fakeConn) WritePacket([]byte, netip.Addr) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) LocalAddr() netip.AddrPort { return c.local }

func (c *fakeConn) Fd() (int, error) { return -1, nil }
