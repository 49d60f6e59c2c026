package ipv4

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ctos-project/netcore/metrics"
	"github.com/ctos-project/netcore/netcoreerr"
)

// RawSocketTableSize is the fixed slot count of spec.md §3.
const RawSocketTableSize = 1024

// RawDatagram is one delivered copy plus the out-of-band fields a raw
// receiver needs. Engine.Input fills Payload with the whole IP packet: a
// rebuilt 20-byte header followed by the reassembled payload.
type RawDatagram struct {
	Src, Dst uint32
	Proto    uint8
	Payload  []byte
}

// RawSocket is a raw-IPv4 control block: bound local address, registered
// protocol, a receive queue bounded by a byte cap, and its own refcount
// per spec.md §3/§9 ("per-object reference counting... the freeing rule
// stays the same: the last holder frees").
type RawSocket struct {
	mu        sync.Mutex
	LocalAddr uint32
	Proto     uint8
	bufCap    int
	pending   int
	queue     []RawDatagram

	refcount int32
}

// NewRawSocket returns an unbound raw socket with one implicit reference
// held by the caller.
func NewRawSocket(bufCap int) *RawSocket {
	return &RawSocket{bufCap: bufCap, refcount: 1}
}

// Clone increments the reference count, matching the contract Testable
// Property 8 requires of every lookup that hands out a usable reference.
func (s *RawSocket) Clone() *RawSocket {
	atomic.AddInt32(&s.refcount, 1)
	return s
}

// Release decrements the reference count; the caller must not use s
// again once the resulting count could be zero.
func (s *RawSocket) Release() int32 {
	return atomic.AddInt32(&s.refcount, -1)
}

// deliver appends dg to the receive queue, dropping silently on overflow
// (spec.md §4.3.1: "silently dropping on overflow").
func (s *RawSocket) deliver(dg RawDatagram) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending+len(dg.Payload) > s.bufCap {
		metrics.RawSocketDropped()
		return
	}

	s.queue = append(s.queue, dg)
	s.pending += len(dg.Payload)
	metrics.RawSocketFanout()
}

// Recv pops the oldest queued datagram, or reports try-again if empty.
func (s *RawSocket) Recv() (RawDatagram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return RawDatagram{}, netcoreerr.ErrTryAgain
	}

	dg := s.queue[0]
	s.queue = s.queue[1:]
	s.pending -= len(dg.Payload)

	return dg, nil
}

// RawSocketTable is the fixed 1024-slot table of bound raw sockets.
type RawSocketTable struct {
	mu    sync.Mutex
	slots [RawSocketTableSize]*RawSocket
}

// NewRawSocketTable returns an empty table.
func NewRawSocketTable() *RawSocketTable {
	return &RawSocketTable{}
}

// Bind installs s in the first free slot.
func (t *RawSocketTable) Bind(s *RawSocket) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i] == nil {
			t.slots[i] = s
			return nil
		}
	}

	return fmt.Errorf("ipv4: raw socket table full: %w", netcoreerr.ErrNoResources)
}

// Unbind removes s from the table.
func (t *RawSocketTable) Unbind(s *RawSocket) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i] == s {
			t.slots[i] = nil
			return
		}
	}
}

// Match returns every bound socket whose local address equals dst and
// whose registered protocol equals proto (spec.md §4.3.1), each cloned
// under the table lock per the Open Question in §9 ("a cloned reference
// remain safe to use regardless of table state").
func (t *RawSocketTable) Match(dst uint32, proto uint8) []*RawSocket {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*RawSocket
	for _, s := range t.slots {
		if s == nil {
			continue
		}
		if s.LocalAddr == dst && s.Proto == proto {
			out = append(out, s.Clone())
		}
	}

	return out
}

// FanOut delivers dg to every match, releasing each clone after delivery.
func (t *RawSocketTable) FanOut(dg RawDatagram) {
	for _, s := range t.Match(dg.Dst, dg.Proto) {
		s.deliver(dg)
		s.Release()
	}
}
