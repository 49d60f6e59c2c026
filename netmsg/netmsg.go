// Package netmsg implements the network message buffer (net_msg) shared
// by every layer of the core: a contiguous byte region with a moving
// head/tail window, layered protocol header offsets, and out-of-band
// routing fields. A Msg is created once, mutated by whichever layer
// currently owns it, and released exactly once; handing a Msg to a work
// queue or a socket transfers ownership of that release.
package netmsg

import (
	"fmt"
	"sync/atomic"
)

// N16 and N32 mark values that are stored in network (big-endian) byte
// order, so a host-order int can never be silently substituted for a wire
// value at a call site (Design Notes §9).
type N16 uint16
type N32 uint32

// offsetUnset marks a header offset field that has not been set yet.
const offsetUnset = -1

// Msg is the Go representation of net_msg.
//
// Invariants (spec.md §3): start <= each set header offset <= tail;
// Prepend(n) decreases start by n and fails if start-n < 0; Append(n)
// increases tail by n and fails if tail+n > capacity; CutOff(n) truncates
// so that tail-start == n.
type Msg struct {
	buf   []byte
	start int
	tail  int

	// NIC is the owning interface, assigned at RX drain or at TX
	// origin once a route has picked an outbound device.
	NIC interface{}

	EthDst, EthSrc [6]byte
	EtherType      N16

	IPSrc, IPDest N32
	IPProto       uint8
	IPDF          bool
	// IPLength is host order after IP input, per Design Notes §9: it
	// is the payload length following the IP header, not a wire field.
	IPLength int

	ethHdr, arpHdr, ipHdr, icmpHdr, tcpHdr, udpHdr int

	released int32
}

// New allocates a Msg with the given headroom (space reserved below the
// initial start for later Prepend calls) and initial payload size.
func New(headroom, size int) *Msg {
	if headroom < 0 || size < 0 {
		panic("netmsg: negative headroom or size")
	}

	m := &Msg{
		buf:     make([]byte, headroom+size),
		start:   headroom,
		tail:    headroom + size,
		ethHdr:  offsetUnset,
		arpHdr:  offsetUnset,
		ipHdr:   offsetUnset,
		icmpHdr: offsetUnset,
		tcpHdr:  offsetUnset,
		udpHdr:  offsetUnset,
	}

	return m
}

// FromBytes wraps an existing byte slice verbatim as the message payload,
// with no extra headroom. Used by the RX drain path, which already knows
// the exact frame length.
func FromBytes(b []byte) *Msg {
	m := New(0, len(b))
	copy(m.buf, b)
	return m
}

// Prepend grows the message by n bytes below start, for building a header
// outside-in (IP prepending its header in front of an already-built UDP
// datagram, Ethernet prepending in front of that). It returns the offset
// at which the caller should write the new header.
func (m *Msg) Prepend(n int) (offset int, err error) {
	if m.start-n < 0 {
		return 0, fmt.Errorf("netmsg: prepend %d: no headroom (start=%d)", n, m.start)
	}

	m.start -= n
	return m.start, nil
}

// Append grows the message by n bytes at the tail, returning the offset
// at which the caller should write the appended bytes.
func (m *Msg) Append(n int) (offset int, err error) {
	if m.tail+n > len(m.buf) {
		return 0, fmt.Errorf("netmsg: append %d: capacity exceeded (tail=%d cap=%d)", n, m.tail, len(m.buf))
	}

	offset = m.tail
	m.tail += n
	return offset, nil
}

// CutOff truncates the message so that tail-start == n.
func (m *Msg) CutOff(n int) error {
	if n < 0 || m.start+n > len(m.buf) {
		return fmt.Errorf("netmsg: cut_off %d: out of range", n)
	}

	m.tail = m.start + n
	return nil
}

// Data returns the live window [start, tail) of the buffer.
func (m *Msg) Data() []byte {
	return m.buf[m.start:m.tail]
}

// Len returns tail-start.
func (m *Msg) Len() int {
	return m.tail - m.start
}

// Base reports the current start offset, the "buffer_base" of spec.md's
// prepend/append invariants from the caller's point of view.
func (m *Msg) Base() int {
	return m.start
}

// Clone deep-copies the message, including header offsets and out-of-band
// fields, for the fan-out and fragmentation-keeps-original cases.
func (m *Msg) Clone() *Msg {
	c := &Msg{
		buf:       append([]byte(nil), m.buf...),
		start:     m.start,
		tail:      m.tail,
		NIC:       m.NIC,
		EthDst:    m.EthDst,
		EthSrc:    m.EthSrc,
		EtherType: m.EtherType,
		IPSrc:     m.IPSrc,
		IPDest:    m.IPDest,
		IPProto:   m.IPProto,
		IPDF:      m.IPDF,
		IPLength:  m.IPLength,
		ethHdr:    m.ethHdr,
		arpHdr:    m.arpHdr,
		ipHdr:     m.ipHdr,
		icmpHdr:   m.icmpHdr,
		tcpHdr:    m.tcpHdr,
		udpHdr:    m.udpHdr,
	}
	return c
}

// Release marks the message destroyed. Calling it twice is a programmer
// error (spec.md: "destroyed exactly once") and panics rather than
// silently succeeding, so double-free bugs surface in tests immediately.
func (m *Msg) Release() {
	if !atomic.CompareAndSwapInt32(&m.released, 0, 1) {
		panic("netmsg: Msg released twice")
	}
}

// Header offset accessors. Each setter validates start <= offset <= tail.

func (m *Msg) setHdr(field *int, offset int) error {
	if offset < m.start || offset > m.tail {
		return fmt.Errorf("netmsg: header offset %d outside [%d,%d]", offset, m.start, m.tail)
	}
	*field = offset
	return nil
}

func (m *Msg) SetEthHdr(off int) error  { return m.setHdr(&m.ethHdr, off) }
func (m *Msg) SetARPHdr(off int) error  { return m.setHdr(&m.arpHdr, off) }
func (m *Msg) SetIPHdr(off int) error   { return m.setHdr(&m.ipHdr, off) }
func (m *Msg) SetICMPHdr(off int) error { return m.setHdr(&m.icmpHdr, off) }
func (m *Msg) SetTCPHdr(off int) error  { return m.setHdr(&m.tcpHdr, off) }
func (m *Msg) SetUDPHdr(off int) error  { return m.setHdr(&m.udpHdr, off) }

func (m *Msg) EthHdr() []byte  { return m.sliceFrom(m.ethHdr) }
func (m *Msg) ARPHdr() []byte  { return m.sliceFrom(m.arpHdr) }
func (m *Msg) IPHdr() []byte   { return m.sliceFrom(m.ipHdr) }
func (m *Msg) ICMPHdr() []byte { return m.sliceFrom(m.icmpHdr) }
func (m *Msg) TCPHdr() []byte  { return m.sliceFrom(m.tcpHdr) }
func (m *Msg) UDPHdr() []byte  { return m.sliceFrom(m.udpHdr) }

func (m *Msg) sliceFrom(off int) []byte {
	if off == offsetUnset {
		return nil
	}
	return m.buf[off:m.tail]
}
